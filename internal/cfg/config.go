// Package cfg loads and validates the merganser configuration file.
package cfg

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefStatusContext           = "merganser/reviewers"
	DefCIContext               = "continuous-integration/travis-ci/pr"
	DefRequiredApprovals       = 2
	DefMergeablePollInterval   = 420 * time.Millisecond
	DefMergeablePollRetries    = 5
	DefPendingActionTTL        = 10 * time.Minute
	DefPeriodicRefreshInterval = 30 * time.Minute
	DefEventWorkers            = 16
)

type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string `toml:"https_server_listen_addr"`
	HTTPSCertFile             string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	HTTPRefreshEndpoint       string `toml:"refresh_endpoint"`
	HTTPQueueEndpoint         string `toml:"queue_endpoint"`
	HTTPMetricsEndpoint       string `toml:"metrics_endpoint"`
	GithubWebHookSecret       string `toml:"github_webhook_secret"`
	GithubAPIToken            string `toml:"github_api_token"`
	RedisURL                  string `toml:"redis_url"`
	LogFormat                 string `toml:"log_format"`
	LogTimeKey                string `toml:"log_time_key"`
	LogLevel                  string `toml:"log_level"`

	CIContext     string `toml:"ci_context"`
	StatusContext string `toml:"status_context"`

	MergeablePollIntervalSeconds   float64 `toml:"mergeable_poll_interval_seconds"`
	MergeablePollRetries           int     `toml:"mergeable_poll_retries"`
	PendingActionTTLMinutes        int     `toml:"pending_action_ttl_minutes"`
	PeriodicRefreshIntervalMinutes int     `toml:"periodic_refresh_interval_minutes"`
	EventWorkers                   int     `toml:"event_workers"`

	Repositories []Repository `toml:"repository"`

	// RequiredApprovals, RequiredContexts and ProtectionEnforced are
	// looked up with the fallback key scheme documented on Resolver.
	RequiredApprovals  map[string]int64    `toml:"required_approvals"`
	RequiredContexts   map[string][]string `toml:"required_contexts"`
	ProtectionEnforced map[string]bool     `toml:"branch_protection"`

	EventFilters []EventFilter `toml:"event_filter"`
}

type Repository struct {
	Owner    string   `toml:"owner"`
	Name     string   `toml:"name"`
	Branches []string `toml:"branches"`
}

// EventFilter drops inbound webhook events whose JSON payload matches the jq
// filter query.
type EventFilter struct {
	Name        string `toml:"name"`
	FilterQuery string `toml:"filter_query"`
}

func Load(reader io.Reader) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var result Config
	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.applyDefaults()

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) applyDefaults() {
	if c.HTTPGithubWebhookEndpoint == "" {
		c.HTTPGithubWebhookEndpoint = "/listener/github"
	}

	if c.HTTPRefreshEndpoint == "" {
		c.HTTPRefreshEndpoint = "/refresh/"
	}

	if c.HTTPQueueEndpoint == "" {
		c.HTTPQueueEndpoint = "/queues/"
	}

	if c.HTTPMetricsEndpoint == "" {
		c.HTTPMetricsEndpoint = "/metrics"
	}

	if c.CIContext == "" {
		c.CIContext = DefCIContext
	}

	if c.StatusContext == "" {
		c.StatusContext = DefStatusContext
	}

	if c.MergeablePollRetries == 0 {
		c.MergeablePollRetries = DefMergeablePollRetries
	}

	if c.EventWorkers == 0 {
		c.EventWorkers = DefEventWorkers
	}

	if c.LogFormat == "" {
		c.LogFormat = "logfmt"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.GithubAPIToken == "" {
		return errors.New("github_api_token is unset")
	}

	if c.RedisURL == "" {
		return errors.New("redis_url is unset")
	}

	if len(c.Repositories) == 0 {
		return errors.New("no repository is configured")
	}

	for i, repo := range c.Repositories {
		if repo.Owner == "" || repo.Name == "" {
			return fmt.Errorf("repository entry %d: owner and name must be set", i)
		}
	}

	return nil
}

func (c *Config) MergeablePollInterval() time.Duration {
	if c.MergeablePollIntervalSeconds == 0 {
		return DefMergeablePollInterval
	}

	return time.Duration(c.MergeablePollIntervalSeconds * float64(time.Second))
}

func (c *Config) PendingActionTTL() time.Duration {
	if c.PendingActionTTLMinutes == 0 {
		return DefPendingActionTTL
	}

	return time.Duration(c.PendingActionTTLMinutes) * time.Minute
}

func (c *Config) PeriodicRefreshInterval() time.Duration {
	if c.PeriodicRefreshIntervalMinutes == 0 {
		return DefPeriodicRefreshInterval
	}

	return time.Duration(c.PeriodicRefreshIntervalMinutes) * time.Minute
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}
