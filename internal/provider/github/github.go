// Package github receives github webhook events via http and forwards them as
// preprocessed events to a channel.
package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/logfields"
)

const loggerName = "github-event-provider"

// Provider listens for github-webhook http-requests at a http-server handler,
// validates and converts the requests to an Event and forwards it to an event
// channel.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	ch            chan<- *Event
}

type option func(*Provider)

func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(eventChan chan<- *Event, opts ...option) *Provider {
	p := Provider{
		ch: eventChan,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logFields := []zap.Field{
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	}

	logger := p.logger.With(logFields...)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Debug(
		"received http request",
		logfields.Event("github_event_received"),
		zap.ByteString("http_body", payload),
	)

	event, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	ev := Event{
		DeliveryID: deliveryID,
		Type:       hookType,
		JSON:       payload,
		Event:      event,
		LogFields:  logFields,
	}

	select {
	case p.ch <- &ev:
		logger.Debug("event forwarded to channel",
			logfields.Event("github_event_forwarded"),
		)

	default:
		logger.Warn(
			"event lost, forwarding event to channel failed",
			zap.String("error", "could not forward event to channel, send would have blocked"),
			logfields.Event("github_forwarding_event_failed"),
		)

		http.Error(resp, "queue full", http.StatusServiceUnavailable)
		return
	}
}

// RefreshHTTPHandler handles POST requests for
// <endpoint>/<owner>/<repository>/<branch>.
// Requests must carry an hmac-sha256 signature of the request body in the
// X-Hub-Signature-256 header, calculated with the webhook secret.
// Valid requests are forwarded as RefreshEvent wrapped in an Event to the
// event channel.
func (p *Provider) RefreshHTTPHandler(endpoint string) http.HandlerFunc {
	return func(resp http.ResponseWriter, req *http.Request) {
		logger := p.logger.With(logfields.EventProvider("refresh"))

		if req.Method != http.MethodPost {
			http.Error(resp, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(resp, err.Error(), http.StatusBadRequest)
			return
		}

		if err := p.validateSignature(req.Header.Get(github.SHA256SignatureHeader), body); err != nil {
			logger.Info(
				"received invalid refresh request, signature validation failed",
				logfields.Event("refresh_request_validation_failed"),
				zap.Error(err),
			)
			http.Error(resp, err.Error(), http.StatusForbidden)
			return
		}

		path := strings.TrimPrefix(req.URL.Path, endpoint)
		parts := strings.Split(strings.Trim(path, "/"), "/")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			http.Error(resp, "expected path: <owner>/<repository>/<branch>", http.StatusBadRequest)
			return
		}

		ev := Event{
			Type: "refresh",
			Event: &RefreshEvent{
				Owner:      parts[0],
				Repository: parts[1],
				Branch:     parts[2],
			},
			LogFields: []zap.Field{
				logfields.EventProvider("refresh"),
				logfields.RepositoryOwner(parts[0]),
				logfields.Repository(parts[1]),
				logfields.BaseBranch(parts[2]),
			},
		}

		select {
		case p.ch <- &ev:
			logger.Debug("refresh event forwarded to channel",
				logfields.Event("refresh_event_forwarded"),
			)
			resp.WriteHeader(http.StatusAccepted)

		default:
			http.Error(resp, "queue full", http.StatusServiceUnavailable)
		}
	}
}

func (p *Provider) validateSignature(signature string, body []byte) error {
	const prefix = "sha256="

	if !strings.HasPrefix(signature, prefix) {
		return fmt.Errorf("missing or unsupported signature header")
	}

	mac := hmac.New(sha256.New, p.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, prefix))) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}
