package mergequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/cfg"
	"github.com/merganser/merganser/internal/logfields"
	github_prov "github.com/merganser/merganser/internal/provider/github"

	"github.com/merganser/merganser/internal/mergequeue/routines"
)

const loggerName = "mergequeue"

// DefEventChannelBufferSize is the size of the event channel that the
// dispatcher consumes.
const DefEventChannelBufferSize = 1024

// Repository identifies a repository that the dispatcher processes events
// for.
type Repository struct {
	Owner string
	Name  string
}

// Dispatcher consumes webhook events, maps them to the base branch they
// affect and runs a queue rebuild plus reconciliation for that branch.
//
// Every event is processed in its own unit of work on a bounded goroutine
// pool. Events for the same branch can be processed concurrently, rebuilds
// are idempotent and the last queue snapshot write wins.
type Dispatcher struct {
	ch <-chan *github_prov.Event

	clt        GithubClient
	builder    *Builder
	reconciler *Reconciler
	resolver   *cfg.Resolver
	retryer    *Retryer

	filters       []*IgnoreFilter
	statusContext string

	repos            map[Repository]struct{}
	periodicBranches []BranchID
	refreshInterval  time.Duration

	pool *routines.Pool

	logger *zap.Logger

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

func NewDispatcher(
	eventChan <-chan *github_prov.Event,
	clt GithubClient,
	builder *Builder,
	reconciler *Reconciler,
	resolver *cfg.Resolver,
	filters []*IgnoreFilter,
	statusContext string,
	repositories []cfg.Repository,
	refreshInterval time.Duration,
	workers uint,
) *Dispatcher {
	repos := make(map[Repository]struct{}, len(repositories))
	var periodicBranches []BranchID

	for _, repo := range repositories {
		repos[Repository{Owner: repo.Owner, Name: repo.Name}] = struct{}{}

		for _, branch := range repo.Branches {
			periodicBranches = append(periodicBranches, BranchID{
				Owner:      repo.Owner,
				Repository: repo.Name,
				Branch:     branch,
			})
		}
	}

	return &Dispatcher{
		ch:               eventChan,
		clt:              clt,
		builder:          builder,
		reconciler:       reconciler,
		resolver:         resolver,
		retryer:          NewRetryer(),
		filters:          filters,
		statusContext:    statusContext,
		repos:            repos,
		periodicBranches: periodicBranches,
		refreshInterval:  refreshInterval,
		pool:             routines.NewPool(workers),
		logger:           zap.L().Named(loggerName),
		shutdownChan:     make(chan struct{}),
	}
}

// Start runs the event processing loop and the periodic refresh ticker in
// background goroutines.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop()
	}()

	if d.refreshInterval > 0 && len(d.periodicBranches) > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.periodicRefreshLoop()
		}()
	}
}

// Stop terminates the event loop, waits for in-flight event processing to
// finish and stops the goroutine pool.
// Events still buffered in the channel are discarded.
func (d *Dispatcher) Stop() {
	d.logger.Debug("dispatcher terminating", logfields.Event("dispatcher_terminating"))

	select {
	case <-d.shutdownChan:
	default:
		close(d.shutdownChan)
	}

	d.retryer.Stop()
	d.wg.Wait()
	d.pool.Wait()
}

// InitialSync rebuilds and reconciles the queues of all configured branches.
// It is run once at startup to recover from events missed while the process
// was down. Retryable github errors are retried with backoff.
func (d *Dispatcher) InitialSync(ctx context.Context) error {
	for _, branch := range d.periodicBranches {
		branch := branch

		err := d.retryer.Run(ctx, func(ctx context.Context) error {
			return d.processBranch(ctx, branch)
		}, branch.LogFields())
		if err != nil {
			return fmt.Errorf("initial sync of %s failed: %w", branch, err)
		}
	}

	return nil
}

func (d *Dispatcher) eventLoop() {
	for {
		select {
		case <-d.shutdownChan:
			return

		case ev, open := <-d.ch:
			if !open {
				return
			}

			d.pool.Queue(func() {
				d.processEvent(context.Background(), ev)
			})
		}
	}
}

func (d *Dispatcher) periodicRefreshLoop() {
	ticker := time.NewTicker(d.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownChan:
			return

		case <-ticker.C:
			for _, branch := range d.periodicBranches {
				branch := branch

				d.pool.Queue(func() {
					err := d.processBranch(context.Background(), branch)
					if err != nil {
						d.logger.Info(
							"periodic queue refresh failed",
							append(branch.LogFields(),
								logfields.Event("periodic_refresh_failed"),
								zap.Error(err),
							)...,
						)
					}
				})
			}
		}
	}
}

func (d *Dispatcher) processEvent(ctx context.Context, ev *github_prov.Event) {
	logger := d.logger.With(ev.LogFields...)

	metrics.ProcessedEventsInc()

	if d.eventIgnored(ctx, ev, logger) {
		metrics.IgnoredEventsInc()
		return
	}

	branches, clearPending := d.resolveBranches(ctx, ev, logger)
	if len(branches) == 0 {
		return
	}

	for _, branch := range branches {
		if !d.monitored(branch) {
			logger.Debug(
				"ignoring event, repository is not configured",
				append(branch.LogFields(), logfields.Event("event_unmonitored_repository"))...,
			)
			continue
		}

		if clearPending {
			d.reconciler.ClearPendingAction(branch)
		}

		if err := d.processBranch(ctx, branch); err != nil {
			logger.Info(
				"processing event for branch failed",
				append(branch.LogFields(),
					logfields.Event("event_processing_failed"),
					zap.Error(err),
				)...,
			)
		}
	}
}

// eventIgnored applies the short-circuit rules and the configured ignore
// filters.
// Status events posted by the engine itself and status events with a pending
// state can not change the merge decision, they are dropped without a
// rebuild.
func (d *Dispatcher) eventIgnored(ctx context.Context, ev *github_prov.Event, logger *zap.Logger) bool {
	if statusEv, ok := ev.Event.(*github.StatusEvent); ok {
		if statusEv.GetContext() == d.statusContext {
			logger.Debug(
				"ignoring status event for own status context",
				logfields.Event("event_own_status_context"),
			)
			return true
		}

		if statusEv.GetState() == "pending" {
			logger.Debug(
				"ignoring pending status event",
				logfields.Event("event_pending_status"),
			)
			return true
		}
	}

	for _, filter := range d.filters {
		if len(ev.JSON) == 0 {
			break
		}

		match, err := filter.Matches(ctx, ev.JSON)
		if err != nil {
			logger.Warn(
				"evaluating event ignore filter failed",
				logfields.Event("event_filter_evaluation_failed"),
				zap.String("filter", filter.Name()),
				zap.Error(err),
			)
			continue
		}

		if match {
			logger.Debug(
				"ignoring event, ignore filter matched",
				logfields.Event("event_filter_matched"),
				zap.String("filter", filter.Name()),
			)
			return true
		}
	}

	return false
}

// resolveBranches maps the event to the base branches it affects.
// clearPending is true when the event is the follow-up of an in-flight
// branch update action and the pending-action marker of the branch must be
// cleared before reconciling.
func (d *Dispatcher) resolveBranches(ctx context.Context, ev *github_prov.Event, logger *zap.Logger) (branches []BranchID, clearPending bool) {
	switch event := ev.Event.(type) {
	case *github.PullRequestEvent:
		switch event.GetAction() {
		case "opened", "reopened", "synchronize", "closed", "edited":
		default:
			logger.Debug(
				"ignoring pull request event action",
				logfields.Event("event_unsupported_pr_action"),
				zap.String("github.action", event.GetAction()),
			)
			return nil, false
		}

		branch, ok := branchOfPR(event.GetRepo(), event.GetPullRequest())
		if !ok {
			return d.fallbackBranchesOfPR(ctx, event.GetRepo(), event.GetPullRequest(), logger), false
		}

		if event.GetAction() == "synchronize" {
			if nr, active := d.reconciler.PendingAction(branch); active && nr == event.GetPullRequest().GetNumber() {
				clearPending = true
			}
		}

		return []BranchID{branch}, clearPending

	case *github.PullRequestReviewEvent:
		branch, ok := branchOfPR(event.GetRepo(), event.GetPullRequest())
		if !ok {
			return d.fallbackBranchesOfPR(ctx, event.GetRepo(), event.GetPullRequest(), logger), false
		}

		return []BranchID{branch}, false

	case *github.StatusEvent:
		return d.resolveStatusEventBranches(ctx, event, logger), false

	case *github_prov.RefreshEvent:
		return []BranchID{{
			Owner:      event.Owner,
			Repository: event.Repository,
			Branch:     event.Branch,
		}}, false

	default:
		logger.Debug(
			"ignoring event, event type is unsupported",
			logfields.Event("event_unsupported_type"),
		)
		return nil, false
	}
}

// resolveStatusEventBranches finds the pull requests that the commit of the
// status event belongs to via the github search API and returns their base
// branches.
func (d *Dispatcher) resolveStatusEventBranches(ctx context.Context, event *github.StatusEvent, logger *zap.Logger) []BranchID {
	owner := event.GetRepo().GetOwner().GetLogin()
	repo := event.GetRepo().GetName()
	sha := event.GetSHA()

	if owner == "" || repo == "" || sha == "" {
		logger.Debug(
			"dropping status event, repository or commit is missing in payload",
			logfields.Event("event_unresolvable"),
		)
		return nil
	}

	return d.searchBranchesByCommit(ctx, owner, repo, sha, logger)
}

// fallbackBranchesOfPR resolves the base branches of a pull request event
// whose payload lacks a resolvable base branch, via a commit search for the
// head commit.
func (d *Dispatcher) fallbackBranchesOfPR(ctx context.Context, repo *github.Repository, pr *github.PullRequest, logger *zap.Logger) []BranchID {
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()
	sha := pr.GetHead().GetSHA()

	if owner == "" || name == "" || sha == "" {
		logger.Debug(
			"dropping event, base branch and head commit are missing in payload",
			logfields.Event("event_unresolvable"),
		)
		return nil
	}

	return d.searchBranchesByCommit(ctx, owner, name, sha, logger)
}

// searchBranchesByCommit finds the open pull requests that contain the commit
// via the github search API and returns their base branches.
func (d *Dispatcher) searchBranchesByCommit(ctx context.Context, owner, repo, sha string, logger *zap.Logger) []BranchID {
	prs, err := d.clt.SearchPRsByCommit(ctx, owner, repo, sha)
	if err != nil {
		logger.Info(
			"dropping event, resolving pull requests by commit failed",
			logfields.Event("event_pr_resolution_failed"),
			logfields.Commit(sha),
			zap.Error(err),
		)
		return nil
	}

	seen := map[BranchID]struct{}{}
	var result []BranchID

	for _, pr := range prs {
		branch := BranchID{
			Owner:      owner,
			Repository: repo,
			Branch:     pr.GetBase().GetRef(),
		}

		if _, dup := seen[branch]; dup || branch.Branch == "" {
			continue
		}

		seen[branch] = struct{}{}
		result = append(result, branch)
	}

	if len(result) == 0 {
		logger.Debug(
			"dropping event, commit belongs to no open pull request",
			logfields.Event("event_unresolvable"),
			logfields.Commit(sha),
		)
	}

	return result
}

func branchOfPR(repo *github.Repository, pr *github.PullRequest) (BranchID, bool) {
	branch := BranchID{
		Owner:      repo.GetOwner().GetLogin(),
		Repository: repo.GetName(),
		Branch:     pr.GetBase().GetRef(),
	}

	if branch.Owner == "" || branch.Repository == "" || branch.Branch == "" {
		return BranchID{}, false
	}

	return branch, true
}

func (d *Dispatcher) monitored(branch BranchID) bool {
	_, exist := d.repos[Repository{Owner: branch.Owner, Name: branch.Repository}]
	return exist
}

// processBranch rebuilds the queue of the branch and reconciles its top
// candidate.
// When the branch protection of the branch does not match the configured
// expectation, only the queue is refreshed for display purposes and no merge
// action is run.
func (d *Dispatcher) processBranch(ctx context.Context, branch BranchID) error {
	queue, err := d.builder.Rebuild(ctx, branch)
	if err != nil {
		return err
	}

	metrics.RebuildsInc(branch)
	metrics.QueueLengthSet(branch, len(queue))

	if !d.protectionMatches(ctx, branch) {
		return nil
	}

	action, err := d.reconciler.Reconcile(ctx, branch, queue)
	if err != nil {
		return err
	}

	metrics.ActionsInc(branch, action)

	return nil
}

// protectionMatches verifies that the branch protection rule of the branch
// matches the configured expectation.
// When the check can not be performed or fails, false is returned and
// reconciliation is skipped for this cycle, a fail-safe default.
func (d *Dispatcher) protectionMatches(ctx context.Context, branch BranchID) bool {
	if !d.resolver.BranchProtectionEnforced(branch.Owner, branch.Repository, branch.Branch) {
		return true
	}

	protection, err := d.clt.BranchProtection(ctx, branch.Owner, branch.Repository, branch.Branch)
	if err != nil {
		d.logger.Warn(
			"skipping reconciliation, querying branch protection failed",
			append(branch.LogFields(),
				logfields.Event("branch_protection_check_failed"),
				zap.Error(err),
			)...,
		)
		return false
	}

	expectedApprovals := d.resolver.RequiredApprovals(branch.Owner, branch.Repository, branch.Branch)
	expectedContexts := d.resolver.RequiredStatusContexts(branch.Owner, branch.Repository, branch.Branch)

	if !protection.Exists ||
		protection.RequiredApprovingReviewCount != expectedApprovals ||
		!containsAll(protection.RequiredStatusCheckContexts, expectedContexts) {
		d.logger.Warn(
			"skipping reconciliation, branch protection does not match expectation",
			append(branch.LogFields(),
				logfields.Event("branch_protection_mismatch"),
				zap.Bool("protection_exists", protection.Exists),
				zap.Int("required_approvals", protection.RequiredApprovingReviewCount),
				zap.Strings("required_contexts", protection.RequiredStatusCheckContexts),
			)...,
		)
		return false
	}

	return true
}

func containsAll(haystack, needles []string) bool {
	for _, needle := range needles {
		found := false
		for _, elem := range haystack {
			if elem == needle {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}
