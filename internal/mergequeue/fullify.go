package mergequeue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/cfg"
	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/set"
)

// Fullifier evaluates pull requests into Candidate records.
// It only reads from the github API, the produced Candidate is a pure value
// and never aliases the passed pull request object.
type Fullifier struct {
	clt      GithubClient
	resolver *cfg.Resolver

	ciContext    string
	pollInterval time.Duration
	pollRetries  int

	logger *zap.Logger
}

func NewFullifier(clt GithubClient, resolver *cfg.Resolver, ciContext string, pollInterval time.Duration, pollRetries int) *Fullifier {
	return &Fullifier{
		clt:          clt,
		resolver:     resolver,
		ciContext:    ciContext,
		pollInterval: pollInterval,
		pollRetries:  pollRetries,
		logger:       zap.L().Named("fullifier"),
	}
}

// Fullify computes all derived fields of a candidate for the pull request.
//
// Github computes the mergeable state of a pull request asynchronously, right
// after a pull request changed the field is unset. Fullify polls the pull
// request with a fixed interval until the state is known, bounded by the
// configured retry count. When the bound is exceeded the candidate is
// evaluated with an unknown mergeable state, which makes it ineligible.
//
// Errors of the github API are returned to the caller, the transient unknown
// mergeable state is the only condition that is retried.
func (f *Fullifier) Fullify(ctx context.Context, pr *github.PullRequest, collaborators set.Set[int64]) (*Candidate, error) {
	owner := pr.GetBase().GetRepo().GetOwner().GetLogin()
	repo := pr.GetBase().GetRepo().GetName()

	pr, err := f.awaitMergeableState(ctx, owner, repo, pr)
	if err != nil {
		return nil, err
	}

	c := Candidate{
		Owner:      owner,
		Repository: repo,
		Number:     pr.GetNumber(),

		BaseBranch: pr.GetBase().GetRef(),
		BaseSHA:    pr.GetBase().GetSHA(),
		HeadSHA:    pr.GetHead().GetSHA(),

		Title:     pr.GetTitle(),
		Author:    pr.GetUser().GetLogin(),
		UpdatedAt: pr.GetUpdatedAt().Time,

		MergeableState:   mergeableState(pr),
		MilestonePresent: pr.Milestone != nil,
	}

	approvals, err := f.evalApprovals(ctx, &c, collaborators)
	if err != nil {
		return nil, fmt.Errorf("evaluating reviews failed: %w", err)
	}
	c.Approvals = *approvals

	ciState, err := f.evalCIState(ctx, &c)
	if err != nil {
		return nil, fmt.Errorf("evaluating ci status failed: %w", err)
	}
	c.CIState = ciState

	syncWithBase, err := f.evalSyncWithBase(ctx, &c)
	if err != nil {
		return nil, fmt.Errorf("evaluating base branch sync failed: %w", err)
	}
	c.SyncWithBase = syncWithBase

	// weight depends on all other fields, it is computed last
	c.Weight = weigh(&c)

	f.logger.Debug("pull request evaluated",
		append(c.LogFields(), logfields.Event("candidate_fullified"))...,
	)

	return &c, nil
}

func mergeableState(pr *github.PullRequest) MergeableState {
	state := pr.GetMergeableState()
	if state == "" {
		return MergeableStateUnknown
	}

	return MergeableState(state)
}

func (f *Fullifier) awaitMergeableState(ctx context.Context, owner, repo string, pr *github.PullRequest) (*github.PullRequest, error) {
	if mergeableState(pr) != MergeableStateUnknown {
		return pr, nil
	}

	for attempt := 0; attempt < f.pollRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.pollInterval):
		}

		refetched, err := f.clt.PullRequest(ctx, owner, repo, pr.GetNumber())
		if err != nil {
			return nil, err
		}

		if mergeableState(refetched) != MergeableStateUnknown {
			return refetched, nil
		}

		pr = refetched
	}

	f.logger.Info(
		"mergeable state still unknown after polling, evaluating pull request as ineligible",
		logfields.Event("mergeable_state_poll_exhausted"),
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(pr.GetNumber()),
		zap.Int("poll_retries", f.pollRetries),
	)

	return pr, nil
}

// evalApprovals replays the reviews of the pull request in chronological
// order.
// Only reviews of repository collaborators count. The latest review of a
// reviewer supersedes earlier ones: an approval adds the reviewer to the
// approved set and clears a previous changes request, a changes request
// retracts a previous approval, a dismissal clears both marks of the
// reviewer. Comment reviews are ignored.
func (f *Fullifier) evalApprovals(ctx context.Context, c *Candidate, collaborators set.Set[int64]) (*Approvals, error) {
	reviews, err := f.clt.Reviews(ctx, c.Owner, c.Repository, c.Number)
	if err != nil {
		return nil, err
	}

	approved := set.New[int64]()
	changesRequested := set.New[int64]()

	for _, review := range reviews {
		userID := review.GetUser().GetID()

		if !collaborators.Contains(userID) {
			continue
		}

		switch review.GetState() {
		case "APPROVED":
			approved.Add(userID)
			changesRequested.Remove(userID)

		case "CHANGES_REQUESTED":
			approved.Remove(userID)
			changesRequested.Add(userID)

		case "DISMISSED":
			approved.Remove(userID)
			changesRequested.Remove(userID)
		}
	}

	return &Approvals{
		ApprovedBy:         approved.ToSlice(),
		ChangesRequestedBy: changesRequested.ToSlice(),
		Required:           f.resolver.RequiredApprovals(c.Owner, c.Repository, c.BaseBranch),
	}, nil
}

// evalCIState determines the state of the designated CI status context for
// the head commit.
// Github returns statuses newest first, per context only the first entry
// counts.
func (f *Fullifier) evalCIState(ctx context.Context, c *Candidate) (CIState, error) {
	statuses, err := f.clt.HeadStatuses(ctx, c.Owner, c.Repository, c.HeadSHA)
	if err != nil {
		return CIStateUnknown, err
	}

	for _, status := range statuses {
		if status.GetContext() != f.ciContext {
			continue
		}

		switch state := status.GetState(); state {
		case "success", "pending", "failure", "error":
			return CIState(state), nil
		default:
			return CIStateUnknown, nil
		}
	}

	return CIStateUnknown, nil
}

func (f *Fullifier) evalSyncWithBase(ctx context.Context, c *Candidate) (bool, error) {
	tip, err := f.clt.BranchTip(ctx, c.Owner, c.Repository, c.BaseBranch)
	if err != nil {
		return false, err
	}

	return tip == c.BaseSHA, nil
}
