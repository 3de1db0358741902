package mergequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/githubclt"
	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/mergerr"
	"github.com/merganser/merganser/internal/queuestore"
)

// Builder rebuilds the merge queue of a base branch from the current github
// state.
type Builder struct {
	clt       GithubClient
	fullifier *Fullifier
	store     *queuestore.Store

	statusContext string

	logger *zap.Logger
}

func NewBuilder(clt GithubClient, fullifier *Fullifier, store *queuestore.Store, statusContext string) *Builder {
	return &Builder{
		clt:           clt,
		fullifier:     fullifier,
		store:         store,
		statusContext: statusContext,
		logger:        zap.L().Named("queue_builder"),
	}
}

// Rebuild fetches all open pull requests that target the branch, evaluates
// them, sorts them by descending weight and persists the result.
//
// Evaluation failures of a single pull request exclude only that pull
// request. A retryable github error aborts the rebuild, the queue is then
// corrected by the next event or periodic refresh.
func (b *Builder) Rebuild(ctx context.Context, branch BranchID) ([]*Candidate, error) {
	collaborators, err := b.clt.Collaborators(ctx, branch.Owner, branch.Repository)
	if err != nil {
		return nil, fmt.Errorf("fetching collaborators failed: %w", err)
	}

	var candidates []*Candidate

	it := b.clt.ListPullRequests(ctx, branch.Owner, branch.Repository, branch.Branch)
	for {
		pr, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("listing pull requests failed: %w", err)
		}

		if pr == nil {
			break
		}

		candidate, err := b.fullifier.Fullify(ctx, pr, collaborators)
		if err != nil {
			var retryable *mergerr.RetryableError
			if errors.As(err, &retryable) {
				return nil, err
			}

			b.logger.Info(
				"excluding pull request from queue, evaluation failed",
				logfields.Event("candidate_evaluation_failed"),
				logfields.PullRequest(pr.GetNumber()),
				zap.Error(err),
			)
			continue
		}

		candidates = append(candidates, candidate)
	}

	sortCandidates(candidates)

	if err := b.persist(ctx, branch, candidates); err != nil {
		return nil, err
	}

	b.postReviewStatuses(ctx, candidates)

	b.logger.Debug(
		"queue rebuilt",
		append(branch.LogFields(),
			logfields.Event("queue_rebuilt"),
			zap.Int("queue_length", len(candidates)),
		)...,
	)

	return candidates, nil
}

// sortCandidates orders by descending weight, among equal weights the most
// recently updated pull request wins.
func sortCandidates(candidates []*Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Weight != candidates[j].Weight {
			return candidates[i].Weight > candidates[j].Weight
		}

		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
}

func (b *Builder) persist(ctx context.Context, branch BranchID, candidates []*Candidate) error {
	key := queuestore.BranchKey{
		Owner:      branch.Owner,
		Repository: branch.Repository,
		Branch:     branch.Branch,
	}

	if len(candidates) == 0 {
		return b.store.Clear(ctx, key)
	}

	payload, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("marshalling queue snapshot failed: %w", err)
	}

	return b.store.Put(ctx, key, payload)
}

// postReviewStatuses posts the approval progress of every candidate as
// commit status.
// Posting is best-effort, failures are logged and do not fail the rebuild.
func (b *Builder) postReviewStatuses(ctx context.Context, candidates []*Candidate) {
	for _, c := range candidates {
		state, description := reviewStatus(&c.Approvals)

		err := b.clt.PostStatus(ctx, c.Owner, c.Repository, c.HeadSHA, b.statusContext, state, description)
		if err != nil {
			if errors.Is(err, githubclt.ErrPullRequestGone) {
				continue
			}

			b.logger.Info(
				"posting review status failed",
				append(c.LogFields(),
					logfields.Event("review_status_post_failed"),
					zap.Error(err),
				)...,
			)
		}
	}
}

func reviewStatus(approvals *Approvals) (state, description string) {
	if len(approvals.ChangesRequestedBy) > 0 {
		return "failure", fmt.Sprintf("%d collaborator(s) requested changes", len(approvals.ChangesRequestedBy))
	}

	description = fmt.Sprintf("%d/%d approvals", len(approvals.ApprovedBy), approvals.Required)

	if approvals.Approved() {
		return "success", description
	}

	return "pending", description
}
