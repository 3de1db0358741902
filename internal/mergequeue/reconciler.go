package mergequeue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/githubclt"
	"github.com/merganser/merganser/internal/logfields"
)

// Action is the outcome of one reconciliation cycle.
type Action int

const (
	// ActionNoOp means nothing was done, the branch waits for the next
	// event.
	ActionNoOp Action = iota
	// ActionMerged means the top candidate was merged.
	ActionMerged
	// ActionBranchUpdated means a base branch update was requested for the
	// top candidate.
	ActionBranchUpdated
	// ActionWaitingOnCI means the top candidate is queued until its CI run
	// finishes.
	ActionWaitingOnCI
)

func (a Action) String() string {
	switch a {
	case ActionMerged:
		return "merged"
	case ActionBranchUpdated:
		return "branch_updated"
	case ActionWaitingOnCI:
		return "waiting_on_ci"
	default:
		return "noop"
	}
}

// Reconciler decides and executes the next action for the top candidate of a
// freshly rebuilt queue.
type Reconciler struct {
	clt     GithubClient
	pending *pendingActions

	logger *zap.Logger
}

func NewReconciler(clt GithubClient, pendingActionTTL time.Duration) *Reconciler {
	return &Reconciler{
		clt:     clt,
		pending: newPendingActions(pendingActionTTL),
		logger:  zap.L().Named("reconciler"),
	}
}

// Reconcile inspects the top candidate of the queue and executes at most one
// action.
//
// Failed merge or branch update attempts are not retried in the same cycle,
// the branch is re-evaluated on its next event. This avoids hot-looping
// against a pull request that persistently can not be merged.
func (r *Reconciler) Reconcile(ctx context.Context, branch BranchID, queue []*Candidate) (Action, error) {
	if len(queue) == 0 {
		return ActionNoOp, nil
	}

	top := queue[0]
	logger := r.logger.With(top.LogFields()...)

	if top.Weight < 0 {
		logger.Debug("queue has no eligible candidate",
			logfields.Event("no_eligible_candidate"),
		)
		return ActionNoOp, nil
	}

	if pendingNr, active := r.pending.Get(branch); active && pendingNr != top.Number {
		logger.Debug(
			"holding off, awaiting outcome of in-flight action for another pull request",
			logfields.Event("reconcile_awaiting_pending_action"),
			zap.Int("pending_pull_request", pendingNr),
		)
		return ActionNoOp, nil
	}

	switch {
	case top.MergeableState == MergeableStateClean:
		return r.merge(ctx, branch, top, logger)

	case top.MergeableState == MergeableStateBehind:
		if top.CIState != CIStateSuccess {
			logger.Debug("top candidate is behind, awaiting successful CI run before updating",
				logfields.Event("reconcile_noop"),
			)
			return ActionNoOp, nil
		}

		return r.updateBranch(ctx, branch, top, logger)

	case top.MergeableState == MergeableStateBlocked && top.CIState == CIStatePending:
		logger.Debug("top candidate waits for CI",
			logfields.Event("reconcile_waiting_on_ci"),
		)
		return ActionWaitingOnCI, nil

	default:
		logger.Info("top candidate is not actionable",
			logfields.Event("unmergeable_top_candidate"),
		)
		return ActionNoOp, nil
	}
}

// ClearPendingAction removes the in-flight action marker of the branch.
// The dispatcher calls it when the follow-up event of the marked pull request
// arrives.
func (r *Reconciler) ClearPendingAction(branch BranchID) {
	r.pending.Clear(branch)
}

// PendingAction returns the pull request number of the active in-flight
// action marker for the branch, if one exists.
func (r *Reconciler) PendingAction(branch BranchID) (int, bool) {
	return r.pending.Get(branch)
}

// merge runs the merge protocol for the candidate.
// The rebase strategy is tried first, when github reports that the branch can
// not be rebased, a plain merge is tried once.
// The expected head commit is pinned, a concurrently pushed commit causes a
// rejection instead of being merged silently.
func (r *Reconciler) merge(ctx context.Context, branch BranchID, top *Candidate, logger *zap.Logger) (Action, error) {
	err := r.clt.Merge(ctx, top.Owner, top.Repository, top.Number, top.HeadSHA, "rebase")
	if errors.Is(err, githubclt.ErrCannotRebase) {
		logger.Info("rebase merge refused, retrying with merge strategy",
			logfields.Event("merge_strategy_fallback"),
		)

		err = r.clt.Merge(ctx, top.Owner, top.Repository, top.Number, top.HeadSHA, "merge")
	}

	if err != nil {
		// a pull request that was merged or updated by a concurrent
		// worker in the meantime is not an error condition
		if errors.Is(err, githubclt.ErrNotMergeable) ||
			errors.Is(err, githubclt.ErrHeadChanged) ||
			errors.Is(err, githubclt.ErrPullRequestGone) {
			logger.Debug("merge superseded by concurrent change",
				logfields.Event("merge_superseded"),
				zap.Error(err),
			)
			return ActionNoOp, nil
		}

		logger.Error("merging pull request failed",
			logfields.Event("merge_failed"),
			zap.Error(err),
		)

		return ActionNoOp, err
	}

	r.pending.Clear(branch)

	logger.Info("pull request merged",
		logfields.Event("pull_request_merged"),
	)

	return ActionMerged, nil
}

func (r *Reconciler) updateBranch(ctx context.Context, branch BranchID, top *Candidate, logger *zap.Logger) (Action, error) {
	result, err := r.clt.UpdateBranch(ctx, top.Owner, top.Repository, top.Number, top.HeadSHA)
	if err != nil {
		if errors.Is(err, githubclt.ErrHeadChanged) || errors.Is(err, githubclt.ErrPullRequestGone) {
			logger.Debug("branch update superseded by concurrent change",
				logfields.Event("branch_update_superseded"),
				zap.Error(err),
			)
			return ActionNoOp, nil
		}

		logger.Warn("updating branch with base branch failed",
			logfields.Event("branch_update_failed"),
			zap.Error(err),
		)

		return ActionNoOp, err
	}

	if result.NotBehind {
		logger.Debug("branch already contains all base branch changes",
			logfields.Event("branch_update_unnecessary"),
		)
		return ActionNoOp, nil
	}

	// correlate the upcoming synchronize event back to this decision
	r.pending.Set(branch, top.Number)

	logger.Info("branch update with base branch requested",
		logfields.Event("branch_update_requested"),
	)

	return ActionBranchUpdated, nil
}
