package mergequeue

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/merganser/merganser/internal/logfields"
)

// MergeableState is the mergeability of a pull request as computed by github.
type MergeableState string

const (
	MergeableStateUnknown  MergeableState = "unknown"
	MergeableStateClean    MergeableState = "clean"
	MergeableStateUnstable MergeableState = "unstable"
	MergeableStateBlocked  MergeableState = "blocked"
	MergeableStateBehind   MergeableState = "behind"
	MergeableStateDirty    MergeableState = "dirty"
	MergeableStateDraft    MergeableState = "draft"
)

// CIState is the state of the designated CI status context for a commit.
type CIState string

const (
	CIStateSuccess CIState = "success"
	CIStatePending CIState = "pending"
	CIStateFailure CIState = "failure"
	CIStateError   CIState = "error"
	CIStateUnknown CIState = "unknown"
)

// WeightIneligible marks a candidate that must not be acted upon.
// It is absorbing, a candidate with this weight is never merged or updated,
// independent of its other fields.
const WeightIneligible = -1

// Approvals is the review evaluation result of a pull request.
type Approvals struct {
	// ApprovedBy are the user IDs of collaborators whose latest review
	// approves the pull request.
	ApprovedBy []int64 `json:"approved_by"`
	// ChangesRequestedBy are the user IDs of collaborators whose latest
	// review requests changes.
	ChangesRequestedBy []int64 `json:"changes_requested_by"`
	// Required is the number of approvals needed for merge eligibility.
	Required int `json:"required"`
}

// Approved returns true when enough collaborators approved and nobody
// requests changes.
func (a *Approvals) Approved() bool {
	return len(a.ApprovedBy) >= a.Required && len(a.ChangesRequestedBy) == 0
}

// Candidate is the fully evaluated merge-eligibility snapshot of one pull
// request.
// Candidates are ephemeral, they are rebuilt on every queue rebuild and
// never patched in place.
type Candidate struct {
	Owner      string `json:"owner"`
	Repository string `json:"repository"`
	Number     int    `json:"number"`

	BaseBranch string `json:"base_branch"`
	BaseSHA    string `json:"base_sha"`
	HeadSHA    string `json:"head_sha"`

	Title     string    `json:"title"`
	Author    string    `json:"author"`
	UpdatedAt time.Time `json:"updated_at"`

	MergeableState   MergeableState `json:"mergeable_state"`
	Approvals        Approvals      `json:"approvals"`
	CIState          CIState        `json:"ci_state"`
	SyncWithBase     bool           `json:"sync_with_base"`
	MilestonePresent bool           `json:"milestone_present"`

	Weight int `json:"weight"`
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s/%s#%d", c.Owner, c.Repository, c.Number)
}

func (c *Candidate) LogFields() []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(c.Owner),
		logfields.Repository(c.Repository),
		logfields.PullRequest(c.Number),
		logfields.BaseBranch(c.BaseBranch),
		logfields.Commit(c.HeadSHA),
		logfields.MergeableState(string(c.MergeableState)),
		logfields.CIState(string(c.CIState)),
		logfields.Weight(c.Weight),
	}
}

// BranchID identifies the base branch a queue belongs to.
type BranchID struct {
	Owner      string
	Repository string
	Branch     string
}

func (b BranchID) String() string {
	return fmt.Sprintf("%s/%s@%s", b.Owner, b.Repository, b.Branch)
}

func (b BranchID) LogFields() []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(b.Owner),
		logfields.Repository(b.Repository),
		logfields.BaseBranch(b.Branch),
	}
}

// weigh computes the merge priority of the candidate from its evaluated
// fields.
// Higher weight wins, WeightIneligible excludes the candidate from actions.
func weigh(c *Candidate) int {
	if !c.Approvals.Approved() {
		return WeightIneligible
	}

	var weight int

	ready := c.MergeableState == MergeableStateClean || c.MergeableState == MergeableStateUnstable

	switch {
	case ready && c.CIState == CIStateSuccess && c.SyncWithBase:
		weight = 11

	case ready:
		weight = 10

	case c.MergeableState == MergeableStateBlocked && c.CIState == CIStatePending && c.SyncWithBase:
		weight = 10

	case c.MergeableState == MergeableStateBehind && !c.SyncWithBase:
		switch c.CIState {
		case CIStateSuccess:
			weight = 7
		case CIStatePending:
			weight = 5
		default:
			return WeightIneligible
		}

	default:
		return WeightIneligible
	}

	if c.MilestonePresent {
		weight++
	}

	return weight
}
