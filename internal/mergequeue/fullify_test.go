package mergequeue

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merganser/merganser/internal/set"
)

const testCIContext = "ci/circleci"

func newTestFullifier(t *testing.T, clt GithubClient) *Fullifier {
	t.Helper()
	initTestLogger(t)

	return NewFullifier(clt, newTestResolver(t, minimalTestCfg), testCIContext, time.Millisecond, 3)
}

func TestFullifyReadyPullRequest(t *testing.T) {
	clt := fakeClient{
		reviews: func(context.Context, string, string, int) ([]*github.PullRequestReview, error) {
			return []*github.PullRequestReview{
				newReview(1, "APPROVED"),
				newReview(2, "APPROVED"),
			}, nil
		},
		headStatuses: func(context.Context, string, string, string) ([]*github.RepoStatus, error) {
			return []*github.RepoStatus{newStatus(testCIContext, "success")}, nil
		},
		branchTip: func(context.Context, string, string, string) (string, error) {
			return "base1", nil
		},
	}

	fullifier := newTestFullifier(t, &clt)

	pr := newTestPR(7, "clean", "base1", "head1", time.Now())
	candidate, err := fullifier.Fullify(context.Background(), pr, set.From([]int64{1, 2}))
	require.NoError(t, err)

	assert.Equal(t, MergeableStateClean, candidate.MergeableState)
	assert.Equal(t, CIStateSuccess, candidate.CIState)
	assert.True(t, candidate.SyncWithBase)
	assert.True(t, candidate.Approvals.Approved())
	assert.Equal(t, 11, candidate.Weight)
}

func TestFullifyChangesRequestedMakesIneligible(t *testing.T) {
	clt := fakeClient{
		reviews: func(context.Context, string, string, int) ([]*github.PullRequestReview, error) {
			return []*github.PullRequestReview{
				newReview(1, "APPROVED"),
				newReview(2, "CHANGES_REQUESTED"),
			}, nil
		},
		headStatuses: func(context.Context, string, string, string) ([]*github.RepoStatus, error) {
			return []*github.RepoStatus{newStatus(testCIContext, "success")}, nil
		},
		branchTip: func(context.Context, string, string, string) (string, error) {
			return "base1", nil
		},
	}

	fullifier := newTestFullifier(t, &clt)

	pr := newTestPR(5, "clean", "base1", "head1", time.Now())
	candidate, err := fullifier.Fullify(context.Background(), pr, set.From([]int64{1, 2}))
	require.NoError(t, err)

	assert.False(t, candidate.Approvals.Approved())
	assert.Equal(t, WeightIneligible, candidate.Weight)
}

func TestFullifyLaterReviewSupersedesEarlier(t *testing.T) {
	testcases := []struct {
		name             string
		reviews          []*github.PullRequestReview
		expectApproved   []int64
		expectRequesting []int64
	}{
		{
			name: "approvalClearsChangesRequest",
			reviews: []*github.PullRequestReview{
				newReview(1, "CHANGES_REQUESTED"),
				newReview(1, "APPROVED"),
			},
			expectApproved: []int64{1},
		},
		{
			name: "changesRequestRetractsApproval",
			reviews: []*github.PullRequestReview{
				newReview(1, "APPROVED"),
				newReview(1, "CHANGES_REQUESTED"),
			},
			expectRequesting: []int64{1},
		},
		{
			name: "dismissalClearsApproval",
			reviews: []*github.PullRequestReview{
				newReview(1, "APPROVED"),
				newReview(1, "DISMISSED"),
			},
		},
		{
			name: "dismissalClearsChangesRequest",
			reviews: []*github.PullRequestReview{
				newReview(1, "CHANGES_REQUESTED"),
				newReview(1, "DISMISSED"),
			},
		},
		{
			name: "commentsAreIgnored",
			reviews: []*github.PullRequestReview{
				newReview(1, "APPROVED"),
				newReview(1, "COMMENTED"),
			},
			expectApproved: []int64{1},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			clt := fakeClient{
				reviews: func(context.Context, string, string, int) ([]*github.PullRequestReview, error) {
					return tc.reviews, nil
				},
				branchTip: func(context.Context, string, string, string) (string, error) {
					return "base1", nil
				},
			}

			fullifier := newTestFullifier(t, &clt)

			pr := newTestPR(3, "clean", "base1", "head1", time.Now())
			candidate, err := fullifier.Fullify(context.Background(), pr, set.From([]int64{1}))
			require.NoError(t, err)

			assert.ElementsMatch(t, tc.expectApproved, candidate.Approvals.ApprovedBy)
			assert.ElementsMatch(t, tc.expectRequesting, candidate.Approvals.ChangesRequestedBy)
		})
	}
}

// A change request whose dismissal arrived later must not keep the pull
// request ineligible.
func TestFullifyDismissedChangeRequestUnblocks(t *testing.T) {
	clt := fakeClient{
		reviews: func(context.Context, string, string, int) ([]*github.PullRequestReview, error) {
			return []*github.PullRequestReview{
				newReview(1, "APPROVED"),
				newReview(2, "APPROVED"),
				newReview(3, "CHANGES_REQUESTED"),
				newReview(3, "DISMISSED"),
			}, nil
		},
		headStatuses: func(context.Context, string, string, string) ([]*github.RepoStatus, error) {
			return []*github.RepoStatus{newStatus(testCIContext, "success")}, nil
		},
		branchTip: func(context.Context, string, string, string) (string, error) {
			return "base1", nil
		},
	}

	fullifier := newTestFullifier(t, &clt)

	pr := newTestPR(8, "clean", "base1", "head1", time.Now())
	candidate, err := fullifier.Fullify(context.Background(), pr, set.From([]int64{1, 2, 3}))
	require.NoError(t, err)

	assert.Empty(t, candidate.Approvals.ChangesRequestedBy)
	assert.True(t, candidate.Approvals.Approved())
	assert.Equal(t, 11, candidate.Weight)
}

func TestFullifyApprovalReplayIsStable(t *testing.T) {
	reviews := []*github.PullRequestReview{
		newReview(1, "APPROVED"),
		newReview(2, "CHANGES_REQUESTED"),
		newReview(2, "APPROVED"),
		newReview(3, "COMMENTED"),
	}

	clt := fakeClient{
		reviews: func(context.Context, string, string, int) ([]*github.PullRequestReview, error) {
			return reviews, nil
		},
		branchTip: func(context.Context, string, string, string) (string, error) {
			return "base1", nil
		},
	}

	fullifier := newTestFullifier(t, &clt)
	collaborators := set.From([]int64{1, 2, 3})

	var first *Candidate
	for i := 0; i < 3; i++ {
		pr := newTestPR(3, "clean", "base1", "head1", time.Time{})
		candidate, err := fullifier.Fullify(context.Background(), pr, collaborators)
		require.NoError(t, err)

		if first == nil {
			first = candidate
			continue
		}

		assert.ElementsMatch(t, first.Approvals.ApprovedBy, candidate.Approvals.ApprovedBy)
		assert.ElementsMatch(t, first.Approvals.ChangesRequestedBy, candidate.Approvals.ChangesRequestedBy)
		assert.Equal(t, first.Weight, candidate.Weight)
	}
}

func TestFullifyIgnoresNonCollaboratorReviews(t *testing.T) {
	clt := fakeClient{
		reviews: func(context.Context, string, string, int) ([]*github.PullRequestReview, error) {
			return []*github.PullRequestReview{
				newReview(99, "APPROVED"),
				newReview(98, "CHANGES_REQUESTED"),
			}, nil
		},
		branchTip: func(context.Context, string, string, string) (string, error) {
			return "base1", nil
		},
	}

	fullifier := newTestFullifier(t, &clt)

	pr := newTestPR(3, "clean", "base1", "head1", time.Now())
	candidate, err := fullifier.Fullify(context.Background(), pr, set.From([]int64{1, 2}))
	require.NoError(t, err)

	assert.Empty(t, candidate.Approvals.ApprovedBy)
	assert.Empty(t, candidate.Approvals.ChangesRequestedBy)
}

func TestFullifyPollsUnknownMergeableState(t *testing.T) {
	var fetches int

	clt := fakeClient{
		pullRequest: func(_ context.Context, _, _ string, number int) (*github.PullRequest, error) {
			fetches++
			if fetches < 2 {
				return newTestPR(number, "", "base1", "head1", time.Now()), nil
			}

			return newTestPR(number, "behind", "base1", "head1", time.Now()), nil
		},
		branchTip: func(context.Context, string, string, string) (string, error) {
			return "base2", nil
		},
	}

	fullifier := newTestFullifier(t, &clt)

	pr := newTestPR(4, "", "base1", "head1", time.Now())
	candidate, err := fullifier.Fullify(context.Background(), pr, set.New[int64]())
	require.NoError(t, err)

	assert.Equal(t, 2, fetches)
	assert.Equal(t, MergeableStateBehind, candidate.MergeableState)
}

func TestFullifyPollBoundExceededDegradesToUnknown(t *testing.T) {
	var fetches int

	clt := fakeClient{
		pullRequest: func(_ context.Context, _, _ string, number int) (*github.PullRequest, error) {
			fetches++
			return newTestPR(number, "", "base1", "head1", time.Now()), nil
		},
		reviews: func(context.Context, string, string, int) ([]*github.PullRequestReview, error) {
			return []*github.PullRequestReview{
				newReview(1, "APPROVED"),
				newReview(2, "APPROVED"),
			}, nil
		},
		branchTip: func(context.Context, string, string, string) (string, error) {
			return "base1", nil
		},
	}

	fullifier := newTestFullifier(t, &clt)

	pr := newTestPR(4, "", "base1", "head1", time.Now())
	candidate, err := fullifier.Fullify(context.Background(), pr, set.From([]int64{1, 2}))
	require.NoError(t, err)

	assert.Equal(t, 3, fetches)
	assert.Equal(t, MergeableStateUnknown, candidate.MergeableState)
	assert.Equal(t, WeightIneligible, candidate.Weight)
}

func TestFullifyCIStateLatestStatusPerContextWins(t *testing.T) {
	clt := fakeClient{
		headStatuses: func(context.Context, string, string, string) ([]*github.RepoStatus, error) {
			// github returns statuses newest first
			return []*github.RepoStatus{
				newStatus("unrelated/linter", "failure"),
				newStatus(testCIContext, "success"),
				newStatus(testCIContext, "pending"),
				newStatus(testCIContext, "failure"),
			}, nil
		},
		branchTip: func(context.Context, string, string, string) (string, error) {
			return "base1", nil
		},
	}

	fullifier := newTestFullifier(t, &clt)

	pr := newTestPR(4, "clean", "base1", "head1", time.Now())
	candidate, err := fullifier.Fullify(context.Background(), pr, set.New[int64]())
	require.NoError(t, err)

	assert.Equal(t, CIStateSuccess, candidate.CIState)
}

func TestFullifySyncWithBase(t *testing.T) {
	clt := fakeClient{
		branchTip: func(context.Context, string, string, string) (string, error) {
			return "othertip", nil
		},
	}

	fullifier := newTestFullifier(t, &clt)

	pr := newTestPR(4, "behind", "base1", "head1", time.Now())
	candidate, err := fullifier.Fullify(context.Background(), pr, set.New[int64]())
	require.NoError(t, err)

	assert.False(t, candidate.SyncWithBase)
}
