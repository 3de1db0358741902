package mergequeue

import (
	"context"

	"github.com/google/go-github/v59/github"

	"github.com/merganser/merganser/internal/githubclt"
	"github.com/merganser/merganser/internal/set"
)

// GithubClient is the github API surface the merge queue engine depends on.
// It is implemented by githubclt.Client.
type GithubClient interface {
	ListPullRequests(ctx context.Context, owner, repo, baseBranch string) githubclt.PRIterator
	PullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	Reviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error)
	HeadStatuses(ctx context.Context, owner, repo, ref string) ([]*github.RepoStatus, error)
	Collaborators(ctx context.Context, owner, repo string) (set.Set[int64], error)
	BranchTip(ctx context.Context, owner, repo, branch string) (string, error)
	PostStatus(ctx context.Context, owner, repo, sha, statusContext, state, description string) error
	Merge(ctx context.Context, owner, repo string, number int, expectedHeadSHA, mergeMethod string) error
	UpdateBranch(ctx context.Context, owner, repo string, number int, expectedHeadSHA string) (*githubclt.UpdateBranchResult, error)
	SearchPRsByCommit(ctx context.Context, owner, repo, sha string) ([]*github.PullRequest, error)
	BranchProtection(ctx context.Context, owner, repo, branch string) (*githubclt.BranchProtection, error)
}
