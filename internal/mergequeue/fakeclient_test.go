package mergequeue

import (
	"context"
	"fmt"

	"github.com/google/go-github/v59/github"

	"github.com/merganser/merganser/internal/githubclt"
	"github.com/merganser/merganser/internal/set"
)

// fakeClient implements GithubClient via function fields, unset methods fail
// the call.
type fakeClient struct {
	listPullRequests  func(ctx context.Context, owner, repo, baseBranch string) githubclt.PRIterator
	pullRequest       func(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	reviews           func(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error)
	headStatuses      func(ctx context.Context, owner, repo, ref string) ([]*github.RepoStatus, error)
	collaborators     func(ctx context.Context, owner, repo string) (set.Set[int64], error)
	branchTip         func(ctx context.Context, owner, repo, branch string) (string, error)
	postStatus        func(ctx context.Context, owner, repo, sha, statusContext, state, description string) error
	merge             func(ctx context.Context, owner, repo string, number int, expectedHeadSHA, mergeMethod string) error
	updateBranch      func(ctx context.Context, owner, repo string, number int, expectedHeadSHA string) (*githubclt.UpdateBranchResult, error)
	searchPRsByCommit func(ctx context.Context, owner, repo, sha string) ([]*github.PullRequest, error)
	branchProtection  func(ctx context.Context, owner, repo, branch string) (*githubclt.BranchProtection, error)
}

type slicePRIter struct {
	prs []*github.PullRequest
	pos int
}

func (it *slicePRIter) Next() (*github.PullRequest, error) {
	if it.pos >= len(it.prs) {
		return nil, nil
	}

	pr := it.prs[it.pos]
	it.pos++

	return pr, nil
}

func (f *fakeClient) ListPullRequests(ctx context.Context, owner, repo, baseBranch string) githubclt.PRIterator {
	if f.listPullRequests == nil {
		return &slicePRIter{}
	}

	return f.listPullRequests(ctx, owner, repo, baseBranch)
}

func (f *fakeClient) PullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	if f.pullRequest == nil {
		return nil, fmt.Errorf("fakeClient: PullRequest is not implemented")
	}

	return f.pullRequest(ctx, owner, repo, number)
}

func (f *fakeClient) Reviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error) {
	if f.reviews == nil {
		return nil, nil
	}

	return f.reviews(ctx, owner, repo, number)
}

func (f *fakeClient) HeadStatuses(ctx context.Context, owner, repo, ref string) ([]*github.RepoStatus, error) {
	if f.headStatuses == nil {
		return nil, nil
	}

	return f.headStatuses(ctx, owner, repo, ref)
}

func (f *fakeClient) Collaborators(ctx context.Context, owner, repo string) (set.Set[int64], error) {
	if f.collaborators == nil {
		return set.New[int64](), nil
	}

	return f.collaborators(ctx, owner, repo)
}

func (f *fakeClient) BranchTip(ctx context.Context, owner, repo, branch string) (string, error) {
	if f.branchTip == nil {
		return "", fmt.Errorf("fakeClient: BranchTip is not implemented")
	}

	return f.branchTip(ctx, owner, repo, branch)
}

func (f *fakeClient) PostStatus(ctx context.Context, owner, repo, sha, statusContext, state, description string) error {
	if f.postStatus == nil {
		return nil
	}

	return f.postStatus(ctx, owner, repo, sha, statusContext, state, description)
}

func (f *fakeClient) Merge(ctx context.Context, owner, repo string, number int, expectedHeadSHA, mergeMethod string) error {
	if f.merge == nil {
		return fmt.Errorf("fakeClient: Merge is not implemented")
	}

	return f.merge(ctx, owner, repo, number, expectedHeadSHA, mergeMethod)
}

func (f *fakeClient) UpdateBranch(ctx context.Context, owner, repo string, number int, expectedHeadSHA string) (*githubclt.UpdateBranchResult, error) {
	if f.updateBranch == nil {
		return nil, fmt.Errorf("fakeClient: UpdateBranch is not implemented")
	}

	return f.updateBranch(ctx, owner, repo, number, expectedHeadSHA)
}

func (f *fakeClient) SearchPRsByCommit(ctx context.Context, owner, repo, sha string) ([]*github.PullRequest, error) {
	if f.searchPRsByCommit == nil {
		return nil, nil
	}

	return f.searchPRsByCommit(ctx, owner, repo, sha)
}

func (f *fakeClient) BranchProtection(ctx context.Context, owner, repo, branch string) (*githubclt.BranchProtection, error) {
	if f.branchProtection == nil {
		return nil, fmt.Errorf("fakeClient: BranchProtection is not implemented")
	}

	return f.branchProtection(ctx, owner, repo, branch)
}
