// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/merganser/merganser/internal/logfields"
	"github.com/merganser/merganser/internal/mergerr"
	"github.com/merganser/merganser/internal/set"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

var (
	// ErrPullRequestGone is returned when the pull request does not exist
	// anymore or is not accessible.
	ErrPullRequestGone = errors.New("pull request not found")
	// ErrCannotRebase is returned by Merge when github refuses the rebase
	// merge strategy for the branch.
	ErrCannotRebase = errors.New("branch can not be rebased")
	// ErrHeadChanged is returned when the expected head commit does not
	// match the current head of the pull request branch anymore.
	ErrHeadChanged = errors.New("head commit changed")
	// ErrNotMergeable is returned by Merge when github rejects the merge,
	// e.g. because the pull request was merged or closed concurrently.
	ErrNotMergeable = errors.New("pull request is not mergeable")
)

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// Methods return a mergerr.RetryableError when an operation can be retried
// later, e.g. when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// PullRequest fetches the current state of a pull request.
func (clt *Client) PullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	return pr, nil
}

// Reviews returns all reviews of a pull request in chronological order.
func (clt *Client) Reviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error) {
	var result []*github.PullRequestReview

	opts := github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := clt.restClt.PullRequests.ListReviews(ctx, owner, repo, number, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		result = append(result, reviews...)

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// HeadStatuses returns the commit statuses of a git ref.
// Statuses are returned in reverse chronological order, when multiple entries
// share a context the first one is the latest.
func (clt *Client) HeadStatuses(ctx context.Context, owner, repo, ref string) ([]*github.RepoStatus, error) {
	var result []*github.RepoStatus

	opts := github.ListOptions{PerPage: 100}
	for {
		statuses, resp, err := clt.restClt.Repositories.ListStatuses(ctx, owner, repo, ref, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		result = append(result, statuses...)

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// Collaborators returns the user IDs of all collaborators of the repository.
func (clt *Client) Collaborators(ctx context.Context, owner, repo string) (set.Set[int64], error) {
	result := set.New[int64]()

	opts := github.ListCollaboratorsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		users, resp, err := clt.restClt.Repositories.ListCollaborators(ctx, owner, repo, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, user := range users {
			result.Add(user.GetID())
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// BranchTip returns the commit ID of the current tip of a branch.
func (clt *Client) BranchTip(ctx context.Context, owner, repo, branch string) (string, error) {
	br, _, err := clt.restClt.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	sha := br.GetCommit().GetSHA()
	if sha == "" {
		return "", errors.New("github returned a branch object with an empty commit id")
	}

	return sha, nil
}

// PostStatus creates a commit status for the given commit.
// The operation is idempotent, when the latest posted status for the context
// already has the wanted state and description, no API call is made.
func (clt *Client) PostStatus(ctx context.Context, owner, repo, sha, statusContext, state, description string) error {
	statuses, err := clt.HeadStatuses(ctx, owner, repo, sha)
	if err != nil {
		return fmt.Errorf("retrieving current statuses failed: %w", err)
	}

	for _, status := range statuses {
		if status.GetContext() != statusContext {
			continue
		}

		if status.GetState() == state && status.GetDescription() == description {
			clt.logger.Debug(
				"skipping status update, state and description are unchanged",
				logfields.Event("github_status_update_skipped"),
				logfields.Commit(sha),
				logfields.StatusContext(statusContext),
			)
			return nil
		}

		break
	}

	_, _, err = clt.restClt.Repositories.CreateStatus(ctx, owner, repo, sha, &github.RepoStatus{
		State:       &state,
		Description: &description,
		Context:     &statusContext,
	})
	return clt.wrapRetryableErrors(err)
}

// Merge merges a pull request with the given merge method ("rebase",
// "merge" or "squash").
// expectedHeadSHA is passed to github, when the head of the pull request
// branch changed in the meantime, the merge is rejected and ErrHeadChanged is
// returned.
// If github refuses to rebase the branch, ErrCannotRebase is returned and
// the caller can retry with the plain merge method.
func (clt *Client) Merge(ctx context.Context, owner, repo string, number int, expectedHeadSHA, mergeMethod string) error {
	result, _, err := clt.restClt.PullRequests.Merge(ctx, owner, repo, number, "", &github.PullRequestOptions{
		SHA:         expectedHeadSHA,
		MergeMethod: mergeMethod,
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			switch {
			case strings.Contains(respErr.Message, "can't be rebased"):
				return fmt.Errorf("%w: %s", ErrCannotRebase, respErr.Message)

			case respErr.Response.StatusCode == http.StatusConflict:
				return fmt.Errorf("%w: %s", ErrHeadChanged, respErr.Message)

			case respErr.Response.StatusCode == http.StatusMethodNotAllowed:
				return fmt.Errorf("%w: %s", ErrNotMergeable, respErr.Message)
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	if !result.GetMerged() {
		return fmt.Errorf("%w: %s", ErrNotMergeable, result.GetMessage())
	}

	return nil
}

// UpdateBranchResult describes the outcome of an UpdateBranch call.
type UpdateBranchResult struct {
	// Scheduled is true when github accepted the request and will update
	// the branch asynchronously.
	Scheduled bool
	// NotBehind is true when the branch already contained all changes of
	// its base branch and no update was needed.
	NotBehind bool
	// HeadSHA is the head commit for which the update was requested.
	HeadSHA string
}

// UpdateBranch requests merging the base branch into the pull request branch.
// Github runs the operation asynchronously, the caller observes the outcome
// via the synchronize webhook event for the pull request.
func (clt *Client) UpdateBranch(ctx context.Context, owner, repo string, number int, expectedHeadSHA string) (*UpdateBranchResult, error) {
	logger := clt.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(number),
		logfields.Commit(expectedHeadSHA),
	)

	_, _, err := clt.restClt.PullRequests.UpdateBranch(ctx, owner, repo, number, &github.PullRequestBranchUpdateOptions{
		ExpectedHeadSHA: &expectedHeadSHA,
	})
	if err != nil {
		if _, ok := err.(*github.AcceptedError); ok {
			logger.Debug(
				"updating branch with base branch scheduled",
				logfields.Event("github_branch_update_scheduled"),
			)
			return &UpdateBranchResult{Scheduled: true, HeadSHA: expectedHeadSHA}, nil
		}

		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusUnprocessableEntity {
			if strings.Contains(respErr.Message, "already up to date") ||
				strings.Contains(respErr.Message, "There are no new commits") {
				return &UpdateBranchResult{NotBehind: true, HeadSHA: expectedHeadSHA}, nil
			}

			if strings.Contains(respErr.Message, "expected head sha didn’t match current head ref") {
				return nil, fmt.Errorf("%w: %s", ErrHeadChanged, respErr.Message)
			}
		}

		return nil, clt.wrapRetryableErrors(err)
	}

	logger.Debug(
		"branch was updated with base branch",
		logfields.Event("github_branch_updated"),
	)

	return &UpdateBranchResult{Scheduled: true, HeadSHA: expectedHeadSHA}, nil
}

// SearchPRsByCommit returns the open pull requests that contain the commit.
func (clt *Client) SearchPRsByCommit(ctx context.Context, owner, repo, sha string) ([]*github.PullRequest, error) {
	query := fmt.Sprintf("repo:%s/%s type:pr state:open %s", owner, repo, sha)

	searchResult, _, err := clt.restClt.Search.Issues(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: 20},
	})
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	result := make([]*github.PullRequest, 0, len(searchResult.Issues))
	for _, issue := range searchResult.Issues {
		pr, err := clt.PullRequest(ctx, owner, repo, issue.GetNumber())
		if err != nil {
			return nil, err
		}

		result = append(result, pr)
	}

	return result, nil
}

type PRIterator interface {
	Next() (*github.PullRequest, error)
}

// PRIter iterates over the pages of a pull request listing.
type PRIter struct {
	clt *Client

	ctx   context.Context
	owner string
	repo  string

	baseBranch    string
	filterState   string
	sortOrder     string
	sortDirection string

	unseen []*github.PullRequest

	nextPage int
	finished bool
}

// Next returns the next pull request.
// When the last result was returned a nil PullRequest is returned.
func (it *PRIter) Next() (*github.PullRequest, error) {
	if len(it.unseen) > 0 {
		result := it.unseen[0]
		it.unseen = it.unseen[1:]

		return result, nil
	}

	if it.finished {
		return nil, nil
	}

	prs, resp, err := it.clt.restClt.PullRequests.List(it.ctx, it.owner, it.repo, &github.PullRequestListOptions{
		State:     it.filterState,
		Base:      it.baseBranch,
		Sort:      it.sortOrder,
		Direction: it.sortDirection,
		ListOptions: github.ListOptions{
			Page:    it.nextPage,
			PerPage: 100,
		},
	})
	if err != nil {
		return nil, it.clt.wrapRetryableErrors(err)
	}

	if resp.NextPage == 0 || len(prs) == 0 {
		it.finished = true
	} else {
		it.nextPage = resp.NextPage
	}

	it.unseen = prs

	if len(it.unseen) == 0 {
		return nil, nil
	}

	return it.Next()
}

// ListPullRequests returns an iterator over all open pull requests that
// target baseBranch, ordered by creation time ascending.
// An interface is returned to make the method fakeable in tests.
func (clt *Client) ListPullRequests(ctx context.Context, owner, repo, baseBranch string) PRIterator {
	return &PRIter{
		clt:           clt,
		ctx:           ctx,
		owner:         owner,
		repo:          repo,
		baseBranch:    baseBranch,
		filterState:   "open",
		sortOrder:     "created",
		sortDirection: "asc",
		nextPage:      1,
	}
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return mergerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrPullRequestGone, v.Message)
		}

		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return mergerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return mergerr.NewRetryableAnytimeError(err)
	}

	return err
}
