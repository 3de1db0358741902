package mergequeue

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/merganser/merganser/internal/cfg"
)

const (
	testOwner  = "goose"
	testRepo   = "pond"
	testBranch = "main"
)

func initTestLogger(t *testing.T) {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))
}

func newTestResolver(t *testing.T, tomlCfg string) *cfg.Resolver {
	t.Helper()

	config, err := cfg.Load(strings.NewReader(tomlCfg))
	if err != nil {
		t.Fatalf("loading test config failed: %s", err)
	}

	return cfg.NewResolver(config)
}

const minimalTestCfg = `
github_api_token = "token"
redis_url = "redis://localhost"

[[repository]]
owner = "goose"
name = "pond"
branches = ["main"]
`

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func int64Ptr(i int64) *int64 { return &i }

func timePtr(t time.Time) *github.Timestamp {
	return &github.Timestamp{Time: t}
}

// newTestPR builds a pull request payload the way the github API returns it.
func newTestPR(number int, mergeableState, baseSHA, headSHA string, updatedAt time.Time) *github.PullRequest {
	return &github.PullRequest{
		Number:         intPtr(number),
		Title:          strPtr("change something"),
		MergeableState: strPtr(mergeableState),
		UpdatedAt:      timePtr(updatedAt),
		User:           &github.User{Login: strPtr("author")},
		Base: &github.PullRequestBranch{
			Ref: strPtr(testBranch),
			SHA: strPtr(baseSHA),
			Repo: &github.Repository{
				Name:  strPtr(testRepo),
				Owner: &github.User{Login: strPtr(testOwner)},
			},
		},
		Head: &github.PullRequestBranch{
			Ref: strPtr("feature"),
			SHA: strPtr(headSHA),
		},
	}
}

func newReview(userID int64, state string) *github.PullRequestReview {
	return &github.PullRequestReview{
		User:  &github.User{ID: int64Ptr(userID)},
		State: strPtr(state),
	}
}

func newStatus(statusContext, state string) *github.RepoStatus {
	return &github.RepoStatus{
		Context: strPtr(statusContext),
		State:   strPtr(state),
	}
}
