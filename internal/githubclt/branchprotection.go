package githubclt

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
)

// BranchProtection describes the branch protection rule of a branch.
type BranchProtection struct {
	// Exists is false when no branch protection rule matches the branch.
	Exists bool
	// RequiredApprovingReviewCount is the number of approving reviews the
	// rule requires.
	RequiredApprovingReviewCount int
	// RequiredStatusCheckContexts are the status contexts the rule requires
	// to be successful.
	RequiredStatusCheckContexts []string
}

// BranchProtection queries the branch protection rule of a branch via the
// github GraphQL API.
func (clt *Client) BranchProtection(ctx context.Context, owner, repo, branch string) (*BranchProtection, error) {
	var q struct {
		Repository struct {
			Ref struct {
				BranchProtectionRule struct {
					RequiredApprovingReviewCount githubv4.Int
					RequiredStatusCheckContexts  []githubv4.String
				}
			} `graphql:"ref(qualifiedName: $branch)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}

	vars := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"repo":   githubv4.String(repo),
		"branch": githubv4.String(branch),
	}

	err := clt.graphQLClt.Query(ctx, &q, vars)
	if err != nil {
		return nil, fmt.Errorf("graphql query failed: %w", clt.wrapGraphQLRetryableErrors(err))
	}

	rule := q.Repository.Ref.BranchProtectionRule

	result := BranchProtection{
		RequiredApprovingReviewCount: int(rule.RequiredApprovingReviewCount),
	}

	// the graphql API returns a zero-value rule object when no rule exists,
	// a rule without required reviews and contexts is indistinguishable from
	// an absent one
	if rule.RequiredApprovingReviewCount != 0 || len(rule.RequiredStatusCheckContexts) != 0 {
		result.Exists = true
	}

	for _, c := range rule.RequiredStatusCheckContexts {
		result.RequiredStatusCheckContexts = append(result.RequiredStatusCheckContexts, string(c))
	}

	return &result, nil
}
