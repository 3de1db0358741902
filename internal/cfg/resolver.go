package cfg

import "fmt"

// Resolver answers branch-scoped policy lookups.
//
// Values are resolved with a fallback key scheme, the first key that exists
// in the configured map wins:
//
//	owner/repo@branch
//	owner/repo
//	owner/-@branch
//	owner/-
//	-/repo
//	-@branch
//
// When no key matches, the global default is returned.
type Resolver struct {
	requiredApprovals  map[string]int64
	requiredContexts   map[string][]string
	protectionEnforced map[string]bool

	defaultApprovals int
	defaultContexts  []string
}

func NewResolver(config *Config) *Resolver {
	return &Resolver{
		requiredApprovals:  config.RequiredApprovals,
		requiredContexts:   config.RequiredContexts,
		protectionEnforced: config.ProtectionEnforced,
		defaultApprovals:   DefRequiredApprovals,
		defaultContexts:    []string{config.CIContext},
	}
}

func fallbackKeys(owner, repo, branch string) []string {
	return []string{
		fmt.Sprintf("%s/%s@%s", owner, repo, branch),
		fmt.Sprintf("%s/%s", owner, repo),
		fmt.Sprintf("%s/-@%s", owner, branch),
		fmt.Sprintf("%s/-", owner),
		fmt.Sprintf("-/%s", repo),
		fmt.Sprintf("-@%s", branch),
	}
}

func (r *Resolver) RequiredApprovals(owner, repo, branch string) int {
	for _, key := range fallbackKeys(owner, repo, branch) {
		if v, exist := r.requiredApprovals[key]; exist {
			return int(v)
		}
	}

	if v, exist := r.requiredApprovals["default"]; exist {
		return int(v)
	}

	return r.defaultApprovals
}

func (r *Resolver) RequiredStatusContexts(owner, repo, branch string) []string {
	for _, key := range fallbackKeys(owner, repo, branch) {
		if v, exist := r.requiredContexts[key]; exist {
			return v
		}
	}

	if v, exist := r.requiredContexts["default"]; exist {
		return v
	}

	return r.defaultContexts
}

// BranchProtectionEnforced returns true when the branch protection of the
// branch must match the configured expectation before merge actions are run.
func (r *Resolver) BranchProtectionEnforced(owner, repo, branch string) bool {
	for _, key := range fallbackKeys(owner, repo, branch) {
		if v, exist := r.protectionEnforced[key]; exist {
			return v
		}
	}

	if v, exist := r.protectionEnforced["default"]; exist {
		return v
	}

	return false
}
