package mergequeue

import (
	"sync"
	"time"
)

// pendingAction records that an asynchronous action was initiated for a
// candidate of a branch.
// While a marker is set the reconciler does not act on a different candidate
// of the branch, the outcome of the in-flight action is awaited first.
// Markers expire after a TTL so a lost follow-up event can never stall a
// branch forever.
type pendingAction struct {
	Number int
	SetAt  time.Time
}

type pendingActions struct {
	mu  sync.Mutex
	ttl time.Duration

	branches map[BranchID]*pendingAction
}

func newPendingActions(ttl time.Duration) *pendingActions {
	return &pendingActions{
		ttl:      ttl,
		branches: map[BranchID]*pendingAction{},
	}
}

func (p *pendingActions) Set(branch BranchID, prNumber int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.branches[branch] = &pendingAction{
		Number: prNumber,
		SetAt:  time.Now(),
	}
}

// Get returns the pull request number of the active marker for the branch.
// Expired markers are removed and reported as absent.
func (p *pendingActions) Get(branch BranchID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	action, exist := p.branches[branch]
	if !exist {
		return 0, false
	}

	if time.Since(action.SetAt) > p.ttl {
		delete(p.branches, branch)
		return 0, false
	}

	return action.Number, true
}

func (p *pendingActions) Clear(branch BranchID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.branches, branch)
}
