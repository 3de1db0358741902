// Package routines provides a fixed-size goroutine pool.
package routines

import "sync"

// Pool runs queued functions on a fixed number of goroutines.
type Pool struct {
	work     chan func()
	wg       sync.WaitGroup
	waitOnce sync.Once
}

// NewPool starts routines goroutines that process queued functions.
func NewPool(routines uint) *Pool {
	p := Pool{
		work: make(chan func()),
	}

	p.wg.Add(int(routines))
	for i := uint(0); i < routines; i++ {
		go p.worker()
	}

	return &p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for fn := range p.work {
		fn()
	}
}

// Queue schedules fn for execution.
// The call blocks while all goroutines of the pool are busy.
// Calling Queue after Wait panics.
func (p *Pool) Queue(fn func()) {
	p.work <- fn
}

// Wait stops accepting new functions, processes all queued ones and waits
// until the goroutines terminated.
// Wait can be called multiple times.
func (p *Pool) Wait() {
	p.waitOnce.Do(func() {
		close(p.work)
	})

	p.wg.Wait()
}
