package agency

import (
	"sync"
	"time"
)

// PollResult resolves a long-poll on the commit index.
type PollResult struct {
	// Committed is true when the commit index reached the target.
	// False means timeout or leadership loss; the caller re-reads
	// cluster state instead of trusting any index.
	Committed bool
	Index     uint64
}

type pollWaiter struct {
	index  uint64
	expiry time.Time
	ch     chan PollResult
	timer  *time.Timer
	done   bool
}

// pollList tracks outstanding commit promises ordered by expiry.
// Every promise is fulfilled exactly once: by commit, by expiry, or by
// failAll on leadership loss. Nothing may be left hanging.
type pollList struct {
	mu      sync.Mutex
	waiters map[*pollWaiter]struct{}
}

func newPollList() *pollList {
	return &pollList{waiters: make(map[*pollWaiter]struct{})}
}

// register returns a channel fulfilled when the commit index passes
// index or after timeout.
func (p *pollList) register(index uint64, timeout time.Duration) <-chan PollResult {
	w := &pollWaiter{
		index:  index,
		expiry: time.Now().Add(timeout),
		ch:     make(chan PollResult, 1),
	}

	p.mu.Lock()
	p.waiters[w] = struct{}{}
	p.mu.Unlock()

	w.timer = time.AfterFunc(timeout, func() {
		p.fulfill(w, PollResult{Committed: false})
	})
	return w.ch
}

func (p *pollList) fulfill(w *pollWaiter, res PollResult) {
	p.mu.Lock()
	if w.done {
		p.mu.Unlock()
		return
	}
	w.done = true
	delete(p.waiters, w)
	p.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- res
	close(w.ch)
}

// notifyCommit fulfills all waiters whose target the commit index passed.
func (p *pollList) notifyCommit(commitIndex uint64) {
	p.mu.Lock()
	var ready []*pollWaiter
	for w := range p.waiters {
		if w.index <= commitIndex {
			ready = append(ready, w)
		}
	}
	p.mu.Unlock()

	for _, w := range ready {
		p.fulfill(w, PollResult{Committed: true, Index: commitIndex})
	}
}

// failAll fulfills every outstanding waiter with a non-success result.
// Called on leadership loss.
func (p *pollList) failAll() {
	p.mu.Lock()
	var all []*pollWaiter
	for w := range p.waiters {
		all = append(all, w)
	}
	p.mu.Unlock()

	for _, w := range all {
		p.fulfill(w, PollResult{Committed: false})
	}
}
