package server

import "sync"

// ioGate counts the async operations in progress on a PV, or on the server for PV
// attaches, and wakes the sessions that postponed a request until one of them ends.
type ioGate struct {
	mu         sync.Mutex
	inProgress int
	waiters    []chan struct{}
	closed     bool
}

// started records an async operation in progress.
func (g *ioGate) started() {
	g.mu.Lock()
	g.inProgress++
	g.mu.Unlock()
}

// done records the end of an async operation and wakes the waiting sessions.
func (g *ioGate) done() {
	g.mu.Lock()
	if g.inProgress > 0 {
		g.inProgress--
	}
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// pending reports whether an async operation is in progress.
func (g *ioGate) pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.inProgress > 0
}

// blocked returns a channel closed when the next async operation ends. It returns nil
// if no operation is in progress, since nothing would ever close the channel.
func (g *ioGate) blocked() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inProgress == 0 || g.closed {
		return nil
	}
	w := make(chan struct{})
	g.waiters = append(g.waiters, w)

	return w
}

// close wakes every waiter and refuses further waits.
func (g *ioGate) close() {
	g.mu.Lock()
	g.closed = true
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}
