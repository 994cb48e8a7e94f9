package server

import (
	"sync"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/internal/queue"
)

// deliverResult is the outcome of delivering one queued event.
type deliverResult int

const (
	// deliverDone means the event was written to the egress buffer.
	deliverDone deliverResult = iota
	// deliverRetry means the egress buffer is full. The event stays at its position and
	// is delivered again once the session drained.
	deliverRetry
	// deliverCancel means no reply is owed any more. The event is dropped.
	deliverCancel
)

func (r deliverResult) String() string {
	switch r {
	case deliverDone:
		return "delivered"
	case deliverRetry:
		return "retry"
	case deliverCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

type eventKind uint8

const (
	eventMonitor eventKind = iota + 1
	eventAsyncIO
	eventNotice
)

// eventEntry is one pending delivery of a session.
type eventEntry struct {
	kind eventKind

	// monitor events
	mon   *monitor
	value *cas.Value
	ovf   bool

	// async completions
	aio *asyncRequest

	// server notices such as SERVER_DISCONN and ACCESS_RIGHTS
	notice func() deliverResult
}

// eventQueue is the bounded per-session event queue.
//
// Delivery runs on the session's event goroutine; entries are removed by the queue after
// the delivery callback returns, never by the callback. While flow control is off only
// non-monitor entries are delivered. While flow control is off, while the session is
// backpressured, or once the queue holds maxEntries entries, monitor updates collapse
// into the monitor's overflow slot.
type eventQueue struct {
	mu           sync.Mutex
	entries      queue.Queue[*eventEntry]
	flowOff      bool
	backpressure bool
	maxEntries   int
	closed       bool

	signal chan struct{}
}

func newEventQueue(maxEntries int) *eventQueue {
	return &eventQueue{
		entries:    queue.NewSliceQueue[*eventEntry](32),
		maxEntries: maxEntries,
		signal:     make(chan struct{}, 1),
	}
}

// notify wakes the delivery goroutine.
func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) collapseLocked() bool {
	return q.flowOff || q.backpressure || q.entries.Length() >= q.maxEntries
}

// pushMonitor queues a value change of mon. It returns false if the queue or the
// monitor is gone.
func (q *eventQueue) pushMonitor(mon *monitor, v *cas.Value) bool {
	q.mu.Lock()
	if q.closed || mon.destroyed {
		q.mu.Unlock()
		return false
	}

	switch {
	case mon.ovfQueued:
		// updates behind an overflow slot only refresh it
		mon.ovf.value = v
	case !q.collapseLocked() && mon.nPend < IndividualEventEntries:
		q.entries.Enqueue(&eventEntry{kind: eventMonitor, mon: mon, value: v})
		mon.nPend++
	default:
		mon.ovf.value = v
		mon.ovfQueued = true
		q.entries.Enqueue(&mon.ovf)
	}
	q.mu.Unlock()

	q.notify()

	return true
}

// pushNotice queues a server notice. Notices are delivered while flow control is off.
func (q *eventQueue) pushNotice(fn func() deliverResult) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.entries.Enqueue(&eventEntry{kind: eventNotice, notice: fn})
	q.mu.Unlock()

	q.notify()

	return true
}

// enqueueAsyncLocked queues a posted async request. q.mu must be held.
func (q *eventQueue) enqueueAsyncLocked(r *asyncRequest) {
	q.entries.Enqueue(&eventEntry{kind: eventAsyncIO, aio: r})
}

// setFlowOff switches client flow control. It reports whether the state changed.
func (q *eventQueue) setFlowOff(off bool) bool {
	q.mu.Lock()
	changed := q.flowOff != off
	q.flowOff = off
	q.mu.Unlock()

	if changed && !off {
		q.notify()
	}

	return changed
}

// isFlowOff reports whether client flow control is off.
func (q *eventQueue) isFlowOff() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.flowOff
}

// length returns the number of queued entries.
func (q *eventQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.entries.Length()
}

// removeMonitorLocked drops the queued entries of mon. q.mu must be held.
func (q *eventQueue) removeMonitorLocked(mon *monitor) {
	q.entries.RemoveFunc(func(e *eventEntry) bool {
		return e.kind == eventMonitor && e.mon == mon
	})
	mon.nPend = 0
	mon.ovfQueued = false
	mon.ovf.value = nil
}

// removeAsyncLocked drops the queued completion of r. q.mu must be held.
func (q *eventQueue) removeAsyncLocked(r *asyncRequest) {
	q.entries.RemoveFunc(func(e *eventEntry) bool {
		return e.kind == eventAsyncIO && e.aio == r
	})
}

// close stops the queue and returns the async requests still queued.
func (q *eventQueue) close() []*asyncRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	var pending []*asyncRequest
	q.entries.Range(func(e *eventEntry) bool {
		switch e.kind {
		case eventAsyncIO:
			pending = append(pending, e.aio)
		case eventMonitor:
			e.mon.nPend = 0
			e.mon.ovfQueued = false
		}

		return true
	})
	q.entries.Reset()

	return pending
}

// nextLocked returns the next deliverable entry. q.mu must be held.
func (q *eventQueue) nextLocked() *eventEntry {
	if !q.flowOff {
		e, _ := q.entries.Peek()
		return e
	}

	var found *eventEntry
	q.entries.Range(func(e *eventEntry) bool {
		if e.kind != eventMonitor {
			found = e
			return false
		}

		return true
	})

	return found
}

// process delivers queued entries in FIFO order until the queue is drained, suspended
// by flow control, or deliver reports backpressure. It returns true on backpressure.
//
// deliver receives the entry and, for monitor entries, the value snapshot to send.
func (q *eventQueue) process(deliver func(e *eventEntry, v *cas.Value) deliverResult) bool {
	q.mu.Lock()
	q.backpressure = false
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false
		}
		e := q.nextLocked()
		if e == nil {
			q.mu.Unlock()
			return false
		}
		v := e.value
		q.mu.Unlock()

		res := deliver(e, v)

		q.mu.Lock()
		if res == deliverRetry {
			q.backpressure = true
			q.mu.Unlock()

			return true
		}

		var finished *asyncRequest
		if !q.closed {
			q.removeEntryLocked(e)
			switch e.kind {
			case eventMonitor:
				mon := e.mon
				if !e.ovf {
					mon.nPend--
					break
				}
				if e.value != v && !mon.destroyed {
					// refreshed while being delivered
					q.entries.Enqueue(e)
				} else {
					mon.ovfQueued = false
					e.value = nil
				}
			case eventAsyncIO:
				if e.aio.state == asyncPosted {
					e.aio.state = asyncDelivered
					finished = e.aio
				}
			}
		}
		q.mu.Unlock()

		if finished != nil {
			finished.finish()
		}
	}
}

func (q *eventQueue) removeEntryLocked(e *eventEntry) {
	if head, ok := q.entries.Peek(); ok && head == e {
		q.entries.Dequeue()
		return
	}
	q.entries.RemoveFunc(func(x *eventEntry) bool { return x == e })
}
