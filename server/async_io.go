package server

import (
	"context"
	"net/netip"
	"sync"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/proto"
	"go.opentelemetry.io/otel/trace"
)

// asyncKind selects the response builder of an async request.
type asyncKind uint8

const (
	asyncSearch asyncKind = iota + 1
	asyncCreateChan
	asyncRead
	asyncReadNotify
	asyncWrite
	asyncWriteNotify
	asyncMonitorInit
)

func (k asyncKind) String() string {
	switch k {
	case asyncSearch:
		return "search"
	case asyncCreateChan:
		return "create_chan"
	case asyncRead:
		return "read"
	case asyncReadNotify:
		return "read_notify"
	case asyncWrite:
		return "write"
	case asyncWriteNotify:
		return "write_notify"
	case asyncMonitorInit:
		return "monitor_init"
	default:
		return "unknown"
	}
}

// isRead reports whether the request only reads. Read requests are dropped silently
// when their channel goes away.
func (k asyncKind) isRead() bool {
	return k == asyncRead || k == asyncReadNotify || k == asyncMonitorInit
}

type asyncState uint8

const (
	asyncCreated asyncState = iota
	asyncPosted
	asyncDelivered
	asyncDestroyed
)

// asyncRequest is the completion token of one deferred protocol operation.
//
// The state and the result are guarded by the lock of the owning session's event
// queue. Post queues the request; the session delivers it, and the queue marks it
// delivered after the response builder ran.
type asyncRequest struct {
	kind    asyncKind
	eq      *eventQueue
	logger  logger.Logger
	metrics *ServerMetrics

	hdr  proto.Header
	ch   *channel
	gate *ioGate
	name string

	// datagram searches
	peer     netip.AddrPort
	minor    proto.MinorVersion
	seq      uint32
	seqValid bool

	state             asyncState
	result            cas.Result
	destroyedByServer bool
	chanGone          bool

	span       trace.Span
	finishOnce sync.Once
}

var _ cas.AsyncIO = (*asyncRequest)(nil)

// Post stores the outcome and queues the request for delivery.
func (r *asyncRequest) Post(res cas.Result) error {
	r.eq.mu.Lock()
	if r.state != asyncCreated {
		byServer := r.destroyedByServer
		r.eq.mu.Unlock()

		if byServer {
			r.logger.Debug("async io post after server side cancel", "kind", r.kind.String())
		} else {
			r.metrics.incAsyncIOErrCount()
			r.logger.Warn("redundant async io post", "kind", r.kind.String(), "pv", r.name)
		}

		return cas.ErrAsyncIORedundantPost
	}

	r.result = res
	if r.kind != asyncSearch {
		recordStatus(r.span, res.Status)
	}
	if r.eq.closed {
		r.state = asyncDestroyed
		r.eq.mu.Unlock()
		r.finish()

		return nil
	}
	r.state = asyncPosted
	r.eq.enqueueAsyncLocked(r)
	r.eq.mu.Unlock()

	r.eq.notify()

	return nil
}

// Destroy abandons a request the tool will never post.
func (r *asyncRequest) Destroy() {
	r.eq.mu.Lock()
	switch r.state {
	case asyncCreated:
		r.state = asyncDestroyed
		byServer := r.destroyedByServer
		r.eq.mu.Unlock()

		if !byServer {
			r.logger.Warn("unexpected external deletion of async io", "kind", r.kind.String(), "pv", r.name)
		}
		r.finish()

		return
	case asyncPosted:
		r.eq.mu.Unlock()
		r.metrics.incAsyncIOErrCount()
		r.logger.Warn("async io destroyed after post ignored", "kind", r.kind.String(), "pv", r.name)

		return
	}
	r.eq.mu.Unlock()
}

// cancel is the server side teardown of the request's channel or session.
//
// Read requests are destroyed at once, even when their result is already queued. Other
// requests stay with the tool; once delivered they are cancelled without a reply.
func (r *asyncRequest) cancel() {
	r.eq.mu.Lock()
	r.destroyedByServer = true
	r.chanGone = true

	destroy := false
	if r.kind.isRead() || r.eq.closed {
		switch r.state {
		case asyncCreated:
			r.state = asyncDestroyed
			destroy = true
		case asyncPosted:
			r.eq.removeAsyncLocked(r)
			r.state = asyncDestroyed
			destroy = true
		}
	}
	r.eq.mu.Unlock()

	if destroy {
		r.finish()
	}
}

// done reports whether the request is delivered or destroyed.
func (r *asyncRequest) done() bool {
	r.eq.mu.Lock()
	defer r.eq.mu.Unlock()

	return r.state == asyncDelivered || r.state == asyncDestroyed
}

// finish releases what the request holds. It runs once.
func (r *asyncRequest) finish() {
	r.finishOnce.Do(func() {
		if r.gate != nil {
			r.gate.done()
		}
		if r.span != nil {
			r.span.End()
		}
		r.metrics.decAsyncIOInflight()
	})
}

// requestCtx is the cas.Context handed to a tool entry point.
type requestCtx struct {
	context.Context

	addr     netip.AddrPort
	userName string
	hostName string

	newRequest func() *asyncRequest
	aio        *asyncRequest
	span       trace.Span
	logger     logger.Logger
	metrics    *ServerMetrics
	closed     bool
}

var _ cas.Context = (*requestCtx)(nil)

// StartAsyncIO opens the completion token of the request.
func (c *requestCtx) StartAsyncIO() (cas.AsyncIO, error) {
	if c.closed || c.newRequest == nil {
		c.metrics.incAsyncIOErrCount()
		c.logger.Warn("async io started outside of its tool call")

		return nil, cas.ErrAsyncIONotAllowed
	}
	if c.aio != nil {
		c.metrics.incAsyncIOErrCount()
		c.logger.Warn("async io already started for this request", "kind", c.aio.kind.String())

		return nil, cas.ErrAsyncIOInProgress
	}

	c.aio = c.newRequest()
	c.metrics.incAsyncIOInflight()
	if c.aio.gate != nil {
		c.aio.gate.started()
	}

	return c.aio, nil
}

func (c *requestCtx) ClientAddr() netip.AddrPort { return c.addr }

func (c *requestCtx) UserName() string { return c.userName }

func (c *requestCtx) HostName() string { return c.hostName }

// end closes the context after the tool call returned and reports the token opened
// during the call, if any. The span of the call ends here unless a token owns it.
func (c *requestCtx) end() *asyncRequest {
	c.closed = true
	if c.aio == nil && c.span != nil {
		c.span.End()
	}

	return c.aio
}
