package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/arloliu/go-cas/buffer"
	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/internal/pool"
	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/proto"
)

const (
	// sendRetryInterval is the pause before retrying a send blocked session.
	sendRetryInterval = 5 * time.Millisecond
	// postponeRetryInterval is the pause before retrying a postponed request when no
	// async io completion can wake the session.
	postponeRetryInterval = 100 * time.Millisecond
)

// StreamClient is the server side of one TCP connection.
//
// A reader goroutine receives and executes requests; an event goroutine delivers the
// session's event queue. Both work on the session under its lock, which serializes
// request execution, event delivery and teardown.
type StreamClient struct {
	id      uint64
	srv     *Server
	conn    net.Conn
	addr    netip.AddrPort
	local   netip.AddrPort
	logger  logger.Logger
	taskMgr *TaskManager
	created time.Time

	mu       sync.Mutex
	in       *buffer.InBuf
	out      *buffer.OutBuf
	eq       *eventQueue
	channels []*channel

	minor    proto.MinorVersion
	priority uint16
	userName string
	hostName string

	// duplicate execution guard of a request whose response was blocked
	responseIsPending bool
	pendingStatus     cas.Status
	pendingValue      *cas.Value

	incomingBytesToDrain uint32
	blockedOn            <-chan struct{}

	closed    bool
	closeOnce sync.Once
}

var (
	_ buffer.Sender   = (*StreamClient)(nil)
	_ buffer.Receiver = (*StreamClient)(nil)
)

func newStreamClient(srv *Server, conn net.Conn, id uint64) *StreamClient {
	c := &StreamClient{
		id:      id,
		srv:     srv,
		conn:    conn,
		addr:    addrPortOf(conn.RemoteAddr()),
		local:   addrPortOf(conn.LocalAddr()),
		created: time.Now(),
		eq:      newEventQueue(srv.cfg.MaxEventQueueEntries()),
	}
	c.logger = srv.logger.With("client", c.addr.String())
	c.taskMgr = NewTaskManager(srv.taskMgr.Context(), c.logger)
	c.in = buffer.NewInBuf(srv.bufFactory, c)
	c.out = buffer.NewOutBuf(srv.bufFactory, c,
		buffer.WithOutLogger(c.logger),
		buffer.WithOutDebugLevel(srv.cfg.DebugLevel),
	)

	return c
}

// ID returns the server assigned session id.
func (c *StreamClient) ID() uint64 { return c.id }

// RemoteAddr returns the address of the peer.
func (c *StreamClient) RemoteAddr() netip.AddrPort { return c.addr }

func (c *StreamClient) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ClientInfo{
		ID:           c.id,
		Addr:         c.addr,
		User:         c.userName,
		Host:         c.hostName,
		MinorVersion: uint16(c.minor),
		Priority:     c.priority,
		Channels:     len(c.channels),
		EventsQueued: c.eq.length(),
		EventsOff:    c.eq.isFlowOff(),
		Connected:    c.created,
	}
}

// show logs the session state. Level 1 adds one record per channel.
func (c *StreamClient) show(level uint) {
	info := c.info()
	c.logger.Info("CA client",
		"id", info.ID,
		"user", info.User,
		"host", info.Host,
		"minor", info.MinorVersion,
		"priority", info.Priority,
		"channels", info.Channels,
		"eventsQueued", info.EventsQueued,
		"eventsOff", info.EventsOff,
		"connected", info.Connected,
	)
	if level == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		c.logger.Info("CA channel",
			"pv", ch.name(),
			"cid", ch.cid,
			"sid", ch.sid,
			"monitors", len(ch.monitors),
			"pendingIO", len(ch.ioList),
			"access", ch.accessRights(),
		)
	}
}

// start launches the reader and the event goroutines.
func (c *StreamClient) start() error {
	if err := c.taskMgr.Go("strmReader", c.readLoop, c.in.Release); err != nil {
		return err
	}

	return c.taskMgr.Go("strmEvents", c.eventLoop, nil)
}

// Recv implements buffer.Receiver.
func (c *StreamClient) Recv(p []byte) (int, buffer.FillCondition) {
	n, err := c.conn.Read(p)
	if n > 0 {
		return n, buffer.FillProgress
	}
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("receive failed", "error", err)
		}

		return 0, buffer.FillDisconnect
	}

	return 0, buffer.FillNone
}

// Send implements buffer.Sender. A write that times out is reported as partial
// progress; any other failure closes the connection.
func (c *StreamClient) Send(p []byte) (int, buffer.FlushCondition) {
	if d := c.srv.cfg.SendTimeout(); d > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(d))
	}

	n, err := c.conn.Write(p)
	if err == nil {
		return n, buffer.FlushProgress
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if n > 0 {
			return n, buffer.FlushProgress
		}

		return 0, buffer.FlushNone
	}

	if !errors.Is(err, net.ErrClosed) {
		c.logger.Debug("send failed", "error", err)
	}
	_ = c.conn.Close()

	return n, buffer.FlushDisconnect
}

func (c *StreamClient) readLoop(ctx context.Context) {
	defer c.shutdown()

	for {
		if c.in.Fill() == buffer.FillDisconnect {
			return
		}
		if !c.processInput(ctx) {
			return
		}
	}
}

// processInput executes the buffered requests until more input is needed. It returns
// false when the session must end.
func (c *StreamClient) processInput(ctx context.Context) bool {
	for {
		switch c.processBuffered() {
		case resultOK:
			return true
		case resultDisconnect:
			return false
		case resultSendBlocked:
			if !pool.Sleep(ctx, sendRetryInterval) {
				return false
			}
		case resultPostpone:
			if !c.waitUnblocked(ctx) {
				return false
			}
		}
	}
}

func (c *StreamClient) processBuffered() handlerResult {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return resultDisconnect
	}
	res := c.processMsgs()
	cond := c.out.Flush()
	unsent := c.out.BytesPresent() > 0
	c.mu.Unlock()

	if cond == buffer.FlushDisconnect {
		return resultDisconnect
	}
	if unsent {
		// the event goroutine keeps flushing
		c.eq.notify()
	}

	return res
}

// waitUnblocked waits until the async io that postponed the current request ends.
func (c *StreamClient) waitUnblocked(ctx context.Context) bool {
	c.mu.Lock()
	w := c.blockedOn
	c.blockedOn = nil
	c.mu.Unlock()

	if w == nil {
		return pool.Sleep(ctx, postponeRetryInterval)
	}

	select {
	case <-ctx.Done():
		return false
	case <-w:
		return true
	}
}

// processMsgs executes the complete requests in the ingress buffer. c.mu must be held.
func (c *StreamClient) processMsgs() handlerResult {
	for c.in.BytesPresent() > 0 {
		if c.incomingBytesToDrain > 0 {
			n := min(int(c.incomingBytesToDrain), c.in.BytesPresent())
			c.in.RemoveMsg(n)
			c.incomingBytesToDrain -= uint32(n) //nolint: gosec

			continue
		}

		hdr, hdrSize, err := proto.DecodeHeader(c.in.Bytes())
		if err != nil {
			break
		}

		if !proto.IsAligned(hdr.PayloadSize) {
			c.logger.Warn("unaligned request", "cmd", hdr.Command.String(), "psize", hdr.PayloadSize)
			c.sendErr(hdr, proto.InvalidResourceID, proto.ECAInternal, "Stream request wasn't 8 byte aligned")

			return resultDisconnect
		}

		msgSize := hdrSize + int(hdr.PayloadSize)
		if c.in.BytesPresent() < msgSize {
			if msgSize > c.in.BufferSize() && !c.in.ExpandBuffer(msgSize) {
				res := c.sendErr(hdr, proto.InvalidResourceID, proto.ECATooLarge,
					"client's request didnt fit within the CA server's message buffer")
				if res == resultSendBlocked {
					return res
				}
				present := c.in.BytesPresent()
				c.in.RemoveMsg(present)
				c.incomingBytesToDrain = uint32(msgSize - present) //nolint: gosec
				c.logger.Warn("oversized request drained", "cmd", hdr.Command.String(), "size", msgSize)

				continue
			}

			break
		}

		req := requestMsg{
			hdr:     hdr,
			hdrSize: hdrSize,
			payload: c.in.Bytes()[hdrSize:msgSize],
		}

		if c.srv.cfg.DebugLevel() > 2 {
			c.logger.Debug("CAS request",
				"cmd", hdr.Command.String(),
				"id", hdr.CID,
				"type", hdr.DataType,
				"count", hdr.Count,
				"psize", hdr.PayloadSize,
				"avail", hdr.Available,
			)
		}

		res := c.dispatch(&req)
		if res != resultOK {
			return res
		}

		c.in.RemoveMsg(msgSize)
		c.responseIsPending = false
		c.pendingStatus = cas.StatusSuccess
		c.pendingValue = nil
	}

	return resultOK
}

// dispatch runs the handler of req. A panic in the handler disconnects the peer.
func (c *StreamClient) dispatch(req *requestMsg) (res handlerResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in request handler", "cmd", req.hdr.Command.String(), "panic", r)
			c.sendErr(req.hdr, proto.InvalidResourceID, proto.ECAInternal,
				"unexpected problem with client's input - disconnected client")
			res = resultDisconnect
		}
	}()

	c.srv.metrics.incRequestCount()

	if !req.hdr.Command.Valid() {
		return c.unknownMessageAction(req)
	}

	return strmHandlers[req.hdr.Command](c, req)
}

func (c *StreamClient) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.eq.signal:
		}

		for c.deliverEvents() {
			if !pool.Sleep(ctx, sendRetryInterval) {
				return
			}
		}
	}
}

// deliverEvents drains the event queue into the egress buffer and flushes it. It
// reports whether the session is backpressured and must retry.
func (c *StreamClient) deliverEvents() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	blocked := c.eq.process(c.deliverEvent)
	cond := c.out.Flush()
	unsent := c.out.BytesPresent() > 0
	c.mu.Unlock()

	if cond == buffer.FlushDisconnect {
		c.shutdown()
		return false
	}

	return blocked || unsent
}

// shutdown tears the session down: channels with their monitors and async io, the
// event queue and the connection. It runs once.
func (c *StreamClient) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		chans := slices.Clone(c.channels)
		for _, ch := range chans {
			ch.destroy()
		}
		c.channels = nil
		for _, r := range c.eq.close() {
			r.cancel()
		}
		c.out.Release()
		c.mu.Unlock()

		_ = c.conn.Close()
		c.taskMgr.Stop()
		c.srv.removeClient(c)

		c.logger.Info("client disconnected", "channels", len(chans))
	})
}

// Close disconnects the session.
func (c *StreamClient) Close() {
	c.shutdown()
}

// removeChannel drops ch from the session list. c.mu must be held.
func (c *StreamClient) removeChannel(ch *channel) {
	c.channels = slices.DeleteFunc(c.channels, func(x *channel) bool { return x == ch })
}

// copyInHeader reserves a response, refusing extended framing for peers older than V4.9.
func (c *StreamClient) copyInHeader(cmd proto.Command, payloadSize uint32, dataType uint16,
	count uint32, cid uint32, available uint32,
) ([]byte, error) {
	if !c.minor.V49() && (proto.AlignPayload(payloadSize) >= proto.LargeSentinel || count >= proto.LargeSentinel) {
		return nil, proto.ErrExtendedNotSupported
	}

	return c.out.CopyInHeader(cmd, payloadSize, dataType, count, cid, available)
}

// headerOnly sends a response without payload.
func (c *StreamClient) headerOnly(cmd proto.Command, dataType uint16, count uint32, cid uint32, available uint32) handlerResult {
	if _, err := c.copyInHeader(cmd, 0, dataType, count, cid, available); err != nil {
		return resultFromAllocErr(err)
	}
	c.out.CommitMsg()

	return resultOK
}

// sendErr sends an ERROR response echoing the request header followed by text.
//
// The echoed header is extended only when the request needed it and the peer accepts
// extended framing. Allocation failures other than backpressure drop the response.
func (c *StreamClient) sendErr(hdr proto.Header, cid uint32, eca proto.ECA, text string) handlerResult {
	extended := hdr.NeedsExtended() && c.minor.V49()
	echoSize := proto.HeaderSize
	if extended {
		echoSize = proto.ExtendedHeaderSize
	}

	payload, err := c.out.CopyInHeader(proto.CmdError, uint32(echoSize+len(text)+1), 0, 0, cid, uint32(eca)) //nolint: gosec
	if err != nil {
		return resultFromAllocErr(err)
	}

	if extended {
		hdr.Encode(payload)
	} else {
		encodeCompactEcho(payload, hdr)
	}
	copy(payload[echoSize:], text)
	c.out.CommitMsg()

	c.srv.metrics.incProtocolErrCount()
	c.logger.Debug("error response", "cmd", hdr.Command.String(), "eca", eca.Message(), "text", text)

	return resultOK
}

// sendErrWithStatus sends an ERROR response carrying the text of a tool status.
func (c *StreamClient) sendErrWithStatus(hdr proto.Header, cid uint32, st cas.Status, eca proto.ECA) handlerResult {
	return c.sendErr(hdr, cid, eca, st.String())
}

// logBadID reports a request naming an unknown resource.
func (c *StreamClient) logBadID(hdr proto.Header, eca proto.ECA, id uint32) handlerResult {
	c.logger.Warn("bad resource id", "cmd", hdr.Command.String(), "id", id)
	return c.sendErr(hdr, proto.InvalidResourceID, eca, fmt.Sprintf("Bad Resource ID=%d detected", id))
}

// allocFailure maps an egress allocation failure of a value response.
func (c *StreamClient) allocFailure(hdr proto.Header, cid uint32, err error, text string) handlerResult {
	switch {
	case errors.Is(err, buffer.ErrSendBlocked):
		return resultSendBlocked
	case errors.Is(err, proto.ErrExtendedNotSupported):
		return c.sendErr(hdr, cid, proto.ECA16KArrayClient, text)
	default:
		return c.sendErr(hdr, cid, proto.ECATooLarge, text)
	}
}

// postpone arranges for the current request to be retried once async io on gate ends.
// It returns false if no async io is in progress.
func (c *StreamClient) postpone(gate *ioGate) bool {
	w := gate.blocked()
	if w == nil {
		c.logger.Warn("server tool postponed io when none was pending")
		return false
	}
	c.blockedOn = w

	return true
}

// newToolCtx creates the context of a tool call made on behalf of req.
func (c *StreamClient) newToolCtx(kind asyncKind, hdr proto.Header, ch *channel, gate *ioGate, name string) *requestCtx {
	ctx, span := c.srv.startSpan(kind, name, c.addr)
	rc := &requestCtx{
		Context:  ctx,
		addr:     c.addr,
		userName: c.userName,
		hostName: c.hostName,
		logger:   c.logger,
		metrics:  &c.srv.metrics,
		span:     span,
	}
	rc.newRequest = func() *asyncRequest {
		return &asyncRequest{
			kind:    kind,
			eq:      c.eq,
			logger:  c.logger,
			metrics: &c.srv.metrics,
			hdr:     hdr,
			ch:      ch,
			gate:    gate,
			name:    name,
			span:    span,
		}
	}

	return rc
}

// reconcileAsync aligns the status returned by a tool call with whether the call
// opened an async token.
func (c *StreamClient) reconcileAsync(op string, aio *asyncRequest, st cas.Status) cas.Status {
	if aio != nil {
		if st != cas.StatusAsyncCompletion {
			c.logger.Warn("server tool started async io but returned a synchronous status, assuming async",
				"op", op, "status", st.String())
		}

		return cas.StatusAsyncCompletion
	}

	if st == cas.StatusAsyncCompletion {
		c.logger.Warn("server tool returned async completion without starting async io", "op", op)
		return cas.StatusBadParameter
	}

	return st
}

// encodeCompactEcho writes hdr in compact framing, truncating fields that need the
// extended form.
func encodeCompactEcho(b []byte, hdr proto.Header) {
	if !hdr.NeedsExtended() {
		hdr.Encode(b)
		return
	}

	trunc := hdr
	trunc.PayloadSize = min(hdr.PayloadSize, proto.LargeSentinel-1)
	trunc.Count = min(hdr.Count, proto.LargeSentinel-1)
	trunc.Encode(b)
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort()
	case *net.UDPAddr:
		return a.AddrPort()
	case nil:
		return netip.AddrPort{}
	default:
		ap, _ := netip.ParseAddrPort(a.String())
		return ap
	}
}
