package server

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/arloliu/go-cas/buffer"
	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/internal/pool"
	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/proto"
)

// dgHeaderSize is the size of the frame header placed in front of every datagram held
// by the buffers of a DatagramClient: the IPv4 address and port of the peer followed
// by the length of the datagram.
//
//	0..3    peer IPv4 address
//	4..5    peer port
//	6..7    pad
//	8..11   datagram length
//	12..15  pad
const dgHeaderSize = 16

func encodeDgHeader(b []byte, peer netip.AddrPort, n int) {
	addr := peer.Addr().Unmap().As4()
	copy(b[0:4], addr[:])
	binary.BigEndian.PutUint16(b[4:], peer.Port())
	binary.BigEndian.PutUint16(b[6:], 0)
	binary.BigEndian.PutUint32(b[8:], uint32(n)) //nolint: gosec
	binary.BigEndian.PutUint32(b[12:], 0)
}

func decodeDgHeader(b []byte) (netip.AddrPort, int) {
	addr := netip.AddrFrom4([4]byte(b[0:4]))
	port := binary.BigEndian.Uint16(b[4:])

	return netip.AddrPortFrom(addr, port), int(binary.BigEndian.Uint32(b[8:]))
}

// DatagramClient is the UDP side of an interface. It answers name searches and echoes
// for any number of peers.
//
// Received datagrams are queued in the ingress buffer, each behind a frame header. The
// replies to one datagram are packed into one egress frame led by a VERSION message
// carrying the minor version of the server and, for V4.11 peers, the sequence number of
// the request.
type DatagramClient struct {
	srv    *Server
	conn   *net.UDPConn
	local  netip.AddrPort
	logger logger.Logger

	mu  sync.Mutex
	in  *buffer.InBuf
	out *buffer.OutBuf
	eq  *eventQueue

	// datagram received but not yet stored in the ingress buffer
	scratch  []byte
	heldLen  int
	heldPeer netip.AddrPort

	// state of the datagram being processed
	peer        netip.AddrPort
	minor       proto.MinorVersion
	seq         uint32
	seqValid    bool
	versionSent bool

	closed    bool
	closeOnce sync.Once
}

var (
	_ buffer.Sender   = (*DatagramClient)(nil)
	_ buffer.Receiver = (*DatagramClient)(nil)
)

// newDatagramClient creates the datagram session of conn. local is the address
// announced in search replies: the interface address and its TCP port.
func newDatagramClient(srv *Server, conn *net.UDPConn, local netip.AddrPort) *DatagramClient {
	c := &DatagramClient{
		srv:     srv,
		conn:    conn,
		local:   local,
		logger:  srv.logger.With("udp", local.String()),
		eq:      newEventQueue(srv.cfg.MaxEventQueueEntries()),
		scratch: make([]byte, proto.MaxUDPRecv),
	}
	c.in = buffer.NewInBuf(srv.bufFactory, c)
	c.out = buffer.NewOutBuf(srv.bufFactory, c,
		buffer.WithOutLogger(c.logger),
		buffer.WithOutDebugLevel(srv.cfg.DebugLevel),
	)

	return c
}

// Recv implements buffer.Receiver. It stores one datagram behind its frame header. A
// datagram that does not fit the free space is held until the buffer drained.
func (c *DatagramClient) Recv(p []byte) (int, buffer.FillCondition) {
	if c.heldLen == 0 {
		n, peer, err := c.conn.ReadFromUDPAddrPort(c.scratch)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return 0, buffer.FillDisconnect
			}
			c.logger.Warn("UDP receive failed", "error", err)

			return 0, buffer.FillNone
		}

		peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
		if !peer.Addr().Is4() || n == 0 {
			return 0, buffer.FillNone
		}
		c.heldLen, c.heldPeer = n, peer
	}

	frame := dgHeaderSize + c.heldLen
	if frame > c.in.BufferSize() {
		c.logger.Warn("UDP request too large for the server's buffer dropped",
			"peer", c.heldPeer.String(), "size", c.heldLen)
		c.heldLen = 0

		return 0, buffer.FillNone
	}
	if frame > len(p) {
		return 0, buffer.FillNone
	}

	encodeDgHeader(p, c.heldPeer, c.heldLen)
	copy(p[dgHeaderSize:], c.scratch[:c.heldLen])
	c.heldLen = 0

	return frame, buffer.FillProgress
}

// Send implements buffer.Sender. Every frame is sent as one datagram to the peer named
// in its header. A frame that cannot be sent for any reason other than a timeout is
// dropped.
func (c *DatagramClient) Send(p []byte) (int, buffer.FlushCondition) {
	sent := 0
	for len(p)-sent >= dgHeaderSize {
		peer, n := decodeDgHeader(p[sent:])
		frame := dgHeaderSize + n
		if frame > len(p)-sent {
			break
		}

		if d := c.srv.cfg.SendTimeout(); d > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(d))
		}
		if _, err := c.conn.WriteToUDPAddrPort(p[sent+dgHeaderSize:sent+frame], peer); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				return sent, buffer.FlushDisconnect
			}
			c.logger.Warn("UDP send failed, reply dropped", "peer", peer.String(), "error", err)
		}
		sent += frame
	}

	if sent == 0 {
		return 0, buffer.FlushNone
	}

	return sent, buffer.FlushProgress
}

func (c *DatagramClient) readLoop(ctx context.Context) {
	defer c.shutdown()

	for {
		if c.in.Fill() == buffer.FillDisconnect {
			return
		}

		for {
			res, cond := c.processBuffered()
			if cond == buffer.FlushDisconnect {
				return
			}
			if res != resultSendBlocked {
				break
			}
			if !pool.Sleep(ctx, sendRetryInterval) {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *DatagramClient) processBuffered() (handlerResult, buffer.FlushCondition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return resultOK, buffer.FlushDisconnect
	}
	res := c.processDatagrams()
	cond := c.out.Flush()
	if c.out.BytesPresent() > 0 {
		c.eq.notify()
	}

	return res, cond
}

// processDatagrams executes the queued datagrams. c.mu must be held.
//
// When replies block in the middle of a datagram, the processed part is removed and a
// frame header for the remainder is written in front of it, so the rest is executed on
// the next call.
func (c *DatagramClient) processDatagrams() handlerResult {
	for c.in.BytesPresent() >= dgHeaderSize {
		peer, n := decodeDgHeader(c.in.Bytes())
		frame := dgHeaderSize + n

		inCtx, err := c.in.PushCtx(dgHeaderSize, n)
		if err != nil {
			c.logger.Error("corrupt datagram framing, ingress buffer dropped", "error", err)
			c.in.RemoveMsg(c.in.BytesPresent())

			return resultOK
		}

		outCtx, err := c.out.PushCtx(dgHeaderSize, proto.MaxUDPSend)
		if err != nil {
			c.in.PopCtx(inCtx)
			return resultSendBlocked
		}

		c.peer = peer
		c.minor = 0
		c.seq = 0
		c.seqValid = false
		c.versionSent = false

		res := c.processMsgs()

		if sent := c.out.PopCtx(outCtx); sent > proto.HeaderSize {
			encodeDgHeader(outCtx.Header(), peer, sent)
			c.out.CommitRawMsg(dgHeaderSize + sent)
		}

		consumed := c.in.PopCtx(inCtx)
		if res != resultSendBlocked {
			c.in.RemoveMsg(frame)
			continue
		}

		if consumed == 0 {
			return resultSendBlocked
		}
		c.in.RemoveMsg(consumed)
		encodeDgHeader(c.in.Bytes(), peer, n-consumed)
	}

	return resultOK
}

// processMsgs executes the messages of one datagram. A malformed message or a
// protocol violation drops the rest of the datagram.
func (c *DatagramClient) processMsgs() handlerResult {
	for c.in.BytesPresent() > 0 {
		hdr, hdrSize, err := proto.DecodeHeader(c.in.Bytes())
		if err != nil {
			c.logger.Warn("truncated UDP request dropped", "peer", c.peer.String(), "error", err)
			c.in.RemoveMsg(c.in.BytesPresent())

			return resultOK
		}

		msgSize := hdrSize + int(hdr.PayloadSize)
		if !proto.IsAligned(hdr.PayloadSize) || msgSize > c.in.BytesPresent() {
			c.logger.Warn("malformed UDP request dropped",
				"peer", c.peer.String(), "cmd", hdr.Command.String(), "psize", hdr.PayloadSize)
			c.in.RemoveMsg(c.in.BytesPresent())

			return resultOK
		}

		req := requestMsg{
			hdr:     hdr,
			hdrSize: hdrSize,
			payload: c.in.Bytes()[hdrSize:msgSize],
		}

		if level := c.srv.cfg.DebugLevel(); level > 3 || (level > 2 && hdr.Command != proto.CmdSearch) {
			c.logger.Debug("CAS UDP request",
				"peer", c.peer.String(),
				"cmd", hdr.Command.String(),
				"id", hdr.CID,
				"type", hdr.DataType,
				"count", hdr.Count,
				"avail", hdr.Available,
			)
		}

		switch res := c.dispatch(&req); res {
		case resultOK:
			c.in.RemoveMsg(msgSize)
		case resultDisconnect:
			c.logger.Warn("bad UDP request, rest of datagram dropped",
				"peer", c.peer.String(), "cmd", hdr.Command.String())
			c.in.RemoveMsg(c.in.BytesPresent())

			return resultOK
		default:
			return res
		}
	}

	return resultOK
}

func (c *DatagramClient) dispatch(req *requestMsg) (res handlerResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in UDP request handler", "cmd", req.hdr.Command.String(), "panic", r)
			res = resultDisconnect
		}
	}()

	switch req.hdr.Command {
	case proto.CmdVersion:
		return c.versionAction(req)
	case proto.CmdSearch:
		return c.searchAction(req)
	case proto.CmdEcho:
		return c.echoAction(req)
	default:
		return resultDisconnect
	}
}

func (c *DatagramClient) versionAction(req *requestMsg) handlerResult {
	hdr := req.hdr
	minor := proto.MinorVersion(hdr.Count)
	if !minor.Supported() {
		return resultDisconnect
	}

	c.minor = minor
	if minor.V411() {
		c.seq = hdr.CID
		c.seqValid = true
	}

	return resultOK
}

func (c *DatagramClient) echoAction(req *requestMsg) handlerResult {
	hdr := req.hdr
	payload, err := c.copyInHeader(proto.CmdEcho, hdr.PayloadSize, hdr.DataType, hdr.Count, hdr.CID, hdr.Available)
	if err != nil {
		return resultFromAllocErr(err)
	}
	copy(payload, req.payload)
	c.out.CommitMsg()

	return resultOK
}

func (c *DatagramClient) searchAction(req *requestMsg) handlerResult {
	hdr := req.hdr
	if !proto.MinorVersion(hdr.Count).Supported() {
		return resultDisconnect
	}

	name, problem := parsePVName(hdr, req.payload)
	if problem != pvNameOK {
		c.logger.Warn("malformed UDP search request", "peer", c.peer.String(), "reason", string(problem))
		return resultOK
	}
	if c.srv.cfg.DebugLevel() > 6 {
		c.logger.Debug("search", "pv", name, "peer", c.peer.String())
	}

	c.srv.metrics.incSearchRecvCount()
	if c.srv.lowMemory() {
		return resultOK
	}

	rc := c.newToolCtx(hdr, name)
	ret := c.srv.tool.PVExistTest(rc, c.peer, name)
	if aio := rc.end(); aio != nil {
		if ret.Status != cas.ExistAsync {
			c.logger.Warn("server tool started async io but returned a synchronous exist status, assuming async",
				"pv", name, "status", ret.Status.String())
		}

		return resultOK
	}

	switch ret.Status {
	case cas.ExistsHere, cas.DoesNotExistHere:
		return c.searchResponse(hdr, ret)
	case cas.ExistAsync:
		c.logger.Warn("unexpected async exist status without async io ignored", "pv", name)
	default:
		c.logger.Warn("invalid exist status ignored", "pv", name, "status", ret.Status.String())
	}

	return resultOK
}

// searchResponse answers a search. The reply carries the server's TCP address and the
// minor version of the server.
func (c *DatagramClient) searchResponse(hdr proto.Header, ret cas.ExistReturn) handlerResult {
	if ret.Status != cas.ExistsHere {
		if hdr.DataType == proto.DoReply {
			return c.headerOnly(proto.CmdNotFound, hdr.DataType, hdr.Count, hdr.CID, hdr.Available)
		}

		return resultOK
	}

	minor := proto.MinorVersion(hdr.Count)
	if !minor.V44() {
		return c.sendErr(hdr, proto.ECADefunct, "R3.11 connect sequence from old client was ignored")
	}

	addr, port := searchReplyAddr(minor, ret, c.local)
	payload, err := c.copyInHeader(proto.CmdSearch, 2, port, 0, addr, hdr.Available)
	if err != nil {
		return resultFromAllocErr(err)
	}
	binary.BigEndian.PutUint16(payload, uint16(proto.MinorProtocolRevision))
	c.out.CommitMsg()
	c.srv.metrics.incSearchReplyCount()

	return resultOK
}

// copyInHeader reserves a reply. The VERSION message leading the frame is written before
// the first reply of a datagram.
func (c *DatagramClient) copyInHeader(cmd proto.Command, payloadSize uint32, dataType uint16,
	count uint32, cid uint32, available uint32,
) ([]byte, error) {
	if !c.versionSent {
		var seq uint32
		var flags uint16
		if c.seqValid {
			seq, flags = c.seq, proto.SequenceNoIsValid
		}
		if _, err := c.out.CopyInHeader(proto.CmdVersion, 0, flags, uint32(proto.MinorProtocolRevision), seq, 0); err != nil {
			return nil, err
		}
		c.out.CommitMsg()
		c.versionSent = true
	}

	return c.out.CopyInHeader(cmd, payloadSize, dataType, count, cid, available)
}

func (c *DatagramClient) headerOnly(cmd proto.Command, dataType uint16, count uint32, cid uint32, available uint32) handlerResult {
	if _, err := c.copyInHeader(cmd, 0, dataType, count, cid, available); err != nil {
		return resultFromAllocErr(err)
	}
	c.out.CommitMsg()

	return resultOK
}

// sendErr sends an ERROR reply echoing the compact request header followed by text.
func (c *DatagramClient) sendErr(hdr proto.Header, eca proto.ECA, text string) handlerResult {
	payload, err := c.copyInHeader(proto.CmdError, uint32(proto.HeaderSize+len(text)+1), 0, 0, //nolint: gosec
		proto.InvalidResourceID, uint32(eca))
	if err != nil {
		return resultFromAllocErr(err)
	}
	encodeCompactEcho(payload, hdr)
	copy(payload[proto.HeaderSize:], text)
	c.out.CommitMsg()

	c.srv.metrics.incProtocolErrCount()

	return resultOK
}

// newToolCtx creates the context of an existence test made for the current datagram.
func (c *DatagramClient) newToolCtx(hdr proto.Header, name string) *requestCtx {
	ctx, span := c.srv.startSpan(asyncSearch, name, c.peer)
	rc := &requestCtx{
		Context: ctx,
		addr:    c.peer,
		logger:  c.logger,
		metrics: &c.srv.metrics,
		span:    span,
	}

	peer, minor, seq, seqValid := c.peer, c.minor, c.seq, c.seqValid
	rc.newRequest = func() *asyncRequest {
		return &asyncRequest{
			kind:     asyncSearch,
			eq:       c.eq,
			logger:   c.logger,
			metrics:  &c.srv.metrics,
			hdr:      hdr,
			name:     name,
			span:     span,
			peer:     peer,
			minor:    minor,
			seq:      seq,
			seqValid: seqValid,
		}
	}

	return rc
}

func (c *DatagramClient) eventLoop(ctx context.Context) {
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

// deliverEvents sends the completed async searches. It reports whether the session is
// backpressured and must retry.
func (c *DatagramClient) deliverEvents() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	blocked := c.eq.process(c.deliverEvent)
	c.out.Flush()

	return blocked || c.out.BytesPresent() > 0
}

func (c *DatagramClient) deliverEvent(e *eventEntry, _ *cas.Value) deliverResult {
	if e.kind != eventAsyncIO || e.aio.kind != asyncSearch {
		return deliverCancel
	}

	r := e.aio
	r.eq.mu.Lock()
	res := r.result
	r.eq.mu.Unlock()

	outCtx, err := c.out.PushCtx(dgHeaderSize, proto.MaxUDPSend)
	if err != nil {
		if errors.Is(err, buffer.ErrSendBlocked) {
			return deliverRetry
		}

		return deliverCancel
	}

	c.peer = r.peer
	c.minor = r.minor
	c.seq = r.seq
	c.seqValid = r.seqValid
	c.versionSent = false

	hr := c.searchResponse(r.hdr, res.Exist)

	if sent := c.out.PopCtx(outCtx); sent > proto.HeaderSize {
		encodeDgHeader(outCtx.Header(), r.peer, sent)
		c.out.CommitRawMsg(dgHeaderSize + sent)
	}

	return toDeliverResult(hr)
}

// shutdown closes the socket and cancels the pending async searches. It runs once.
func (c *DatagramClient) shutdown() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()

		c.mu.Lock()
		c.closed = true
		pending := c.eq.close()
		c.out.Release()
		c.mu.Unlock()

		for _, r := range pending {
			r.cancel()
		}
	})
}
