package buffer

import (
	"encoding/binary"

	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/proto"
)

// MaxCtxDepth bounds the nesting of PushCtx calls.
const MaxCtxDepth = 8

// FlushCondition reports the outcome of a send attempt.
type FlushCondition int

const (
	// FlushNone means no byte was sent.
	FlushNone FlushCondition = iota
	// FlushProgress means at least one byte was sent.
	FlushProgress
	// FlushDisconnect means the peer is gone.
	FlushDisconnect
)

func (c FlushCondition) String() string {
	switch c {
	case FlushNone:
		return "none"
	case FlushProgress:
		return "progress"
	case FlushDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Sender transmits egress bytes on behalf of an OutBuf.
type Sender interface {
	// Send transmits a prefix of p and returns the number of bytes sent.
	Send(p []byte) (int, FlushCondition)
}

// OutOption configures an OutBuf.
type OutOption func(*OutBuf)

// WithOutLogger sets the logger used for protocol dumps.
func WithOutLogger(l logger.Logger) OutOption {
	return func(b *OutBuf) { b.logger = l }
}

// WithOutDebugLevel sets the source of the protocol debug level.
// Above 0 every committed response header is logged; VERSION headers only above 2.
func WithOutDebugLevel(level func() uint) OutOption {
	return func(b *OutBuf) { b.debugLevel = level }
}

// OutCtx is the result of OutBuf.PushCtx.
type OutCtx struct {
	ok     bool
	depth  int
	header []byte
}

// OK reports whether the push succeeded.
func (c OutCtx) OK() bool { return c.ok }

// Header returns the header area reserved in front of the nested window. It stays
// valid until the context is popped.
func (c OutCtx) Header() []byte { return c.header }

type outFrame struct {
	base  int
	size  int
	stack int
}

type pendingMsg struct {
	offset  int
	hdrSize int
	payload uint32
	hdr     proto.Header
	active  bool
}

// OutBuf accumulates outgoing messages until they are flushed to the Sender.
//
// The active window is buf[base:base+size]; stack bytes of it are committed. At depth 0
// the window is the whole buffer.
type OutBuf struct {
	factory *Factory
	sender  Sender
	buf     []byte
	large   bool

	base  int
	size  int
	stack int

	frames  []outFrame
	pending pendingMsg

	logger     logger.Logger
	debugLevel func() uint
}

// NewOutBuf creates an egress buffer backed by a small buffer from factory.
func NewOutBuf(factory *Factory, sender Sender, opts ...OutOption) *OutBuf {
	b := &OutBuf{
		factory:    factory,
		sender:     sender,
		buf:        factory.Get(false),
		logger:     logger.GetLogger(),
		debugLevel: func() uint { return 0 },
		frames:     make([]outFrame, 0, MaxCtxDepth),
	}
	b.size = len(b.buf)

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// BufferSize returns the size of the active window.
func (b *OutBuf) BufferSize() int { return b.size }

// BytesPresent returns the number of committed bytes in the active window.
func (b *OutBuf) BytesPresent() int { return b.stack }

// Depth returns the number of pushed contexts.
func (b *OutBuf) Depth() int { return len(b.frames) }

// Bytes returns the committed bytes of the active window.
func (b *OutBuf) Bytes() []byte { return b.buf[b.base : b.base+b.stack] }

// AllocRawMsg reserves n bytes at the end of the active window. The reservation becomes
// part of the output only after CommitRawMsg.
//
// If the window is too small the buffer first grows to a large buffer (only outside any
// nested context) and returns ErrHugeRequest when that is not enough. If the window is
// merely too full, one flush is attempted and ErrSendBlocked is returned if it did not
// free enough space.
func (b *OutBuf) AllocRawMsg(n int) ([]byte, error) {
	if n > b.size {
		if len(b.frames) > 0 || !b.expand(n) {
			return nil, ErrHugeRequest
		}
	}

	if b.stack > b.size-n {
		b.Flush()
		if b.stack > b.size-n {
			return nil, ErrSendBlocked
		}
	}

	start := b.base + b.stack

	return b.buf[start : start+n], nil
}

// CommitRawMsg appends n reserved bytes to the output.
func (b *OutBuf) CommitRawMsg(n int) {
	if n > b.size-b.stack {
		n = b.size - b.stack
	}
	b.stack += n
}

// CopyInHeader reserves a message with the given header fields and returns its payload
// area of payloadSize bytes. The payload is zeroed and padded to the message alignment.
//
// Compact framing is used when the aligned payload size and count fit in 16 bits,
// extended framing otherwise. The message is committed by CommitMsg or
// CommitMsgReduced.
func (b *OutBuf) CopyInHeader(cmd proto.Command, payloadSize uint32, dataType uint16,
	count uint32, cid uint32, available uint32,
) ([]byte, error) {
	hdr := proto.Header{
		Command:     cmd,
		PayloadSize: proto.AlignPayload(payloadSize),
		DataType:    dataType,
		Count:       count,
		CID:         cid,
		Available:   available,
	}
	hdrSize := hdr.EncodedSize()

	raw, err := b.AllocRawMsg(hdrSize + int(hdr.PayloadSize))
	if err != nil {
		return nil, err
	}

	hdr.Encode(raw)
	payload := raw[hdrSize:]
	clear(payload)

	b.pending = pendingMsg{
		offset:  b.base + b.stack,
		hdrSize: hdrSize,
		payload: hdr.PayloadSize,
		hdr:     hdr,
		active:  true,
	}

	return payload[:payloadSize], nil
}

// CommitMsg commits the message reserved by the last CopyInHeader.
func (b *OutBuf) CommitMsg() {
	if !b.pending.active {
		return
	}
	b.commitPending(b.pending.payload)
}

// CommitMsgReduced commits the message reserved by the last CopyInHeader with a
// smaller payload. The header is rewritten in the framing it was reserved with.
func (b *OutBuf) CommitMsgReduced(payloadSize uint32) {
	if !b.pending.active {
		return
	}

	aligned := proto.AlignPayload(payloadSize)
	if aligned > b.pending.payload {
		aligned = b.pending.payload
	}

	raw := b.buf[b.pending.offset:]
	if b.pending.hdrSize == proto.ExtendedHeaderSize {
		binary.BigEndian.PutUint32(raw[16:], aligned)
	} else {
		binary.BigEndian.PutUint16(raw[2:], uint16(aligned))
	}

	start := b.pending.hdrSize + int(payloadSize)
	end := b.pending.hdrSize + int(aligned)
	clear(raw[start:end])

	b.pending.hdr.PayloadSize = aligned
	b.commitPending(aligned)
}

func (b *OutBuf) commitPending(payload uint32) {
	b.stack += b.pending.hdrSize + int(payload)
	b.pending.active = false

	level := b.debugLevel()
	if level == 0 {
		return
	}

	hdr := b.pending.hdr
	if hdr.Command != proto.CmdVersion || level > 2 {
		b.logger.Debug("CAS response",
			"cmd", hdr.Command.String(),
			"id", hdr.CID,
			"type", hdr.DataType,
			"count", hdr.Count,
			"psize", hdr.PayloadSize,
			"avail", hdr.Available,
		)
	}
}

// Flush sends committed bytes to the Sender and moves any unsent remainder to the
// front of the buffer. Nothing is sent while a context is pushed.
func (b *OutBuf) Flush() FlushCondition {
	if len(b.frames) > 0 || b.stack == 0 {
		return FlushNone
	}

	n, cond := b.sender.Send(b.buf[:b.stack])
	if n > 0 {
		if n > b.stack {
			n = b.stack
		}
		copy(b.buf, b.buf[n:b.stack])
		b.stack -= n
	}

	return cond
}

// PushCtx reserves headerSize+maxBodySize bytes and narrows the active window to the
// body part. Everything written until PopCtx lands inside the body.
//
// On failure the buffer is left untouched and the returned context reports !OK().
func (b *OutBuf) PushCtx(headerSize, maxBodySize int) (OutCtx, error) {
	if len(b.frames) >= MaxCtxDepth {
		return OutCtx{}, ErrCtxDepth
	}

	raw, err := b.AllocRawMsg(headerSize + maxBodySize)
	if err != nil {
		return OutCtx{}, err
	}

	b.frames = append(b.frames, outFrame{base: b.base, size: b.size, stack: b.stack})
	ctx := OutCtx{ok: true, depth: len(b.frames), header: raw[:headerSize:headerSize]}

	b.base += b.stack + headerSize
	b.size = maxBodySize
	b.stack = 0
	b.pending.active = false

	return ctx, nil
}

// PopCtx restores the window saved by PushCtx and returns the number of bytes the
// nested layer committed. The caller commits headerSize plus that count with
// CommitRawMsg to keep them. A failed or out of order context pops nothing and
// returns 0.
func (b *OutBuf) PopCtx(ctx OutCtx) int {
	if !ctx.ok || ctx.depth != len(b.frames) || ctx.depth == 0 {
		return 0
	}

	n := b.stack
	frame := b.frames[len(b.frames)-1]
	b.frames = b.frames[:len(b.frames)-1]

	b.base = frame.base
	b.size = frame.size
	b.stack = frame.stack
	b.pending.active = false

	return n
}

// Release returns the buffer to the factory. The OutBuf must not be used afterwards.
func (b *OutBuf) Release() {
	if b.buf == nil {
		return
	}
	b.factory.Put(b.buf)
	b.buf = nil
	b.size = 0
	b.stack = 0
}

func (b *OutBuf) expand(needed int) bool {
	if b.large || needed > b.factory.LargeSize() {
		return false
	}

	nb := b.factory.Get(true)
	copy(nb, b.buf[:b.stack])
	b.factory.Put(b.buf)

	b.buf = nb
	b.large = true
	b.size = len(nb)

	return true
}
