package buffer

// FillCondition reports the outcome of a receive attempt.
type FillCondition int

const (
	// FillNone means no byte was received.
	FillNone FillCondition = iota
	// FillProgress means at least one byte was received.
	FillProgress
	// FillDisconnect means the peer is gone.
	FillDisconnect
)

func (c FillCondition) String() string {
	switch c {
	case FillNone:
		return "none"
	case FillProgress:
		return "progress"
	case FillDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Receiver supplies ingress bytes to an InBuf.
type Receiver interface {
	// Recv reads into p and returns the number of bytes stored.
	Recv(p []byte) (int, FillCondition)
}

// InCtx is the result of InBuf.PushCtx.
type InCtx struct {
	ok    bool
	depth int
}

// OK reports whether the push succeeded.
func (c InCtx) OK() bool { return c.ok }

type inFrame struct {
	base          int
	size          int
	bytesInBuffer int
	nextReadIndex int
}

// InBuf accumulates received bytes until complete messages can be processed.
//
// The active window is buf[base:base+size]. Unprocessed bytes are
// window[nextReadIndex:bytesInBuffer].
type InBuf struct {
	factory  *Factory
	receiver Receiver
	buf      []byte
	large    bool

	base          int
	size          int
	bytesInBuffer int
	nextReadIndex int

	frames []inFrame
}

// NewInBuf creates an ingress buffer backed by a small buffer from factory.
func NewInBuf(factory *Factory, receiver Receiver) *InBuf {
	b := &InBuf{
		factory:  factory,
		receiver: receiver,
		buf:      factory.Get(false),
		frames:   make([]inFrame, 0, MaxCtxDepth),
	}
	b.size = len(b.buf)

	return b
}

// BufferSize returns the size of the active window.
func (b *InBuf) BufferSize() int { return b.size }

// BytesPresent returns the number of unprocessed bytes.
func (b *InBuf) BytesPresent() int { return b.bytesInBuffer - b.nextReadIndex }

// Bytes returns the unprocessed bytes. The slice is valid until the next Fill,
// RemoveMsg or ExpandBuffer.
func (b *InBuf) Bytes() []byte {
	return b.buf[b.base+b.nextReadIndex : b.base+b.bytesInBuffer]
}

// Full reports whether the window holds no free space even after compaction.
func (b *InBuf) Full() bool { return b.BytesPresent() >= b.size }

// Depth returns the number of pushed contexts.
func (b *InBuf) Depth() int { return len(b.frames) }

// Fill compacts unprocessed bytes to the front of the buffer and reads more from the
// Receiver into the free space. It does nothing while a context is pushed or when the
// buffer is full.
func (b *InBuf) Fill() FillCondition {
	if len(b.frames) > 0 {
		return FillNone
	}

	b.compact()
	if b.bytesInBuffer >= b.size {
		return FillNone
	}

	n, cond := b.receiver.Recv(b.buf[b.bytesInBuffer:b.size])
	if n > 0 {
		b.bytesInBuffer += n
	}

	return cond
}

// RemoveMsg discards n processed bytes.
func (b *InBuf) RemoveMsg(n int) {
	if n > b.BytesPresent() {
		n = b.BytesPresent()
	}
	b.nextReadIndex += n

	if len(b.frames) == 0 && b.nextReadIndex == b.bytesInBuffer {
		b.nextReadIndex = 0
		b.bytesInBuffer = 0
	}
}

// ExpandBuffer switches to a large buffer so that a message of needed bytes can be
// held. It reports whether the buffer is now big enough. The buffer never grows while
// a context is pushed.
func (b *InBuf) ExpandBuffer(needed int) bool {
	if needed <= b.size {
		return true
	}
	if len(b.frames) > 0 || b.large || needed > b.factory.LargeSize() {
		return false
	}

	nb := b.factory.Get(true)
	n := copy(nb, b.Bytes())
	b.factory.Put(b.buf)

	b.buf = nb
	b.large = true
	b.size = len(nb)
	b.nextReadIndex = 0
	b.bytesInBuffer = n

	return true
}

// PushCtx narrows the window to bodySize bytes that start headerSize bytes past the
// next unprocessed byte. It fails without touching the buffer if those bytes are not
// all present.
func (b *InBuf) PushCtx(headerSize, bodySize int) (InCtx, error) {
	if len(b.frames) >= MaxCtxDepth {
		return InCtx{}, ErrCtxDepth
	}
	if headerSize < 0 || bodySize < 0 || headerSize+bodySize > b.BytesPresent() {
		return InCtx{}, ErrCtxNoRoom
	}

	b.frames = append(b.frames, inFrame{
		base:          b.base,
		size:          b.size,
		bytesInBuffer: b.bytesInBuffer,
		nextReadIndex: b.nextReadIndex,
	})

	b.base += b.nextReadIndex + headerSize
	b.size = bodySize
	b.bytesInBuffer = bodySize
	b.nextReadIndex = 0

	return InCtx{ok: true, depth: len(b.frames)}, nil
}

// PopCtx restores the window saved by PushCtx and returns the number of bytes the
// nested layer removed. A failed or out of order context pops nothing and returns 0.
func (b *InBuf) PopCtx(ctx InCtx) int {
	if !ctx.ok || ctx.depth != len(b.frames) || ctx.depth == 0 {
		return 0
	}

	consumed := b.nextReadIndex
	frame := b.frames[len(b.frames)-1]
	b.frames = b.frames[:len(b.frames)-1]

	b.base = frame.base
	b.size = frame.size
	b.bytesInBuffer = frame.bytesInBuffer
	b.nextReadIndex = frame.nextReadIndex

	return consumed
}

// Release returns the buffer to the factory. The InBuf must not be used afterwards.
func (b *InBuf) Release() {
	if b.buf == nil {
		return
	}
	b.factory.Put(b.buf)
	b.buf = nil
	b.size = 0
	b.bytesInBuffer = 0
	b.nextReadIndex = 0
}

func (b *InBuf) compact() {
	if b.nextReadIndex == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.nextReadIndex:b.bytesInBuffer])
	b.nextReadIndex = 0
	b.bytesInBuffer = n
}
