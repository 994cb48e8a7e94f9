// Package buffer provides the ingress and egress byte buffers of a Channel Access
// session.
//
// Buffers come from a shared Factory holding two free lists: small buffers sized for
// ordinary traffic and large buffers sized from the configured maximum array transfer
// size. A session starts with a small buffer and switches to a large one the first time
// a message does not fit.
//
// Both buffers support nested contexts. PushCtx narrows the buffer to a sub-window and
// PopCtx restores it, reporting exactly how many bytes the nested layer wrote or
// consumed. The datagram session uses this to pack many independent replies into one
// UDP frame and to walk the datagrams queued in its ingress buffer.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-cas/proto"
)

// Factory hands out reusable small and large buffers.
type Factory struct {
	smallSize int
	largeSize int
	small     sync.Pool
	large     sync.Pool

	smallInUse atomic.Int64
	largeInUse atomic.Int64
}

// FactoryStats is a snapshot of buffer usage.
type FactoryStats struct {
	SmallSize  int
	LargeSize  int
	SmallInUse int64
	LargeInUse int64
}

// NewFactory creates a factory whose large buffers hold one message carrying
// maxArrayBytes of payload.
func NewFactory(maxArrayBytes uint32) *Factory {
	large := int(proto.AlignPayload(maxArrayBytes)) + 2*proto.ExtendedHeaderSize
	if large < proto.MaxTCP {
		large = proto.MaxTCP
	}

	f := &Factory{
		smallSize: proto.MaxTCP,
		largeSize: large,
	}
	f.small.New = func() any {
		b := make([]byte, f.smallSize)
		return &b
	}
	f.large.New = func() any {
		b := make([]byte, f.largeSize)
		return &b
	}

	return f
}

// SmallSize returns the size of a small buffer.
func (f *Factory) SmallSize() int { return f.smallSize }

// LargeSize returns the size of a large buffer.
func (f *Factory) LargeSize() int { return f.largeSize }

// Get returns a small or a large buffer. Its content is undefined.
func (f *Factory) Get(large bool) []byte {
	if large && f.largeSize > f.smallSize {
		f.largeInUse.Add(1)
		bp, _ := f.large.Get().(*[]byte)
		return *bp
	}

	f.smallInUse.Add(1)
	bp, _ := f.small.Get().(*[]byte)

	return *bp
}

// Put returns a buffer obtained from Get. Buffers of any other size are dropped.
func (f *Factory) Put(b []byte) {
	b = b[:cap(b)]
	switch len(b) {
	case f.smallSize:
		f.smallInUse.Add(-1)
		f.small.Put(&b)
	case f.largeSize:
		f.largeInUse.Add(-1)
		f.large.Put(&b)
	}
}

// Stats returns the current buffer usage.
func (f *Factory) Stats() FactoryStats {
	return FactoryStats{
		SmallSize:  f.smallSize,
		LargeSize:  f.largeSize,
		SmallInUse: f.smallInUse.Load(),
		LargeInUse: f.largeInUse.Load(),
	}
}
