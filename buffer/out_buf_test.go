package buffer

import (
	"encoding/binary"
	"testing"

	"github.com/arloliu/go-cas/proto"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent  []byte
	limit int // max bytes accepted per Send, -1 accepts all
	cond  FlushCondition
	calls int
}

func (s *fakeSender) Send(p []byte) (int, FlushCondition) {
	s.calls++
	if s.cond == FlushDisconnect {
		return 0, FlushDisconnect
	}
	n := len(p)
	if s.limit >= 0 && n > s.limit {
		n = s.limit
	}
	s.sent = append(s.sent, p[:n]...)
	if n == 0 {
		return 0, FlushNone
	}

	return n, FlushProgress
}

func newTestOutBuf(limit int) (*OutBuf, *fakeSender) {
	s := &fakeSender{limit: limit}
	return NewOutBuf(NewFactory(0), s), s
}

func TestOutBuf_CopyInHeader(t *testing.T) {
	require := require.New(t)

	b, _ := newTestOutBuf(-1)
	payload, err := b.CopyInHeader(proto.CmdReadNotify, 5, uint16(proto.DBRChar), 5, 7, 9)
	require.NoError(err)
	require.Len(payload, 5)
	copy(payload, "hello")
	b.CommitMsg()

	require.Equal(proto.HeaderSize+8, b.BytesPresent())

	hdr, n, err := proto.DecodeHeader(b.Bytes())
	require.NoError(err)
	require.Equal(proto.HeaderSize, n)
	require.Equal(proto.CmdReadNotify, hdr.Command)
	require.Equal(uint32(8), hdr.PayloadSize)
	require.Equal(uint32(7), hdr.CID)
	require.Equal(uint32(9), hdr.Available)
	require.Equal([]byte("hello\x00\x00\x00"), b.Bytes()[proto.HeaderSize:])
}

func TestOutBuf_CommitMsgReduced(t *testing.T) {
	require := require.New(t)

	b, _ := newTestOutBuf(-1)
	payload, err := b.CopyInHeader(proto.CmdError, 64, 0, 0, 0, 0)
	require.NoError(err)
	for i := range payload {
		payload[i] = 0xaa
	}
	b.CommitMsgReduced(3)

	require.Equal(proto.HeaderSize+8, b.BytesPresent())
	out := b.Bytes()
	require.Equal(uint16(8), binary.BigEndian.Uint16(out[2:]))
	require.Equal([]byte{0xaa, 0xaa, 0xaa, 0, 0, 0, 0, 0}, out[proto.HeaderSize:])
}

func TestOutBuf_ExtendedFraming(t *testing.T) {
	require := require.New(t)

	s := &fakeSender{limit: -1}
	b := NewOutBuf(NewFactory(1<<20), s)

	payload, err := b.CopyInHeader(proto.CmdReadNotify, 0x10000, uint16(proto.DBRChar), 0x10000, 1, 2)
	require.NoError(err)
	require.Len(payload, 0x10000)
	b.CommitMsg()

	require.Equal(proto.ExtendedHeaderSize+0x10000, b.BytesPresent())
	out := b.Bytes()
	require.Equal(uint16(0xffff), binary.BigEndian.Uint16(out[2:]))
	require.Equal(uint16(0), binary.BigEndian.Uint16(out[6:]))
	require.Equal(uint32(0x10000), binary.BigEndian.Uint32(out[16:]))
	require.Equal(uint32(0x10000), binary.BigEndian.Uint32(out[20:]))
}

func TestOutBuf_HugeRequest(t *testing.T) {
	require := require.New(t)

	b, _ := newTestOutBuf(-1)
	_, err := b.AllocRawMsg(b.factory.LargeSize() + 1)
	require.ErrorIs(err, ErrHugeRequest)
	require.Equal(0, b.BytesPresent())
}

func TestOutBuf_SendBlocked(t *testing.T) {
	require := require.New(t)

	b, s := newTestOutBuf(0)
	raw, err := b.AllocRawMsg(b.BufferSize() - 8)
	require.NoError(err)
	require.Len(raw, b.BufferSize()-8)
	b.CommitRawMsg(len(raw))

	_, err = b.AllocRawMsg(16)
	require.ErrorIs(err, ErrSendBlocked)
	require.Equal(1, s.calls)

	// the peer drains part of the buffer
	s.limit = 64
	raw, err = b.AllocRawMsg(16)
	require.NoError(err)
	require.Len(raw, 16)
	require.Len(s.sent, 64)
}

func TestOutBuf_FlushRemainder(t *testing.T) {
	require := require.New(t)

	b, s := newTestOutBuf(10)
	raw, err := b.AllocRawMsg(24)
	require.NoError(err)
	for i := range raw {
		raw[i] = byte(i)
	}
	b.CommitRawMsg(24)

	require.Equal(FlushProgress, b.Flush())
	require.Equal(14, b.BytesPresent())
	require.Equal(byte(10), b.Bytes()[0])

	s.limit = -1
	require.Equal(FlushProgress, b.Flush())
	require.Equal(0, b.BytesPresent())
	require.Len(s.sent, 24)
	require.Equal(FlushNone, b.Flush())

	s.cond = FlushDisconnect
	_, _ = b.AllocRawMsg(8)
	b.CommitRawMsg(8)
	require.Equal(FlushDisconnect, b.Flush())
}

func TestOutBuf_Ctx(t *testing.T) {
	require := require.New(t)

	b, s := newTestOutBuf(-1)
	raw, err := b.AllocRawMsg(8)
	require.NoError(err)
	b.CommitRawMsg(len(raw))

	ctx, err := b.PushCtx(16, 64)
	require.NoError(err)
	require.True(ctx.OK())
	require.Len(ctx.Header(), 16)
	require.Equal(64, b.BufferSize())
	require.Equal(0, b.BytesPresent())
	require.Equal(1, b.Depth())

	_, err = b.CopyInHeader(proto.CmdSearch, 8, 0, 0, 1, 2)
	require.NoError(err)
	b.CommitMsg()

	// no flush while nested
	require.Equal(FlushNone, b.Flush())
	require.Equal(0, s.calls)

	// larger than the nested window
	_, err = b.AllocRawMsg(128)
	require.ErrorIs(err, ErrHugeRequest)

	n := b.PopCtx(ctx)
	require.Equal(proto.HeaderSize+8, n)
	require.Equal(0, b.Depth())
	require.Equal(8, b.BytesPresent())

	b.CommitRawMsg(16 + n)
	require.Equal(8+16+proto.HeaderSize+8, b.BytesPresent())

	hdr, _, err := proto.DecodeHeader(b.Bytes()[8+16:])
	require.NoError(err)
	require.Equal(proto.CmdSearch, hdr.Command)

	// popping twice does nothing
	require.Equal(0, b.PopCtx(ctx))
}

func TestOutBuf_PushCtxFailureLeavesBufferUntouched(t *testing.T) {
	require := require.New(t)

	b, _ := newTestOutBuf(0)
	raw, err := b.AllocRawMsg(b.BufferSize() - 8)
	require.NoError(err)
	b.CommitRawMsg(len(raw))

	before := b.BytesPresent()
	ctx, err := b.PushCtx(16, 64)
	require.ErrorIs(err, ErrSendBlocked)
	require.False(ctx.OK())
	require.Equal(before, b.BytesPresent())
	require.Equal(0, b.Depth())
	require.Equal(0, b.PopCtx(ctx))
}

func TestOutBuf_CtxDepth(t *testing.T) {
	require := require.New(t)

	b, _ := newTestOutBuf(-1)
	ctxs := make([]OutCtx, 0, MaxCtxDepth)
	for i := 0; i < MaxCtxDepth; i++ {
		ctx, err := b.PushCtx(0, 256)
		require.NoError(err)
		ctxs = append(ctxs, ctx)
	}

	_, err := b.PushCtx(0, 8)
	require.ErrorIs(err, ErrCtxDepth)

	// out of order pop is refused
	require.Equal(0, b.PopCtx(ctxs[0]))
	for i := len(ctxs) - 1; i >= 0; i-- {
		b.PopCtx(ctxs[i])
	}
	require.Equal(0, b.Depth())
	require.Equal(b.factory.SmallSize(), b.BufferSize())
}

func TestOutBuf_Expand(t *testing.T) {
	require := require.New(t)

	f := NewFactory(64 * 1024)
	b := NewOutBuf(f, &fakeSender{limit: 0})

	raw, err := b.AllocRawMsg(8)
	require.NoError(err)
	copy(raw, "abcdefgh")
	b.CommitRawMsg(8)

	_, err = b.AllocRawMsg(f.SmallSize() + 1)
	require.NoError(err)
	require.Equal(f.LargeSize(), b.BufferSize())
	require.Equal([]byte("abcdefgh"), b.Bytes())

	stats := f.Stats()
	require.Equal(int64(1), stats.LargeInUse)
	require.Equal(int64(0), stats.SmallInUse)

	b.Release()
	require.Equal(int64(0), f.Stats().LargeInUse)
}
