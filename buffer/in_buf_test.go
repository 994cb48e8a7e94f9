package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeReceiver struct {
	chunks [][]byte
	cond   FillCondition
}

func (r *fakeReceiver) Recv(p []byte) (int, FillCondition) {
	if len(r.chunks) == 0 {
		if r.cond == FillDisconnect {
			return 0, FillDisconnect
		}
		return 0, FillNone
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}

	return n, FillProgress
}

func TestInBuf_FillAndRemove(t *testing.T) {
	require := require.New(t)

	r := &fakeReceiver{chunks: [][]byte{[]byte("abcdef"), []byte("gh")}}
	b := NewInBuf(NewFactory(0), r)

	require.Equal(FillProgress, b.Fill())
	require.Equal([]byte("abcdef"), b.Bytes())

	b.RemoveMsg(4)
	require.Equal(2, b.BytesPresent())

	require.Equal(FillProgress, b.Fill())
	require.Equal([]byte("efgh"), b.Bytes())

	b.RemoveMsg(100)
	require.Equal(0, b.BytesPresent())
	require.Equal(FillNone, b.Fill())

	r.cond = FillDisconnect
	require.Equal(FillDisconnect, b.Fill())
}

func TestInBuf_Full(t *testing.T) {
	require := require.New(t)

	f := NewFactory(0)
	r := &fakeReceiver{chunks: [][]byte{make([]byte, f.SmallSize()+10)}}
	b := NewInBuf(f, r)

	require.Equal(FillProgress, b.Fill())
	require.True(b.Full())
	require.Equal(FillNone, b.Fill())
}

func TestInBuf_ExpandBuffer(t *testing.T) {
	require := require.New(t)

	f := NewFactory(64 * 1024)
	r := &fakeReceiver{chunks: [][]byte{[]byte("0123456789")}}
	b := NewInBuf(f, r)
	b.Fill()
	b.RemoveMsg(2)

	require.True(b.ExpandBuffer(100))
	require.Equal(f.SmallSize(), b.BufferSize())

	require.True(b.ExpandBuffer(f.SmallSize() + 1))
	require.Equal(f.LargeSize(), b.BufferSize())
	require.Equal([]byte("23456789"), b.Bytes())

	require.False(b.ExpandBuffer(f.LargeSize() + 1))

	b.Release()
	require.Equal(int64(0), f.Stats().LargeInUse)
	require.Equal(int64(0), f.Stats().SmallInUse)
}

func TestInBuf_Ctx(t *testing.T) {
	require := require.New(t)

	r := &fakeReceiver{chunks: [][]byte{[]byte("HHHHbodyXtail")}}
	b := NewInBuf(NewFactory(0), r)
	b.Fill()

	// the sub-window must be fully present
	ctx, err := b.PushCtx(4, 100)
	require.ErrorIs(err, ErrCtxNoRoom)
	require.False(ctx.OK())
	require.Equal(13, b.BytesPresent())

	ctx, err = b.PushCtx(4, 5)
	require.NoError(err)
	require.True(ctx.OK())
	require.Equal(1, b.Depth())
	require.Equal([]byte("bodyX"), b.Bytes())

	// no fill and no growth while nested
	require.Equal(FillNone, b.Fill())
	require.False(b.ExpandBuffer(1 << 20))

	b.RemoveMsg(4)
	require.Equal([]byte("X"), b.Bytes())

	require.Equal(4, b.PopCtx(ctx))
	require.Equal(0, b.Depth())
	require.Equal([]byte("HHHHbodyXtail"), b.Bytes())
	require.Equal(0, b.PopCtx(ctx))

	b.RemoveMsg(9)
	require.Equal([]byte("tail"), b.Bytes())
}

func TestInBuf_NestedCtx(t *testing.T) {
	require := require.New(t)

	r := &fakeReceiver{chunks: [][]byte{[]byte("aabbbbcc")}}
	b := NewInBuf(NewFactory(0), r)
	b.Fill()

	outer, err := b.PushCtx(2, 6)
	require.NoError(err)
	inner, err := b.PushCtx(0, 4)
	require.NoError(err)
	require.Equal([]byte("bbbb"), b.Bytes())

	// inner must be popped first
	require.Equal(0, b.PopCtx(outer))

	b.RemoveMsg(4)
	require.Equal(4, b.PopCtx(inner))
	require.Equal([]byte("bbbbcc"), b.Bytes())
	require.Equal(0, b.PopCtx(outer))
}
