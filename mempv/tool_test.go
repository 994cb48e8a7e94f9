package mempv

import (
	"context"
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/proto"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) PostEvent(pv cas.PV, mask cas.EventMask, v *cas.Value) error {
	args := m.Called(pv, mask, v)
	return args.Error(0)
}

func (m *mockNotifier) WithdrawPV(pv cas.PV) error {
	args := m.Called(pv)
	return args.Error(0)
}

// fakeCtx is a tool context recording the async token it hands out.
type fakeCtx struct {
	context.Context
	aio *fakeAsyncIO
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{Context: context.Background()}
}

func (c *fakeCtx) StartAsyncIO() (cas.AsyncIO, error) {
	if c.aio != nil {
		return nil, cas.ErrAsyncIOInProgress
	}
	c.aio = &fakeAsyncIO{posted: make(chan cas.Result, 1)}

	return c.aio, nil
}

func (c *fakeCtx) ClientAddr() netip.AddrPort { return netip.AddrPort{} }

func (c *fakeCtx) UserName() string { return "operator" }

func (c *fakeCtx) HostName() string { return "console" }

type fakeAsyncIO struct {
	posted chan cas.Result
}

func (a *fakeAsyncIO) Post(res cas.Result) error {
	a.posted <- res
	return nil
}

func (a *fakeAsyncIO) Destroy() {}

func TestTool_AddLookupRemove(t *testing.T) {
	require := require.New(t)

	tool := NewTool(nil)

	_, err := tool.Add("b:pv", Scalar(proto.DBRDouble, 1))
	require.NoError(err)
	_, err = tool.Add("a:pv", cas.NewStringValue("x"))
	require.NoError(err)

	_, err = tool.Add("a:pv", Scalar(proto.DBRDouble, 1))
	require.ErrorIs(err, ErrDuplicatePV)
	_, err = tool.Add("c:pv", &cas.Value{Type: proto.DBRTimeDouble, Count: 1})
	require.ErrorIs(err, ErrUnsupportedType)
	_, err = tool.Add("", Scalar(proto.DBRDouble, 1))
	require.ErrorIs(err, ErrInvalidValue)

	require.Equal([]string{"a:pv", "b:pv"}, tool.Names())

	ctx := newFakeCtx()
	require.Equal(cas.ExistsHere, tool.PVExistTest(ctx, netip.AddrPort{}, "a:pv").Status)
	require.Equal(cas.DoesNotExistHere, tool.PVExistTest(ctx, netip.AddrPort{}, "z:pv").Status)

	ret := tool.PVAttach(ctx, "b:pv")
	require.Equal(cas.StatusSuccess, ret.Status)
	require.Equal("b:pv", ret.PV.Name())
	require.Equal(cas.StatusPVNotFound, tool.PVAttach(ctx, "z:pv").Status)

	notifier := &mockNotifier{}
	notifier.On("WithdrawPV", mock.Anything).Return(nil)
	tool.Bind(notifier)

	require.NoError(tool.Remove("b:pv"))
	require.ErrorIs(tool.Remove("b:pv"), ErrUnknownPV)
	// never attached, nothing to withdraw
	require.NoError(tool.Remove("a:pv"))

	notifier.AssertNumberOfCalls(t, "WithdrawPV", 1)
	require.Empty(tool.Names())
}

func TestPV_SetPostsToSubscribers(t *testing.T) {
	require := require.New(t)

	tool := NewTool(nil)
	notifier := &mockNotifier{}
	notifier.On("PostEvent", mock.Anything, cas.MaskValue|cas.MaskLog, mock.Anything).Return(nil)
	tool.Bind(notifier)

	pv, err := tool.Add("test:ai", Scalar(proto.DBRDouble, 0))
	require.NoError(err)

	// no subscriber, no post
	require.NoError(pv.Set(Scalar(proto.DBRLong, 3)))
	notifier.AssertNotCalled(t, "PostEvent", mock.Anything, mock.Anything, mock.Anything)

	require.Equal(cas.StatusSuccess, pv.InterestRegister())
	require.True(pv.Subscribed())
	require.NoError(pv.Set(Scalar(proto.DBRLong, 4)))
	notifier.AssertNumberOfCalls(t, "PostEvent", 1)

	v, stamp := pv.Value()
	require.Equal(proto.DBRDouble, v.Type)
	require.Equal("4", Format(v))
	require.WithinDuration(time.Now(), stamp, time.Second)

	pv.InterestDelete()
	require.False(pv.Subscribed())
}

func TestPV_SetRejects(t *testing.T) {
	tests := []struct {
		description string
		value       *cas.Value
	}{
		{description: "nil value", value: nil},
		{description: "too many elements", value: &cas.Value{Type: proto.DBRDouble, Count: 2, Data: make([]byte, 16)}},
		{description: "compound type", value: &cas.Value{Type: proto.DBRStsDouble, Count: 1, Data: make([]byte, 16)}},
		{description: "text into number", value: cas.NewStringValue("high")},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			tool := NewTool(nil)
			pv, err := tool.Add("test:ai", Scalar(proto.DBRDouble, 0))
			require.NoError(t, err)

			require.ErrorIs(t, pv.Set(tt.value), ErrInvalidValue)
			require.Equal(t, cas.StatusNoConvert, pv.Write(newFakeCtx(), cas.NewStringValue("high")))
		})
	}
}

func TestPV_ShortArrayIsZeroExtended(t *testing.T) {
	require := require.New(t)

	tool := NewTool(nil)
	initial, err := ParseValue(proto.DBRLong, "1,2,3,4")
	require.NoError(err)
	pv, err := tool.Add("test:wf", initial)
	require.NoError(err)
	require.Equal(uint32(4), pv.NativeElementCount())

	short, err := ParseValue(proto.DBRShort, "7,8")
	require.NoError(err)
	require.Equal(cas.StatusSuccess, pv.Write(newFakeCtx(), short))

	v, _ := pv.Value()
	require.Equal("7,8,0,0", Format(v))
}

func TestPV_ReadOnly(t *testing.T) {
	require := require.New(t)

	tool := NewTool(nil)
	pv, err := tool.Add("test:ro", Scalar(proto.DBRDouble, 1), WithReadOnly())
	require.NoError(err)

	ch, st := pv.CreateChannel(newFakeCtx(), "operator", "console")
	require.Equal(cas.StatusSuccess, st)
	require.True(ch.ReadAccess())
	require.False(ch.WriteAccess())
	require.Equal(cas.StatusNoWrite, pv.Write(newFakeCtx(), Scalar(proto.DBRDouble, 2)))
}

func TestPV_AsyncRead(t *testing.T) {
	require := require.New(t)

	tool := NewTool(nil)
	pv, err := tool.Add("test:slow", Scalar(proto.DBRDouble, 6), WithAsyncDelay(10*time.Millisecond))
	require.NoError(err)

	ctx := newFakeCtx()
	v, st := pv.Read(ctx, cas.ReadRequest{Type: proto.DBRDouble, Count: 1})
	require.Nil(v)
	require.Equal(cas.StatusAsyncCompletion, st)
	require.NotNil(ctx.aio)

	select {
	case res := <-ctx.aio.posted:
		require.Equal(cas.StatusSuccess, res.Status)
		require.Equal("6", Format(res.Value))
	case <-time.After(time.Second):
		require.Fail("async read not posted")
	}

	wctx := newFakeCtx()
	require.Equal(cas.StatusAsyncCompletion, pv.WriteNotify(wctx, Scalar(proto.DBRDouble, 7)))
	select {
	case res := <-wctx.aio.posted:
		require.Equal(cas.StatusSuccess, res.Status)
	case <-time.After(time.Second):
		require.Fail("async write not posted")
	}
}

func TestPV_TimeStampedFromAdd(t *testing.T) {
	require := require.New(t)

	tool := NewTool(nil)
	before := time.Now()
	pv, err := tool.Add("test:ai", Scalar(proto.DBRDouble, 1.5))
	require.NoError(err)

	_, stamp := pv.Value()
	require.False(stamp.Before(before))

	v, st := pv.Convert(Scalar(proto.DBRDouble, 1.5), cas.ReadRequest{Type: proto.DBRTimeDouble, Count: 1})
	require.Equal(cas.StatusSuccess, st)
	secs, _ := epicsTime(stamp)
	require.NotZero(secs)
	require.Equal(secs, binary.BigEndian.Uint32(v.Data[4:]))
}
