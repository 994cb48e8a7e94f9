package server

import (
	"testing"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/proto"
	"github.com/stretchr/testify/require"
)

func newQueueMonitor(eq *eventQueue, mask cas.EventMask) *monitor {
	ch := &channel{client: &StreamClient{eq: eq}}
	return newMonitor(ch, 1, mask, proto.DBRDouble, 1)
}

func drain(eq *eventQueue) []float64 {
	var got []float64
	eq.process(func(e *eventEntry, v *cas.Value) deliverResult {
		switch e.kind {
		case eventMonitor:
			got = append(got, decodeDouble(v.Data))
		case eventNotice:
			return e.notice()
		}

		return deliverDone
	})

	return got
}

func TestEventQueue_OverflowSlot(t *testing.T) {
	require := require.New(t)

	eq := newEventQueue(DefaultMaxEventQueueEntries)
	mon := newQueueMonitor(eq, cas.MaskValue)

	for i := 1; i <= 40; i++ {
		require.True(mon.post(cas.MaskValue, doubleValue(float64(i))))
	}
	require.False(mon.post(cas.MaskLog, doubleValue(99)))

	nPend, ovf := mon.pending()
	require.Equal(IndividualEventEntries, nPend)
	require.True(ovf)
	require.Equal(IndividualEventEntries+1, eq.length())

	got := drain(eq)
	require.Len(got, IndividualEventEntries+1)
	for i := range IndividualEventEntries {
		require.Equal(float64(i+1), got[i])
	}
	require.Equal(40.0, got[IndividualEventEntries])

	nPend, ovf = mon.pending()
	require.Zero(nPend)
	require.False(ovf)
	require.Zero(eq.length())
}

func TestEventQueue_SessionCapCollapses(t *testing.T) {
	require := require.New(t)

	eq := newEventQueue(4)
	mon := newQueueMonitor(eq, cas.MaskValue)

	for i := 1; i <= 10; i++ {
		require.True(mon.post(cas.MaskValue, doubleValue(float64(i))))
	}
	require.Equal(5, eq.length())
	require.Equal([]float64{1, 2, 3, 4, 10}, drain(eq))
}

func TestEventQueue_FlowOff(t *testing.T) {
	require := require.New(t)

	eq := newEventQueue(DefaultMaxEventQueueEntries)
	mon := newQueueMonitor(eq, cas.MaskValue)

	require.True(eq.setFlowOff(true))
	require.False(eq.setFlowOff(true))
	require.True(eq.isFlowOff())

	for i := 1; i <= 3; i++ {
		require.True(mon.post(cas.MaskValue, doubleValue(float64(i))))
	}

	notices := 0
	require.True(eq.pushNotice(func() deliverResult {
		notices++
		return deliverDone
	}))

	// only the notice passes while flow control is off
	require.Empty(drain(eq))
	require.Equal(1, notices)
	require.Equal(1, eq.length())

	require.True(eq.setFlowOff(false))
	require.Equal([]float64{3}, drain(eq))
}

func TestEventQueue_RetryKeepsPosition(t *testing.T) {
	require := require.New(t)

	eq := newEventQueue(DefaultMaxEventQueueEntries)
	mon := newQueueMonitor(eq, cas.MaskValue)
	require.True(mon.post(cas.MaskValue, doubleValue(1)))
	require.True(mon.post(cas.MaskValue, doubleValue(2)))

	blocked := eq.process(func(*eventEntry, *cas.Value) deliverResult { return deliverRetry })
	require.True(blocked)
	require.Equal(2, eq.length())

	// backpressure collapses new updates into the overflow slot
	require.True(mon.post(cas.MaskValue, doubleValue(3)))
	require.True(mon.post(cas.MaskValue, doubleValue(4)))
	require.Equal(3, eq.length())

	require.Equal([]float64{1, 2, 4}, drain(eq))
}

func TestEventQueue_Close(t *testing.T) {
	require := require.New(t)

	eq := newEventQueue(DefaultMaxEventQueueEntries)
	mon := newQueueMonitor(eq, cas.MaskValue)
	require.True(mon.post(cas.MaskValue, doubleValue(1)))

	require.Empty(eq.close())
	require.Zero(eq.length())
	require.False(mon.post(cas.MaskValue, doubleValue(2)))
	require.False(eq.pushNotice(func() deliverResult { return deliverDone }))

	nPend, ovf := mon.pending()
	require.Zero(nPend)
	require.False(ovf)
}

func TestEventRegistry(t *testing.T) {
	require := require.New(t)

	r := newEventRegistry()

	m, ok := r.lookup("value")
	require.True(ok)
	require.Equal(cas.MaskValue, m)

	custom, err := r.register("custom")
	require.NoError(err)
	require.Equal(cas.EventMask(1)<<4, custom)

	again, err := r.register("custom")
	require.NoError(err)
	require.Equal(custom, again)

	for i := 5; i < maxEventClasses; i++ {
		_, err := r.register(string(rune('a' + i)))
		require.NoError(err)
	}
	_, err = r.register("one-too-many")
	require.ErrorIs(err, ErrEventMaskExhausted)
}

func TestMaskFromDBE(t *testing.T) {
	tests := []struct {
		description string
		dbe         uint16
		expected    cas.EventMask
	}{
		{description: "no bits", dbe: 0, expected: cas.NoEvents},
		{description: "value", dbe: proto.DBEValue, expected: cas.MaskValue},
		{description: "value and alarm", dbe: proto.DBEValue | proto.DBEAlarm, expected: cas.MaskValue | cas.MaskAlarm},
		{description: "all classes", dbe: proto.DBEValue | proto.DBELog | proto.DBEAlarm | proto.DBEProperty,
			expected: cas.MaskValue | cas.MaskLog | cas.MaskAlarm | cas.MaskProperty},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			require.Equal(t, tt.expected, maskFromDBE(tt.dbe))
		})
	}
}

func TestResourceTable(t *testing.T) {
	require := require.New(t)

	rt := newResourceTable()
	client := &StreamClient{}
	ch := &channel{client: client}

	id := rt.installChannel(ch)
	_, ok := rt.lookup(id, resourceMonitor)
	require.False(ok)

	got, ok := rt.lookupChannel(id, client)
	require.True(ok)
	require.Same(ch, got)

	_, ok = rt.lookupChannel(id, &StreamClient{})
	require.False(ok)

	mon := &monitor{ch: ch}
	monID := rt.installMonitor(mon)
	require.NotEqual(id, monID)
	_, ok = rt.lookupChannel(monID, client)
	require.False(ok)

	chans, mons := rt.counts()
	require.Equal(1, chans)
	require.Equal(1, mons)

	rt.remove(id)
	_, ok = rt.lookupChannel(id, client)
	require.False(ok)
}
