package server

import (
	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/proto"
)

// monitor is a subscription installed by EVENT_ADD.
//
// Up to IndividualEventEntries updates are queued one by one. Further updates, and all
// updates while the session queue collapses, go to the single overflow slot, which
// always carries the latest value.
type monitor struct {
	id       uint32
	clientID uint32
	ch       *channel
	mask     cas.EventMask
	dbrType  proto.DBRType
	count    uint32

	// guarded by the session event queue lock
	nPend     int
	ovf       eventEntry
	ovfQueued bool
	destroyed bool
}

func newMonitor(ch *channel, clientID uint32, mask cas.EventMask, t proto.DBRType, count uint32) *monitor {
	mon := &monitor{
		clientID: clientID,
		ch:       ch,
		mask:     mask,
		dbrType:  t,
		count:    count,
	}
	mon.ovf = eventEntry{kind: eventMonitor, mon: mon, ovf: true}

	return mon
}

// post queues v if the monitor selects a class of mask.
func (m *monitor) post(mask cas.EventMask, v *cas.Value) bool {
	if !m.mask.Any(mask) {
		return false
	}

	return m.ch.client.eq.pushMonitor(m, v)
}

// pending returns the number of individually queued updates and whether the overflow
// slot is queued.
func (m *monitor) pending() (int, bool) {
	eq := m.ch.client.eq
	eq.mu.Lock()
	defer eq.mu.Unlock()

	return m.nPend, m.ovfQueued
}

// destroy drops the queued updates and releases the PV interest. The session lock must
// be held.
func (m *monitor) destroy() {
	eq := m.ch.client.eq
	eq.mu.Lock()
	if m.destroyed {
		eq.mu.Unlock()
		return
	}
	m.destroyed = true
	eq.removeMonitorLocked(m)
	eq.mu.Unlock()

	m.ch.client.srv.resources.remove(m.id)
	m.ch.pvh.removeMonitor(m)
}
