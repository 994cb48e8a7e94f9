package server

import (
	"slices"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/proto"
)

// channel is a client's claim on a PV.
//
// monitors and ioList are guarded by the session lock.
type channel struct {
	sid    uint32
	cid    uint32
	client *StreamClient
	pvh    *pvHandle
	tool   cas.ChannelTool

	monitors  []*monitor
	ioList    []*asyncRequest
	destroyed bool
}

// newChannel creates a channel on the PV reference reserved by attachPV and registers
// it in the resource table.
func newChannel(client *StreamClient, pvh *pvHandle, cid uint32, tool cas.ChannelTool) *channel {
	ch := &channel{
		cid:    cid,
		client: client,
		pvh:    pvh,
		tool:   tool,
	}
	ch.sid = client.srv.resources.installChannel(ch)
	pvh.addChannel(ch)

	return ch
}

func (ch *channel) readAccess() bool {
	return ch.tool == nil || ch.tool.ReadAccess()
}

func (ch *channel) writeAccess() bool {
	return ch.tool == nil || ch.tool.WriteAccess()
}

// accessRights returns the ACCESS_RIGHTS bits of the channel.
func (ch *channel) accessRights() uint32 {
	var ar uint32
	if ch.readAccess() {
		ar |= proto.AccessRightRead
	}
	if ch.writeAccess() {
		ar |= proto.AccessRightWrite
	}

	return ar
}

// maxElem returns the native element count of the PV.
func (ch *channel) maxElem() uint32 {
	return ch.pvh.pv.NativeElementCount()
}

func (ch *channel) name() string {
	return ch.pvh.name
}

// installMonitor creates a subscription and registers it with the PV.
func (ch *channel) installMonitor(clientID uint32, mask cas.EventMask, t proto.DBRType, count uint32) *monitor {
	mon := newMonitor(ch, clientID, mask, t, count)
	mon.id = ch.client.srv.resources.installMonitor(mon)
	ch.monitors = append(ch.monitors, mon)
	ch.pvh.addMonitor(mon)

	return mon
}

// findMonitor returns the subscription with the client assigned id.
func (ch *channel) findMonitor(clientID uint32) *monitor {
	for _, mon := range ch.monitors {
		if mon.clientID == clientID {
			return mon
		}
	}

	return nil
}

// uninstallMonitor destroys the subscription with the client assigned id.
func (ch *channel) uninstallMonitor(clientID uint32) *monitor {
	for i, mon := range ch.monitors {
		if mon.clientID == clientID {
			ch.monitors = slices.Delete(ch.monitors, i, i+1)
			mon.destroy()

			return mon
		}
	}

	return nil
}

// addIO records an async request of the channel, pruning finished ones.
func (ch *channel) addIO(r *asyncRequest) {
	ch.ioList = slices.DeleteFunc(ch.ioList, func(x *asyncRequest) bool { return x.done() })
	ch.ioList = append(ch.ioList, r)
}

// clearOutstandingReads cancels the read requests still waiting for the tool.
func (ch *channel) clearOutstandingReads() {
	ch.ioList = slices.DeleteFunc(ch.ioList, func(r *asyncRequest) bool {
		if r.kind == asyncRead || r.kind == asyncReadNotify {
			r.cancel()
			return true
		}

		return false
	})
}

func (ch *channel) removeIO(r *asyncRequest) {
	ch.ioList = slices.DeleteFunc(ch.ioList, func(x *asyncRequest) bool { return x == r })
}

// destroy tears the channel down: async io is cancelled, monitors are deleted, the
// channel leaves the session and the resource table, and the PV reference is released.
// The session lock must be held. A second call does nothing.
func (ch *channel) destroy() {
	if ch.destroyed {
		return
	}
	ch.destroyed = true

	for _, r := range ch.ioList {
		r.cancel()
	}
	ch.ioList = nil

	for _, mon := range ch.monitors {
		mon.destroy()
	}
	ch.monitors = nil

	ch.client.removeChannel(ch)
	ch.client.srv.resources.remove(ch.sid)

	if ch.tool != nil {
		ch.tool.Destroy()
	}
	ch.pvh.releaseChannel(ch)
}
