package server

import (
	"github.com/puzpuzpuz/xsync/v3"
)

type resourceKind uint8

const (
	resourceChannel resourceKind = iota + 1
	resourceMonitor
)

func (k resourceKind) String() string {
	switch k {
	case resourceChannel:
		return "channel"
	case resourceMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// resource is a tagged entry of the resource table.
type resource struct {
	kind resourceKind
	ch   *channel
	mon  *monitor
}

// resourceTable maps wire-level resource ids to live channels and monitors.
//
// It is the only path from an id carried by a request to the object it names. An entry
// is removed before the object it names is torn down, so a lookup never returns a
// destroyed object.
type resourceTable struct {
	entries *xsync.MapOf[uint32, resource]
	idGen   *idGenerator
}

func newResourceTable() *resourceTable {
	return &resourceTable{
		entries: xsync.NewMapOf[uint32, resource](),
		idGen:   newIDGenerator(),
	}
}

// install stores res under a fresh id and returns the id.
func (t *resourceTable) install(res resource) uint32 {
	for {
		id := t.idGen.next()
		if _, loaded := t.entries.LoadOrStore(id, res); !loaded {
			return id
		}
	}
}

func (t *resourceTable) installChannel(ch *channel) uint32 {
	return t.install(resource{kind: resourceChannel, ch: ch})
}

func (t *resourceTable) installMonitor(mon *monitor) uint32 {
	return t.install(resource{kind: resourceMonitor, mon: mon})
}

// lookup returns the entry of id if it exists and has the expected kind.
func (t *resourceTable) lookup(id uint32, kind resourceKind) (resource, bool) {
	res, ok := t.entries.Load(id)
	if !ok || res.kind != kind {
		return resource{}, false
	}

	return res, true
}

// lookupChannel returns the channel of id if it belongs to client.
func (t *resourceTable) lookupChannel(id uint32, client *StreamClient) (*channel, bool) {
	res, ok := t.lookup(id, resourceChannel)
	if !ok || res.ch.client != client {
		return nil, false
	}

	return res.ch, true
}

// lookupMonitor returns the monitor of id.
func (t *resourceTable) lookupMonitor(id uint32) (*monitor, bool) {
	res, ok := t.lookup(id, resourceMonitor)
	if !ok {
		return nil, false
	}

	return res.mon, true
}

func (t *resourceTable) remove(id uint32) {
	t.entries.Delete(id)
}

// counts returns the number of channel and monitor entries.
func (t *resourceTable) counts() (channels int, monitors int) {
	t.entries.Range(func(_ uint32, res resource) bool {
		switch res.kind {
		case resourceChannel:
			channels++
		case resourceMonitor:
			monitors++
		}

		return true
	})

	return channels, monitors
}
