package server

import (
	"fmt"
	"sync"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/proto"
)

// maxEventClasses bounds the number of event classes, built in ones included.
const maxEventClasses = 32

// eventRegistry names the event classes known to the server.
type eventRegistry struct {
	mu    sync.RWMutex
	names map[string]cas.EventMask
	next  uint
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{
		names: map[string]cas.EventMask{
			"value":    cas.MaskValue,
			"log":      cas.MaskLog,
			"alarm":    cas.MaskAlarm,
			"property": cas.MaskProperty,
		},
		next: 4,
	}
}

// register returns the mask of name, allocating a new class if needed.
func (r *eventRegistry) register(name string) (cas.EventMask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.names[name]; ok {
		return m, nil
	}
	if r.next >= maxEventClasses {
		return cas.NoEvents, fmt.Errorf("register %q: %w", name, ErrEventMaskExhausted)
	}
	m := cas.EventMask(1) << r.next
	r.next++
	r.names[name] = m

	return m, nil
}

func (r *eventRegistry) lookup(name string) (cas.EventMask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.names[name]

	return m, ok
}

// maskFromDBE converts the DBE_* bits of an EVENT_ADD request.
func maskFromDBE(dbe uint16) cas.EventMask {
	var m cas.EventMask
	if dbe&proto.DBEValue != 0 {
		m |= cas.MaskValue
	}
	if dbe&proto.DBELog != 0 {
		m |= cas.MaskLog
	}
	if dbe&proto.DBEAlarm != 0 {
		m |= cas.MaskAlarm
	}
	if dbe&proto.DBEProperty != 0 {
		m |= cas.MaskProperty
	}

	return m
}
