package server

import (
	"sync"

	"github.com/arloliu/go-cas/cas"
)

// pvHandle is the server side attachment point of a PV.
//
// It counts the channels and the monitors referencing the PV. The PV detaches exactly
// when both counts reach zero; the handle then leaves the server index and the PV's
// Destroy is called. A detached handle is never reused, a later attach of the same PV
// creates a new handle.
//
// Lock order: interestMu before mu. Tool callbacks are never invoked with mu held.
type pvHandle struct {
	srv  *Server
	pv   cas.PV
	name string

	// interestMu serializes InterestRegister and InterestDelete.
	interestMu         sync.Mutex
	interestRegistered bool

	mu        sync.Mutex
	chanCount int
	monCount  int
	channels  map[*channel]struct{}
	monitors  map[*monitor]struct{}
	detached  bool

	// io tracks the async operations in progress on the PV.
	io ioGate
}

func newPVHandle(srv *Server, pv cas.PV) *pvHandle {
	return &pvHandle{
		srv:      srv,
		pv:       pv,
		name:     pv.Name(),
		channels: make(map[*channel]struct{}),
		monitors: make(map[*monitor]struct{}),
	}
}

// attachPV returns the handle of pv with one channel reference reserved for the caller.
func (s *Server) attachPV(pv cas.PV) *pvHandle {
	for {
		h, _ := s.pvs.LoadOrCompute(pv, func() *pvHandle { return newPVHandle(s, pv) })

		h.mu.Lock()
		if h.detached {
			h.mu.Unlock()
			continue
		}
		h.chanCount++
		h.mu.Unlock()

		return h
	}
}

// lookupPV returns the attached handle of pv.
func (s *Server) lookupPV(pv cas.PV) (*pvHandle, bool) {
	h, ok := s.pvs.Load(pv)
	if !ok {
		return nil, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.detached {
		return nil, false
	}

	return h, true
}

// addChannel registers ch under the reference reserved by attachPV.
func (h *pvHandle) addChannel(ch *channel) {
	h.mu.Lock()
	h.channels[ch] = struct{}{}
	h.mu.Unlock()
}

// releaseChannel drops one channel reference. ch may be nil when the reference was
// reserved but no channel was created.
func (h *pvHandle) releaseChannel(ch *channel) {
	h.mu.Lock()
	if ch != nil {
		delete(h.channels, ch)
	}
	h.chanCount--
	detach := h.shouldDetachLocked()
	h.mu.Unlock()

	if detach {
		h.detach()
	}
}

// addMonitor registers mon and calls InterestRegister on the first monitor.
func (h *pvHandle) addMonitor(mon *monitor) {
	h.interestMu.Lock()
	defer h.interestMu.Unlock()

	h.mu.Lock()
	h.monCount++
	h.monitors[mon] = struct{}{}
	first := h.monCount == 1
	h.mu.Unlock()

	if first && !h.interestRegistered {
		st := h.pv.InterestRegister()
		if st.OK() {
			h.interestRegistered = true
		} else {
			h.srv.logger.Warn("interest register failed", "pv", h.name, "status", st.String())
		}
	}
}

// removeMonitor unregisters mon and calls InterestDelete after the last monitor.
func (h *pvHandle) removeMonitor(mon *monitor) {
	h.interestMu.Lock()

	h.mu.Lock()
	if _, ok := h.monitors[mon]; !ok {
		h.mu.Unlock()
		h.interestMu.Unlock()

		return
	}
	delete(h.monitors, mon)
	h.monCount--
	last := h.monCount == 0
	detach := h.shouldDetachLocked()
	h.mu.Unlock()

	if last && h.interestRegistered {
		h.interestRegistered = false
		h.pv.InterestDelete()
	}
	h.interestMu.Unlock()

	if detach {
		h.detach()
	}
}

func (h *pvHandle) shouldDetachLocked() bool {
	if h.detached || h.chanCount > 0 || h.monCount > 0 {
		return false
	}
	h.detached = true

	return true
}

// detach removes the handle from the server index and destroys the PV. It runs once.
func (h *pvHandle) detach() {
	h.srv.pvs.Compute(h.pv, func(old *pvHandle, loaded bool) (*pvHandle, bool) {
		if loaded && old != h {
			return old, false
		}

		return nil, true
	})

	h.io.close()

	h.srv.logger.Debug("pv detached", "pv", h.name)
	h.pv.Destroy()
}

// counts returns the number of channels and monitors attached.
func (h *pvHandle) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.chanCount, h.monCount
}

// snapshotMonitors returns the monitors attached to the PV.
func (h *pvHandle) snapshotMonitors() []*monitor {
	h.mu.Lock()
	defer h.mu.Unlock()

	mons := make([]*monitor, 0, len(h.monitors))
	for mon := range h.monitors {
		mons = append(mons, mon)
	}

	return mons
}

// snapshotChannels returns the channels attached to the PV.
func (h *pvHandle) snapshotChannels() []*channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := make([]*channel, 0, len(h.channels))
	for ch := range h.channels {
		chans = append(chans, ch)
	}

	return chans
}

// read calls the PV read bracketed by a transaction.
func (h *pvHandle) read(ctx cas.Context, req cas.ReadRequest) (*cas.Value, cas.Status) {
	if st := h.pv.BeginTransaction(); !st.OK() {
		return nil, st
	}
	defer h.pv.EndTransaction()

	return h.pv.Read(ctx, req)
}

// write calls the PV write bracketed by a transaction. notify selects WriteNotify when
// the PV distinguishes it.
func (h *pvHandle) write(ctx cas.Context, v *cas.Value, notify bool) cas.Status {
	if st := h.pv.BeginTransaction(); !st.OK() {
		return st
	}
	defer h.pv.EndTransaction()

	if notify {
		if wn, ok := h.pv.(cas.WriteNotifier); ok {
			return wn.WriteNotify(ctx, v)
		}
	}

	return h.pv.Write(ctx, v)
}
