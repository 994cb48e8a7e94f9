// Package server implements the Channel Access server engine.
//
// A Server binds one TCP listener and one UDP socket per configured interface. Name
// searches arrive over UDP and are answered by the datagram session of the interface;
// clients then open a virtual circuit (a stream session) over TCP to create channels,
// read, write and subscribe to the PVs hosted by the cas.ServerTool.
//
// Every wire-level resource id resolves through a single resource table, and every
// attached PV is represented by one handle counting the channels and subscriptions
// referencing it. Stream sessions run a reader goroutine executing requests and an event
// goroutine delivering subscription updates and async completions, so no tool call ever
// blocks the network side.
//
// Lock order: session, then PV handle interest lock, then PV handle, then event queue.
package server

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"runtime/metrics"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-cas/buffer"
	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/trace"
)

// Server is a Channel Access server.
type Server struct {
	cfg        *ServerConfig
	logger     logger.Logger
	tool       cas.ServerTool
	metrics    ServerMetrics
	bufFactory *buffer.Factory
	tracer     trace.Tracer

	resources *resourceTable
	pvs       *xsync.MapOf[cas.PV, *pvHandle]
	clients   *xsync.MapOf[uint64, *StreamClient]
	clientSeq atomic.Uint64
	events    *eventRegistry

	// attachIO tracks async PV attaches, which are not bound to a PV yet.
	attachIO ioGate

	intfMu    sync.Mutex
	intfs     []*casIntf
	boundPort int

	beaconNo    atomic.Uint32
	beaconReset chan struct{}

	taskMgr    *TaskManager
	state      AtomicOpState
	stopAfter  func() bool
	collectors []prometheus.Collector
}

// NewServer creates a server hosting the PVs of tool.
//
// The server does not touch the network until Start is called.
func NewServer(tool cas.ServerTool, opts ...ConfigOption) (*Server, error) {
	if tool == nil {
		return nil, ErrServerToolNil
	}

	cfg, err := NewServerConfig(opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		logger:      cfg.Logger(),
		tool:        tool,
		bufFactory:  buffer.NewFactory(cfg.MaxArrayBytes()),
		tracer:      cfg.TracerProvider().Tracer(tracerName),
		resources:   newResourceTable(),
		pvs:         xsync.NewMapOf[cas.PV, *pvHandle](),
		clients:     xsync.NewMapOf[uint64, *StreamClient](),
		events:      newEventRegistry(),
		beaconReset: make(chan struct{}, 1),
	}
	s.taskMgr = NewTaskManager(context.Background(), s.logger)

	return s, nil
}

// Config returns the configuration of the server.
func (s *Server) Config() *ServerConfig { return s.cfg }

// Metrics returns the live counters of the server.
func (s *Server) Metrics() *ServerMetrics { return &s.metrics }

// State returns the lifecycle state of the server.
func (s *Server) State() OpState { return s.state.Get() }

// Start binds the configured interfaces and starts the beacon governor. The server is
// closed when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.taskMgr.Context().Err() != nil {
		return ErrServerClosed
	}
	if !s.state.ToStarting() {
		return ErrServerRunning
	}

	if reg := s.cfg.MetricsRegisterer(); reg != nil {
		s.collectors = s.registerMetrics(reg)
	}

	for _, addr := range s.cfg.Interfaces() {
		if err := s.AttachInterface(addr, s.cfg.AutoBeaconAddr(), true); err != nil {
			s.Close()
			return err
		}
	}

	if err := s.taskMgr.Go("beaconGovernor", s.beaconLoop, nil); err != nil {
		s.Close()
		return err
	}

	s.state.ToRunning()
	stop := context.AfterFunc(ctx, s.Close)
	s.intfMu.Lock()
	s.stopAfter = stop
	s.intfMu.Unlock()

	s.logger.Info("CA server started", "port", s.Port(), "interfaces", len(s.cfg.Interfaces()))

	return nil
}

// Close stops the server. Every session is destroyed, which tears down its channels,
// subscriptions and async requests. A closed server cannot be started again.
func (s *Server) Close() {
	if !s.state.ToStopping() {
		return
	}

	s.intfMu.Lock()
	intfs := s.intfs
	s.intfs = nil
	stop := s.stopAfter
	s.stopAfter = nil
	s.intfMu.Unlock()
	if stop != nil {
		stop()
	}
	for _, intf := range intfs {
		intf.close()
	}

	var clients []*StreamClient
	s.clients.Range(func(_ uint64, c *StreamClient) bool {
		clients = append(clients, c)
		return true
	})
	for _, c := range clients {
		c.shutdown()
	}

	s.taskMgr.Stop()
	s.taskMgr.Wait()
	for _, c := range clients {
		c.taskMgr.Wait()
	}

	if reg := s.cfg.MetricsRegisterer(); reg != nil {
		for _, col := range s.collectors {
			reg.Unregister(col)
		}
		s.collectors = nil
	}

	s.attachIO.close()
	s.state.ToStopped()

	s.logger.Info("CA server stopped")
}

// Port returns the TCP port bound by the first interface, or the configured port
// before Start.
func (s *Server) Port() int {
	s.intfMu.Lock()
	defer s.intfMu.Unlock()

	if s.boundPort != 0 {
		return s.boundPort
	}

	return s.cfg.ServerPort()
}

// installClient creates the session of an accepted connection and starts it.
func (s *Server) installClient(conn net.Conn) {
	c := newStreamClient(s, conn, s.clientSeq.Add(1))
	s.clients.Store(c.id, c)
	s.metrics.incClientsAccepted()

	if err := c.start(); err != nil {
		c.logger.Error("failed to start client session", "error", err)
		c.shutdown()

		return
	}

	c.logger.Info("client connected")
}

// removeClient drops a closed session from the server.
func (s *Server) removeClient(c *StreamClient) {
	if _, loaded := s.clients.LoadAndDelete(c.id); loaded {
		s.metrics.decClientsConnected()
	}
}

// RegisterEvent returns the mask of the named event class, allocating a new class the
// first time a name is seen. value, log, alarm and property are built in.
func (s *Server) RegisterEvent(name string) (cas.EventMask, error) {
	return s.events.register(name)
}

// EventMask returns the mask of a registered event class.
func (s *Server) EventMask(name string) (cas.EventMask, bool) {
	return s.events.lookup(name)
}

// PostEvent queues v to every subscription of pv selecting a class of mask.
//
// It returns ErrPVNotAttached if no client has a channel on pv.
func (s *Server) PostEvent(pv cas.PV, mask cas.EventMask, v *cas.Value) error {
	h, ok := s.lookupPV(pv)
	if !ok {
		return ErrPVNotAttached
	}

	for _, mon := range h.snapshotMonitors() {
		if mon.post(mask, v) {
			s.metrics.incEventPostCount()
		}
	}

	return nil
}

// WithdrawPV destroys every channel of pv. V4.7 clients are told with SERVER_DISCONN;
// older clients have no such message and are disconnected.
func (s *Server) WithdrawPV(pv cas.PV) error {
	h, ok := s.lookupPV(pv)
	if !ok {
		return ErrPVNotAttached
	}

	for _, ch := range h.snapshotChannels() {
		c := ch.client

		c.mu.Lock()
		if c.closed || ch.destroyed {
			c.mu.Unlock()
			continue
		}
		cid := ch.cid
		ch.destroy()
		v47 := c.minor.V47()
		if v47 {
			c.eq.pushNotice(func() deliverResult {
				return toDeliverResult(c.disconnectChanResponse(cid))
			})
		}
		c.mu.Unlock()

		if !v47 {
			c.logger.Warn("disconnecting old client because of PV delete", "pv", h.name)
			c.shutdown()
		}
	}

	return nil
}

// PostAccessRightsChanged sends fresh access rights of every channel of pv to its
// client.
func (s *Server) PostAccessRightsChanged(pv cas.PV) error {
	h, ok := s.lookupPV(pv)
	if !ok {
		return ErrPVNotAttached
	}

	for _, ch := range h.snapshotChannels() {
		c := ch.client
		c.eq.pushNotice(func() deliverResult {
			if ch.destroyed {
				return deliverCancel
			}

			return toDeliverResult(c.accessRightsResponse(ch))
		})
	}

	return nil
}

// ClientInfo describes a connected stream session.
type ClientInfo struct {
	ID           uint64         `json:"id"`
	Addr         netip.AddrPort `json:"addr"`
	User         string         `json:"user"`
	Host         string         `json:"host"`
	MinorVersion uint16         `json:"minorVersion"`
	Priority     uint16         `json:"priority"`
	Channels     int            `json:"channels"`
	EventsQueued int            `json:"eventsQueued"`
	EventsOff    bool           `json:"eventsOff"`
	Connected    time.Time      `json:"connected"`
}

// Clients returns a snapshot of the connected sessions ordered by id.
func (s *Server) Clients() []ClientInfo {
	var infos []ClientInfo
	s.clients.Range(func(_ uint64, c *StreamClient) bool {
		infos = append(infos, c.info())
		return true
	})
	slices.SortFunc(infos, func(a, b ClientInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	return infos
}

// Show logs a summary of the server state. Level 1 adds one record per client, level 2
// one record per channel.
func (s *Server) Show(level uint) {
	channels, monitors := s.resources.counts()
	stats := s.bufFactory.Stats()
	s.logger.Info("CA server",
		"state", s.state.String(),
		"port", s.Port(),
		"clients", s.clients.Size(),
		"pvs", s.pvs.Size(),
		"channels", channels,
		"monitors", monitors,
		"smallBuffers", stats.SmallInUse,
		"largeBuffers", stats.LargeInUse,
		"beacon", s.beaconNo.Load(),
	)
	if level == 0 {
		return
	}

	s.clients.Range(func(_ uint64, c *StreamClient) bool {
		c.show(level - 1)
		return true
	})
}

// lowMemory reports whether the heap exceeds the configured search memory limit.
// Searches are ignored then, so clients do not create channels the server cannot
// afford.
func (s *Server) lowMemory() bool {
	limit := s.cfg.SearchMemoryLimit()
	if limit == 0 {
		return false
	}

	sample := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return false
	}

	return sample[0].Value.Uint64() > limit
}

func (s *Server) String() string {
	return fmt.Sprintf("CA server port=%d state=%s", s.Port(), s.state.String())
}
