package server

import (
	"context"
	"slices"
	"time"

	"github.com/arloliu/go-cas/internal/pool"
	"github.com/arloliu/go-cas/proto"
)

// beaconLoop sends beacons at an interval that starts at the minimum period and doubles
// up to the beacon period. BeaconAnomaly restarts the ramp.
func (s *Server) beaconLoop(ctx context.Context) {
	minPeriod, maxPeriod := s.cfg.BeaconPeriod()
	period := minPeriod

	for no := uint32(0); ; no++ {
		s.SendBeacon(no)

		timer := pool.GetTimer(period)
		select {
		case <-ctx.Done():
			pool.PutTimer(timer)
			return
		case <-s.beaconReset:
			period = minPeriod
		case <-timer.C:
			if period < maxPeriod {
				period = min(period*2, maxPeriod)
			}
		}
		pool.PutTimer(timer)
	}
}

// SendBeacon sends beacon number no from every interface.
func (s *Server) SendBeacon(no uint32) {
	s.beaconNo.Store(no)

	s.intfMu.Lock()
	intfs := slices.Clone(s.intfs)
	s.intfMu.Unlock()

	for _, intf := range intfs {
		intf.sendBeacon(no)
	}
}

// BeaconAnomaly tells the server that clients may have missed beacons, for example
// after a network outage. The beacon interval restarts from the minimum period.
func (s *Server) BeaconAnomaly() {
	select {
	case s.beaconReset <- struct{}{}:
	default:
	}
}

// sendBeacon sends the RSRV_IS_UP message numbered no to every beacon address of the
// interface.
func (intf *casIntf) sendBeacon(no uint32) {
	if len(intf.beaconAddrs) == 0 {
		return
	}

	var msg [proto.HeaderSize]byte
	proto.Header{
		Command:   proto.CmdRsrvIsUp,
		DataType:  uint16(proto.MinorProtocolRevision),
		Count:     uint32(intf.port),
		CID:       no,
		Available: addrToUint32(intf.addr),
	}.Encode(msg[:])

	if d := intf.srv.cfg.SendTimeout(); d > 0 {
		_ = intf.udp.SetWriteDeadline(time.Now().Add(d))
	}
	for _, ap := range intf.beaconAddrs {
		if _, err := intf.udp.WriteToUDPAddrPort(msg[:], ap); err != nil {
			intf.logger.Debug("beacon send failed", "dest", ap.String(), "error", err)
			continue
		}
		intf.srv.metrics.incBeaconSendCount()
	}
}
