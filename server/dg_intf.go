package server

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/proto"
)

// casIntf is one bound interface: a TCP listener accepting virtual circuits and a UDP
// socket on the same port serving searches and sending beacons.
type casIntf struct {
	srv         *Server
	addr        netip.Addr
	port        uint16
	listener    *net.TCPListener
	udp         *net.UDPConn
	dg          *DatagramClient
	beaconAddrs []netip.AddrPort
	logger      logger.Logger

	closeOnce sync.Once
}

// AttachInterface binds addr. The TCP port is the configured server port; port 0 picks
// a free port, which every later interface then shares.
//
// Beacons of the interface go to the configured beacon addresses when
// addConfigBeaconAddr is true and to the broadcast addresses of the matching host
// interfaces when autoBeaconAddr is true.
func (s *Server) AttachInterface(addr netip.Addr, autoBeaconAddr bool, addConfigBeaconAddr bool) error {
	if !addr.Unmap().Is4() {
		return fmt.Errorf("%w: %s: only IPv4 interfaces are supported", ErrInterfaceAttach, addr)
	}
	addr = addr.Unmap()

	s.intfMu.Lock()
	defer s.intfMu.Unlock()

	port := s.boundPort
	if port == 0 {
		port = s.cfg.ServerPort()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(s.taskMgr.Context(), "tcp4", netip.AddrPortFrom(addr, uint16(port)).String()) //nolint: gosec
	if err != nil {
		s.logger.Error("failed to listen", "address", addr.String(), "port", port, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrInterfaceAttach, addr, err)
	}
	tcpLn, _ := ln.(*net.TCPListener)
	bound := addrPortOf(ln.Addr())

	udp, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, bound.Port())))
	if err != nil {
		_ = ln.Close()
		s.logger.Error("failed to bind UDP socket", "address", addr.String(), "port", bound.Port(), "error", err)

		return fmt.Errorf("%w: %s: %w", ErrInterfaceAttach, addr, err)
	}

	intf := &casIntf{
		srv:      s,
		addr:     addr,
		port:     bound.Port(),
		listener: tcpLn,
		udp:      udp,
		logger:   s.logger.With("interface", netip.AddrPortFrom(addr, bound.Port()).String()),
	}
	intf.dg = newDatagramClient(s, udp, netip.AddrPortFrom(addr, bound.Port()))

	if addConfigBeaconAddr {
		for _, ap := range s.cfg.BeaconAddrs() {
			intf.addBeaconAddr(ap)
		}
	}
	if autoBeaconAddr {
		for _, ap := range broadcastAddrs(addr) {
			intf.addBeaconAddr(ap)
		}
	}

	if err := intf.start(); err != nil {
		intf.close()
		return fmt.Errorf("%w: %s: %w", ErrInterfaceAttach, addr, err)
	}

	if s.boundPort == 0 {
		s.boundPort = int(bound.Port())
	}
	s.intfs = append(s.intfs, intf)

	intf.logger.Info("interface attached", "beaconAddrs", len(intf.beaconAddrs))

	return nil
}

func (intf *casIntf) start() error {
	mgr := intf.srv.taskMgr
	name := intf.addr.String()

	if err := mgr.Start("acceptConn:"+name, intf.tryAcceptConn, nil); err != nil {
		return err
	}
	if err := mgr.Go("dgReader:"+name, intf.dg.readLoop, intf.dg.in.Release); err != nil {
		return err
	}

	return mgr.Go("dgEvents:"+name, intf.dg.eventLoop, nil)
}

func (intf *casIntf) addBeaconAddr(ap netip.AddrPort) {
	if ap.Port() == 0 {
		ap = netip.AddrPortFrom(ap.Addr(), proto.RepeaterPort)
	}
	if !slices.Contains(intf.beaconAddrs, ap) {
		intf.beaconAddrs = append(intf.beaconAddrs, ap)
	}
}

// close stops accepting connections and closes the UDP socket.
func (intf *casIntf) close() {
	intf.closeOnce.Do(func() {
		if intf.listener != nil {
			_ = intf.listener.Close()
		}
		intf.dg.shutdown()
	})
}

// broadcastAddrs returns the broadcast address, at the repeater port, of every up
// broadcast capable host interface carrying bind. The wildcard address matches all of
// them.
func broadcastAddrs(bind netip.Addr) []netip.AddrPort {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var list []netip.AddrPort
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || len(ipNet.Mask) != net.IPv4len {
				continue
			}
			ip, _ := netip.AddrFromSlice(ip4)
			if !bind.IsUnspecified() && ip != bind {
				continue
			}

			var bcast [4]byte
			for i := range bcast {
				bcast[i] = ip4[i] | ^ipNet.Mask[i]
			}
			ap := netip.AddrPortFrom(netip.AddrFrom4(bcast), proto.RepeaterPort)
			if !slices.Contains(list, ap) {
				list = append(list, ap)
			}
		}
	}

	return list
}
