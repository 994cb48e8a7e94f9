package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arloliu/go-cas/admin"
	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/mempv"
	"github.com/arloliu/go-cas/proto"
	"github.com/arloliu/go-cas/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	port         int
	interfaces   []string
	beaconAddrs  []string
	noAutoBeacon bool
	beaconPeriod time.Duration
	maxArray     uint32
	logLevel     string
	logConsole   bool
	adminAddr    string
	pvs          []string
	readOnlyPVs  []string
	heartbeat    string
}

func serveCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve in-memory PVs",
		Long: `Serve in-memory PVs over Channel Access.

The EPICS_CAS_* and EPICS_CA_MAX_ARRAY_BYTES environment variables are
applied first; command line flags override them.

Examples:
  casd serve --pv demo:temp=21.5 --pv demo:mode:long=1 --pv demo:msg:string=ready
  casd serve --heartbeat demo:heartbeat --admin 127.0.0.1:9064`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, &flags)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&flags.port, "port", "p", proto.ServerPort, "TCP and UDP server port")
	f.StringSliceVarP(&flags.interfaces, "interface", "i", nil, "IPv4 interface address to bind (repeatable)")
	f.StringSliceVar(&flags.beaconAddrs, "beacon-addr", nil, "beacon destination addr[:port] (repeatable)")
	f.BoolVar(&flags.noAutoBeacon, "no-auto-beacon", false, "do not beacon to the interface broadcast addresses")
	f.DurationVar(&flags.beaconPeriod, "beacon-period", 0, "steady state beacon period")
	f.Uint32Var(&flags.maxArray, "max-array-bytes", 0, "maximum array transfer size")
	f.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	f.BoolVar(&flags.logConsole, "log-console", false, "human readable log records instead of JSON")
	f.StringVar(&flags.adminAddr, "admin", "", "listen address of the HTTP admin endpoints, disabled when empty")
	f.StringArrayVar(&flags.pvs, "pv", nil, "PV to host as name[:type]=value (repeatable)")
	f.StringArrayVar(&flags.readOnlyPVs, "read-only-pv", nil, "read only PV to host as name[:type]=value (repeatable)")
	f.StringVar(&flags.heartbeat, "heartbeat", "", "name of a long PV counting seconds since start")

	return cmd
}

// configOptions maps the command line flags onto server options. Flags left at their
// defaults do not override the environment.
func (flags *serveFlags) configOptions(cmd *cobra.Command, l logger.Logger) ([]server.ConfigOption, error) {
	opts := []server.ConfigOption{server.WithEnv(), server.WithLogger(l)}

	if cmd.Flags().Changed("port") {
		opts = append(opts, server.WithServerPort(flags.port))
	}

	if len(flags.interfaces) > 0 {
		addrs := make([]netip.Addr, 0, len(flags.interfaces))
		for _, s := range flags.interfaces {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("interface %q: %w", s, err)
			}
			addrs = append(addrs, addr)
		}
		opts = append(opts, server.WithInterfaces(addrs...))
	}

	if len(flags.beaconAddrs) > 0 {
		addrs := make([]netip.AddrPort, 0, len(flags.beaconAddrs))
		for _, s := range flags.beaconAddrs {
			ap, err := parseBeaconAddr(s)
			if err != nil {
				return nil, fmt.Errorf("beacon address %q: %w", s, err)
			}
			addrs = append(addrs, ap)
		}
		opts = append(opts, server.WithBeaconAddrList(addrs...))
	}

	if flags.noAutoBeacon {
		opts = append(opts, server.WithAutoBeaconAddr(false))
	}
	if flags.beaconPeriod > 0 {
		opts = append(opts, server.WithBeaconPeriod(flags.beaconPeriod))
	}
	if flags.maxArray > 0 {
		opts = append(opts, server.WithMaxArrayBytes(flags.maxArray))
	}

	return opts, nil
}

func parseBeaconAddr(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, err
	}

	return netip.AddrPortFrom(addr, proto.RepeaterPort), nil
}

// addPVs hosts the declared PVs in tool.
func (flags *serveFlags) addPVs(tool *mempv.Tool) error {
	add := func(decls []string, opts ...mempv.PVOption) error {
		for _, s := range decls {
			pv, err := parsePVFlag(s)
			if err != nil {
				return err
			}
			if _, err := tool.Add(pv.name, pv.value, opts...); err != nil {
				return fmt.Errorf("pv %s: %w", pv.name, err)
			}
		}

		return nil
	}

	if err := add(flags.pvs); err != nil {
		return err
	}
	if err := add(flags.readOnlyPVs, mempv.WithReadOnly()); err != nil {
		return err
	}

	if flags.heartbeat != "" {
		if _, err := tool.Add(flags.heartbeat, mempv.Scalar(proto.DBRLong, 0), mempv.WithReadOnly()); err != nil {
			return fmt.Errorf("pv %s: %w", flags.heartbeat, err)
		}
	}

	return nil
}

func runServe(cmd *cobra.Command, flags *serveFlags) error {
	level, err := logger.ParseLevel(flags.logLevel)
	if err != nil {
		return err
	}
	l := logger.NewSlog(level, logger.WithConsole(flags.logConsole), logger.WithOutput(cmd.ErrOrStderr()))
	logger.SetLogger(l)

	tool := mempv.NewTool(l)
	if err := flags.addPVs(tool); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := flags.configOptions(cmd, l)
	if err != nil {
		return err
	}
	opts = append(opts, server.WithMetricsRegisterer(reg))

	srv, err := server.NewServer(tool, opts...)
	if err != nil {
		return err
	}
	tool.Bind(srv)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if flags.adminAddr != "" {
		ln, err := net.Listen("tcp", flags.adminAddr)
		if err != nil {
			return fmt.Errorf("admin listener: %w", err)
		}
		l.Info("admin endpoints listening", "address", ln.Addr().String())

		h := admin.NewHandler(admin.Options{Source: srv, PVs: tool, Gatherer: reg, Logger: l})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := admin.Serve(ctx, ln, h); err != nil {
				errCh <- fmt.Errorf("admin endpoints: %w", err)
				stop()
			}
		}()
	}

	if flags.heartbeat != "" {
		pv, _ := tool.Lookup(flags.heartbeat)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runHeartbeat(ctx, pv)
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-hup:
			srv.Show(1)
		}
	}

	l.Info("shutting down")
	srv.Close()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// runHeartbeat increments pv every second until ctx is done.
func runHeartbeat(ctx context.Context, pv *mempv.PV) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var n int32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			_ = pv.Set(mempv.Scalar(proto.DBRLong, float64(n)))
		}
	}
}
