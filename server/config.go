package server

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/proto"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxArrayBytes is the default EPICS_CA_MAX_ARRAY_BYTES.
	DefaultMaxArrayBytes = 16384
	// DefaultBeaconPeriod is the default upper bound of the beacon interval.
	DefaultBeaconPeriod = 15 * time.Second
	// DefaultBeaconMinPeriod is the beacon interval right after start or an anomaly.
	DefaultBeaconMinPeriod = 20 * time.Millisecond
	// DefaultMaxEventQueueEntries is the default session-wide event queue cap.
	DefaultMaxEventQueueEntries = 1024
	// DefaultSendTimeout is the default time a single socket write may block.
	DefaultSendTimeout = 100 * time.Millisecond
	// IndividualEventEntries is the number of individually queued events per monitor.
	// Further changes are merged into the monitor's overflow slot.
	IndividualEventEntries = 16
)

// ServerConfig holds the configuration of a Channel Access server.
type ServerConfig struct {
	mu sync.RWMutex

	// serverPort is the TCP port of the listeners and the UDP port of the search
	// interfaces. Defaults to 5064.
	serverPort int

	// interfaces lists the addresses the server binds. Defaults to the IPv4 wildcard.
	interfaces []netip.Addr

	// maxArrayBytes bounds the payload of a single message and sizes the large buffers.
	// Defaults to 16384.
	maxArrayBytes uint32

	// debugLevel gates protocol dumps. Above 0 response headers are logged, above 2
	// VERSION headers too and above 3 search requests.
	debugLevel uint

	// beaconAddrs are the extra destinations of beacons. A zero port means the
	// repeater port 5065.
	beaconAddrs []netip.AddrPort

	// autoBeaconAddr adds the broadcast address of every bound interface to the beacon
	// destinations. Defaults to true.
	autoBeaconAddr bool

	// beaconPeriod is the steady state beacon interval and beaconMinPeriod the
	// interval right after start. The interval doubles from the minimum up to the
	// period.
	beaconPeriod    time.Duration
	beaconMinPeriod time.Duration

	// maxEventQueueEntries caps the entries queued per session. Once reached, monitor
	// updates collapse into overflow slots. Defaults to 1024.
	maxEventQueueEntries int

	// sendTimeout bounds a single socket write. A write that times out reports
	// backpressure to the session instead of blocking. Defaults to 100 milliseconds.
	sendTimeout time.Duration

	// searchMemoryLimit is the heap size above which search requests are ignored.
	// Zero disables the check.
	searchMemoryLimit uint64

	tracerProvider trace.TracerProvider
	registerer     prometheus.Registerer

	logger logger.Logger
}

// NewServerConfig creates a server configuration with default values and applies opts.
//
// Returns the configuration and the first error reported by an option.
func NewServerConfig(opts ...ConfigOption) (*ServerConfig, error) {
	cfg := &ServerConfig{
		serverPort:           proto.ServerPort,
		interfaces:           []netip.Addr{netip.IPv4Unspecified()},
		maxArrayBytes:        DefaultMaxArrayBytes,
		autoBeaconAddr:       true,
		beaconPeriod:         DefaultBeaconPeriod,
		beaconMinPeriod:      DefaultBeaconMinPeriod,
		maxEventQueueEntries: DefaultMaxEventQueueEntries,
		sendTimeout:          DefaultSendTimeout,
		tracerProvider:       otel.GetTracerProvider(),
		logger:               logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// ServerPort returns the configured server port.
func (cfg *ServerConfig) ServerPort() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.serverPort
}

// Interfaces returns the addresses the server binds.
func (cfg *ServerConfig) Interfaces() []netip.Addr {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return append([]netip.Addr(nil), cfg.interfaces...)
}

// MaxArrayBytes returns the configured maximum array transfer size.
func (cfg *ServerConfig) MaxArrayBytes() uint32 {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxArrayBytes
}

// DebugLevel returns the protocol debug level.
func (cfg *ServerConfig) DebugLevel() uint {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.debugLevel
}

// SetDebugLevel changes the protocol debug level at runtime.
func (cfg *ServerConfig) SetDebugLevel(level uint) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	cfg.debugLevel = level
}

// BeaconAddrs returns the configured extra beacon destinations.
func (cfg *ServerConfig) BeaconAddrs() []netip.AddrPort {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return append([]netip.AddrPort(nil), cfg.beaconAddrs...)
}

// AutoBeaconAddr reports whether interface broadcast addresses receive beacons.
func (cfg *ServerConfig) AutoBeaconAddr() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.autoBeaconAddr
}

// BeaconPeriod returns the minimum and the steady state beacon interval.
func (cfg *ServerConfig) BeaconPeriod() (time.Duration, time.Duration) {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.beaconMinPeriod, cfg.beaconPeriod
}

// MaxEventQueueEntries returns the per session event queue cap.
func (cfg *ServerConfig) MaxEventQueueEntries() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxEventQueueEntries
}

// SendTimeout returns the socket write timeout.
func (cfg *ServerConfig) SendTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.sendTimeout
}

// SearchMemoryLimit returns the heap size above which searches are ignored.
func (cfg *ServerConfig) SearchMemoryLimit() uint64 {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.searchMemoryLimit
}

// TracerProvider returns the tracer provider of request spans.
func (cfg *ServerConfig) TracerProvider() trace.TracerProvider {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.tracerProvider
}

// MetricsRegisterer returns the prometheus registerer, nil if metrics are not exported.
func (cfg *ServerConfig) MetricsRegisterer() prometheus.Registerer {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.registerer
}

// Logger returns the logger of the server.
func (cfg *ServerConfig) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// ConfigOption represents a functional option for configuring a ServerConfig.
type ConfigOption interface {
	apply(*ServerConfig) error
}

type optFunc struct {
	name      string
	applyFunc func(*ServerConfig) error
}

func (o *optFunc) apply(cfg *ServerConfig) error {
	if cfg == nil {
		return ErrServerConfigNil
	}

	if err := o.applyFunc(cfg); err != nil {
		return fmt.Errorf("%s: %w", o.name, err)
	}

	return nil
}

func newOptFunc(name string, f func(*ServerConfig) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithServerPort sets the TCP and UDP port. Port 0 lets the system pick the TCP port
// of the first interface and reuses it for the others.
func WithServerPort(port int) ConfigOption {
	return newOptFunc("WithServerPort", func(cfg *ServerConfig) error {
		if port < 0 || port > 0xffff {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, port)
		}
		cfg.serverPort = port

		return nil
	})
}

// WithInterfaces sets the addresses the server binds.
func WithInterfaces(addrs ...netip.Addr) ConfigOption {
	return newOptFunc("WithInterfaces", func(cfg *ServerConfig) error {
		if len(addrs) == 0 {
			return fmt.Errorf("%w: empty interface list", ErrInvalidConfig)
		}
		for _, addr := range addrs {
			if !addr.IsValid() || !addr.Unmap().Is4() {
				return fmt.Errorf("%w: interface %s is not an IPv4 address", ErrInvalidConfig, addr)
			}
		}
		cfg.interfaces = append([]netip.Addr(nil), addrs...)

		return nil
	})
}

// WithMaxArrayBytes sets the maximum array transfer size. Values below 16384 are
// raised to 16384.
func WithMaxArrayBytes(n uint32) ConfigOption {
	return newOptFunc("WithMaxArrayBytes", func(cfg *ServerConfig) error {
		if n < DefaultMaxArrayBytes {
			n = DefaultMaxArrayBytes
		}
		cfg.maxArrayBytes = n

		return nil
	})
}

// WithDebugLevel sets the protocol debug level.
func WithDebugLevel(level uint) ConfigOption {
	return newOptFunc("WithDebugLevel", func(cfg *ServerConfig) error {
		cfg.debugLevel = level
		return nil
	})
}

// WithLogger sets the logger of the server.
func WithLogger(l logger.Logger) ConfigOption {
	return newOptFunc("WithLogger", func(cfg *ServerConfig) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidConfig)
		}
		cfg.logger = l

		return nil
	})
}

// WithBeaconAddrList sets extra beacon destinations.
func WithBeaconAddrList(addrs ...netip.AddrPort) ConfigOption {
	return newOptFunc("WithBeaconAddrList", func(cfg *ServerConfig) error {
		list := make([]netip.AddrPort, 0, len(addrs))
		for _, addr := range addrs {
			if !addr.Addr().Unmap().Is4() {
				return fmt.Errorf("%w: beacon address %s is not IPv4", ErrInvalidConfig, addr)
			}
			if addr.Port() == 0 {
				addr = netip.AddrPortFrom(addr.Addr(), proto.RepeaterPort)
			}
			list = append(list, addr)
		}
		cfg.beaconAddrs = list

		return nil
	})
}

// WithAutoBeaconAddr enables or disables beacons to interface broadcast addresses.
func WithAutoBeaconAddr(enable bool) ConfigOption {
	return newOptFunc("WithAutoBeaconAddr", func(cfg *ServerConfig) error {
		cfg.autoBeaconAddr = enable
		return nil
	})
}

// WithBeaconPeriod sets the steady state beacon interval. It must be at least 100
// milliseconds.
func WithBeaconPeriod(period time.Duration) ConfigOption {
	return newOptFunc("WithBeaconPeriod", func(cfg *ServerConfig) error {
		if period < 100*time.Millisecond {
			return fmt.Errorf("%w: beacon period %s below 100ms", ErrInvalidConfig, period)
		}
		cfg.beaconPeriod = period
		if cfg.beaconMinPeriod > period {
			cfg.beaconMinPeriod = period
		}

		return nil
	})
}

// WithBeaconMinPeriod sets the beacon interval used right after start and after an
// anomaly.
func WithBeaconMinPeriod(period time.Duration) ConfigOption {
	return newOptFunc("WithBeaconMinPeriod", func(cfg *ServerConfig) error {
		if period <= 0 || period > cfg.beaconPeriod {
			return fmt.Errorf("%w: beacon min period %s", ErrInvalidConfig, period)
		}
		cfg.beaconMinPeriod = period

		return nil
	})
}

// WithMaxEventQueueEntries sets the session-wide event queue cap.
func WithMaxEventQueueEntries(n int) ConfigOption {
	return newOptFunc("WithMaxEventQueueEntries", func(cfg *ServerConfig) error {
		if n < IndividualEventEntries {
			return fmt.Errorf("%w: event queue cap %d below %d", ErrInvalidConfig, n, IndividualEventEntries)
		}
		cfg.maxEventQueueEntries = n

		return nil
	})
}

// WithSendTimeout sets the socket write timeout.
func WithSendTimeout(d time.Duration) ConfigOption {
	return newOptFunc("WithSendTimeout", func(cfg *ServerConfig) error {
		if d <= 0 || d > 30*time.Second {
			return fmt.Errorf("%w: send timeout %s", ErrInvalidConfig, d)
		}
		cfg.sendTimeout = d

		return nil
	})
}

// WithSearchMemoryLimit sets the heap size above which search requests are ignored.
func WithSearchMemoryLimit(bytes uint64) ConfigOption {
	return newOptFunc("WithSearchMemoryLimit", func(cfg *ServerConfig) error {
		cfg.searchMemoryLimit = bytes
		return nil
	})
}

// WithTracerProvider sets the tracer provider of request spans.
func WithTracerProvider(tp trace.TracerProvider) ConfigOption {
	return newOptFunc("WithTracerProvider", func(cfg *ServerConfig) error {
		if tp == nil {
			return fmt.Errorf("%w: nil tracer provider", ErrInvalidConfig)
		}
		cfg.tracerProvider = tp

		return nil
	})
}

// WithMetricsRegisterer exports the server metrics to reg.
func WithMetricsRegisterer(reg prometheus.Registerer) ConfigOption {
	return newOptFunc("WithMetricsRegisterer", func(cfg *ServerConfig) error {
		cfg.registerer = reg
		return nil
	})
}

// WithEnv applies the EPICS_* environment variables of the process.
func WithEnv() ConfigOption {
	return WithEnvLookup(os.LookupEnv)
}

// WithEnvLookup applies EPICS_* variables obtained from lookup:
//
//	EPICS_CAS_INTF_ADDR_LIST          space separated interface addresses
//	EPICS_CAS_SERVER_PORT             server port
//	EPICS_CA_MAX_ARRAY_BYTES          maximum array transfer size
//	EPICS_CAS_BEACON_ADDR_LIST        space separated beacon destinations
//	EPICS_CAS_AUTO_BEACON_ADDR_LIST   YES or NO
//	EPICS_CAS_BEACON_PERIOD           beacon period in seconds
func WithEnvLookup(lookup func(string) (string, bool)) ConfigOption {
	return newOptFunc("WithEnv", func(cfg *ServerConfig) error {
		if v, ok := lookup("EPICS_CAS_INTF_ADDR_LIST"); ok && strings.TrimSpace(v) != "" {
			var addrs []netip.Addr
			for _, field := range strings.Fields(v) {
				addr, err := netip.ParseAddr(field)
				if err != nil {
					return fmt.Errorf("%w: EPICS_CAS_INTF_ADDR_LIST: %w", ErrInvalidConfig, err)
				}
				addrs = append(addrs, addr)
			}
			if err := WithInterfaces(addrs...).apply(cfg); err != nil {
				return err
			}
		}

		if v, ok := lookup("EPICS_CAS_SERVER_PORT"); ok && v != "" {
			port, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: EPICS_CAS_SERVER_PORT: %w", ErrInvalidConfig, err)
			}
			if err := WithServerPort(port).apply(cfg); err != nil {
				return err
			}
		}

		if v, ok := lookup("EPICS_CA_MAX_ARRAY_BYTES"); ok && v != "" {
			n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
			if err != nil {
				return fmt.Errorf("%w: EPICS_CA_MAX_ARRAY_BYTES: %w", ErrInvalidConfig, err)
			}
			if err := WithMaxArrayBytes(uint32(n)).apply(cfg); err != nil {
				return err
			}
		}

		if v, ok := lookup("EPICS_CAS_BEACON_ADDR_LIST"); ok && strings.TrimSpace(v) != "" {
			addrs, err := parseAddrPortList(v, proto.RepeaterPort)
			if err != nil {
				return fmt.Errorf("%w: EPICS_CAS_BEACON_ADDR_LIST: %w", ErrInvalidConfig, err)
			}
			if err := WithBeaconAddrList(addrs...).apply(cfg); err != nil {
				return err
			}
		}

		if v, ok := lookup("EPICS_CAS_AUTO_BEACON_ADDR_LIST"); ok && v != "" {
			switch strings.ToUpper(strings.TrimSpace(v)) {
			case "YES":
				cfg.autoBeaconAddr = true
			case "NO":
				cfg.autoBeaconAddr = false
			default:
				return fmt.Errorf("%w: EPICS_CAS_AUTO_BEACON_ADDR_LIST must be YES or NO", ErrInvalidConfig)
			}
		}

		if v, ok := lookup("EPICS_CAS_BEACON_PERIOD"); ok && v != "" {
			secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("%w: EPICS_CAS_BEACON_PERIOD: %w", ErrInvalidConfig, err)
			}
			if err := WithBeaconPeriod(time.Duration(secs * float64(time.Second))).apply(cfg); err != nil {
				return err
			}
		}

		return nil
	})
}

// parseAddrPortList parses "addr[:port] ..." entries, using defPort where no port is given.
func parseAddrPortList(s string, defPort uint16) ([]netip.AddrPort, error) {
	var list []netip.AddrPort
	for _, field := range strings.Fields(s) {
		if ap, err := netip.ParseAddrPort(field); err == nil {
			list = append(list, ap)
			continue
		}
		addr, err := netip.ParseAddr(field)
		if err != nil {
			return nil, err
		}
		list = append(list, netip.AddrPortFrom(addr, defPort))
	}

	return list, nil
}
