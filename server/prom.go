package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "cas"

// registerMetrics exports the server metrics to reg and returns the collectors
// registered, so they can be unregistered on Close.
func (s *Server) registerMetrics(reg prometheus.Registerer) []prometheus.Collector {
	factory := promauto.With(reg)
	m := &s.metrics

	counter := func(name, help string, fn func() float64) prometheus.Collector {
		return factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      name,
			Help:      help,
		}, fn)
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      name,
			Help:      help,
		}, fn)
	}

	return []prometheus.Collector{
		counter("clients_accepted_total", "Number of stream sessions accepted.",
			func() float64 { return float64(m.ClientsAccepted.Load()) }),
		gauge("clients_connected", "Number of stream sessions currently connected.",
			func() float64 { return float64(m.ClientsConnected.Load()) }),
		counter("requests_total", "Number of stream requests dispatched.",
			func() float64 { return float64(m.RequestCount.Load()) }),
		counter("protocol_errors_total", "Number of requests answered with an error reply.",
			func() float64 { return float64(m.ProtocolErrCount.Load()) }),
		counter("search_requests_total", "Number of search requests received.",
			func() float64 { return float64(m.SearchRecvCount.Load()) }),
		counter("search_replies_total", "Number of positive search replies sent.",
			func() float64 { return float64(m.SearchReplyCount.Load()) }),
		counter("events_posted_total", "Number of monitor updates queued.",
			func() float64 { return float64(m.EventPostCount.Load()) }),
		counter("events_sent_total", "Number of monitor updates delivered.",
			func() float64 { return float64(m.EventSendCount.Load()) }),
		gauge("async_io_inflight", "Number of async requests not finished yet.",
			func() float64 { return float64(m.AsyncIOInflight.Load()) }),
		counter("async_io_errors_total", "Number of async io misuses by the server tool.",
			func() float64 { return float64(m.AsyncIOErrCount.Load()) }),
		counter("beacons_sent_total", "Number of beacons sent.",
			func() float64 { return float64(m.BeaconSendCount.Load()) }),
		gauge("channels", "Number of channels installed.",
			func() float64 {
				n, _ := s.resources.counts()
				return float64(n)
			}),
		gauge("monitors", "Number of subscriptions installed.",
			func() float64 {
				_, n := s.resources.counts()
				return float64(n)
			}),
		gauge("pvs_attached", "Number of PVs attached.",
			func() float64 { return float64(s.pvs.Size()) }),
		gauge("large_buffers_in_use", "Number of large buffers handed out.",
			func() float64 { return float64(s.bufFactory.Stats().LargeInUse) }),
	}
}
