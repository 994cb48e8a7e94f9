package server

import (
	"sync/atomic"
)

// ServerMetrics contains atomic metrics for a server.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ServerMetrics struct {
	// ClientsAccepted indicates the number of stream sessions accepted.
	ClientsAccepted atomic.Uint64
	// ClientsConnected indicates the number of stream sessions currently connected.
	ClientsConnected atomic.Int64

	// RequestCount indicates the number of stream requests dispatched.
	RequestCount atomic.Uint64
	// ProtocolErrCount indicates the number of requests answered with an error reply.
	ProtocolErrCount atomic.Uint64

	// SearchRecvCount indicates the number of search requests received.
	SearchRecvCount atomic.Uint64
	// SearchReplyCount indicates the number of positive search replies sent.
	SearchReplyCount atomic.Uint64

	// EventPostCount indicates the number of monitor updates queued.
	EventPostCount atomic.Uint64
	// EventSendCount indicates the number of monitor updates delivered.
	EventSendCount atomic.Uint64

	// AsyncIOInflight indicates the number of async requests not finished yet.
	AsyncIOInflight atomic.Int64
	// AsyncIOErrCount indicates the number of async io misuses by the server tool.
	AsyncIOErrCount atomic.Uint64

	// BeaconSendCount indicates the number of beacons sent.
	BeaconSendCount atomic.Uint64
}

func (m *ServerMetrics) incClientsAccepted() {
	m.ClientsAccepted.Add(1)
	m.ClientsConnected.Add(1)
}

func (m *ServerMetrics) decClientsConnected() {
	m.ClientsConnected.Add(-1)
}

func (m *ServerMetrics) incRequestCount() {
	m.RequestCount.Add(1)
}

func (m *ServerMetrics) incProtocolErrCount() {
	m.ProtocolErrCount.Add(1)
}

func (m *ServerMetrics) incSearchRecvCount() {
	m.SearchRecvCount.Add(1)
}

func (m *ServerMetrics) incSearchReplyCount() {
	m.SearchReplyCount.Add(1)
}

func (m *ServerMetrics) incEventPostCount() {
	m.EventPostCount.Add(1)
}

func (m *ServerMetrics) incEventSendCount() {
	m.EventSendCount.Add(1)
}

func (m *ServerMetrics) incAsyncIOInflight() {
	m.AsyncIOInflight.Add(1)
}

func (m *ServerMetrics) decAsyncIOInflight() {
	m.AsyncIOInflight.Add(-1)
}

func (m *ServerMetrics) incAsyncIOErrCount() {
	m.AsyncIOErrCount.Add(1)
}

func (m *ServerMetrics) incBeaconSendCount() {
	m.BeaconSendCount.Add(1)
}
