package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/arloliu/go-cas/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	state   server.OpState
	clients []server.ClientInfo
}

func (s *fakeSource) State() server.OpState { return s.state }

func (s *fakeSource) Clients() []server.ClientInfo { return s.clients }

type fakePVs []string

func (p fakePVs) Names() []string { return p }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		description string
		state       server.OpState
		expectCode  int
	}{
		{description: "running", state: server.RunningState, expectCode: http.StatusOK},
		{description: "starting", state: server.StartingState, expectCode: http.StatusServiceUnavailable},
		{description: "stopped", state: server.StoppedState, expectCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			require := require.New(t)

			h := NewHandler(Options{Source: &fakeSource{state: tt.state}})
			rec := get(t, h, "/healthz")
			require.Equal(tt.expectCode, rec.Code)

			var body healthResponse
			require.NoError(json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(tt.state.String(), body.State)
		})
	}
}

func TestClients(t *testing.T) {
	require := require.New(t)

	src := &fakeSource{state: server.RunningState}
	h := NewHandler(Options{Source: src})

	rec := get(t, h, "/clients")
	require.Equal(http.StatusOK, rec.Code)
	require.JSONEq(`[]`, rec.Body.String())

	src.clients = []server.ClientInfo{{
		ID:           7,
		Addr:         netip.MustParseAddrPort("10.0.0.5:40000"),
		User:         "operator",
		Host:         "console",
		MinorVersion: 13,
		Channels:     2,
	}}
	rec = get(t, h, "/clients")
	require.Equal(http.StatusOK, rec.Code)
	require.Equal("application/json", rec.Header().Get("Content-Type"))

	var clients []map[string]any
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &clients))
	require.Len(clients, 1)
	require.Equal("10.0.0.5:40000", clients[0]["addr"])
	require.Equal("operator", clients[0]["user"])
	require.InDelta(2, clients[0]["channels"], 0)
}

func TestPVsAndMetrics(t *testing.T) {
	require := require.New(t)

	src := &fakeSource{state: server.RunningState}

	h := NewHandler(Options{Source: src})
	require.Equal(http.StatusNotFound, get(t, h, "/pvs").Code)
	require.Equal(http.StatusNotFound, get(t, h, "/metrics").Code)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "cas_test_total", Help: "test counter"})
	reg.MustRegister(counter)
	counter.Add(3)

	h = NewHandler(Options{Source: src, PVs: fakePVs{"a", "b"}, Gatherer: reg})

	rec := get(t, h, "/pvs")
	require.Equal(http.StatusOK, rec.Code)
	require.JSONEq(`["a","b"]`, rec.Body.String())

	rec = get(t, h, "/metrics")
	require.Equal(http.StatusOK, rec.Code)
	require.Contains(rec.Body.String(), "cas_test_total 3")
}

func TestServe(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, NewHandler(Options{Source: &fakeSource{state: server.RunningState}}))
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz") //nolint: noctx
	require.NoError(err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	_ = resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)
	require.JSONEq(`{"state":"Running"}`, string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(2 * time.Second):
		require.Fail("admin server did not shut down")
	}
}
