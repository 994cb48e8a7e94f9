// Package admin serves the HTTP administration endpoints of a Channel Access server:
// Prometheus metrics, a health check and JSON listings of the connected clients and
// the hosted PVs.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/server"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Source is the server state the endpoints report. *server.Server implements it.
type Source interface {
	State() server.OpState
	Clients() []server.ClientInfo
}

// PVLister lists the names of the hosted PVs. *mempv.Tool implements it.
type PVLister interface {
	Names() []string
}

// Options configures the admin handler.
type Options struct {
	// Source is required.
	Source Source
	// PVs enables the /pvs endpoint.
	PVs PVLister
	// Gatherer enables the /metrics endpoint.
	Gatherer prometheus.Gatherer
	// Logger defaults to the package logger.
	Logger logger.Logger
}

type healthResponse struct {
	State string `json:"state"`
}

// NewHandler returns the router of the admin endpoints.
func NewHandler(opts Options) http.Handler {
	l := opts.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	l = l.With("component", "admin")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := opts.Source.State()
		code := http.StatusOK
		if state != server.RunningState {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, l, code, healthResponse{State: state.String()})
	})

	r.Get("/clients", func(w http.ResponseWriter, _ *http.Request) {
		clients := opts.Source.Clients()
		if clients == nil {
			clients = []server.ClientInfo{}
		}
		writeJSON(w, l, http.StatusOK, clients)
	})

	if opts.PVs != nil {
		r.Get("/pvs", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, l, http.StatusOK, opts.PVs.Names())
		})
	}

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func writeJSON(w http.ResponseWriter, l logger.Logger, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		l.Debug("failed to write response", "error", err)
	}
}

// Serve serves h on ln until ctx is done, then shuts the server down.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
