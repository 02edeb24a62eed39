package status

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/trustagent/internal/pkg/metrics"
	"github.com/autopeer-io/trustagent/pkg/log"
	"github.com/autopeer-io/trustagent/pkg/options"
)

// Probe reports whether the agent can reach the broker.
type Probe interface {
	IsConnected() bool
}

// StateSource renders the current Device Update agent state.
type StateSource interface {
	Report() []byte
}

type Server struct {
	server *http.Server
}

func NewServer(opts *options.HttpOptions, probe Probe, state StateSource) *Server {
	r := mux.NewRouter()

	// Liveness Probe
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	// Readiness Probe: ready once the broker session is up
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !probe.IsConnected() {
			http.Error(w, "broker not connected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/debug/adu/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(state.Report())
	}).Methods(http.MethodGet)

	return &Server{
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           r,
			ReadHeaderTimeout: opts.Timeout,
			WriteTimeout:      opts.Timeout,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	log.Info("Starting status server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
