package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/health"
)

// StatusProvider reports per-endpoint health for the admin server
type StatusProvider interface {
	EndpointStatuses() []health.Status
}

// Server is the admin HTTP server exposing /metrics, /health and /endpoints
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	status   StatusProvider
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new admin server with the provided registry. A nil
// status provider reports an empty, healthy endpoint set.
func NewServer(addr string, registry *MetricsRegistry, status StatusProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "metrics-server")
	}
	return &Server{
		addr:     addr,
		path:     "/metrics",
		registry: registry,
		status:   status,
		logger:   logger,
	}
}

// Handler builds the chi router serving the admin endpoints
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	r.Get("/health", s.handleHealth)
	r.Get("/endpoints", s.handleEndpoints)

	return r
}

func (s *Server) statuses() []health.Status {
	if s.status == nil {
		return nil
	}
	return s.status.EndpointStatuses()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	agg := health.Aggregate("nmearouter", s.statuses())
	code := http.StatusOK
	if agg.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, agg)
}

func (s *Server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	list := s.statuses()
	if list == nil {
		list = []health.Status{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the bound listener address, or the configured one before Run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if s.registry == nil {
		return errors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Run", "metrics registry not provided")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Run", fmt.Sprintf("listen on %s", s.addr))
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("Admin server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.WrapTransient(err, "Server", "Run", "shutdown HTTP server")
		}
		return nil
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return errors.WrapTransient(err, "Server", "Run", "serve HTTP")
	}
}
