package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/health"
)

// HealthCheck reports nil when the checked dependency is usable.
type HealthCheck func() error

// StatusFunc returns a JSON-encodable snapshot of a component for /status.
type StatusFunc func() any

// Server exposes Prometheus metrics, /health and /status over HTTP
type Server struct {
	addr     string
	path     string
	server   *http.Server
	listener net.Listener
	registry *MetricsRegistry

	checksMu sync.RWMutex
	checks   map[string]HealthCheck
	statuses map[string]StatusFunc

	mu sync.Mutex // protects server and listener
}

// NewServer creates a new metrics server with the provided registry.
// addr is a host:port; ":0" picks a free port.
func NewServer(addr, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}

	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		checks:   make(map[string]HealthCheck),
		statuses: make(map[string]StatusFunc),
	}
}

// AddCheck registers a named health check reported on /health.
func (s *Server) AddCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// AddStatus registers a component snapshot reported on /status.
func (s *Server) AddStatus(name string, fn StatusFunc) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.statuses[name] = fn
}

// Handler returns the HTTP handler serving the metrics path, /health and
// /status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

type statusResponse struct {
	Service    string         `json:"service"`
	Timestamp  time.Time      `json:"timestamp"`
	Components map[string]any `json:"components"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Service:    "sensorstream",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]any),
	}
	s.checksMu.RLock()
	for name, fn := range s.statuses {
		resp.Components[name] = fn()
	}
	s.checksMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.checksMu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]health.Status, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, health.FromCheck(name, s.checks[name]()))
	}
	s.checksMu.RUnlock()

	overall := health.Aggregate("sensorstream", statuses)

	w.Header().Set("Content-Type", "application/json")
	if !overall.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(overall)
}

// Start binds the listener and serves until Stop is called. It returns nil
// after a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()

	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.WrapTransient(err, "Server", "Start", "serve")
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Address returns the bound address once started, else the configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
