// Package inspector serves a read-mostly HTTP view of the host state plus
// the prometheus metrics, and lets local tools drive launchers and
// promotion requests through the supervisor.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/graph"
	"github.com/kingrea/exthost/internal/hoststate"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/metrics"
	"github.com/kingrea/exthost/internal/protocol"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

const defaultTailLines = 100

// ErrDisabled is returned by Start when the inspector is turned off.
var ErrDisabled = errors.New("inspector: server disabled")

// Controller issues correlated requests to the worker. *supervisor.Supervisor
// satisfies it.
type Controller interface {
	StartLauncher(ctx context.Context, launcherID string, opts extension.LaunchOptions) (extension.LaunchResult, error)
	StopLauncher(ctx context.Context, launcherID string) error
	PromoteOverrides(ctx context.Context, overrides []extension.Override) (extension.PromotionPlan, error)
}

// Server wraps the HTTP listener and handlers backing the inspector.
type Server struct {
	settings   Settings
	host       *hoststate.Host
	controller Controller
	metrics    *metrics.Metrics
	logger     *logging.Logger
	clock      func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithController enables the launcher and promotion endpoints.
func WithController(c Controller) Option {
	return func(s *Server) {
		s.controller = c
	}
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares an inspector over host.
func NewServer(settings Settings, host *hoststate.Host, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		host:     host,
		logger:   logging.NewNop(),
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.settings.MaxBodyBytes <= 0 {
		s.settings.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return s
}

// Handler returns the routing table without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("GET /modules", s.handleModules)
	mux.HandleFunc("GET /registry", s.handleRegistry)
	mux.HandleFunc("GET /graph", s.handleGraph)
	mux.HandleFunc("GET /sections", s.handleSections)
	mux.HandleFunc("GET /worker", s.handleWorker)
	mux.HandleFunc("GET /launchers", s.handleLaunchers)
	mux.HandleFunc("GET /launchers/{id}", s.handleLauncher)
	mux.HandleFunc("GET /launchers/{id}/logs", s.handleLauncherLogs)
	mux.HandleFunc("POST /launchers/{id}/start", s.handleLauncherStart)
	mux.HandleFunc("POST /launchers/{id}/stop", s.handleLauncherStop)
	mux.HandleFunc("POST /promote", s.handlePromote)
	if reg := s.metrics.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("inspector: server is nil")
	}
	if !s.settings.Enabled {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("inspector: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("inspector: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("inspector: serve error: %v", err)
		}
	}()
	s.logger.Infof("inspector: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

type healthResponse struct {
	Status        string `json:"status"`
	Worker        string `json:"worker"`
	Crashes       int    `json:"crashes"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

type registryResponse struct {
	Components    extension.Registry               `json:"components"`
	Contributions []extension.RegistryContribution `json:"contributions,omitempty"`
}

type graphResponse struct {
	Producers []string       `json:"producers"`
	Graph     graph.Snapshot `json:"graph"`
}

type logsResponse struct {
	Launcher string   `json:"launcher"`
	Total    int      `json:"total"`
	Lines    []string `json:"lines"`
}

type errorResponse struct {
	Error *protocol.Error `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodHead))
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	worker := s.host.Worker()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Worker:        string(worker.State),
		Crashes:       worker.Crashes,
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Modules())
}

// handleRegistry serves the composed registry; ?raw=1 adds the
// per-module contributions it was composed from.
func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	resp := registryResponse{Components: s.host.Registry.Composed()}
	if raw, _ := strconv.ParseBool(r.URL.Query().Get("raw")); raw {
		resp.Contributions = s.host.Registry.Contributions()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGraph serves the merged view, or one producer's view with
// ?producer=id.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	resp := graphResponse{Producers: s.host.Graph.Producers()}
	if id := r.URL.Query().Get("producer"); id != "" {
		snap, ok := s.host.Graph.ProducerSnapshot(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown producer " + id})
			return
		}
		resp.Graph = snap
	} else {
		resp.Graph = s.host.Graph.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Sections())
}

func (s *Server) handleWorker(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Worker())
}

func (s *Server) handleLaunchers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Launchers.List())
}

func (s *Server) handleLauncher(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := s.host.Launchers.Get(id)
	if !ok {
		writeError(w, protocol.NewError(protocol.CodeLauncherNotFound, "launcher %s is not registered", id))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleLauncherLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines := defaultTailLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lines must be a non-negative integer"})
			return
		}
		lines = n
	}
	tail, total, err := s.host.Launchers.Tail(id, lines)
	if err != nil {
		writeError(w, protocol.NewError(protocol.CodeLauncherNotFound, "launcher %s is not registered", id))
		return
	}
	if tail == nil {
		tail = []string{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Launcher: id, Total: total, Lines: tail})
}

func (s *Server) handleLauncherStart(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w) {
		return
	}
	var opts extension.LaunchOptions
	if !s.decodeBody(w, r, &opts, true) {
		return
	}
	id := r.PathValue("id")
	result, err := s.controller.StartLauncher(r.Context(), id, opts)
	if err != nil {
		s.logger.Warnw("inspector: launcher start failed", "launcher", id, "error", err)
		s.host.Launchers.MarkFailed(id, "start", err)
		writeError(w, err)
		return
	}
	s.host.Launchers.MarkStarted(id, result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLauncherStop(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.controller.StopLauncher(r.Context(), id); err != nil {
		s.logger.Warnw("inspector: launcher stop failed", "launcher", id, "error", err)
		s.host.Launchers.MarkFailed(id, "stop", err)
		writeError(w, err)
		return
	}
	s.host.Launchers.MarkStopped(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w) {
		return
	}
	var overrides []extension.Override
	if !s.decodeBody(w, r, &overrides, false) {
		return
	}
	plan, err := s.controller.PromoteOverrides(r.Context(), overrides)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) requireController(w http.ResponseWriter) bool {
	if s.controller != nil {
		return true
	}
	writeError(w, protocol.NewError(protocol.CodeWorkerUnavailable, "no worker attached to the inspector"))
	return false
}

// decodeBody reads a size-limited JSON body into dst. An empty body is
// accepted when optional is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if r.Body == nil {
		if optional {
			return true
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty body"})
		return false
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload exceeds limit"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read body"})
		return false
	}
	if len(body) == 0 {
		if optional {
			return true
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty body"})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

// statusFor maps a protocol code onto an HTTP status.
func statusFor(code protocol.Code) int {
	switch code {
	case protocol.CodeLauncherNotFound:
		return http.StatusNotFound
	case protocol.CodeWorkerUnavailable, protocol.CodeNotInitialized:
		return http.StatusServiceUnavailable
	case protocol.CodeWorkerCrashed, protocol.CodeLauncherStartFailed, protocol.CodeLauncherStopFailed, protocol.CodePromotionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	perr := protocol.WrapError("", err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: perr})
		return
	}
	writeJSON(w, statusFor(perr.Code), errorResponse{Error: perr})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
