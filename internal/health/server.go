// Package health serves the node's operational HTTP endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/dyluth/burrow/internal/scheduler"
	"github.com/dyluth/burrow/pkg/task"
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource reports per-agent scheduler state.
type StatusSource interface {
	Status() []scheduler.AgentStatus
}

// Refresher starts an on-demand agent run tracked as a task.
type Refresher interface {
	Refresh(ctx context.Context, agent string) (*task.Task, error)
}

// TaskReader looks tasks up by id.
type TaskReader interface {
	Get(ctx context.Context, id string) (*task.Task, error)
}

// Config wires the server to the components it reports on.
type Config struct {
	Addr    string
	NodeID  string
	Checks  map[string]Pinger // Keyed by backend name ("redis")
	Status  StatusSource
	Metrics http.Handler
	Refresh Refresher
	Tasks   TaskReader
	Logger  *slog.Logger
}

// Server provides /healthz, /status and /metrics, plus the refresh and
// task endpoints when those collaborators are configured.
type Server struct {
	cfg    Config
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a health server. Nothing listens until Start.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "health")}
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	mux.HandleFunc("/status", s.statusHandler)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics)
	}
	if s.cfg.Refresh != nil {
		mux.HandleFunc("POST /agents/{name}/refresh", s.refreshHandler)
	}
	if s.cfg.Tasks != nil {
		mux.HandleFunc("GET /tasks/{id}", s.taskHandler)
	}
	return mux
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server stopped", "error", err)
		}
	}()

	s.logger.Info("health server listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status string            `json:"status"`
	Node   string            `json:"node,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// healthCheckHandler returns 200 when every backend answers a ping and 503
// otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
		Node:   s.cfg.NodeID,
		Checks: make(map[string]string, len(s.cfg.Checks)),
	}

	names := make([]string, 0, len(s.cfg.Checks))
	for name := range s.cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	for _, name := range names {
		if err := s.cfg.Checks[name].Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Checks[name] = "disconnected"
			if response.Error == "" {
				response.Error = name + ": " + err.Error()
			}
			code = http.StatusServiceUnavailable
			continue
		}
		response.Checks[name] = "connected"
	}

	writeJSON(w, code, response)
}

// StatusResponse is the JSON body of /status.
type StatusResponse struct {
	Node   string                  `json:"node,omitempty"`
	Agents []scheduler.AgentStatus `json:"agents"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{Node: s.cfg.NodeID, Agents: []scheduler.AgentStatus{}}
	if s.cfg.Status != nil {
		if agents := s.cfg.Status.Status(); agents != nil {
			response.Agents = agents
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	t, err := s.cfg.Refresh.Refresh(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownAgent):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case err != nil:
		s.logger.Warn("refresh failed", "agent", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	default:
		w.Header().Set("Location", "/tasks/"+t.ID)
		writeJSON(w, http.StatusAccepted, t)
	}
}

func (s *Server) taskHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Tasks.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, t)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
