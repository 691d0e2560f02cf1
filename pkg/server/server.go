// Package server exposes the session store and runner over HTTP and
// WebSocket for a browser front end.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nstogner/chatkeep/pkg/chat"
	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/metrics"
	"github.com/nstogner/chatkeep/pkg/model"
	"github.com/nstogner/chatkeep/pkg/runner"
)

// Server serves the REST API, the chat WebSocket and /metrics.
type Server struct {
	store   *chat.Store
	runner  *runner.Runner
	metrics *metrics.Metrics

	// Provider settings, guarded by cfgMu.
	cfgMu        sync.Mutex
	providerName string
	providerCfg  model.Config
	build        BuildProvider

	mu  sync.Mutex
	srv *http.Server
}

// BuildProvider creates a provider by name from a model configuration.
type BuildProvider func(ctx context.Context, name string, cfg model.Config) (model.Provider, error)

// Option configures a Server.
type Option func(*Server)

// WithProviderConfig enables GET and PUT /api/config. name and cfg describe
// the provider the runner starts with; build makes replacements.
func WithProviderConfig(name string, cfg model.Config, build BuildProvider) Option {
	return func(s *Server) {
		s.providerName = name
		s.providerCfg = cfg
		s.build = build
	}
}

// New creates a new Server. m may be nil, in which case /metrics is not
// served.
func New(store *chat.Store, r *runner.Runner, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{store: store, runner: r, metrics: m}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PUT /api/sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/switch", s.handleSwitchSession)
	mux.HandleFunc("DELETE /api/sessions/{id}/messages", s.handleClearSession)

	// Messages
	mux.HandleFunc("DELETE /api/messages/{id}", s.handleDeleteMessage)

	// State
	mux.HandleFunc("GET /api/state", s.handleState)

	// Models
	mux.HandleFunc("GET /api/models", s.handleListModels)
	if s.build != nil {
		mux.HandleFunc("GET /api/config", s.handleGetConfig)
		mux.HandleFunc("PUT /api/config", s.handleUpdateConfig)
	}

	// WebSocket
	mux.HandleFunc("/api/chat", s.handleChatWebSocket)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	slog.Info("Starting web server", "addr", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("API Error", "error", err)
	} else {
		slog.Debug("API Error", "status", status, "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, runner.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConfigInvalid):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTransport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
