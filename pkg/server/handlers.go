package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/model"
)

type titleRequest struct {
	Title string `json:"title"`
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.store.Sessions())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err)
			return
		}
	}
	id := s.store.CreateSession(req.Title)
	sess, _ := s.store.Session(id)
	s.jsonResponse(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.store.Session(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("session %s: %w", id, domain.ErrNotFound))
		return
	}
	s.jsonResponse(w, http.StatusOK, sess)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req titleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.RenameSession(id, req.Title); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	sess, _ := s.store.Session(id)
	s.jsonResponse(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.store.DeleteSession(id) {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("session %s: %w", id, domain.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwitchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.store.SwitchSession(id) {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("session %s: %w", id, domain.ErrNotFound))
		return
	}
	s.handleState(w, r)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.Session(id); !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("session %s: %w", id, domain.ErrNotFound))
		return
	}
	if s.store.CurrentSessionID() != id {
		s.errorResponse(w, http.StatusConflict, fmt.Errorf("session %s is not current", id))
		return
	}
	s.store.ClearSession()
	w.WriteHeader(http.StatusNoContent)
}

// --- Messages ---

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.store.DeleteMessage(id) {
		s.errorResponse(w, http.StatusNotFound, fmt.Errorf("message %s: %w", id, domain.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- State ---

type stateResponse struct {
	CurrentSessionID string          `json:"currentSessionId"`
	CurrentSession   *domain.Session `json:"currentSession"`
	SessionCount     int             `json:"sessionCount"`
	Loading          bool            `json:"loading"`
	Error            string          `json:"error,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		CurrentSessionID: s.store.CurrentSessionID(),
		SessionCount:     len(s.store.Sessions()),
		Loading:          s.store.IsLoading(),
	}
	if cur, ok := s.store.CurrentSession(); ok {
		resp.CurrentSession = &cur
	}
	if err := s.store.Err(); err != nil {
		resp.Error = err.Error()
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.runner.Provider().(model.Lister)
	if !ok {
		s.jsonResponse(w, http.StatusOK, []string{})
		return
	}
	models, err := lister.List(r.Context())
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, models)
}

// --- Config ---

// configResponse never carries the API key itself.
type configResponse struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	BaseURL        string  `json:"baseUrl"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"maxTokens"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
	EnableThinking bool    `json:"enableThinking"`
	HasAPIKey      bool    `json:"hasApiKey"`
}

// configUpdate holds the fields a client may change. Absent fields keep
// their current value.
type configUpdate struct {
	Provider       *string  `json:"provider"`
	APIKey         *string  `json:"apiKey"`
	Model          *string  `json:"model"`
	BaseURL        *string  `json:"baseUrl"`
	Temperature    *float64 `json:"temperature"`
	MaxTokens      *int     `json:"maxTokens"`
	TimeoutSeconds *float64 `json:"timeoutSeconds"`
	EnableThinking *bool    `json:"enableThinking"`
}

func (u configUpdate) apply(name string, cfg model.Config) (string, model.Config) {
	if u.Provider != nil {
		name = *u.Provider
	}
	if u.APIKey != nil {
		cfg.APIKey = *u.APIKey
	}
	if u.Model != nil {
		cfg.Model = *u.Model
	}
	if u.BaseURL != nil {
		cfg.BaseURL = *u.BaseURL
	}
	if u.Temperature != nil {
		cfg.Temperature = *u.Temperature
	}
	if u.MaxTokens != nil {
		cfg.MaxTokens = *u.MaxTokens
	}
	if u.TimeoutSeconds != nil {
		cfg.Timeout = time.Duration(*u.TimeoutSeconds * float64(time.Second))
	}
	if u.EnableThinking != nil {
		cfg.EnableThinking = *u.EnableThinking
	}
	return name, cfg
}

func (s *Server) configView() configResponse {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.configViewLocked()
}

func (s *Server) configViewLocked() configResponse {
	c := s.providerCfg
	return configResponse{
		Provider:       s.providerName,
		Model:          c.Model,
		BaseURL:        c.BaseURL,
		Temperature:    c.Temperature,
		MaxTokens:      c.MaxTokens,
		TimeoutSeconds: c.Timeout.Seconds(),
		EnableThinking: c.EnableThinking,
		HasAPIKey:      c.APIKey != "",
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.configView())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req configUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	name, cfg := req.apply(s.providerName, s.providerCfg)

	// The new provider is validated before the old one is replaced.
	p, err := s.build(r.Context(), name, cfg)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, domain.ErrConfigInvalid) {
			status = http.StatusBadRequest
		}
		s.errorResponse(w, status, err)
		return
	}
	old, err := s.runner.SetProvider(p)
	if err != nil {
		closeProvider(p)
		s.errorResponse(w, statusFor(err), err)
		return
	}
	closeProvider(old)

	s.providerName, s.providerCfg = name, cfg
	slog.Info("Provider reconfigured", "provider", name, "model", cfg.Model)

	s.jsonResponse(w, http.StatusOK, s.configViewLocked())
}

func closeProvider(p model.Provider) {
	if c, ok := p.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			slog.Warn("Failed to close provider", "provider", p.Name(), "error", err)
		}
	}
}
