// Package app wires configuration into a ready-to-use session store, provider
// and runner. Both binaries share it.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nstogner/chatkeep/pkg/chat"
	"github.com/nstogner/chatkeep/pkg/config"
	"github.com/nstogner/chatkeep/pkg/domain"
	"github.com/nstogner/chatkeep/pkg/metrics"
	"github.com/nstogner/chatkeep/pkg/model"
	"github.com/nstogner/chatkeep/pkg/model/gemini"
	"github.com/nstogner/chatkeep/pkg/model/googleai"
	"github.com/nstogner/chatkeep/pkg/model/mock"
	"github.com/nstogner/chatkeep/pkg/model/openai"
	"github.com/nstogner/chatkeep/pkg/runner"
	"github.com/nstogner/chatkeep/pkg/store"
	"github.com/nstogner/chatkeep/pkg/store/jsonl"
	"github.com/nstogner/chatkeep/pkg/store/memory"
	"github.com/nstogner/chatkeep/pkg/store/sqlite"
)

// App holds the long-lived components.
type App struct {
	Config  *config.Config
	Metrics *metrics.Metrics
	Store   *chat.Store
	Runner  *runner.Runner
}

// SetupLogging installs a text slog handler writing to w at the configured
// level.
func SetupLogging(cfg *config.Config, w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(handler))
	slog.Info("Logging initialized", "level", cfg.SlogLevel())
}

// OpenLogFile opens cfg.LogFile for appending, falling back to
// chatkeep.log inside the data directory.
func OpenLogFile(cfg *config.Config) (*os.File, error) {
	path := cfg.LogFile
	if path == "" {
		path = filepath.Join(cfg.DataDir, "chatkeep.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// NewPersistence returns the configured storage backend and tries to open
// it. When opening fails the backend is still returned along with the
// error: every backend reopens lazily, so the chat store can start on an
// empty history and keep retrying on later writes.
func NewPersistence(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (store.SessionStore, error) {
	var s store.SessionStore
	switch cfg.Store {
	case "sqlite":
		s = sqlite.New(filepath.Join(cfg.DataDir, "chatkeep.db"), m)
	case "jsonl":
		s = jsonl.New(cfg.DataDir, m)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store %q", domain.ErrConfigInvalid, cfg.Store)
	}
	return s, s.Open(ctx)
}

// NewProvider returns the configured model provider.
func NewProvider(ctx context.Context, cfg *config.Config) (model.Provider, error) {
	return BuildProvider(ctx, cfg.Provider, cfg.ModelConfig())
}

// BuildProvider creates the named provider from mc. The server uses it to
// rebuild the provider when its settings change at runtime.
func BuildProvider(ctx context.Context, name string, mc model.Config) (model.Provider, error) {
	switch name {
	case "openai":
		return openai.New(mc)
	case "gemini":
		return gemini.New(ctx, mc)
	case "googleai":
		return googleai.New(ctx, mc)
	case "mock":
		return mock.Echo("This ", "is ", "a ", "mock ", "reply."), nil
	}
	return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrConfigInvalid, name)
}

// New builds every component and loads sessions from persistence.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	m := metrics.New()

	persist, err := NewPersistence(ctx, cfg, m)
	if persist == nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err != nil {
		// Chatting still works; history just is not kept until storage recovers.
		slog.Warn("Storage unavailable, continuing without saved sessions", "store", cfg.Store, "error", err)
	}
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		persist.Close()
		return nil, fmt.Errorf("failed to initialize %s provider: %w", cfg.Provider, err)
	}

	s := chat.New(persist,
		chat.WithMetrics(m),
		chat.WithTitleLength(cfg.TitleLength),
		chat.WithLogger(slog.Default().With("component", "chat")),
	)
	s.LoadFromPersistence(ctx)

	r := runner.New(s, provider,
		runner.WithMetrics(m),
		runner.WithStreaming(cfg.Streaming),
	)

	return &App{
		Config:  cfg,
		Metrics: m,
		Store:   s,
		Runner:  r,
	}, nil
}

// Close flushes pending writes and releases the provider and storage.
func (a *App) Close() error {
	if c, ok := a.Runner.Provider().(interface{ Close() error }); ok {
		c.Close()
	}
	return a.Store.Close()
}
