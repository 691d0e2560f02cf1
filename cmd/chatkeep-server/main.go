// Command chatkeep-server serves the chat API and WebSocket for a browser
// front end.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nstogner/chatkeep/pkg/app"
	"github.com/nstogner/chatkeep/pkg/config"
	"github.com/nstogner/chatkeep/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger.
	app.SetupLogging(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	srv := server.New(a.Store, a.Runner, a.Metrics,
		server.WithProviderConfig(cfg.Provider, cfg.ModelConfig(), app.BuildProvider),
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Addr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			a.Close()
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
		if err := a.Store.FinishStreamAndSave(shutdownCtx); err != nil {
			slog.Error("Final save failed", "error", err)
		}
	}
}
