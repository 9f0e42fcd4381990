// Package internal provides the serve-mode initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/okvist/zet/internal/api"
	"github.com/okvist/zet/internal/apperr"
	"github.com/okvist/zet/internal/index"
	"github.com/okvist/zet/internal/sse"
	"github.com/okvist/zet/internal/storage"
	"github.com/okvist/zet/internal/zettel"
)

// Run starts the serve mode with the given options: HTTP API, SSE event
// stream, and a filesystem watcher keeping the cache current.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("http_address", cfg.API.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("cache_path", cfg.CachePath()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	store, err := storage.NewFS(cfg.Vault.Path, cfg.Vault.Ignore...)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	db, full, err := openCache(cfg.CachePath(), logger)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer db.Close()

	svc := zettel.NewService(store, db, logger, cfg.Cache.Workers)

	broker := sse.NewBroker()
	defer broker.Close()

	// Initial reconciliation so queries see the current vault state.
	report, err := svc.Reindex(ctx, full)
	if err != nil {
		logger.Warn("initial reindex failed", slog.String("error", err.Error()))
	} else {
		logger.Info("initial reindex complete",
			slog.Int("scanned", report.Scanned),
			slog.Int("updated", report.Updated),
			slog.Int("deleted", report.Deleted),
			slog.Int("failed", len(report.Failed)))
		broker.PublishSync(report.Scanned, report.Updated, report.Deleted, len(report.Failed))
	}

	apiRouter := api.NewRouter(svc, cfg.API.Auth.AuthEnabled(), cfg.API.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.API.Address(),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// File watcher with SSE callback.
	g.Go(func() error {
		return index.Watch(gCtx, db, store, store.Root(), logger, func(kind, path string) {
			broker.PublishNoteEvent(kind, path)
		})
	})

	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("address", cfg.API.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Shutdown on signal or context cancellation.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("serve error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("server stopped")
	return nil
}

// openCache opens the cache store, rebuilding it when the schema does not
// match. The second return value is true when the caller must run a full
// reindex to repopulate a rebuilt cache.
func openCache(path string, logger *slog.Logger) (*index.DB, bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, err
	}
	db, err := index.Open(path)
	if err == nil {
		return db, false, nil
	}
	if !errors.Is(err, apperr.ErrSchemaMismatch) {
		return nil, false, err
	}
	logger.Warn("cache schema mismatch, rebuilding", slog.String("path", path))
	db, err = index.Rebuild(path)
	if err != nil {
		return nil, false, err
	}
	return db, true, nil
}
