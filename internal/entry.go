// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/sofer/internal/api"
	"github.com/starford/sofer/internal/engine"
	"github.com/starford/sofer/internal/eval"
	"github.com/starford/sofer/internal/outline"
	"github.com/starford/sofer/internal/script"
	"github.com/starford/sofer/internal/snapshot"
	"github.com/starford/sofer/internal/sofer"
	"github.com/starford/sofer/internal/sse"
	"github.com/starford/sofer/internal/template"
	"github.com/starford/sofer/internal/watch"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := app.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.App.LogLevel,
		}))
	}
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("outline_path", cfg.Outline.Path),
		slog.String("snapshot_path", cfg.Snapshot.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Snapshot store is optional.
	var db snapshot.Store
	if cfg.Snapshot.Path != "" {
		var err error
		db, err = snapshot.Open(cfg.Snapshot.Path)
		if err != nil {
			return fmt.Errorf("init snapshot store: %w", err)
		}
		defer db.Close()
	}

	out, err := loadOutline(cfg, db, logger)
	if err != nil {
		return fmt.Errorf("load outline: %w", err)
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	// Engine over the outline, evaluating incrementally after every change.
	svc := engine.New(out, script.NewLuaEngine(), engine.Config{
		Eval: eval.Config{
			ScriptTimeout:     cfg.Eval.ScriptTimeout,
			MaxMutationRounds: cfg.Eval.MaxMutationRounds,
		},
		AutoEval: true,
	}, logger, broker.Notify)
	defer svc.Close()

	if cfg.Outline.Templates != "" {
		defs, err := template.LoadDefinitions(cfg.Outline.Templates)
		if err != nil {
			return fmt.Errorf("load templates: %w", err)
		}
		for _, def := range defs {
			if err := svc.RegisterTemplate(ctx, def); err != nil {
				return fmt.Errorf("register template: %w", err)
			}
		}
		logger.Info("Templates registered", slog.Int("count", len(defs)))
	}

	// Initial evaluation pass.
	if res, evalErr := svc.Evaluate(ctx); evalErr != nil {
		logger.Warn("initial evaluation interrupted", slog.String("error", evalErr.Error()))
	} else {
		logger.Info("Initial evaluation complete",
			slog.Int("evaluated", len(res.Evaluated)),
			slog.Int("cycle_errors", len(res.CycleErrors)),
			slog.Int("script_errors", len(res.ScriptErrors)))
	}

	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
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

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Reload the outline when the backing file changes on disk.
	g.Go(func() error {
		if err := watch.Watch(gCtx, svc, cfg.Outline.Path, logger); err != nil {
			logger.Warn("watcher failed", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	runErr := g.Wait()

	// Persist the outline before the deferred Close calls run.
	if db != nil {
		if exported, expErr := svc.Export(context.Background()); expErr == nil {
			if saveErr := db.Save(exported); saveErr != nil {
				logger.Error("snapshot save failed", slog.String("error", saveErr.Error()))
			} else {
				logger.Info("Snapshot saved", slog.Int("nodes", exported.Len()))
			}
		}
	}

	if runErr != nil {
		logger.Error("Application error", slog.String("error", runErr.Error()))
		return runErr
	}

	logger.Info("Server stopped successfully")
	return nil
}

// loadOutline picks the startup source. The outline file is authoritative
// when it exists; every node loads dirty and the first pass recomputes it.
// The snapshot, which also carries cached computed values, is used when the
// file is missing. With neither, the engine starts empty.
func loadOutline(cfg *Config, db snapshot.Store, logger *slog.Logger) (*outline.Outline, error) {
	if data, err := os.ReadFile(cfg.Outline.Path); err == nil {
		out, perr := sofer.Parse(data)
		if perr != nil {
			return nil, fmt.Errorf("parse %s: %w", cfg.Outline.Path, perr)
		}
		logger.Info("Outline loaded from file",
			slog.String("path", cfg.Outline.Path), slog.Int("nodes", out.Len()))
		return out, nil
	}

	if db != nil {
		out, err := db.Load()
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if out.Len() > 0 {
			logger.Info("Outline loaded from snapshot", slog.Int("nodes", out.Len()))
			return out, nil
		}
	}

	logger.Info("Starting with an empty outline")
	return outline.New(), nil
}
