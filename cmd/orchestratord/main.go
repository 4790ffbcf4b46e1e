package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pesio-ai/orchestrator/internal/approvalqueue"
	"github.com/pesio-ai/orchestrator/internal/authn"
	"github.com/pesio-ai/orchestrator/internal/config"
	"github.com/pesio-ai/orchestrator/internal/engine"
	"github.com/pesio-ai/orchestrator/internal/eventlog"
	"github.com/pesio-ai/orchestrator/internal/httpapi"
	"github.com/pesio-ai/orchestrator/internal/logging"
	"github.com/pesio-ai/orchestrator/internal/notify"
	"github.com/pesio-ai/orchestrator/internal/pipeline"
	"github.com/pesio-ai/orchestrator/internal/policy"
	"github.com/pesio-ai/orchestrator/internal/store"
	"github.com/pesio-ai/orchestrator/internal/store/pgbackend"
	"github.com/pesio-ai/orchestrator/internal/store/sqlitebackend"
	"github.com/pesio-ai/orchestrator/internal/template"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store_backend", cfg.Store.Backend).
		Msg("starting orchestratord")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state store backend")
	}
	defer backend.Close()

	notifier, err := notify.Connect(cfg.Notify.URL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to notification broker")
	}
	defer notifier.Close()

	events := eventlog.New(backend, notifier)
	templates := template.Default()
	detector := policy.Default()

	eng := engine.New(backend, events, templates, cfg.MaxRetry, cfg.Approvals.DefaultApproverGroup, cfg.Approvals.ItemTTL)
	if err := eng.LoadState(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load state from backend")
	}

	resolver, err := authn.NewResolver(cfg.Auth)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize authenticator")
	}

	runner := pipeline.New(eng, templates, detector, cfg.Reports.Root, cfg.Approvals.DefaultApproverGroup, log)

	if cfg.Approvals.ExpirySweepEnabled {
		sweeper := approvalqueue.NewSweeper(eng, cfg.Approvals.ExpirySweepInterval, log)
		go sweeper.Run(ctx)
		log.Info().Dur("interval", cfg.Approvals.ExpirySweepInterval).Msg("approval expiry sweep enabled")
	}

	router := httpapi.NewRouter(eng, runner, resolver, log)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down orchestratord")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("orchestratord stopped")
}

// openBackend constructs the configured store.Backend — embedded SQLite or
// networked Postgres — behind the single store.Backend contract (spec.md
// §4.1 "Backend-agnostic"). cfg.Backend is validated by config.Load.
func openBackend(ctx context.Context, cfg config.Store) (store.Backend, error) {
	switch cfg.Backend {
	case "embedded":
		b, err := sqlitebackend.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open embedded backend: %w", err)
		}
		return b, nil
	case "networked":
		b, err := pgbackend.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open networked backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %q", cfg.Backend)
	}
}
