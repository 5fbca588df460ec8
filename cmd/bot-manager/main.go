// Command bot-manager runs the Vexa meeting-bot control plane: it admits bot
// requests, launches bot containers, tracks meeting lifecycles, assigns
// transcription workers, and fans status events out to WebSocket clients.
package main

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

	"github.com/joho/godotenv"

	"github.com/vexa-ai/controlplane/internal/allocator"
	"github.com/vexa-ai/controlplane/internal/api"
	"github.com/vexa-ai/controlplane/internal/config"
	"github.com/vexa-ai/controlplane/internal/events"
	"github.com/vexa-ai/controlplane/internal/infra"
	"github.com/vexa-ai/controlplane/internal/launcher"
	"github.com/vexa-ai/controlplane/internal/lifecycle"
	"github.com/vexa-ai/controlplane/internal/monitoring"
	"github.com/vexa-ai/controlplane/internal/registry"
	"github.com/vexa-ai/controlplane/internal/stream"
	"github.com/vexa-ai/controlplane/internal/supervisor"
	"github.com/vexa-ai/controlplane/internal/webhooks"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("bot-manager exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; a missing .env file is fine.
	godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := registry.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	cache, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer cache.Close()

	metrics := monitoring.NewMetrics()
	bus := events.NewBus(cache, cfg.Stream.ChannelPrefix, metrics)
	alloc := allocator.New(cache.Client(), cfg.Allocator, metrics)
	engine := lifecycle.NewEngine(store, bus, metrics)
	hooks := webhooks.New(cfg.Webhooks, metrics)

	sup := supervisor.New(cfg.Supervisor, supervisor.Deps{
		Store:     store,
		Engine:    engine,
		Allocator: alloc,
		Launcher:  launcher.NewDockerBackend(cfg.Docker, "redis://"+cfg.Redis.Addr),
		Bus:       bus,
		Sessions:  cache,
		Webhooks:  hooks,
		Limits:    config.NewLimits(cfg.Limits),
		Metrics:   metrics,
	})

	hub := stream.NewHub(store, cfg.Stream, metrics)

	go alloc.RunReaper(ctx)
	go sup.RunWatchdog(ctx)
	go func() {
		if err := hub.Run(ctx, bus); err != nil {
			slog.Error("stream hub stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: api.NewServer(api.Deps{
			Bots:        sup,
			Workers:     alloc,
			Stream:      hub,
			DB:          store,
			Cache:       cache,
			Transcripts: cfg.Transcripts,
			Metrics:     metrics,
		}).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  cfg.Server.IdleTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bot-manager listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	// Stop background work after the listener drains: in-flight requests may
	// still schedule launches or container stops until Shutdown returns.
	sup.Close()
	hooks.Shutdown()
	return nil
}
