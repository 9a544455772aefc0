package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/sessiond/internal/config"
	"github.com/kalambet/sessiond/internal/events"
	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/notify"
	"github.com/kalambet/sessiond/internal/parser"
	"github.com/kalambet/sessiond/internal/parser/claude"
	"github.com/kalambet/sessiond/internal/storage"
	"github.com/kalambet/sessiond/internal/sweep"
	"github.com/kalambet/sessiond/internal/tagging"
	"github.com/kalambet/sessiond/internal/watch"
)

// app wires the storage-backed components every local command shares.
type app struct {
	cfg          config.Config
	store        *storage.Store
	hub          *notify.Hub
	orchestrator *ingest.Orchestrator
	reconciler   *events.Reconciler
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.OpenFromConfig(ctx, cfg.Storage.DSN, cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	hub := notify.NewHub(64)

	deps := ingest.Deps{
		Store:     store,
		Parsers:   parser.NewRegistry(claude.New()),
		Publisher: hub,
		Timeout:   cfg.Ingest.Timeout,
		OrphanTTL: cfg.Sweep.OrphanTTL,
	}
	if cfg.Tagging.WebhookURL != "" {
		deps.Handoff = tagging.NewEnqueuer(store)
	}

	return &app{
		cfg:          cfg,
		store:        store,
		hub:          hub,
		orchestrator: ingest.NewOrchestrator(deps),
		reconciler: events.NewReconciler(events.Deps{
			Store:     store,
			Publisher: hub,
			OrphanTTL: cfg.Sweep.OrphanTTL,
		}),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

func (a *app) sweeper() *sweep.Sweeper {
	return sweep.New(a.store, sweep.Config{
		Schedule:     a.cfg.Sweep.Schedule,
		OrphanTTL:    a.cfg.Sweep.OrphanTTL,
		AbandonAfter: a.cfg.Sweep.AbandonAfter,
	}, a.hub)
}

func (a *app) watcher(roots []string) (*watch.Watcher, error) {
	return watch.New(a.orchestrator, watch.Config{
		Roots:    roots,
		Include:  a.cfg.Watch.Include,
		Debounce: a.cfg.Watch.Debounce,
		Workers:  a.cfg.Ingest.Workers,
	})
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}
