package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yangwenmai/repoharvest/internal/config"
	"github.com/yangwenmai/repoharvest/internal/download"
	"github.com/yangwenmai/repoharvest/internal/engine"
	"github.com/yangwenmai/repoharvest/internal/fetch"
	"github.com/yangwenmai/repoharvest/internal/oai"
	"github.com/yangwenmai/repoharvest/internal/search"
	"github.com/yangwenmai/repoharvest/internal/store"
	"github.com/yangwenmai/repoharvest/internal/worker"
)

// browserSettle is how long the browser renderer waits for scripts after
// the page body is ready.
const browserSettle = 2 * time.Second

// app wires the store and every pipeline component from one Config.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
}

// openApp opens the store and returns abandoned PROCESSING items to their
// pending status.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s, err := store.New(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}

	if n, err := s.ResetStaleProcessing(ctx, cfg.StaleAfter); err != nil {
		logger.Warn("reset stale processing", "error", err)
	} else if n > 0 {
		logger.Info("reset stale PROCESSING items", "count", n, "older_than", cfg.StaleAfter.String())
	}
	return &app{cfg: cfg, logger: logger, store: s}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) client(timeout time.Duration, accept string) *fetch.Client {
	return fetch.New(fetch.Options{Timeout: timeout, UserAgent: a.cfg.UserAgent, Accept: accept})
}

func (a *app) searchRenderer() fetch.Renderer {
	if a.cfg.SearchRenderer == "browser" {
		return fetch.NewBrowserRenderer(a.cfg.RequestTimeout, browserSettle, a.logger)
	}
	return fetch.NewHTTPRenderer(a.client(a.cfg.RequestTimeout, "text/html"))
}

func (a *app) harvester() *oai.Harvester {
	return oai.New(a.client(a.cfg.RequestTimeout, "text/xml"), a.store, oai.Options{
		Policy:       a.cfg.Policy(),
		RequestDelay: a.cfg.OAIRequestDelay,
		Reset:        a.cfg.RediscoveryReset,
		Parallel:     len(a.cfg.Sources.Repositories),
	}, a.logger)
}

func (a *app) discoverer() *search.Discoverer {
	return search.NewDiscoverer(a.searchRenderer(), a.store, search.Options{
		Policy:   a.cfg.Policy(),
		MaxPages: a.cfg.SearchMaxPages,
		Reset:    a.cfg.RediscoveryReset,
	}, a.logger)
}

func (a *app) pipeline() *engine.Pipeline {
	resolver := engine.NewHTMLResolver(fetch.NewHTTPRenderer(a.client(a.cfg.RequestTimeout, "text/html")), a.logger)
	dl := download.New(a.client(a.cfg.DownloadTimeout, "application/pdf,*/*"), a.store, download.Options{
		BaseDir: a.cfg.OutputDir,
		Policy:  a.cfg.Policy(),
	}, a.logger)
	return engine.NewPipeline(a.store, resolver, dl, engine.Options{
		Statuses:      a.cfg.ProcessStatuses,
		BatchLimit:    a.cfg.BatchLimit,
		Workers:       a.cfg.Workers,
		SaveSnapshots: a.cfg.SaveSnapshots,
	}, a.logger)
}

func (a *app) cycle(maxBatches int) *worker.Cycle {
	return &worker.Cycle{
		Harvester:    a.harvester(),
		Discoverer:   a.discoverer(),
		Processor:    a.pipeline(),
		Repositories: a.cfg.Sources.Repositories,
		Sites:        a.cfg.Sources.SearchSites,
		MaxBatches:   maxBatches,
	}
}
