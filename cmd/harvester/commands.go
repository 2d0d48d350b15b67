package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/repoharvest/internal/api"
	"github.com/yangwenmai/repoharvest/internal/engine"
	"github.com/yangwenmai/repoharvest/internal/model"
	"github.com/yangwenmai/repoharvest/internal/oai"
	"github.com/yangwenmai/repoharvest/internal/search"
	"github.com/yangwenmai/repoharvest/internal/worker"
)

// withApp opens the store for the duration of fn.
func (c *cli) withApp(ctx context.Context, fn func(*app) error) error {
	a, err := openApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (c *cli) runCmd() *cobra.Command {
	var maxBatches int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one full cycle: harvest, keyword search, then process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				rep, err := a.cycle(maxBatches).Run(cmd.Context())
				out := cmd.OutOrStdout()
				renderHarvest(out, rep.Harvest)
				renderSearch(out, rep.Search)
				renderBatch(out, rep.Batches)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "cap processing batches (0 = until none are left)")
	return cmd
}

func (c *cli) harvestCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest OAI-PMH repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := selectRepositories(c.cfg.Sources.Repositories, repo)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				results, err := a.harvester().HarvestAll(cmd.Context(), repos)
				renderHarvest(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "harvest only the named repository")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var keywords []string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Register items found by keyword search",
		RunE: func(cmd *cobra.Command, args []string) error {
			sites := withKeywords(c.cfg.Sources.SearchSites, keywords)
			if len(sites) == 0 {
				return errors.New("no search sites configured")
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				results, err := a.discoverer().DiscoverAll(cmd.Context(), sites)
				renderSearch(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "search these keywords instead of the configured ones")
	return cmd
}

func (c *cli) processCmd() *cobra.Command {
	var (
		limit    int
		statuses string
		drain    bool
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Resolve and download one batch of eligible items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("limit") {
				c.cfg.BatchLimit = limit
			}
			if statuses != "" {
				parsed, err := parseStatuses(statuses)
				if err != nil {
					return err
				}
				c.cfg.ProcessStatuses = parsed
			}
			if err := c.cfg.Validate(); err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				p := a.pipeline()
				run := p.RunBatch
				if drain {
					run = func(ctx context.Context) (engine.BatchStats, error) { return p.Drain(ctx, 0) }
				}
				stats, err := run(cmd.Context())
				renderBatch(cmd.OutOrStdout(), stats)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "items per batch (default BATCH_LIMIT)")
	cmd.Flags().StringVar(&statuses, "status", "", "comma-separated statuses to select (default PROCESS_STATUSES)")
	cmd.Flags().BoolVar(&drain, "drain", false, "keep running batches until every eligible item was attempted once")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show item and file counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				items, err := a.store.CountItemsByStatus(cmd.Context())
				if err != nil {
					return err
				}
				files, err := a.store.CountFilesByTypeAndStatus(cmd.Context())
				if err != nil {
					return err
				}
				renderStats(cmd.OutOrStdout(), items, files)
				return nil
			})
		},
	}
}

func (c *cli) scheduleCmd() *cobra.Command {
	var (
		spec       string
		now        bool
		maxBatches int
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run full cycles on a cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec == "" {
				spec = c.cfg.Schedule
			}
			if _, err := worker.ParseSchedule(spec); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", spec, err)
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				w := worker.New(a.cycle(maxBatches), a.logger)
				if now {
					if _, err := w.RunOnce(cmd.Context()); err != nil && model.IsStorage(err) {
						return err
					}
				}
				return w.Start(cmd.Context(), spec)
			})
		},
	}
	cmd.Flags().StringVar(&spec, "spec", "", "cron spec (default SCHEDULE)")
	cmd.Flags().BoolVar(&now, "now", false, "run one cycle immediately before waiting for the schedule")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "cap processing batches per cycle")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	var (
		port      string
		scheduled bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == "" {
				port = c.cfg.Port
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return c.withApp(ctx, func(a *app) error {
				var schedulerDone <-chan struct{}
				if scheduled {
					schedulerDone = startScheduler(ctx, worker.New(a.cycle(0), a.logger), c.cfg.Schedule, a.logger)
				}
				// A running cycle must finish before withApp closes the store.
				defer func() {
					cancel()
					if schedulerDone != nil {
						<-schedulerDone
					}
				}()

				srv := api.New(a.store, c.cfg.CORSOrigin, a.logger)
				httpServer := &http.Server{
					Addr:              ":" + port,
					Handler:           srv.Handler(),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					<-ctx.Done()
					a.logger.Info("shutting down")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					httpServer.Shutdown(shutdownCtx)
				}()

				a.logger.Info("status API listening", "addr", "http://localhost:"+port)
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (default PORT)")
	cmd.Flags().BoolVar(&scheduled, "with-scheduler", false, "also run full cycles on SCHEDULE")
	return cmd
}

// startScheduler runs w on spec in the background. The returned channel is
// closed once the scheduler has stopped and its last cycle has returned.
func startScheduler(ctx context.Context, w *worker.Worker, spec string, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Start(ctx, spec); err != nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()
	return done
}

func selectRepositories(repos []oai.Repository, name string) ([]oai.Repository, error) {
	if name == "" {
		return repos, nil
	}
	for _, r := range repos {
		if r.Name == name {
			return []oai.Repository{r}, nil
		}
	}
	return nil, fmt.Errorf("unknown repository %q", name)
}

// withKeywords returns copies of sites searching keywords instead of their
// configured ones. Empty keywords leaves the sites unchanged.
func withKeywords(sites []search.Site, keywords []string) []search.Site {
	if len(keywords) == 0 {
		return sites
	}
	out := make([]search.Site, len(sites))
	for i, s := range sites {
		s.Keywords = keywords
		out[i] = s
	}
	return out
}

func parseStatuses(raw string) ([]model.Status, error) {
	var out []model.Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		st, err := model.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
