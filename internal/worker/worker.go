// Package worker runs complete harvesting cycles, once or on a cron schedule.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yangwenmai/repoharvest/internal/engine"
	"github.com/yangwenmai/repoharvest/internal/model"
	"github.com/yangwenmai/repoharvest/internal/oai"
	"github.com/yangwenmai/repoharvest/internal/search"
)

// ErrBusy is returned by RunOnce while another cycle is still running.
var ErrBusy = errors.New("cycle already running")

// Harvester pulls OAI-PMH repositories.
type Harvester interface {
	HarvestAll(ctx context.Context, repos []oai.Repository) ([]oai.Result, error)
}

// Discoverer runs keyword searches.
type Discoverer interface {
	DiscoverAll(ctx context.Context, sites []search.Site) ([]search.KeywordResult, error)
}

// Processor drains the orchestrator queue.
type Processor interface {
	Drain(ctx context.Context, maxBatches int) (engine.BatchStats, error)
}

// Cycle is one full run: harvest, then keyword discovery, then processing.
// A nil stage is skipped.
type Cycle struct {
	Harvester    Harvester
	Discoverer   Discoverer
	Processor    Processor
	Repositories []oai.Repository
	Sites        []search.Site

	// MaxBatches caps processing batches per cycle. Zero means no cap.
	MaxBatches int
}

// Report summarises one cycle.
type Report struct {
	Harvest  []oai.Result           `json:"-"`
	Search   []search.KeywordResult `json:"-"`
	Batches  engine.BatchStats      `json:"batches"`
	Started  time.Time              `json:"started"`
	Finished time.Time              `json:"finished"`
}

// Run executes the stages in order. Failures inside a stage are recorded
// in its results; only storage failures and cancellation end the cycle.
func (c *Cycle) Run(ctx context.Context) (Report, error) {
	rep := Report{Started: time.Now()}

	var err error
	if c.Harvester != nil && len(c.Repositories) > 0 {
		if rep.Harvest, err = c.Harvester.HarvestAll(ctx, c.Repositories); err != nil {
			rep.Finished = time.Now()
			return rep, err
		}
	}
	if c.Discoverer != nil && len(c.Sites) > 0 {
		if rep.Search, err = c.Discoverer.DiscoverAll(ctx, c.Sites); err != nil {
			rep.Finished = time.Now()
			return rep, err
		}
	}
	if c.Processor != nil {
		if rep.Batches, err = c.Processor.Drain(ctx, c.MaxBatches); err != nil {
			rep.Finished = time.Now()
			return rep, err
		}
	}
	rep.Finished = time.Now()
	return rep, nil
}

// Runner is anything that performs one cycle.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Worker runs cycles one at a time.
type Worker struct {
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a new Worker.
func New(r Runner, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{runner: r, logger: logger.With("component", "worker")}
}

// RunOnce runs a single cycle unless one is already in progress.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return Report{}, ErrBusy
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.logger.Info("cycle started")
	rep, err := w.runner.Run(ctx)
	if err != nil {
		w.logger.Error("cycle failed", "error", err, "kind", model.KindOf(err))
		return rep, err
	}
	w.logger.Info("cycle finished",
		"duration", rep.Finished.Sub(rep.Started).Round(time.Millisecond).String(),
		"repositories", len(rep.Harvest),
		"keywords", len(rep.Search),
		"processed", rep.Batches.Processed,
		"error_extraction", rep.Batches.ErrorExtraction,
		"error_download", rep.Batches.ErrorDownload,
	)
	return rep, nil
}

// parser accepts standard five-field specs and descriptors such as "@every 6h".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron spec.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return parser.Parse(spec)
}

// Start runs a cycle on every tick of spec. It blocks until ctx is
// cancelled, then waits for a running cycle to return. A tick that fires
// while a cycle is still running is skipped.
func (w *Worker) Start(ctx context.Context, spec string) error {
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{w.logger})))
	if _, err := c.AddFunc(spec, func() { w.tick(ctx) }); err != nil {
		return err
	}

	w.logger.Info("worker started", "schedule", spec)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := w.RunOnce(ctx); errors.Is(err, ErrBusy) {
		w.logger.Warn("previous cycle still running, tick skipped")
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
