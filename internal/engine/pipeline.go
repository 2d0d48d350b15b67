package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/repoharvest/internal/model"
)

// Options tunes a Pipeline.
type Options struct {
	// Statuses is the set a batch selects from. Empty uses model.DefaultRetryable.
	Statuses []model.Status

	// BatchLimit caps items per batch. Zero means no cap.
	BatchLimit int

	// Workers is how many items are processed at once. Below 2 is sequential.
	Workers int

	// SaveSnapshots stores the resolved page HTML as an html_snapshot artifact.
	SaveSnapshots bool
}

// BatchStats counts batch outcomes by final status.
type BatchStats struct {
	Selected        int `json:"selected"`
	Processed       int `json:"processed"`
	ErrorExtraction int `json:"error_extraction"`
	ErrorDownload   int `json:"error_download"`
	Skipped         int `json:"skipped"`
}

func (s *BatchStats) add(o BatchStats) {
	s.Selected += o.Selected
	s.Processed += o.Processed
	s.ErrorExtraction += o.ErrorExtraction
	s.ErrorDownload += o.ErrorDownload
	s.Skipped += o.Skipped
}

func (s *BatchStats) count(final model.Status) {
	switch final {
	case model.StatusProcessed:
		s.Processed++
	case model.StatusErrorExtraction:
		s.ErrorExtraction++
	case model.StatusErrorDownload:
		s.ErrorDownload++
	default:
		s.Skipped++
	}
}

// Pipeline moves selected items through resolution and download.
type Pipeline struct {
	store      ItemStore
	resolver   Resolver
	downloader Downloader
	opts       Options
	logger     *slog.Logger
}

// NewPipeline creates a pipeline with the given dependencies.
func NewPipeline(s ItemStore, r Resolver, d Downloader, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Statuses) == 0 {
		opts.Statuses = model.DefaultRetryable
	}
	return &Pipeline{store: s, resolver: r, downloader: d, opts: opts, logger: logger.With("component", "pipeline")}
}

// RunBatch selects up to BatchLimit eligible items, oldest attempt first,
// and processes each one. A failing item is recorded and never stops the
// batch; only storage failures and cancellation are returned.
func (p *Pipeline) RunBatch(ctx context.Context) (BatchStats, error) {
	return p.runBatch(ctx, "")
}

// Drain runs batches until every eligible item has been attempted once in
// this call or maxBatches is reached. Zero maxBatches means no cap.
func (p *Pipeline) Drain(ctx context.Context, maxBatches int) (BatchStats, error) {
	start := model.Now()
	var total BatchStats
	for n := 0; maxBatches <= 0 || n < maxBatches; n++ {
		stats, err := p.runBatch(ctx, start)
		total.add(stats)
		if err != nil {
			return total, err
		}
		if stats.Selected == stats.Skipped || p.opts.BatchLimit <= 0 {
			break
		}
	}
	return total, nil
}

func (p *Pipeline) runBatch(ctx context.Context, attemptedBefore string) (BatchStats, error) {
	var stats BatchStats
	items, err := p.store.ListItems(ctx, model.ItemFilter{
		Statuses:        p.opts.Statuses,
		Limit:           p.opts.BatchLimit,
		AttemptedBefore: attemptedBefore,
	})
	if err != nil {
		return stats, model.NewError(model.KindStorage, "list items", err)
	}
	stats.Selected = len(items)
	if len(items) == 0 {
		return stats, nil
	}
	p.logger.Info("batch started", "items", len(items), "workers", p.opts.Workers)

	if p.opts.Workers < 2 {
		for i := range items {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			final, err := p.Process(ctx, &items[i])
			if err != nil {
				if fatal(ctx, err) {
					return stats, err
				}
				p.logger.Error("item not processed", "item_id", items[i].ID, "error", err)
			}
			stats.count(final)
		}
	} else {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.opts.Workers)
		for i := range items {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				final, err := p.Process(gctx, &items[i])
				if err != nil {
					if fatal(gctx, err) {
						return err
					}
					p.logger.Error("item not processed", "item_id", items[i].ID, "error", err)
				}
				mu.Lock()
				stats.count(final)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}
	}

	p.logger.Info("batch finished",
		"selected", stats.Selected,
		"processed", stats.Processed,
		"error_extraction", stats.ErrorExtraction,
		"error_download", stats.ErrorDownload,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// Process runs one item to a final status and returns it. An empty status
// means the item was skipped. Panics are recovered and recorded on the item.
func (p *Pipeline) Process(ctx context.Context, item *model.Item) (final model.Status, err error) {
	log := p.logger.With("item_id", item.ID, "key", item.CanonicalKey)
	from := item.Status

	if err := item.ValidateTransition(model.StatusProcessing); err != nil {
		log.Warn("item skipped", "error", err)
		return "", nil
	}
	claimed, err := p.store.ClaimItem(ctx, item.ID, from)
	if err != nil {
		return "", model.NewError(model.KindStorage, "claim item", err)
	}
	if !claimed {
		log.Info("item claimed elsewhere, skipped")
		return "", nil
	}
	item.Status = model.StatusProcessing

	defer func() {
		if r := recover(); r != nil {
			log.Error("item panicked", "panic", r)
			final, err = p.fail(ctx, item, model.StatusErrorExtraction, &StepError{Step: "panic", Err: fmt.Errorf("%v", r)})
		}
	}()

	final, err = p.run(ctx, item, from, log)
	if err != nil && !model.IsStorage(err) && ctx.Err() == nil {
		// Anything else escaping run is recorded against the item.
		return p.fail(ctx, item, model.StatusErrorExtraction, err)
	}
	return final, err
}

func (p *Pipeline) run(ctx context.Context, item *model.Item, from model.Status, log *slog.Logger) (model.Status, error) {
	resources := item.Resources
	pageURL := item.PageURL()

	// Items that already failed downloading keep the resources they resolved.
	skipResolve := len(resources) > 0 &&
		(from == model.StatusAwaitingDownload || from == model.StatusErrorDownload || pageURL == "")
	if !skipResolve {
		if pageURL == "" {
			err := &model.Error{Kind: model.KindExtraction, Op: "resolve", Message: "item has no page URL"}
			return p.fail(ctx, item, model.StatusErrorExtraction, &StepError{Step: "resolve", Err: err})
		}
		res, err := p.resolver.Resolve(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return p.fail(ctx, item, model.StatusErrorExtraction, &StepError{Step: "resolve", Err: err})
		}

		if len(res.Metadata) > 0 {
			if err := p.store.RecordMetadata(ctx, item.ID, res.Metadata); err != nil {
				return "", model.NewError(model.KindStorage, "record metadata", err)
			}
			log.Debug("metadata recorded", "fields", res.Metadata.Keys())
		}
		resources = mergeResources(resources, res.Resources)
		if err := p.store.RecordResources(ctx, item.ID, resources); err != nil {
			return "", model.NewError(model.KindStorage, "record resources", err)
		}
		item.Resources = resources

		if p.opts.SaveSnapshots && res.PageHTML != "" {
			snap, err := p.downloader.SaveSnapshot(ctx, item.ID, pageURL, res.PageHTML)
			if err != nil {
				return "", err
			}
			if snap.Status.Failed() {
				log.Warn("snapshot not saved", "status", snap.Status, "error", snap.Err)
			}
		}
	}

	if len(resources) == 0 {
		log.Info("item has no resources")
		return p.finish(ctx, item, log)
	}

	var critical error
	for _, r := range resources {
		res, err := p.downloader.Download(ctx, item.ID, r.Type, r.URL)
		if err != nil {
			return "", err
		}
		if !res.Status.Failed() {
			continue
		}
		if r.Critical {
			if critical == nil {
				critical = fmt.Errorf("%s %s: %s", r.Type, r.URL, res.Status)
			}
			continue
		}
		log.Warn("optional resource failed", "file_type", r.Type, "url", r.URL, "status", res.Status)
	}
	if critical != nil {
		return p.fail(ctx, item, model.StatusErrorDownload, &StepError{Step: "download", Err: critical})
	}
	return p.finish(ctx, item, log)
}

func (p *Pipeline) finish(ctx context.Context, item *model.Item, log *slog.Logger) (model.Status, error) {
	if err := p.setStatus(ctx, item, model.StatusProcessed); err != nil {
		return "", err
	}
	log.Info("item processed", "resources", len(item.Resources))
	return model.StatusProcessed, nil
}

// fail records an error status with its ErrorInfo.
func (p *Pipeline) fail(ctx context.Context, item *model.Item, status model.Status, cause error) (model.Status, error) {
	if err := item.ValidateTransition(status); err != nil {
		return "", err
	}
	info := model.NewErrorInfo(stepOf(cause), cause)
	if err := p.store.SetItemError(ctx, item.ID, status, info); err != nil {
		return "", model.NewError(model.KindStorage, "set item error", err)
	}
	item.Status = status
	p.logger.Warn("item failed", "item_id", item.ID, "status", status, "step", info.FailedStep, "error", cause)
	return status, nil
}

func (p *Pipeline) setStatus(ctx context.Context, item *model.Item, next model.Status) error {
	if err := item.ValidateTransition(next); err != nil {
		return err
	}
	if err := p.store.SetItemStatus(ctx, item.ID, next); err != nil {
		return model.NewError(model.KindStorage, "set item status", err)
	}
	item.Status = next
	return nil
}

// fatal reports whether err must stop the batch.
func fatal(ctx context.Context, err error) bool {
	return model.IsStorage(err) || ctx.Err() != nil
}

// mergeResources keeps known resources and appends newly resolved ones,
// one entry per URL.
func mergeResources(known, resolved []model.Resource) []model.Resource {
	out := make([]model.Resource, 0, len(known)+len(resolved))
	seen := map[string]bool{}
	for _, list := range [][]model.Resource{known, resolved} {
		for _, r := range list {
			if r.URL == "" || seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			out = append(out, r)
		}
	}
	return out
}

// StepError wraps an error with the step name that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepName returns the failed step.
func (e *StepError) StepName() string {
	return e.Step
}

// stepNamer is implemented by errors that carry a pipeline step name.
type stepNamer interface {
	StepName() string
}

func stepOf(err error) string {
	var sn stepNamer
	if errors.As(err, &sn) {
		return sn.StepName()
	}
	return "unknown"
}
