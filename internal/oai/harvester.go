// Package oai harvests OAI-PMH ListRecords responses into the item store.
package oai

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/repoharvest/internal/fetch"
	"github.com/yangwenmai/repoharvest/internal/model"
	"github.com/yangwenmai/repoharvest/internal/retry"
	"github.com/yangwenmai/repoharvest/internal/store"
)

// ItemStore is the store surface the harvester writes to.
type ItemStore interface {
	UpsertItem(ctx context.Context, attrs model.ItemAttrs, initial model.Status, reset model.ResetMode) (store.UpsertResult, error)
}

// Options tunes a Harvester.
type Options struct {
	// Policy governs retries of a single page request.
	Policy retry.Policy

	// RequestDelay is the pause between successful page fetches.
	RequestDelay time.Duration

	// Reset is applied when a record re-discovers an existing item.
	Reset model.ResetMode

	// Parallel bounds how many repositories HarvestAll runs at once.
	Parallel int
}

// Result summarises one repository harvest.
type Result struct {
	Repository string
	Pages      int
	Harvested  int
	Created    int
	Deleted    int
	Skipped    int
	Err        error
}

// Harvester pulls records from OAI-PMH endpoints.
type Harvester struct {
	client *fetch.Client
	store  ItemStore
	opts   Options
	logger *slog.Logger
}

// New creates a Harvester.
func New(client *fetch.Client, s ItemStore, opts Options, logger *slog.Logger) *Harvester {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	return &Harvester{client: client, store: s, opts: opts, logger: logger.With("component", "oai")}
}

// HarvestAll harvests every repository. A failing repository is recorded in
// its Result and never stops the others; only a storage failure is returned.
func (h *Harvester) HarvestAll(ctx context.Context, repos []Repository) ([]Result, error) {
	results := make([]Result, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.Parallel)
	for i, repo := range repos {
		g.Go(func() error {
			res, err := h.Harvest(gctx, repo)
			res.Err = err
			results[i] = res
			if model.IsStorage(err) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// Harvest runs the ListRecords loop for one repository until the list is
// complete, the record cap is reached, or the harvest aborts.
func (h *Harvester) Harvest(ctx context.Context, repo Repository) (Result, error) {
	res := Result{Repository: repo.Name}
	log := h.logger.With("repository", repo.Name)

	params := url.Values{
		"verb":           {"ListRecords"},
		"metadataPrefix": {repo.Prefix()},
	}
	if repo.Set != "" {
		params.Set("set", repo.Set)
	}

	log.Info("harvest started", "url", repo.BaseURL, "metadata_prefix", repo.Prefix(), "set", repo.Set)
	var prevToken string
	for {
		page, err := h.fetchPage(ctx, repo, params, res.Pages+1)
		if err != nil {
			log.Error("harvest aborted", "page", res.Pages+1, "error", err)
			return res, err
		}
		res.Pages++

		if page.ErrorCode != "" {
			if page.ErrorCode == ErrNoRecordsMatch {
				log.Info("harvest finished: no records match", "pages", res.Pages)
				return res, nil
			}
			msg := fmt.Sprintf("OAI error %s: %s", page.ErrorCode, page.ErrorMessage)
			if page.ErrorCode == ErrBadResumptionToken {
				// Tokens expire server side; the next harvest starts the list over.
				msg = fmt.Sprintf("resumption token %q rejected after %d pages: %s", prevToken, res.Pages-1, page.ErrorMessage)
				log.Error("harvest aborted: resumption token rejected", "token", prevToken, "pages", res.Pages-1)
			} else {
				log.Error("harvest aborted", "oai_error", page.ErrorCode, "message", page.ErrorMessage)
			}
			return res, &model.Error{Kind: model.KindProtocol, Op: "oai", URL: repo.BaseURL, Message: msg}
		}

		for _, rec := range page.Records {
			if err := h.handleRecord(ctx, repo, rec, &res, log); err != nil {
				return res, err
			}
			if repo.MaxRecords > 0 && res.Harvested >= repo.MaxRecords {
				log.Info("harvest finished: record cap reached", "cap", repo.MaxRecords, "pages", res.Pages)
				return res, nil
			}
		}

		token := page.Token
		if token == "" {
			log.Info("harvest finished", "pages", res.Pages, "harvested", res.Harvested, "created", res.Created, "deleted", res.Deleted)
			return res, nil
		}
		if token == prevToken {
			err := &model.Error{
				Kind:    model.KindProtocol,
				Op:      "oai",
				URL:     repo.BaseURL,
				Message: fmt.Sprintf("resumption token %q repeated", token),
			}
			log.Error("harvest aborted", "error", err)
			return res, err
		}
		prevToken = token

		// Once a token is in use only verb and resumptionToken are sent.
		params = url.Values{
			"verb":            {"ListRecords"},
			"resumptionToken": {token},
		}
		if err := retry.Sleep(ctx, h.opts.RequestDelay); err != nil {
			return res, err
		}
	}
}

func (h *Harvester) handleRecord(ctx context.Context, repo Repository, rec Record, res *Result, log *slog.Logger) error {
	if rec.Deleted {
		res.Deleted++
		log.Info("skipping deleted record", "identifier", rec.Identifier)
		return nil
	}
	if rec.Identifier == "" {
		res.Skipped++
		log.Warn("skipping record without identifier")
		return nil
	}

	m := MapRecord(repo, rec)
	up, err := h.store.UpsertItem(ctx, m.Attrs, m.InitialStatus(), h.opts.Reset)
	if err != nil {
		return model.NewError(model.KindStorage, "upsert item", err)
	}
	res.Harvested++
	if up.Created {
		res.Created++
	}
	log.Debug("record stored",
		"identifier", rec.Identifier,
		"item_id", up.ID,
		"status", up.Status,
		"created", up.Created,
		"resource_url", m.ResourceURL,
	)
	return nil
}

// fetchPage performs one ListRecords request, retrying the same parameters
// on network and 5xx failures.
func (h *Harvester) fetchPage(ctx context.Context, repo Repository, params url.Values, pageNo int) (*Page, error) {
	var page *Page
	_, err := h.opts.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		body, err := h.client.Body(ctx, "oai", repo.BaseURL, params)
		if err != nil {
			if model.IsRetryable(err) {
				h.logger.Warn("page request failed",
					"repository", repo.Name, "page", pageNo, "attempt", attempt+1, "error", err)
			}
			return err
		}
		p, err := ParsePage(body)
		if err != nil {
			return &model.Error{Kind: model.KindProtocol, Op: "oai", URL: repo.BaseURL, Message: "malformed response", Err: err}
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}
