package search

import (
	"context"
	"log/slog"

	"github.com/yangwenmai/repoharvest/internal/fetch"
	"github.com/yangwenmai/repoharvest/internal/model"
	"github.com/yangwenmai/repoharvest/internal/retry"
	"github.com/yangwenmai/repoharvest/internal/store"
)

// ItemStore is the store surface discovery writes to.
type ItemStore interface {
	UpsertItem(ctx context.Context, attrs model.ItemAttrs, initial model.Status, reset model.ResetMode) (store.UpsertResult, error)
}

// Options tunes a Discoverer.
type Options struct {
	Policy retry.Policy

	// MaxPages applies to sites that do not set their own cap.
	MaxPages int

	Reset model.ResetMode
}

// KeywordResult summarises one keyword run on one site.
type KeywordResult struct {
	Site    string
	Keyword string
	Pages   int
	Found   int
	Created int
	Err     error
}

// Discoverer registers search hits as METADATA_PENDING items.
type Discoverer struct {
	renderer fetch.Renderer
	store    ItemStore
	opts     Options
	logger   *slog.Logger
}

// NewDiscoverer creates a Discoverer. The renderer backs the HTMLPager of
// every site passed to DiscoverAll.
func NewDiscoverer(r fetch.Renderer, s ItemStore, opts Options, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{renderer: r, store: s, opts: opts, logger: logger.With("component", "search")}
}

// DiscoverAll runs every keyword of every site. A failing keyword is recorded
// in its result; only a storage failure stops the run.
func (d *Discoverer) DiscoverAll(ctx context.Context, sites []Site) ([]KeywordResult, error) {
	var results []KeywordResult
	for _, site := range sites {
		pager := NewHTMLPager(site, d.renderer)
		for _, kw := range site.Keywords {
			res, err := d.Discover(ctx, site, pager, kw)
			res.Err = err
			results = append(results, res)
			if model.IsStorage(err) || ctx.Err() != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// Discover pages through the results for keyword until there is no next
// page, the page cap is hit, or a page repeats only already-seen hits.
func (d *Discoverer) Discover(ctx context.Context, site Site, pager Pager, keyword string) (KeywordResult, error) {
	res := KeywordResult{Site: site.Name, Keyword: keyword}
	log := d.logger.With("site", site.Name, "keyword", keyword)

	maxPages := site.MaxPages
	if maxPages == 0 {
		maxPages = d.opts.MaxPages
	}

	seen := map[string]bool{}
	log.Info("keyword search started", "max_pages", maxPages)
	for n := 1; maxPages <= 0 || n <= maxPages; n++ {
		var page Page
		_, err := d.opts.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
			p, err := pager.Page(ctx, keyword, n)
			if err != nil {
				if model.IsRetryable(err) {
					log.Warn("search page failed", "page", n, "attempt", attempt+1, "error", err)
				}
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			log.Error("keyword search aborted", "page", n, "error", err)
			return res, err
		}
		res.Pages++

		fresh := 0
		for _, hit := range page.Results {
			if seen[hit.ItemPageURL] {
				continue
			}
			seen[hit.ItemPageURL] = true
			fresh++
			if err := d.register(ctx, site, keyword, hit, &res); err != nil {
				return res, err
			}
		}
		log.Info("search page processed", "page", n, "results", len(page.Results), "new", fresh)

		if !page.HasNext {
			break
		}
		if len(page.Results) > 0 && fresh == 0 {
			// The site ignored the page parameter and served the same hits.
			log.Warn("search page repeated earlier results, stopping", "page", n)
			break
		}
	}
	log.Info("keyword search finished", "pages", res.Pages, "found", res.Found, "created", res.Created)
	return res, nil
}

func (d *Discoverer) register(ctx context.Context, site Site, keyword string, hit Result, res *KeywordResult) error {
	md := model.Metadata{}
	md.Set("title", model.String(hit.Title))
	md.Set("search_keyword", model.String(keyword))
	up, err := d.store.UpsertItem(ctx, model.ItemAttrs{
		ItemPageURL:   hit.ItemPageURL,
		DiscoveryMode: model.DiscoveryKeyword,
		Source:        site.Name,
		Metadata:      md,
	}, model.StatusMetadataPending, d.opts.Reset)
	if err != nil {
		return model.NewError(model.KindStorage, "upsert item", err)
	}
	res.Found++
	if up.Created {
		res.Created++
	}
	d.logger.Debug("search hit stored", "item_id", up.ID, "url", hit.ItemPageURL, "status", up.Status, "created", up.Created)
	return nil
}
