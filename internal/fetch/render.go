package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
)

// Renderer turns a URL into page HTML. Search and resolution code depends
// only on this interface, never on how the page was obtained.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// HTTPRenderer renders pages with a plain GET.
type HTTPRenderer struct {
	client *Client
}

// NewHTTPRenderer creates a renderer backed by c.
func NewHTTPRenderer(c *Client) *HTTPRenderer {
	return &HTTPRenderer{client: c}
}

// Render fetches url and returns the body as HTML.
func (r *HTTPRenderer) Render(ctx context.Context, url string) (string, error) {
	body, err := r.client.Body(ctx, "render", url, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// BrowserRenderer renders JavaScript-driven pages in headless Chrome.
// Requires Chrome/Chromium on the host.
type BrowserRenderer struct {
	timeout time.Duration
	settle  time.Duration
	logger  *slog.Logger
}

// NewBrowserRenderer creates a chromedp-backed renderer. settle is the extra
// wait after the body is ready for scripts to populate the page.
func NewBrowserRenderer(timeout, settle time.Duration, logger *slog.Logger) *BrowserRenderer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserRenderer{timeout: timeout, settle: settle, logger: logger}
}

// Render navigates to url and returns the rendered document's outer HTML.
func (r *BrowserRenderer) Render(ctx context.Context, url string) (string, error) {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, r.timeout)
	defer cancel()

	var html string
	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	}
	if r.settle > 0 {
		actions = append(actions, chromedp.Sleep(r.settle))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html))

	if err := chromedp.Run(browserCtx, actions...); err != nil {
		return "", Classify(ctx, "render", url, fmt.Errorf("browser: %w", err))
	}
	r.logger.Debug("browser rendered page", "url", url, "bytes", len(html))
	return html, nil
}
