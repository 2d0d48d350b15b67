// Package fetch performs single HTTP requests with their own timeout and
// classifies every failure into the pipeline's error taxonomy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/yangwenmai/repoharvest/internal/model"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 60 * time.Second

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "repoharvest/1.0 (+institutional repository harvester)"

// maxBodySize is the maximum body read by Body (20MB).
const maxBodySize = 20 * 1024 * 1024

// Options configures a Client.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Accept    string
}

// Client issues GET requests. Every call is bounded by Options.Timeout.
type Client struct {
	http *http.Client
	opts Options
}

// New creates a Client. A zero timeout uses DefaultTimeout.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Client{
		http: &http.Client{Timeout: opts.Timeout},
		opts: opts,
	}
}

// Get requests rawURL with the given query parameters. On a 2xx response the
// caller owns the body. Any other outcome is a *model.Error and the body is closed.
func (c *Client) Get(ctx context.Context, op, rawURL string, params url.Values) (*http.Response, error) {
	target := rawURL
	if len(params) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, &model.Error{Kind: model.KindClient, Op: op, URL: rawURL, Message: "invalid URL", Err: err}
		}
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &model.Error{Kind: model.KindClient, Op: op, URL: target, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.Accept != "" {
		req.Header.Set("Accept", c.opts.Accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Classify(ctx, op, target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, model.StatusError(op, target, resp.StatusCode)
	}
	return resp, nil
}

// Body fetches rawURL and returns the (size-limited) body.
func (c *Client) Body(ctx context.Context, op, rawURL string, params url.Values) ([]byte, error) {
	resp, err := c.Get(ctx, op, rawURL, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, Classify(ctx, op, rawURL, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

// Classify turns a transport or body-read error into a *model.Error. A
// cancelled parent context is returned as-is so retry loops stop.
func Classify(ctx context.Context, op, rawURL string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	return model.NetworkError(op, rawURL, err, isTimeout(err))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
