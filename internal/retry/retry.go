// Package retry holds the one attempt/backoff policy shared by every network
// caller in the pipeline.
package retry

import (
	"context"
	"time"

	"github.com/yangwenmai/repoharvest/internal/model"
)

// Policy bounds how often a call is repeated and how long to wait between
// attempts. Attempts are numbered from 0.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failure; it doubles each attempt.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration

	// Sleep waits for d or until ctx is done. Nil uses a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a policy with real sleeps.
func New(maxAttempts int, base, max time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: max}
}

// NoDelay returns a policy that retries immediately, for tests.
func NoDelay(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

// Attempts returns MaxAttempts, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay is the wait after the given failed attempt: base * 2^attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Wait sleeps for Delay(attempt), returning early with ctx.Err() on cancel.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. It returns the last error and the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	var err error
	n := p.Attempts()
	for attempt := 0; attempt < n; attempt++ {
		if attempt > 0 {
			if werr := p.Wait(ctx, attempt-1); werr != nil {
				return attempt, werr
			}
		}
		err = fn(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil {
			return attempt + 1, ctx.Err()
		}
		if !model.IsRetryable(err) {
			return attempt + 1, err
		}
	}
	return n, err
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
