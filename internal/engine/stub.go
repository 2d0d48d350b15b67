package engine

import (
	"context"
	"sync"

	"github.com/yangwenmai/repoharvest/internal/model"
)

// StubResolver returns canned resolutions keyed by page URL (for
// development/testing). Unknown URLs get a title-only resolution.
type StubResolver struct {
	Pages  map[string]*Resolution
	Errors map[string]error

	mu    sync.Mutex
	calls []string
}

func (r *StubResolver) Resolve(_ context.Context, pageURL string) (*Resolution, error) {
	r.mu.Lock()
	r.calls = append(r.calls, pageURL)
	r.mu.Unlock()

	if err, ok := r.Errors[pageURL]; ok {
		return nil, err
	}
	if res, ok := r.Pages[pageURL]; ok {
		return res, nil
	}
	return &Resolution{Metadata: model.Metadata{"title": model.String("Stub item " + pageURL)}}, nil
}

// Calls returns the page URLs resolved so far.
func (r *StubResolver) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}
