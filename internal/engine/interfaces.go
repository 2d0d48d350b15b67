package engine

import (
	"context"

	"github.com/yangwenmai/repoharvest/internal/download"
	"github.com/yangwenmai/repoharvest/internal/model"
)

// Resolver turns an item page into metadata and downloadable resources.
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (*Resolution, error)
}

// Resolution is what a Resolver found on an item page.
type Resolution struct {
	Metadata  model.Metadata
	Resources []model.Resource

	// PageHTML is the page as fetched, kept for optional snapshots.
	PageHTML string
}

// Downloader fetches resources and records their outcome.
type Downloader interface {
	Download(ctx context.Context, itemID string, ft model.FileType, url string) (download.Result, error)
	SaveSnapshot(ctx context.Context, itemID, pageURL, html string) (download.Result, error)
}

// ItemStore is the store surface the orchestrator drives.
type ItemStore interface {
	ListItems(ctx context.Context, f model.ItemFilter) ([]model.Item, error)
	ClaimItem(ctx context.Context, id string, from model.Status) (bool, error)
	SetItemStatus(ctx context.Context, id string, status model.Status) error
	SetItemError(ctx context.Context, id string, status model.Status, info model.ErrorInfo) error
	RecordMetadata(ctx context.Context, id string, md model.Metadata) error
	RecordResources(ctx context.Context, id string, resources []model.Resource) error
}
