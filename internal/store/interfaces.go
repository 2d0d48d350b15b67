package store

import (
	"context"
	"time"

	"github.com/yangwenmai/repoharvest/internal/model"
)

// ItemReader provides read access to items.
type ItemReader interface {
	GetItem(ctx context.Context, id string) (*model.ItemWithFiles, error)
	FindItemByKey(ctx context.Context, key string) (*model.Item, error)
	ListItems(ctx context.Context, f model.ItemFilter) ([]model.Item, error)
}

// ItemWriter provides write access to items.
type ItemWriter interface {
	UpsertItem(ctx context.Context, attrs model.ItemAttrs, initial model.Status, reset model.ResetMode) (UpsertResult, error)
	ClaimItem(ctx context.Context, id string, from model.Status) (bool, error)
	SetItemStatus(ctx context.Context, id string, status model.Status) error
	SetItemError(ctx context.Context, id string, status model.Status, info model.ErrorInfo) error
	RecordMetadata(ctx context.Context, id string, md model.Metadata) error
	RecordResources(ctx context.Context, id string, resources []model.Resource) error
}

// ItemRecovery resets items abandoned by a killed process.
type ItemRecovery interface {
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
}

// FileStore provides access to file artifact outcomes.
type FileStore interface {
	UpsertFileResult(ctx context.Context, r model.FileResult) error
	GetFileStatus(ctx context.Context, itemID, remoteURL string) (FileStatus, bool, error)
	ListFiles(ctx context.Context, itemID string) ([]model.FileArtifact, error)
}

// StatsReader provides aggregate counts.
type StatsReader interface {
	CountItemsByStatus(ctx context.Context) ([]StatusCount, error)
	CountFilesByTypeAndStatus(ctx context.Context) ([]FileCount, error)
}

// Pinger checks that the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Repository combines all operations for the API layer.
type Repository interface {
	Pinger
	ItemReader
	ItemWriter
	FileStore
	StatsReader
}
