package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/yangwenmai/repoharvest/internal/model"
)

// ---------------------------------------------------------------------------
// File artifacts
// ---------------------------------------------------------------------------

const fileColumns = `id, item_id, file_type, remote_url, local_path, download_status, content_hash, size_bytes, last_attempt_at, success_at`

type fileRow struct {
	ID             string         `db:"id"`
	ItemID         string         `db:"item_id"`
	FileType       string         `db:"file_type"`
	RemoteURL      string         `db:"remote_url"`
	LocalPath      sql.NullString `db:"local_path"`
	DownloadStatus string         `db:"download_status"`
	ContentHash    sql.NullString `db:"content_hash"`
	SizeBytes      sql.NullInt64  `db:"size_bytes"`
	LastAttemptAt  string         `db:"last_attempt_at"`
	SuccessAt      sql.NullString `db:"success_at"`
}

func (r fileRow) toArtifact() model.FileArtifact {
	a := model.FileArtifact{
		ID:             r.ID,
		ItemID:         r.ItemID,
		FileType:       model.FileType(r.FileType),
		RemoteURL:      r.RemoteURL,
		LocalPath:      nullable(r.LocalPath),
		DownloadStatus: model.DownloadStatus(r.DownloadStatus),
		ContentHash:    nullable(r.ContentHash),
		LastAttemptAt:  r.LastAttemptAt,
		SuccessAt:      nullable(r.SuccessAt),
	}
	if r.SizeBytes.Valid {
		n := r.SizeBytes.Int64
		a.SizeBytes = &n
	}
	return a
}

// UpsertFileResult records the latest outcome for (item_id, remote_url).
// The unique index makes repeated and concurrent calls update one row.
// success_at is set exactly when the status is a terminal success.
func (s *Store) UpsertFileResult(ctx context.Context, r model.FileResult) error {
	now := model.Now()
	var successAt sql.NullString
	var size sql.NullInt64
	if r.Status.Success() {
		successAt = sql.NullString{String: now, Valid: true}
		size = sql.NullInt64{Int64: r.Size, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO file_artifacts (id, item_id, file_type, remote_url, local_path, download_status, content_hash, size_bytes, last_attempt_at, success_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id, remote_url) DO UPDATE SET
			file_type = excluded.file_type,
			local_path = excluded.local_path,
			download_status = excluded.download_status,
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			last_attempt_at = excluded.last_attempt_at,
			success_at = excluded.success_at`),
		uuid.New().String(), r.ItemID, string(r.FileType), r.RemoteURL,
		nullString(r.LocalPath), string(r.Status), nullString(r.Hash), size, now, successAt,
	)
	return err
}

// FileStatus is the stored outcome used to skip redundant downloads.
type FileStatus struct {
	Status    model.DownloadStatus
	LocalPath string
}

// GetFileStatus returns the latest outcome for (item_id, remote_url).
// found is false when no attempt was ever recorded.
func (s *Store) GetFileStatus(ctx context.Context, itemID, remoteURL string) (FileStatus, bool, error) {
	var row struct {
		Status    string         `db:"download_status"`
		LocalPath sql.NullString `db:"local_path"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT download_status, local_path FROM file_artifacts WHERE item_id = ? AND remote_url = ?`), itemID, remoteURL)
	if errors.Is(err, sql.ErrNoRows) {
		return FileStatus{}, false, nil
	}
	if err != nil {
		return FileStatus{}, false, err
	}
	return FileStatus{Status: model.DownloadStatus(row.Status), LocalPath: row.LocalPath.String}, true, nil
}

// ListFiles returns the artifacts of an item, oldest attempt first.
func (s *Store) ListFiles(ctx context.Context, itemID string) ([]model.FileArtifact, error) {
	var rows []fileRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+fileColumns+` FROM file_artifacts WHERE item_id = ? ORDER BY last_attempt_at ASC, id ASC`), itemID); err != nil {
		return nil, err
	}
	files := make([]model.FileArtifact, 0, len(rows))
	for _, r := range rows {
		files = append(files, r.toArtifact())
	}
	return files, nil
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// StatusCount is the number of items in one status.
type StatusCount struct {
	Status model.Status `db:"status" json:"status"`
	Count  int          `db:"n" json:"count"`
}

// FileCount is the number of artifacts per type and outcome.
type FileCount struct {
	FileType model.FileType       `db:"file_type" json:"file_type"`
	Status   model.DownloadStatus `db:"download_status" json:"download_status"`
	Count    int                  `db:"n" json:"count"`
}

// CountItemsByStatus returns item counts grouped by status.
func (s *Store) CountItemsByStatus(ctx context.Context) ([]StatusCount, error) {
	var out []StatusCount
	err := s.db.SelectContext(ctx, &out, `SELECT status, COUNT(*) AS n FROM items GROUP BY status ORDER BY status`)
	return out, err
}

// CountFilesByTypeAndStatus returns artifact counts grouped by type and outcome.
func (s *Store) CountFilesByTypeAndStatus(ctx context.Context) ([]FileCount, error) {
	var out []FileCount
	err := s.db.SelectContext(ctx, &out, `SELECT file_type, download_status, COUNT(*) AS n FROM file_artifacts GROUP BY file_type, download_status ORDER BY file_type, download_status`)
	return out, err
}
