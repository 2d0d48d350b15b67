package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/yangwenmai/repoharvest/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ ItemReader   = (*Store)(nil)
	_ ItemWriter   = (*Store)(nil)
	_ FileStore    = (*Store)(nil)
	_ StatsReader  = (*Store)(nil)
	_ ItemRecovery = (*Store)(nil)
)

// Store provides transactional access to items and file artifacts.
type Store struct {
	db *sqlx.DB
}

// New creates a new Store and initialises the schema.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// currentSchemaVersion is bumped whenever the schema changes.
// Add a new migration function in the migrations slice below.
const currentSchemaVersion = 2

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := [currentSchemaVersion][]string{
		schemaV1, // v0 → v1: items and file_artifacts
		schemaV2, // v1 → v2: lookup indexes for OAI identifier and source
	}

	for i := version; i < len(migrations); i++ {
		for _, stmt := range migrations[i] {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
			}
		}
		if _, err := s.db.Exec(s.db.Rebind(`UPDATE schema_version SET version = ?`), i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

// Statements run one at a time so both drivers accept them.
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id              TEXT PRIMARY KEY,
		canonical_key   TEXT NOT NULL,
		oai_identifier  TEXT,
		item_page_url   TEXT,
		discovery_mode  TEXT NOT NULL,
		source          TEXT NOT NULL,
		status          TEXT NOT NULL,
		metadata        TEXT NOT NULL DEFAULT '{}',
		resources       TEXT NOT NULL DEFAULT '[]',
		error_info      TEXT,
		created_at      TEXT NOT NULL,
		last_attempt_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_items_key ON items(canonical_key)`,
	`CREATE INDEX IF NOT EXISTS idx_items_status ON items(status, last_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS file_artifacts (
		id              TEXT PRIMARY KEY,
		item_id         TEXT NOT NULL REFERENCES items(id),
		file_type       TEXT NOT NULL,
		remote_url      TEXT NOT NULL,
		local_path      TEXT,
		download_status TEXT NOT NULL,
		content_hash    TEXT,
		size_bytes      BIGINT,
		last_attempt_at TEXT NOT NULL,
		success_at      TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_files_key ON file_artifacts(item_id, remote_url)`,
}

var schemaV2 = []string{
	`CREATE INDEX IF NOT EXISTS idx_items_oai ON items(oai_identifier)`,
	`CREATE INDEX IF NOT EXISTS idx_items_source ON items(source, discovery_mode)`,
}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

const itemColumns = `id, canonical_key, oai_identifier, item_page_url, discovery_mode, source, status, metadata, resources, error_info, created_at, last_attempt_at`

// itemRow is the stored shape of an item.
type itemRow struct {
	ID            string         `db:"id"`
	CanonicalKey  string         `db:"canonical_key"`
	OAIIdentifier sql.NullString `db:"oai_identifier"`
	ItemPageURL   sql.NullString `db:"item_page_url"`
	DiscoveryMode string         `db:"discovery_mode"`
	Source        string         `db:"source"`
	Status        string         `db:"status"`
	Metadata      string         `db:"metadata"`
	Resources     string         `db:"resources"`
	ErrorInfo     sql.NullString `db:"error_info"`
	CreatedAt     string         `db:"created_at"`
	LastAttemptAt sql.NullString `db:"last_attempt_at"`
}

func (r itemRow) toItem() (*model.Item, error) {
	md, err := model.DecodeMetadata(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", r.ID, err)
	}
	res, err := decodeResources(r.Resources)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", r.ID, err)
	}
	return &model.Item{
		ID:            r.ID,
		CanonicalKey:  r.CanonicalKey,
		OAIIdentifier: nullable(r.OAIIdentifier),
		ItemPageURL:   nullable(r.ItemPageURL),
		DiscoveryMode: model.DiscoveryMode(r.DiscoveryMode),
		Source:        r.Source,
		Status:        model.Status(r.Status),
		Metadata:      md,
		Resources:     res,
		ErrorInfo:     nullable(r.ErrorInfo),
		CreatedAt:     r.CreatedAt,
		LastAttemptAt: nullable(r.LastAttemptAt),
	}, nil
}

// UpsertResult reports how an upsert resolved.
type UpsertResult struct {
	ID      string
	Status  model.Status
	Created bool
	Reset   bool
}

// UpsertItem creates the item for attrs' canonical key if absent. An existing
// row keeps its id and status unless reset applies to its status, in which
// case the status is set back to initial. A concurrent create of the same key
// resolves to one winner; losers re-read and return the winner's row.
func (s *Store) UpsertItem(ctx context.Context, attrs model.ItemAttrs, initial model.Status, reset model.ResetMode) (UpsertResult, error) {
	key := attrs.CanonicalKey()
	if key == "" {
		return UpsertResult{}, errors.New("upsert item: empty canonical key")
	}
	if !initial.Valid() {
		return UpsertResult{}, fmt.Errorf("upsert item: invalid status %q", initial)
	}
	md, err := model.EncodeMetadata(attrs.Metadata)
	if err != nil {
		return UpsertResult{}, err
	}
	res, err := encodeResources(attrs.Resources)
	if err != nil {
		return UpsertResult{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	inserted, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO items (id, canonical_key, oai_identifier, item_page_url, discovery_mode, source, status, metadata, resources, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canonical_key) DO NOTHING`),
		id, key, nullString(attrs.OAIIdentifier), nullString(attrs.ItemPageURL),
		string(attrs.DiscoveryMode), attrs.Source, string(initial), md, res, model.Now(),
	)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("insert item: %w", err)
	}
	if n, _ := inserted.RowsAffected(); n == 1 {
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{ID: id, Status: initial, Created: true}, nil
	}

	var row itemRow
	if err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+itemColumns+` FROM items WHERE canonical_key = ?`), key); err != nil {
		return UpsertResult{}, fmt.Errorf("re-read item: %w", err)
	}
	existing, err := row.toItem()
	if err != nil {
		return UpsertResult{}, err
	}

	// Fill gaps left by the other discovery channel without overwriting.
	for k, v := range attrs.Metadata {
		if _, ok := existing.Metadata.Get(k); !ok {
			existing.Metadata.Set(k, v)
		}
	}
	merged, err := model.EncodeMetadata(existing.Metadata)
	if err != nil {
		return UpsertResult{}, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE items SET
			oai_identifier = COALESCE(oai_identifier, ?),
			item_page_url = COALESCE(item_page_url, ?),
			metadata = ?,
			resources = CASE WHEN resources = '[]' THEN ? ELSE resources END
		WHERE id = ?`),
		nullString(attrs.OAIIdentifier), nullString(attrs.ItemPageURL), merged, res, existing.ID,
	); err != nil {
		return UpsertResult{}, fmt.Errorf("fill item: %w", err)
	}

	out := UpsertResult{ID: existing.ID, Status: existing.Status}
	if reset.Applies(existing.Status) && existing.Status != initial {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE items SET status = ?, error_info = NULL WHERE id = ?`), string(initial), existing.ID); err != nil {
			return UpsertResult{}, fmt.Errorf("reset item: %w", err)
		}
		out.Status = initial
		out.Reset = true
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return out, nil
}

// GetItem returns an item together with its file artifacts.
func (s *Store) GetItem(ctx context.Context, id string) (*model.ItemWithFiles, error) {
	var row itemRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`), id); err != nil {
		return nil, err
	}
	item, err := row.toItem()
	if err != nil {
		return nil, err
	}
	files, err := s.ListFiles(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.ItemWithFiles{Item: *item, Files: files}, nil
}

// FindItemByKey returns the item with the given canonical key.
func (s *Store) FindItemByKey(ctx context.Context, key string) (*model.Item, error) {
	var row itemRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+itemColumns+` FROM items WHERE canonical_key = ?`), key); err != nil {
		return nil, err
	}
	return row.toItem()
}

// ListItems returns items matching f, oldest-attempted first. Items never
// attempted come before all others.
func (s *Store) ListItems(ctx context.Context, f model.ItemFilter) ([]model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items`
	var conditions []string
	var args []interface{}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, "status IN (?)")
		args = append(args, statuses)
	}
	if len(f.DiscoveryModes) > 0 {
		modes := make([]string, len(f.DiscoveryModes))
		for i, m := range f.DiscoveryModes {
			modes[i] = string(m)
		}
		conditions = append(conditions, "discovery_mode IN (?)")
		args = append(args, modes)
	}
	if len(f.Sources) > 0 {
		conditions = append(conditions, "source IN (?)")
		args = append(args, f.Sources)
	}
	if f.AttemptedBefore != "" {
		conditions = append(conditions, "(last_attempt_at IS NULL OR last_attempt_at < ?)")
		args = append(args, f.AttemptedBefore)
	}
	if f.Query != "" {
		like := "%" + f.Query + "%"
		conditions = append(conditions, "(canonical_key LIKE ? OR source LIKE ? OR metadata LIKE ?)")
		args = append(args, like, like, like)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY COALESCE(last_attempt_at, '') ASC, created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	if len(args) > 0 {
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, fmt.Errorf("expand filter: %w", err)
		}
	}

	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	items := make([]model.Item, 0, len(rows))
	for _, r := range rows {
		item, err := r.toItem()
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}

// SetItemStatus changes the status of an item unconditionally, stamps
// last_attempt_at and clears any previous error.
func (s *Store) SetItemStatus(ctx context.Context, id string, status model.Status) error {
	return s.updateStatus(ctx, id, status, nil)
}

// SetItemError records an error status together with its details.
func (s *Store) SetItemError(ctx context.Context, id string, status model.Status, info model.ErrorInfo) error {
	j := info.ToJSON()
	return s.updateStatus(ctx, id, status, &j)
}

// ClaimItem moves an item from status from to PROCESSING. It reports false
// without error when another process changed the status first.
func (s *Store) ClaimItem(ctx context.Context, id string, from model.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE items SET status = ?, error_info = NULL, last_attempt_at = ? WHERE id = ? AND status = ?`),
		string(model.StatusProcessing), model.Now(), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) updateStatus(ctx context.Context, id string, status model.Status, errorInfo *string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE items SET status = ?, error_info = ?, last_attempt_at = ? WHERE id = ?`),
		string(status), errorInfo, model.Now(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// RecordMetadata merges md into the item's metadata; new keys overwrite.
// The status is left alone.
func (s *Store) RecordMetadata(ctx context.Context, id string, md model.Metadata) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.GetContext(ctx, &raw, tx.Rebind(`SELECT metadata FROM items WHERE id = ?`), id); err != nil {
		return err
	}
	current, err := model.DecodeMetadata(raw)
	if err != nil {
		return err
	}
	current.Merge(md)
	encoded, err := model.EncodeMetadata(current)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE items SET metadata = ? WHERE id = ?`), encoded, id); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordResources replaces the resolved resource list of an item.
func (s *Store) RecordResources(ctx context.Context, id string, resources []model.Resource) error {
	encoded, err := encodeResources(resources)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE items SET resources = ? WHERE id = ?`), encoded, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ResetStaleProcessing returns items stuck in PROCESSING for longer than
// olderThan to the pending status they would be retried from. A zero
// olderThan resets every PROCESSING item.
func (s *Store) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now()
	cutoff := model.FormatTime(now.Add(-olderThan))
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE items SET
			status = CASE
				WHEN resources != '[]' THEN ?
				WHEN discovery_mode = ? THEN ?
				ELSE ?
			END,
			last_attempt_at = ?
		WHERE status = ? AND (last_attempt_at IS NULL OR last_attempt_at <= ?)`),
		string(model.StatusAwaitingDownload),
		string(model.DiscoveryKeyword), string(model.StatusMetadataPending),
		string(model.StatusLinkPending),
		model.FormatTime(now),
		string(model.StatusProcessing), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func encodeResources(r []model.Resource) (string, error) {
	if len(r) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode resources: %w", err)
	}
	return string(b), nil
}

func decodeResources(raw string) ([]model.Resource, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var r []model.Resource
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
