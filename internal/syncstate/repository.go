package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/nbd-wtf/go-nostr"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
	relay_url TEXT NOT NULL,
	filter_hash TEXT NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL,
	last_download_event_id TEXT NOT NULL DEFAULT '',
	last_download_timestamp INTEGER NOT NULL DEFAULT 0,
	last_upload_event_id TEXT NOT NULL DEFAULT '',
	last_upload_timestamp INTEGER NOT NULL DEFAULT 0,
	events_downloaded INTEGER NOT NULL DEFAULT 0,
	events_uploaded INTEGER NOT NULL DEFAULT 0,
	backfill_target INTEGER NOT NULL DEFAULT 0,
	backfill_until INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	last_synced_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (relay_url, filter_hash)
);
`

// Repository persists SyncState rows in sqlite via sqlx.
type Repository struct {
	db *sqlx.DB
}

// NewRepository opens (or reuses) a sqlite connection and ensures the
// sync_state table exists.
func NewRepository(ctx context.Context, sqlitePath string) (*Repository, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync state database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sync state schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Get loads the row for (relayURL, filterHash), returning ErrNotFound if
// it doesn't exist.
func (r *Repository) Get(ctx context.Context, relayURL, filterHash string) (*SyncState, error) {
	var s SyncState
	err := r.db.GetContext(ctx, &s,
		`SELECT * FROM sync_state WHERE relay_url = ? AND filter_hash = ?`,
		relayURL, filterHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return &s, nil
}

// ForSync finds or creates the SyncState row for (relayURL, direction,
// filter), computing filter_hash. On a lost create race (another actor
// inserted the same primary key first) it recovers by re-reading the
// winner's row.
func (r *Repository) ForSync(ctx context.Context, relayURL string, direction Direction, filter nostr.Filter) (*SyncState, error) {
	hash, err := FilterHash(string(direction), filter)
	if err != nil {
		return nil, err
	}
	return r.forSyncHash(ctx, relayURL, direction, hash)
}

// ForUpload finds or creates the upload-only row, which uses the
// "upload" sentinel filter_hash rather than a computed one.
func (r *Repository) ForUpload(ctx context.Context, relayURL string) (*SyncState, error) {
	return r.forSyncHash(ctx, relayURL, DirectionUp, UploadFilterHash)
}

func (r *Repository) forSyncHash(ctx context.Context, relayURL string, direction Direction, hash string) (*SyncState, error) {
	existing, err := r.Get(ctx, relayURL, hash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	fresh := &SyncState{
		RelayURL:   relayURL,
		FilterHash: hash,
		Direction:  direction,
		Status:     StatusIdle,
		UpdatedAt:  now(),
	}

	_, insertErr := r.db.NamedExecContext(ctx, `
		INSERT INTO sync_state (
			relay_url, filter_hash, direction, status,
			last_download_event_id, last_download_timestamp,
			last_upload_event_id, last_upload_timestamp,
			events_downloaded, events_uploaded,
			backfill_target, backfill_until,
			error_message, last_synced_at, updated_at
		) VALUES (
			:relay_url, :filter_hash, :direction, :status,
			:last_download_event_id, :last_download_timestamp,
			:last_upload_event_id, :last_upload_timestamp,
			:events_downloaded, :events_uploaded,
			:backfill_target, :backfill_until,
			:error_message, :last_synced_at, :updated_at
		)`, fresh)
	if insertErr == nil {
		return fresh, nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(insertErr, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return r.Get(ctx, relayURL, hash)
	}
	return nil, fmt.Errorf("failed to create sync state: %w", insertErr)
}

// Save persists the full row, overwriting the existing one.
func (r *Repository) Save(ctx context.Context, s *SyncState) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE sync_state SET
			direction = :direction,
			status = :status,
			last_download_event_id = :last_download_event_id,
			last_download_timestamp = :last_download_timestamp,
			last_upload_event_id = :last_upload_event_id,
			last_upload_timestamp = :last_upload_timestamp,
			events_downloaded = :events_downloaded,
			events_uploaded = :events_uploaded,
			backfill_target = :backfill_target,
			backfill_until = :backfill_until,
			error_message = :error_message,
			last_synced_at = :last_synced_at,
			updated_at = :updated_at
		WHERE relay_url = :relay_url AND filter_hash = :filter_hash`, s)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// ListSyncing returns all rows currently in the syncing status, used by
// RecoverStale to find candidates.
func (r *Repository) ListSyncing(ctx context.Context) ([]*SyncState, error) {
	var rows []*SyncState
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM sync_state WHERE status = ?`, StatusSyncing)
	if err != nil {
		return nil, fmt.Errorf("failed to list syncing rows: %w", err)
	}
	return rows, nil
}

// ListError returns all rows currently in the error status.
func (r *Repository) ListError(ctx context.Context) ([]*SyncState, error) {
	var rows []*SyncState
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM sync_state WHERE status = ?`, StatusError)
	if err != nil {
		return nil, fmt.Errorf("failed to list error rows: %w", err)
	}
	return rows, nil
}

// ListAll returns every sync state row, for diagnostics.
func (r *Repository) ListAll(ctx context.Context) ([]*SyncState, error) {
	var rows []*SyncState
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM sync_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	return rows, nil
}
