// Package version keeps the append-only history of an asset's location and
// metadata changes. Pure audit log: insertion order is the only guarantee.
package version

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stratafs/strata/internal/model"
)

// Tracker appends to and reads from the version_history table in the
// registry database.
type Tracker struct {
	db *sql.DB
}

func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// TrackVersion appends one history entry for a content hash.
func (t *Tracker) TrackVersion(ctx context.Context, contentHash, path, locationID string, meta model.AssetMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO version_history (content_hash, location_id, file_path, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, contentHash, locationID, path, string(metaJSON), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to track version: %w", err)
	}
	return nil
}

// VersionHistory returns entries for a content hash in insertion order.
func (t *Tracker) VersionHistory(ctx context.Context, contentHash string) ([]*model.VersionEntry, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, content_hash, location_id, file_path, metadata, recorded_at
		FROM version_history
		WHERE content_hash = ?
		ORDER BY id ASC
	`, contentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get version history: %w", err)
	}
	defer rows.Close()

	var entries []*model.VersionEntry
	for rows.Next() {
		var e model.VersionEntry
		var metaJSON, recordedAt string
		if err := rows.Scan(&e.ID, &e.ContentHash, &e.LocationID, &e.FilePath, &metaJSON, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version entry: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode version metadata: %w", err)
		}
		e.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// FirstSeen returns the timestamp of the earliest history entry for a
// content hash. ok is false when no history exists yet.
func (t *Tracker) FirstSeen(ctx context.Context, contentHash string) (time.Time, bool, error) {
	var recordedAt sql.NullString
	err := t.db.QueryRowContext(ctx, `
		SELECT MIN(recorded_at) FROM version_history WHERE content_hash = ?
	`, contentHash).Scan(&recordedAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get first-seen time: %w", err)
	}
	if !recordedAt.Valid {
		return time.Time{}, false, nil
	}
	at, err := time.Parse(time.RFC3339, recordedAt.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse first-seen time: %w", err)
	}
	return at, true, nil
}

// VersionCount returns the number of history entries for a content hash.
func (t *Tracker) VersionCount(ctx context.Context, contentHash string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM version_history WHERE content_hash = ?
	`, contentHash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count versions: %w", err)
	}
	return n, nil
}
