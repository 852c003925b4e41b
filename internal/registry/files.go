package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
)

// TrackFile upserts the (contentHash, locationID) record. A successful
// track resets the sync status to synced and clears any error message.
func (r *Registry) TrackFile(ctx context.Context, contentHash, locationID, path string, size int64, metadataEmbedded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := `
		INSERT INTO file_locations
			(content_hash, location_id, file_path, file_size, last_verified, metadata_embedded, sync_status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, 'synced', '')
		ON CONFLICT(content_hash, location_id) DO UPDATE SET
			file_path = excluded.file_path,
			file_size = excluded.file_size,
			last_verified = excluded.last_verified,
			metadata_embedded = excluded.metadata_embedded,
			sync_status = 'synced',
			error_message = ''
	`
	_, err := r.db.ExecContext(ctx, query,
		contentHash, locationID, path, size,
		time.Now().UTC().Format(time.RFC3339), metadataEmbedded)
	if err != nil {
		return fmt.Errorf("failed to track file %s at %s: %w", contentHash, locationID, err)
	}
	return nil
}

const fileLocationColumns = `
	f.content_hash, f.location_id, f.file_path, f.file_size, f.last_verified,
	f.metadata_embedded, f.sync_status, f.error_message,
	l.name, l.type, l.path, l.status, l.priority
`

// FileLocations returns every record for a content hash joined with its
// location, ordered by location priority descending.
func (r *Registry) FileLocations(ctx context.Context, contentHash string) ([]*model.FileLocationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+fileLocationColumns+`
		FROM file_locations f
		JOIN locations l ON f.location_id = l.id
		WHERE f.content_hash = ?
		ORDER BY l.priority DESC, l.name ASC
	`, contentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get file locations: %w", err)
	}
	defer rows.Close()

	return scanFileRecords(rows)
}

// KnownFiles returns every record held at one location.
func (r *Registry) KnownFiles(ctx context.Context, locationID string) ([]*model.FileLocationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+fileLocationColumns+`
		FROM file_locations f
		JOIN locations l ON f.location_id = l.id
		WHERE f.location_id = ?
		ORDER BY f.file_path ASC
	`, locationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get known files: %w", err)
	}
	defer rows.Close()

	return scanFileRecords(rows)
}

// RemoveFileFromLocation deletes the mapping and its evaluation-audit
// entries.
func (r *Registry) RemoveFileFromLocation(ctx context.Context, contentHash, locationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM file_locations WHERE content_hash = ? AND location_id = ?
	`, contentHash, locationID)
	if err != nil {
		return fmt.Errorf("failed to remove file location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.ErrAssetNotFound
	}

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM rule_evaluations WHERE content_hash = ? AND location_id = ?
	`, contentHash, locationID); err != nil {
		return fmt.Errorf("failed to prune evaluation audit: %w", err)
	}
	return nil
}

// MarkFileForSync flags the source record pending_{action}. For an upload
// action a placeholder target record is created with an empty path, filled
// in once the transfer completes.
func (r *Registry) MarkFileForSync(ctx context.Context, contentHash, sourceID, targetID, action string) error {
	switch action {
	case "upload", "update", "delete":
	default:
		return errdefs.Newf(errdefs.CodeConfiguration, "unknown sync action %q", action)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	status := "pending_" + action
	res, err := r.db.ExecContext(ctx, `
		UPDATE file_locations SET sync_status = ? WHERE content_hash = ? AND location_id = ?
	`, status, contentHash, sourceID)
	if err != nil {
		return fmt.Errorf("failed to mark file for sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.ErrAssetNotFound
	}

	if action == "upload" {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO file_locations
				(content_hash, location_id, file_path, file_size, last_verified, sync_status)
			VALUES (?, ?, '', 0, ?, 'pending_upload')
			ON CONFLICT(content_hash, location_id) DO UPDATE SET sync_status = 'pending_upload'
		`, contentHash, targetID, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to create placeholder target record: %w", err)
		}
	}
	return nil
}

// MarkMissing flags a record whose file disappeared from its backend.
// History is never silently dropped.
func (r *Registry) MarkMissing(ctx context.Context, contentHash, locationID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		UPDATE file_locations SET sync_status = 'missing', error_message = ?
		WHERE content_hash = ? AND location_id = ?
	`, message, contentHash, locationID)
	if err != nil {
		return fmt.Errorf("failed to mark file missing: %w", err)
	}
	return nil
}

// SetSyncStatus updates one record's sync state, recording an error
// message on failure paths.
func (r *Registry) SetSyncStatus(ctx context.Context, contentHash, locationID string, status model.SyncStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		UPDATE file_locations SET sync_status = ?, error_message = ?, last_verified = ?
		WHERE content_hash = ? AND location_id = ?
	`, status, errorMessage, time.Now().UTC().Format(time.RFC3339), contentHash, locationID)
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

// PendingSyncs returns every record whose sync status is not synced.
func (r *Registry) PendingSyncs(ctx context.Context) ([]*model.FileLocationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+fileLocationColumns+`
		FROM file_locations f
		JOIN locations l ON f.location_id = l.id
		WHERE f.sync_status != 'synced'
		ORDER BY f.content_hash, l.priority DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending syncs: %w", err)
	}
	defer rows.Close()

	return scanFileRecords(rows)
}

// ContentHashes returns every distinct content hash known to the registry.
func (r *Registry) ContentHashes(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT content_hash FROM file_locations ORDER BY content_hash
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list content hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// LocationStat is one location's slice of the aggregate stats.
type LocationStat struct {
	LocationID string `json:"location_id"`
	Name       string `json:"name"`
	FileCount  int    `json:"file_count"`
	TotalBytes int64  `json:"total_bytes"`
}

// Stats aggregates registry-wide counts.
type Stats struct {
	TotalLocations  int            `json:"total_locations"`
	ActiveLocations int            `json:"active_locations"`
	UniqueFiles     int            `json:"unique_files"`
	FileInstances   int            `json:"file_instances"`
	PendingSyncs    int            `json:"pending_syncs"`
	MultiCopyFiles  int            `json:"multi_copy_files"`
	PerLocation     []LocationStat `json:"per_location"`
}

// Stats computes the aggregate view backing `strata stats`.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	queries := []struct {
		dest  *int
		query string
	}{
		{&s.TotalLocations, `SELECT COUNT(*) FROM locations`},
		{&s.ActiveLocations, `SELECT COUNT(*) FROM locations WHERE status = 'active'`},
		{&s.UniqueFiles, `SELECT COUNT(DISTINCT content_hash) FROM file_locations`},
		{&s.FileInstances, `SELECT COUNT(*) FROM file_locations`},
		{&s.PendingSyncs, `SELECT COUNT(*) FROM file_locations WHERE sync_status != 'synced'`},
		{&s.MultiCopyFiles, `SELECT COUNT(*) FROM (
			SELECT content_hash FROM file_locations GROUP BY content_hash HAVING COUNT(*) > 1
		)`},
	}
	for _, q := range queries {
		if err := r.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("failed to compute stats: %w", err)
		}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT l.id, l.name, COUNT(f.content_hash), COALESCE(SUM(f.file_size), 0)
		FROM locations l
		LEFT JOIN file_locations f ON f.location_id = l.id
		GROUP BY l.id
		ORDER BY l.priority DESC, l.name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute per-location stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ls LocationStat
		if err := rows.Scan(&ls.LocationID, &ls.Name, &ls.FileCount, &ls.TotalBytes); err != nil {
			return nil, err
		}
		s.PerLocation = append(s.PerLocation, ls)
	}
	return &s, rows.Err()
}

func scanFileRecords(rows *sql.Rows) ([]*model.FileLocationRecord, error) {
	var records []*model.FileLocationRecord
	for rows.Next() {
		var rec model.FileLocationRecord
		var lastVerified string
		err := rows.Scan(
			&rec.ContentHash, &rec.LocationID, &rec.FilePath, &rec.FileSize, &lastVerified,
			&rec.MetadataEmbedded, &rec.SyncStatus, &rec.ErrorMessage,
			&rec.LocationName, &rec.LocationType, &rec.LocationPath, &rec.LocationStatus, &rec.LocationPriority)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		rec.LastVerified, _ = time.Parse(time.RFC3339, lastVerified)
		records = append(records, &rec)
	}
	return records, rows.Err()
}
