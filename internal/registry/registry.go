// Package registry implements the location registry: the persistent store
// of storage locations and file-location records, and the rule-evaluation
// engine that decides where an asset should live.
//
// The SQLite database is the source of truth. All writes are upserts keyed
// by the natural primary keys so overlapping scan and migration activity
// stays safe to re-run.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
)

// locationNamespace seeds deterministic location IDs. Fixed forever:
// changing it would re-identify every registered backend.
var locationNamespace = uuid.MustParse("94e430b7-3b94-4af5-aafc-6bfcaed0d1a9")

// LocationID derives the stable identifier for a (path, type) pair.
func LocationID(path string, typ model.LocationType) string {
	return uuid.NewSHA1(locationNamespace, []byte(string(typ)+"|"+path)).String()
}

// Registry owns the persistent store.
type Registry struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// Open opens (or creates) the registry database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to registry database: %w", err)
	}

	// Single-writer store; serialize access on the driver side as well.
	db.SetMaxOpenConns(1)

	return &Registry{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize creates the schema if it doesn't exist.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	schema := `
-- strata registry schema v1

CREATE TABLE IF NOT EXISTS locations (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    type        TEXT NOT NULL
                CHECK(type IN ('local', 's3', 'rclone', 'network')),
    path        TEXT NOT NULL,
    priority    INTEGER NOT NULL DEFAULT 0,
    rules       TEXT NOT NULL DEFAULT '[]',
    status      TEXT NOT NULL DEFAULT 'active'
                CHECK(status IN ('active', 'archived', 'offline')),
    config      TEXT NOT NULL DEFAULT '{}',
    last_scan   TEXT,
    created_at  TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_locations_status ON locations(status);
CREATE INDEX IF NOT EXISTS idx_locations_priority ON locations(priority DESC);

CREATE TABLE IF NOT EXISTS file_locations (
    content_hash      TEXT NOT NULL,
    location_id       TEXT NOT NULL REFERENCES locations(id),
    file_path         TEXT NOT NULL,
    file_size         INTEGER NOT NULL DEFAULT 0,
    last_verified     TEXT NOT NULL DEFAULT (datetime('now')),
    metadata_embedded INTEGER NOT NULL DEFAULT 0,
    sync_status       TEXT NOT NULL DEFAULT 'synced'
                      CHECK(sync_status IN ('synced', 'pending_upload', 'pending_update', 'pending_delete', 'missing')),
    error_message     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (content_hash, location_id)
);
CREATE INDEX IF NOT EXISTS idx_file_locations_location ON file_locations(location_id);
CREATE INDEX IF NOT EXISTS idx_file_locations_sync ON file_locations(sync_status);

-- Write-only placement decision audit. Never consulted by evaluation.
CREATE TABLE IF NOT EXISTS rule_evaluations (
    content_hash TEXT NOT NULL,
    location_id  TEXT NOT NULL,
    matched      INTEGER NOT NULL,
    metadata     TEXT NOT NULL,
    evaluated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    PRIMARY KEY (content_hash, location_id, evaluated_at)
);

CREATE TABLE IF NOT EXISTS version_history (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    content_hash TEXT NOT NULL,
    location_id  TEXT NOT NULL,
    file_path    TEXT NOT NULL,
    metadata     TEXT NOT NULL DEFAULT '{}',
    recorded_at  TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_version_history_hash ON version_history(content_hash, id);

CREATE TABLE IF NOT EXISTS registry_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR IGNORE INTO registry_meta (key, value) VALUES
    ('schema_version', '1'),
    ('created_at', datetime('now'));
`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// DB exposes the underlying handle for components sharing the store
// (version tracker).
func (r *Registry) DB() *sql.DB {
	return r.db
}

// --- Location operations ---

// Filter narrows Locations results. Zero values match everything.
type Filter struct {
	Status model.LocationStatus
	Type   model.LocationType
}

// RegisterLocation registers a storage backend. Idempotent on (path, type):
// re-registering updates the mutable fields and keeps the same id.
func (r *Registry) RegisterLocation(ctx context.Context, loc *model.StorageLocation) (*model.StorageLocation, error) {
	if err := validateLocation(loc); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loc.ID = LocationID(loc.Path, loc.Type)
	if loc.Status == "" {
		loc.Status = model.LocationStatusActive
	}

	rulesJSON, err := json.Marshal(loc.Rules)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeConfiguration, "failed to encode rules")
	}
	configJSON, err := json.Marshal(loc.Config)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeConfiguration, "failed to encode config")
	}

	query := `
		INSERT INTO locations (id, name, type, path, priority, rules, status, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			priority = excluded.priority,
			rules = excluded.rules,
			status = excluded.status,
			config = excluded.config,
			updated_at = datetime('now')
	`
	if _, err := r.db.ExecContext(ctx, query,
		loc.ID, loc.Name, loc.Type, loc.Path, loc.Priority,
		string(rulesJSON), loc.Status, string(configJSON)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: locations.name") {
			return nil, errdefs.Newf(errdefs.CodeConfiguration, "location name %q already in use", loc.Name)
		}
		return nil, fmt.Errorf("failed to register location: %w", err)
	}

	r.logger.Info("location registered",
		"id", loc.ID, "name", loc.Name, "type", loc.Type, "priority", loc.Priority)
	return loc, nil
}

// UpdateLocation persists changes to an existing location's mutable fields.
func (r *Registry) UpdateLocation(ctx context.Context, loc *model.StorageLocation) error {
	if err := validateLocation(loc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rulesJSON, err := json.Marshal(loc.Rules)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeConfiguration, "failed to encode rules")
	}
	configJSON, err := json.Marshal(loc.Config)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeConfiguration, "failed to encode config")
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE locations
		SET name = ?, priority = ?, rules = ?, status = ?, config = ?, updated_at = datetime('now')
		WHERE id = ?
	`, loc.Name, loc.Priority, string(rulesJSON), loc.Status, string(configJSON), loc.ID)
	if err != nil {
		return fmt.Errorf("failed to update location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.ErrLocationNotFound
	}
	return nil
}

// Locations returns registered locations matching the filter, ordered by
// descending priority then name.
func (r *Registry) Locations(ctx context.Context, f Filter) ([]*model.StorageLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query := `
		SELECT id, name, type, path, priority, rules, status, config, last_scan
		FROM locations WHERE 1=1
	`
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	query += " ORDER BY priority DESC, name ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	var locations []*model.StorageLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// ActiveLocations is shorthand for the active-status filter.
func (r *Registry) ActiveLocations(ctx context.Context) ([]*model.StorageLocation, error) {
	return r.Locations(ctx, Filter{Status: model.LocationStatusActive})
}

// LocationByID fetches one location.
func (r *Registry) LocationByID(ctx context.Context, id string) (*model.StorageLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, type, path, priority, rules, status, config, last_scan
		FROM locations WHERE id = ?
	`, id)
	loc, err := scanLocation(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.ErrLocationNotFound
	}
	if err != nil {
		return nil, err
	}
	return loc, nil
}

// SetLastScan records the completion time of a location scan.
func (r *Registry) SetLastScan(ctx context.Context, locationID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		UPDATE locations SET last_scan = ?, updated_at = datetime('now') WHERE id = ?
	`, at.UTC().Format(time.RFC3339), locationID)
	if err != nil {
		return fmt.Errorf("failed to set last scan: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (*model.StorageLocation, error) {
	var loc model.StorageLocation
	var rulesJSON, configJSON string
	var lastScan sql.NullString

	err := row.Scan(&loc.ID, &loc.Name, &loc.Type, &loc.Path, &loc.Priority,
		&rulesJSON, &loc.Status, &configJSON, &lastScan)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(rulesJSON), &loc.Rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules for %s: %w", loc.ID, err)
	}
	if err := json.Unmarshal([]byte(configJSON), &loc.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config for %s: %w", loc.ID, err)
	}
	if lastScan.Valid {
		if t, err := time.Parse(time.RFC3339, lastScan.String); err == nil {
			loc.LastScan = &t
		}
	}
	return &loc, nil
}

func validateLocation(loc *model.StorageLocation) error {
	if loc.Name == "" {
		return errdefs.New(errdefs.CodeConfiguration, "location name is required")
	}
	if loc.Path == "" {
		return errdefs.New(errdefs.CodeConfiguration, "location path is required")
	}
	switch loc.Type {
	case model.LocationTypeLocal, model.LocationTypeS3, model.LocationTypeRclone, model.LocationTypeNetwork:
	default:
		return errdefs.Newf(errdefs.CodeConfiguration, "unknown location type %q", loc.Type)
	}
	switch loc.Status {
	case "", model.LocationStatusActive, model.LocationStatusArchived, model.LocationStatusOffline:
	default:
		return errdefs.Newf(errdefs.CodeConfiguration, "unknown location status %q", loc.Status)
	}
	for i, rule := range loc.Rules {
		if err := validateRule(rule); err != nil {
			return errdefs.Wrap(err, errdefs.CodeConfiguration, fmt.Sprintf("rule %d invalid", i))
		}
	}
	return nil
}
