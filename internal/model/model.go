// Package model defines the core domain models for strata: registered
// storage locations, tiering rules, per-location file records, and the
// transient structures produced by migration planning and sync tracking.
package model

import (
	"time"
)

// LocationType identifies the kind of backend behind a storage location.
type LocationType string

const (
	LocationTypeLocal   LocationType = "local"
	LocationTypeS3      LocationType = "s3"
	LocationTypeRclone  LocationType = "rclone"
	LocationTypeNetwork LocationType = "network"
)

// LocationStatus represents the lifecycle state of a location.
// Locations are never hard-deleted; retirement is modeled as "offline".
type LocationStatus string

const (
	LocationStatusActive   LocationStatus = "active"
	LocationStatusArchived LocationStatus = "archived"
	LocationStatusOffline  LocationStatus = "offline"
)

// StorageRule is one tiering predicate. Every field is optional; an unset
// field imposes no constraint. Within one rule all populated fields are
// ANDed, and across a location's rule list all rules must be satisfied.
type StorageRule struct {
	MinAgeDays      *int     `json:"min_age_days,omitempty" yaml:"min_age_days,omitempty"`
	MaxAgeDays      *int     `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	MinSizeBytes    *int64   `json:"min_size_bytes,omitempty" yaml:"min_size_bytes,omitempty"`
	MaxSizeBytes    *int64   `json:"max_size_bytes,omitempty" yaml:"max_size_bytes,omitempty"`
	IncludeTypes    []string `json:"include_types,omitempty" yaml:"include_types,omitempty"`
	ExcludeTypes    []string `json:"exclude_types,omitempty" yaml:"exclude_types,omitempty"`
	RequireTags     []string `json:"require_tags,omitempty" yaml:"require_tags,omitempty"`
	ExcludeTags     []string `json:"exclude_tags,omitempty" yaml:"exclude_tags,omitempty"`
	MinQualityStars *int     `json:"min_quality_stars,omitempty" yaml:"min_quality_stars,omitempty"`
	MaxQualityStars *int     `json:"max_quality_stars,omitempty" yaml:"max_quality_stars,omitempty"`
}

// StorageLocation is a registered storage backend.
// ID is derived deterministically from (path, type) so re-registering the
// same backend is idempotent across process restarts.
type StorageLocation struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     LocationType      `json:"type"`
	Path     string            `json:"path"`
	Priority int               `json:"priority"`
	Rules    []StorageRule     `json:"rules"`
	Status   LocationStatus    `json:"status"`
	Config   map[string]string `json:"config,omitempty"`
	LastScan *time.Time        `json:"last_scan,omitempty"`
}

// IsActive reports whether the location participates in placement,
// scanning, and migration.
func (l *StorageLocation) IsActive() bool {
	return l.Status == LocationStatusActive
}

// SyncStatus represents the synchronization state of one file record.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusPendingUpload SyncStatus = "pending_upload"
	SyncStatusPendingUpdate SyncStatus = "pending_update"
	SyncStatusPendingDelete SyncStatus = "pending_delete"
	SyncStatusMissing       SyncStatus = "missing"
)

// FileLocationRecord maps a content hash to a physical path at one
// location. Primary key is (ContentHash, LocationID).
type FileLocationRecord struct {
	ContentHash      string     `json:"content_hash"`
	LocationID       string     `json:"location_id"`
	FilePath         string     `json:"file_path"`
	FileSize         int64      `json:"file_size"`
	LastVerified     time.Time  `json:"last_verified"`
	MetadataEmbedded bool       `json:"metadata_embedded"`
	SyncStatus       SyncStatus `json:"sync_status"`
	ErrorMessage     string     `json:"error_message,omitempty"`

	// Joined from the owning location; populated by registry reads.
	LocationName     string         `json:"location_name,omitempty"`
	LocationType     LocationType   `json:"location_type,omitempty"`
	LocationPath     string         `json:"location_path,omitempty"`
	LocationStatus   LocationStatus `json:"location_status,omitempty"`
	LocationPriority int            `json:"location_priority,omitempty"`
}

// AssetMetadata is the rule-evaluation input supplied by the external
// metadata-extraction collaborator.
type AssetMetadata struct {
	AgeDays       int      `json:"age_days"`
	FileSizeBytes int64    `json:"file_size_bytes"`
	FileType      string   `json:"file_type"`
	Tags          []string `json:"tags,omitempty"`
	QualityStars  int      `json:"quality_stars"`
}

// MigrationPlan is the ephemeral plan for one content hash: where it lives
// now, where the rules say it should live, and why.
type MigrationPlan struct {
	ContentHash string                `json:"content_hash"`
	Current     []*FileLocationRecord `json:"current"`
	Target      *StorageLocation      `json:"target"`
	Reason      string                `json:"reason"`
	Metadata    AssetMetadata         `json:"metadata"`
}

// MigrationState tracks one migration item through execution.
type MigrationState string

const (
	MigrationStatePlanned      MigrationState = "planned"
	MigrationStateTransferring MigrationState = "transferring"
	MigrationStateCommitted    MigrationState = "committed"
	MigrationStateFailed       MigrationState = "failed"
)

// SyncState classifies cross-location agreement for one content hash.
type SyncState string

const (
	SyncStateNotFound SyncState = "not_found"
	SyncStateSynced   SyncState = "synced"
	SyncStateConflict SyncState = "conflict"
	// SyncStateUnverified means records exist but no location's bytes
	// could be re-read, so agreement is unknown.
	SyncStateUnverified SyncState = "unverified"
)

// SyncReport is the result of checking one content hash across every
// location claiming to hold it. Digests holds the re-verified digest per
// location id.
type SyncReport struct {
	ContentHash  string                `json:"content_hash"`
	Status       SyncState             `json:"status"`
	Locations    []*FileLocationRecord `json:"locations"`
	VersionCount int                   `json:"version_count"`
	Digests      map[string]string     `json:"digests,omitempty"`
}

// ResolutionStrategy picks an authoritative copy for a conflicted asset.
type ResolutionStrategy string

const (
	StrategyNewestWins  ResolutionStrategy = "newest"
	StrategyLargestWins ResolutionStrategy = "largest"
	StrategyPrimaryWins ResolutionStrategy = "primary"
	StrategyManual      ResolutionStrategy = "manual"
)

// SyncAction is one corrective copy required to converge a conflicted
// asset: winner's bytes from Source to Target.
type SyncAction struct {
	ContentHash      string `json:"content_hash"`
	SourceLocationID string `json:"source_location_id"`
	TargetLocationID string `json:"target_location_id"`
}

// Resolution is the outcome of applying a strategy to a conflict.
// Manual strategy always yields Resolved=false with Options populated.
type Resolution struct {
	ContentHash string                `json:"content_hash"`
	Resolved    bool                  `json:"resolved"`
	Winner      *FileLocationRecord   `json:"winner,omitempty"`
	Actions     []SyncAction          `json:"actions,omitempty"`
	Options     []*FileLocationRecord `json:"options,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

// VersionEntry is one append-only audit record of a location or metadata
// change for an asset.
type VersionEntry struct {
	ID          int64         `json:"id"`
	ContentHash string        `json:"content_hash"`
	LocationID  string        `json:"location_id"`
	FilePath    string        `json:"file_path"`
	Metadata    AssetMetadata `json:"metadata"`
	RecordedAt  time.Time     `json:"recorded_at"`
}

// RuleEvaluation is one write-only audit entry of a placement decision.
// Never consulted by the evaluation path itself.
type RuleEvaluation struct {
	ContentHash string        `json:"content_hash"`
	LocationID  string        `json:"location_id"`
	Matched     bool          `json:"matched"`
	Metadata    AssetMetadata `json:"metadata"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}
