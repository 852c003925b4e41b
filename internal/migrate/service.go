// Package migrate implements the migration planner/executor: comparing
// every tracked asset's current placement against the rule-determined
// ideal and moving the out-of-place ones with bounded concurrency.
package migrate

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stratafs/strata/internal/asset"
	"github.com/stratafs/strata/internal/backend"
	"github.com/stratafs/strata/internal/model"
	"github.com/stratafs/strata/internal/registry"
	"github.com/stratafs/strata/internal/version"
)

// DefaultMaxConcurrent bounds simultaneous transfers; object stores
// throttle aggressively above this.
const DefaultMaxConcurrent = 5

// MigrationError captures one failed item with enough context to retry.
type MigrationError struct {
	ContentHash string `json:"content_hash"`
	Message     string `json:"message"`
}

// ExecResult summarizes one execution batch.
type ExecResult struct {
	FilesMigrated    int              `json:"files_migrated"`
	FilesFailed      int              `json:"files_failed"`
	BytesTransferred int64            `json:"bytes_transferred"`
	Errors           []MigrationError `json:"errors,omitempty"`
}

// RunResult pairs the plan summary with execution stats.
type RunResult struct {
	Plans     map[string][]*model.MigrationPlan `json:"plans"`
	PlanCount int                               `json:"plan_count"`
	DryRun    bool                              `json:"dry_run"`
	Exec      *ExecResult                       `json:"exec,omitempty"`
}

// ProgressFunc reports per-item progress; may be nil.
type ProgressFunc func(contentHash string, state model.MigrationState)

// Service is the auto-migration planner/executor.
type Service struct {
	reg       *registry.Registry
	backends  backend.Factory
	extractor asset.MetadataExtractor
	transfer  *Transferrer
	versions  *version.Tracker
	logger    *slog.Logger
}

func NewService(reg *registry.Registry, backends backend.Factory, extractor asset.MetadataExtractor, transfer *Transferrer, versions *version.Tracker, logger *slog.Logger) *Service {
	return &Service{
		reg:       reg,
		backends:  backends,
		extractor: extractor,
		transfer:  transfer,
		versions:  versions,
		logger:    logger,
	}
}

// AnalyzeMigrations computes a migration plan for every asset whose ideal
// location differs from all of its current active locations. Assets with
// zero current active locations are skipped; there is nothing to migrate.
// Analysis is read-only and idempotent.
func (s *Service) AnalyzeMigrations(ctx context.Context, progress ProgressFunc) (map[string][]*model.MigrationPlan, error) {
	hashes, err := s.reg.ContentHashes(ctx)
	if err != nil {
		return nil, err
	}

	plans := make(map[string][]*model.MigrationPlan)
	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		records, err := s.reg.FileLocations(ctx, hash)
		if err != nil {
			return nil, err
		}

		active := activeRecords(records)
		if len(active) == 0 {
			continue
		}

		meta := s.snapshotMetadata(ctx, hash, active)
		target, reason, err := s.reg.LocationForFile(ctx, hash, meta)
		if err != nil {
			s.logger.Warn("placement evaluation failed", "content_hash", hash, "error", err)
			continue
		}

		if holdsAsset(active, target.ID) {
			continue
		}

		plan := &model.MigrationPlan{
			ContentHash: hash,
			Current:     records,
			Target:      target,
			Reason:      reason,
			Metadata:    meta,
		}
		plans[hash] = append(plans[hash], plan)
		if progress != nil {
			progress(hash, model.MigrationStatePlanned)
		}
	}

	s.logger.Info("migration analysis complete", "assets", len(hashes), "plans", len(plans))
	return plans, nil
}

// ExecuteMigrations runs the planned transfers with bounded concurrency.
// Each item's failure is isolated; the batch always completes and reports
// partial success.
func (s *Service) ExecuteMigrations(ctx context.Context, plans map[string][]*model.MigrationPlan, moveFiles bool, maxConcurrent int, progress ProgressFunc) (*ExecResult, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	var items []*model.MigrationPlan
	for _, planList := range plans {
		items = append(items, planList...)
	}

	result := &ExecResult{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrent)

	for _, plan := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(plan *model.MigrationPlan) {
			defer wg.Done()
			defer func() { <-sem }()

			size, err := s.executeOne(ctx, plan, moveFiles, progress)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.FilesFailed++
				result.Errors = append(result.Errors, MigrationError{
					ContentHash: plan.ContentHash,
					Message:     err.Error(),
				})
				return
			}
			result.FilesMigrated++
			result.BytesTransferred += size
		}(plan)
	}
	wg.Wait()

	s.logger.Info("migration batch complete",
		"migrated", result.FilesMigrated, "failed", result.FilesFailed,
		"bytes", result.BytesTransferred)
	return result, nil
}

// executeOne drives a single plan through
// Planned -> Transferring -> Committed|Failed. Failure leaves all registry
// state unchanged.
func (s *Service) executeOne(ctx context.Context, plan *model.MigrationPlan, moveFiles bool, progress ProgressFunc) (int64, error) {
	source := firstActive(plan.Current)
	if source == nil {
		return 0, &noSourceError{contentHash: plan.ContentHash}
	}

	sourceLoc, err := s.reg.LocationByID(ctx, source.LocationID)
	if err != nil {
		return 0, err
	}

	if progress != nil {
		progress(plan.ContentHash, model.MigrationStateTransferring)
	}

	remotePath, err := s.transfer.Transfer(ctx, source, sourceLoc, plan.Target)
	if err != nil {
		if progress != nil {
			progress(plan.ContentHash, model.MigrationStateFailed)
		}
		return 0, err
	}

	if err := s.reg.TrackFile(ctx, plan.ContentHash, plan.Target.ID, remotePath, source.FileSize, source.MetadataEmbedded); err != nil {
		return 0, err
	}
	if err := s.versions.TrackVersion(ctx, plan.ContentHash, remotePath, plan.Target.ID, plan.Metadata); err != nil {
		s.logger.Warn("failed to record version entry", "content_hash", plan.ContentHash, "error", err)
	}

	if moveFiles {
		// Source record is removed only after the verified copy.
		if err := s.transfer.DeleteAt(ctx, source, sourceLoc); err != nil {
			s.logger.Warn("failed to delete source bytes after move; record kept",
				"content_hash", plan.ContentHash, "location", sourceLoc.Name, "error", err)
		} else if err := s.reg.RemoveFileFromLocation(ctx, plan.ContentHash, source.LocationID); err != nil {
			return 0, err
		}
	}

	if progress != nil {
		progress(plan.ContentHash, model.MigrationStateCommitted)
	}
	return source.FileSize, nil
}

// RunAutoMigration composes analyze and execute. In dry-run mode
// execution is skipped entirely.
func (s *Service) RunAutoMigration(ctx context.Context, dryRun, moveFiles bool, progress ProgressFunc) (*RunResult, error) {
	plans, err := s.AnalyzeMigrations(ctx, progress)
	if err != nil {
		return nil, err
	}

	run := &RunResult{Plans: plans, DryRun: dryRun}
	for _, planList := range plans {
		run.PlanCount += len(planList)
	}

	if dryRun {
		return run, nil
	}

	exec, err := s.ExecuteMigrations(ctx, plans, moveFiles, DefaultMaxConcurrent, progress)
	if err != nil {
		return nil, err
	}
	run.Exec = exec
	return run, nil
}

// snapshotMetadata builds the rule-evaluation input for an asset. A
// walk-backend copy is preferred so the extractor can see the real file
// (transfers carry the modification time, so its age survives placement);
// otherwise the snapshot is derived from the registry record, anchored to
// the asset's first-seen time. LastVerified is no good as an age anchor
// since every successful track resets it.
func (s *Service) snapshotMetadata(ctx context.Context, contentHash string, active []*model.FileLocationRecord) model.AssetMetadata {
	for _, rec := range active {
		if rec.LocationType != model.LocationTypeLocal && rec.LocationType != model.LocationTypeNetwork {
			continue
		}
		abs := filepath.Join(rec.LocationPath, filepath.FromSlash(rec.FilePath))
		meta, err := s.extractor.Extract(ctx, abs)
		if err == nil {
			return meta
		}
		s.logger.Debug("metadata extraction failed, falling back to record",
			"path", abs, "error", err)
	}

	rec := active[0]
	anchor := rec.LastVerified
	if firstSeen, ok, err := s.versions.FirstSeen(ctx, contentHash); err == nil && ok {
		anchor = firstSeen
	}
	age := int(time.Since(anchor).Hours() / 24)
	if age < 0 {
		age = 0
	}
	return model.AssetMetadata{
		AgeDays:       age,
		FileSizeBytes: rec.FileSize,
		FileType:      strings.TrimPrefix(path.Ext(rec.FilePath), "."),
	}
}

func activeRecords(records []*model.FileLocationRecord) []*model.FileLocationRecord {
	var active []*model.FileLocationRecord
	for _, rec := range records {
		if rec.LocationStatus == model.LocationStatusActive && rec.SyncStatus != model.SyncStatusMissing {
			active = append(active, rec)
		}
	}
	return active
}

func firstActive(records []*model.FileLocationRecord) *model.FileLocationRecord {
	for _, rec := range records {
		if rec.LocationStatus == model.LocationStatusActive && rec.SyncStatus == model.SyncStatusSynced {
			return rec
		}
	}
	return nil
}

func holdsAsset(records []*model.FileLocationRecord, locationID string) bool {
	for _, rec := range records {
		if rec.LocationID == locationID {
			return true
		}
	}
	return false
}

type noSourceError struct {
	contentHash string
}

func (e *noSourceError) Error() string {
	return "no active synced source location for " + e.contentHash
}
