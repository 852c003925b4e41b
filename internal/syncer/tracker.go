// Package syncer implements the cross-location sync tracker: re-verifying
// that every location claiming an asset actually agrees on its bytes,
// classifying disagreements, and applying a resolution strategy.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/stratafs/strata/internal/asset"
	"github.com/stratafs/strata/internal/backend"
	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/migrate"
	"github.com/stratafs/strata/internal/model"
	"github.com/stratafs/strata/internal/registry"
	"github.com/stratafs/strata/internal/retry"
	"github.com/stratafs/strata/internal/version"
)

// SyncError captures one failed queue item.
type SyncError struct {
	ContentHash string `json:"content_hash"`
	LocationID  string `json:"location_id"`
	Message     string `json:"message"`
}

// QueueResult summarizes one queue drain.
type QueueResult struct {
	Processed int         `json:"processed"`
	Failed    int         `json:"failed"`
	Errors    []SyncError `json:"errors,omitempty"`
}

// ProgressFunc reports per-hash progress; may be nil.
type ProgressFunc func(contentHash string, done, total int)

// Tracker cross-checks locations and converges divergent copies.
type Tracker struct {
	reg      *registry.Registry
	backends backend.Factory
	hasher   asset.Hasher
	transfer *migrate.Transferrer
	versions *version.Tracker
	logger   *slog.Logger
	retries  retry.Policy
}

func NewTracker(reg *registry.Registry, backends backend.Factory, hasher asset.Hasher, transfer *migrate.Transferrer, versions *version.Tracker, logger *slog.Logger) *Tracker {
	return &Tracker{
		reg:      reg,
		backends: backends,
		hasher:   hasher,
		transfer: transfer,
		versions: versions,
		logger:   logger,
		retries:  retry.DefaultPolicy(),
	}
}

// CheckSyncStatus re-verifies an asset at every location claiming it.
// Each location's live bytes are re-hashed; trusting the stored hash
// cannot detect drift from out-of-band edits. Two differing digests mean
// conflict.
func (t *Tracker) CheckSyncStatus(ctx context.Context, contentHash string) (*model.SyncReport, error) {
	records, err := t.reg.FileLocations(ctx, contentHash)
	if err != nil {
		return nil, err
	}

	report := &model.SyncReport{
		ContentHash: contentHash,
		Locations:   records,
		Digests:     make(map[string]string),
	}

	versionCount, err := t.versions.VersionCount(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	report.VersionCount = versionCount

	if len(records) == 0 {
		report.Status = model.SyncStateNotFound
		return report, nil
	}

	var distinct []string
	attempted := 0
	for _, rec := range records {
		if rec.SyncStatus == model.SyncStatusMissing || rec.FilePath == "" {
			continue
		}
		attempted++

		digest, err := t.rehash(ctx, rec)
		if err != nil {
			t.logger.Warn("re-verification failed",
				"content_hash", contentHash, "location", rec.LocationName, "error", err)
			continue
		}
		report.Digests[rec.LocationID] = digest
		if !contains(distinct, digest) {
			distinct = append(distinct, digest)
		}
	}

	switch {
	case len(distinct) > 1:
		report.Status = model.SyncStateConflict
	case len(distinct) == 0 && attempted > 0:
		// Every re-read failed. Claiming agreement here would hide real
		// drift behind transient faults.
		report.Status = model.SyncStateUnverified
	default:
		report.Status = model.SyncStateSynced
	}
	return report, nil
}

// rehash reads the live bytes at one location. Walk backends hash in
// place; object stores are spooled first.
func (t *Tracker) rehash(ctx context.Context, rec *model.FileLocationRecord) (string, error) {
	if rec.LocationType == model.LocationTypeLocal || rec.LocationType == model.LocationTypeNetwork {
		abs := filepath.Join(rec.LocationPath, filepath.FromSlash(rec.FilePath))
		var digest string
		err := t.retries.Do(ctx, func(ctx context.Context) error {
			var hashErr error
			digest, hashErr = t.hasher.HashFile(ctx, abs)
			return hashErr
		})
		return digest, err
	}

	loc, err := t.reg.LocationByID(ctx, rec.LocationID)
	if err != nil {
		return "", err
	}
	b, err := t.backends.For(loc)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", "strata-verify-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	err = t.retries.Do(ctx, func(ctx context.Context) error {
		return b.Download(ctx, rec.FilePath, tmpName)
	})
	if err != nil {
		return "", err
	}
	return t.hasher.HashFile(ctx, tmpName)
}

// DetectConflicts runs CheckSyncStatus across every known asset and
// returns only the conflicted ones.
func (t *Tracker) DetectConflicts(ctx context.Context, progress ProgressFunc) ([]*model.SyncReport, error) {
	hashes, err := t.reg.ContentHashes(ctx)
	if err != nil {
		return nil, err
	}

	var conflicts []*model.SyncReport
	for i, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		report, err := t.CheckSyncStatus(ctx, hash)
		if err != nil {
			t.logger.Warn("sync check failed", "content_hash", hash, "error", err)
			continue
		}
		if report.Status == model.SyncStateConflict {
			conflicts = append(conflicts, report)
		}
		if progress != nil {
			progress(hash, i+1, len(hashes))
		}
	}
	return conflicts, nil
}

// ResolveConflict applies a strategy to a conflicted asset. The tracker
// only decides; corrective copies are returned as actions for the
// transfer primitive via ApplyResolution.
func (t *Tracker) ResolveConflict(ctx context.Context, contentHash string, strategy model.ResolutionStrategy) (*model.Resolution, error) {
	report, err := t.CheckSyncStatus(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	if report.Status == model.SyncStateNotFound {
		return nil, errdefs.ErrAssetNotFound
	}
	if report.Status == model.SyncStateUnverified {
		return nil, errdefs.Newf(errdefs.CodeConflictUnresolved,
			"no copy of %s could be re-verified; cannot resolve", contentHash)
	}

	res := &model.Resolution{ContentHash: contentHash}
	if report.Status == model.SyncStateSynced {
		res.Resolved = true
		res.Reason = "all locations agree; nothing to resolve"
		return res, nil
	}

	if strategy == model.StrategyManual {
		res.Options = report.Locations
		res.Reason = "manual strategy: human choice required"
		return res, nil
	}

	winner := pickWinner(report.Locations, strategy)
	if winner == nil {
		return nil, errdefs.Newf(errdefs.CodeConflictUnresolved,
			"strategy %s could not determine a winner for %s", strategy, contentHash)
	}

	res.Resolved = true
	res.Winner = winner
	res.Reason = fmt.Sprintf("strategy %s selected %s", strategy, winner.LocationName)
	for _, rec := range report.Locations {
		if rec.LocationID == winner.LocationID {
			continue
		}
		if report.Digests[rec.LocationID] == report.Digests[winner.LocationID] {
			continue
		}
		res.Actions = append(res.Actions, model.SyncAction{
			ContentHash:      contentHash,
			SourceLocationID: winner.LocationID,
			TargetLocationID: rec.LocationID,
		})
	}

	if err := t.versions.TrackVersion(ctx, contentHash, winner.FilePath, winner.LocationID, model.AssetMetadata{FileSizeBytes: winner.FileSize}); err != nil {
		t.logger.Warn("failed to record resolution in history", "content_hash", contentHash, "error", err)
	}
	return res, nil
}

func pickWinner(records []*model.FileLocationRecord, strategy model.ResolutionStrategy) *model.FileLocationRecord {
	var winner *model.FileLocationRecord
	for _, rec := range records {
		if rec.FilePath == "" || rec.SyncStatus == model.SyncStatusMissing {
			continue
		}
		if winner == nil {
			winner = rec
			continue
		}
		switch strategy {
		case model.StrategyNewestWins:
			if rec.LastVerified.After(winner.LastVerified) {
				winner = rec
			}
		case model.StrategyLargestWins:
			if rec.FileSize > winner.FileSize {
				winner = rec
			}
		case model.StrategyPrimaryWins:
			if rec.LocationPriority > winner.LocationPriority {
				winner = rec
			}
		}
	}
	return winner
}

// ApplyResolution executes a resolution's corrective copies with bounded
// concurrency, converging every loser onto the winner's bytes.
func (t *Tracker) ApplyResolution(ctx context.Context, res *model.Resolution, maxConcurrent int) (*QueueResult, error) {
	if !res.Resolved || res.Winner == nil {
		return nil, errdefs.New(errdefs.CodeConflictUnresolved, "resolution carries no winner to apply")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = migrate.DefaultMaxConcurrent
	}

	winnerLoc, err := t.reg.LocationByID(ctx, res.Winner.LocationID)
	if err != nil {
		return nil, err
	}

	result := &QueueResult{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrent)

	for _, action := range res.Actions {
		wg.Add(1)
		sem <- struct{}{}
		go func(action model.SyncAction) {
			defer wg.Done()
			defer func() { <-sem }()

			err := t.applyAction(ctx, res.Winner, winnerLoc, action)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, SyncError{
					ContentHash: action.ContentHash,
					LocationID:  action.TargetLocationID,
					Message:     err.Error(),
				})
				return
			}
			result.Processed++
		}(action)
	}
	wg.Wait()
	return result, nil
}

func (t *Tracker) applyAction(ctx context.Context, winner *model.FileLocationRecord, winnerLoc *model.StorageLocation, action model.SyncAction) error {
	targetLoc, err := t.reg.LocationByID(ctx, action.TargetLocationID)
	if err != nil {
		return err
	}

	remotePath, err := t.transfer.Transfer(ctx, winner, winnerLoc, targetLoc)
	if err != nil {
		return err
	}
	return t.reg.TrackFile(ctx, action.ContentHash, targetLoc.ID, remotePath, winner.FileSize, winner.MetadataEmbedded)
}

// SyncQueue returns the records waiting on an upload or update transfer.
func (t *Tracker) SyncQueue(ctx context.Context) ([]*model.FileLocationRecord, error) {
	pending, err := t.reg.PendingSyncs(ctx)
	if err != nil {
		return nil, err
	}

	var queue []*model.FileLocationRecord
	for _, rec := range pending {
		if rec.SyncStatus == model.SyncStatusPendingUpload || rec.SyncStatus == model.SyncStatusPendingUpdate {
			queue = append(queue, rec)
		}
	}
	return queue, nil
}

// ProcessSyncQueue drains pending transfers with bounded concurrency,
// marking each record synced on success or recording a per-item error.
func (t *Tracker) ProcessSyncQueue(ctx context.Context, maxConcurrent int, progress ProgressFunc) (*QueueResult, error) {
	queue, err := t.SyncQueue(ctx)
	if err != nil {
		return nil, err
	}
	if maxConcurrent <= 0 {
		maxConcurrent = migrate.DefaultMaxConcurrent
	}

	var work []*model.FileLocationRecord
	for _, rec := range queue {
		if rec.SyncStatus == model.SyncStatusPendingUpload && rec.FilePath != "" {
			// Outbound marker on the source side; the placeholder record at
			// the target drives the transfer and clears this on completion.
			continue
		}
		work = append(work, rec)
	}

	result := &QueueResult{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrent)

	for i, rec := range work {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rec *model.FileLocationRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			err := t.processPending(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, SyncError{
					ContentHash: rec.ContentHash,
					LocationID:  rec.LocationID,
					Message:     err.Error(),
				})
				if serr := t.reg.SetSyncStatus(ctx, rec.ContentHash, rec.LocationID, rec.SyncStatus, err.Error()); serr != nil {
					t.logger.Warn("failed to record sync error", "content_hash", rec.ContentHash, "error", serr)
				}
				return
			}
			result.Processed++
			if progress != nil {
				progress(rec.ContentHash, i+1, len(work))
			}
		}(i, rec)
	}
	wg.Wait()
	return result, nil
}

// processPending fills one pending_upload/pending_update record by copying
// from any synced record of the same asset.
func (t *Tracker) processPending(ctx context.Context, rec *model.FileLocationRecord) error {
	records, err := t.reg.FileLocations(ctx, rec.ContentHash)
	if err != nil {
		return err
	}

	var source *model.FileLocationRecord
	for _, candidate := range records {
		if candidate.LocationID == rec.LocationID {
			continue
		}
		if candidate.LocationStatus != model.LocationStatusActive || candidate.FilePath == "" {
			continue
		}
		// A pending_upload copy still holds good bytes; it is the marker
		// left by MarkFileForSync on the source side.
		if candidate.SyncStatus == model.SyncStatusSynced || candidate.SyncStatus == model.SyncStatusPendingUpload {
			source = candidate
			break
		}
	}
	if source == nil {
		return errdefs.Newf(errdefs.CodeTransfer,
			"no usable source copy available for %s", rec.ContentHash)
	}

	sourceLoc, err := t.reg.LocationByID(ctx, source.LocationID)
	if err != nil {
		return err
	}
	targetLoc, err := t.reg.LocationByID(ctx, rec.LocationID)
	if err != nil {
		return err
	}

	remotePath, err := t.transfer.Transfer(ctx, source, sourceLoc, targetLoc)
	if err != nil {
		return err
	}
	if err := t.reg.TrackFile(ctx, rec.ContentHash, rec.LocationID, remotePath, source.FileSize, source.MetadataEmbedded); err != nil {
		return err
	}

	if source.SyncStatus == model.SyncStatusPendingUpload {
		if err := t.reg.SetSyncStatus(ctx, source.ContentHash, source.LocationID, model.SyncStatusSynced, ""); err != nil {
			t.logger.Warn("failed to clear source sync marker",
				"content_hash", source.ContentHash, "error", err)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
