// Package scanner implements multi-path discovery: enumerating every
// active location's backend, tracking discovered files in the registry,
// and flagging files that disappeared since the previous scan.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/stratafs/strata/internal/asset"
	"github.com/stratafs/strata/internal/backend"
	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
	"github.com/stratafs/strata/internal/registry"
	"github.com/stratafs/strata/internal/retry"
	"github.com/stratafs/strata/internal/version"
)

// DefaultFreshness is how recently a location must have been scanned to be
// skipped without --force.
const DefaultFreshness = 24 * time.Hour

// ScanError captures one location's failure without aborting the run.
type ScanError struct {
	LocationID   string `json:"location_id"`
	LocationName string `json:"location_name"`
	Message      string `json:"message"`
}

// Result summarizes one discovery run.
type Result struct {
	LocationsScanned   int         `json:"locations_scanned"`
	LocationsSkipped   int         `json:"locations_skipped"`
	TotalFilesFound    int         `json:"total_files_found"`
	NewFilesDiscovered int         `json:"new_files_discovered"`
	FilesMissing       int         `json:"files_missing"`
	ProjectsFound      int         `json:"projects_found"`
	Errors             []ScanError `json:"errors,omitempty"`
}

// ProgressFunc reports scan progress; may be nil.
type ProgressFunc func(locationName string, filesSeen int)

// Scanner walks every active location.
type Scanner struct {
	reg       *registry.Registry
	backends  backend.Factory
	hasher    asset.Hasher
	cache     asset.SearchCache
	versions  *version.Tracker
	logger    *slog.Logger
	retries   retry.Policy
	Freshness time.Duration
}

func New(reg *registry.Registry, backends backend.Factory, hasher asset.Hasher, cache asset.SearchCache, versions *version.Tracker, logger *slog.Logger) *Scanner {
	return &Scanner{
		reg:       reg,
		backends:  backends,
		hasher:    hasher,
		cache:     cache,
		versions:  versions,
		logger:    logger,
		retries:   retry.DefaultPolicy(),
		Freshness: DefaultFreshness,
	}
}

// DiscoverAll scans every active location. Per-location failures are
// captured into the result's error list and never abort the run.
func (s *Scanner) DiscoverAll(ctx context.Context, force bool, progress ProgressFunc) (*Result, error) {
	locations, err := s.reg.ActiveLocations(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	projects := make(map[string]struct{})

	for _, loc := range locations {
		if !force && loc.LastScan != nil && time.Since(*loc.LastScan) < s.Freshness {
			s.logger.Debug("skipping fresh location", "name", loc.Name, "last_scan", loc.LastScan)
			result.LocationsSkipped++
			continue
		}

		if err := s.ScanLocation(ctx, loc, result, projects, progress); err != nil {
			s.logger.Warn("location scan failed", "name", loc.Name, "error", err)
			result.Errors = append(result.Errors, ScanError{
				LocationID:   loc.ID,
				LocationName: loc.Name,
				Message:      err.Error(),
			})
			continue
		}
		result.LocationsScanned++
	}

	result.ProjectsFound = len(projects)
	return result, nil
}

// ScanOne force-scans a single location by id.
func (s *Scanner) ScanOne(ctx context.Context, locationID string, progress ProgressFunc) (*Result, error) {
	loc, err := s.reg.LocationByID(ctx, locationID)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	projects := make(map[string]struct{})
	if err := s.ScanLocation(ctx, loc, result, projects, progress); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeScan, fmt.Sprintf("scan of %s failed", loc.Name))
	}
	result.LocationsScanned = 1
	result.ProjectsFound = len(projects)
	return result, nil
}

// ScanLocation enumerates one location, tracks discoveries, and runs the
// missing-file second pass.
func (s *Scanner) ScanLocation(ctx context.Context, loc *model.StorageLocation, result *Result, projects map[string]struct{}, progress ProgressFunc) error {
	b, err := s.backends.For(loc)
	if err != nil {
		return err
	}

	var files []backend.RemoteFile
	err = s.retries.Do(ctx, func(ctx context.Context) error {
		var listErr error
		files, listErr = b.List(ctx)
		return listErr
	})
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeScan, "backend listing failed")
	}

	known, err := s.reg.KnownFiles(ctx, loc.ID)
	if err != nil {
		return err
	}
	knownHashes := make(map[string]struct{}, len(known))
	for _, rec := range known {
		knownHashes[rec.ContentHash] = struct{}{}
	}

	observed := make(map[string]struct{}, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		hash, err := s.contentHash(ctx, loc, b, f)
		if err != nil {
			s.logger.Warn("failed to hash file, skipping",
				"location", loc.Name, "path", f.Path, "error", err)
			continue
		}

		observed[hash] = struct{}{}
		result.TotalFilesFound++
		if top := topLevelDir(f.Path); top != "" {
			projects[top] = struct{}{}
		}

		if _, seen := knownHashes[hash]; !seen {
			result.NewFilesDiscovered++
			s.cache.NotifyAdded(ctx, hash, f.Path)
			if err := s.versions.TrackVersion(ctx, hash, f.Path, loc.ID, metadataFor(f)); err != nil {
				s.logger.Warn("failed to record version entry", "content_hash", hash, "error", err)
			}
		}

		if err := s.reg.TrackFile(ctx, hash, loc.ID, f.Path, f.Size, false); err != nil {
			return err
		}

		if progress != nil {
			progress(loc.Name, i+1)
		}
	}

	// Second pass: any known content hash no longer observed is flagged
	// missing, never dropped. Keying on the hash rather than the path
	// catches in-place overwrites, where the old path survives but holds
	// different bytes.
	for _, rec := range known {
		if _, ok := observed[rec.ContentHash]; ok {
			continue
		}
		if rec.SyncStatus == model.SyncStatusPendingUpload && rec.FilePath == "" {
			// Placeholder awaiting transfer, not a disappearance.
			continue
		}
		if rec.SyncStatus != model.SyncStatusMissing {
			result.FilesMissing++
			if err := s.reg.MarkMissing(ctx, rec.ContentHash, loc.ID, "not found during scan"); err != nil {
				return err
			}
			s.cache.NotifyRemoved(ctx, rec.ContentHash, rec.FilePath)
		}
	}

	return s.reg.SetLastScan(ctx, loc.ID, time.Now())
}

var hexHashRe = regexp.MustCompile(`^[0-9a-f]{40,64}$`)

// contentHash obtains the digest for one enumerated file. Walk backends
// hash the bytes in place. Object stores carry the hash in the managed key
// layout; unmanaged keys are spooled and hashed.
func (s *Scanner) contentHash(ctx context.Context, loc *model.StorageLocation, b backend.Backend, f backend.RemoteFile) (string, error) {
	switch loc.Type {
	case model.LocationTypeLocal, model.LocationTypeNetwork:
		abs := filepath.Join(loc.Path, filepath.FromSlash(f.Path))
		var hash string
		err := s.retries.Do(ctx, func(ctx context.Context) error {
			var hashErr error
			hash, hashErr = s.hasher.HashFile(ctx, abs)
			return hashErr
		})
		return hash, err
	}

	if h, ok := hashFromManagedKey(f.Path); ok {
		return h, nil
	}

	tmp, err := os.CreateTemp("", "strata-scan-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	err = s.retries.Do(ctx, func(ctx context.Context) error {
		return b.Download(ctx, f.Path, tmpName)
	})
	if err != nil {
		return "", err
	}
	return s.hasher.HashFile(ctx, tmpName)
}

// hashFromManagedKey parses "aa/aabbcc....ext" managed keys.
func hashFromManagedKey(key string) (string, bool) {
	base := path.Base(key)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	base = strings.ToLower(base)
	if !hexHashRe.MatchString(base) {
		return "", false
	}
	dir := path.Base(path.Dir(key))
	if len(dir) == 2 && strings.HasPrefix(base, dir) {
		return base, true
	}
	// Flat layout without fan-out directories still counts.
	if path.Dir(key) == "." {
		return base, true
	}
	return "", false
}

func metadataFor(f backend.RemoteFile) model.AssetMetadata {
	age := 0
	if !f.ModTime.IsZero() {
		age = int(time.Since(f.ModTime).Hours() / 24)
		if age < 0 {
			age = 0
		}
	}
	return model.AssetMetadata{
		AgeDays:       age,
		FileSizeBytes: f.Size,
		FileType:      strings.TrimPrefix(path.Ext(f.Path), "."),
	}
}

func topLevelDir(p string) string {
	p = path.Clean(p)
	if i := strings.IndexByte(p, '/'); i > 0 {
		return p[:i]
	}
	return ""
}
