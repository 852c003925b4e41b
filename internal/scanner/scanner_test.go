package scanner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/strata/internal/asset"
	"github.com/stratafs/strata/internal/backend/factory"
	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
	"github.com/stratafs/strata/internal/registry"
	"github.com/stratafs/strata/internal/version"
)

type env struct {
	reg     *registry.Registry
	scanner *Scanner
	dataDir string
	loc     *model.StorageLocation
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	require.NoError(t, reg.Initialize(ctx))

	dataDir := t.TempDir()
	loc, err := reg.RegisterLocation(ctx, &model.StorageLocation{
		Name: "primary", Type: model.LocationTypeLocal, Path: dataDir, Priority: 100,
	})
	require.NoError(t, err)

	versions := version.NewTracker(reg.DB())
	s := New(reg, factory.New(), asset.SHA256Hasher{}, asset.NopSearchCache{}, versions, logger)
	return &env{reg: reg, scanner: s, dataDir: dataDir, loc: loc}
}

func (e *env) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(e.dataDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func TestDiscoverAllFindsFiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.writeFile(t, "proj1/a.txt", "alpha")
	e.writeFile(t, "proj1/sub/b.txt", "beta")
	e.writeFile(t, "c.txt", "gamma")

	result, err := e.scanner.DiscoverAll(ctx, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.LocationsScanned)
	assert.Equal(t, 3, result.TotalFilesFound)
	assert.Equal(t, 3, result.NewFilesDiscovered)
	assert.Equal(t, 1, result.ProjectsFound)
	assert.Empty(t, result.Errors)

	hashes, err := e.reg.ContentHashes(ctx)
	require.NoError(t, err)
	assert.Len(t, hashes, 3)

	known, err := e.reg.KnownFiles(ctx, e.loc.ID)
	require.NoError(t, err)
	require.Len(t, known, 3)
	for _, rec := range known {
		assert.Equal(t, model.SyncStatusSynced, rec.SyncStatus)
		assert.Greater(t, rec.FileSize, int64(0))
	}
}

func TestRescanIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.writeFile(t, "a.txt", "alpha")

	_, err := e.scanner.DiscoverAll(ctx, false, nil)
	require.NoError(t, err)

	result, err := e.scanner.DiscoverAll(ctx, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalFilesFound)
	assert.Equal(t, 0, result.NewFilesDiscovered)

	known, err := e.reg.KnownFiles(ctx, e.loc.ID)
	require.NoError(t, err)
	assert.Len(t, known, 1)
}

func TestRescanMarksMissing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.writeFile(t, "keep.txt", "kept")
	e.writeFile(t, "gone.txt", "going")

	_, err := e.scanner.DiscoverAll(ctx, false, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(e.dataDir, "gone.txt")))

	result, err := e.scanner.DiscoverAll(ctx, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesMissing)

	known, err := e.reg.KnownFiles(ctx, e.loc.ID)
	require.NoError(t, err)
	require.Len(t, known, 2)

	statuses := map[string]model.SyncStatus{}
	for _, rec := range known {
		statuses[rec.FilePath] = rec.SyncStatus
	}
	assert.Equal(t, model.SyncStatusSynced, statuses["keep.txt"])
	assert.Equal(t, model.SyncStatusMissing, statuses["gone.txt"])
}

// An overwrite keeps the path but replaces the bytes. The old content
// hash must be flagged missing and the new one tracked at the same path.
func TestRescanDetectsInPlaceOverwrite(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.writeFile(t, "a.bin", "version one")

	_, err := e.scanner.DiscoverAll(ctx, false, nil)
	require.NoError(t, err)
	hashes, err := e.reg.ContentHashes(ctx)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	oldHash := hashes[0]

	e.writeFile(t, "a.bin", "version two")

	result, err := e.scanner.DiscoverAll(ctx, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesMissing)
	assert.Equal(t, 1, result.NewFilesDiscovered)

	known, err := e.reg.KnownFiles(ctx, e.loc.ID)
	require.NoError(t, err)
	require.Len(t, known, 2)

	statuses := map[string]model.SyncStatus{}
	for _, rec := range known {
		statuses[rec.ContentHash] = rec.SyncStatus
		assert.Equal(t, "a.bin", rec.FilePath)
	}
	assert.Equal(t, model.SyncStatusMissing, statuses[oldHash])
	for hash, status := range statuses {
		if hash != oldHash {
			assert.Equal(t, model.SyncStatusSynced, status)
		}
	}
}

func TestFreshLocationSkippedWithoutForce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.writeFile(t, "a.txt", "alpha")

	_, err := e.scanner.DiscoverAll(ctx, false, nil)
	require.NoError(t, err)

	result, err := e.scanner.DiscoverAll(ctx, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.LocationsScanned)
	assert.Equal(t, 1, result.LocationsSkipped)

	result, err = e.scanner.DiscoverAll(ctx, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.LocationsScanned)
}

func TestDiscoverAllIsolatesLocationFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.writeFile(t, "a.txt", "alpha")

	_, err := e.reg.RegisterLocation(ctx, &model.StorageLocation{
		Name: "broken", Type: model.LocationTypeLocal,
		Path: filepath.Join(t.TempDir(), "does-not-exist"), Priority: 50,
	})
	require.NoError(t, err)

	result, err := e.scanner.DiscoverAll(ctx, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.LocationsScanned)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "broken", result.Errors[0].LocationName)
}

func TestScanOneUnknownLocation(t *testing.T) {
	e := newEnv(t)

	_, err := e.scanner.ScanOne(context.Background(), "no-such-id", nil)
	assert.ErrorIs(t, err, errdefs.ErrLocationNotFound)
}

func TestHashFromManagedKey(t *testing.T) {
	const digest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

	cases := []struct {
		key  string
		want string
		ok   bool
	}{
		{"9f/" + digest + ".mkv", digest, true},
		{"9f/" + digest, digest, true},
		{digest + ".txt", digest, true},
		{"ab/" + digest + ".mkv", "", false}, // fan-out dir disagrees with hash
		{"movies/holiday.mkv", "", false},
		{"readme.txt", "", false},
	}
	for _, tc := range cases {
		got, ok := hashFromManagedKey(tc.key)
		assert.Equal(t, tc.ok, ok, tc.key)
		assert.Equal(t, tc.want, got, tc.key)
	}
}
