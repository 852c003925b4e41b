package registry

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "registry.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	require.NoError(t, reg.Initialize(context.Background()))
	return reg
}

func intPtr(i int) *int { return &i }

func testLocation(name, path string, priority int, rules ...model.StorageRule) *model.StorageLocation {
	return &model.StorageLocation{
		Name:     name,
		Type:     model.LocationTypeLocal,
		Path:     path,
		Priority: priority,
		Rules:    rules,
	}
}

func TestRegisterLocationIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.RegisterLocation(ctx, testLocation("ssd", "/mnt/ssd", 100))
	require.NoError(t, err)

	// Same (path, type) with new priority updates in place.
	second, err := reg.RegisterLocation(ctx, testLocation("ssd", "/mnt/ssd", 50))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	locations, err := reg.Locations(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, 50, locations[0].Priority)
	assert.Equal(t, model.LocationStatusActive, locations[0].Status)
}

func TestRegisterLocationNameConflict(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterLocation(ctx, testLocation("primary", "/mnt/a", 10))
	require.NoError(t, err)

	_, err = reg.RegisterLocation(ctx, testLocation("primary", "/mnt/b", 10))
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestRegisterLocationValidation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterLocation(ctx, &model.StorageLocation{Name: "x", Type: "tape", Path: "/mnt/x"})
	assert.True(t, errdefs.IsConfiguration(err))

	_, err = reg.RegisterLocation(ctx, &model.StorageLocation{Name: "x", Type: model.LocationTypeLocal})
	assert.True(t, errdefs.IsConfiguration(err))

	bad := testLocation("x", "/mnt/x", 0, model.StorageRule{
		MinAgeDays: intPtr(30), MaxAgeDays: intPtr(10),
	})
	_, err = reg.RegisterLocation(ctx, bad)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestLocationsPriorityOrder(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, loc := range []*model.StorageLocation{
		testLocation("cold", "/mnt/cold", 10),
		testLocation("hot", "/mnt/hot", 100),
		testLocation("warm", "/mnt/warm", 50),
	} {
		_, err := reg.RegisterLocation(ctx, loc)
		require.NoError(t, err)
	}

	locations, err := reg.Locations(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, locations, 3)
	assert.Equal(t, "hot", locations[0].Name)
	assert.Equal(t, "warm", locations[1].Name)
	assert.Equal(t, "cold", locations[2].Name)
}

func TestLocationByIDNotFound(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.LocationByID(context.Background(), "missing-id")
	assert.ErrorIs(t, err, errdefs.ErrLocationNotFound)
}

func TestUpdateLocation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	loc, err := reg.RegisterLocation(ctx, testLocation("nas", "/mnt/nas", 20))
	require.NoError(t, err)

	loc.Status = model.LocationStatusOffline
	loc.Priority = 5
	require.NoError(t, reg.UpdateLocation(ctx, loc))

	got, err := reg.LocationByID(ctx, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LocationStatusOffline, got.Status)
	assert.Equal(t, 5, got.Priority)
	assert.False(t, got.IsActive())

	ghost := testLocation("ghost", "/mnt/ghost", 0)
	ghost.ID = "nonexistent"
	assert.ErrorIs(t, reg.UpdateLocation(ctx, ghost), errdefs.ErrLocationNotFound)
}

func TestTrackFileUpsert(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	loc, err := reg.RegisterLocation(ctx, testLocation("hot", "/mnt/hot", 100))
	require.NoError(t, err)

	const hash = "abc123"
	require.NoError(t, reg.TrackFile(ctx, hash, loc.ID, "movies/a.mkv", 1024, false))
	require.NoError(t, reg.TrackFile(ctx, hash, loc.ID, "movies/a.mkv", 2048, true))

	records, err := reg.FileLocations(ctx, hash)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, int64(2048), rec.FileSize)
	assert.True(t, rec.MetadataEmbedded)
	assert.Equal(t, model.SyncStatusSynced, rec.SyncStatus)
	assert.Equal(t, "hot", rec.LocationName)
	assert.Equal(t, model.LocationTypeLocal, rec.LocationType)
	assert.Equal(t, 100, rec.LocationPriority)
	assert.False(t, rec.LastVerified.IsZero())
}

func TestMarkFileForSyncCreatesPlaceholder(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	src, err := reg.RegisterLocation(ctx, testLocation("src", "/mnt/src", 100))
	require.NoError(t, err)
	dst, err := reg.RegisterLocation(ctx, testLocation("dst", "/mnt/dst", 10))
	require.NoError(t, err)

	const hash = "def456"
	require.NoError(t, reg.TrackFile(ctx, hash, src.ID, "a.bin", 10, false))
	require.NoError(t, reg.MarkFileForSync(ctx, hash, src.ID, dst.ID, "upload"))

	records, err := reg.FileLocations(ctx, hash)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byLoc := map[string]*model.FileLocationRecord{}
	for _, rec := range records {
		byLoc[rec.LocationID] = rec
	}
	assert.Equal(t, model.SyncStatusPendingUpload, byLoc[src.ID].SyncStatus)
	assert.Equal(t, "a.bin", byLoc[src.ID].FilePath)
	assert.Equal(t, model.SyncStatusPendingUpload, byLoc[dst.ID].SyncStatus)
	assert.Equal(t, "", byLoc[dst.ID].FilePath)

	pending, err := reg.PendingSyncs(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// Unknown action and unknown hash are rejected.
	assert.True(t, errdefs.IsConfiguration(reg.MarkFileForSync(ctx, hash, src.ID, dst.ID, "teleport")))
	assert.ErrorIs(t, reg.MarkFileForSync(ctx, "nope", src.ID, dst.ID, "upload"), errdefs.ErrAssetNotFound)
}

func TestRemoveFileFromLocation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	loc, err := reg.RegisterLocation(ctx, testLocation("hot", "/mnt/hot", 100))
	require.NoError(t, err)

	const hash = "aaa111"
	require.NoError(t, reg.TrackFile(ctx, hash, loc.ID, "a.bin", 10, false))
	require.NoError(t, reg.RemoveFileFromLocation(ctx, hash, loc.ID))
	assert.ErrorIs(t, reg.RemoveFileFromLocation(ctx, hash, loc.ID), errdefs.ErrAssetNotFound)

	records, err := reg.FileLocations(ctx, hash)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMarkMissingAndSetSyncStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	loc, err := reg.RegisterLocation(ctx, testLocation("hot", "/mnt/hot", 100))
	require.NoError(t, err)

	const hash = "bbb222"
	require.NoError(t, reg.TrackFile(ctx, hash, loc.ID, "a.bin", 10, false))
	require.NoError(t, reg.MarkMissing(ctx, hash, loc.ID, "not found during scan"))

	records, err := reg.FileLocations(ctx, hash)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.SyncStatusMissing, records[0].SyncStatus)
	assert.Equal(t, "not found during scan", records[0].ErrorMessage)

	// A later successful track resets the record.
	require.NoError(t, reg.TrackFile(ctx, hash, loc.ID, "a.bin", 10, false))
	records, err = reg.FileLocations(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSynced, records[0].SyncStatus)
	assert.Equal(t, "", records[0].ErrorMessage)
}

func TestStats(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	hot, err := reg.RegisterLocation(ctx, testLocation("hot", "/mnt/hot", 100))
	require.NoError(t, err)
	cold, err := reg.RegisterLocation(ctx, testLocation("cold", "/mnt/cold", 10))
	require.NoError(t, err)

	require.NoError(t, reg.TrackFile(ctx, "h1", hot.ID, "a.bin", 100, false))
	require.NoError(t, reg.TrackFile(ctx, "h1", cold.ID, "a.bin", 100, false))
	require.NoError(t, reg.TrackFile(ctx, "h2", hot.ID, "b.bin", 50, false))
	require.NoError(t, reg.MarkFileForSync(ctx, "h2", hot.ID, cold.ID, "upload"))

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalLocations)
	assert.Equal(t, 2, stats.ActiveLocations)
	assert.Equal(t, 2, stats.UniqueFiles)
	assert.Equal(t, 4, stats.FileInstances)
	assert.Equal(t, 2, stats.PendingSyncs)
	assert.Equal(t, 2, stats.MultiCopyFiles)
	require.Len(t, stats.PerLocation, 2)
	assert.Equal(t, "hot", stats.PerLocation[0].Name)
	assert.Equal(t, int64(150), stats.PerLocation[0].TotalBytes)
}

func TestContentHashes(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	loc, err := reg.RegisterLocation(ctx, testLocation("hot", "/mnt/hot", 100))
	require.NoError(t, err)
	require.NoError(t, reg.TrackFile(ctx, "zzz", loc.ID, "a", 1, false))
	require.NoError(t, reg.TrackFile(ctx, "aaa", loc.ID, "b", 1, false))
	require.NoError(t, reg.TrackFile(ctx, "aaa", loc.ID, "b", 1, false))

	hashes, err := reg.ContentHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "zzz"}, hashes)
}

func TestLocationIDDeterministic(t *testing.T) {
	a := LocationID("/mnt/nas", model.LocationTypeLocal)
	b := LocationID("/mnt/nas", model.LocationTypeLocal)
	c := LocationID("/mnt/nas", model.LocationTypeNetwork)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
