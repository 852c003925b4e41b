package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
	"github.com/stratafs/strata/internal/registry"
)

const manifestYAML = `
locations:
  - name: hot
    type: local
    path: /mnt/hot
    priority: 100
    rules:
      - max_age_days: 30
        include_types: [mkv, mp4]
  - name: archive
    type: s3
    path: media-archive
    priority: 10
    config:
      region: us-east-1
      prefix: strata
  - name: offsite
    type: rclone
    path: "gdrive:backup"
    status: archived
`

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	require.NoError(t, reg.Initialize(context.Background()))
	return reg
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadManifest(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, manifestYAML))
	require.NoError(t, err)
	require.Len(t, m.Locations, 3)

	hot := m.Locations[0]
	assert.Equal(t, "hot", hot.Name)
	require.Len(t, hot.Rules, 1)
	require.NotNil(t, hot.Rules[0].MaxAgeDays)
	assert.Equal(t, 30, *hot.Rules[0].MaxAgeDays)
	assert.Equal(t, []string{"mkv", "mp4"}, hot.Rules[0].IncludeTypes)

	assert.Equal(t, "us-east-1", m.Locations[1].Config["region"])
	assert.Equal(t, "archived", m.Locations[2].Status)
}

func TestLoadManifestErrors(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errdefs.IsConfiguration(err))

	_, err = LoadManifest(writeManifest(t, "locations: []"))
	assert.True(t, errdefs.IsConfiguration(err))

	_, err = LoadManifest(writeManifest(t, "not: [valid: yaml"))
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestImportLocationsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	m, err := LoadManifest(writeManifest(t, manifestYAML))
	require.NoError(t, err)

	report, err := ImportLocations(ctx, reg, m)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Imported)

	// Re-importing the same manifest updates in place.
	_, err = ImportLocations(ctx, reg, m)
	require.NoError(t, err)

	locations, err := reg.Locations(ctx, registry.Filter{})
	require.NoError(t, err)
	require.Len(t, locations, 3)
	assert.Equal(t, "hot", locations[0].Name)
	assert.Equal(t, model.LocationTypeS3, locations[1].Type)
	assert.Equal(t, model.LocationStatusArchived, locations[2].Status)
}

func TestImportLocationsRejectsBadEntry(t *testing.T) {
	reg := newTestRegistry(t)

	m := &Manifest{Locations: []LocationSpec{
		{Name: "bad", Type: "tape", Path: "/mnt/x"},
	}}
	_, err := ImportLocations(context.Background(), reg, m)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
	assert.Contains(t, err.Error(), "bad")
}
