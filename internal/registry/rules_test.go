package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
)

func int64Ptr(i int64) *int64 { return &i }

func TestAcceptsWildcard(t *testing.T) {
	loc := testLocation("cold", "/mnt/cold", 10)
	ok, reason := Accepts(loc, model.AssetMetadata{AgeDays: 999})
	assert.True(t, ok)
	assert.Equal(t, "wildcard (no rules)", reason)
}

func TestRuleMatchesSingleRule(t *testing.T) {
	rule := model.StorageRule{
		MaxAgeDays:   intPtr(30),
		IncludeTypes: []string{"mkv", "mp4"},
	}

	ok, _ := ruleMatches(rule, model.AssetMetadata{AgeDays: 10, FileType: "mkv"})
	assert.True(t, ok)

	ok, reason := ruleMatches(rule, model.AssetMetadata{AgeDays: 45, FileType: "mkv"})
	assert.False(t, ok)
	assert.Contains(t, reason, "exceeds maximum")

	ok, reason = ruleMatches(rule, model.AssetMetadata{AgeDays: 10, FileType: "txt"})
	assert.False(t, ok)
	assert.Contains(t, reason, "not in include list")

	// Type comparison is case-insensitive.
	ok, _ = ruleMatches(rule, model.AssetMetadata{AgeDays: 10, FileType: "MKV"})
	assert.True(t, ok)
}

func TestRuleMatchesTags(t *testing.T) {
	rule := model.StorageRule{
		RequireTags: []string{"keeper"},
		ExcludeTags: []string{"scratch"},
	}

	ok, _ := ruleMatches(rule, model.AssetMetadata{Tags: []string{"keeper"}})
	assert.True(t, ok)

	ok, reason := ruleMatches(rule, model.AssetMetadata{Tags: nil})
	assert.False(t, ok)
	assert.Contains(t, reason, "missing required tag")

	ok, reason = ruleMatches(rule, model.AssetMetadata{Tags: []string{"keeper", "scratch"}})
	assert.False(t, ok)
	assert.Contains(t, reason, "excluded tag")
}

// All rules in a location's list must hold, and within each rule all
// populated fields must hold.
func TestAcceptsConjunction(t *testing.T) {
	loc := testLocation("curated", "/mnt/curated", 100,
		model.StorageRule{MaxAgeDays: intPtr(30)},
		model.StorageRule{MinQualityStars: intPtr(4)},
	)

	ok, _ := Accepts(loc, model.AssetMetadata{AgeDays: 10, QualityStars: 5})
	assert.True(t, ok)

	ok, reason := Accepts(loc, model.AssetMetadata{AgeDays: 10, QualityStars: 2})
	assert.False(t, ok)
	assert.Contains(t, reason, "rule 2")

	ok, reason = Accepts(loc, model.AssetMetadata{AgeDays: 40, QualityStars: 5})
	assert.False(t, ok)
	assert.Contains(t, reason, "rule 1")
}

func TestLocationForFileTiering(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterLocation(ctx, testLocation("hot", "/mnt/hot", 100,
		model.StorageRule{MaxAgeDays: intPtr(30)}))
	require.NoError(t, err)
	_, err = reg.RegisterLocation(ctx, testLocation("cold", "/mnt/cold", 10))
	require.NoError(t, err)

	young := model.AssetMetadata{AgeDays: 5, FileSizeBytes: 100}
	loc, reason, err := reg.LocationForFile(ctx, "hash-young", young)
	require.NoError(t, err)
	assert.Equal(t, "hot", loc.Name)
	assert.Contains(t, reason, "age <= 30d")

	old := model.AssetMetadata{AgeDays: 90, FileSizeBytes: 100}
	loc, reason, err = reg.LocationForFile(ctx, "hash-old", old)
	require.NoError(t, err)
	assert.Equal(t, "cold", loc.Name)
	assert.Equal(t, "wildcard (no rules)", reason)
}

// When no rule set matches, the highest-priority active location wins so
// a placement recommendation always exists.
func TestLocationForFileFallback(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterLocation(ctx, testLocation("picky", "/mnt/picky", 100,
		model.StorageRule{MinSizeBytes: int64Ptr(1 << 40)}))
	require.NoError(t, err)
	_, err = reg.RegisterLocation(ctx, testLocation("also-picky", "/mnt/also", 10,
		model.StorageRule{MinQualityStars: intPtr(5)}))
	require.NoError(t, err)

	loc, reason, err := reg.LocationForFile(ctx, "hash-x", model.AssetMetadata{FileSizeBytes: 10})
	require.NoError(t, err)
	assert.Equal(t, "picky", loc.Name)
	assert.Contains(t, reason, "fallback")
}

func TestLocationForFileIgnoresInactive(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	offline := testLocation("offline", "/mnt/offline", 100)
	offline.Status = model.LocationStatusOffline
	_, err := reg.RegisterLocation(ctx, offline)
	require.NoError(t, err)
	_, err = reg.RegisterLocation(ctx, testLocation("cold", "/mnt/cold", 10))
	require.NoError(t, err)

	loc, _, err := reg.LocationForFile(ctx, "hash-x", model.AssetMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "cold", loc.Name)
}

func TestLocationForFileNoActiveLocations(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	offline := testLocation("offline", "/mnt/offline", 100)
	offline.Status = model.LocationStatusOffline
	_, err := reg.RegisterLocation(ctx, offline)
	require.NoError(t, err)

	_, _, err = reg.LocationForFile(ctx, "hash-x", model.AssetMetadata{})
	assert.ErrorIs(t, err, errdefs.ErrNoActiveLocation)
}

func TestLocationForFileRecordsAudit(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterLocation(ctx, testLocation("hot", "/mnt/hot", 100,
		model.StorageRule{MaxAgeDays: intPtr(30)}))
	require.NoError(t, err)
	_, err = reg.RegisterLocation(ctx, testLocation("cold", "/mnt/cold", 10))
	require.NoError(t, err)

	_, _, err = reg.LocationForFile(ctx, "hash-old", model.AssetMetadata{AgeDays: 90})
	require.NoError(t, err)

	// Both locations were evaluated; one rejection, one match.
	var total, matched int
	require.NoError(t, reg.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(matched), 0) FROM rule_evaluations WHERE content_hash = 'hash-old'`,
	).Scan(&total, &matched))
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, matched)
}
