package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
)

// ruleMatches evaluates one rule against asset metadata. Populated fields
// are ANDed. Returns the matched-clause description on success, the first
// failing clause on rejection.
func ruleMatches(rule model.StorageRule, meta model.AssetMetadata) (bool, string) {
	var clauses []string

	if rule.MinAgeDays != nil {
		if meta.AgeDays < *rule.MinAgeDays {
			return false, fmt.Sprintf("age %dd below minimum %dd", meta.AgeDays, *rule.MinAgeDays)
		}
		clauses = append(clauses, fmt.Sprintf("age >= %dd", *rule.MinAgeDays))
	}
	if rule.MaxAgeDays != nil {
		if meta.AgeDays > *rule.MaxAgeDays {
			return false, fmt.Sprintf("age %dd exceeds maximum %dd", meta.AgeDays, *rule.MaxAgeDays)
		}
		clauses = append(clauses, fmt.Sprintf("age <= %dd", *rule.MaxAgeDays))
	}
	if rule.MinSizeBytes != nil {
		if meta.FileSizeBytes < *rule.MinSizeBytes {
			return false, fmt.Sprintf("size %d below minimum %d", meta.FileSizeBytes, *rule.MinSizeBytes)
		}
		clauses = append(clauses, fmt.Sprintf("size >= %d", *rule.MinSizeBytes))
	}
	if rule.MaxSizeBytes != nil {
		if meta.FileSizeBytes > *rule.MaxSizeBytes {
			return false, fmt.Sprintf("size %d exceeds maximum %d", meta.FileSizeBytes, *rule.MaxSizeBytes)
		}
		clauses = append(clauses, fmt.Sprintf("size <= %d", *rule.MaxSizeBytes))
	}
	if len(rule.IncludeTypes) > 0 {
		if !containsFold(rule.IncludeTypes, meta.FileType) {
			return false, fmt.Sprintf("type %q not in include list", meta.FileType)
		}
		clauses = append(clauses, fmt.Sprintf("type in %v", rule.IncludeTypes))
	}
	if len(rule.ExcludeTypes) > 0 {
		if containsFold(rule.ExcludeTypes, meta.FileType) {
			return false, fmt.Sprintf("type %q is excluded", meta.FileType)
		}
		clauses = append(clauses, fmt.Sprintf("type not in %v", rule.ExcludeTypes))
	}
	for _, tag := range rule.RequireTags {
		if !containsFold(meta.Tags, tag) {
			return false, fmt.Sprintf("missing required tag %q", tag)
		}
	}
	if len(rule.RequireTags) > 0 {
		clauses = append(clauses, fmt.Sprintf("tags include %v", rule.RequireTags))
	}
	for _, tag := range rule.ExcludeTags {
		if containsFold(meta.Tags, tag) {
			return false, fmt.Sprintf("carries excluded tag %q", tag)
		}
	}
	if len(rule.ExcludeTags) > 0 {
		clauses = append(clauses, fmt.Sprintf("tags exclude %v", rule.ExcludeTags))
	}
	if rule.MinQualityStars != nil {
		if meta.QualityStars < *rule.MinQualityStars {
			return false, fmt.Sprintf("quality %d below minimum %d", meta.QualityStars, *rule.MinQualityStars)
		}
		clauses = append(clauses, fmt.Sprintf("quality >= %d", *rule.MinQualityStars))
	}
	if rule.MaxQualityStars != nil {
		if meta.QualityStars > *rule.MaxQualityStars {
			return false, fmt.Sprintf("quality %d exceeds maximum %d", meta.QualityStars, *rule.MaxQualityStars)
		}
		clauses = append(clauses, fmt.Sprintf("quality <= %d", *rule.MaxQualityStars))
	}

	if len(clauses) == 0 {
		return true, "no constraints"
	}
	return true, strings.Join(clauses, ", ")
}

// Accepts evaluates a location's full rule set against metadata. All rules
// must pass (AND). An empty rule list accepts everything (wildcard tier).
func Accepts(loc *model.StorageLocation, meta model.AssetMetadata) (bool, string) {
	if len(loc.Rules) == 0 {
		return true, "wildcard (no rules)"
	}

	var matched []string
	for i, rule := range loc.Rules {
		ok, reason := ruleMatches(rule, meta)
		if !ok {
			return false, fmt.Sprintf("rule %d: %s", i+1, reason)
		}
		matched = append(matched, reason)
	}
	return true, strings.Join(matched, "; ")
}

// LocationForFile returns the ideal location for an asset: the first
// active location, in priority order, whose rule set accepts the metadata.
// When no rule set matches, the highest-priority active location is
// returned as the fallback so a placement recommendation always exists.
// Every evaluation is recorded in the write-only audit log.
func (r *Registry) LocationForFile(ctx context.Context, contentHash string, meta model.AssetMetadata) (*model.StorageLocation, string, error) {
	locations, err := r.ActiveLocations(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(locations) == 0 {
		return nil, "", errdefs.ErrNoActiveLocation
	}

	for _, loc := range locations {
		ok, reason := Accepts(loc, meta)
		r.recordEvaluation(ctx, contentHash, loc.ID, ok, meta)
		if ok {
			return loc, reason, nil
		}
	}

	fallback := locations[0]
	return fallback, "fallback: no rule set matched, using highest-priority active location", nil
}

// recordEvaluation appends to the evaluation audit. Failures are logged
// and swallowed: diagnostics must never break placement.
func (r *Registry) recordEvaluation(ctx context.Context, contentHash, locationID string, matched bool, meta model.AssetMetadata) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rule_evaluations (content_hash, location_id, matched, metadata)
		VALUES (?, ?, ?, ?)
	`, contentHash, locationID, matched, string(metaJSON))
	if err != nil {
		r.logger.Warn("failed to record rule evaluation",
			"content_hash", contentHash, "location_id", locationID, "error", err)
	}
}

func validateRule(rule model.StorageRule) error {
	if rule.MinAgeDays != nil && rule.MaxAgeDays != nil && *rule.MinAgeDays > *rule.MaxAgeDays {
		return fmt.Errorf("min_age_days %d exceeds max_age_days %d", *rule.MinAgeDays, *rule.MaxAgeDays)
	}
	if rule.MinSizeBytes != nil && rule.MaxSizeBytes != nil && *rule.MinSizeBytes > *rule.MaxSizeBytes {
		return fmt.Errorf("min_size_bytes %d exceeds max_size_bytes %d", *rule.MinSizeBytes, *rule.MaxSizeBytes)
	}
	if rule.MinQualityStars != nil && rule.MaxQualityStars != nil && *rule.MinQualityStars > *rule.MaxQualityStars {
		return fmt.Errorf("min_quality_stars %d exceeds max_quality_stars %d", *rule.MinQualityStars, *rule.MaxQualityStars)
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
