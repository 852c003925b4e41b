// Package config loads declarative location manifests and registers them
// in bulk. The manifest is YAML so a fleet's tiering topology can live in
// version control.
package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
	"github.com/stratafs/strata/internal/registry"
)

// LocationSpec is one manifest entry. Rules use the same field names as
// the registry's JSON representation.
type LocationSpec struct {
	Name     string              `yaml:"name"`
	Type     string              `yaml:"type"`
	Path     string              `yaml:"path"`
	Priority int                 `yaml:"priority"`
	Status   string              `yaml:"status,omitempty"`
	Rules    []model.StorageRule `yaml:"rules,omitempty"`
	Config   map[string]string   `yaml:"config,omitempty"`
}

// Manifest is the top-level document of a locations file.
type Manifest struct {
	Locations []LocationSpec `yaml:"locations"`
}

// ImportReport summarizes one bulk import.
type ImportReport struct {
	Imported  int      `json:"imported"`
	Locations []string `json:"locations"`
}

// LoadManifest parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeConfiguration, "failed to read manifest")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeConfiguration, "failed to parse manifest")
	}
	if len(m.Locations) == 0 {
		return nil, errdefs.New(errdefs.CodeConfiguration, "manifest defines no locations")
	}
	return &m, nil
}

// ImportLocations registers every manifest entry. Registration is an
// upsert keyed on (path, type), so re-importing the same manifest is
// idempotent.
func ImportLocations(ctx context.Context, reg *registry.Registry, m *Manifest) (*ImportReport, error) {
	report := &ImportReport{}
	for i, spec := range m.Locations {
		loc, err := spec.toLocation()
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.CodeConfiguration,
				fmt.Sprintf("manifest entry %d (%s)", i+1, spec.Name))
		}
		if _, err := reg.RegisterLocation(ctx, loc); err != nil {
			return nil, err
		}
		report.Imported++
		report.Locations = append(report.Locations, loc.Name)
	}
	return report, nil
}

func (s LocationSpec) toLocation() (*model.StorageLocation, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if s.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	typ := model.LocationType(s.Type)
	switch typ {
	case model.LocationTypeLocal, model.LocationTypeS3, model.LocationTypeRclone, model.LocationTypeNetwork:
	default:
		return nil, fmt.Errorf("unknown location type %q", s.Type)
	}

	status := model.LocationStatus(s.Status)
	if s.Status == "" {
		status = model.LocationStatusActive
	}
	switch status {
	case model.LocationStatusActive, model.LocationStatusArchived, model.LocationStatusOffline:
	default:
		return nil, fmt.Errorf("unknown location status %q", s.Status)
	}

	return &model.StorageLocation{
		ID:       registry.LocationID(s.Path, typ),
		Name:     s.Name,
		Type:     typ,
		Path:     s.Path,
		Priority: s.Priority,
		Rules:    s.Rules,
		Status:   status,
		Config:   s.Config,
	}, nil
}
