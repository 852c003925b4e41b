// Package factory resolves concrete backends for registered locations.
// Kept apart from package backend so implementations can depend on the
// interface without a cycle.
package factory

import (
	"context"
	"strings"
	"sync"

	"github.com/stratafs/strata/internal/backend"
	"github.com/stratafs/strata/internal/backend/local"
	"github.com/stratafs/strata/internal/backend/rclone"
	"github.com/stratafs/strata/internal/backend/s3"
	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
)

// Factory builds and caches one backend per location id.
type Factory struct {
	mu    sync.Mutex
	cache map[string]backend.Backend
}

func New() *Factory {
	return &Factory{cache: make(map[string]backend.Backend)}
}

// For returns the backend for loc, constructing it on first use.
func (f *Factory) For(loc *model.StorageLocation) (backend.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.cache[loc.ID]; ok {
		return b, nil
	}

	b, err := f.build(loc)
	if err != nil {
		return nil, err
	}
	f.cache[loc.ID] = b
	return b, nil
}

func (f *Factory) build(loc *model.StorageLocation) (backend.Backend, error) {
	switch loc.Type {
	case model.LocationTypeLocal, model.LocationTypeNetwork:
		var excludes []string
		if raw := loc.Config["excludes"]; raw != "" {
			excludes = strings.Split(raw, ",")
		}
		return local.New(loc.Path, loc.Type, excludes), nil
	case model.LocationTypeS3:
		return s3.New(context.Background(), loc)
	case model.LocationTypeRclone:
		return rclone.New(loc.Path, loc.Config["config_path"])
	default:
		return nil, errdefs.Newf(errdefs.CodeConfiguration, "unsupported location type %q", loc.Type)
	}
}
