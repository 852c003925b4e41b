// Package backend defines the storage backend interface and types.
// Backends are plugins; no backend-specific logic lives in the
// orchestration layers.
package backend

import (
	"context"
	"time"

	"github.com/stratafs/strata/internal/model"
)

// RemoteFile is one file enumerated at a backend, path relative to the
// location root (or object key relative to the bucket prefix).
type RemoteFile struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Backend is the minimal surface the scanner, migration executor, and sync
// tracker need from a storage location.
type Backend interface {
	// Type returns the location type this backend serves.
	Type() model.LocationType

	// List enumerates every file under the location root.
	List(ctx context.Context) ([]RemoteFile, error)

	// Upload copies a local file to remotePath at the backend.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Download copies remotePath from the backend to a local file.
	Download(ctx context.Context, remotePath, localPath string) error

	// Delete removes remotePath from the backend.
	// Only invoked after a verified move or an explicit resolution.
	Delete(ctx context.Context, remotePath string) error

	// Exists reports whether remotePath is present at the backend.
	Exists(ctx context.Context, remotePath string) (bool, error)
}

// Factory resolves a Backend for a registered location.
type Factory interface {
	For(loc *model.StorageLocation) (Backend, error)
}
