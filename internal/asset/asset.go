// Package asset declares the collaborator interfaces the orchestrator
// consumes at its boundary: content hashing, metadata extraction, and the
// external search cache. Default implementations cover standalone use;
// embedding applications inject their own.
package asset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stratafs/strata/internal/model"
)

// Hasher computes the content digest used as an asset's identity.
type Hasher interface {
	// HashFile digests the file at path.
	HashFile(ctx context.Context, path string) (string, error)
	// HashReader digests a stream.
	HashReader(ctx context.Context, r io.Reader) (string, error)
}

// MetadataExtractor produces the rule-evaluation input for a file.
type MetadataExtractor interface {
	Extract(ctx context.Context, path string) (model.AssetMetadata, error)
}

// SearchCache is notified of new and removed (contentHash, path) pairs so
// an external index can stay queryable. It is never the source of truth.
type SearchCache interface {
	NotifyAdded(ctx context.Context, contentHash, path string)
	NotifyRemoved(ctx context.Context, contentHash, path string)
}

// SHA256Hasher is the default Hasher.
type SHA256Hasher struct{}

func (SHA256Hasher) HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return SHA256Hasher{}.HashReader(ctx, f)
}

func (SHA256Hasher) HashReader(ctx context.Context, r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StatExtractor derives metadata from the filesystem alone: age from the
// modification time, type from the extension, no tags, no quality score.
type StatExtractor struct {
	Now func() time.Time
}

func (e StatExtractor) Extract(ctx context.Context, path string) (model.AssetMetadata, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	info, err := os.Stat(path)
	if err != nil {
		return model.AssetMetadata{}, err
	}

	age := int(now().Sub(info.ModTime()).Hours() / 24)
	if age < 0 {
		age = 0
	}

	return model.AssetMetadata{
		AgeDays:       age,
		FileSizeBytes: info.Size(),
		FileType:      strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
	}, nil
}

// NopSearchCache discards all notifications.
type NopSearchCache struct{}

func (NopSearchCache) NotifyAdded(ctx context.Context, contentHash, path string)   {}
func (NopSearchCache) NotifyRemoved(ctx context.Context, contentHash, path string) {}
