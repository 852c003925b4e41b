package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/stratafs/strata/internal/asset"
	"github.com/stratafs/strata/internal/backend"
	"github.com/stratafs/strata/internal/errdefs"
	"github.com/stratafs/strata/internal/model"
	"github.com/stratafs/strata/internal/retry"
)

// ManagedPath is where the orchestrator places an asset at a target
// location: a two-character fan-out directory, then the full content hash
// plus the original extension so object listings stay self-describing.
func ManagedPath(contentHash, originalPath string) string {
	ext := strings.ToLower(path.Ext(originalPath))
	if len(contentHash) < 2 {
		return contentHash + ext
	}
	return contentHash[:2] + "/" + contentHash + ext
}

// Transferrer is the shared copy primitive used by the migration executor
// and the sync queue: spool from the source backend, verify the digest,
// upload to the target's managed path.
type Transferrer struct {
	backends backend.Factory
	hasher   asset.Hasher
	retries  retry.Policy
	logger   *slog.Logger
}

func NewTransferrer(backends backend.Factory, hasher asset.Hasher, logger *slog.Logger) *Transferrer {
	return &Transferrer{
		backends: backends,
		hasher:   hasher,
		retries:  retry.DefaultPolicy(),
		logger:   logger,
	}
}

// Transfer copies rec's bytes from source to target and returns the
// target-relative path written. Idempotent: when the managed path already
// exists at the target, nothing is copied.
func (t *Transferrer) Transfer(ctx context.Context, rec *model.FileLocationRecord, source, target *model.StorageLocation) (string, error) {
	srcBackend, err := t.backends.For(source)
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.CodeTransfer, "source backend unavailable")
	}
	dstBackend, err := t.backends.For(target)
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.CodeTransfer, "target backend unavailable")
	}

	remotePath := ManagedPath(rec.ContentHash, rec.FilePath)

	exists := false
	err = t.retries.Do(ctx, func(ctx context.Context) error {
		var checkErr error
		exists, checkErr = dstBackend.Exists(ctx, remotePath)
		return checkErr
	})
	if err == nil && exists {
		t.logger.Debug("asset already at target, skipping copy",
			"content_hash", rec.ContentHash, "target", target.Name)
		return remotePath, nil
	}

	tmp, err := os.CreateTemp("", "strata-transfer-*")
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.CodeTransfer, "failed to create spool file")
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	err = t.retries.Do(ctx, func(ctx context.Context) error {
		return srcBackend.Download(ctx, rec.FilePath, tmpName)
	})
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.CodeTransfer,
			fmt.Sprintf("failed to read %s from %s", rec.FilePath, source.Name))
	}

	digest, err := t.hasher.HashFile(ctx, tmpName)
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.CodeTransfer, "failed to hash spooled bytes")
	}
	if digest != rec.ContentHash {
		return "", errdefs.Newf(errdefs.CodeTransfer,
			"digest mismatch reading %s from %s: got %s, want %s",
			rec.FilePath, source.Name, digest, rec.ContentHash)
	}

	err = t.retries.Do(ctx, func(ctx context.Context) error {
		return dstBackend.Upload(ctx, tmpName, remotePath)
	})
	if err != nil {
		return "", errdefs.Wrap(err, errdefs.CodeTransfer,
			fmt.Sprintf("failed to write %s to %s", remotePath, target.Name))
	}

	return remotePath, nil
}

// DeleteAt removes rec's bytes at loc, used after a verified move.
func (t *Transferrer) DeleteAt(ctx context.Context, rec *model.FileLocationRecord, loc *model.StorageLocation) error {
	b, err := t.backends.For(loc)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeTransfer, "backend unavailable")
	}
	return t.retries.Do(ctx, func(ctx context.Context) error {
		return b.Delete(ctx, rec.FilePath)
	})
}
