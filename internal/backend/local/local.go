// Package local implements the backend interface for local disks and
// mounted network shares. Both are enumerated by directory walk; hidden
// entries and excluded subtrees are skipped.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/stratafs/strata/internal/backend"
	"github.com/stratafs/strata/internal/model"
)

// DefaultExcludes are subtree names never worth scanning.
var DefaultExcludes = []string{".git", "node_modules", "@eaDir", "lost+found", ".Trash"}

// Backend walks a root directory.
type Backend struct {
	root     string
	typ      model.LocationType
	excludes map[string]struct{}
}

// New creates a walk backend rooted at root. typ distinguishes local
// disks from network shares; the mechanics are identical.
func New(root string, typ model.LocationType, excludes []string) *Backend {
	ex := make(map[string]struct{}, len(excludes)+len(DefaultExcludes))
	for _, e := range DefaultExcludes {
		ex[e] = struct{}{}
	}
	for _, e := range excludes {
		ex[e] = struct{}{}
	}
	return &Backend{root: root, typ: typ, excludes: ex}
}

func (b *Backend) Type() model.LocationType {
	return b.typ
}

// Abs resolves a backend-relative path against the root.
func (b *Backend) Abs(rel string) string {
	return filepath.Join(b.root, filepath.FromSlash(rel))
}

func (b *Backend) List(ctx context.Context) ([]backend.RemoteFile, error) {
	if _, err := os.Stat(b.root); err != nil {
		return nil, fmt.Errorf("location root unavailable: %w", err)
	}

	var files []backend.RemoteFile
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		name := d.Name()
		if d.IsDir() {
			if path == b.root {
				return nil
			}
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if _, skip := b.excludes[name]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		files = append(files, backend.RemoteFile{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (b *Backend) Upload(ctx context.Context, localPath, remotePath string) error {
	dst := b.Abs(remotePath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(ctx, localPath, dst)
}

func (b *Backend) Download(ctx context.Context, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return copyFile(ctx, b.Abs(remotePath), localPath)
}

func (b *Backend) Delete(ctx context.Context, remotePath string) error {
	err := os.Remove(b.Abs(remotePath))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *Backend) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(b.Abs(remotePath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// copyFile writes to a temp file in the destination directory and renames,
// so a partially written copy is never observed at dst. The source
// modification time is carried over; age-based tiering rules read it.
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".strata-copy-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chtimes(tmpName, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}
