// Package rclone implements the backend interface by shelling out to the
// rclone binary, covering any remote rclone itself supports. The location
// path is the rclone remote spec (e.g. "gdrive:media" or "b2:bucket/pre").
package rclone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/stratafs/strata/internal/backend"
	"github.com/stratafs/strata/internal/model"
)

// Backend wraps one rclone remote.
type Backend struct {
	remote     string // "name:path", no trailing slash
	configPath string
}

// New creates an rclone backend. configPath may be empty to use rclone's
// default config resolution.
func New(remote, configPath string) (*Backend, error) {
	if _, err := exec.LookPath("rclone"); err != nil {
		return nil, fmt.Errorf("rclone not found in PATH: %w", err)
	}
	return &Backend{
		remote:     strings.TrimSuffix(remote, "/"),
		configPath: configPath,
	}, nil
}

func (b *Backend) Type() model.LocationType {
	return model.LocationTypeRclone
}

func (b *Backend) full(remotePath string) string {
	if remotePath == "" {
		return b.remote
	}
	return b.remote + "/" + remotePath
}

type lsjsonEntry struct {
	Path    string `json:"Path"`
	Size    int64  `json:"Size"`
	ModTime string `json:"ModTime"`
	IsDir   bool   `json:"IsDir"`
}

func (b *Backend) List(ctx context.Context) ([]backend.RemoteFile, error) {
	cmd := b.rcloneCmd(ctx, "lsjson", "--recursive", "--files-only", b.remote)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list remote %s: %w", b.remote, err)
	}

	var entries []lsjsonEntry
	if err := json.Unmarshal(output, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse lsjson output: %w", err)
	}

	files := make([]backend.RemoteFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		rf := backend.RemoteFile{Path: e.Path, Size: e.Size}
		rf.ModTime, _ = parseModTime(e.ModTime)
		files = append(files, rf)
	}
	return files, nil
}

func (b *Backend) Upload(ctx context.Context, localPath, remotePath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("local file not found: %w", err)
	}
	cmd := b.rcloneCmd(ctx, "copyto", localPath, b.full(remotePath))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("upload failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *Backend) Download(ctx context.Context, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	cmd := b.rcloneCmd(ctx, "copyto", b.full(remotePath), localPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("download failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, remotePath string) error {
	cmd := b.rcloneCmd(ctx, "deletefile", b.full(remotePath))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("delete failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *Backend) Exists(ctx context.Context, remotePath string) (bool, error) {
	cmd := b.rcloneCmd(ctx, "lsjson", b.full(remotePath))
	output, err := cmd.Output()
	if err != nil {
		if isNotFoundExit(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat remote %s: %w", b.full(remotePath), err)
	}
	var entries []lsjsonEntry
	if err := json.Unmarshal(output, &entries); err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// isNotFoundExit recognizes rclone's not-found exit codes (3: directory
// not found, 4: file not found). Anything else is a genuine failure the
// caller's retry policy should see.
func isNotFoundExit(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 3, 4:
			return true
		}
	}
	return false
}

// rcloneCmd creates an rclone command with common flags.
func (b *Backend) rcloneCmd(ctx context.Context, args ...string) *exec.Cmd {
	allArgs := args
	if b.configPath != "" {
		allArgs = append([]string{"--config", b.configPath}, args...)
	}
	return exec.CommandContext(ctx, "rclone", allArgs...)
}

func parseModTime(s string) (t time.Time, err error) {
	return time.Parse(time.RFC3339Nano, s)
}
