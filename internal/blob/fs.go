package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FS writes page snapshots under a base directory and returns file://
// URIs. Meant for single-node deployments and local development.
type FS struct {
	baseDir string
}

// NewFS creates the base directory if needed and verifies it is
// writable before accepting any objects.
func NewFS(baseDir string) (*FS, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(baseDir, 0o750); err != nil {
			return nil, fmt.Errorf("creating base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("checking base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	probe := filepath.Join(baseDir, ".writable")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("removing write probe: %w", err)
	}
	return &FS{baseDir: baseDir}, nil
}

// PutObject implements Store. Paths that escape the base directory are
// rejected.
func (s *FS) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(path))
	base := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("creating parent directories: %w", err)
	}
	content, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("reading object data: %w", err)
	}
	if err := os.WriteFile(full, content, 0o600); err != nil {
		return "", fmt.Errorf("writing %s: %w", full, err)
	}
	return "file://" + full, nil
}
