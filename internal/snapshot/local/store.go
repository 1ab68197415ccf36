// Package local persists snapshots to a file on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rankwatch/rankwatch/internal/ranking"
)

// Config captures the parameters for the file snapshot store.
type Config struct {
	// Path is the snapshot file, e.g. /data/ranking.json.
	Path string `mapstructure:"path" yaml:"path"`
}

// Store reads and writes one snapshot file.
type Store struct {
	path string
}

// New creates a file-backed snapshot store, creating the parent directory.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	dir := filepath.Dir(cfg.Path)
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat snapshot directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("snapshot directory path is not a directory")
	}
	if info, err := os.Stat(cfg.Path); err == nil && info.IsDir() {
		return nil, fmt.Errorf("snapshot path %q is a directory", cfg.Path)
	}
	return &Store{path: cfg.Path}, nil
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot file.
func (s *Store) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ranking.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// Save writes the snapshot to a temporary file and renames it into place so
// a crash mid-write never leaves a truncated snapshot behind.
func (s *Store) Save(_ context.Context, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
