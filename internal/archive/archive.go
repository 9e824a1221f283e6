// Package archive keeps copies of submitted batch files and downloaded
// results outside the working directory, on local disk or in S3.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lessonplans/ingest/internal/config"
)

// Archiver stores an object under a slash-separated key.
type Archiver interface {
	Store(ctx context.Context, key string, body io.Reader) error
}

// New builds the archiver selected by cfg.Backend.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	switch cfg.Backend {
	case "", config.ArchiveBackendNone:
		return Nop{}, nil
	case config.ArchiveBackendFS:
		return NewFS(cfg.Dir)
	case config.ArchiveBackendS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported archive backend %q", cfg.Backend)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Store(ctx context.Context, key string, body io.Reader) error {
	return nil
}

// FS writes objects below a root directory.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, fmt.Errorf("archive dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	return &FS{root: root}, nil
}

// Store writes body to root/key, replacing any existing object.
func (a *FS) Store(ctx context.Context, key string, body io.Reader) error {
	path, err := a.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write archive object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive object %s: %w", key, err)
	}
	return os.Rename(tmp.Name(), path)
}

func (a *FS) objectPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(a.root, clean), nil
}
