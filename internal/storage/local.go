package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// LocalBackend stages objects as files under a base directory
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger
}

// NewLocalBackend creates a local stage rooted at basePath
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	// Owner-only: staged chunks carry row data
	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalBackend{
		basePath: absPath,
		logger:   logger.With().Str("component", "local-stage").Logger(),
	}, nil
}

// Write writes data to key
func (b *LocalBackend) Write(ctx context.Context, key string, data []byte) error {
	return b.WriteReader(ctx, key, bytes.NewReader(data), int64(len(data)))
}

// WriteReader writes to a temp file next to the target and renames it into
// place, so readers never observe a partial object
func (b *LocalBackend) WriteReader(ctx context.Context, key string, reader io.Reader, size int64) error {
	fullPath, err := b.resolve(key)
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".arcload-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	written, err := io.Copy(tmpFile, reader)
	closeErr := tmpFile.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	b.logger.Debug().
		Str("key", key).
		Int64("size", written).
		Msg("Staged file")
	return nil
}

// List lists keys under prefix, relative to the base path
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	searchPath, err := b.resolve(prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid prefix: %w", err)
	}

	var results []string
	err = filepath.WalkDir(searchPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		results = append(results, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return results, nil
}

// Delete deletes key
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	fullPath, err := b.resolve(key)
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	b.logger.Debug().Str("key", key).Msg("Deleted staged file")
	return nil
}

// Exists reports whether key exists
func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := b.resolve(key)
	if err != nil {
		return false, fmt.Errorf("invalid key: %w", err)
	}
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

// URI returns the absolute file path of key
func (b *LocalBackend) URI(key string) string {
	p, err := b.resolve(key)
	if err != nil {
		return ""
	}
	return p
}

// BasePath returns the stage root directory
func (b *LocalBackend) BasePath() string { return b.basePath }

func (b *LocalBackend) Type() string { return "local" }

func (b *LocalBackend) Close() error { return nil }

// resolve maps key under the base path and rejects keys that escape it
func (b *LocalBackend) resolve(key string) (string, error) {
	key = strings.ReplaceAll(key, "\x00", "")
	key = strings.TrimPrefix(key, "/")

	fullPath := filepath.Join(b.basePath, filepath.FromSlash(key))
	rel, err := filepath.Rel(b.basePath, fullPath)
	if err != nil {
		return "", fmt.Errorf("path traversal detected")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: key escapes base directory")
	}
	return fullPath, nil
}
