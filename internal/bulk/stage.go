package bulk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/basekick-labs/arcload/internal/storage"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// StorageUploader compresses chunk files and writes them to an object
// store stage at <stage>/<file>.gz. It also purges loaded files.
type StorageUploader struct {
	backend storage.Backend
	level   int
	logger  zerolog.Logger
}

// NewStorageUploader creates an uploader writing to backend. Level is a
// gzip compression level; zero selects gzip.DefaultCompression.
func NewStorageUploader(backend storage.Backend, level int, logger zerolog.Logger) *StorageUploader {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &StorageUploader{
		backend: backend,
		level:   level,
		logger:  logger.With().Str("component", "stage-uploader").Str("backend", backend.Type()).Logger(),
	}
}

// StageKey returns the object key of a staged file
func StageKey(stage, file string) string {
	return path.Join(stage, file)
}

// Upload compresses localPath in memory and writes it in one call, so a
// retrying backend can replay the same bytes
func (u *StorageUploader) Upload(ctx context.Context, localPath, stage string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open chunk: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, u.level)
	if err != nil {
		return err
	}
	zw.Name = filepath.Base(localPath)
	raw, err := io.Copy(zw, f)
	if err != nil {
		return fmt.Errorf("failed to compress chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress chunk: %w", err)
	}

	key := StageKey(stage, filepath.Base(localPath)+CompressedSuffix)
	if err := u.backend.Write(ctx, key, buf.Bytes()); err != nil {
		return err
	}

	u.logger.Debug().
		Str("uri", u.backend.URI(key)).
		Int64("raw_size", raw).
		Int("compressed_size", buf.Len()).
		Msg("Chunk staged")
	return nil
}

// Purge deletes staged files
func (u *StorageUploader) Purge(ctx context.Context, stage string, files []string) error {
	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = StageKey(stage, f)
	}
	return storage.DeleteAll(ctx, u.backend, keys)
}
