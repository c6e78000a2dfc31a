// Package storage provides the object stores that bulk loads stage chunk
// files in: a local directory, S3 (or any S3-compatible store) and Azure
// Blob Storage.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Backend is a stage: a flat key space of uploaded objects
type Backend interface {
	// Write writes data to the specified key
	Write(ctx context.Context, key string, data []byte) error

	// WriteReader streams size bytes from reader to key. A non-positive
	// size means unknown length.
	WriteReader(ctx context.Context, key string, reader io.Reader, size int64) error

	// List lists every key with the given prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete deletes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key exists
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the external location of key (s3://, azure://, file path)
	URI(key string) string

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string

	Close() error
}

// BatchDeleter deletes many keys in as few requests as the store allows
type BatchDeleter interface {
	DeleteBatch(ctx context.Context, keys []string) error
}

// Config selects and configures a backend
type Config struct {
	Backend   string // local, s3, azure
	LocalPath string
	S3        S3Config
	Azure     AzureBlobConfig
}

// DeleteAll deletes keys, in batches when the backend supports it
func DeleteAll(ctx context.Context, b Backend, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if bd, ok := b.(BatchDeleter); ok {
		return bd.DeleteBatch(ctx, keys)
	}
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// New creates the backend selected by cfg.Backend
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Backend, error) {
	var b Backend
	var err error
	switch cfg.Backend {
	case "", "local":
		b, err = newLocal(cfg.LocalPath, logger)
	case "s3":
		b, err = newS3(ctx, cfg.S3, logger)
	case "azure":
		b, err = newAzure(ctx, cfg.Azure, logger)
	default:
		err = unknownBackend(cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newLocal(path string, logger zerolog.Logger) (Backend, error) {
	b, err := NewLocalBackend(path, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newS3(ctx context.Context, cfg S3Config, logger zerolog.Logger) (Backend, error) {
	b, err := NewS3Backend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newAzure(ctx context.Context, cfg AzureBlobConfig, logger zerolog.Logger) (Backend, error) {
	b, err := NewAzureBlobBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func unknownBackend(name string) error {
	return fmt.Errorf("unknown storage backend %q (expected local, s3 or azure)", name)
}
