package bulk

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/basekick-labs/arcload/internal/storage"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageUploader_UploadAndPurge(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	u := NewStorageUploader(storage.NewResilientBackend(backend, nil, zerolog.Nop()), 0, zerolog.Nop())

	local := filepath.Join(t.TempDir(), "part_0_"+stamp+".csv")
	require.NoError(t, os.WriteFile(local, []byte("1,a\n2,b\n"), 0600))

	require.NoError(t, u.Upload(ctx, local, "loads/users"))

	key := "loads/users/part_0_" + stamp + ".csv.gz"
	data, err := os.ReadFile(backend.URI(key))
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "1,a\n2,b\n", string(raw))
	assert.Equal(t, "part_0_"+stamp+".csv", zr.Name)

	require.NoError(t, u.Purge(ctx, "loads/users", []string{"part_0_" + stamp + ".csv.gz"}))
	exists, err := backend.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStorageUploader_MissingFile(t *testing.T) {
	backend, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	u := NewStorageUploader(backend, gzip.BestSpeed, zerolog.Nop())

	err = u.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), "stage")
	require.Error(t, err)
}

func TestStorageUploader_IsPurger(t *testing.T) {
	var u Uploader = &StorageUploader{}
	_, ok := u.(Purger)
	assert.True(t, ok)
}
