package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/basekick-labs/arcload/internal/circuitbreaker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLocal(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return b
}

func TestLocalBackend_WriteExistsDelete(t *testing.T) {
	ctx := context.Background()
	b := testLocal(t)

	exists, err := b.Exists(ctx, "stage/part_0.csv.gz")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, b.Write(ctx, "stage/part_0.csv.gz", []byte("data")))
	exists, err = b.Exists(ctx, "stage/part_0.csv.gz")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := os.ReadFile(b.URI("stage/part_0.csv.gz"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	require.NoError(t, b.Delete(ctx, "stage/part_0.csv.gz"))
	require.NoError(t, b.Delete(ctx, "stage/part_0.csv.gz"), "deleting a missing key is not an error")
	exists, err = b.Exists(ctx, "stage/part_0.csv.gz")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalBackend_WriteReaderLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	b := testLocal(t)

	require.NoError(t, b.WriteReader(ctx, "s/a.gz", strings.NewReader("abc"), 3))

	entries, err := os.ReadDir(filepath.Join(b.BasePath(), "s"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.gz", entries[0].Name())
}

func TestLocalBackend_List(t *testing.T) {
	ctx := context.Background()
	b := testLocal(t)
	for _, k := range []string{"s1/a.gz", "s1/b.gz", "s2/c.gz"} {
		require.NoError(t, b.Write(ctx, k, []byte(k)))
	}

	keys, err := b.List(ctx, "s1")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"s1/a.gz", "s1/b.gz"}, keys)

	keys, err = b.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalBackend_RejectsTraversal(t *testing.T) {
	b := testLocal(t)
	err := b.Write(context.Background(), "../escape.gz", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traversal")
	assert.Empty(t, b.URI("../../etc/passwd"))
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	b := testLocal(t)
	require.NoError(t, b.Write(ctx, "s/a.gz", []byte("a")))
	require.NoError(t, b.Write(ctx, "s/b.gz", []byte("b")))

	require.NoError(t, DeleteAll(ctx, b, []string{"s/a.gz", "s/b.gz"}))
	keys, err := b.List(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestNew_UnknownBackend(t *testing.T) {
	b, err := New(context.Background(), Config{Backend: "ftp"}, zerolog.Nop())
	require.Error(t, err)
	assert.Nil(t, b)
}

func TestNew_Local(t *testing.T) {
	b, err := New(context.Background(), Config{LocalPath: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "local", b.Type())
}

// flakyBackend fails the first n writes
type flakyBackend struct {
	*LocalBackend
	failures int
	calls    int
	bodies   []string
}

func (f *flakyBackend) WriteReader(ctx context.Context, key string, r io.Reader, size int64) error {
	f.calls++
	body, _ := io.ReadAll(r)
	f.bodies = append(f.bodies, string(body))
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return f.LocalBackend.Write(ctx, key, body)
}

func (f *flakyBackend) Write(ctx context.Context, key string, data []byte) error {
	return f.WriteReader(ctx, key, bytes.NewReader(data), int64(len(data)))
}

func resilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:         10,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
		MaxRetries:          3,
		RetryDelay:          time.Millisecond,
		RetryMaxDelay:       2 * time.Millisecond,
	}
}

func TestResilientBackend_RetriesAndRewinds(t *testing.T) {
	flaky := &flakyBackend{LocalBackend: testLocal(t), failures: 2}
	r := NewResilientBackend(flaky, resilientConfig(), zerolog.Nop())

	err := r.WriteReader(context.Background(), "s/a.gz", bytes.NewReader([]byte("payload")), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, []string{"payload", "payload", "payload"}, flaky.bodies)
}

func TestResilientBackend_GivesUp(t *testing.T) {
	flaky := &flakyBackend{LocalBackend: testLocal(t), failures: 100}
	r := NewResilientBackend(flaky, resilientConfig(), zerolog.Nop())

	err := r.Write(context.Background(), "s/a.gz", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Equal(t, 4, flaky.calls)
}

func TestResilientBackend_NonSeekableSingleAttempt(t *testing.T) {
	flaky := &flakyBackend{LocalBackend: testLocal(t), failures: 1}
	r := NewResilientBackend(flaky, resilientConfig(), zerolog.Nop())

	err := r.WriteReader(context.Background(), "s/a.gz", io.NopCloser(strings.NewReader("x")), 1)
	require.Error(t, err)
	assert.Equal(t, 1, flaky.calls)
}

func TestResilientBackend_CircuitOpens(t *testing.T) {
	flaky := &flakyBackend{LocalBackend: testLocal(t), failures: 100}
	cfg := resilientConfig()
	cfg.MaxFailures = 2
	r := NewResilientBackend(flaky, cfg, zerolog.Nop())

	err := r.Write(context.Background(), "s/a.gz", []byte("x"))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, flaky.calls)
	assert.True(t, r.IsCircuitOpen())
}

func TestResilientBackend_CancelledContext(t *testing.T) {
	flaky := &flakyBackend{LocalBackend: testLocal(t), failures: 100}
	r := NewResilientBackend(flaky, resilientConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Write(ctx, "s/a.gz", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, flaky.calls)
}
