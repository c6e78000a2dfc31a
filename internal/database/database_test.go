package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeSQLString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no quotes", "4GB", "4GB"},
		{"single quote", "value'with'quotes", "value''with''quotes"},
		{"sql injection attempt", "1GB'; DROP TABLE data; --", "1GB''; DROP TABLE data; --"},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, escapeSQLString(tt.input))
		})
	}
}

func TestDriverName(t *testing.T) {
	for in, want := range map[string]string{
		"postgres":   "pgx",
		"Postgres":   "pgx",
		"mysql":      "mysql",
		"sqlite":     "sqlite3",
		"duckdb":     "duckdb",
		"snowflake":  "snowflake",
		"clickhouse": "clickhouse",
	} {
		got, err := DriverName(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := DriverName("oracle")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestOpen_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, &Config{
		Driver:         "sqlite3",
		DSN:            filepath.Join(t.TempDir(), "load.db"),
		MaxConnections: 1,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 1, db.DB().Stats().MaxOpenConnections)

	_, err = db.ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO users VALUES (?, ?)`, 1, "a")
	require.NoError(t, err)

	rows, err := db.QueryContext(ctx, `SELECT name FROM users WHERE id = ?`, 1)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var name string
	require.NoError(t, rows.Scan(&name))
	assert.Equal(t, "a", name)

	_, err = db.ExecContext(ctx, `SELECT * FROM missing`)
	assert.Error(t, err)
}

func TestOpen_DuckDBSettings(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, &Config{Driver: "duckdb", MemoryLimit: "512MB", ThreadCount: 2}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	var threads int64
	require.NoError(t, db.DB().QueryRowContext(ctx, `SELECT current_setting('threads')`).Scan(&threads))
	assert.Equal(t, int64(2), threads)
}

func TestConn_KeepsSessionState(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, &Config{
		Driver:         "sqlite3",
		DSN:            filepath.Join(t.TempDir(), "load.db"),
		MaxConnections: 4,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `CREATE TEMPORARY TABLE tmp_t (id INTEGER)`)
	require.NoError(t, err)

	// hold the rest of the pool the way concurrent uploads do
	var held []*sql.Conn
	for range 3 {
		c, err := db.DB().Conn(ctx)
		require.NoError(t, err)
		held = append(held, c)
	}
	defer func() {
		for _, c := range held {
			c.Close()
		}
	}()

	for i := range 8 {
		_, err := conn.ExecContext(ctx, `INSERT INTO tmp_t VALUES (?)`, i)
		require.NoError(t, err)
	}
	rows, err := conn.QueryContext(ctx, `SELECT COUNT(*) FROM tmp_t`)
	require.NoError(t, err)
	require.True(t, rows.Next())
	var n int
	require.NoError(t, rows.Scan(&n))
	require.NoError(t, rows.Close())
	assert.Equal(t, 8, n)

	// the temp table is not visible from other pool connections
	_, err = held[0].ExecContext(ctx, `INSERT INTO tmp_t VALUES (99)`)
	assert.Error(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), &Config{Driver: "oracle"}, zerolog.Nop())
	assert.Error(t, err)
}
