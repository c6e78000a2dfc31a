package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/basekick-labs/arcload/internal/database"
	"github.com/basekick-labs/arcload/internal/platform"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "bulk.db"))
	require.NoError(t, err)
	// temp tables are per connection
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadCommand_Render(t *testing.T) {
	cmd := LoadCommand{
		Table:   "analytics.users",
		Columns: []string{"id", "Full Name"},
		Stage:   "@loads/users",
		Files:   []string{"part_0_x.csv.gz", "part_1_x.csv.gz"},
	}
	want := `COPY INTO "analytics"."users" ("id", "Full Name") FROM @loads/users` +
		` FILES=('part_0_x.csv.gz','part_1_x.csv.gz')` +
		` FILE_FORMAT=(TYPE=CSV FIELD_DELIMITER=',' COMPRESSION=GZIP FIELD_OPTIONALLY_ENCLOSED_BY='"')` +
		` ON_ERROR='CONTINUE'`
	assert.Equal(t, want, cmd.Render(platform.Snowflake().Quote))
}

func TestPutCommand(t *testing.T) {
	assert.Equal(t,
		"PUT 'file:///tmp/work/part_0_x.csv' @loads AUTO_COMPRESS=TRUE",
		PutCommand("/tmp/work/part_0_x.csv", "@loads"))
}

func TestLoadResult_Message(t *testing.T) {
	assert.Equal(t, "bad", LoadResult{FirstError: "bad"}.Message())
	assert.Equal(t, "bad, columnName=ID", LoadResult{FirstError: "bad", FirstErrorColumnName: "ID"}.Message())
}

func TestLoadResult_Failed(t *testing.T) {
	assert.False(t, LoadResult{Status: "LOADED"}.Failed())
	assert.True(t, LoadResult{Status: "load_failed"}.Failed())
	assert.True(t, LoadResult{Status: "PARTIALLY_LOADED"}.Failed())
}

func TestScanLoadResults(t *testing.T) {
	db := openSQLite(t)
	rows, err := db.QueryContext(context.Background(), `
		SELECT 'part_0.csv.gz' AS file, 'PARTIALLY_LOADED' AS status, 4 AS rows_parsed,
		       3 AS rows_loaded, 4 AS error_limit, 1 AS errors_seen,
		       'bad value' AS first_error, 2 AS first_error_line, 5 AS first_error_character,
		       'ID' AS FIRST_ERROR_COLUMN_NAME
		UNION ALL
		SELECT 'part_1.csv.gz', 'LOADED', 2, 2, 2, 0, NULL, NULL, NULL, NULL`)
	require.NoError(t, err)
	defer rows.Close()

	results, err := ScanLoadResults(rows)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, LoadResult{
		File:                 "part_0.csv.gz",
		Status:               "PARTIALLY_LOADED",
		RowsParsed:           4,
		RowsLoaded:           3,
		ErrorLimit:           4,
		ErrorsSeen:           1,
		FirstError:           "bad value",
		FirstErrorLine:       2,
		FirstErrorCharacter:  5,
		FirstErrorColumnName: "ID",
	}, results[0])
	assert.Equal(t, "LOADED", results[1].Status)
	assert.Empty(t, results[1].FirstError)
}

func TestSQLLoader_CreateTempTable(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, age INTEGER)`)
	require.NoError(t, err)

	l := NewSQLLoader(db, platform.SQLite(), zerolog.Nop())
	require.NoError(t, l.CreateTempTable(ctx, "tmp_users", "users", []string{"id", "name"}))
	require.NoError(t, l.CreateTempTable(ctx, "tmp_all", "users", nil))

	cols := func(table string) []string {
		rows, err := db.QueryContext(ctx, `SELECT * FROM `+table)
		require.NoError(t, err)
		defer rows.Close()
		names, err := rows.Columns()
		require.NoError(t, err)
		return names
	}
	assert.Equal(t, []string{"id", "name"}, cols("tmp_users"))
	assert.Equal(t, []string{"id", "name", "age"}, cols("tmp_all"))

	require.NoError(t, l.Exec(ctx, `DROP TABLE tmp_users`))
}

func TestSQLUploader_StatusCheck(t *testing.T) {
	// sqlite cannot run PUT; the failure surfaces as an upload error
	db := openSQLite(t)
	u := NewSQLUploader(db, zerolog.Nop())
	err := u.Upload(context.Background(), "/tmp/part_0.csv", "stage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "put part_0.csv")
}

func TestSQLLoader_TempTableOnDedicatedSession(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, &database.Config{
		Driver:         "sqlite3",
		DSN:            filepath.Join(t.TempDir(), "bulk.db"),
		MaxConnections: 4,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	session, err := db.Conn(ctx)
	require.NoError(t, err)
	defer session.Close()

	loader := NewSQLLoader(session, platform.SQLite(), zerolog.Nop())
	require.NoError(t, loader.CreateTempTable(ctx, "tmp_users", "users", nil))

	// uploads hold the remaining pool connections while the load runs
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
		require.NoError(t, loader.Exec(ctx, fmt.Sprintf(`INSERT INTO "tmp_users" VALUES (%d, 'n%d')`, i, i)))
	}
	require.NoError(t, loader.Exec(ctx, `INSERT INTO "users" SELECT * FROM "tmp_users"`))
	require.NoError(t, loader.Exec(ctx, `DROP TABLE IF EXISTS "tmp_users"`))

	var n int
	require.NoError(t, held[0].QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 8, n)
}
