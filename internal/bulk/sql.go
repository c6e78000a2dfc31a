package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basekick-labs/arcload/internal/platform"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

// StatusUploaded is the PUT status of a successfully staged file
const StatusUploaded = "UPLOADED"

// Querier is the subset of *sql.DB and *sql.Conn used by the SQL collaborators
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLUploader stages chunk files with the engine's PUT command
type SQLUploader struct {
	db     Querier
	logger zerolog.Logger
}

// NewSQLUploader creates an uploader that runs PUT on db
func NewSQLUploader(db Querier, logger zerolog.Logger) *SQLUploader {
	return &SQLUploader{
		db:     db,
		logger: logger.With().Str("component", "sql-uploader").Logger(),
	}
}

// PutCommand returns the PUT statement for one local file
func PutCommand(localPath, stage string) string {
	p := filepath.ToSlash(localPath)
	return fmt.Sprintf("PUT 'file://%s' @%s AUTO_COMPRESS=TRUE", strings.ReplaceAll(p, "'", "''"), strings.TrimPrefix(stage, "@"))
}

// Upload runs PUT and checks the status column of every result row
func (u *SQLUploader) Upload(ctx context.Context, localPath, stage string) error {
	rows, err := u.db.QueryContext(ctx, PutCommand(localPath, stage))
	if err != nil {
		return fmt.Errorf("put %s: %w", filepath.Base(localPath), err)
	}
	defer rows.Close()

	maps, err := scanMaps(rows)
	if err != nil {
		return fmt.Errorf("put %s: %w", filepath.Base(localPath), err)
	}
	if len(maps) == 0 {
		return fmt.Errorf("put %s: no status returned", filepath.Base(localPath))
	}
	for _, m := range maps {
		status := cast.ToString(m["status"])
		if !strings.EqualFold(status, StatusUploaded) {
			msg := cast.ToString(m["message"])
			if msg == "" {
				msg = "status " + status
			}
			return fmt.Errorf("put %s: %s", filepath.Base(localPath), msg)
		}
	}
	u.logger.Debug().Str("file", filepath.Base(localPath)).Str("stage", stage).Msg("Chunk staged")
	return nil
}

// SQLLoader runs DDL and COPY statements through database/sql
type SQLLoader struct {
	db       Querier
	platform platform.Platform
	logger   zerolog.Logger
}

// NewSQLLoader creates a loader that quotes identifiers with p
func NewSQLLoader(db Querier, p platform.Platform, logger zerolog.Logger) *SQLLoader {
	return &SQLLoader{
		db:       db,
		platform: p,
		logger:   logger.With().Str("component", "sql-loader").Logger(),
	}
}

// CreateTempTable creates an empty temporary copy of target's columns
func (l *SQLLoader) CreateTempTable(ctx context.Context, temp, target string, columns []string) error {
	list := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = l.platform.Quote(c)
		}
		list = strings.Join(quoted, ", ")
	}
	stmt := fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT %s FROM %s WHERE 1 = 0",
		quoteQualified(temp, l.platform.Quote), list, quoteQualified(target, l.platform.Quote))
	return l.Exec(ctx, stmt)
}

// Load renders cmd, runs it and scans the per-file results
func (l *SQLLoader) Load(ctx context.Context, cmd LoadCommand) ([]LoadResult, error) {
	query := cmd.Render(l.platform.Quote)
	l.logger.Debug().Str("sql", query).Int("files", len(cmd.Files)).Msg("Running load command")

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ScanLoadResults(rows)
}

// Exec runs a statement that returns no rows
func (l *SQLLoader) Exec(ctx context.Context, query string) error {
	l.logger.Debug().Str("sql", query).Msg("Executing statement")
	_, err := l.db.ExecContext(ctx, query)
	return err
}

// ScanLoadResults reads load result rows by column name. Unknown columns
// are ignored and missing ones stay zero.
func ScanLoadResults(rows *sql.Rows) ([]LoadResult, error) {
	maps, err := scanMaps(rows)
	if err != nil {
		return nil, err
	}
	results := make([]LoadResult, 0, len(maps))
	for _, m := range maps {
		results = append(results, LoadResult{
			File:                 cast.ToString(m["file"]),
			Status:               cast.ToString(m["status"]),
			RowsParsed:           cast.ToInt64(m["rows_parsed"]),
			RowsLoaded:           cast.ToInt64(m["rows_loaded"]),
			ErrorLimit:           cast.ToInt64(m["error_limit"]),
			ErrorsSeen:           cast.ToInt64(m["errors_seen"]),
			FirstError:           cast.ToString(m["first_error"]),
			FirstErrorLine:       cast.ToInt64(m["first_error_line"]),
			FirstErrorCharacter:  cast.ToInt64(m["first_error_character"]),
			FirstErrorColumnName: cast.ToString(m["first_error_column_name"]),
		})
	}
	return results, nil
}

// scanMaps reads every row into a map keyed by lowercase column name
func scanMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			m[strings.ToLower(c)] = v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
