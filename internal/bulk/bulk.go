// Package bulk implements the stage, upload and bulk-copy write path.
// Records are split into chunk files, the chunks are uploaded to a stage in
// parallel and one load command ingests every uploaded file. Per-row load
// errors are mapped back to the records that produced them.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basekick-labs/arcload/internal/platform"
)

// Load result statuses
const (
	StatusLoaded          = "LOADED"
	StatusLoadFailed      = "LOAD_FAILED"
	StatusPartiallyLoaded = "PARTIALLY_LOADED"
)

// ErrUnsupportedPlatform is returned for dialects that have no PUT and
// COPY INTO with per-file results
var ErrUnsupportedPlatform = errors.New("bulk load not supported by dialect")

// CheckPlatform reports whether the stage and COPY pipeline can run on p
func CheckPlatform(p platform.Platform) error {
	if p.Name() != "snowflake" {
		return fmt.Errorf("%s: %w", p.Name(), ErrUnsupportedPlatform)
	}
	return nil
}

// MaxIdentifierLength bounds generated temp table names
const MaxIdentifierLength = 255

// Uploader copies one local chunk file into a stage
type Uploader interface {
	Upload(ctx context.Context, localPath, stage string) error
}

// Purger removes uploaded files from a stage after a load
type Purger interface {
	Purge(ctx context.Context, stage string, files []string) error
}

// Loader issues table DDL and the bulk load command
type Loader interface {
	// CreateTempTable creates temp with the columns of target. An empty
	// column list mirrors every target column.
	CreateTempTable(ctx context.Context, temp, target string, columns []string) error

	// Load runs cmd and returns one result per affected file
	Load(ctx context.Context, cmd LoadCommand) ([]LoadResult, error)

	// Exec runs a statement that returns no rows
	Exec(ctx context.Context, query string) error
}

// LoadCommand describes one bulk load of staged files into a table
type LoadCommand struct {
	Table   string
	Columns []string
	Stage   string
	Files   []string // staged names, compressed suffix included
}

// Render returns the load statement. quote quotes one identifier.
func (c LoadCommand) Render(quote func(string) string) string {
	cols := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		cols[i] = quote(col)
	}
	files := make([]string, len(c.Files))
	for i, f := range c.Files {
		files[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "COPY INTO %s (%s) FROM @%s", quoteQualified(c.Table, quote), strings.Join(cols, ", "), strings.TrimPrefix(c.Stage, "@"))
	fmt.Fprintf(&b, " FILES=(%s)", strings.Join(files, ","))
	b.WriteString(" FILE_FORMAT=(TYPE=CSV FIELD_DELIMITER=',' COMPRESSION=GZIP FIELD_OPTIONALLY_ENCLOSED_BY='\"')")
	b.WriteString(" ON_ERROR='CONTINUE'")
	return b.String()
}

// LoadResult is one row of the load command's result
type LoadResult struct {
	File                 string
	Status               string
	RowsParsed           int64
	RowsLoaded           int64
	ErrorLimit           int64
	ErrorsSeen           int64
	FirstError           string
	FirstErrorLine       int64
	FirstErrorCharacter  int64
	FirstErrorColumnName string
}

// Failed reports whether the row carries a row-level error
func (r LoadResult) Failed() bool {
	switch strings.ToUpper(r.Status) {
	case StatusLoadFailed, StatusPartiallyLoaded:
		return true
	}
	return false
}

// Message formats the reject message for the row's first error
func (r LoadResult) Message() string {
	if r.FirstErrorColumnName == "" {
		return r.FirstError
	}
	return r.FirstError + ", columnName=" + r.FirstErrorColumnName
}

// TempTableName returns tmp_<table>_<yyyyMMddHHmmss UTC> in the schema of
// table. Only the table part is prefixed and truncated to
// MaxIdentifierLength.
func TempTableName(table string, now time.Time) string {
	schema, name := "", table
	if i := strings.LastIndex(table, "."); i >= 0 {
		schema, name = table[:i+1], table[i+1:]
	}
	name = "tmp_" + name + "_" + now.UTC().Format("20060102150405")
	if len(name) > MaxIdentifierLength {
		name = name[:MaxIdentifierLength]
	}
	return schema + name
}

func quoteQualified(name string, quote func(string) string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quote(p)
	}
	return strings.Join(parts, ".")
}
