// Package rowwriter binds record fields onto prepared statements in the
// column order each write action expects.
package rowwriter

import (
	"fmt"
	"strings"

	"github.com/basekick-labs/arcload/internal/encode"
	"github.com/basekick-labs/arcload/internal/engine"
	"github.com/basekick-labs/arcload/internal/platform"
	"github.com/basekick-labs/arcload/pkg/models"
)

// Column binds a target column to the record field that feeds it
type Column struct {
	platform.Column
	Entry models.Entry
}

// Columns derives the column list for a schema. Key names are matched
// against the logical field names; key columns are never updated.
func Columns(schema *models.Schema, keys []string, useOrigin bool) []Column {
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}
	cols := make([]Column, 0, schema.Len())
	for _, e := range schema.Entries() {
		isKey := keySet[e.Name]
		cols = append(cols, Column{
			Column: platform.Column{
				Name:        e.ColumnName(useOrigin),
				Insertable:  true,
				Updatable:   !isKey,
				DeletionKey: isKey,
				UpdateKey:   isKey,
			},
			Entry: e,
		})
	}
	return cols
}

// SQLColumns strips the record bindings off a column list
func SQLColumns(cols []Column) []platform.Column {
	out := make([]platform.Column, len(cols))
	for i, c := range cols {
		out[i] = c.Column
	}
	return out
}

// Writer binds record values for one write action
type Writer struct {
	action  platform.Action
	sql     string
	columns []Column // in placeholder order
}

// New selects the columns relevant to action, in the placeholder order
// the platform renders them.
func New(action platform.Action, sql string, cols []Column) *Writer {
	return &Writer{action: action, sql: sql, columns: BoundColumns(action, cols)}
}

// BoundColumns returns the columns bound for action, in placeholder order
func BoundColumns(action platform.Action, cols []Column) []Column {
	var out []Column
	pick := func(keep func(Column) bool) {
		for _, c := range cols {
			if keep(c) {
				out = append(out, c)
			}
		}
	}
	switch action {
	case platform.ActionInsert, platform.ActionUpsert:
		pick(func(c Column) bool { return c.Insertable })
	case platform.ActionUpdate:
		pick(func(c Column) bool { return c.Updatable && !c.UpdateKey })
		pick(func(c Column) bool { return c.UpdateKey })
	case platform.ActionDelete:
		pick(func(c Column) bool { return c.DeletionKey })
	}
	return out
}

// Keys returns the columns whose values must be present for action
func Keys(action platform.Action, cols []Column) []Column {
	var out []Column
	for _, c := range cols {
		switch action {
		case platform.ActionUpdate, platform.ActionUpsert:
			if c.UpdateKey {
				out = append(out, c)
			}
		case platform.ActionDelete:
			if c.DeletionKey {
				out = append(out, c)
			}
		}
	}
	return out
}

// Columns returns the bound columns
func (w *Writer) Columns() []Column { return w.columns }

// Bound is one parameter set ready for execution
type Bound struct {
	SQL  string
	Args []any
}

// Rendered returns the statement with its arguments, for diagnostics
func (b Bound) Rendered() string {
	parts := make([]string, len(b.Args))
	for i, a := range b.Args {
		switch v := a.(type) {
		case nil:
			parts[i] = "NULL"
		case string:
			parts[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		case []byte:
			parts[i] = fmt.Sprintf("<%d bytes>", len(v))
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return b.SQL + " -- [" + strings.Join(parts, ", ") + "]"
}

// Bind encodes the record's values for the bound columns and queues them
// on stmt. It does not validate key presence.
func (w *Writer) Bind(stmt engine.Statement, record models.Record) (Bound, error) {
	args := make([]any, len(w.columns))
	for i, c := range w.columns {
		raw, _ := record.Get(c.Entry.Name)
		v, err := encode.Encode(raw, c.Entry, encode.Bind)
		if err != nil {
			return Bound{}, err
		}
		args[i] = v
	}
	stmt.AddBatch(args...)
	return Bound{SQL: w.sql, Args: args}, nil
}
