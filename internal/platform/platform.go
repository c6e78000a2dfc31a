// Package platform renders dialect-specific SQL text. The write engine
// treats everything returned here as opaque strings to prepare.
//
// Placeholder order contract (shared with rowwriter):
//   - INSERT, UPSERT: insertable columns in order
//   - UPDATE: updatable non-key columns, then update-key columns
//   - DELETE: deletion-key columns
package platform

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the write action applied to the target table
type Action int

const (
	ActionInsert Action = iota
	ActionUpdate
	ActionDelete
	ActionUpsert
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	case ActionUpsert:
		return "upsert"
	default:
		return "unknown"
	}
}

// ParseAction converts a configuration value to an Action
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "":
		return ActionInsert, nil
	case "update":
		return ActionUpdate, nil
	case "delete":
		return ActionDelete, nil
	case "upsert":
		return ActionUpsert, nil
	default:
		return 0, fmt.Errorf("unknown write action: %q", s)
	}
}

// ErrEmptyStatement is returned when an action has no columns to work with
var ErrEmptyStatement = errors.New("statement has no columns")

// ErrUnsupportedAction is returned when a dialect cannot express an action
var ErrUnsupportedAction = errors.New("action not supported by dialect")

// Column is the SQL-side description of one target column
type Column struct {
	Name        string
	Insertable  bool
	Updatable   bool
	DeletionKey bool
	UpdateKey   bool
}

// Platform generates SQL text for one dialect
type Platform interface {
	// Name returns the dialect name
	Name() string

	// Quote quotes an identifier
	Quote(identifier string) string

	// Statement returns the parameterized statement for an action
	Statement(action Action, table string, columns []Column) (string, error)

	// Merge returns a statement that upserts every row of source into target
	Merge(target, source string, columns []Column) (string, error)
}

// ForDriver returns the dialect for a database/sql driver name
func ForDriver(driver string) (Platform, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return Postgres(), nil
	case "mysql":
		return MySQL(), nil
	case "sqlite", "sqlite3":
		return SQLite(), nil
	case "duckdb":
		return DuckDB(), nil
	case "snowflake":
		return Snowflake(), nil
	case "clickhouse":
		return ClickHouse(), nil
	default:
		return nil, fmt.Errorf("no SQL dialect for driver %q", driver)
	}
}

type upsertStyle int

const (
	upsertOnConflict upsertStyle = iota
	upsertOnDuplicateKey
	upsertMerge
)

// dialect is a table-driven Platform implementation
type dialect struct {
	name        string
	quoteOpen   string
	quoteClose  string
	numbered    bool // $1, $2 placeholders instead of ?
	upsert      upsertStyle
	excludedRef string // pseudo-table name in ON CONFLICT updates
	insertOnly  bool   // no transactional update, delete or upsert
}

func Postgres() Platform {
	return &dialect{name: "postgres", quoteOpen: `"`, quoteClose: `"`, numbered: true, upsert: upsertOnConflict, excludedRef: "EXCLUDED"}
}

func MySQL() Platform {
	return &dialect{name: "mysql", quoteOpen: "`", quoteClose: "`", upsert: upsertOnDuplicateKey}
}

func SQLite() Platform {
	return &dialect{name: "sqlite3", quoteOpen: `"`, quoteClose: `"`, upsert: upsertOnConflict, excludedRef: "excluded"}
}

func DuckDB() Platform {
	return &dialect{name: "duckdb", quoteOpen: `"`, quoteClose: `"`, upsert: upsertOnConflict, excludedRef: "excluded"}
}

func Snowflake() Platform {
	return &dialect{name: "snowflake", quoteOpen: `"`, quoteClose: `"`, upsert: upsertMerge}
}

// ClickHouse batches inserts only; mutations are asynchronous and cannot
// be attributed per row.
func ClickHouse() Platform {
	return &dialect{name: "clickhouse", quoteOpen: "`", quoteClose: "`", insertOnly: true}
}

func (d *dialect) Name() string { return d.name }

func (d *dialect) Quote(identifier string) string {
	escaped := strings.ReplaceAll(identifier, d.quoteClose, d.quoteClose+d.quoteClose)
	return d.quoteOpen + escaped + d.quoteClose
}

// quoteTable quotes each dot-separated part of a qualified name
func (d *dialect) quoteTable(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = d.Quote(p)
	}
	return strings.Join(parts, ".")
}

func (d *dialect) placeholder(n int) string {
	if d.numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d *dialect) Statement(action Action, table string, columns []Column) (string, error) {
	if d.insertOnly && action != ActionInsert {
		return "", fmt.Errorf("%s on %s: %w", action, d.name, ErrUnsupportedAction)
	}
	switch action {
	case ActionInsert:
		return d.insert(table, columns)
	case ActionUpdate:
		return d.update(table, columns)
	case ActionDelete:
		return d.delete(table, columns)
	case ActionUpsert:
		return d.upsertStatement(table, columns)
	default:
		return "", fmt.Errorf("unsupported action %v", action)
	}
}

func (d *dialect) insert(table string, columns []Column) (string, error) {
	cols := filter(columns, func(c Column) bool { return c.Insertable })
	if len(cols) == 0 {
		return "", fmt.Errorf("insert into %s: %w", table, ErrEmptyStatement)
	}
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		names[i] = d.Quote(c.Name)
		marks[i] = d.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.quoteTable(table), strings.Join(names, ", "), strings.Join(marks, ", ")), nil
}

func (d *dialect) update(table string, columns []Column) (string, error) {
	sets := filter(columns, func(c Column) bool { return c.Updatable && !c.UpdateKey })
	keys := filter(columns, func(c Column) bool { return c.UpdateKey })
	if len(sets) == 0 || len(keys) == 0 {
		return "", fmt.Errorf("update %s: %w", table, ErrEmptyStatement)
	}
	n := 0
	setParts := make([]string, len(sets))
	for i, c := range sets {
		n++
		setParts[i] = d.Quote(c.Name) + " = " + d.placeholder(n)
	}
	whereParts := make([]string, len(keys))
	for i, c := range keys {
		n++
		whereParts[i] = d.Quote(c.Name) + " = " + d.placeholder(n)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		d.quoteTable(table), strings.Join(setParts, ", "), strings.Join(whereParts, " AND ")), nil
}

func (d *dialect) delete(table string, columns []Column) (string, error) {
	keys := filter(columns, func(c Column) bool { return c.DeletionKey })
	if len(keys) == 0 {
		return "", fmt.Errorf("delete from %s: %w", table, ErrEmptyStatement)
	}
	whereParts := make([]string, len(keys))
	for i, c := range keys {
		whereParts[i] = d.Quote(c.Name) + " = " + d.placeholder(i+1)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", d.quoteTable(table), strings.Join(whereParts, " AND ")), nil
}

func (d *dialect) upsertStatement(table string, columns []Column) (string, error) {
	cols := filter(columns, func(c Column) bool { return c.Insertable })
	keys := filter(columns, func(c Column) bool { return c.UpdateKey })
	if len(cols) == 0 || len(keys) == 0 {
		return "", fmt.Errorf("upsert into %s: %w", table, ErrEmptyStatement)
	}
	sets := filter(cols, func(c Column) bool { return c.Updatable && !c.UpdateKey })

	if d.upsert == upsertMerge {
		marks := make([]string, len(cols))
		for i, c := range cols {
			marks[i] = d.placeholder(i+1) + " AS " + d.Quote(c.Name)
		}
		source := "(SELECT " + strings.Join(marks, ", ") + ")"
		return d.merge(d.quoteTable(table), source, cols, keys, sets), nil
	}

	insert, err := d.insert(table, cols)
	if err != nil {
		return "", err
	}

	switch d.upsert {
	case upsertOnDuplicateKey:
		if len(sets) == 0 {
			return strings.Replace(insert, "INSERT INTO", "INSERT IGNORE INTO", 1), nil
		}
		parts := make([]string, len(sets))
		for i, c := range sets {
			q := d.Quote(c.Name)
			parts[i] = q + " = VALUES(" + q + ")"
		}
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(parts, ", "), nil
	default:
		keyNames := make([]string, len(keys))
		for i, c := range keys {
			keyNames[i] = d.Quote(c.Name)
		}
		conflict := insert + " ON CONFLICT (" + strings.Join(keyNames, ", ") + ")"
		if len(sets) == 0 {
			return conflict + " DO NOTHING", nil
		}
		parts := make([]string, len(sets))
		for i, c := range sets {
			q := d.Quote(c.Name)
			parts[i] = q + " = " + d.excludedRef + "." + q
		}
		return conflict + " DO UPDATE SET " + strings.Join(parts, ", "), nil
	}
}

func (d *dialect) Merge(target, source string, columns []Column) (string, error) {
	if d.insertOnly {
		return "", fmt.Errorf("merge on %s: %w", d.name, ErrUnsupportedAction)
	}
	cols := filter(columns, func(c Column) bool { return c.Insertable })
	keys := filter(columns, func(c Column) bool { return c.UpdateKey })
	if len(cols) == 0 || len(keys) == 0 {
		return "", fmt.Errorf("merge %s into %s: %w", source, target, ErrEmptyStatement)
	}
	sets := filter(cols, func(c Column) bool { return c.Updatable && !c.UpdateKey })

	switch d.upsert {
	case upsertMerge:
		return d.merge(d.quoteTable(target), d.quoteTable(source), cols, keys, sets), nil
	default:
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = d.Quote(c.Name)
		}
		list := strings.Join(names, ", ")
		stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			d.quoteTable(target), list, list, d.quoteTable(source))
		if d.upsert == upsertOnDuplicateKey {
			if len(sets) == 0 {
				return strings.Replace(stmt, "INSERT INTO", "INSERT IGNORE INTO", 1), nil
			}
			parts := make([]string, len(sets))
			for i, c := range sets {
				q := d.Quote(c.Name)
				parts[i] = q + " = VALUES(" + q + ")"
			}
			return stmt + " ON DUPLICATE KEY UPDATE " + strings.Join(parts, ", "), nil
		}
		keyNames := make([]string, len(keys))
		for i, c := range keys {
			keyNames[i] = d.Quote(c.Name)
		}
		stmt += " ON CONFLICT (" + strings.Join(keyNames, ", ") + ")"
		if len(sets) == 0 {
			return stmt + " DO NOTHING", nil
		}
		parts := make([]string, len(sets))
		for i, c := range sets {
			q := d.Quote(c.Name)
			parts[i] = q + " = " + d.excludedRef + "." + q
		}
		return stmt + " DO UPDATE SET " + strings.Join(parts, ", "), nil
	}
}

// merge renders a MERGE statement; source is already quoted or a subquery
func (d *dialect) merge(target, source string, cols, keys, sets []Column) string {
	on := make([]string, len(keys))
	for i, c := range keys {
		q := d.Quote(c.Name)
		on[i] = "t." + q + " = s." + q
	}
	names := make([]string, len(cols))
	values := make([]string, len(cols))
	for i, c := range cols {
		q := d.Quote(c.Name)
		names[i] = q
		values[i] = "s." + q
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s t USING %s s ON %s", target, source, strings.Join(on, " AND "))
	if len(sets) > 0 {
		parts := make([]string, len(sets))
		for i, c := range sets {
			q := d.Quote(c.Name)
			parts[i] = "t." + q + " = s." + q
		}
		b.WriteString(" WHEN MATCHED THEN UPDATE SET " + strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(names, ", "), strings.Join(values, ", "))
	return b.String()
}

func filter(columns []Column, keep func(Column) bool) []Column {
	out := make([]Column, 0, len(columns))
	for _, c := range columns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
