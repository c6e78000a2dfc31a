package models

import (
	"fmt"
	"strings"
)

// Type is the declared type of a record field
type Type int

const (
	TypeInt32 Type = iota
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeBoolean
	TypeString
	TypeBytes
	TypeDatetime // timezone-aware instant
	TypeDecimal
	TypeRecord
	TypeArray
)

func (t Type) String() string {
	switch t {
	case TypeInt32:
		return "INT32"
	case TypeInt64:
		return "INT64"
	case TypeFloat32:
		return "FLOAT32"
	case TypeFloat64:
		return "FLOAT64"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeString:
		return "STRING"
	case TypeBytes:
		return "BYTES"
	case TypeDatetime:
		return "DATETIME"
	case TypeDecimal:
		return "DECIMAL"
	case TypeRecord:
		return "RECORD"
	case TypeArray:
		return "ARRAY"
	default:
		return "UNKNOWN"
	}
}

// ParseType converts a type name (case-insensitive) to a Type.
// Accepts a few common aliases used in configuration files.
func ParseType(name string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "INT32", "INT", "INTEGER":
		return TypeInt32, nil
	case "INT64", "LONG", "BIGINT":
		return TypeInt64, nil
	case "FLOAT32", "FLOAT":
		return TypeFloat32, nil
	case "FLOAT64", "DOUBLE":
		return TypeFloat64, nil
	case "BOOLEAN", "BOOL":
		return TypeBoolean, nil
	case "STRING", "TEXT":
		return TypeString, nil
	case "BYTES":
		return TypeBytes, nil
	case "DATETIME", "TIMESTAMP":
		return TypeDatetime, nil
	case "DECIMAL", "NUMERIC":
		return TypeDecimal, nil
	case "RECORD":
		return TypeRecord, nil
	case "ARRAY":
		return TypeArray, nil
	default:
		return 0, fmt.Errorf("unknown field type: %q", name)
	}
}

// Entry describes one field of a record schema
type Entry struct {
	Name         string `json:"name"`
	OriginalName string `json:"original_name,omitempty"` // source system name, may contain characters the logical name cannot
	Type         Type   `json:"type"`
	Nullable     bool   `json:"nullable"`
}

// ColumnName returns the name used for generated SQL and bulk file columns.
func (e Entry) ColumnName(useOrigin bool) string {
	if useOrigin && e.OriginalName != "" {
		return e.OriginalName
	}
	return e.Name
}

// Schema is an ordered list of entries
type Schema struct {
	entries []Entry
	index   map[string]int
}

// NewSchema builds a schema. Duplicate entry names are rejected.
func NewSchema(entries ...Entry) (*Schema, error) {
	s := &Schema{
		entries: make([]Entry, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	copy(s.entries, entries)
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("schema entry %d has no name", i)
		}
		if _, dup := s.index[e.Name]; dup {
			return nil, fmt.Errorf("duplicate schema entry: %s", e.Name)
		}
		s.index[e.Name] = i
	}
	return s, nil
}

// MustSchema is NewSchema for static schemas; it panics on error.
func MustSchema(entries ...Entry) *Schema {
	s, err := NewSchema(entries...)
	if err != nil {
		panic(err)
	}
	return s
}

// Entries returns a copy of the schema entries
func (s *Schema) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries
func (s *Schema) Len() int { return len(s.entries) }

// Entry returns the entry at position i
func (s *Schema) Entry(i int) Entry { return s.entries[i] }

// Lookup returns the entry with the given logical name
func (s *Schema) Lookup(name string) (Entry, int, bool) {
	i, ok := s.index[name]
	if !ok {
		return Entry{}, -1, false
	}
	return s.entries[i], i, true
}

// ColumnNames returns the column names of all entries, in order
func (s *Schema) ColumnNames(useOrigin bool) []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.ColumnName(useOrigin)
	}
	return names
}

// Record is an immutable, ordered collection of typed fields.
// Values are Go natives: int32, int64, float32, float64, bool, string,
// []byte, time.Time, decimal.Decimal, Record, []any. A nil value is null.
type Record struct {
	schema *Schema
	values []any
}

// Schema returns the record schema
func (r Record) Schema() *Schema { return r.schema }

// Len returns the number of fields
func (r Record) Len() int { return len(r.values) }

// Value returns the value at position i
func (r Record) Value(i int) any { return r.values[i] }

// Get returns the value of the named field. ok is false when the schema
// has no such field.
func (r Record) Get(name string) (any, bool) {
	if r.schema == nil {
		return nil, false
	}
	_, i, ok := r.schema.Lookup(name)
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// IsZero reports whether the record was never built
func (r Record) IsZero() bool { return r.schema == nil }

func (r Record) String() string {
	if r.schema == nil {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range r.schema.entries {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", e.Name, r.values[i])
	}
	b.WriteByte('}')
	return b.String()
}

// RecordBuilder assembles a Record field by field
type RecordBuilder struct {
	schema *Schema
	values []any
	err    error
}

// NewRecordBuilder starts a record for the given schema; all fields start null
func NewRecordBuilder(schema *Schema) *RecordBuilder {
	return &RecordBuilder{
		schema: schema,
		values: make([]any, schema.Len()),
	}
}

// Set assigns a field value. Unknown names are reported by Build.
func (b *RecordBuilder) Set(name string, value any) *RecordBuilder {
	_, i, ok := b.schema.Lookup(name)
	if !ok {
		if b.err == nil {
			b.err = fmt.Errorf("unknown field: %s", name)
		}
		return b
	}
	b.values[i] = value
	return b
}

// Build returns the record. Non-nullable fields left null are an error.
func (b *RecordBuilder) Build() (Record, error) {
	if b.err != nil {
		return Record{}, b.err
	}
	for i, e := range b.schema.entries {
		if b.values[i] == nil && !e.Nullable {
			return Record{}, fmt.Errorf("field %s is not nullable", e.Name)
		}
	}
	values := make([]any, len(b.values))
	copy(values, b.values)
	return Record{schema: b.schema, values: values}, nil
}
