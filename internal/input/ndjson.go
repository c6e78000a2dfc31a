// Package input reads newline-delimited JSON objects as records of a
// declared schema.
package input

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/basekick-labs/arcload/internal/encode"
	"github.com/basekick-labs/arcload/pkg/models"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// FieldError reports an input line whose fields do not fit the schema.
// The reader stays usable after a FieldError.
type FieldError struct {
	Line int
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Reader decodes one record per input line
type Reader struct {
	scanner *bufio.Scanner
	schema  *models.Schema
	line    int
}

// maxLineSize bounds a single input object
const maxLineSize = 16 * 1024 * 1024

// NewReader creates a reader of records with the given schema
func NewReader(r io.Reader, schema *models.Schema) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{scanner: scanner, schema: schema}
}

// Line returns the number of the line last read
func (r *Reader) Line() int { return r.line }

// Next returns the next record. It returns io.EOF after the last line.
// Blank lines are skipped. Fields missing from the object are null;
// fields not in the schema are ignored.
func (r *Reader) Next() (models.Record, error) {
	for r.scanner.Scan() {
		r.line++
		raw := r.scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		var obj map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return models.Record{}, &FieldError{Line: r.line, Err: fmt.Errorf("invalid JSON object: %w", err)}
		}

		b := models.NewRecordBuilder(r.schema)
		for _, e := range r.schema.Entries() {
			v, ok := obj[e.Name]
			if !ok && e.OriginalName != "" {
				v, ok = obj[e.OriginalName]
			}
			if !ok || v == nil {
				continue
			}
			nv, err := convert(v, e)
			if err != nil {
				return models.Record{}, &FieldError{Line: r.line, Err: fmt.Errorf("field %s: %w", e.Name, err)}
			}
			b.Set(e.Name, nv)
		}
		rec, err := b.Build()
		if err != nil {
			return models.Record{}, &FieldError{Line: r.line, Err: err}
		}
		return rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return models.Record{}, fmt.Errorf("failed to read input: %w", err)
	}
	return models.Record{}, io.EOF
}

// IsFieldError reports whether err is a recoverable per-line error
func IsFieldError(err error) bool {
	var fe *FieldError
	return errors.As(err, &fe)
}

// convert maps a decoded JSON value to the Go native of the entry type
func convert(v any, e models.Entry) (any, error) {
	if n, ok := v.(json.Number); ok {
		v = n.String()
	}
	switch e.Type {
	case models.TypeInt32:
		return encode.Int32(v)
	case models.TypeInt64:
		return encode.Int64(v)
	case models.TypeFloat32:
		return encode.Float32(v)
	case models.TypeFloat64:
		return encode.Float64(v)
	case models.TypeBoolean:
		return cast.ToBoolE(v)
	case models.TypeString:
		return cast.ToStringE(v)
	case models.TypeBytes:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected base64 string, got %T", v)
		}
		return base64.StdEncoding.DecodeString(s)
	case models.TypeDatetime:
		if s, ok := v.(string); ok {
			return time.Parse(time.RFC3339Nano, s)
		}
		return cast.ToTimeE(v)
	case models.TypeDecimal:
		return decimal.NewFromString(cast.ToString(v))
	case models.TypeRecord, models.TypeArray:
		// kept as decoded; bound as JSON text
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported field type %s", e.Type)
	}
}
