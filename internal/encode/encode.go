// Package encode converts record field values into bound statement
// parameters or textual bulk-load tokens. The row path and the bulk path
// both go through Encode so the two can never disagree on a type.
package encode

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/arcload/pkg/models"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Mode selects the output form of Encode
type Mode int

const (
	// Bind returns a value suitable for a positional statement parameter
	Bind Mode = iota
	// Text returns a deterministic string token for bulk files
	Text
)

// DatetimeLayout is the bulk text form of DATETIME values (yyyy-MM-dd'T'HH:mm:ss.SSSXXX)
const DatetimeLayout = "2006-01-02T15:04:05.000Z07:00"

// UnsupportedFieldTypeError is returned when a field type has no text form
type UnsupportedFieldTypeError struct {
	Field string
	Type  models.Type
}

func (e *UnsupportedFieldTypeError) Error() string {
	return fmt.Sprintf("unsupported field type %s for field %s", e.Type, e.Field)
}

// Encode converts value according to the entry's declared type.
// In Bind mode the result is a Go value for a driver; in Text mode it is a string.
func Encode(value any, entry models.Entry, mode Mode) (any, error) {
	if mode == Text {
		return EncodeText(value, entry)
	}
	return encodeBind(value, entry)
}

func encodeBind(value any, entry models.Entry) (any, error) {
	if value == nil {
		return nil, nil
	}

	var (
		out any
		err error
	)
	switch entry.Type {
	case models.TypeInt32:
		out, err = Int32(value)
	case models.TypeInt64:
		out, err = Int64(value)
	case models.TypeFloat32:
		out, err = Float32(value)
	case models.TypeFloat64:
		out, err = Float64(value)
	case models.TypeBoolean:
		out, err = cast.ToBoolE(value)
	case models.TypeString:
		out, err = cast.ToStringE(value)
	case models.TypeBytes:
		out, err = toBytes(value)
	case models.TypeDatetime:
		out, err = cast.ToTimeE(value)
	case models.TypeDecimal:
		out, err = toDecimal(value)
	case models.TypeRecord, models.TypeArray:
		out, err = toJSON(value)
	default:
		return nil, &UnsupportedFieldTypeError{Field: entry.Name, Type: entry.Type}
	}
	if err != nil {
		return nil, fmt.Errorf("field %s (%s): %w", entry.Name, entry.Type, err)
	}
	return out, nil
}

// EncodeText returns the bulk text token for value
func EncodeText(value any, entry models.Entry) (string, error) {
	switch entry.Type {
	case models.TypeArray, models.TypeRecord, models.TypeDecimal:
		return "", &UnsupportedFieldTypeError{Field: entry.Name, Type: entry.Type}
	}
	if value == nil {
		return "", nil
	}

	bound, err := encodeBind(value, entry)
	if err != nil {
		return "", err
	}

	switch v := bound.(type) {
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'x', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'x', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case []byte:
		return hex.EncodeToString(v), nil
	case time.Time:
		return v.Format(DatetimeLayout), nil
	case string:
		return Escape(v), nil
	default:
		return "", &UnsupportedFieldTypeError{Field: entry.Name, Type: entry.Type}
	}
}

// Escape applies CSV-style quoting. Values containing a comma, quote,
// backslash or newline are wrapped in quotes with embedded quotes doubled.
// The empty string becomes "" so it stays distinct from null.
func Escape(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, ",\"\\\n\r") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Line renders a record as one comma-joined line of text tokens (no newline)
func Line(record models.Record, buf []byte) ([]byte, error) {
	schema := record.Schema()
	for i := 0; i < record.Len(); i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		token, err := EncodeText(record.Value(i), schema.Entry(i))
		if err != nil {
			return buf, err
		}
		buf = append(buf, token...)
	}
	return buf, nil
}

// ErrOutOfRange is returned when a value does not fit the declared type
var ErrOutOfRange = errors.New("value out of range")

// Int64 coerces value to int64. Strings are parsed in base 10; fractional
// and out-of-range values are errors.
func Int64(value any) (int64, error) {
	switch v := value.(type) {
	case string:
		return parseInt(strings.TrimSpace(v), 64)
	case json.Number:
		return parseInt(v.String(), 64)
	case uint:
		return uint64ToInt64(uint64(v))
	case uint64:
		return uint64ToInt64(v)
	case float32:
		return floatToInt64(float64(v))
	case float64:
		return floatToInt64(v)
	}
	return cast.ToInt64E(value)
}

// Int32 is Int64 narrowed to int32 with a range check
func Int32(value any) (int32, error) {
	n, err := Int64(value)
	if err != nil {
		return 0, err
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%d does not fit INT32: %w", n, ErrOutOfRange)
	}
	return int32(n), nil
}

// Float64 coerces value to float64
func Float64(value any) (float64, error) {
	switch v := value.(type) {
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case json.Number:
		return strconv.ParseFloat(v.String(), 64)
	}
	return cast.ToFloat64E(value)
}

// Float32 is Float64 narrowed to float32. Finite values beyond the float32
// range are errors.
func Float32(value any) (float32, error) {
	f, err := Float64(value)
	if err != nil {
		return 0, err
	}
	if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
		return 0, fmt.Errorf("%g does not fit FLOAT32: %w", f, ErrOutOfRange)
	}
	return float32(f), nil
}

// parseInt parses base-10 integers. Integral exponent or decimal forms
// such as "1e3" and "5.0" are accepted.
func parseInt(s string, bits int) (int64, error) {
	n, err := strconv.ParseInt(s, 10, bits)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("%s does not fit INT%d: %w", s, bits, ErrOutOfRange)
	}
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil {
		return 0, err
	}
	return floatToInt64(f)
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%d does not fit INT64: %w", v, ErrOutOfRange)
	}
	return int64(v), nil
}

func floatToInt64(f float64) (int64, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%g is not an integer", f)
	}
	// 2^63 is exactly representable; anything at or beyond it is not an int64
	if f < -(1<<63) || f >= 1<<63 {
		return 0, fmt.Errorf("%g does not fit INT64: %w", f, ErrOutOfRange)
	}
	return int64(f), nil
}

func toBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unable to cast %#v of type %T to []byte", value, value)
	}
}

func toDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	default:
		i, err := cast.ToInt64E(value)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromInt(i), nil
	}
}

func toJSON(value any) (string, error) {
	if rec, ok := value.(models.Record); ok {
		m := make(map[string]any, rec.Len())
		schema := rec.Schema()
		for i := 0; i < rec.Len(); i++ {
			m[schema.Entry(i).Name] = rec.Value(i)
		}
		value = m
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
