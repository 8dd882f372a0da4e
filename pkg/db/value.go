package db

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Date layouts used for binding and literal rendering.
const (
	DateLayout     = "2006-01-02"
	DatetimeLayout = "2006-01-02 15:04:05"
	TimeLayout     = "15:04:05"
)

// Value is a typed, nullable cell. The Go type held in data is fixed by
// kind: bool, int32, int64, uint32, uint64, float32, float64, string,
// time.Time or []byte.
type Value struct {
	kind  FieldType
	limit uint32
	null  bool
	data  any
}

// NewValue creates a null value of the given kind. Fixed-width kinds
// need a non-zero limit.
func NewValue(kind FieldType, limit uint32) (*Value, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, kind)
	}

	if kind.NeedsLimits() && limit == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingLimits, kind)
	}

	return &Value{kind: kind, limit: limit, null: true}, nil
}

// Kind returns the value's field type.
func (v *Value) Kind() FieldType {
	return v.kind
}

// Limit returns the length limit, 0 when unbounded.
func (v *Value) Limit() uint32 {
	return v.limit
}

// IsNull reports whether the value is NULL.
func (v *Value) IsNull() bool {
	return v.null
}

// SetNull clears the value.
func (v *Value) SetNull() {
	v.null = true
	v.data = nil
}

// SetValue stores x after checking it against the value's kind. Integer
// kinds also accept a Go int within range. A zero time.Time on a date
// kind is stored as NULL.
func (v *Value) SetValue(x any) error {
	if x == nil {
		v.SetNull()

		return nil
	}

	data, err := coerce(v.kind, v.limit, x)
	if err != nil {
		return err
	}

	if t, ok := data.(time.Time); ok && t.IsZero() {
		v.SetNull()

		return nil
	}

	v.data = data
	v.null = false

	return nil
}

func coerce(kind FieldType, limit uint32, x any) (any, error) {
	mismatch := func() error {
		return fmt.Errorf("%w: %T into %s", ErrTypeMismatch, x, kind)
	}

	switch kind {
	case FieldTypeBit:
		b, ok := x.(bool)
		if !ok {
			return nil, mismatch()
		}

		return b, nil
	case FieldTypeSint32:
		switch n := x.(type) {
		case int32:
			return n, nil
		case int:
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, fmt.Errorf("%w: %d into %s", ErrOutOfRange, n, kind)
			}

			return int32(n), nil
		}

		return nil, mismatch()
	case FieldTypeSint64:
		switch n := x.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		}

		return nil, mismatch()
	case FieldTypeUint32:
		switch n := x.(type) {
		case uint32:
			return n, nil
		case int:
			if n < 0 || n > math.MaxUint32 {
				return nil, fmt.Errorf("%w: %d into %s", ErrOutOfRange, n, kind)
			}

			return uint32(n), nil
		}

		return nil, mismatch()
	case FieldTypeUint64:
		switch n := x.(type) {
		case uint64:
			return n, nil
		case int:
			if n < 0 {
				return nil, fmt.Errorf("%w: %d into %s", ErrOutOfRange, n, kind)
			}

			return uint64(n), nil
		}

		return nil, mismatch()
	case FieldTypeFloat32:
		f, ok := x.(float32)
		if !ok {
			return nil, mismatch()
		}

		return f, nil
	case FieldTypeFloat64:
		f, ok := x.(float64)
		if !ok {
			return nil, mismatch()
		}

		return f, nil
	case FieldTypeChar, FieldTypeVarchar, FieldTypeText:
		s, ok := x.(string)
		if !ok {
			return nil, mismatch()
		}

		if limit > 0 && uint32(len(s)) > limit {
			s = s[:limit]
		}

		return s, nil
	case FieldTypeDate:
		t, ok := x.(time.Time)
		if !ok {
			return nil, mismatch()
		}

		if t.IsZero() {
			return t, nil
		}

		y, m, d := t.UTC().Date()

		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case FieldTypeDatetime:
		t, ok := x.(time.Time)
		if !ok {
			return nil, mismatch()
		}

		if t.IsZero() {
			return t, nil
		}

		return t.UTC().Truncate(time.Second), nil
	case FieldTypeTime:
		t, ok := x.(time.Time)
		if !ok {
			return nil, mismatch()
		}

		if t.IsZero() {
			return t, nil
		}

		t = t.UTC()

		return time.Date(0, 1, 1, t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
	case FieldTypeBinary, FieldTypeVarbinary, FieldTypeBlob:
		b, ok := x.([]byte)
		if !ok {
			return nil, mismatch()
		}

		if limit > 0 && uint32(len(b)) > limit {
			b = b[:limit]
		}

		return append([]byte(nil), b...), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, kind)
}

// Bytes returns the raw content: the bytes of binary and text kinds, the
// little-endian encoding of numeric kinds and the formatted date for
// date kinds. A NULL value has no bytes.
func (v *Value) Bytes() []byte {
	if v.null {
		return nil
	}

	switch d := v.data.(type) {
	case []byte:
		return d
	case string:
		return []byte(d)
	case bool:
		if d {
			return []byte{1}
		}

		return []byte{0}
	case int32:
		return binary.LittleEndian.AppendUint32(nil, uint32(d))
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, d)
	case int64:
		return binary.LittleEndian.AppendUint64(nil, uint64(d))
	case uint64:
		return binary.LittleEndian.AppendUint64(nil, d)
	case float32:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(d))
	case float64:
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(d))
	case time.Time:
		return []byte(v.formatTime(d))
	}

	return nil
}

// Size returns the length of Bytes.
func (v *Value) Size() int {
	return len(v.Bytes())
}

// QueryValue renders the value as an SQL literal.
func (v *Value) QueryValue() string {
	if v.null {
		return "NULL"
	}

	switch d := v.data.(type) {
	case bool:
		if d {
			return "1"
		}

		return "0"
	case int32:
		return strconv.FormatInt(int64(d), 10)
	case int64:
		return strconv.FormatInt(d, 10)
	case uint32:
		return strconv.FormatUint(uint64(d), 10)
	case uint64:
		return strconv.FormatUint(d, 10)
	case float32:
		return strconv.FormatFloat(float64(d), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(d, 'g', -1, 64)
	case string:
		return quote(d)
	case time.Time:
		return quote(v.formatTime(d))
	case []byte:
		return "X'" + strings.ToUpper(hex.EncodeToString(d)) + "'"
	}

	return "NULL"
}

// Arg returns the value in the form handed to database/sql.
func (v *Value) Arg() any {
	if v.null {
		return nil
	}

	if t, ok := v.data.(time.Time); ok {
		return v.formatTime(t)
	}

	return v.data
}

func (v *Value) formatTime(t time.Time) string {
	switch v.kind {
	case FieldTypeDate:
		return t.Format(DateLayout)
	case FieldTypeTime:
		return t.Format(TimeLayout)
	default:
		return t.Format(DatetimeLayout)
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Bool returns the value as a boolean. Numeric kinds are true when non-zero.
func (v *Value) Bool() bool {
	switch d := v.data.(type) {
	case bool:
		return d
	case string:
		b, _ := strconv.ParseBool(d)

		return b
	}

	return v.Int64() != 0
}

// Int32 returns the value as an int32.
func (v *Value) Int32() int32 {
	return int32(v.Int64())
}

// Int64 returns the value as an int64, converting numeric and text kinds.
func (v *Value) Int64() int64 {
	switch d := v.data.(type) {
	case bool:
		if d {
			return 1
		}

		return 0
	case int32:
		return int64(d)
	case int64:
		return d
	case uint32:
		return int64(d)
	case uint64:
		return int64(d)
	case float32:
		return int64(d)
	case float64:
		return int64(d)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(d), 10, 64)
		if err != nil {
			f, _ := strconv.ParseFloat(strings.TrimSpace(d), 64)

			return int64(f)
		}

		return n
	case []byte:
		n, _ := strconv.ParseInt(string(d), 10, 64)

		return n
	}

	return 0
}

// Uint32 returns the value as a uint32.
func (v *Value) Uint32() uint32 {
	return uint32(v.Uint64())
}

// Uint64 returns the value as a uint64.
func (v *Value) Uint64() uint64 {
	if d, ok := v.data.(uint64); ok {
		return d
	}

	return uint64(v.Int64())
}

// Float32 returns the value as a float32.
func (v *Value) Float32() float32 {
	return float32(v.Float64())
}

// Float64 returns the value as a float64.
func (v *Value) Float64() float64 {
	switch d := v.data.(type) {
	case float32:
		return float64(d)
	case float64:
		return d
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(d), 64)

		return f
	case uint64:
		return float64(d)
	}

	return float64(v.Int64())
}

// String returns the value as text. NULL yields an empty string.
func (v *Value) String() string {
	if v.null {
		return ""
	}

	switch d := v.data.(type) {
	case string:
		return d
	case []byte:
		return string(d)
	case time.Time:
		return v.formatTime(d)
	}

	return strings.Trim(v.QueryValue(), "'")
}

// Time returns the value as a time. Text is parsed with the datetime,
// date and time layouts. NULL or unparsable data yields the zero time.
func (v *Value) Time() time.Time {
	switch d := v.data.(type) {
	case time.Time:
		return d
	case string:
		return parseTime(d)
	case []byte:
		return parseTime(string(d))
	}

	return time.Time{}
}

var timeLayouts = []string{
	DatetimeLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05Z07:00",
	DateLayout,
	TimeLayout,
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}

	return time.Time{}
}
