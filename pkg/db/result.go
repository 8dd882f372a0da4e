package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Field is one named, typed cell of a result row.
type Field struct {
	*Value
	Name string
}

// Row is an ordered list of fields.
type Row struct {
	Fields []Field
}

// Field returns the i-th field.
func (r Row) Field(i int) *Field {
	return &r.Fields[i]
}

// FieldByName returns the field with the given column name, case-insensitively.
func (r Row) FieldByName(name string) (*Field, bool) {
	for i := range r.Fields {
		if strings.EqualFold(r.Fields[i].Name, name) {
			return &r.Fields[i], true
		}
	}

	return nil, false
}

// Result holds the rows returned by a select.
type Result struct {
	Columns []ColumnInfo
	Rows    []Row
}

// Len returns the number of rows.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}

	return len(r.Rows)
}

// Empty reports whether the result holds no row.
func (r *Result) Empty() bool {
	return r.Len() == 0
}

// ColumnInfo describes a result column.
type ColumnInfo struct {
	Name  string
	Kind  FieldType
	Limit uint32
}

// inferColumns derives the field kind of each column from the store's own
// type names. Columns without a declared type, such as expressions on
// sqlite, fall back to the dynamic type of the first scanned value.
func inferColumns(types []*sql.ColumnType, sample []any) []ColumnInfo {
	cols := make([]ColumnInfo, len(types))

	for i, ct := range types {
		var raw any
		if i < len(sample) {
			raw = sample[i]
		}

		kind, limit := inferKind(ct.Name(), ct.DatabaseTypeName(), ct, raw)
		cols[i] = ColumnInfo{Name: ct.Name(), Kind: kind, Limit: limit}
	}

	return cols
}

type lengther interface {
	Length() (int64, bool)
	DecimalSize() (int64, int64, bool)
}

func inferKind(name, typeName string, ct lengther, raw any) (FieldType, uint32) {
	lname := strings.ToLower(name)
	upper := strings.ToUpper(strings.TrimSpace(typeName))

	// Aggregates over integer columns widen to 64 bits. MAX/MIN over a
	// date column keep the kind of their operand.
	for _, agg := range []string{"max(", "min(", "count(", "sum("} {
		if !strings.Contains(lname, agg) {
			continue
		}

		switch raw.(type) {
		case nil, int64, int32, int:
			if !strings.Contains(upper, "DATE") && !strings.Contains(upper, "TIME") {
				return FieldTypeSint64, 0
			}
		}
	}

	length := func() uint32 {
		if ct == nil {
			return 0
		}

		if n, ok := ct.Length(); ok && n > 0 && n < 1<<31 {
			return uint32(n)
		}

		return 0
	}

	unsigned := strings.Contains(upper, "UNSIGNED")

	switch {
	case upper == "":
		return kindFromDynamic(raw), 0
	case strings.Contains(upper, "BIGINT") || upper == "INT8" || upper == "BIGSERIAL":
		if unsigned {
			return FieldTypeUint64, 0
		}

		return FieldTypeSint64, 0
	case strings.Contains(upper, "SMALLINT") || strings.Contains(upper, "TINYINT") || upper == "INT2":
		return FieldTypeSint32, 0
	case strings.HasPrefix(upper, "BOOL") || upper == "BIT":
		return FieldTypeBit, 0
	case strings.Contains(upper, "INT") || upper == "SERIAL":
		if ct != nil {
			if precision, _, ok := ct.DecimalSize(); ok && precision > 10 {
				return FieldTypeSint64, 0
			}
		}

		if unsigned {
			return FieldTypeUint32, 0
		}

		return FieldTypeSint32, 0
	case strings.Contains(upper, "DOUB") || strings.Contains(upper, "REAL") ||
		strings.Contains(upper, "DECIMAL") || strings.Contains(upper, "NUMERIC") ||
		upper == "FLOAT8":
		return FieldTypeFloat64, 0
	case strings.Contains(upper, "FLOAT"):
		return FieldTypeFloat32, 0
	case strings.Contains(upper, "VARCHAR") || strings.Contains(upper, "VARYING"):
		if n := length(); n > 0 {
			return FieldTypeVarchar, n
		}

		return FieldTypeText, 0
	case strings.Contains(upper, "VARBINARY"):
		if n := length(); n > 0 {
			return FieldTypeVarbinary, n
		}

		return FieldTypeBlob, 0
	case strings.Contains(upper, "BINARY"):
		if n := length(); n > 0 {
			return FieldTypeBinary, n
		}

		return FieldTypeBlob, 0
	case strings.Contains(upper, "CHAR"):
		if n := length(); n > 0 {
			return FieldTypeChar, n
		}

		return FieldTypeText, 0
	case strings.Contains(upper, "TEXT") || strings.Contains(upper, "CLOB"):
		return FieldTypeText, 0
	case strings.Contains(upper, "BLOB") || upper == "BYTEA":
		return FieldTypeBlob, 0
	case strings.Contains(upper, "DATETIME") || strings.Contains(upper, "TIMESTAMP"):
		return FieldTypeDatetime, 0
	case upper == "DATE":
		return FieldTypeDate, 0
	case strings.HasPrefix(upper, "TIME"):
		return FieldTypeTime, 0
	}

	return kindFromDynamic(raw), 0
}

func kindFromDynamic(raw any) FieldType {
	switch raw.(type) {
	case bool:
		return FieldTypeBit
	case int32:
		return FieldTypeSint32
	case int64, int:
		return FieldTypeSint64
	case float32:
		return FieldTypeFloat32
	case float64:
		return FieldTypeFloat64
	case time.Time:
		return FieldTypeDatetime
	case []byte:
		return FieldTypeBlob
	default:
		return FieldTypeText
	}
}

// newField converts a scanned driver value into a field of the given column.
// Conversion is lenient: drivers report the same column kind through
// different Go types, and text from mysql arrives as bytes.
func newField(col ColumnInfo, raw any) (Field, error) {
	v := &Value{kind: col.Kind, limit: col.Limit, null: true}
	f := Field{Value: v, Name: col.Name}

	if raw == nil {
		return f, nil
	}

	data, err := fromDriver(col.Kind, raw)
	if err != nil {
		return f, fmt.Errorf("column %s: %w", col.Name, err)
	}

	if t, ok := data.(time.Time); ok && t.IsZero() {
		return f, nil
	}

	v.data = data
	v.null = false

	return f, nil
}

func fromDriver(kind FieldType, raw any) (any, error) {
	tmp := &Value{data: raw}

	switch kind {
	case FieldTypeBit:
		return tmp.Bool(), nil
	case FieldTypeSint32:
		return tmp.Int32(), nil
	case FieldTypeSint64:
		return tmp.Int64(), nil
	case FieldTypeUint32:
		return tmp.Uint32(), nil
	case FieldTypeUint64:
		return tmp.Uint64(), nil
	case FieldTypeFloat32:
		return tmp.Float32(), nil
	case FieldTypeFloat64:
		return tmp.Float64(), nil
	case FieldTypeChar, FieldTypeVarchar, FieldTypeText:
		switch d := raw.(type) {
		case string:
			return d, nil
		case []byte:
			return string(d), nil
		case time.Time:
			return d.UTC().Format(DatetimeLayout), nil
		}

		return fmt.Sprint(raw), nil
	case FieldTypeDate, FieldTypeDatetime, FieldTypeTime:
		return tmp.Time().UTC(), nil
	case FieldTypeBinary, FieldTypeVarbinary, FieldTypeBlob:
		switch d := raw.(type) {
		case []byte:
			return append([]byte(nil), d...), nil
		case string:
			return []byte(d), nil
		}

		return nil, fmt.Errorf("%w: %T into %s", ErrTypeMismatch, raw, kind)
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, kind)
}
