// Package db binds typed values to prepared statements against the test
// store. It sits on top of gorm-opened sqlite, mysql or postgres handles
// and exposes update/select primitives, named transactions and positional
// parameters whose values re-sync their bind slot on every change.
package db

import (
	"errors"
	"fmt"
)

// FieldType is the closed set of column kinds understood by the store.
type FieldType int

const (
	FieldTypeBit FieldType = iota
	FieldTypeSint32
	FieldTypeSint64
	FieldTypeUint32
	FieldTypeUint64
	FieldTypeFloat32
	FieldTypeFloat64
	FieldTypeChar
	FieldTypeVarchar
	FieldTypeText
	FieldTypeDate
	FieldTypeDatetime
	FieldTypeTime
	FieldTypeBinary
	FieldTypeVarbinary
	FieldTypeBlob
	fieldTypeCount
)

var fieldTypeNames = [fieldTypeCount]string{
	"bit",
	"sint32",
	"sint64",
	"uint32",
	"uint64",
	"float32",
	"float64",
	"char",
	"varchar",
	"text",
	"date",
	"datetime",
	"time",
	"binary",
	"varbinary",
	"blob",
}

var (
	// ErrMissingLimits is returned when a fixed-width kind is created
	// without a length limit.
	ErrMissingLimits = errors.New("missing limits for fixed-width field")

	// ErrUnsupportedType is returned for kinds outside the closed set.
	ErrUnsupportedType = errors.New("unsupported field type")

	// ErrTypeMismatch is returned when a Go value does not match the kind.
	ErrTypeMismatch = errors.New("value type does not match field type")

	// ErrOutOfRange is returned when an integer does not fit the kind.
	ErrOutOfRange = errors.New("value out of range for field type")
)

// String returns the lower-case kind name.
func (t FieldType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("FieldType(%d)", int(t))
	}

	return fieldTypeNames[t]
}

// Valid reports whether t belongs to the closed set.
func (t FieldType) Valid() bool {
	return t >= FieldTypeBit && t < fieldTypeCount
}

// NeedsLimits reports whether the kind must be created with a length.
func (t FieldType) NeedsLimits() bool {
	switch t {
	case FieldTypeChar, FieldTypeVarchar, FieldTypeBinary, FieldTypeVarbinary:
		return true
	default:
		return false
	}
}

// IsText reports whether the kind holds character data.
func (t FieldType) IsText() bool {
	switch t {
	case FieldTypeChar, FieldTypeVarchar, FieldTypeText:
		return true
	default:
		return false
	}
}

// IsBinary reports whether the kind holds raw bytes.
func (t FieldType) IsBinary() bool {
	switch t {
	case FieldTypeBinary, FieldTypeVarbinary, FieldTypeBlob:
		return true
	default:
		return false
	}
}

// ParameterType tells how a statement parameter is exchanged.
type ParameterType int

const (
	ParameterIn ParameterType = iota
	ParameterOut
	ParameterInOut
	parameterTypeCount
)

// String returns the parameter direction name.
func (t ParameterType) String() string {
	switch t {
	case ParameterIn:
		return "in"
	case ParameterOut:
		return "out"
	case ParameterInOut:
		return "inout"
	default:
		return fmt.Sprintf("ParameterType(%d)", int(t))
	}
}

// QueryError carries the text of the query that failed.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("executing %q: %v", e.Query, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
