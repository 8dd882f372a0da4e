package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// ErrParameterCount is returned when the placeholders of a query do
	// not match its bindable parameters.
	ErrParameterCount = errors.New("placeholder count does not match parameters")

	// ErrNotInitialised is returned when a statement is used before Initialise.
	ErrNotInitialised = errors.New("statement not initialised")
)

// Statement is one prepared query and its parameters.
//
// In and InOut parameters are bound positionally to the `?` placeholders,
// in creation order. Out and InOut parameters are exchanged through
// session variables: InOut values are assigned with `SET @name = ...`
// before execution and every Out/InOut value is read back with
// `SELECT @name AS name` right after it.
type Statement struct {
	conn    *Connection
	log     logrus.FieldLogger
	query   string
	stmt    *sql.Stmt
	params  []*Parameter
	args    []any
	columns []ColumnInfo
}

// CreateParameter appends a parameter. Bindable parameters take the next
// placeholder slot.
func (s *Statement) CreateParameter(
	name string,
	kind FieldType,
	limit uint32,
	ptype ParameterType,
) (*Parameter, error) {
	slot := -1

	if ptype == ParameterIn || ptype == ParameterInOut {
		slot = len(s.args)
		s.args = append(s.args, nil)
	}

	updater := func(p *Parameter) {
		if slot >= 0 {
			s.args[slot] = p.value.Arg()
		}
	}

	p, err := NewParameter(name, len(s.params)+1, kind, limit, ptype, updater)
	if err != nil {
		if slot >= 0 {
			s.args = s.args[:slot]
		}

		return nil, err
	}

	s.params = append(s.params, p)

	return p, nil
}

// Parameters returns the statement parameters in creation order.
func (s *Statement) Parameters() []*Parameter {
	return s.params
}

// Query returns the query text as written.
func (s *Statement) Query() string {
	return s.query
}

// Initialise prepares the statement against the connection.
func (s *Statement) Initialise(ctx context.Context) error {
	placeholders := countPlaceholders(s.query)
	if placeholders != len(s.args) {
		return fmt.Errorf("%w: %d placeholders, %d parameters in %q",
			ErrParameterCount, placeholders, len(s.args), s.query)
	}

	query := s.query
	if s.conn.dialect == DialectPostgres {
		query = numberPlaceholders(query)
	}

	stmt, err := s.conn.sqlDB.PrepareContext(ctx, query)
	if err != nil {
		return &QueryError{Query: s.query, Err: err}
	}

	s.stmt = stmt

	return nil
}

// Close releases the prepared statement.
func (s *Statement) Close() error {
	if s.stmt == nil {
		return nil
	}

	err := s.stmt.Close()
	s.stmt = nil

	return err
}

// ExecuteUpdate runs the statement. Errors are logged and reported as false.
func (s *Statement) ExecuteUpdate(ctx context.Context) bool {
	if err := s.exec(ctx); err != nil {
		s.log.WithError(err).Error("Statement update failed")

		return false
	}

	return true
}

// ExecuteSelect runs the statement and returns its rows. Errors are logged
// and reported as nil.
func (s *Statement) ExecuteSelect(ctx context.Context) *Result {
	result, err := s.selectRows(ctx)
	if err != nil {
		s.log.WithError(err).Error("Statement select failed")

		return nil
	}

	return result
}

func (s *Statement) exec(ctx context.Context) error {
	if s.stmt == nil {
		return &QueryError{Query: s.query, Err: ErrNotInitialised}
	}

	if err := s.assignInOut(ctx); err != nil {
		return err
	}

	if _, err := s.stmt.ExecContext(ctx, s.args...); err != nil {
		return &QueryError{Query: s.query, Err: err}
	}

	s.conn.updates.Add(1)

	return s.fetchOut(ctx)
}

func (s *Statement) selectRows(ctx context.Context) (*Result, error) {
	if s.stmt == nil {
		return nil, &QueryError{Query: s.query, Err: ErrNotInitialised}
	}

	if err := s.assignInOut(ctx); err != nil {
		return nil, err
	}

	rows, err := s.stmt.QueryContext(ctx, s.args...)
	if err != nil {
		return nil, &QueryError{Query: s.query, Err: err}
	}

	result, err := readRows(rows, s.columns)
	if err != nil {
		return nil, &QueryError{Query: s.query, Err: err}
	}

	if s.columns == nil && !result.Empty() {
		s.columns = result.Columns
	}

	if err := s.fetchOut(ctx); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Statement) assignInOut(ctx context.Context) error {
	for _, p := range s.params {
		if p.ptype != ParameterInOut {
			continue
		}

		query := "SET @" + p.name + " = " + p.value.QueryValue()

		if _, err := s.conn.sqlDB.ExecContext(ctx, query); err != nil {
			return &QueryError{Query: query, Err: err}
		}
	}

	return nil
}

func (s *Statement) fetchOut(ctx context.Context) error {
	var names []string

	for _, p := range s.params {
		if p.fetched() {
			names = append(names, "@"+p.name+" AS "+p.name)
		}
	}

	if len(names) == 0 {
		return nil
	}

	query := "SELECT " + strings.Join(names, ", ")

	rows, err := s.conn.sqlDB.QueryContext(ctx, query)
	if err != nil {
		return &QueryError{Query: query, Err: err}
	}

	result, err := readRows(rows, nil)
	if err != nil {
		return &QueryError{Query: query, Err: err}
	}

	if result.Empty() {
		return nil
	}

	row := result.Rows[0]

	for _, p := range s.params {
		if !p.fetched() {
			continue
		}

		field, ok := row.FieldByName(p.name)
		if !ok || field.IsNull() {
			p.value.SetNull()

			continue
		}

		data, err := fromDriver(p.value.kind, field.data)
		if err != nil {
			return fmt.Errorf("reading out parameter %s: %w", p.name, err)
		}

		if err := p.value.SetValue(data); err != nil {
			return fmt.Errorf("reading out parameter %s: %w", p.name, err)
		}
	}

	return nil
}

// countPlaceholders counts `?` outside quoted literals.
func countPlaceholders(query string) int {
	n := 0
	inQuote := rune(0)

	for _, r := range query {
		switch {
		case inQuote != 0:
			if r == inQuote {
				inQuote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			inQuote = r
		case r == '?':
			n++
		}
	}

	return n
}

// numberPlaceholders rewrites `?` placeholders as `$1`, `$2`, ...
func numberPlaceholders(query string) string {
	var b strings.Builder

	b.Grow(len(query) + 8)

	n := 0
	inQuote := rune(0)

	for _, r := range query {
		switch {
		case inQuote != 0:
			if r == inQuote {
				inQuote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			inQuote = r
		case r == '?':
			n++
			b.WriteString("$" + strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}
