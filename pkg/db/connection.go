package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ethpandaops/aria/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialect identifies the SQL flavour behind a connection.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// ErrUnsupportedDriver is returned for unknown database drivers.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Connection owns the single handle to the store. All statements are
// prepared and executed through it from one goroutine.
type Connection struct {
	log     logrus.FieldLogger
	gdb     *gorm.DB
	sqlDB   *sql.DB
	dialect Dialect
	updates atomic.Int64
	txDepth int
}

// Open opens the configured store.
func Open(log logrus.FieldLogger, cfg *config.DatabaseConfig) (*Connection, error) {
	var dialector gorm.Dialector

	switch Dialect(cfg.Driver) {
	case DialectSQLite:
		dialector = sqlite.Open(cfg.SQLite.Path)
	case DialectMySQL:
		dsn := fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.MySQL.User,
			cfg.MySQL.Password,
			cfg.MySQL.Host,
			cfg.MySQL.Port,
			cfg.MySQL.Database,
		)
		dialector = mysql.Open(dsn)
	case DialectPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Postgres.Host,
			cfg.Postgres.Port,
			cfg.Postgres.User,
			cfg.Postgres.Password,
			cfg.Postgres.Database,
			cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return New(log, gdb, Dialect(cfg.Driver))
}

// New wraps an already opened gorm handle.
func New(log logrus.FieldLogger, gdb *gorm.DB, dialect Dialect) (*Connection, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql handle: %w", err)
	}

	// Session state (transactions, @variables, :memory: databases) lives
	// on the connection, so the pool is pinned to a single one.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return &Connection{
		log:     log.WithField("component", "db"),
		gdb:     gdb,
		sqlDB:   sqlDB,
		dialect: dialect,
	}, nil
}

// Close releases the handle.
func (c *Connection) Close() error {
	return c.sqlDB.Close()
}

// Dialect returns the SQL flavour.
func (c *Connection) Dialect() Dialect {
	return c.dialect
}

// Updates returns how many mutating executions succeeded so far.
func (c *Connection) Updates() int64 {
	return c.updates.Load()
}

// ExecuteUpdate runs a query that returns no row.
func (c *Connection) ExecuteUpdate(ctx context.Context, query string) error {
	if _, err := c.sqlDB.ExecContext(ctx, query); err != nil {
		return &QueryError{Query: query, Err: err}
	}

	c.updates.Add(1)

	c.log.WithField("query", query).Trace("Executed update")

	return nil
}

// ExecuteSelect runs a query and returns its rows.
func (c *Connection) ExecuteSelect(ctx context.Context, query string) (*Result, error) {
	rows, err := c.sqlDB.QueryContext(ctx, query)
	if err != nil {
		return nil, &QueryError{Query: query, Err: err}
	}

	result, err := readRows(rows, nil)
	if err != nil {
		return nil, &QueryError{Query: query, Err: err}
	}

	return result, nil
}

// HasTable reports whether a table exists.
func (c *Connection) HasTable(name string) bool {
	if c.dialect == DialectPostgres {
		// Unquoted identifiers are folded to lower case.
		name = strings.ToLower(name)
	}

	return c.gdb.Migrator().HasTable(name)
}

// CreateStatement creates an unprepared statement. Placeholders are
// written as `?` whatever the dialect.
func (c *Connection) CreateStatement(query string) *Statement {
	return &Statement{
		conn:  c,
		log:   c.log.WithField("component", "statement"),
		query: query,
	}
}

// IDColumn returns the DDL of an auto-assigned integer primary key.
func (c *Connection) IDColumn() string {
	switch c.dialect {
	case DialectPostgres:
		return "SERIAL PRIMARY KEY"
	case DialectMySQL:
		return "INTEGER PRIMARY KEY AUTO_INCREMENT"
	default:
		return "INTEGER PRIMARY KEY"
	}
}

// DatetimeColumn returns the DDL type of a date and time column.
func (c *Connection) DatetimeColumn() string {
	if c.dialect == DialectPostgres {
		return "TIMESTAMP"
	}

	return "DATETIME"
}

// readRows drains rows into a Result. cols, when set, holds the kinds
// inferred by a previous call and is reused as is.
func readRows(rows *sql.Rows, cols []ColumnInfo) (*Result, error) {
	defer func() { _ = rows.Close() }()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("reading column types: %w", err)
	}

	result := &Result{Columns: cols}

	for rows.Next() {
		raw := make([]any, len(types))
		ptrs := make([]any, len(types))

		for i := range raw {
			ptrs[i] = &raw[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		if result.Columns == nil {
			result.Columns = inferColumns(types, raw)
		}

		row := Row{Fields: make([]Field, len(raw))}

		for i, cell := range raw {
			field, err := newField(result.Columns[i], cell)
			if err != nil {
				return nil, err
			}

			row.Fields[i] = field
		}

		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return result, nil
}
