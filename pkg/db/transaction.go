package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrTransactionDone is returned when a finished transaction is reused.
	ErrTransactionDone = errors.New("transaction already committed or rolled back")

	// ErrInvalidTransactionName is returned for names that are not plain identifiers.
	ErrInvalidTransactionName = errors.New("invalid transaction name")

	transactionName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Transaction is a named unit of work. The outermost transaction of a
// connection maps to BEGIN/COMMIT, nested ones to savepoints carrying
// their name.
type Transaction struct {
	conn   *Connection
	name   string
	nested bool
	done   bool
}

// BeginTransaction opens a transaction, or a savepoint when one is
// already open on the connection.
func (c *Connection) BeginTransaction(ctx context.Context, name string) (*Transaction, error) {
	if !transactionName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransactionName, name)
	}

	tx := &Transaction{
		conn:   c,
		name:   name,
		nested: c.txDepth > 0,
	}

	query := "BEGIN"
	if tx.nested {
		query = "SAVEPOINT " + name
	}

	if err := c.execControl(ctx, query); err != nil {
		return nil, err
	}

	c.txDepth++

	c.log.WithField("transaction", name).Debug("Transaction started")

	return tx, nil
}

// Name returns the transaction name.
func (t *Transaction) Name() string {
	return t.name
}

// Commit makes the transaction's changes permanent.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.done {
		return ErrTransactionDone
	}

	query := "COMMIT"
	if t.nested {
		query = "RELEASE SAVEPOINT " + t.name
	}

	if err := t.conn.execControl(ctx, query); err != nil {
		return err
	}

	t.finish()

	return nil
}

// Rollback discards the transaction's changes.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.done {
		return ErrTransactionDone
	}

	if t.nested {
		if err := t.conn.execControl(ctx, "ROLLBACK TO SAVEPOINT "+t.name); err != nil {
			return err
		}

		if err := t.conn.execControl(ctx, "RELEASE SAVEPOINT "+t.name); err != nil {
			return err
		}
	} else if err := t.conn.execControl(ctx, "ROLLBACK"); err != nil {
		return err
	}

	t.finish()

	t.conn.log.WithField("transaction", t.name).Debug("Transaction rolled back")

	return nil
}

// Close rolls back a transaction that was neither committed nor rolled
// back. It is a no-op otherwise.
func (t *Transaction) Close() error {
	if t.done {
		return nil
	}

	return t.Rollback(context.Background())
}

func (t *Transaction) finish() {
	t.done = true
	t.conn.txDepth--
}

func (c *Connection) execControl(ctx context.Context, query string) error {
	if _, err := c.sqlDB.ExecContext(ctx, query); err != nil {
		return &QueryError{Query: query, Err: err}
	}

	return nil
}
