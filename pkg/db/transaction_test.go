package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countRows(t *testing.T, conn *Connection) int64 {
	t.Helper()

	result, err := conn.ExecuteSelect(context.Background(), "SELECT COUNT(*) FROM Run;")
	require.NoError(t, err)
	require.Equal(t, 1, result.Len())

	return result.Rows[0].Field(0).Int64()
}

func insertRun(t *testing.T, conn *Connection, name string) {
	t.Helper()

	require.NoError(t, conn.ExecuteUpdate(context.Background(),
		"INSERT INTO Run (Name) VALUES ('"+name+"');"))
}

func TestTransaction_CommitAndRollback(t *testing.T) {
	conn := setupTestConnection(t)
	ctx := context.Background()
	createRunTable(t, conn)

	tx, err := conn.BeginTransaction(ctx, "First")
	require.NoError(t, err)
	insertRun(t, conn, "a")
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(1), countRows(t, conn))

	tx, err = conn.BeginTransaction(ctx, "Second")
	require.NoError(t, err)
	insertRun(t, conn, "b")
	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, int64(1), countRows(t, conn))

	assert.ErrorIs(t, tx.Commit(ctx), ErrTransactionDone)
	assert.ErrorIs(t, tx.Rollback(ctx), ErrTransactionDone)
	assert.NoError(t, tx.Close())
}

func TestTransaction_CloseRollsBack(t *testing.T) {
	conn := setupTestConnection(t)
	ctx := context.Background()
	createRunTable(t, conn)

	func() {
		tx, err := conn.BeginTransaction(ctx, "Abandoned")
		require.NoError(t, err)

		defer func() { _ = tx.Close() }()

		insertRun(t, conn, "a")
	}()

	assert.Equal(t, int64(0), countRows(t, conn))
}

func TestTransaction_NestedSavepoints(t *testing.T) {
	conn := setupTestConnection(t)
	ctx := context.Background()
	createRunTable(t, conn)

	outer, err := conn.BeginTransaction(ctx, "DatabaseUpdate")
	require.NoError(t, err)
	insertRun(t, conn, "kept")

	inner, err := conn.BeginTransaction(ctx, "KeywordUpdate")
	require.NoError(t, err)
	insertRun(t, conn, "dropped")
	require.NoError(t, inner.Rollback(ctx))

	committed, err := conn.BeginTransaction(ctx, "CategoryUpdate")
	require.NoError(t, err)
	insertRun(t, conn, "also kept")
	require.NoError(t, committed.Commit(ctx))

	require.NoError(t, outer.Commit(ctx))

	result, err := conn.ExecuteSelect(ctx, "SELECT Name FROM Run ORDER BY Id;")
	require.NoError(t, err)
	require.Equal(t, 2, result.Len())
	assert.Equal(t, "kept", result.Rows[0].Field(0).String())
	assert.Equal(t, "also kept", result.Rows[1].Field(0).String())
}

func TestTransaction_InvalidName(t *testing.T) {
	conn := setupTestConnection(t)

	_, err := conn.BeginTransaction(context.Background(), "drop table; --")
	assert.ErrorIs(t, err, ErrInvalidTransactionName)
}
