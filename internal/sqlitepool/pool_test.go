package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestOpen_AppliesPragmasAndOnConnect(t *testing.T) {
	connected := 0
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "test.sqlite"),
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			connected++
			return sqlitex.ExecuteTransient(conn, "CREATE TABLE IF NOT EXISTS t (v TEXT)", nil)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	defer pool.Put(conn)

	var mode string
	err = sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			mode = stmt.ColumnText(0)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
	assert.Equal(t, 1, connected)

	require.NoError(t, sqlitex.ExecuteTransient(conn, "INSERT INTO t (v) VALUES ('x')", nil))
}

func TestTake_CancelledContext(t *testing.T) {
	pool, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.sqlite"), PoolSize: 1})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Take(ctx)
	assert.Error(t, err)
}
