package dag

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/systemshift/fzone/internal/sqlitepool"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS channels (
	key TEXT PRIMARY KEY
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS channel_entries (
	seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	key  TEXT NOT NULL,
	hash TEXT NOT NULL,
	t    INTEGER NOT NULL,
	UNIQUE (key, hash)
);
CREATE INDEX IF NOT EXISTS channel_entries_order ON channel_entries (key, t, seq);

CREATE TABLE IF NOT EXISTS channel_roots (
	key  TEXT PRIMARY KEY,
	hash TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS links (
	src TEXT NOT NULL,
	dst TEXT NOT NULL,
	PRIMARY KEY (src, dst)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS finished (
	hash TEXT PRIMARY KEY
) WITHOUT ROWID;
`

// closureQuery walks links from the roots. UNION (not UNION ALL)
// deduplicates, so the walk terminates even on a cyclic link table.
const closureQuery = `
WITH RECURSIVE reach(hash) AS (
	SELECT value FROM json_each(?)
	UNION
	SELECT links.dst FROM links JOIN reach ON links.src = reach.hash
)
SELECT hash FROM reach
WHERE hash NOT IN (SELECT hash FROM finished)
ORDER BY hash`

// SQLiteIndex is an Index stored in a SQLite database.
type SQLiteIndex struct {
	pool *sqlitepool.Pool
}

// OpenSQLiteIndex opens (creating if needed) the index database at path.
func OpenSQLiteIndex(ctx context.Context, path string, logger *logrus.Logger) (*SQLiteIndex, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, Logger: logger})
	if err != nil {
		return nil, err
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	err = sqlitex.ExecuteScript(conn, indexSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}

	return &SQLiteIndex{pool: pool}, nil
}

// View implements Index.
func (x *SQLiteIndex) View(ctx context.Context, fn func(tx IndexTx) error) (err error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexConsistency, err)
	}
	defer x.pool.Put(conn)

	defer sqlitex.Transaction(conn)(&err)
	return fn(&sqliteTx{conn: conn})
}

// Update implements Index. Writers are serialized by SQLite: the
// transaction takes the write lock when it begins.
func (x *SQLiteIndex) Update(ctx context.Context, fn func(tx IndexTx) error) error {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexConsistency, err)
	}
	defer x.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrIndexConsistency, err)
	}

	var fnErr error
	func() {
		defer endFn(&err)
		fnErr = fn(&sqliteTx{conn: conn})
		err = fnErr
	}()
	if fnErr == nil && err != nil {
		return fmt.Errorf("%w: commit: %w", ErrIndexConsistency, err)
	}
	return err
}

// Close implements Index.
func (x *SQLiteIndex) Close() error {
	return x.pool.Close()
}

type sqliteTx struct {
	conn *sqlite.Conn
}

func (tx *sqliteTx) exec(query string, resultFn func(stmt *sqlite.Stmt) error, args ...any) error {
	err := sqlitex.Execute(tx.conn, query, &sqlitex.ExecOptions{
		Args:       args,
		ResultFunc: resultFn,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexConsistency, err)
	}
	return nil
}

func (tx *sqliteTx) AddChannel(key string) error {
	return tx.exec(`INSERT OR IGNORE INTO channels (key) VALUES (?)`, nil, key)
}

func (tx *sqliteTx) AddChannelEntry(key, hash string, t int64) error {
	if err := tx.AddChannel(key); err != nil {
		return err
	}
	return tx.exec(`INSERT OR IGNORE INTO channel_entries (key, hash, t) VALUES (?, ?, ?)`, nil, key, hash, t)
}

func (tx *sqliteTx) ListChannelEntries(key string) ([]ChannelEntry, error) {
	var entries []ChannelEntry
	err := tx.exec(`SELECT hash, t FROM channel_entries WHERE key = ? ORDER BY t, seq`,
		func(stmt *sqlite.Stmt) error {
			entries = append(entries, ChannelEntry{Hash: stmt.ColumnText(0), Time: stmt.ColumnInt64(1)})
			return nil
		}, key)
	return entries, err
}

func (tx *sqliteTx) SetChannelRoot(key, hash string) error {
	return tx.exec(`INSERT INTO channel_roots (key, hash) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET hash = excluded.hash`, nil, key, hash)
}

func (tx *sqliteTx) GetChannelRoot(key string) (string, bool, error) {
	var (
		hash  string
		found bool
	)
	err := tx.exec(`SELECT hash FROM channel_roots WHERE key = ?`,
		func(stmt *sqlite.Stmt) error {
			hash = stmt.ColumnText(0)
			found = true
			return nil
		}, key)
	return hash, found, err
}

func (tx *sqliteTx) ListChannels() ([]string, error) {
	var keys []string
	err := tx.exec(`SELECT key FROM channels ORDER BY key`,
		func(stmt *sqlite.Stmt) error {
			keys = append(keys, stmt.ColumnText(0))
			return nil
		})
	return keys, err
}

func (tx *sqliteTx) AddLink(from, to string) error {
	return tx.exec(`INSERT OR IGNORE INTO links (src, dst) VALUES (?, ?)`, nil, from, to)
}

func (tx *sqliteTx) LinksFrom(hash string) ([]string, error) {
	var targets []string
	err := tx.exec(`SELECT dst FROM links WHERE src = ? ORDER BY dst`,
		func(stmt *sqlite.Stmt) error {
			targets = append(targets, stmt.ColumnText(0))
			return nil
		}, hash)
	return targets, err
}

func (tx *sqliteTx) MarkFinished(hash string) error {
	return tx.exec(`INSERT OR IGNORE INTO finished (hash) VALUES (?)`, nil, hash)
}

func (tx *sqliteTx) IsFinished(hash string) (bool, error) {
	found := false
	err := tx.exec(`SELECT 1 FROM finished WHERE hash = ?`,
		func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		}, hash)
	return found, err
}

func (tx *sqliteTx) FindBlobsToFetch(roots []string) ([]string, error) {
	if len(roots) == 0 {
		return nil, nil
	}
	rootsJSON, err := json.Marshal(roots)
	if err != nil {
		return nil, err
	}
	var hashes []string
	err = tx.exec(closureQuery,
		func(stmt *sqlite.Stmt) error {
			hashes = append(hashes, stmt.ColumnText(0))
			return nil
		}, string(rootsJSON))
	return hashes, err
}
