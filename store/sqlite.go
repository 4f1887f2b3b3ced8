package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DiskFile is the database file created inside the store directory.
const DiskFile = "cloudstate.db"

const schema = `CREATE TABLE IF NOT EXISTS entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// SQLiteStore keeps every key in a single sqlite table. It backs both the
// durable disk store and the volatile memory store.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// OpenDisk opens (creating if needed) the durable store rooted at dir.
func OpenDisk(ctx context.Context, dir string) (*SQLiteStore, error) {
	if dir == "" {
		dir = "cloudstate"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storeErr("open", "", fmt.Errorf("creating store directory: %w", err))
	}
	dbPath := filepath.Join(dir, DiskFile)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open", "", fmt.Errorf("opening database: %w", err))
	}
	return initSQLite(ctx, db, dbPath)
}

// OpenMemory opens a private in-memory store. Its contents are lost when
// the store is closed or the process exits.
func OpenMemory(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, storeErr("open", "", fmt.Errorf("opening database: %w", err))
	}
	// Every connection to :memory: is a separate database, so keep exactly
	// one and never let the pool recycle it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	return initSQLite(ctx, db, ":memory:")
}

func initSQLite(ctx context.Context, db *sql.DB, dbPath string) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, storeErr("open", "", fmt.Errorf("creating table: %w", err))
	}
	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path, or ":memory:".
func (s *SQLiteStore) Path() string { return s.dbPath }

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Begin starts a transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (Txn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", "", err)
	}
	return &sqliteTxn{ctx: ctx, tx: tx}, nil
}

type sqliteTxn struct {
	ctx  context.Context
	tx   *sql.Tx
	done bool
}

func (t *sqliteTxn) get(key string) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrTxnDone
	}
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, "SELECT value FROM entries WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, storeErr("get", key, err)
	}
	return value, true, nil
}

func (t *sqliteTxn) put(key string, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	_, err := t.tx.ExecContext(t.ctx, "INSERT OR REPLACE INTO entries (key, value) VALUES (?, ?)", key, value)
	return storeErr("put", key, err)
}

// scan returns key suffix -> value for every key under prefix.
func (t *sqliteTxn) scan(prefix string) ([]string, [][]byte, error) {
	if t.done {
		return nil, nil, ErrTxnDone
	}
	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT key, value FROM entries WHERE key >= ? AND key < ? ORDER BY key",
		prefix, prefixEnd(prefix))
	if err != nil {
		return nil, nil, storeErr("scan", prefix, err)
	}
	defer rows.Close()

	var keys []string
	var values [][]byte
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, nil, storeErr("scan", prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(key, prefix))
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, storeErr("scan", prefix, err)
	}
	return keys, values, nil
}

func (t *sqliteTxn) GetObject(namespace, id string) ([]byte, bool, error) {
	return t.get(ObjectKey(namespace, id))
}

func (t *sqliteTxn) PutObject(namespace, id string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return t.put(ObjectKey(namespace, id), value)
}

func (t *sqliteTxn) GetRoot(namespace, alias string) (string, bool, error) {
	value, ok, err := t.get(RootKey(namespace, alias))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(value), true, nil
}

func (t *sqliteTxn) PutRoot(namespace, alias, id string) error {
	return t.put(RootKey(namespace, alias), []byte(id))
}

func (t *sqliteTxn) ListObjects(namespace string) ([]string, error) {
	ids, _, err := t.scan(ObjectPrefix(namespace))
	return ids, err
}

func (t *sqliteTxn) ListRoots(namespace string) (map[string]string, error) {
	aliases, ids, err := t.scan(RootPrefix(namespace))
	if err != nil {
		return nil, err
	}
	roots := make(map[string]string, len(aliases))
	for i, alias := range aliases {
		roots[alias] = string(ids[i])
	}
	return roots, nil
}

func (t *sqliteTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	return storeErr("commit", "", t.tx.Commit())
}

func (t *sqliteTxn) Rollback() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	return storeErr("rollback", "", t.tx.Rollback())
}
