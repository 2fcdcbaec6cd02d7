package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/matheus3301/chatcore/internal/apperr"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for the session's chat.db.
// Reads may run concurrently; writes go through InTx, which admits one
// writer at a time.
type DB struct {
	*sql.DB

	writeMu sync.Mutex
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// Queries returns a query set bound to the connection pool. Each call reads
// a committed snapshot.
func (db *DB) Queries() *Queries {
	return New(db.DB)
}

// InTx runs fn inside a single write transaction. The transaction commits
// only if fn returns nil. Errors that are not already classified are
// reported as storage failures.
func (db *DB) InTx(ctx context.Context, fn func(q *Queries) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(New(tx)); err != nil {
		if apperr.IsClassified(err) {
			return err
		}
		return apperr.Storage("tx", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Storage("commit", err)
	}
	return nil
}

// QuickCheck runs SQLite's integrity check. Any answer other than "ok"
// means the file is damaged.
func (db *DB) QuickCheck(ctx context.Context) error {
	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&result); err != nil {
		return apperr.Storage("quick_check", err)
	}
	if result != "ok" {
		return apperr.Storage("quick_check", fmt.Errorf("database corrupt: %s", result))
	}
	return nil
}
