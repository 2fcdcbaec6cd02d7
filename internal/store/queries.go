package store

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every statement the core issues. Lookups of a single row
// return (nil, nil) when the row does not exist.
type Queries struct {
	db DBTX
}

// New binds a query set to a connection or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
