package store

import (
	"context"
	"database/sql"
)

// GetSyncState reads a key from the sync_state table.
func (q *Queries) GetSyncState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSyncState writes a key to the sync_state table.
func (q *Queries) SetSyncState(ctx context.Context, key, value string, now int64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}
