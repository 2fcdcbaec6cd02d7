package store

import (
	"context"
	"database/sql"
)

const outboxColumns = `seq, id, chat_id, message_id, kind, payload, state, attempts,
	last_error, next_attempt_at, created_at, updated_at`

func scanOutbox(sc interface{ Scan(...any) error }) (*OutboxEntry, error) {
	var e OutboxEntry
	var kind, state, payload string
	if err := sc.Scan(&e.Seq, &e.ID, &e.ChatID, &e.MessageID, &kind, &payload, &state,
		&e.Attempts, &e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Kind = OutboxKind(kind)
	e.State = OutboxState(state)
	e.Payload = []byte(payload)
	return &e, nil
}

func (q *Queries) queryOutbox(ctx context.Context, query string, args ...any) ([]OutboxEntry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// InsertOutbox appends an entry and sets its sequence number.
func (q *Queries) InsertOutbox(ctx context.Context, e *OutboxEntry) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO outbox (id, chat_id, message_id, kind, payload, state, attempts,
			last_error, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ChatID, e.MessageID, string(e.Kind), string(e.Payload), string(e.State),
		e.Attempts, e.LastError, e.NextAttemptAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	e.Seq, err = res.LastInsertId()
	return err
}

// GetOutbox returns an entry by id.
func (q *Queries) GetOutbox(ctx context.Context, id string) (*OutboxEntry, error) {
	e, err := scanOutbox(q.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// OutboxHeads returns, for every chat, its oldest entry when that entry is
// pending and due at now. A failed head hides the rest of its chat.
func (q *Queries) OutboxHeads(ctx context.Context, now int64) ([]OutboxEntry, error) {
	return q.queryOutbox(ctx, `
		SELECT `+outboxColumns+` FROM outbox o
		WHERE o.seq = (SELECT MIN(seq) FROM outbox WHERE chat_id = o.chat_id)
		  AND o.state = 'pending' AND o.next_attempt_at <= ?
		ORDER BY o.seq`, now)
}

// ListOutbox returns every entry in creation order.
func (q *Queries) ListOutbox(ctx context.Context) ([]OutboxEntry, error) {
	return q.queryOutbox(ctx, `SELECT `+outboxColumns+` FROM outbox ORDER BY seq`)
}

// OutboxForMessage returns the entries referring to a message, oldest first.
func (q *Queries) OutboxForMessage(ctx context.Context, messageID string) ([]OutboxEntry, error) {
	return q.queryOutbox(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE message_id = ? ORDER BY seq`, messageID)
}

// UpdateOutboxAttempt persists the outcome of a delivery attempt.
func (q *Queries) UpdateOutboxAttempt(ctx context.Context, e *OutboxEntry) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE outbox SET state = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		string(e.State), e.Attempts, e.LastError, e.NextAttemptAt, e.UpdatedAt, e.ID)
	return err
}

// DeleteOutbox removes an entry. Reports whether it existed.
func (q *Queries) DeleteOutbox(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountOutbox returns the number of entries per state.
func (q *Queries) CountOutbox(ctx context.Context) (map[OutboxState]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM outbox GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[OutboxState]int{OutboxPending: 0, OutboxFailed: 0}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[OutboxState(state)] = n
	}
	return counts, rows.Err()
}
