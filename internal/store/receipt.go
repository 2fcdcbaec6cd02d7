package store

import "context"

// InsertReceipt records that userID has seen messageID. Reports false when
// the receipt already existed.
func (q *Queries) InsertReceipt(ctx context.Context, messageID, userID string, at int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO read_receipts (message_id, user_id, read_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id) DO NOTHING`, messageID, userID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReadBy returns the users with a receipt for messageID, sorted.
func (q *Queries) ReadBy(ctx context.Context, messageID string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id FROM read_receipts WHERE message_id = ? ORDER BY user_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OutstandingReaders counts participants of the message's chat, other than
// its sender, that have not read it.
func (q *Queries) OutstandingReaders(ctx context.Context, messageID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		JOIN chat_participants p ON p.chat_id = m.chat_id AND p.user_id <> m.sender_id
		WHERE m.id = ?
		  AND NOT EXISTS (SELECT 1 FROM read_receipts r WHERE r.message_id = m.id AND r.user_id = p.user_id)`,
		messageID).Scan(&n)
	return n, err
}
