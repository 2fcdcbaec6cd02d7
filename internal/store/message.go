package store

import (
	"context"
	"database/sql"
	"math"
)

const messageColumns = `m.id, m.chat_id, m.sender_id, m.text, m.media_ref, m.media_kind,
	m.timestamp, m.status, m.is_edited, m.edited_at, m.is_deleted, m.deleted_at,
	m.original_text, m.response_to, m.response_id, m.response_text,
	m.forwarded_from, m.server_timestamp,
	EXISTS (SELECT 1 FROM outbox o WHERE o.message_id = m.id AND o.kind = 'send' AND o.state = 'failed')`

func scanMessage(sc interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var status string
	var original sql.NullString
	if err := sc.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Text, &m.MediaRef, &m.MediaKind,
		&m.Timestamp, &status, &m.IsEdited, &m.EditedAt, &m.IsDeleted, &m.DeletedAt,
		&original, &m.ResponseTo, &m.ResponseID, &m.ResponseText,
		&m.ForwardedFrom, &m.ServerTimestamp, &m.DeliveryFailed); err != nil {
		return nil, err
	}
	m.Status = MessageStatus(status)
	if original.Valid {
		s := original.String
		m.OriginalText = &s
	}
	return &m, nil
}

func (q *Queries) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// InsertMessage stores a new message. A row with the same id is left
// untouched and the call reports false.
func (q *Queries) InsertMessage(ctx context.Context, m *Message, now int64) (bool, error) {
	var original any
	if m.OriginalText != nil {
		original = *m.OriginalText
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, text, original_text, media_ref, media_kind,
			timestamp, status, is_edited, edited_at, is_deleted, deleted_at,
			response_to, response_id, response_text, forwarded_from, server_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ChatID, m.SenderID, m.Text, original, m.MediaRef, m.MediaKind,
		m.Timestamp, string(m.Status), boolToInt(m.IsEdited), m.EditedAt,
		boolToInt(m.IsDeleted), m.DeletedAt,
		m.ResponseTo, m.ResponseID, m.ResponseText, m.ForwardedFrom, m.ServerTimestamp, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetMessage returns a message by id.
func (q *Queries) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(q.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// AdvanceMessageStatus sets the status only if it ranks strictly above the
// stored one.
func (q *Queries) AdvanceMessageStatus(ctx context.Context, id string, status MessageStatus) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE messages SET status = ?
		WHERE id = ? AND (CASE status
			WHEN 'sending' THEN 0 WHEN 'sent' THEN 1
			WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 END) < ?`,
		string(status), id, status.Rank())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetServerTimestamp records the server's clock for an acknowledged message.
func (q *Queries) SetServerTimestamp(ctx context.Context, id string, ts int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE messages SET server_timestamp = ? WHERE id = ?`, ts, id)
	return err
}

// EditMessageText replaces the text and marks the message edited. The
// first pre-edit text is kept in original_text.
func (q *Queries) EditMessageText(ctx context.Context, id, text string, editedAt int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE messages SET
			original_text = COALESCE(original_text, text),
			text = ?, is_edited = 1, edited_at = ?
		WHERE id = ?`, text, editedAt, id)
	return err
}

// TombstoneMessage soft-deletes a message, keeping its text in
// original_text.
func (q *Queries) TombstoneMessage(ctx context.Context, id string, deletedAt int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE messages SET
			original_text = COALESCE(original_text, text),
			text = '', media_ref = '', media_kind = '',
			is_deleted = 1, deleted_at = ?
		WHERE id = ?`, deletedAt, id)
	return err
}

// RestoreMessageContent writes back the mutable content fields from a
// snapshot of the same message.
func (q *Queries) RestoreMessageContent(ctx context.Context, snap *Message) error {
	var original any
	if snap.OriginalText != nil {
		original = *snap.OriginalText
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE messages SET
			text = ?, original_text = ?, media_ref = ?, media_kind = ?,
			is_edited = ?, edited_at = ?, is_deleted = ?, deleted_at = ?
		WHERE id = ?`,
		snap.Text, original, snap.MediaRef, snap.MediaKind,
		boolToInt(snap.IsEdited), snap.EditedAt, boolToInt(snap.IsDeleted), snap.DeletedAt,
		snap.ID)
	return err
}

// PurgeMessage physically removes a message that never left the device,
// along with its reactions and receipts. A message the server has seen is
// left untouched. Reports whether the message was removed.
func (q *Queries) PurgeMessage(ctx context.Context, id string) (bool, error) {
	var status string
	err := q.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if MessageStatus(status) != StatusSending {
		return false, nil
	}
	for _, stmt := range []string{
		`DELETE FROM reactions WHERE message_id = ?`,
		`DELETE FROM reaction_removals WHERE message_id = ?`,
		`DELETE FROM read_receipts WHERE message_id = ?`,
		`DELETE FROM messages WHERE id = ?`,
	} {
		if _, err := q.db.ExecContext(ctx, stmt, id); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ListMessages returns up to limit messages of a chat that sort before the
// cursor, oldest first. A nil cursor starts from the newest message.
func (q *Queries) ListMessages(ctx context.Context, chatID string, before *Cursor, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []Message
	var err error
	if before == nil {
		msgs, err = q.queryMessages(ctx, `
			SELECT `+messageColumns+` FROM messages m
			WHERE m.chat_id = ?
			ORDER BY m.timestamp DESC, m.id DESC
			LIMIT ?`, chatID, limit)
	} else {
		msgs, err = q.queryMessages(ctx, `
			SELECT `+messageColumns+` FROM messages m
			WHERE m.chat_id = ? AND (m.timestamp < ? OR (m.timestamp = ? AND m.id < ?))
			ORDER BY m.timestamp DESC, m.id DESC
			LIMIT ?`, chatID, before.Timestamp, before.Timestamp, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LatestMessage returns the last message of a chat in log order.
func (q *Queries) LatestMessage(ctx context.Context, chatID string) (*Message, error) {
	m, err := scanMessage(q.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.chat_id = ?
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT 1`, chatID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UnreadMessageIDs returns ids of messages in chatID, at or before the
// cursor, that reader did not send and has no receipt for yet. A nil cursor
// covers the whole chat.
func (q *Queries) UnreadMessageIDs(ctx context.Context, chatID, reader string, upto *Cursor) ([]string, error) {
	ts, id := int64(math.MaxInt64), "\U0010FFFF"
	if upto != nil {
		ts, id = upto.Timestamp, upto.ID
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT m.id FROM messages m
		WHERE m.chat_id = ? AND m.sender_id <> ?
		  AND (m.timestamp < ? OR (m.timestamp = ? AND m.id <= ?))
		  AND NOT EXISTS (SELECT 1 FROM read_receipts r WHERE r.message_id = m.id AND r.user_id = ?)
		ORDER BY m.timestamp, m.id`, chatID, reader, ts, ts, id, reader)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var mid string
		if err := rows.Scan(&mid); err != nil {
			return nil, err
		}
		ids = append(ids, mid)
	}
	return ids, rows.Err()
}
