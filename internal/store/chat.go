package store

import (
	"context"
	"database/sql"
)

const chatColumns = `c.id, c.is_group, c.last_message, c.last_message_time,
	c.last_message_sender_id, c.last_message_id, c.created_at`

func scanChat(sc interface{ Scan(...any) error }, c *Chat, extra ...any) error {
	dest := []any{&c.ID, &c.IsGroup, &c.LastMessage, &c.LastMessageTime,
		&c.LastMessageSenderID, &c.LastMessageID, &c.CreatedAt}
	return sc.Scan(append(dest, extra...)...)
}

// InsertChat creates a chat and its participant rows. key is the canonical
// participant key; a second chat with the same key violates the unique index.
func (q *Queries) InsertChat(ctx context.Context, c *Chat, key string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO chats (id, participant_key, is_group, created_at)
		VALUES (?, ?, ?, ?)`,
		c.ID, key, boolToInt(c.IsGroup), c.CreatedAt)
	if err != nil {
		return err
	}
	for _, p := range c.Participants {
		if _, err := q.db.ExecContext(ctx, `
			INSERT INTO chat_participants (chat_id, user_id) VALUES (?, ?)`, c.ID, p); err != nil {
			return err
		}
	}
	return nil
}

// GetChat returns a chat with its participants.
func (q *Queries) GetChat(ctx context.Context, id string) (*Chat, error) {
	return q.getChat(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.id = ?`, id)
}

// GetChatByKey returns the chat holding the given canonical participant key.
func (q *Queries) GetChatByKey(ctx context.Context, key string) (*Chat, error) {
	return q.getChat(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.participant_key = ?`, key)
}

func (q *Queries) getChat(ctx context.Context, query string, arg string) (*Chat, error) {
	var c Chat
	err := scanChat(q.db.QueryRowContext(ctx, query, arg), &c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Participants, err = q.ChatParticipants(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChatParticipants returns the participant ids of a chat in sorted order.
func (q *Queries) ChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY user_id`, chatID)
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

// TouchChat moves the chat summary forward. It only applies when the
// incoming time is not older than the stored one.
func (q *Queries) TouchChat(ctx context.Context, s ChatSummary) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE chats SET
			last_message = ?, last_message_time = ?,
			last_message_sender_id = ?, last_message_id = ?
		WHERE id = ? AND last_message_time <= ?
		  AND NOT (last_message_id = ? AND last_message = ? AND last_message_time = ?)`,
		s.Preview, s.Time, s.SenderID, s.MessageID, s.ChatID, s.Time,
		s.MessageID, s.Preview, s.Time)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetChatSummary overwrites the chat summary unconditionally.
func (q *Queries) SetChatSummary(ctx context.Context, s ChatSummary) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE chats SET
			last_message = ?, last_message_time = ?,
			last_message_sender_id = ?, last_message_id = ?
		WHERE id = ?`,
		s.Preview, s.Time, s.SenderID, s.MessageID, s.ChatID)
	return err
}

// ListChatsFor returns the chats viewer participates in, newest activity
// first, with unread counts and counterpart presence from viewer's side.
func (q *Queries) ListChatsFor(ctx context.Context, viewer string) ([]Chat, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+chatColumns+`,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.chat_id = c.id AND m.sender_id <> ?1 AND m.is_deleted = 0
			   AND NOT EXISTS (SELECT 1 FROM read_receipts r WHERE r.message_id = m.id AND r.user_id = ?1)),
			CASE WHEN c.is_group = 0 THEN COALESCE(
				(SELECT u.status FROM chat_participants cp JOIN users u ON u.id = cp.user_id
				 WHERE cp.chat_id = c.id AND cp.user_id <> ?1 LIMIT 1), 'offline')
			ELSE '' END
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id AND p.user_id = ?1
		ORDER BY c.last_message_time DESC, c.id ASC`, viewer)
	if err != nil {
		return nil, err
	}

	var chats []Chat
	for rows.Next() {
		var c Chat
		var status string
		if err := scanChat(rows, &c, &c.UnreadCount, &status); err != nil {
			_ = rows.Close()
			return nil, err
		}
		c.ChatStatus = UserStatus(status)
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	members, err := q.participantsFor(ctx, viewer)
	if err != nil {
		return nil, err
	}
	for i := range chats {
		chats[i].Participants = members[chats[i].ID]
	}
	return chats, nil
}

func (q *Queries) participantsFor(ctx context.Context, viewer string) (map[string][]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT chat_id, user_id FROM chat_participants
		WHERE chat_id IN (SELECT chat_id FROM chat_participants WHERE user_id = ?)
		ORDER BY chat_id, user_id`, viewer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	members := make(map[string][]string)
	for rows.Next() {
		var chatID, userID string
		if err := rows.Scan(&chatID, &userID); err != nil {
			return nil, err
		}
		members[chatID] = append(members[chatID], userID)
	}
	return members, rows.Err()
}

// UnreadCount counts live messages in chatID not sent by userID and not yet
// read by userID.
func (q *Queries) UnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.chat_id = ? AND m.sender_id <> ? AND m.is_deleted = 0
		  AND NOT EXISTS (SELECT 1 FROM read_receipts r WHERE r.message_id = m.id AND r.user_id = ?)`,
		chatID, userID, userID).Scan(&n)
	return n, err
}
