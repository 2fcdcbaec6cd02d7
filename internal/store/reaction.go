package store

import (
	"context"
	"database/sql"
	"strings"
)

// UpsertReaction sets a user's reaction on a message, replacing any earlier
// one. A stored reaction with a newer clock wins; an identical emoji at
// any clock is not rewritten. A reaction no newer than the user's last
// removal on the message is ignored. Reports whether the row changed.
func (q *Queries) UpsertReaction(ctx context.Context, r *Reaction) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO reactions (id, message_id, user_id, emoji, created_at)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM reaction_removals
			WHERE message_id = ? AND user_id = ? AND removed_at >= ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET
			id = excluded.id, emoji = excluded.emoji, created_at = excluded.created_at
		WHERE excluded.created_at >= reactions.created_at AND excluded.emoji <> reactions.emoji`,
		r.ID, r.MessageID, r.UserID, r.Emoji, r.CreatedAt,
		r.MessageID, r.UserID, r.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteReaction removes a user's reaction unless it was set after at, and
// records at as the removal clock so an older add arriving later stays
// removed. Reports whether a reaction was removed.
func (q *Queries) DeleteReaction(ctx context.Context, messageID, userID string, at int64) (bool, error) {
	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO reaction_removals (message_id, user_id, removed_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET removed_at = excluded.removed_at
		WHERE excluded.removed_at > reaction_removals.removed_at`,
		messageID, userID, at); err != nil {
		return false, err
	}
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND created_at <= ?`,
		messageID, userID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReactionRemovedAt returns the removal clock of a user's reaction on a
// message, or 0 when it was never removed.
func (q *Queries) ReactionRemovedAt(ctx context.Context, messageID, userID string) (int64, error) {
	var at int64
	err := q.db.QueryRowContext(ctx, `
		SELECT removed_at FROM reaction_removals WHERE message_id = ? AND user_id = ?`,
		messageID, userID).Scan(&at)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return at, err
}

// ResetReaction overwrites a user's reaction with r, or clears it when r is
// nil, without consulting or recording clocks. It is used to rebuild local
// state from outbox snapshots.
func (q *Queries) ResetReaction(ctx context.Context, messageID, userID string, r *Reaction) error {
	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM reactions WHERE message_id = ? AND user_id = ?`, messageID, userID); err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reactions (id, message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, messageID, userID, r.Emoji, r.CreatedAt)
	return err
}

// ClearReactionRemoval forgets the removal clock of a user's reaction.
func (q *Queries) ClearReactionRemoval(ctx context.Context, messageID, userID string) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM reaction_removals WHERE message_id = ? AND user_id = ?`, messageID, userID)
	return err
}

// GetReaction returns a user's reaction on a message.
func (q *Queries) GetReaction(ctx context.Context, messageID, userID string) (*Reaction, error) {
	var r Reaction
	err := q.db.QueryRowContext(ctx, `
		SELECT id, message_id, user_id, emoji, created_at FROM reactions
		WHERE message_id = ? AND user_id = ?`, messageID, userID).
		Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReactionsFor returns the reactions of the given messages keyed by message
// id, each list ordered by creation time.
func (q *Queries) ReactionsFor(ctx context.Context, messageIDs []string) (map[string][]Reaction, error) {
	out := make(map[string][]Reaction)
	if len(messageIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, message_id, user_id, emoji, created_at FROM reactions
		WHERE message_id IN (?`+strings.Repeat(",?", len(messageIDs)-1)+`)
		ORDER BY created_at, user_id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	return out, rows.Err()
}
