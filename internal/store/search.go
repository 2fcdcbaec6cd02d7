package store

import (
	"context"
	"strings"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMessages returns live messages whose text contains query,
// case-insensitively, newest first. An empty chatID searches every chat.
func (q *Queries) SearchMessages(ctx context.Context, query, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	stmt := `
		SELECT ` + messageColumns + ` FROM messages m
		WHERE m.is_deleted = 0 AND m.text LIKE ? ESCAPE '\'`
	args := []any{"%" + likeEscaper.Replace(query) + "%"}
	if chatID != "" {
		stmt += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	stmt += " ORDER BY m.timestamp DESC, m.id DESC LIMIT ?"
	args = append(args, limit)

	return q.queryMessages(ctx, stmt, args...)
}
