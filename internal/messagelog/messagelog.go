// Package messagelog is the ordered, append-mostly log of messages per
// chat, with status, edit and delete markers and reactions.
package messagelog

import (
	"context"
	"strings"

	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/store"
	"go.uber.org/zap"
)

// DefaultPageSize is used when a page asks for no explicit limit.
const DefaultPageSize = 50

// Page selects a window of a chat's log. A nil Before starts at the newest
// message.
type Page struct {
	Before *store.Cursor
	Limit  int
}

// Log manages messages.
type Log struct {
	logger *zap.Logger
}

// New creates a message log.
func New(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Append adds a message to its chat. A message whose id is already stored
// is not written again and inserted is false; if the stored copy diverges
// the conflict is logged and the first version stays.
func (l *Log) Append(ctx context.Context, q *store.Queries, m *store.Message, now int64) (bool, error) {
	if m.ID == "" || m.ChatID == "" || m.SenderID == "" {
		return false, apperr.Invalid("message needs id, chat and sender")
	}
	if m.Text == "" && m.MediaRef == "" && !m.IsDeleted {
		return false, apperr.Invalid("message %q has neither text nor media", m.ID)
	}
	if m.Status == "" {
		m.Status = store.StatusSending
	}
	if !m.Status.Valid() {
		return false, apperr.Invalid("unknown message status %q", m.Status)
	}

	existing, err := q.GetMessage(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if diverges(existing, m) {
			l.logger.Warn("message conflict: keeping first seen version",
				zap.String("msg_id", m.ID),
				zap.String("chat_id", existing.ChatID),
				zap.String("rejected_chat_id", m.ChatID))
		}
		return false, nil
	}

	chat, err := q.GetChat(ctx, m.ChatID)
	if err != nil {
		return false, err
	}
	if chat == nil {
		return false, apperr.NotFound("chat", m.ChatID)
	}
	return q.InsertMessage(ctx, m, now)
}

func diverges(a, b *store.Message) bool {
	return a.ChatID != b.ChatID || a.SenderID != b.SenderID ||
		a.Timestamp != b.Timestamp || a.MediaRef != b.MediaRef ||
		(!a.IsEdited && !a.IsDeleted && !b.IsEdited && !b.IsDeleted && a.Text != b.Text)
}

// Get returns a message or NotFound.
func (l *Log) Get(ctx context.Context, q *store.Queries, id string) (*store.Message, error) {
	m, err := q.GetMessage(ctx, id)
	if err != nil {
		return nil, apperr.Storage("get message", err)
	}
	if m == nil {
		return nil, apperr.NotFound("message", id)
	}
	return m, nil
}

// AdvanceStatus moves a message to status if it ranks strictly above the
// current one. Lower or equal ranks are ignored.
func (l *Log) AdvanceStatus(ctx context.Context, q *store.Queries, id string, status store.MessageStatus) (bool, error) {
	if !status.Valid() {
		return false, apperr.Invalid("unknown message status %q", status)
	}
	if _, err := l.Get(ctx, q, id); err != nil {
		return false, err
	}
	return q.AdvanceMessageStatus(ctx, id, status)
}

// Edit replaces the text of a live message. Only its sender may edit it.
// at is the edit's clock: an edit older than the stored one is dropped and
// one carrying the same text is a no-op. Reports whether the message
// changed.
func (l *Log) Edit(ctx context.Context, q *store.Queries, actor, id, text string, at int64) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, apperr.Invalid("edit of %q has empty text", id)
	}
	m, err := l.Get(ctx, q, id)
	if err != nil {
		return false, err
	}
	if m.SenderID != actor {
		return false, apperr.Unauthorized(actor, "edit", id)
	}
	if m.IsDeleted {
		return false, apperr.NotFound("message", id)
	}
	if at < m.EditedAt || m.Text == text {
		return false, nil
	}
	if err := q.EditMessageText(ctx, id, text, at); err != nil {
		return false, err
	}
	return true, nil
}

// SoftDelete turns a message into a tombstone. Only its sender may delete
// it; deleting a tombstone is a no-op.
func (l *Log) SoftDelete(ctx context.Context, q *store.Queries, actor, id string, at int64) (bool, error) {
	m, err := l.Get(ctx, q, id)
	if err != nil {
		return false, err
	}
	if m.SenderID != actor {
		return false, apperr.Unauthorized(actor, "delete", id)
	}
	if m.IsDeleted {
		return false, nil
	}
	if err := q.TombstoneMessage(ctx, id, at); err != nil {
		return false, err
	}
	return true, nil
}

// Restore writes a snapshot's content back over the stored message.
func (l *Log) Restore(ctx context.Context, q *store.Queries, snap *store.Message) error {
	return q.RestoreMessageContent(ctx, snap)
}

// Purge drops a message that never reached the server. A message the
// server already confirmed is kept and Purge reports false.
func (l *Log) Purge(ctx context.Context, q *store.Queries, id string) (bool, error) {
	purged, err := q.PurgeMessage(ctx, id)
	if err != nil {
		return false, apperr.Storage("purge message", err)
	}
	return purged, nil
}

// AddReaction sets r.UserID's reaction on r.MessageID, replacing an
// earlier one.
func (l *Log) AddReaction(ctx context.Context, q *store.Queries, r *store.Reaction) (bool, error) {
	if r.Emoji == "" {
		return false, apperr.Invalid("reaction needs an emoji")
	}
	if _, err := l.Get(ctx, q, r.MessageID); err != nil {
		return false, err
	}
	return q.UpsertReaction(ctx, r)
}

// RemoveReaction drops userID's reaction. Removing an absent reaction is a
// no-op.
func (l *Log) RemoveReaction(ctx context.Context, q *store.Queries, messageID, userID string, at int64) (bool, error) {
	if _, err := l.Get(ctx, q, messageID); err != nil {
		return false, err
	}
	return q.DeleteReaction(ctx, messageID, userID, at)
}

// List returns a page of a chat's log in ascending order with reactions
// attached, plus the cursor of the page's oldest message for fetching the
// next page. next is nil once the start of the chat is reached.
func (l *Log) List(ctx context.Context, q *store.Queries, chatID string, p Page) (msgs []store.Message, next *store.Cursor, err error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	msgs, err = q.ListMessages(ctx, chatID, p.Before, limit)
	if err != nil {
		return nil, nil, apperr.Storage("list messages", err)
	}
	if err := l.attachReactions(ctx, q, msgs); err != nil {
		return nil, nil, err
	}
	if len(msgs) == limit {
		next = &store.Cursor{Timestamp: msgs[0].Timestamp, ID: msgs[0].ID}
	}
	return msgs, next, nil
}

// Search matches query as a case-insensitive substring of live message
// text.
func (l *Log) Search(ctx context.Context, q *store.Queries, query, chatID string, limit int) ([]store.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.Invalid("empty search query")
	}
	msgs, err := q.SearchMessages(ctx, query, chatID, limit)
	if err != nil {
		return nil, apperr.Storage("search messages", err)
	}
	if err := l.attachReactions(ctx, q, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (l *Log) attachReactions(ctx context.Context, q *store.Queries, msgs []store.Message) error {
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	byMsg, err := q.ReactionsFor(ctx, ids)
	if err != nil {
		return apperr.Storage("load reactions", err)
	}
	for i := range msgs {
		msgs[i].Reactions = byMsg[msgs[i].ID]
	}
	return nil
}
