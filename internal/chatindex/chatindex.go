// Package chatindex maps chats to their participants and keeps the
// denormalized last-message summary used by chat lists.
package chatindex

import (
	"context"
	"encoding/json"
	"html"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// PreviewRunes is the maximum length of a chat list preview.
const PreviewRunes = 100

// MediaPreview stands in for media-only messages.
const MediaPreview = "[media]"

// Index manages chats.
type Index struct {
	logger *zap.Logger
	policy *bluemonday.Policy
	now    func() time.Time
}

// New creates a chat index.
func New(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		logger: logger,
		policy: bluemonday.StrictPolicy(),
		now:    time.Now,
	}
}

// Normalize sorts and de-duplicates participant ids. It fails when fewer
// than two distinct, non-empty ids remain.
func Normalize(participants []string) ([]string, error) {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, apperr.Invalid("empty participant id")
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) < 2 {
		return nil, apperr.Invalid("a chat needs at least 2 distinct participants, got %d", len(out))
	}
	sort.Strings(out)
	return out, nil
}

// Key returns the canonical key of an already normalized participant set.
func Key(normalized []string) string {
	b, _ := json.Marshal(normalized)
	return string(b)
}

// Create returns the chat for the participant set, creating it under a new
// id when none exists. created is false when an existing chat is returned.
func (x *Index) Create(ctx context.Context, q *store.Queries, participants []string) (*store.Chat, bool, error) {
	return x.CreateWithID(ctx, q, uuid.NewString(), participants, x.now().UnixMilli())
}

// CreateWithID is Create with a caller-chosen id, used for chats announced
// by the server. If the id or the participant set is already known the
// existing chat wins and created is false.
func (x *Index) CreateWithID(ctx context.Context, q *store.Queries, id string, participants []string, createdAt int64) (*store.Chat, bool, error) {
	if id == "" {
		return nil, false, apperr.Invalid("chat id is required")
	}
	norm, err := Normalize(participants)
	if err != nil {
		return nil, false, err
	}
	key := Key(norm)

	existing, err := q.GetChatByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.ID != id {
			x.logger.Warn("chat conflict: participant set already indexed, keeping first",
				zap.String("chat_id", existing.ID), zap.String("rejected_id", id))
		}
		return existing, false, nil
	}
	byID, err := q.GetChat(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if byID != nil {
		x.logger.Warn("chat conflict: id reused for a different participant set, keeping first",
			zap.String("chat_id", id), zap.Strings("participants", norm))
		return byID, false, nil
	}

	c := &store.Chat{
		ID:           id,
		Participants: norm,
		IsGroup:      len(norm) > 2,
		CreatedAt:    createdAt,
	}
	if err := q.InsertChat(ctx, c, key); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Get returns a chat or NotFound.
func (x *Index) Get(ctx context.Context, q *store.Queries, id string) (*store.Chat, error) {
	c, err := q.GetChat(ctx, id)
	if err != nil {
		return nil, apperr.Storage("get chat", err)
	}
	if c == nil {
		return nil, apperr.NotFound("chat", id)
	}
	return c, nil
}

// Preview renders the chat list text for a message.
func (x *Index) Preview(m *store.Message) string {
	if m.IsDeleted {
		return ""
	}
	text := html.UnescapeString(x.policy.Sanitize(m.Text))
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		if m.MediaRef != "" {
			return MediaPreview
		}
		return ""
	}
	if utf8.RuneCountInString(text) > PreviewRunes {
		r := []rune(text)
		text = string(r[:PreviewRunes])
	}
	return text
}

func (x *Index) summary(m *store.Message) store.ChatSummary {
	return store.ChatSummary{
		ChatID:    m.ChatID,
		Preview:   x.Preview(m),
		Time:      m.Timestamp,
		SenderID:  m.SenderID,
		MessageID: m.ID,
	}
}

// Touch moves the chat summary to m unless the chat already shows a newer
// message. Reports whether the summary changed.
func (x *Index) Touch(ctx context.Context, q *store.Queries, m *store.Message) (bool, error) {
	return q.TouchChat(ctx, x.summary(m))
}

// Retouch recomputes the summary after m changed in place. Nothing happens
// unless m is the message the summary currently shows.
func (x *Index) Retouch(ctx context.Context, q *store.Queries, m *store.Message) (bool, error) {
	c, err := q.GetChat(ctx, m.ChatID)
	if err != nil {
		return false, err
	}
	if c == nil || c.LastMessageID != m.ID {
		return false, nil
	}
	latest, err := q.LatestMessage(ctx, m.ChatID)
	if err != nil {
		return false, err
	}
	s := store.ChatSummary{ChatID: m.ChatID}
	if latest != nil {
		s = x.summary(latest)
	}
	if s.Preview == c.LastMessage && s.MessageID == c.LastMessageID && s.Time == c.LastMessageTime {
		return false, nil
	}
	return true, q.SetChatSummary(ctx, s)
}

// List returns the chats viewer takes part in, most recent first.
func (x *Index) List(ctx context.Context, q *store.Queries, viewer string) ([]store.Chat, error) {
	chats, err := q.ListChatsFor(ctx, viewer)
	if err != nil {
		return nil, apperr.Storage("list chats", err)
	}
	return chats, nil
}

// UnreadCount returns how many live messages in chatID userID has not read.
func (x *Index) UnreadCount(ctx context.Context, q *store.Queries, chatID, userID string) (int, error) {
	if _, err := x.Get(ctx, q, chatID); err != nil {
		return 0, err
	}
	n, err := q.UnreadCount(ctx, chatID, userID)
	if err != nil {
		return 0, apperr.Storage("unread count", err)
	}
	return n, nil
}
