// Package receipts tracks which users have seen which messages.
//
// A message becomes read once every participant of its chat other than the
// sender holds a receipt for it. In a 1:1 chat that is the counterpart.
package receipts

import (
	"context"

	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/store"
	"go.uber.org/zap"
)

// Tracker records read receipts.
type Tracker struct {
	logger *zap.Logger
}

// New creates a read tracker.
func New(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{logger: logger}
}

// Result lists what a MarkRead call changed.
type Result struct {
	// Marked holds messages that got a new receipt from the reader.
	Marked []string
	// Read holds messages whose status advanced to read.
	Read []string
}

// MarkRead records that userID has seen every message of chatID sent by
// someone else, up to and including uptoID. An empty uptoID covers the
// whole chat as it stands now. Calling it again is a no-op.
func (t *Tracker) MarkRead(ctx context.Context, q *store.Queries, userID, chatID, uptoID string, at int64) (*Result, error) {
	chat, err := q.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, apperr.NotFound("chat", chatID)
	}
	if !isParticipant(chat, userID) {
		return nil, apperr.Unauthorized(userID, "mark read in", chatID)
	}

	var upto *store.Cursor
	if uptoID != "" {
		m, err := q.GetMessage(ctx, uptoID)
		if err != nil {
			return nil, err
		}
		if m == nil || m.ChatID != chatID {
			return nil, apperr.NotFound("message", uptoID)
		}
		upto = &store.Cursor{Timestamp: m.Timestamp, ID: m.ID}
	}

	ids, err := q.UnreadMessageIDs(ctx, chatID, userID, upto)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, id := range ids {
		added, err := q.InsertReceipt(ctx, id, userID, at)
		if err != nil {
			return nil, err
		}
		if !added {
			continue
		}
		res.Marked = append(res.Marked, id)

		outstanding, err := q.OutstandingReaders(ctx, id)
		if err != nil {
			return nil, err
		}
		if outstanding > 0 {
			continue
		}
		advanced, err := q.AdvanceMessageStatus(ctx, id, store.StatusRead)
		if err != nil {
			return nil, err
		}
		if advanced {
			res.Read = append(res.Read, id)
		}
	}
	if len(res.Marked) > 0 {
		t.logger.Debug("messages marked read",
			zap.String("chat_id", chatID), zap.String("user_id", userID),
			zap.Int("marked", len(res.Marked)), zap.Int("read", len(res.Read)))
	}
	return res, nil
}

// ReadBy returns the users that have seen messageID.
func (t *Tracker) ReadBy(ctx context.Context, q *store.Queries, messageID string) ([]string, error) {
	m, err := q.GetMessage(ctx, messageID)
	if err != nil {
		return nil, apperr.Storage("get message", err)
	}
	if m == nil {
		return nil, apperr.NotFound("message", messageID)
	}
	ids, err := q.ReadBy(ctx, messageID)
	if err != nil {
		return nil, apperr.Storage("read by", err)
	}
	return ids, nil
}

func isParticipant(c *store.Chat, userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
