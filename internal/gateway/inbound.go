package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/transport"
	"go.uber.org/zap"
)

const chatDeferPrefix = "chat:"

// HandleEvent implements transport.Handler. Applying the same event twice,
// or a set of events in any order, converges to the same state. Events the
// store rejects are logged and dropped; only storage failures are returned.
func (g *Gateway) HandleEvent(ctx context.Context, e transport.Event) error {
	if err := g.ready(); err != nil {
		return err
	}
	var result string
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		var err error
		result, err = g.apply(ctx, q, fx, e)
		return err
	})
	return g.settle(e, result, err)
}

// ApplyBatch applies a history batch in a single transaction and returns
// how many events changed the store.
func (g *Gateway) ApplyBatch(ctx context.Context, events []transport.Event) (int, error) {
	if err := g.ready(); err != nil {
		return 0, err
	}
	applied := 0
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		applied = 0
		for _, e := range events {
			result, err := g.apply(ctx, q, fx, e)
			if err = g.settle(e, result, err); err != nil {
				return err
			}
			if result == metrics.ResultApplied {
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	g.logger.Info("history batch applied", zap.Int("events", len(events)), zap.Int("applied", applied))
	return applied, nil
}

// settle records the outcome of one event and decides whether its error
// propagates.
func (g *Gateway) settle(e transport.Event, result string, err error) error {
	switch {
	case err == nil:
		g.metrics.Inbound(string(e.Kind), result)
		return nil
	case rejected(err):
		g.metrics.Inbound(string(e.Kind), metrics.ResultRejected)
		g.logger.Warn("inbound event rejected",
			zap.String("kind", string(e.Kind)), zap.String("chat_id", e.ChatID),
			zap.String("msg_id", e.MessageID), zap.String("actor_id", e.ActorID), zap.Error(err))
		return nil
	default:
		g.metrics.Inbound(string(e.Kind), metrics.ResultError)
		return err
	}
}

func rejected(err error) bool {
	return errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrUnauthorized) ||
		errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrInvalid)
}

func outcome(changed bool) string {
	if changed {
		return metrics.ResultApplied
	}
	return metrics.ResultEcho
}

func (g *Gateway) apply(ctx context.Context, q *store.Queries, fx *effects, e transport.Event) (string, error) {
	if e.ActorID == "" {
		return "", apperr.Invalid("%s event without actor", e.Kind)
	}
	if e.Kind != transport.PresenceChanged && e.ChatID == "" {
		return "", apperr.Invalid("%s event without chat", e.Kind)
	}
	switch e.Kind {
	case transport.ChatCreated:
		return g.applyChat(ctx, q, fx, e)
	case transport.PresenceChanged:
		return g.applyPresence(ctx, q, fx, e)
	}

	if e.MessageID == "" && e.Kind != transport.ReadReceipt {
		return "", apperr.Invalid("%s event without message", e.Kind)
	}
	chat, err := q.GetChat(ctx, e.ChatID)
	if err != nil {
		return "", err
	}
	if chat == nil {
		return g.park(ctx, q, chatDeferPrefix+e.ChatID, e)
	}
	if err := g.users.Ensure(ctx, q, e.ActorID); err != nil {
		return "", err
	}
	if e.Kind == transport.NewMessage {
		return g.applyMessage(ctx, q, fx, e)
	}
	if e.MessageID != "" {
		m, err := q.GetMessage(ctx, e.MessageID)
		if err != nil {
			return "", err
		}
		if m == nil {
			return g.park(ctx, q, e.MessageID, e)
		}
		if m.ChatID != e.ChatID {
			return "", apperr.Invalid("message %q belongs to chat %q, not %q", m.ID, m.ChatID, e.ChatID)
		}
	}

	switch e.Kind {
	case transport.MessageStatusChanged:
		var p transport.StatusPayload
		if err := e.Decode(&p); err != nil {
			return "", err
		}
		changed, err := g.messages.AdvanceStatus(ctx, q, e.MessageID, store.MessageStatus(p.Status))
		if err != nil || !changed {
			return outcome(changed), err
		}
		fx.message(bus.MessageStatusChanged, e.ChatID, e.MessageID)
		return metrics.ResultApplied, nil

	case transport.MessageEdited:
		var p transport.EditPayload
		if err := e.Decode(&p); err != nil {
			return "", err
		}
		at := p.EditedAt
		if at == 0 {
			at = e.ServerTimestamp
		}
		changed, err := g.messages.Edit(ctx, q, e.ActorID, e.MessageID, p.Text, at)
		if err != nil || !changed {
			return outcome(changed), err
		}
		return g.retouched(ctx, q, fx, e)

	case transport.MessageDeleted:
		changed, err := g.messages.SoftDelete(ctx, q, e.ActorID, e.MessageID, e.ServerTimestamp)
		if err != nil || !changed {
			return outcome(changed), err
		}
		return g.retouched(ctx, q, fx, e)

	case transport.ReactionAdded:
		var p transport.ReactionPayload
		if err := e.Decode(&p); err != nil {
			return "", err
		}
		r := &store.Reaction{
			ID:        p.ReactionID,
			MessageID: e.MessageID,
			UserID:    e.ActorID,
			Emoji:     p.Emoji,
			CreatedAt: p.CreatedAt,
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt == 0 {
			r.CreatedAt = e.ServerTimestamp
		}
		changed, err := g.messages.AddReaction(ctx, q, r)
		if err != nil || !changed {
			return outcome(changed), err
		}
		fx.message(bus.MessageReaction, e.ChatID, e.MessageID)
		return metrics.ResultApplied, nil

	case transport.ReactionRemoved:
		at := e.ServerTimestamp
		var p transport.ReactionPayload
		if len(e.Payload) > 0 {
			if err := e.Decode(&p); err != nil {
				return "", err
			}
			if p.CreatedAt > 0 {
				at = p.CreatedAt
			}
		}
		changed, err := g.messages.RemoveReaction(ctx, q, e.MessageID, e.ActorID, at)
		if err != nil || !changed {
			return outcome(changed), err
		}
		fx.message(bus.MessageReaction, e.ChatID, e.MessageID)
		return metrics.ResultApplied, nil

	case transport.ReadReceipt:
		at := e.ServerTimestamp
		var p transport.ReadPayload
		if len(e.Payload) > 0 {
			if err := e.Decode(&p); err != nil {
				return "", err
			}
			if p.ReadAt > 0 {
				at = p.ReadAt
			}
		}
		res, err := g.receipts.MarkRead(ctx, q, e.ActorID, e.ChatID, e.MessageID, at)
		if err != nil {
			return "", err
		}
		for _, id := range res.Read {
			fx.message(bus.MessageStatusChanged, e.ChatID, id)
		}
		if len(res.Marked) == 0 {
			return metrics.ResultEcho, nil
		}
		fx.chat(e.ChatID)
		return metrics.ResultApplied, nil
	}
	return "", apperr.Invalid("unknown event kind %q", e.Kind)
}

func (g *Gateway) retouched(ctx context.Context, q *store.Queries, fx *effects, e transport.Event) (string, error) {
	m, err := q.GetMessage(ctx, e.MessageID)
	if err != nil {
		return "", err
	}
	if _, err := g.chats.Retouch(ctx, q, m); err != nil {
		return "", err
	}
	fx.message(bus.MessageUpserted, e.ChatID, e.MessageID)
	fx.chat(e.ChatID)
	return metrics.ResultApplied, nil
}

// applyMessage stores a new message. The server's copy of a message this
// device sent is an echo that only confirms delivery.
func (g *Gateway) applyMessage(ctx context.Context, q *store.Queries, fx *effects, e transport.Event) (string, error) {
	var p transport.MessagePayload
	if err := e.Decode(&p); err != nil {
		return "", err
	}
	existing, err := q.GetMessage(ctx, e.MessageID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.SenderID != g.self || existing.Status != store.StatusSending {
			g.logger.Debug("duplicate message suppressed", zap.String("msg_id", e.MessageID))
			return metrics.ResultEcho, nil
		}
		if e.ServerTimestamp > 0 {
			if err := q.SetServerTimestamp(ctx, existing.ID, e.ServerTimestamp); err != nil {
				return "", err
			}
		}
		if err := g.retireSend(ctx, q, fx, existing.ID); err != nil {
			return "", err
		}
		changed, err := g.messages.AdvanceStatus(ctx, q, existing.ID, store.StatusSent)
		if err != nil || !changed {
			return outcome(changed), err
		}
		fx.message(bus.MessageStatusChanged, e.ChatID, e.MessageID)
		return metrics.ResultApplied, nil
	}

	m := &store.Message{
		ID:              e.MessageID,
		ChatID:          e.ChatID,
		SenderID:        e.ActorID,
		Text:            p.Text,
		MediaRef:        p.MediaRef,
		MediaKind:       p.MediaKind,
		Timestamp:       p.Timestamp,
		Status:          store.MessageStatus(p.Status),
		ResponseTo:      p.ResponseTo,
		ResponseID:      p.ResponseID,
		ResponseText:    p.ResponseText,
		ForwardedFrom:   p.ForwardedFrom,
		ServerTimestamp: e.ServerTimestamp,
	}
	if m.Timestamp == 0 {
		m.Timestamp = e.ServerTimestamp
	}
	if m.Status == "" || m.Status == store.StatusSending {
		m.Status = store.StatusSent
	}
	inserted, err := g.messages.Append(ctx, q, m, g.now().UnixMilli())
	if err != nil || !inserted {
		return outcome(inserted), err
	}
	if _, err := g.chats.Touch(ctx, q, m); err != nil {
		return "", err
	}
	fx.message(bus.MessageUpserted, e.ChatID, e.MessageID)
	fx.chat(e.ChatID)
	if err := g.replay(ctx, q, fx, e.MessageID); err != nil {
		return "", err
	}
	return metrics.ResultApplied, nil
}

// retireSend drops the queued send of a message the server already has.
func (g *Gateway) retireSend(ctx context.Context, q *store.Queries, fx *effects, msgID string) error {
	entries, err := q.OutboxForMessage(ctx, msgID)
	if err != nil {
		return err
	}
	for _, en := range entries {
		if en.Kind != store.KindSend {
			continue
		}
		if err := g.queue.Remove(ctx, q, en.ID); err != nil {
			return err
		}
		fx.queue = true
		g.logger.Debug("send confirmed by echo", zap.String("entry_id", en.ID), zap.String("msg_id", msgID))
	}
	return nil
}

func (g *Gateway) applyChat(ctx context.Context, q *store.Queries, fx *effects, e transport.Event) (string, error) {
	var p transport.ChatPayload
	if err := e.Decode(&p); err != nil {
		return "", err
	}
	if err := g.users.Ensure(ctx, q, p.Participants...); err != nil {
		return "", err
	}
	at := e.ServerTimestamp
	if at == 0 {
		at = g.now().UnixMilli()
	}
	c, created, err := g.chats.CreateWithID(ctx, q, e.ChatID, p.Participants, at)
	if err != nil || !created {
		return outcome(created), err
	}
	fx.chat(c.ID)
	if err := g.replay(ctx, q, fx, chatDeferPrefix+c.ID); err != nil {
		return "", err
	}
	return metrics.ResultApplied, nil
}

func (g *Gateway) applyPresence(ctx context.Context, q *store.Queries, fx *effects, e transport.Event) (string, error) {
	var p transport.PresencePayload
	if err := e.Decode(&p); err != nil {
		return "", err
	}
	changed, err := g.users.SetPresence(ctx, q, e.ActorID, store.UserStatus(p.Status), e.ServerTimestamp)
	if err != nil || !changed {
		return outcome(changed), err
	}
	// An empty chat id asks list subscribers to refresh every chat status.
	fx.chat(e.ChatID)
	return metrics.ResultApplied, nil
}

// park keeps an event that refers to something not stored yet. It is
// replayed once the missing message or chat arrives.
func (g *Gateway) park(ctx context.Context, q *store.Queries, key string, e transport.Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", apperr.Invalid("encode deferred %s: %v", e.Kind, err)
	}
	if err := q.InsertDeferred(ctx, key, e.ServerTimestamp, b, g.now().UnixMilli()); err != nil {
		return "", err
	}
	g.logger.Debug("inbound event deferred", zap.String("kind", string(e.Kind)), zap.String("key", key))
	return metrics.ResultDeferred, nil
}

// replay applies the events parked under key. A parked event that is now
// rejected is dropped.
func (g *Gateway) replay(ctx context.Context, q *store.Queries, fx *effects, key string) error {
	parked, err := q.TakeDeferred(ctx, key)
	if err != nil {
		return err
	}
	for _, d := range parked {
		var e transport.Event
		if err := json.Unmarshal(d.Event, &e); err != nil {
			g.logger.Warn("dropping undecodable deferred event", zap.Int64("id", d.ID), zap.Error(err))
			continue
		}
		result, err := g.apply(ctx, q, fx, e)
		if err = g.settle(e, result, err); err != nil {
			return err
		}
	}
	if len(parked) > 0 {
		g.logger.Debug("deferred events replayed", zap.String("key", key), zap.Int("count", len(parked)))
	}
	return nil
}
