package gateway

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/chatindex"
	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/transport"
	"go.uber.org/zap"
)

// SendMessageParams describes a new outgoing message. ID is optional; a
// caller that supplies it can resend safely.
type SendMessageParams struct {
	ID        string
	ChatID    string `validate:"required"`
	Text      string `validate:"required_without=MediaRef"`
	MediaRef  string `validate:"required_without=Text"`
	MediaKind string
	ReplyTo   string
}

// EditMessageParams replaces the text of one of the user's messages.
type EditMessageParams struct {
	MessageID string `validate:"required"`
	Text      string `validate:"required"`
}

// DeleteMessageParams tombstones one of the user's messages.
type DeleteMessageParams struct {
	MessageID string `validate:"required"`
}

// ReactionParams adds or removes the user's reaction.
type ReactionParams struct {
	MessageID string `validate:"required"`
	Emoji     string
}

// MarkReadParams marks a chat read up to a message; empty means all.
type MarkReadParams struct {
	ChatID        string `validate:"required"`
	UptoMessageID string
}

// CreateChatParams names the other participants; the user is added.
type CreateChatParams struct {
	Participants []string `validate:"required,min=1,dive,required"`
}

// ForwardMessageParams copies a message into another chat.
type ForwardMessageParams struct {
	MessageID string `validate:"required"`
	ToChatID  string `validate:"required"`
}

func (g *Gateway) participantChat(ctx context.Context, q *store.Queries, chatID string) (*store.Chat, error) {
	c, err := g.chats.Get(ctx, q, chatID)
	if err != nil {
		return nil, err
	}
	for _, p := range c.Participants {
		if p == g.self {
			return c, nil
		}
	}
	return nil, apperr.Unauthorized(g.self, "write to", chatID)
}

func (g *Gateway) enqueue(ctx context.Context, q *store.Queries, fx *effects, chatID, msgID string, kind store.OutboxKind, body any, p entryPayload) error {
	e := &store.OutboxEntry{
		ChatID:    chatID,
		MessageID: msgID,
		Kind:      kind,
		Payload:   encodeEntry(body, p),
	}
	if err := g.queue.Enqueue(ctx, q, e); err != nil {
		return err
	}
	fx.queue = true
	fx.kick = true
	return nil
}

// SendMessage appends a message in sending state and queues it. The
// message is durable when SendMessage returns.
func (g *Gateway) SendMessage(ctx context.Context, p SendMessageParams) (*store.Message, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if err := g.check(p); err != nil {
		return nil, err
	}
	var out *store.Message
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		m, err := g.send(ctx, q, fx, p, "")
		out = m
		return err
	})
	return out, err
}

func (g *Gateway) send(ctx context.Context, q *store.Queries, fx *effects, p SendMessageParams, forwardedFrom string) (*store.Message, error) {
	if _, err := g.participantChat(ctx, q, p.ChatID); err != nil {
		return nil, err
	}
	if p.ID != "" {
		existing, err := q.GetMessage(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.ChatID != p.ChatID || existing.SenderID != g.self {
				return nil, fmt.Errorf("message id %q already used: %w", p.ID, apperr.ErrConflict)
			}
			return existing, nil
		}
	}

	now := g.now().UnixMilli()
	m := &store.Message{
		ID:            p.ID,
		ChatID:        p.ChatID,
		SenderID:      g.self,
		Text:          p.Text,
		MediaRef:      p.MediaRef,
		MediaKind:     p.MediaKind,
		Timestamp:     now,
		Status:        store.StatusSending,
		ForwardedFrom: forwardedFrom,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if p.ReplyTo != "" {
		target, err := g.messages.Get(ctx, q, p.ReplyTo)
		if err != nil {
			return nil, err
		}
		if target.ChatID != p.ChatID {
			return nil, apperr.Invalid("reply target %q is in another chat", p.ReplyTo)
		}
		m.ResponseTo = target.SenderID
		m.ResponseID = target.ID
		m.ResponseText = g.chats.Preview(target)
	}

	if _, err := g.messages.Append(ctx, q, m, now); err != nil {
		return nil, err
	}
	if _, err := g.chats.Touch(ctx, q, m); err != nil {
		return nil, err
	}
	body := transport.MessagePayload{
		Text:          m.Text,
		MediaRef:      m.MediaRef,
		MediaKind:     m.MediaKind,
		Timestamp:     m.Timestamp,
		ResponseTo:    m.ResponseTo,
		ResponseID:    m.ResponseID,
		ResponseText:  m.ResponseText,
		ForwardedFrom: m.ForwardedFrom,
	}
	if err := g.enqueue(ctx, q, fx, m.ChatID, m.ID, store.KindSend, body, entryPayload{}); err != nil {
		return nil, err
	}
	fx.message(bus.MessageUpserted, m.ChatID, m.ID)
	fx.chat(m.ChatID)
	return m, nil
}

// EditMessage changes the text of one of the user's messages and queues
// the edit. If the edit fails for good the old text comes back.
func (g *Gateway) EditMessage(ctx context.Context, p EditMessageParams) (*store.Message, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if err := g.check(p); err != nil {
		return nil, err
	}
	var out *store.Message
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		snap, err := g.messages.Get(ctx, q, p.MessageID)
		if err != nil {
			return err
		}
		now := g.now().UnixMilli()
		at := max(now, snap.EditedAt+1)
		changed, err := g.messages.Edit(ctx, q, g.self, p.MessageID, p.Text, at)
		if err != nil {
			return err
		}
		if out, err = g.messages.Get(ctx, q, p.MessageID); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if _, err := g.chats.Retouch(ctx, q, out); err != nil {
			return err
		}
		body := transport.EditPayload{Text: p.Text, EditedAt: at}
		if err := g.enqueue(ctx, q, fx, snap.ChatID, snap.ID, store.KindEdit, body, entryPayload{Message: snap}); err != nil {
			return err
		}
		fx.message(bus.MessageUpserted, snap.ChatID, snap.ID)
		fx.chat(snap.ChatID)
		return nil
	})
	return out, err
}

// DeleteMessage tombstones one of the user's messages and queues the
// delete. Deleting a tombstone is a no-op.
func (g *Gateway) DeleteMessage(ctx context.Context, p DeleteMessageParams) (*store.Message, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if err := g.check(p); err != nil {
		return nil, err
	}
	var out *store.Message
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		snap, err := g.messages.Get(ctx, q, p.MessageID)
		if err != nil {
			return err
		}
		now := g.now().UnixMilli()
		changed, err := g.messages.SoftDelete(ctx, q, g.self, p.MessageID, now)
		if err != nil {
			return err
		}
		if out, err = g.messages.Get(ctx, q, p.MessageID); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if _, err := g.chats.Retouch(ctx, q, out); err != nil {
			return err
		}
		body := transport.DeletePayload{DeletedAt: now}
		if err := g.enqueue(ctx, q, fx, snap.ChatID, snap.ID, store.KindDelete, body, entryPayload{Message: snap}); err != nil {
			return err
		}
		fx.message(bus.MessageUpserted, snap.ChatID, snap.ID)
		fx.chat(snap.ChatID)
		return nil
	})
	return out, err
}

// AddReaction sets the user's reaction on a message, replacing any earlier
// one.
func (g *Gateway) AddReaction(ctx context.Context, p ReactionParams) (*store.Reaction, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if err := g.check(p); err != nil {
		return nil, err
	}
	if p.Emoji == "" {
		return nil, apperr.Invalid("reaction needs an emoji")
	}
	var out *store.Reaction
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		m, err := g.messages.Get(ctx, q, p.MessageID)
		if err != nil {
			return err
		}
		if _, err := g.participantChat(ctx, q, m.ChatID); err != nil {
			return err
		}
		if m.IsDeleted {
			return fmt.Errorf("react to deleted message %q: %w", m.ID, apperr.ErrConflict)
		}
		prior, err := q.GetReaction(ctx, m.ID, g.self)
		if err != nil {
			return err
		}
		removedAt, err := q.ReactionRemovedAt(ctx, m.ID, g.self)
		if err != nil {
			return err
		}
		now := max(g.now().UnixMilli(), removedAt+1)
		if prior != nil {
			now = max(now, prior.CreatedAt)
		}
		r := &store.Reaction{ID: uuid.NewString(), MessageID: m.ID, UserID: g.self, Emoji: p.Emoji, CreatedAt: now}
		changed, err := g.messages.AddReaction(ctx, q, r)
		if err != nil {
			return err
		}
		if !changed {
			out = prior
			return nil
		}
		out = r
		body := transport.ReactionPayload{ReactionID: r.ID, Emoji: r.Emoji, CreatedAt: r.CreatedAt, TargetSenderID: m.SenderID}
		if err := g.enqueue(ctx, q, fx, m.ChatID, m.ID, store.KindReact, body,
			entryPayload{Reaction: prior, HadReaction: prior != nil}); err != nil {
			return err
		}
		fx.message(bus.MessageReaction, m.ChatID, m.ID)
		return nil
	})
	return out, err
}

// RemoveReaction drops the user's reaction. Removing an absent reaction is
// a no-op and queues nothing.
func (g *Gateway) RemoveReaction(ctx context.Context, p ReactionParams) error {
	if err := g.ready(); err != nil {
		return err
	}
	if err := g.check(p); err != nil {
		return err
	}
	return g.write(ctx, func(q *store.Queries, fx *effects) error {
		m, err := g.messages.Get(ctx, q, p.MessageID)
		if err != nil {
			return err
		}
		prior, err := q.GetReaction(ctx, m.ID, g.self)
		if err != nil || prior == nil {
			return err
		}
		now := max(g.now().UnixMilli(), prior.CreatedAt)
		if _, err := g.messages.RemoveReaction(ctx, q, m.ID, g.self, now); err != nil {
			return err
		}
		body := transport.ReactionPayload{ReactionID: prior.ID, CreatedAt: now, TargetSenderID: m.SenderID}
		if err := g.enqueue(ctx, q, fx, m.ChatID, m.ID, store.KindUnreact, body,
			entryPayload{Reaction: prior, HadReaction: true}); err != nil {
			return err
		}
		fx.message(bus.MessageReaction, m.ChatID, m.ID)
		return nil
	})
}

// MarkRead marks the chat read for the user up to a message, or entirely.
// It returns the ids that got a new receipt.
func (g *Gateway) MarkRead(ctx context.Context, p MarkReadParams) ([]string, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if err := g.check(p); err != nil {
		return nil, err
	}
	var marked []string
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		now := g.now().UnixMilli()
		res, err := g.receipts.MarkRead(ctx, q, g.self, p.ChatID, p.UptoMessageID, now)
		if err != nil {
			return err
		}
		marked = res.Marked
		if len(res.Marked) == 0 {
			return nil
		}
		for _, id := range res.Read {
			fx.message(bus.MessageStatusChanged, p.ChatID, id)
		}
		fx.chat(p.ChatID)
		last, err := q.GetMessage(ctx, res.Marked[len(res.Marked)-1])
		if err != nil {
			return err
		}
		body := transport.ReadPayload{ReadAt: now, SenderID: last.SenderID}
		return g.enqueue(ctx, q, fx, p.ChatID, last.ID, store.KindMarkRead, body, entryPayload{})
	})
	return marked, err
}

// CreateChat returns the chat between the user and the given participants,
// creating and queueing it when it does not exist yet.
func (g *Gateway) CreateChat(ctx context.Context, p CreateChatParams) (*store.Chat, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if err := g.check(p); err != nil {
		return nil, err
	}
	var out *store.Chat
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		parts, err := chatindex.Normalize(append([]string{g.self}, p.Participants...))
		if err != nil {
			return err
		}
		if existing, err := q.GetChatByKey(ctx, chatindex.Key(parts)); err != nil || existing != nil {
			out = existing
			return err
		}

		var id string
		if r, ok := g.transport.(transport.ChatIDResolver); ok {
			tid, ok, err := r.ChatID(parts, g.self)
			if err != nil {
				return err
			}
			if ok {
				id = tid
			}
		}
		if err := g.users.Ensure(ctx, q, parts...); err != nil {
			return err
		}
		var c *store.Chat
		var created bool
		if id == "" {
			c, created, err = g.chats.Create(ctx, q, parts)
		} else {
			c, created, err = g.chats.CreateWithID(ctx, q, id, parts, g.now().UnixMilli())
		}
		if err != nil {
			return err
		}
		out = c
		if !created {
			return nil
		}
		fx.chat(c.ID)
		return g.enqueue(ctx, q, fx, c.ID, "", store.KindCreateChat, transport.ChatPayload{Participants: parts}, entryPayload{})
	})
	return out, err
}

// ForwardMessage sends a copy of a live message into another chat.
func (g *Gateway) ForwardMessage(ctx context.Context, p ForwardMessageParams) (*store.Message, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if err := g.check(p); err != nil {
		return nil, err
	}
	var out *store.Message
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		src, err := g.messages.Get(ctx, q, p.MessageID)
		if err != nil {
			return err
		}
		if src.IsDeleted {
			return apperr.Invalid("cannot forward deleted message %q", src.ID)
		}
		if _, err := g.participantChat(ctx, q, src.ChatID); err != nil {
			return err
		}
		out, err = g.send(ctx, q, fx, SendMessageParams{
			ChatID:    p.ToChatID,
			Text:      src.Text,
			MediaRef:  src.MediaRef,
			MediaKind: src.MediaKind,
		}, src.ID)
		return err
	})
	return out, err
}

// RetryEntry requeues a failed outbox entry.
func (g *Gateway) RetryEntry(ctx context.Context, entryID string) (*store.OutboxEntry, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	var out *store.OutboxEntry
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		e, err := g.queue.Retry(ctx, q, entryID)
		if err != nil {
			return err
		}
		out = e
		fx.queue = true
		fx.kick = true
		if err := g.rebuild(ctx, q, fx, e); err != nil {
			return err
		}
		if e.MessageID != "" {
			fx.message(bus.MessageUpserted, e.ChatID, e.MessageID)
		}
		return nil
	})
	if err == nil {
		g.metrics.Mutation(string(out.Kind), metrics.OutcomeRequeued)
	}
	return out, err
}

// DiscardEntry drops a failed outbox entry and undoes its optimistic
// change. A discarded send removes the message and everything queued
// behind it for that message.
func (g *Gateway) DiscardEntry(ctx context.Context, entryID string) error {
	if err := g.ready(); err != nil {
		return err
	}
	var kind string
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		e, err := g.queue.Discard(ctx, q, entryID)
		if err != nil {
			return err
		}
		kind = string(e.Kind)
		fx.queue = true
		if e.Kind == store.KindSend {
			return g.discardSend(ctx, q, fx, e)
		}
		return g.revert(ctx, q, fx, e)
	})
	if err == nil {
		g.metrics.Mutation(kind, metrics.OutcomeDiscarded)
	}
	return err
}

func (g *Gateway) discardSend(ctx context.Context, q *store.Queries, fx *effects, e *store.OutboxEntry) error {
	m, err := q.GetMessage(ctx, e.MessageID)
	if err != nil || m == nil {
		return err
	}
	purged, err := g.messages.Purge(ctx, q, m.ID)
	if err != nil {
		return err
	}
	if !purged {
		// The server confirmed the message meanwhile; it stays, and so do
		// the changes queued behind it.
		g.logger.Info("discarded send already confirmed", zap.String("msg_id", m.ID))
		fx.message(bus.MessageStatusChanged, m.ChatID, m.ID)
		return nil
	}
	dependents, err := q.OutboxForMessage(ctx, m.ID)
	if err != nil {
		return err
	}
	for _, d := range dependents {
		if err := g.queue.Remove(ctx, q, d.ID); err != nil {
			return err
		}
	}
	if _, err := g.chats.Retouch(ctx, q, m); err != nil {
		return err
	}
	g.logger.Info("unsent message discarded", zap.String("msg_id", m.ID), zap.Int("dependents", len(dependents)))
	fx.message(bus.MessageUpserted, m.ChatID, m.ID)
	fx.chat(m.ChatID)
	return nil
}

// revert undoes the optimistic change of a failed or discarded entry while
// keeping the changes queued after it.
func (g *Gateway) revert(ctx context.Context, q *store.Queries, fx *effects, e *store.OutboxEntry) error {
	if err := g.rebuild(ctx, q, fx, e); err != nil {
		return err
	}
	g.logger.Warn("optimistic change reverted", zap.String("entry_id", e.ID),
		zap.String("kind", string(e.Kind)), zap.String("msg_id", e.MessageID))
	return nil
}

// entryGroup names the entries that change the same part of a message:
// its content, or the user's reaction on it.
func entryGroup(k store.OutboxKind) string {
	switch k {
	case store.KindEdit, store.KindDelete:
		return "content"
	case store.KindReact, store.KindUnreact:
		return "reaction"
	}
	return ""
}

// rebuild recomputes the local state that e's group of entries owns. The
// oldest entry of the group still queued, or e itself, carries the state
// before any unconfirmed change; every pending entry of the group is then
// applied again in queue order. Failed and discarded entries are skipped.
func (g *Gateway) rebuild(ctx context.Context, q *store.Queries, fx *effects, e *store.OutboxEntry) error {
	group := entryGroup(e.Kind)
	if group == "" || e.MessageID == "" {
		return nil
	}
	queued, err := q.OutboxForMessage(ctx, e.MessageID)
	if err != nil {
		return err
	}
	var chain []store.OutboxEntry
	found := false
	for _, x := range queued {
		if entryGroup(x.Kind) != group {
			continue
		}
		if x.ID == e.ID {
			found = true
		}
		chain = append(chain, x)
	}
	if !found {
		chain = append(chain, *e)
		slices.SortFunc(chain, func(a, b store.OutboxEntry) int { return cmp.Compare(a.Seq, b.Seq) })
	}
	base, err := decodeEntry(&chain[0])
	if err != nil {
		return apperr.Invalid("outbox entry %s payload: %v", chain[0].ID, err)
	}

	if group == "reaction" {
		return g.rebuildReaction(ctx, q, fx, e, base, chain)
	}
	if base.Message == nil {
		return nil
	}
	if err := g.messages.Restore(ctx, q, base.Message); err != nil {
		return err
	}
	for i := range chain {
		if chain[i].State != store.OutboxPending {
			continue
		}
		if err := g.replayContent(ctx, q, &chain[i]); err != nil {
			return err
		}
	}
	current, err := q.GetMessage(ctx, e.MessageID)
	if err != nil || current == nil {
		return err
	}
	if _, err := g.chats.Retouch(ctx, q, current); err != nil {
		return err
	}
	fx.message(bus.MessageUpserted, e.ChatID, e.MessageID)
	fx.chat(e.ChatID)
	return nil
}

func (g *Gateway) replayContent(ctx context.Context, q *store.Queries, e *store.OutboxEntry) error {
	p, err := decodeEntry(e)
	if err != nil {
		return apperr.Invalid("outbox entry %s payload: %v", e.ID, err)
	}
	m, err := q.GetMessage(ctx, e.MessageID)
	if err != nil || m == nil {
		return err
	}
	switch e.Kind {
	case store.KindEdit:
		var body transport.EditPayload
		if err := json.Unmarshal(p.Body, &body); err != nil {
			return apperr.Invalid("outbox entry %s body: %v", e.ID, err)
		}
		if m.IsDeleted || m.Text == body.Text {
			return nil
		}
		return q.EditMessageText(ctx, m.ID, body.Text, body.EditedAt)
	case store.KindDelete:
		var body transport.DeletePayload
		if err := json.Unmarshal(p.Body, &body); err != nil {
			return apperr.Invalid("outbox entry %s body: %v", e.ID, err)
		}
		if m.IsDeleted {
			return nil
		}
		return q.TombstoneMessage(ctx, m.ID, body.DeletedAt)
	}
	return nil
}

func (g *Gateway) rebuildReaction(ctx context.Context, q *store.Queries, fx *effects, e *store.OutboxEntry, base entryPayload, chain []store.OutboxEntry) error {
	var prior *store.Reaction
	if base.HadReaction {
		prior = base.Reaction
	}
	if err := q.ResetReaction(ctx, e.MessageID, g.self, prior); err != nil {
		return err
	}
	if prior != nil {
		// The restored reaction postdates any removal recorded before it.
		if err := q.ClearReactionRemoval(ctx, e.MessageID, g.self); err != nil {
			return err
		}
	}
	for _, x := range chain {
		if x.State != store.OutboxPending {
			continue
		}
		p, err := decodeEntry(&x)
		if err != nil {
			return apperr.Invalid("outbox entry %s payload: %v", x.ID, err)
		}
		var body transport.ReactionPayload
		if err := json.Unmarshal(p.Body, &body); err != nil {
			return apperr.Invalid("outbox entry %s body: %v", x.ID, err)
		}
		switch x.Kind {
		case store.KindReact:
			r := &store.Reaction{ID: body.ReactionID, MessageID: x.MessageID, UserID: g.self, Emoji: body.Emoji, CreatedAt: body.CreatedAt}
			if err := q.ResetReaction(ctx, x.MessageID, g.self, r); err != nil {
				return err
			}
		case store.KindUnreact:
			if _, err := q.DeleteReaction(ctx, x.MessageID, g.self, body.CreatedAt); err != nil {
				return err
			}
		}
	}
	fx.message(bus.MessageReaction, e.ChatID, e.MessageID)
	return nil
}
