package gateway

import (
	"context"

	"github.com/matheus3301/chatcore/internal/messagelog"
	"github.com/matheus3301/chatcore/internal/store"
)

// Reads run outside the write lock against a consistent WAL snapshot.

// ChatList returns the user's chats, most recent first.
func (g *Gateway) ChatList(ctx context.Context) ([]store.Chat, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	return g.chats.List(ctx, g.db.Queries(), g.Self())
}

// Chat returns one chat.
func (g *Gateway) Chat(ctx context.Context, chatID string) (*store.Chat, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	return g.chats.Get(ctx, g.db.Queries(), chatID)
}

// Messages returns one page of a chat's log and the cursor of the next,
// older page.
func (g *Gateway) Messages(ctx context.Context, chatID string, p messagelog.Page) ([]store.Message, *store.Cursor, error) {
	if err := g.ready(); err != nil {
		return nil, nil, err
	}
	q := g.db.Queries()
	if _, err := g.chats.Get(ctx, q, chatID); err != nil {
		return nil, nil, err
	}
	return g.messages.List(ctx, q, chatID, p)
}

// Message returns one message.
func (g *Gateway) Message(ctx context.Context, id string) (*store.Message, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	return g.messages.Get(ctx, g.db.Queries(), id)
}

// Search finds live messages containing query, optionally in one chat.
func (g *Gateway) Search(ctx context.Context, query, chatID string, limit int) ([]store.Message, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	return g.messages.Search(ctx, g.db.Queries(), query, chatID, limit)
}

// QueueEntries lists every queued mutation in creation order.
func (g *Gateway) QueueEntries(ctx context.Context) ([]store.OutboxEntry, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	return g.queue.List(ctx, g.db.Queries())
}

// UnreadCount returns the user's unread count in a chat.
func (g *Gateway) UnreadCount(ctx context.Context, chatID string) (int, error) {
	if err := g.ready(); err != nil {
		return 0, err
	}
	return g.chats.UnreadCount(ctx, g.db.Queries(), chatID, g.Self())
}

// ReadBy returns who has seen a message.
func (g *Gateway) ReadBy(ctx context.Context, messageID string) ([]string, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	return g.receipts.ReadBy(ctx, g.db.Queries(), messageID)
}

// Users lists every known user.
func (g *Gateway) Users(ctx context.Context) ([]store.User, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	return g.users.List(ctx, g.db.Queries())
}
