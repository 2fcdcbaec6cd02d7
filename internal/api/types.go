package api

import (
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/wa"
)

// Chat is the wire form of a chat summary.
type Chat struct {
	ID                  string   `json:"id"`
	Participants        []string `json:"participants"`
	IsGroup             bool     `json:"isGroup"`
	LastMessage         string   `json:"lastMessage"`
	LastMessageTime     int64    `json:"lastMessageTime"`
	LastMessageSenderID string   `json:"lastMessageSenderId,omitempty"`
	LastMessageID       string   `json:"lastMessageId,omitempty"`
	CreatedAt           int64    `json:"createdAt"`
	UnreadCount         int      `json:"unreadCount"`
	ChatStatus          string   `json:"chatStatus,omitempty"`
}

// Reaction is the wire form of a reaction.
type Reaction struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
	CreatedAt int64  `json:"createdAt"`
}

// Message is the wire form of a message.
type Message struct {
	ID              string     `json:"id"`
	ChatID          string     `json:"chatId"`
	SenderID        string     `json:"senderId"`
	Text            string     `json:"text,omitempty"`
	MediaRef        string     `json:"mediaRef,omitempty"`
	MediaKind       string     `json:"mediaKind,omitempty"`
	Timestamp       int64      `json:"timestamp"`
	Status          string     `json:"status"`
	IsEdited        bool       `json:"isEdited,omitempty"`
	EditedAt        int64      `json:"editedAt,omitempty"`
	IsDeleted       bool       `json:"isDeleted,omitempty"`
	DeletedAt       int64      `json:"deletedAt,omitempty"`
	OriginalText    *string    `json:"originalText,omitempty"`
	ResponseTo      string     `json:"responseTo,omitempty"`
	ResponseID      string     `json:"responseId,omitempty"`
	ResponseText    string     `json:"responseText,omitempty"`
	ForwardedFrom   string     `json:"forwardedFrom,omitempty"`
	ServerTimestamp int64      `json:"serverTimestamp,omitempty"`
	Reactions       []Reaction `json:"reactions,omitempty"`
	DeliveryFailed  bool       `json:"deliveryFailed,omitempty"`
}

// QueueEntry is the wire form of an outbox entry. The payload stays
// daemon-side.
type QueueEntry struct {
	ID            string `json:"id"`
	ChatID        string `json:"chatId"`
	MessageID     string `json:"messageId,omitempty"`
	Kind          string `json:"kind"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"lastError,omitempty"`
	NextAttemptAt int64  `json:"nextAttemptAt,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

// Cursor continues a message listing.
type Cursor struct {
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Session      string `json:"session"`
	Self         string `json:"self"`
	State        string `json:"state"`
	Online       bool   `json:"online"`
	Transport    string `json:"transport"`
	UptimeMs     int64  `json:"uptimeMs"`
	QueuePending int    `json:"queuePending"`
	QueueFailed  int    `json:"queueFailed"`
}

type ListChatsRequest struct{}

type ListChatsResponse struct {
	Chats []Chat `json:"chats"`
}

type ListMessagesRequest struct {
	ChatID string  `json:"chatId"`
	Before *Cursor `json:"before,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Next     *Cursor   `json:"next,omitempty"`
}

type SearchRequest struct {
	Query  string `json:"query"`
	ChatID string `json:"chatId,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type SearchResponse struct {
	Messages []Message `json:"messages"`
}

type SendMessageRequest struct {
	ID        string `json:"id,omitempty"`
	ChatID    string `json:"chatId"`
	Text      string `json:"text,omitempty"`
	MediaRef  string `json:"mediaRef,omitempty"`
	MediaKind string `json:"mediaKind,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

type EditMessageRequest struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

type DeleteMessageRequest struct {
	MessageID string `json:"messageId"`
}

type ForwardMessageRequest struct {
	MessageID string `json:"messageId"`
	ToChatID  string `json:"toChatId"`
}

type MessageResponse struct {
	Message Message `json:"message"`
}

type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji,omitempty"`
}

type ReactionResponse struct {
	Reaction Reaction `json:"reaction"`
}

type MarkReadRequest struct {
	ChatID        string `json:"chatId"`
	UptoMessageID string `json:"uptoMessageId,omitempty"`
}

type MarkReadResponse struct {
	Read []string `json:"read"`
}

type ReadByRequest struct {
	MessageID string `json:"messageId"`
}

// ReadByResponse lists the users that have seen a message.
type ReadByResponse struct {
	MessageID string   `json:"messageId"`
	Users     []string `json:"users"`
}

type CreateChatRequest struct {
	Participants []string `json:"participants"`
}

type ChatResponse struct {
	Chat Chat `json:"chat"`
}

type ListQueueRequest struct{}

type ListQueueResponse struct {
	Entries []QueueEntry `json:"entries"`
}

type EntryRequest struct {
	EntryID string `json:"entryId"`
}

type EntryResponse struct {
	Entry QueueEntry `json:"entry"`
}

type SetOnlineRequest struct {
	Online bool `json:"online"`
}

type WatchChatsRequest struct{}

// ChatListUpdate is a full snapshot of the chat list, streamed on every
// change.
type ChatListUpdate struct {
	Chats []Chat `json:"chats"`
}

type WatchMessagesRequest struct {
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit,omitempty"`
}

// MessagesUpdate is a snapshot of the newest page of one chat.
type MessagesUpdate struct {
	ChatID   string    `json:"chatId"`
	Messages []Message `json:"messages"`
	Next     *Cursor   `json:"next,omitempty"`
}

type StartAuthRequest struct{}

// AuthEvent mirrors the pairing events of the WhatsApp transport.
type AuthEvent = wa.AuthEvent

type Empty struct{}

func chatToWire(c *store.Chat) Chat {
	return Chat{
		ID:                  c.ID,
		Participants:        c.Participants,
		IsGroup:             c.IsGroup,
		LastMessage:         c.LastMessage,
		LastMessageTime:     c.LastMessageTime,
		LastMessageSenderID: c.LastMessageSenderID,
		LastMessageID:       c.LastMessageID,
		CreatedAt:           c.CreatedAt,
		UnreadCount:         c.UnreadCount,
		ChatStatus:          string(c.ChatStatus),
	}
}

func chatsToWire(cs []store.Chat) []Chat {
	out := make([]Chat, 0, len(cs))
	for i := range cs {
		out = append(out, chatToWire(&cs[i]))
	}
	return out
}

func reactionToWire(r *store.Reaction) Reaction {
	return Reaction{
		ID:        r.ID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji,
		CreatedAt: r.CreatedAt,
	}
}

func messageToWire(m *store.Message) Message {
	out := Message{
		ID:              m.ID,
		ChatID:          m.ChatID,
		SenderID:        m.SenderID,
		Text:            m.Text,
		MediaRef:        m.MediaRef,
		MediaKind:       m.MediaKind,
		Timestamp:       m.Timestamp,
		Status:          string(m.Status),
		IsEdited:        m.IsEdited,
		EditedAt:        m.EditedAt,
		IsDeleted:       m.IsDeleted,
		DeletedAt:       m.DeletedAt,
		OriginalText:    m.OriginalText,
		ResponseTo:      m.ResponseTo,
		ResponseID:      m.ResponseID,
		ResponseText:    m.ResponseText,
		ForwardedFrom:   m.ForwardedFrom,
		ServerTimestamp: m.ServerTimestamp,
		DeliveryFailed:  m.DeliveryFailed,
	}
	for i := range m.Reactions {
		out.Reactions = append(out.Reactions, reactionToWire(&m.Reactions[i]))
	}
	return out
}

func messagesToWire(ms []store.Message) []Message {
	out := make([]Message, 0, len(ms))
	for i := range ms {
		out = append(out, messageToWire(&ms[i]))
	}
	return out
}

func entryToWire(e *store.OutboxEntry) QueueEntry {
	return QueueEntry{
		ID:            e.ID,
		ChatID:        e.ChatID,
		MessageID:     e.MessageID,
		Kind:          string(e.Kind),
		State:         string(e.State),
		Attempts:      e.Attempts,
		LastError:     e.LastError,
		NextAttemptAt: e.NextAttemptAt,
		CreatedAt:     e.CreatedAt,
	}
}

func cursorToWire(c *store.Cursor) *Cursor {
	if c == nil {
		return nil
	}
	return &Cursor{Timestamp: c.Timestamp, ID: c.ID}
}

func cursorFromWire(c *Cursor) *store.Cursor {
	if c == nil {
		return nil
	}
	return &store.Cursor{Timestamp: c.Timestamp, ID: c.ID}
}
