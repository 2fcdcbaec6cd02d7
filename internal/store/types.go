package store

// UserStatus is a user's presence as last reported.
type UserStatus string

const (
	UserOnline  UserStatus = "online"
	UserOffline UserStatus = "offline"
	UserAway    UserStatus = "away"
)

// Valid reports whether s is one of the known presence values.
func (s UserStatus) Valid() bool {
	switch s {
	case UserOnline, UserOffline, UserAway:
		return true
	}
	return false
}

// User is a known local user.
type User struct {
	ID         string
	Name       string
	Avatar     string
	Status     UserStatus
	PresenceAt int64
}

// Chat is a conversation between a fixed set of participants with its
// denormalized summary.
type Chat struct {
	ID                  string
	Participants        []string
	IsGroup             bool
	LastMessage         string
	LastMessageTime     int64
	LastMessageSenderID string
	LastMessageID       string
	CreatedAt           int64

	// Viewer-relative fields, filled by ListChatsFor.
	UnreadCount int
	ChatStatus  UserStatus
}

// ChatSummary is the last-message projection stored on a chat row.
type ChatSummary struct {
	ChatID    string
	Preview   string
	Time      int64
	SenderID  string
	MessageID string
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses: sending < sent < delivered < read. Unknown values
// rank below sending.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	return s.Rank() >= 0
}

// Message is a single entry of a chat's log.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Text      string
	MediaRef  string
	MediaKind string
	Timestamp int64
	Status    MessageStatus

	IsEdited     bool
	EditedAt     int64
	IsDeleted    bool
	DeletedAt    int64
	OriginalText *string

	ResponseTo   string
	ResponseID   string
	ResponseText string

	ForwardedFrom   string
	ServerTimestamp int64

	// Read-side projections.
	Reactions      []Reaction
	DeliveryFailed bool
}

// Cursor is a keyset position in a chat's message order.
type Cursor struct {
	Timestamp int64
	ID        string
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	ID        string
	MessageID string
	UserID    string
	Emoji     string
	CreatedAt int64
}

// OutboxKind is the mutation an outbox entry replays.
type OutboxKind string

const (
	KindSend       OutboxKind = "send"
	KindEdit       OutboxKind = "edit"
	KindDelete     OutboxKind = "delete"
	KindReact      OutboxKind = "react"
	KindUnreact    OutboxKind = "unreact"
	KindMarkRead   OutboxKind = "markRead"
	KindCreateChat OutboxKind = "createChat"
)

// OutboxState is the persisted state of an outbox entry. Acked entries are
// deleted, so only pending and failed are ever stored.
type OutboxState string

const (
	OutboxPending OutboxState = "pending"
	OutboxFailed  OutboxState = "failed"
)

// OutboxEntry is a durable, not yet acknowledged local mutation.
type OutboxEntry struct {
	Seq           int64
	ID            string
	ChatID        string
	MessageID     string
	Kind          OutboxKind
	Payload       []byte
	State         OutboxState
	Attempts      int
	LastError     string
	NextAttemptAt int64
	CreatedAt     int64
	UpdatedAt     int64
}

// DeferredEvent is an inbound event parked until the message it refers to
// arrives.
type DeferredEvent struct {
	ID              int64
	MessageID       string
	ServerTimestamp int64
	Event           []byte
	CreatedAt       int64
}
