package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. Subscribers filter on the part before
// the dot.
const (
	ChatUpdated          = "chat.updated"
	MessageUpserted      = "message.upserted"
	MessageStatusChanged = "message.status_changed"
	MessageReaction      = "message.reaction"
	QueueChanged         = "queue.changed"
	ConnectivityChanged  = "connectivity.changed"
)

// ChatRef is the payload of chat.* events.
type ChatRef struct {
	ChatID string
}

// MessageRef is the payload of message.* events.
type MessageRef struct {
	ChatID    string
	MessageID string
}

// QueueCounts is the payload of queue.changed.
type QueueCounts struct {
	Pending int
	Failed  int
}
