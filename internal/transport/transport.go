// Package transport defines the contract between the sync gateway and the
// network: inbound server events, outbound mutations and their acks.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/chatcore/internal/apperr"
)

// EventKind names an inbound server event.
type EventKind string

const (
	NewMessage           EventKind = "newMessage"
	MessageStatusChanged EventKind = "messageStatusChanged"
	MessageEdited        EventKind = "messageEdited"
	MessageDeleted       EventKind = "messageDeleted"
	ReactionAdded        EventKind = "reactionAdded"
	ReactionRemoved      EventKind = "reactionRemoved"
	ReadReceipt          EventKind = "readReceipt"
	ChatCreated          EventKind = "chatCreated"
	PresenceChanged      EventKind = "presenceChanged"
)

// Event is one inbound change. Payload holds the kind-specific body.
type Event struct {
	Kind            EventKind       `json:"kind"`
	ChatID          string          `json:"chatId"`
	MessageID       string          `json:"messageId,omitempty"`
	ActorID         string          `json:"actorId"`
	ServerTimestamp int64           `json:"serverTimestamp"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return apperr.Invalid("%s event has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return apperr.Invalid("decode %s payload: %v", e.Kind, err)
	}
	return nil
}

// MutationKind names an outbound local mutation.
type MutationKind string

const (
	SendMessage    MutationKind = "send"
	EditMessage    MutationKind = "edit"
	DeleteMessage  MutationKind = "delete"
	AddReaction    MutationKind = "react"
	RemoveReaction MutationKind = "unreact"
	MarkRead       MutationKind = "markRead"
	CreateChat     MutationKind = "createChat"
)

// Mutation is a local change sent to the server. EntryID identifies the
// outbox entry and is echoed back in the ack.
type Mutation struct {
	EntryID   string          `json:"entryId"`
	Kind      MutationKind    `json:"kind"`
	ChatID    string          `json:"chatId"`
	MessageID string          `json:"messageId,omitempty"`
	ActorID   string          `json:"actorId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Ack is the server's acceptance of a mutation.
type Ack struct {
	EntryID         string `json:"entryId"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// MessagePayload is the body of newMessage events and send mutations.
type MessagePayload struct {
	Text          string `json:"text,omitempty"`
	MediaRef      string `json:"mediaRef,omitempty"`
	MediaKind     string `json:"mediaKind,omitempty"`
	Timestamp     int64  `json:"timestamp"`
	ResponseTo    string `json:"responseTo,omitempty"`
	ResponseID    string `json:"responseId,omitempty"`
	ResponseText  string `json:"responseText,omitempty"`
	ForwardedFrom string `json:"forwardedFrom,omitempty"`
	Status        string `json:"status,omitempty"`
}

// StatusPayload is the body of messageStatusChanged events.
type StatusPayload struct {
	Status string `json:"status"`
}

// EditPayload is the body of edit events and mutations.
type EditPayload struct {
	Text     string `json:"text"`
	EditedAt int64  `json:"editedAt"`
}

// DeletePayload is the body of delete events and mutations.
type DeletePayload struct {
	DeletedAt int64 `json:"deletedAt"`
}

// ReactionPayload is the body of reaction events and mutations.
// TargetSenderID is the author of the reacted message.
type ReactionPayload struct {
	ReactionID     string `json:"reactionId,omitempty"`
	Emoji          string `json:"emoji,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	TargetSenderID string `json:"targetSenderId,omitempty"`
}

// ReadPayload is the body of readReceipt events and markRead mutations.
// The event's MessageID is the last message read; empty means all.
type ReadPayload struct {
	ReadAt int64 `json:"readAt"`
	// SenderID is the author of the last message read.
	SenderID string `json:"senderId,omitempty"`
}

// ChatPayload is the body of chatCreated events and createChat mutations.
type ChatPayload struct {
	Participants []string `json:"participants"`
}

// PresencePayload is the body of presenceChanged events.
type PresencePayload struct {
	Status string `json:"status"`
}

// Encode marshals a payload for an Event or Mutation.
func Encode(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("transport: encode %T: %v", v, err))
	}
	return b
}

var (
	// ErrOffline means the transport has no live connection. The mutation
	// stays queued.
	ErrOffline = fmt.Errorf("transport offline: %w", apperr.ErrTransport)
	// ErrRejected means the server refused the mutation for good. It is not
	// retried.
	ErrRejected = errors.New("mutation rejected by server")
)

// Rejected wraps a server refusal.
func Rejected(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrRejected)
}

// Handler receives inbound traffic from a running transport.
type Handler interface {
	HandleEvent(ctx context.Context, e Event) error
	HandleConnectivity(online bool, cause error)
}

// BatchHandler is implemented by handlers that can apply a history batch
// atomically.
type BatchHandler interface {
	ApplyBatch(ctx context.Context, events []Event) (int, error)
}

// IdentityHandler is implemented by handlers that accept the account id
// learned by the transport, for example after pairing.
type IdentityHandler interface {
	HandleIdentity(ctx context.Context, userID string) error
}

// Transport connects the core to a chat backend.
type Transport interface {
	// Run keeps the connection alive until ctx is done, feeding h.
	Run(ctx context.Context, h Handler) error
	// Deliver sends m and waits for the server's verdict.
	Deliver(ctx context.Context, m Mutation) (Ack, error)
}

// ChatIDResolver is implemented by transports whose backend names chats
// itself. ok is false when the transport has no opinion.
type ChatIDResolver interface {
	ChatID(participants []string, self string) (id string, ok bool, err error)
}
