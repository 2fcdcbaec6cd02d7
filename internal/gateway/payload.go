package gateway

import (
	"encoding/json"

	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/transport"
)

// entryPayload is what an outbox entry stores: the wire body plus the state
// needed to undo the optimistic change if the entry fails for good.
type entryPayload struct {
	Body     json.RawMessage `json:"body,omitempty"`
	Message  *store.Message  `json:"message,omitempty"`
	Reaction *store.Reaction `json:"reaction,omitempty"`
	// HadReaction distinguishes "no prior reaction" from a missing field.
	HadReaction bool `json:"hadReaction,omitempty"`
}

func encodeEntry(body any, p entryPayload) []byte {
	p.Body = transport.Encode(body)
	b, _ := json.Marshal(p)
	return b
}

func decodeEntry(e *store.OutboxEntry) (entryPayload, error) {
	var p entryPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return entryPayload{}, err
	}
	return p, nil
}

// mutation turns a stored entry into its wire form.
func mutation(e *store.OutboxEntry, actor string) (transport.Mutation, error) {
	p, err := decodeEntry(e)
	if err != nil {
		return transport.Mutation{}, err
	}
	return transport.Mutation{
		EntryID:   e.ID,
		Kind:      transport.MutationKind(e.Kind),
		ChatID:    e.ChatID,
		MessageID: e.MessageID,
		ActorID:   actor,
		Payload:   p.Body,
	}, nil
}
