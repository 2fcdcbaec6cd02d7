package wa

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatcore/internal/transport"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// mapper turns whatsmeow events into transport events. It announces every
// chat once with a chatCreated event before its first message.
type mapper struct {
	self    func() string
	resolve func(types.JID) types.JID
	members func(types.JID) []string

	mu    sync.Mutex
	known map[string]bool
}

func newMapper(self func() string, resolve func(types.JID) types.JID, members func(types.JID) []string) *mapper {
	if resolve == nil {
		resolve = func(j types.JID) types.JID { return j }
	}
	return &mapper{self: self, resolve: resolve, members: members, known: make(map[string]bool)}
}

func (mp *mapper) userID(j types.JID) string {
	return mp.resolve(j).ToNonAD().String()
}

// chat returns a chatCreated event for chats not announced yet.
func (mp *mapper) chat(chat types.JID, sender string, ts int64) []transport.Event {
	id := mp.userID(chat)
	mp.mu.Lock()
	seen := mp.known[id]
	mp.known[id] = true
	mp.mu.Unlock()
	if seen {
		return nil
	}

	self := mp.self()
	participants := []string{self, id}
	if chat.Server == types.GroupServer {
		participants = []string{self, sender}
		if mp.members != nil {
			if ms := mp.members(chat); len(ms) > 0 {
				participants = append(ms, self)
			}
		}
	}
	return []transport.Event{{
		Kind:            transport.ChatCreated,
		ChatID:          id,
		ActorID:         self,
		ServerTimestamp: ts,
		Payload:         transport.Encode(transport.ChatPayload{Participants: participants}),
	}}
}

func (mp *mapper) message(evt *events.Message) []transport.Event {
	info := evt.Info
	ts := info.Timestamp.UnixMilli()
	actor := mp.userID(info.Sender)
	if info.IsFromMe {
		actor = mp.self()
	}
	base := transport.Event{
		ChatID:          mp.userID(info.Chat),
		MessageID:       info.ID,
		ActorID:         actor,
		ServerTimestamp: ts,
	}
	msg := evt.Message
	e, ok := mp.content(base, msg)
	if !ok {
		return nil
	}
	return append(mp.chat(info.Chat, actor, ts), e)
}

func (mp *mapper) content(base transport.Event, msg *waE2E.Message) (transport.Event, bool) {
	ts := base.ServerTimestamp
	if pm := msg.GetProtocolMessage(); pm != nil {
		base.MessageID = pm.GetKey().GetID()
		switch pm.GetType() {
		case waE2E.ProtocolMessage_REVOKE:
			base.Kind = transport.MessageDeleted
			base.Payload = transport.Encode(transport.DeletePayload{DeletedAt: ts})
			return base, true
		case waE2E.ProtocolMessage_MESSAGE_EDIT:
			base.Kind = transport.MessageEdited
			base.Payload = transport.Encode(transport.EditPayload{Text: extractTextBody(pm.GetEditedMessage()), EditedAt: ts})
			return base, true
		}
		return base, false
	}

	if r := msg.GetReactionMessage(); r != nil {
		at := r.GetSenderTimestampMS()
		if at == 0 {
			at = ts
		}
		reactionID := base.MessageID
		base.MessageID = r.GetKey().GetID()
		if r.GetText() == "" {
			base.Kind = transport.ReactionRemoved
			base.Payload = transport.Encode(transport.ReactionPayload{CreatedAt: at})
		} else {
			base.Kind = transport.ReactionAdded
			base.Payload = transport.Encode(transport.ReactionPayload{ReactionID: reactionID, Emoji: r.GetText(), CreatedAt: at})
		}
		return base, true
	}

	text := extractTextBody(msg)
	kind := detectMessageType(msg)
	if text == "" && kind == "unknown" {
		return base, false
	}
	p := transport.MessagePayload{Text: text, Timestamp: ts}
	if kind != "text" {
		p.MediaKind = kind
		p.MediaRef = "wa:" + base.MessageID
	}
	if ci := contextInfo(msg); ci.GetStanzaID() != "" {
		p.ResponseID = ci.GetStanzaID()
		p.ResponseTo = NormalizeJID(ci.GetParticipant())
		p.ResponseText = extractTextBody(ci.GetQuotedMessage())
	}
	base.Kind = transport.NewMessage
	base.Payload = transport.Encode(p)
	return base, true
}

func (mp *mapper) receipt(evt *events.Receipt) []transport.Event {
	actor := mp.userID(evt.Sender)
	if evt.IsFromMe {
		actor = mp.self()
	}
	ts := evt.Timestamp.UnixMilli()
	var out []transport.Event
	for _, id := range evt.MessageIDs {
		e := transport.Event{
			ChatID:          mp.userID(evt.Chat),
			MessageID:       id,
			ActorID:         actor,
			ServerTimestamp: ts,
		}
		switch evt.Type {
		case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
			e.Kind = transport.ReadReceipt
			e.Payload = transport.Encode(transport.ReadPayload{ReadAt: ts})
		case types.ReceiptTypeDelivered:
			if evt.IsFromMe {
				continue
			}
			e.Kind = transport.MessageStatusChanged
			e.Payload = transport.Encode(transport.StatusPayload{Status: "delivered"})
		default:
			continue
		}
		out = append(out, e)
	}
	return out
}

func (mp *mapper) presence(evt *events.Presence) transport.Event {
	status := "online"
	at := time.Now().UnixMilli()
	if evt.Unavailable {
		status = "offline"
		if !evt.LastSeen.IsZero() {
			at = evt.LastSeen.UnixMilli()
		}
	}
	return transport.Event{
		Kind:            transport.PresenceChanged,
		ActorID:         mp.userID(evt.From),
		ServerTimestamp: at,
		Payload:         transport.Encode(transport.PresencePayload{Status: status}),
	}
}

// history flattens a history sync blob into one ordered batch.
func (mp *mapper) history(evt *events.HistorySync) []transport.Event {
	data := evt.Data
	if data == nil {
		return nil
	}
	var out []transport.Event
	for _, conv := range data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			key := wmsg.GetKey()
			sender := chat
			if p := key.GetParticipant(); p != "" {
				if j, err := types.ParseJID(p); err == nil {
					sender = j
				}
			}
			out = append(out, mp.message(&events.Message{
				Info: types.MessageInfo{
					MessageSource: types.MessageSource{
						Chat:     chat,
						Sender:   sender,
						IsFromMe: key.GetFromMe(),
						IsGroup:  chat.Server == types.GroupServer,
					},
					ID:        key.GetID(),
					Timestamp: time.Unix(int64(wmsg.GetMessageTimestamp()), 0),
				},
				Message: wmsg.GetMessage(),
			})...)
		}
	}
	return out
}

// dispatcher feeds mapped events and connectivity into a transport.Handler.
type dispatcher struct {
	ctx     context.Context
	h       transport.Handler
	mp      *mapper
	adapter *Adapter
}

func (d *dispatcher) handle(rawEvt any) {
	a := d.adapter
	switch evt := rawEvt.(type) {
	case *events.Message:
		d.deliver(d.mp.message(evt))
	case *events.Receipt:
		d.deliver(d.mp.receipt(evt))
	case *events.Presence:
		d.deliver([]transport.Event{d.mp.presence(evt)})
	case *events.HistorySync:
		batch := d.mp.history(evt)
		if len(batch) == 0 {
			return
		}
		if bh, ok := d.h.(transport.BatchHandler); ok {
			if _, err := bh.ApplyBatch(d.ctx, batch); err != nil {
				a.logger.Error("history batch failed", zap.Error(err), zap.Int("events", len(batch)))
			}
			return
		}
		d.deliver(batch)
	case *events.PairSuccess:
		a.logger.Info("device paired", zap.String("jid", evt.ID.ToNonAD().String()))
		if ih, ok := d.h.(transport.IdentityHandler); ok {
			if err := ih.HandleIdentity(d.ctx, evt.ID.ToNonAD().String()); err != nil {
				a.logger.Error("adopt paired identity", zap.Error(err))
			}
		}
	case *events.Connected:
		a.logger.Info("WhatsApp connected")
		d.h.HandleConnectivity(true, nil)
	case *events.Disconnected:
		a.logger.Warn("WhatsApp disconnected")
		d.h.HandleConnectivity(false, nil)
	case *events.LoggedOut:
		a.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		d.h.HandleConnectivity(false, errLoggedOut)
		a.authRequired()
	}
}

func (d *dispatcher) deliver(evts []transport.Event) {
	for _, e := range evts {
		if err := d.h.HandleEvent(d.ctx, e); err != nil {
			d.adapter.logger.Error("apply inbound event", zap.String("kind", string(e.Kind)),
				zap.String("msg_id", e.MessageID), zap.Error(err))
		}
	}
}
