// Package wa implements the transport over WhatsApp Web using whatsmeow.
// Chat and user ids are normalized JIDs.
package wa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/transport"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

var errLoggedOut = errors.New("whatsapp session logged out")

// Adapter wraps the whatsmeow client and manages the WhatsApp connection.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	machine   *status.Machine
	logger    *zap.Logger

	retryBase time.Duration
	running   atomic.Bool
}

var (
	_ transport.Transport      = (*Adapter)(nil)
	_ transport.ChatIDResolver = (*Adapter)(nil)
)

// NewAdapter opens the device store at dbPath. machine receives the
// AuthRequired and Connecting states the gateway cannot observe.
func NewAdapter(ctx context.Context, dbPath string, machine *status.Machine, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("chatcore", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	return &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		machine:   machine,
		logger:    logger,
		retryBase: 2 * time.Second,
	}, nil
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client != nil && a.client.Store.ID != nil
}

// Self returns the paired account's user id, or "" before pairing.
func (a *Adapter) Self() string {
	if !a.IsLoggedIn() {
		return ""
	}
	return a.client.Store.ID.ToNonAD().String()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

func (a *Adapter) authRequired() {
	if a.machine == nil {
		return
	}
	if err := a.machine.Set(status.AuthRequired); err != nil {
		a.logger.Warn("cannot enter auth required", zap.Error(err))
	}
}

// Run implements transport.Transport. It connects when credentials exist
// and otherwise waits for StartQRAuth to pair the device.
func (a *Adapter) Run(ctx context.Context, h transport.Handler) error {
	d := &dispatcher{ctx: ctx, h: h, adapter: a}
	d.mp = newMapper(a.Self, func(j types.JID) types.JID { return a.ResolveLID(ctx, j) }, func(j types.JID) []string {
		return a.groupMembers(ctx, j)
	})
	id := a.client.AddEventHandler(d.handle)
	defer a.client.RemoveEventHandler(id)
	a.running.Store(true)
	defer a.running.Store(false)

	if !a.IsLoggedIn() {
		a.logger.Info("no credentials found, auth required")
		a.authRequired()
	} else {
		a.connect(ctx, h)
	}

	<-ctx.Done()
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
	return ctx.Err()
}

// connect retries the first connection with backoff. Later drops are
// handled by whatsmeow's auto-reconnect.
func (a *Adapter) connect(ctx context.Context, h transport.Handler) {
	if a.machine != nil {
		_ = a.machine.Set(status.Connecting)
	}
	wait := a.retryBase
	for {
		a.logger.Info("connecting to WhatsApp")
		err := a.client.Connect()
		if err == nil {
			return
		}
		a.logger.Error("connect failed", zap.Error(err), zap.Duration("retry_in", wait))
		h.HandleConnectivity(false, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, 5*time.Minute)
	}
}

// ChatID implements transport.ChatIDResolver: a one-to-one chat is named
// after the other participant's JID. Groups get no opinion.
func (a *Adapter) ChatID(participants []string, self string) (string, bool, error) {
	if len(participants) != 2 {
		return "", false, nil
	}
	other := participants[0]
	if other == self {
		other = participants[1]
	}
	jid, err := types.ParseJID(other)
	if err != nil || jid.User == "" {
		return "", false, apperr.Invalid("participant %q is not a WhatsApp JID", other)
	}
	return jid.ToNonAD().String(), true, nil
}

// Deliver implements transport.Transport.
func (a *Adapter) Deliver(ctx context.Context, m transport.Mutation) (transport.Ack, error) {
	if !a.IsLoggedIn() || !a.client.IsConnected() {
		return transport.Ack{}, transport.ErrOffline
	}
	ack := transport.Ack{EntryID: m.EntryID}

	if m.Kind == transport.CreateChat {
		var p transport.ChatPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ack, transport.Rejected("bad chat payload")
		}
		if len(p.Participants) != 2 {
			return ack, transport.Rejected("group creation is not supported")
		}
		// One-to-one chats exist implicitly on WhatsApp.
		ack.ServerTimestamp = time.Now().UnixMilli()
		return ack, nil
	}

	chat, err := types.ParseJID(m.ChatID)
	if err != nil || chat.User == "" {
		return ack, transport.Rejected(fmt.Sprintf("chat %q is not a WhatsApp JID", m.ChatID))
	}

	var (
		msg   *waE2E.Message
		extra []whatsmeow.SendRequestExtra
	)
	switch m.Kind {
	case transport.SendMessage:
		var p transport.MessagePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ack, transport.Rejected("bad message payload")
		}
		if p.Text == "" {
			return ack, transport.Rejected("media upload is not supported")
		}
		msg = textMessage(p)
		extra = append(extra, whatsmeow.SendRequestExtra{ID: types.MessageID(m.MessageID)})
	case transport.EditMessage:
		var p transport.EditPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ack, transport.Rejected("bad edit payload")
		}
		msg = a.client.BuildEdit(chat, types.MessageID(m.MessageID), &waE2E.Message{Conversation: proto.String(p.Text)})
	case transport.DeleteMessage:
		msg = a.client.BuildRevoke(chat, types.EmptyJID, types.MessageID(m.MessageID))
	case transport.AddReaction, transport.RemoveReaction:
		var p transport.ReactionPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ack, transport.Rejected("bad reaction payload")
		}
		emoji := p.Emoji
		if m.Kind == transport.RemoveReaction {
			emoji = ""
		}
		msg = a.client.BuildReaction(chat, a.jidOf(p.TargetSenderID, chat), types.MessageID(m.MessageID), emoji)
	case transport.MarkRead:
		var p transport.ReadPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return ack, transport.Rejected("bad read payload")
		}
		sender := a.jidOf(p.SenderID, chat)
		if err := a.client.MarkRead(ctx, []types.MessageID{types.MessageID(m.MessageID)}, time.UnixMilli(p.ReadAt), chat, sender); err != nil {
			return ack, classify(m.Kind, err)
		}
		ack.ServerTimestamp = time.Now().UnixMilli()
		return ack, nil
	default:
		return ack, transport.Rejected(fmt.Sprintf("unsupported mutation %q", m.Kind))
	}

	resp, err := a.client.SendMessage(ctx, chat, msg, extra...)
	if err != nil {
		return ack, classify(m.Kind, err)
	}
	ack.ServerTimestamp = resp.Timestamp.UnixMilli()
	return ack, nil
}

func classify(kind transport.MutationKind, err error) error {
	if errors.Is(err, whatsmeow.ErrNotConnected) || errors.Is(err, whatsmeow.ErrNotLoggedIn) {
		return transport.ErrOffline
	}
	return fmt.Errorf("whatsapp %s: %v: %w", kind, err, apperr.ErrTransport)
}

func textMessage(p transport.MessagePayload) *waE2E.Message {
	if p.ResponseID == "" {
		return &waE2E.Message{Conversation: proto.String(p.Text)}
	}
	ci := &waE2E.ContextInfo{StanzaID: proto.String(p.ResponseID)}
	if p.ResponseTo != "" {
		ci.Participant = proto.String(p.ResponseTo)
	}
	if p.ResponseText != "" {
		ci.QuotedMessage = &waE2E.Message{Conversation: proto.String(p.ResponseText)}
	}
	return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String(p.Text),
		ContextInfo: ci,
	}}
}

// jidOf parses a stored user id, defaulting to fallback.
func (a *Adapter) jidOf(userID string, fallback types.JID) types.JID {
	if userID == "" {
		return fallback
	}
	if userID == a.Self() {
		return a.client.Store.ID.ToNonAD()
	}
	jid, err := types.ParseJID(userID)
	if err != nil {
		return fallback
	}
	return jid
}

func (a *Adapter) groupMembers(ctx context.Context, group types.JID) []string {
	if !a.client.IsConnected() {
		return nil
	}
	info, err := a.client.GetGroupInfo(ctx, group)
	if err != nil {
		a.logger.Warn("group info unavailable", zap.String("chat_id", group.String()), zap.Error(err))
		return nil
	}
	members := make([]string, 0, len(info.Participants))
	for _, p := range info.Participants {
		members = append(members, a.ResolveLID(ctx, p.JID).ToNonAD().String())
	}
	return members
}

// ResolveLID resolves a LID JID to its phone number JID using the device store mapping.
// Returns the original JID if it's not a LID or if resolution fails.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
