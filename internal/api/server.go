// Package api exposes the chat core over gRPC. Messages are plain Go
// structs carried by a JSON codec; the service descriptor is declared by
// hand in service.go.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/gateway"
	"github.com/matheus3301/chatcore/internal/messagelog"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/wa"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Authenticator starts an interactive pairing flow. Only the WhatsApp
// transport provides one.
type Authenticator interface {
	StartQRAuth(ctx context.Context) (<-chan wa.AuthEvent, error)
}

// Options configures a Service.
type Options struct {
	SessionName   string
	TransportKind string
	Gateway       *gateway.Gateway
	Bus           *bus.Bus
	Auth          Authenticator
	Logger        *zap.Logger
}

// Service implements ChatCoreServer on top of the gateway.
type Service struct {
	sessionName   string
	transportKind string
	startedAt     time.Time
	gw            *gateway.Gateway
	bus           *bus.Bus
	auth          Authenticator
	logger        *zap.Logger
}

var _ ChatCoreServer = (*Service)(nil)

// NewService creates the ChatCore service.
func NewService(o Options) *Service {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName:   o.SessionName,
		transportKind: o.TransportKind,
		startedAt:     time.Now(),
		gw:            o.Gateway,
		bus:           o.Bus,
		auth:          o.Auth,
		logger:        logger,
	}
}

func (s *Service) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	state := s.gw.Connectivity()
	resp := &StatusResponse{
		Session:   s.sessionName,
		Self:      s.gw.Self(),
		State:     string(state),
		Online:    state == status.Online,
		Transport: s.transportKind,
		UptimeMs:  time.Since(s.startedAt).Milliseconds(),
	}
	// Queue counts are unavailable while loading; the state says so.
	if entries, err := s.gw.QueueEntries(ctx); err == nil {
		for _, e := range entries {
			switch e.State {
			case store.OutboxPending:
				resp.QueuePending++
			case store.OutboxFailed:
				resp.QueueFailed++
			}
		}
	}
	return resp, nil
}

func (s *Service) ListChats(ctx context.Context, _ *ListChatsRequest) (*ListChatsResponse, error) {
	chats, err := s.gw.ChatList(ctx)
	if err != nil {
		return nil, err
	}
	return &ListChatsResponse{Chats: chatsToWire(chats)}, nil
}

func (s *Service) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	msgs, next, err := s.gw.Messages(ctx, req.ChatID, messagelog.Page{
		Before: cursorFromWire(req.Before),
		Limit:  req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &ListMessagesResponse{Messages: messagesToWire(msgs), Next: cursorToWire(next)}, nil
}

func (s *Service) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	msgs, err := s.gw.Search(ctx, req.Query, req.ChatID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{Messages: messagesToWire(msgs)}, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*MessageResponse, error) {
	m, err := s.gw.SendMessage(ctx, gateway.SendMessageParams{
		ID:        req.ID,
		ChatID:    req.ChatID,
		Text:      req.Text,
		MediaRef:  req.MediaRef,
		MediaKind: req.MediaKind,
		ReplyTo:   req.ReplyTo,
	})
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: messageToWire(m)}, nil
}

func (s *Service) EditMessage(ctx context.Context, req *EditMessageRequest) (*MessageResponse, error) {
	m, err := s.gw.EditMessage(ctx, gateway.EditMessageParams{MessageID: req.MessageID, Text: req.Text})
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: messageToWire(m)}, nil
}

func (s *Service) DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*MessageResponse, error) {
	m, err := s.gw.DeleteMessage(ctx, gateway.DeleteMessageParams{MessageID: req.MessageID})
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: messageToWire(m)}, nil
}

func (s *Service) AddReaction(ctx context.Context, req *ReactionRequest) (*ReactionResponse, error) {
	r, err := s.gw.AddReaction(ctx, gateway.ReactionParams{MessageID: req.MessageID, Emoji: req.Emoji})
	if err != nil {
		return nil, err
	}
	return &ReactionResponse{Reaction: reactionToWire(r)}, nil
}

func (s *Service) RemoveReaction(ctx context.Context, req *ReactionRequest) (*Empty, error) {
	if err := s.gw.RemoveReaction(ctx, gateway.ReactionParams{MessageID: req.MessageID}); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	ids, err := s.gw.MarkRead(ctx, gateway.MarkReadParams{ChatID: req.ChatID, UptoMessageID: req.UptoMessageID})
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return &MarkReadResponse{Read: ids}, nil
}

func (s *Service) ReadBy(ctx context.Context, req *ReadByRequest) (*ReadByResponse, error) {
	users, err := s.gw.ReadBy(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []string{}
	}
	return &ReadByResponse{MessageID: req.MessageID, Users: users}, nil
}

func (s *Service) CreateChat(ctx context.Context, req *CreateChatRequest) (*ChatResponse, error) {
	c, err := s.gw.CreateChat(ctx, gateway.CreateChatParams{Participants: req.Participants})
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Chat: chatToWire(c)}, nil
}

func (s *Service) ForwardMessage(ctx context.Context, req *ForwardMessageRequest) (*MessageResponse, error) {
	m, err := s.gw.ForwardMessage(ctx, gateway.ForwardMessageParams{MessageID: req.MessageID, ToChatID: req.ToChatID})
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: messageToWire(m)}, nil
}

func (s *Service) ListQueue(ctx context.Context, _ *ListQueueRequest) (*ListQueueResponse, error) {
	entries, err := s.gw.QueueEntries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]QueueEntry, 0, len(entries))
	for i := range entries {
		out = append(out, entryToWire(&entries[i]))
	}
	return &ListQueueResponse{Entries: out}, nil
}

func (s *Service) RetryEntry(ctx context.Context, req *EntryRequest) (*EntryResponse, error) {
	e, err := s.gw.RetryEntry(ctx, req.EntryID)
	if err != nil {
		return nil, err
	}
	return &EntryResponse{Entry: entryToWire(e)}, nil
}

func (s *Service) DiscardEntry(ctx context.Context, req *EntryRequest) (*Empty, error) {
	if err := s.gw.DiscardEntry(ctx, req.EntryID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) SetOnline(ctx context.Context, req *SetOnlineRequest) (*StatusResponse, error) {
	if err := s.gw.SetOnline(req.Online); err != nil {
		return nil, err
	}
	return s.Status(ctx, &StatusRequest{})
}

// WatchChats streams a chat list snapshot immediately and after every chat
// change. Bursts of changes are coalesced into one snapshot.
func (s *Service) WatchChats(_ *WatchChatsRequest, stream *ServerStream[ChatListUpdate]) error {
	ctx := stream.Context()
	ch, unsub := s.bus.Subscribe("chat.", 64)
	defer unsub()

	send := func() error {
		chats, err := s.gw.ChatList(ctx)
		if err != nil {
			return err
		}
		return stream.Send(&ChatListUpdate{Chats: chatsToWire(chats)})
	}
	if err := send(); err != nil {
		return err
	}
	for {
		select {
		case <-ch:
			drain(ch)
			if err := send(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// WatchMessages streams the newest page of one chat immediately and after
// every change to a message of that chat.
func (s *Service) WatchMessages(req *WatchMessagesRequest, stream *ServerStream[MessagesUpdate]) error {
	ctx := stream.Context()
	ch, unsub := s.bus.Subscribe("message.", 256)
	defer unsub()

	send := func() error {
		msgs, next, err := s.gw.Messages(ctx, req.ChatID, messagelog.Page{Limit: req.Limit})
		if err != nil {
			return err
		}
		return stream.Send(&MessagesUpdate{
			ChatID:   req.ChatID,
			Messages: messagesToWire(msgs),
			Next:     cursorToWire(next),
		})
	}
	if err := send(); err != nil {
		return err
	}
	for {
		select {
		case evt := <-ch:
			hit := affects(evt, req.ChatID)
			for more := true; more; {
				select {
				case evt = <-ch:
					hit = hit || affects(evt, req.ChatID)
				default:
					more = false
				}
			}
			if !hit {
				continue
			}
			if err := send(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// StartAuth relays the pairing flow until it finishes.
func (s *Service) StartAuth(_ *StartAuthRequest, stream *ServerStream[AuthEvent]) error {
	if s.auth == nil {
		return grpcstatus.Errorf(codes.FailedPrecondition, "transport %q has no pairing flow", s.transportKind)
	}
	events, err := s.auth.StartQRAuth(stream.Context())
	if err != nil {
		if errors.Is(err, wa.ErrAlreadyPaired) {
			return err
		}
		return grpcstatus.Errorf(codes.Unavailable, "start auth: %v", err)
	}
	for evt := range events {
		if err := stream.Send(&evt); err != nil {
			return err
		}
	}
	return nil
}

func affects(evt bus.Event, chatID string) bool {
	ref, ok := evt.Payload.(bus.MessageRef)
	return ok && ref.ChatID == chatID
}

func drain(ch <-chan bus.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
