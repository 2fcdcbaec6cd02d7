package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/transport"
	"go.uber.org/zap"
)

// recorder is a transport.Handler collecting what it receives.
type recorder struct {
	mu     sync.Mutex
	events []transport.Event
	online chan bool
}

func newRecorder() *recorder {
	return &recorder{online: make(chan bool, 16)}
}

func (r *recorder) HandleEvent(_ context.Context, e transport.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) HandleConnectivity(online bool, _ error) {
	r.online <- online
}

func (r *recorder) Events() []transport.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Event(nil), r.events...)
}

// fakeServer acks every mutation except those whose chat is "reject",
// which get a permanent nack. It pushes one event on connect.
func fakeServer(t *testing.T) (*httptest.Server, <-chan string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	auth := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case auth <- r.Header.Get("Authorization"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(frame{Type: frameEvent, Event: &transport.Event{
			Kind: transport.NewMessage, ChatID: "c1", MessageID: "m1", ActorID: "bob",
			ServerTimestamp: 42,
			Payload:         transport.Encode(transport.MessagePayload{Text: "hi", Timestamp: 40}),
		}})
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type != frameMutation || f.Mutation == nil {
				continue
			}
			if f.Mutation.ChatID == "reject" {
				_ = conn.WriteJSON(frame{Type: frameNack, EntryID: f.Mutation.EntryID, Error: "not a member", Permanent: true})
				continue
			}
			_ = conn.WriteJSON(frame{Type: frameAck, Ack: &transport.Ack{EntryID: f.Mutation.EntryID, ServerTimestamp: 100}})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, auth
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDeliverAndReceive(t *testing.T) {
	srv, auth := fakeServer(t)
	tr := New(Config{URL: wsURL(srv), Token: "tok", AckTimeout: 2 * time.Second}, zap.NewNop())
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Run(ctx, rec) }()

	select {
	case online := <-rec.online:
		if !online {
			t.Fatal("first connectivity report was offline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
	if got := <-auth; got != "Bearer tok" {
		t.Errorf("authorization = %q", got)
	}

	ack, err := tr.Deliver(ctx, transport.Mutation{EntryID: "e1", Kind: transport.SendMessage, ChatID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if ack.EntryID != "e1" || ack.ServerTimestamp != 100 {
		t.Errorf("ack = %+v", ack)
	}

	_, err = tr.Deliver(ctx, transport.Mutation{EntryID: "e2", Kind: transport.SendMessage, ChatID: "reject"})
	if !errors.Is(err, transport.ErrRejected) {
		t.Errorf("err = %v, want rejected", err)
	}

	deadline := time.After(2 * time.Second)
	for len(rec.Events()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for pushed event")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if e := rec.Events()[0]; e.Kind != transport.NewMessage || e.MessageID != "m1" {
		t.Errorf("event = %+v", e)
	}
}

func TestDeliverWhileDisconnected(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:1"}, zap.NewNop())
	_, err := tr.Deliver(context.Background(), transport.Mutation{EntryID: "e1"})
	if !errors.Is(err, transport.ErrOffline) || !errors.Is(err, apperr.ErrTransport) {
		t.Errorf("err = %v, want offline transport failure", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	tr := New(Config{ReconnectBase: 100 * time.Millisecond, ReconnectMax: time.Second}, zap.NewNop())
	for attempt := 0; attempt < 10; attempt++ {
		d := tr.backoff(attempt)
		if d > time.Second {
			t.Errorf("attempt %d: delay %v above cap", attempt, d)
		}
		if attempt == 0 && (d < 100*time.Millisecond || d > 150*time.Millisecond) {
			t.Errorf("first delay %v outside [base, 1.5*base]", d)
		}
	}
}
