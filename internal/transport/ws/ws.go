// Package ws implements the transport over a JSON WebSocket connection.
//
// Frames are JSON objects tagged by "type":
//
//	{"type":"event","event":{...}}        server -> client
//	{"type":"mutation","mutation":{...}}  client -> server
//	{"type":"ack","ack":{...}}            server -> client
//	{"type":"nack","entryId":"…","error":"…","permanent":true}
package ws

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/transport"
	"go.uber.org/zap"
)

const (
	frameEvent    = "event"
	frameMutation = "mutation"
	frameAck      = "ack"
	frameNack     = "nack"
)

type frame struct {
	Type      string              `json:"type"`
	Event     *transport.Event    `json:"event,omitempty"`
	Mutation  *transport.Mutation `json:"mutation,omitempty"`
	Ack       *transport.Ack      `json:"ack,omitempty"`
	EntryID   string              `json:"entryId,omitempty"`
	Error     string              `json:"error,omitempty"`
	Permanent bool                `json:"permanent,omitempty"`
}

// Config configures the WebSocket transport.
type Config struct {
	URL            string
	Token          string
	AckTimeout     time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	HandshakeLimit time.Duration
}

func (c *Config) defaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 15 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.HandshakeLimit <= 0 {
		c.HandshakeLimit = 10 * time.Second
	}
}

// Transport is a reconnecting WebSocket client.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame

	writeMu sync.Mutex
}

// New creates a WebSocket transport. It does not connect until Run.
func New(cfg Config, logger *zap.Logger) *Transport {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeLimit},
		logger:  logger,
		pending: make(map[string]chan frame),
	}
}

// Run connects and reconnects with jittered exponential backoff until ctx
// is done.
func (t *Transport) Run(ctx context.Context, h transport.Handler) error {
	attempt := 0
	for {
		connectedAt, err := t.session(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !connectedAt.IsZero() && time.Since(connectedAt) > time.Minute {
			attempt = 0
		}
		delay := t.backoff(attempt)
		attempt++
		t.logger.Warn("websocket disconnected, reconnecting",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Transport) backoff(attempt int) time.Duration {
	base := float64(t.cfg.ReconnectBase)
	jitter := rand.Float64() * base * 0.5
	return time.Duration(math.Min(base*math.Pow(2, float64(attempt))+jitter, float64(t.cfg.ReconnectMax)))
}

// session runs one connection until it drops.
func (t *Transport) session(ctx context.Context, h transport.Handler) (time.Time, error) {
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		h.HandleConnectivity(false, fmt.Errorf("dial: %w", err))
		return time.Time{}, err
	}
	connectedAt := time.Now()

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.logger.Info("websocket connected", zap.String("url", t.cfg.URL))
	h.HandleConnectivity(true, nil)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	err = t.readLoop(ctx, conn, h)

	t.mu.Lock()
	t.conn = nil
	pending := t.pending
	t.pending = make(map[string]chan frame)
	t.mu.Unlock()
	_ = conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	h.HandleConnectivity(false, err)
	return connectedAt, err
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, h transport.Handler) error {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch f.Type {
		case frameEvent:
			if f.Event == nil {
				continue
			}
			if err := h.HandleEvent(ctx, *f.Event); err != nil {
				t.logger.Error("inbound event not applied",
					zap.String("kind", string(f.Event.Kind)),
					zap.String("msg_id", f.Event.MessageID), zap.Error(err))
			}
		case frameAck, frameNack:
			id := f.EntryID
			if f.Ack != nil {
				id = f.Ack.EntryID
			}
			t.mu.Lock()
			ch, ok := t.pending[id]
			delete(t.pending, id)
			t.mu.Unlock()
			if ok {
				ch <- f
			}
		default:
			t.logger.Debug("unknown frame type", zap.String("type", f.Type))
		}
	}
}

// Deliver writes m and waits for the matching ack or nack.
func (t *Transport) Deliver(ctx context.Context, m transport.Mutation) (transport.Ack, error) {
	ch := make(chan frame, 1)
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return transport.Ack{}, transport.ErrOffline
	}
	t.pending[m.EntryID] = ch
	t.mu.Unlock()

	forget := func() {
		t.mu.Lock()
		delete(t.pending, m.EntryID)
		t.mu.Unlock()
	}

	t.writeMu.Lock()
	err := conn.WriteJSON(frame{Type: frameMutation, Mutation: &m})
	t.writeMu.Unlock()
	if err != nil {
		forget()
		return transport.Ack{}, fmt.Errorf("write mutation: %w: %w", apperr.ErrTransport, err)
	}

	timer := time.NewTimer(t.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case f, ok := <-ch:
		if !ok {
			return transport.Ack{}, transport.ErrOffline
		}
		if f.Type == frameNack {
			if f.Permanent {
				return transport.Ack{}, transport.Rejected(f.Error)
			}
			return transport.Ack{}, fmt.Errorf("server nack: %s: %w", f.Error, apperr.ErrTransport)
		}
		if f.Ack == nil {
			return transport.Ack{EntryID: m.EntryID}, nil
		}
		return *f.Ack, nil
	case <-timer.C:
		forget()
		return transport.Ack{}, fmt.Errorf("ack timeout after %s: %w", t.cfg.AckTimeout, apperr.ErrTransport)
	case <-ctx.Done():
		forget()
		return transport.Ack{}, errors.Join(apperr.ErrTransport, ctx.Err())
	}
}
