package wa

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"
)

// AuthEventType enumerates auth event types.
type AuthEventType string

const (
	AuthEventQRCode        AuthEventType = "qr_code"
	AuthEventAuthenticated AuthEventType = "authenticated"
	AuthEventAuthFailed    AuthEventType = "auth_failed"
	AuthEventTimeout       AuthEventType = "timeout"
)

// AuthEvent represents an auth lifecycle event.
type AuthEvent struct {
	Type    AuthEventType `json:"type"`
	QRCode  string        `json:"qrCode,omitempty"`
	Message string        `json:"message,omitempty"`
}

// ErrAlreadyPaired is returned by StartQRAuth when credentials exist.
var ErrAlreadyPaired = errors.New("already logged in")

// StartQRAuth begins the QR pairing flow. The caller should read the
// returned channel until it closes. Run must be active so the paired
// session reaches the gateway.
func (a *Adapter) StartQRAuth(ctx context.Context) (<-chan AuthEvent, error) {
	if a.IsLoggedIn() {
		return nil, ErrAlreadyPaired
	}
	if !a.running.Load() {
		return nil, errors.New("whatsapp transport is not running")
	}
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}

	out := make(chan AuthEvent, 10)
	go func() {
		defer close(out)

		// Connect must be called after GetQRChannel.
		if err := a.client.Connect(); err != nil {
			out <- AuthEvent{Type: AuthEventAuthFailed, Message: err.Error()}
			return
		}
		for item := range qrChan {
			if evt, done := authEvent(item); evt != nil {
				out <- *evt
				if done {
					a.logger.Info("QR auth finished", zap.String("result", string(evt.Type)))
					return
				}
			}
		}
	}()
	return out, nil
}

// authEvent maps one QR channel item. done reports a terminal item.
func authEvent(item whatsmeow.QRChannelItem) (evt *AuthEvent, done bool) {
	switch item.Event {
	case "code":
		return &AuthEvent{Type: AuthEventQRCode, QRCode: item.Code}, false
	case "success":
		return &AuthEvent{Type: AuthEventAuthenticated, Message: "authenticated"}, true
	case "timeout":
		return &AuthEvent{Type: AuthEventTimeout, Message: "QR code timeout"}, true
	}
	if item.Error != nil {
		return &AuthEvent{Type: AuthEventAuthFailed, Message: item.Error.Error()}, true
	}
	return nil, false
}
