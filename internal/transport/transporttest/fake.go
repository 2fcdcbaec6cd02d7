// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatcore/internal/transport"
)

// Fake records delivered mutations and lets tests push inbound events.
// While offline, or while a failure is armed or matches, Deliver returns
// an error.
type Fake struct {
	mu        sync.Mutex
	online    bool
	delivered []transport.Mutation
	failNext  []error
	failWhen  func(transport.Mutation) error
	handler   transport.Handler
	clock     int64
	ready     chan struct{}
}

// New returns an offline fake.
func New() *Fake {
	return &Fake{ready: make(chan struct{})}
}

// Run registers h and blocks until ctx is done.
func (f *Fake) Run(ctx context.Context, h transport.Handler) error {
	f.mu.Lock()
	f.handler = h
	online := f.online
	close(f.ready)
	f.mu.Unlock()
	if online {
		h.HandleConnectivity(true, nil)
	}
	<-ctx.Done()
	return ctx.Err()
}

// Ready is closed once Run has registered its handler.
func (f *Fake) Ready() <-chan struct{} {
	return f.ready
}

// Deliver acks m unless the fake is offline or a failure is armed.
func (f *Fake) Deliver(_ context.Context, m transport.Mutation) (transport.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return transport.Ack{}, transport.ErrOffline
	}
	if len(f.failNext) > 0 {
		err := f.failNext[0]
		f.failNext = f.failNext[1:]
		return transport.Ack{}, err
	}
	if f.failWhen != nil {
		if err := f.failWhen(m); err != nil {
			return transport.Ack{}, err
		}
	}
	f.delivered = append(f.delivered, m)
	f.clock++
	return transport.Ack{EntryID: m.EntryID, ServerTimestamp: time.Now().UnixMilli() + f.clock}, nil
}

// SetOnline flips connectivity and notifies the registered handler.
func (f *Fake) SetOnline(online bool) {
	f.mu.Lock()
	f.online = online
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		var cause error
		if !online {
			cause = transport.ErrOffline
		}
		h.HandleConnectivity(online, cause)
	}
}

// FailNext makes the next len(errs) deliveries fail with errs in order.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = append(f.failNext, errs...)
}

// FailWhen makes every delivery for which fn returns an error fail with
// it. It is consulted after FailNext.
func (f *Fake) FailWhen(fn func(transport.Mutation) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWhen = fn
}

// Delivered returns the mutations acked so far.
func (f *Fake) Delivered() []transport.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Mutation(nil), f.delivered...)
}

// Push hands e to the registered handler as if it came off the wire.
func (f *Fake) Push(ctx context.Context, e transport.Event) error {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return transport.ErrOffline
	}
	return h.HandleEvent(ctx, e)
}
