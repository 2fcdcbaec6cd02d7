// Package gateway is the single ingress and egress of the chat core. Local
// intents are written optimistically and queued; inbound server events are
// applied idempotently; the outbox is replayed while the transport is
// online.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/chatindex"
	"github.com/matheus3301/chatcore/internal/identity"
	"github.com/matheus3301/chatcore/internal/messagelog"
	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/outbox"
	"github.com/matheus3301/chatcore/internal/receipts"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/transport"
	"go.uber.org/zap"
)

// Options configures a Gateway.
type Options struct {
	DB        *store.DB
	Transport transport.Transport
	Bus       *bus.Bus
	Status    *status.Machine
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	Policy        outbox.Policy
	FlushInterval time.Duration
}

// Gateway owns every mutation of the store.
type Gateway struct {
	db        *store.DB
	transport transport.Transport
	bus       *bus.Bus
	status    *status.Machine
	metrics   *metrics.Metrics
	logger    *zap.Logger
	validate  *validator.Validate
	now       func() time.Time

	users    *identity.Store
	chats    *chatindex.Index
	messages *messagelog.Log
	receipts *receipts.Tracker
	queue    *outbox.Queue
	drainer  *outbox.Drainer

	// mu serializes every write: intents, inbound events and delivery
	// outcomes.
	mu   sync.Mutex
	self string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a gateway. It is unusable until Hydrate succeeds.
func New(o Options) *Gateway {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	st := o.Status
	if st == nil {
		st = status.NewMachine(o.Bus)
	}
	g := &Gateway{
		db:        o.DB,
		transport: o.Transport,
		bus:       o.Bus,
		status:    st,
		metrics:   o.Metrics,
		logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
		users:     identity.New(logger.Named("identity")),
		chats:     chatindex.New(logger.Named("chatindex")),
		messages:  messagelog.New(logger.Named("messagelog")),
		receipts:  receipts.New(logger.Named("receipts")),
		queue:     outbox.NewQueue(o.Policy, logger.Named("outbox")),
	}
	g.drainer = outbox.NewDrainer(o.DB, g.queue, g, o.FlushInterval, logger.Named("drainer"))
	return g
}

// Hydrate checks the store and loads the session user. selfID, when
// non-empty, becomes the current user; otherwise the stored one is used.
// Until Hydrate returns, intents fail with NotReady.
func (g *Gateway) Hydrate(ctx context.Context, selfID string) error {
	if err := g.status.Transition(status.Hydrating); err != nil {
		return err
	}
	fail := func(err error) error {
		_ = g.status.Transition(status.Error)
		g.logger.Error("hydration failed", zap.Error(err))
		return err
	}

	if err := g.db.QuickCheck(ctx); err != nil {
		return fail(err)
	}
	if selfID != "" {
		if err := g.db.InTx(ctx, func(q *store.Queries) error {
			return g.users.SetCurrent(ctx, q, selfID)
		}); err != nil {
			return fail(err)
		}
	}
	self, err := g.users.Current(ctx, g.db.Queries())
	if err != nil {
		return fail(fmt.Errorf("no session user configured: %w", err))
	}

	g.mu.Lock()
	g.self = self
	g.mu.Unlock()

	counts, err := g.queue.Counts(ctx, g.db.Queries())
	if err != nil {
		return fail(err)
	}
	g.metrics.Queue(counts[store.OutboxPending], counts[store.OutboxFailed])
	deferred, err := g.db.Queries().CountDeferred(ctx)
	if err != nil {
		return fail(apperr.Storage("count deferred", err))
	}

	if err := g.status.Transition(status.Offline); err != nil {
		return fail(err)
	}
	g.logger.Info("store hydrated",
		zap.String("self", self),
		zap.Int("queue_pending", counts[store.OutboxPending]),
		zap.Int("queue_failed", counts[store.OutboxFailed]),
		zap.Int("deferred_events", deferred))
	return nil
}

// Start launches the outbox drainer and, when a transport is configured,
// the transport loop.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.drainer.Start(ctx)
	if g.transport == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.transport.Run(ctx, g); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("transport stopped", zap.Error(err))
		}
	}()
}

// Close halts the drainer and the transport loop.
func (g *Gateway) Close() {
	if g.cancel != nil {
		g.cancel()
	}
	g.drainer.Stop()
	g.wg.Wait()
}

// Self returns the session user id.
func (g *Gateway) Self() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.self
}

// Connectivity returns the current lifecycle/connectivity state.
func (g *Gateway) Connectivity() status.State {
	return g.status.Current()
}

// SetOnline records externally detected connectivity.
func (g *Gateway) SetOnline(online bool) error {
	if !g.status.Hydrated() {
		return fmt.Errorf("set online: %w", apperr.ErrNotReady)
	}
	target := status.Offline
	if online {
		target = status.Online
	}
	if err := g.status.Set(target); err != nil {
		return apperr.Invalid("%v", err)
	}
	g.drainer.SetOnline(online)
	return nil
}

// HandleConnectivity implements transport.Handler.
func (g *Gateway) HandleConnectivity(online bool, cause error) {
	if !g.status.Hydrated() {
		return
	}
	if err := g.SetOnline(online); err != nil {
		g.logger.Warn("connectivity change ignored", zap.Bool("online", online), zap.Error(err))
		return
	}
	if cause != nil && !online {
		g.logger.Info("transport offline", zap.Error(cause))
	}
}

// Flush runs one drain pass synchronously.
func (g *Gateway) Flush(ctx context.Context) (int, error) {
	return g.drainer.Drain(ctx)
}

func (g *Gateway) ready() error {
	if !g.status.Hydrated() {
		return apperr.ErrNotReady
	}
	return nil
}

func (g *Gateway) check(params any) error {
	if err := g.validate.Struct(params); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.Invalid("%s failed on %s", verrs[0].Field(), verrs[0].Tag())
		}
		return apperr.Invalid("%v", err)
	}
	return nil
}

// effects collects bus events to publish after a transaction commits.
type effects struct {
	events []bus.Event
	queue  bool
	kick   bool
}

func (fx *effects) chat(id string) {
	fx.events = append(fx.events, bus.Event{Kind: bus.ChatUpdated, Payload: bus.ChatRef{ChatID: id}})
}

func (fx *effects) message(kind, chatID, msgID string) {
	fx.events = append(fx.events, bus.Event{Kind: kind, Payload: bus.MessageRef{ChatID: chatID, MessageID: msgID}})
}

func (g *Gateway) publish(ctx context.Context, fx *effects) {
	for _, e := range fx.events {
		g.bus.Emit(e.Kind, e.Payload)
	}
	if fx.queue {
		counts, err := g.queue.Counts(ctx, g.db.Queries())
		if err != nil {
			g.logger.Error("count outbox", zap.Error(err))
		} else {
			g.metrics.Queue(counts[store.OutboxPending], counts[store.OutboxFailed])
			g.bus.Emit(bus.QueueChanged, bus.QueueCounts{
				Pending: counts[store.OutboxPending],
				Failed:  counts[store.OutboxFailed],
			})
		}
	}
	if fx.kick {
		g.drainer.Kick()
	}
}

// write runs fn in one transaction under the gateway lock and publishes its
// effects once committed.
func (g *Gateway) write(ctx context.Context, fn func(q *store.Queries, fx *effects) error) error {
	g.mu.Lock()
	fx := &effects{}
	err := g.db.InTx(ctx, func(q *store.Queries) error {
		return fn(q, fx)
	})
	g.mu.Unlock()
	if err != nil {
		if errors.Is(err, apperr.ErrStorage) {
			g.logger.Error("storage failure", zap.Error(err))
		}
		return err
	}
	g.publish(ctx, fx)
	return nil
}

// HandleIdentity implements transport.IdentityHandler: the transport learned
// the account id, for example after pairing, and it becomes the session
// user.
func (g *Gateway) HandleIdentity(ctx context.Context, userID string) error {
	if err := g.ready(); err != nil {
		return err
	}
	if g.Self() == userID {
		return nil
	}
	err := g.db.InTx(ctx, func(q *store.Queries) error {
		return g.users.SetCurrent(ctx, q, userID)
	})
	if err != nil {
		return err
	}
	g.mu.Lock()
	from := g.self
	g.self = userID
	g.mu.Unlock()
	g.logger.Info("session user changed", zap.String("from", from), zap.String("to", userID))
	g.bus.Emit(bus.ChatUpdated, bus.ChatRef{})
	return nil
}

// UpdateProfile sets the session user's display name.
func (g *Gateway) UpdateProfile(ctx context.Context, name string) error {
	if err := g.ready(); err != nil {
		return err
	}
	return g.write(ctx, func(q *store.Queries, fx *effects) error {
		if err := g.users.Upsert(ctx, q, store.User{ID: g.self, Name: name}); err != nil {
			return err
		}
		fx.chat("")
		return nil
	})
}
