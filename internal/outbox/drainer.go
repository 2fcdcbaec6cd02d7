package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatcore/internal/store"
	"go.uber.org/zap"
)

// Deliverer sends one entry to the server and records the outcome through
// the Queue. A non-nil error means the entry is still queued.
type Deliverer interface {
	DeliverEntry(ctx context.Context, e store.OutboxEntry) error
}

// Drainer replays the outbox while the transport is online. Entries of one
// chat go out strictly in order; a chat whose head fails is skipped until
// its backoff elapses.
type Drainer struct {
	db        *store.DB
	queue     *Queue
	deliverer Deliverer
	interval  time.Duration
	logger    *zap.Logger

	online atomic.Bool
	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDrainer creates a drainer polling every interval.
func NewDrainer(db *store.DB, queue *Queue, d Deliverer, interval time.Duration, logger *zap.Logger) *Drainer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		db:        db,
		queue:     queue,
		deliverer: d,
		interval:  interval,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
}

// Start begins the drain loop.
func (d *Drainer) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
}

// Stop stops the drain loop and waits for an in-flight pass to finish.
func (d *Drainer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// SetOnline enables or pauses draining. Going online triggers a pass.
func (d *Drainer) SetOnline(online bool) {
	if d.online.Swap(online) != online && online {
		d.Kick()
	}
}

// Online reports whether the drainer is allowed to deliver.
func (d *Drainer) Online() bool {
	return d.online.Load()
}

// Kick asks for a drain pass as soon as possible.
func (d *Drainer) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Drainer) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-d.kick:
		case <-ctx.Done():
			return
		}
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox drain failed", zap.Error(err))
		}
	}
}

// Drain delivers every due entry, chat by chat in order, until nothing due
// is left, a full pass makes no progress, or the drainer goes offline.
// It returns how many entries were delivered.
func (d *Drainer) Drain(ctx context.Context) (int, error) {
	delivered := 0
	for d.online.Load() && ctx.Err() == nil {
		heads, err := d.queue.Heads(ctx, d.db.Queries())
		if err != nil {
			return delivered, err
		}
		if len(heads) == 0 {
			return delivered, nil
		}
		progressed := false
		for _, e := range heads {
			if !d.online.Load() || ctx.Err() != nil {
				return delivered, nil
			}
			if err := d.deliverer.DeliverEntry(ctx, e); err != nil {
				d.logger.Debug("outbox entry not delivered",
					zap.String("entry_id", e.ID), zap.Error(err))
				continue
			}
			delivered++
			progressed = true
		}
		if !progressed {
			return delivered, nil
		}
	}
	return delivered, nil
}
