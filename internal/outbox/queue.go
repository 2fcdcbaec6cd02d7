// Package outbox is the durable queue of local mutations not yet
// acknowledged by the server, and the loop that replays them.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/store"
	"go.uber.org/zap"
)

// Queue persists outbox entries. Methods run against the query set they
// are given so an entry commits together with the optimistic change it
// belongs to.
type Queue struct {
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a queue with the given retry policy.
func NewQueue(policy Policy, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{policy: policy.withDefaults(), logger: logger, now: time.Now}
}

// Policy returns the effective retry policy.
func (qu *Queue) Policy() Policy {
	return qu.policy
}

// Enqueue appends e as pending. An empty ID gets a fresh one.
func (qu *Queue) Enqueue(ctx context.Context, q *store.Queries, e *store.OutboxEntry) error {
	if e.ChatID == "" || e.Kind == "" {
		return apperr.Invalid("outbox entry needs chat and kind")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := qu.now().UnixMilli()
	e.State = store.OutboxPending
	e.Attempts = 0
	e.LastError = ""
	e.NextAttemptAt = 0
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := q.InsertOutbox(ctx, e); err != nil {
		return err
	}
	qu.logger.Debug("outbox entry queued",
		zap.String("entry_id", e.ID), zap.String("kind", string(e.Kind)),
		zap.String("chat_id", e.ChatID), zap.Int64("seq", e.Seq))
	return nil
}

// Get returns an entry or NotFound.
func (qu *Queue) Get(ctx context.Context, q *store.Queries, id string) (*store.OutboxEntry, error) {
	e, err := q.GetOutbox(ctx, id)
	if err != nil {
		return nil, apperr.Storage("get outbox entry", err)
	}
	if e == nil {
		return nil, apperr.NotFound("outbox entry", id)
	}
	return e, nil
}

// Heads returns the entries ready to be delivered now: the oldest entry of
// each chat, when it is pending and its backoff has elapsed.
func (qu *Queue) Heads(ctx context.Context, q *store.Queries) ([]store.OutboxEntry, error) {
	return q.OutboxHeads(ctx, qu.now().UnixMilli())
}

// Ack retires a delivered entry.
func (qu *Queue) Ack(ctx context.Context, q *store.Queries, id string) (*store.OutboxEntry, error) {
	e, err := qu.Get(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if err := transition(Phase(e.State), Acked); err != nil {
		return nil, fmt.Errorf("ack %s: %w", id, apperr.ErrConflict)
	}
	if _, err := q.DeleteOutbox(ctx, id); err != nil {
		return nil, err
	}
	return e, nil
}

// Fail records a failed delivery attempt. Transient failures schedule the
// next attempt with backoff until the policy's attempt budget is spent.
// Permanent failures, and exhausted entries, move to Failed and block
// their chat until retried or discarded. exhausted reports that move.
func (qu *Queue) Fail(ctx context.Context, q *store.Queries, id string, cause error, permanent bool) (e *store.OutboxEntry, exhausted bool, err error) {
	e, err = qu.Get(ctx, q, id)
	if err != nil {
		return nil, false, err
	}
	if Phase(e.State) != Pending {
		return nil, false, fmt.Errorf("fail %s in state %s: %w", id, e.State, apperr.ErrConflict)
	}
	now := qu.now()
	e.Attempts++
	e.UpdatedAt = now.UnixMilli()
	if cause != nil {
		e.LastError = cause.Error()
	}
	if permanent || e.Attempts >= qu.policy.MaxAttempts {
		if err := transition(Pending, Failed); err != nil {
			return nil, false, err
		}
		e.State = store.OutboxFailed
		e.NextAttemptAt = 0
		exhausted = true
		qu.logger.Error("outbox entry failed",
			zap.String("entry_id", e.ID), zap.String("kind", string(e.Kind)),
			zap.Int("attempts", e.Attempts), zap.Bool("permanent", permanent),
			zap.String("error", e.LastError))
	} else {
		wait := qu.policy.Backoff(e.Attempts)
		e.NextAttemptAt = now.Add(wait).UnixMilli()
		qu.logger.Warn("outbox delivery failed, retrying",
			zap.String("entry_id", e.ID), zap.Int("attempts", e.Attempts),
			zap.Duration("backoff", wait), zap.String("error", e.LastError))
	}
	if err := q.UpdateOutboxAttempt(ctx, e); err != nil {
		return nil, false, err
	}
	return e, exhausted, nil
}

// Retry puts a failed entry back at the head of its chat with a fresh
// attempt budget.
func (qu *Queue) Retry(ctx context.Context, q *store.Queries, id string) (*store.OutboxEntry, error) {
	e, err := qu.Get(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if err := transition(Phase(e.State), Requeued); err != nil {
		return nil, fmt.Errorf("retry %s in state %s: %w", id, e.State, apperr.ErrConflict)
	}
	if err := transition(Requeued, Pending); err != nil {
		return nil, err
	}
	e.State = store.OutboxPending
	e.Attempts = 0
	e.NextAttemptAt = 0
	e.UpdatedAt = qu.now().UnixMilli()
	if err := q.UpdateOutboxAttempt(ctx, e); err != nil {
		return nil, err
	}
	qu.logger.Info("outbox entry requeued", zap.String("entry_id", id))
	return e, nil
}

// Discard drops a failed entry on the user's request. The caller undoes
// the optimistic change the entry carried.
func (qu *Queue) Discard(ctx context.Context, q *store.Queries, id string) (*store.OutboxEntry, error) {
	e, err := qu.Get(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if Phase(e.State) != Failed {
		return nil, fmt.Errorf("discard %s in state %s: %w", id, e.State, apperr.ErrConflict)
	}
	if _, err := q.DeleteOutbox(ctx, id); err != nil {
		return nil, err
	}
	qu.logger.Info("outbox entry discarded", zap.String("entry_id", id), zap.String("kind", string(e.Kind)))
	return e, nil
}

// Remove drops any entry regardless of state. Used to retire entries that
// depend on a discarded one.
func (qu *Queue) Remove(ctx context.Context, q *store.Queries, id string) error {
	_, err := q.DeleteOutbox(ctx, id)
	return err
}

// List returns every entry in creation order.
func (qu *Queue) List(ctx context.Context, q *store.Queries) ([]store.OutboxEntry, error) {
	entries, err := q.ListOutbox(ctx)
	if err != nil {
		return nil, apperr.Storage("list outbox", err)
	}
	return entries, nil
}

// Counts returns the number of entries per stored state.
func (qu *Queue) Counts(ctx context.Context, q *store.Queries) (map[store.OutboxState]int, error) {
	counts, err := q.CountOutbox(ctx)
	if err != nil {
		return nil, apperr.Storage("count outbox", err)
	}
	return counts, nil
}
