package gateway

import (
	"context"
	"errors"

	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/transport"
	"go.uber.org/zap"
)

// DeliverEntry implements outbox.Deliverer. The network round trip runs
// outside the write lock; its outcome is recorded in its own transaction.
func (g *Gateway) DeliverEntry(ctx context.Context, e store.OutboxEntry) error {
	if g.transport == nil {
		return transport.ErrOffline
	}
	m, err := mutation(&e, g.Self())
	if err != nil {
		return g.recordFailure(ctx, e, transport.Rejected("undecodable entry payload"))
	}

	start := g.now()
	ack, err := g.transport.Deliver(ctx, m)
	if err != nil {
		if errors.Is(err, transport.ErrOffline) || ctx.Err() != nil {
			// Not an attempt: the entry never reached the server.
			return err
		}
		if ferr := g.recordFailure(ctx, e, err); ferr != nil {
			return ferr
		}
		return err
	}
	g.metrics.Delivery(string(e.Kind), g.now().Sub(start).Seconds())
	return g.recordAck(ctx, e, ack)
}

func (g *Gateway) recordAck(ctx context.Context, e store.OutboxEntry, ack transport.Ack) error {
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		if _, err := g.queue.Ack(ctx, q, e.ID); err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				return err
			}
			// Retired meanwhile by an inbound echo.
		}
		fx.queue = true
		if e.Kind != store.KindSend {
			return nil
		}
		if ack.ServerTimestamp > 0 {
			if err := q.SetServerTimestamp(ctx, e.MessageID, ack.ServerTimestamp); err != nil {
				return err
			}
		}
		if _, err := g.messages.AdvanceStatus(ctx, q, e.MessageID, store.StatusSent); err != nil {
			return err
		}
		fx.message(bus.MessageStatusChanged, e.ChatID, e.MessageID)
		fx.chat(e.ChatID)
		return nil
	})
	if err != nil {
		g.logger.Error("record ack", zap.String("entry_id", e.ID), zap.Error(err))
		return err
	}
	g.metrics.Mutation(string(e.Kind), metrics.OutcomeAcked)
	g.logger.Debug("outbox entry acked", zap.String("entry_id", e.ID),
		zap.String("kind", string(e.Kind)), zap.Int64("server_ts", ack.ServerTimestamp))
	return nil
}

// recordFailure counts a failed attempt. Once the entry is exhausted, edits
// and deletes fall back to their snapshot; an unsent message stays in
// sending and is reported through DeliveryFailed.
func (g *Gateway) recordFailure(ctx context.Context, e store.OutboxEntry, cause error) error {
	var exhausted bool
	err := g.write(ctx, func(q *store.Queries, fx *effects) error {
		updated, ex, err := g.queue.Fail(ctx, q, e.ID, cause, errors.Is(cause, transport.ErrRejected))
		if err != nil {
			return err
		}
		exhausted = ex
		fx.queue = true
		if !ex {
			return nil
		}
		switch updated.Kind {
		case store.KindEdit, store.KindDelete:
			return g.revert(ctx, q, fx, updated)
		case store.KindSend:
			fx.message(bus.MessageStatusChanged, updated.ChatID, updated.MessageID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	outcome := metrics.OutcomeRetried
	if exhausted {
		outcome = metrics.OutcomeFailed
	}
	g.metrics.Mutation(string(e.Kind), outcome)
	return nil
}
