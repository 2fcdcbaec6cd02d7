package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatcore/internal/store"
	"go.uber.org/zap"
)

// recordingDeliverer acks every entry unless its chat is listed in fail.
type recordingDeliverer struct {
	db    *store.DB
	queue *Queue

	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *recordingDeliverer) DeliverEntry(ctx context.Context, e store.OutboxEntry) error {
	r.mu.Lock()
	r.calls = append(r.calls, e.ID)
	fail := r.fail[e.ChatID]
	r.mu.Unlock()

	return r.db.InTx(ctx, func(q *store.Queries) error {
		if fail {
			if _, _, err := r.queue.Fail(ctx, q, e.ID, errors.New("network down"), false); err != nil {
				return err
			}
			return nil
		}
		_, err := r.queue.Ack(ctx, q, e.ID)
		return err
	})
}

func (r *recordingDeliverer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestDrainDeliversPerChatInOrder(t *testing.T) {
	db := testDB(t)
	qu := NewQueue(Policy{}, zap.NewNop())
	rec := &recordingDeliverer{db: db, queue: qu}
	d := NewDrainer(db, qu, rec, time.Hour, zap.NewNop())
	q := db.Queries()

	a1 := enqueue(t, qu, q, "a")
	b1 := enqueue(t, qu, q, "b")
	a2 := enqueue(t, qu, q, "a")

	// Offline: nothing moves.
	n, err := d.Drain(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("offline drain = %d, %v", n, err)
	}

	d.online.Store(true)
	n, err = d.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("delivered %d, want 3", n)
	}
	calls := rec.Calls()
	pos := map[string]int{}
	for i, id := range calls {
		pos[id] = i
	}
	if pos[a1.ID] > pos[a2.ID] {
		t.Errorf("chat a replayed out of order: %v", calls)
	}
	if _, ok := pos[b1.ID]; !ok {
		t.Errorf("chat b not delivered: %v", calls)
	}
}

func TestDrainFailingChatDoesNotBlockOthers(t *testing.T) {
	db := testDB(t)
	qu := NewQueue(Policy{MaxAttempts: 5, BaseBackoff: time.Hour}, zap.NewNop())
	rec := &recordingDeliverer{db: db, queue: qu, fail: map[string]bool{"bad": true}}
	d := NewDrainer(db, qu, rec, time.Hour, zap.NewNop())
	d.online.Store(true)
	q := db.Queries()

	enqueue(t, qu, q, "bad")
	enqueue(t, qu, q, "bad")
	good := enqueue(t, qu, q, "good")

	n, err := d.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("delivered %d, want 1", n)
	}
	if calls := rec.Calls(); len(calls) != 2 || calls[1] != good.ID {
		t.Errorf("calls = %v, want one attempt on bad then good", calls)
	}
	counts, _ := qu.Counts(context.Background(), q)
	if counts[store.OutboxPending] != 2 {
		t.Errorf("pending = %d, want 2 still queued", counts[store.OutboxPending])
	}
}

func TestDrainerLoopRunsWhenOnline(t *testing.T) {
	db := testDB(t)
	qu := NewQueue(Policy{}, zap.NewNop())
	rec := &recordingDeliverer{db: db, queue: qu}
	d := NewDrainer(db, qu, rec, 20*time.Millisecond, zap.NewNop())
	d.Start(context.Background())
	defer d.Stop()

	enqueue(t, qu, db.Queries(), "c1")
	time.Sleep(100 * time.Millisecond)
	if len(rec.Calls()) != 0 {
		t.Fatal("drainer delivered while offline")
	}

	d.SetOnline(true)
	deadline := time.After(2 * time.Second)
	for {
		counts, _ := qu.Counts(context.Background(), db.Queries())
		if counts[store.OutboxPending] == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for drain")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
