package chatindex

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := db.Queries().InsertUserIfMissing(ctx, id, id, 0); err != nil {
			t.Fatal(err)
		}
	}
	return db
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      []string
		want    string
		wantErr bool
	}{
		{[]string{"b", "a"}, `["a","b"]`, false},
		{[]string{"a", "b", "a"}, `["a","b"]`, false},
		{[]string{"c", "a", "b"}, `["a","b","c"]`, false},
		{[]string{"a", "a"}, "", true},
		{[]string{"a", ""}, "", true},
		{nil, "", true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Normalize(%v) err = %v", tt.in, err)
			continue
		}
		if err == nil && Key(got) != tt.want {
			t.Errorf("Key(%v) = %s, want %s", tt.in, Key(got), tt.want)
		}
		if err != nil && !errors.Is(err, apperr.ErrInvalid) {
			t.Errorf("err = %v, want Invalid", err)
		}
	}
}

func TestCreateIdempotentInAnyOrder(t *testing.T) {
	db := testDB(t)
	x := New(zap.NewNop())
	ctx := context.Background()
	q := db.Queries()

	first, created, err := x.Create(ctx, q, []string{"a", "b"})
	if err != nil || !created {
		t.Fatalf("create = %v, %v", created, err)
	}
	second, created, err := x.Create(ctx, q, []string{"b", "a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Errorf("second create returned %s (created=%v), want %s", second.ID, created, first.ID)
	}

	group, created, err := x.Create(ctx, q, []string{"a", "b", "c"})
	if err != nil || !created {
		t.Fatalf("group create = %v, %v", created, err)
	}
	if group.ID == first.ID || !group.IsGroup {
		t.Errorf("different participant count must be a different chat: %+v", group)
	}
}

func TestCreateWithIDConflicts(t *testing.T) {
	db := testDB(t)
	x := New(zap.NewNop())
	ctx := context.Background()
	q := db.Queries()

	if _, _, err := x.CreateWithID(ctx, q, "srv-1", []string{"a", "b"}, 5); err != nil {
		t.Fatal(err)
	}
	// Same participants under another id: first seen wins.
	c, created, err := x.CreateWithID(ctx, q, "srv-2", []string{"b", "a"}, 6)
	if err != nil || created || c.ID != "srv-1" {
		t.Errorf("got %v created=%v err=%v, want srv-1", c, created, err)
	}
	// Same id with other participants: first seen wins.
	c, created, err = x.CreateWithID(ctx, q, "srv-1", []string{"a", "c"}, 7)
	if err != nil || created || c.ID != "srv-1" || c.Participants[1] != "b" {
		t.Errorf("got %+v created=%v err=%v", c, created, err)
	}
}

func TestPreview(t *testing.T) {
	x := New(zap.NewNop())
	long := strings.Repeat("é", 150)
	tests := []struct {
		name string
		msg  store.Message
		want string
	}{
		{"plain", store.Message{Text: "hello"}, "hello"},
		{"markup", store.Message{Text: "<b>hi</b> <script>x()</script>there"}, "hi there"},
		{"entities kept literal", store.Message{Text: "fish & chips"}, "fish & chips"},
		{"whitespace", store.Message{Text: "a\n\n  b"}, "a b"},
		{"media only", store.Message{MediaRef: "blob:1"}, MediaPreview},
		{"tombstone", store.Message{Text: "x", IsDeleted: true}, ""},
		{"truncated", store.Message{Text: long}, strings.Repeat("é", PreviewRunes)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := x.Preview(&tt.msg); got != tt.want {
				t.Errorf("Preview = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTouchAndRetouch(t *testing.T) {
	db := testDB(t)
	x := New(zap.NewNop())
	ctx := context.Background()
	q := db.Queries()

	c, _, err := x.Create(ctx, q, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	m1 := &store.Message{ID: "m1", ChatID: c.ID, SenderID: "a", Text: "first", Timestamp: 10, Status: store.StatusSent}
	m2 := &store.Message{ID: "m2", ChatID: c.ID, SenderID: "b", Text: "second", Timestamp: 20, Status: store.StatusSent}
	for _, m := range []*store.Message{m2, m1} {
		if _, err := q.InsertMessage(ctx, m, m.Timestamp); err != nil {
			t.Fatal(err)
		}
		if _, err := x.Touch(ctx, q, m); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := x.Get(ctx, q, c.ID)
	if got.LastMessage != "second" || got.LastMessageSenderID != "b" {
		t.Fatalf("summary = %+v, late older message must not win", got)
	}

	// Deleting a message that is not the latest leaves the summary alone.
	if changed, _ := x.Retouch(ctx, q, m1); changed {
		t.Error("retouch of non-latest message changed summary")
	}

	if err := q.TombstoneMessage(ctx, "m2", 30); err != nil {
		t.Fatal(err)
	}
	changed, err := x.Retouch(ctx, q, m2)
	if err != nil || !changed {
		t.Fatalf("retouch = %v, %v", changed, err)
	}
	got, _ = x.Get(ctx, q, c.ID)
	if got.LastMessage != "" || got.LastMessageID != "m2" {
		t.Errorf("summary after delete = %+v", got)
	}
}

func TestUnreadCountMissingChat(t *testing.T) {
	db := testDB(t)
	x := New(zap.NewNop())
	if _, err := x.UnreadCount(context.Background(), db.Queries(), "nope", "a"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}
