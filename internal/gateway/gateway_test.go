package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/messagelog"
	"github.com/matheus3301/chatcore/internal/outbox"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/transport"
	"github.com/matheus3301/chatcore/internal/transport/transporttest"
	"go.uber.org/zap"
)

type harness struct {
	t    *testing.T
	ctx  context.Context
	db   *store.DB
	fake *transporttest.Fake
	g    *Gateway
}

func newHarness(t *testing.T, policy outbox.Policy) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fake := transporttest.New()
	g := New(Options{DB: db, Transport: fake, Bus: bus.New(), Logger: zap.NewNop(), Policy: policy})
	t.Cleanup(g.Close)

	h := &harness{t: t, ctx: context.Background(), db: db, fake: fake, g: g}
	if err := g.Hydrate(h.ctx, "me"); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) online(on bool) {
	h.t.Helper()
	h.fake.SetOnline(on)
	if err := h.g.SetOnline(on); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) flush() int {
	h.t.Helper()
	n, err := h.g.Flush(h.ctx)
	if err != nil {
		h.t.Fatal(err)
	}
	return n
}

func (h *harness) chatWith(ids ...string) *store.Chat {
	h.t.Helper()
	c, err := h.g.CreateChat(h.ctx, CreateChatParams{Participants: ids})
	if err != nil {
		h.t.Fatal(err)
	}
	return c
}

func (h *harness) send(chatID, text string) *store.Message {
	h.t.Helper()
	m, err := h.g.SendMessage(h.ctx, SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		h.t.Fatal(err)
	}
	return m
}

func (h *harness) message(id string) *store.Message {
	h.t.Helper()
	m, err := h.g.Message(h.ctx, id)
	if err != nil {
		h.t.Fatal(err)
	}
	return m
}

func (h *harness) queue() []store.OutboxEntry {
	h.t.Helper()
	entries, err := h.g.QueueEntries(h.ctx)
	if err != nil {
		h.t.Fatal(err)
	}
	return entries
}

func (h *harness) push(e transport.Event) {
	h.t.Helper()
	if err := h.g.HandleEvent(h.ctx, e); err != nil {
		h.t.Fatal(err)
	}
}

func newMessageEvent(chatID, id, sender, text string, ts int64) transport.Event {
	return transport.Event{
		Kind:            transport.NewMessage,
		ChatID:          chatID,
		MessageID:       id,
		ActorID:         sender,
		ServerTimestamp: ts,
		Payload:         transport.Encode(transport.MessagePayload{Text: text, Timestamp: ts}),
	}
}

func TestIntentsBeforeHydrateAreNotReady(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	g := New(Options{DB: db, Logger: zap.NewNop()})

	_, err = g.SendMessage(context.Background(), SendMessageParams{ChatID: "c", Text: "hi"})
	if !errors.Is(err, apperr.ErrNotReady) {
		t.Fatalf("send before hydrate: got %v, want NotReady", err)
	}
	if _, err := g.ChatList(context.Background()); !errors.Is(err, apperr.ErrNotReady) {
		t.Fatalf("list before hydrate: got %v, want NotReady", err)
	}
	if err := g.SetOnline(true); !errors.Is(err, apperr.ErrNotReady) {
		t.Fatalf("set online before hydrate: got %v, want NotReady", err)
	}
}

func TestOfflineSendThenDrain(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	h.online(true)
	c := h.chatWith("bob")
	h.flush()
	h.online(false)

	m := h.send(c.ID, "hello")
	if m.Status != store.StatusSending {
		t.Fatalf("status = %s, want sending", m.Status)
	}
	if got := len(h.queue()); got != 1 {
		t.Fatalf("queue = %d, want 1", got)
	}
	if n := h.flush(); n != 0 {
		t.Fatalf("offline flush delivered %d", n)
	}

	h.online(true)
	if n := h.flush(); n != 1 {
		t.Fatalf("flush delivered %d, want 1", n)
	}
	got := h.message(m.ID)
	if got.Status != store.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
	if got.ServerTimestamp == 0 {
		t.Error("server timestamp not recorded")
	}
	if n := len(h.queue()); n != 0 {
		t.Errorf("queue = %d, want 0", n)
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")

	_, err := h.g.SendMessage(h.ctx, SendMessageParams{ChatID: c.ID})
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("empty message: got %v, want Invalid", err)
	}
	_, err = h.g.SendMessage(h.ctx, SendMessageParams{ChatID: "nope", Text: "hi"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown chat: got %v, want NotFound", err)
	}
}

func TestSendWithClientIDIsIdempotent(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	before := len(h.queue())

	p := SendMessageParams{ID: "client-1", ChatID: c.ID, Text: "once"}
	for range 2 {
		if _, err := h.g.SendMessage(h.ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	msgs, _, err := h.g.Messages(h.ctx, c.ID, messagelog.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if got := len(h.queue()) - before; got != 1 {
		t.Fatalf("queued %d sends, want 1", got)
	}
}

func TestCreateChatTwiceReturnsSameChat(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	a := h.chatWith("bob")
	b := h.chatWith("bob", "me", "bob")
	if a.ID != b.ID {
		t.Fatalf("ids differ: %s vs %s", a.ID, b.ID)
	}
	group := h.chatWith("bob", "carol")
	if group.ID == a.ID || !group.IsGroup {
		t.Fatalf("group chat = %+v", group)
	}

	creates := 0
	for _, e := range h.queue() {
		if e.Kind == store.KindCreateChat {
			creates++
		}
	}
	if creates != 2 {
		t.Fatalf("createChat entries = %d, want 2", creates)
	}
}

func TestDoubleEditKeepsFirstOriginal(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	m := h.send(c.ID, "hi")

	for _, text := range []string{"hello", "hey"} {
		if _, err := h.g.EditMessage(h.ctx, EditMessageParams{MessageID: m.ID, Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	got := h.message(m.ID)
	if got.Text != "hey" || !got.IsEdited {
		t.Fatalf("message = %+v", got)
	}
	if got.OriginalText == nil || *got.OriginalText != "hi" {
		t.Fatalf("original text = %v, want hi", got.OriginalText)
	}
}

func TestEditOthersMessageIsUnauthorized(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	h.push(newMessageEvent(c.ID, "b1", "bob", "from bob", 1000))

	_, err := h.g.EditMessage(h.ctx, EditMessageParams{MessageID: "b1", Text: "mine now"})
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("got %v, want Unauthorized", err)
	}
	_, err = h.g.DeleteMessage(h.ctx, DeleteMessageParams{MessageID: "b1"})
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("got %v, want Unauthorized", err)
	}
}

func TestDeleteIsIdempotentAndClearsPreview(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	m := h.send(c.ID, "oops")
	before := len(h.queue())

	for range 2 {
		if _, err := h.g.DeleteMessage(h.ctx, DeleteMessageParams{MessageID: m.ID}); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(h.queue()) - before; got != 1 {
		t.Fatalf("queued %d deletes, want 1", got)
	}
	got := h.message(m.ID)
	if !got.IsDeleted || got.Text != "" {
		t.Fatalf("message = %+v", got)
	}
	chat, err := h.g.Chat(h.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessage != "" {
		t.Fatalf("preview = %q, want empty", chat.LastMessage)
	}
}

func TestSecondReactionReplacesFirst(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	m := h.send(c.ID, "joke")

	for _, emoji := range []string{"👍", "😂"} {
		if _, err := h.g.AddReaction(h.ctx, ReactionParams{MessageID: m.ID, Emoji: emoji}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, _, err := h.g.Messages(h.ctx, c.ID, messagelog.Page{})
	if err != nil {
		t.Fatal(err)
	}
	rs := msgs[0].Reactions
	if len(rs) != 1 || rs[0].Emoji != "😂" {
		t.Fatalf("reactions = %+v, want one 😂", rs)
	}

	if err := h.g.RemoveReaction(h.ctx, ReactionParams{MessageID: m.ID}); err != nil {
		t.Fatal(err)
	}
	before := len(h.queue())
	if err := h.g.RemoveReaction(h.ctx, ReactionParams{MessageID: m.ID}); err != nil {
		t.Fatal(err)
	}
	if len(h.queue()) != before {
		t.Fatal("removing an absent reaction queued an entry")
	}
}

func TestMarkReadOneToOne(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	h.push(newMessageEvent(c.ID, "b1", "bob", "one", 1000))
	h.push(newMessageEvent(c.ID, "b2", "bob", "two", 2000))

	marked, err := h.g.MarkRead(h.ctx, MarkReadParams{ChatID: c.ID, UptoMessageID: "b2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 2 {
		t.Fatalf("marked = %v, want 2 ids", marked)
	}
	h.push(newMessageEvent(c.ID, "b3", "bob", "three", 3000))

	for id, want := range map[string]store.MessageStatus{
		"b1": store.StatusRead, "b2": store.StatusRead, "b3": store.StatusSent,
	} {
		if got := h.message(id).Status; got != want {
			t.Errorf("%s status = %s, want %s", id, got, want)
		}
	}
	n, err := h.g.UnreadCount(h.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
	readers, err := h.g.ReadBy(h.ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(readers) != 1 || readers[0] != "me" {
		t.Errorf("read by = %v", readers)
	}

	again, err := h.g.MarkRead(h.ctx, MarkReadParams{ChatID: c.ID, UptoMessageID: "b2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second mark read marked %v", again)
	}
}

func TestDuplicateNewMessageLeavesOneRow(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	e := newMessageEvent(c.ID, "b1", "bob", "hi", 1000)
	h.push(e)
	h.push(e)

	msgs, _, err := h.g.Messages(h.ctx, c.ID, messagelog.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
}

func TestEchoOfOwnMessageConfirmsSend(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	m := h.send(c.ID, "mine")

	h.push(newMessageEvent(c.ID, m.ID, "me", "mine", 5000))
	got := h.message(m.ID)
	if got.Status != store.StatusSent || got.ServerTimestamp != 5000 {
		t.Fatalf("message = %+v", got)
	}
	for _, e := range h.queue() {
		if e.Kind == store.KindSend {
			t.Fatalf("send still queued after echo: %+v", e)
		}
	}
}

func TestInboundRejectionsAreDropped(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	h.push(newMessageEvent(c.ID, "b1", "bob", "hi", 1000))

	// carol may not edit bob's message; the event is dropped, not returned.
	h.push(transport.Event{
		Kind: transport.MessageEdited, ChatID: c.ID, MessageID: "b1", ActorID: "carol",
		ServerTimestamp: 2000, Payload: transport.Encode(transport.EditPayload{Text: "hijack", EditedAt: 2000}),
	})
	if got := h.message("b1").Text; got != "hi" {
		t.Fatalf("text = %q, want hi", got)
	}
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestInboundOrderInsensitive(t *testing.T) {
	events := []transport.Event{
		{
			Kind: transport.ChatCreated, ChatID: "c1", ActorID: "bob", ServerTimestamp: 500,
			Payload: transport.Encode(transport.ChatPayload{Participants: []string{"me", "bob"}}),
		},
		newMessageEvent("c1", "m1", "bob", "v1", 1000),
		{
			Kind: transport.MessageEdited, ChatID: "c1", MessageID: "m1", ActorID: "bob", ServerTimestamp: 2000,
			Payload: transport.Encode(transport.EditPayload{Text: "v2", EditedAt: 2000}),
		},
		{
			Kind: transport.ReactionAdded, ChatID: "c1", MessageID: "m1", ActorID: "bob", ServerTimestamp: 3000,
			Payload: transport.Encode(transport.ReactionPayload{ReactionID: "r1", Emoji: "🔥", CreatedAt: 3000}),
		},
		{
			Kind: transport.ReactionRemoved, ChatID: "c1", MessageID: "m1", ActorID: "bob", ServerTimestamp: 4000,
			Payload: transport.Encode(transport.ReactionPayload{ReactionID: "r1", CreatedAt: 4000}),
		},
	}

	var want string
	for _, perm := range permutations(len(events)) {
		h := newHarness(t, outbox.Policy{})
		for _, i := range perm {
			h.push(events[i])
		}
		msgs, _, err := h.g.Messages(h.ctx, "c1", messagelog.Page{})
		if err != nil {
			t.Fatalf("order %v: %v", perm, err)
		}
		if len(msgs) != 1 {
			t.Fatalf("order %v: messages = %d", perm, len(msgs))
		}
		m := msgs[0]
		orig := "<nil>"
		if m.OriginalText != nil {
			orig = *m.OriginalText
		}
		got := fmt.Sprintf("%s|%s|%v|%s|%d", m.Text, orig, m.IsEdited, m.Status, len(m.Reactions))
		if want == "" {
			want = got
			if want != "v2|v1|true|sent|0" {
				t.Fatalf("unexpected converged state %s", want)
			}
			continue
		}
		if got != want {
			t.Fatalf("order %v: state %s, want %s", perm, got, want)
		}
	}
}

func TestOfflineReplayEquivalence(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	m := h.send(c.ID, "draft")
	if _, err := h.g.EditMessage(h.ctx, EditMessageParams{MessageID: m.ID, Text: "final"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.g.AddReaction(h.ctx, ReactionParams{MessageID: m.ID, Emoji: "✅"}); err != nil {
		t.Fatal(err)
	}
	before := h.message(m.ID)

	h.online(true)
	if n := h.flush(); n != 4 {
		t.Fatalf("delivered %d, want 4", n)
	}
	var kinds []transport.MutationKind
	for _, mu := range h.fake.Delivered() {
		kinds = append(kinds, mu.Kind)
	}
	want := []transport.MutationKind{transport.CreateChat, transport.SendMessage, transport.EditMessage, transport.AddReaction}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("delivered %v, want %v", kinds, want)
	}

	after := h.message(m.ID)
	if after.Text != before.Text || after.IsEdited != before.IsEdited {
		t.Fatalf("replay changed content: %+v -> %+v", before, after)
	}
	if after.Status != store.StatusSent {
		t.Fatalf("status = %s, want sent", after.Status)
	}
}

// intent is one user action on the message under test.
type intent struct {
	kind string // edit, delete, react, unreact
	arg  string
}

func (h *harness) do(chatID, msgID string, in intent) {
	h.t.Helper()
	var err error
	switch in.kind {
	case "edit":
		_, err = h.g.EditMessage(h.ctx, EditMessageParams{MessageID: msgID, Text: in.arg})
	case "delete":
		_, err = h.g.DeleteMessage(h.ctx, DeleteMessageParams{MessageID: msgID})
	case "react":
		_, err = h.g.AddReaction(h.ctx, ReactionParams{MessageID: msgID, Emoji: in.arg})
	case "unreact":
		err = h.g.RemoveReaction(h.ctx, ReactionParams{MessageID: msgID})
	default:
		h.t.Fatalf("unknown intent %q", in.kind)
	}
	if err != nil {
		h.t.Fatalf("%s %q in chat %s: %v", in.kind, in.arg, chatID, err)
	}
}

// settle drains the queue, discarding every entry the server refused, until
// nothing is left.
func (h *harness) settle() {
	h.t.Helper()
	for range 10 {
		h.flush()
		discarded := false
		for _, e := range h.queue() {
			if e.State != store.OutboxFailed {
				continue
			}
			if err := h.g.DiscardEntry(h.ctx, e.ID); err != nil {
				h.t.Fatal(err)
			}
			discarded = true
		}
		if !discarded {
			break
		}
	}
	if entries := h.queue(); len(entries) != 0 {
		h.t.Fatalf("queue not drained: %+v", entries)
	}
}

// snapshot renders what the user sees of a message and its chat.
func (h *harness) snapshot(chatID, msgID string) string {
	h.t.Helper()
	msgs, _, err := h.g.Messages(h.ctx, chatID, messagelog.Page{})
	if err != nil {
		h.t.Fatal(err)
	}
	var m *store.Message
	for i := range msgs {
		if msgs[i].ID == msgID {
			m = &msgs[i]
		}
	}
	if m == nil {
		h.t.Fatalf("message %s missing", msgID)
	}
	orig := "<nil>"
	if m.OriginalText != nil {
		orig = *m.OriginalText
	}
	var emojis []string
	for _, r := range m.Reactions {
		emojis = append(emojis, r.UserID+":"+r.Emoji)
	}
	c, err := h.g.Chat(h.ctx, chatID)
	if err != nil {
		h.t.Fatal(err)
	}
	return fmt.Sprintf("text=%q original=%q edited=%v deleted=%v status=%s reactions=%v preview=%q",
		m.Text, orig, m.IsEdited, m.IsDeleted, m.Status, emojis, c.LastMessage)
}

// refuse rejects edits to "nope" and 👎 reactions.
func refuse(m transport.Mutation) error {
	var p struct {
		Text  string
		Emoji string
	}
	_ = json.Unmarshal(m.Payload, &p)
	if p.Text == "nope" || p.Emoji == "👎" {
		return transport.Rejected("refused")
	}
	return nil
}

func TestOfflineMatchesOnline(t *testing.T) {
	tests := []struct {
		name    string
		intents []intent
		want    string
	}{
		{"edit then react", []intent{{"edit", "final"}, {"react", "✅"}}, `text="final"`},
		{"edit then delete", []intent{{"edit", "hello"}, {"delete", ""}}, "deleted=true"},
		{"edit edit delete", []intent{{"edit", "a"}, {"edit", "b"}, {"delete", ""}}, "deleted=true"},
		{"refused edit then delete", []intent{{"edit", "nope"}, {"delete", ""}}, "deleted=true"},
		{"refused edit then edit", []intent{{"edit", "nope"}, {"edit", "hey"}}, `text="hey" original="hi"`},
		{"edit refused edit delete", []intent{{"edit", "a"}, {"edit", "nope"}, {"delete", ""}}, `original="hi" edited=true deleted=true`},
		{"refused reaction then reaction", []intent{{"react", "👎"}, {"react", "😂"}}, "reactions=[me:😂]"},
		{"reaction refused reaction unreact", []intent{{"react", "👍"}, {"react", "👎"}, {"unreact", ""}}, "reactions=[]"},
		{"unreact then react", []intent{{"react", "👍"}, {"unreact", ""}, {"react", "🎉"}}, "reactions=[me:🎉]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := func(offline bool) string {
				h := newHarness(t, outbox.Policy{})
				h.fake.FailWhen(refuse)
				h.online(true)
				c := h.chatWith("bob")
				m := h.send(c.ID, "hi")
				h.settle()

				if offline {
					h.online(false)
				}
				for _, in := range tt.intents {
					h.do(c.ID, m.ID, in)
					if !offline {
						h.settle()
					}
				}
				if offline {
					h.online(true)
					h.settle()
				}
				return h.snapshot(c.ID, m.ID)
			}

			online, offline := run(false), run(true)
			if online != offline {
				t.Fatalf("offline replay diverged:\n online:  %s\n offline: %s", online, offline)
			}
			if !strings.Contains(online, tt.want) {
				t.Fatalf("state %s, want %s", online, tt.want)
			}
		})
	}
}

func TestRefusedEditKeepsQueuedDelete(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	h.online(true)
	c := h.chatWith("bob")
	m := h.send(c.ID, "hi")
	h.flush()

	h.online(false)
	if _, err := h.g.EditMessage(h.ctx, EditMessageParams{MessageID: m.ID, Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.g.DeleteMessage(h.ctx, DeleteMessageParams{MessageID: m.ID}); err != nil {
		t.Fatal(err)
	}

	h.online(true)
	h.fake.FailNext(transport.Rejected("edit window closed"))
	h.flush()
	got := h.message(m.ID)
	if !got.IsDeleted || got.Text != "" {
		t.Fatalf("after refused edit: %+v, want still deleted", got)
	}
	if got.OriginalText == nil || *got.OriginalText != "hi" {
		t.Fatalf("original = %v, want hi", got.OriginalText)
	}

	entries := h.queue()
	if len(entries) != 2 || entries[0].State != store.OutboxFailed || entries[0].Kind != store.KindEdit {
		t.Fatalf("queue = %+v", entries)
	}
	if err := h.g.DiscardEntry(h.ctx, entries[0].ID); err != nil {
		t.Fatal(err)
	}
	if got := h.message(m.ID); !got.IsDeleted {
		t.Fatalf("after discard: %+v, want deleted", got)
	}
	h.flush()

	delivered := h.fake.Delivered()
	if last := delivered[len(delivered)-1]; last.Kind != transport.DeleteMessage {
		t.Fatalf("last delivered = %s, want delete", last.Kind)
	}
	if n := len(h.queue()); n != 0 {
		t.Fatalf("queue = %d, want 0", n)
	}
	chat, err := h.g.Chat(h.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessage != "" {
		t.Fatalf("preview = %q, want empty for a tombstone", chat.LastMessage)
	}
}

func TestRefusedEditKeepsQueuedEdit(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	h.online(true)
	c := h.chatWith("bob")
	m := h.send(c.ID, "hi")
	h.flush()

	h.online(false)
	for _, text := range []string{"hello", "hey"} {
		if _, err := h.g.EditMessage(h.ctx, EditMessageParams{MessageID: m.ID, Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	h.online(true)
	h.fake.FailNext(transport.Rejected("edit window closed"))
	h.flush()
	if got := h.message(m.ID); got.Text != "hey" {
		t.Fatalf("after refused first edit: text %q, want hey", got.Text)
	}

	entries := h.queue()
	if err := h.g.DiscardEntry(h.ctx, entries[0].ID); err != nil {
		t.Fatal(err)
	}
	h.flush()
	got := h.message(m.ID)
	if got.Text != "hey" || got.OriginalText == nil || *got.OriginalText != "hi" {
		t.Fatalf("final = %+v, want hey edited from hi", got)
	}
	delivered := h.fake.Delivered()
	last := delivered[len(delivered)-1]
	var body transport.EditPayload
	if err := json.Unmarshal(last.Payload, &body); err != nil || body.Text != "hey" {
		t.Fatalf("last delivered = %s %s", last.Kind, last.Payload)
	}
}

func TestRejectedSendRetryAndDiscard(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	h.online(true)
	c := h.chatWith("bob")
	h.flush()

	h.fake.FailNext(transport.Rejected("spam"))
	m := h.send(c.ID, "first")
	h.flush()

	entries := h.queue()
	if len(entries) != 1 || entries[0].State != store.OutboxFailed {
		t.Fatalf("queue = %+v, want one failed entry", entries)
	}
	if got := h.message(m.ID); got.Status != store.StatusSending || !got.DeliveryFailed {
		t.Fatalf("message = %+v, want sending with delivery failed", got)
	}

	if _, err := h.g.RetryEntry(h.ctx, entries[0].ID); err != nil {
		t.Fatal(err)
	}
	h.flush()
	if got := h.message(m.ID); got.Status != store.StatusSent || got.DeliveryFailed {
		t.Fatalf("after retry: %+v", got)
	}

	h.fake.FailNext(transport.Rejected("spam"))
	doomed := h.send(c.ID, "second")
	if _, err := h.g.AddReaction(h.ctx, ReactionParams{MessageID: doomed.ID, Emoji: "👀"}); err != nil {
		t.Fatal(err)
	}
	h.flush()
	entries = h.queue()
	if len(entries) != 2 || entries[0].State != store.OutboxFailed {
		t.Fatalf("queue = %+v", entries)
	}
	if err := h.g.DiscardEntry(h.ctx, entries[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.g.Message(h.ctx, doomed.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("discarded message: got %v, want NotFound", err)
	}
	if n := len(h.queue()); n != 0 {
		t.Fatalf("queue = %d after discard, want 0", n)
	}
	chat, err := h.g.Chat(h.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessageID != m.ID {
		t.Fatalf("last message = %s, want %s", chat.LastMessageID, m.ID)
	}
}

func TestExhaustedEditReverts(t *testing.T) {
	h := newHarness(t, outbox.Policy{MaxAttempts: 1})
	h.online(true)
	c := h.chatWith("bob")
	m := h.send(c.ID, "before")
	h.flush()

	h.fake.FailNext(errors.New("connection reset"))
	if _, err := h.g.EditMessage(h.ctx, EditMessageParams{MessageID: m.ID, Text: "after"}); err != nil {
		t.Fatal(err)
	}
	h.flush()

	got := h.message(m.ID)
	if got.Text != "before" || got.IsEdited {
		t.Fatalf("message = %+v, want reverted", got)
	}
	entries := h.queue()
	if len(entries) != 1 || entries[0].State != store.OutboxFailed || entries[0].Attempts != 1 {
		t.Fatalf("queue = %+v", entries)
	}

	if _, err := h.g.RetryEntry(h.ctx, entries[0].ID); err != nil {
		t.Fatal(err)
	}
	if got := h.message(m.ID); got.Text != "after" {
		t.Fatalf("retry did not reapply edit: %+v", got)
	}
	h.flush()
	if n := len(h.queue()); n != 0 {
		t.Fatalf("queue = %d, want 0", n)
	}
}

func TestForwardMessage(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	a := h.chatWith("bob")
	b := h.chatWith("carol")
	src := h.send(a.ID, "pass it on")

	fwd, err := h.g.ForwardMessage(h.ctx, ForwardMessageParams{MessageID: src.ID, ToChatID: b.ID})
	if err != nil {
		t.Fatal(err)
	}
	if fwd.ChatID != b.ID || fwd.Text != src.Text || fwd.ForwardedFrom != src.ID {
		t.Fatalf("forward = %+v", fwd)
	}

	if _, err := h.g.DeleteMessage(h.ctx, DeleteMessageParams{MessageID: src.ID}); err != nil {
		t.Fatal(err)
	}
	_, err = h.g.ForwardMessage(h.ctx, ForwardMessageParams{MessageID: src.ID, ToChatID: b.ID})
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("forward deleted: got %v, want Invalid", err)
	}
}

func TestReplyCarriesSnapshot(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	h.push(newMessageEvent(c.ID, "b1", "bob", "lunch?", 1000))

	m, err := h.g.SendMessage(h.ctx, SendMessageParams{ChatID: c.ID, Text: "yes", ReplyTo: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	if m.ResponseID != "b1" || m.ResponseTo != "bob" || m.ResponseText != "lunch?" {
		t.Fatalf("reply = %+v", m)
	}
}

func TestApplyBatch(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	c := h.chatWith("bob")
	batch := []transport.Event{
		newMessageEvent(c.ID, "h1", "bob", "old", 100),
		newMessageEvent(c.ID, "h2", "bob", "older", 50),
		newMessageEvent(c.ID, "h1", "bob", "old", 100),
	}
	n, err := h.g.ApplyBatch(h.ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("applied = %d, want 2", n)
	}
	msgs, _, err := h.g.Messages(h.ctx, c.ID, messagelog.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "h2" {
		t.Fatalf("messages = %+v", msgs)
	}
	chat, err := h.g.Chat(h.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessageID != "h1" {
		t.Fatalf("last message = %s, want h1", chat.LastMessageID)
	}
}

func TestTransportRunReportsConnectivity(t *testing.T) {
	h := newHarness(t, outbox.Policy{})
	h.g.Start(h.ctx)
	<-h.fake.Ready()

	h.fake.SetOnline(true)
	if !h.g.status.IsOnline() {
		t.Fatalf("state = %s, want online", h.g.Connectivity())
	}
	h.fake.SetOnline(false)
	if h.g.status.IsOnline() {
		t.Fatalf("state = %s, want offline", h.g.Connectivity())
	}
}
