package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/vault"
)

const self = "me"

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testStore(t *testing.T, b *bus.Bus) *Store {
	t.Helper()
	v, err := vault.New(bytes.Repeat([]byte{1}, vault.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	return New(testDB(t), Options{SelfID: self, Sealer: v, Bus: b})
}

func at(ms int64) time.Time { return time.UnixMilli(1_700_000_000_000 + ms) }

func remote(id, conv, sender, body string, seq int64, localMS int64) Message {
	srv := at(localMS + 100)
	return Message{
		ID:              id,
		ConversationID:  conv,
		SenderID:        sender,
		Body:            []byte(body),
		CreatedAtLocal:  at(localMS),
		CreatedAtServer: &srv,
		State:           Sent,
		SequenceHint:    seq,
	}
}

func pending(id, conv, body string, localMS int64) Message {
	return Message{
		ID:             id,
		ClientRef:      id,
		ConversationID: conv,
		SenderID:       self,
		Body:           []byte(body),
		CreatedAtLocal: at(localMS),
		State:          Pending,
	}
}

func mustUpsert(t *testing.T, s *Store, m Message) UpsertResult {
	t.Helper()
	res, err := s.Upsert(context.Background(), m.ConversationID, m)
	if err != nil {
		t.Fatalf("Upsert(%s) error = %v", m.ID, err)
	}
	return res
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	s := testStore(t, nil)
	m := remote("r1", "c1", "bob", "hello", 1, 0)

	if res := mustUpsert(t, s, m); res != Inserted {
		t.Errorf("first Upsert = %v, want Inserted", res)
	}
	if res := mustUpsert(t, s, m); res != Unchanged {
		t.Errorf("second Upsert = %v, want Unchanged", res)
	}

	got, err := s.GetMessage(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Body) != "hello" || got.SequenceHint != 1 || got.State != Sent {
		t.Errorf("stored = %+v", got)
	}
}

func TestUpsertNeverRewritesContentOrDowngradesState(t *testing.T) {
	s := testStore(t, nil)
	m := remote("r1", "c1", "bob", "original", 5, 0)
	m.State = Delivered
	mustUpsert(t, s, m)

	stale := remote("r1", "c1", "mallory", "rewritten", 0, 999)
	stale.State = Sent
	stale.CreatedAtServer = nil
	if res := mustUpsert(t, s, stale); res != Unchanged {
		t.Errorf("stale Upsert = %v, want Unchanged", res)
	}

	got, _ := s.GetMessage(context.Background(), "r1")
	if got.State != Delivered {
		t.Errorf("state = %s, want delivered", got.State)
	}
	if string(got.Body) != "original" || got.SenderID != "bob" || !got.CreatedAtLocal.Equal(at(0)) {
		t.Errorf("content rewritten: %+v", got)
	}
	if got.SequenceHint != 5 {
		t.Errorf("seq = %d, want 5 (absent hint keeps stored)", got.SequenceHint)
	}
}

func TestUpsertConversationMismatch(t *testing.T) {
	s := testStore(t, nil)
	mustUpsert(t, s, remote("r1", "c1", "bob", "x", 1, 0))

	_, err := s.Upsert(context.Background(), "c2", remote("r1", "c2", "bob", "x", 1, 0))
	if !errors.Is(err, chaterr.ErrConflict) {
		t.Errorf("Upsert into other conversation error = %v, want conflict", err)
	}
}

func TestRemapID(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)
	mustUpsert(t, s, pending("local-1", "c1", "hi", 0))

	res, err := s.RemapID(ctx, "local-1", "r1")
	if err != nil || res != Remapped {
		t.Fatalf("RemapID() = %v, %v, want Remapped", res, err)
	}
	if _, err := s.GetMessage(ctx, "local-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old id still readable: %v", err)
	}

	// Remapped rows keep the provisional id as client ref; pending state on a
	// remote id is not a valid row, so confirm it first.
	if err := s.WithTx(ctx, func(tx *Tx) error { return tx.SetState(ctx, "r1", Sent) }); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMessage(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ClientRef != "local-1" {
		t.Errorf("client ref = %q, want local-1", got.ClientRef)
	}

	res, err = s.RemapID(ctx, "local-1", "r1")
	if err != nil || res != AlreadyApplied {
		t.Errorf("second RemapID() = %v, %v, want AlreadyApplied", res, err)
	}

	if _, err := s.RemapID(ctx, "local-x", "r-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemapID(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRemapIDMergesIntoExistingRemoteRow(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	ch, unsub := b.Subscribe("message.remapped", 4)
	defer unsub()

	s := testStore(t, b)
	mustUpsert(t, s, pending("local-1", "c1", "hi", 0))
	mustUpsert(t, s, remote("r1", "c1", self, "hi", 10, 0))

	res, err := s.RemapID(ctx, "local-1", "r1")
	if err != nil || res != Merged {
		t.Fatalf("RemapID() = %v, %v, want Merged", res, err)
	}

	msgs, err := s.Timeline(ctx, "c1", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "r1" {
		t.Fatalf("timeline = %v, want [r1]", ids(msgs))
	}
	if msgs[0].ClientRef != "local-1" {
		t.Errorf("client ref = %q, want local-1", msgs[0].ClientRef)
	}

	evt := <-ch
	if r, ok := evt.Payload.(Remap); !ok || r.Result != Merged || r.OldID != "local-1" {
		t.Errorf("remap event payload = %+v", evt.Payload)
	}
}

func TestRemapCarriesOutboxRow(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Upsert(ctx, "c1", pending("local-1", "c1", "hi", 0)); err != nil {
			return err
		}
		return tx.InsertOutbox(ctx, OutboxEntry{MessageID: "local-1", ConversationID: "c1"})
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RemapID(ctx, "local-1", "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetOutbox(ctx, "r1"); err != nil {
		t.Errorf("outbox row did not follow remap: %v", err)
	}
}

func TestMatchPending(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)
	tol := 2 * time.Second

	mustUpsert(t, s, pending("local-a", "c1", "same", 0))
	mustUpsert(t, s, pending("local-b", "c1", "same", 1500))

	byRef := remote("r1", "c1", self, "anything", 1, 99_999)
	byRef.ClientRef = "local-b"
	m, ok, err := s.MatchPending(ctx, byRef, tol)
	if err != nil || !ok || m.ID != "local-b" {
		t.Errorf("match by client ref = %s, %v, %v, want local-b", m.ID, ok, err)
	}

	closest := remote("r2", "c1", self, "same", 2, 1200)
	m, ok, _ = s.MatchPending(ctx, closest, tol)
	if !ok || m.ID != "local-b" {
		t.Errorf("match by content = %s, %v, want closest local-b", m.ID, ok)
	}

	tests := []struct {
		name string
		msg  Message
	}{
		{"other sender", remote("r3", "c1", "bob", "same", 3, 0)},
		{"other body", remote("r4", "c1", self, "different", 4, 0)},
		{"outside tolerance", remote("r5", "c1", self, "same", 5, 10_000)},
		{"other conversation", remote("r6", "c2", self, "same", 6, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if m, ok, _ := s.MatchPending(ctx, tt.msg, tol); ok {
				t.Errorf("unexpected match %s", m.ID)
			}
		})
	}
}

func TestTimelineOrdering(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	// Arrival order differs from sequence order.
	mustUpsert(t, s, remote("r3", "c1", "bob", "three", 3, 300))
	mustUpsert(t, s, pending("local-late", "c1", "mine", 50))
	mustUpsert(t, s, remote("r1", "c1", "bob", "one", 1, 900))
	mustUpsert(t, s, remote("r2", "c1", "bob", "two", 2, 100))
	mustUpsert(t, s, pending("local-early", "c1", "mine", 10))

	msgs, err := s.Timeline(ctx, "c1", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"local-late", "local-early", "r3", "r2", "r1"}
	if fmt.Sprint(ids(msgs)) != fmt.Sprint(want) {
		t.Errorf("timeline = %v, want %v", ids(msgs), want)
	}
}

func TestTimelineRestartsFromCursor(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)
	for i := int64(1); i <= 5; i++ {
		mustUpsert(t, s, remote(fmt.Sprintf("r%d", i), "c1", "bob", "x", i, i))
	}

	first, err := s.Timeline(ctx, "c1", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Timeline(ctx, "c1", 10, first[len(first)-1].Cursor())
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(ids(first), ids(second)); got != "[r5 r4] [r3 r2 r1]" {
		t.Errorf("pages = %s", got)
	}
}

func TestTimelineEarlyStopAndBadCursor(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)
	for i := int64(1); i <= 3; i++ {
		mustUpsert(t, s, remote(fmt.Sprintf("r%d", i), "c1", "bob", "x", i, i))
	}

	n := 0
	for _, err := range s.ReadTimeline(ctx, "c1", 10, "") {
		if err != nil {
			t.Fatal(err)
		}
		n++
		break
	}
	if n != 1 {
		t.Errorf("read %d rows before break, want 1", n)
	}

	if _, err := s.Timeline(ctx, "c1", 10, "!!not-a-cursor"); err == nil {
		t.Error("Timeline() with bad cursor should fail")
	}
}

func TestUnreadCount(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	mustUpsert(t, s, remote("r1", "c1", "bob", "a", 1, 0))
	mustUpsert(t, s, remote("r2", "c1", self, "b", 2, 0))
	mustUpsert(t, s, remote("r3", "c1", "bob", "c", 3, 0))
	mustUpsert(t, s, pending("local-1", "c1", "d", 0))

	c, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}

	unread, err := s.MarkRead(ctx, "c1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if unread != 1 {
		t.Errorf("unread after MarkRead(1) = %d, want 1", unread)
	}
	if unread, _ := s.MarkRead(ctx, "c1", 0); unread != 1 {
		t.Errorf("MarkRead moved backwards: unread = %d", unread)
	}
}

func TestCursorNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	if err := s.SetCursor(ctx, "c1", SyncCursor{Token: "t5", Version: 5}); err != nil {
		t.Fatal(err)
	}
	err := s.SetCursor(ctx, "c1", SyncCursor{Token: "t3", Version: 3})
	if !errors.Is(err, ErrCursorRegression) {
		t.Errorf("SetCursor(older) error = %v, want ErrCursorRegression", err)
	}
	if c, _ := s.Cursor(ctx, "c1"); c.Token != "t5" {
		t.Errorf("cursor = %+v, want t5", c)
	}

	if err := s.ResetCursor(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if c, _ := s.Cursor(ctx, "c1"); !c.IsZero() {
		t.Errorf("cursor after reset = %+v, want zero", c)
	}
}

func TestWithTxRollbackHidesEverything(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	ch, unsub := b.Subscribe("", 16)
	defer unsub()
	s := testStore(t, b)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Upsert(ctx, "c1", remote("r1", "c1", "bob", "x", 1, 0)); err != nil {
			return err
		}
		if err := tx.SetCursor(ctx, "c1", SyncCursor{Token: "t1", Version: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}
	if _, err := s.GetMessage(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled back row visible: %v", err)
	}
	if c, _ := s.Cursor(ctx, "c1"); !c.IsZero() {
		t.Errorf("rolled back cursor visible: %+v", c)
	}
	select {
	case evt := <-ch:
		t.Errorf("event published for rolled back tx: %+v", evt)
	default:
	}
}

func TestCorruptRowIsQuarantined(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	ch, unsub := b.Subscribe(bus.MessageQuarantined, 1)
	defer unsub()

	s := testStore(t, b)
	mustUpsert(t, s, remote("r1", "c1", "bob", "ok", 1, 0))
	mustUpsert(t, s, remote("r2", "c1", "bob", "tampered", 2, 0))
	if _, err := s.db.Exec(`UPDATE messages SET body = x'00' WHERE id = 'r2'`); err != nil {
		t.Fatal(err)
	}

	var good []string
	var corrupt int
	for m, err := range s.ReadTimeline(ctx, "c1", 10, "") {
		if err != nil {
			if chaterr.KindOf(err) != chaterr.Corruption {
				t.Fatalf("error kind = %s, want corruption", chaterr.KindOf(err))
			}
			var cre *CorruptRowError
			if !errors.As(err, &cre) || cre.MessageID != "r2" {
				t.Errorf("corrupt row = %+v", cre)
			}
			corrupt++
			continue
		}
		good = append(good, m.ID)
	}
	if corrupt != 1 || fmt.Sprint(good) != "[r1]" {
		t.Errorf("good = %v, corrupt = %d", good, corrupt)
	}

	q, err := s.ListQuarantine(ctx, "c1")
	if err != nil || len(q) != 1 || q[0].MessageID != "r2" {
		t.Errorf("quarantine = %+v, %v", q, err)
	}
	if _, err := s.GetMessage(ctx, "r2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("quarantined row still present: %v", err)
	}
	<-ch
}

func TestProvisionalRowInConfirmedStateIsCorrupt(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)
	mustUpsert(t, s, pending("local-1", "c1", "x", 0))
	if _, err := s.db.Exec(`UPDATE messages SET state = 2 WHERE id = 'local-1'`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetMessage(ctx, "local-1"); !errors.Is(err, chaterr.ErrCorruption) {
		t.Errorf("GetMessage() error = %v, want corruption", err)
	}
}

func TestDueOutbox(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)
	later := at(60_000)

	err := s.WithTx(ctx, func(tx *Tx) error {
		for i, e := range []OutboxEntry{
			{MessageID: "local-due", ConversationID: "c1"},
			{MessageID: "local-later", ConversationID: "c1", NextRetryAt: &later},
			{MessageID: "local-parked", ConversationID: "c1", Parked: true},
			{MessageID: "local-other", ConversationID: "c2"},
		} {
			if _, err := tx.Upsert(ctx, e.ConversationID, pending(e.MessageID, e.ConversationID, "x", int64(i))); err != nil {
				return err
			}
			e.CreatedAt = at(int64(i))
			if err := tx.InsertOutbox(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	due, err := s.DueOutbox(ctx, "c1", at(1000), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].MessageID != "local-due" {
		t.Errorf("due(c1) = %+v", due)
	}

	all, _ := s.DueOutbox(ctx, "", at(120_000), 0)
	if len(all) != 3 {
		t.Errorf("due(all, later) = %d entries, want 3", len(all))
	}

	convs, err := s.UnparkOutbox(ctx)
	if err != nil || fmt.Sprint(convs) != "[c1]" {
		t.Errorf("UnparkOutbox() = %v, %v", convs, err)
	}
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)
	mustUpsert(t, s, remote("r1", "c1", "bob", "x", 1, 0))

	var deleted bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		deleted, err = tx.Delete(ctx, "r1")
		return err
	})
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v", deleted, err)
	}
	if c, _ := s.GetConversation(ctx, "c1"); c.UnreadCount != 0 {
		t.Errorf("unread after delete = %d, want 0", c.UnreadCount)
	}
}

func TestEnsureConversationParticipants(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	if err := s.EnsureConversation(ctx, "c1", []string{"bob", "me", "bob"}); err != nil {
		t.Fatal(err)
	}
	c, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(c.ParticipantIDs) != "[bob me]" {
		t.Errorf("participants = %v", c.ParticipantIDs)
	}
	list, _ := s.ListConversations(ctx, 0)
	if len(list) != 1 {
		t.Errorf("ListConversations() = %d, want 1", len(list))
	}
}

func TestListConversationsPreviewsNewestMessage(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, nil)

	long := string(bytes.Repeat([]byte("x"), 200))
	mustUpsert(t, s, remote("r1", "c1", "bob", "old", 1, 0))
	mustUpsert(t, s, remote("r2", "c1", "bob", long, 2, 10))
	if err := s.EnsureConversation(ctx, "c2", nil); err != nil {
		t.Fatal(err)
	}

	preview := func() map[string]Conversation {
		t.Helper()
		list, err := s.ListConversations(ctx, 0)
		if err != nil {
			t.Fatalf("ListConversations() error = %v", err)
		}
		out := map[string]Conversation{}
		for _, c := range list {
			out[c.ID] = c
		}
		return out
	}

	got := preview()
	c1 := got["c1"]
	if c1.LastMessageID != "r2" || !c1.LastMessageAt.Equal(at(110)) || len(c1.LastMessagePreview) != previewBytes {
		t.Errorf("c1 preview = %q at %v, %d bytes", c1.LastMessageID, c1.LastMessageAt, len(c1.LastMessagePreview))
	}
	if c2 := got["c2"]; c2.LastMessageID != "" || c2.LastMessagePreview != nil {
		t.Errorf("empty conversation has preview %+v", c2)
	}

	mustUpsert(t, s, pending("local-new", "c1", "draft", 20))
	c1 = preview()["c1"]
	if c1.LastMessageID != "local-new" || string(c1.LastMessagePreview) != "draft" || !c1.LastMessageAt.Equal(at(20)) {
		t.Errorf("c1 preview after compose = %q %q at %v", c1.LastMessageID, c1.LastMessagePreview, c1.LastMessageAt)
	}
}
