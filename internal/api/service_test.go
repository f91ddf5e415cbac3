package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/docstore"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/vault"
)

type countingSender struct{ n atomic.Int64 }

func (s *countingSender) SendMessage(context.Context, backend.Outgoing) (backend.Ack, error) {
	n := s.n.Add(1)
	return backend.Ack{RemoteID: fmt.Sprintf("r%d", n), SequenceHint: n, ServerTime: time.Now()}, nil
}

type harness struct {
	client *Client
	sync   *SyncService
	bus    *bus.Bus
	sender *countingSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := bus.New()

	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	v, _ := vault.New(bytes.Repeat([]byte{3}, vault.KeySize))
	st := store.New(db, store.Options{SelfID: "me", Sealer: v, Bus: b})
	ob := outbox.New(st, outbox.Options{
		Backoff:      outbox.Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond, Factor: 2},
		MaxBodyBytes: 1000,
		Bus:          b,
	})
	sender := &countingSender{}
	reg := reconcile.NewRegistry(reconcile.Options{
		Store:    st,
		Outbox:   ob,
		Docs:     docstore.NewMemory(),
		Delivery: reconcile.RPCDelivery{Sender: sender},
		Bus:      b,
		Logger:   logger,
	})
	ob.SetKicker(reg)
	ph := push.NewHandler(reg, push.Options{Window: 10 * time.Millisecond, Logger: logger})
	syncSvc := NewSyncService("test", reg, ph, auth.New(nil, b, logger), b, logger)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, NewTimelineService(st, ob, reg), syncSvc)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		ph.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		syncSvc.CloseAll(ctx)
		_ = reg.Shutdown(ctx)
	})
	return &harness{client: NewClient(conn), sync: syncSvc, bus: b, sender: sender}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func codeOf(err error) codes.Code { return grpcstatus.Code(err) }

func TestComposeAndRead(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	id, err := h.client.Compose(ctx, "c1", []byte("hello"))
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if !store.IsProvisional(id) {
		t.Errorf("message id = %q, want provisional", id)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		out, err := h.client.Read(ctx, "c1", 10, "")
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		msgs := List(out, "messages")
		if len(msgs) != 1 {
			t.Fatalf("messages = %d, want 1", len(msgs))
		}
		m := msgs[0]
		if string(Body(m, "body")) != "hello" || Str(m, "senderId") != "me" {
			t.Fatalf("message = %v", m)
		}
		if Str(m, "state") == "sent" {
			if Str(m, "id") != "r1" || Str(m, "clientRef") != id || Str(m, "seq") != "1" {
				t.Errorf("sent message = %v", m)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never sent: %v", m)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestComposeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	if _, err := h.client.Compose(ctx, "", []byte("x")); codeOf(err) != codes.InvalidArgument {
		t.Errorf("missing conversation: code = %v", codeOf(err))
	}
	if _, err := h.client.Compose(ctx, "c1", nil); codeOf(err) != codes.InvalidArgument {
		t.Errorf("empty body: code = %v", codeOf(err))
	}
	long := bytes.Repeat([]byte("a"), 1001)
	if _, err := h.client.Compose(ctx, "c1", long); codeOf(err) != codes.InvalidArgument {
		t.Errorf("long body: code = %v", codeOf(err))
	}
	_, err := h.client.Call(ctx, TimelineServiceName, "Compose", map[string]any{"conversationId": "c1", "body": "not base64!"})
	if codeOf(err) != codes.InvalidArgument {
		t.Errorf("undecodable body: code = %v", codeOf(err))
	}
}

func TestBinaryBodyIsKeptExact(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	body := []byte{0xff, 0x00, 0xfe, 'o', 'k', 0xc3}
	if _, err := h.client.Compose(ctx, "c1", body); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	out, err := h.client.Read(ctx, "c1", 10, "")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	msgs := List(out, "messages")
	if len(msgs) != 1 || !bytes.Equal(Body(msgs[0], "body"), body) {
		t.Fatalf("messages = %v, want body %x", msgs, body)
	}

	convs, err := h.client.Call(ctx, TimelineServiceName, "Conversations", nil)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	list := List(convs, "conversations")
	if len(list) != 1 || Str(list[0], "lastMessageId") == "" || !bytes.Equal(Body(list[0], "lastMessagePreview"), body) {
		t.Errorf("conversations = %v, want a preview of the composed body", list)
	}
}

func TestMarkReadSequenceEncoding(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	for _, bad := range []any{float64(1<<53 + 2), 1.5, "12x", true} {
		_, err := h.client.Call(ctx, TimelineServiceName, "MarkRead", map[string]any{"conversationId": "c1", "upToSeq": bad})
		if codeOf(err) != codes.InvalidArgument {
			t.Errorf("upToSeq %v: code = %v, want InvalidArgument", bad, codeOf(err))
		}
	}
	for _, good := range []any{"9007199254740993", float64(7)} {
		if _, err := h.client.Call(ctx, TimelineServiceName, "MarkRead", map[string]any{"conversationId": "c1", "upToSeq": good}); err != nil {
			t.Errorf("upToSeq %v: %v", good, err)
		}
	}
}

func TestSeqField(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int64
		wantErr bool
	}{
		{"absent", nil, 0, false},
		{"decimal string above 2^53", "9007199254740993", 9007199254740993, false},
		{"exact number", float64(42), 42, false},
		{"number above 2^53", float64(1<<53 + 2), 0, true},
		{"fraction", 2.5, 0, true},
		{"garbage", "x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := map[string]any{}
			if tt.value != nil {
				fields["seq"] = tt.value
			}
			s, err := structpb.NewStruct(fields)
			if err != nil {
				t.Fatal(err)
			}
			got, err := seqField(s, "seq")
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("seqField() = %d, %v; want %d, err %v", got, err, tt.want, tt.wantErr)
			}
		})
	}
}

func TestOpenStatusClose(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	if err := h.client.Open(ctx, "c1", []string{"me", "u2"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.client.Open(ctx, "c1", nil); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	st, err := h.client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if Str(st, "profile") != "test" {
		t.Errorf("profile = %q", Str(st, "profile"))
	}
	engines := List(st, "engines")
	if len(engines) != 1 || Str(engines[0], "conversationId") != "c1" || !engines[0].GetFields()["open"].GetBoolValue() {
		t.Fatalf("engines = %v", engines)
	}

	convs, err := h.client.Call(ctx, TimelineServiceName, "Conversations", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := List(convs, "conversations"); len(got) != 1 || Str(got[0], "id") != "c1" {
		t.Errorf("conversations = %v", got)
	}

	if _, err := h.client.Call(ctx, SyncServiceName, "Close", map[string]any{"conversationId": "c1"}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err = h.client.Call(ctx, SyncServiceName, "Close", map[string]any{"conversationId": "c1"})
	if codeOf(err) != codes.FailedPrecondition {
		t.Errorf("second Close: code = %v", codeOf(err))
	}
}

func TestSetAvailability(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	if _, err := h.client.Call(ctx, SyncServiceName, "SetAvailability", nil); codeOf(err) != codes.InvalidArgument {
		t.Errorf("missing flag: code = %v", codeOf(err))
	}
	if _, err := h.client.Call(ctx, SyncServiceName, "SetAvailability", map[string]any{"available": true}); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	out, err := h.client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !out.GetFields()["available"].GetBoolValue() {
		t.Errorf("status = %v, want available", out)
	}
}

func TestPushReceived(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	_, err := h.client.Call(ctx, SyncServiceName, "PushReceived", map[string]any{"data": map[string]any{"title": "hi"}})
	if codeOf(err) != codes.InvalidArgument {
		t.Errorf("unaddressed push: code = %v", codeOf(err))
	}

	out, err := h.client.Call(ctx, SyncServiceName, "PushReceived", map[string]any{
		"data": map[string]any{"senderId": "u2", "senderName": "Ana", "body": "hey"},
	})
	if err != nil {
		t.Fatalf("PushReceived: %v", err)
	}
	if Str(out, "conversationId") != "u2" {
		t.Errorf("conversation = %q, want u2", Str(out, "conversationId"))
	}
	if got := h.sync.push.Stats().Received; got != 1 {
		t.Errorf("push received = %d, want 1", got)
	}
}

func TestSetCredentialsRequiresToken(t *testing.T) {
	h := newHarness(t)
	ctx := ctxT(t)

	_, err := h.client.Call(ctx, SyncServiceName, "SetCredentials", nil)
	if codeOf(err) != codes.InvalidArgument {
		t.Errorf("code = %v", codeOf(err))
	}
	if _, err := h.client.Call(ctx, SyncServiceName, "SetCredentials", map[string]any{"accessToken": "opaque"}); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}
	if tok, err := h.sync.tokens.Token(); err != nil || tok != "opaque" {
		t.Errorf("token = %q, %v", tok, err)
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *structpb.Struct, 16)
	go func() {
		_ = h.client.Watch(ctx, "message.", "c1", func(evt *structpb.Struct) error {
			got <- evt
			return nil
		})
	}()

	for h.bus.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("watch never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.bus.Emit(bus.MessageDeleted, "other", "x")
	h.bus.Emit(bus.MessageDeleted, "c1", "r9")

	select {
	case evt := <-got:
		if Str(evt, "kind") != bus.MessageDeleted || Str(evt, "conversationId") != "c1" {
			t.Errorf("event = %v", evt)
		}
		if evt.GetFields()["payload"].GetStringValue() != "r9" {
			t.Errorf("payload = %v", evt.GetFields()["payload"])
		}
		if Str(evt, "eventId") == "" {
			t.Error("missing event id")
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{store.ErrNotFound, codes.NotFound},
		{fmt.Errorf("wrap: %w", outbox.ErrRateLimited), codes.ResourceExhausted},
		{outbox.ErrNotFailed, codes.FailedPrecondition},
		{reconcile.ErrShutdown, codes.Unavailable},
		{chaterr.New(chaterr.Auth, "send", errors.New("401")), codes.Unauthenticated},
		{chaterr.New(chaterr.Rejected, "send", errors.New("422")), codes.InvalidArgument},
		{chaterr.New(chaterr.Corruption, "read", errors.New("digest")), codes.DataLoss},
		{errors.New("boom"), codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
	}
	for _, tt := range tests {
		if got := grpcstatus.Code(toStatus("op", tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
