package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
)

type staticTokens struct {
	token    string
	err      error
	rejected atomic.Int32
}

func (s *staticTokens) Token() (string, error) { return s.token, s.err }
func (s *staticTokens) Reject()                { s.rejected.Add(1) }

func newClient(t *testing.T, h http.HandlerFunc, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, BreakerFailures: 3, BreakerCooldown: time.Minute}, tokens)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSendMessage(t *testing.T) {
	var got sendRequest
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversations/c1/messages" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Idempotency-Key") != "local-1" {
			t.Errorf("idempotency key = %q", r.Header.Get("Idempotency-Key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"R1","seq":42,"serverTime":"2024-01-01T00:00:00Z"}`))
	}, &staticTokens{token: "tok"})

	composed := time.UnixMilli(1_700_000_000_123)
	ack, err := c.SendMessage(context.Background(), Outgoing{
		ConversationID: "c1", ClientRef: "local-1", Body: []byte("hello"), CreatedAtLocal: composed,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ack.RemoteID != "R1" || ack.SequenceHint != 42 || ack.ServerTime.Year() != 2024 {
		t.Errorf("ack = %+v", ack)
	}
	if string(got.Body) != "hello" || got.ClientRef != "local-1" || got.CreatedAtLocal != composed.UnixMilli() {
		t.Errorf("request body = %+v", got)
	}
}

func TestSendReplayConflictIsSuccess(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"id":"R1","seq":7}`))
	}, &staticTokens{token: "tok"})

	ack, err := c.SendMessage(context.Background(), Outgoing{ConversationID: "c1", ClientRef: "local-1", Body: []byte("x")})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if ack.RemoteID != "R1" || ack.SequenceHint != 7 {
		t.Errorf("ack = %+v", ack)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   chaterr.Kind
	}{
		{http.StatusBadRequest, chaterr.Rejected},
		{http.StatusUnauthorized, chaterr.Auth},
		{http.StatusForbidden, chaterr.Auth},
		{http.StatusNotFound, chaterr.Rejected},
		{http.StatusRequestEntityTooLarge, chaterr.Rejected},
		{http.StatusUnprocessableEntity, chaterr.Rejected},
		{http.StatusTooManyRequests, chaterr.Transient},
		{http.StatusInternalServerError, chaterr.Transient},
		{http.StatusServiceUnavailable, chaterr.Transient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			tokens := &staticTokens{token: "tok"}
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}, tokens)

			err := c.AckRead(context.Background(), "c1", 3)
			if got := chaterr.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s (err %v)", got, tt.want, err)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.Status != tt.status {
				t.Errorf("status error = %v", err)
			}
			if tt.want == chaterr.Auth && tokens.rejected.Load() != 1 {
				t.Error("auth failure did not reject the token")
			}
		})
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	c, err := New(Options{BaseURL: srv.URL}, &staticTokens{token: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetTyping(context.Background(), "c1", true); !chaterr.IsRetryable(err) {
		t.Errorf("SetTyping() error = %v, want transient", err)
	}
}

func TestSetAvailability(t *testing.T) {
	var got map[string]bool
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/presence" || r.Method != http.MethodPut {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}, &staticTokens{token: "tok"})

	if err := c.SetAvailability(context.Background(), false); err != nil {
		t.Fatalf("SetAvailability() = %v", err)
	}
	if v, ok := got["available"]; !ok || v {
		t.Errorf("request body = %v, want available=false", got)
	}
}

func TestMissingTokenSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, &staticTokens{err: chaterr.Newf(chaterr.Auth, "auth.token", "no access token")})

	err := c.RegisterDevice(context.Background(), "push-token")
	if !errors.Is(err, chaterr.ErrAuth) {
		t.Errorf("RegisterDevice() error = %v, want auth", err)
	}
	if calls.Load() != 0 {
		t.Error("request sent without a token")
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, &staticTokens{token: "tok"})

	for range 3 {
		_ = c.AckRead(context.Background(), "c1", 1)
	}
	err := c.AckRead(context.Background(), "c1", 1)
	if !chaterr.IsRetryable(err) {
		t.Errorf("open breaker error = %v, want transient", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3 (breaker open)", calls.Load())
	}
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}, &staticTokens{token: "tok"})

	for range 5 {
		_ = c.AckRead(context.Background(), "c1", 1)
	}
	if calls.Load() != 5 {
		t.Errorf("server calls = %d, want 5", calls.Load())
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Options{BaseURL: "not a url"}, &staticTokens{}); err == nil {
		t.Error("New() with bad url should fail")
	}
}
