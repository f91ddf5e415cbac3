// Package backend is the REST client for the conversational backend: message
// sends, read receipts, typing state and device registration. Every failure
// leaves this package classified by chaterr.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/config"
)

// TokenSource hands out bearer tokens. *auth.Tokens implements it.
type TokenSource interface {
	Token() (string, error)
	Reject()
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// OptionsFromConfig maps the [backend] section.
func OptionsFromConfig(c config.BackendConfig) Options {
	return Options{
		BaseURL:         c.BaseURL,
		Timeout:         c.Timeout.Duration,
		BreakerFailures: c.BreakerFailures,
		BreakerCooldown: c.BreakerCooldown.Duration,
	}
}

// Ack is the backend's acceptance of a message.
type Ack struct {
	RemoteID     string
	SequenceHint int64
	ServerTime   time.Time
}

// StatusError is a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

// Client talks to the backend REST API.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

func New(opts Options, tokens TokenSource) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", opts.BaseURL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backend")

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{
			Transport: &http.Transport{
				DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
			Timeout: timeout,
		}
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transport trouble trips the breaker; refusals are answers.
		IsSuccessful: func(err error) bool {
			return err == nil || chaterr.KindOf(err) != chaterr.Transient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Client{base: base, http: hc, tokens: tokens, cb: cb, logger: logger}, nil
}

// Outgoing is a locally composed message handed to the backend.
type Outgoing struct {
	ConversationID string
	ClientRef      string
	Body           []byte
	CreatedAtLocal time.Time
}

type sendRequest struct {
	ClientRef      string `json:"clientRef"`
	Body           []byte `json:"body"`
	CreatedAtLocal int64  `json:"createdAtLocal"`
}

type messageResponse struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	ServerTime time.Time `json:"serverTime"`
}

// SendMessage submits a message. ClientRef is the idempotency key: a replay
// the backend already accepted comes back as 409 with the stored message,
// which counts as success. The local compose time travels with the message so
// echoes can be matched against it.
func (c *Client) SendMessage(ctx context.Context, m Outgoing) (Ack, error) {
	var resp messageResponse
	path := "/v1/conversations/" + url.PathEscape(m.ConversationID) + "/messages"
	headers := http.Header{"Idempotency-Key": []string{m.ClientRef}}
	req := sendRequest{ClientRef: m.ClientRef, Body: m.Body, CreatedAtLocal: m.CreatedAtLocal.UnixMilli()}

	err := c.do(ctx, "backend.send", http.MethodPost, path, headers, req, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusConflict {
		if jerr := json.Unmarshal([]byte(se.Body), &resp); jerr == nil && resp.ID != "" {
			c.logger.Debug("send replay accepted", zap.String("client_ref", m.ClientRef), zap.String("remote_id", resp.ID))
			err = nil
		}
	}
	if err != nil {
		return Ack{}, err
	}
	if resp.ID == "" {
		return Ack{}, chaterr.Newf(chaterr.Transient, "backend.send", "response without message id")
	}
	return Ack{RemoteID: resp.ID, SequenceHint: resp.Seq, ServerTime: resp.ServerTime}, nil
}

// AckRead tells the backend messages up to upToSeq were read.
func (c *Client) AckRead(ctx context.Context, conversationID string, upToSeq int64) error {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, "backend.ack_read", http.MethodPost, path, nil, map[string]int64{"upToSeq": upToSeq}, nil)
}

// SetTyping publishes the local typing state.
func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/typing"
	return c.do(ctx, "backend.typing", http.MethodPut, path, nil, map[string]bool{"typing": typing}, nil)
}

// SetAvailability publishes whether the local user is present.
func (c *Client) SetAvailability(ctx context.Context, available bool) error {
	return c.do(ctx, "backend.availability", http.MethodPut, "/v1/presence", nil, map[string]bool{"available": available}, nil)
}

// RegisterDevice hands the push token to the backend.
func (c *Client) RegisterDevice(ctx context.Context, token string) error {
	return c.do(ctx, "backend.register_device", http.MethodPut, "/v1/devices/current", nil,
		map[string]string{"token": token, "platform": "fcm"}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, headers http.Header, in, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return chaterr.New(chaterr.Rejected, op, err)
	}

	_, err = c.cb.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, op, method, path, token, headers, payload, out)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return chaterr.New(chaterr.Transient, op, err)
	case chaterr.KindOf(err) == chaterr.Auth:
		c.tokens.Reject()
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path, token string, headers http.Header, payload []byte, out any) error {
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return chaterr.New(chaterr.Rejected, op, err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return chaterr.New(chaterr.Transient, op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return chaterr.New(chaterr.Transient, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		return chaterr.New(Classify(resp.StatusCode), op, se)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return chaterr.New(chaterr.Transient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Classify maps an HTTP status to an error kind.
func Classify(status int) chaterr.Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return chaterr.Auth
	case status == http.StatusConflict:
		return chaterr.Conflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return chaterr.Transient
	default:
		return chaterr.Rejected
	}
}
