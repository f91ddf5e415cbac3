package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matheus3301/chatsync/internal/chaterr"
)

// TokenSource hands out bearer tokens for the websocket handshake.
type TokenSource interface {
	Token() (string, error)
}

// Frame is the JSON message exchanged with the document store gateway.
//
//	client: {"type":"subscribe","path":...,"cursor":{...}}
//	client: {"type":"write","path":...,"documentId":...,"data":{...}}
//	server: {"type":"changes","changes":[...],"cursor":{...},"upToDate":true}
//	server: {"type":"ack"} | {"type":"error","code":...,"message":...}
type Frame struct {
	Type       string          `json:"type"`
	Path       string          `json:"path,omitempty"`
	DocumentID string          `json:"documentId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Cursor     *Cursor         `json:"cursor,omitempty"`
	Changes    []Change        `json:"changes,omitempty"`
	UpToDate   bool            `json:"upToDate,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Error codes carried by error frames.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeInvalid         = "invalid"
	CodeUnavailable     = "unavailable"
)

// WebSocket is a Store backed by a websocket gateway. Each subscription owns
// one connection; writes use a short-lived connection each.
type WebSocket struct {
	url       string
	tokens    TokenSource
	logger    *zap.Logger
	readLimit int64
}

func NewWebSocket(rawURL string, tokens TokenSource, logger *zap.Logger) (*WebSocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("docstore url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("docstore url: unsupported scheme %q", u.Scheme)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{url: u.String(), tokens: tokens, logger: logger.Named("docstore"), readLimit: 4 << 20}, nil
}

func (w *WebSocket) dial(ctx context.Context, op string) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{}
	if w.tokens != nil {
		token, err := w.tokens.Token()
		if err != nil {
			return nil, err
		}
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, resp, err := websocket.Dial(ctx, w.url, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, chaterr.New(chaterr.Auth, op, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, chaterr.New(chaterr.Transient, op, err)
	}
	conn.SetReadLimit(w.readLimit)
	return conn, nil
}

// Subscribe implements Store.
func (w *WebSocket) Subscribe(ctx context.Context, path string, from Cursor) (Stream, error) {
	conn, err := w.dial(ctx, "docstore.subscribe")
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, conn, Frame{Type: "subscribe", Path: path, Cursor: &from}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, classifyConnErr("docstore.subscribe", err)
	}
	w.logger.Debug("subscribed", zap.String("path", path), zap.Int64("from_version", from.Version))
	return &wsStream{conn: conn}, nil
}

// WriteDocument implements Store. It waits for the gateway's ack.
func (w *WebSocket) WriteDocument(ctx context.Context, path, id string, data json.RawMessage) error {
	conn, err := w.dial(ctx, "docstore.write")
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	if err := wsjson.Write(ctx, conn, Frame{Type: "write", Path: path, DocumentID: id, Data: data}); err != nil {
		return classifyConnErr("docstore.write", err)
	}
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return classifyConnErr("docstore.write", err)
		}
		switch f.Type {
		case "ack":
			return nil
		case "error":
			return frameError("docstore.write", f)
		}
	}
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next(ctx context.Context) (Batch, error) {
	for {
		var f Frame
		if err := wsjson.Read(ctx, s.conn, &f); err != nil {
			return Batch{}, classifyConnErr("docstore.stream", err)
		}
		switch f.Type {
		case "changes":
			b := Batch{Changes: f.Changes, UpToDate: f.UpToDate}
			if f.Cursor != nil {
				b.Cursor = *f.Cursor
			}
			return b, nil
		case "error":
			return Batch{}, frameError("docstore.stream", f)
		}
	}
}

func (s *wsStream) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return nil
	}
	return err
}

func frameError(op string, f Frame) error {
	kind := chaterr.Transient
	switch f.Code {
	case CodeUnauthenticated:
		kind = chaterr.Auth
	case CodeInvalid:
		kind = chaterr.Rejected
	}
	return chaterr.Newf(kind, op, "%s: %s", f.Code, f.Message)
}

func classifyConnErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
		return chaterr.New(chaterr.Auth, op, err)
	}
	return chaterr.New(chaterr.Transient, op, err)
}
