// Package listener keeps a conversation's local store in step with the
// realtime document store.
package listener

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/docstore"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// Batch is one group of remote changes, delivered in receipt order.
type Batch struct {
	// Generation changes on every Resync; batches of an older generation are stale.
	Generation     uint64
	ConversationID string
	Messages       []store.Message
	Deleted        []string
	Cursor         store.SyncCursor
	UpToDate       bool
}

// Sink receives batches. Deliver must not block for long.
type Sink interface {
	Deliver(Batch)
}

// CursorSource returns the last persisted sync cursor.
type CursorSource interface {
	Cursor(ctx context.Context, conversationID string) (store.SyncCursor, error)
}

// LinkChange is the payload of sync.live and sync.stale events.
type LinkChange struct {
	State status.State
	Err   string
}

type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Bus       bus.Publisher
	Logger    *zap.Logger
}

// OptionsFromConfig maps the [listener] section.
func OptionsFromConfig(c config.ListenerConfig) Options {
	return Options{BaseDelay: c.BaseDelay.Duration, MaxDelay: c.MaxDelay.Duration}
}

var errResync = errors.New("resync requested")

// Listener subscribes to one conversation and reconnects until its context ends.
type Listener struct {
	conversationID string
	docs           docstore.Store
	cursors        CursorSource
	sink           Sink
	opts           Options
	logger         *zap.Logger
	link           *status.Machine

	gen    atomic.Uint64
	wake   chan struct{}
	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

func New(conversationID string, docs docstore.Store, cursors CursorSource, sink Sink, opts Options) *Listener {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		conversationID: conversationID,
		docs:           docs,
		cursors:        cursors,
		sink:           sink,
		opts:           opts,
		logger:         logger.Named("listener").With(zap.String("conversation", conversationID)),
		link:           status.NewMachine(status.Connecting, status.LinkTable, conversationID, nil),
		wake:           make(chan struct{}, 1),
	}
}

// Link reports the connection state.
func (l *Listener) Link() status.State { return l.link.Current() }

// Generation is the generation stamped on batches delivered from now on.
func (l *Listener) Generation() uint64 { return l.gen.Load() }

// Resync drops the current subscription and resubscribes from the persisted
// cursor without waiting for backoff. Batches already delivered under the
// previous generation should be discarded by the sink.
func (l *Listener) Resync() {
	l.gen.Add(1)
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel(errResync)
	}
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Listener) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.opts.BaseDelay
	bo.MaxInterval = l.opts.MaxDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run subscribes and keeps the subscription alive until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	bo := l.newBackOff()
	defer func() { _ = l.link.Force(status.Closed) }()

	for {
		live, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if live {
			bo.Reset()
		}
		if errors.Is(err, errResync) {
			l.logger.Info("resubscribing")
			select {
			case <-l.wake:
			default:
			}
			l.markStale(err)
			_ = l.link.Transition(status.Connecting)
			continue
		}

		l.markStale(err)
		delay := bo.NextBackOff()
		l.logger.Warn("subscription lost", zap.Error(err), zap.Duration("retry_in", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
		}
		_ = l.link.Transition(status.Connecting)
	}
}

// session runs one subscription. live reports whether any batch arrived.
func (l *Listener) session(parent context.Context) (live bool, err error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancel = nil
		l.mu.Unlock()
	}()
	// A Resync that raced ahead of the cancel func being installed.
	select {
	case <-l.wake:
		return false, errResync
	default:
	}

	cur, err := l.cursors.Cursor(ctx, l.conversationID)
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}
	gen := l.gen.Load()
	stream, err := l.docs.Subscribe(ctx, docstore.MessagesPath(l.conversationID), docstore.Cursor{Token: cur.Token, Version: cur.Version})
	if err != nil {
		return false, l.cause(ctx, err)
	}
	defer stream.Close()

	for {
		b, err := stream.Next(ctx)
		if err != nil {
			return live, l.cause(ctx, err)
		}
		if !live {
			live = true
			if l.link.Transition(status.Live) == nil {
				l.logger.Info("live", zap.Int64("from_version", cur.Version))
				l.publish(bus.SyncLive, LinkChange{State: status.Live})
			}
		}
		if len(b.Changes) == 0 {
			continue
		}
		l.sink.Deliver(Convert(l.conversationID, gen, b, l.logger))
	}
}

func (l *Listener) cause(ctx context.Context, err error) error {
	if c := context.Cause(ctx); errors.Is(c, errResync) {
		return errResync
	}
	return err
}

// Convert normalizes a raw change batch. Documents that fail Normalize are
// logged and skipped; only the last change per document survives, so deletes
// and upserts can be applied in either order.
func Convert(conversationID string, gen uint64, b docstore.Batch, logger *zap.Logger) Batch {
	out := Batch{
		Generation:     gen,
		ConversationID: conversationID,
		Cursor:         store.SyncCursor{Token: b.Cursor.Token, Version: b.Cursor.Version},
		UpToDate:       b.UpToDate,
	}
	for _, ch := range b.Changes {
		out.Messages = slices.DeleteFunc(out.Messages, func(m store.Message) bool { return m.ID == ch.DocumentID })
		out.Deleted = slices.DeleteFunc(out.Deleted, func(id string) bool { return id == ch.DocumentID })
		if ch.Type == docstore.Removed {
			out.Deleted = append(out.Deleted, ch.DocumentID)
			continue
		}
		m, err := Normalize(conversationID, ch.DocumentID, ch.Data)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping document", zap.Error(err))
			}
			continue
		}
		out.Messages = append(out.Messages, m)
	}
	return out
}

func (l *Listener) markStale(err error) {
	if l.link.Current() == status.Stale {
		return
	}
	if l.link.Transition(status.Stale) != nil {
		return
	}
	l.publish(bus.SyncStale, LinkChange{State: status.Stale, Err: errString(err)})
}

func (l *Listener) publish(kind string, payload LinkChange) {
	if l.opts.Bus == nil {
		return
	}
	l.opts.Bus.Publish(bus.Event{
		Kind:           kind,
		ConversationID: l.conversationID,
		Timestamp:      time.Now(),
		Payload:        payload,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
