// Package push turns push wake-ups into reconciliation passes.
package push

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/vault"
)

// Reconciler runs a pull-based catch-up of one conversation.
type Reconciler interface {
	Reconcile(ctx context.Context, conversationID string) error
}

// DeviceRegistrar hands the push token to the backend.
type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, token string) error
}

// TokenStore persists the device token.
type TokenStore interface {
	Set(entry, value string) error
}

type Options struct {
	// Window collapses wake-ups for one conversation: the first opens the
	// window and everything received before it closes shares one pass.
	Window     time.Duration
	RunTimeout time.Duration
	Registrar  DeviceRegistrar
	Tokens     TokenStore
	Logger     *zap.Logger
}

func OptionsFromConfig(c config.PushConfig) Options {
	return Options{Window: c.CoalesceWindow.Duration}
}

// Stats counts wake-ups and the passes they caused.
type Stats struct {
	Received  int
	Runs      int
	Coalesced int
}

type slot struct {
	running bool
	pending bool
}

// Handler coalesces push wake-ups per conversation. The payload is only a
// hint; every wake-up becomes a full catch-up from the persisted cursor.
type Handler struct {
	reconciler Reconciler
	opts       Options
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	slots  map[string]*slot
	stats  Stats
	closed bool
}

func NewHandler(r Reconciler, opts Options) *Handler {
	if opts.Window <= 0 {
		opts.Window = 2 * time.Second
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		reconciler: r,
		opts:       opts,
		logger:     logger.Named("push"),
		ctx:        ctx,
		cancel:     cancel,
		slots:      make(map[string]*slot),
	}
}

// OnPushReceived schedules a reconciliation of conversationID. hint is
// logged and otherwise ignored.
func (h *Handler) OnPushReceived(conversationID, hint string) {
	if conversationID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.stats.Received++
	if s, ok := h.slots[conversationID]; ok {
		// A running pass may already be past this message; queue one more.
		if !s.running || s.pending {
			h.stats.Coalesced++
		}
		if s.running {
			s.pending = true
		}
		return
	}
	h.slots[conversationID] = &slot{}
	h.logger.Debug("wake-up", zap.String("conversation_id", conversationID), zap.String("hint", hint))
	h.wg.Add(1)
	go h.drive(conversationID)
}

// drive waits out the window and runs one pass. Wake-ups that arrive while
// that pass is running open another window.
func (h *Handler) drive(conversationID string) {
	defer h.wg.Done()
	for {
		wait := time.NewTimer(h.opts.Window)
		select {
		case <-wait.C:
		case <-h.ctx.Done():
			wait.Stop()
			h.mu.Lock()
			delete(h.slots, conversationID)
			h.mu.Unlock()
			return
		}

		h.mu.Lock()
		s := h.slots[conversationID]
		s.running = true
		s.pending = false
		h.mu.Unlock()

		h.run(conversationID)

		h.mu.Lock()
		s.running = false
		if !s.pending || h.ctx.Err() != nil {
			delete(h.slots, conversationID)
			h.mu.Unlock()
			return
		}
		s.pending = false
		h.mu.Unlock()
	}
}

func (h *Handler) run(conversationID string) {
	h.mu.Lock()
	h.stats.Runs++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.opts.RunTimeout)
	defer cancel()
	err := h.reconciler.Reconcile(ctx, conversationID)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
	case chaterr.KindOf(err) == chaterr.Auth:
		h.logger.Warn("push reconcile needs credentials", zap.String("conversation_id", conversationID), zap.Error(err))
	default:
		h.logger.Error("push reconcile failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Stats returns a snapshot of the counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Close stops scheduling and waits for running passes.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

// OnNewToken stores a new device token and registers it with the backend.
func (h *Handler) OnNewToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("push: empty device token")
	}
	if h.opts.Tokens != nil {
		if err := h.opts.Tokens.Set(vault.EntryDeviceToken, token); err != nil {
			return err
		}
	}
	if h.opts.Registrar == nil {
		return nil
	}
	if err := h.opts.Registrar.RegisterDevice(ctx, token); err != nil {
		return err
	}
	h.logger.Info("device token registered")
	return nil
}
