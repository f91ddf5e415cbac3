package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/docstore"
	"github.com/matheus3301/chatsync/internal/listener"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// ErrShutdown is returned once the registry has shut down.
var ErrShutdown = errors.New("reconcile registry shut down")

// Receipts is the read-state and presence half of the backend client.
type Receipts interface {
	AckRead(ctx context.Context, conversationID string, upToSeq int64) error
	SetTyping(ctx context.Context, conversationID string, typing bool) error
	SetAvailability(ctx context.Context, available bool) error
}

// Options configures a Registry.
type Options struct {
	Store    *store.Store
	Outbox   *outbox.Manager
	Docs     docstore.Store
	Delivery Delivery
	Receipts Receipts

	// DedupTolerance bounds the createdAtLocal distance for content matching
	// of remote messages that carry no client reference.
	DedupTolerance time.Duration
	// ConfirmTimeout is how long a document write waits for its echo.
	ConfirmTimeout time.Duration
	QueueSize      int
	SendTimeout    time.Duration
	PullTimeout    time.Duration
	PullBaseDelay  time.Duration
	PullMaxDelay   time.Duration
	Listener       listener.Options

	Bus    bus.Publisher
	Logger *zap.Logger
}

// OptionsFromConfig maps the sections of a profile the registry reads.
func OptionsFromConfig(p config.Profile) Options {
	return Options{
		DedupTolerance: p.Reconcile.DedupTolerance.Duration,
		ConfirmTimeout: p.Delivery.ConfirmTimeout.Duration,
		QueueSize:      p.Reconcile.QueueSize,
		SendTimeout:    p.Backend.Timeout.Duration,
		PullBaseDelay:  p.Listener.BaseDelay.Duration,
		PullMaxDelay:   p.Listener.MaxDelay.Duration,
		Listener:       listener.OptionsFromConfig(p.Listener),
	}
}

// Status describes one conversation's engine.
type Status struct {
	ConversationID string
	State          status.State
	Link           status.State
	Open           bool
}

// Registry owns the engines. A conversation has at most one engine at a
// time; engines for conversations nobody opened exist only while they have
// work.
type Registry struct {
	opts     Options
	store    *store.Store
	outbox   *outbox.Manager
	docs     docstore.Store
	delivery Delivery
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	engines   map[string]*Engine
	closed    bool
	available bool
}

func NewRegistry(opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DedupTolerance <= 0 {
		opts.DedupTolerance = 2 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 30 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = 30 * time.Second
	}
	if opts.PullBaseDelay <= 0 {
		opts.PullBaseDelay = time.Second
	}
	if opts.PullMaxDelay < opts.PullBaseDelay {
		opts.PullMaxDelay = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Listener.Bus = opts.Bus
	opts.Listener.Logger = logger
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:     opts,
		store:    opts.Store,
		outbox:   opts.Outbox,
		docs:     opts.Docs,
		delivery: opts.Delivery,
		logger:   logger.Named("reconcile"),
		ctx:      ctx,
		cancel:   cancel,
		engines:  make(map[string]*Engine),
	}
}

// newEngine must be called with r.mu held.
func (r *Registry) newEngine(conversationID string) *Engine {
	e := newEngine(r, conversationID)
	r.engines[conversationID] = e
	go e.run()
	return e
}

// acquire returns the conversation's engine, starting one if needed, and
// keeps it alive until release.
func (r *Registry) acquire(conversationID string) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShutdown
	}
	e := r.engines[conversationID]
	if e == nil {
		e = r.newEngine(conversationID)
	}
	e.holds++
	return e, nil
}

func (r *Registry) release(e *Engine) {
	r.mu.Lock()
	e.holds--
	r.mu.Unlock()
	e.nudge()
}

// Handle is an open conversation. Close it when the conversation is left.
type Handle struct {
	r              *Registry
	conversationID string
	once           sync.Once
	err            error
}

func (h *Handle) ConversationID() string { return h.conversationID }

// Close releases the handle; the last one closes the conversation.
func (h *Handle) Close(ctx context.Context) error {
	h.once.Do(func() { h.err = h.r.Close(ctx, h.conversationID) })
	return h.err
}

// Open starts live sync of a conversation: its engine and a listener
// subscribed from the persisted cursor. Opens are counted; each needs a Close.
func (r *Registry) Open(ctx context.Context, conversationID string, participants []string) (*Handle, error) {
	if err := r.store.EnsureConversation(ctx, conversationID, participants); err != nil {
		return nil, err
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrShutdown
		}
		e := r.engines[conversationID]
		if e != nil && e.closeReq {
			done := e.done
			r.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if e == nil {
			e = r.newEngine(conversationID)
		}
		e.refs++
		if e.refs == 1 {
			r.attach(e)
		}
		r.mu.Unlock()

		r.logger.Info("conversation opened", zap.String("conversation_id", conversationID))
		r.Kick(conversationID)
		return &Handle{r: r, conversationID: conversationID}, nil
	}
}

// attach must be called with r.mu held.
func (r *Registry) attach(e *Engine) {
	if r.docs == nil {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	l := listener.New(e.conversationID, r.docs, r.store, e, r.opts.Listener)
	done := make(chan struct{})
	e.listener = l
	e.stopListener = cancel
	e.listenerDone = done
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
}

// Close cancels the conversation's subscription and pending retries, then
// waits until sends already in flight have finished and been applied.
func (r *Registry) Close(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	e := r.engines[conversationID]
	if e == nil || e.refs == 0 {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	stop, listenerDone := r.detach(e)
	r.mu.Unlock()

	return r.wait(ctx, e, stop, listenerDone)
}

// detach must be called with r.mu held.
func (r *Registry) detach(e *Engine) (context.CancelFunc, chan struct{}) {
	e.closeReq = true
	stop, done := e.stopListener, e.listenerDone
	e.stopListener = nil
	return stop, done
}

func (r *Registry) wait(ctx context.Context, e *Engine, stop context.CancelFunc, listenerDone chan struct{}) error {
	if stop != nil {
		stop()
	}
	e.nudge()
	for _, ch := range []chan struct{}{e.done, listenerDone} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.logger.Info("conversation closed", zap.String("conversation_id", e.conversationID))
	return nil
}

// Reconcile runs a full catch-up of the conversation from its persisted
// cursor on the conversation's engine, then lets due outbox entries go out.
func (r *Registry) Reconcile(ctx context.Context, conversationID string) error {
	e, err := r.acquire(conversationID)
	if err != nil {
		return err
	}
	defer r.release(e)

	reply := make(chan error, 1)
	e.syncQueued.Add(1)
	select {
	case e.tasks <- task{kind: taskPull, reply: reply}:
	case <-ctx.Done():
		e.syncQueued.Add(-1)
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kick tells the conversation's engine that outbox entries may be due.
// Implements outbox.Kicker.
func (r *Registry) Kick(conversationID string) {
	e, err := r.acquire(conversationID)
	if err != nil {
		return
	}
	defer r.release(e)
	if !e.outboxQueued.CompareAndSwap(false, true) {
		return
	}
	select {
	case e.tasks <- task{kind: taskOutbox}:
	default:
		e.outboxQueued.Store(false)
	}
}

// MarkRead records that messages up to upToSeq were read and returns the
// remaining unread count. The backend is told asynchronously.
func (r *Registry) MarkRead(ctx context.Context, conversationID string, upToSeq int64) (int, error) {
	e, err := r.acquire(conversationID)
	if err != nil {
		return 0, err
	}
	defer r.release(e)

	reply := make(chan readResult, 1)
	select {
	case e.tasks <- task{kind: taskRead, upTo: upToSeq, read: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.unread, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SetTyping forwards the local typing state to the backend.
func (r *Registry) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	if r.opts.Receipts == nil {
		return nil
	}
	return r.opts.Receipts.SetTyping(ctx, conversationID, typing)
}

// SetAvailability publishes whether the local user is present, as the UI
// goes to the foreground or background. The state is kept only once the
// backend accepted it.
func (r *Registry) SetAvailability(ctx context.Context, available bool) error {
	if r.opts.Receipts != nil {
		if err := r.opts.Receipts.SetAvailability(ctx, available); err != nil {
			return err
		}
	}
	r.mu.Lock()
	changed := r.available != available
	r.available = available
	r.mu.Unlock()
	if changed && r.opts.Bus != nil {
		r.opts.Bus.Publish(bus.Event{Kind: bus.PresenceChanged, Timestamp: time.Now(), Payload: available})
	}
	r.logger.Debug("availability set", zap.Bool("available", available))
	return nil
}

// Available reports the last availability the backend accepted.
func (r *Registry) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

// Status reports the engines currently running, sorted by conversation.
func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.engines))
	for id, e := range r.engines {
		s := Status{ConversationID: id, State: e.State(), Open: e.refs > 0}
		if e.listener != nil {
			s.Link = e.listener.Link()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Shutdown closes every engine, waiting for in-flight sends, and refuses new work.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	type closing struct {
		e    *Engine
		stop context.CancelFunc
		done chan struct{}
	}
	var all []closing
	for _, e := range r.engines {
		stop, done := r.detach(e)
		all = append(all, closing{e, stop, done})
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range all {
		if err := r.wait(ctx, c.e, c.stop, c.done); err != nil {
			errs = append(errs, err)
			break
		}
	}
	r.cancel()
	return errors.Join(errs...)
}
