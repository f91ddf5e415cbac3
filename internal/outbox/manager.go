package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/store"
)

var (
	ErrEmptyBody    = errors.New("message body is empty")
	ErrBodyTooLarge = errors.New("message body too large")
	ErrRateLimited  = errors.New("compose rate limit exceeded")
	ErrNotFailed    = errors.New("message is not in failed state")
)

// Kicker wakes the engine that owns a conversation.
type Kicker interface {
	Kick(conversationID string)
}

// Options configures a Manager.
type Options struct {
	Backoff       Backoff
	MaxAttempts   int
	MaxBodyBytes  int
	RatePerMinute int
	Bus           bus.Publisher
	Logger        *zap.Logger
}

// OptionsFromConfig maps the [outbox] section.
func OptionsFromConfig(c config.OutboxConfig) Options {
	return Options{
		Backoff: Backoff{
			Base:   c.BaseDelay.Duration,
			Max:    c.MaxDelay.Duration,
			Factor: c.Factor,
		},
		MaxAttempts:   c.MaxAttempts,
		MaxBodyBytes:  c.MaxBodyBytes,
		RatePerMinute: c.RatePerMinute,
	}
}

// Ack is the backend's acceptance of a message.
type Ack struct {
	RemoteID     string
	SequenceHint int64
	ServerTime   time.Time
}

// Outcome reports what MarkFailed did with an entry.
type Outcome int

const (
	Retrying Outcome = iota + 1
	Parked
	Terminal
	Gone
)

func (o Outcome) String() string {
	switch o {
	case Retrying:
		return "retrying"
	case Parked:
		return "parked"
	case Terminal:
		return "terminal"
	case Gone:
		return "gone"
	}
	return "unknown"
}

// Failure is the payload of message.failed events.
type Failure struct {
	MessageID string
	Kind      chaterr.Kind
	Error     string
}

// Manager owns outbox entries: messages composed here and not yet confirmed remotely.
type Manager struct {
	store   *store.Store
	opts    Options
	limiter *rate.Limiter
	bus     bus.Publisher
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	kicker   Kicker
}

func New(s *store.Store, opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 6
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = time.Second
	}
	if opts.Backoff.Max <= 0 {
		opts.Backoff.Max = time.Minute
	}
	limit := rate.Inf
	burst := 0
	if opts.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RatePerMinute))
		burst = opts.RatePerMinute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    s,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, burst),
		bus:      opts.Bus,
		logger:   logger.Named("outbox"),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// SetKicker connects the manager to the engines. Until set, enqueues are only persisted.
func (m *Manager) SetKicker(k Kicker) {
	m.mu.Lock()
	m.kicker = k
	m.mu.Unlock()
}

func (m *Manager) kick(conversationID string) {
	m.mu.Lock()
	k := m.kicker
	m.mu.Unlock()
	if k != nil {
		k.Kick(conversationID)
	}
}

// Enqueue persists a pending message and its outbox entry in one transaction
// and returns the provisional id without waiting for delivery.
func (m *Manager) Enqueue(ctx context.Context, conversationID string, body []byte) (string, error) {
	switch {
	case len(body) == 0:
		return "", chaterr.New(chaterr.Rejected, "outbox.enqueue", ErrEmptyBody)
	case m.opts.MaxBodyBytes > 0 && len(body) > m.opts.MaxBodyBytes:
		return "", chaterr.New(chaterr.Rejected, "outbox.enqueue",
			fmt.Errorf("%w: %d > %d bytes", ErrBodyTooLarge, len(body), m.opts.MaxBodyBytes))
	case !m.limiter.Allow():
		return "", chaterr.New(chaterr.Rejected, "outbox.enqueue", ErrRateLimited)
	}

	id := store.NewProvisionalID()
	now := m.now()
	msg := store.Message{
		ID:             id,
		ClientRef:      id,
		ConversationID: conversationID,
		SenderID:       m.store.SelfID(),
		Body:           body,
		CreatedAtLocal: now,
		State:          store.Pending,
	}
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Upsert(ctx, conversationID, msg); err != nil {
			return err
		}
		return tx.InsertOutbox(ctx, store.OutboxEntry{
			MessageID:      id,
			ConversationID: conversationID,
			CreatedAt:      now,
		})
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	m.logger.Debug("message enqueued", zap.String("conversation_id", conversationID), zap.String("message_id", id))
	m.kick(conversationID)
	return id, nil
}

// MarkSent records the backend's acceptance: the row takes the acknowledged
// read-time fields, moves to the remote id and leaves the outbox. Acks for a
// message that dedup already retired are applied to the remote row.
func (m *Manager) MarkSent(ctx context.Context, provisionalID string, ack Ack) (store.RemapResult, error) {
	if ack.RemoteID == "" {
		return 0, errors.New("mark sent: empty remote id")
	}
	confirmed := store.Message{
		State:        store.Sent,
		SequenceHint: ack.SequenceHint,
	}
	if !ack.ServerTime.IsZero() {
		t := ack.ServerTime
		confirmed.CreatedAtServer = &t
	}

	var res store.RemapResult
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		local, err := tx.GetMessage(ctx, provisionalID)
		if errors.Is(err, store.ErrNotFound) {
			existing, err := tx.GetMessage(ctx, ack.RemoteID)
			if err != nil {
				return fmt.Errorf("mark sent %s: %w", provisionalID, err)
			}
			res = store.AlreadyApplied
			confirmed.ID = ack.RemoteID
			_, err = tx.Upsert(ctx, existing.ConversationID, confirmed)
			return err
		}
		if err != nil {
			return err
		}

		confirmed.ID = provisionalID
		if _, err := tx.Upsert(ctx, local.ConversationID, confirmed); err != nil {
			return err
		}
		if res, err = tx.RemapID(ctx, provisionalID, ack.RemoteID); err != nil {
			return err
		}
		confirmed.ID = ack.RemoteID
		if _, err := tx.Upsert(ctx, local.ConversationID, confirmed); err != nil {
			return err
		}
		_, err = tx.DeleteOutbox(ctx, ack.RemoteID)
		return err
	})
	if err != nil {
		return 0, err
	}
	m.logger.Info("message sent",
		zap.String("message_id", provisionalID),
		zap.String("remote_id", ack.RemoteID),
		zap.Int64("seq", ack.SequenceHint),
		zap.Stringer("remap", res))
	return res, nil
}

// MarkFailed classifies a failed attempt. Transient failures schedule a retry
// until MaxAttempts is reached, auth failures park the entry without consuming
// an attempt, and rejections fail the message at once.
func (m *Manager) MarkFailed(ctx context.Context, provisionalID string, sendErr error) (Outcome, error) {
	kind := chaterr.KindOf(sendErr)
	var (
		outcome Outcome
		entry   store.OutboxEntry
	)
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entry, err = tx.GetOutbox(ctx, provisionalID)
		if errors.Is(err, store.ErrNotFound) {
			outcome = Gone
			return nil
		}
		if err != nil {
			return err
		}
		if entry.State != store.Pending {
			outcome = Gone
			return nil
		}
		entry.LastError = errString(sendErr)
		entry.AwaitingUntil = nil

		switch kind {
		case chaterr.Auth:
			entry.Parked = true
			outcome = Parked
		case chaterr.Rejected:
			outcome = Terminal
		default:
			entry.AttemptCount++
			if entry.AttemptCount >= m.opts.MaxAttempts {
				outcome = Terminal
				break
			}
			next := m.opts.Backoff.Next(m.now(), entry.AttemptCount, entry.NextRetryAt)
			entry.NextRetryAt = &next
			outcome = Retrying
		}
		if outcome == Terminal {
			if err := tx.SetState(ctx, provisionalID, store.Failed); err != nil {
				return err
			}
		}
		return tx.UpdateOutbox(ctx, entry)
	})
	if err != nil {
		return 0, err
	}

	fields := []zap.Field{
		zap.String("message_id", provisionalID),
		zap.Stringer("kind", kind),
		zap.Int("attempt", entry.AttemptCount),
		zap.Stringer("outcome", outcome),
		zap.Error(sendErr),
	}
	switch outcome {
	case Terminal:
		m.logger.Error("message failed", fields...)
		m.publish(bus.MessageFailed, entry.ConversationID, Failure{MessageID: provisionalID, Kind: kind, Error: entry.LastError})
	case Retrying:
		m.logger.Warn("send attempt failed", append(fields, zap.Timep("next_retry_at", entry.NextRetryAt))...)
	case Parked:
		m.logger.Warn("send parked until credentials change", fields...)
	}
	return outcome, nil
}

// MarkAwaitingEcho holds an entry written as a remote document until the
// listener echoes it back or the timeout lapses and it becomes due again.
func (m *Manager) MarkAwaitingEcho(ctx context.Context, provisionalID string, timeout time.Duration) error {
	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		e, err := tx.GetOutbox(ctx, provisionalID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		until := m.now().Add(timeout)
		e.AwaitingUntil = &until
		return tx.UpdateOutbox(ctx, e)
	})
}

// Retry puts a terminally failed message back in the queue with a fresh attempt budget.
func (m *Manager) Retry(ctx context.Context, messageID string) error {
	var convID string
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		e, err := tx.GetOutbox(ctx, messageID)
		if err != nil {
			return err
		}
		if e.State != store.Failed {
			return ErrNotFailed
		}
		convID = e.ConversationID
		if err := tx.SetState(ctx, messageID, store.Pending); err != nil {
			return err
		}
		return tx.UpdateOutbox(ctx, store.OutboxEntry{MessageID: messageID})
	})
	if err != nil {
		return fmt.Errorf("retry %s: %w", messageID, err)
	}
	m.kick(convID)
	return nil
}

// ResumeParked releases entries parked on auth failures, typically after new credentials arrive.
func (m *Manager) ResumeParked(ctx context.Context) error {
	convs, err := m.store.UnparkOutbox(ctx)
	if err != nil {
		return err
	}
	for _, c := range convs {
		m.kick(c)
	}
	if len(convs) > 0 {
		m.logger.Info("resumed parked messages", zap.Strings("conversations", convs))
	}
	return nil
}

// DueEntries returns entries whose retry time has come, across all conversations.
func (m *Manager) DueEntries(ctx context.Context, now time.Time) ([]store.OutboxEntry, error) {
	return m.DueFor(ctx, "", now)
}

// DueFor returns due entries of one conversation that have no attempt in flight.
func (m *Manager) DueFor(ctx context.Context, conversationID string, now time.Time) ([]store.OutboxEntry, error) {
	entries, err := m.store.DueOutbox(ctx, conversationID, now, 0)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := entries[:0]
	for _, e := range entries {
		if _, busy := m.inflight[e.MessageID]; !busy {
			out = append(out, e)
		}
	}
	return out, nil
}

// Pending lists every entry of a conversation, including failed ones.
func (m *Manager) Pending(ctx context.Context, conversationID string) ([]store.OutboxEntry, error) {
	return m.store.ListOutbox(ctx, conversationID)
}

// TryAcquire marks an attempt in flight. It returns false if one already is.
func (m *Manager) TryAcquire(messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[messageID]; busy {
		return false
	}
	m.inflight[messageID] = struct{}{}
	return true
}

// Release ends an in-flight attempt.
func (m *Manager) Release(messageID string) {
	m.mu.Lock()
	delete(m.inflight, messageID)
	m.mu.Unlock()
}

// InFlight reports the number of attempts in flight.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *Manager) publish(kind, convID string, payload any) {
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: kind, ConversationID: convID, Payload: payload})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
