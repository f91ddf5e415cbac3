// Package reconcile merges the outbox, the remote listener and push wake-ups
// into one ordered, deduplicated timeline per conversation.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/docstore"
	"github.com/matheus3301/chatsync/internal/listener"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// ErrClosed is returned for work handed to a conversation that is closing.
var ErrClosed = errors.New("conversation engine closed")

type taskKind int

const (
	taskBatch taskKind = iota + 1
	taskPull
	taskOutbox
	taskSent
	taskRead
)

type task struct {
	kind  taskKind
	batch listener.Batch
	// retry marks a pull fired by the backoff timer.
	retry bool
	reply chan error
	sent  sendResult
	upTo  int64
	read  chan readResult
}

type sendResult struct {
	message store.Message
	receipt Receipt
	err     error
}

type readResult struct {
	unread int
	err    error
}

// BatchApplied is the payload of sync.batch_applied events.
type BatchApplied struct {
	Upserted     int
	Deleted      int
	Deduplicated int
	Cursor       store.SyncCursor
}

// Engine is the single writer for one conversation. Every mutation of the
// conversation's rows runs on its goroutine, one task at a time.
type Engine struct {
	r              *Registry
	conversationID string
	ctx            context.Context
	logger         *zap.Logger
	machine        *status.Machine
	tasks          chan task
	wake           chan struct{}
	done           chan struct{}

	syncQueued   atomic.Int32
	outboxQueued atomic.Bool

	// Loop-owned.
	minGen       uint64
	outboxWanted bool
	refetch      bool
	inflight     int
	closing      bool
	pullRetry    *time.Timer
	pullBackoff  *backoff.ExponentialBackOff

	// Guarded by Registry.mu.
	refs         int
	holds        int
	closeReq     bool
	listener     *listener.Listener
	stopListener context.CancelFunc
	listenerDone chan struct{}
}

func newEngine(r *Registry, conversationID string) *Engine {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.PullBaseDelay
	bo.MaxInterval = r.opts.PullMaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Engine{
		r:              r,
		conversationID: conversationID,
		ctx:            context.WithoutCancel(r.ctx),
		logger:         r.logger.Named("engine").With(zap.String("conversation_id", conversationID)),
		machine:        status.NewMachine(status.Idle, status.EngineTable, conversationID, r.opts.Bus),
		tasks:          make(chan task, r.opts.QueueSize),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		pullBackoff:    bo,
	}
}

// State reports the engine's state machine position.
func (e *Engine) State() status.State { return e.machine.Current() }

// Deliver implements listener.Sink. It blocks while the queue is full.
func (e *Engine) Deliver(b listener.Batch) {
	e.syncQueued.Add(1)
	if !e.post(task{kind: taskBatch, batch: b}) {
		e.syncQueued.Add(-1)
	}
}

func (e *Engine) post(t task) bool {
	select {
	case e.tasks <- t:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		if e.tryExit() {
			return
		}
		select {
		case t := <-e.tasks:
			e.handle(t)
		case <-e.wake:
		}
		if e.refetch && !e.closing {
			e.refetch = false
			e.runPull(nil)
		}
		if e.outboxWanted && !e.closing && e.syncQueued.Load() == 0 && e.pullRetry == nil && !e.refetch {
			e.outboxWanted = false
			e.flushOutbox()
		}
	}
}

// tryExit retires the engine once it is closing, or was never opened, and
// nothing is queued, held or in flight.
func (e *Engine) tryExit() bool {
	r := e.r
	r.mu.Lock()
	closeReq := e.closeReq
	ephemeral := e.refs == 0
	r.mu.Unlock()

	if closeReq && !e.closing {
		e.beginClose()
	}
	if !e.closing && !ephemeral {
		return false
	}
	if e.inflight > 0 || e.pullRetry != nil {
		return false
	}
	if !e.closing && (e.refetch || e.outboxWanted) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.holds > 0 || len(e.tasks) > 0 || (!e.closeReq && e.refs > 0) {
		return false
	}
	if r.engines[e.conversationID] == e {
		delete(r.engines, e.conversationID)
	}
	_ = e.machine.Force(status.Closed)
	e.logger.Debug("engine retired")
	return true
}

func (e *Engine) beginClose() {
	e.closing = true
	e.outboxWanted = false
	e.refetch = false
	if e.pullRetry != nil {
		e.pullRetry.Stop()
		e.pullRetry = nil
	}
	e.logger.Info("closing", zap.Int("in_flight", e.inflight))
}

func (e *Engine) enter(s status.State) {
	if e.machine.Current() == s {
		return
	}
	if err := e.machine.Transition(s); err != nil {
		e.logger.Debug("state change skipped", zap.Error(err))
	}
}

func (e *Engine) handle(t task) {
	switch t.kind {
	case taskBatch:
		e.syncQueued.Add(-1)
		if e.closing || t.batch.Generation < e.minGen {
			e.logger.Debug("dropping stale batch", zap.Uint64("generation", t.batch.Generation), zap.Uint64("min", e.minGen))
			return
		}
		e.enter(status.Syncing)
		err := e.applyBatch(t.batch)
		e.enter(status.Idle)
		if err != nil {
			e.batchFailed(err)
			return
		}
		e.pullBackoff.Reset()
		e.outboxWanted = true

	case taskPull:
		e.syncQueued.Add(-1)
		if t.retry {
			e.pullRetry = nil
		}
		if e.closing {
			if t.reply != nil {
				t.reply <- ErrClosed
			}
			return
		}
		e.runPull(t.reply)

	case taskOutbox:
		e.outboxQueued.Store(false)
		if !e.closing {
			e.outboxWanted = true
		}

	case taskSent:
		e.inflight--
		e.enter(status.Syncing)
		e.applySent(t.sent)
		e.enter(status.Idle)
		if !e.closing {
			e.outboxWanted = true
		}

	case taskRead:
		unread, err := e.r.store.MarkRead(e.ctx, e.conversationID, t.upTo)
		t.read <- readResult{unread: unread, err: err}
		if err == nil && e.r.opts.Receipts != nil {
			go e.ackRead(t.upTo)
		}
	}
}

func (e *Engine) runPull(reply chan error) {
	e.enter(status.Syncing)
	err := e.pull()
	e.enter(status.Idle)
	if reply != nil {
		reply <- err
	}
	if err != nil {
		e.pullFailed(err)
		return
	}
	e.pullBackoff.Reset()
	e.outboxWanted = true
}

// pull catches up from the persisted cursor until the remote store reports
// nothing newer.
func (e *Engine) pull() error {
	if e.r.docs == nil {
		return nil
	}
	cur, err := e.r.store.Cursor(e.ctx, e.conversationID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(e.r.ctx, e.r.opts.PullTimeout)
	defer cancel()

	stream, err := e.r.docs.Subscribe(ctx, docstore.MessagesPath(e.conversationID), docstore.Cursor{Token: cur.Token, Version: cur.Version})
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	defer stream.Close()
	pages := 0
	for {
		b, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		if len(b.Changes) > 0 {
			pages++
			if err := e.applyBatch(listener.Convert(e.conversationID, 0, b, e.logger)); err != nil {
				return err
			}
		}
		if b.UpToDate {
			e.logger.Debug("pull complete", zap.Int("pages", pages), zap.Int64("version", b.Cursor.Version))
			return nil
		}
	}
}

func (e *Engine) pullFailed(err error) {
	var cre *store.CorruptRowError
	if errors.As(err, &cre) {
		e.recoverCorruption(cre)
		return
	}
	e.logger.Warn("pull failed", zap.Error(err))
	e.publish(bus.SyncPullFailed, err.Error())
	e.schedulePull()
}

func (e *Engine) batchFailed(err error) {
	var cre *store.CorruptRowError
	if errors.As(err, &cre) {
		e.recoverCorruption(cre)
		return
	}
	e.logger.Error("batch rolled back", zap.Error(err))
	e.resync()
	e.schedulePull()
}

// resync restarts the listener from the persisted cursor and drops batches
// already queued from the old subscription.
func (e *Engine) resync() {
	e.r.mu.Lock()
	l := e.listener
	e.r.mu.Unlock()
	if l == nil {
		return
	}
	l.Resync()
	e.minGen = l.Generation()
}

// recoverCorruption quarantines the row, forgets the cursor and re-fetches the
// conversation from the remote store.
func (e *Engine) recoverCorruption(cre *store.CorruptRowError) {
	if err := e.r.store.Quarantine(e.ctx, cre); err != nil {
		e.logger.Error("quarantine failed", zap.String("message_id", cre.MessageID), zap.Error(err))
	}
	if err := e.r.store.ResetCursor(e.ctx, e.conversationID); err != nil {
		e.logger.Error("cursor reset failed", zap.Error(err))
	}
	e.resync()
	e.refetch = true
}

func (e *Engine) schedulePull() {
	if e.pullRetry != nil || e.closing {
		return
	}
	e.r.mu.Lock()
	attached := e.listener != nil
	e.r.mu.Unlock()
	if !attached {
		return
	}
	d := e.pullBackoff.NextBackOff()
	e.logger.Info("pull scheduled", zap.Duration("in", d))
	e.pullRetry = time.AfterFunc(d, func() {
		e.syncQueued.Add(1)
		if !e.post(task{kind: taskPull, retry: true}) {
			e.syncQueued.Add(-1)
		}
	})
}

// applyBatch commits one batch atomically: deletes, upserts, retirement of
// local duplicates and the cursor. Nothing is visible if any step fails.
func (e *Engine) applyBatch(b listener.Batch) error {
	ctx := e.ctx
	var stats BatchApplied
	err := e.r.store.WithTx(ctx, func(tx *store.Tx) error {
		stats = BatchApplied{}
		for _, id := range b.Deleted {
			ok, err := tx.Delete(ctx, id)
			if err != nil {
				return err
			}
			if ok {
				stats.Deleted++
			}
		}
		for _, m := range b.Messages {
			deduped, err := e.applyMessage(ctx, tx, m)
			if err != nil {
				return err
			}
			stats.Upserted++
			if deduped {
				stats.Deduplicated++
			}
		}
		if b.Cursor.IsZero() {
			return nil
		}
		stats.Cursor = b.Cursor
		return tx.SetCursor(ctx, e.conversationID, b.Cursor)
	})
	if err != nil {
		return err
	}
	e.logger.Debug("batch applied",
		zap.Int("upserted", stats.Upserted),
		zap.Int("deleted", stats.Deleted),
		zap.Int("deduplicated", stats.Deduplicated),
		zap.Int64("version", stats.Cursor.Version))
	e.publish(bus.SyncBatchApplied, stats)
	return nil
}

// applyMessage stores one confirmed remote message. If a pending local row
// already carries the same logical message it is retired onto the remote id.
func (e *Engine) applyMessage(ctx context.Context, tx *store.Tx, m store.Message) (bool, error) {
	existing, err := tx.GetMessage(ctx, m.ID)
	switch {
	case err == nil:
		_, err = tx.Upsert(ctx, e.conversationID, Resolve(existing, m))
		return false, e.skipConflict(m, err)
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	local, found, err := tx.MatchPending(ctx, m, e.r.opts.DedupTolerance)
	if err != nil {
		return false, err
	}
	if !found {
		_, err = tx.Upsert(ctx, e.conversationID, m)
		return false, e.skipConflict(m, err)
	}

	e.enter(status.ConflictResolving)
	defer e.enter(status.Syncing)
	canonical := Resolve(local, m)
	res, err := tx.RemapID(ctx, local.ID, canonical.ID)
	if err != nil {
		return false, err
	}
	if _, err := tx.Upsert(ctx, e.conversationID, canonical); err != nil {
		return false, err
	}
	if _, err := tx.DeleteOutbox(ctx, canonical.ID); err != nil {
		return false, err
	}
	e.logger.Info("retired local duplicate",
		zap.String("local_id", local.ID),
		zap.String("remote_id", canonical.ID),
		zap.Stringer("remap", res))
	return true, nil
}

// skipConflict drops a message claimed by another conversation instead of
// failing the whole batch.
func (e *Engine) skipConflict(m store.Message, err error) error {
	if chaterr.KindOf(err) == chaterr.Conflict {
		e.logger.Warn("skipping conflicting message", zap.String("message_id", m.ID), zap.Error(err))
		return nil
	}
	return err
}

// flushOutbox starts the oldest due send. A conversation has at most one send
// in flight, so the backend sees a sender's messages in compose order; the
// next one starts once the previous result is applied.
func (e *Engine) flushOutbox() {
	if e.inflight > 0 {
		return
	}
	due, err := e.r.outbox.DueFor(e.ctx, e.conversationID, time.Now())
	if err != nil {
		e.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, entry := range due {
		if !e.r.outbox.TryAcquire(entry.MessageID) {
			continue
		}
		m, err := e.r.store.GetMessage(e.ctx, entry.MessageID)
		if err != nil {
			e.r.outbox.Release(entry.MessageID)
			var cre *store.CorruptRowError
			if errors.As(err, &cre) {
				// Already quarantined by the store.
				_ = e.r.store.ResetCursor(e.ctx, e.conversationID)
				e.resync()
				e.refetch = true
				continue
			}
			e.logger.Error("failed to load outbox message", zap.String("message_id", entry.MessageID), zap.Error(err))
			continue
		}
		e.inflight++
		e.logger.Debug("sending", zap.String("message_id", m.ID), zap.Int("attempt", entry.AttemptCount+1))
		go e.send(m)
		return
	}
}

// send runs off the engine goroutine on a context detached from the
// conversation; its result always comes back through the queue.
func (e *Engine) send(m store.Message) {
	ctx, cancel := context.WithTimeout(e.ctx, e.r.opts.SendTimeout)
	defer cancel()
	receipt, err := e.r.delivery.Deliver(ctx, m)
	e.post(task{kind: taskSent, sent: sendResult{message: m, receipt: receipt, err: err}})
}

func (e *Engine) applySent(res sendResult) {
	id := res.message.ID
	defer e.r.outbox.Release(id)

	if res.err != nil {
		if _, err := e.r.outbox.MarkFailed(e.ctx, id, res.err); err != nil {
			e.logger.Error("failed to record send failure", zap.String("message_id", id), zap.Error(err))
		}
		return
	}
	if res.receipt.AwaitEcho {
		if err := e.r.outbox.MarkAwaitingEcho(e.ctx, id, e.r.opts.ConfirmTimeout); err != nil {
			e.logger.Error("failed to record document write", zap.String("message_id", id), zap.Error(err))
		}
		e.r.mu.Lock()
		attached := e.listener != nil
		e.r.mu.Unlock()
		if !attached {
			// No subscription will see the echo; fetch it.
			e.refetch = true
		}
		return
	}
	if _, err := e.r.outbox.MarkSent(e.ctx, id, res.receipt.Ack); err != nil {
		var cre *store.CorruptRowError
		if errors.As(err, &cre) {
			e.recoverCorruption(cre)
			return
		}
		// The entry stays due; the retry replays the same client reference.
		e.logger.Error("failed to record ack", zap.String("message_id", id), zap.Error(err))
	}
}

func (e *Engine) ackRead(upTo int64) {
	ctx, cancel := context.WithTimeout(e.ctx, e.r.opts.SendTimeout)
	defer cancel()
	if err := e.r.opts.Receipts.AckRead(ctx, e.conversationID, upTo); err != nil {
		e.logger.Warn("read ack failed", zap.Int64("up_to_seq", upTo), zap.Error(err))
	}
}

func (e *Engine) publish(kind string, payload any) {
	if e.r.opts.Bus == nil {
		return
	}
	e.r.opts.Bus.Publish(bus.Event{
		Kind:           kind,
		ConversationID: e.conversationID,
		Timestamp:      time.Now(),
		Payload:        payload,
	})
}
