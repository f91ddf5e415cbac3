package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/vault"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const messageColumns = `id, client_ref, conversation_id, sender_id, body, body_digest,
	created_at_local, created_at_server, state, seq`

type rowScanner interface {
	Scan(dest ...any) error
}

type messageRow struct {
	id, convID, senderID, digest string
	clientRef                    sql.NullString
	body                         []byte
	localMS                      int64
	serverMS, seq                sql.NullInt64
	state                        int
}

func scanMessageRow(sc rowScanner) (messageRow, error) {
	var r messageRow
	err := sc.Scan(&r.id, &r.clientRef, &r.convID, &r.senderID, &r.body, &r.digest,
		&r.localMS, &r.serverMS, &r.state, &r.seq)
	return r, err
}

// decode opens the body and checks the row invariants. Failures come back as
// *CorruptRowError.
func (s *Store) decode(r messageRow) (Message, error) {
	corrupt := func(format string, args ...any) (Message, error) {
		return Message{}, &CorruptRowError{ConversationID: r.convID, MessageID: r.id, Reason: fmt.Sprintf(format, args...)}
	}
	state := DeliveryState(r.state)
	switch {
	case !state.valid():
		return corrupt("invalid state %d", r.state)
	case IsProvisional(r.id) && state.Confirmed():
		return corrupt("provisional id in state %s", state)
	case !IsProvisional(r.id) && !state.Confirmed():
		return corrupt("remote id in state %s", state)
	case r.seq.Valid && r.seq.Int64 <= 0:
		return corrupt("non-positive sequence hint %d", r.seq.Int64)
	}
	body, err := s.unseal(r.convID, r.body)
	if err != nil {
		return corrupt("body: %v", err)
	}
	if vault.Digest(body) != r.digest {
		return corrupt("body digest mismatch")
	}
	return Message{
		ID:              r.id,
		ClientRef:       r.clientRef.String,
		ConversationID:  r.convID,
		SenderID:        r.senderID,
		Body:            body,
		CreatedAtLocal:  time.UnixMilli(r.localMS),
		CreatedAtServer: timePtr(r.serverMS),
		State:           state,
		SequenceHint:    r.seq.Int64,
	}, nil
}

func (s *Store) getMessage(ctx context.Context, q queryer, id string) (Message, error) {
	r, err := scanMessageRow(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return s.decode(r)
}

// MessageChange is the payload of message.upserted events.
type MessageChange struct {
	ID           string
	State        DeliveryState
	SequenceHint int64
	Inserted     bool
}

// GetMessage reads one message inside the transaction.
func (tx *Tx) GetMessage(ctx context.Context, id string) (Message, error) {
	return tx.s.getMessage(ctx, tx.tx, id)
}

// Upsert inserts m if its id is unseen. Otherwise only the read-time fields
// change: the state moves up by precedence, and server time and sequence hint
// are filled or replaced when m carries them. Content, sender and local time
// are never rewritten.
func (tx *Tx) Upsert(ctx context.Context, conversationID string, m Message) (UpsertResult, error) {
	if m.ID == "" {
		return Unchanged, errors.New("upsert: empty message id")
	}
	if !m.State.valid() {
		return Unchanged, fmt.Errorf("upsert %s: invalid state %d", m.ID, m.State)
	}
	m.ConversationID = conversationID

	var (
		curConv  string
		curState int
		curSrv   sql.NullInt64
		curSeq   sql.NullInt64
	)
	err := tx.tx.QueryRowContext(ctx,
		`SELECT conversation_id, state, created_at_server, seq FROM messages WHERE id = ?`, m.ID).
		Scan(&curConv, &curState, &curSrv, &curSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return Inserted, tx.insert(ctx, m)
	}
	if err != nil {
		return Unchanged, fmt.Errorf("upsert %s: %w", m.ID, err)
	}
	if curConv != conversationID {
		return Unchanged, chaterr.Newf(chaterr.Conflict, "store.upsert", "message %s belongs to %s, not %s", m.ID, curConv, conversationID)
	}

	state := max(DeliveryState(curState), m.State)
	srv := curSrv
	if m.CreatedAtServer != nil {
		srv = sql.NullInt64{Int64: m.CreatedAtServer.UnixMilli(), Valid: true}
	}
	seq := curSeq
	if m.SequenceHint != 0 {
		seq = sql.NullInt64{Int64: m.SequenceHint, Valid: true}
	}
	if int(state) == curState && srv == curSrv && seq == curSeq {
		return Unchanged, nil
	}

	_, err = tx.tx.ExecContext(ctx,
		`UPDATE messages SET state = ?, created_at_server = ?, seq = ? WHERE id = ?`,
		int(state), srv, seq, m.ID)
	if err != nil {
		return Unchanged, fmt.Errorf("upsert %s: %w", m.ID, err)
	}
	tx.touch(conversationID)
	tx.emit(bus.MessageUpserted, conversationID, MessageChange{ID: m.ID, State: state, SequenceHint: seq.Int64})
	return Updated, nil
}

func (tx *Tx) insert(ctx context.Context, m Message) error {
	if err := tx.EnsureConversation(ctx, m.ConversationID, nil); err != nil {
		return err
	}
	sealed, err := tx.s.seal(m.ConversationID, m.Body)
	if err != nil {
		return fmt.Errorf("seal %s: %w", m.ID, err)
	}
	if m.CreatedAtLocal.IsZero() {
		m.CreatedAtLocal = tx.s.now()
	}
	_, err = tx.tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nullString(m.ClientRef), m.ConversationID, m.SenderID, sealed, vault.Digest(m.Body),
		m.CreatedAtLocal.UnixMilli(), msPtr(m.CreatedAtServer), int(m.State), nullSeq(m.SequenceHint))
	if err != nil {
		return fmt.Errorf("insert %s: %w", m.ID, err)
	}
	tx.touch(m.ConversationID)
	tx.emit(bus.MessageUpserted, m.ConversationID, MessageChange{ID: m.ID, State: m.State, SequenceHint: m.SequenceHint, Inserted: true})
	return nil
}

// SetState overwrites the delivery state regardless of precedence. The outbox
// uses it for terminal failure and manual retry.
func (tx *Tx) SetState(ctx context.Context, id string, state DeliveryState) error {
	var convID string
	err := tx.tx.QueryRowContext(ctx,
		`UPDATE messages SET state = ? WHERE id = ? RETURNING conversation_id`, int(state), id).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("set state %s: %w", id, err)
	}
	tx.touch(convID)
	tx.emit(bus.MessageUpserted, convID, MessageChange{ID: id, State: state})
	return nil
}

// RemapID moves a message from its provisional id to its remote id.
//
// If newID already exists as a separate row, the old row is deleted and the
// existing row wins (Merged). If the old row is gone and the new one exists
// the remap already happened (AlreadyApplied). Outbox rows follow the message
// through the foreign key.
func (tx *Tx) RemapID(ctx context.Context, oldID, newID string) (RemapResult, error) {
	if oldID == newID {
		return AlreadyApplied, nil
	}
	var oldConv, oldRef string
	var oldRefNull sql.NullString
	errOld := tx.tx.QueryRowContext(ctx,
		`SELECT conversation_id, client_ref FROM messages WHERE id = ?`, oldID).Scan(&oldConv, &oldRefNull)
	if errOld != nil && !errors.Is(errOld, sql.ErrNoRows) {
		return 0, fmt.Errorf("remap %s: %w", oldID, errOld)
	}
	oldRef = oldRefNull.String
	if oldRef == "" {
		oldRef = oldID
	}

	var newConv string
	errNew := tx.tx.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, newID).Scan(&newConv)
	if errNew != nil && !errors.Is(errNew, sql.ErrNoRows) {
		return 0, fmt.Errorf("remap %s: %w", newID, errNew)
	}
	oldExists, newExists := errOld == nil, errNew == nil

	switch {
	case !oldExists && newExists:
		return AlreadyApplied, nil
	case !oldExists:
		return 0, fmt.Errorf("remap %s -> %s: %w", oldID, newID, ErrNotFound)
	case newExists:
		if newConv != oldConv {
			return 0, chaterr.Newf(chaterr.Conflict, "store.remap", "%s and %s belong to different conversations", oldID, newID)
		}
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE messages SET client_ref = COALESCE(client_ref, ?) WHERE id = ?`, oldRef, newID); err != nil {
			return 0, fmt.Errorf("remap merge %s: %w", newID, err)
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, oldID); err != nil {
			return 0, fmt.Errorf("remap merge %s: %w", oldID, err)
		}
		tx.touch(oldConv)
		tx.emit(bus.MessageRemapped, oldConv, Remap{OldID: oldID, NewID: newID, Result: Merged})
		return Merged, nil
	default:
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE messages SET id = ?, client_ref = ? WHERE id = ?`, newID, oldRef, oldID); err != nil {
			return 0, fmt.Errorf("remap %s -> %s: %w", oldID, newID, err)
		}
		tx.touch(oldConv)
		tx.emit(bus.MessageRemapped, oldConv, Remap{OldID: oldID, NewID: newID, Result: Remapped})
		return Remapped, nil
	}
}

// MatchPending finds the unconfirmed local row that remote duplicates.
// The client reference is authoritative when present. Without it, a row
// matches on sender, body digest and a createdAtLocal distance within tolerance;
// the closest candidate wins.
func (tx *Tx) MatchPending(ctx context.Context, remote Message, tolerance time.Duration) (Message, bool, error) {
	var id string
	var err error
	if remote.ClientRef != "" {
		err = tx.tx.QueryRowContext(ctx, `
			SELECT id FROM messages
			WHERE conversation_id = ? AND state < ? AND id != ? AND (client_ref = ? OR id = ?)
			LIMIT 1`,
			remote.ConversationID, int(Sent), remote.ID, remote.ClientRef, remote.ClientRef).Scan(&id)
		if err == nil {
			return tx.matched(ctx, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, fmt.Errorf("match by client ref: %w", err)
		}
	}

	at := remote.CreatedAtLocal.UnixMilli()
	err = tx.tx.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND state < ? AND body_digest = ? AND id != ?
		  AND ABS(created_at_local - ?) <= ?
		ORDER BY ABS(created_at_local - ?), created_at_local
		LIMIT 1`,
		remote.ConversationID, remote.SenderID, int(Sent), vault.Digest(remote.Body), remote.ID,
		at, tolerance.Milliseconds(), at).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("match by content: %w", err)
	}
	return tx.matched(ctx, id)
}

func (tx *Tx) matched(ctx context.Context, id string) (Message, bool, error) {
	m, err := tx.GetMessage(ctx, id)
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// Delete removes a message and its outbox row. Deleting an unknown id is a no-op.
func (tx *Tx) Delete(ctx context.Context, id string) (bool, error) {
	var convID string
	err := tx.tx.QueryRowContext(ctx, `DELETE FROM messages WHERE id = ? RETURNING conversation_id`, id).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	tx.touch(convID)
	tx.emit(bus.MessageDeleted, convID, id)
	return true, nil
}

// Upsert runs Tx.Upsert in its own transaction.
func (s *Store) Upsert(ctx context.Context, conversationID string, m Message) (UpsertResult, error) {
	var res UpsertResult
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.Upsert(ctx, conversationID, m)
		return err
	})
	return res, err
}

// RemapID runs Tx.RemapID in its own transaction.
func (s *Store) RemapID(ctx context.Context, oldID, newID string) (RemapResult, error) {
	var res RemapResult
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.RemapID(ctx, oldID, newID)
		return err
	})
	return res, err
}

// MatchPending runs Tx.MatchPending in its own transaction.
func (s *Store) MatchPending(ctx context.Context, remote Message, tolerance time.Duration) (Message, bool, error) {
	var (
		m  Message
		ok bool
	)
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		m, ok, err = tx.MatchPending(ctx, remote, tolerance)
		return err
	})
	return m, ok, s.corruption(ctx, "store.match", err)
}

// GetMessage reads one message. A row failing its checks is quarantined and
// reported as a Corruption error.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := s.getMessage(ctx, s.db, id)
	return m, s.corruption(ctx, "store.get", err)
}

// corruption quarantines the row behind a *CorruptRowError and classifies it.
func (s *Store) corruption(ctx context.Context, op string, err error) error {
	var cre *CorruptRowError
	if !errors.As(err, &cre) {
		return err
	}
	if qerr := s.Quarantine(ctx, cre); qerr != nil {
		s.logger.Error("quarantine failed",
			zap.String("message_id", cre.MessageID),
			zap.String("conversation_id", cre.ConversationID),
			zap.Error(qerr))
	}
	return chaterr.New(chaterr.Corruption, op, cre)
}
