package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Sealer encrypts message bodies at rest. *vault.Vault implements it.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Unseal(sealed, aad []byte) ([]byte, error)
}

// Options configures a Store.
type Options struct {
	// SelfID is the local account; messages from it never count as unread.
	SelfID string
	Sealer Sealer
	Bus    bus.Publisher
	Logger *zap.Logger
}

// Store is the local message store: messages, conversations, outbox rows and sync cursors.
// All writes go through transactions; change events are published after commit.
type Store struct {
	db     *DB
	sealer Sealer
	bus    bus.Publisher
	selfID string
	logger *zap.Logger
	now    func() time.Time
}

func New(db *DB, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		sealer: opts.Sealer,
		bus:    opts.Bus,
		selfID: opts.SelfID,
		logger: logger.Named("store"),
		now:    time.Now,
	}
}

// SelfID returns the local account id.
func (s *Store) SelfID() string { return s.selfID }

// Tx is a write transaction. Conversations touched through it get their
// unread count recomputed before commit.
type Tx struct {
	s       *Store
	tx      *sql.Tx
	events  []bus.Event
	touched map[string]struct{}
}

// WithTx runs fn in one transaction. Nothing fn wrote is visible unless it returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	tx := &Tx{s: s, tx: sqlTx, touched: make(map[string]struct{})}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	for convID := range tx.touched {
		if err := tx.refreshUnread(ctx, convID); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if s.bus != nil {
		for _, evt := range tx.events {
			s.bus.Publish(evt)
		}
	}
	return nil
}

func (tx *Tx) emit(kind, convID string, payload any) {
	tx.events = append(tx.events, bus.Event{Kind: kind, ConversationID: convID, Payload: payload})
}

func (tx *Tx) touch(convID string) {
	tx.touched[convID] = struct{}{}
}

func (tx *Tx) refreshUnread(ctx context.Context, convID string) error {
	var before, after int
	err := tx.tx.QueryRowContext(ctx, `SELECT unread_count FROM conversations WHERE id = ?`, convID).Scan(&before)
	if err != nil {
		return fmt.Errorf("read unread %s: %w", convID, err)
	}
	err = tx.tx.QueryRowContext(ctx, `
		UPDATE conversations SET
			unread_count = (
				SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = conversations.id
				  AND m.sender_id != ?
				  AND m.seq IS NOT NULL
				  AND m.seq > conversations.last_read_seq),
			updated_at = ?
		WHERE id = ?
		RETURNING unread_count`,
		tx.s.selfID, tx.s.now().UnixMilli(), convID).Scan(&after)
	if err != nil {
		return fmt.Errorf("refresh unread %s: %w", convID, err)
	}
	tx.emit(bus.ConversationUpdated, convID, ConversationChange{UnreadCount: after, UnreadChanged: before != after})
	return nil
}

// ConversationChange is the payload of conversation.updated events.
type ConversationChange struct {
	UnreadCount   int
	UnreadChanged bool
}

func (s *Store) seal(convID string, body []byte) ([]byte, error) {
	if s.sealer == nil {
		return body, nil
	}
	return s.sealer.Seal(body, []byte(convID))
}

func (s *Store) unseal(convID string, body []byte) ([]byte, error) {
	if s.sealer == nil {
		return body, nil
	}
	return s.sealer.Unseal(body, []byte(convID))
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t
}

func nullSeq(seq int64) any {
	if seq == 0 {
		return nil
	}
	return seq
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
