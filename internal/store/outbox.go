package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = `o.message_id, o.conversation_id, o.attempt_count, o.next_retry_at, o.last_error,
	o.parked, o.awaiting_until, o.created_at, m.state`

func scanOutbox(sc rowScanner) (OutboxEntry, error) {
	var (
		e              OutboxEntry
		next, awaiting sql.NullInt64
		createdMS      int64
		state          int
	)
	if err := sc.Scan(&e.MessageID, &e.ConversationID, &e.AttemptCount, &next, &e.LastError,
		&e.Parked, &awaiting, &createdMS, &state); err != nil {
		return OutboxEntry{}, err
	}
	e.NextRetryAt = timePtr(next)
	e.AwaitingUntil = timePtr(awaiting)
	e.CreatedAt = time.UnixMilli(createdMS)
	e.State = DeliveryState(state)
	return e, nil
}

// InsertOutbox adds the outbox row for an existing pending message.
func (tx *Tx) InsertOutbox(ctx context.Context, e OutboxEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = tx.s.now()
	}
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO outbox (message_id, conversation_id, attempt_count, next_retry_at, last_error, parked, awaiting_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.ConversationID, e.AttemptCount, msPtr(e.NextRetryAt), e.LastError,
		e.Parked, msPtr(e.AwaitingUntil), e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", e.MessageID, err)
	}
	return nil
}

// GetOutbox reads the outbox row of a message inside the transaction.
func (tx *Tx) GetOutbox(ctx context.Context, messageID string) (OutboxEntry, error) {
	return getOutbox(ctx, tx.tx, messageID)
}

func getOutbox(ctx context.Context, q queryer, messageID string) (OutboxEntry, error) {
	e, err := scanOutbox(q.QueryRowContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox o JOIN messages m ON m.id = o.message_id
		WHERE o.message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, ErrNotFound
	}
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("get outbox %s: %w", messageID, err)
	}
	return e, nil
}

// UpdateOutbox writes the retry bookkeeping of an entry.
func (tx *Tx) UpdateOutbox(ctx context.Context, e OutboxEntry) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE outbox SET attempt_count = ?, next_retry_at = ?, last_error = ?, parked = ?, awaiting_until = ?
		WHERE message_id = ?`,
		e.AttemptCount, msPtr(e.NextRetryAt), e.LastError, e.Parked, msPtr(e.AwaitingUntil), e.MessageID)
	if err != nil {
		return fmt.Errorf("update outbox %s: %w", e.MessageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOutbox retires the outbox row of a message.
func (tx *Tx) DeleteOutbox(ctx context.Context, messageID string) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, `DELETE FROM outbox WHERE message_id = ?`, messageID)
	if err != nil {
		return false, fmt.Errorf("delete outbox %s: %w", messageID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetOutbox reads the outbox row of a message.
func (s *Store) GetOutbox(ctx context.Context, messageID string) (OutboxEntry, error) {
	return getOutbox(ctx, s.db, messageID)
}

// DueOutbox returns pending entries ready for an attempt at now, oldest first.
// An empty conversationID selects every conversation.
func (s *Store) DueOutbox(ctx context.Context, conversationID string, now time.Time, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox o JOIN messages m ON m.id = o.message_id
		WHERE m.state = ? AND o.parked = 0
		  AND (o.next_retry_at IS NULL OR o.next_retry_at <= ?)
		  AND (o.awaiting_until IS NULL OR o.awaiting_until <= ?)
		  AND (? = '' OR o.conversation_id = ?)
		ORDER BY o.created_at, o.message_id
		LIMIT ?`,
		int(Pending), ms, ms, conversationID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("due outbox: %w", err)
	}
	return collectOutbox(rows)
}

// ListOutbox returns every outbox entry of a conversation, oldest first.
func (s *Store) ListOutbox(ctx context.Context, conversationID string) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox o JOIN messages m ON m.id = o.message_id
		WHERE o.conversation_id = ?
		ORDER BY o.created_at, o.message_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return collectOutbox(rows)
}

func collectOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	defer func() { _ = rows.Close() }()
	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UnparkOutbox releases every entry parked on an auth failure and returns
// the conversations that had any.
func (s *Store) UnparkOutbox(ctx context.Context) ([]string, error) {
	var convs []string
	err := s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx,
			`UPDATE outbox SET parked = 0 WHERE parked = 1 RETURNING conversation_id`)
		if err != nil {
			return fmt.Errorf("unpark outbox: %w", err)
		}
		defer func() { _ = rows.Close() }()
		seen := map[string]bool{}
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				return err
			}
			if !seen[c] {
				seen[c] = true
				convs = append(convs, c)
			}
		}
		return rows.Err()
	})
	return convs, err
}
