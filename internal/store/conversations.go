package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/chaterr"
)

// EnsureConversation creates the conversation if missing. Non-empty
// participants replace the stored set.
func (tx *Tx) EnsureConversation(ctx context.Context, id string, participants []string) error {
	if id == "" {
		return errors.New("conversation id is empty")
	}
	_, err := tx.tx.ExecContext(ctx,
		`INSERT INTO conversations (id, updated_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, tx.s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure conversation %s: %w", id, err)
	}
	if len(participants) == 0 {
		return nil
	}
	set := slices.Clone(participants)
	slices.Sort(set)
	set = slices.Compact(set)
	encoded, err := json.Marshal(set)
	if err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(ctx, `UPDATE conversations SET participants = ? WHERE id = ?`, string(encoded), id); err != nil {
		return fmt.Errorf("set participants %s: %w", id, err)
	}
	return nil
}

// Cursor returns the persisted sync cursor, zero for an unknown conversation.
func (tx *Tx) Cursor(ctx context.Context, conversationID string) (SyncCursor, error) {
	return cursor(ctx, tx.tx, conversationID)
}

func cursor(ctx context.Context, q queryer, conversationID string) (SyncCursor, error) {
	var c SyncCursor
	err := q.QueryRowContext(ctx,
		`SELECT cursor_token, cursor_version FROM conversations WHERE id = ?`, conversationID).
		Scan(&c.Token, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncCursor{}, nil
	}
	if err != nil {
		return SyncCursor{}, fmt.Errorf("cursor %s: %w", conversationID, err)
	}
	return c, nil
}

// SetCursor advances the conversation's sync cursor. A cursor with a lower
// Version than the stored one is refused with ErrCursorRegression.
func (tx *Tx) SetCursor(ctx context.Context, conversationID string, c SyncCursor) error {
	if err := tx.EnsureConversation(ctx, conversationID, nil); err != nil {
		return err
	}
	cur, err := tx.Cursor(ctx, conversationID)
	if err != nil {
		return err
	}
	if c.Version < cur.Version {
		return fmt.Errorf("%s: %d < %d: %w", conversationID, c.Version, cur.Version, ErrCursorRegression)
	}
	if c == cur {
		return nil
	}
	_, err = tx.tx.ExecContext(ctx,
		`UPDATE conversations SET cursor_token = ?, cursor_version = ? WHERE id = ?`,
		c.Token, c.Version, conversationID)
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", conversationID, err)
	}
	return nil
}

// ResetCursor clears the sync cursor so the next pull re-fetches the whole conversation.
func (s *Store) ResetCursor(ctx context.Context, conversationID string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx,
			`UPDATE conversations SET cursor_token = '', cursor_version = 0 WHERE id = ?`, conversationID)
		return err
	})
}

// Cursor reads the persisted sync cursor.
func (s *Store) Cursor(ctx context.Context, conversationID string) (SyncCursor, error) {
	return cursor(ctx, s.db, conversationID)
}

// SetCursor runs Tx.SetCursor in its own transaction.
func (s *Store) SetCursor(ctx context.Context, conversationID string, c SyncCursor) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetCursor(ctx, conversationID, c)
	})
}

// EnsureConversation runs Tx.EnsureConversation in its own transaction.
func (s *Store) EnsureConversation(ctx context.Context, id string, participants []string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.EnsureConversation(ctx, id, participants)
	})
}

// MarkRead records that messages up to upToSeq were seen. The read marker never moves back.
func (s *Store) MarkRead(ctx context.Context, conversationID string, upToSeq int64) (int, error) {
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.EnsureConversation(ctx, conversationID, nil); err != nil {
			return err
		}
		_, err := tx.tx.ExecContext(ctx,
			`UPDATE conversations SET last_read_seq = MAX(last_read_seq, ?) WHERE id = ?`, upToSeq, conversationID)
		if err != nil {
			return fmt.Errorf("mark read %s: %w", conversationID, err)
		}
		tx.touch(conversationID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	c, err := s.GetConversation(ctx, conversationID)
	return c.UnreadCount, err
}

const conversationColumns = `id, participants, cursor_token, cursor_version, unread_count, last_read_seq, updated_at`

func scanConversation(sc rowScanner) (Conversation, error) {
	var (
		c            Conversation
		participants string
		updatedMS    int64
	)
	if err := sc.Scan(&c.ID, &participants, &c.Cursor.Token, &c.Cursor.Version,
		&c.UnreadCount, &c.LastReadSeq, &updatedMS); err != nil {
		return Conversation{}, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return Conversation{}, fmt.Errorf("participants of %s: %w", c.ID, err)
	}
	c.UpdatedAt = time.UnixMilli(updatedMS)
	return c, nil
}

// GetConversation returns one conversation or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// previewBytes bounds the body excerpt listed with a conversation.
const previewBytes = 120

// ListConversations returns conversations most recently updated first, each
// with a preview of its newest message.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	for i := range out {
		if err := s.fillPreview(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) fillPreview(ctx context.Context, c *Conversation) error {
	for m, err := range s.ReadTimeline(ctx, c.ID, 1, "") {
		if err != nil {
			// The row is quarantined; the next listing shows its successor.
			if chaterr.KindOf(err) == chaterr.Corruption {
				return nil
			}
			return fmt.Errorf("preview %s: %w", c.ID, err)
		}
		c.LastMessageID = m.ID
		c.LastMessageAt = m.CreatedAtLocal
		if m.CreatedAtServer != nil {
			c.LastMessageAt = *m.CreatedAtServer
		}
		c.LastMessagePreview = m.Body[:min(len(m.Body), previewBytes)]
	}
	return nil
}
