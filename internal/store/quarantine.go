package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Quarantine moves a corrupt row out of the timeline, keeping its raw bytes
// for inspection. The caller re-fetches the conversation from remote.
func (s *Store) Quarantine(ctx context.Context, row *CorruptRowError) error {
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO quarantine (message_id, conversation_id, reason, raw, quarantined_at)
			SELECT id, conversation_id, ?, body, ? FROM messages WHERE id = ?`,
			row.Reason, s.now().UnixMilli(), row.MessageID)
		if err != nil {
			return fmt.Errorf("quarantine %s: %w", row.MessageID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, row.MessageID); err != nil {
			return fmt.Errorf("quarantine %s: %w", row.MessageID, err)
		}
		tx.touch(row.ConversationID)
		tx.emit(bus.MessageQuarantined, row.ConversationID, QuarantinedRow{
			MessageID:      row.MessageID,
			ConversationID: row.ConversationID,
			Reason:         row.Reason,
			At:             s.now(),
		})
		return nil
	})
	if err == nil {
		s.logger.Warn("message quarantined",
			zap.String("conversation_id", row.ConversationID),
			zap.String("message_id", row.MessageID),
			zap.String("reason", row.Reason))
	}
	return err
}

// ListQuarantine returns quarantined rows of a conversation, newest first.
func (s *Store) ListQuarantine(ctx context.Context, conversationID string) ([]QuarantinedRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, conversation_id, reason, quarantined_at
		FROM quarantine WHERE conversation_id = ?
		ORDER BY seq_no DESC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []QuarantinedRow
	for rows.Next() {
		var (
			q  QuarantinedRow
			ms int64
		)
		if err := rows.Scan(&q.MessageID, &q.ConversationID, &q.Reason, &ms); err != nil {
			return nil, err
		}
		q.At = time.UnixMilli(ms)
		out = append(out, q)
	}
	return out, rows.Err()
}
