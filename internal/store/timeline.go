package store

import (
	"context"
	"errors"
	"iter"
	"math"

	"github.com/matheus3301/chatsync/internal/chaterr"
)

// ReadTimeline yields up to limit messages of a conversation, newest first,
// starting after before (zero for the newest message).
//
// Messages with a sequence hint are ordered by it. Messages without one sort
// after every sequenced message, by createdAtLocal. Each yielded message's
// Cursor restarts the read right after it. The query runs when iteration
// starts and reads one snapshot. A corrupt row is quarantined and yielded as a
// Corruption error; iteration continues if the caller keeps ranging.
func (s *Store) ReadTimeline(ctx context.Context, conversationID string, limit int, before TimelineCursor) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if limit <= 0 {
			limit = 50
		}
		key := timelineKey{unseq: 2, seq: math.MaxInt64, localMS: math.MaxInt64}
		if before != "" {
			var err error
			if key, err = before.decode(); err != nil {
				yield(Message{}, err)
				return
			}
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ?
			  AND ((seq IS NULL), COALESCE(seq, 0), created_at_local, id) < (?, ?, ?, ?)
			ORDER BY (seq IS NULL) DESC, COALESCE(seq, 0) DESC, created_at_local DESC, id DESC
			LIMIT ?`,
			conversationID, key.unseq, key.seq, key.localMS, key.id, limit)
		if err != nil {
			yield(Message{}, err)
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			r, err := scanMessageRow(rows)
			if err != nil {
				yield(Message{}, err)
				return
			}
			m, err := s.decode(r)
			if err != nil {
				var cre *CorruptRowError
				if errors.As(err, &cre) {
					if qerr := s.Quarantine(ctx, cre); qerr != nil {
						err = errors.Join(err, qerr)
					}
					err = chaterr.New(chaterr.Corruption, "store.timeline", err)
				}
				if !yield(Message{}, err) {
					return
				}
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Message{}, err)
		}
	}
}

// Timeline collects ReadTimeline into a slice, stopping at the first error.
func (s *Store) Timeline(ctx context.Context, conversationID string, limit int, before TimelineCursor) ([]Message, error) {
	var out []Message
	for m, err := range s.ReadTimeline(ctx, conversationID, limit, before) {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
