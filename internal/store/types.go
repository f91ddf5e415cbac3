package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliveryState of a message. Values are ordered by precedence: a write
// carrying a lower state never replaces a higher one.
type DeliveryState int

const (
	Pending DeliveryState = iota
	Failed
	Sent
	Delivered
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s DeliveryState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseState is the inverse of String.
func ParseState(s string) (DeliveryState, error) {
	switch s {
	case "pending":
		return Pending, nil
	case "failed":
		return Failed, nil
	case "sent":
		return Sent, nil
	case "delivered":
		return Delivered, nil
	}
	return 0, fmt.Errorf("unknown delivery state %q", s)
}

// Confirmed reports whether the remote side has accepted the message.
func (s DeliveryState) Confirmed() bool { return s == Sent || s == Delivered }

func (s DeliveryState) valid() bool { return s >= Pending && s <= Delivered }

const provisionalPrefix = "local-"

// NewProvisionalID returns a client-generated id for a message not yet accepted remotely.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether id was produced by NewProvisionalID.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// Message is one row of a conversation timeline.
type Message struct {
	ID             string
	ClientRef      string // provisional id the message was composed under; idempotency key
	ConversationID string
	SenderID       string
	Body           []byte
	CreatedAtLocal time.Time
	// CreatedAtServer is nil until the backend acknowledges the message.
	CreatedAtServer *time.Time
	State           DeliveryState
	// SequenceHint is zero while unknown.
	SequenceHint int64
}

// Cursor returns the timeline position of m; pass it as before to continue a read after m.
func (m Message) Cursor() TimelineCursor {
	unseq := 0
	if m.SequenceHint == 0 {
		unseq = 1
	}
	raw := fmt.Sprintf("%d:%d:%d:%s", unseq, m.SequenceHint, m.CreatedAtLocal.UnixMilli(), m.ID)
	return TimelineCursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

// TimelineCursor is an opaque timeline position. The zero value means "newest".
type TimelineCursor string

type timelineKey struct {
	unseq   int
	seq     int64
	localMS int64
	id      string
}

func (c TimelineCursor) decode() (timelineKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return timelineKey{}, fmt.Errorf("timeline cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 4)
	if len(parts) != 4 {
		return timelineKey{}, errors.New("timeline cursor: malformed")
	}
	var k timelineKey
	if k.unseq, err = strconv.Atoi(parts[0]); err != nil {
		return timelineKey{}, fmt.Errorf("timeline cursor: %w", err)
	}
	if k.seq, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return timelineKey{}, fmt.Errorf("timeline cursor: %w", err)
	}
	if k.localMS, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return timelineKey{}, fmt.Errorf("timeline cursor: %w", err)
	}
	k.id = parts[3]
	return k, nil
}

// SyncCursor marks the last remote change applied to a conversation.
// Token is opaque to the core; Version orders cursors so they never move backwards.
type SyncCursor struct {
	Token   string
	Version int64
}

func (c SyncCursor) IsZero() bool { return c.Token == "" && c.Version == 0 }

// Conversation is a set of participants sharing one timeline.
type Conversation struct {
	ID             string
	ParticipantIDs []string
	Cursor         SyncCursor
	UnreadCount    int
	LastReadSeq    int64
	UpdatedAt      time.Time

	// Newest timeline row, filled by ListConversations. Empty when the
	// conversation has no readable messages.
	LastMessageID      string
	LastMessageAt      time.Time
	LastMessagePreview []byte
}

// OutboxEntry tracks delivery of a message composed on this device.
// The body lives on the message row only.
type OutboxEntry struct {
	MessageID      string
	ConversationID string
	AttemptCount   int
	NextRetryAt    *time.Time
	LastError      string
	// Parked entries wait for new credentials and consume no attempts.
	Parked bool
	// AwaitingUntil is set while a document write waits for its listener echo.
	AwaitingUntil *time.Time
	CreatedAt     time.Time
	// State mirrors the message row.
	State DeliveryState
}

// RemapResult reports how RemapID settled the identities.
type RemapResult int

const (
	Remapped RemapResult = iota + 1
	Merged
	AlreadyApplied
)

func (r RemapResult) String() string {
	switch r {
	case Remapped:
		return "remapped"
	case Merged:
		return "merged"
	case AlreadyApplied:
		return "already_applied"
	}
	return "unknown"
}

func (r RemapResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UpsertResult reports whether Upsert changed the row.
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Inserted
	Updated
)

// Remap is the payload of message.remapped events.
type Remap struct {
	OldID  string
	NewID  string
	Result RemapResult
}

// QuarantinedRow is a message removed from the timeline after failing its checks.
type QuarantinedRow struct {
	MessageID      string
	ConversationID string
	Reason         string
	At             time.Time
}

var (
	ErrNotFound         = errors.New("not found")
	ErrCursorRegression = errors.New("sync cursor would move backwards")
)

// CorruptRowError identifies a quarantined row so the caller can re-fetch its conversation.
type CorruptRowError struct {
	ConversationID string
	MessageID      string
	Reason         string
}

func (e *CorruptRowError) Error() string {
	return fmt.Sprintf("message %s in %s quarantined: %s", e.MessageID, e.ConversationID, e.Reason)
}
