package api

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// TimelineService implements TimelineServer over the local store.
type TimelineService struct {
	store    *store.Store
	outbox   *outbox.Manager
	registry *reconcile.Registry
}

func NewTimelineService(s *store.Store, o *outbox.Manager, r *reconcile.Registry) *TimelineService {
	return &TimelineService{store: s, outbox: o, registry: r}
}

// Compose: {conversationId, body (base64)} -> {messageId}
func (s *TimelineService) Compose(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := required(req, "conversationId")
	if err != nil {
		return nil, err
	}
	body, err := bodyField(req, "body")
	if err != nil {
		return nil, err
	}
	id, err := s.outbox.Enqueue(ctx, conv, body)
	if err != nil {
		return nil, toStatus("compose", err)
	}
	return reply(map[string]any{"messageId": id})
}

// Read: {conversationId, limit, before} -> {messages, next}
func (s *TimelineService) Read(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := required(req, "conversationId")
	if err != nil {
		return nil, err
	}
	limit := int(num(req, "limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	msgs, err := s.store.Timeline(ctx, conv, limit, store.TimelineCursor(str(req, "before")))
	if err != nil {
		return nil, toStatus("read", err)
	}
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageFields(m))
	}
	next := ""
	if len(msgs) == limit {
		next = string(msgs[len(msgs)-1].Cursor())
	}
	return reply(map[string]any{"messages": out, "next": next})
}

// MarkRead: {conversationId, upToSeq} -> {unread}
func (s *TimelineService) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := required(req, "conversationId")
	if err != nil {
		return nil, err
	}
	upTo, err := seqField(req, "upToSeq")
	if err != nil {
		return nil, err
	}
	unread, err := s.registry.MarkRead(ctx, conv, upTo)
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	return reply(map[string]any{"unread": unread})
}

// Retry: {messageId} -> {}
func (s *TimelineService) Retry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "messageId")
	if err != nil {
		return nil, err
	}
	if err := s.outbox.Retry(ctx, id); err != nil {
		return nil, toStatus("retry", err)
	}
	return reply(nil)
}

// SetTyping: {conversationId, typing} -> {}
func (s *TimelineService) SetTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := required(req, "conversationId")
	if err != nil {
		return nil, err
	}
	if err := s.registry.SetTyping(ctx, conv, flag(req, "typing")); err != nil {
		return nil, toStatus("set typing", err)
	}
	return reply(nil)
}

// Conversations: {limit} -> {conversations}, each with a preview of its newest message
func (s *TimelineService) Conversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(num(req, "limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	convs, err := s.store.ListConversations(ctx, min(limit, maxPageSize))
	if err != nil {
		return nil, toStatus("conversations", err)
	}
	out := make([]any, 0, len(convs))
	for _, c := range convs {
		participants := make([]any, 0, len(c.ParticipantIDs))
		for _, p := range c.ParticipantIDs {
			participants = append(participants, p)
		}
		conv := map[string]any{
			"id":              c.ID,
			"participants":    participants,
			"unread":          c.UnreadCount,
			"lastReadSeq":     seqString(c.LastReadSeq),
			"updatedAtUnixMs": c.UpdatedAt.UnixMilli(),
		}
		if c.LastMessageID != "" {
			conv["lastMessageId"] = c.LastMessageID
			conv["lastMessageAtUnixMs"] = c.LastMessageAt.UnixMilli()
			conv["lastMessagePreview"] = encodeBody(c.LastMessagePreview)
		}
		out = append(out, conv)
	}
	return reply(map[string]any{"conversations": out})
}

func messageFields(m store.Message) map[string]any {
	f := map[string]any{
		"id":                   m.ID,
		"clientRef":            m.ClientRef,
		"conversationId":       m.ConversationID,
		"senderId":             m.SenderID,
		"body":                 encodeBody(m.Body),
		"createdAtLocalUnixMs": m.CreatedAtLocal.UnixMilli(),
		"state":                m.State.String(),
		"seq":                  seqString(m.SequenceHint),
		"cursor":               string(m.Cursor()),
	}
	if m.CreatedAtServer != nil {
		f["createdAtServerUnixMs"] = m.CreatedAtServer.UnixMilli()
	}
	return f
}
