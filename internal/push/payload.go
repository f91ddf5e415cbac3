package push

import (
	"errors"
	"strings"
)

// Payload is the data section of a push message.
type Payload struct {
	ConversationID string
	MessageID      string
	SenderID       string
	SenderName     string
	Title          string
	Body           string
}

// ErrNoConversation means the payload names neither a conversation nor a sender.
var ErrNoConversation = errors.New("push payload has no conversation")

// ParsePayload reads an FCM-style data map. A payload without
// conversationId addresses the direct conversation with its sender.
func ParsePayload(data map[string]string) (Payload, error) {
	get := func(k string) string { return strings.TrimSpace(data[k]) }
	p := Payload{
		ConversationID: get("conversationId"),
		MessageID:      get("messageId"),
		SenderID:       get("senderId"),
		SenderName:     get("senderName"),
		Title:          get("title"),
		Body:           get("body"),
	}
	if p.ConversationID == "" {
		p.ConversationID = p.SenderID
	}
	if p.ConversationID == "" {
		return Payload{}, ErrNoConversation
	}
	return p, nil
}
