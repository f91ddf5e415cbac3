package listener

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// Document is the JSON shape of a message in the realtime store. Body is
// opaque and travels base64-encoded.
type Document struct {
	SenderID        string `json:"senderId"`
	Body            []byte `json:"body"`
	ClientRef       string `json:"clientRef,omitempty"`
	CreatedAtLocal  int64  `json:"createdAtLocal"`
	CreatedAtServer int64  `json:"createdAtServer,omitempty"`
	Seq             int64  `json:"seq,omitempty"`
	Delivered       bool   `json:"delivered,omitempty"`
}

var errBadDocument = errors.New("bad message document")

// Normalize turns a realtime document into a confirmed store message.
func Normalize(conversationID, documentID string, data json.RawMessage) (store.Message, error) {
	if documentID == "" || store.IsProvisional(documentID) {
		return store.Message{}, fmt.Errorf("%w: id %q", errBadDocument, documentID)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return store.Message{}, fmt.Errorf("%w: %s: %v", errBadDocument, documentID, err)
	}
	switch {
	case doc.SenderID == "":
		return store.Message{}, fmt.Errorf("%w: %s: no sender", errBadDocument, documentID)
	case len(doc.Body) == 0:
		return store.Message{}, fmt.Errorf("%w: %s: empty body", errBadDocument, documentID)
	case doc.Seq < 0:
		return store.Message{}, fmt.Errorf("%w: %s: negative seq", errBadDocument, documentID)
	case doc.CreatedAtLocal == 0 && doc.CreatedAtServer == 0:
		return store.Message{}, fmt.Errorf("%w: %s: no timestamp", errBadDocument, documentID)
	}

	m := store.Message{
		ID:             documentID,
		ClientRef:      doc.ClientRef,
		ConversationID: conversationID,
		SenderID:       doc.SenderID,
		Body:           doc.Body,
		State:          store.Sent,
		SequenceHint:   doc.Seq,
	}
	if doc.Delivered {
		m.State = store.Delivered
	}
	if doc.CreatedAtServer > 0 {
		ts := time.UnixMilli(doc.CreatedAtServer)
		m.CreatedAtServer = &ts
	}
	if doc.CreatedAtLocal > 0 {
		m.CreatedAtLocal = time.UnixMilli(doc.CreatedAtLocal)
	} else {
		m.CreatedAtLocal = time.UnixMilli(doc.CreatedAtServer)
	}
	return m, nil
}

// DocumentID is the remote id a provisional message is written under when
// delivering straight into the realtime store.
func DocumentID(provisionalID string) string {
	return strings.TrimPrefix(provisionalID, "local-")
}

// Encode renders a locally composed message as the document written for
// document-mode delivery. The echo carries clientRef back for deduplication.
func Encode(m store.Message) (json.RawMessage, error) {
	doc := Document{
		SenderID:       m.SenderID,
		Body:           m.Body,
		ClientRef:      m.ID,
		CreatedAtLocal: m.CreatedAtLocal.UnixMilli(),
	}
	if m.ClientRef != "" {
		doc.ClientRef = m.ClientRef
	}
	return json.Marshal(doc)
}
