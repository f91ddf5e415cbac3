// Package docstore is the capability the sync core needs from a realtime
// document store: change streams over a collection and document writes.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

// ChangeType of a document change.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Change is one document change in commit order.
type Change struct {
	Type       ChangeType      `json:"type"`
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Cursor marks a position in a collection's change log.
type Cursor struct {
	Token   string `json:"token"`
	Version int64  `json:"version"`
}

// Batch is a group of changes delivered together. Cursor covers every change
// in the batch. UpToDate is set when the stream has caught up with the store.
type Batch struct {
	Changes  []Change
	Cursor   Cursor
	UpToDate bool
}

// Stream is an open subscription. Next blocks until a batch is available.
type Stream interface {
	Next(ctx context.Context) (Batch, error)
	Close() error
}

// Store is the realtime document store.
type Store interface {
	// Subscribe opens a change stream over collectionPath starting after from.
	Subscribe(ctx context.Context, collectionPath string, from Cursor) (Stream, error)
	// WriteDocument creates or replaces a document. Writing the same id twice is idempotent.
	WriteDocument(ctx context.Context, collectionPath, documentID string, data json.RawMessage) error
}

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("docstore: stream closed")

// MessagesPath is the collection holding a conversation's messages.
func MessagesPath(conversationID string) string {
	return "conversations/" + conversationID + "/messages"
}
