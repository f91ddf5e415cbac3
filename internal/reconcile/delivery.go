package reconcile

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/docstore"
	"github.com/matheus3301/chatsync/internal/listener"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
)

// Delivery hands one pending message to the remote side.
type Delivery interface {
	Deliver(ctx context.Context, m store.Message) (Receipt, error)
}

// Receipt describes an accepted delivery. AwaitEcho is set when acceptance
// is only confirmed once the listener sees the message come back.
type Receipt struct {
	Ack       outbox.Ack
	AwaitEcho bool
}

// MessageSender is the send half of the backend client.
type MessageSender interface {
	SendMessage(ctx context.Context, m backend.Outgoing) (backend.Ack, error)
}

// RPCDelivery sends through the backend; the ack carries the remote id.
type RPCDelivery struct {
	Sender MessageSender
}

func (d RPCDelivery) Deliver(ctx context.Context, m store.Message) (Receipt, error) {
	ref := m.ClientRef
	if ref == "" {
		ref = m.ID
	}
	ack, err := d.Sender.SendMessage(ctx, backend.Outgoing{
		ConversationID: m.ConversationID,
		ClientRef:      ref,
		Body:           m.Body,
		CreatedAtLocal: m.CreatedAtLocal,
	})
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Ack: outbox.Ack{RemoteID: ack.RemoteID, SequenceHint: ack.SequenceHint, ServerTime: ack.ServerTime}}, nil
}

// DocumentDelivery writes the message straight into the realtime store under
// an id derived from its provisional id, so rewrites after a crash land on
// the same document.
type DocumentDelivery struct {
	Docs docstore.Store
}

func (d DocumentDelivery) Deliver(ctx context.Context, m store.Message) (Receipt, error) {
	data, err := listener.Encode(m)
	if err != nil {
		return Receipt{}, chaterr.New(chaterr.Rejected, "deliver.document", err)
	}
	path := docstore.MessagesPath(m.ConversationID)
	if err := d.Docs.WriteDocument(ctx, path, listener.DocumentID(m.ID), data); err != nil {
		return Receipt{}, err
	}
	return Receipt{AwaitEcho: true}, nil
}

// NewDelivery picks the delivery for a [delivery] mode.
func NewDelivery(mode string, sender MessageSender, docs docstore.Store) (Delivery, error) {
	switch mode {
	case config.DeliveryRPC, "":
		return RPCDelivery{Sender: sender}, nil
	case config.DeliveryDocument:
		return DocumentDelivery{Docs: docs}, nil
	}
	return nil, fmt.Errorf("unknown delivery mode %q", mode)
}
