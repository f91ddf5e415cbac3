package reconcile

import "github.com/matheus3301/chatsync/internal/store"

// Resolve merges a local copy of a message with the copy the remote side
// confirmed. Remote-confirmed fields win: identity, sender, body, server time
// and sequence hint come from remote when it carries them. The delivery state
// never moves down, and the client reference survives from whichever side has it.
func Resolve(local, remote store.Message) store.Message {
	out := remote
	if out.ConversationID == "" {
		out.ConversationID = local.ConversationID
	}
	if out.ClientRef == "" {
		out.ClientRef = local.ClientRef
	}
	if out.ClientRef == "" && store.IsProvisional(local.ID) {
		out.ClientRef = local.ID
	}
	if out.SenderID == "" {
		out.SenderID = local.SenderID
	}
	if len(out.Body) == 0 {
		out.Body = local.Body
	}
	if out.CreatedAtLocal.IsZero() {
		out.CreatedAtLocal = local.CreatedAtLocal
	}
	if out.CreatedAtServer == nil {
		out.CreatedAtServer = local.CreatedAtServer
	}
	if out.SequenceHint == 0 {
		out.SequenceHint = local.SequenceHint
	}
	out.State = max(local.State, remote.State, store.Sent)
	return out
}
