package bus

import "time"

// Event kinds published by the sync core. The UI collaborator subscribes by prefix.
const (
	MessageUpserted     = "message.upserted"
	MessageRemapped     = "message.remapped"
	MessageDeleted      = "message.deleted"
	MessageFailed       = "message.failed"
	MessageQuarantined  = "message.quarantined"
	ConversationUpdated = "conversation.updated"
	SyncLive            = "sync.live"
	SyncStale           = "sync.stale"
	SyncBatchApplied    = "sync.batch_applied"
	SyncPullFailed      = "sync.pull_failed"
	EngineStateChanged  = "engine.state_changed"
	AuthRequired        = "auth.required"
	PresenceChanged     = "presence.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}
