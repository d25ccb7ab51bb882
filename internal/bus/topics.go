package bus

// Outbox event topics.
const (
	TopicOutboxEnqueued  = "outbox.enqueued"
	TopicOutboxDelivered = "outbox.delivered"
	TopicOutboxFailed    = "outbox.replay_failed"
	TopicOutboxDead      = "outbox.dead_lettered"
)

// Sync activation topics.
const (
	TopicSyncRequested = "sync.requested"
	TopicSyncCompleted = "sync.completed"
)

// Connectivity and cache topics.
const (
	TopicConnectivityChanged = "connectivity.changed"
	TopicCacheActivated      = "cache.activated"
)

// OutboxEvent is published when an outbox record is enqueued, delivered,
// or fails a replay attempt.
type OutboxEvent struct {
	RecordID string // Outbox record ID
	Tag      string // Sync tag (mutation family)
	URL      string // Target endpoint
	Method   string // HTTP verb
	Attempts int    // Replay attempts so far
	Error    string // Last replay error, if any
}

// SyncRequest is published by the registrar to request replay of a
// mutation family. An empty tag means all families.
type SyncRequest struct {
	Tag string
}

// SyncResult is published when a replay activation finishes.
type SyncResult struct {
	Tag       string
	Delivered int
	Failed    int
	Remaining int
}

// ConnectivityEvent is published when the upstream reachability state flips.
type ConnectivityEvent struct {
	Online bool
}

// CacheEvent is published when a cache generation pair becomes current.
type CacheEvent struct {
	StaticGeneration  string
	DynamicGeneration string
	Pruned            int // old generations deleted
}
