package analytics

import "time"

// EventType identifies the kind of analytics event.
type EventType string

const (
	EventWrite       EventType = "write"
	EventQuery       EventType = "query"
	EventTransaction EventType = "transaction"
	EventCacheHit    EventType = "cache_hit"
	EventCacheMiss   EventType = "cache_miss"
	EventZeroResult  EventType = "zero_result"
)

// WriteEvent is emitted by the coordinator's document handler after every
// PUT or DELETE is acknowledged by its shard.
type WriteEvent struct {
	Type       EventType `json:"type"`
	Operation  string    `json:"operation"` // PUT, DELETE
	Collection string    `json:"collection"`
	ShardID    string    `json:"shard_id"`
	SizeBytes  int       `json:"size_bytes"`
	LatencyMs  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
}

// QueryEvent is emitted after a scatter-gather query completes and records
// the collection queried, result shape, cache status, and shard fan-out.
type QueryEvent struct {
	Type        EventType `json:"type"`
	Collection  string    `json:"collection"`
	FilterCount int       `json:"filter_count"`
	TotalHits   int       `json:"total_hits"`
	Returned    int       `json:"returned"`
	LatencyMs   int64     `json:"latency_ms"`
	CacheHit    bool      `json:"cache_hit"`
	ShardCount  int       `json:"shard_count"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
}

// TransactionEvent is emitted when a two-phase-commit transaction reaches a
// terminal state.
type TransactionEvent struct {
	Type             EventType `json:"type"`
	TxID             string    `json:"tx_id"`
	Status           string    `json:"status"` // COMMITTED, ABORTED
	OperationCount   int       `json:"operation_count"`
	ParticipantCount int       `json:"participant_count"`
	LatencyMs        int64     `json:"latency_ms"`
	Timestamp        time.Time `json:"timestamp"`
}
