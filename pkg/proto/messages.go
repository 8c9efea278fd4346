// Package proto defines the shared message types used for internal RPC
// communication between services in the document store.
//
// These are hand-written JSON-tagged structs rather than generated
// Protocol Buffer code: the internal RPC layer (see pkg/grpc) frames them as
// newline-delimited JSON over a persistent TCP connection, so there is no
// wire-format benefit to a real protobuf toolchain here.
package proto

// ---------- Common ----------

// Document is the wire form of a stored document.
type Document struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Fields     map[string]any `json:"fields"`
	Version    int64          `json:"version"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// HealthCheckResponse mirrors the gRPC health check spec.
type HealthCheckResponse struct {
	Status string `json:"status"` // SERVING, NOT_SERVING, UNKNOWN
}

// ---------- Shard store CRUD ----------

// GetRequest is the input to the Get RPC.
type GetRequest struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// GetResponse is the output of the Get RPC.
type GetResponse struct {
	Found    bool     `json:"found"`
	Document Document `json:"document,omitempty"`
}

// PutRequest is the input to the Put RPC.
type PutRequest struct {
	Collection      string         `json:"collection"`
	ID              string         `json:"id"`
	Fields          map[string]any `json:"fields"`
	ExpectedVersion int64          `json:"expected_version,omitempty"`
}

// PutResponse is the output of the Put RPC.
type PutResponse struct {
	Document Document `json:"document"`
	Created  bool     `json:"created"`
}

// DeleteRequest is the input to the Delete RPC.
type DeleteRequest struct {
	Collection      string `json:"collection"`
	ID              string `json:"id"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

// DeleteResponse is the output of the Delete RPC.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// ---------- Query ----------

// QueryRequest is the input to the per-shard Query RPC.
type QueryRequest struct {
	Collection string         `json:"collection"`
	Filters    []FilterSpec   `json:"filters,omitempty"`
	Sort       []SortField    `json:"sort,omitempty"`
	Limit      int32          `json:"limit"`
	Offset     int32          `json:"offset"`
	Aggregate  *AggregateSpec `json:"aggregate,omitempty"`
}

// FilterSpec is one AND-ed condition in a QueryRequest.
type FilterSpec struct {
	Field string `json:"field"`
	Op    string `json:"op"` // =, !=, >, >=, <, <=
	Value any    `json:"value"`
}

// SortField names a field and direction for result ordering.
type SortField struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

// AggregateSpec describes a single aggregate computation over a query's
// matching documents.
type AggregateSpec struct {
	Op      string `json:"op"` // COUNT, SUM, AVG, MIN, MAX
	Field   string `json:"field,omitempty"`
	GroupBy string `json:"group_by,omitempty"`
}

// QueryResponse is the output of the per-shard Query RPC.
type QueryResponse struct {
	Documents  []Document       `json:"documents,omitempty"`
	TotalCount int32            `json:"total_count"`
	Aggregate  map[string]any   `json:"aggregate,omitempty"`
	ShardID    string           `json:"shard_id"`
	LatencyMs  int64            `json:"latency_ms"`
}

// ---------- Two-phase commit ----------

// OpSpec is one write or delete within a PrepareBatchRequest.
type OpSpec struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Op         string         `json:"op"` // PUT, DELETE
	Fields     map[string]any `json:"fields,omitempty"`
}

// PrepareBatchRequest asks a participant shard to vote on the subset of a
// transaction's operations it owns.
type PrepareBatchRequest struct {
	TxID        string   `json:"tx_id"`
	Ops         []OpSpec `json:"ops"`
	ExpiresAtMs int64    `json:"expires_at_ms"`
}

// PrepareResponse carries the participant's vote.
type PrepareResponse struct {
	Vote   string `json:"vote"` // YES, NO
	Reason string `json:"reason,omitempty"`
}

// CommitRequest tells a participant to make a prepared operation durable.
type CommitRequest struct {
	TxID string `json:"tx_id"`
}

// CommitResponse acknowledges a commit.
type CommitResponse struct {
	Committed bool `json:"committed"`
}

// AbortRequest tells a participant to release a prepared operation.
type AbortRequest struct {
	TxID string `json:"tx_id"`
}

// AbortResponse acknowledges an abort.
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// ---------- Shard manager ----------

// HeartbeatRequest reports a node's current health and load to the shard
// manager.
type HeartbeatRequest struct {
	NodeID      string  `json:"node_id"`
	Address     string  `json:"address"`
	LoadFactor  float64 `json:"load_factor"`
	LatencyMs   float64 `json:"latency_ms"`
	Availability float64 `json:"availability"`
}

// HeartbeatResponse acknowledges a heartbeat and can carry rebalance
// instructions for the node.
type HeartbeatResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	Status       string `json:"status"`
}

// StatsRequest optionally filters statistics by shard ("" = all).
type StatsRequest struct {
	ShardID string `json:"shard_id"`
}

// StatsResponse contains shard-level statistics.
type StatsResponse struct {
	TotalDocs int64       `json:"total_docs"`
	Shards    []ShardStat `json:"shards,omitempty"`
}

// ShardStat holds per-shard statistics.
type ShardStat struct {
	ShardID  string `json:"shard_id"`
	DocCount int64  `json:"doc_count"`
}
