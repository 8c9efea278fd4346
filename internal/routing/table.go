// Package routing implements the versioned routing table (C3) and the
// Router (C4) that composes the hash ring and locality scorer into
// route/shardsForQuery decisions.
package routing

import "sync/atomic"

// NodeStatus is the lifecycle state of a registered node.
type NodeStatus string

const (
	NodeActive     NodeStatus = "active"
	NodeInactive   NodeStatus = "inactive"
	NodeRecovering NodeStatus = "recovering"
)

// NodeMetrics mirrors the values tracked by the locality scorer, carried in
// the routing table snapshot so a freshly adopted table can re-seed it.
type NodeMetrics struct {
	LatencyMs    float64
	LoadFactor   float64
	Availability float64
}

// NodeInfo describes one node's location, metrics, and status.
type NodeInfo struct {
	Location string
	Metrics  NodeMetrics
	Status   NodeStatus
}

// ShardRange is one explicit lexicographic id range owned by a shard.
type ShardRange struct {
	ShardID string
	Lo      string
	Hi      string
	NodeID  string
}

// contains reports whether id falls within [Lo, Hi] lexicographically.
func (r ShardRange) contains(id string) bool {
	return id >= r.Lo && id <= r.Hi
}

// intersects reports whether the range overlaps the half-open comparison
// implied by operator op against value.
func (r ShardRange) intersects(op string, value string) bool {
	switch op {
	case "=":
		return r.contains(value)
	case ">=":
		return r.Hi >= value
	case ">":
		return r.Hi > value
	case "<=":
		return r.Lo <= value
	case "<":
		return r.Lo < value
	default:
		return true
	}
}

// Table is an immutable versioned routing snapshot.
type Table struct {
	Version     int64
	Nodes       map[string]NodeInfo
	Collections map[string][]ShardRange
}

// emptyTable is the zero-version table adopted at startup.
func emptyTable() *Table {
	return &Table{
		Nodes:       make(map[string]NodeInfo),
		Collections: make(map[string][]ShardRange),
	}
}

// Store holds the current Table behind an atomic pointer so readers never
// observe a partially updated snapshot (RCU-style replacement); the Router
// is the sole writer.
type Store struct {
	current atomic.Pointer[Table]
}

// NewStore creates a Store seeded with an empty, version-0 table.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(emptyTable())
	return s
}

// Current returns the currently adopted Table snapshot.
func (s *Store) Current() *Table {
	return s.current.Load()
}

// Update adopts incoming only if its version is strictly greater than the
// current table's version. Returns true if adopted.
func (s *Store) Update(incoming *Table) bool {
	for {
		cur := s.current.Load()
		if incoming.Version <= cur.Version {
			return false
		}
		if s.current.CompareAndSwap(cur, incoming) {
			return true
		}
	}
}
