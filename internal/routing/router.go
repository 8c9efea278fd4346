package routing

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/oriondb/oriondb/internal/locality"
	"github.com/oriondb/oriondb/internal/ring"
	"github.com/oriondb/oriondb/pkg/errors"
)

// Router composes the hash ring, locality scorer, and versioned routing
// table into route(collection,id,client?) and shardsForQuery(collection,
// filter?) decisions.
type Router struct {
	store   *Store
	ring    *ring.Ring
	scorer  *locality.Scorer
	// shardCount is the fallback partition count used when a collection has
	// no explicit shard ranges.
	shardCount int
}

// New creates a Router over a fresh routing-table Store, hash ring, and
// locality scorer.
func New(virtualNodesPerPhysical, shardCount int) *Router {
	if shardCount <= 0 {
		shardCount = 8
	}
	return &Router{
		store:      NewStore(),
		ring:       ring.New(virtualNodesPerPhysical),
		scorer:     locality.New(),
		shardCount: shardCount,
	}
}

// Filter is a single equality/range condition on the document id, used to
// prune shardsForQuery when explicit ranges are configured.
type Filter struct {
	Field string
	Op    string
	Value string
}

// UpdateRoutingTable accepts incoming only if its version is strictly
// greater than the current table; on acceptance it reconciles the hash
// ring (adding newly active nodes, removing departed ones) and re-registers
// every active node with the locality scorer.
func (r *Router) UpdateRoutingTable(incoming *Table) bool {
	if !r.store.Update(incoming) {
		return false
	}
	r.reconcile(incoming)
	return true
}

func (r *Router) reconcile(table *Table) {
	seen := make(map[string]bool, len(table.Nodes))
	for nodeID, info := range table.Nodes {
		seen[nodeID] = true
		if info.Status == NodeActive {
			r.ring.Add(nodeID)
			r.scorer.RegisterNode(nodeID, info.Location)
			r.scorer.UpdateMetrics(nodeID, locality.Metrics{
				LatencyMs:    info.Metrics.LatencyMs,
				LoadFactor:   info.Metrics.LoadFactor,
				Availability: info.Metrics.Availability,
			})
		} else {
			r.ring.Remove(nodeID)
			r.scorer.RemoveNode(nodeID)
		}
	}
	for _, existing := range r.ring.Nodes() {
		if !seen[existing] {
			r.ring.Remove(existing)
			r.scorer.RemoveNode(existing)
		}
	}
}

// RegisterClient records a client's location for locality-biased routing.
func (r *Router) RegisterClient(clientID, location string) {
	r.scorer.RegisterClient(clientID, location)
}

// RouteRequest selects the single shard (optionally node-qualified) that
// owns (collection, id). If explicit shard ranges exist for collection,
// the owning range is found by lexicographic containment and, when more
// than one active node can serve it, the locality scorer breaks the tie
// for clientID. Otherwise it falls back to hashRoute: an FNV-1a hash of
// "{collection}:{id}" modulo the fallback shard count. This fallback does
// not use the consistent-hash ring, so a change of shard count remaps most
// keys.
func (r *Router) RouteRequest(collection, id, clientID string) (string, error) {
	table := r.store.Current()

	if ranges, ok := table.Collections[collection]; ok {
		for _, rg := range ranges {
			if rg.contains(id) {
				candidates := r.activeNodesForShard(table, ranges, rg.ShardID)
				if len(candidates) > 1 && clientID != "" {
					best, err := r.scorer.GetOptimalNode(clientID, candidates)
					if err == nil {
						return fmt.Sprintf("%s@%s", rg.ShardID, best), nil
					}
				}
				return rg.ShardID, nil
			}
		}
	}

	return r.hashRoute(collection, id), nil
}

// hashRoute derives a deterministic shard-<hex> identifier for
// (collection,id) using the fallback shard count, independent of the
// ring's virtual-node space (ring.Get addresses physical nodes, not
// logical shard ids).
func (r *Router) hashRoute(collection, id string) string {
	h := fnv.New32a()
	h.Write([]byte(collection + ":" + id))
	shardIdx := int(h.Sum32()) % r.shardCount
	if shardIdx < 0 {
		shardIdx += r.shardCount
	}
	return fmt.Sprintf("shard-%x", shardIdx)
}

func (r *Router) activeNodesForShard(table *Table, ranges []ShardRange, shardID string) []string {
	var nodes []string
	for _, rg := range ranges {
		if rg.ShardID != shardID {
			continue
		}
		if info, ok := table.Nodes[rg.NodeID]; ok && info.Status == NodeActive {
			nodes = append(nodes, rg.NodeID)
		}
	}
	return nodes
}

// ShardsForQuery returns the fan-out shard set for collection, pruned by
// filters when the routing table has explicit ranges and a filter is an
// equality/range condition on the document id. Otherwise it returns every
// shard owning the collection, or every active node if the collection is
// unknown.
func (r *Router) ShardsForQuery(collection string, filters []Filter) []string {
	table := r.store.Current()

	if ranges, ok := table.Collections[collection]; ok {
		if pruned, ok := pruneByIDFilter(ranges, filters); ok {
			return shardIDs(pruned)
		}
		return shardIDs(ranges)
	}

	var nodes []string
	for nodeID, info := range table.Nodes {
		if info.Status == NodeActive {
			nodes = append(nodes, nodeID)
		}
	}
	sort.Strings(nodes)
	return nodes
}

func pruneByIDFilter(ranges []ShardRange, filters []Filter) ([]ShardRange, bool) {
	for _, f := range filters {
		if f.Field != "_id" && f.Field != "id" {
			continue
		}
		var pruned []ShardRange
		for _, rg := range ranges {
			if rg.intersects(f.Op, f.Value) {
				pruned = append(pruned, rg)
			}
		}
		return pruned, true
	}
	return nil, false
}

func shardIDs(ranges []ShardRange) []string {
	seen := make(map[string]bool, len(ranges))
	var out []string
	for _, rg := range ranges {
		if !seen[rg.ShardID] {
			seen[rg.ShardID] = true
			out = append(out, rg.ShardID)
		}
	}
	sort.Strings(out)
	return out
}

// CurrentTable exposes the adopted snapshot for callers that need direct
// read access (e.g. the shard manager's lookupShard).
func (r *Router) CurrentTable() *Table {
	return r.store.Current()
}

// EmptyRing reports whether the router's hash ring currently has no nodes,
// surfacing errors.ErrEmptyRing semantics to callers that need to
// distinguish "no table yet" from "routed to a real shard".
func (r *Router) EmptyRing() error {
	if _, err := r.ring.Get("probe"); err != nil {
		return errors.ErrEmptyRing
	}
	return nil
}
