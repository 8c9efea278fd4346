// Package shardmgr implements the Shard Manager (C8): node registration,
// heartbeats, shard assignment, and rebalancing.
package shardmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oriondb/oriondb/internal/ring"
	"github.com/oriondb/oriondb/internal/routing"
	"github.com/oriondb/oriondb/internal/shardstore/kv"
	"github.com/oriondb/oriondb/pkg/errors"
)

const (
	shardKeyPrefix = "shard:"
	nodeKeyPrefix  = "node:"

	// HeartbeatStale is how long a node can go without a heartbeat before
	// it is treated as offline for assignment purposes. It is separate from,
	// and much shorter than, the locality scorer's 5-minute metrics
	// staleness window.
	HeartbeatStale = 30 * time.Second

	// DefaultReplicationFactor is the number of nodes (primary included)
	// CreateShard tries to assign a freshly created shard to.
	DefaultReplicationFactor = 2

	// fullKeySpan is used as the upper bound of the single lexicographic
	// range reconcileRoutingLocked hands the Router for each shard: the
	// manager already knows which shard a key hashes to via its own ring,
	// so the range only needs to span the whole key space and let
	// activeNodesForShard collect every replica as a routing candidate.
	fullKeySpan = "\xff\xff\xff\xff\xff\xff\xff\xff"
)

// NodeStatus is a storage node's reported lifecycle state.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeDrain   NodeStatus = "draining"
)

// ShardStatus is a shard's assignment lifecycle state.
type ShardStatus string

const (
	ShardActive    ShardStatus = "ACTIVE"
	ShardMigrating ShardStatus = "MIGRATING"
)

// NodeMetrics is the subset of locality.Metrics the manager persists
// alongside a node record; reported by heartbeat.
type NodeMetrics struct {
	LatencyMs    float64 `json:"latencyMs"`
	LoadFactor   float64 `json:"loadFactor"`
	Availability float64 `json:"availability"`
}

// Node is a registered storage node.
type Node struct {
	ID              string      `json:"id"`
	URL             string      `json:"url"`
	Region          string      `json:"region"`
	Capacity        int         `json:"capacity"`
	Status          NodeStatus  `json:"status"`
	Metrics         NodeMetrics `json:"metrics"`
	RegisteredAt    time.Time   `json:"registeredAt"`
	LastHeartbeatAt time.Time   `json:"lastHeartbeatAt"`
	seq             int64       // insertion order, for fewest-shards tie-break
}

// Shard is a managed unit of horizontal partitioning. ReplicaNodeIDs holds
// the additional nodes (beyond PrimaryNodeID) the Router may route reads
// to, per the locality scorer's client-location bias; it carries no data
// replication guarantee of its own, since each shard node still owns a
// single store (internal/shardstore) with no cross-node write fan-out.
type Shard struct {
	ID             string      `json:"id"`
	PrimaryNodeID  string      `json:"primaryNodeId"`
	ReplicaNodeIDs []string    `json:"replicaNodeIds,omitempty"`
	Status         ShardStatus `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// MigrationTask records one shard's move from a source to a target node,
// issued by Rebalance.
type MigrationTask struct {
	ShardID  string    `json:"shardId"`
	FromNode string    `json:"fromNode"`
	ToNode   string    `json:"toNode"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Manager owns the durable node and shard registries, grounded on the
// teacher's mutex-guarded map-of-engines Router
// (internal/indexer/shard/router.go), generalized from routing fixed-size
// local shard engines to a dynamic, heartbeat-tracked node/shard registry.
type Manager struct {
	store kv.Store

	mu       sync.Mutex
	nodes    map[string]*Node
	shards   map[string]*Shard
	nextSeq  int64
	shardSeq int64

	// ring keys document lookup over the shard ids currently known to the
	// manager, giving LookupShard minimal remap on shard count change
	// instead of a plain hash-mod-count that reshuffles nearly every key
	// whenever a shard is added or removed.
	ring *ring.Ring

	// router resolves a shard's replica set down to one node, biased by
	// client location. It is fed a routing.Table built from the manager's
	// own node/shard registries by reconcileRoutingLocked: each shard id is
	// registered as a routing "collection" with one full-key-span
	// ShardRange per replica node, so the manager's own consistent-hash
	// ring keeps doing collection->shard resolution and the router is only
	// ever asked to pick a node within a shard already resolved.
	router            *routing.Router
	replicationFactor int
	routingVersion    int64

	logger *slog.Logger
}

// New creates a Manager backed by store. Call Load to restore prior state.
func New(store kv.Store) *Manager {
	return &Manager{
		store:             store,
		nodes:             make(map[string]*Node),
		shards:            make(map[string]*Shard),
		ring:              ring.New(0),
		router:            routing.New(100, 1),
		replicationFactor: DefaultReplicationFactor,
		logger:            slog.Default().With("component", "shard-manager"),
	}
}

// SetReplicationFactor overrides the number of nodes (primary included)
// CreateShard assigns a freshly created shard to. Must be called before any
// shards are created to take effect on them.
func (m *Manager) SetReplicationFactor(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	m.replicationFactor = n
	m.mu.Unlock()
}

// Load reloads every durable node and shard record, used on process
// startup to restore the in-memory registries.
func (m *Manager) Load(ctx context.Context) error {
	nodeRaw, err := m.store.List(ctx, nodeKeyPrefix)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	shardRaw, err := m.store.List(ctx, shardKeyPrefix)
	if err != nil {
		return fmt.Errorf("listing shards: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, raw := range nodeRaw {
		var n Node
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("decoding node: %w", err)
		}
		m.nextSeq++
		n.seq = m.nextSeq
		m.nodes[n.ID] = &n
	}
	for _, raw := range shardRaw {
		var s Shard
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decoding shard: %w", err)
		}
		m.shardSeq++
		m.shards[s.ID] = &s
		m.ring.Add(s.ID)
	}
	m.reconcileRoutingLocked()
	return nil
}

func (m *Manager) saveNode(ctx context.Context, n *Node) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding node %s: %w", n.ID, err)
	}
	return m.store.Put(ctx, nodeKeyPrefix+n.ID, raw)
}

func (m *Manager) saveShard(ctx context.Context, s *Shard) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding shard %s: %w", s.ID, err)
	}
	return m.store.Put(ctx, shardKeyPrefix+s.ID, raw)
}

// RegisterNode adds a new node with a generated id and triggers a
// rebalance pass.
func (m *Manager) RegisterNode(ctx context.Context, url, region string, capacity int) (*Node, error) {
	if url == "" {
		return nil, errors.Newf(errors.ErrInvalidInput, 400, "node url is required")
	}
	if capacity <= 0 {
		capacity = 1
	}

	m.mu.Lock()
	m.nextSeq++
	n := &Node{
		ID:              fmt.Sprintf("node-%d", m.nextSeq),
		URL:             url,
		Region:          region,
		Capacity:        capacity,
		Status:          NodeOnline,
		Metrics:         NodeMetrics{Availability: 1.0},
		RegisteredAt:    time.Now(),
		LastHeartbeatAt: time.Now(),
		seq:             m.nextSeq,
	}
	m.nodes[n.ID] = n
	m.reconcileRoutingLocked()
	m.mu.Unlock()

	if err := m.saveNode(ctx, n); err != nil {
		return nil, err
	}
	m.Rebalance(ctx)
	return n, nil
}

// Heartbeat updates a node's lastHeartbeatAt, status, and metrics.
func (m *Manager) Heartbeat(ctx context.Context, nodeID string, status *NodeStatus, metrics *NodeMetrics) error {
	m.mu.Lock()
	n, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return errors.ErrNodeNotFound
	}
	wasOffline := n.Status == NodeOffline
	n.LastHeartbeatAt = time.Now()
	if status != nil {
		n.Status = *status
	} else if wasOffline {
		n.Status = NodeOnline
	}
	if metrics != nil {
		n.Metrics = *metrics
	}
	becameOffline := n.Status == NodeOffline && !wasOffline
	m.reconcileRoutingLocked()
	m.mu.Unlock()

	if err := m.saveNode(ctx, n); err != nil {
		return err
	}
	if becameOffline {
		m.Rebalance(ctx)
	}
	return nil
}

// GetNode returns a registered node by id.
func (m *Manager) GetNode(nodeID string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, errors.ErrNodeNotFound
	}
	return n, nil
}

// ListNodes returns every registered node, ordered by registration order.
func (m *Manager) ListNodes() []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m *Manager) isOnlineLocked(n *Node) bool {
	if n.Status != NodeOnline {
		return false
	}
	return time.Since(n.LastHeartbeatAt) < HeartbeatStale
}

// shardCountLocked returns the number of shards currently primaried on
// nodeID, whatever their status (MIGRATING shards included).
func (m *Manager) shardCountLocked(nodeID string) int {
	count := 0
	for _, s := range m.shards {
		if s.PrimaryNodeID == nodeID {
			count++
		}
	}
	return count
}

// CreateShard creates a shard, assigning it to primaryNodeID if given, else
// to the online node with the fewest shards (ties broken by registration
// order).
func (m *Manager) CreateShard(ctx context.Context, primaryNodeID string) (*Shard, error) {
	m.mu.Lock()
	if primaryNodeID == "" {
		chosen, err := m.pickAssignmentTargetLocked()
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		primaryNodeID = chosen
	} else if _, ok := m.nodes[primaryNodeID]; !ok {
		m.mu.Unlock()
		return nil, errors.ErrNodeNotFound
	}

	m.shardSeq++
	now := time.Now()
	s := &Shard{
		ID:             fmt.Sprintf("shard-%d", m.shardSeq),
		PrimaryNodeID:  primaryNodeID,
		ReplicaNodeIDs: m.pickReplicaTargetsLocked(primaryNodeID, m.replicationFactor-1),
		Status:         ShardActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.shards[s.ID] = s
	m.ring.Add(s.ID)
	m.reconcileRoutingLocked()
	m.mu.Unlock()

	if err := m.saveShard(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// pickReplicaTargetsLocked returns up to count online nodes other than
// primaryNodeID, ordered by registration order, to back primaryNodeID up as
// routing-level replicas. Caller holds m.mu.
func (m *Manager) pickReplicaTargetsLocked(primaryNodeID string, count int) []string {
	if count <= 0 {
		return nil
	}
	var candidates []*Node
	for _, n := range m.nodes {
		if n.ID == primaryNodeID || !m.isOnlineLocked(n) {
			continue
		}
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	out := make([]string, len(candidates))
	for i, n := range candidates {
		out[i] = n.ID
	}
	return out
}

// reconcileRoutingLocked rebuilds the routing table from the manager's own
// node and shard registries and hands it to the router, registering each
// shard as a routing "collection" spanning the full key range once per
// replica node so RouteReplica can pick among them. Caller holds m.mu.
func (m *Manager) reconcileRoutingLocked() {
	nodes := make(map[string]routing.NodeInfo, len(m.nodes))
	for id, n := range m.nodes {
		status := routing.NodeInactive
		if m.isOnlineLocked(n) {
			status = routing.NodeActive
		}
		nodes[id] = routing.NodeInfo{
			Location: n.Region,
			Status:   status,
			Metrics: routing.NodeMetrics{
				LatencyMs:    n.Metrics.LatencyMs,
				LoadFactor:   n.Metrics.LoadFactor,
				Availability: n.Metrics.Availability,
			},
		}
	}

	collections := make(map[string][]routing.ShardRange, len(m.shards))
	for shardID, s := range m.shards {
		replicaSet := append([]string{s.PrimaryNodeID}, s.ReplicaNodeIDs...)
		ranges := make([]routing.ShardRange, 0, len(replicaSet))
		for _, nodeID := range replicaSet {
			ranges = append(ranges, routing.ShardRange{ShardID: shardID, Lo: "", Hi: fullKeySpan, NodeID: nodeID})
		}
		collections[shardID] = ranges
	}

	m.routingVersion++
	table := &routing.Table{Version: m.routingVersion, Nodes: nodes, Collections: collections}
	m.router.UpdateRoutingTable(table)
}

// RouteReplica resolves shardID's replica set down to a single route key
// ("shardID" or "shardID@nodeID"), biased toward clientID's registered
// location when more than one replica is active. clientID may be empty, in
// which case the router falls back to its default candidate.
func (m *Manager) RouteReplica(shardID, documentID, clientID string) (string, error) {
	return m.router.RouteRequest(shardID, documentID, clientID)
}

// RegisterClientLocation records clientID's location for RouteReplica's
// locality bias, keyed off the X-Client-Id request header.
func (m *Manager) RegisterClientLocation(clientID, location string) {
	if clientID == "" || location == "" {
		return
	}
	m.router.RegisterClient(clientID, location)
}

// ResolveAddr maps a route key produced by RouteReplica (or a plain shard
// id) to a node URL, for use as an rpc.ShardClients resolver. A route key
// of the form "shardID@nodeID" is honored directly; a plain shard id falls
// back to that shard's primary node.
func (m *Manager) ResolveAddr(routeKey string) (string, bool) {
	shardID, nodeID, hasNode := strings.Cut(routeKey, "@")

	m.mu.Lock()
	s, ok := m.shards[shardID]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	if !hasNode {
		nodeID = s.PrimaryNodeID
	}
	n, ok := m.nodes[nodeID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return n.URL, true
}

// pickAssignmentTargetLocked chooses the online node with the fewest
// shards, ties broken by insertion order. Caller holds m.mu.
func (m *Manager) pickAssignmentTargetLocked() (string, error) {
	var candidates []*Node
	for _, n := range m.nodes {
		if m.isOnlineLocked(n) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", errors.ErrNoShardsAvailable
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })

	best := candidates[0]
	bestCount := m.shardCountLocked(best.ID)
	for _, n := range candidates[1:] {
		c := m.shardCountLocked(n.ID)
		if c < bestCount {
			best, bestCount = n, c
		}
	}
	return best.ID, nil
}

// GetShard returns a shard by id.
func (m *Manager) GetShard(shardID string) (*Shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[shardID]
	if !ok {
		return nil, errors.ErrShardNotFound
	}
	return s, nil
}

// ListShards returns every managed shard, ordered by id.
func (m *Manager) ListShards() []*Shard {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateShard overwrites a shard's primary node and/or status.
func (m *Manager) UpdateShard(ctx context.Context, shardID string, primaryNodeID *string, status *ShardStatus) (*Shard, error) {
	m.mu.Lock()
	s, ok := m.shards[shardID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.ErrShardNotFound
	}
	if primaryNodeID != nil {
		if _, ok := m.nodes[*primaryNodeID]; !ok {
			m.mu.Unlock()
			return nil, errors.ErrNodeNotFound
		}
		s.PrimaryNodeID = *primaryNodeID
	}
	if status != nil {
		s.Status = *status
	}
	s.UpdatedAt = time.Now()
	m.reconcileRoutingLocked()
	m.mu.Unlock()

	if err := m.saveShard(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// LookupShard derives the shard owning (collection, documentId) by walking
// the consistent-hash ring keyed over the shard ids currently known to the
// manager; this gives a single source of truth for "which shard" that the
// HTTP /lookup endpoint exposes directly, and keeps remap small when shards
// are created or migrated away rather than reshuffling most keys the way a
// plain hash-mod-count would.
func (m *Manager) LookupShard(collection, documentID string) (*Shard, error) {
	m.mu.Lock()
	if len(m.shards) == 0 {
		m.mu.Unlock()
		return nil, errors.ErrNoShardsAvailable
	}
	shardID, err := m.ring.Get(collection + ":" + documentID)
	m.mu.Unlock()
	if err != nil {
		return nil, errors.ErrNoShardsAvailable
	}
	return m.GetShard(shardID)
}

// Rebalance computes an ideal shard-per-node count among online nodes,
// pairs overloaded nodes with underloaded ones, and issues migration
// tasks that move each picked shard through MIGRATING before flipping its
// primaryNodeId, per the node register/deregister trigger.
func (m *Manager) Rebalance(ctx context.Context) []MigrationTask {
	m.mu.Lock()
	var online []*Node
	for _, n := range m.nodes {
		if m.isOnlineLocked(n) {
			online = append(online, n)
		}
	}
	if len(online) == 0 {
		m.mu.Unlock()
		return nil
	}
	sort.Slice(online, func(i, j int) bool { return online[i].seq < online[j].seq })

	total := len(m.shards)
	ideal := total / len(online)
	remainder := total % len(online)

	counts := make(map[string]int, len(online))
	for _, n := range online {
		counts[n.ID] = m.shardCountLocked(n.ID)
	}

	buckets := make([]nodeBucket, len(online))
	for i, n := range online {
		max := ideal
		if i < remainder {
			max++
		}
		buckets[i] = nodeBucket{nodeID: n.ID, count: counts[n.ID], max: max}
	}

	var tasks []MigrationTask
	for bi := range buckets {
		for buckets[bi].count > buckets[bi].max {
			target := leastLoadedIndex(buckets)
			if target == bi || buckets[target].count >= buckets[target].max {
				break
			}
			shard := m.pickShardOnNodeLocked(buckets[bi].nodeID)
			if shard == nil {
				break
			}
			shard.Status = ShardMigrating
			shard.UpdatedAt = time.Now()
			_ = m.saveShard(ctx, shard)

			from := buckets[bi].nodeID
			to := buckets[target].nodeID
			shard.PrimaryNodeID = to
			shard.Status = ShardActive
			shard.UpdatedAt = time.Now()
			_ = m.saveShard(ctx, shard)

			buckets[bi].count--
			buckets[target].count++
			tasks = append(tasks, MigrationTask{ShardID: shard.ID, FromNode: from, ToNode: to, IssuedAt: time.Now()})
		}
	}
	if len(tasks) > 0 {
		m.reconcileRoutingLocked()
	}
	m.mu.Unlock()

	if len(tasks) > 0 {
		m.logger.Info("rebalance issued migrations", "count", len(tasks))
	}
	return tasks
}

// nodeBucket tracks one online node's current and target shard count
// during a single Rebalance pass.
type nodeBucket struct {
	nodeID string
	count  int
	max    int
}

func leastLoadedIndex(buckets []nodeBucket) int {
	best := 0
	for i := 1; i < len(buckets); i++ {
		if buckets[i].count < buckets[best].count {
			best = i
		}
	}
	return best
}

// pickShardOnNodeLocked returns an arbitrary ACTIVE shard currently
// primaried on nodeID, or nil if none. Caller holds m.mu.
func (m *Manager) pickShardOnNodeLocked(nodeID string) *Shard {
	var ids []string
	for id, s := range m.shards {
		if s.PrimaryNodeID == nodeID && s.Status == ShardActive {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return m.shards[ids[0]]
}
