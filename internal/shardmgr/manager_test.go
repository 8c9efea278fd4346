package shardmgr

import (
	"context"
	"testing"

	"github.com/oriondb/oriondb/internal/shardstore/kv"
	"github.com/oriondb/oriondb/pkg/errors"
)

func newTestManager() *Manager {
	return New(kv.NewMemory())
}

func TestRegisterNodeAssignsSequentialIDs(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n1, err := m.RegisterNode(ctx, "http://node1", "us-east", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n2, _ := m.RegisterNode(ctx, "http://node2", "us-east", 10)
	if n1.ID == n2.ID {
		t.Fatalf("expected distinct ids, got %s twice", n1.ID)
	}
	if n1.Status != NodeOnline {
		t.Fatalf("status = %s, want online", n1.Status)
	}
}

func TestCreateShardAssignsFewestShardsNode(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n1, _ := m.RegisterNode(ctx, "http://node1", "us-east", 10)
	n2, _ := m.RegisterNode(ctx, "http://node2", "us-east", 10)

	s1, err := m.CreateShard(ctx, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1.PrimaryNodeID != n1.ID {
		t.Fatalf("first shard assigned to %s, want %s (insertion-order tiebreak)", s1.PrimaryNodeID, n1.ID)
	}

	s2, _ := m.CreateShard(ctx, "")
	if s2.PrimaryNodeID != n2.ID {
		t.Fatalf("second shard assigned to %s, want %s (fewest shards)", s2.PrimaryNodeID, n2.ID)
	}
}

func TestCreateShardExplicitPrimaryMustExist(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if _, err := m.CreateShard(ctx, "node-missing"); err != errors.ErrNodeNotFound {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
}

func TestCreateShardFailsWithNoOnlineNodes(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	if _, err := m.CreateShard(ctx, ""); err != errors.ErrNoShardsAvailable {
		t.Fatalf("err = %v, want ErrNoShardsAvailable", err)
	}
}

func TestHeartbeatUpdatesStatusAndMetrics(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n, _ := m.RegisterNode(ctx, "http://node1", "us-east", 10)

	offline := NodeOffline
	if err := m.Heartbeat(ctx, n.ID, &offline, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := m.GetNode(n.ID)
	if got.Status != NodeOffline {
		t.Fatalf("status = %s, want offline", got.Status)
	}

	metrics := &NodeMetrics{LatencyMs: 5, LoadFactor: 0.1, Availability: 0.99}
	online := NodeOnline
	if err := m.Heartbeat(ctx, n.ID, &online, metrics); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = m.GetNode(n.ID)
	if got.Metrics != *metrics {
		t.Fatalf("metrics = %+v, want %+v", got.Metrics, *metrics)
	}
}

func TestHeartbeatUnknownNodeFails(t *testing.T) {
	m := newTestManager()
	if err := m.Heartbeat(context.Background(), "nope", nil, nil); err != errors.ErrNodeNotFound {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
}

func TestRebalanceMovesShardsTowardIdealDistribution(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n1, _ := m.RegisterNode(ctx, "http://node1", "us-east", 10)

	var shardIDs []string
	for i := 0; i < 4; i++ {
		s, err := m.CreateShard(ctx, n1.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		shardIDs = append(shardIDs, s.ID)
	}

	n2, _ := m.RegisterNode(ctx, "http://node2", "us-east", 10)

	counts := map[string]int{}
	for _, id := range shardIDs {
		s, err := m.GetShard(id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[s.PrimaryNodeID]++
		if s.Status != ShardActive {
			t.Fatalf("shard %s left in status %s after rebalance", id, s.Status)
		}
	}
	if counts[n1.ID] != 2 || counts[n2.ID] != 2 {
		t.Fatalf("counts = %+v, want 2/2 split", counts)
	}
}

func TestLookupShardIsDeterministic(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n1, _ := m.RegisterNode(ctx, "http://node1", "us-east", 10)
	for i := 0; i < 3; i++ {
		if _, err := m.CreateShard(ctx, n1.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	s1, err := m.LookupShard("users", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, _ := m.LookupShard("users", "u1")
	if s1.ID != s2.ID {
		t.Fatalf("lookup not deterministic: %s vs %s", s1.ID, s2.ID)
	}
}

func TestLookupShardNoShardsFails(t *testing.T) {
	m := newTestManager()
	if _, err := m.LookupShard("users", "u1"); err != errors.ErrNoShardsAvailable {
		t.Fatalf("err = %v, want ErrNoShardsAvailable", err)
	}
}

func TestUpdateShardChangesPrimaryAndStatus(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n1, _ := m.RegisterNode(ctx, "http://node1", "us-east", 10)
	n2, _ := m.RegisterNode(ctx, "http://node2", "us-east", 10)
	s, _ := m.CreateShard(ctx, n1.ID)

	status := ShardMigrating
	updated, err := m.UpdateShard(ctx, s.ID, &n2.ID, &status)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.PrimaryNodeID != n2.ID || updated.Status != ShardMigrating {
		t.Fatalf("updated = %+v", updated)
	}
}

func TestCreateShardAssignsReplicaFromRemainingOnlineNodes(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n1, _ := m.RegisterNode(ctx, "http://node1", "us-east", 10)
	n2, _ := m.RegisterNode(ctx, "http://node2", "us-east", 10)

	s, err := m.CreateShard(ctx, n1.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.ReplicaNodeIDs) != 1 || s.ReplicaNodeIDs[0] != n2.ID {
		t.Fatalf("replicas = %+v, want [%s]", s.ReplicaNodeIDs, n2.ID)
	}
}

func TestCreateShardReplicaEmptyWithOnlyOneOnlineNode(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n1, _ := m.RegisterNode(ctx, "http://node1", "us-east", 10)

	s, err := m.CreateShard(ctx, n1.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.ReplicaNodeIDs) != 0 {
		t.Fatalf("replicas = %+v, want none", s.ReplicaNodeIDs)
	}
}

func TestRouteReplicaFallsBackToShardIDWithoutClient(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n1, _ := m.RegisterNode(ctx, "http://node1", "us-east", 10)
	s, _ := m.CreateShard(ctx, n1.ID)

	key, err := m.RouteReplica(s.ID, "doc1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != s.ID {
		t.Fatalf("route key = %s, want plain shard id %s", key, s.ID)
	}
}

func TestRouteReplicaPicksOptimalNodeForKnownClient(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n1, _ := m.RegisterNode(ctx, "http://node1", "us-east", 10)
	_, _ = m.RegisterNode(ctx, "http://node2", "us-west", 10)
	s, _ := m.CreateShard(ctx, n1.ID)

	m.RegisterClientLocation("client-1", "us-east")
	key, err := m.RouteReplica(s.ID, "doc1", "client-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantSuffix := "@" + n1.ID
	if key != s.ID+wantSuffix {
		t.Fatalf("route key = %s, want %s", key, s.ID+wantSuffix)
	}
}

func TestResolveAddrHonorsRouteKeyNode(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	n1, _ := m.RegisterNode(ctx, "http://node1", "us-east", 10)
	n2, _ := m.RegisterNode(ctx, "http://node2", "us-west", 10)
	s, _ := m.CreateShard(ctx, n1.ID)

	addr, ok := m.ResolveAddr(s.ID)
	if !ok || addr != n1.URL {
		t.Fatalf("ResolveAddr(%s) = %s, %v; want %s, true", s.ID, addr, ok, n1.URL)
	}

	addr, ok = m.ResolveAddr(s.ID + "@" + n2.ID)
	if !ok || addr != n2.URL {
		t.Fatalf("ResolveAddr(%s@%s) = %s, %v; want %s, true", s.ID, n2.ID, addr, ok, n2.URL)
	}
}

func TestResolveAddrUnknownShardFails(t *testing.T) {
	m := newTestManager()
	if _, ok := m.ResolveAddr("shard-missing"); ok {
		t.Fatalf("expected ResolveAddr to fail for an unknown shard")
	}
}

func TestLoadRestoresNodesAndShards(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()
	m1 := New(store)
	n1, _ := m1.RegisterNode(ctx, "http://node1", "us-east", 10)
	s1, _ := m1.CreateShard(ctx, n1.ID)

	m2 := New(store)
	if err := m2.Load(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m2.GetNode(n1.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m2.GetShard(s1.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
