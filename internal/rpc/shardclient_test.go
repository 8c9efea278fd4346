package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriondb/oriondb/internal/query"
	"github.com/oriondb/oriondb/internal/shardstore"
	"github.com/oriondb/oriondb/internal/shardstore/kv"
	"github.com/oriondb/oriondb/internal/txn"
	"github.com/oriondb/oriondb/pkg/grpc"
)

var testPort int64 = 21700

func nextAddr() string {
	port := atomic.AddInt64(&testPort, 1)
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// startTestShard spins up a real pkg/grpc.Server serving a fresh
// shardstore.Store and returns its address plus a func to stop it.
func startTestShard(t *testing.T) (addr string, store *shardstore.Store, stop func()) {
	t.Helper()
	store = shardstore.New(kv.NewMemory())
	srv := grpc.NewServer()
	RegisterShardStore(srv, store)

	addr = nextAddr()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(addr) }()

	waitForDial(t, addr)

	return addr, store, func() { srv.Stop() }
}

func waitForDial(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cl, err := grpc.Dial(addr)
		if err == nil {
			cl.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server at %s never became reachable", addr)
}

func TestShardClientsPutGetDelete(t *testing.T) {
	addr, _, stop := startTestShard(t)
	defer stop()

	shardID := "shard-1"
	clients := NewShardClients(func(id string) (string, bool) {
		if id == shardID {
			return addr, true
		}
		return "", false
	})
	defer clients.Close()
	ctx := context.Background()

	doc, created, err := clients.Put(ctx, shardID, "users", "u1", map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !created {
		t.Fatalf("expected first Put to report created=true")
	}
	if doc.ID != "u1" || doc.Collection != "users" {
		t.Fatalf("unexpected document: %+v", doc)
	}

	got, found, err := clients.Get(ctx, shardID, "users", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || got.Payload["name"] != "ada" {
		t.Fatalf("unexpected Get result: found=%v doc=%+v", found, got)
	}

	deleted, err := clients.Delete(ctx, shardID, "users", "u1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatalf("expected Delete to report deleted=true")
	}

	_, found, err = clients.Get(ctx, shardID, "users", "u1")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if found {
		t.Fatalf("expected document to be gone after Delete")
	}
}

func TestShardClientsGetMissingReturnsNotFound(t *testing.T) {
	addr, _, stop := startTestShard(t)
	defer stop()

	clients := NewShardClients(func(string) (string, bool) { return addr, true })
	defer clients.Close()

	_, found, err := clients.Get(context.Background(), "shard-1", "users", "ghost")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected found=false for missing document")
	}
}

func TestShardClientsFetchShardAppliesFiltersAndSort(t *testing.T) {
	addr, store, stop := startTestShard(t)
	defer stop()
	ctx := context.Background()

	for i, age := range []int{30, 25, 40} {
		id := fmt.Sprintf("u%d", i)
		if _, _, err := store.Put(ctx, "users", id, map[string]any{"age": age}); err != nil {
			t.Fatalf("seed Put: %v", err)
		}
	}

	clients := NewShardClients(func(string) (string, bool) { return addr, true })
	defer clients.Close()

	target := query.ShardTarget{
		ShardID:    "shard-1",
		Collection: "users",
		Filters:    []query.Condition{{Field: "age", Op: ">", Value: float64(25)}},
		Options:    query.Options{Limit: query.NoLimit, Sort: []query.SortSpec{{Field: "age", Direction: "asc"}}},
	}
	fetch, err := clients.FetchShard(ctx, target)
	if err != nil {
		t.Fatalf("FetchShard: %v", err)
	}
	if len(fetch.Results) != 2 {
		t.Fatalf("expected 2 documents matching age > 25, got %d", len(fetch.Results))
	}
	if fetch.Results[0].Payload["age"] != float64(30) {
		t.Fatalf("expected ascending sort by age, got first=%v", fetch.Results[0].Payload["age"])
	}
}

func TestShardClientsPrepareCommitAbort(t *testing.T) {
	addr, _, stop := startTestShard(t)
	defer stop()
	ctx := context.Background()

	shardID := "shard-1"
	clients := NewShardClients(func(string) (string, bool) { return addr, true })
	defer clients.Close()

	txID := "tx-1"
	ops := []txn.Op{{Op: "PUT", Collection: "users", ID: "u1", Payload: map[string]any{"name": "grace"}}}

	ok, err := clients.Prepare(ctx, shardID, txID, ops, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !ok {
		t.Fatalf("expected Prepare to vote yes")
	}

	if err := clients.Commit(ctx, shardID, txID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	doc, found, err := clients.Get(ctx, shardID, "users", "u1")
	if err != nil || !found {
		t.Fatalf("expected committed document to be visible, found=%v err=%v", found, err)
	}
	if doc.Payload["name"] != "grace" {
		t.Fatalf("unexpected committed payload: %+v", doc.Payload)
	}

	// A second transaction that gets aborted must not apply its write.
	txID2 := "tx-2"
	ops2 := []txn.Op{{Op: "PUT", Collection: "users", ID: "u2", Payload: map[string]any{"name": "ada"}}}
	if _, err := clients.Prepare(ctx, shardID, txID2, ops2, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := clients.Abort(ctx, shardID, txID2); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	_, found, err = clients.Get(ctx, shardID, "users", "u2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected aborted write to never apply")
	}
}

func TestShardClientsUnresolvedShardFails(t *testing.T) {
	clients := NewShardClients(func(string) (string, bool) { return "", false })
	defer clients.Close()

	_, _, err := clients.Get(context.Background(), "missing-shard", "users", "u1")
	if err == nil {
		t.Fatalf("expected an error when the shard cannot be resolved to an address")
	}
}
