package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriondb/oriondb/internal/document"
	"github.com/oriondb/oriondb/internal/query"
	"github.com/oriondb/oriondb/internal/txn"
	"github.com/oriondb/oriondb/pkg/errors"
	"github.com/oriondb/oriondb/pkg/grpc"
	"github.com/oriondb/oriondb/pkg/proto"
)

// ShardClients is a lazily-dialed, shard-id-keyed pool of RPC clients.
// It satisfies txn.ParticipantClient directly and its FetchShard method
// satisfies query.FetchFunc once bound to a plan target, giving the
// coordinator and the query executor the same connection pool.
type ShardClients struct {
	resolve func(shardID string) (addr string, ok bool)

	mu      sync.Mutex
	clients map[string]*grpc.Client
}

// NewShardClients creates a pool over resolve, which maps a shard id to
// its RPC address (typically backed by internal/shardmgr's node registry).
func NewShardClients(resolve func(shardID string) (string, bool)) *ShardClients {
	return &ShardClients{resolve: resolve, clients: make(map[string]*grpc.Client)}
}

func (c *ShardClients) clientFor(shardID string) (*grpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[shardID]; ok {
		return cl, nil
	}
	addr, ok := c.resolve(shardID)
	if !ok {
		return nil, errors.Newf(errors.ErrShardUnavailable, 503, "no address known for shard %s", shardID)
	}
	cl, err := grpc.Dial(addr)
	if err != nil {
		return nil, errors.Newf(errors.ErrShardUnavailable, 503, "dialing shard %s at %s: %v", shardID, addr, err)
	}
	c.clients[shardID] = cl
	return cl, nil
}

// invalidate drops a cached connection so the next call redials, used when
// a call fails in a way that suggests a dead connection.
func (c *ShardClients) invalidate(shardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[shardID]; ok {
		cl.Close()
		delete(c.clients, shardID)
	}
}

// Close closes every dialed connection.
func (c *ShardClients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cl := range c.clients {
		cl.Close()
		delete(c.clients, id)
	}
}

// Get fetches one document from the given shard.
func (c *ShardClients) Get(ctx context.Context, shardID, collection, id string) (document.Document, bool, error) {
	cl, err := c.clientFor(shardID)
	if err != nil {
		return document.Document{}, false, err
	}
	var resp proto.GetResponse
	if err := cl.Call("ShardStore.Get", &proto.GetRequest{Collection: collection, ID: id}, &resp); err != nil {
		c.invalidate(shardID)
		return document.Document{}, false, fmt.Errorf("shard %s Get: %w", shardID, err)
	}
	if !resp.Found {
		return document.Document{}, false, nil
	}
	return fromWireDoc(resp.Document), true, nil
}

// Put writes one document on the given shard, reporting whether it was a
// fresh insert (for the caller to pick 201 vs 200).
func (c *ShardClients) Put(ctx context.Context, shardID, collection, id string, payload map[string]any) (document.Document, bool, error) {
	cl, err := c.clientFor(shardID)
	if err != nil {
		return document.Document{}, false, err
	}
	var resp proto.PutResponse
	if err := cl.Call("ShardStore.Put", &proto.PutRequest{Collection: collection, ID: id, Fields: payload}, &resp); err != nil {
		c.invalidate(shardID)
		return document.Document{}, false, fmt.Errorf("shard %s Put: %w", shardID, err)
	}
	return fromWireDoc(resp.Document), resp.Created, nil
}

// Delete removes one document on the given shard.
func (c *ShardClients) Delete(ctx context.Context, shardID, collection, id string) (bool, error) {
	cl, err := c.clientFor(shardID)
	if err != nil {
		return false, err
	}
	var resp proto.DeleteResponse
	if err := cl.Call("ShardStore.Delete", &proto.DeleteRequest{Collection: collection, ID: id}, &resp); err != nil {
		c.invalidate(shardID)
		return false, fmt.Errorf("shard %s Delete: %w", shardID, err)
	}
	return resp.Deleted, nil
}

// FetchShard implements query.FetchFunc, calling the per-shard Query RPC
// for a single plan target.
func (c *ShardClients) FetchShard(ctx context.Context, target query.ShardTarget) (query.ShardFetch, error) {
	cl, err := c.clientFor(target.ShardID)
	if err != nil {
		return query.ShardFetch{}, err
	}

	filters := make([]proto.FilterSpec, len(target.Filters))
	for i, f := range target.Filters {
		filters[i] = proto.FilterSpec{Field: f.Field, Op: f.Op, Value: f.Value}
	}
	sortFields := make([]proto.SortField, len(target.Options.Sort))
	for i, s := range target.Options.Sort {
		sortFields[i] = proto.SortField{Field: s.Field, Descending: s.Direction == "desc"}
	}

	var resp proto.QueryResponse
	req := &proto.QueryRequest{
		Collection: target.Collection,
		Filters:    filters,
		Sort:       sortFields,
		Limit:      int32(target.Options.Limit),
		Offset:     int32(target.Options.Offset),
	}
	if err := cl.Call("ShardStore.Query", req, &resp); err != nil {
		c.invalidate(target.ShardID)
		return query.ShardFetch{}, fmt.Errorf("shard %s Query: %w", target.ShardID, err)
	}

	docs := make([]document.Document, len(resp.Documents))
	for i, d := range resp.Documents {
		docs[i] = fromWireDoc(d)
	}
	return query.ShardFetch{ShardID: target.ShardID, Results: docs, Total: int(resp.TotalCount)}, nil
}

// Prepare implements txn.ParticipantClient.
func (c *ShardClients) Prepare(ctx context.Context, shardID, txID string, ops []txn.Op, expiresAt time.Time) (bool, error) {
	cl, err := c.clientFor(shardID)
	if err != nil {
		return false, err
	}
	wireOps := make([]proto.OpSpec, len(ops))
	for i, op := range ops {
		wireOps[i] = proto.OpSpec{Collection: op.Collection, ID: op.ID, Op: op.Op, Fields: op.Payload}
	}
	var resp proto.PrepareResponse
	req := &proto.PrepareBatchRequest{TxID: txID, Ops: wireOps, ExpiresAtMs: expiresAt.UnixMilli()}
	if err := cl.Call("ShardStore.Prepare", req, &resp); err != nil {
		c.invalidate(shardID)
		return false, fmt.Errorf("shard %s Prepare: %w", shardID, err)
	}
	return resp.Vote == "YES", nil
}

// Commit implements txn.ParticipantClient.
func (c *ShardClients) Commit(ctx context.Context, shardID, txID string) error {
	cl, err := c.clientFor(shardID)
	if err != nil {
		return err
	}
	var resp proto.CommitResponse
	if err := cl.Call("ShardStore.Commit", &proto.CommitRequest{TxID: txID}, &resp); err != nil {
		c.invalidate(shardID)
		return fmt.Errorf("shard %s Commit: %w", shardID, err)
	}
	return nil
}

// Abort implements txn.ParticipantClient.
func (c *ShardClients) Abort(ctx context.Context, shardID, txID string) error {
	cl, err := c.clientFor(shardID)
	if err != nil {
		return err
	}
	var resp proto.AbortResponse
	if err := cl.Call("ShardStore.Abort", &proto.AbortRequest{TxID: txID}, &resp); err != nil {
		c.invalidate(shardID)
		return fmt.Errorf("shard %s Abort: %w", shardID, err)
	}
	return nil
}
