// Package rpc wires shardstore.Store and internal/txn's participant
// contract onto pkg/grpc's JSON-over-TCP transport, and provides client
// adapters the coordinator side uses to reach a shard over the wire.
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oriondb/oriondb/internal/document"
	"github.com/oriondb/oriondb/internal/shardstore"
	"github.com/oriondb/oriondb/pkg/errors"
	"github.com/oriondb/oriondb/pkg/grpc"
	"github.com/oriondb/oriondb/pkg/proto"
)

// RegisterShardStore registers the ShardStore.* RPC methods against store
// on srv, the concrete transport for §4.4's GET/PUT/DELETE/QUERY and the
// §4.4 participant surface (PREPARE/COMMIT/ABORT).
func RegisterShardStore(srv *grpc.Server, store *shardstore.Store) {
	srv.Register("ShardStore.Get", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.GetRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		doc, err := store.Get(ctx, req.Collection, req.ID)
		if err != nil {
			if err == errors.ErrDocumentNotFound {
				return &proto.GetResponse{Found: false}, nil
			}
			return nil, err
		}
		return &proto.GetResponse{Found: true, Document: toWireDoc(doc)}, nil
	})

	srv.Register("ShardStore.Put", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.PutRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		doc, created, err := store.Put(ctx, req.Collection, req.ID, req.Fields)
		if err != nil {
			return nil, err
		}
		return &proto.PutResponse{Document: toWireDoc(doc), Created: created}, nil
	})

	srv.Register("ShardStore.Delete", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.DeleteRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if err := store.Delete(ctx, req.Collection, req.ID); err != nil {
			if err == errors.ErrDocumentNotFound {
				return &proto.DeleteResponse{Deleted: false}, nil
			}
			return nil, err
		}
		return &proto.DeleteResponse{Deleted: true}, nil
	})

	srv.Register("ShardStore.Query", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.QueryRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		filters := make([]shardstore.Filter, len(req.Filters))
		for i, f := range req.Filters {
			filters[i] = shardstore.Filter{Field: f.Field, Op: f.Op, Value: f.Value}
		}
		sort := make([]shardstore.SortKey, 0, len(req.Sort))
		for _, s := range req.Sort {
			sort = append(sort, shardstore.SortKey{Field: s.Field, Descending: s.Descending})
		}
		result, err := store.Query(ctx, req.Collection, filters, shardstore.QueryOptions{
			Sort:   sort,
			Limit:  int(req.Limit),
			Offset: int(req.Offset),
		})
		if err != nil {
			return nil, err
		}
		docs := make([]proto.Document, len(result.Documents))
		for i, d := range result.Documents {
			docs[i] = toWireDoc(d)
		}
		return &proto.QueryResponse{Documents: docs, TotalCount: int32(result.Total)}, nil
	})

	srv.Register("ShardStore.Prepare", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.PrepareBatchRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		ops := make([]shardstore.TxOp, len(req.Ops))
		for i, op := range req.Ops {
			ops[i] = shardstore.TxOp{Op: op.Op, Collection: op.Collection, ID: op.ID, Payload: op.Fields}
		}
		ok, err := store.Prepare(ctx, req.TxID, ops, time.UnixMilli(req.ExpiresAtMs))
		if err != nil {
			return &proto.PrepareResponse{Vote: "NO", Reason: err.Error()}, nil
		}
		if !ok {
			return &proto.PrepareResponse{Vote: "NO", Reason: "lock conflict"}, nil
		}
		return &proto.PrepareResponse{Vote: "YES"}, nil
	})

	srv.Register("ShardStore.Commit", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.CommitRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if err := store.Commit(ctx, req.TxID); err != nil {
			return nil, err
		}
		return &proto.CommitResponse{Committed: true}, nil
	})

	srv.Register("ShardStore.Abort", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.AbortRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		if err := store.Abort(ctx, req.TxID); err != nil {
			return nil, err
		}
		return &proto.AbortResponse{Aborted: true}, nil
	})
}

func toWireDoc(d document.Document) proto.Document {
	return proto.Document{
		ID:         d.ID,
		Collection: d.Collection,
		Fields:     d.Payload,
		Version:    d.Version,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func fromWireDoc(d proto.Document) document.Document {
	return document.Document{
		ID:         d.ID,
		Collection: d.Collection,
		Payload:    d.Fields,
		Version:    d.Version,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}
