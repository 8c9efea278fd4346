package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriondb/oriondb/internal/query"
	"github.com/oriondb/oriondb/internal/rpc"
	"github.com/oriondb/oriondb/internal/shardmgr"
	"github.com/oriondb/oriondb/internal/shardstore"
	"github.com/oriondb/oriondb/internal/shardstore/kv"
	"github.com/oriondb/oriondb/internal/txn"
	"github.com/oriondb/oriondb/pkg/grpc"
)

var handlerTestPort int64 = 23100

func nextHandlerAddr() string {
	port := atomic.AddInt64(&handlerTestPort, 1)
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// testEnv wires a single shard node behind a real pkg/grpc server to a
// Handler backed by in-memory shardmgr and txn state, mirroring the
// topology cmd/coordinator assembles at startup but collapsed to one
// process for the test.
type testEnv struct {
	handler *Handler
	shards  *shardmgr.Manager
	clients *rpc.ShardClients
	stopRPC func()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := shardstore.New(kv.NewMemory())
	srv := grpc.NewServer()
	rpc.RegisterShardStore(srv, store)
	addr := nextHandlerAddr()
	go func() { srv.Serve(addr) }()
	waitForHandlerDial(t, addr)

	mgr := shardmgr.New(kv.NewMemory())
	ctx := context.Background()
	node, err := mgr.RegisterNode(ctx, addr, "local", 10)
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if _, err := mgr.CreateShard(ctx, node.ID); err != nil {
		t.Fatalf("CreateShard: %v", err)
	}

	clients := rpc.NewShardClients(mgr.ResolveAddr)

	resolveParticipant := func(op txn.Op) string {
		shard, err := mgr.LookupShard(op.Collection, op.ID)
		if err != nil {
			return ""
		}
		return shard.ID
	}
	coord := txn.New(kv.NewMemory(), clients, resolveParticipant)
	executor := query.NewExecutor(query.ExecutorConfig{QueryTimeout: 5 * time.Second})

	h := New(mgr, clients, coord, executor, nil, nil, Limits{
		MaxDocBytes:   1 << 20,
		MaxQueryLimit: 100,
		MaxBatch:      50,
		MaxPlanCost:   1000,
	}, "test")

	return &testEnv{
		handler: h,
		shards:  mgr,
		clients: clients,
		stopRPC: func() { srv.Stop() },
	}
}

func waitForHandlerDial(t *testing.T, addr string) {
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

func (e *testEnv) close() {
	e.clients.Close()
	e.stopRPC()
}

// serveOne dispatches req through a single-route mux so {pattern}
// path values populate, mirroring what router.go's full mux does for the
// matching route.
func serveOne(pattern string, handlerFunc http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, handlerFunc)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandlerPutGetDeleteDocument(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	body, _ := json.Marshal(map[string]any{"name": "ada", "age": 36})
	putReq := httptest.NewRequest(http.MethodPut, "/api/data/users/u1", bytes.NewReader(body))
	rec := serveOne("PUT /api/data/{collection}/{id}", env.handler.PutDocument, putReq)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first put, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serveOne("PUT /api/data/{collection}/{id}", env.handler.PutDocument,
		httptest.NewRequest(http.MethodPut, "/api/data/users/u1", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d: %s", rec.Code, rec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/data/users/u1", nil)
	rec = serveOne("GET /api/data/{collection}/{id}", env.handler.GetDocument, getReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["name"] != "ada" {
		t.Fatalf("unexpected document body: %+v", got)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/data/users/u1", nil)
	rec = serveOne("DELETE /api/data/{collection}/{id}", env.handler.DeleteDocument, delReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serveOne("GET /api/data/{collection}/{id}", env.handler.GetDocument,
		httptest.NewRequest(http.MethodGet, "/api/data/users/u1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestHandlerGetDocumentMissing(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	rec := serveOne("GET /api/data/{collection}/{id}", env.handler.GetDocument,
		httptest.NewRequest(http.MethodGet, "/api/data/users/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var envelope map[string]map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope["error"]["code"] != "DOCUMENT_NOT_FOUND" {
		t.Fatalf("unexpected error code: %+v", envelope)
	}
}

func TestHandlerPutDocumentRejectsReservedField(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	body, _ := json.Marshal(map[string]any{"_version": 99})
	rec := serveOne("PUT /api/data/{collection}/{id}", env.handler.PutDocument,
		httptest.NewRequest(http.MethodPut, "/api/data/users/u1", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for reserved field, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerRunQueryFiltersAndSorts(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	for i, age := range []int{30, 25, 40, 50} {
		body, _ := json.Marshal(map[string]any{"age": age})
		id := fmt.Sprintf("u%d", i)
		rec := serveOne("PUT /api/data/{collection}/{id}", env.handler.PutDocument,
			httptest.NewRequest(http.MethodPut, "/api/data/users/"+id, bytes.NewReader(body)))
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed put %s: %d %s", id, rec.Code, rec.Body.String())
		}
	}

	queryBody, _ := json.Marshal(map[string]any{
		"filters": []map[string]any{{"Field": "age", "Op": ">", "Value": 25}},
		"options": map[string]any{"Sort": []map[string]string{{"Field": "age", "Direction": "asc"}}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/data/users", bytes.NewReader(queryBody))
	rec := serveOne("POST /api/data/{collection}", env.handler.RunQuery, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Results  []map[string]any `json:"results"`
		Metadata map[string]any   `json:"metadata"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 documents with age > 25, got %d: %+v", len(resp.Results), resp.Results)
	}
	if resp.Results[0]["age"].(float64) != 30 {
		t.Fatalf("expected ascending sort by age starting at 30, got %v", resp.Results[0]["age"])
	}
}

func TestHandlerRunQueryExplicitZeroLimitReturnsEmpty(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	for i, age := range []int{30, 25} {
		body, _ := json.Marshal(map[string]any{"age": age})
		id := fmt.Sprintf("u%d", i)
		rec := serveOne("PUT /api/data/{collection}/{id}", env.handler.PutDocument,
			httptest.NewRequest(http.MethodPut, "/api/data/users/"+id, bytes.NewReader(body)))
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed put %s: %d %s", id, rec.Code, rec.Body.String())
		}
	}

	queryBody, _ := json.Marshal(map[string]any{"options": map[string]any{"Limit": 0}})
	req := httptest.NewRequest(http.MethodPost, "/api/data/users", bytes.NewReader(queryBody))
	rec := serveOne("POST /api/data/{collection}", env.handler.RunQuery, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Results  []map[string]any `json:"results"`
		Metadata map[string]any   `json:"metadata"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("expected no results for limit:0, got %+v", resp.Results)
	}
	if resp.Metadata["total"].(float64) != 2 {
		t.Fatalf("expected total to still reflect filter count, got %v", resp.Metadata["total"])
	}
}

func TestHandlerLookupAndShardAdmin(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	rec := serveOne("GET /lookup/{collection}/{id}", env.handler.LookupShard,
		httptest.NewRequest(http.MethodGet, "/lookup/users/u1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	env.handler.ListShards(rec, httptest.NewRequest(http.MethodGet, "/shards", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var shardsResp struct {
		Shards []map[string]any `json:"shards"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &shardsResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(shardsResp.Shards) != 1 {
		t.Fatalf("expected 1 shard, got %d", len(shardsResp.Shards))
	}

	rec = httptest.NewRecorder()
	env.handler.ListNodes(rec, httptest.NewRequest(http.MethodGet, "/nodes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandlerTransactionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	beginBody, _ := json.Marshal(map[string]any{
		"operations": []map[string]any{
			{"op": "PUT", "collection": "users", "id": "u1", "payload": map[string]any{"name": "grace"}},
		},
		"timeoutMs": 5000,
	})
	rec := serveOne("POST /transactions", env.handler.BeginTransaction,
		httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewReader(beginBody)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var begun struct {
		TransactionID string `json:"transactionId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &begun); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if begun.TransactionID == "" {
		t.Fatalf("expected a transaction id")
	}

	rec = serveOne("POST /transactions/{id}/prepare", env.handler.PrepareTransaction,
		httptest.NewRequest(http.MethodPost, "/transactions/"+begun.TransactionID+"/prepare", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on prepare, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serveOne("POST /transactions/{id}/commit", env.handler.CommitTransaction,
		httptest.NewRequest(http.MethodPost, "/transactions/"+begun.TransactionID+"/commit", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on commit, got %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = serveOne("GET /transactions/{id}", env.handler.GetTransaction,
			httptest.NewRequest(http.MethodGet, "/transactions/"+begun.TransactionID, nil))
		var status struct {
			Status string `json:"status"`
		}
		json.Unmarshal(rec.Body.Bytes(), &status)
		if status.Status == "COMMITTED" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transaction never reached COMMITTED, last status %q", status.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = serveOne("GET /api/data/{collection}/{id}", env.handler.GetDocument,
		httptest.NewRequest(http.MethodGet, "/api/data/users/u1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected committed document to be visible, got %d", rec.Code)
	}
}

func TestHandlerHealth(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	rec := httptest.NewRecorder()
	env.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}
