// Package apihttp implements the coordinator's HTTP surface: document
// CRUD, scatter-gather queries, two-phase-commit transaction lifecycle,
// and shard/node administration, using a writeJSON/writeError envelope and
// route-per-method shape that drives this store's own domain packages
// directly rather than proxying to separate services.
package apihttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/oriondb/oriondb/internal/analytics"
	"github.com/oriondb/oriondb/internal/document"
	"github.com/oriondb/oriondb/internal/query"
	"github.com/oriondb/oriondb/internal/rpc"
	"github.com/oriondb/oriondb/internal/shardmgr"
	"github.com/oriondb/oriondb/internal/txn"
	"github.com/oriondb/oriondb/pkg/errors"
	"github.com/oriondb/oriondb/pkg/logger"
)

// Limits mirrors the request-shape ceilings from config.
type Limits struct {
	MaxDocBytes   int
	MaxQueryLimit int
	MaxBatch      int
	MaxPlanCost   float64
}

// Handler implements the coordinator's document, query, transaction, and
// shard/node administration endpoints.
type Handler struct {
	shards    *shardmgr.Manager
	clients   *rpc.ShardClients
	coord     *txn.Coordinator
	executor  *query.Executor
	cache     *query.Cache          // nil disables result caching
	analytics *analytics.Collector  // nil disables event publishing
	limits    Limits
	version   string
	logger    *slog.Logger
}

// New creates a Handler over the coordinator's domain dependencies. cache
// and events may be nil.
func New(shards *shardmgr.Manager, clients *rpc.ShardClients, coord *txn.Coordinator, executor *query.Executor, cache *query.Cache, events *analytics.Collector, limits Limits, version string) *Handler {
	return &Handler{
		shards:    shards,
		clients:   clients,
		coord:     coord,
		executor:  executor,
		cache:     cache,
		analytics: events,
		limits:    limits,
		version:   version,
		logger:    slog.Default().With("component", "api-handler"),
	}
}

// routeKey resolves shard's replica set down to a single rpc.ShardClients
// route key, biased toward the caller's declared location when the X-Client-Id
// header is set. It always degrades to shard.ID on any routing error, so a
// client that never identifies itself (or a shard manager with no routing
// table yet) falls straight back to the shard's primary node.
func (h *Handler) routeKey(r *http.Request, shard *shardmgr.Shard, documentID string) string {
	clientID := r.Header.Get("X-Client-Id")
	if clientID != "" {
		h.shards.RegisterClientLocation(clientID, r.Header.Get("X-Client-Region"))
	}
	key, err := h.shards.RouteReplica(shard.ID, documentID, clientID)
	if err != nil {
		return shard.ID
	}
	return key
}

// track enqueues an analytics event if event publishing is enabled.
func (h *Handler) track(event interface{}) {
	if h.analytics != nil {
		h.analytics.Track(event)
	}
}

// ---------- Health ----------

// Health reports liveness plus the set of features this binary enables.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     h.version,
		"environment": "production",
		"features":    []string{"documents", "queries", "transactions", "shard-management"},
	})
}

// ---------- Document CRUD ----------

// GetDocument handles GET /api/data/{collection}/{id}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	collection, id := r.PathValue("collection"), r.PathValue("id")
	if err := validateCollectionID(collection, id); err != nil {
		writeError(w, err)
		return
	}

	shard, err := h.shards.LookupShard(collection, id)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, found, err := h.clients.Get(r.Context(), h.routeKey(r, shard, id), collection, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, errors.New(errors.ErrDocumentNotFound, http.StatusNotFound, "document not found"))
		return
	}
	writeJSON(w, http.StatusOK, doc.ToJSON())
}

// PutDocument handles PUT /api/data/{collection}/{id}.
func (h *Handler) PutDocument(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	collection, id := r.PathValue("collection"), r.PathValue("id")
	if err := validateCollectionID(collection, id); err != nil {
		writeError(w, err)
		return
	}

	body, ok := readLimited(w, r, h.limits.MaxDocBytes)
	if !ok {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, errors.Newf(errors.ErrInvalidDocument, 400, "body must be a JSON object: %v", err))
		return
	}
	if err := document.RejectReserved(payload); err != nil {
		writeError(w, err)
		return
	}

	shard, err := h.shards.LookupShard(collection, id)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, created, err := h.clients.Put(r.Context(), h.routeKey(r, shard, id), collection, id, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.cache != nil {
		if err := h.cache.Invalidate(r.Context(), collection); err != nil {
			h.logger.Warn("cache invalidate failed after put", "collection", collection, "error", err)
		}
	}
	h.track(analytics.WriteEvent{
		Type:       analytics.EventWrite,
		Operation:  "PUT",
		Collection: collection,
		ShardID:    shard.ID,
		SizeBytes:  len(body),
		LatencyMs:  time.Since(start).Milliseconds(),
		Timestamp:  start,
		RequestID:  logger.RequestIDFromContext(r.Context()),
	})
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, doc.ToJSON())
}

// DeleteDocument handles DELETE /api/data/{collection}/{id}.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	collection, id := r.PathValue("collection"), r.PathValue("id")
	if err := validateCollectionID(collection, id); err != nil {
		writeError(w, err)
		return
	}

	shard, err := h.shards.LookupShard(collection, id)
	if err != nil {
		writeError(w, err)
		return
	}
	deleted, err := h.clients.Delete(r.Context(), h.routeKey(r, shard, id), collection, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, errors.New(errors.ErrDocumentNotFound, http.StatusNotFound, "document not found"))
		return
	}
	if h.cache != nil {
		if err := h.cache.Invalidate(r.Context(), collection); err != nil {
			h.logger.Warn("cache invalidate failed after delete", "collection", collection, "error", err)
		}
	}
	h.track(analytics.WriteEvent{
		Type:       analytics.EventWrite,
		Operation:  "DELETE",
		Collection: collection,
		ShardID:    shard.ID,
		LatencyMs:  time.Since(start).Milliseconds(),
		Timestamp:  start,
		RequestID:  logger.RequestIDFromContext(r.Context()),
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id, "collection": collection})
}

// ---------- Query ----------

type queryRequest struct {
	Filters      []query.RawFilter         `json:"filters"`
	Options      query.RawOptions          `json:"options"`
	Projection   []string                  `json:"projection"`
	Aggregations []query.AggregationSpec   `json:"aggregations"`
}

// RunQuery handles POST /api/data/{collection}.
func (h *Handler) RunQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	collection := r.PathValue("collection")

	var req queryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.Newf(errors.ErrInvalidQuery, 400, "invalid query body: %v", err))
			return
		}
	}
	if req.Options.Limit == nil {
		defaultLimit := h.limits.MaxQueryLimit
		req.Options.Limit = &defaultLimit
	} else if *req.Options.Limit > h.limits.MaxQueryLimit {
		clamped := h.limits.MaxQueryLimit
		req.Options.Limit = &clamped
	}

	parsed, err := query.Parse(collection, req.Filters, req.Projection, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}

	shardCount := len(h.shardIDsForCollection(collection))
	result, cached, err := h.executeQuery(r.Context(), parsed, req.Aggregations)
	if err != nil {
		writeError(w, err)
		return
	}
	h.track(analytics.QueryEvent{
		Type:        analytics.EventQuery,
		Collection:  collection,
		FilterCount: len(req.Filters),
		TotalHits:   result.Total,
		Returned:    len(result.Documents),
		LatencyMs:   time.Since(start).Milliseconds(),
		CacheHit:    cached,
		ShardCount:  shardCount,
		Timestamp:   start,
		RequestID:   logger.RequestIDFromContext(r.Context()),
	})

	resp := map[string]any{
		"results": result.Documents,
		"metadata": map[string]any{
			"total":  result.Total,
			"limit":  parsed.Options.Limit,
			"offset": parsed.Options.Offset,
			"cached": cached,
		},
	}
	if len(result.Aggregations) > 0 {
		resp["aggregations"] = result.Aggregations
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) executeQuery(ctx context.Context, parsed query.ParsedQuery, aggSpecs []query.AggregationSpec) (query.Result, bool, error) {
	compute := func() (query.Result, error) {
		shardIDs := h.shardIDsForCollection(parsed.Collection)
		if len(shardIDs) == 0 {
			return query.Result{}, nil
		}
		plan, err := query.BuildPlan(parsed, shardIDs, h.limits.MaxPlanCost)
		if err != nil {
			return query.Result{}, err
		}
		fetches, err := h.executor.Execute(ctx, plan, h.clients.FetchShard)
		if err != nil {
			return query.Result{}, err
		}
		docs, total := query.Merge(fetches, parsed.Options, parsed.Projection)
		aggs := query.Aggregate(docs, aggSpecs)
		return query.Result{Documents: docs, Total: total, Aggregations: aggs}, nil
	}

	if h.cache == nil {
		result, err := compute()
		return result, false, err
	}
	result, hit, err := h.cache.GetOrCompute(ctx, parsed, compute)
	return result, hit, err
}

func (h *Handler) shardIDsForCollection(collection string) []string {
	shards := h.shards.ListShards()
	ids := make([]string, len(shards))
	for i, s := range shards {
		ids[i] = s.ID
	}
	return ids
}

// ---------- Shard lookup ----------

// LookupShard handles GET /lookup/{collection}/{id}.
func (h *Handler) LookupShard(w http.ResponseWriter, r *http.Request) {
	collection, id := r.PathValue("collection"), r.PathValue("id")
	shard, err := h.shards.LookupShard(collection, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shard)
}

// ---------- Shard administration ----------

// ListShards handles GET /shards.
func (h *Handler) ListShards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"shards": h.shards.ListShards()})
}

// GetShard handles GET /shards/{id}.
func (h *Handler) GetShard(w http.ResponseWriter, r *http.Request) {
	shard, err := h.shards.GetShard(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shard)
}

type createShardRequest struct {
	PrimaryNodeID string `json:"primaryNodeId"`
}

// CreateShard handles POST /shards.
func (h *Handler) CreateShard(w http.ResponseWriter, r *http.Request) {
	var req createShardRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.Newf(errors.ErrInvalidInput, 400, "invalid body: %v", err))
			return
		}
	}
	shard, err := h.shards.CreateShard(r.Context(), req.PrimaryNodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, shard)
}

type updateShardRequest struct {
	PrimaryNodeID *string               `json:"primaryNodeId"`
	Status        *shardmgr.ShardStatus `json:"status"`
}

// UpdateShard handles PUT /shards/{id}.
func (h *Handler) UpdateShard(w http.ResponseWriter, r *http.Request) {
	var req updateShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Newf(errors.ErrInvalidInput, 400, "invalid body: %v", err))
		return
	}
	shard, err := h.shards.UpdateShard(r.Context(), r.PathValue("id"), req.PrimaryNodeID, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shard)
}

// ---------- Node administration ----------

// ListNodes handles GET /nodes.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": h.shards.ListNodes()})
}

// GetNode handles GET /nodes/{id}.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.shards.GetNode(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type registerNodeRequest struct {
	URL      string `json:"url"`
	Region   string `json:"region"`
	Capacity int    `json:"capacity"`
}

// RegisterNode handles POST /nodes.
func (h *Handler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Newf(errors.ErrInvalidInput, 400, "invalid body: %v", err))
		return
	}
	node, err := h.shards.RegisterNode(r.Context(), req.URL, req.Region, req.Capacity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

type heartbeatRequest struct {
	Status  *shardmgr.NodeStatus  `json:"status"`
	Metrics *shardmgr.NodeMetrics `json:"metrics"`
}

// Heartbeat handles POST /nodes/{id}/heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.Newf(errors.ErrInvalidInput, 400, "invalid body: %v", err))
			return
		}
	}
	if err := h.shards.Heartbeat(r.Context(), r.PathValue("id"), req.Status, req.Metrics); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

// ---------- Transactions ----------

type beginTransactionRequest struct {
	Operations []txn.Op `json:"operations"`
	TimeoutMs  int64    `json:"timeoutMs"`
}

// BeginTransaction handles POST /transactions.
func (h *Handler) BeginTransaction(w http.ResponseWriter, r *http.Request) {
	var req beginTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Newf(errors.ErrInvalidInput, 400, "invalid body: %v", err))
		return
	}
	if len(req.Operations) > h.limits.MaxBatch {
		writeError(w, errors.Newf(errors.ErrInvalidInput, 400, "transaction exceeds maximum batch of %d operations", h.limits.MaxBatch))
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	tx, err := h.coord.Begin(r.Context(), req.Operations, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, transactionEnvelope(tx))
}

// PrepareTransaction handles POST /transactions/{id}/prepare.
func (h *Handler) PrepareTransaction(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("id")
	if err := h.coord.Prepare(r.Context(), txID); err != nil {
		writeError(w, err)
		return
	}
	h.writeTransaction(w, txID)
}

// CommitTransaction handles POST /transactions/{id}/commit.
func (h *Handler) CommitTransaction(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("id")
	if err := h.coord.Commit(r.Context(), txID); err != nil {
		writeError(w, err)
		return
	}
	h.trackTransaction(txID, "COMMITTED")
	h.writeTransaction(w, txID)
}

// AbortTransaction handles POST /transactions/{id}/abort.
func (h *Handler) AbortTransaction(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("id")
	if err := h.coord.Abort(r.Context(), txID); err != nil {
		writeError(w, err)
		return
	}
	h.trackTransaction(txID, "ABORTED")
	h.writeTransaction(w, txID)
}

// trackTransaction emits a TransactionEvent for a transaction that has
// just reached a terminal state. Latency is measured from Begin to the
// terminal timestamp recorded on the transaction, since Begin and the
// commit/abort call are typically separate requests.
func (h *Handler) trackTransaction(txID, status string) {
	tx, err := h.coord.Get(txID)
	if err != nil {
		return
	}
	terminalAt := tx.CommittedAt
	if terminalAt == nil {
		terminalAt = tx.AbortedAt
	}
	var latency time.Duration
	if terminalAt != nil {
		latency = terminalAt.Sub(tx.StartedAt)
	}
	h.track(analytics.TransactionEvent{
		Type:             analytics.EventTransaction,
		TxID:             tx.TxID,
		Status:           status,
		OperationCount:   len(tx.Operations),
		ParticipantCount: len(tx.Participants),
		LatencyMs:        latency.Milliseconds(),
		Timestamp:        time.Now(),
	})
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	h.writeTransaction(w, r.PathValue("id"))
}

// ParticipantStatus handles GET /transactions/{id}/(prepared|committed|aborted),
// reporting whether the named shard (via ?shard=) has reached that phase.
// The coordinator drives 2PC over RPC rather than waiting on inbound
// participant callbacks, so this surface is a read-only introspection view
// onto the same Prepared/Committed/Aborted bookkeeping dispatchPrepare and
// commitRound maintain, not a write path shards call into.
func (h *Handler) ParticipantStatus(phase string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := h.coord.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		shardID := r.URL.Query().Get("shard")
		var reached map[string]bool
		switch phase {
		case "prepared":
			reached = tx.Prepared
		case "committed":
			reached = tx.Committed
		case "aborted":
			reached = tx.Aborted
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"transactionId": tx.TxID,
			"shardId":       shardID,
			"reached":       reached[shardID],
		})
	}
}

func (h *Handler) writeTransaction(w http.ResponseWriter, txID string) {
	tx, err := h.coord.Get(txID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionEnvelope(tx))
}

func transactionEnvelope(tx *txn.Transaction) map[string]any {
	return map[string]any{
		"transactionId": tx.TxID,
		"status":        tx.Status,
		"participants":  tx.Participants,
		"expiresAt":     tx.ExpiresAt,
	}
}

// ---------- helpers ----------

func validateCollectionID(collection, id string) error {
	if !document.ValidateCollection(collection) {
		return errors.Newf(errors.ErrInvalidInput, 400, "invalid collection name %q", collection)
	}
	if !document.ValidateID(id) {
		return errors.Newf(errors.ErrInvalidInput, 400, "invalid document id %q", id)
	}
	return nil
}
