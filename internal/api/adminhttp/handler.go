// Package adminhttp implements the Shard Manager's own HTTP surface: node
// registration, heartbeats, and shard assignment administration, in the
// same handler shape as internal/api/http but scoped to the shard registry
// alone, separate from the coordinator's client-facing routes.
package adminhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/oriondb/oriondb/internal/shardmgr"
	"github.com/oriondb/oriondb/pkg/errors"
)

// Handler serves the shard manager's node and shard registry over HTTP.
type Handler struct {
	shards  *shardmgr.Manager
	version string
	logger  *slog.Logger
}

// New creates a Handler over shards.
func New(shards *shardmgr.Manager, version string) *Handler {
	return &Handler{
		shards:  shards,
		version: version,
		logger:  slog.Default().With("component", "shardmanager-handler"),
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
	})
}

// LookupShard handles GET /lookup/{collection}/{id}.
func (h *Handler) LookupShard(w http.ResponseWriter, r *http.Request) {
	shard, err := h.shards.LookupShard(r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shard)
}

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
			writeError(w, errors.Newf(errors.ErrInvalidInput, http.StatusBadRequest, "invalid body: %v", err))
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
		writeError(w, errors.Newf(errors.ErrInvalidInput, http.StatusBadRequest, "invalid body: %v", err))
		return
	}
	shard, err := h.shards.UpdateShard(r.Context(), r.PathValue("id"), req.PrimaryNodeID, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shard)
}

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

// RegisterNode handles POST /nodes. A freshly registered node owns no
// shards until either an operator calls CreateShard against it or the
// next Rebalance pass assigns it one.
func (h *Handler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Newf(errors.ErrInvalidInput, http.StatusBadRequest, "invalid body: %v", err))
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

// Heartbeat handles POST /nodes/{id}/heartbeat, the concrete transport a
// shard node uses to report liveness and load.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.Newf(errors.ErrInvalidInput, http.StatusBadRequest, "invalid body: %v", err))
			return
		}
	}
	if err := h.shards.Heartbeat(r.Context(), r.PathValue("id"), req.Status, req.Metrics); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

// Rebalance handles POST /rebalance, an operator-triggered run of the
// assignment pass that otherwise only fires from the background ticker in
// cmd/shardmanager.
func (h *Handler) Rebalance(w http.ResponseWriter, r *http.Request) {
	tasks := h.shards.Rebalance(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"migrations": tasks})
}
