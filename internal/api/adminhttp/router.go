package adminhttp

import (
	"net/http"
	"time"

	"github.com/oriondb/oriondb/pkg/health"
	"github.com/oriondb/oriondb/pkg/metrics"
	pkgmw "github.com/oriondb/oriondb/pkg/middleware"
)

// NewRouter builds the shard manager's HTTP handler: the node/shard
// registry route table plus the same RequestID/Metrics/Timeout ambient
// chain the coordinator's router carries, minus the client-facing auth,
// rate limit, and CORS layers this internal control-plane surface doesn't
// need.
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, requestTimeout time.Duration) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /lookup/{collection}/{id}", h.LookupShard)
	mux.HandleFunc("GET /shards", h.ListShards)
	mux.HandleFunc("POST /shards", h.CreateShard)
	mux.HandleFunc("GET /shards/{id}", h.GetShard)
	mux.HandleFunc("PUT /shards/{id}", h.UpdateShard)
	mux.HandleFunc("GET /nodes", h.ListNodes)
	mux.HandleFunc("POST /nodes", h.RegisterNode)
	mux.HandleFunc("GET /nodes/{id}", h.GetNode)
	mux.HandleFunc("POST /nodes/{id}/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /rebalance", h.Rebalance)

	var chain http.Handler = mux
	chain = pkgmw.Timeout(requestTimeout)(chain)
	chain = pkgmw.Metrics(m)(chain)
	chain = pkgmw.RequestID(chain)
	return chain
}
