package apihttp

import (
	"net/http"
	"time"

	"github.com/oriondb/oriondb/internal/analytics"
	"github.com/oriondb/oriondb/internal/auth/apikey"
	"github.com/oriondb/oriondb/internal/auth/ratelimit"
	"github.com/oriondb/oriondb/pkg/config"
	"github.com/oriondb/oriondb/pkg/health"
	"github.com/oriondb/oriondb/pkg/metrics"
	pkgmw "github.com/oriondb/oriondb/pkg/middleware"
)

// NewRouter builds the coordinator's full HTTP handler: the route table plus
// the middleware chain, including the Metrics and Timeout middleware wired
// at the server level and the health checker's liveness/readiness probes.
//
// Route table:
//
//	GET    /health                                    liveness envelope
//	GET    /health/live                                kubernetes liveness
//	GET    /health/ready                               kubernetes readiness
//	GET    /metrics                                    Prometheus scrape
//
//	GET    /api/data/{collection}/{id}                 get one document
//	PUT    /api/data/{collection}/{id}                 upsert one document
//	DELETE /api/data/{collection}/{id}                 delete one document
//	POST   /api/data/{collection}                      scatter-gather query
//
//	POST   /transactions                               begin
//	GET    /transactions/{id}                           status
//	POST   /transactions/{id}/prepare                   drive prepare phase
//	POST   /transactions/{id}/commit                    drive commit phase
//	POST   /transactions/{id}/abort                     drive abort
//	GET    /transactions/{id}/prepared                  participant status
//	GET    /transactions/{id}/committed                 participant status
//	GET    /transactions/{id}/aborted                   participant status
//
//	GET    /shards                                      list
//	POST   /shards                                       create
//	GET    /shards/{id}                                  get
//	PUT    /shards/{id}                                  update
//	GET    /nodes                                        list
//	POST   /nodes                                         register
//	GET    /nodes/{id}                                    get
//	POST   /nodes/{id}/heartbeat                          heartbeat
//	GET    /lookup/{collection}/{id}                      shard-for-key lookup
//
//	GET    /internal/analytics                            aggregated operational stats
//
// Middleware chain (outermost first):
//
//	RequestID → Tracing → CORS → Auth → RateLimit → Metrics → Timeout → mux
func NewRouter(h *Handler, checker *health.Checker, validator *apikey.Validator, limiter *ratelimit.Limiter, m *metrics.Metrics, analyticsHandler *analytics.Handler, defaultRateLimit int, requestTimeout time.Duration, tracingCfg config.TracingConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/data/{collection}/{id}", h.GetDocument)
	mux.HandleFunc("PUT /api/data/{collection}/{id}", h.PutDocument)
	mux.HandleFunc("DELETE /api/data/{collection}/{id}", h.DeleteDocument)
	mux.HandleFunc("POST /api/data/{collection}", h.RunQuery)

	mux.HandleFunc("POST /transactions", h.BeginTransaction)
	mux.HandleFunc("GET /transactions/{id}", h.GetTransaction)
	mux.HandleFunc("POST /transactions/{id}/prepare", h.PrepareTransaction)
	mux.HandleFunc("POST /transactions/{id}/commit", h.CommitTransaction)
	mux.HandleFunc("POST /transactions/{id}/abort", h.AbortTransaction)
	mux.HandleFunc("GET /transactions/{id}/prepared", h.ParticipantStatus("prepared"))
	mux.HandleFunc("GET /transactions/{id}/committed", h.ParticipantStatus("committed"))
	mux.HandleFunc("GET /transactions/{id}/aborted", h.ParticipantStatus("aborted"))

	mux.HandleFunc("GET /shards", h.ListShards)
	mux.HandleFunc("POST /shards", h.CreateShard)
	mux.HandleFunc("GET /shards/{id}", h.GetShard)
	mux.HandleFunc("PUT /shards/{id}", h.UpdateShard)
	mux.HandleFunc("GET /nodes", h.ListNodes)
	mux.HandleFunc("POST /nodes", h.RegisterNode)
	mux.HandleFunc("GET /nodes/{id}", h.GetNode)
	mux.HandleFunc("POST /nodes/{id}/heartbeat", h.Heartbeat)
	mux.HandleFunc("GET /lookup/{collection}/{id}", h.LookupShard)

	if analyticsHandler != nil {
		mux.HandleFunc("GET /internal/analytics", analyticsHandler.Stats)
	}

	// Middleware chain, applied inside-out: request → RequestID → Tracing →
	// CORS → Auth → RateLimit → Metrics → Timeout → mux.
	var chain http.Handler = mux
	chain = pkgmw.Timeout(requestTimeout)(chain)
	chain = pkgmw.Metrics(m)(chain)
	chain = RateLimit(limiter, defaultRateLimit)(chain)
	chain = Auth(validator)(chain)
	chain = CORS(DefaultCORSConfig())(chain)
	chain = pkgmw.Tracing(tracingCfg.Enabled, tracingCfg.SampleRate)(chain)
	chain = pkgmw.RequestID(chain)

	return chain
}
