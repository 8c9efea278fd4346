// Command coordinator runs the Router (C1–C4), Query Pipeline (C6), and
// Transaction Coordinator (C7), fronted by the client-facing HTTP surface:
// document CRUD, scatter-gather queries, two-phase-commit transactions,
// and shard/node administration, with the full gateway ambient stack
// (API-key auth, per-key rate limiting, CORS, request IDs, Prometheus
// metrics, health probes).
//
// The coordinator keeps its own shardmgr.Manager, refreshed on a ticker
// from the same backend the shard manager process writes to, so routing
// decisions don't require a network round trip to the shard manager on
// every request.
//
// Usage:
//
//	go run ./cmd/coordinator [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriondb/oriondb/internal/analytics"
	analyticsstore "github.com/oriondb/oriondb/internal/analytics/aggregator"
	apihttp "github.com/oriondb/oriondb/internal/api/http"
	"github.com/oriondb/oriondb/internal/auth/apikey"
	"github.com/oriondb/oriondb/internal/auth/ratelimit"
	"github.com/oriondb/oriondb/internal/query"
	"github.com/oriondb/oriondb/internal/rpc"
	"github.com/oriondb/oriondb/internal/shardmgr"
	"github.com/oriondb/oriondb/internal/shardstore/kv"
	"github.com/oriondb/oriondb/internal/shardstore/pgkv"
	"github.com/oriondb/oriondb/internal/txn"
	"github.com/oriondb/oriondb/pkg/config"
	"github.com/oriondb/oriondb/pkg/health"
	"github.com/oriondb/oriondb/pkg/kafka"
	"github.com/oriondb/oriondb/pkg/logger"
	"github.com/oriondb/oriondb/pkg/metrics"
	"github.com/oriondb/oriondb/pkg/postgres"
	pkgredis "github.com/oriondb/oriondb/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting coordinator", "port", cfg.Gateway.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registryBackend, closeRegistry, err := openSharedBackend(cfg, "shardmgr-registry")
	if err != nil {
		slog.Error("failed to open shard registry backend", "error", err)
		os.Exit(1)
	}
	defer closeRegistry()

	shards := shardmgr.New(registryBackend)
	shards.SetReplicationFactor(cfg.ShardManager.ReplicationFactor)
	if err := shards.Load(ctx); err != nil {
		slog.Error("failed to load shard registry", "error", err)
		os.Exit(1)
	}
	go refreshRegistryLoop(ctx, shards, cfg.ShardManager.RebalanceCheckInterval)

	// shards.ResolveAddr accepts both a plain shard id and the
	// "shardID@nodeID" route keys apihttp.Handler derives from RouteReplica,
	// so the same resolver serves primary-only lookups and locality-routed
	// replica reads.
	clients := rpc.NewShardClients(shards.ResolveAddr)
	defer clients.Close()

	// resolveParticipant maps each transaction operation to the shard that
	// actually owns the document, not a collection-keyed placeholder — the
	// coordinator must dispatch PREPARE/COMMIT/ABORT to real shard ids.
	resolveParticipant := func(op txn.Op) string {
		shard, err := shards.LookupShard(op.Collection, op.ID)
		if err != nil {
			return ""
		}
		return shard.ID
	}

	txnBackend, closeTxnBackend, err := openSharedBackend(cfg, "coordinator-txn")
	if err != nil {
		slog.Error("failed to open transaction log backend", "error", err)
		os.Exit(1)
	}
	defer closeTxnBackend()

	coord := txn.New(txnBackend, clients, resolveParticipant)
	defer coord.Close()
	if err := coord.Recover(ctx); err != nil {
		slog.Error("transaction recovery failed", "error", err)
	}

	executor := query.NewExecutor(query.ExecutorConfig{
		QueryTimeout:    cfg.Query.QueryTimeout,
		MaxRetries:      cfg.Query.MaxRetries,
		RetryBackoff:    cfg.Query.RetryBackoff,
		ContinueOnError: cfg.Query.ContinueOnError,
	})

	var queryCache *query.Cache
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, query result caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		queryCache = query.NewCache(redisClient, cfg.Redis.CacheTTL)
		slog.Info("query result cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	validator := apikey.NewValidator(db)
	limiter := ratelimit.New(time.Minute)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	eventCollector := analytics.NewCollector(map[analytics.EventType]*kafka.Producer{
		analytics.EventWrite:       kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DocumentEvents),
		analytics.EventQuery:       kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents),
		analytics.EventTransaction: kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.TransactionEvents),
	}, 0)
	eventCollector.Start(ctx)
	defer eventCollector.Close()

	// The aggregator doesn't drive its own consumer loop here since three
	// independent topic consumers feed it below, so its Start method is not
	// called.
	aggregator := analytics.NewAggregator(nil)
	eventConsumers := []*kafka.Consumer{
		kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentEvents, analytics.HandleEvent(aggregator)),
		kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents, analytics.HandleEvent(aggregator)),
		kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.TransactionEvents, analytics.HandleEvent(aggregator)),
	}
	for _, consumer := range eventConsumers {
		go func(c *kafka.Consumer) {
			if err := c.Start(ctx); err != nil {
				slog.Error("analytics consumer error", "error", err)
			}
		}(consumer)
	}
	analyticsHandler := analytics.NewHandler(aggregator)

	if _, err := db.DB.Exec(analyticsstore.Schema); err != nil {
		slog.Error("failed to create analytics_snapshots schema", "error", err)
		os.Exit(1)
	}
	snapshotStore := analyticsstore.NewStore(db)
	snapshotStore.StartPeriodicSave(ctx, aggregator, 5*time.Minute)

	checker := health.NewChecker()
	checker.Register("shard_registry", func(ctx context.Context) health.ComponentHealth {
		if len(shards.ListShards()) == 0 {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "no shards registered"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := db.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	h := apihttp.New(shards, clients, coord, executor, queryCache, eventCollector, apihttp.Limits{
		MaxDocBytes:   cfg.Gateway.MaxDocBytes,
		MaxQueryLimit: cfg.Query.MaxResults,
		MaxBatch:      cfg.Gateway.MaxBatch,
		MaxPlanCost:   cfg.Query.MaxPlanCost,
	}, "dev")

	chain := apihttp.NewRouter(h, checker, validator, limiter, m, analyticsHandler, cfg.Query.DefaultLimit, cfg.Gateway.RequestTimeout, cfg.Tracing)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("coordinator listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("coordinator stopped")
}

// openSharedBackend opens the kv.Store namespace used for one durable
// concern (shard registry, transaction log). "postgres" shares the
// underlying shard_kv table across every namespace and every process that
// points at the same database.
func openSharedBackend(cfg *config.Config, namespace string) (kv.Store, func(), error) {
	if cfg.ShardNode.Backend != "postgres" {
		return kv.NewMemory(), func() {}, nil
	}
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := db.DB.Exec(pgkv.Schema); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating shard_kv schema: %w", err)
	}
	return pgkv.New(db, namespace), func() { db.Close() }, nil
}

// refreshRegistryLoop periodically reloads the shard registry so the
// coordinator picks up node/shard changes made by the shard manager
// process without a request-path round trip.
func refreshRegistryLoop(ctx context.Context, shards *shardmgr.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := shards.Load(ctx); err != nil {
				slog.Warn("shard registry refresh failed", "error", err)
			}
		}
	}
}
