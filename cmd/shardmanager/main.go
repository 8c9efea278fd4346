// Command shardmanager runs the Shard Manager (C8): node registration,
// heartbeats, shard assignment, and rebalancing.
//
// It is the authoritative writer of the node and shard registry. Shard
// nodes register and heartbeat against it; the coordinator reads the same
// registry (reloaded periodically from the shared backend) to route
// requests without calling back into this process on every request.
//
// Usage:
//
//	go run ./cmd/shardmanager [-config configs/development.yaml]
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

	"github.com/oriondb/oriondb/internal/api/adminhttp"
	"github.com/oriondb/oriondb/internal/shardmgr"
	"github.com/oriondb/oriondb/internal/shardstore/kv"
	"github.com/oriondb/oriondb/internal/shardstore/pgkv"
	"github.com/oriondb/oriondb/pkg/config"
	"github.com/oriondb/oriondb/pkg/health"
	"github.com/oriondb/oriondb/pkg/logger"
	"github.com/oriondb/oriondb/pkg/metrics"
	"github.com/oriondb/oriondb/pkg/postgres"
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
	slog.Info("starting shard manager", "port", cfg.ShardManager.Port)

	backend, closeBackend, err := openRegistryBackend(cfg)
	if err != nil {
		slog.Error("failed to open registry backend", "error", err)
		os.Exit(1)
	}
	defer closeBackend()

	mgr := shardmgr.New(backend)
	mgr.SetReplicationFactor(cfg.ShardManager.ReplicationFactor)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Load(ctx); err != nil {
		slog.Error("failed to load shard registry", "error", err)
		os.Exit(1)
	}

	checker := health.NewChecker()
	checker.Register("registry", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp}
	})

	m := metrics.New()
	h := adminhttp.New(mgr, "dev")
	router := adminhttp.NewRouter(h, checker, m, cfg.ShardManager.RequestTimeout)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ShardManager.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go rebalanceLoop(ctx, mgr, cfg.ShardManager.RebalanceCheckInterval)

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("shard manager listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("shard manager stopped")
}

func openRegistryBackend(cfg *config.Config) (kv.Store, func(), error) {
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
	return pgkv.New(db, "shardmgr-registry"), func() { db.Close() }, nil
}

// rebalanceLoop periodically re-evaluates load across registered nodes,
// issuing migration tasks when a shard belongs on a different node.
func rebalanceLoop(ctx context.Context, mgr *shardmgr.Manager, interval time.Duration) {
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
			tasks := mgr.Rebalance(ctx)
			if len(tasks) > 0 {
				slog.Info("rebalance issued migrations", "count", len(tasks))
			}
		}
	}
}
