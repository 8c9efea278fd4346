// Command shardnode runs one shard's storage engine.
//
// It owns a single shardstore.Store (in-memory or Postgres-backed) and
// exposes it over the JSON-over-TCP RPC transport: GET/PUT/DELETE/QUERY
// plus the PREPARE/COMMIT/ABORT participant contract the transaction
// coordinator drives during two-phase commit. On startup it registers
// itself with the shard manager and heartbeats on a fixed interval so the
// manager can detect it going offline.
//
// Usage:
//
//	go run ./cmd/shardnode [-config configs/development.yaml]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriondb/oriondb/internal/rpc"
	"github.com/oriondb/oriondb/internal/shardstore"
	"github.com/oriondb/oriondb/internal/shardstore/kv"
	"github.com/oriondb/oriondb/internal/shardstore/pgkv"
	"github.com/oriondb/oriondb/pkg/config"
	"github.com/oriondb/oriondb/pkg/grpc"
	"github.com/oriondb/oriondb/pkg/logger"
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
	slog.Info("starting shard node",
		"listen_addr", cfg.ShardNode.ListenAddr,
		"backend", cfg.ShardNode.Backend,
	)

	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		slog.Error("failed to open storage backend", "error", err)
		os.Exit(1)
	}
	defer closeBackend()

	store := shardstore.New(backend)

	srv := grpc.NewServer()
	rpc.RegisterShardStore(srv, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("shard node RPC server listening", "addr", cfg.ShardNode.ListenAddr)
		serverErr <- srv.Serve(cfg.ShardNode.ListenAddr)
	}()

	node, err := registerWithShardManager(ctx, cfg)
	if err != nil {
		slog.Error("failed to register with shard manager", "error", err)
		os.Exit(1)
	}
	slog.Info("registered with shard manager", "node_id", node.ID)

	go heartbeatLoop(ctx, cfg, node.ID)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			slog.Error("rpc server error", "error", err)
		}
	}

	srv.Stop()
	slog.Info("shard node stopped")
}

// openBackend constructs the kv.Store the shard's documents are written
// to, per cfg.ShardNode.Backend. "postgres" shares the shard_kv table
// across shard nodes, namespaced by listen address since a node has no
// shard id assigned until the shard manager creates one against it.
func openBackend(cfg *config.Config) (kv.Store, func(), error) {
	switch cfg.ShardNode.Backend {
	case "postgres":
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if _, err := db.DB.Exec(pgkv.Schema); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("creating shard_kv schema: %w", err)
		}
		namespace := cfg.ShardNode.AdvertiseURL
		if namespace == "" {
			namespace = cfg.ShardNode.ListenAddr
		}
		return pgkv.New(db, namespace), func() { db.Close() }, nil
	default:
		return kv.NewMemory(), func() {}, nil
	}
}

type registerResponse struct {
	ID string `json:"id"`
}

// registerWithShardManager posts this node's advertise URL to the shard
// manager's node registry, making up to 10 attempts, RegisterWaitTime
// apart, before giving up.
func registerWithShardManager(ctx context.Context, cfg *config.Config) (*registerResponse, error) {
	advertise := cfg.ShardNode.AdvertiseURL
	if advertise == "" {
		advertise = cfg.ShardNode.ListenAddr
	}
	body, err := json.Marshal(map[string]any{
		"url":      advertise,
		"region":   cfg.ShardNode.Region,
		"capacity": cfg.ShardNode.Capacity,
	})
	if err != nil {
		return nil, err
	}

	wait := cfg.ShardNode.RegisterWaitTime
	if wait <= 0 {
		wait = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			cfg.ShardNode.ShardManagerURL+"/nodes", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusCreated {
				var out registerResponse
				if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
					return nil, fmt.Errorf("decoding register response: %w", err)
				}
				return &out, nil
			}
			lastErr = fmt.Errorf("shard manager returned status %d", resp.StatusCode)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("giving up registering with shard manager: %w", lastErr)
}

// heartbeatLoop reports this node alive to the shard manager until ctx is
// cancelled.
func heartbeatLoop(ctx context.Context, cfg *config.Config, nodeID string) {
	period := cfg.ShardNode.HeartbeatPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				fmt.Sprintf("%s/nodes/%s/heartbeat", cfg.ShardNode.ShardManagerURL, nodeID),
				bytes.NewReader([]byte("{}")))
			if err != nil {
				slog.Warn("building heartbeat request failed", "error", err)
				continue
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				slog.Warn("heartbeat failed", "error", err)
				continue
			}
			resp.Body.Close()
		}
	}
}
