package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriondb/oriondb/pkg/kafka"
)

// AggregatedStats is the operational snapshot A1 exposes: write/query
// throughput and latency percentiles, transaction outcome counts, and the
// collections seeing the most traffic.
type AggregatedStats struct {
	TotalWrites           int64              `json:"total_writes"`
	TotalQueries          int64              `json:"total_queries"`
	TotalTransactions     int64              `json:"total_transactions"`
	CommittedTransactions int64              `json:"committed_transactions"`
	AbortedTransactions   int64              `json:"aborted_transactions"`
	CacheHits             int64              `json:"cache_hits"`
	CacheMisses           int64              `json:"cache_misses"`
	ZeroResultCount       int64              `json:"zero_result_count"`
	AvgLatencyMs          float64            `json:"avg_latency_ms"`
	P50LatencyMs          int64              `json:"p50_latency_ms"`
	P95LatencyMs          int64              `json:"p95_latency_ms"`
	P99LatencyMs          int64              `json:"p99_latency_ms"`
	TopCollections        []CollectionCount  `json:"top_collections"`
	WritesPerMinute       float64            `json:"writes_per_minute"`
	QueriesPerMinute      float64            `json:"queries_per_minute"`
}

// CollectionCount pairs a collection name with how many write or query
// events it has been the target of.
type CollectionCount struct {
	Collection string `json:"collection"`
	Count      int64  `json:"count"`
}

// Aggregator consumes write/query/transaction events from Kafka and keeps
// running totals and a latency sample for percentile reporting.
type Aggregator struct {
	mu                sync.RWMutex
	totalWrites       atomic.Int64
	totalQueries      atomic.Int64
	totalTx           atomic.Int64
	committedTx       atomic.Int64
	abortedTx         atomic.Int64
	cacheHits         atomic.Int64
	cacheMisses       atomic.Int64
	zeroResults       atomic.Int64
	latencies         []int64
	collectionCounts  map[string]int64
	startTime         time.Time

	consumer *kafka.Consumer
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator that reads from consumer.
func NewAggregator(consumer *kafka.Consumer) *Aggregator {
	return &Aggregator{
		latencies:        make([]int64, 0, 10000),
		collectionCounts: make(map[string]int64),
		startTime:        time.Now(),
		consumer:         consumer,
		logger:           slog.Default().With("component", "analytics-aggregator"),
	}
}

// Start runs the underlying consumer until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Info("analytics aggregator starting")
	return a.consumer.Start(ctx)
}

type eventEnvelope struct {
	Type EventType `json:"type"`
}

// HandleEvent dispatches each decoded message to the recorder for its
// EventType, read from a lightweight envelope before decoding the full
// event shape.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		var env eventEnvelope
		if err := json.Unmarshal(value, &env); err != nil {
			agg.logger.Error("failed to decode analytics event envelope", "error", err)
			return nil
		}

		switch env.Type {
		case EventWrite:
			event, err := kafka.DecodeJSON[WriteEvent](value)
			if err != nil {
				agg.logger.Error("failed to decode write event", "error", err)
				return nil
			}
			agg.recordWriteEvent(event)
		case EventQuery:
			event, err := kafka.DecodeJSON[QueryEvent](value)
			if err != nil {
				agg.logger.Error("failed to decode query event", "error", err)
				return nil
			}
			agg.recordQueryEvent(event)
		case EventTransaction:
			event, err := kafka.DecodeJSON[TransactionEvent](value)
			if err != nil {
				agg.logger.Error("failed to decode transaction event", "error", err)
				return nil
			}
			agg.recordTransactionEvent(event)
		default:
			agg.logger.Warn("unknown analytics event type", "type", env.Type)
		}
		return nil
	}
}

func (a *Aggregator) recordWriteEvent(event WriteEvent) {
	a.totalWrites.Add(1)
	a.mu.Lock()
	a.latencies = append(a.latencies, event.LatencyMs)
	a.collectionCounts[event.Collection]++
	a.mu.Unlock()
}

func (a *Aggregator) recordQueryEvent(event QueryEvent) {
	a.totalQueries.Add(1)
	if event.CacheHit {
		a.cacheHits.Add(1)
	} else {
		a.cacheMisses.Add(1)
	}
	if event.TotalHits == 0 {
		a.zeroResults.Add(1)
	}

	a.mu.Lock()
	a.latencies = append(a.latencies, event.LatencyMs)
	a.collectionCounts[event.Collection]++
	a.mu.Unlock()
}

func (a *Aggregator) recordTransactionEvent(event TransactionEvent) {
	a.totalTx.Add(1)
	if event.Status == "COMMITTED" {
		a.committedTx.Add(1)
	} else {
		a.abortedTx.Add(1)
	}

	a.mu.Lock()
	a.latencies = append(a.latencies, event.LatencyMs)
	a.mu.Unlock()
}

// Stats returns the current aggregated snapshot.
func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalWrites:           a.totalWrites.Load(),
		TotalQueries:          a.totalQueries.Load(),
		TotalTransactions:     a.totalTx.Load(),
		CommittedTransactions: a.committedTx.Load(),
		AbortedTransactions:   a.abortedTx.Load(),
		CacheHits:             a.cacheHits.Load(),
		CacheMisses:           a.cacheMisses.Load(),
		ZeroResultCount:       a.zeroResults.Load(),
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopCollections = topCollections(a.collectionCounts, 10)

	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.WritesPerMinute = float64(stats.TotalWrites) / elapsed
		stats.QueriesPerMinute = float64(stats.TotalQueries) / elapsed
	}

	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topCollections(counts map[string]int64, n int) []CollectionCount {
	result := make([]CollectionCount, 0, len(counts))
	for collection, count := range counts {
		result = append(result, CollectionCount{Collection: collection, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Count > result[j].Count
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
