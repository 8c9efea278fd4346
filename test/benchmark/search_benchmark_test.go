// Package benchmark also covers the scatter-gather query pipeline: request
// parsing, plan building, and concurrent shard fan-out.
package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oriondb/oriondb/internal/document"
	"github.com/oriondb/oriondb/internal/query"
)

func intPtr(n int) *int { return &n }

// BenchmarkQueryParse measures Parse's validation cost over filter lists of
// varying complexity.
func BenchmarkQueryParse(b *testing.B) {
	cases := []struct {
		name    string
		filters []query.RawFilter
		opts    query.RawOptions
	}{
		{
			name:    "single_filter",
			filters: []query.RawFilter{{Field: "status", Op: "=", Value: "active"}},
			opts:    query.RawOptions{Limit: intPtr(20)},
		},
		{
			name: "multi_filter",
			filters: []query.RawFilter{
				{Field: "status", Op: "=", Value: "active"},
				{Field: "amount", Op: ">", Value: 100},
				{Field: "region", Op: "!=", Value: "eu"},
			},
			opts: query.RawOptions{Limit: intPtr(20)},
		},
		{
			name: "filter_with_sort",
			filters: []query.RawFilter{
				{Field: "status", Op: "=", Value: "active"},
				{Field: "amount", Op: ">=", Value: 50},
			},
			opts: query.RawOptions{
				Limit: intPtr(50),
				Sort:  []query.SortSpec{{Field: "createdAt", Direction: "desc"}},
			},
		},
	}

	for _, c := range cases {
		b.Run(c.name, func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := query.Parse("widgets", c.filters, nil, c.opts); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkBuildPlan measures fan-out plan construction at varying shard
// counts.
func BenchmarkBuildPlan(b *testing.B) {
	parsed, err := query.Parse("widgets",
		[]query.RawFilter{{Field: "status", Op: "=", Value: "active"}},
		nil, query.RawOptions{Limit: intPtr(20)})
	if err != nil {
		b.Fatal(err)
	}

	shardCounts := []int{1, 8, 32}
	for _, n := range shardCounts {
		b.Run(fmt.Sprintf("shards_%d", n), func(b *testing.B) {
			shards := make([]string, n)
			for i := range shards {
				shards[i] = fmt.Sprintf("shard-%d", i)
			}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := query.BuildPlan(parsed, shards, 1000); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// fakeFetch simulates a shard's query response with a fixed result set and a
// small artificial per-shard latency, standing in for the RPC round trip
// internal/rpc.ShardClients.FetchShard performs in production.
func fakeFetch(latency time.Duration, resultsPerShard int) query.FetchFunc {
	docs := make([]document.Document, resultsPerShard)
	for i := range docs {
		docs[i] = document.Document{
			Collection: "widgets",
			ID:         fmt.Sprintf("doc-%d", i),
			Payload:    map[string]any{"status": "active"},
		}
	}
	return func(ctx context.Context, target query.ShardTarget) (query.ShardFetch, error) {
		if latency > 0 {
			time.Sleep(latency)
		}
		return query.ShardFetch{ShardID: target.ShardID, Results: docs, Total: len(docs)}, nil
	}
}

// BenchmarkExecutorFanOut measures Execute's concurrent shard fan-out at
// varying shard counts, each simulated shard taking a fixed 1ms to respond.
func BenchmarkExecutorFanOut(b *testing.B) {
	shardCounts := []int{1, 4, 8, 32}
	for _, n := range shardCounts {
		b.Run(fmt.Sprintf("shards_%d", n), func(b *testing.B) {
			executor := query.NewExecutor(query.ExecutorConfig{QueryTimeout: 5 * time.Second, MaxRetries: 1})
			targets := make([]query.ShardTarget, n)
			for i := range targets {
				targets[i] = query.ShardTarget{
					ShardID:    fmt.Sprintf("shard-%d", i),
					Collection: "widgets",
					Options:    query.Options{Limit: 20},
				}
			}
			plan := query.Plan{Targets: targets, RequiresMerge: n > 1}
			fetch := fakeFetch(time.Millisecond, 20)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := executor.Execute(context.Background(), plan, fetch); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkExecutorFanOutParallel measures Execute throughput under
// concurrent callers, each driving an 8-shard fan-out.
func BenchmarkExecutorFanOutParallel(b *testing.B) {
	executor := query.NewExecutor(query.ExecutorConfig{QueryTimeout: 5 * time.Second, MaxRetries: 1})
	targets := make([]query.ShardTarget, 8)
	for i := range targets {
		targets[i] = query.ShardTarget{ShardID: fmt.Sprintf("shard-%d", i), Collection: "widgets"}
	}
	plan := query.Plan{Targets: targets, RequiresMerge: true}
	fetch := fakeFetch(time.Millisecond, 20)

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := executor.Execute(context.Background(), plan, fetch); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkMerge measures post-fan-out merge cost (sort, projection,
// pagination) across varying shard-result sizes.
func BenchmarkMerge(b *testing.B) {
	shardCounts := []int{1, 8, 32}
	for _, n := range shardCounts {
		b.Run(fmt.Sprintf("shards_%d", n), func(b *testing.B) {
			fetches := make([]query.ShardFetch, n)
			for i := range fetches {
				docs := make([]document.Document, 20)
				for j := range docs {
					docs[j] = document.Document{
						Collection: "widgets",
						ID:         fmt.Sprintf("doc-%d-%d", i, j),
						Payload:    map[string]any{"amount": (i * 20) + j},
					}
				}
				fetches[i] = query.ShardFetch{ShardID: fmt.Sprintf("shard-%d", i), Results: docs, Total: len(docs)}
			}
			opts := query.Options{
				Limit: 50,
				Sort:  []query.SortSpec{{Field: "amount", Direction: "desc"}},
			}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				query.Merge(fetches, opts, nil)
			}
		})
	}
}
