// Package benchmark contains Go benchmarks for the per-shard document
// store, measuring write, point-lookup, and filtered-query throughput.
package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/oriondb/oriondb/internal/shardstore"
	"github.com/oriondb/oriondb/internal/shardstore/kv"
)

// BenchmarkStorePut measures per-document write throughput into an
// in-memory shard store.
func BenchmarkStorePut(b *testing.B) {
	store := shardstore.New(kv.NewMemory())
	ctx := context.Background()
	payload := map[string]any{"status": "active", "amount": 42}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("doc-%d", i)
		if _, _, err := store.Put(ctx, "widgets", id, payload); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkStoreGet measures point-lookup latency over 10 000 preloaded
// documents.
func BenchmarkStoreGet(b *testing.B) {
	store := shardstore.New(kv.NewMemory())
	ctx := context.Background()
	payload := map[string]any{"status": "active"}
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("doc-%d", i)
		if _, _, err := store.Put(ctx, "widgets", id, payload); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("doc-%d", i%10000)
		if _, err := store.Get(ctx, "widgets", id); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkStoreGetParallel measures concurrent read throughput against a
// preloaded store.
func BenchmarkStoreGetParallel(b *testing.B) {
	store := shardstore.New(kv.NewMemory())
	ctx := context.Background()
	payload := map[string]any{"status": "active"}
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("doc-%d", i)
		if _, _, err := store.Put(ctx, "widgets", id, payload); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			id := fmt.Sprintf("doc-%d", i%10000)
			if _, err := store.Get(ctx, "widgets", id); err != nil {
				b.Fatal(err)
			}
			i++
		}
	})
}

// BenchmarkStoreQuery measures filtered-query latency over a preloaded
// collection with a roughly one-in-five match rate.
func BenchmarkStoreQuery(b *testing.B) {
	store := shardstore.New(kv.NewMemory())
	ctx := context.Background()
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("doc-%d", i)
		status := "inactive"
		if i%5 == 0 {
			status = "active"
		}
		if _, _, err := store.Put(ctx, "widgets", id, map[string]any{"status": status}); err != nil {
			b.Fatal(err)
		}
	}

	filters := []shardstore.Filter{{Field: "status", Op: "=", Value: "active"}}
	opts := shardstore.QueryOptions{Limit: 50}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		result, err := store.Query(ctx, "widgets", filters, opts)
		if err != nil {
			b.Fatal(err)
		}
		_ = result
	}
}

// BenchmarkStorePutAtScale measures write throughput at various pre-loaded
// collection sizes, exercising the collection index's growth path.
func BenchmarkStorePutAtScale(b *testing.B) {
	sizes := []int{100, 1000, 5000}
	for _, preload := range sizes {
		b.Run(fmt.Sprintf("preload_%d", preload), func(b *testing.B) {
			store := shardstore.New(kv.NewMemory())
			ctx := context.Background()
			payload := map[string]any{"status": "active"}

			for i := 0; i < preload; i++ {
				id := fmt.Sprintf("preload-%d", i)
				if _, _, err := store.Put(ctx, "widgets", id, payload); err != nil {
					b.Fatal(err)
				}
			}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				id := fmt.Sprintf("bench-%d", i)
				if _, _, err := store.Put(ctx, "widgets", id, payload); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
