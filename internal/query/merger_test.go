package query

import (
	"testing"

	"github.com/oriondb/oriondb/internal/document"
)

func TestTopKKeepsOnlyBestAcrossShards(t *testing.T) {
	shard0 := []document.Document{
		{ID: "a", Payload: map[string]any{"score": float64(5)}},
		{ID: "b", Payload: map[string]any{"score": float64(1)}},
	}
	shard1 := []document.Document{
		{ID: "c", Payload: map[string]any{"score": float64(9)}},
		{ID: "d", Payload: map[string]any{"score": float64(3)}},
	}
	top := TopK([][]document.Document{shard0, shard1}, []SortSpec{{Field: "score", Direction: "desc"}}, 2)
	if len(top) != 2 {
		t.Fatalf("got %d results, want 2", len(top))
	}
	ids := map[string]bool{top[0].ID: true, top[1].ID: true}
	if !ids["c"] || !ids["a"] {
		t.Fatalf("expected top-2 by score to be {c, a}, got %+v", top)
	}
}

func TestTopKDefaultsLimitWhenNonPositive(t *testing.T) {
	docs := make([]document.Document, 15)
	for i := range docs {
		docs[i] = document.Document{ID: string(rune('a' + i)), Payload: map[string]any{"n": float64(i)}}
	}
	top := TopK([][]document.Document{docs}, []SortSpec{{Field: "n", Direction: "asc"}}, 0)
	if len(top) != 10 {
		t.Fatalf("got %d results, want default limit 10", len(top))
	}
}
