package query

import (
	"container/heap"

	"github.com/oriondb/oriondb/internal/document"
)

// TopK does a heap-based k-way merge of already-sorted-per-shard result
// sets, keeping only the best limit documents by the given sort keys
// without materializing and re-sorting the full concatenation. This is an
// alternative to Merge for callers that want bounded memory over a large
// fan-out; Merge remains the contract-accurate default since the sort spec
// evaluates "less" against arbitrary dotted paths, not a single score.
//
// Uses a container/heap k-way merge generalized from a fixed
// relevance-score ordering to the same key comparator Merge uses.
func TopK(shardResults [][]document.Document, keys []SortSpec, limit int) []document.Document {
	if limit <= 0 {
		limit = 10
	}
	h := &docHeap{keys: keys}
	heap.Init(h)
	for _, results := range shardResults {
		for _, doc := range results {
			heap.Push(h, doc)
			if h.Len() > limit {
				heap.Pop(h)
			}
		}
	}
	out := make([]document.Document, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(document.Document)
	}
	return out
}

// docHeap is a min-heap over document.Document ordered by keys, so that
// popping the root repeatedly discards the current worst candidate once
// the heap exceeds the requested limit.
type docHeap struct {
	docs []document.Document
	keys []SortSpec
}

func (h *docHeap) Len() int { return len(h.docs) }

// Less reports whether doc i is a worse (more evictable) candidate than
// doc j, so the root of this min-heap is always the current worst
// candidate and heap.Pop correctly discards it once the heap exceeds the
// requested limit. This is the inverse of a plain "comes first" sort
// predicate: for an ascending sort the largest value is worst, for a
// descending sort the smallest value is worst.
func (h *docHeap) Less(i, j int) bool {
	a, b := h.docs[i], h.docs[j]
	for _, k := range h.keys {
		va := document.FieldValue(a, k.Field)
		vb := document.FieldValue(b, k.Field)
		if document.Compare(va, "<", vb) {
			return k.Direction == "desc"
		}
		if document.Compare(vb, "<", va) {
			return k.Direction != "desc"
		}
	}
	return a.ID > b.ID
}

func (h *docHeap) Swap(i, j int) { h.docs[i], h.docs[j] = h.docs[j], h.docs[i] }

func (h *docHeap) Push(x any) {
	h.docs = append(h.docs, x.(document.Document))
}

func (h *docHeap) Pop() any {
	old := h.docs
	n := len(old)
	item := old[n-1]
	h.docs = old[:n-1]
	return item
}
