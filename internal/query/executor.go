package query

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oriondb/oriondb/internal/document"
	"github.com/oriondb/oriondb/pkg/errors"
	"github.com/oriondb/oriondb/pkg/resilience"
)

// ShardFetch is a single shard's outcome from a fan-out round, mirroring
// the wire-level QueryResponse a shard node returns.
type ShardFetch struct {
	ShardID string
	Results []document.Document
	Total   int
	Err     error
}

// FetchFunc performs one shard's query. The executor supplies retry and
// timeout handling around it; FetchFunc itself should be a single attempt.
type FetchFunc func(ctx context.Context, target ShardTarget) (ShardFetch, error)

// ExecutorConfig mirrors config.QueryConfig's execution-relevant fields.
type ExecutorConfig struct {
	QueryTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	ContinueOnError bool
}

// Executor runs a Plan's shard targets concurrently against fetch, honoring
// the global query timeout and the continueOnError policy, grounded on the
// teacher's concurrent shard fan-out (internal/searcher/executor/sharded.go)
// generalized from postings search to document fetch.
type Executor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
}

// NewExecutor creates an Executor for the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Executor{cfg: cfg, logger: slog.Default().With("component", "query-executor")}
}

// Execute fans plan.Targets out to fetch concurrently, making up to
// MaxRetries attempts per shard, and returns one ShardFetch per target in target
// order. If the global timeout fires before every shard responds, it
// returns errors.ErrQueryTimeout and no partial results. Otherwise, a
// per-shard failure either aborts the whole call (continueOnError=false) or
// is recorded as an empty, erroring ShardFetch so the merge can proceed.
func (e *Executor) Execute(ctx context.Context, plan Plan, fetch FetchFunc) ([]ShardFetch, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	results := make([]ShardFetch, len(plan.Targets))
	var wg sync.WaitGroup
	var firstErrOnce sync.Once
	var firstErr error

	for i, target := range plan.Targets {
		wg.Add(1)
		go func(idx int, tgt ShardTarget) {
			defer wg.Done()
			sf, err := e.fetchWithRetry(ctx, tgt, fetch)
			if err != nil {
				sf = ShardFetch{ShardID: tgt.ShardID, Results: []document.Document{}, Total: 0, Err: err}
				if !e.cfg.ContinueOnError {
					firstErrOnce.Do(func() { firstErr = err })
				} else {
					e.logger.Warn("shard fetch failed, continuing", "shard", tgt.ShardID, "error", err)
				}
			}
			results[idx] = sf
		}(i, target)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, errors.New(errors.ErrQueryTimeout, 504, "query exceeded the global timeout")
	}

	if !e.cfg.ContinueOnError && firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (e *Executor) fetchWithRetry(ctx context.Context, target ShardTarget, fetch FetchFunc) (ShardFetch, error) {
	var result ShardFetch
	err := resilience.Retry(ctx, "shard-fetch:"+target.ShardID, resilience.RetryConfig{
		MaxAttempts:  e.cfg.MaxRetries,
		InitialDelay: e.cfg.RetryBackoff,
	}, func() error {
		sf, err := fetch(ctx, target)
		if err != nil {
			return err
		}
		result = sf
		return nil
	})
	if err != nil {
		return ShardFetch{}, err
	}
	return result, nil
}

// Merge concatenates shard results, sums totals, then applies sort,
// projection, offset, and limit in that order, matching the planner's
// contract that per-shard options never include a final truncation the
// merge step hasn't already accounted for.
func Merge(fetches []ShardFetch, opts Options, projection []string) ([]document.Document, int) {
	var all []document.Document
	total := 0
	for _, f := range fetches {
		all = append(all, f.Results...)
		total += f.Total
	}

	if len(opts.Sort) > 0 {
		sortDocuments(all, opts.Sort)
	}

	if opts.Limit == 0 {
		return []document.Document{}, total
	}

	if len(projection) > 0 {
		for i := range all {
			all[i] = project(all[i], projection)
		}
	}

	start := opts.Offset
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return all[start:end], total
}

func sortDocuments(docs []document.Document, keys []SortSpec) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			vi := document.FieldValue(docs[i], k.Field)
			vj := document.FieldValue(docs[j], k.Field)
			if document.Compare(vi, "<", vj) {
				return k.Direction != "desc"
			}
			if document.Compare(vj, "<", vi) {
				return k.Direction == "desc"
			}
		}
		return false
	})
}

// project builds a copy of doc whose Payload contains only the dotted
// paths named in projection, nested back into objects; reserved fields are
// always kept and undefined projected paths are elided.
func project(doc document.Document, projection []string) document.Document {
	out := doc
	out.Payload = make(map[string]any)
	for _, path := range projection {
		v := document.FieldValue(doc, path)
		if document.IsUndefined(v) {
			continue
		}
		setDottedPath(out.Payload, path, v)
	}
	return out
}

func setDottedPath(dst map[string]any, path string, value any) {
	parts := splitDotted(path)
	cur := dst
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
}

func splitDotted(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}
