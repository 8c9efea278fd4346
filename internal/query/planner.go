package query

import (
	"github.com/oriondb/oriondb/pkg/errors"
)

// ShardTarget is one shard's slice of a planned query: the filters and
// per-shard options to send it.
type ShardTarget struct {
	ShardID    string
	Collection string
	Filters    []Condition
	Options    Options
}

// Plan is the planner's output: the per-shard fan-out plus flags the
// executor and merger use to decide how to recombine results.
type Plan struct {
	Targets       []ShardTarget
	RequiresMerge bool
	Cost          float64
}

// DefaultMaxPlanCost is the ceiling Plan applies when the caller does not
// override it via config.
const DefaultMaxPlanCost = 100.0

// BuildPlan builds a fan-out plan for q over shards. Offset is always
// omitted from per-shard options since it only applies after the merge;
// limit is omitted too whenever a sort is present, since the merger needs
// every candidate to sort globally before truncating.
func BuildPlan(q ParsedQuery, shards []string, maxCost float64) (Plan, error) {
	if maxCost <= 0 {
		maxCost = DefaultMaxPlanCost
	}

	requiresMerge := len(shards) > 1 || len(q.Options.Sort) > 0

	perShardOptions := Options{Sort: q.Options.Sort, Limit: NoLimit}
	if len(q.Options.Sort) == 0 {
		perShardOptions.Limit = q.Options.Limit
	}

	targets := make([]ShardTarget, 0, len(shards))
	for _, shardID := range shards {
		targets = append(targets, ShardTarget{
			ShardID:    shardID,
			Collection: q.Collection,
			Filters:    q.Expression.Conditions,
			Options:    perShardOptions,
		})
	}

	mergeFactor := 1.0
	if requiresMerge {
		mergeFactor = 1.5
	}
	cost := float64(len(targets)) * mergeFactor * (1 + 0.2*float64(len(q.Options.Sort)))

	plan := Plan{Targets: targets, RequiresMerge: requiresMerge, Cost: cost}
	if cost > maxCost {
		return Plan{}, errors.Newf(errors.ErrInvalidQuery, 400,
			"query plan cost %.1f exceeds maximum %.1f across %d shards", cost, maxCost, len(targets))
	}
	return plan, nil
}

// SplitPlan breaks a wide fan-out into chunks of at most maxPerPlan targets,
// each retaining the parent plan's merge/cost-relevant flags.
func SplitPlan(plan Plan, maxPerPlan int) []Plan {
	if maxPerPlan <= 0 || len(plan.Targets) <= maxPerPlan {
		return []Plan{plan}
	}
	var chunks []Plan
	for start := 0; start < len(plan.Targets); start += maxPerPlan {
		end := start + maxPerPlan
		if end > len(plan.Targets) {
			end = len(plan.Targets)
		}
		chunks = append(chunks, Plan{
			Targets:       plan.Targets[start:end],
			RequiresMerge: plan.RequiresMerge,
			Cost:          plan.Cost,
		})
	}
	return chunks
}
