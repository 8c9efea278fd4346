package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oriondb/oriondb/internal/document"
)

// AggregationOp names one of the supported aggregation operators.
type AggregationOp string

const (
	AggCount   AggregationOp = "COUNT"
	AggSum     AggregationOp = "SUM"
	AggAvg     AggregationOp = "AVG"
	AggMin     AggregationOp = "MIN"
	AggMax     AggregationOp = "MAX"
	AggGroupBy AggregationOp = "GROUP_BY"
)

// AggregationSpec is one requested aggregation over an already-merged
// result set.
type AggregationSpec struct {
	Op     AggregationOp
	Field  string   // SUM/AVG/MIN/MAX/COUNT-with-field
	Fields []string // GROUP_BY
}

// Group is one GROUP_BY partition: the grouping key values, the member
// count, and the member documents.
type Group struct {
	Key       map[string]any
	Count     int
	Documents []document.Document
}

// AggregationResult is the outcome of one AggregationSpec applied to a
// result set.
type AggregationResult struct {
	Op     AggregationOp
	Field  string
	Value  any
	Groups []Group
}

// Aggregate runs each spec over docs independently; specs do not see each
// other's output.
func Aggregate(docs []document.Document, specs []AggregationSpec) []AggregationResult {
	out := make([]AggregationResult, 0, len(specs))
	for _, spec := range specs {
		out = append(out, applyOne(docs, spec))
	}
	return out
}

func applyOne(docs []document.Document, spec AggregationSpec) AggregationResult {
	switch spec.Op {
	case AggCount:
		if spec.Field == "" {
			return AggregationResult{Op: AggCount, Value: len(docs)}
		}
		count := 0
		for _, d := range docs {
			if !document.IsUndefined(document.FieldValue(d, spec.Field)) {
				count++
			}
		}
		return AggregationResult{Op: AggCount, Field: spec.Field, Value: count}

	case AggSum, AggAvg, AggMin, AggMax:
		return applyNumeric(docs, spec)

	case AggGroupBy:
		groups := groupBy(docs, spec.Fields)
		return AggregationResult{Op: AggGroupBy, Value: len(groups), Groups: groups}

	default:
		return AggregationResult{Op: spec.Op, Value: nil}
	}
}

func applyNumeric(docs []document.Document, spec AggregationSpec) AggregationResult {
	var sum float64
	count := 0
	var min, max float64
	haveMinMax := false

	for _, d := range docs {
		v := document.FieldValue(d, spec.Field)
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		sum += f
		count++
		if !haveMinMax || f < min {
			min = f
		}
		if !haveMinMax || f > max {
			max = f
		}
		haveMinMax = true
	}

	switch spec.Op {
	case AggSum:
		return AggregationResult{Op: AggSum, Field: spec.Field, Value: sum}
	case AggAvg:
		if count == 0 {
			return AggregationResult{Op: AggAvg, Field: spec.Field, Value: float64(0)}
		}
		return AggregationResult{Op: AggAvg, Field: spec.Field, Value: sum / float64(count)}
	case AggMin:
		if !haveMinMax {
			return AggregationResult{Op: AggMin, Field: spec.Field, Value: nil}
		}
		return AggregationResult{Op: AggMin, Field: spec.Field, Value: min}
	case AggMax:
		if !haveMinMax {
			return AggregationResult{Op: AggMax, Field: spec.Field, Value: nil}
		}
		return AggregationResult{Op: AggMax, Field: spec.Field, Value: max}
	}
	return AggregationResult{}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// groupBy partitions docs by the tuple of values at fields, treating
// undefined as the literal string "null", and returns groups sorted by
// their key's string representation for deterministic output.
func groupBy(docs []document.Document, fields []string) []Group {
	index := make(map[string]*Group)
	var order []string

	for _, d := range docs {
		key := make(map[string]any, len(fields))
		var keyParts []string
		for _, f := range fields {
			v := document.FieldValue(d, f)
			if document.IsUndefined(v) {
				v = "null"
			}
			key[f] = v
			keyParts = append(keyParts, fmt.Sprintf("%s=%v", f, v))
		}
		keyStr := strings.Join(keyParts, "|")

		g, ok := index[keyStr]
		if !ok {
			g = &Group{Key: key}
			index[keyStr] = g
			order = append(order, keyStr)
		}
		g.Count++
		g.Documents = append(g.Documents, d)
	}

	sort.Strings(order)
	groups := make([]Group, 0, len(order))
	for _, k := range order {
		groups = append(groups, *index[k])
	}
	return groups
}
