// Package query implements the scatter-gather query pipeline: parsing a
// request into a validated expression, planning per-shard targets, executing
// the fan-out, merging results, and running post-merge aggregations.
package query

import (
	"github.com/oriondb/oriondb/pkg/errors"
)

// Condition is one filter clause in a parsed query's AND expression.
type Condition struct {
	Field string
	Op    string
	Value any
}

var validOps = map[string]bool{
	"=": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
}

// SortSpec orders results by a dotted field path.
type SortSpec struct {
	Field     string
	Direction string // asc or desc
}

// NoLimit marks an Options.Limit that was never specified by the caller, so
// it can be told apart from a literal Limit: 0 (which must truncate to no
// rows, not fall back to unbounded).
const NoLimit = -1

// Options carries pagination and sort for a parsed query. Limit follows the
// NoLimit convention: negative means unbounded, zero means literally zero
// rows, positive is a real cap.
type Options struct {
	Limit  int
	Offset int
	Sort   []SortSpec
}

// Expression is the parsed query body. LogicalOp is always AND today;
// OR and set/text operators are reserved extension points per the filter
// grammar but are not required to execute.
type Expression struct {
	Conditions []Condition
	LogicalOp  string
}

// ParsedQuery is the validated output of Parse, ready for planning.
type ParsedQuery struct {
	Collection string
	Expression Expression
	Projection []string
	Options    Options
}

// RawFilter is the wire-level shape of a single filter clause before
// validation.
type RawFilter struct {
	Field string
	Op    string
	Value any
}

// RawOptions is the wire-level shape of query options before validation.
// Limit is a pointer so an omitted field can be distinguished from a
// client-supplied 0: the JSON decoder leaves it nil when absent.
type RawOptions struct {
	Limit  *int
	Offset int
	Sort   []SortSpec
}

// Parse validates a raw query request and produces a ParsedQuery. It never
// touches storage or routing — it only checks shape and values.
func Parse(collection string, filters []RawFilter, projection []string, opts RawOptions) (ParsedQuery, error) {
	if collection == "" {
		return ParsedQuery{}, errors.Newf(errors.ErrInvalidQuery, 400, "collection is required")
	}

	conditions := make([]Condition, 0, len(filters))
	for _, f := range filters {
		if f.Field == "" {
			return ParsedQuery{}, errors.Newf(errors.ErrInvalidQuery, 400, "filter field must be a non-empty string")
		}
		if !validOps[f.Op] {
			return ParsedQuery{}, errors.Newf(errors.ErrInvalidQuery, 400, "unsupported filter operator %q", f.Op)
		}
		if f.Value == nil {
			return ParsedQuery{}, errors.Newf(errors.ErrInvalidQuery, 400, "filter on field %q must have a defined value", f.Field)
		}
		conditions = append(conditions, Condition{Field: f.Field, Op: f.Op, Value: f.Value})
	}

	limit := NoLimit
	if opts.Limit != nil {
		if *opts.Limit < 0 {
			return ParsedQuery{}, errors.Newf(errors.ErrInvalidQuery, 400, "options.limit must be >= 0")
		}
		limit = *opts.Limit
	}
	if opts.Offset < 0 {
		return ParsedQuery{}, errors.Newf(errors.ErrInvalidQuery, 400, "options.offset must be >= 0")
	}
	for _, s := range opts.Sort {
		if s.Field == "" {
			return ParsedQuery{}, errors.Newf(errors.ErrInvalidQuery, 400, "sort entry requires a non-empty field")
		}
		if s.Direction != "asc" && s.Direction != "desc" {
			return ParsedQuery{}, errors.Newf(errors.ErrInvalidQuery, 400, "sort direction must be asc or desc, got %q", s.Direction)
		}
	}

	return ParsedQuery{
		Collection: collection,
		Expression: Expression{Conditions: conditions, LogicalOp: "AND"},
		Projection: projection,
		Options:    Options{Limit: limit, Offset: opts.Offset, Sort: opts.Sort},
	}, nil
}
