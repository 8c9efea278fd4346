// Package document defines the Document type shared by the shard store and
// query pipeline, along with reserved-field handling, id/collection
// validation, and dotted-path field access.
package document

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/oriondb/oriondb/pkg/errors"
)

// MaxDocBytes is the default maximum serialized payload size.
const MaxDocBytes = 1048576

var (
	idPattern         = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,100}$`)
	collectionPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,50}$`)
)

// ReservedFields are the keys the store owns; user payloads may not set
// them directly.
var ReservedFields = map[string]bool{
	"_id":         true,
	"_collection": true,
	"_version":    true,
	"_createdAt":  true,
	"_updatedAt":  true,
}

// Document is a stored document: store-owned metadata plus an open-ended
// user payload.
type Document struct {
	ID         string         `json:"_id"`
	Collection string         `json:"_collection"`
	Version    int64          `json:"_version"`
	CreatedAt  int64          `json:"_createdAt"`
	UpdatedAt  int64          `json:"_updatedAt"`
	Payload    map[string]any `json:"-"`
}

// ToJSON returns the document flattened into a single map suitable for
// JSON encoding: reserved metadata fields alongside the user payload.
func (d Document) ToJSON() map[string]any {
	out := make(map[string]any, len(d.Payload)+5)
	for k, v := range d.Payload {
		out[k] = v
	}
	out["_id"] = d.ID
	out["_collection"] = d.Collection
	out["_version"] = d.Version
	out["_createdAt"] = d.CreatedAt
	out["_updatedAt"] = d.UpdatedAt
	return out
}

// ValidateID reports whether id matches the permitted document-id charset.
func ValidateID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidateCollection reports whether name matches the permitted collection
// charset and does not begin with a double underscore (reserved for
// internal index keys).
func ValidateCollection(name string) bool {
	return collectionPattern.MatchString(name) && !strings.HasPrefix(name, "__")
}

// StripReserved returns a copy of payload with any reserved keys removed,
// and reports whether any were present.
func StripReserved(payload map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(payload))
	hadReserved := false
	for k, v := range payload {
		if ReservedFields[k] {
			hadReserved = true
			continue
		}
		out[k] = v
	}
	return out, hadReserved
}

// RejectReserved returns ErrInvalidDocument if payload sets any reserved
// field.
func RejectReserved(payload map[string]any) error {
	for k := range payload {
		if ReservedFields[k] {
			return errors.Newf(errors.ErrInvalidDocument, 400, "payload must not set reserved field %q", k)
		}
	}
	return nil
}

// undefinedType is the type of the sentinel returned by FieldValue when a
// dotted path does not resolve. It never compares equal, greater, or less than any value.
type undefinedType struct{}

// Undefined is the sentinel value for a missing dotted path.
var Undefined = undefinedType{}

// FieldValue resolves a dotted path (e.g. "a.b.c") against doc, checking
// reserved top-level fields first, then the payload. Returns Undefined if
// any path segment is missing or not an object.
func FieldValue(doc Document, path string) any {
	segments := strings.Split(path, ".")
	if v, ok := reservedFieldValue(doc, segments[0]); ok {
		if len(segments) == 1 {
			return v
		}
		return Undefined
	}

	var cur any = doc.Payload
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return Undefined
		}
		v, ok := m[seg]
		if !ok {
			return Undefined
		}
		cur = v
	}
	return cur
}

func reservedFieldValue(doc Document, key string) (any, bool) {
	switch key {
	case "_id":
		return doc.ID, true
	case "_collection":
		return doc.Collection, true
	case "_version":
		return doc.Version, true
	case "_createdAt":
		return doc.CreatedAt, true
	case "_updatedAt":
		return doc.UpdatedAt, true
	default:
		return nil, false
	}
}

// IsUndefined reports whether v is the FieldValue "missing path" sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// Compare applies operator op to (fieldValue, target), returning the
// boolean result. Undefined never compares equal, greater, or less than
// anything; all comparisons are false except "!=" which is true.
func Compare(fieldValue any, op string, target any) bool {
	if IsUndefined(fieldValue) {
		return op == "!="
	}
	switch op {
	case "=":
		return equalValues(fieldValue, target)
	case "!=":
		return !equalValues(fieldValue, target)
	case ">", ">=", "<", "<=":
		return orderedCompare(fieldValue, op, target)
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		return ab == bb
	}
	return a == b
}

func orderedCompare(a any, op string, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case ">":
			return af > bf
		case ">=":
			return af >= bf
		case "<":
			return af < bf
		case "<=":
			return af <= bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case ">":
			return as > bs
		case ">=":
			return as >= bs
		case "<":
			return as < bs
		case "<=":
			return as <= bs
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
