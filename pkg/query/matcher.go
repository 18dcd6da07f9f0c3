// Package query implements the Distributed Subscription Coordinator: the
// predicate interpreter, partition-pruned fan-out of QUERY_SUB/SEARCH_SUB
// to relevant owners, result merging, and live ENTER/UPDATE/LEAVE
// propagation as writes land.
package query

import (
	"encoding/json"

	"github.com/driftdb/driftdb/pkg/partition"
)

// Document decodes a stored record's value into the field map a predicate
// matches against. driftdb's documents are JSON objects; a value that
// doesn't decode to an object (or is a tombstone) matches nothing.
func Document(value []byte) map[string]any {
	if value == nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil
	}
	return doc
}

// Matches evaluates pred against doc. This is the explicit interpreter
// over the closed predicate AST (spec's redesign away from reflection-
// style `$`-operator dictionaries): a plain recursive type switch, no
// runtime operator dispatch table.
func Matches(pred partition.Predicate, doc map[string]any) bool {
	switch pred.Kind {
	case partition.PredEq:
		if pred.Field == partition.KeyField {
			return true // _key equality is resolved by partition pruning/routing, not field comparison
		}
		v, ok := doc[pred.Field]
		return ok && scalarEqual(v, pred.Value)

	case partition.PredGt:
		v, ok := doc[pred.Field]
		if !ok {
			return false
		}
		return scalarCompare(v, pred.Value) > 0

	case partition.PredLt:
		v, ok := doc[pred.Field]
		if !ok {
			return false
		}
		return scalarCompare(v, pred.Value) < 0

	case partition.PredIn:
		if pred.Field == partition.KeyField {
			return true
		}
		v, ok := doc[pred.Field]
		if !ok {
			return false
		}
		for _, candidate := range pred.Values {
			if scalarEqual(v, candidate) {
				return true
			}
		}
		return false

	case partition.PredAnd:
		for _, child := range pred.Children {
			if !Matches(child, doc) {
				return false
			}
		}
		return true

	case partition.PredOr:
		for _, child := range pred.Children {
			if Matches(child, doc) {
				return true
			}
		}
		return false

	case partition.PredNot:
		if len(pred.Children) != 1 {
			return false
		}
		return !Matches(pred.Children[0], doc)

	default:
		return false
	}
}

func scalarEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

// scalarCompare returns -1/0/1 comparing a to b numerically; non-numeric
// operands that can't be compared report 0 (never satisfies Gt/Lt).
func scalarCompare(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
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
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
