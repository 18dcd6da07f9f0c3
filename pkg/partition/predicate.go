package partition

// Predicate is the closed query-predicate AST shared by the partition
// pruner and the query/subscription coordinator. It is intentionally
// closed (a fixed sum of node kinds) rather than a duck-typed tree so the
// pruner can pattern-match exhaustively instead of guessing at an
// interface's capabilities.
type Predicate struct {
	Kind PredicateKind

	// Eq/In/Gt/Lt operate on a single field.
	Field string
	Value any   // Eq, Gt, Lt
	Values []any // In

	// And/Or/Not operate on children.
	Children []Predicate
}

// PredicateKind enumerates the closed set of predicate node types.
type PredicateKind int

const (
	PredEq PredicateKind = iota
	PredGt
	PredLt
	PredIn
	PredAnd
	PredOr
	PredNot
)

// KeyField is the reserved field name for partition-key equality/membership
// predicates (`_key` in wire messages).
const KeyField = "_key"

// GetRelevantPartitions returns the set of partition ids the query can be
// pruned to, or (nil, false) if the query can't be reduced to a
// conjunction naming the key. A non-null result is returned iff the
// predicate reduces to a conjunction where at least one child is a
// `_key` equality or membership test; an OR branch containing a
// non-key predicate, or any NOT, disqualifies pruning.
func (s *Service) GetRelevantPartitions(pred Predicate) ([]uint32, bool) {
	keys, ok := extractKeyCandidates(pred)
	if !ok || len(keys) == 0 {
		return nil, false
	}

	seen := make(map[uint32]struct{})
	var pids []uint32
	for _, k := range keys {
		pid := GetPartitionID(k)
		if _, dup := seen[pid]; !dup {
			seen[pid] = struct{}{}
			pids = append(pids, pid)
		}
	}
	return pids, true
}

// extractKeyCandidates walks pred looking for a conjunction (or a lone
// predicate) that pins down a finite set of key values. Returns false if
// the predicate can't be reduced this way.
func extractKeyCandidates(pred Predicate) ([]string, bool) {
	switch pred.Kind {
	case PredEq:
		if pred.Field != KeyField {
			return nil, false
		}
		if s, ok := pred.Value.(string); ok {
			return []string{s}, true
		}
		return nil, false

	case PredIn:
		if pred.Field != KeyField {
			return nil, false
		}
		out := make([]string, 0, len(pred.Values))
		for _, v := range pred.Values {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true

	case PredAnd:
		// A conjunction is prunable if ANY child pins down the key; the
		// other children are additional filters applied after fan-out, not
		// part of partition selection.
		for _, child := range pred.Children {
			if keys, ok := extractKeyCandidates(child); ok {
				return keys, true
			}
		}
		return nil, false

	case PredOr, PredNot, PredGt, PredLt:
		// OR branches containing non-key predicates, NOT, and open-ended
		// range predicates never narrow the partition set.
		return nil, false

	default:
		return nil, false
	}
}
