package query

import (
	"fmt"

	"github.com/driftdb/driftdb/pkg/partition"
	"github.com/driftdb/driftdb/pkg/wire"
)

// Field tags for the predicate AST's own wire.Fields encoding — the
// CLUSTER_SUB_REGISTER payload carries a predicate this way rather than
// introducing a second serialization format just for queries.
const (
	fieldPredKind     uint8 = 1
	fieldPredField    uint8 = 2
	fieldPredValue    uint8 = 3
	fieldPredValues   uint8 = 4
	fieldPredChildren uint8 = 5
)

// scalar value tags, nested one level inside a predicate value/values field.
const (
	fieldScalarKind   uint8 = 1
	fieldScalarString uint8 = 2
	fieldScalarFloat  uint8 = 3
	fieldScalarBool   uint8 = 4
)

const (
	scalarString uint8 = iota
	scalarFloat
	scalarBool
)

func encodeScalar(v any) wire.Fields {
	f := wire.Fields{}
	switch val := v.(type) {
	case string:
		f.SetUint64(fieldScalarKind, uint64(scalarString))
		f.SetString(fieldScalarString, val)
	case float64:
		f.SetUint64(fieldScalarKind, uint64(scalarFloat))
		f.SetFloat64(fieldScalarFloat, val)
	case bool:
		f.SetUint64(fieldScalarKind, uint64(scalarBool))
		f.SetBool(fieldScalarBool, val)
	default:
		panic(fmt.Sprintf("query: unsupported predicate scalar type %T", v))
	}
	return f
}

func decodeScalar(f wire.Fields) (any, error) {
	kind, ok := f.GetUint64(fieldScalarKind)
	if !ok {
		return nil, fmt.Errorf("query: scalar missing kind")
	}
	switch uint8(kind) {
	case scalarString:
		v, _ := f.GetString(fieldScalarString)
		return v, nil
	case scalarFloat:
		v, _ := f.GetFloat64(fieldScalarFloat)
		return v, nil
	case scalarBool:
		v, _ := f.GetBool(fieldScalarBool)
		return v, nil
	default:
		return nil, fmt.Errorf("query: unknown scalar kind %d", kind)
	}
}

// EncodePredicate serializes pred for CLUSTER_SUB_REGISTER transport.
func EncodePredicate(pred partition.Predicate) wire.Fields {
	f := wire.Fields{}
	f.SetUint64(fieldPredKind, uint64(pred.Kind))
	if pred.Field != "" {
		f.SetString(fieldPredField, pred.Field)
	}
	if pred.Value != nil {
		f.SetMessage(fieldPredValue, encodeScalar(pred.Value))
	}
	if len(pred.Values) > 0 {
		list := make([]wire.Fields, 0, len(pred.Values))
		for _, v := range pred.Values {
			list = append(list, encodeScalar(v))
		}
		f.SetList(fieldPredValues, list)
	}
	if len(pred.Children) > 0 {
		children := make([]wire.Fields, 0, len(pred.Children))
		for _, c := range pred.Children {
			children = append(children, EncodePredicate(c))
		}
		f.SetList(fieldPredChildren, children)
	}
	return f
}

// DecodePredicate is the inverse of EncodePredicate.
func DecodePredicate(f wire.Fields) (partition.Predicate, error) {
	kind, ok := f.GetUint64(fieldPredKind)
	if !ok {
		return partition.Predicate{}, fmt.Errorf("query: predicate missing kind")
	}
	pred := partition.Predicate{Kind: partition.PredicateKind(kind)}
	pred.Field, _ = f.GetString(fieldPredField)

	if valueFields, ok := f.GetMessage(fieldPredValue); ok {
		v, err := decodeScalar(valueFields)
		if err != nil {
			return partition.Predicate{}, err
		}
		pred.Value = v
	}
	if valuesList, ok := f.GetList(fieldPredValues); ok {
		pred.Values = make([]any, 0, len(valuesList))
		for _, item := range valuesList {
			v, err := decodeScalar(item)
			if err != nil {
				return partition.Predicate{}, err
			}
			pred.Values = append(pred.Values, v)
		}
	}
	if childList, ok := f.GetList(fieldPredChildren); ok {
		pred.Children = make([]partition.Predicate, 0, len(childList))
		for _, item := range childList {
			child, err := DecodePredicate(item)
			if err != nil {
				return partition.Predicate{}, err
			}
			pred.Children = append(pred.Children, child)
		}
	}
	return pred, nil
}

// EncodePredicateBytes/DecodePredicateBytes wrap the Fields codec for
// call sites that want an opaque byte payload (e.g. embedding inside a
// larger Fields message under a single bytes tag).
func EncodePredicateBytes(pred partition.Predicate) []byte {
	return wire.EncodeFields(EncodePredicate(pred))
}

func DecodePredicateBytes(data []byte) (partition.Predicate, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return partition.Predicate{}, fmt.Errorf("query: decode predicate: %w", err)
	}
	return DecodePredicate(f)
}
