package crdt

import (
	"fmt"

	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/wire"
)

// Codec field tags. Kept local to this file since pkg/storagemgr never
// needs to address a field directly — it only round-trips through
// Encode*/Decode*.
const (
	fieldHasValue uint8 = iota + 1
	fieldValue
	fieldMillis
	fieldCounter
	fieldNodeID
	fieldHasTTL
	fieldTTLMs
	fieldTag
)

func encodeTimestamp(f wire.Fields, ts hlc.Timestamp) {
	f.SetUint64(fieldMillis, ts.Millis)
	f.SetUint64(fieldCounter, uint64(ts.Counter))
	f.SetString(fieldNodeID, ts.NodeID)
}

func decodeTimestamp(f wire.Fields) (hlc.Timestamp, error) {
	millis, ok := f.GetUint64(fieldMillis)
	if !ok {
		return hlc.Timestamp{}, fmt.Errorf("crdt: missing timestamp millis")
	}
	counter, ok := f.GetUint64(fieldCounter)
	if !ok {
		return hlc.Timestamp{}, fmt.Errorf("crdt: missing timestamp counter")
	}
	nodeID, _ := f.GetString(fieldNodeID)
	return hlc.Timestamp{Millis: millis, Counter: uint32(counter), NodeID: nodeID}, nil
}

// EncodeRecord serializes a LWW record for persistence, reusing pkg/wire's
// tagged binary codec rather than introducing a second on-disk format.
func EncodeRecord(r Record) []byte {
	f := wire.Fields{}
	if !r.Tombstone() {
		f.SetBool(fieldHasValue, true)
		f.SetBytes(fieldValue, r.Value)
	}
	encodeTimestamp(f, r.Timestamp)
	if r.HasTTL {
		f.SetBool(fieldHasTTL, true)
		f.SetUint64(fieldTTLMs, uint64(r.TTLMs))
	}
	return wire.EncodeFields(f)
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return Record{}, fmt.Errorf("crdt: decode record: %w", err)
	}
	ts, err := decodeTimestamp(f)
	if err != nil {
		return Record{}, fmt.Errorf("crdt: decode record: %w", err)
	}
	r := Record{Timestamp: ts}
	if hasValue, _ := f.GetBool(fieldHasValue); hasValue {
		r.Value, _ = f.GetBytes(fieldValue)
	}
	if hasTTL, _ := f.GetBool(fieldHasTTL); hasTTL {
		ttlMs, _ := f.GetUint64(fieldTTLMs)
		r.HasTTL = true
		r.TTLMs = uint32(ttlMs)
	}
	return r, nil
}

func encodeORRecordFields(r ORRecord) wire.Fields {
	f := wire.Fields{}
	f.SetBytes(fieldValue, r.Value)
	f.SetString(fieldTag, r.Tag)
	encodeTimestamp(f, r.Timestamp)
	if r.HasTTL {
		f.SetBool(fieldHasTTL, true)
		f.SetUint64(fieldTTLMs, uint64(r.TTLMs))
	}
	return f
}

func decodeORRecordFields(f wire.Fields) (ORRecord, error) {
	ts, err := decodeTimestamp(f)
	if err != nil {
		return ORRecord{}, fmt.Errorf("crdt: decode or-record: %w", err)
	}
	value, _ := f.GetBytes(fieldValue)
	tag, _ := f.GetString(fieldTag)
	r := ORRecord{Value: value, Tag: tag, Timestamp: ts}
	if hasTTL, _ := f.GetBool(fieldHasTTL); hasTTL {
		ttlMs, _ := f.GetUint64(fieldTTLMs)
		r.HasTTL = true
		r.TTLMs = uint32(ttlMs)
	}
	return r, nil
}

// EncodeORRecords serializes every live ORRecord for one OR-Map key as a
// single persisted value (the "OR-Map-Value {records[]}" storage.Store
// documents).
func EncodeORRecords(records []ORRecord) []byte {
	list := make([]wire.Fields, 0, len(records))
	for _, r := range records {
		list = append(list, encodeORRecordFields(r))
	}
	f := wire.Fields{}
	f.SetList(fieldValue, list)
	return wire.EncodeFields(f)
}

// DecodeORRecords is the inverse of EncodeORRecords.
func DecodeORRecords(data []byte) ([]ORRecord, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("crdt: decode or-records: %w", err)
	}
	list, ok := f.GetList(fieldValue)
	if !ok {
		return nil, nil
	}
	out := make([]ORRecord, 0, len(list))
	for _, item := range list {
		r, err := decodeORRecordFields(item)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// EncodeTombstoneTags serializes the OR-Map's tombstoned-tag set for the
// storage.TombstoneSentinel key.
func EncodeTombstoneTags(tags []string) []byte {
	list := make([]wire.Fields, 0, len(tags))
	for _, tag := range tags {
		f := wire.Fields{}
		f.SetString(fieldTag, tag)
		list = append(list, f)
	}
	f := wire.Fields{}
	f.SetList(fieldValue, list)
	return wire.EncodeFields(f)
}

// DecodeTombstoneTags is the inverse of EncodeTombstoneTags.
func DecodeTombstoneTags(data []byte) ([]string, error) {
	f, err := wire.DecodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("crdt: decode tombstone tags: %w", err)
	}
	list, ok := f.GetList(fieldValue)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if tag, ok := item.GetString(fieldTag); ok {
			out = append(out, tag)
		}
	}
	return out, nil
}
