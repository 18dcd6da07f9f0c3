// Package crdt implements the two CRDT map types backing every mapName in
// the store (LWW-Map and OR-Map), their shared capability interface, and
// the Merkle tree used for anti-entropy between replicas. Every mutation
// and merge is ordered by an hlc.Timestamp; see pkg/hlc for the clock
// itself.
package crdt

import "github.com/driftdb/driftdb/pkg/hlc"

// Record is a Last-Writer-Wins record: a value (nil denotes a tombstone)
// stamped with the HLC timestamp of its last write, and an optional TTL
// relative to that timestamp.
type Record struct {
	Value     []byte
	Timestamp hlc.Timestamp
	TTLMs     uint32
	HasTTL    bool
}

// Tombstone reports whether r represents a deletion.
func (r Record) Tombstone() bool { return r.Value == nil }

// ExpiresAt returns the wall-clock millis at which r expires, and whether
// r has a TTL at all.
func (r Record) ExpiresAt() (uint64, bool) {
	if !r.HasTTL {
		return 0, false
	}
	return r.Timestamp.Millis + uint64(r.TTLMs), true
}

// Expired reports whether r's TTL has elapsed as of nowMillis. A record
// with no TTL never expires.
func (r Record) Expired(nowMillis uint64) bool {
	expiresAt, ok := r.ExpiresAt()
	if !ok {
		return false
	}
	return nowMillis >= expiresAt
}

// wins reports whether candidate should replace current under the LWW
// merge rule: larger timestamp wins, ties broken by node-id order packed
// into Timestamp.Compare already.
func wins(candidate, current Record) bool {
	return candidate.Timestamp.After(current.Timestamp)
}

// ORRecord is one observed-remove record: a value tagged with a globally
// unique tag (so concurrent adds of the same value never collide) and the
// HLC timestamp at which it was added.
type ORRecord struct {
	Value     []byte
	Timestamp hlc.Timestamp
	Tag       string
	TTLMs     uint32
	HasTTL    bool
}

// Expired reports whether the ORRecord's TTL has elapsed as of nowMillis.
func (r ORRecord) Expired(nowMillis uint64) bool {
	if !r.HasTTL {
		return false
	}
	return nowMillis >= r.Timestamp.Millis+uint64(r.TTLMs)
}
