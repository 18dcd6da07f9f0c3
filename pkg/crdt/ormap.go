package crdt

import (
	"sync"

	"github.com/google/uuid"

	"github.com/driftdb/driftdb/pkg/hlc"
)

// ORMap is an Observed-Remove map: for each key, a set of tagged records
// plus a globally-shared set of tombstoned tags. A tag is in exactly one
// of (live, tombstoned) at any time. Concurrent adds of the same value
// produce distinct tags and both survive a concurrent remove of the other;
// this is what distinguishes it from the LWW-Map.
type ORMap struct {
	mu         sync.RWMutex
	records    map[string]map[string]ORRecord // key -> tag -> record
	tombstones map[string]struct{}            // tag -> present
	merkle     *MerkleTree
}

// NewORMap creates an empty OR-Map.
func NewORMap() *ORMap {
	return &ORMap{
		records:    make(map[string]map[string]ORRecord),
		tombstones: make(map[string]struct{}),
		merkle:     NewMerkleTree(),
	}
}

// Kind reports this map's CRDT kind.
func (m *ORMap) Kind() Kind { return KindOR }

// merkleKey combines key and tag so each tagged record gets its own leaf
// contribution; a key's Merkle presence is the union of its tags'.
func merkleKey(key, tag string) string { return key + "\x00" + tag }

// RootHash returns the Merkle root over every live tagged record.
func (m *ORMap) RootHash() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.merkle.RootHash()
}

// Merkle exposes the underlying tree for bucket-level anti-entropy walks.
func (m *ORMap) Merkle() *MerkleTree {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.merkle
}

// NewTag generates a globally-unique tag for a new Add.
func NewTag() string { return uuid.NewString() }

// Add creates a new ORRecord for value under key, tagged with a freshly
// generated tag, and applies it.
func (m *ORMap) Add(key string, value []byte, ts hlc.Timestamp, ttlMs uint32, hasTTL bool) ORRecord {
	rec := ORRecord{Value: value, Timestamp: ts, Tag: NewTag(), TTLMs: ttlMs, HasTTL: hasTTL}
	m.Apply(key, rec)
	return rec
}

// Apply adds record to key unless its tag has already been tombstoned
// (observed-remove: a remove always wins over a concurrently-received add
// for the same tag, since the tag can only be tombstoned after it was
// observed).
func (m *ORMap) Apply(key string, record ORRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dead := m.tombstones[record.Tag]; dead {
		return
	}
	tags, ok := m.records[key]
	if !ok {
		tags = make(map[string]ORRecord)
		m.records[key] = tags
	}
	tags[record.Tag] = record
	m.merkle.Upsert(merkleKey(key, record.Tag), record.Value, record.Timestamp, record.TTLMs)
}

// Remove tombstones every currently-live tag under key whose value equals
// value, returning the tombstoned tags. A value added concurrently on
// another node (and not yet observed here) is untouched and survives, per
// OR-Set semantics.
func (m *ORMap) Remove(key string, value []byte) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tags, ok := m.records[key]
	if !ok {
		return nil
	}
	var removed []string
	for tag, rec := range tags {
		if bytesEqual(rec.Value, value) {
			removed = append(removed, tag)
		}
	}
	for _, tag := range removed {
		delete(tags, tag)
		m.tombstones[tag] = struct{}{}
		m.merkle.Remove(merkleKey(key, tag))
	}
	if len(tags) == 0 {
		delete(m.records, key)
	}
	return removed
}

// ApplyTombstone marks tag as dead and evicts any live record bearing it,
// regardless of which key it lives under. Used when replaying a remote
// peer's tombstone set during merge/anti-entropy.
func (m *ORMap) ApplyTombstone(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyTombstoneLocked(tag)
}

func (m *ORMap) applyTombstoneLocked(tag string) {
	if _, already := m.tombstones[tag]; already {
		return
	}
	m.tombstones[tag] = struct{}{}
	for key, tags := range m.records {
		if _, ok := tags[tag]; ok {
			delete(tags, tag)
			m.merkle.Remove(merkleKey(key, tag))
			if len(tags) == 0 {
				delete(m.records, key)
			}
		}
	}
}

// Get returns the multiset of live, non-expired values under key.
func (m *ORMap) Get(key string, nowMillis uint64) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tags, ok := m.records[key]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(tags))
	for _, rec := range tags {
		if !rec.Expired(nowMillis) {
			out = append(out, rec.Value)
		}
	}
	return out
}

// GetRecords returns the live ORRecords under key (including expired ones,
// for callers like GC that need the timestamp/TTL).
func (m *ORMap) GetRecords(key string) []ORRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tags, ok := m.records[key]
	if !ok {
		return nil
	}
	out := make([]ORRecord, 0, len(tags))
	for _, rec := range tags {
		out = append(out, rec)
	}
	return out
}

// OREntry is one key and its live tagged records, returned by Entries.
type OREntry struct {
	Key     string
	Records []ORRecord
}

// Entries returns every key with at least one live tag.
func (m *ORMap) Entries() []OREntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]OREntry, 0, len(m.records))
	for key, tags := range m.records {
		recs := make([]ORRecord, 0, len(tags))
		for _, rec := range tags {
			recs = append(recs, rec)
		}
		out = append(out, OREntry{Key: key, Records: recs})
	}
	return out
}

// Size returns the number of keys with at least one live tag.
func (m *ORMap) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// TombstoneTags returns the full set of tombstoned tags, for anti-entropy
// exchange and persistence under the __tombstones__ sentinel key.
func (m *ORMap) TombstoneTags() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tombstones))
	for tag := range m.tombstones {
		out = append(out, tag)
	}
	return out
}

// Prune evicts expired records by tombstoning their tags at exactly their
// expiration millis, matching the LWW-Map's deterministic-expiration
// behavior so every replica converges on the same tombstone.
func (m *ORMap) Prune(nowMillis uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiredTags []string
	for _, tags := range m.records {
		for tag, rec := range tags {
			if rec.Expired(nowMillis) {
				expiredTags = append(expiredTags, tag)
			}
		}
	}
	for _, tag := range expiredTags {
		m.applyTombstoneLocked(tag)
	}
	return len(expiredTags)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
