package crdt

import (
	"sync"

	"github.com/google/btree"

	"github.com/driftdb/driftdb/pkg/hlc"
)

// lwwItem is the btree.Item backing an LWWMap entry; ordering is by key so
// entries() can return a stable, sorted iteration order.
type lwwItem struct {
	key    string
	record Record
}

func (i *lwwItem) Less(than btree.Item) bool {
	return i.key < than.(*lwwItem).key
}

// lwwDegree is the btree branching factor; 32 keeps tree depth shallow for
// maps in the tens-of-thousands-of-keys range typical of one partition.
const lwwDegree = 32

// LWWMap is a Last-Writer-Wins map: each key holds the single Record with
// the greatest HLC timestamp ever merged for it. Safe for concurrent use.
type LWWMap struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	merkle *MerkleTree
}

// NewLWWMap creates an empty LWW-Map.
func NewLWWMap() *LWWMap {
	return &LWWMap{tree: btree.New(lwwDegree), merkle: NewMerkleTree()}
}

// Kind reports this map's CRDT kind.
func (m *LWWMap) Kind() Kind { return KindLWW }

// RootHash returns the Merkle root over every stored record (including
// tombstones, so a tombstone that hasn't propagated yet still shows up as
// a divergence).
func (m *LWWMap) RootHash() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.merkle.RootHash()
}

// Merkle exposes the underlying tree for bucket-level anti-entropy walks.
func (m *LWWMap) Merkle() *MerkleTree {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.merkle
}

// Set writes value for key at timestamp ts through the LWW merge rule: the
// existing record is replaced only if ts is after its timestamp (callers
// obtain ts from the local clock, so a local write normally wins).
func (m *LWWMap) Set(key string, value []byte, ts hlc.Timestamp, ttlMs uint32, hasTTL bool) Record {
	return m.Merge(key, Record{Value: value, Timestamp: ts, TTLMs: ttlMs, HasTTL: hasTTL})
}

// Remove produces a tombstone at ts for key.
func (m *LWWMap) Remove(key string, ts hlc.Timestamp) Record {
	return m.Merge(key, Record{Value: nil, Timestamp: ts})
}

// Merge applies candidate to key under the LWW rule: the stored record
// becomes the supremum (by timestamp) of every record ever merged for that
// key. Returns the record stored after the merge (which may be the
// pre-existing one if candidate lost).
func (m *LWWMap) Merge(key string, candidate Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &lwwItem{key: key}
	existing, ok := m.tree.Get(item).(*lwwItem)
	if !ok || wins(candidate, existing.record) {
		m.tree.ReplaceOrInsert(&lwwItem{key: key, record: candidate})
		m.merkle.Upsert(key, candidate.Value, candidate.Timestamp, candidate.TTLMs)
		return candidate
	}
	return existing.record
}

// Get returns the live value for key, or (nil, false) if the key is absent,
// tombstoned, or expired as of nowMillis.
func (m *LWWMap) Get(key string, nowMillis uint64) ([]byte, bool) {
	rec, ok := m.GetRecord(key)
	if !ok || rec.Tombstone() || rec.Expired(nowMillis) {
		return nil, false
	}
	return rec.Value, true
}

// GetRecord returns the raw stored record for key, including tombstones
// and expired-but-not-yet-GC'd records, or (Record{}, false) if absent.
func (m *LWWMap) GetRecord(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v := m.tree.Get(&lwwItem{key: key})
	if v == nil {
		return Record{}, false
	}
	return v.(*lwwItem).record, true
}

// Entry is one (key, record) pair returned by Entries.
type Entry struct {
	Key    string
	Record Record
}

// Entries returns every stored entry in ascending key order, including
// tombstones. Callers that want only live values should filter with
// Record.Tombstone/Record.Expired.
func (m *LWWMap) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, m.tree.Len())
	m.tree.Ascend(func(it btree.Item) bool {
		li := it.(*lwwItem)
		out = append(out, Entry{Key: li.key, Record: li.record})
		return true
	})
	return out
}

// Size returns the number of stored keys, including tombstones.
func (m *LWWMap) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Prune removes tombstones and expired records whose timestamp is older
// than olderThan, returning the number of keys removed. Live, non-expired
// records are never pruned.
func (m *LWWMap) Prune(olderThan hlc.Timestamp, nowMillis uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toDelete []string
	m.tree.Ascend(func(it btree.Item) bool {
		li := it.(*lwwItem)
		if !li.record.Timestamp.Before(olderThan) {
			return true
		}
		if li.record.Tombstone() || li.record.Expired(nowMillis) {
			toDelete = append(toDelete, li.key)
		}
		return true
	})
	for _, k := range toDelete {
		m.tree.Delete(&lwwItem{key: k})
		m.merkle.Remove(k)
	}
	return len(toDelete)
}

// ExpireTTLs converts every record whose TTL has elapsed as of nowMillis
// into a tombstone timestamped at exactly its expiration millis (so every
// replica that runs this independently converges on the same tombstone
// timestamp, per the deterministic-expiration invariant). Returns the
// number of records converted.
func (m *LWWMap) ExpireTTLs(nowMillis uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*lwwItem
	m.tree.Ascend(func(it btree.Item) bool {
		li := it.(*lwwItem)
		if !li.record.Tombstone() && li.record.Expired(nowMillis) {
			expired = append(expired, li)
		}
		return true
	})
	for _, li := range expired {
		expiresAt, _ := li.record.ExpiresAt()
		tombTs := li.record.Timestamp
		tombTs.Millis = expiresAt
		tomb := Record{Value: nil, Timestamp: tombTs}
		m.tree.ReplaceOrInsert(&lwwItem{key: li.key, record: tomb})
		m.merkle.Upsert(li.key, tomb.Value, tomb.Timestamp, tomb.TTLMs)
	}
	return len(expired)
}
