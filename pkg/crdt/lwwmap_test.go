package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/pkg/hlc"
)

func ts(millis uint64, counter uint32, node string) hlc.Timestamp {
	return hlc.Timestamp{Millis: millis, Counter: counter, NodeID: node}
}

func TestLWWMapSetAndGet(t *testing.T) {
	m := NewLWWMap()
	m.Set("key1", []byte("ValueA"), ts(100, 0, "node-a"), 0, false)

	v, ok := m.Get("key1", 0)
	require.True(t, ok)
	require.Equal(t, []byte("ValueA"), v)
}

func TestLWWMapTieBreakConvergence(t *testing.T) {
	// client-A writes key1="ValueA" at HLC1; 20ms later client-B writes
	// key1="ValueB" at HLC2 > HLC1. Both replicas converge on ValueB.
	hlc1 := ts(1000, 0, "node-a")
	hlc2 := ts(1020, 0, "node-b")

	replica1 := NewLWWMap()
	replica2 := NewLWWMap()

	replica1.Set("key1", []byte("ValueA"), hlc1, 0, false)
	replica2.Set("key1", []byte("ValueA"), hlc1, 0, false)

	replica1.Set("key1", []byte("ValueB"), hlc2, 0, false)
	replica2.Merge("key1", Record{Value: []byte("ValueB"), Timestamp: hlc2})

	v1, _ := replica1.Get("key1", 0)
	v2, _ := replica2.Get("key1", 0)
	require.Equal(t, []byte("ValueB"), v1)
	require.Equal(t, []byte("ValueB"), v2)
	require.Equal(t, replica1.RootHash(), replica2.RootHash())
}

func TestLWWMapMergeIsIdempotent(t *testing.T) {
	m := NewLWWMap()
	rec := Record{Value: []byte("x"), Timestamp: ts(100, 0, "node-a")}
	m.Merge("k", rec)
	before := m.RootHash()
	m.Merge("k", rec)
	require.Equal(t, before, m.RootHash())
}

func TestLWWMapRemoveProducesTombstone(t *testing.T) {
	m := NewLWWMap()
	m.Set("k", []byte("x"), ts(100, 0, "node-a"), 0, false)
	m.Remove("k", ts(200, 0, "node-a"))

	_, ok := m.Get("k", 0)
	require.False(t, ok)

	rec, ok := m.GetRecord("k")
	require.True(t, ok)
	require.True(t, rec.Tombstone())
}

func TestLWWMapOlderWriteLoses(t *testing.T) {
	m := NewLWWMap()
	m.Set("k", []byte("new"), ts(200, 0, "node-a"), 0, false)
	stored := m.Merge("k", Record{Value: []byte("old"), Timestamp: ts(100, 0, "node-a")})

	require.Equal(t, []byte("new"), stored.Value)
	v, _ := m.Get("k", 0)
	require.Equal(t, []byte("new"), v)
}

func TestLWWMapTTLExpiry(t *testing.T) {
	m := NewLWWMap()
	m.Set("k", []byte("x"), ts(1000, 0, "node-a"), 500, true)

	_, ok := m.Get("k", 1200)
	require.True(t, ok)

	_, ok = m.Get("k", 1600)
	require.False(t, ok)
}

func TestLWWMapExpireTTLsIsDeterministic(t *testing.T) {
	m1 := NewLWWMap()
	m2 := NewLWWMap()
	m1.Set("k", []byte("x"), ts(1000, 0, "node-a"), 500, true)
	m2.Set("k", []byte("x"), ts(1000, 0, "node-a"), 500, true)

	m1.ExpireTTLs(2000)
	m2.ExpireTTLs(3000) // a later GC run on a different replica

	rec1, _ := m1.GetRecord("k")
	rec2, _ := m2.GetRecord("k")
	require.True(t, rec1.Tombstone())
	require.True(t, rec2.Tombstone())
	require.Equal(t, uint64(1500), rec1.Timestamp.Millis)
	require.Equal(t, rec1.Timestamp.Millis, rec2.Timestamp.Millis)
	require.Equal(t, m1.RootHash(), m2.RootHash())
}

func TestLWWMapEntriesOrderedByKey(t *testing.T) {
	m := NewLWWMap()
	m.Set("c", []byte("3"), ts(10, 0, "n"), 0, false)
	m.Set("a", []byte("1"), ts(10, 0, "n"), 0, false)
	m.Set("b", []byte("2"), ts(10, 0, "n"), 0, false)

	entries := m.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "a", entries[0].Key)
	require.Equal(t, "b", entries[1].Key)
	require.Equal(t, "c", entries[2].Key)
}

func TestLWWMapPruneOnlyRemovesTombstonesAndExpired(t *testing.T) {
	m := NewLWWMap()
	m.Set("live", []byte("x"), ts(100, 0, "n"), 0, false)
	m.Remove("dead", ts(100, 0, "n"))

	removed := m.Prune(ts(1000, 0, "n"), 0)
	require.Equal(t, 1, removed)

	_, ok := m.GetRecord("dead")
	require.False(t, ok)
	_, ok = m.GetRecord("live")
	require.True(t, ok)
}

func TestLWWMapRootHashOrderIndependent(t *testing.T) {
	m1 := NewLWWMap()
	m2 := NewLWWMap()

	m1.Set("a", []byte("1"), ts(10, 0, "n"), 0, false)
	m1.Set("b", []byte("2"), ts(20, 0, "n"), 0, false)

	m2.Set("b", []byte("2"), ts(20, 0, "n"), 0, false)
	m2.Set("a", []byte("1"), ts(10, 0, "n"), 0, false)

	require.Equal(t, m1.RootHash(), m2.RootHash())
}
