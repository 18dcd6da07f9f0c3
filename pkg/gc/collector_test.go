package gc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driftdb/driftdb/pkg/cluster"
	"github.com/driftdb/driftdb/pkg/crdt"
	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/partition"
	"github.com/driftdb/driftdb/pkg/replication"
	"github.com/driftdb/driftdb/pkg/storage"
	"github.com/driftdb/driftdb/pkg/storagemgr"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]map[string][]byte)}
}

func (s *memStore) Load(ctx context.Context, mapName, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[mapName][key], nil
}

func (s *memStore) LoadAll(ctx context.Context, mapName string, keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := s.data[mapName][k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *memStore) LoadAllKeys(ctx context.Context, mapName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.data[mapName] {
		out = append(out, k)
	}
	return out, nil
}

func (s *memStore) Store(ctx context.Context, mapName, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[mapName] == nil {
		s.data[mapName] = make(map[string][]byte)
	}
	s.data[mapName][key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, mapName, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[mapName], key)
	return nil
}

func (s *memStore) Close() error { return nil }

var _ storage.Store = (*memStore)(nil)

func newStandaloneCollector(t *testing.T, nodeID string) (*Collector, *storagemgr.Manager, *CutoffTracker) {
	t.Helper()
	clusterMgr := cluster.NewManager(cluster.Config{NodeID: nodeID, BindAddr: "127.0.0.1:0"})
	if err := clusterMgr.Start(); err != nil {
		t.Fatalf("cluster start: %v", err)
	}
	t.Cleanup(func() { _ = clusterMgr.Stop() })

	partitions := partition.NewService(1)
	partitions.SetMembers([]string{nodeID})

	storeMgr := storagemgr.New(newMemStore(), 0)
	pipe := replication.New(replication.Config{SelfNodeID: nodeID}, clusterMgr, partitions, func(op replication.Op) error { return nil })
	pipe.Start()
	t.Cleanup(pipe.Close)

	cutoff := NewCutoffTracker()
	coll := New(Config{SweepBudget: time.Second}, storeMgr, pipe, cutoff)
	return coll, storeMgr, cutoff
}

func TestRunOnceExpiresTTLsToTombstones(t *testing.T) {
	coll, storeMgr, _ := newStandaloneCollector(t, "node-a")

	m, err := storeMgr.GetMapAsync(context.Background(), "widgets", crdt.KindLWW)
	if err != nil {
		t.Fatalf("load map: %v", err)
	}
	lww := m.(*crdt.LWWMap)
	past := hlc.Timestamp{Millis: 1}
	lww.Set("k1", []byte("v1"), past, 1, true) // expires at millis=2, long past "now"

	coll.RunOnce(context.Background())

	rec, ok := lww.GetRecord("k1")
	if !ok {
		t.Fatal("expected record to still exist as a tombstone")
	}
	if !rec.Tombstone() {
		t.Fatal("expected k1 to have been expired into a tombstone")
	}
}

func TestRunOneceSkipsPruneWhenCutoffIndeterminate(t *testing.T) {
	coll, storeMgr, _ := newStandaloneCollector(t, "node-a")

	m, err := storeMgr.GetMapAsync(context.Background(), "widgets", crdt.KindLWW)
	if err != nil {
		t.Fatalf("load map: %v", err)
	}
	lww := m.(*crdt.LWWMap)
	lww.Remove("k1", hlc.Timestamp{Millis: 1})

	coll.RunOnce(context.Background())

	if _, ok := lww.GetRecord("k1"); !ok {
		t.Fatal("expected tombstone to survive since no cutoff could be computed")
	}
}

func TestRunOncePrunesTombstonesUnderSafeCutoff(t *testing.T) {
	coll, storeMgr, cutoff := newStandaloneCollector(t, "node-a")
	cutoff.RecordActive("client-a", hlc.Timestamp{Millis: 1_000_000})

	m, err := storeMgr.GetMapAsync(context.Background(), "widgets", crdt.KindLWW)
	if err != nil {
		t.Fatalf("load map: %v", err)
	}
	lww := m.(*crdt.LWWMap)
	lww.Remove("k1", hlc.Timestamp{Millis: 1})

	coll.RunOnce(context.Background())

	if _, ok := lww.GetRecord("k1"); ok {
		t.Fatal("expected tombstone older than the safe cutoff to be pruned")
	}
}

func TestRunOnceExpiresORMapTTLsToTombstoneTags(t *testing.T) {
	coll, storeMgr, _ := newStandaloneCollector(t, "node-a")

	m, err := storeMgr.GetMapAsync(context.Background(), "tags", crdt.KindOR)
	if err != nil {
		t.Fatalf("load map: %v", err)
	}
	or := m.(*crdt.ORMap)
	rec := or.Add("k1", []byte("v1"), hlc.Timestamp{Millis: 1}, 1, true) // expires almost immediately

	coll.RunOnce(context.Background())

	tags := or.TombstoneTags()
	if len(tags) != 1 || tags[0] != rec.Tag {
		t.Fatalf("expected k1's tag tombstoned by TTL expiry, got %v", tags)
	}
	// OR-Map has no second prune phase: a tombstone tag, once created, is
	// never evicted outright, so it still shows up in TombstoneTags after
	// a second sweep under a determinate cutoff.
	coll.cutoff.RecordActive("client-a", hlc.Timestamp{Millis: 1_000_000})
	coll.RunOnce(context.Background())
	if tags := or.TombstoneTags(); len(tags) != 1 || tags[0] != rec.Tag {
		t.Fatalf("expected the tombstone tag to persist, got %v", tags)
	}
}
