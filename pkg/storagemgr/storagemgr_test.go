package storagemgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driftdb/driftdb/pkg/crdt"
	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/storage"
)

// memStore is a minimal in-memory storage.Store for exercising the Storage
// Manager without a real backend.
type memStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]map[string][]byte)}
}

func (s *memStore) Load(_ context.Context, mapName, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[mapName]
	if !ok {
		return nil, nil
	}
	return b[key], nil
}

func (s *memStore) LoadAll(_ context.Context, mapName string, keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	b, ok := s.data[mapName]
	if !ok {
		return out, nil
	}
	for _, k := range keys {
		if v, ok := b[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *memStore) LoadAllKeys(_ context.Context, mapName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[mapName]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	return out, nil
}

func (s *memStore) Store(_ context.Context, mapName, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[mapName]
	if !ok {
		b = make(map[string][]byte)
		s.data[mapName] = b
	}
	b[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, mapName, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.data[mapName]; ok {
		delete(b, key)
	}
	return nil
}

func (s *memStore) Close() error { return nil }

var _ storage.Store = (*memStore)(nil)

func TestGetMapAsyncLoadsPersistedLWWRecords(t *testing.T) {
	store := newMemStore()
	ts := hlc.Timestamp{Millis: 1000, Counter: 0, NodeID: "node-a"}
	_ = store.Store(context.Background(), "widgets", "w1", crdt.EncodeRecord(crdt.Record{Value: []byte("v1"), Timestamp: ts}))

	mgr := New(store, 0)
	m, err := mgr.GetMapAsync(context.Background(), "widgets", crdt.KindLWW)
	if err != nil {
		t.Fatalf("GetMapAsync: %v", err)
	}
	lww, ok := m.(*crdt.LWWMap)
	if !ok {
		t.Fatalf("expected *crdt.LWWMap, got %T", m)
	}
	v, ok := lww.Get("w1", 0)
	if !ok || string(v) != "v1" {
		t.Fatalf("expected w1=v1, got %q (ok=%v)", v, ok)
	}
}

func TestGetMapReturnsSameInstanceOnRepeatedAccess(t *testing.T) {
	mgr := New(newMemStore(), 0)
	a := mgr.GetMap("widgets", crdt.KindLWW)
	b := mgr.GetMap("widgets", crdt.KindLWW)
	if a != b {
		t.Fatal("expected GetMap to return the same map instance across calls")
	}
}

func TestLoadInfersORFromTombstoneSentinel(t *testing.T) {
	store := newMemStore()
	_ = store.Store(context.Background(), "tags", storage.TombstoneSentinel, crdt.EncodeTombstoneTags([]string{"dead-tag"}))

	mgr := New(store, 0)
	m, err := mgr.GetMapAsync(context.Background(), "tags", crdt.KindLWW)
	if err != nil {
		t.Fatalf("GetMapAsync: %v", err)
	}
	if m.Kind() != crdt.KindOR {
		t.Fatalf("expected tombstone sentinel to upgrade map to OR, got %s", m.Kind())
	}
}

func TestOnMapLoadedNotifiesWithCount(t *testing.T) {
	store := newMemStore()
	ts := hlc.Timestamp{Millis: 1000, NodeID: "node-a"}
	_ = store.Store(context.Background(), "widgets", "w1", crdt.EncodeRecord(crdt.Record{Value: []byte("v1"), Timestamp: ts}))
	_ = store.Store(context.Background(), "widgets", "w2", crdt.EncodeRecord(crdt.Record{Value: []byte("v2"), Timestamp: ts}))

	mgr := New(store, 0)
	notified := make(chan int, 1)
	mgr.OnMapLoaded(func(mapName string, count int) {
		if mapName == "widgets" {
			notified <- count
		}
	})
	mgr.GetMap("widgets", crdt.KindLWW)

	select {
	case count := <-notified:
		if count != 2 {
			t.Fatalf("expected load count 2, got %d", count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onMapLoaded notification")
	}
}

func TestPersistLWWRoundTrips(t *testing.T) {
	store := newMemStore()
	mgr := New(store, 0)

	m, err := mgr.GetMapAsync(context.Background(), "widgets", crdt.KindLWW)
	if err != nil {
		t.Fatalf("GetMapAsync: %v", err)
	}
	lww := m.(*crdt.LWWMap)
	ts := hlc.Timestamp{Millis: 5000, NodeID: "node-a"}
	lww.Set("w1", []byte("hello"), ts, 0, false)

	if err := mgr.PersistLWW(context.Background(), "widgets", lww, "w1"); err != nil {
		t.Fatalf("PersistLWW: %v", err)
	}

	raw, err := store.Load(context.Background(), "widgets", "w1")
	if err != nil || raw == nil {
		t.Fatalf("expected persisted value, err=%v raw=%v", err, raw)
	}
	rec, err := crdt.DecodeRecord(raw)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if string(rec.Value) != "hello" {
		t.Fatalf("expected decoded value %q, got %q", "hello", rec.Value)
	}
}

func TestPersistORRoundTripsMultipleTags(t *testing.T) {
	store := newMemStore()
	mgr := New(store, 0)

	m, err := mgr.GetMapAsync(context.Background(), "labels", crdt.KindOR)
	if err != nil {
		t.Fatalf("GetMapAsync: %v", err)
	}
	or := m.(*crdt.ORMap)
	ts := hlc.Timestamp{Millis: 10, NodeID: "node-a"}
	or.Add("item1", []byte("red"), ts, 0, false)
	or.Add("item1", []byte("blue"), ts, 0, false)

	if err := mgr.PersistOR(context.Background(), "labels", or, "item1"); err != nil {
		t.Fatalf("PersistOR: %v", err)
	}

	raw, err := store.Load(context.Background(), "labels", "item1")
	if err != nil || raw == nil {
		t.Fatalf("expected persisted value, err=%v raw=%v", err, raw)
	}
	records, err := crdt.DecodeORRecords(raw)
	if err != nil {
		t.Fatalf("DecodeORRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(records))
	}
}
