package search

import (
	"context"
	"sync"
	"testing"

	"github.com/driftdb/driftdb/pkg/crdt"
	"github.com/driftdb/driftdb/pkg/hlc"
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

func setDoc(t *testing.T, storeMgr *storagemgr.Manager, clock *hlc.Clock, mapName, key, json string) {
	t.Helper()
	m, err := storeMgr.GetMapAsync(context.Background(), mapName, crdt.KindLWW)
	if err != nil {
		t.Fatalf("load map: %v", err)
	}
	lww := m.(*crdt.LWWMap)
	lww.Set(key, []byte(json), clock.Now(), 0, false)
	if err := storeMgr.PersistLWW(context.Background(), mapName, lww, key); err != nil {
		t.Fatalf("persist: %v", err)
	}
}

func TestOnWriteIndexesConfiguredFieldsOnly(t *testing.T) {
	storeMgr := storagemgr.New(newMemStore(), 0)
	clock := hlc.New("node-a")
	idx := New(Config{Fields: map[string][]string{"articles": {"title", "body"}}}, storeMgr)

	setDoc(t, storeMgr, clock, "articles", "a1", `{"title":"Go Concurrency Patterns","body":"goroutines and channels","author":"irrelevant field value"}`)
	idx.OnWrite("articles", "a1")

	results := idx.Search("articles", "concurrency", Options{})
	if len(results) != 1 || results[0].Key != "a1" {
		t.Fatalf("expected a1 to match on title, got %+v", results)
	}

	if r := idx.Search("articles", "irrelevant", Options{}); len(r) != 0 {
		t.Fatalf("unconfigured field must not be indexed, got %+v", r)
	}
}

func TestOnWriteReindexesReplacesOldPostings(t *testing.T) {
	storeMgr := storagemgr.New(newMemStore(), 0)
	clock := hlc.New("node-a")
	idx := New(Config{Fields: map[string][]string{"articles": {"title"}}}, storeMgr)

	setDoc(t, storeMgr, clock, "articles", "a1", `{"title":"original draft"}`)
	idx.OnWrite("articles", "a1")
	if r := idx.Search("articles", "original", Options{}); len(r) != 1 {
		t.Fatalf("expected initial match, got %+v", r)
	}

	setDoc(t, storeMgr, clock, "articles", "a1", `{"title":"revised publication"}`)
	idx.OnWrite("articles", "a1")

	if r := idx.Search("articles", "original", Options{}); len(r) != 0 {
		t.Fatalf("stale posting should have been removed, got %+v", r)
	}
	if r := idx.Search("articles", "revised", Options{}); len(r) != 1 {
		t.Fatalf("expected updated match, got %+v", r)
	}
}

func TestOnWriteDeleteRemovesFromIndex(t *testing.T) {
	storeMgr := storagemgr.New(newMemStore(), 0)
	clock := hlc.New("node-a")
	idx := New(Config{Fields: map[string][]string{"articles": {"title"}}}, storeMgr)

	setDoc(t, storeMgr, clock, "articles", "a1", `{"title":"ephemeral note"}`)
	idx.OnWrite("articles", "a1")
	if r := idx.Search("articles", "ephemeral", Options{}); len(r) != 1 {
		t.Fatalf("expected a match before delete, got %+v", r)
	}

	m, err := storeMgr.GetMapAsync(context.Background(), "articles", crdt.KindLWW)
	if err != nil {
		t.Fatalf("load map: %v", err)
	}
	lww := m.(*crdt.LWWMap)
	lww.Set("a1", nil, clock.Now(), 0, false)
	idx.OnWrite("articles", "a1")

	if r := idx.Search("articles", "ephemeral", Options{}); len(r) != 0 {
		t.Fatalf("tombstoned key must not match, got %+v", r)
	}
}

func TestSearchRanksByTermFrequencyAndRarity(t *testing.T) {
	storeMgr := storagemgr.New(newMemStore(), 0)
	clock := hlc.New("node-a")
	idx := New(Config{Fields: map[string][]string{"articles": {"body"}}}, storeMgr)

	setDoc(t, storeMgr, clock, "articles", "common", `{"body":"database systems and database design"}`)
	setDoc(t, storeMgr, clock, "articles", "rare", `{"body":"database systems and distributed consensus"}`)
	idx.OnWrite("articles", "common")
	idx.OnWrite("articles", "rare")

	results := idx.Search("articles", "consensus", Options{MatchedTerms: true})
	if len(results) != 1 || results[0].Key != "rare" {
		t.Fatalf("expected only rare doc to match consensus, got %+v", results)
	}
	if len(results[0].MatchedTerms) != 1 || results[0].MatchedTerms[0] != "consensus" {
		t.Fatalf("expected matched terms to report consensus, got %+v", results[0].MatchedTerms)
	}
}

func TestSearchRespectsLimit(t *testing.T) {
	storeMgr := storagemgr.New(newMemStore(), 0)
	clock := hlc.New("node-a")
	idx := New(Config{Fields: map[string][]string{"articles": {"body"}}}, storeMgr)

	for _, key := range []string{"d1", "d2", "d3"} {
		setDoc(t, storeMgr, clock, "articles", key, `{"body":"widget catalogue entry"}`)
		idx.OnWrite("articles", key)
	}

	results := idx.Search("articles", "widget", Options{Limit: 2})
	if len(results) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(results))
	}
}

func TestSearchUnknownMapReturnsNil(t *testing.T) {
	storeMgr := storagemgr.New(newMemStore(), 0)
	idx := New(Config{Fields: map[string][]string{"articles": {"body"}}}, storeMgr)
	if r := idx.Search("nosuchmap", "anything", Options{}); r != nil {
		t.Fatalf("expected nil for unindexed map, got %+v", r)
	}
}
