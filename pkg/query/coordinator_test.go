package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driftdb/driftdb/pkg/cluster"
	"github.com/driftdb/driftdb/pkg/crdt"
	"github.com/driftdb/driftdb/pkg/drifterr"
	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/partition"
	"github.com/driftdb/driftdb/pkg/storage"
	"github.com/driftdb/driftdb/pkg/storagemgr"
	"github.com/driftdb/driftdb/pkg/types"
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

// recorder collects delivered ENTER/UPDATE/LEAVE changes for assertions.
type recorder struct {
	mu      sync.Mutex
	changes []recordedChange
}

type recordedChange struct {
	subID  string
	change ChangeType
	key    string
	value  string
}

func (r *recorder) deliver(sub *types.Subscription, change ChangeType, key string, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, recordedChange{subID: sub.ID, change: change, key: key, value: string(value)})
}

func (r *recorder) snapshot() []recordedChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedChange(nil), r.changes...)
}

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

func newStandaloneCoordinator(t *testing.T, nodeID string) (*Coordinator, *storagemgr.Manager, *hlc.Clock, *recorder) {
	t.Helper()
	clusterMgr := cluster.NewManager(cluster.Config{NodeID: nodeID, BindAddr: "127.0.0.1:0"})
	if err := clusterMgr.Start(); err != nil {
		t.Fatalf("cluster start: %v", err)
	}
	t.Cleanup(func() { _ = clusterMgr.Stop() })

	partitions := partition.NewService(1)
	partitions.SetMembers([]string{nodeID})

	storeMgr := storagemgr.New(newMemStore(), 0)
	rec := &recorder{}
	coord := New(Config{SelfNodeID: nodeID}, clusterMgr, partitions, storeMgr, rec.deliver)
	coord.Start()
	t.Cleanup(coord.Stop)

	return coord, storeMgr, hlc.New(nodeID), rec
}

func TestSubscribeReturnsInitialMatchesAndActivates(t *testing.T) {
	coord, storeMgr, clock, _ := newStandaloneCoordinator(t, "node-a")

	setDoc(t, storeMgr, clock, "widgets", "k1", `{"status":"active"}`)
	setDoc(t, storeMgr, clock, "widgets", "k2", `{"status":"inactive"}`)

	pred := partition.Predicate{Kind: partition.PredEq, Field: "status", Value: "active"}
	sub, results, failed, err := coord.Subscribe(context.Background(), nil, "sub-1", types.SubscriptionQuery, "widgets", pred)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failed nodes, got %v", failed)
	}
	if sub.State() != types.SubActive {
		t.Fatalf("expected ACTIVE, got %s", sub.State())
	}
	if len(results) != 1 || results[0].Key != "k1" {
		t.Fatalf("expected exactly k1 to match, got %+v", results)
	}
}

func TestSubscribeRejectsUnsupportedPredicateValue(t *testing.T) {
	coord, _, _, _ := newStandaloneCoordinator(t, "node-a")

	pred := partition.Predicate{Kind: partition.PredEq, Field: "tags", Value: []string{"x"}}
	_, _, _, err := coord.Subscribe(context.Background(), nil, "sub-1", types.SubscriptionQuery, "widgets", pred)
	if !errorsIsValidation(err) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func errorsIsValidation(err error) bool {
	var de *drifterr.DriftError
	return drifterr.As(err, &de) && de.Kind == drifterr.KindValidation
}

func TestHandleWriteDeliversEnterUpdateLeave(t *testing.T) {
	coord, storeMgr, clock, rec := newStandaloneCoordinator(t, "node-a")

	setDoc(t, storeMgr, clock, "widgets", "k1", `{"status":"inactive"}`)
	pred := partition.Predicate{Kind: partition.PredEq, Field: "status", Value: "active"}
	sub, results, _, err := coord.Subscribe(context.Background(), nil, "sub-1", types.SubscriptionQuery, "widgets", pred)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no initial matches, got %+v", results)
	}

	// ENTER: k1 flips to active.
	setDoc(t, storeMgr, clock, "widgets", "k1", `{"status":"active"}`)
	coord.HandleWrite("widgets", "k1")

	// UPDATE: k1 stays active with a different field.
	setDoc(t, storeMgr, clock, "widgets", "k1", `{"status":"active","note":"v2"}`)
	coord.HandleWrite("widgets", "k1")

	// LEAVE: k1 flips back to inactive.
	setDoc(t, storeMgr, clock, "widgets", "k1", `{"status":"inactive"}`)
	coord.HandleWrite("widgets", "k1")

	changes := rec.snapshot()
	if len(changes) != 3 {
		t.Fatalf("expected 3 delivered changes, got %+v", changes)
	}
	if changes[0].change != ChangeEnter || changes[1].change != ChangeUpdate || changes[2].change != ChangeLeave {
		t.Fatalf("expected ENTER,UPDATE,LEAVE in order, got %+v", changes)
	}
	for _, c := range changes {
		if c.subID != sub.ID {
			t.Fatalf("expected all changes for %s, got %+v", sub.ID, c)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	coord, storeMgr, clock, rec := newStandaloneCoordinator(t, "node-a")

	setDoc(t, storeMgr, clock, "widgets", "k1", `{"status":"inactive"}`)
	pred := partition.Predicate{Kind: partition.PredEq, Field: "status", Value: "active"}
	sub, _, _, err := coord.Subscribe(context.Background(), nil, "sub-1", types.SubscriptionQuery, "widgets", pred)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	coord.Unsubscribe(sub.ID)

	setDoc(t, storeMgr, clock, "widgets", "k1", `{"status":"active"}`)
	coord.HandleWrite("widgets", "k1")

	if changes := rec.snapshot(); len(changes) != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %+v", changes)
	}
}

func newConnectedClusterPair(t *testing.T, idA, idB string) (*cluster.Manager, *cluster.Manager) {
	t.Helper()
	a := cluster.NewManager(cluster.Config{NodeID: idA, BindAddr: "127.0.0.1:0"})
	b := cluster.NewManager(cluster.Config{NodeID: idB, BindAddr: "127.0.0.1:0"})
	if err := a.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	t.Cleanup(func() { _ = b.Stop() })

	a.ConnectTo(b.Addr().String())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.Members()) == 2 && len(b.Members()) == 2 {
			return a, b
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cluster pair never converged")
	return nil, nil
}

func TestSubscribeFansOutAcrossClusterAndMergesResults(t *testing.T) {
	clusterA, clusterB := newConnectedClusterPair(t, "node-a", "node-b")

	partitionsA := partition.NewService(1)
	partitionsA.SetMembers([]string{"node-a", "node-b"})
	partitionsB := partition.NewService(1)
	partitionsB.SetMembers([]string{"node-a", "node-b"})

	storeA := storagemgr.New(newMemStore(), 0)
	storeB := storagemgr.New(newMemStore(), 0)
	clockA := hlc.New("node-a")
	clockB := hlc.New("node-b")

	recA := &recorder{}
	recB := &recorder{}
	coordA := New(Config{SelfNodeID: "node-a", AckTimeout: 2 * time.Second}, clusterA, partitionsA, storeA, recA.deliver)
	coordB := New(Config{SelfNodeID: "node-b"}, clusterB, partitionsB, storeB, recB.deliver)
	coordA.Start()
	coordB.Start()
	t.Cleanup(coordA.Stop)
	t.Cleanup(coordB.Stop)

	setDoc(t, storeA, clockA, "widgets", "a1", `{"status":"active"}`)
	setDoc(t, storeB, clockB, "widgets", "b1", `{"status":"active"}`)

	// A field predicate (not a `_key` predicate) doesn't reduce via
	// partition pruning, so targetNodes falls back to every member.
	pred := partition.Predicate{Kind: partition.PredEq, Field: "status", Value: "active"}
	sub, results, failed, err := coordA.Subscribe(context.Background(), nil, "sub-1", types.SubscriptionQuery, "widgets", pred)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failed nodes, got %v", failed)
	}
	if sub.State() != types.SubActive {
		t.Fatalf("expected ACTIVE, got %s", sub.State())
	}
	if len(results) != 2 {
		t.Fatalf("expected results merged from both nodes, got %+v", results)
	}

	setDoc(t, storeB, clockB, "widgets", "b1", `{"status":"inactive"}`)
	coordB.HandleWrite("widgets", "b1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(recA.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	changes := recA.snapshot()
	if len(changes) != 1 || changes[0].change != ChangeLeave || changes[0].key != "b1" {
		t.Fatalf("expected a LEAVE for b1 delivered to the coordinator, got %+v", changes)
	}
}
