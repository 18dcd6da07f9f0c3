package ophandler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftdb/driftdb/pkg/cluster"
	"github.com/driftdb/driftdb/pkg/drifterr"
	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/interceptor"
	"github.com/driftdb/driftdb/pkg/partition"
	"github.com/driftdb/driftdb/pkg/ratelimit"
	"github.com/driftdb/driftdb/pkg/replication"
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

func newStandaloneHandler(t *testing.T, nodeID string) (*Handler, *storagemgr.Manager) {
	t.Helper()
	clusterMgr := cluster.NewManager(cluster.Config{NodeID: nodeID, BindAddr: "127.0.0.1:0"})
	if err := clusterMgr.Start(); err != nil {
		t.Fatalf("cluster start: %v", err)
	}
	t.Cleanup(func() { _ = clusterMgr.Stop() })

	partitions := partition.NewService(1)
	partitions.SetMembers([]string{nodeID}) // single member: no backups

	store := newMemStore()
	storeMgr := storagemgr.New(store, 0)

	var handler *Handler
	pipeline := replication.New(replication.Config{SelfNodeID: nodeID}, clusterMgr, partitions, func(op replication.Op) error {
		return handler.ApplyForwarded(op)
	})
	pipeline.Start()
	t.Cleanup(pipeline.Close)

	handler = New(Config{SelfNodeID: nodeID}, Deps{
		Clock:      hlc.New(nodeID),
		Storage:    storeMgr,
		Partitions: partitions,
		Pipeline:   pipeline,
	})
	return handler, storeMgr
}

func TestHandleOpAppliesLWWSetEventually(t *testing.T) {
	h, storeMgr := newStandaloneHandler(t, "node-a")

	op := types.ClientOp{ID: "op-1", MapName: "widgets", Key: "k1", Action: types.OpSet, Value: []byte("v1"), Consistency: types.ConsistencyEventual}
	conn := types.NewClientConnection("conn-1", nil)

	result, err := h.HandleOp(context.Background(), conn, op)
	if err != nil {
		t.Fatalf("HandleOp: %v", err)
	}
	if result.ID != "op-1" {
		t.Fatalf("expected result id op-1, got %q", result.ID)
	}

	m := storeMgr.GetMap("widgets", 0)
	lww, ok := m.(interface {
		Get(key string, nowMillis uint64) ([]byte, bool)
	})
	if !ok {
		t.Fatal("expected an LWW map")
	}
	v, ok := lww.Get("k1", 0)
	if !ok || string(v) != "v1" {
		t.Fatalf("expected k1=v1, got %q ok=%v", v, ok)
	}
}

func TestHandleOpDedupesRetriedOpID(t *testing.T) {
	h, storeMgr := newStandaloneHandler(t, "node-a")
	conn := types.NewClientConnection("conn-1", nil)

	op := types.ClientOp{ID: "op-1", MapName: "widgets", Key: "k1", Action: types.OpSet, Value: []byte("first"), Consistency: types.ConsistencyEventual}
	if _, err := h.HandleOp(context.Background(), conn, op); err != nil {
		t.Fatalf("HandleOp 1: %v", err)
	}

	retried := op
	retried.Value = []byte("second")
	if _, err := h.HandleOp(context.Background(), conn, retried); err != nil {
		t.Fatalf("HandleOp 2: %v", err)
	}

	m := storeMgr.GetMap("widgets", 0)
	lww := m.(interface {
		Get(key string, nowMillis uint64) ([]byte, bool)
	})
	v, _ := lww.Get("k1", 0)
	if string(v) != "first" {
		t.Fatalf("expected the retried op to be absorbed, value still %q, got %q", "first", v)
	}
}

func TestHandleOpRejectsOnAuthorizeError(t *testing.T) {
	h, _ := newStandaloneHandler(t, "node-a")
	h.deps.Authorize = func(p types.Principal, mapName string, action types.OpAction) error {
		return drifterr.ErrPermission
	}

	conn := types.NewClientConnection("conn-1", nil)
	op := types.ClientOp{ID: "op-1", MapName: "widgets", Key: "k1", Action: types.OpSet, Value: []byte("v1")}
	_, err := h.HandleOp(context.Background(), conn, op)
	if !errors.Is(err, drifterr.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestHandleOpDropsOnInterceptorNil(t *testing.T) {
	h, storeMgr := newStandaloneHandler(t, "node-a")
	h.deps.Interceptors = interceptor.New(func(ctx context.Context, p types.Principal, op *types.ClientOp) (*types.ClientOp, error) {
		return nil, nil
	})

	conn := types.NewClientConnection("conn-1", nil)
	op := types.ClientOp{ID: "op-1", MapName: "widgets", Key: "k1", Action: types.OpSet, Value: []byte("v1")}
	if _, err := h.HandleOp(context.Background(), conn, op); err != nil {
		t.Fatalf("HandleOp: %v", err)
	}

	m := storeMgr.GetMap("widgets", 0)
	lww := m.(interface {
		Get(key string, nowMillis uint64) ([]byte, bool)
	})
	if _, ok := lww.Get("k1", 0); ok {
		t.Fatal("expected the dropped op to never be applied")
	}
}

func TestHandleOpRejectsBeyondRateLimit(t *testing.T) {
	h, _ := newStandaloneHandler(t, "node-a")
	h.deps.Limiter = ratelimit.New(ratelimit.Config{Window: time.Second, MaxOps: 1})

	conn := types.NewClientConnection("conn-1", nil)
	conn.Authenticate(types.Principal{UserID: "alice"})
	op := types.ClientOp{ID: "op-1", MapName: "widgets", Key: "k1", Action: types.OpSet, Value: []byte("v1")}

	if _, err := h.HandleOp(context.Background(), conn, op); err != nil {
		t.Fatalf("first op should pass: %v", err)
	}
	op.ID = "op-2"
	_, err := h.HandleOp(context.Background(), conn, op)
	if !errors.Is(err, drifterr.ErrRateLimit) {
		t.Fatalf("expected rate-limit rejection, got %v", err)
	}
}

func TestHandleBatchReportsLastIDAndRejections(t *testing.T) {
	h, _ := newStandaloneHandler(t, "node-a")
	h.deps.Authorize = func(p types.Principal, mapName string, action types.OpAction) error {
		if mapName == "forbidden" {
			return drifterr.ErrPermission
		}
		return nil
	}

	conn := types.NewClientConnection("conn-1", nil)
	ops := []types.ClientOp{
		{ID: "op-1", MapName: "widgets", Key: "k1", Action: types.OpSet, Value: []byte("v1"), Consistency: types.ConsistencyEventual},
		{ID: "op-2", MapName: "forbidden", Key: "k2", Action: types.OpSet, Value: []byte("v2"), Consistency: types.ConsistencyEventual},
		{ID: "op-3", MapName: "widgets", Key: "k3", Action: types.OpSet, Value: []byte("v3"), Consistency: types.ConsistencyEventual},
	}

	result := h.HandleBatch(context.Background(), conn, ops)
	if result.LastID != "op-3" {
		t.Fatalf("expected lastId op-3, got %q", result.LastID)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].ID != "op-2" || result.Rejected[0].Code != drifterr.KindPermission {
		t.Fatalf("expected op-2 rejected with PERMISSION, got %+v", result.Rejected)
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

func TestHandleOpWaitsForQuorumAckFromBackup(t *testing.T) {
	clusterA, clusterB := newConnectedClusterPair(t, "node-a", "node-b")

	partitionsA := partition.NewService(1)
	partitionsA.SetMembers([]string{"node-a", "node-b"})
	partitionsB := partition.NewService(1)
	partitionsB.SetMembers([]string{"node-a", "node-b"})

	storeA := storagemgr.New(newMemStore(), 0)
	storeB := storagemgr.New(newMemStore(), 0)

	var handlerA, handlerB *Handler
	pipelineA := replication.New(replication.Config{SelfNodeID: "node-a", CoalesceInterval: 5 * time.Millisecond}, clusterA, partitionsA, func(op replication.Op) error {
		return handlerA.ApplyForwarded(op)
	})
	pipelineB := replication.New(replication.Config{SelfNodeID: "node-b", CoalesceInterval: 5 * time.Millisecond}, clusterB, partitionsB, func(op replication.Op) error {
		return handlerB.ApplyForwarded(op)
	})
	pipelineA.Start()
	pipelineB.Start()
	t.Cleanup(pipelineA.Close)
	t.Cleanup(pipelineB.Close)

	handlerA = New(Config{SelfNodeID: "node-a", AckTimeout: 2 * time.Second}, Deps{
		Clock:      hlc.New("node-a"),
		Storage:    storeA,
		Partitions: partitionsA,
		Pipeline:   pipelineA,
	})
	handlerB = New(Config{SelfNodeID: "node-b"}, Deps{
		Clock:      hlc.New("node-b"),
		Storage:    storeB,
		Partitions: partitionsB,
		Pipeline:   pipelineB,
	})

	// Find a key owned by node-a so node-b is its backup.
	var key string
	for i := 0; i < 10000; i++ {
		k := keyN(i)
		if partitionsA.IsLocalOwner(k, "node-a") {
			key = k
			break
		}
	}
	if key == "" {
		t.Fatal("could not find a key owned by node-a")
	}

	conn := types.NewClientConnection("conn-1", nil)
	op := types.ClientOp{ID: "op-1", MapName: "widgets", Key: key, Action: types.OpSet, Value: []byte("v1"), Consistency: types.ConsistencyQuorum}

	result, err := handlerA.HandleOp(context.Background(), conn, op)
	if err != nil {
		t.Fatalf("HandleOp: %v", err)
	}
	if len(result.FailedNodes) != 0 {
		t.Fatalf("expected no failed nodes, got %v", result.FailedNodes)
	}

	mB := storeB.GetMap("widgets", 0)
	lwwB := mB.(interface {
		Get(key string, nowMillis uint64) ([]byte, bool)
	})
	v, ok := lwwB.Get(key, 0)
	if !ok || string(v) != "v1" {
		t.Fatalf("expected backup to have replicated value, got %q ok=%v", v, ok)
	}
}

func keyN(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := []byte{letters[i%26], letters[(i/26)%26], letters[(i/676)%26]}
	return string(b) + "-key"
}
