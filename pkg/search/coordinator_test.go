package search

import (
	"context"
	"testing"
	"time"

	"github.com/driftdb/driftdb/pkg/cluster"
	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/storagemgr"
)

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

func TestSearchLocalOnlyReturnsRankedHits(t *testing.T) {
	clusterMgr := cluster.NewManager(cluster.Config{NodeID: "node-a", BindAddr: "127.0.0.1:0"})
	if err := clusterMgr.Start(); err != nil {
		t.Fatalf("cluster start: %v", err)
	}
	t.Cleanup(func() { _ = clusterMgr.Stop() })

	storeMgr := storagemgr.New(newMemStore(), 0)
	clock := hlc.New("node-a")
	idx := New(Config{Fields: map[string][]string{"articles": {"body"}}}, storeMgr)
	setDoc(t, storeMgr, clock, "articles", "a1", `{"body":"distributed consensus protocol"}`)
	idx.OnWrite("articles", "a1")

	coord := NewCoordinator(ClusterConfig{SelfNodeID: "node-a"}, clusterMgr, idx)
	coord.Start()
	t.Cleanup(coord.Stop)

	results := coord.Search(context.Background(), "articles", "consensus", 10)
	if len(results) != 1 || results[0].Key != "a1" {
		t.Fatalf("expected local hit a1, got %+v", results)
	}
}

func TestSearchFansOutAndMergesByRRF(t *testing.T) {
	clusterA, clusterB := newConnectedClusterPair(t, "node-a", "node-b")

	storeA := storagemgr.New(newMemStore(), 0)
	storeB := storagemgr.New(newMemStore(), 0)
	clockA := hlc.New("node-a")
	clockB := hlc.New("node-b")

	idxA := New(Config{Fields: map[string][]string{"articles": {"body"}}}, storeA)
	idxB := New(Config{Fields: map[string][]string{"articles": {"body"}}}, storeB)

	setDoc(t, storeA, clockA, "articles", "shared", `{"body":"database consensus algorithm"}`)
	idxA.OnWrite("articles", "shared")
	setDoc(t, storeA, clockA, "articles", "a-only", `{"body":"consensus consensus consensus"}`)
	idxA.OnWrite("articles", "a-only")

	setDoc(t, storeB, clockB, "articles", "shared", `{"body":"database consensus algorithm"}`)
	idxB.OnWrite("articles", "shared")
	setDoc(t, storeB, clockB, "articles", "b-only", `{"body":"consensus driven replication"}`)
	idxB.OnWrite("articles", "b-only")

	coordA := NewCoordinator(ClusterConfig{SelfNodeID: "node-a"}, clusterA, idxA)
	coordB := NewCoordinator(ClusterConfig{SelfNodeID: "node-b"}, clusterB, idxB)
	coordA.Start()
	coordB.Start()
	t.Cleanup(coordA.Stop)
	t.Cleanup(coordB.Stop)

	results := coordA.Search(context.Background(), "articles", "consensus", 10)

	seen := make(map[string]bool)
	for _, r := range results {
		seen[r.Key] = true
	}
	if !seen["shared"] || !seen["a-only"] || !seen["b-only"] {
		t.Fatalf("expected hits from both nodes merged, got %+v", results)
	}

	// "shared" ranks second on both nodes (behind a-only's higher term
	// frequency on node-a, and behind b-only on node-b, which ties on score
	// and sorts first by key), so its RRF score 2/(60+2) beats the 1/(60+1)
	// of either single-node hit and RRF places it first.
	if results[0].Key != "shared" {
		t.Fatalf("expected RRF to favor the cross-node hit, got %+v", results)
	}
}

func TestSearchTimesOutWithoutBlockingForever(t *testing.T) {
	clusterA, clusterB := newConnectedClusterPair(t, "node-a", "node-b")

	storeA := storagemgr.New(newMemStore(), 0)
	idxA := New(Config{Fields: map[string][]string{"articles": {"body"}}}, storeA)
	setDoc(t, storeA, hlc.New("node-a"), "articles", "a1", `{"body":"local only result"}`)
	idxA.OnWrite("articles", "a1")

	coordA := NewCoordinator(ClusterConfig{SelfNodeID: "node-a", ExecTimeout: 100 * time.Millisecond}, clusterA, idxA)
	coordA.Start()
	t.Cleanup(coordA.Stop)

	// node-b never starts a Coordinator to answer CLUSTER_QUERY_EXEC, so
	// coordA's request to it should time out rather than hang.
	_ = clusterB

	start := time.Now()
	results := coordA.Search(context.Background(), "articles", "local", 10)
	if time.Since(start) > time.Second {
		t.Fatalf("search did not respect exec timeout, took %s", time.Since(start))
	}
	if len(results) != 1 || results[0].Key != "a1" {
		t.Fatalf("expected local hit despite remote timeout, got %+v", results)
	}
}
