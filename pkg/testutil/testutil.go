// Package testutil builds small, in-memory, loopback-networked driftdb
// clusters for node-local CRDT/cluster unit tests -- the teacher repo
// drives its integration suite against real VMs via test/framework; this
// module has no VM runtime in scope, so the equivalent harness here wires
// two or three real pkg/node.Coordinators together over 127.0.0.1 with
// temp-dir BoltDB backing instead.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/pkg/config"
	"github.com/driftdb/driftdb/pkg/node"
	"github.com/driftdb/driftdb/pkg/ophandler"
	"github.com/driftdb/driftdb/pkg/types"
)

// Cluster is a small, fully-started driftdb cluster whose nodes are
// connected over loopback TCP and torn down automatically at the end of
// the test.
type Cluster struct {
	t     *testing.T
	Nodes []*node.Coordinator
}

// NewCluster builds, starts, and connects n nodes (2 or 3 -- the widths
// this system's replication/quorum logic is actually exercised at). Every
// node gets its own BoltDB temp dir and loopback cluster/frontend
// listeners; mTLS is left off, since ConnectTo wires the gossip transport
// directly rather than going through clusterrpc's Join handshake.
func NewCluster(t *testing.T, n int) *Cluster {
	t.Helper()
	require.True(t, n == 2 || n == 3, "testutil.NewCluster supports 2 or 3 nodes, got %d", n)

	c := &Cluster{t: t}
	for i := 0; i < n; i++ {
		cfg := config.Default()
		cfg.NodeID = fmt.Sprintf("node-%d", i)
		cfg.Cluster.BindAddr = "127.0.0.1:0"
		cfg.Cluster.RPCBindAddr = "127.0.0.1:0"
		cfg.Frontend.BindAddr = "127.0.0.1:0"
		cfg.Storage.Driver = "bolt"
		cfg.Storage.DataDir = t.TempDir()
		cfg.Partition.ReplicationFactor = n
		cfg.GC.Interval = config.Duration{Duration: time.Hour}
		cfg.Security.JWTSecret = "testutil-secret"
		cfg.Security.CertDir = ""

		nd, err := node.New(cfg)
		require.NoError(t, err)
		require.NoError(t, nd.Start())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = nd.Stop(ctx)
		})
		c.Nodes = append(c.Nodes, nd)
	}

	for i := 1; i < len(c.Nodes); i++ {
		c.Nodes[0].ConnectTo(c.Nodes[i].ClusterAddr().String())
	}
	c.WaitForMembership(5 * time.Second)
	return c
}

// WaitForMembership blocks until every node's gossip membership view
// contains every other node, or fails the test after timeout.
func (c *Cluster) WaitForMembership(timeout time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ready := true
		for _, n := range c.Nodes {
			if len(n.Members()) != len(c.Nodes) {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("cluster membership did not converge within %s", timeout)
}

// SubmitOp runs op through node i's Operation Handler as an authenticated
// client submission would, skipping the WebSocket frontend entirely.
func (c *Cluster) SubmitOp(i int, userID string, op types.ClientOp) (ophandler.OpResult, error) {
	conn := types.NewClientConnection(fmt.Sprintf("testutil-conn-%d", i), nil)
	conn.Authenticate(types.Principal{UserID: userID})
	return c.Nodes[i].OpHandler().HandleOp(context.Background(), conn, op)
}

// WaitForReplication blocks until fn observes the replicated effect of an
// op on every node in the cluster, or fails the test after timeout. fn
// typically reads back from a node's Store and compares against an
// expected value.
func (c *Cluster) WaitForReplication(timeout time.Duration, fn func(i int) bool) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ready := true
		for i := range c.Nodes {
			if !fn(i) {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("replication did not converge within %s", timeout)
}
