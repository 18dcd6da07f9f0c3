// Package node is the Coordinator & Lifecycle component: it wires every
// other package into one running node in dependency order -- HLC, CRDT
// storage, Partition Service, Cluster Manager, Storage Manager,
// Replication Pipeline, Operation Handler, Query/Sub Coordinator, Search
// Coordinator, GC, WS Frontend -- and owns the startup and graceful
// shutdown sequence described for the cluster coordinator role.
package node

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/cluster"
	"github.com/driftdb/driftdb/pkg/clusterrpc"
	"github.com/driftdb/driftdb/pkg/config"
	"github.com/driftdb/driftdb/pkg/frontend"
	"github.com/driftdb/driftdb/pkg/gc"
	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/interceptor"
	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/metrics"
	"github.com/driftdb/driftdb/pkg/ophandler"
	"github.com/driftdb/driftdb/pkg/partition"
	"github.com/driftdb/driftdb/pkg/query"
	"github.com/driftdb/driftdb/pkg/ratelimit"
	"github.com/driftdb/driftdb/pkg/replication"
	"github.com/driftdb/driftdb/pkg/search"
	"github.com/driftdb/driftdb/pkg/security"
	"github.com/driftdb/driftdb/pkg/storage"
	"github.com/driftdb/driftdb/pkg/storage/boltstore"
	"github.com/driftdb/driftdb/pkg/storage/redisstore"
	"github.com/driftdb/driftdb/pkg/storagemgr"
	"github.com/driftdb/driftdb/pkg/types"
)

// state is the Coordinator's own position in the node lifecycle described
// for startup/shutdown: a node starts RUNNING, and on Stop moves through
// SHUTDOWN_PENDING and NODE_LEAVING before its resources are released.
type state int

const (
	stateRunning state = iota
	stateShutdownPending
	stateLeaving
	stateClosed
)

// shutdownReplicationDeadline bounds how long Stop waits for the
// replication pipeline to drain pending acks before moving on; a peer that
// never acks must not block a node from leaving the cluster.
const shutdownReplicationDeadline = 5 * time.Second

// reassignmentGrace is how long Stop waits after stopping the cluster
// manager before closing client sockets, giving the remaining members a window to finish
// recomputing partition ownership around this node's departure.
const reassignmentGrace = 500 * time.Millisecond

// Coordinator owns one node's full set of subsystems and their lifecycle.
type Coordinator struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      storage.Store
	ca         *security.CertAuthority
	clusterMgr *cluster.Manager
	partitions *partition.Service
	storageMgr *storagemgr.Manager
	pipeline   *replication.Pipeline
	searchIdx  *search.Index
	searchCrd  *search.Coordinator
	queryCrd   *query.Coordinator
	opHandler  *ophandler.Handler
	cutoff     *gc.CutoffTracker
	collector  *gc.Collector
	repairer   *gc.Repairer
	limiter    *ratelimit.Limiter
	frontendSv *frontend.Server
	rpcServer  *clusterrpc.Server
	metricsCol *metrics.Collector

	state state
}

// New wires every subsystem from cfg but does not start any of them; call
// Start to bring the node up.
func New(cfg *config.Config) (*Coordinator, error) {
	logger := log.Logger.With().Str("nodeId", cfg.NodeID).Logger()

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("node: open storage: %w", err)
	}

	ca := security.NewCertAuthority(store)
	ctx := context.Background()
	if err := ca.LoadFromStore(ctx); err != nil {
		if err := ca.Initialize(); err != nil {
			return nil, fmt.Errorf("node: initialize CA: %w", err)
		}
		if err := ca.SaveToStore(ctx); err != nil {
			return nil, fmt.Errorf("node: persist CA: %w", err)
		}
	}

	var clusterTLS *tls.Config
	if cfg.Security.CertDir != "" {
		if _, err := ca.EnsureNodeCert(cfg.NodeID, cfg.Security.CertDir, []string{cfg.NodeID}, nil); err != nil {
			return nil, fmt.Errorf("node: issue node cert: %w", err)
		}
		if cfg.Cluster.ClusterTLS {
			clusterTLS, err = peerTLSConfig(cfg.Security.CertDir)
			if err != nil {
				return nil, fmt.Errorf("node: cluster TLS config: %w", err)
			}
		}
	}

	clusterMgr := cluster.NewManager(cluster.Config{
		NodeID:    cfg.NodeID,
		BindAddr:  cfg.Cluster.BindAddr,
		Peers:     cfg.Cluster.Peers,
		TLSConfig: clusterTLS,
	})

	partitions := partition.NewService(cfg.Partition.ReplicationFactor)

	storageMgr := storagemgr.New(store, cfg.Storage.CacheSize)

	clock := hlc.New(cfg.NodeID)

	searchIdx := search.New(search.Config{Fields: cfg.Search.Fields}, storageMgr)

	cutoff := gc.NewCutoffTracker()

	var opHandler *ophandler.Handler
	pipeline := replication.New(replication.Config{
		SelfNodeID:       cfg.NodeID,
		CoalesceInterval: cfg.Replication.CoalesceInterval.Duration,
		MaxBatchSize:     cfg.Replication.MaxBatchSize,
		LagThreshold:     cfg.Replication.LagThreshold,
	}, clusterMgr, partitions, func(op replication.Op) error {
		return opHandler.ApplyForwarded(op)
	})

	queryCrd := query.New(query.Config{
		SelfNodeID: cfg.NodeID,
		AckTimeout: cfg.Query.AckTimeout.Duration,
	}, clusterMgr, partitions, storageMgr, frontend.DeliverQueryUpdate)

	searchCrd := search.NewCoordinator(search.ClusterConfig{
		SelfNodeID:  cfg.NodeID,
		RRFK:        cfg.Search.RRFK,
		ExecTimeout: cfg.Search.ExecTimeout.Duration,
	}, clusterMgr, searchIdx)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.MaxOps > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			Window: cfg.RateLimit.Window.Duration,
			MaxOps: cfg.RateLimit.MaxOps,
		})
	}

	opHandler = ophandler.New(ophandler.Config{
		SelfNodeID: cfg.NodeID,
		AckTimeout: cfg.OpHandler.AckTimeout.Duration,
	}, ophandler.Deps{
		Clock:        clock,
		Storage:      storageMgr,
		Partitions:   partitions,
		Pipeline:     pipeline,
		Interceptors: interceptor.New(),
		Limiter:      limiter,
		Authorize:    allowAll,
		Notify: func(mapName, key string) {
			queryCrd.HandleWrite(mapName, key)
			searchIdx.OnWrite(mapName, key)
		},
	})

	collector := gc.New(gc.Config{
		Interval:    cfg.GC.Interval.Duration,
		Grace:       cfg.GC.Grace.Duration,
		SweepBudget: cfg.GC.SweepBudget.Duration,
	}, storageMgr, pipeline, cutoff)

	repairer := gc.NewRepairer(gc.RepairConfig{
		SelfNodeID: cfg.NodeID,
		Interval:   cfg.GC.Interval.Duration,
	}, clusterMgr, storageMgr)

	frontendSv := frontend.New(frontend.Config{
		BindAddr:          cfg.Frontend.BindAddr,
		HeartbeatInterval: cfg.Frontend.HeartbeatInterval.Duration,
		ClientTimeout:     cfg.Frontend.ClientTimeout.Duration,
		AuthDeadline:      cfg.Frontend.AuthDeadline.Duration,
		WriteBatch: frontend.WriteBatch{
			MaxSize:  cfg.Frontend.WriteBatch.MaxSize,
			MaxBytes: cfg.Frontend.WriteBatch.MaxBytes,
			MaxDelay: cfg.Frontend.WriteBatch.MaxDelay.Duration,
		},
		Backpressure: frontend.Backpressure{
			MaxPending:    cfg.Frontend.Backpressure.MaxPending,
			SyncFrequency: cfg.Frontend.Backpressure.SyncFrequency,
			BackoffMs:     cfg.Frontend.Backpressure.BackoffMs.Duration,
		},
	}, frontend.Deps{
		Ops:      opHandler,
		Queries:  queryCrd,
		Search:   searchCrd,
		Verifier: frontend.NewHMACVerifier([]byte(cfg.Security.JWTSecret)),
		Clock:    clock,
		Cutoff:   cutoff,
	})

	c := &Coordinator{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		ca:         ca,
		clusterMgr: clusterMgr,
		partitions: partitions,
		storageMgr: storageMgr,
		pipeline:   pipeline,
		searchIdx:  searchIdx,
		searchCrd:  searchCrd,
		queryCrd:   queryCrd,
		opHandler:  opHandler,
		cutoff:     cutoff,
		collector:  collector,
		repairer:   repairer,
		limiter:    limiter,
		frontendSv: frontendSv,
	}

	if cfg.Security.CertDir != "" {
		rpcServer, err := newClusterRPCServer(cfg, c)
		if err != nil {
			return nil, fmt.Errorf("node: clusterrpc server: %w", err)
		}
		c.rpcServer = rpcServer
	}

	c.metricsCol = metrics.NewCollector(c.metricsSources())

	return c, nil
}

// allowAll is the default AuthorizeFunc when no authorization policy is
// configured: every authenticated principal may perform any action on any
// map. Deployments that need per-role authorization supply their own
// AuthorizeFunc in place of this one.
func allowAll(principal types.Principal, mapName string, action types.OpAction) error {
	return nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}), nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
		}
		return boltstore.New(cfg.DataDir)
	}
}

// peerTLSConfig builds the symmetric mTLS config the Cluster Manager uses
// for both its listener and its outbound peer dials: every node in the
// cluster presents the same node cert and trusts the same CA.
func peerTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load node cert: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func newClusterRPCServer(cfg *config.Config, c *Coordinator) (*clusterrpc.Server, error) {
	return clusterrpc.NewServer(cfg.Security.CertDir, func(ctx context.Context, req clusterrpc.JoinRequest) (clusterrpc.JoinResponse, error) {
		c.clusterMgr.ConnectTo(req.BindAddr)
		pm := c.partitions.GetPartitionMap()
		return clusterrpc.JoinResponse{
			Accepted:            true,
			Peers:               c.clusterMgr.Members(),
			PartitionMapVersion: pm.Version,
		}, nil
	})
}

// Start brings every subsystem up in dependency order: transport before
// anything that sends on it, the Operation Handler's own dependencies
// before the frontend that calls into it.
func (c *Coordinator) Start() error {
	if err := c.clusterMgr.Start(); err != nil {
		return fmt.Errorf("node: start cluster manager: %w", err)
	}
	c.partitions.SetMembers(c.clusterMgr.Members())

	c.pipeline.Start()
	c.queryCrd.Start()
	c.searchCrd.Start()
	c.collector.Start()
	c.repairer.Start()
	c.metricsCol.Start()

	if c.rpcServer != nil {
		lis, err := net.Listen("tcp", c.cfg.Cluster.RPCBindAddr)
		if err != nil {
			return fmt.Errorf("node: listen clusterrpc on %s: %w", c.cfg.Cluster.RPCBindAddr, err)
		}
		go c.rpcServer.Serve(lis)
	}

	go func() {
		if err := c.frontendSv.Serve(); err != nil {
			c.logger.Error().Err(err).Msg("frontend server exited")
		}
	}()

	c.logger.Info().Msg("node started")
	return nil
}

// Join contacts an existing cluster member's ClusterControl service to
// bootstrap this node's peer list and partition map before it starts
// serving client traffic.
func (c *Coordinator) Join(ctx context.Context, peerAddr string) error {
	client, err := clusterrpc.Dial(peerAddr, c.cfg.Security.CertDir)
	if err != nil {
		return fmt.Errorf("node: dial %s: %w", peerAddr, err)
	}
	defer client.Close()

	resp, err := client.Join(ctx, clusterrpc.JoinRequest{
		NodeID:   c.cfg.NodeID,
		BindAddr: c.cfg.Cluster.BindAddr,
	})
	if err != nil {
		return fmt.Errorf("node: join rpc: %w", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("node: join rejected: %s", resp.Reason)
	}

	for _, peer := range resp.Peers {
		c.clusterMgr.ConnectTo(peer)
	}
	c.partitions.SetMembers(c.clusterMgr.Members())
	return nil
}

// Stop runs the shutdown sequence: it marks the node shutdown-pending,
// waits up to shutdownReplicationDeadline for the replication pipeline to
// flush, stops the cluster manager (closing peer connections; no
// NODE_LEAVING message is sent), waits reassignmentGrace, then stops the
// RPC server, the WebSocket frontend, the background components and
// storage. Clients are not sent SHUTDOWN_PENDING, and the frontend keeps
// accepting client work until its own shutdown step.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.state = stateShutdownPending
	c.logger.Info().Msg("shutdown pending")

	flushed := make(chan struct{})
	go func() {
		c.pipeline.Close()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(shutdownReplicationDeadline):
		c.logger.Warn().Msg("replication flush deadline exceeded, proceeding with shutdown")
	}

	c.state = stateLeaving
	c.logger.Info().Msg("node leaving")
	if err := c.clusterMgr.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("cluster manager stop")
	}

	time.Sleep(reassignmentGrace)

	if c.rpcServer != nil {
		c.rpcServer.Stop()
	}
	if err := c.frontendSv.Shutdown(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("frontend shutdown")
	}

	c.collector.Stop()
	c.repairer.Stop()
	c.queryCrd.Stop()
	c.searchCrd.Stop()
	c.metricsCol.Stop()

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("node: close storage: %w", err)
	}

	c.state = stateClosed
	c.logger.Info().Msg("node stopped")
	return nil
}

// ClusterAddr returns this node's gossip transport listen address, nil
// until Start has been called.
func (c *Coordinator) ClusterAddr() net.Addr { return c.clusterMgr.Addr() }

// ConnectTo connects this node's cluster transport directly to a peer
// address, bypassing the clusterrpc Join handshake. Production nodes use
// Join; tests that don't configure mTLS wire a cluster together with this
// instead.
func (c *Coordinator) ConnectTo(addr string) { c.clusterMgr.ConnectTo(addr) }

// Members returns the current gossip membership list.
func (c *Coordinator) Members() []string { return c.clusterMgr.Members() }

// OpHandler returns the node's Operation Handler, for tests that submit
// client ops directly without a WebSocket connection.
func (c *Coordinator) OpHandler() *ophandler.Handler { return c.opHandler }

// Store returns the node's underlying storage.Store, for tests that assert
// on persisted state directly.
func (c *Coordinator) Store() storage.Store { return c.store }

// Partitions returns the node's Partition Service.
func (c *Coordinator) Partitions() *partition.Service { return c.partitions }

// StorageMgr returns the node's Storage Manager, for tests that need
// decoded CRDT map state rather than raw persisted bytes.
func (c *Coordinator) StorageMgr() *storagemgr.Manager { return c.storageMgr }

// metricsSources wires pkg/metrics' polling Collector against this node's
// live subsystem state.
func (c *Coordinator) metricsSources() metrics.Sources {
	return metrics.Sources{
		ClusterMembers: func() int { return len(c.clusterMgr.Members()) },
		PartitionsOwned: func() int {
			pm := c.partitions.GetPartitionMap()
			n := 0
			for _, d := range pm.Distribution {
				if d.Owner == c.cfg.NodeID {
					n++
				}
			}
			return n
		},
		PartitionMapVersion: func() uint64 { return c.partitions.GetPartitionMap().Version },
		ReplicationPending:  func() int { return c.pipeline.GetTotalPending() },
		ReplicationHealthy:  func() bool { return c.pipeline.GetHealth() },
	}
}
