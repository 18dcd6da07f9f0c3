/*
Package metrics provides Prometheus metrics collection and exposition for
driftdb.

Metrics are registered at package init against the default Prometheus
registry and exposed over HTTP via Handler for scraping. Point-in-time
state (partition ownership, peer health, replication queue depth,
subscription counts) is polled by a Collector on a 15s tick from a
Sources struct of closures supplied by pkg/node; edge-triggered counters
(ops processed, GC pruned records, rate-limit rejections, Merkle repairs)
are incremented directly at their call sites.

# Metric categories

Cluster: driftdb_cluster_members_total, driftdb_peer_healthy{peer_id}

Partitions: driftdb_partitions_owned_total,
driftdb_partitions_backed_up_total, driftdb_partition_map_version

Replication: driftdb_replication_pending_total,
driftdb_replication_healthy, driftdb_replication_ack_timeouts_total

Subscriptions: driftdb_subscriptions_active_total,
driftdb_server_events_emitted_total

Search: driftdb_search_requests_total, driftdb_search_duration_seconds

GC & anti-entropy: driftdb_gc_pruned_total, driftdb_gc_sweep_duration_seconds,
driftdb_merkle_repairs_total{map}

Client frontend: driftdb_client_connections_active,
driftdb_client_ops_total{action,outcome}, driftdb_client_op_duration_seconds,
driftdb_rate_limit_rejections_total

# Usage

	collector := metrics.NewCollector(metrics.Sources{
		ClusterMembers:  func() int { return len(clusterMgr.Members()) },
		ReplicationHealthy: pipeline.GetHealth,
	})
	collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())

Recording an edge-triggered counter:

	metrics.GCPrunedTotal.Add(float64(removed))
	metrics.ClientOpsTotal.WithLabelValues("set", "ok").Inc()

Timing a histogram:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.SearchDuration)
*/
package metrics
