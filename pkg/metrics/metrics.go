package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClusterMembersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_cluster_members_total",
			Help: "Total number of alive nodes in the cluster, including self",
		},
	)

	PeerHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftdb_peer_healthy",
			Help: "Whether a peer connection is currently alive (1) or not (0)",
		},
		[]string{"peer_id"},
	)

	// Partition ownership metrics
	PartitionsOwnedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_partitions_owned_total",
			Help: "Total number of partitions this node currently owns",
		},
	)

	PartitionsBackedUpTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_partitions_backed_up_total",
			Help: "Total number of partitions this node holds as a backup",
		},
	)

	PartitionMapVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_partition_map_version",
			Help: "Current version of the locally held partition map",
		},
	)

	// Replication metrics
	ReplicationPendingTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_replication_pending_total",
			Help: "Total number of ops queued or in-flight across every peer's replication queue",
		},
	)

	ReplicationHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_replication_healthy",
			Help: "Whether every peer's pending replication queue is under its lag threshold (1) or not (0)",
		},
	)

	ReplicationAckTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdb_replication_ack_timeouts_total",
			Help: "Total number of write-concern acknowledgements that timed out",
		},
	)

	// Subscription/query metrics
	SubscriptionsActiveTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_subscriptions_active_total",
			Help: "Total number of active QUERY_SUB subscriptions coordinated by this node",
		},
	)

	ServerEventsEmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdb_server_events_emitted_total",
			Help: "Total number of SERVER_EVENT messages emitted to subscribers",
		},
	)

	// Search metrics
	SearchRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdb_search_requests_total",
			Help: "Total number of cluster-wide SEARCH requests coordinated by this node",
		},
	)

	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftdb_search_duration_seconds",
			Help:    "Time taken to fan out and merge one cluster-wide search",
			Buckets: prometheus.DefBuckets,
		},
	)

	// GC metrics
	GCPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdb_gc_pruned_total",
			Help: "Total number of tombstoned or expired records pruned by garbage collection",
		},
	)

	GCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftdb_gc_sweep_duration_seconds",
			Help:    "Time taken for one GC sweep pass across every locally held map",
			Buckets: prometheus.DefBuckets,
		},
	)

	MerkleRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdb_merkle_repairs_total",
			Help: "Total number of records repaired by Merkle anti-entropy, by map",
		},
		[]string{"map"},
	)

	// Client frontend metrics
	ClientConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_client_connections_active",
			Help: "Total number of currently connected (authenticated or not) WebSocket clients",
		},
	)

	ClientOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdb_client_ops_total",
			Help: "Total number of client ops processed, by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	ClientOpDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftdb_client_op_duration_seconds",
			Help:    "Time taken to run one client op through the operation pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdb_rate_limit_rejections_total",
			Help: "Total number of ops rejected by the per-client rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ClusterMembersTotal,
		PeerHealthy,
		PartitionsOwnedTotal,
		PartitionsBackedUpTotal,
		PartitionMapVersion,
		ReplicationPendingTotal,
		ReplicationHealthy,
		ReplicationAckTimeoutsTotal,
		SubscriptionsActiveTotal,
		ServerEventsEmittedTotal,
		SearchRequestsTotal,
		SearchDuration,
		GCPrunedTotal,
		GCSweepDuration,
		MerkleRepairsTotal,
		ClientConnectionsActive,
		ClientOpsTotal,
		ClientOpDuration,
		RateLimitRejectionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics scrape
// endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
