// Package config loads driftdbd's node configuration from a YAML file, with
// environment variable overrides layered on top, adapted from the
// yogimathius-time-series-analytics-engine config package's
// DefaultConfig/LoadFromFile/LoadFromEnv/Validate shape. Every field a
// subsystem needs at construction time (cluster membership, storage
// backend, write-batch tuning, GC cadence, ...) lives here so cmd/driftdbd
// has one object to load and pass down to pkg/node's Coordinator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClusterConfig configures the Cluster Manager's peer-to-peer transport.
type ClusterConfig struct {
	BindAddr   string   `yaml:"bindAddr"`
	Peers      []string `yaml:"peers"`
	ClusterTLS bool     `yaml:"clusterTls"`
	// RPCBindAddr is where pkg/clusterrpc's ClusterControl service listens
	// for join/bootstrap requests from nodes not yet in the gossip
	// membership -- necessarily a different port than BindAddr, which the
	// Cluster Manager's own transport owns.
	RPCBindAddr string `yaml:"rpcBindAddr"`
}

// PartitionConfig configures the partition ring.
type PartitionConfig struct {
	ReplicationFactor int `yaml:"replicationFactor"`
}

// RedisConfig configures the redisstore backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// StorageConfig selects and tunes the Storage Manager's backing store.
type StorageConfig struct {
	// Driver is "bolt" or "redis".
	Driver    string      `yaml:"driver"`
	DataDir   string      `yaml:"dataDir"`
	CacheSize int         `yaml:"cacheSize"`
	Redis     RedisConfig `yaml:"redis"`
}

// WriteBatchConfig configures the Coalescing Writer's flush thresholds.
type WriteBatchConfig struct {
	MaxSize  int      `yaml:"maxSize"`
	MaxBytes int      `yaml:"maxBytes"`
	MaxDelay Duration `yaml:"maxDelay"`
}

// BackpressureConfig configures the frontend's per-stripe pending-op
// high-water mark.
type BackpressureConfig struct {
	MaxPending    int      `yaml:"maxPending"`
	SyncFrequency int      `yaml:"syncFrequency"`
	BackoffMs     Duration `yaml:"backoffMs"`
}

// FrontendConfig configures the Connection/WS Frontend.
type FrontendConfig struct {
	BindAddr          string             `yaml:"bindAddr"`
	HeartbeatInterval Duration           `yaml:"heartbeatInterval"`
	ClientTimeout     Duration           `yaml:"clientTimeout"`
	AuthDeadline      Duration           `yaml:"authDeadline"`
	WriteBatch        WriteBatchConfig   `yaml:"writeBatch"`
	Backpressure      BackpressureConfig `yaml:"backpressure"`
	ClientTLS         bool               `yaml:"clientTls"`
}

// QueryConfig configures the Query/Subscription Coordinator's write
// fan-out.
type QueryConfig struct {
	AckTimeout Duration `yaml:"ackTimeout"`
}

// SearchConfig configures the full-text search index's indexed fields and
// the Search Coordinator's cluster fan-out.
type SearchConfig struct {
	// Fields maps a map name to the record fields indexed for full-text
	// search on it, the fullTextSearch{mapName->{fields[]}} config key.
	Fields      map[string][]string `yaml:"fullTextSearch"`
	RRFK        float64             `yaml:"rrfK"`
	ExecTimeout Duration            `yaml:"execTimeout"`
}

// OpHandlerConfig configures the Operation Handler pipeline.
type OpHandlerConfig struct {
	AckTimeout Duration `yaml:"ackTimeout"`
}

// GCConfig configures the GC & Merkle Anti-Entropy collector.
type GCConfig struct {
	Interval    Duration `yaml:"interval"`
	Grace       Duration `yaml:"grace"`
	SweepBudget Duration `yaml:"sweepBudget"`
}

// ReplicationConfig configures the Replication Pipeline's coalescing
// batcher.
type ReplicationConfig struct {
	CoalesceInterval Duration `yaml:"coalesceInterval"`
	MaxBatchSize     int      `yaml:"maxBatchSize"`
	LagThreshold     int      `yaml:"lagThreshold"`
}

// RateLimitConfig configures the per-client op rate limiter.
type RateLimitConfig struct {
	Window Duration `yaml:"window"`
	MaxOps int      `yaml:"maxOps"`
}

// WorkerPoolConfig configures the off-goroutine CRDT/Merkle worker pool.
type WorkerPoolConfig struct {
	MinWorkers int `yaml:"minWorkers"`
	MaxWorkers int `yaml:"maxWorkers"`
}

// SecurityConfig configures mTLS certificate issuance/caching and the
// client-facing AUTH token secret.
type SecurityConfig struct {
	CertDir   string `yaml:"certDir"`
	JWTSecret string `yaml:"jwtSecret"`
}

// Config is driftdbd's full node configuration, loaded from YAML with
// environment variable overrides.
type Config struct {
	NodeID string `yaml:"nodeId"`

	Cluster     ClusterConfig     `yaml:"cluster"`
	Partition   PartitionConfig   `yaml:"partition"`
	Storage     StorageConfig     `yaml:"storage"`
	Frontend    FrontendConfig    `yaml:"frontend"`
	Query       QueryConfig       `yaml:"query"`
	Search      SearchConfig      `yaml:"search"`
	OpHandler   OpHandlerConfig   `yaml:"opHandler"`
	GC          GCConfig          `yaml:"gc"`
	Replication ReplicationConfig `yaml:"replication"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	WorkerPool  WorkerPoolConfig  `yaml:"workerPool"`
	Security    SecurityConfig    `yaml:"security"`
}

// Default returns a Config with every subsystem's documented defaults
// filled in, suitable for a single-node bootstrap.
func Default() *Config {
	return &Config{
		NodeID: "node-1",
		Cluster: ClusterConfig{
			BindAddr:    ":7946",
			RPCBindAddr: ":7947",
		},
		Partition: PartitionConfig{
			ReplicationFactor: 3,
		},
		Storage: StorageConfig{
			Driver:    "bolt",
			DataDir:   "./data",
			CacheSize: 4096,
		},
		Frontend: FrontendConfig{
			BindAddr:          ":8080",
			HeartbeatInterval: Duration{10 * time.Second},
			ClientTimeout:     Duration{30 * time.Second},
			AuthDeadline:      Duration{5 * time.Second},
			WriteBatch: WriteBatchConfig{
				MaxSize:  64,
				MaxBytes: 256 << 10,
				MaxDelay: Duration{5 * time.Millisecond},
			},
			Backpressure: BackpressureConfig{
				MaxPending:    1000,
				SyncFrequency: 10,
				BackoffMs:     Duration{25 * time.Millisecond},
			},
		},
		Query: QueryConfig{
			AckTimeout: Duration{2 * time.Second},
		},
		Search: SearchConfig{
			RRFK:        60,
			ExecTimeout: Duration{2 * time.Second},
		},
		OpHandler: OpHandlerConfig{
			AckTimeout: Duration{2 * time.Second},
		},
		GC: GCConfig{
			Interval:    Duration{5 * time.Minute},
			Grace:       Duration{24 * time.Hour},
			SweepBudget: Duration{200 * time.Millisecond},
		},
		Replication: ReplicationConfig{
			CoalesceInterval: Duration{50 * time.Millisecond},
			MaxBatchSize:     256,
			LagThreshold:     1000,
		},
		RateLimit: RateLimitConfig{
			Window: Duration{1 * time.Second},
			MaxOps: 1000,
		},
		WorkerPool: WorkerPoolConfig{
			MinWorkers: 2,
			MaxWorkers: 16,
		},
		Security: SecurityConfig{
			CertDir: "",
		},
	}
}

// Load reads a YAML config file at path, layers environment variable
// overrides on top, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// envPrefix namespaces driftdbd's environment variable overrides.
const envPrefix = "DRIFTDB_"

// applyEnv overrides the handful of fields operators most commonly need to
// set per-deployment without editing the YAML file (container
// orchestration commonly injects these as env vars rather than files).
func (c *Config) applyEnv() {
	if v := os.Getenv(envPrefix + "NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv(envPrefix + "CLUSTER_BIND_ADDR"); v != "" {
		c.Cluster.BindAddr = v
	}
	if v := os.Getenv(envPrefix + "CLUSTER_PEERS"); v != "" {
		c.Cluster.Peers = strings.Split(v, ",")
	}
	if v := os.Getenv(envPrefix + "FRONTEND_BIND_ADDR"); v != "" {
		c.Frontend.BindAddr = v
	}
	if v := os.Getenv(envPrefix + "STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv(envPrefix + "STORAGE_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(envPrefix + "REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv(envPrefix + "REPLICATION_FACTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Partition.ReplicationFactor = n
		}
	}
}

// Validate checks the config for values that would leave a node unable to
// start, beyond what each subsystem's own withDefaults already repairs.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("nodeId is required")
	}
	if c.Partition.ReplicationFactor < 1 {
		return fmt.Errorf("partition.replicationFactor must be >= 1")
	}
	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.dataDir is required for the bolt driver")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver must be \"bolt\" or \"redis\", got %q", c.Storage.Driver)
	}
	return nil
}

// Save writes cfg to path as YAML, used by driftdbd's init-config
// subcommand.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
