// Package gc implements the background correctness machinery: two-phase
// garbage collection of TTL-expired and tombstoned records under a
// cluster-wide safe cutoff, and Merkle-tree anti-entropy repair between
// peers.
package gc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/crdt"
	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/metrics"
	"github.com/driftdb/driftdb/pkg/replication"
	"github.com/driftdb/driftdb/pkg/storagemgr"
)

// Config tunes the collector's run interval, safe-cutoff grace period, and
// the cooperative time budget for a single sweep.
type Config struct {
	Interval    time.Duration
	Grace       time.Duration
	SweepBudget time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.SweepBudget <= 0 {
		c.SweepBudget = 200 * time.Millisecond
	}
	return c
}

// Collector runs the two-phase GC sweep across every map this node holds:
// (1) TTL-expired live records become tombstones at their exact expiration
// millis, replicated to backup owners like any other op; (2) tombstones
// and expired records older than the safe cutoff are pruned outright, a
// purely local cleanup since every replica computes its own cutoff and
// tombstones have already propagated by the time they're old enough to
// prune.
type Collector struct {
	cfg     Config
	storage *storagemgr.Manager
	pipe    *replication.Pipeline
	cutoff  *CutoffTracker
	logger  zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config, storage *storagemgr.Manager, pipe *replication.Pipeline, cutoff *CutoffTracker) *Collector {
	return &Collector{
		cfg:     cfg.withDefaults(),
		storage: storage,
		pipe:    pipe,
		cutoff:  cutoff,
		logger:  log.WithComponent("gc"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the periodic GC loop.
func (c *Collector) Start() {
	go c.loop()
}

// Stop halts the periodic loop and waits for the in-flight sweep, if any,
// to finish.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) loop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.RunOnce(context.Background())
		}
	}
}

// RunOnce sweeps every currently-loaded map once: TTL-expire, then prune
// under the safe cutoff if one can be computed. Each map is one tasklet
// under a cooperative time budget, so a node holding many maps yields
// between them rather than blocking its goroutine for the whole pass. A
// sweep that runs out of budget skips the maps it did not reach; the next
// tick walks MapNames afresh (in map iteration order, with no cursor kept
// from this pass), so those maps are not guaranteed to come first.
func (c *Collector) RunOnce(ctx context.Context) {
	now := nowMillis()
	cutoff, ok := c.cutoff.SafeCutoff(c.cfg.Grace)
	if !ok {
		c.logger.Debug().Msg("safe cutoff indeterminate, skipping prune phase this round")
	}

	mapNames := c.storage.MapNames()
	tasks := make([]func(), 0, len(mapNames))
	for _, mapName := range mapNames {
		mapName := mapName
		tasks = append(tasks, func() {
			m := c.storage.GetMap(mapName, crdt.KindLWW)
			switch t := m.(type) {
			case *crdt.LWWMap:
				c.sweepLWW(ctx, mapName, t, now, cutoff, ok)
			case *crdt.ORMap:
				c.sweepOR(ctx, mapName, t, now)
			}
		})
	}
	ran := RunTasklets(NewBudget(c.cfg.SweepBudget), tasks)
	if ran < len(tasks) {
		c.logger.Debug().Int("ran", ran).Int("total", len(tasks)).Msg("sweep budget exceeded, remaining maps skipped this tick")
	}
}

func (c *Collector) sweepLWW(ctx context.Context, mapName string, m *crdt.LWWMap, now uint64, cutoff hlc.Timestamp, hasCutoff bool) {
	before := make(map[string]bool, m.Size())
	for _, e := range m.Entries() {
		before[e.Key] = e.Record.Tombstone()
	}

	m.ExpireTTLs(now)

	for _, e := range m.Entries() {
		if before[e.Key] || !e.Record.Tombstone() {
			continue
		}
		// Key transitioned from live to tombstoned this sweep: persist and
		// replicate the expiration like any other write.
		if err := c.storage.PersistLWW(ctx, mapName, m, e.Key); err != nil {
			c.logger.Warn().Err(err).Str("map", mapName).Str("key", e.Key).Msg("persist expired record failed")
		}
		c.pipe.Enqueue(replication.Op{
			ID:      uuid.NewString(),
			MapName: mapName,
			Key:     e.Key,
			Type:    replication.OpLWWMerge,
			Payload: crdt.EncodeRecord(e.Record),
		})
	}

	if !hasCutoff {
		return
	}
	removed := m.Prune(cutoff, now)
	if removed > 0 {
		metrics.GCPrunedTotal.Add(float64(removed))
		c.logger.Debug().Str("map", mapName).Int("removed", removed).Msg("pruned tombstones under safe cutoff")
		for key := range before {
			if _, ok := m.GetRecord(key); ok {
				continue
			}
			if err := c.storage.DeleteKey(ctx, mapName, key); err != nil {
				c.logger.Warn().Err(err).Str("map", mapName).Str("key", key).Msg("delete pruned record failed")
			}
		}
	}
}

func (c *Collector) sweepOR(ctx context.Context, mapName string, m *crdt.ORMap, now uint64) {
	beforeTags := make(map[string]bool)
	for _, tag := range m.TombstoneTags() {
		beforeTags[tag] = true
	}

	removed := m.Prune(now)
	if removed == 0 {
		return
	}
	metrics.GCPrunedTotal.Add(float64(removed))

	if err := c.storage.PersistORTombstones(ctx, mapName, m); err != nil {
		c.logger.Warn().Err(err).Str("map", mapName).Msg("persist or-map tombstones failed")
	}
	for _, tag := range m.TombstoneTags() {
		if beforeTags[tag] {
			continue
		}
		c.pipe.Enqueue(replication.Op{
			ID:      uuid.NewString(),
			MapName: mapName,
			Type:    replication.OpORTombstone,
			Tag:     tag,
		})
	}
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
