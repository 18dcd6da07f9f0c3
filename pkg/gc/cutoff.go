package gc

import (
	"sync"
	"time"

	"github.com/driftdb/driftdb/pkg/hlc"
)

// CutoffTracker computes the safe GC cutoff: the minimum "last active HLC"
// reported by every currently-connected client or peer, minus a
// configurable grace period. A zombie client reappearing after the cutoff
// gets SyncResetRequired rather than racing a tombstone that's already
// been pruned out from under it.
type CutoffTracker struct {
	mu     sync.Mutex
	active map[string]hlc.Timestamp
}

func NewCutoffTracker() *CutoffTracker {
	return &CutoffTracker{active: make(map[string]hlc.Timestamp)}
}

// RecordActive records id (a client or peer node id) as having synced up to
// ts. Called whenever a heartbeat, ack, or successful op arrives from id.
func (c *CutoffTracker) RecordActive(id string, ts hlc.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.active[id]; !ok || ts.After(prev) {
		c.active[id] = ts
	}
}

// Forget drops id, called when a client disconnects or a peer leaves the
// cluster — its last-known timestamp can no longer hold back the cutoff.
func (c *CutoffTracker) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

// SafeCutoff returns the minimum recorded timestamp across every tracked
// id, minus grace, and true — or (zero, false) if no id is currently
// tracked, meaning the cutoff is indeterminate and GC must not prune
// anything this round.
func (c *CutoffTracker) SafeCutoff(grace time.Duration) (hlc.Timestamp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.active) == 0 {
		return hlc.Timestamp{}, false
	}

	var min hlc.Timestamp
	first := true
	for _, ts := range c.active {
		if first || ts.Before(min) {
			min = ts
			first = false
		}
	}
	min.Millis = subGraceMillis(min.Millis, grace)
	return min, true
}

func subGraceMillis(millis uint64, grace time.Duration) uint64 {
	g := uint64(grace.Milliseconds())
	if g >= millis {
		return 0
	}
	return millis - g
}
