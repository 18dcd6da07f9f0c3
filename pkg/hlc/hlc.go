// Package hlc implements a Hybrid Logical Clock: a process-wide,
// monotonic (millis, counter, nodeId) timestamp used to order every CRDT
// mutation and merge. It is the leaf dependency of the whole core (spec
// §2's dependency order starts here) and every other component reaches it
// through a small concurrency boundary rather than mutating shared state
// directly, per the "mutable global clock" design note.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a totally-ordered (millis, counter, nodeId) triple.
// Ordering is lexicographic on the triple: millis, then counter, then
// nodeId — this is what breaks ties between two writes that land in the
// same millisecond on different nodes.
type Timestamp struct {
	Millis  uint64
	Counter uint32
	NodeID  string
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than
// other, in lexicographic (millis, counter, nodeId) order.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Millis != other.Millis {
		if t.Millis < other.Millis {
			return -1
		}
		return 1
	}
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	switch {
	case t.NodeID < other.NodeID:
		return -1
	case t.NodeID > other.NodeID:
		return 1
	default:
		return 0
	}
}

// After reports whether t is strictly greater than other.
func (t Timestamp) After(other Timestamp) bool { return t.Compare(other) > 0 }

// Before reports whether t is strictly less than other.
func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }

// Equal reports whether t and other are identical.
func (t Timestamp) Equal(other Timestamp) bool { return t.Compare(other) == 0 }

// Zero is the smallest possible timestamp, useful as a "never merged" sentinel.
var Zero = Timestamp{}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Millis, t.Counter, t.NodeID)
}

// Clock is a process-wide Hybrid Logical Clock. It is safe for concurrent
// use; all mutation goes through Now/Update.
type Clock struct {
	nodeID string

	mu      sync.Mutex
	millis  uint64
	counter uint32

	// wallNow is swappable for deterministic tests.
	wallNow func() uint64
}

// New creates a Clock for nodeID.
func New(nodeID string) *Clock {
	return &Clock{nodeID: nodeID, wallNow: wallMillis}
}

func wallMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Now advances the clock to the current wall time and returns a fresh
// Timestamp. millis = max(wall, local.millis); counter resets to 0 unless
// wall doesn't advance past the last-seen millis, in which case counter
// increments to preserve strict monotonicity within this node.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wallNow()
	if wall > c.millis {
		c.millis = wall
		c.counter = 0
	} else {
		c.counter++
	}

	return Timestamp{Millis: c.millis, Counter: c.counter, NodeID: c.nodeID}
}

// Update merges a remote timestamp into the local clock (called whenever a
// replicated operation or gossip message carrying a Timestamp is received)
// and returns a fresh local Timestamp that is guaranteed to be greater than
// both the prior local time and remote. millis = max(wall, local, remote).
// If millis did not advance past the local value, counter increments (past
// remote's counter too when remote shares that millis); if it advanced to
// remote's millis, counter becomes remote's counter plus one; otherwise it
// resets to 0.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wallNow()
	next := c.millis
	if wall > next {
		next = wall
	}
	if remote.Millis > next {
		next = remote.Millis
	}

	if next > c.millis {
		c.millis = next
		c.counter = 0
		if next == remote.Millis {
			c.counter = remote.Counter + 1
		}
	} else {
		// next == c.millis: no forward movement from wall or remote, but we
		// must still produce a timestamp strictly after remote if remote
		// shares our millis and has a higher counter.
		if remote.Millis == c.millis && remote.Counter >= c.counter {
			c.counter = remote.Counter + 1
		} else {
			c.counter++
		}
	}

	return Timestamp{Millis: c.millis, Counter: c.counter, NodeID: c.nodeID}
}

// NodeID returns the clock's owning node id.
func (c *Clock) NodeID() string { return c.nodeID }
