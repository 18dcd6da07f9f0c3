package frontend

import (
	"sync"
	"sync/atomic"
	"time"
)

// backpressure tracks the pending-op count per stripe (identified by the
// caller's own stripe key, typically mapName+key hashed the same way the
// Operation Handler stripes writes) and decides, for each submitted op,
// whether it should run synchronously and/or wait out a bounded backoff
// before being accepted.
type backpressure struct {
	cfg Backpressure

	mu      sync.Mutex
	pending map[uint64]*int64
}

func newBackpressure(cfg Backpressure) *backpressure {
	return &backpressure{cfg: cfg.withDefaults(), pending: make(map[uint64]*int64)}
}

func (b *backpressure) counter(stripe uint64) *int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.pending[stripe]
	if !ok {
		c = new(int64)
		b.pending[stripe] = c
	}
	return c
}

// Admit registers one pending op on stripe and reports whether the
// caller should force synchronous processing (beyond the high-water
// mark) and, on every syncFrequency-th op past the mark, blocks for
// backoffMs before returning -- bounded, not indefinite,
// so a runaway stripe slows down without ever deadlocking the caller.
func (b *backpressure) Admit(stripe uint64) (forceSync bool) {
	c := b.counter(stripe)
	n := atomic.AddInt64(c, 1)
	if n <= int64(b.cfg.MaxPending) {
		return false
	}
	over := n - int64(b.cfg.MaxPending)
	if over > 0 && over%int64(b.cfg.SyncFrequency) == 0 {
		time.Sleep(b.cfg.BackoffMs)
	}
	return true
}

// Release marks one pending op on stripe as complete.
func (b *backpressure) Release(stripe uint64) {
	c := b.counter(stripe)
	atomic.AddInt64(c, -1)
}
