package frontend

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/types"
)

// evictCodePingTimeout is the WebSocket close code sent to a client whose
// PING has gone stale past clientTimeoutMs.
const evictCodePingTimeout = 4002

// codedCloser is implemented by coalescingWriter; checked via a type
// assertion so heartbeat eviction can report a specific close code
// without widening types.Writer for every other caller.
type codedCloser interface {
	CloseWithCode(code int, reason string) error
}

// heartbeat periodically scans the registry for authenticated connections
// whose last PING is older than the configured timeout and evicts them.
type heartbeat struct {
	reg     *registry
	timeout time.Duration
	logger  zerolog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newHeartbeat(reg *registry, timeout time.Duration) *heartbeat {
	return &heartbeat{
		reg:     reg,
		timeout: timeout,
		logger:  log.WithComponent("frontend.heartbeat"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (h *heartbeat) start(interval time.Duration) {
	go h.run(interval)
}

func (h *heartbeat) stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *heartbeat) run(interval time.Duration) {
	defer close(h.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *heartbeat) sweep() {
	now := time.Now()
	for _, c := range h.reg.snapshot() {
		if !c.IsAuthenticated() {
			continue
		}
		last := c.LastPingReceived()
		if last.IsZero() || now.Sub(last) <= h.timeout {
			continue
		}
		h.evict(c)
	}
}

func (h *heartbeat) evict(c *types.ClientConnection) {
	if cc, ok := c.Writer.(codedCloser); ok {
		_ = cc.CloseWithCode(evictCodePingTimeout, "ping timeout")
		h.reg.remove(c.ID)
		return
	}
	if err := c.Close(); err != nil {
		h.logger.Warn().Err(err).Str("conn", c.ID).Msg("error closing evicted connection")
	}
	h.reg.remove(c.ID)
}
