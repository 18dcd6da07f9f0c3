// Package replication implements the Replication Pipeline: it batches
// outbound CRDT mutations to a partition's backup owners per peer, flushing
// on a coalescing time budget or a size threshold rather than broadcasting
// every op individually, and tracks per-peer pending counts and per-op ack
// counts so the Operation Handler can honor QUORUM/ALL write-concern.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/cluster"
	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/partition"
	"github.com/driftdb/driftdb/pkg/wire"
)

// Config tunes the coalescing batch behavior.
type Config struct {
	SelfNodeID string
	// CoalesceInterval is the maximum time an op waits in a peer's queue
	// before a batch is flushed.
	CoalesceInterval time.Duration
	// MaxBatchSize flushes a peer's queue immediately once it reaches this
	// many queued ops, without waiting for CoalesceInterval.
	MaxBatchSize int
	// LagThreshold is the pending-op count per peer above which getHealth
	// reports unhealthy.
	LagThreshold int
}

func (c Config) withDefaults() Config {
	if c.CoalesceInterval <= 0 {
		c.CoalesceInterval = 50 * time.Millisecond
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 256
	}
	if c.LagThreshold <= 0 {
		c.LagThreshold = 10000
	}
	return c
}

// ApplyFunc applies a forwarded op to this node's local CRDT state (backed
// by pkg/storagemgr). Returning an error drops the op from the ack batch
// sent back to the origin owner.
type ApplyFunc func(op Op) error

// Pipeline is one node's Replication Pipeline.
type Pipeline struct {
	cfg        Config
	cluster    *cluster.Manager
	partitions *partition.Service
	apply      ApplyFunc
	logger     zerolog.Logger
	acks       *ackTracker

	mu      sync.Mutex
	pending map[string][]Op // peer nodeId -> queued ops awaiting flush
	inFlush map[string]int  // peer nodeId -> count of ops sent but not yet acked

	sub      cluster.Subscriber
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Pipeline. Call Start to begin the flush loop and the
// inbound OP_FORWARD/OP_ACK_CLUSTER listener.
func New(cfg Config, clusterMgr *cluster.Manager, partitions *partition.Service, apply ApplyFunc) *Pipeline {
	return &Pipeline{
		cfg:        cfg.withDefaults(),
		cluster:    clusterMgr,
		partitions: partitions,
		apply:      apply,
		logger:     log.WithComponent("replication"),
		acks:       newAckTracker(),
		pending:    make(map[string][]Op),
		inFlush:    make(map[string]int),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the coalescing flush loop and the inbound message
// listener.
func (p *Pipeline) Start() {
	p.sub = p.cluster.Subscribe()
	p.wg.Add(2)
	go p.flushLoop()
	go p.listenLoop()
}

// Close stops the pipeline, flushing every peer's remaining queued ops
// first.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.flushAll()
		p.cluster.Unsubscribe(p.sub)
	})
	p.wg.Wait()
}

// Enqueue queues op for forwarding to every backup of key's partition
// (excluding self), flushing immediately for any peer whose queue crosses
// MaxBatchSize.
func (p *Pipeline) Enqueue(op Op) {
	pid := partition.GetPartitionID(op.Key)
	backups := p.partitions.GetBackups(pid)

	p.mu.Lock()
	var toFlush []string
	for _, peer := range backups {
		if peer == p.cfg.SelfNodeID {
			continue
		}
		p.pending[peer] = append(p.pending[peer], op)
		if len(p.pending[peer]) >= p.cfg.MaxBatchSize {
			toFlush = append(toFlush, peer)
		}
	}
	p.mu.Unlock()

	for _, peer := range toFlush {
		p.flushPeer(peer)
	}
}

func (p *Pipeline) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CoalesceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.flushAll()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) flushAll() {
	p.mu.Lock()
	peers := make([]string, 0, len(p.pending))
	for peer, ops := range p.pending {
		if len(ops) > 0 {
			peers = append(peers, peer)
		}
	}
	p.mu.Unlock()

	for _, peer := range peers {
		p.flushPeer(peer)
	}
}

func (p *Pipeline) flushPeer(peer string) {
	p.mu.Lock()
	ops := p.pending[peer]
	if len(ops) == 0 {
		p.mu.Unlock()
		return
	}
	p.pending[peer] = nil
	p.inFlush[peer] += len(ops)
	p.mu.Unlock()

	env := wire.Envelope{Type: wire.MsgOpForward, Payload: encodeBatch(ops)}
	if err := p.cluster.Send(peer, env); err != nil {
		p.logger.Warn().Err(err).Str("peer", peer).Int("ops", len(ops)).Msg("forward batch failed")
		// The peer is unreachable; re-queue so the next flush retries once
		// the connection recovers instead of silently losing the batch.
		p.mu.Lock()
		p.pending[peer] = append(ops, p.pending[peer]...)
		p.inFlush[peer] -= len(ops)
		p.mu.Unlock()
	}
}

func (p *Pipeline) listenLoop() {
	defer p.wg.Done()
	for {
		select {
		case ev, ok := <-p.sub:
			if !ok {
				return
			}
			if ev.Type != cluster.EventMessage || ev.Message == nil {
				continue
			}
			p.handleMessage(ev.Message)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) handleMessage(msg *cluster.InboundMessage) {
	switch msg.Envelope.Type {
	case wire.MsgOpForward:
		p.handleForward(msg.FromNodeID, msg.Envelope.Payload)
	case wire.MsgOpAckCluster:
		p.handleAck(msg.Envelope.Payload)
	}
}

func (p *Pipeline) handleForward(fromNodeID string, payload []byte) {
	ops, err := decodeBatch(payload)
	if err != nil {
		p.logger.Warn().Err(err).Str("from", fromNodeID).Msg("decode forwarded batch failed")
		return
	}
	accepted := make([]string, 0, len(ops))
	for _, op := range ops {
		if p.apply == nil {
			continue
		}
		if err := p.apply(op); err != nil {
			p.logger.Warn().Err(err).Str("op", op.ID).Msg("apply forwarded op failed")
			continue
		}
		accepted = append(accepted, op.ID)
	}
	if len(accepted) == 0 {
		return
	}
	env := wire.Envelope{Type: wire.MsgOpAckCluster, Payload: encodeAck(p.cfg.SelfNodeID, accepted)}
	if err := p.cluster.Send(fromNodeID, env); err != nil {
		p.logger.Warn().Err(err).Str("to", fromNodeID).Msg("send ack failed")
	}
}

func (p *Pipeline) handleAck(payload []byte) {
	ackerID, opIDs, err := decodeAck(payload)
	if err != nil {
		p.logger.Warn().Err(err).Msg("decode ack failed")
		return
	}
	p.mu.Lock()
	if n, ok := p.inFlush[ackerID]; ok {
		p.inFlush[ackerID] = n - len(opIDs)
		if p.inFlush[ackerID] < 0 {
			p.inFlush[ackerID] = 0
		}
	}
	p.mu.Unlock()

	for _, id := range opIDs {
		p.acks.recordAck(id, ackerID)
	}
}

// WaitForAcks blocks until at least required distinct backups have acked
// opID, or ctx is done. Used by the Operation Handler for QUORUM/ALL
// write-concern.
func (p *Pipeline) WaitForAcks(ctx context.Context, opID string, required int) error {
	return p.acks.waitForAcks(ctx, opID, required)
}

// ForgetOp releases an op's ack-tracking state once the caller is done
// waiting on it (success or deadline).
func (p *Pipeline) ForgetOp(opID string) { p.acks.forget(opID) }

// AckedBy returns the backup node ids that have acked opID so far, letting
// the Operation Handler report failedNodes on a QUORUM/ALL deadline.
func (p *Pipeline) AckedBy(opID string) []string { return p.acks.ackedBy(opID) }

// GetTotalPending returns the sum, across every peer, of ops queued or
// in flight awaiting ack.
func (p *Pipeline) GetTotalPending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, ops := range p.pending {
		total += len(ops)
	}
	for _, n := range p.inFlush {
		total += n
	}
	return total
}

// GetHealth reports whether every peer's pending-plus-in-flight count is
// within LagThreshold.
func (p *Pipeline) GetHealth() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for peer, ops := range p.pending {
		if len(ops)+p.inFlush[peer] > p.cfg.LagThreshold {
			return false
		}
	}
	for peer, n := range p.inFlush {
		if _, counted := p.pending[peer]; counted {
			continue
		}
		if n > p.cfg.LagThreshold {
			return false
		}
	}
	return true
}
