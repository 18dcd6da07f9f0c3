// Package ophandler implements the Operation Handler: the per-op pipeline
// every client CLIENT_OP or OP_BATCH runs through before it is
// acknowledged. authorize -> interceptors.onBeforeOp -> applyLocally
// (merge + persist) -> notifyQueryRegistry -> enqueueReplication (ack
// target per write-concern) -> emit SERVER_EVENT -> ACK.
package ophandler

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/crdt"
	"github.com/driftdb/driftdb/pkg/drifterr"
	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/interceptor"
	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/metrics"
	"github.com/driftdb/driftdb/pkg/partition"
	"github.com/driftdb/driftdb/pkg/ratelimit"
	"github.com/driftdb/driftdb/pkg/replication"
	"github.com/driftdb/driftdb/pkg/storagemgr"
	"github.com/driftdb/driftdb/pkg/types"
)

// seenCacheSize bounds the accepted-op-id dedupe cache; a retried batch
// only ever replays ops from the client's own recent backlog.
const seenCacheSize = 16384

// AuthorizeFunc checks whether principal may perform action on mapName,
// returning a *drifterr.DriftError (KindPermission/KindAuth) on denial.
type AuthorizeFunc func(principal types.Principal, mapName string, action types.OpAction) error

// NotifyFunc is called after a successful local apply so the Query/Search
// Coordinator can re-evaluate any subscription that might now match or no
// longer match mapName/key.
type NotifyFunc func(mapName, key string)

// EventFunc emits a SERVER_EVENT for the applied op to every subscriber
// whose predicate the new value satisfies; the Query Coordinator supplies
// this.
type EventFunc func(mapName string, op types.ClientOp)

// Config tunes write-concern waiting.
type Config struct {
	SelfNodeID string
	AckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 2 * time.Second
	}
	return c
}

// Deps wires the Operation Handler to every package its pipeline steps
// depend on.
type Deps struct {
	Clock        *hlc.Clock
	Storage      *storagemgr.Manager
	Partitions   *partition.Service
	Pipeline     *replication.Pipeline
	Interceptors *interceptor.Chain
	Limiter      *ratelimit.Limiter
	Authorize    AuthorizeFunc
	Notify       NotifyFunc
	Emit         EventFunc
}

// Handler runs the per-op pipeline for one node.
type Handler struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	seen *lru.Cache[string, struct{}]
}

// New creates a Handler.
func New(cfg Config, deps Deps) *Handler {
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		panic(fmt.Sprintf("ophandler: lru.New: %v", err))
	}
	return &Handler{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: log.WithComponent("ophandler"),
		seen:   seen,
	}
}

// RejectedOp is one op.id that failed its pipeline, with the error kind
// that rejected it.
type RejectedOp struct {
	ID   string
	Code drifterr.Kind
}

// OpResult is the outcome of a single accepted op's write-concern wait.
type OpResult struct {
	ID          string
	FailedNodes []string
}

// BatchResult is the ACK returned for a CLIENT_OP or OP_BATCH: the highest
// op id accepted plus per-op rejections, mirroring OP_ACK{lastId,
// rejected}.
type BatchResult struct {
	LastID      string
	Rejected    []RejectedOp
	FailedNodes []string
}

// HandleBatch runs every op in ops through the pipeline in order, against
// conn's principal. Ops whose id has already been accepted (a retried
// batch) are silently skipped without re-applying, per the idempotent-
// batch invariant; lastId still reflects the highest id in the batch.
func (h *Handler) HandleBatch(ctx context.Context, conn *types.ClientConnection, ops []types.ClientOp) BatchResult {
	var result BatchResult
	principal := conn.Principal()

	for _, op := range ops {
		if op.ID != "" {
			result.LastID = op.ID
		}

		if _, dup := h.seen.Get(op.ID); op.ID != "" && dup {
			continue
		}

		opResult, rejected, err := h.handleOne(ctx, principal, op)
		if err != nil {
			var de *drifterr.DriftError
			code := drifterr.KindFatal
			if drifterr.As(err, &de) {
				code = de.Kind
			}
			result.Rejected = append(result.Rejected, RejectedOp{ID: op.ID, Code: code})
			continue
		}
		if rejected {
			continue
		}

		if op.ID != "" {
			h.seen.Add(op.ID, struct{}{})
		}
		result.FailedNodes = append(result.FailedNodes, opResult.FailedNodes...)
	}
	return result
}

// HandleOp runs a single CLIENT_OP through the pipeline and returns its
// write-concern wait result, or a rejection error.
func (h *Handler) HandleOp(ctx context.Context, conn *types.ClientConnection, op types.ClientOp) (OpResult, error) {
	principal := conn.Principal()
	if _, dup := h.seen.Get(op.ID); op.ID != "" && dup {
		return OpResult{ID: op.ID}, nil
	}
	result, rejected, err := h.handleOne(ctx, principal, op)
	if err != nil {
		return OpResult{}, err
	}
	if !rejected && op.ID != "" {
		h.seen.Add(op.ID, struct{}{})
	}
	return result, nil
}

// handleOne runs authorize -> interceptors -> apply -> notify ->
// replicate -> emit for one op. rejected is true if an interceptor
// silently dropped the op (no error, nothing applied).
func (h *Handler) handleOne(ctx context.Context, principal types.Principal, op types.ClientOp) (result OpResult, rejected bool, err error) {
	result.ID = op.ID

	if h.deps.Limiter != nil && !h.deps.Limiter.Allow(principal.UserID) {
		metrics.RateLimitRejectionsTotal.Inc()
		return result, false, fmt.Errorf("ophandler: op %s: %w", op.ID, drifterr.ErrRateLimit)
	}

	if h.deps.Authorize != nil {
		if err := h.deps.Authorize(principal, op.MapName, op.Action); err != nil {
			return result, false, fmt.Errorf("ophandler: op %s: %w", op.ID, err)
		}
	}

	transformed := op
	if h.deps.Interceptors != nil {
		next, err := h.deps.Interceptors.Run(ctx, principal, &op)
		if err != nil {
			return result, false, fmt.Errorf("ophandler: op %s: %w", op.ID, err)
		}
		if next == nil {
			return result, true, nil
		}
		transformed = *next
	}

	repOp, err := h.applyLocally(ctx, transformed)
	if err != nil {
		h.logger.Warn().Err(err).Str("op", op.ID).Str("map", op.MapName).Msg("apply failed")
		return result, false, fmt.Errorf("ophandler: op %s: apply: %w", op.ID, err)
	}

	if h.deps.Notify != nil {
		h.deps.Notify(transformed.MapName, transformed.Key)
	}

	h.deps.Pipeline.Enqueue(repOp)
	if h.deps.Emit != nil {
		h.deps.Emit(transformed.MapName, transformed)
	}
	metrics.ClientOpsTotal.WithLabelValues(transformed.Action.String(), "ok").Inc()

	if transformed.Consistency == types.ConsistencyEventual {
		return result, false, nil
	}

	required := h.requiredAcks(transformed.Key, transformed.Consistency)
	if required == 0 {
		return result, false, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.AckTimeout)
	defer cancel()
	waitErr := h.deps.Pipeline.WaitForAcks(waitCtx, repOp.ID, required)
	acked := h.deps.Pipeline.AckedBy(repOp.ID)
	h.deps.Pipeline.ForgetOp(repOp.ID)

	if waitErr != nil {
		metrics.ReplicationAckTimeoutsTotal.Inc()
		result.FailedNodes = missingBackups(h.deps.Partitions.GetBackups(partition.GetPartitionID(transformed.Key)), acked, h.cfg.SelfNodeID)
		h.logger.Warn().Str("op", op.ID).Strs("failedNodes", result.FailedNodes).Msg("write-concern deadline exceeded")
		return result, false, fmt.Errorf("ophandler: op %s: %w", op.ID, drifterr.ErrAckTimeout)
	}
	return result, false, nil
}

// requiredAcks returns the number of distinct backup acks write-concern
// consistency demands for key's partition: ceil((R+1)/2) for QUORUM (R
// being the partition's actual backup count, not the configured factor,
// so a short-handed cluster still has a well-defined quorum), R for ALL.
func (h *Handler) requiredAcks(key string, consistency types.WriteConcern) int {
	backups := h.deps.Partitions.GetBackups(partition.GetPartitionID(key))
	r := len(backups)
	if r == 0 {
		return 0
	}
	switch consistency {
	case types.ConsistencyAll:
		return r
	case types.ConsistencyQuorum:
		return (r + 1 + 1) / 2
	default:
		return 0
	}
}

func missingBackups(backups, acked []string, selfNodeID string) []string {
	ackedSet := make(map[string]struct{}, len(acked))
	for _, id := range acked {
		ackedSet[id] = struct{}{}
	}
	var missing []string
	for _, b := range backups {
		if b == selfNodeID {
			continue
		}
		if _, ok := ackedSet[b]; !ok {
			missing = append(missing, b)
		}
	}
	return missing
}

// applyLocally merges op into the owning CRDT map, persists the change,
// and returns the replication.Op to forward to backups.
func (h *Handler) applyLocally(ctx context.Context, op types.ClientOp) (replication.Op, error) {
	switch op.Action {
	case types.OpSet, types.OpRemove:
		return h.applyLWW(ctx, op)
	case types.OpAdd:
		return h.applyOrAdd(ctx, op)
	case types.OpRemoveValue:
		return h.applyOrRemove(ctx, op)
	default:
		return replication.Op{}, fmt.Errorf("ophandler: unknown op action %d", op.Action)
	}
}

func (h *Handler) applyLWW(ctx context.Context, op types.ClientOp) (replication.Op, error) {
	m, err := h.deps.Storage.GetMapAsync(ctx, op.MapName, crdt.KindLWW)
	if err != nil {
		return replication.Op{}, err
	}
	lww, ok := m.(*crdt.LWWMap)
	if !ok {
		return replication.Op{}, fmt.Errorf("ophandler: %s is an OR map, not LWW", op.MapName)
	}

	ts := h.deps.Clock.Now()
	var rec crdt.Record
	if op.Action == types.OpRemove {
		rec = lww.Remove(op.Key, ts)
	} else {
		rec = lww.Set(op.Key, op.Value, ts, op.TTLMs, op.HasTTL)
	}
	if err := h.deps.Storage.PersistLWW(ctx, op.MapName, lww, op.Key); err != nil {
		return replication.Op{}, err
	}
	return replication.Op{
		ID:      op.ID,
		MapName: op.MapName,
		Key:     op.Key,
		Type:    replication.OpLWWMerge,
		Payload: crdt.EncodeRecord(rec),
	}, nil
}

func (h *Handler) applyOrAdd(ctx context.Context, op types.ClientOp) (replication.Op, error) {
	m, err := h.deps.Storage.GetMapAsync(ctx, op.MapName, crdt.KindOR)
	if err != nil {
		return replication.Op{}, err
	}
	or, ok := m.(*crdt.ORMap)
	if !ok {
		return replication.Op{}, fmt.Errorf("ophandler: %s is an LWW map, not OR", op.MapName)
	}

	ts := h.deps.Clock.Now()
	rec := or.Add(op.Key, op.Value, ts, op.TTLMs, op.HasTTL)
	if err := h.deps.Storage.PersistOR(ctx, op.MapName, or, op.Key); err != nil {
		return replication.Op{}, err
	}
	return replication.Op{
		ID:      op.ID,
		MapName: op.MapName,
		Key:     op.Key,
		Type:    replication.OpORApply,
		Payload: crdt.EncodeORRecords([]crdt.ORRecord{rec}),
	}, nil
}

func (h *Handler) applyOrRemove(ctx context.Context, op types.ClientOp) (replication.Op, error) {
	m, err := h.deps.Storage.GetMapAsync(ctx, op.MapName, crdt.KindOR)
	if err != nil {
		return replication.Op{}, err
	}
	or, ok := m.(*crdt.ORMap)
	if !ok {
		return replication.Op{}, fmt.Errorf("ophandler: %s is an LWW map, not OR", op.MapName)
	}

	removedTags := or.Remove(op.Key, op.Value)
	if err := h.deps.Storage.PersistOR(ctx, op.MapName, or, op.Key); err != nil {
		return replication.Op{}, err
	}
	if err := h.deps.Storage.PersistORTombstones(ctx, op.MapName, or); err != nil {
		return replication.Op{}, err
	}

	// The returned op carries the first removed tag; each remaining tag (a
	// value added concurrently under multiple tags) is enqueued here as its
	// own tombstone op, since Merkle repair transfers only live records.
	var tag string
	if len(removedTags) > 0 {
		tag = removedTags[0]
		for _, extra := range removedTags[1:] {
			h.deps.Pipeline.Enqueue(replication.Op{ID: op.ID + ":" + extra, MapName: op.MapName, Key: op.Key, Type: replication.OpORTombstone, Tag: extra})
		}
	}
	return replication.Op{
		ID:      op.ID,
		MapName: op.MapName,
		Key:     op.Key,
		Type:    replication.OpORTombstone,
		Tag:     tag,
	}, nil
}

// ApplyForwarded re-applies an op forwarded by a partition's owner onto
// this node's backup copy. It is the replication.ApplyFunc the node
// wiring layer hands to replication.New: the mirror image of
// applyLocally, decoding the already-serialized payload instead of
// accepting a fresh client value.
func (h *Handler) ApplyForwarded(op replication.Op) error {
	ctx := context.Background()
	switch op.Type {
	case replication.OpLWWMerge:
		return h.applyForwardedLWW(ctx, op)
	case replication.OpORApply:
		return h.applyForwardedOR(ctx, op)
	case replication.OpORTombstone:
		return h.applyForwardedTombstone(ctx, op)
	default:
		return fmt.Errorf("ophandler: forwarded op %s: unhandled type %s", op.ID, op.Type)
	}
}

func (h *Handler) applyForwardedLWW(ctx context.Context, op replication.Op) error {
	rec, err := crdt.DecodeRecord(op.Payload)
	if err != nil {
		return fmt.Errorf("ophandler: decode forwarded record: %w", err)
	}
	m, err := h.deps.Storage.GetMapAsync(ctx, op.MapName, crdt.KindLWW)
	if err != nil {
		return err
	}
	lww, ok := m.(*crdt.LWWMap)
	if !ok {
		return fmt.Errorf("ophandler: %s is an OR map, not LWW", op.MapName)
	}
	lww.Merge(op.Key, rec)
	if err := h.deps.Storage.PersistLWW(ctx, op.MapName, lww, op.Key); err != nil {
		return err
	}
	if h.deps.Notify != nil {
		h.deps.Notify(op.MapName, op.Key)
	}
	return nil
}

func (h *Handler) applyForwardedOR(ctx context.Context, op replication.Op) error {
	records, err := crdt.DecodeORRecords(op.Payload)
	if err != nil {
		return fmt.Errorf("ophandler: decode forwarded or-records: %w", err)
	}
	m, err := h.deps.Storage.GetMapAsync(ctx, op.MapName, crdt.KindOR)
	if err != nil {
		return err
	}
	or, ok := m.(*crdt.ORMap)
	if !ok {
		return fmt.Errorf("ophandler: %s is an LWW map, not OR", op.MapName)
	}
	for _, rec := range records {
		or.Apply(op.Key, rec)
	}
	if err := h.deps.Storage.PersistOR(ctx, op.MapName, or, op.Key); err != nil {
		return err
	}
	if h.deps.Notify != nil {
		h.deps.Notify(op.MapName, op.Key)
	}
	return nil
}

func (h *Handler) applyForwardedTombstone(ctx context.Context, op replication.Op) error {
	if op.Tag == "" {
		return nil
	}
	m, err := h.deps.Storage.GetMapAsync(ctx, op.MapName, crdt.KindOR)
	if err != nil {
		return err
	}
	or, ok := m.(*crdt.ORMap)
	if !ok {
		return fmt.Errorf("ophandler: %s is an LWW map, not OR", op.MapName)
	}
	or.ApplyTombstone(op.Tag)
	if err := h.deps.Storage.PersistORTombstones(ctx, op.MapName, or); err != nil {
		return err
	}
	if h.deps.Notify != nil {
		h.deps.Notify(op.MapName, op.Key)
	}
	return nil
}
