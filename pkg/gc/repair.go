package gc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/cluster"
	"github.com/driftdb/driftdb/pkg/crdt"
	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/metrics"
	"github.com/driftdb/driftdb/pkg/storagemgr"
	"github.com/driftdb/driftdb/pkg/wire"
)

// bgCtx is used for the persistence calls a leaf merge triggers in
// response to an inbound repair message, which isn't itself carrying a
// request-scoped context.
var bgCtx = context.Background()

// RepairConfig tunes the anti-entropy repair driver.
type RepairConfig struct {
	SelfNodeID string
	Interval   time.Duration
}

func (c RepairConfig) withDefaults() RepairConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	return c
}

// repairTarget abstracts an LWW-Map or OR-Map's Merkle surface so the
// bucket-descent walk in Repairer is written once and shared by both CRDT
// kinds, each supplying its own wire message types and leaf encoding.
type repairTarget interface {
	RootHash() uint64
	Merkle() *crdt.MerkleTree
	// collectLeaf returns every locally-held record assigned to the leaf
	// addressed by path, encoded for wire transfer.
	collectLeaf(path []int) []leafEntry
	// mergeLeaf applies a peer's leaf records into the local map and
	// persists whatever changed.
	mergeLeaf(entries []leafEntry)

	syncInitMsg() wire.MessageType
	bucketReqMsg() wire.MessageType
	diffReqMsg() wire.MessageType
}

type lwwTarget struct {
	mapName string
	m       *crdt.LWWMap
	storage *storagemgr.Manager
}

func (t *lwwTarget) RootHash() uint64         { return t.m.RootHash() }
func (t *lwwTarget) Merkle() *crdt.MerkleTree { return t.m.Merkle() }

func (t *lwwTarget) collectLeaf(path []int) []leafEntry {
	keys := t.m.Merkle().LeafKeys(path)
	out := make([]leafEntry, 0, len(keys))
	for _, key := range keys {
		rec, ok := t.m.GetRecord(key)
		if !ok {
			continue
		}
		out = append(out, leafEntry{key: key, payload: crdt.EncodeRecord(rec)})
	}
	return out
}

func (t *lwwTarget) mergeLeaf(entries []leafEntry) {
	if len(entries) > 0 {
		metrics.MerkleRepairsTotal.WithLabelValues(t.mapName).Add(float64(len(entries)))
	}
	for _, e := range entries {
		rec, err := crdt.DecodeRecord(e.payload)
		if err != nil {
			continue
		}
		t.m.Merge(e.key, rec)
		_ = t.storage.PersistLWW(bgCtx, t.mapName, t.m, e.key)
	}
}

func (t *lwwTarget) syncInitMsg() wire.MessageType  { return wire.MsgLWWSyncInit }
func (t *lwwTarget) bucketReqMsg() wire.MessageType { return wire.MsgLWWMerkleReqBucket }
func (t *lwwTarget) diffReqMsg() wire.MessageType   { return wire.MsgLWWDiffRequest }

type orTarget struct {
	mapName string
	m       *crdt.ORMap
	storage *storagemgr.Manager
}

func (t *orTarget) RootHash() uint64         { return t.m.RootHash() }
func (t *orTarget) Merkle() *crdt.MerkleTree { return t.m.Merkle() }

// orLeafKey splits a composite "key\x00tag" Merkle leaf key back into its
// parts; OR-Map tree entries are per-tag, not per-key, so a leaf can hold
// several entries for the same key.
func orLeafKey(composite string) (key, tag string) {
	i := strings.LastIndex(composite, "\x00")
	if i < 0 {
		return composite, ""
	}
	return composite[:i], composite[i+1:]
}

func (t *orTarget) collectLeaf(path []int) []leafEntry {
	composites := t.m.Merkle().LeafKeys(path)
	out := make([]leafEntry, 0, len(composites))
	for _, composite := range composites {
		key, tag := orLeafKey(composite)
		for _, rec := range t.m.GetRecords(key) {
			if rec.Tag != tag {
				continue
			}
			out = append(out, leafEntry{key: key, tag: tag, payload: crdt.EncodeORRecords([]crdt.ORRecord{rec})})
		}
	}
	return out
}

func (t *orTarget) mergeLeaf(entries []leafEntry) {
	if len(entries) > 0 {
		metrics.MerkleRepairsTotal.WithLabelValues(t.mapName).Add(float64(len(entries)))
	}
	touched := make(map[string]struct{})
	for _, e := range entries {
		recs, err := crdt.DecodeORRecords(e.payload)
		if err != nil || len(recs) == 0 {
			continue
		}
		t.m.Apply(e.key, recs[0])
		touched[e.key] = struct{}{}
	}
	for key := range touched {
		_ = t.storage.PersistOR(bgCtx, t.mapName, t.m, key)
	}
}

func (t *orTarget) syncInitMsg() wire.MessageType  { return wire.MsgORMapSyncInit }
func (t *orTarget) bucketReqMsg() wire.MessageType { return wire.MsgORMapMerkleReqBucket }
func (t *orTarget) diffReqMsg() wire.MessageType   { return wire.MsgORMapDiffRequest }

// Repairer drives Merkle anti-entropy: for each map, the lower-node-id peer
// in any pair initiates a SYNC_INIT root-hash comparison, descends via
// MERKLE_REQ_BUCKET on any divergent subtree, and exchanges full leaf
// records once it reaches leaf granularity. Both sides end a leaf exchange
// holding the merge of what either side had, so the exchange is safe to
// run from only one side of the pair regardless of which side actually
// diverged.
type Repairer struct {
	cfg     RepairConfig
	cluster *cluster.Manager
	storage *storagemgr.Manager
	logger  zerolog.Logger

	mu       sync.Mutex
	pendingB map[string]chan bucketReqMsg
	pendingL map[string]chan leafTransferMsg
	pendingS map[string]chan syncInitMsg

	sub    cluster.Subscriber
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRepairer(cfg RepairConfig, clusterMgr *cluster.Manager, storage *storagemgr.Manager) *Repairer {
	return &Repairer{
		cfg:      cfg.withDefaults(),
		cluster:  clusterMgr,
		storage:  storage,
		logger:   log.WithComponent("gc-repair"),
		pendingB: make(map[string]chan bucketReqMsg),
		pendingL: make(map[string]chan leafTransferMsg),
		pendingS: make(map[string]chan syncInitMsg),
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to cluster events (to answer peer-initiated repair
// requests) and launches the periodic self-initiated repair loop.
func (r *Repairer) Start() {
	r.sub = r.cluster.Subscribe()
	r.wg.Add(2)
	go r.listenLoop()
	go r.driveLoop()
}

func (r *Repairer) Stop() {
	close(r.stopCh)
	r.cluster.Unsubscribe(r.sub)
	r.wg.Wait()
}

// driveLoop periodically initiates RepairMap against every peer with a
// greater node id, for every currently loaded map — the Low-ID Initiator
// Policy, so a pair never runs the exchange from both ends at once.
func (r *Repairer) driveLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runRepairPass()
		}
	}
}

func (r *Repairer) runRepairPass() {
	for _, mapName := range r.storage.MapNames() {
		m := r.storage.GetMap(mapName, crdt.KindLWW)
		if m == nil {
			continue
		}
		isOR := m.Kind() == crdt.KindOR
		for _, peer := range r.cluster.Members() {
			if peer <= r.cfg.SelfNodeID {
				continue
			}
			r.RepairMap(mapName, peer, isOR)
		}
	}
}

func (r *Repairer) listenLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case ev, ok := <-r.sub:
			if !ok {
				return
			}
			if ev.Type == cluster.EventMessage && ev.Message != nil {
				r.handleEnvelope(ev.Message.FromNodeID, ev.Message.Envelope)
			}
		}
	}
}

func (r *Repairer) handleEnvelope(fromNodeID string, env wire.Envelope) {
	switch env.Type {
	case wire.MsgLWWSyncInit, wire.MsgORMapSyncInit:
		msg, err := decodeSyncInit(env.Payload)
		if err != nil {
			return
		}
		r.mu.Lock()
		ch := r.pendingS[responseKey(fromNodeID, msg.mapName, env.Type)]
		r.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
			}
			return
		}
		r.respondSyncInit(fromNodeID, env.Type, msg)
	case wire.MsgLWWMerkleReqBucket, wire.MsgORMapMerkleReqBucket:
		msg, err := decodeBucketMsg(env.Payload)
		if err != nil {
			return
		}
		if msg.isResponse {
			r.mu.Lock()
			ch := r.pendingB[responseKey(fromNodeID, msg.mapName, env.Type)]
			r.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg:
				default:
				}
			}
			return
		}
		r.respondBucketRequest(fromNodeID, env.Type, msg)
	case wire.MsgLWWDiffRequest, wire.MsgORMapDiffRequest, wire.MsgLWWPushDiff, wire.MsgORMapPushDiff:
		msg, err := decodeLeafTransfer(env.Payload)
		if err != nil {
			return
		}
		if msg.isResponse {
			r.mu.Lock()
			ch := r.pendingL[responseKey(fromNodeID, msg.mapName, env.Type)]
			r.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg:
				default:
				}
			}
			return
		}
		r.respondLeafRequest(fromNodeID, env.Type, msg)
	}
}

func responseKey(nodeID, mapName string, msgType wire.MessageType) string {
	return nodeID + "\x00" + mapName + "\x00" + msgType.String()
}

func (r *Repairer) respondSyncInit(fromNodeID string, msgType wire.MessageType, msg syncInitMsg) {
	target := r.targetFor(msg.mapName, isORMessage(msgType))
	if target == nil {
		return
	}
	env := wire.Envelope{Type: msgType, Payload: encodeSyncInit(msg.mapName, target.RootHash())}
	_ = r.cluster.Send(fromNodeID, env)
}

func (r *Repairer) respondBucketRequest(fromNodeID string, msgType wire.MessageType, msg bucketReqMsg) {
	target := r.targetFor(msg.mapName, isORMessage(msgType))
	if target == nil {
		return
	}
	hashes := target.Merkle().BucketHashes(msg.path)
	env := wire.Envelope{Type: msgType, Payload: encodeBucketResponse(msg.mapName, msg.path, hashes)}
	_ = r.cluster.Send(fromNodeID, env)
}

func (r *Repairer) respondLeafRequest(fromNodeID string, msgType wire.MessageType, msg leafTransferMsg) {
	target := r.targetFor(msg.mapName, isORMessage(msgType))
	if target == nil {
		return
	}
	target.mergeLeaf(msg.entries)
	own := target.collectLeaf(msg.path)
	respType := responseTypeFor(msgType)
	env := wire.Envelope{Type: respType, Payload: encodeLeafTransfer(msg.mapName, msg.path, true, own)}
	_ = r.cluster.Send(fromNodeID, env)
}

func responseTypeFor(reqType wire.MessageType) wire.MessageType {
	switch reqType {
	case wire.MsgLWWDiffRequest:
		return wire.MsgLWWPushDiff
	case wire.MsgORMapDiffRequest:
		return wire.MsgORMapPushDiff
	default:
		return reqType
	}
}

func isORMessage(t wire.MessageType) bool {
	switch t {
	case wire.MsgORMapSyncInit, wire.MsgORMapMerkleReqBucket, wire.MsgORMapDiffRequest, wire.MsgORMapPushDiff:
		return true
	default:
		return false
	}
}

func (r *Repairer) targetFor(mapName string, isOR bool) repairTarget {
	hint := crdt.KindLWW
	if isOR {
		hint = crdt.KindOR
	}
	m := r.storage.GetMap(mapName, hint)
	switch t := m.(type) {
	case *crdt.LWWMap:
		return &lwwTarget{mapName: mapName, m: t, storage: r.storage}
	case *crdt.ORMap:
		return &orTarget{mapName: mapName, m: t, storage: r.storage}
	default:
		return nil
	}
}

// RepairMap runs one full repair pass for mapName against peer, initiating
// SYNC_INIT and descending into every divergent subtree. Callers should
// only initiate when SelfNodeID < peer (the Low-ID Initiator Policy also
// used by cluster bootstrap), so a pair never runs the exchange from both
// ends concurrently.
func (r *Repairer) RepairMap(mapName, peer string, isOR bool) {
	target := r.targetFor(mapName, isOR)
	if target == nil {
		return
	}

	peerRoot, ok := r.exchangeSyncInit(peer, mapName, target)
	if !ok || peerRoot == target.RootHash() {
		return
	}
	r.descend(peer, mapName, target, nil)
}

func (r *Repairer) exchangeSyncInit(peer, mapName string, target repairTarget) (uint64, bool) {
	key := responseKey(peer, mapName, target.syncInitMsg())
	ch := make(chan syncInitMsg, 1)
	r.mu.Lock()
	r.pendingS[key] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pendingS, key)
		r.mu.Unlock()
	}()

	env := wire.Envelope{Type: target.syncInitMsg(), Payload: encodeSyncInit(mapName, target.RootHash())}
	if err := r.cluster.Send(peer, env); err != nil {
		return 0, false
	}
	select {
	case resp := <-ch:
		return resp.rootHash, true
	case <-time.After(5 * time.Second):
		return 0, false
	}
}

func (r *Repairer) descend(peer, mapName string, target repairTarget, path []int) {
	if len(path) == target.Merkle().Depth() {
		r.exchangeLeaf(peer, mapName, target, path)
		return
	}

	theirHashes, ok := r.requestBucket(peer, mapName, target, path)
	if !ok {
		return
	}
	ourHashes := target.Merkle().BucketHashes(path)
	for i := 0; i < len(ourHashes) && i < len(theirHashes); i++ {
		if ourHashes[i] != theirHashes[i] {
			r.descend(peer, mapName, target, append(append([]int{}, path...), i))
		}
	}
}

func (r *Repairer) requestBucket(peer, mapName string, target repairTarget, path []int) ([]uint64, bool) {
	key := responseKey(peer, mapName, target.bucketReqMsg())
	ch := make(chan bucketReqMsg, 1)
	r.mu.Lock()
	r.pendingB[key] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pendingB, key)
		r.mu.Unlock()
	}()

	env := wire.Envelope{Type: target.bucketReqMsg(), Payload: encodeBucketRequest(mapName, path)}
	if err := r.cluster.Send(peer, env); err != nil {
		return nil, false
	}
	select {
	case resp := <-ch:
		return resp.hashes, true
	case <-time.After(5 * time.Second):
		return nil, false
	}
}

func (r *Repairer) exchangeLeaf(peer, mapName string, target repairTarget, path []int) {
	respType := responseTypeFor(target.diffReqMsg())
	key := responseKey(peer, mapName, respType)
	ch := make(chan leafTransferMsg, 1)
	r.mu.Lock()
	r.pendingL[key] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pendingL, key)
		r.mu.Unlock()
	}()

	own := target.collectLeaf(path)
	env := wire.Envelope{Type: target.diffReqMsg(), Payload: encodeLeafTransfer(mapName, path, false, own)}
	if err := r.cluster.Send(peer, env); err != nil {
		return
	}
	select {
	case resp := <-ch:
		target.mergeLeaf(resp.entries)
	case <-time.After(5 * time.Second):
		r.logger.Warn().Str("map", mapName).Str("peer", peer).Msg("leaf exchange timed out")
	}
}
