package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/cluster"
	"github.com/driftdb/driftdb/pkg/crdt"
	"github.com/driftdb/driftdb/pkg/drifterr"
	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/partition"
	"github.com/driftdb/driftdb/pkg/storagemgr"
	"github.com/driftdb/driftdb/pkg/types"
	"github.com/driftdb/driftdb/pkg/wire"
)

// Result is one matched document, as returned to a subscribing client and
// as exchanged between coordinator and registered nodes.
type Result struct {
	Key   string
	Value []byte
}

// ChangeType is the live-update kind delivered to an active subscription
// as writes land on a registered node.
type ChangeType int

const (
	ChangeEnter ChangeType = iota
	ChangeUpdate
	ChangeLeave
)

func (c ChangeType) String() string {
	switch c {
	case ChangeEnter:
		return "ENTER"
	case ChangeUpdate:
		return "UPDATE"
	case ChangeLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// DeliverFunc pushes a live change to a subscription this node coordinates.
type DeliverFunc func(sub *types.Subscription, change ChangeType, key string, value []byte)

// Config configures a Coordinator.
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

// registration is one map+predicate this node evaluates writes against on
// behalf of a subscription, whether the coordinator is this node itself
// (sub != nil, local delivery) or a remote node (sub == nil, forwarded via
// CLUSTER_SUB_UPDATE).
type registration struct {
	subID             string
	coordinatorNodeID string
	mapName           string
	predicate         partition.Predicate
	sub               *types.Subscription

	mu          sync.Mutex
	currentKeys map[string]struct{}
}

// Coordinator implements the Distributed Subscription Coordinator: fan-out
// of QUERY_SUB/SEARCH_SUB registration to the nodes a predicate's partition
// pruning names, ack-bounded result merging, and live ENTER/UPDATE/LEAVE
// propagation as writes land on any registered node.
type Coordinator struct {
	cfg        Config
	cluster    *cluster.Manager
	partitions *partition.Service
	storage    *storagemgr.Manager
	deliver    DeliverFunc
	logger     zerolog.Logger

	mu            sync.RWMutex
	subs          map[string]*types.Subscription // subscriptions this node coordinates
	resultKeys    map[string]map[string]struct{} // subID -> current result key set, coordinator side only
	registrations map[string]*registration       // registrations this node services, keyed by subID
	byMap         map[string]map[string]struct{} // mapName -> registered subIDs, for write fan-out
	pending       map[string]chan ackEvent        // subID -> in-flight ack collector, coordinator side only

	sub    cluster.Subscriber
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type ackEvent struct {
	node      string
	results   []Result
	totalHits int
	success   bool
}

// New builds a Coordinator. Call Start to begin consuming cluster events.
func New(cfg Config, clusterMgr *cluster.Manager, partitions *partition.Service, storage *storagemgr.Manager, deliver DeliverFunc) *Coordinator {
	return &Coordinator{
		cfg:           cfg.withDefaults(),
		cluster:       clusterMgr,
		partitions:    partitions,
		storage:       storage,
		deliver:       deliver,
		logger:        log.WithComponent("query"),
		subs:          make(map[string]*types.Subscription),
		resultKeys:    make(map[string]map[string]struct{}),
		registrations: make(map[string]*registration),
		byMap:         make(map[string]map[string]struct{}),
		pending:       make(map[string]chan ackEvent),
		stopCh:        make(chan struct{}),
	}
}

// Start subscribes to cluster events and begins processing inbound
// CLUSTER_SUB_* envelopes and membership changes.
func (c *Coordinator) Start() {
	c.sub = c.cluster.Subscribe()
	c.wg.Add(1)
	go c.listenLoop()
}

// Stop unsubscribes from cluster events and waits for the listen loop to
// exit.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.cluster.Unsubscribe(c.sub)
	c.wg.Wait()
}

func (c *Coordinator) listenLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-c.sub:
			if !ok {
				return
			}
			switch ev.Type {
			case cluster.EventMessage:
				if ev.Message != nil {
					c.handleEnvelope(ev.Message.FromNodeID, ev.Message.Envelope)
				}
			case cluster.EventMemberLeft:
				c.handleMemberLeft(ev.NodeID)
			}
		}
	}
}

func (c *Coordinator) handleEnvelope(fromNodeID string, env wire.Envelope) {
	switch env.Type {
	case wire.MsgClusterSubRegister:
		c.handleSubRegister(fromNodeID, env.Payload)
	case wire.MsgClusterSubAck:
		c.handleSubAck(fromNodeID, env.Payload)
	case wire.MsgClusterSubUpdate:
		c.handleSubUpdate(env.Payload)
	case wire.MsgClusterSubUnregister:
		c.handleSubUnregister(env.Payload)
	}
}

// Subscribe registers a new client-owned query/search subscription, fans
// CLUSTER_SUB_REGISTER out to every partition-pruned target node, waits up
// to AckTimeout for every target to ack, and returns the merged initial
// result set plus the nodes that failed to ack in time.
func (c *Coordinator) Subscribe(ctx context.Context, conn *types.ClientConnection, subID string, typ types.SubscriptionType, mapName string, pred partition.Predicate) (*types.Subscription, []Result, []string, error) {
	if err := validatePredicate(pred); err != nil {
		return nil, nil, nil, drifterr.New(drifterr.KindValidation, "query: %v", err)
	}

	targeted := c.targetNodes(mapName, pred)
	sub := types.NewSubscription(subID, typ, c.cfg.SelfNodeID, mapName, pred, targeted)
	sub.MarkRegistering()

	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()
	if conn != nil {
		conn.AddSubscription(subID)
	}

	var remote []string
	var results []Result
	for _, node := range targeted {
		if node == c.cfg.SelfNodeID {
			results = append(results, c.registerLocal(subID, c.cfg.SelfNodeID, mapName, pred, sub)...)
			sub.RecordAck(c.cfg.SelfNodeID)
			continue
		}
		remote = append(remote, node)
	}

	if len(remote) > 0 {
		events := make(chan ackEvent, len(remote))
		c.mu.Lock()
		c.pending[subID] = events
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.pending, subID)
			c.mu.Unlock()
		}()

		predFields := EncodePredicate(pred)
		for _, node := range remote {
			env := wire.Envelope{Type: wire.MsgClusterSubRegister, Payload: encodeSubRegister(subID, c.cfg.SelfNodeID, mapName, predFields)}
			if err := c.cluster.Send(node, env); err != nil {
				c.logger.Warn().Err(err).Str("node", node).Str("sub", subID).Msg("sub register send failed")
			}
		}

		timer := time.NewTimer(c.cfg.AckTimeout)
		defer timer.Stop()
		remaining := len(remote)
	waitLoop:
		for remaining > 0 {
			select {
			case ev := <-events:
				remaining--
				if ev.success {
					sub.RecordAck(ev.node)
					results = mergeByKey(results, ev.results)
				}
			case <-timer.C:
				sub.MarkPartial()
				break waitLoop
			case <-ctx.Done():
				break waitLoop
			}
		}
	}

	sub.SetResultKeys(resultKeys(results))
	c.mu.Lock()
	c.resultKeys[subID] = keySet(results)
	c.mu.Unlock()
	return sub, results, sub.FailedNodes(), nil
}

// Unsubscribe tears down a subscription this node coordinates: it unwinds
// the local registration (if self was a targeted node) and sends
// CLUSTER_SUB_UNREGISTER to every other targeted node.
func (c *Coordinator) Unsubscribe(subID string) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	delete(c.subs, subID)
	delete(c.resultKeys, subID)
	c.mu.Unlock()
	if !ok {
		return
	}
	sub.Close()

	for _, node := range sub.TargetedNodes {
		if node == c.cfg.SelfNodeID {
			c.unregisterLocal(subID, sub.MapName)
			continue
		}
		env := wire.Envelope{Type: wire.MsgClusterSubUnregister, Payload: encodeSubUnregister(subID)}
		if err := c.cluster.Send(node, env); err != nil {
			c.logger.Warn().Err(err).Str("node", node).Str("sub", subID).Msg("sub unregister send failed")
		}
	}
}

// DisconnectClient unwinds every subscription owned by conn, called when a
// client's WebSocket closes.
func (c *Coordinator) DisconnectClient(conn *types.ClientConnection) {
	for _, subID := range conn.Subscriptions() {
		c.Unsubscribe(subID)
	}
}

// HandleWrite re-evaluates every local registration against mapName/key
// after a write lands, delivering ENTER/UPDATE/LEAVE as the match state
// changes. Wired as the Operation Handler's NotifyFunc.
func (c *Coordinator) HandleWrite(mapName, key string) {
	c.mu.RLock()
	subIDs := make([]string, 0, len(c.byMap[mapName]))
	for id := range c.byMap[mapName] {
		subIDs = append(subIDs, id)
	}
	regs := make([]*registration, 0, len(subIDs))
	for _, id := range subIDs {
		if reg := c.registrations[id]; reg != nil {
			regs = append(regs, reg)
		}
	}
	c.mu.RUnlock()
	if len(regs) == 0 {
		return
	}

	value, live := c.currentValue(mapName, key)
	for _, reg := range regs {
		c.reEvaluate(reg, key, value, live)
	}
}

func (c *Coordinator) targetNodes(mapName string, pred partition.Predicate) []string {
	if pids, ok := c.partitions.GetRelevantPartitions(pred); ok {
		if owners := c.partitions.GetOwnerNodesForPartitions(pids); len(owners) > 0 {
			return owners
		}
	}
	return c.cluster.Members()
}

func (c *Coordinator) registerLocal(subID, coordinatorNodeID, mapName string, pred partition.Predicate, sub *types.Subscription) []Result {
	reg := &registration{
		subID:             subID,
		coordinatorNodeID: coordinatorNodeID,
		mapName:           mapName,
		predicate:         pred,
		sub:               sub,
		currentKeys:       make(map[string]struct{}),
	}
	results := c.scanMatches(mapName, pred)
	for _, r := range results {
		reg.currentKeys[r.Key] = struct{}{}
	}

	c.mu.Lock()
	c.registrations[subID] = reg
	if c.byMap[mapName] == nil {
		c.byMap[mapName] = make(map[string]struct{})
	}
	c.byMap[mapName][subID] = struct{}{}
	c.mu.Unlock()
	return results
}

func (c *Coordinator) unregisterLocal(subID, mapName string) {
	c.mu.Lock()
	delete(c.registrations, subID)
	if set := c.byMap[mapName]; set != nil {
		delete(set, subID)
		if len(set) == 0 {
			delete(c.byMap, mapName)
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) scanMatches(mapName string, pred partition.Predicate) []Result {
	m, err := c.storage.GetMapAsync(context.Background(), mapName, crdt.KindLWW)
	if err != nil {
		c.logger.Warn().Err(err).Str("map", mapName).Msg("scan matches: load failed")
		return nil
	}
	now := nowMillis()
	var out []Result
	switch t := m.(type) {
	case *crdt.LWWMap:
		for _, e := range t.Entries() {
			if e.Record.Tombstone() || e.Record.Expired(now) {
				continue
			}
			if Matches(pred, Document(e.Record.Value)) {
				out = append(out, Result{Key: e.Key, Value: e.Record.Value})
			}
		}
	case *crdt.ORMap:
		for _, e := range t.Entries() {
			for _, rec := range e.Records {
				if rec.Expired(now) {
					continue
				}
				if Matches(pred, Document(rec.Value)) {
					out = append(out, Result{Key: e.Key, Value: rec.Value})
					break
				}
			}
		}
	}
	return out
}

func (c *Coordinator) currentValue(mapName, key string) ([]byte, bool) {
	m := c.storage.GetMap(mapName, crdt.KindLWW)
	now := nowMillis()
	switch t := m.(type) {
	case *crdt.LWWMap:
		return t.Get(key, now)
	case *crdt.ORMap:
		vs := t.Get(key, now)
		if len(vs) == 0 {
			return nil, false
		}
		return vs[0], true
	default:
		return nil, false
	}
}

func (c *Coordinator) reEvaluate(reg *registration, key string, value []byte, live bool) {
	match := live && Matches(reg.predicate, Document(value))

	reg.mu.Lock()
	_, prev := reg.currentKeys[key]
	var change ChangeType
	switch {
	case !prev && match:
		change = ChangeEnter
		reg.currentKeys[key] = struct{}{}
	case prev && !match:
		change = ChangeLeave
		delete(reg.currentKeys, key)
	case prev && match:
		change = ChangeUpdate
	default:
		reg.mu.Unlock()
		return
	}
	reg.mu.Unlock()

	if reg.sub != nil {
		reg.mu.Lock()
		reg.sub.SetResultKeys(keysOf(reg.currentKeys))
		reg.mu.Unlock()
		if c.deliver != nil {
			c.deliver(reg.sub, change, key, value)
		}
		return
	}

	env := wire.Envelope{Type: wire.MsgClusterSubUpdate, Payload: encodeSubUpdate(reg.subID, change, key, value)}
	if err := c.cluster.Send(reg.coordinatorNodeID, env); err != nil {
		c.logger.Warn().Err(err).Str("node", reg.coordinatorNodeID).Str("sub", reg.subID).Msg("sub update send failed")
	}
}

func (c *Coordinator) handleSubRegister(fromNodeID string, payload []byte) {
	msg, err := decodeSubRegister(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("decode sub register failed")
		return
	}
	pred, err := DecodePredicate(msg.predicateFields)
	if err != nil {
		c.logger.Warn().Err(err).Msg("decode sub register predicate failed")
		return
	}
	results := c.registerLocal(msg.subID, msg.coordinatorNodeID, msg.mapName, pred, nil)
	ack := wire.Envelope{Type: wire.MsgClusterSubAck, Payload: encodeSubAck(msg.subID, true, len(results), results)}
	if err := c.cluster.Send(fromNodeID, ack); err != nil {
		c.logger.Warn().Err(err).Str("node", fromNodeID).Str("sub", msg.subID).Msg("sub ack send failed")
	}
}

func (c *Coordinator) handleSubAck(fromNodeID string, payload []byte) {
	msg, err := decodeSubAck(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("decode sub ack failed")
		return
	}
	c.mu.RLock()
	events := c.pending[msg.subID]
	c.mu.RUnlock()
	if events == nil {
		return
	}
	select {
	case events <- ackEvent{node: fromNodeID, results: msg.results, totalHits: msg.totalHits, success: msg.success}:
	default:
	}
}

func (c *Coordinator) handleSubUpdate(payload []byte) {
	msg, err := decodeSubUpdate(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("decode sub update failed")
		return
	}
	c.mu.Lock()
	sub := c.subs[msg.subID]
	keys := c.resultKeys[msg.subID]
	if sub != nil && keys == nil {
		keys = make(map[string]struct{})
		c.resultKeys[msg.subID] = keys
	}
	switch msg.changeType {
	case ChangeEnter:
		if keys != nil {
			keys[msg.key] = struct{}{}
		}
	case ChangeLeave:
		if keys != nil {
			delete(keys, msg.key)
		}
	}
	if sub != nil {
		sub.SetResultKeys(keysOf(keys))
	}
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if c.deliver != nil {
		c.deliver(sub, msg.changeType, msg.key, msg.value)
	}
}

func (c *Coordinator) handleSubUnregister(payload []byte) {
	subID, err := decodeSubUnregister(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("decode sub unregister failed")
		return
	}
	c.mu.RLock()
	reg := c.registrations[subID]
	c.mu.RUnlock()
	if reg == nil {
		return
	}
	c.unregisterLocal(subID, reg.mapName)
}

func (c *Coordinator) handleMemberLeft(nodeID string) {
	c.mu.Lock()
	for subID, reg := range c.registrations {
		if reg.coordinatorNodeID == nodeID {
			delete(c.registrations, subID)
			if set := c.byMap[reg.mapName]; set != nil {
				delete(set, subID)
				if len(set) == 0 {
					delete(c.byMap, reg.mapName)
				}
			}
		}
	}
	c.mu.Unlock()
}

func mergeByKey(existing []Result, incoming []Result) []Result {
	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r.Key] = struct{}{}
	}
	for _, r := range incoming {
		if _, dup := seen[r.Key]; dup {
			continue
		}
		seen[r.Key] = struct{}{}
		existing = append(existing, r)
	}
	return existing
}

func resultKeys(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Key
	}
	return out
}

func keySet(results []Result) map[string]struct{} {
	out := make(map[string]struct{}, len(results))
	for _, r := range results {
		out[r.Key] = struct{}{}
	}
	return out
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// validatePredicate rejects a predicate tree encodeScalar can't serialize,
// before it ever reaches EncodePredicate's panic-on-unsupported-type path.
func validatePredicate(pred partition.Predicate) error {
	switch pred.Kind {
	case partition.PredEq, partition.PredGt, partition.PredLt:
		if !isScalar(pred.Value) {
			return fmt.Errorf("predicate field %q has unsupported value type %T", pred.Field, pred.Value)
		}
	case partition.PredIn:
		for _, v := range pred.Values {
			if !isScalar(v) {
				return fmt.Errorf("predicate field %q has unsupported value type %T", pred.Field, v)
			}
		}
	case partition.PredAnd, partition.PredOr, partition.PredNot:
		for _, child := range pred.Children {
			if err := validatePredicate(child); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown predicate kind %d", pred.Kind)
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	default:
		return false
	}
}
