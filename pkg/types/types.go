// Package types holds the data shapes shared across the Operation Handler,
// Connection/WS Frontend, and Query/Subscription Coordinator: client
// connection state, the authenticated principal, one client-submitted
// operation, and a subscription's lifecycle state.
package types

import (
	"sync"
	"time"

	"github.com/driftdb/driftdb/pkg/hlc"
	"github.com/driftdb/driftdb/pkg/partition"
)

// Principal is the authenticated identity attached to a ClientConnection
// after a successful AUTH, populated from the verified JWT's claims.
type Principal struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// OpAction is the mutation kind a ClientOp carries.
type OpAction int

const (
	OpSet OpAction = iota
	OpRemove
	OpAdd
	OpRemoveValue
)

// String returns the lowercase action name used in metric labels and logs.
func (a OpAction) String() string {
	switch a {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	case OpAdd:
		return "add"
	case OpRemoveValue:
		return "remove_value"
	default:
		return "unknown"
	}
}

// ClientOp is one client-submitted mutation, as it flows through the
// Operation Handler pipeline: authorize -> interceptors -> apply ->
// notify -> replicate -> respond.
type ClientOp struct {
	ID       string
	MapName  string
	Key      string
	Action   OpAction
	Value    []byte
	TTLMs    uint32
	HasTTL   bool
	Consistency WriteConcern
}

// WriteConcern is the durability level a ClientOp requests before its ACK
// is returned to the client.
type WriteConcern int

const (
	ConsistencyEventual WriteConcern = iota
	ConsistencyQuorum
	ConsistencyAll
)

// ConnectionState is a ClientConnection's position in its lifecycle.
type ConnectionState int

const (
	ConnCreated ConnectionState = iota
	ConnAuthenticated
	ConnClosed
)

// Writer is the minimal outbound interface a ClientConnection writes
// through; pkg/frontend's Coalescing Writer implements it.
type Writer interface {
	Enqueue(frame []byte, urgent bool) error
	Close() error
}

// ClientConnection is one connected WebSocket client.
type ClientConnection struct {
	ID     string
	Writer Writer

	mu              sync.RWMutex
	state           ConnectionState
	principal       Principal
	subscriptions   map[string]struct{}
	lastPingReceived time.Time
	lastActiveHlc   hlc.Timestamp
}

// NewClientConnection creates a freshly accepted, unauthenticated
// connection.
func NewClientConnection(id string, w Writer) *ClientConnection {
	return &ClientConnection{
		ID:            id,
		Writer:        w,
		state:         ConnCreated,
		subscriptions: make(map[string]struct{}),
	}
}

// Authenticate transitions the connection to authenticated with principal.
func (c *ClientConnection) Authenticate(p Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = p
	c.state = ConnAuthenticated
}

// IsAuthenticated reports whether AUTH has completed.
func (c *ClientConnection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == ConnAuthenticated
}

// Principal returns the connection's authenticated principal, zero-valued
// if not yet authenticated.
func (c *ClientConnection) Principal() Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

// Close marks the connection closed and releases its writer.
func (c *ClientConnection) Close() error {
	c.mu.Lock()
	c.state = ConnClosed
	c.mu.Unlock()
	return c.Writer.Close()
}

// State reports the connection's lifecycle state.
func (c *ClientConnection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// TouchPing records a PING's arrival, used by the heartbeat evictor.
func (c *ClientConnection) TouchPing(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPingReceived = at
}

// LastPingReceived returns the last time this connection sent a PING.
func (c *ClientConnection) LastPingReceived() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPingReceived
}

// TouchActiveHlc records the client's reported lastActiveHlc (sent on AUTH
// and periodically), used for the GC safe-cutoff computation.
func (c *ClientConnection) TouchActiveHlc(ts hlc.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.After(c.lastActiveHlc) {
		c.lastActiveHlc = ts
	}
}

// LastActiveHlc returns the client's most recently reported HLC.
func (c *ClientConnection) LastActiveHlc() hlc.Timestamp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActiveHlc
}

// AddSubscription records queryID as belonging to this connection.
func (c *ClientConnection) AddSubscription(queryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[queryID] = struct{}{}
}

// RemoveSubscription forgets queryID.
func (c *ClientConnection) RemoveSubscription(queryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, queryID)
}

// Subscriptions returns every subscription id owned by this connection,
// used to tear them all down on disconnect.
func (c *ClientConnection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}

// SubscriptionType distinguishes a query subscription from a search
// subscription; the two share a state machine but merge results
// differently (union-by-key vs Reciprocal-Rank-Fusion).
type SubscriptionType int

const (
	SubscriptionQuery SubscriptionType = iota
	SubscriptionSearch
)

// SubscriptionState is a Subscription's position in the coordinator's
// registration state machine.
type SubscriptionState int

const (
	SubCreated SubscriptionState = iota
	SubRegistering
	SubActive
	SubPartial
	SubClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubCreated:
		return "CREATED"
	case SubRegistering:
		return "REGISTERING"
	case SubActive:
		return "ACTIVE"
	case SubPartial:
		return "PARTIAL"
	case SubClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Subscription is one client's live QUERY_SUB/SEARCH_SUB, owned by the
// coordinator node that created it.
type Subscription struct {
	ID                string
	Type              SubscriptionType
	CoordinatorNodeID string
	ClientConn        *ClientConnection
	MapName           string
	Predicate         partition.Predicate
	TargetedNodes     []string
	CreatedAt         time.Time

	mu               sync.RWMutex
	state            SubscriptionState
	registeredNodes  map[string]struct{}
	currentResultKeys map[string]struct{} // for ENTER/UPDATE/LEAVE diffing
}

// NewSubscription creates a subscription in the CREATED state.
func NewSubscription(id string, typ SubscriptionType, coordinatorNodeID, mapName string, pred partition.Predicate, targeted []string) *Subscription {
	return &Subscription{
		ID:                id,
		Type:              typ,
		CoordinatorNodeID: coordinatorNodeID,
		MapName:           mapName,
		Predicate:         pred,
		TargetedNodes:     targeted,
		CreatedAt:         time.Now(),
		state:             SubCreated,
		registeredNodes:   make(map[string]struct{}),
		currentResultKeys: make(map[string]struct{}),
	}
}

// MarkRegistering transitions CREATED -> REGISTERING.
func (s *Subscription) MarkRegistering() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SubRegistering
}

// RecordAck marks nodeID as having acked registration, transitioning to
// ACTIVE once every targeted node has acked.
func (s *Subscription) RecordAck(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registeredNodes[nodeID] = struct{}{}
	if len(s.registeredNodes) >= len(s.TargetedNodes) {
		s.state = SubActive
	}
}

// MarkPartial transitions to PARTIAL after the ack-wait deadline elapses
// with fewer than all targeted nodes acked.
func (s *Subscription) MarkPartial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SubRegistering {
		s.state = SubPartial
	}
}

// MarkActive transitions PARTIAL -> ACTIVE once a late ack completes
// registration.
func (s *Subscription) MarkActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SubActive
}

// Close transitions to CLOSED, terminal.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SubClosed
}

// State returns the current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RegisteredNodes returns the set of nodes that have acked registration.
func (s *Subscription) RegisteredNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.registeredNodes))
	for id := range s.registeredNodes {
		out = append(out, id)
	}
	return out
}

// FailedNodes returns TargetedNodes minus RegisteredNodes.
func (s *Subscription) FailedNodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.TargetedNodes {
		if _, ok := s.registeredNodes[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// HasResultKey reports whether key was present in the last computed result
// set (used for ENTER/UPDATE/LEAVE diffing).
func (s *Subscription) HasResultKey(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.currentResultKeys[key]
	return ok
}

// SetResultKeys replaces the tracked result-key set after a diff pass.
func (s *Subscription) SetResultKeys(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentResultKeys = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s.currentResultKeys[k] = struct{}{}
	}
}
