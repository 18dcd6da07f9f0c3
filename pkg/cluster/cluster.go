package cluster

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/wire"
)

// Config configures one node's cluster transport.
type Config struct {
	NodeID    string
	BindAddr  string // e.g. ":7946", the clusterPort listener
	Peers     []string
	TLSConfig *tls.Config // nil disables clusterTls
}

// peerConn is one live peer connection plus the bookkeeping the Low-ID
// Initiator Policy needs to resolve a simultaneous-connect race.
type peerConn struct {
	c        *conn
	dialerID string // the nodeId that initiated this connection (self or remote)
	state    PeerState
}

// Manager is the Cluster Manager: it owns the node's membership view, its
// peer connections, and the length-prefixed TCP transport between them.
// Partition-map and membership deltas are gossiped over it; it has no
// knowledge of CRDT content beyond forwarding opaque OP_FORWARD payloads.
type Manager struct {
	cfg     Config
	members *membership
	logger  zerolog.Logger
	broker  *eventBroker

	mu    sync.RWMutex
	peers map[string]*peerConn // nodeId -> connection

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Manager for the given configuration. Call Start to
// begin listening and dialing configured peers.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		members: newMembership(cfg.NodeID),
		logger:  log.WithComponent("cluster"),
		broker:  newEventBroker(),
		peers:   make(map[string]*peerConn),
		stopCh:  make(chan struct{}),
	}
}

// Start opens the cluster listener and begins dialing configured peers.
func (m *Manager) Start() error {
	ln, err := listen(m.cfg.BindAddr, m.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("cluster: listen %s: %w", m.cfg.BindAddr, err)
	}
	m.listener = ln
	m.broker.start()

	m.wg.Add(1)
	go m.acceptLoop()

	for _, addr := range m.cfg.Peers {
		addr := addr
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.dialPeer(addr)
		}()
	}
	return nil
}

// Stop closes the listener and every peer connection.
func (m *Manager) Stop() error {
	close(m.stopCh)
	m.broker.stop()
	var err error
	if m.listener != nil {
		err = m.listener.Close()
	}
	m.mu.Lock()
	for id, pc := range m.peers {
		pc.c.close()
		delete(m.peers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
	return err
}

// Subscribe returns a channel of cluster events (memberJoined/memberLeft/
// message).
func (m *Manager) Subscribe() Subscriber { return m.broker.subscribe() }

// Unsubscribe stops delivery to a previously subscribed channel.
func (m *Manager) Unsubscribe(sub Subscriber) { m.broker.unsubscribe(sub) }

// Members returns the sorted set of alive node ids, including self.
func (m *Manager) Members() []string { return m.members.sorted() }

// Addr returns the cluster listener's bound address. Only valid after
// Start; primarily useful in tests that bind to ":0" for a free port.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		raw, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Warn().Err(err).Msg("cluster accept failed")
				return
			}
		}
		m.wg.Add(1)
		go m.handleInbound(raw)
	}
}

func (m *Manager) handleInbound(raw net.Conn) {
	defer m.wg.Done()
	c := newConn(raw)

	remoteID, err := m.handshake(c)
	if err != nil {
		m.logger.Warn().Err(err).Msg("inbound handshake failed")
		c.close()
		return
	}

	if !m.registerConn(remoteID, c, remoteID) {
		// Low-ID Initiator Policy: this connection lost the race against
		// an existing one; the dialer that should have won already has a
		// connection registered.
		c.close()
		return
	}
	m.onPeerAlive(remoteID)
	m.readLoop(remoteID, c)
}

// ConnectTo dials a peer discovered after Start (e.g. via an admin join
// call), reusing the same handshake and Low-ID Initiator Policy as the
// peers configured at startup.
func (m *Manager) ConnectTo(addr string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dialPeer(addr)
	}()
}

func (m *Manager) dialPeer(addr string) {
	c, err := dial(addr, m.cfg.TLSConfig)
	if err != nil {
		m.logger.Warn().Err(err).Str("addr", addr).Msg("dial peer failed")
		return
	}

	remoteID, err := m.handshake(c)
	if err != nil {
		m.logger.Warn().Err(err).Str("addr", addr).Msg("outbound handshake failed")
		c.close()
		return
	}

	if !m.registerConn(remoteID, c, m.cfg.NodeID) {
		c.close()
		return
	}
	m.onPeerAlive(remoteID)
	m.readLoop(remoteID, c)
}

// handshake exchanges CLUSTER_HELLO envelopes and returns the remote
// node's id.
func (m *Manager) handshake(c *conn) (string, error) {
	hello := wire.Fields{}
	hello.SetString(1, m.cfg.NodeID)
	if err := c.writeEnvelope(wire.Envelope{Type: wire.MsgClusterHello, Payload: wire.EncodeFields(hello)}); err != nil {
		return "", fmt.Errorf("cluster: send hello: %w", err)
	}

	env, err := c.readEnvelope()
	if err != nil {
		return "", fmt.Errorf("cluster: read hello: %w", err)
	}
	if env.Type != wire.MsgClusterHello {
		return "", fmt.Errorf("cluster: expected CLUSTER_HELLO, got %s", env.Type)
	}
	fields, err := wire.DecodeFields(env.Payload)
	if err != nil {
		return "", fmt.Errorf("cluster: decode hello: %w", err)
	}
	remoteID, ok := fields.GetString(1)
	if !ok || remoteID == "" {
		return "", fmt.Errorf("cluster: hello missing nodeId")
	}
	return remoteID, nil
}

// registerConn applies the Low-ID Initiator Policy: if a connection to
// remoteID already exists, the surviving connection is the one whose
// dialer has the lexicographically smaller node id. Returns false if c
// lost the race and should be closed by the caller.
func (m *Manager) registerConn(remoteID string, c *conn, dialerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.peers[remoteID]; ok {
		if dialerID < existing.dialerID {
			existing.c.close()
			m.peers[remoteID] = &peerConn{c: c, dialerID: dialerID, state: PeerAlive}
			return true
		}
		return false
	}
	c.nodeID = remoteID
	m.peers[remoteID] = &peerConn{c: c, dialerID: dialerID, state: PeerAlive}
	return true
}

func (m *Manager) onPeerAlive(remoteID string) {
	if m.members.add(remoteID) {
		m.broker.publish(Event{Type: EventMemberJoined, NodeID: remoteID})
		m.broadcastMembers()
	}
}

func (m *Manager) onPeerDead(remoteID string, c *conn) {
	m.mu.Lock()
	if pc, ok := m.peers[remoteID]; ok && pc.c != c {
		// c was displaced by registerConn; the surviving connection stays.
		m.mu.Unlock()
		return
	}
	delete(m.peers, remoteID)
	m.mu.Unlock()

	if m.members.remove(remoteID) {
		m.broker.publish(Event{Type: EventMemberLeft, NodeID: remoteID})
	}
}

func (m *Manager) readLoop(remoteID string, c *conn) {
	for {
		env, err := c.readEnvelope()
		if err != nil {
			m.onPeerDead(remoteID, c)
			return
		}
		if m.handleGossip(env) {
			continue
		}
		m.broker.publish(Event{
			Type:    EventMessage,
			NodeID:  remoteID,
			Message: &InboundMessage{FromNodeID: remoteID, Envelope: env},
		})
	}
}

// handleGossip intercepts CLUSTER_MEMBERS and PARTITION_MAP_UPDATE
// envelopes so membership reconciliation happens uniformly regardless of
// which component eventually consumes the partition map version. Returns
// true if it consumed the envelope.
func (m *Manager) handleGossip(env wire.Envelope) bool {
	switch env.Type {
	case wire.MsgClusterMembers:
		fields, err := wire.DecodeFields(env.Payload)
		if err != nil {
			return true
		}
		if list, ok := fields.GetList(1); ok {
			m.applyGossipedMembers(decodeMemberList(list))
		}
		return true
	case wire.MsgPartitionMapUpdate:
		fields, err := wire.DecodeFields(env.Payload)
		if err != nil {
			return true
		}
		if list, ok := fields.GetList(2); ok {
			m.applyGossipedMembers(decodeMemberList(list))
		}
		return false // let the owning component also see the version bump
	default:
		return false
	}
}

// Send unicasts env to nodeID. Returns an error if there is no live
// connection to that peer.
func (m *Manager) Send(nodeID string, env wire.Envelope) error {
	m.mu.RLock()
	pc, ok := m.peers[nodeID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cluster: no connection to %s", nodeID)
	}
	return pc.c.writeEnvelope(env)
}

// Broadcast sends env to every currently connected peer, fanning out over
// a snapshot of the connection table so a slow peer can't block the others.
func (m *Manager) Broadcast(env wire.Envelope) {
	m.mu.RLock()
	conns := make([]*conn, 0, len(m.peers))
	for _, pc := range m.peers {
		conns = append(conns, pc.c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		_ = c.writeEnvelope(env)
	}
}
