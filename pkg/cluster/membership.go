package cluster

import (
	"sort"
	"sync"
)

// PeerState is a peer connection's position in its connection lifecycle.
type PeerState int

const (
	// PeerDialing: an outbound connection attempt is in flight.
	PeerDialing PeerState = iota
	// PeerHandshake: TCP connected (inbound or outbound), CLUSTER_HELLO
	// exchange not yet complete.
	PeerHandshake
	// PeerAlive: handshake complete, the peer is a confirmed cluster member.
	PeerAlive
	// PeerDead: the transport closed; memberLeft has been (or is about to
	// be) emitted exactly once for this peer.
	PeerDead
)

func (s PeerState) String() string {
	switch s {
	case PeerDialing:
		return "DIALING"
	case PeerHandshake:
		return "HANDSHAKE"
	case PeerAlive:
		return "ALIVE"
	case PeerDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// membership is an ordered set of alive node ids: the sorted view the
// Partition Service's rebalance algorithm consumes directly, and the
// source of truth for gossip membership-delta broadcasts.
type membership struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

func newMembership(selfNodeID string) *membership {
	m := &membership{members: make(map[string]struct{})}
	m.members[selfNodeID] = struct{}{}
	return m
}

// add returns true iff nodeID was not already a member.
func (m *membership) add(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[nodeID]; ok {
		return false
	}
	m.members[nodeID] = struct{}{}
	return true
}

// remove returns true iff nodeID was a member and is now removed.
func (m *membership) remove(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[nodeID]; !ok {
		return false
	}
	delete(m.members, nodeID)
	return true
}

func (m *membership) contains(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[nodeID]
	return ok
}

// sorted returns every member id in ascending order — the canonical input
// to partition.Service.SetMembers.
func (m *membership) sorted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.members))
	for id := range m.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
