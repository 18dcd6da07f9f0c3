package cluster

import (
	"time"

	"github.com/driftdb/driftdb/pkg/wire"
)

// gossipInterval is how often a node re-broadcasts its membership view,
// independent of the edge-triggered broadcast on join/leave. Periodic
// gossip heals a missed edge-triggered broadcast (e.g. a peer that
// connected after the triggering event already fired).
const gossipInterval = 5 * time.Second

// StartGossip launches the periodic membership re-broadcast loop. Call
// after Start.
func (m *Manager) StartGossip() {
	m.wg.Add(1)
	go m.gossipLoop()
}

func (m *Manager) gossipLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(gossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.broadcastMembers()
		case <-m.stopCh:
			return
		}
	}
}

// broadcastMembers gossips the node's current membership view to every
// connected peer via CLUSTER_MEMBERS.
func (m *Manager) broadcastMembers() {
	ids := m.members.sorted()
	list := make([]wire.Fields, 0, len(ids))
	for _, id := range ids {
		f := wire.Fields{}
		f.SetString(1, id)
		list = append(list, f)
	}
	payload := wire.Fields{}
	payload.SetList(1, list)
	m.Broadcast(wire.Envelope{Type: wire.MsgClusterMembers, Payload: wire.EncodeFields(payload)})
}

// PublishPartitionMap gossips a partition map version stamp plus the
// sorted member list to every connected peer via PARTITION_MAP_UPDATE;
// owner/backup assignments are not sent. The distribution itself is derived deterministically
// from the sorted membership by pkg/partition, so only the version and
// membership snapshot that produced it need to travel.
func (m *Manager) PublishPartitionMap(version uint64) {
	payload := wire.Fields{}
	payload.SetUint64(1, version)
	ids := m.members.sorted()
	list := make([]wire.Fields, 0, len(ids))
	for _, id := range ids {
		f := wire.Fields{}
		f.SetString(1, id)
		list = append(list, f)
	}
	payload.SetList(2, list)
	m.Broadcast(wire.Envelope{Type: wire.MsgPartitionMapUpdate, Payload: wire.EncodeFields(payload)})
}

// decodeMemberList extracts a node id list from a CLUSTER_MEMBERS or
// PARTITION_MAP_UPDATE payload's member-list field.
func decodeMemberList(list []wire.Fields) []string {
	out := make([]string, 0, len(list))
	for _, f := range list {
		if id, ok := f.GetString(1); ok {
			out = append(out, id)
		}
	}
	return out
}

// applyGossipedMembers reconciles an incoming membership view: any id not
// already known is added (and memberJoined emitted). driftdb never removes
// a member on gossip alone — only a dead connection triggers memberLeft —
// since a stale or partial gossip snapshot must never evict a live peer.
func (m *Manager) applyGossipedMembers(ids []string) {
	for _, id := range ids {
		if id == m.cfg.NodeID {
			continue
		}
		if m.members.add(id) {
			m.broker.publish(Event{Type: EventMemberJoined, NodeID: id})
		}
	}
}
