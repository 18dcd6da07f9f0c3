// Package partition implements the ownership ring: a fixed count of
// partitions is assigned deterministically across the alive cluster
// membership, recomputed whenever a node joins or leaves. Every key maps
// to exactly one partition and every partition maps to exactly one owner
// plus a bounded set of backup nodes.
package partition

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Count is the fixed number of partitions in the ring (P=271 — a prime
// chosen so that partition assignment doesn't alias with typical cluster
// sizes).
const Count = 271

// Distribution is the owner/backup assignment for one partition.
type Distribution struct {
	Owner   string
	Backups []string
}

// Map is a single, immutable snapshot of the partition ring: owner and
// backups for every partition id, plus a monotonically increasing version
// bumped on every membership change.
type Map struct {
	Version      uint64
	Distribution [Count]Distribution
}

// Service owns the partition map for one node. Readers and writers share
// an RWMutex: lookups take the read lock, and a membership change rebuilds
// and installs the new Map under the write lock, so a lookup waits while a
// rebalance is in progress.
type Service struct {
	mu               sync.RWMutex
	replicationFactor int
	members          []string // sorted, alive node ids
	current          *Map
}

// NewService creates a Service with no members and an empty (but
// versioned) partition map. replicationFactor is R from configuration: the
// number of backups per partition is min(R, len(members)-1).
func NewService(replicationFactor int) *Service {
	s := &Service{replicationFactor: replicationFactor}
	s.current = s.rebuildLocked()
	return s
}

// GetPartitionID returns the partition a key hashes to.
func GetPartitionID(key string) uint32 {
	return uint32(xxhash.Sum64String(key) % uint64(Count))
}

// SetMembers replaces the alive member set and recomputes the partition
// map. Returns the new map and the set of partition ids whose owner or
// backup set changed (so data-migration hooks know what to move).
func (s *Service) SetMembers(members []string) (*Map, []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	s.members = sorted

	next := s.rebuildLocked()
	s.current = next

	return next, diffPartitions(prev, next)
}

func diffPartitions(prev, next *Map) []uint32 {
	if prev == nil {
		out := make([]uint32, Count)
		for i := range out {
			out[i] = uint32(i)
		}
		return out
	}
	var changed []uint32
	for i := 0; i < Count; i++ {
		if !sameDistribution(prev.Distribution[i], next.Distribution[i]) {
			changed = append(changed, uint32(i))
		}
	}
	return changed
}

func sameDistribution(a, b Distribution) bool {
	if a.Owner != b.Owner || len(a.Backups) != len(b.Backups) {
		return false
	}
	for i := range a.Backups {
		if a.Backups[i] != b.Backups[i] {
			return false
		}
	}
	return true
}

// rebuildLocked recomputes owner/backups for every partition from
// s.members. ownerIndex = pid mod N; backups are the next
// min(R, N-1) sorted members after the owner, wrapping around.
func (s *Service) rebuildLocked() *Map {
	n := len(s.members)
	m := &Map{}
	if s.current != nil {
		m.Version = s.current.Version + 1
	}
	if n == 0 {
		return m
	}

	backupCount := s.replicationFactor
	if backupCount > n-1 {
		backupCount = n - 1
	}
	if backupCount < 0 {
		backupCount = 0
	}

	for pid := 0; pid < Count; pid++ {
		ownerIdx := pid % n
		backups := make([]string, 0, backupCount)
		for i := 1; i <= backupCount; i++ {
			backups = append(backups, s.members[(ownerIdx+i)%n])
		}
		m.Distribution[pid] = Distribution{Owner: s.members[ownerIdx], Backups: backups}
	}
	return m
}

// GetPartitionMap returns the current immutable partition map snapshot.
func (s *Service) GetPartitionMap() *Map {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// GetOwner returns the owner node id for key.
func (s *Service) GetOwner(key string) string {
	return s.ownerForPartition(GetPartitionID(key))
}

func (s *Service) ownerForPartition(pid uint32) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Distribution[pid].Owner
}

// GetBackups returns the backup node ids for partition pid.
func (s *Service) GetBackups(pid uint32) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.current.Distribution[pid].Backups...)
}

// GetDistribution returns the owner and backups for key's partition.
func (s *Service) GetDistribution(key string) Distribution {
	pid := GetPartitionID(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.current.Distribution[pid]
	return Distribution{Owner: d.Owner, Backups: append([]string(nil), d.Backups...)}
}

// IsLocalOwner reports whether selfNodeID owns key's partition.
func (s *Service) IsLocalOwner(key, selfNodeID string) bool {
	return s.GetOwner(key) == selfNodeID
}

// GetOwnerNodesForPartitions returns the deduplicated set of owner node
// ids for the given partitions.
func (s *Service) GetOwnerNodesForPartitions(pids []uint32) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, pid := range pids {
		owner := s.current.Distribution[pid].Owner
		if owner == "" {
			continue
		}
		if _, ok := seen[owner]; !ok {
			seen[owner] = struct{}{}
			out = append(out, owner)
		}
	}
	return out
}
