package partition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEveryPartitionCoveredExactlyOnce(t *testing.T) {
	s := NewService(2)
	m, _ := s.SetMembers([]string{"node-c", "node-a", "node-b"})

	for pid := 0; pid < Count; pid++ {
		d := m.Distribution[pid]
		require.NotEmpty(t, d.Owner)

		seen := map[string]int{d.Owner: 1}
		for _, b := range d.Backups {
			seen[b]++
		}
		for node, count := range seen {
			require.Equalf(t, 1, count, "node %s appears %d times in partition %d", node, count, pid)
		}
	}
}

func TestBackupCountCappedByMembership(t *testing.T) {
	s := NewService(5)
	m, _ := s.SetMembers([]string{"node-a", "node-b"})

	for pid := 0; pid < Count; pid++ {
		require.Len(t, m.Distribution[pid].Backups, 1) // min(R=5, N-1=1)
	}
}

func TestVersionIncrementsOnMembershipChange(t *testing.T) {
	s := NewService(1)
	m1, _ := s.SetMembers([]string{"a", "b"})
	m2, changed := s.SetMembers([]string{"a", "b", "c"})

	require.Greater(t, m2.Version, m1.Version)
	require.NotEmpty(t, changed)
}

func TestOwnerDeterministicFromSortedMembers(t *testing.T) {
	s1 := NewService(1)
	s2 := NewService(1)

	m1, _ := s1.SetMembers([]string{"node-b", "node-a", "node-c"})
	m2, _ := s2.SetMembers([]string{"node-c", "node-b", "node-a"})

	require.Equal(t, m1.Distribution, m2.Distribution)
}

func TestIsLocalOwner(t *testing.T) {
	s := NewService(1)
	s.SetMembers([]string{"node-a", "node-b"})

	owner := s.GetOwner("some-key")
	require.True(t, s.IsLocalOwner("some-key", owner))
	other := "node-a"
	if owner == "node-a" {
		other = "node-b"
	}
	require.False(t, s.IsLocalOwner("some-key", other))
}

func TestGetOwnerNodesForPartitionsDeduplicates(t *testing.T) {
	s := NewService(1)
	s.SetMembers([]string{"node-a", "node-b", "node-c"})

	owners := s.GetOwnerNodesForPartitions([]uint32{0, 1, 2, 3})
	seen := make(map[string]struct{})
	for _, o := range owners {
		_, dup := seen[o]
		require.False(t, dup)
		seen[o] = struct{}{}
	}
}

func TestRebalanceOnMemberLeft(t *testing.T) {
	s := NewService(1)
	s.SetMembers([]string{"node-a", "node-b", "node-c"})
	_, changed := s.SetMembers([]string{"node-a", "node-c"})
	require.NotEmpty(t, changed)
}
