package cluster

import "testing"

func TestMembershipSeededWithSelf(t *testing.T) {
	m := newMembership("node-a")
	if !m.contains("node-a") {
		t.Fatal("expected self to be a member at construction")
	}
}

func TestMembershipAddRemove(t *testing.T) {
	m := newMembership("node-a")

	if !m.add("node-b") {
		t.Fatal("expected add of new member to return true")
	}
	if m.add("node-b") {
		t.Fatal("expected re-add of existing member to return false")
	}
	if !m.contains("node-b") {
		t.Fatal("expected node-b to be a member")
	}

	if !m.remove("node-b") {
		t.Fatal("expected remove of existing member to return true")
	}
	if m.remove("node-b") {
		t.Fatal("expected remove of already-removed member to return false")
	}
	if m.contains("node-b") {
		t.Fatal("expected node-b to no longer be a member")
	}
}

func TestMembershipSortedOrder(t *testing.T) {
	m := newMembership("node-c")
	m.add("node-a")
	m.add("node-b")

	got := m.sorted()
	want := []string{"node-a", "node-b", "node-c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d members, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted order %v, got %v", want, got)
		}
	}
}

func TestPeerStateString(t *testing.T) {
	cases := map[PeerState]string{
		PeerDialing:   "DIALING",
		PeerHandshake: "HANDSHAKE",
		PeerAlive:     "ALIVE",
		PeerDead:      "DEAD",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: expected %q, got %q", state, want, got)
		}
	}
}
