package cluster

import (
	"net"
	"testing"
	"time"

	"github.com/driftdb/driftdb/pkg/wire"
)

func newTestManager(t *testing.T, nodeID string) *Manager {
	t.Helper()
	m := NewManager(Config{NodeID: nodeID, BindAddr: "127.0.0.1:0"})
	if err := m.Start(); err != nil {
		t.Fatalf("start %s: %v", nodeID, err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestHandshakeConvergesMembership(t *testing.T) {
	a := newTestManager(t, "node-a")
	b := newTestManager(t, "node-b")

	a.ConnectTo(b.Addr().String())

	waitForCondition(t, 2*time.Second, func() bool {
		return a.members.contains("node-b") && b.members.contains("node-a")
	})
}

func TestSendDeliversEnvelopeToPeer(t *testing.T) {
	a := newTestManager(t, "node-a")
	b := newTestManager(t, "node-b")

	a.ConnectTo(b.Addr().String())
	waitForCondition(t, 2*time.Second, func() bool {
		return a.members.contains("node-b") && b.members.contains("node-a")
	})

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	payload := wire.Fields{}
	payload.SetString(1, "hello")
	if err := a.Send("node-b", wire.Envelope{Type: wire.MsgOpForward, Payload: wire.EncodeFields(payload)}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Type != EventMessage || ev.Message == nil {
			t.Fatalf("expected a message event, got %+v", ev)
		}
		if ev.Message.Envelope.Type != wire.MsgOpForward {
			t.Fatalf("expected OP_FORWARD, got %s", ev.Message.Envelope.Type)
		}
		fields, err := wire.DecodeFields(ev.Message.Envelope.Payload)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if s, _ := fields.GetString(1); s != "hello" {
			t.Fatalf("expected payload %q, got %q", "hello", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded message")
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	a := newTestManager(t, "node-a")
	if err := a.Send("node-ghost", wire.Envelope{Type: wire.MsgPing}); err == nil {
		t.Fatal("expected error sending to an unconnected peer")
	}
}

func TestRegisterConnLowIDInitiatorPolicy(t *testing.T) {
	m := NewManager(Config{NodeID: "node-b"})

	low, _ := net.Pipe()
	high, _ := net.Pipe()
	lower, _ := net.Pipe()
	lowConn := newConn(low)
	highConn := newConn(high)
	lowerConn := newConn(lower)

	if !m.registerConn("node-x", lowConn, "node-a") {
		t.Fatal("expected the first registration to win")
	}
	if m.registerConn("node-x", highConn, "node-z") {
		t.Fatal("expected a higher dialer id to lose the race against node-a")
	}
	if !m.registerConn("node-x", lowerConn, "node-0") {
		t.Fatal("expected a strictly lower dialer id to displace the existing connection")
	}
}
