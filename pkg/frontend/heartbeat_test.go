package frontend

import (
	"sync"
	"testing"
	"time"

	"github.com/driftdb/driftdb/pkg/types"
)

type fakeWriter struct {
	mu         sync.Mutex
	closed     bool
	closeCode  int
	closeCodes []int
}

func (w *fakeWriter) Enqueue(frame []byte, urgent bool) error { return nil }

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) CloseWithCode(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.closeCode = code
	w.closeCodes = append(w.closeCodes, code)
	return nil
}

func (w *fakeWriter) wasClosedWithCode(code int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed && w.closeCode == code
}

func TestHeartbeatEvictsStalePing(t *testing.T) {
	reg := newRegistry()
	fw := &fakeWriter{}
	conn := types.NewClientConnection("c1", fw)
	conn.Authenticate(types.Principal{UserID: "u1"})
	conn.TouchPing(time.Now().Add(-time.Hour))
	reg.add(conn)

	hb := newHeartbeat(reg, 10*time.Millisecond)
	hb.sweep()

	if !fw.wasClosedWithCode(evictCodePingTimeout) {
		t.Fatal("expected stale connection to be evicted with code 4002")
	}
	if _, ok := reg.get("c1"); ok {
		t.Fatal("expected evicted connection removed from registry")
	}
}

func TestHeartbeatSparesRecentPing(t *testing.T) {
	reg := newRegistry()
	fw := &fakeWriter{}
	conn := types.NewClientConnection("c1", fw)
	conn.Authenticate(types.Principal{UserID: "u1"})
	conn.TouchPing(time.Now())
	reg.add(conn)

	hb := newHeartbeat(reg, time.Minute)
	hb.sweep()

	if fw.wasClosedWithCode(evictCodePingTimeout) {
		t.Fatal("expected recently-pinged connection to survive the sweep")
	}
}

func TestHeartbeatIgnoresUnauthenticatedConnections(t *testing.T) {
	reg := newRegistry()
	fw := &fakeWriter{}
	conn := types.NewClientConnection("c1", fw)
	conn.TouchPing(time.Now().Add(-time.Hour))
	reg.add(conn)

	hb := newHeartbeat(reg, 10*time.Millisecond)
	hb.sweep()

	if fw.wasClosedWithCode(evictCodePingTimeout) {
		t.Fatal("expected an unauthenticated connection to be left for the auth deadline, not heartbeat eviction")
	}
}
