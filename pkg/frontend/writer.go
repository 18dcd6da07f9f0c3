package frontend

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// frame is one already-wire-encoded outbound message awaiting flush.
type frame struct {
	data   []byte
	urgent bool
}

// coalescingWriter buffers outbound frames for one socket and flushes on
// whichever threshold trips first: MaxSize frames queued, MaxBytes queued,
// or MaxDelay elapsed since the first frame in the current batch. An
// urgent frame flushes whatever is already queued immediately, ahead of
// its own delay window, so it never waits behind a partially-filled batch.
type coalescingWriter struct {
	conn *websocket.Conn
	cfg  WriteBatch

	mu       sync.Mutex
	pending  []frame
	pendingN int // summed byte length of pending
	timer    *time.Timer
	closed   bool
}

// newCoalescingWriter wraps conn with cfg's batching thresholds.
func newCoalescingWriter(conn *websocket.Conn, cfg WriteBatch) *coalescingWriter {
	return &coalescingWriter{conn: conn, cfg: cfg.withDefaults()}
}

// Enqueue queues frame for the next flush. An urgent frame triggers an
// immediate flush of the whole pending batch (itself included).
func (w *coalescingWriter) Enqueue(data []byte, urgent bool) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("frontend: writer closed")
	}
	w.pending = append(w.pending, frame{data: data, urgent: urgent})
	w.pendingN += len(data)
	full := len(w.pending) >= w.cfg.MaxSize || w.pendingN >= w.cfg.MaxBytes
	if w.timer == nil && !full && !urgent {
		w.timer = time.AfterFunc(w.cfg.MaxDelay, w.flushTimer)
	}
	shouldFlush := urgent || full
	var batch []frame
	if shouldFlush {
		batch = w.takeLocked()
	}
	w.mu.Unlock()

	if shouldFlush {
		return w.send(batch)
	}
	return nil
}

// flushTimer is the MaxDelay timer callback.
func (w *coalescingWriter) flushTimer() {
	w.mu.Lock()
	batch := w.takeLocked()
	w.mu.Unlock()
	_ = w.send(batch)
}

// takeLocked detaches the pending batch and stops any running timer.
// Caller holds w.mu.
func (w *coalescingWriter) takeLocked() []frame {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.pending
	w.pending = nil
	w.pendingN = 0
	return batch
}

// send writes batch as one WebSocket binary message: consecutive frames
// are concatenated into a single message so the flush threshold
// controls the number of outbound sends, not the number of queued frames.
func (w *coalescingWriter) send(batch []frame) error {
	if len(batch) == 0 {
		return nil
	}
	total := 0
	for _, f := range batch {
		total += len(f.data)
	}
	buf := make([]byte, 0, total)
	for _, f := range batch {
		buf = append(buf, f.data...)
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// Close flushes any remaining queued frames and closes the socket.
func (w *coalescingWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	batch := w.takeLocked()
	w.mu.Unlock()
	_ = w.send(batch)
	return w.conn.Close()
}

// CloseWithCode sends a WebSocket close control frame carrying code and
// reason before closing the underlying socket, used by the heartbeat
// evictor to report 4002 (ping timeout).
func (w *coalescingWriter) CloseWithCode(code int, reason string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	batch := w.takeLocked()
	w.mu.Unlock()
	_ = w.send(batch)
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return w.conn.Close()
}
