// Package frontend implements the Connection/WS Frontend: per-socket
// authentication, heartbeat eviction, the Coalescing Writer, and
// backpressure accounting, wired over gorilla/websocket and gorilla/mux.
package frontend

import "time"

// WriteBatch tunes the Coalescing Writer's flush thresholds.
type WriteBatch struct {
	MaxSize  int
	MaxBytes int
	MaxDelay time.Duration
}

func (b WriteBatch) withDefaults() WriteBatch {
	if b.MaxSize <= 0 {
		b.MaxSize = 64
	}
	if b.MaxBytes <= 0 {
		b.MaxBytes = 256 << 10
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 5 * time.Millisecond
	}
	return b
}

// Backpressure tunes the per-stripe pending-op high-water mark.
type Backpressure struct {
	MaxPending    int
	SyncFrequency int
	BackoffMs     time.Duration
}

func (b Backpressure) withDefaults() Backpressure {
	if b.MaxPending <= 0 {
		b.MaxPending = 1000
	}
	if b.SyncFrequency <= 0 {
		b.SyncFrequency = 10
	}
	if b.BackoffMs <= 0 {
		b.BackoffMs = 25 * time.Millisecond
	}
	return b
}

// Config tunes one node's Connection/WS Frontend.
type Config struct {
	BindAddr          string
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	AuthDeadline      time.Duration
	WriteBatch        WriteBatch
	Backpressure      Backpressure
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = 30 * time.Second
	}
	if c.AuthDeadline <= 0 {
		c.AuthDeadline = 5 * time.Second
	}
	c.WriteBatch = c.WriteBatch.withDefaults()
	c.Backpressure = c.Backpressure.withDefaults()
	return c
}
