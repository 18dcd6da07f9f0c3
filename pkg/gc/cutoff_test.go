package gc

import (
	"testing"
	"time"

	"github.com/driftdb/driftdb/pkg/hlc"
)

func TestSafeCutoffIndeterminateWithNoActiveIDs(t *testing.T) {
	c := NewCutoffTracker()
	_, ok := c.SafeCutoff(time.Second)
	if ok {
		t.Fatal("expected indeterminate cutoff with no tracked ids")
	}
}

func TestSafeCutoffIsMinimumMinusGrace(t *testing.T) {
	c := NewCutoffTracker()
	c.RecordActive("client-a", hlc.Timestamp{Millis: 10000})
	c.RecordActive("client-b", hlc.Timestamp{Millis: 5000})

	cutoff, ok := c.SafeCutoff(2 * time.Second)
	if !ok {
		t.Fatal("expected a determinate cutoff")
	}
	if cutoff.Millis != 3000 {
		t.Fatalf("expected 5000-2000=3000, got %d", cutoff.Millis)
	}
}

func TestRecordActiveKeepsMaxPerID(t *testing.T) {
	c := NewCutoffTracker()
	c.RecordActive("client-a", hlc.Timestamp{Millis: 1000})
	c.RecordActive("client-a", hlc.Timestamp{Millis: 500})
	c.RecordActive("client-a", hlc.Timestamp{Millis: 2000})

	cutoff, ok := c.SafeCutoff(0)
	if !ok {
		t.Fatal("expected a determinate cutoff")
	}
	if cutoff.Millis != 2000 {
		t.Fatalf("expected max-tracked 2000, got %d", cutoff.Millis)
	}
}

func TestForgetRemovesID(t *testing.T) {
	c := NewCutoffTracker()
	c.RecordActive("client-a", hlc.Timestamp{Millis: 1000})
	c.RecordActive("client-b", hlc.Timestamp{Millis: 9000})
	c.Forget("client-b")

	cutoff, ok := c.SafeCutoff(0)
	if !ok {
		t.Fatal("expected a determinate cutoff")
	}
	if cutoff.Millis != 1000 {
		t.Fatalf("expected remaining client-a's 1000, got %d", cutoff.Millis)
	}
}

func TestSubGraceMillisFloorsAtZero(t *testing.T) {
	if got := subGraceMillis(500, 2*time.Second); got != 0 {
		t.Fatalf("expected floor at 0, got %d", got)
	}
	if got := subGraceMillis(5000, 2*time.Second); got != 3000 {
		t.Fatalf("expected 3000, got %d", got)
	}
}
