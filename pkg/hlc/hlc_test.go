package hlc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimestampCompare(t *testing.T) {
	a := Timestamp{Millis: 10, Counter: 0, NodeID: "a"}
	b := Timestamp{Millis: 10, Counter: 1, NodeID: "a"}
	c := Timestamp{Millis: 10, Counter: 1, NodeID: "b"}

	require.True(t, a.Before(b))
	require.True(t, b.Before(c))
	require.True(t, c.After(a))
	require.True(t, a.Equal(a))
}

func TestClockNowMonotonic(t *testing.T) {
	clk := New("node-a")
	clk.wallNow = func() uint64 { return 1000 }

	t1 := clk.Now()
	t2 := clk.Now()
	t3 := clk.Now()

	require.True(t, t1.Before(t2))
	require.True(t, t2.Before(t3))
	require.Equal(t, uint64(1000), t1.Millis)
	require.Equal(t, uint32(0), t1.Counter)
	require.Equal(t, uint32(1), t2.Counter)
}

func TestClockNowAdvancesWithWallTime(t *testing.T) {
	wall := uint64(1000)
	clk := New("node-a")
	clk.wallNow = func() uint64 { return wall }

	clk.Now()
	clk.Now()
	wall = 2000
	t3 := clk.Now()

	require.Equal(t, uint64(2000), t3.Millis)
	require.Equal(t, uint32(0), t3.Counter)
}

func TestClockUpdateNeverGoesBackward(t *testing.T) {
	clk := New("node-a")
	clk.wallNow = func() uint64 { return 1000 }

	local := clk.Now()

	// A remote timestamp far in the past must not move local time backward.
	past := Timestamp{Millis: 500, Counter: 9, NodeID: "node-b"}
	merged := clk.Update(past)
	require.True(t, merged.After(local))
	require.GreaterOrEqual(t, merged.Millis, local.Millis)
}

func TestClockUpdateAdoptsFutureRemote(t *testing.T) {
	clk := New("node-a")
	clk.wallNow = func() uint64 { return 1000 }

	future := Timestamp{Millis: 5000, Counter: 3, NodeID: "node-b"}
	merged := clk.Update(future)

	require.Equal(t, uint64(5000), merged.Millis)
	require.Equal(t, "node-a", merged.NodeID)
}

func TestClockUpdateBreaksTiesOnSameMillis(t *testing.T) {
	clk := New("node-a")
	clk.wallNow = func() uint64 { return 1000 }

	remote := Timestamp{Millis: 1000, Counter: 5, NodeID: "node-b"}
	merged := clk.Update(remote)

	require.Equal(t, uint64(1000), merged.Millis)
	require.Greater(t, merged.Counter, remote.Counter)
}

func TestClockNeverMovesMillisBackward(t *testing.T) {
	wall := uint64(5000)
	clk := New("node-a")
	clk.wallNow = func() uint64 { return wall }

	first := clk.Now()
	wall = 1000 // wall clock jump backward must not affect HLC millis
	second := clk.Now()

	require.GreaterOrEqual(t, second.Millis, first.Millis)
}
