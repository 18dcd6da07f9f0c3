// Package stripe gives components a shared way to derive a per-key stripe
// index, so the worker pool's keyed submission (pkg/workerpool) and the
// frontend's backpressure accounting (pkg/frontend) hash the same way
// instead of each rolling its own xxhash call.
package stripe

import "github.com/cespare/xxhash/v2"

// Count is the number of stripes a node divides its key space into for
// both striped execution (pkg/workerpool) and backpressure accounting
// (pkg/frontend). It is independent of partition.Count: stripes are a
// purely local concurrency concern, not a cluster-wide ownership concept.
const Count = 256

// For returns the stripe index for one map/key pair. Every op against the
// same (mapName, key) always lands on the same stripe, which is what lets
// a striped executor guarantee per-key serial ordering while still running
// unrelated keys concurrently.
func For(mapName, key string) uint64 {
	h := xxhash.Sum64String(mapName + "\x00" + key)
	return h % uint64(Count)
}
