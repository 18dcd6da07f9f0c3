package crdt

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/driftdb/driftdb/pkg/hlc"
)

// defaultFanout and defaultDepth size the Merkle tree at 16^3 = 4096
// leaves, which keeps bucket-diffing granular without the per-bucket
// bookkeeping growing unreasonably for a single partition's worth of keys.
const (
	defaultFanout = 16
	defaultDepth  = 3
)

// MerkleTree is an anti-entropy index over a map's live entries. Every
// leaf XOR-accumulates the content hash of the keys assigned to it;
// internal node hashes are themselves XOR-accumulations of their
// descendants, so the combination is order-independent — two replicas
// with identical key sets always converge on the same root hash
// regardless of insertion order.
type MerkleTree struct {
	fanout int
	depth  int
	leaves int

	entryHash map[string]uint64 // key -> content hash, for incremental updates
	leafXor   []uint64          // leafXor[i] = XOR of entryHash for every key assigned to leaf i
	leafKeys  []map[string]struct{}
}

// NewMerkleTree creates an empty tree with the default fanout/depth.
func NewMerkleTree() *MerkleTree {
	return NewMerkleTreeWith(defaultFanout, defaultDepth)
}

// NewMerkleTreeWith creates an empty tree with an explicit fanout (must be
// a power of two) and depth.
func NewMerkleTreeWith(fanout, depth int) *MerkleTree {
	leaves := 1
	for i := 0; i < depth; i++ {
		leaves *= fanout
	}
	lk := make([]map[string]struct{}, leaves)
	for i := range lk {
		lk[i] = make(map[string]struct{})
	}
	return &MerkleTree{
		fanout:    fanout,
		depth:     depth,
		leaves:    leaves,
		entryHash: make(map[string]uint64),
		leafXor:   make([]uint64, leaves),
		leafKeys:  lk,
	}
}

func (t *MerkleTree) leafIndex(key string) int {
	return int(xxhash.Sum64String(key) % uint64(t.leaves))
}

// contentHash hashes a key's record deterministically over its value,
// timestamp and TTL, so any change to any of those changes the hash.
func contentHash(key string, value []byte, ts hlc.Timestamp, ttlMs uint32) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(key)
	_, _ = h.Write(value)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ts.Millis)
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:4], ts.Counter)
	_, _ = h.Write(buf[:4])
	_, _ = h.WriteString(ts.NodeID)
	binary.BigEndian.PutUint32(buf[:4], ttlMs)
	_, _ = h.Write(buf[:4])
	return h.Sum64()
}

// Upsert (re)computes key's content hash and folds it into the tree,
// removing any prior contribution for the same key first.
func (t *MerkleTree) Upsert(key string, value []byte, ts hlc.Timestamp, ttlMs uint32) {
	t.Remove(key)

	h := contentHash(key, value, ts, ttlMs)
	idx := t.leafIndex(key)

	t.entryHash[key] = h
	t.leafXor[idx] ^= h
	t.leafKeys[idx][key] = struct{}{}
}

// Remove drops key's contribution from the tree, if present.
func (t *MerkleTree) Remove(key string) {
	h, ok := t.entryHash[key]
	if !ok {
		return
	}
	idx := t.leafIndex(key)
	t.leafXor[idx] ^= h
	delete(t.leafKeys[idx], key)
	delete(t.entryHash, key)
}

// RootHash returns the whole tree's combined hash. Two trees with
// identical (key, contentHash) sets always produce the same root hash.
func (t *MerkleTree) RootHash() uint64 {
	var acc uint64
	for _, lx := range t.leafXor {
		acc ^= lx
	}
	return acc
}

// childSpan returns the [start, end) leaf range covered by the child at
// index childIdx under the node addressed by path.
func (t *MerkleTree) childSpan(path []int, childIdx int) (int, int) {
	full := append(append([]int{}, path...), childIdx)
	span := t.leaves
	for range full {
		span /= t.fanout
	}
	start := 0
	for i, digit := range full {
		levelSpan := t.leaves
		for j := 0; j <= i; j++ {
			levelSpan /= t.fanout
		}
		start += digit * levelSpan
	}
	return start, start + span
}

// BucketHashes returns the combined hash of every child of the node
// addressed by path (path is a sequence of child indices from the root;
// len(path) must be < depth). Used to descend toward the leaves that
// differ between two replicas without transferring the whole tree.
func (t *MerkleTree) BucketHashes(path []int) []uint64 {
	out := make([]uint64, t.fanout)
	for c := 0; c < t.fanout; c++ {
		start, end := t.childSpan(path, c)
		var acc uint64
		for i := start; i < end; i++ {
			acc ^= t.leafXor[i]
		}
		out[c] = acc
	}
	return out
}

// LeafKeys returns every key assigned to the leaf addressed by path
// (len(path) must equal depth).
func (t *MerkleTree) LeafKeys(path []int) []string {
	if len(path) != t.depth {
		return nil
	}
	idx := 0
	for _, digit := range path {
		idx = idx*t.fanout + digit
	}
	keys := t.leafKeys[idx]
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

// DiffRequest answers a peer's DIFF_REQUEST: given the keys it believes
// might differ, return this tree's current content hash for each (0 if the
// key isn't present locally). The peer compares against its own hashes to
// decide which records to actually push.
func (t *MerkleTree) DiffRequest(keys []string) map[string]uint64 {
	out := make(map[string]uint64, len(keys))
	for _, k := range keys {
		out[k] = t.entryHash[k] // zero value if absent, which is the desired sentinel
	}
	return out
}

// Fanout returns the tree's branching factor.
func (t *MerkleTree) Fanout() int { return t.fanout }

// Depth returns the tree's fixed depth.
func (t *MerkleTree) Depth() int { return t.depth }
