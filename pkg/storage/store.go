// Package storage defines the small persistence contract the CRDT engine
// and Storage Manager depend on. driftdb's core never talks to a database
// directly — it calls this interface, and a pluggable backend (BoltDB,
// Redis, or an operator-supplied implementation) does the actual I/O. This
// keeps the storage engine itself out of the core's scope, per spec.
package storage

import "context"

// Store is the persistence contract. Per map name, it is a key-addressable
// store of either an encoded LWW-Record or an OR-Map-Value
// (`{type:'OR', records[]}`), plus a sentinel "__tombstones__" entry holding
// OR-Map tag tombstones. Values passed in and returned are opaque encoded
// bytes; the Storage Manager owns encoding/decoding.
type Store interface {
	// Load fetches one key's stored value for a map. A nil slice with a nil
	// error means "not found".
	Load(ctx context.Context, mapName, key string) ([]byte, error)

	// LoadAll fetches several keys at once; missing keys are simply absent
	// from the returned map (no error).
	LoadAll(ctx context.Context, mapName string, keys []string) (map[string][]byte, error)

	// LoadAllKeys returns every key currently stored for a map, used when a
	// map is lazily loaded in full on first access.
	LoadAllKeys(ctx context.Context, mapName string) ([]string, error)

	// Store persists a single key's encoded value.
	Store(ctx context.Context, mapName, key string, value []byte) error

	// Delete removes a key from the backing store entirely (used by GC once
	// a tombstone is pruned, not for ordinary removes which are themselves
	// tombstone writes).
	Delete(ctx context.Context, mapName, key string) error

	// Close releases any resources the backend holds open.
	Close() error
}

// ErrNotFound is returned by implementations that want to distinguish a
// missing key from an I/O failure; callers should prefer checking for a nil
// result over relying on this, since Load's contract is "nil, nil" for a
// miss, but backends may still surface this for LoadAll partial failures.
type ErrNotFound struct {
	MapName string
	Key     string
}

func (e *ErrNotFound) Error() string {
	return "storage: key not found: " + e.MapName + "/" + e.Key
}

// TombstoneSentinel is the reserved key name used by OR-Map backends to
// persist the tag tombstone set alongside ordinary records.
const TombstoneSentinel = "__tombstones__"
