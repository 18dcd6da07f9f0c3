// Package storagemgr implements the Storage Manager: it owns every
// in-memory CRDT map on this node, lazy-loads each one from the pluggable
// storage.Store on first access, and notifies subscribers once a load
// completes so the Query Coordinator can re-evaluate subscriptions that
// arrived while a map was still loading.
package storagemgr

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/crdt"
	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/storage"
)

// defaultCacheSize bounds the read-through cache fronting Store.Load; sized
// for a few thousand hot keys per node, not the whole data set.
const defaultCacheSize = 4096

// MapLoadedFunc is notified once a lazily-loaded map finishes loading.
type MapLoadedFunc func(mapName string, count int)

// Manager owns mapName -> crdt.Map for this node. One Manager per node;
// every map on it is single-writer (this node is always the partition
// owner or a backup for any key it holds).
type Manager struct {
	store  storage.Store
	logger zerolog.Logger

	mu      sync.Mutex
	maps    map[string]crdt.Map
	loading map[string]chan struct{} // closed when the named map's load completes

	listenersMu sync.RWMutex
	listeners   []MapLoadedFunc

	cache *lru.Cache[string, []byte]
}

// New creates a Manager backed by store. cacheSize <= 0 uses
// defaultCacheSize.
func New(store storage.Store, cacheSize int) *Manager {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which can't happen
		// given the guard above.
		panic(fmt.Sprintf("storagemgr: lru.New: %v", err))
	}
	return &Manager{
		store:   store,
		logger:  log.WithComponent("storagemgr"),
		maps:    make(map[string]crdt.Map),
		loading: make(map[string]chan struct{}),
		cache:   cache,
	}
}

// OnMapLoaded registers fn to be called once, on the goroutine running the
// load, every time a lazily-loaded map finishes loading.
func (m *Manager) OnMapLoaded(fn MapLoadedFunc) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notifyLoaded(mapName string, count int) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, fn := range m.listeners {
		fn(mapName, count)
	}
}

// GetMap returns the named map immediately, creating a provisional empty
// map of kind hint and kicking off its background load if this is the
// first access. The returned map may still be loading; callers that need
// to block for completion should use GetMapAsync instead.
func (m *Manager) GetMap(mapName string, hint crdt.Kind) crdt.Map {
	m.mu.Lock()
	if existing, ok := m.maps[mapName]; ok {
		m.mu.Unlock()
		return existing
	}

	created := newMapOfKind(hint)
	m.maps[mapName] = created
	done := make(chan struct{})
	m.loading[mapName] = done
	m.mu.Unlock()

	go m.load(mapName, done)
	return created
}

// GetMapAsync returns the named map once its initial load (if any) has
// completed.
func (m *Manager) GetMapAsync(ctx context.Context, mapName string, hint crdt.Kind) (crdt.Map, error) {
	result := m.GetMap(mapName, hint)

	m.mu.Lock()
	done, loading := m.loading[mapName]
	m.mu.Unlock()
	if !loading {
		return result, nil
	}

	select {
	case <-done:
		m.mu.Lock()
		result = m.maps[mapName]
		m.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newMapOfKind(hint crdt.Kind) crdt.Map {
	if hint == crdt.KindOR {
		return crdt.NewORMap()
	}
	return crdt.NewLWWMap()
}

// load populates mapName from the backing store, inferring an LWW-to-OR
// upgrade from the presence of a tombstone sentinel, then closes done and
// fires onMapLoaded.
func (m *Manager) load(mapName string, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	tombstoneData, err := m.store.Load(ctx, mapName, storage.TombstoneSentinel)
	if err != nil {
		m.logger.Warn().Err(err).Str("map", mapName).Msg("load tombstone sentinel failed")
	}
	isOR := tombstoneData != nil

	keys, err := m.store.LoadAllKeys(ctx, mapName)
	if err != nil {
		m.logger.Warn().Err(err).Str("map", mapName).Msg("load all keys failed")
		m.notifyLoaded(mapName, 0)
		return
	}

	m.mu.Lock()
	existing := m.maps[mapName]
	m.mu.Unlock()

	var target crdt.Map = existing
	if isOR && existing.Kind() != crdt.KindOR {
		target = crdt.NewORMap()
		m.mu.Lock()
		m.maps[mapName] = target
		m.mu.Unlock()
	}

	count := 0
	switch t := target.(type) {
	case *crdt.LWWMap:
		count = m.loadLWW(ctx, mapName, t, keys)
	case *crdt.ORMap:
		if tags, err := crdt.DecodeTombstoneTags(tombstoneData); err == nil {
			for _, tag := range tags {
				t.ApplyTombstone(tag)
			}
		}
		count = m.loadOR(ctx, mapName, t, keys)
	}

	m.notifyLoaded(mapName, count)
}

func (m *Manager) loadLWW(ctx context.Context, mapName string, target *crdt.LWWMap, keys []string) int {
	values, err := m.store.LoadAll(ctx, mapName, keys)
	if err != nil {
		m.logger.Warn().Err(err).Str("map", mapName).Msg("load all values failed")
		return 0
	}
	count := 0
	for key, raw := range values {
		rec, err := crdt.DecodeRecord(raw)
		if err != nil {
			m.logger.Warn().Err(err).Str("map", mapName).Str("key", key).Msg("decode record failed")
			continue
		}
		target.Merge(key, rec)
		count++
	}
	return count
}

func (m *Manager) loadOR(ctx context.Context, mapName string, target *crdt.ORMap, keys []string) int {
	values, err := m.store.LoadAll(ctx, mapName, keys)
	if err != nil {
		m.logger.Warn().Err(err).Str("map", mapName).Msg("load all values failed")
		return 0
	}
	count := 0
	for key, raw := range values {
		if key == storage.TombstoneSentinel {
			continue
		}
		records, err := crdt.DecodeORRecords(raw)
		if err != nil {
			m.logger.Warn().Err(err).Str("map", mapName).Str("key", key).Msg("decode or-records failed")
			continue
		}
		for _, rec := range records {
			target.Apply(key, rec)
		}
		count++
	}
	return count
}

// PersistLWW writes key's current record for an LWW map, and caches the
// encoded value for a subsequent read-through Load.
func (m *Manager) PersistLWW(ctx context.Context, mapName string, target *crdt.LWWMap, key string) error {
	rec, ok := target.GetRecord(key)
	if !ok {
		return nil
	}
	data := crdt.EncodeRecord(rec)
	if err := m.store.Store(ctx, mapName, key, data); err != nil {
		return fmt.Errorf("storagemgr: persist %s/%s: %w", mapName, key, err)
	}
	m.cache.Add(cacheKey(mapName, key), data)
	return nil
}

// PersistOR writes key's current live tagged records for an OR map.
func (m *Manager) PersistOR(ctx context.Context, mapName string, target *crdt.ORMap, key string) error {
	records := target.GetRecords(key)
	data := crdt.EncodeORRecords(records)
	if err := m.store.Store(ctx, mapName, key, data); err != nil {
		return fmt.Errorf("storagemgr: persist %s/%s: %w", mapName, key, err)
	}
	m.cache.Add(cacheKey(mapName, key), data)
	return nil
}

// PersistORTombstones writes the OR map's full tombstoned-tag set to the
// reserved sentinel key. Called after any Remove/ApplyTombstone; this also
// marks the map as OR for the next load's type inference.
func (m *Manager) PersistORTombstones(ctx context.Context, mapName string, target *crdt.ORMap) error {
	data := crdt.EncodeTombstoneTags(target.TombstoneTags())
	if err := m.store.Store(ctx, mapName, storage.TombstoneSentinel, data); err != nil {
		return fmt.Errorf("storagemgr: persist %s tombstones: %w", mapName, err)
	}
	return nil
}

// LoadCached reads a single key's raw encoded value through the read-
// through cache, falling back to the store on a miss.
func (m *Manager) LoadCached(ctx context.Context, mapName, key string) ([]byte, error) {
	ck := cacheKey(mapName, key)
	if v, ok := m.cache.Get(ck); ok {
		return v, nil
	}
	v, err := m.store.Load(ctx, mapName, key)
	if err != nil {
		return nil, err
	}
	if v != nil {
		m.cache.Add(ck, v)
	}
	return v, nil
}

// DeleteKey removes key's persisted record entirely and evicts it from the
// read-through cache. Used by garbage collection once a tombstone or
// expired record has aged past the safe cutoff and its in-memory entry has
// already been dropped from the CRDT map itself.
func (m *Manager) DeleteKey(ctx context.Context, mapName, key string) error {
	if err := m.store.Delete(ctx, mapName, key); err != nil {
		return fmt.Errorf("storagemgr: delete %s/%s: %w", mapName, key, err)
	}
	m.cache.Remove(cacheKey(mapName, key))
	return nil
}

func cacheKey(mapName, key string) string { return mapName + "\x00" + key }

// MapNames returns every map name currently loaded or loading.
func (m *Manager) MapNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.maps))
	for name := range m.maps {
		out = append(out, name)
	}
	return out
}
