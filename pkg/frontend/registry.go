package frontend

import (
	"sync"

	"github.com/driftdb/driftdb/pkg/types"
)

// registry tracks every currently-connected socket by id, so the
// heartbeat evictor and any broadcast path can enumerate connections
// without reaching into the HTTP server's accept loop.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*types.ClientConnection
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*types.ClientConnection)}
}

func (r *registry) add(c *types.ClientConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *registry) get(id string) (*types.ClientConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *registry) snapshot() []*types.ClientConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ClientConnection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
