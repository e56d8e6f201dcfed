// Package registry implements the global connection registry spec.md
// §5 "Shared resources" mandates: a single mutex guarding the set of
// live connections, touched only at accept/close/stats time, never on
// the per-command hot path a worker drives its connections through.
package registry

import (
	"sync"

	"github.com/cachemir/kvdaemon/pkg/conn"
)

// Registry tracks every live Connection across all workers, for stats
// reporting and cooperative shutdown (spec.md §5 "Cancellation &
// timeouts" — shutdown iterates all connections and fires a close).
type Registry struct {
	mu    sync.Mutex
	conns map[*conn.Connection]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[*conn.Connection]struct{})}
}

// Add records a newly accepted connection. Called once by the worker
// that owns it, right after conn.New.
func (r *Registry) Add(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

// Remove drops a connection once its worker has driven it to
// StateDestroyed.
func (r *Registry) Remove(c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

// Count returns the number of currently tracked connections, for the
// per-port connection counter spec.md §5 describes.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Each calls fn for every tracked connection, snapshotting the set
// under the lock first so fn may take as long as it likes (e.g.
// initiate a cooperative shutdown) without holding the registry lock.
func (r *Registry) Each(fn func(*conn.Connection)) {
	r.mu.Lock()
	snapshot := make([]*conn.Connection, 0, len(r.conns))
	for c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		fn(c)
	}
}
