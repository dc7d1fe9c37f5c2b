// Package router holds the live, hot-reloadable registry of configured
// databases (spec §3's Block set) that the proxy's listeners consult to
// find connection details and auth policy for an incoming client.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dbbouncer/edgewire/internal/config"
)

// routerSnapshot is an immutable point-in-time view of the routing table.
// Stored in atomic.Value for lock-free reads on the hot path.
type routerSnapshot struct {
	databases map[string]config.DatabaseConfig
	defaults  config.PoolDefaults
	paused    map[string]bool
}

// Router resolves database names to their connection configurations.
// Resolve() and IsPaused() are lock-free via atomic.Value.
// Mutations serialize on a write mutex and swap in a new snapshot.
type Router struct {
	snap atomic.Value // holds *routerSnapshot
	wmu  sync.Mutex   // serializes mutations (writes are rare)
}

// New creates a new Router populated from the given config.
func New(cfg *config.Config) *Router {
	snap := &routerSnapshot{
		databases: make(map[string]config.DatabaseConfig, len(cfg.Databases)),
		defaults:  cfg.Defaults,
		paused:    make(map[string]bool),
	}
	for name, dc := range cfg.Databases {
		snap.databases[name] = dc
	}

	r := &Router{}
	r.snap.Store(snap)
	return r
}

// load returns the current immutable snapshot (lock-free).
func (r *Router) load() *routerSnapshot {
	return r.snap.Load().(*routerSnapshot)
}

// cloneSnap returns a mutable deep copy of the current snapshot.
// Must be called with wmu held.
func (r *Router) cloneSnap() *routerSnapshot {
	cur := r.load()
	newDatabases := make(map[string]config.DatabaseConfig, len(cur.databases))
	for name, dc := range cur.databases {
		newDatabases[name] = dc
	}
	newPaused := make(map[string]bool, len(cur.paused))
	for name, v := range cur.paused {
		newPaused[name] = v
	}
	return &routerSnapshot{
		databases: newDatabases,
		defaults:  cur.defaults,
		paused:    newPaused,
	}
}

// Resolve looks up the DatabaseConfig for the given database name. Lock-free.
func (r *Router) Resolve(name string) (config.DatabaseConfig, error) {
	snap := r.load()
	dc, ok := snap.databases[name]
	if !ok {
		return config.DatabaseConfig{}, fmt.Errorf("unknown database: %q", name)
	}
	return dc, nil
}

// AddDatabase registers or updates a database configuration.
func (r *Router) AddDatabase(name string, dc config.DatabaseConfig) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	s := r.cloneSnap()
	s.databases[name] = dc
	r.snap.Store(s)
}

// RemoveDatabase removes a database from the router.
func (r *Router) RemoveDatabase(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.databases[name]; !ok {
		return false
	}

	s := r.cloneSnap()
	delete(s.databases, name)
	delete(s.paused, name)
	r.snap.Store(s)
	return true
}

// PauseDatabase marks a database as paused in the routing table. It only
// records the flag; the pool's admission of new waiters is stopped by
// pool.Pool.Pause, a separate call.
// Returns false if the database isn't found.
func (r *Router) PauseDatabase(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.databases[name]; !ok {
		return false
	}

	s := r.cloneSnap()
	s.paused[name] = true
	r.snap.Store(s)
	return true
}

// ResumeDatabase unpauses a database. Returns false if not found.
func (r *Router) ResumeDatabase(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.databases[name]; !ok {
		return false
	}

	s := r.cloneSnap()
	delete(s.paused, name)
	r.snap.Store(s)
	return true
}

// IsPaused returns whether a database is currently paused. Lock-free.
func (r *Router) IsPaused(name string) bool {
	return r.load().paused[name]
}

// ListDatabases returns all database names and their configs.
func (r *Router) ListDatabases() map[string]config.DatabaseConfig {
	snap := r.load()
	result := make(map[string]config.DatabaseConfig, len(snap.databases))
	for name, dc := range snap.databases {
		result[name] = dc
	}
	return result
}

// Defaults returns the current pool defaults. Lock-free.
func (r *Router) Defaults() config.PoolDefaults {
	return r.load().defaults
}

// Reload replaces the entire routing table from a new config.
// Preserves paused state for databases that still exist in the new config.
func (r *Router) Reload(cfg *config.Config) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	newDatabases := make(map[string]config.DatabaseConfig, len(cfg.Databases))
	for name, dc := range cfg.Databases {
		newDatabases[name] = dc
	}

	newPaused := make(map[string]bool)
	for name, v := range cur.paused {
		if _, exists := newDatabases[name]; exists {
			newPaused[name] = v
		}
	}

	r.snap.Store(&routerSnapshot{
		databases: newDatabases,
		defaults:  cfg.Defaults,
		paused:    newPaused,
	})
}
