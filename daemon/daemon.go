// Package daemon keeps per-collection warm caches for a resident process
// that serves repeated queries: one entry per collection holding the
// loaded ANN graph and id mapping, so a query does not pay the load cost
// every time.
package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vecfs/vecfs/hnsw"
	"github.com/vecfs/vecfs/idindex"
)

// State is the lifecycle state of a CacheEntry.
type State int32

const (
	StateEmpty State = iota
	StateLoading
	StateWarm
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateWarm:
		return "warm"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// CacheEntry is the daemon-resident handle to one collection's live index.
//
// Searches hold the read lock and may run concurrently. A watch-mode
// upsert holds the write lock, mutates the loaded graph and id mapping in
// place and leaves the entry warm; it must never force a disk reload. Go's
// RWMutex blocks new readers once a writer is waiting, so a stream of
// searches cannot starve a pending upsert.
type CacheEntry struct {
	mu sync.RWMutex

	state      atomic.Int32
	lastAccess atomic.Int64

	graph *hnsw.Index
	ids   *idindex.Index
}

// State returns the entry's lifecycle state.
func (e *CacheEntry) State() State {
	return State(e.state.Load())
}

// LastAccess returns the time of the last read or write through the entry.
func (e *CacheEntry) LastAccess() time.Time {
	n := e.lastAccess.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (e *CacheEntry) touch() {
	e.lastAccess.Store(time.Now().UnixNano())
}

// Read runs fn under the entry's read lock. fn must not retain the graph
// or id index past its return.
func (e *CacheEntry) Read(fn func(graph *hnsw.Index, ids *idindex.Index) error) error {
	e.touch()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(e.graph, e.ids)
}

// Write runs fn under the entry's write lock. In-flight reads finish
// first; new reads wait until fn returns. The entry stays warm across the
// mutation.
func (e *CacheEntry) Write(fn func(graph *hnsw.Index, ids *idindex.Index) error) error {
	e.touch()
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.graph, e.ids)
}

// Warm reports whether the entry currently serves from memory.
func (e *CacheEntry) Warm() bool {
	return e.State() == StateWarm
}

// Invalidate forces a full reload on the next access. Used after bulk
// reindexing, where reconciling the in-memory graph piecemeal would cost
// more than reloading it.
func (e *CacheEntry) Invalidate() {
	e.state.Store(int32(StateInvalidated))
}

func (e *CacheEntry) install(graph *hnsw.Index, ids *idindex.Index) {
	e.mu.Lock()
	e.graph = graph
	e.ids = ids
	e.mu.Unlock()
	e.state.Store(int32(StateWarm))
}

func (e *CacheEntry) teardown() {
	e.mu.Lock()
	e.graph = nil
	e.ids = nil
	e.mu.Unlock()
	e.state.Store(int32(StateEmpty))
}

// LoadFunc loads a collection's graph and id mapping from disk.
type LoadFunc func(ctx context.Context) (*hnsw.Index, *idindex.Index, error)

// Registry holds one CacheEntry per collection. Locks are per entry, so
// unrelated collections never block each other; concurrent loads of the
// same collection are deduplicated.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	group   singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*CacheEntry)}
}

// Entry returns the cache entry for name, creating an empty one if needed.
func (r *Registry) Entry(name string) *CacheEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		e = &CacheEntry{}
		r.entries[name] = e
	}
	return e
}

// Acquire returns a warm entry for name, loading it via load if the entry
// is empty or invalidated. Concurrent acquires share one load.
func (r *Registry) Acquire(ctx context.Context, name string, load LoadFunc) (*CacheEntry, error) {
	e := r.Entry(name)
	if e.Warm() {
		return e, nil
	}

	_, err, _ := r.group.Do(name, func() (any, error) {
		if e.Warm() {
			return nil, nil
		}
		e.state.Store(int32(StateLoading))
		graph, ids, err := load(ctx)
		if err != nil {
			e.state.Store(int32(StateEmpty))
			return nil, err
		}
		e.install(graph, ids)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Invalidate marks name's entry, if present, for reload on next access.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if ok {
		e.Invalidate()
	}
}

// Drop removes name's entry entirely, releasing its memory.
func (r *Registry) Drop(name string) {
	r.mu.Lock()
	e, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if ok {
		e.teardown()
	}
}

// Shutdown tears down every entry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*CacheEntry)
	r.mu.Unlock()
	for _, e := range entries {
		e.teardown()
	}
}
