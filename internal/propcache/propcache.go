// Package propcache implements the per-handle object-property cache
// (spec.md §3 "ObjectPropertyCache", §4.4). It is a map-of-maps keyed
// by handle, with an "all loaded" sentinel per handle set once a mass
// property query has populated every property for that object, and
// event-driven invalidation on ObjectPropChanged/ObjectInfoChanged/
// ObjectRemoved, mirroring the teacher's memory cache's per-entry state
// field plus explicit invalidation calls.
package propcache

import (
	"sync"

	"github.com/go-mtp/mtpd/internal/mtp"
)

// entry holds the cached properties for one handle plus whether a mass
// query has already populated it in full.
type entry struct {
	values    map[mtp.ObjectPropCode]any
	allLoaded bool
}

// Cache is a concurrency-safe handle -> property cache. The storage
// factory owns one process-wide instance (spec.md §4.4). Alongside the
// per-handle values it records which parent directories have already
// been mass-queried, so repeat child-property requests skip the bulk
// fetch (spec.md §4.3 "Property queries").
type Cache struct {
	mu          sync.RWMutex
	entries     map[uint32]*entry
	massQueried map[uint32]bool
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries:     make(map[uint32]*entry),
		massQueried: make(map[uint32]bool),
	}
}

// MarkMassQueried records that parent's children have been bulk-fetched.
func (c *Cache) MarkMassQueried(parent uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.massQueried[parent] = true
}

// IsMassQueried reports whether parent's children have already been
// bulk-fetched since the last invalidation.
func (c *Cache) IsMassQueried(parent uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.massQueried[parent]
}

// ClearMassQueried drops parent's marker, forcing the next child-
// property request to re-run the bulk fetch.
func (c *Cache) ClearMassQueried(parent uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.massQueried, parent)
}

// Get returns a cached property value for handle, reporting whether it
// was present.
func (c *Cache) Get(handle uint32, prop mtp.ObjectPropCode) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[handle]
	if !ok {
		return nil, false
	}
	v, ok := e.values[prop]
	return v, ok
}

// AllLoaded reports whether a mass query has already populated every
// property for handle, so a subsequent per-object query for a different
// property can be served from cache instead of re-querying storage.
func (c *Cache) AllLoaded(handle uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[handle]
	return ok && e.allLoaded
}

// Set stores a single property value for handle.
func (c *Cache) Set(handle uint32, prop mtp.ObjectPropCode, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[handle]
	if e == nil {
		e = &entry{values: make(map[mtp.ObjectPropCode]any)}
		c.entries[handle] = e
	}
	e.values[prop] = value
}

// SetAll stores a complete property set for handle, e.g. the result of
// a mass query across a parent's children, and marks it fully loaded.
func (c *Cache) SetAll(handle uint32, values map[mtp.ObjectPropCode]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[handle] = &entry{values: values, allLoaded: true}
}

// Invalidate drops every cached property for handle, e.g. on
// ObjectPropChanged or ObjectInfoChanged.
func (c *Cache) Invalidate(handle uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, handle)
}

// InvalidateProp drops a single cached property for handle without
// evicting the rest, and clears the all-loaded marker since the entry
// is no longer complete.
func (c *Cache) InvalidateProp(handle uint32, prop mtp.ObjectPropCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[handle]
	if !ok {
		return
	}
	delete(e.values, prop)
	e.allLoaded = false
}

// Remove evicts handle entirely, e.g. on ObjectRemoved.
func (c *Cache) Remove(handle uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, handle)
}

// Len reports the number of cached handles, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
