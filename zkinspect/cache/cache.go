// Package cache holds the last-known child listing of every path the
// inspector has refreshed. It is a pure local structure: nothing here talks
// to the coordination service.
package cache

import (
	"sort"
	"strings"
	"sync"

	internal "github.com/ZanzyTHEbar/zk-inspector/zkinspect"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/metrics"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/store"

	"github.com/armon/go-radix"
	"github.com/rs/zerolog"
)

// State classifies a path from the cache's point of view.
type State int

const (
	// StateUnknown means the path was never populated.
	StateUnknown State = iota
	// StatePopulated means a child listing is cached for the path.
	StatePopulated
	// StateStaleRemoved means the path or one of its ancestors was evicted
	// while its parent still listed it, and has not been repopulated since.
	StateStaleRemoved
)

func (s State) String() string {
	switch s {
	case StatePopulated:
		return "populated"
	case StateStaleRemoved:
		return "stale-removed"
	default:
		return "unknown"
	}
}

// entry is immutable once stored; a refresh replaces it wholesale.
type entry struct {
	names  map[string]struct{}
	stat   *store.Stat
	once   sync.Once
	sorted []string
}

func newEntry(children []string, stat *store.Stat) *entry {
	names := make(map[string]struct{}, len(children))
	for _, c := range children {
		names[c] = struct{}{}
	}
	var st *store.Stat
	if stat != nil {
		cp := *stat
		st = &cp
	}
	return &entry{names: names, stat: st}
}

// view returns the children in lexicographic order. The slice is shared.
func (e *entry) view() []string {
	e.once.Do(func() {
		e.sorted = make([]string, 0, len(e.names))
		for name := range e.names {
			e.sorted = append(e.sorted, name)
		}
		sort.Strings(e.sorted)
	})
	return e.sorted
}

// Stats tracks cache activity.
type Stats struct {
	Entries    int64
	Hits       int64
	Misses     int64
	Puts       int64
	Evictions  int64
	// Tombstones is the number of evicted paths remembered for State.
	Tombstones int64
}

// NodeCache maps absolute paths to their cached child sets using a radix tree
// so that subtree eviction is a prefix walk.
type NodeCache struct {
	mu         sync.RWMutex
	tree       *radix.Tree // path -> *entry
	tombstones *radix.Tree // evicted path -> struct{}
	stats      Stats
	statsMu    sync.Mutex
	log        zerolog.Logger
}

// Option configures a NodeCache.
type Option func(*NodeCache)

// WithLogger sets the logger used for miss diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *NodeCache) { c.log = logger }
}

// New returns an empty cache.
func New(opts ...Option) *NodeCache {
	c := &NodeCache{
		tree:       radix.New(),
		tombstones: radix.New(),
		log:        internal.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "cache").Logger()
	return c
}

func (c *NodeCache) lookup(path string) (*entry, bool) {
	c.mu.RLock()
	v, ok := c.tree.Get(path)
	c.mu.RUnlock()

	c.statsMu.Lock()
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.statsMu.Unlock()

	if !ok {
		metrics.RecordCacheMiss()
		c.log.Debug().Str("path", path).Msg("cache miss")
		return nil, false
	}
	return v.(*entry), true
}

// Get returns a sorted copy of the cached children of path. ok is false when
// the path was never populated, which callers that care can tell apart from
// a populated path with no children.
func (c *NodeCache) Get(path string) (children []string, ok bool) {
	e, ok := c.lookup(path)
	if !ok {
		return nil, false
	}
	view := e.view()
	out := make([]string, len(view))
	copy(out, view)
	return out, true
}

// Children is Get with a miss collapsed to an empty listing.
func (c *NodeCache) Children(path string) []string {
	children, ok := c.Get(path)
	if !ok {
		return []string{}
	}
	return children
}

// ChildCount returns the number of cached children, 0 on a miss.
func (c *NodeCache) ChildCount(path string) int {
	e, ok := c.lookup(path)
	if !ok {
		return 0
	}
	return len(e.names)
}

// ChildAt returns the child name at index in sorted order.
func (c *NodeCache) ChildAt(path string, index int) (string, bool) {
	e, ok := c.lookup(path)
	if !ok {
		return "", false
	}
	view := e.view()
	if index < 0 || index >= len(view) {
		return "", false
	}
	return view[index], true
}

// IndexOf returns the sorted position of name under path, or -1.
func (c *NodeCache) IndexOf(path, name string) int {
	e, ok := c.lookup(path)
	if !ok {
		return -1
	}
	view := e.view()
	i := sort.SearchStrings(view, name)
	if i < len(view) && view[i] == name {
		return i
	}
	return -1
}

// Has reports whether path is populated without counting a miss.
func (c *NodeCache) Has(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tree.Get(path)
	return ok
}

// Stat returns the node metadata captured with the last listing.
func (c *NodeCache) Stat(path string) (*store.Stat, bool) {
	c.mu.RLock()
	v, ok := c.tree.Get(path)
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	st := v.(*entry).stat
	if st == nil {
		return nil, true
	}
	cp := *st
	return &cp, true
}

// Put replaces the cached listing of path. Duplicate names collapse.
func (c *NodeCache) Put(path string, children []string, stat *store.Stat) {
	e := newEntry(children, stat)

	c.mu.Lock()
	_, updated := c.tree.Insert(path, e)
	c.tombstones.Delete(path)
	c.pruneTombstonesLocked(path, e)
	size := c.tree.Len()
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Puts++
	c.stats.Entries = int64(size)
	c.statsMu.Unlock()
	metrics.SetCacheEntries(size)

	c.log.Trace().
		Str("path", path).
		Int("children", len(e.names)).
		Bool("was_update", updated).
		Msg("cache put")
}

// Remove evicts a single path. Cached descendants are left alone.
func (c *NodeCache) Remove(path string) bool {
	c.mu.Lock()
	_, deleted := c.tree.Delete(path)
	if deleted && c.listedLocked(path) {
		c.tombstones.Insert(path, struct{}{})
	}
	size := c.tree.Len()
	c.mu.Unlock()

	c.recordEvictions(deleted, size)
	return deleted
}

// RemoveSubtree evicts path and every cached path beneath it. The match is
// segment aware: removing /a drops /a and /a/b but keeps /ab.
func (c *NodeCache) RemoveSubtree(path string) int {
	c.mu.Lock()
	var victims []string
	if path == store.Root {
		c.tree.Walk(func(key string, _ interface{}) bool {
			victims = append(victims, key)
			return false
		})
	} else {
		if _, ok := c.tree.Get(path); ok {
			victims = append(victims, path)
		}
		c.tree.WalkPrefix(path+"/", func(key string, _ interface{}) bool {
			victims = append(victims, key)
			return false
		})
	}
	var marked []string
	for _, key := range victims {
		if c.listedLocked(key) {
			marked = append(marked, key)
		}
	}
	if path == store.Root {
		c.tombstones = radix.New()
	} else {
		c.tombstones.Delete(path)
		c.tombstones.DeletePrefix(path + "/")
	}
	for _, key := range victims {
		c.tree.Delete(key)
	}
	for _, key := range marked {
		c.tombstones.Insert(key, struct{}{})
	}
	size := c.tree.Len()
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Evictions += int64(len(victims))
	c.stats.Entries = int64(size)
	c.statsMu.Unlock()
	metrics.SetCacheEntries(size)

	c.log.Debug().
		Str("path", path).
		Int("evicted", len(victims)).
		Msg("cache subtree removed")
	return len(victims)
}

// listedLocked reports whether the cached parent of path lists it, which is
// what makes an evicted path a visible stale row. The root always counts.
func (c *NodeCache) listedLocked(path string) bool {
	if path == store.Root {
		return true
	}
	v, ok := c.tree.Get(store.ParentPath(path))
	if !ok {
		return false
	}
	_, listed := v.(*entry).names[store.BaseName(path)]
	return listed
}

// pruneTombstonesLocked forgets evicted descendants of path whose top
// segment the fresh listing e no longer names.
func (c *NodeCache) pruneTombstonesLocked(path string, e *entry) {
	prefix := path + "/"
	if path == store.Root {
		prefix = store.Root
	}
	var gone []string
	c.tombstones.WalkPrefix(prefix, func(key string, _ interface{}) bool {
		rest := strings.TrimPrefix(key, prefix)
		if rest == "" {
			return false
		}
		name, _, _ := strings.Cut(rest, "/")
		if _, ok := e.names[name]; !ok {
			gone = append(gone, key)
		}
		return false
	})
	for _, key := range gone {
		c.tombstones.Delete(key)
	}
}

func (c *NodeCache) recordEvictions(deleted bool, size int) {
	c.statsMu.Lock()
	if deleted {
		c.stats.Evictions++
	}
	c.stats.Entries = int64(size)
	c.statsMu.Unlock()
	metrics.SetCacheEntries(size)
}

// State reports whether path is populated, was evicted (directly or through
// an ancestor) since it was last populated, or was never seen.
func (c *NodeCache) State(path string) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.tree.Get(path); ok {
		return StatePopulated
	}
	for p := path; p != ""; p = store.ParentPath(p) {
		if _, ok := c.tombstones.Get(p); ok {
			return StateStaleRemoved
		}
	}
	return StateUnknown
}

// Len returns the number of cached paths.
func (c *NodeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Len()
}

// Paths returns every cached path in lexicographic order.
func (c *NodeCache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, c.tree.Len())
	c.tree.Walk(func(key string, _ interface{}) bool {
		out = append(out, key)
		return false
	})
	return out
}

// Clear drops every entry and tombstone.
func (c *NodeCache) Clear() {
	c.mu.Lock()
	c.tree = radix.New()
	c.tombstones = radix.New()
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Entries = 0
	c.statsMu.Unlock()
	metrics.SetCacheEntries(0)
}

// Stats returns a snapshot of the cache counters.
func (c *NodeCache) Stats() Stats {
	c.mu.RLock()
	tombstones := int64(c.tombstones.Len())
	c.mu.RUnlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := c.stats
	s.Tombstones = tombstones
	return s
}
