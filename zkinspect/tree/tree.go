// Package tree answers the structural questions a hierarchical view asks,
// using only the node cache. Nodes are derived from paths and carry no
// links, so a cache refresh never leaves a dangling parent pointer.
package tree

import (
	"context"

	internal "github.com/ZanzyTHEbar/zk-inspector/zkinspect"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/cache"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/store"

	"github.com/rs/zerolog"
)

// Node is a presentation node. Two nodes are equal when their paths are
// equal, which also makes their ancestor chains equal.
type Node struct {
	path string
}

// NodeFor returns the node for an absolute path.
func NodeFor(path string) (Node, error) {
	if err := store.ValidatePath(path); err != nil {
		return Node{}, err
	}
	return Node{path: path}, nil
}

func (n Node) Path() string { return n.path }
func (n Node) Name() string { return store.BaseName(n.path) }
func (n Node) IsRoot() bool { return n.path == store.Root }
func (n Node) Depth() int { return store.Depth(n.path) }
func (n Node) IsZero() bool { return n.path == "" }
func (n Node) String() string { return n.path }

// Key is a stable identity usable as a map key by view code.
func (n Node) Key() string { return n.path }

// Parent returns the parent node; ok is false for the root.
func (n Node) Parent() (Node, bool) {
	p := store.ParentPath(n.path)
	if p == "" {
		return Node{}, false
	}
	return Node{path: p}, true
}

// Ancestors returns the chain from the root down to the parent of n.
func (n Node) Ancestors() []Node {
	var chain []Node
	for p, ok := n.Parent(); ok; p, ok = p.Parent() {
		chain = append([]Node{p}, chain...)
	}
	return chain
}

// Child returns the node for a direct child name.
func (n Node) Child(name string) Node {
	return Node{path: store.JoinPath(n.path, name)}
}

// Adapter serves structure queries from a NodeCache.
type Adapter struct {
	cache *cache.NodeCache
	store store.Store
	log   zerolog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) { a.log = logger }
}

// New returns an adapter over c. s is only consulted by AllowsChildren.
func New(c *cache.NodeCache, s store.Store, opts ...Option) *Adapter {
	a := &Adapter{cache: c, store: s, log: internal.GetLogger()}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With().Str("component", "tree").Logger()
	return a
}

func (a *Adapter) Root() Node { return Node{path: store.Root} }

// NodeAt is NodeFor bound to the adapter for symmetry with view code.
func (a *Adapter) NodeAt(path string) (Node, error) { return NodeFor(path) }

// ChildCount returns the cached number of children, 0 if never fetched.
func (a *Adapter) ChildCount(n Node) int { return a.cache.ChildCount(n.path) }

// ChildAt returns the child at index in lexicographic order.
func (a *Adapter) ChildAt(n Node, index int) (Node, bool) {
	name, ok := a.cache.ChildAt(n.path, index)
	if !ok {
		return Node{}, false
	}
	return n.Child(name), true
}

// Children returns every cached child in lexicographic order.
func (a *Adapter) Children(n Node) []Node {
	names := a.cache.Children(n.path)
	out := make([]Node, len(names))
	for i, name := range names {
		out[i] = n.Child(name)
	}
	return out
}

// IsLeaf reports whether n has no cached children. A never-fetched node is a
// leaf until it is refreshed.
func (a *Adapter) IsLeaf(n Node) bool { return a.cache.ChildCount(n.path) == 0 }

// IndexOf returns the position of n under its parent, or -1.
func (a *Adapter) IndexOf(n Node) int {
	parent, ok := n.Parent()
	if !ok {
		return -1
	}
	return a.cache.IndexOf(parent.path, n.Name())
}

// State reports whether n is populated, stale-removed or unknown.
func (a *Adapter) State(n Node) cache.State { return a.cache.State(n.path) }

// Known reports whether n is still reachable through cached listings from
// the root. A view drops rows that are not.
func (a *Adapter) Known(n Node) bool {
	if n.IsRoot() {
		return true
	}
	for cur := n; !cur.IsRoot(); {
		parent, _ := cur.Parent()
		if a.cache.IndexOf(parent.path, cur.Name()) < 0 {
			return false
		}
		cur = parent
	}
	return true
}

// AllowsChildren asks the service whether n may hold children, which is
// false for ephemeral nodes. Any failure answers false.
func (a *Adapter) AllowsChildren(ctx context.Context, n Node) bool {
	if a.store == nil {
		return false
	}
	ok, stat, err := a.store.Exists(ctx, n.path)
	if err != nil {
		a.log.Debug().Err(err).Str("path", n.path).Msg("allows children lookup failed")
		return false
	}
	return ok && !stat.IsEphemeral()
}

// Walk visits n and its cached descendants depth first in display order,
// stopping below maxDepth levels (negative means unlimited). Returning false
// from fn skips the node's children.
func (a *Adapter) Walk(n Node, maxDepth int, fn func(n Node, depth int) bool) {
	a.walk(n, 0, maxDepth, fn)
}

func (a *Adapter) walk(n Node, depth, maxDepth int, fn func(Node, int) bool) {
	if !fn(n, depth) {
		return
	}
	if maxDepth >= 0 && depth >= maxDepth {
		return
	}
	for _, child := range a.Children(n) {
		a.walk(child, depth+1, maxDepth, fn)
	}
}
