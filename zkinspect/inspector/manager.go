// Package inspector ties the cache, refresh engine, tree adapter and watch
// registry into one session object with a non-blocking, UI-facing API.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	internal "github.com/ZanzyTHEbar/zk-inspector/zkinspect"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/cache"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/config"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/refresh"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/store"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/tree"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/watch"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var (
	// ErrNotConnected is returned when the manager is used outside Connect/Disconnect.
	ErrNotConnected = fmt.Errorf("inspector not connected: %w", store.ErrConnection)
	// ErrQueueFull is returned when background work cannot be queued.
	ErrQueueFull = errors.New("inspector: background queue full")
	// ErrNoView is returned by operations that need row information from a View.
	ErrNoView = errors.New("inspector: no view attached")
)

// View is implemented by the presentation layer. VisibleRows and
// ExpandedRows are read on the calling goroutine when a UI operation starts;
// Rebuild and ConnectionLost are called from background workers and must
// marshal onto the UI thread themselves.
type View interface {
	VisibleRows() []string
	ExpandedRows() []string
	// Rebuild reconstructs the tree from the cache and restores expansion.
	// Expand requests raised for expanded rows during Rebuild are suppressed.
	Rebuild()
	ConnectionLost(err error)
}

// OnComplete receives the outcome of a background operation.
type OnComplete func(err error)

// Manager is one inspector session against a Store.
type Manager struct {
	id    uuid.UUID
	store store.Store
	view  View
	log   zerolog.Logger

	refreshWorkers  int
	initialDepth    int
	expandDepth     int
	skipPatterns    []string
	dispatchWorkers int
	queueCapacity   int
	refreshOnEvent  bool

	mu   sync.RWMutex
	sess *session

	suppressMu sync.Mutex
	suppressed map[string]int
}

type session struct {
	cache    *cache.NodeCache
	engine   *refresh.Engine
	tree     *tree.Adapter
	watches  *watch.Registry
	dispatch *dispatcher

	autoMu      sync.Mutex
	autoRefresh map[string]uuid.UUID
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.log = logger }
}

// WithView attaches the presentation layer.
func WithView(v View) Option {
	return func(m *Manager) { m.view = v }
}

// WithRefreshWorkers bounds the fan-out of each refresh level.
func WithRefreshWorkers(n int) Option {
	return func(m *Manager) { m.refreshWorkers = n }
}

// WithDepths sets the depth of the initial refresh and of expand refreshes.
func WithDepths(initial, expand int) Option {
	return func(m *Manager) {
		m.initialDepth = initial
		m.expandDepth = expand
	}
}

// WithSkipPatterns sets the no-descend patterns of the refresh engine.
func WithSkipPatterns(patterns ...string) Option {
	return func(m *Manager) { m.skipPatterns = append([]string(nil), patterns...) }
}

// WithDispatch sizes the background worker pool and its queue.
func WithDispatch(workers, capacity int) Option {
	return func(m *Manager) {
		m.dispatchWorkers = workers
		m.queueCapacity = capacity
	}
}

// WithRefreshOnEvent makes every watch event refresh the affected listing.
func WithRefreshOnEvent(enabled bool) Option {
	return func(m *Manager) { m.refreshOnEvent = enabled }
}

// WithConfig applies the refresh, dispatch and watch sections of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(m *Manager) {
		if cfg == nil {
			return
		}
		m.refreshWorkers = cfg.Refresh.Workers
		m.initialDepth = cfg.Refresh.InitialDepth
		m.expandDepth = cfg.Refresh.ExpandDepth
		m.skipPatterns = append([]string(nil), cfg.Refresh.SkipPatterns...)
		m.dispatchWorkers = cfg.Dispatch.Workers
		m.queueCapacity = cfg.Dispatch.QueueCapacity
		m.refreshOnEvent = cfg.Watch.RefreshOnEvent
	}
}

// NewManager returns a disconnected session over s.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		id:              uuid.New(),
		store:           s,
		log:             internal.GetLogger(),
		refreshWorkers:  internal.DefaultRefreshWorkers,
		initialDepth:    internal.DefaultInitialDepth,
		expandDepth:     internal.DefaultExpandDepth,
		dispatchWorkers: internal.DefaultDispatchWorkers,
		queueCapacity:   internal.DefaultDispatchQueueSize,
		refreshOnEvent:  internal.DefaultWatchRefreshOnEvent,
		suppressed:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dispatchWorkers <= 0 {
		m.dispatchWorkers = internal.DefaultDispatchWorkers
	}
	if m.queueCapacity <= 0 {
		m.queueCapacity = internal.DefaultDispatchQueueSize
	}
	m.log = m.log.With().Str("component", "inspector").Str("session", m.id.String()).Logger()
	return m
}

// ID identifies the session in logs.
func (m *Manager) ID() uuid.UUID { return m.id }

// Connect builds the session and loads the root and its children.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.RLock()
	already := m.sess != nil
	m.mu.RUnlock()
	if already {
		return nil
	}

	c := cache.New(cache.WithLogger(m.log))
	engine := refresh.New(m.store, c,
		refresh.WithLogger(m.log),
		refresh.WithWorkers(m.refreshWorkers),
		refresh.WithSkipPatterns(m.skipPatterns...))
	s := &session{
		cache:       c,
		engine:      engine,
		tree:        tree.New(c, m.store, tree.WithLogger(m.log)),
		watches:     watch.NewRegistry(m.store, watch.WithLogger(m.log)),
		dispatch:    newDispatcher(m.dispatchWorkers, m.queueCapacity, m.log),
		autoRefresh: make(map[string]uuid.UUID),
	}

	if err := s.engine.Refresh(ctx, []string{store.Root}, m.initialDepth); err != nil {
		s.close()
		m.log.Error().Err(err).Msg("initial refresh failed")
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		s.close()
		return nil
	}
	m.sess = s
	m.mu.Unlock()

	m.log.Info().Int("cached", c.Len()).Msg("connected")
	return nil
}

// Disconnect drains background work, stops every watch, discards the cache
// and closes the store.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	s.close()
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	m.log.Info().Msg("disconnected")
	return nil
}

// close drains background work before stopping watches so no job can
// register a watch on a closed registry.
func (s *session) close() {
	s.dispatch.Close()
	s.watches.Close()
	s.cache.Clear()
}

// Connected reports whether Connect succeeded and Disconnect was not called.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess != nil
}

func (m *Manager) session() (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sess == nil {
		return nil, ErrNotConnected
	}
	return m.sess, nil
}

// submit queues fn and reports its outcome to done.
func (m *Manager) submit(op string, fn func(ctx context.Context, s *session) error, done OnComplete) error {
	s, err := m.session()
	if err != nil {
		return err
	}
	return s.dispatch.Submit(func(ctx context.Context) {
		err := fn(ctx, s)
		if err != nil {
			m.log.Warn().Err(err).Str("op", op).Msg("background operation failed")
			m.reportConnection(err)
		}
		if done != nil {
			done(err)
		}
	})
}

func (m *Manager) reportConnection(err error) {
	if !errors.Is(err, store.ErrConnection) || errors.Is(err, context.Canceled) {
		return
	}
	m.log.Error().Err(err).Msg("connection to store lost")
	if m.view != nil {
		m.view.ConnectionLost(err)
	}
}

func (m *Manager) suppress(paths []string) {
	m.suppressMu.Lock()
	for _, p := range paths {
		m.suppressed[p]++
	}
	m.suppressMu.Unlock()
}

func (m *Manager) unsuppress(paths []string) {
	m.suppressMu.Lock()
	for _, p := range paths {
		if m.suppressed[p] <= 1 {
			delete(m.suppressed, p)
		} else {
			m.suppressed[p]--
		}
	}
	m.suppressMu.Unlock()
}

func (m *Manager) isSuppressed(path string) bool {
	m.suppressMu.Lock()
	defer m.suppressMu.Unlock()
	return m.suppressed[path] > 0
}

// rebuild asks the view to redraw with expansion events for expanded
// suppressed until it returns.
func (m *Manager) rebuild(expanded []string) {
	if m.view == nil {
		return
	}
	m.suppress(expanded)
	defer m.unsuppress(expanded)
	m.view.Rebuild()
}

// RefreshVisible re-fetches every visible row at depth 0 and rebuilds.
func (m *Manager) RefreshVisible(done OnComplete) error {
	if m.view == nil {
		return ErrNoView
	}
	rows := m.view.VisibleRows()
	expanded := m.view.ExpandedRows()
	return m.submit("refresh visible", func(ctx context.Context, s *session) error {
		if err := s.engine.Refresh(ctx, rows, 0); err != nil {
			return err
		}
		m.rebuild(expanded)
		return nil
	}, done)
}

// RefreshOnExpand refreshes path to the expand depth. Expansions replayed
// by a rebuild are skipped when the path is already cached.
func (m *Manager) RefreshOnExpand(path string, done OnComplete) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	s, err := m.session()
	if err != nil {
		return err
	}
	if m.isSuppressed(path) && s.cache.Has(path) {
		m.log.Trace().Str("path", path).Msg("expand suppressed during rebuild")
		if done != nil {
			done(nil)
		}
		return nil
	}
	return m.submit("expand", func(ctx context.Context, s *session) error {
		return s.engine.Refresh(ctx, []string{path}, m.expandDepth)
	}, done)
}

// RefreshAfterCreate refreshes parent and the new path beneath it.
func (m *Manager) RefreshAfterCreate(parent, name string, done OnComplete) error {
	parent, chain, err := createdChain(parent, name)
	if err != nil {
		return err
	}
	expanded := m.expandedRows()
	return m.submit("refresh after create", func(ctx context.Context, s *session) error {
		if err := m.afterCreate(ctx, s, parent, chain); err != nil {
			return err
		}
		m.rebuild(expanded)
		return nil
	}, done)
}

func createdChain(parent, name string) (string, []string, error) {
	if parent == "" {
		parent = store.Root
	}
	if err := store.ValidatePath(parent); err != nil {
		return "", nil, err
	}
	segs, err := store.SplitRelative(name)
	if err != nil {
		return "", nil, err
	}
	chain := make([]string, 0, len(segs))
	cur := parent
	for _, seg := range segs {
		cur = store.JoinPath(cur, seg)
		chain = append(chain, cur)
	}
	return parent, chain, nil
}

func (m *Manager) afterCreate(ctx context.Context, s *session, parent string, chain []string) error {
	if err := s.engine.Refresh(ctx, []string{parent}, 0); err != nil {
		return err
	}
	return s.engine.Refresh(ctx, chain, 0)
}

// RefreshAfterDelete evicts each deleted subtree and refreshes its parent.
func (m *Manager) RefreshAfterDelete(paths []string, done OnComplete) error {
	for _, p := range paths {
		if err := store.ValidatePath(p); err != nil {
			return err
		}
	}
	expanded := survivors(m.expandedRows(), paths)
	return m.submit("refresh after delete", func(ctx context.Context, s *session) error {
		if err := m.afterDelete(ctx, s, paths); err != nil {
			return err
		}
		m.rebuild(expanded)
		return nil
	}, done)
}

func (m *Manager) afterDelete(ctx context.Context, s *session, paths []string) error {
	parents := make([]string, 0, len(paths))
	for _, p := range paths {
		s.cache.RemoveSubtree(p)
		if parent := store.ParentPath(p); parent != "" {
			parents = append(parents, parent)
		}
	}
	return s.engine.Refresh(ctx, parents, 0)
}

func (m *Manager) expandedRows() []string {
	if m.view == nil {
		return nil
	}
	return m.view.ExpandedRows()
}

// survivors drops rows that lie inside any deleted subtree.
func survivors(rows, deleted []string) []string {
	out := rows[:0:0]
	for _, r := range rows {
		gone := false
		for _, d := range deleted {
			if store.IsAncestorOrSelf(d, r) {
				gone = true
				break
			}
		}
		if !gone {
			out = append(out, r)
		}
	}
	return out
}

// RefreshSubtree refreshes path to depth on the calling goroutine. UI code
// should prefer the asynchronous variants.
func (m *Manager) RefreshSubtree(ctx context.Context, path string, depth int) error {
	s, err := m.session()
	if err != nil {
		return err
	}
	return s.engine.Refresh(ctx, []string{path}, depth)
}

// AddWatch subscribes listener to each path in the background.
func (m *Manager) AddWatch(paths []string, listener watch.Listener, done OnComplete) error {
	for _, p := range paths {
		if err := store.ValidatePath(p); err != nil {
			return err
		}
	}
	if listener == nil {
		return watch.ErrNilListener
	}
	return m.submit("add watch", func(ctx context.Context, s *session) error {
		var errs error
		for _, p := range paths {
			if _, err := s.watches.AddWatch(ctx, p, listener); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if m.refreshOnEvent {
				if err := m.ensureAutoRefresh(ctx, s, p); err != nil {
					errs = multierr.Append(errs, err)
				}
			}
		}
		return errs
	}, done)
}

// ensureAutoRefresh attaches the refreshing listener to path once. The
// registry call may re-arm a dormant watch, so it runs outside autoMu.
func (m *Manager) ensureAutoRefresh(ctx context.Context, s *session, path string) error {
	s.autoMu.Lock()
	_, ok := s.autoRefresh[path]
	s.autoMu.Unlock()
	if ok {
		return nil
	}

	id, err := s.watches.AddWatch(ctx, path, watch.ListenerFunc(func(ev watch.Event) {
		m.refreshForEvent(s, ev)
	}))
	if err != nil {
		return err
	}

	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	if _, ok := s.watches.Subscription(path); !ok {
		// removed while we were attaching
		return nil
	}
	if _, ok := s.autoRefresh[path]; ok {
		s.watches.RemoveListener(path, id)
		return nil
	}
	s.autoRefresh[path] = id
	return nil
}

func (m *Manager) refreshForEvent(s *session, ev watch.Event) {
	target := ev.Path
	switch ev.Type {
	case store.EventNotWatching:
		return
	case store.EventNodeDeleted:
		s.cache.RemoveSubtree(ev.Path)
		target = store.ParentPath(ev.Path)
	}
	if target == "" {
		target = store.Root
	}
	err := s.dispatch.Submit(func(ctx context.Context) {
		if err := s.engine.Refresh(ctx, []string{target}, 0); err != nil {
			m.log.Warn().Err(err).Str("path", target).Msg("watch refresh failed")
			m.reportConnection(err)
			return
		}
		m.rebuild(m.expandedRows())
	})
	if err != nil {
		m.log.Warn().Err(err).Str("path", target).Msg("watch refresh not scheduled")
	}
}

// RemoveWatch stops the subscriptions on paths. It does no I/O.
func (m *Manager) RemoveWatch(paths []string) {
	s, err := m.session()
	if err != nil {
		return
	}
	s.autoMu.Lock()
	for _, p := range paths {
		s.watches.RemoveWatch(p)
		delete(s.autoRefresh, p)
	}
	s.autoMu.Unlock()
}

// Watched lists the watched paths.
func (m *Manager) Watched() []string {
	s, err := m.session()
	if err != nil {
		return nil
	}
	return s.watches.Watched()
}

// Tree returns the structure adapter of the live session.
func (m *Manager) Tree() (*tree.Adapter, error) {
	s, err := m.session()
	if err != nil {
		return nil, err
	}
	return s.tree, nil
}

// ChildCount answers from the cache; 0 when disconnected or unknown.
func (m *Manager) ChildCount(path string) int {
	s, n, ok := m.node(path)
	if !ok {
		return 0
	}
	return s.tree.ChildCount(n)
}

// ChildAt returns the child of path at index in display order.
func (m *Manager) ChildAt(path string, index int) (tree.Node, bool) {
	s, n, ok := m.node(path)
	if !ok {
		return tree.Node{}, false
	}
	return s.tree.ChildAt(n, index)
}

// IsLeaf reports whether path has no cached children.
func (m *Manager) IsLeaf(path string) bool {
	s, n, ok := m.node(path)
	if !ok {
		return true
	}
	return s.tree.IsLeaf(n)
}

// Children returns the cached children of path in display order.
func (m *Manager) Children(path string) []tree.Node {
	s, n, ok := m.node(path)
	if !ok {
		return nil
	}
	return s.tree.Children(n)
}

func (m *Manager) node(path string) (*session, tree.Node, bool) {
	s, err := m.session()
	if err != nil {
		return nil, tree.Node{}, false
	}
	n, err := tree.NodeFor(path)
	if err != nil {
		return nil, tree.Node{}, false
	}
	return s, n, true
}

// GetData fetches the payload of path in the background.
func (m *Manager) GetData(path string, done func(data []byte, st *store.Stat, err error)) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	var (
		data []byte
		st   *store.Stat
	)
	return m.submit("get data", func(ctx context.Context, _ *session) error {
		var err error
		data, st, err = m.store.GetData(ctx, path)
		return err
	}, func(err error) {
		if done != nil {
			done(data, st, err)
		}
	})
}

// SetData writes the payload of path if its version still matches.
func (m *Manager) SetData(path string, data []byte, version int32, done func(st *store.Stat, err error)) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	var st *store.Stat
	return m.submit("set data", func(ctx context.Context, _ *session) error {
		var err error
		st, err = m.store.SetData(ctx, path, payload, version)
		return err
	}, func(err error) {
		if done != nil {
			done(st, err)
		}
	})
}

// CreateNode creates name (which may span several segments) beneath parent
// and refreshes the affected listings.
func (m *Manager) CreateNode(parent, name string, done OnComplete) error {
	parent, chain, err := createdChain(parent, name)
	if err != nil {
		return err
	}
	expanded := m.expandedRows()
	return m.submit("create node", func(ctx context.Context, s *session) error {
		created, err := store.CreateRecursive(ctx, m.store, parent, name)
		if err != nil {
			return err
		}
		m.log.Debug().Strs("created", created).Msg("nodes created")
		if err := m.afterCreate(ctx, s, parent, chain); err != nil {
			return err
		}
		m.rebuild(expanded)
		return nil
	}, done)
}

// DeleteNode removes each path and its subtree, then syncs the cache. Every
// failing path is reported in the aggregated error.
func (m *Manager) DeleteNode(paths []string, done OnComplete) error {
	for _, p := range paths {
		if err := store.ValidatePath(p); err != nil {
			return err
		}
	}
	expanded := survivors(m.expandedRows(), paths)
	return m.submit("delete node", func(ctx context.Context, s *session) error {
		var errs error
		for _, p := range paths {
			errs = multierr.Append(errs, store.DeleteRecursive(ctx, m.store, p))
		}
		if err := m.afterDelete(ctx, s, paths); err != nil {
			errs = multierr.Append(errs, err)
		}
		m.rebuild(expanded)
		return errs
	}, done)
}

// NodeMeta fetches and formats the stat of path.
func (m *Manager) NodeMeta(path string, done func(meta []MetaField, err error)) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	var meta []MetaField
	return m.submit("node meta", func(ctx context.Context, _ *session) error {
		ok, st, err := m.store.Exists(ctx, path)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("node meta %s: %w", path, store.ErrNotFound)
		}
		meta = FormatStat(st)
		return nil
	}, func(err error) {
		if done != nil {
			done(meta, err)
		}
	})
}

// NodeACLs fetches and formats the ACL of path.
func (m *Manager) NodeACLs(path string, done func(acls []ACLInfo, err error)) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	var acls []ACLInfo
	return m.submit("node acls", func(ctx context.Context, _ *session) error {
		raw, _, err := m.store.GetACL(ctx, path)
		if err != nil {
			return err
		}
		acls = FormatACLs(raw)
		return nil
	}, func(err error) {
		if done != nil {
			done(acls, err)
		}
	})
}

// SessionMeta describes the store session without a round trip. It is empty
// when the store does not report session details.
func (m *Manager) SessionMeta() []MetaField {
	sr, ok := m.store.(store.SessionReporter)
	if !ok {
		return nil
	}
	return []MetaField{
		{MetaSessionID, hex(sr.SessionID())},
		{MetaSessionState, sr.State()},
		{MetaConnectString, strings.Join(sr.Servers(), ",")},
		{MetaSessionTimeout, sr.SessionTimeout().String()},
	}
}
