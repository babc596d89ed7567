package inspector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/config"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/store"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/tree"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/watch"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeView struct {
	mu       sync.Mutex
	visible  []string
	expanded []string
	rebuilds atomic.Int32
	lost     atomic.Int32
	onBuild  func()
}

func (v *fakeView) VisibleRows() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.visible...)
}

func (v *fakeView) ExpandedRows() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.expanded...)
}

func (v *fakeView) Rebuild() {
	if v.onBuild != nil {
		v.onBuild()
	}
	v.rebuilds.Add(1)
}

func (v *fakeView) ConnectionLost(error) { v.lost.Add(1) }

func (v *fakeView) setRows(visible, expanded []string) {
	v.mu.Lock()
	v.visible, v.expanded = visible, expanded
	v.mu.Unlock()
}

// result collects the outcome of one background operation.
type result struct {
	ch chan error
}

func newResult() *result { return &result{ch: make(chan error, 1)} }

func (r *result) done(err error) { r.ch <- err }

func (r *result) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.ch:
		return err
	case <-time.After(waitFor):
		t.Fatal("operation did not complete")
		return nil
	}
}

type ManagerSuite struct {
	suite.Suite
	mem  *store.MemStore
	view *fakeView
	m    *Manager
}

func (s *ManagerSuite) SetupTest() {
	s.mem = store.NewMemStore()
	s.mem.MustCreate("/app/a", "/app/b", "/cfg")
	s.view = &fakeView{}
	s.m = NewManager(s.mem,
		WithLogger(zerolog.Nop()),
		WithView(s.view),
		WithRefreshOnEvent(false))
	s.Require().NoError(s.m.Connect(context.Background()))
}

func (s *ManagerSuite) TearDownTest() {
	_ = s.m.Disconnect()
}

func (s *ManagerSuite) TestConnectLoadsRootAndChildren() {
	s.True(s.m.Connected())
	s.Equal(2, s.m.ChildCount("/"))
	s.Equal(2, s.m.ChildCount("/app"), "initial depth 1 covers the root's children")
	s.True(s.m.IsLeaf("/app/a"))

	n, ok := s.m.ChildAt("/", 0)
	s.Require().True(ok)
	s.Equal("/app", n.Path())

	tr, err := s.m.Tree()
	s.Require().NoError(err)
	s.Equal("/", tr.Root().Path())
	s.Len(s.m.Children("/app"), 2)
}

func (s *ManagerSuite) TestConnectIsIdempotent() {
	s.NoError(s.m.Connect(context.Background()))
	s.True(s.m.Connected())
}

func (s *ManagerSuite) TestDisconnect() {
	s.Require().NoError(s.m.Disconnect())
	s.False(s.m.Connected())
	s.Equal(0, s.m.ChildCount("/"))
	s.True(s.m.IsLeaf("/"))
	s.Nil(s.m.Children("/"))

	err := s.m.RefreshOnExpand("/app", nil)
	s.ErrorIs(err, ErrNotConnected)
	s.ErrorIs(err, store.ErrConnection)

	_, err = s.m.Tree()
	s.ErrorIs(err, ErrNotConnected)
	s.NoError(s.m.Disconnect(), "second disconnect is a no-op")
}

func (s *ManagerSuite) TestRefreshVisiblePicksUpExternalChanges() {
	ctx := context.Background()
	s.Require().NoError(s.mem.Create(ctx, "/app/c", nil))
	s.view.setRows([]string{"/", "/app"}, []string{"/", "/app"})

	res := newResult()
	s.Require().NoError(s.m.RefreshVisible(res.done))
	s.Require().NoError(res.wait(s.T()))

	s.Equal(3, s.m.ChildCount("/app"))
	s.Equal(int32(1), s.view.rebuilds.Load())
}

func (s *ManagerSuite) TestRefreshOnExpand() {
	s.mem.MustCreate("/app/a/deep")
	s.Equal(0, s.m.ChildCount("/app/a"))

	res := newResult()
	s.Require().NoError(s.m.RefreshOnExpand("/app", res.done))
	s.Require().NoError(res.wait(s.T()))
	s.Equal(1, s.m.ChildCount("/app/a"), "expand depth 1 loads grandchildren")

	s.ErrorIs(s.m.RefreshOnExpand("app", nil), store.ErrMalformedPath)
}

func (s *ManagerSuite) TestExpandSuppressedDuringRebuild() {
	ctx := context.Background()
	s.view.setRows([]string{"/", "/app"}, []string{"/", "/app"})

	var suppressed atomic.Int32
	before := s.mem.Calls("ListChildren")
	s.view.onBuild = func() {
		// replayed expansion of an already cached row does no I/O
		res := newResult()
		if err := s.m.RefreshOnExpand("/app", res.done); err == nil && res.wait(s.T()) == nil {
			suppressed.Add(1)
		}
	}
	s.Require().NoError(s.mem.Create(ctx, "/cfg/x", nil))

	res := newResult()
	s.Require().NoError(s.m.RefreshVisible(res.done))
	s.Require().NoError(res.wait(s.T()))

	s.Equal(int32(1), suppressed.Load())
	s.Equal(before+2, s.mem.Calls("ListChildren"), "only the two visible rows were listed")
	s.view.onBuild = nil

	// outside a rebuild the same expansion fetches again
	res = newResult()
	s.Require().NoError(s.m.RefreshOnExpand("/app", res.done))
	s.Require().NoError(res.wait(s.T()))
	s.Greater(s.mem.Calls("ListChildren"), before+2)
}

func (s *ManagerSuite) TestCreateNodeRecursive() {
	res := newResult()
	s.Require().NoError(s.m.CreateNode("/app", "x/y", res.done))
	s.Require().NoError(res.wait(s.T()))

	ok, _, err := s.mem.Exists(context.Background(), "/app/x/y")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(3, s.m.ChildCount("/app"))
	s.Equal(1, s.m.ChildCount("/app/x"))
	s.GreaterOrEqual(s.view.rebuilds.Load(), int32(1))

	s.ErrorIs(s.m.CreateNode("/app", "", nil), store.ErrMalformedPath)
}

func (s *ManagerSuite) TestRefreshAfterCreateExternal() {
	s.Require().NoError(s.mem.Create(context.Background(), "/cfg/new", nil))

	res := newResult()
	s.Require().NoError(s.m.RefreshAfterCreate("/cfg", "new", res.done))
	s.Require().NoError(res.wait(s.T()))
	s.Equal(1, s.m.ChildCount("/cfg"))

	n, ok := s.m.ChildAt("/cfg", 0)
	s.Require().True(ok)
	s.Equal("new", n.Name())
}

func (s *ManagerSuite) TestDeleteNodeEvictsSubtree() {
	s.view.setRows([]string{"/", "/app", "/app/a"}, []string{"/", "/app", "/app/a"})

	res := newResult()
	s.Require().NoError(s.m.DeleteNode([]string{"/app"}, res.done))
	s.Require().NoError(res.wait(s.T()))

	ok, _, err := s.mem.Exists(context.Background(), "/app")
	s.Require().NoError(err)
	s.False(ok)
	s.Equal(1, s.m.ChildCount("/"))
	s.Equal(0, s.m.ChildCount("/app"))

	tr, err := s.m.Tree()
	s.Require().NoError(err)
	s.False(tr.Known(mustNode(s.T(), "/app/a")))
}

func (s *ManagerSuite) TestDeleteNodeAggregatesFailures() {
	s.mem.FailPath("/cfg", errors.New("boom"))

	res := newResult()
	s.Require().NoError(s.m.DeleteNode([]string{"/app/a", "/cfg"}, res.done))
	err := res.wait(s.T())
	s.Require().Error(err)

	ok, _, _ := s.mem.Exists(context.Background(), "/app/a")
	s.False(ok, "healthy paths are still deleted")
}

func (s *ManagerSuite) TestRefreshAfterDelete() {
	s.Require().NoError(s.mem.Delete(context.Background(), "/app/b", store.AnyVersion))

	res := newResult()
	s.Require().NoError(s.m.RefreshAfterDelete([]string{"/app/b"}, res.done))
	s.Require().NoError(res.wait(s.T()))
	s.Equal(1, s.m.ChildCount("/app"))
}

func (s *ManagerSuite) TestDataRoundTrip() {
	type got struct {
		st  *store.Stat
		err error
	}
	setDone := make(chan got, 1)
	s.Require().NoError(s.m.SetData("/cfg", []byte("hello"), store.AnyVersion, func(st *store.Stat, err error) {
		setDone <- got{st, err}
	}))
	out := <-setDone
	s.Require().NoError(out.err)
	s.Equal(int32(1), out.st.Version)

	dataDone := make(chan []byte, 1)
	s.Require().NoError(s.m.GetData("/cfg", func(data []byte, _ *store.Stat, err error) {
		s.NoError(err)
		dataDone <- data
	}))
	s.Equal("hello", string(<-dataDone))

	setDone = make(chan got, 1)
	s.Require().NoError(s.m.SetData("/cfg", []byte("stale"), 0, func(st *store.Stat, err error) {
		setDone <- got{st, err}
	}))
	s.ErrorIs((<-setDone).err, store.ErrConflict)
}

func (s *ManagerSuite) TestNodeMetaAndACLs() {
	metaDone := make(chan []MetaField, 1)
	s.Require().NoError(s.m.NodeMeta("/app", func(meta []MetaField, err error) {
		s.NoError(err)
		metaDone <- meta
	}))
	meta := <-metaDone
	s.Require().Len(meta, 11)
	s.Equal(MetaNumChildren, meta[8].Key)
	s.Equal("2", meta[8].Value)

	errDone := make(chan error, 1)
	s.Require().NoError(s.m.NodeMeta("/missing", func(_ []MetaField, err error) { errDone <- err }))
	s.ErrorIs(<-errDone, store.ErrNotFound)

	aclDone := make(chan []ACLInfo, 1)
	s.Require().NoError(s.m.NodeACLs("/app", func(acls []ACLInfo, err error) {
		s.NoError(err)
		aclDone <- acls
	}))
	acls := <-aclDone
	s.Require().Len(acls, 1)
	s.Equal("world", acls[0].Scheme)
	s.Equal("anyone", acls[0].ID)
}

func (s *ManagerSuite) TestSessionMeta() {
	meta := s.m.SessionMeta()
	s.Require().Len(meta, 4)
	s.Equal(MetaSessionState, meta[1].Key)
	s.Equal("CONNECTED", meta[1].Value)
	s.Equal("memory", meta[2].Value)
}

func (s *ManagerSuite) TestConnectionLostIsReported() {
	s.mem.SetConnected(false)

	res := newResult()
	s.Require().NoError(s.m.RefreshOnExpand("/app", res.done))
	err := res.wait(s.T())
	s.ErrorIs(err, store.ErrConnection)
	s.Equal(int32(1), s.view.lost.Load())
	s.Equal(2, s.m.ChildCount("/app"), "cache is untouched by a failed refresh")
}

func (s *ManagerSuite) TestWatchForwardsEvents() {
	var seen atomic.Int32
	res := newResult()
	s.Require().NoError(s.m.AddWatch([]string{"/cfg"}, watch.ListenerFunc(func(ev watch.Event) {
		if ev.Path == "/cfg" {
			seen.Add(1)
		}
	}), res.done))
	s.Require().NoError(res.wait(s.T()))
	s.Equal([]string{"/cfg"}, s.m.Watched())

	s.Require().NoError(s.mem.Create(context.Background(), "/cfg/x", nil))
	s.Eventually(func() bool { return seen.Load() == 1 }, waitFor, tick)

	s.m.RemoveWatch([]string{"/cfg"})
	s.Empty(s.m.Watched())

	s.ErrorIs(s.m.AddWatch([]string{"/cfg"}, nil, nil), watch.ErrNilListener)
}

func mustNode(t *testing.T, path string) tree.Node {
	t.Helper()
	n, err := tree.NodeFor(path)
	require.NoError(t, err)
	return n
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func TestWatchDrivenRefresh(t *testing.T) {
	mem := store.NewMemStore()
	mem.MustCreate("/svc/one")
	view := &fakeView{}
	m := NewManager(mem, WithLogger(zerolog.Nop()), WithView(view), WithRefreshOnEvent(true))
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Disconnect() })

	res := newResult()
	require.NoError(t, m.AddWatch([]string{"/svc"}, watch.ListenerFunc(func(watch.Event) {}), res.done))
	require.NoError(t, res.wait(t))

	require.NoError(t, mem.Create(context.Background(), "/svc/two", nil))
	require.Eventually(t, func() bool { return m.ChildCount("/svc") == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return view.rebuilds.Load() >= 1 }, waitFor, tick)

	// a second watch on the same path does not add a second refresher
	res = newResult()
	require.NoError(t, m.AddWatch([]string{"/svc"}, watch.ListenerFunc(func(watch.Event) {}), res.done))
	require.NoError(t, res.wait(t))

	require.NoError(t, mem.Delete(context.Background(), "/svc/one", store.AnyVersion))
	require.Eventually(t, func() bool { return m.ChildCount("/svc") == 1 }, waitFor, tick)
}

func TestRefreshVisibleWithoutView(t *testing.T) {
	m := NewManager(store.NewMemStore(), WithLogger(zerolog.Nop()))
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Disconnect() })
	assert.ErrorIs(t, m.RefreshVisible(nil), ErrNoView)
}

func TestConnectFailure(t *testing.T) {
	mem := store.NewMemStore()
	mem.SetConnected(false)
	m := NewManager(mem, WithLogger(zerolog.Nop()))

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrConnection)
	assert.False(t, m.Connected())
}

func TestWithConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Refresh.InitialDepth = 2
	cfg.Refresh.SkipPatterns = []string{"/skip"}
	cfg.Dispatch.Workers = 2
	cfg.Watch.RefreshOnEvent = false

	mem := store.NewMemStore()
	mem.MustCreate("/a/b/c", "/skip/x/y")
	m := NewManager(mem, WithLogger(zerolog.Nop()), WithConfig(cfg))
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Disconnect() })

	assert.Equal(t, 1, m.ChildCount("/a/b"), "initial depth 2 reaches grandchildren")
	assert.Equal(t, 2, m.ChildCount("/"), "skipped paths stay listed")
	assert.Equal(t, 0, m.ChildCount("/skip"), "skipped paths are not descended")
	assert.False(t, m.refreshOnEvent)
}

func TestSurvivors(t *testing.T) {
	rows := []string{"/", "/a", "/a/b", "/ab", "/c"}
	assert.Equal(t, []string{"/", "/ab", "/c"}, survivors(rows, []string{"/a"}))
	assert.Equal(t, rows, survivors(rows, nil))
}

func TestCreatedChain(t *testing.T) {
	parent, chain, err := createdChain("", "x/y/z")
	require.NoError(t, err)
	assert.Equal(t, "/", parent)
	assert.Equal(t, []string{"/x", "/x/y", "/x/y/z"}, chain)

	_, _, err = createdChain("/p", "a//b")
	assert.ErrorIs(t, err, store.ErrMalformedPath)
}

// gatedStore blocks Subscribe while gated, to hold a watch re-arm in flight.
type gatedStore struct {
	*store.MemStore
	gated   atomic.Bool
	blocked chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Subscribe(ctx context.Context, path string) (<-chan store.Event, error) {
	if g.gated.Load() {
		g.once.Do(func() { close(g.blocked) })
		<-g.release
	}
	return g.MemStore.Subscribe(ctx, path)
}

func (g *gatedStore) Servers() []string { return []string{"zk1:2181", "zk2:2181"} }

func TestRemoveWatchDoesNotWaitForRearm(t *testing.T) {
	mem := store.NewMemStore()
	mem.MustCreate("/x")
	g := &gatedStore{MemStore: mem, blocked: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(g, WithLogger(zerolog.Nop()), WithRefreshOnEvent(true))
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Disconnect() })

	res := newResult()
	require.NoError(t, m.AddWatch([]string{"/x"}, watch.ListenerFunc(func(watch.Event) {}), res.done))
	require.NoError(t, res.wait(t))

	s, err := m.session()
	require.NoError(t, err)
	sub, ok := s.watches.Subscription("/x")
	require.True(t, ok)

	// leave the subscription dormant without its refreshing listener
	require.NoError(t, mem.Delete(context.Background(), "/x", store.AnyVersion))
	require.Eventually(t, func() bool { return !sub.Armed() }, waitFor, tick)
	s.autoMu.Lock()
	delete(s.autoRefresh, "/x")
	s.autoMu.Unlock()

	g.gated.Store(true)
	attached := make(chan error, 1)
	go func() { attached <- m.ensureAutoRefresh(context.Background(), s, "/x") }()
	<-g.blocked

	removed := make(chan struct{})
	go func() {
		m.RemoveWatch([]string{"/x"})
		close(removed)
	}()
	select {
	case <-removed:
	case <-time.After(waitFor):
		t.Fatal("RemoveWatch blocked on a re-arm in flight")
	}

	close(g.release)
	require.NoError(t, <-attached)
	assert.Empty(t, m.Watched())
	s.autoMu.Lock()
	_, tracked := s.autoRefresh["/x"]
	s.autoMu.Unlock()
	assert.False(t, tracked, "a listener attached to a removed watch is not tracked")
}

func TestSessionMetaJoinsServers(t *testing.T) {
	g := &gatedStore{MemStore: store.NewMemStore()}
	m := NewManager(g, WithLogger(zerolog.Nop()))
	meta := m.SessionMeta()
	require.Len(t, meta, 4)
	assert.Equal(t, MetaConnectString, meta[2].Key)
	assert.Equal(t, "zk1:2181,zk2:2181", meta[2].Value)
}
