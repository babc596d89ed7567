package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memNode struct {
	data     []byte
	children map[string]struct{}
	stat     Stat
	acl      []ACL
}

// MemStore is an in-process Store. It honours the same error and trigger
// semantics as the ZooKeeper adapter and adds hooks for simulating latency,
// outages and per-path failures.
type MemStore struct {
	mu        sync.Mutex
	nodes     map[string]*memNode
	triggers  map[string][]chan Event
	failures  map[string]error
	calls     map[string]int64
	latency   time.Duration
	connected bool
	closed    bool
	zxid      int64
	sessionID int64
	now       func() time.Time
}

var _ Store = (*MemStore)(nil)
var _ StateReporter = (*MemStore)(nil)
var _ SessionReporter = (*MemStore)(nil)

// NewMemStore returns a connected store holding only the root.
func NewMemStore() *MemStore {
	m := &MemStore{
		nodes:     make(map[string]*memNode),
		triggers:  make(map[string][]chan Event),
		failures:  make(map[string]error),
		calls:     make(map[string]int64),
		connected: true,
		sessionID: time.Now().UnixNano(),
		now:       time.Now,
	}
	m.nodes[Root] = &memNode{children: make(map[string]struct{}), acl: WorldACL(PermAll)}
	return m
}

// SetConnected simulates losing or regaining the session.
func (m *MemStore) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

// SetLatency delays every call by d.
func (m *MemStore) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// FailPath makes every call on path return err. A nil err clears the failure.
func (m *MemStore) FailPath(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, path)
		return
	}
	m.failures[path] = err
}

// Calls returns how many times op was invoked, e.g. "ListChildren".
func (m *MemStore) Calls(op string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// PendingTriggers returns the number of armed triggers on path.
func (m *MemStore) PendingTriggers(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.triggers[path])
}

// MustCreate creates each path and any missing ancestors. It panics on
// invalid input and is meant for fixtures.
func (m *MemStore) MustCreate(paths ...string) {
	for _, p := range paths {
		if err := ValidatePath(p); err != nil {
			panic(err)
		}
		if p == Root {
			continue
		}
		if _, err := CreateRecursive(context.Background(), m, Root, p); err != nil {
			panic(err)
		}
	}
}

// SetEphemeralOwner marks path as owned by the given session.
func (m *MemStore) SetEphemeralOwner(path string, owner int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[path]
	if !ok {
		return opError("set owner", path, ErrNotFound, nil)
	}
	n.stat.EphemeralOwner = owner
	return nil
}

// SetACL replaces the ACL list of path.
func (m *MemStore) SetACL(path string, acl []ACL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[path]
	if !ok {
		return opError("set acl", path, ErrNotFound, nil)
	}
	n.acl = append([]ACL(nil), acl...)
	n.stat.Aversion++
	return nil
}

func (m *MemStore) begin(ctx context.Context, op, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	m.calls[op]++
	latency := m.latency
	switch {
	case m.closed:
		m.mu.Unlock()
		return opError(op, path, ErrConnection, fmt.Errorf("store closed"))
	case !m.connected:
		m.mu.Unlock()
		return opError(op, path, ErrConnection, nil)
	}
	if injected, ok := m.failures[path]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%s %s: %w", op, path, injected)
	}
	m.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (m *MemStore) ListChildren(ctx context.Context, path string) ([]string, *Stat, error) {
	if err := m.begin(ctx, "ListChildren", path); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[path]
	if !ok {
		return nil, nil, opError("list children", path, ErrNotFound, nil)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	st := n.stat
	return names, &st, nil
}

func (m *MemStore) Exists(ctx context.Context, path string) (bool, *Stat, error) {
	if err := m.begin(ctx, "Exists", path); err != nil {
		return false, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[path]
	if !ok {
		return false, nil, nil
	}
	st := n.stat
	return true, &st, nil
}

func (m *MemStore) GetData(ctx context.Context, path string) ([]byte, *Stat, error) {
	if err := m.begin(ctx, "GetData", path); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[path]
	if !ok {
		return nil, nil, opError("get data", path, ErrNotFound, nil)
	}
	st := n.stat
	return append([]byte(nil), n.data...), &st, nil
}

func (m *MemStore) SetData(ctx context.Context, path string, data []byte, version int32) (*Stat, error) {
	if err := m.begin(ctx, "SetData", path); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[path]
	if !ok {
		return nil, opError("set data", path, ErrNotFound, nil)
	}
	if version != AnyVersion && version != n.stat.Version {
		return nil, opError("set data", path, ErrConflict,
			fmt.Errorf("expected version %d, node is at %d", version, n.stat.Version))
	}
	m.zxid++
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.Mzxid = m.zxid
	n.stat.Mtime = m.now()
	n.stat.DataLength = int32(len(data))
	m.fire(path, EventNodeDataChanged)
	st := n.stat
	return &st, nil
}

func (m *MemStore) Create(ctx context.Context, path string, data []byte) error {
	if err := m.begin(ctx, "Create", path); err != nil {
		return err
	}
	if path == Root {
		return opError("create", path, ErrConflict, fmt.Errorf("root always exists"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[path]; ok {
		return opError("create", path, ErrConflict, fmt.Errorf("node exists"))
	}
	parentPath := ParentPath(path)
	parent, ok := m.nodes[parentPath]
	if !ok {
		return opError("create", path, ErrNotFound, fmt.Errorf("parent %s missing", parentPath))
	}

	m.zxid++
	now := m.now()
	m.nodes[path] = &memNode{
		data:     append([]byte(nil), data...),
		children: make(map[string]struct{}),
		acl:      WorldACL(PermAll),
		stat: Stat{
			Czxid:      m.zxid,
			Mzxid:      m.zxid,
			Pzxid:      m.zxid,
			Ctime:      now,
			Mtime:      now,
			DataLength: int32(len(data)),
		},
	}
	parent.children[BaseName(path)] = struct{}{}
	parent.stat.Cversion++
	parent.stat.Pzxid = m.zxid
	parent.stat.NumChildren = int32(len(parent.children))

	m.fire(path, EventNodeCreated)
	m.fire(parentPath, EventNodeChildrenChanged)
	return nil
}

func (m *MemStore) Delete(ctx context.Context, path string, version int32) error {
	if err := m.begin(ctx, "Delete", path); err != nil {
		return err
	}
	if path == Root {
		return opError("delete", path, ErrConflict, fmt.Errorf("root cannot be deleted"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[path]
	if !ok {
		return opError("delete", path, ErrNotFound, nil)
	}
	if len(n.children) > 0 {
		return opError("delete", path, ErrConflict, fmt.Errorf("node has %d children", len(n.children)))
	}
	if version != AnyVersion && version != n.stat.Version {
		return opError("delete", path, ErrConflict,
			fmt.Errorf("expected version %d, node is at %d", version, n.stat.Version))
	}

	m.zxid++
	delete(m.nodes, path)
	parentPath := ParentPath(path)
	if parent, ok := m.nodes[parentPath]; ok {
		delete(parent.children, BaseName(path))
		parent.stat.Cversion++
		parent.stat.Pzxid = m.zxid
		parent.stat.NumChildren = int32(len(parent.children))
	}

	m.fire(path, EventNodeDeleted)
	m.fire(parentPath, EventNodeChildrenChanged)
	return nil
}

func (m *MemStore) GetACL(ctx context.Context, path string) ([]ACL, *Stat, error) {
	if err := m.begin(ctx, "GetACL", path); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[path]
	if !ok {
		return nil, nil, opError("get acl", path, ErrNotFound, nil)
	}
	st := n.stat
	return append([]ACL(nil), n.acl...), &st, nil
}

func (m *MemStore) Subscribe(ctx context.Context, path string) (<-chan Event, error) {
	if err := m.begin(ctx, "Subscribe", path); err != nil {
		return nil, err
	}
	ch := make(chan Event, 1)
	m.mu.Lock()
	m.triggers[path] = append(m.triggers[path], ch)
	m.mu.Unlock()
	return ch, nil
}

// fire delivers and disarms every trigger on path. Callers hold m.mu.
func (m *MemStore) fire(path string, t EventType) {
	for _, ch := range m.triggers[path] {
		ch <- Event{Type: t, Path: path}
		close(ch)
	}
	delete(m.triggers, path)
}

// Close drops the session. Armed triggers receive EventNotWatching.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	for path, chans := range m.triggers {
		for _, ch := range chans {
			ch <- Event{Type: EventNotWatching, Path: path, Err: ErrConnection}
			close(ch)
		}
	}
	m.triggers = make(map[string][]chan Event)
	return nil
}

func (m *MemStore) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

func (m *MemStore) SessionID() int64 { return m.sessionID }

func (m *MemStore) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return "CLOSED"
	case m.connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

func (m *MemStore) Servers() []string { return []string{"memory"} }

func (m *MemStore) SessionTimeout() time.Duration { return 0 }
