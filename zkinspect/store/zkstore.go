package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"
)

// ZKStore adapts a ZooKeeper session to Store.
type ZKStore struct {
	conn    *zk.Conn
	servers []string
	timeout time.Duration
	log     zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

var _ Store = (*ZKStore)(nil)
var _ StateReporter = (*ZKStore)(nil)
var _ SessionReporter = (*ZKStore)(nil)

// ZKOption configures a ZKStore.
type ZKOption func(*ZKStore)

// WithZKLogger routes session events and client diagnostics to logger.
func WithZKLogger(logger zerolog.Logger) ZKOption {
	return func(z *ZKStore) { z.log = logger }
}

// DialZK opens a session against servers and waits until it is established
// or ctx ends.
func DialZK(ctx context.Context, servers []string, sessionTimeout time.Duration, opts ...ZKOption) (*ZKStore, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("dial: %w: no servers configured", ErrConnection)
	}
	z := &ZKStore{
		servers: append([]string(nil), servers...),
		timeout: sessionTimeout,
		log:     zerolog.Nop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(z)
	}
	z.log = z.log.With().Str("component", "zkstore").Logger()

	zkLog := z.log.Level(zerolog.DebugLevel)
	conn, events, err := zk.Connect(z.servers, sessionTimeout, zk.WithLogger(&zkLog))
	if err != nil {
		return nil, opError("dial", fmt.Sprint(z.servers), ErrConnection, err)
	}
	z.conn = conn

	ready := make(chan struct{})
	go z.watchSession(events, ready)

	select {
	case <-ready:
		return z, nil
	case <-ctx.Done():
		z.Close()
		return nil, opError("dial", fmt.Sprint(z.servers), ErrConnection, ctx.Err())
	}
}

func (z *ZKStore) watchSession(events <-chan zk.Event, ready chan struct{}) {
	var readyOnce sync.Once
	for ev := range events {
		z.log.Debug().
			Str("state", ev.State.String()).
			Str("server", ev.Server).
			Msg("session event")
		switch ev.State {
		case zk.StateHasSession:
			readyOnce.Do(func() { close(ready) })
		case zk.StateExpired:
			z.log.Warn().Msg("session expired")
		case zk.StateDisconnected:
			z.log.Warn().Msg("disconnected from ensemble")
		}
	}
}

func (z *ZKStore) ListChildren(ctx context.Context, path string) ([]string, *Stat, error) {
	if err := z.check(ctx, path); err != nil {
		return nil, nil, err
	}
	children, st, err := z.conn.Children(path)
	if err != nil {
		return nil, nil, mapZKError("list children", path, err)
	}
	return children, fromZKStat(st), nil
}

func (z *ZKStore) Exists(ctx context.Context, path string) (bool, *Stat, error) {
	if err := z.check(ctx, path); err != nil {
		return false, nil, err
	}
	ok, st, err := z.conn.Exists(path)
	if err != nil {
		return false, nil, mapZKError("exists", path, err)
	}
	if !ok {
		return false, nil, nil
	}
	return true, fromZKStat(st), nil
}

func (z *ZKStore) GetData(ctx context.Context, path string) ([]byte, *Stat, error) {
	if err := z.check(ctx, path); err != nil {
		return nil, nil, err
	}
	data, st, err := z.conn.Get(path)
	if err != nil {
		return nil, nil, mapZKError("get data", path, err)
	}
	return data, fromZKStat(st), nil
}

func (z *ZKStore) SetData(ctx context.Context, path string, data []byte, version int32) (*Stat, error) {
	if err := z.check(ctx, path); err != nil {
		return nil, err
	}
	st, err := z.conn.Set(path, data, version)
	if err != nil {
		return nil, mapZKError("set data", path, err)
	}
	return fromZKStat(st), nil
}

func (z *ZKStore) Create(ctx context.Context, path string, data []byte) error {
	if err := z.check(ctx, path); err != nil {
		return err
	}
	if _, err := z.conn.Create(path, data, 0, zk.WorldACL(zk.PermAll)); err != nil {
		return mapZKError("create", path, err)
	}
	return nil
}

func (z *ZKStore) Delete(ctx context.Context, path string, version int32) error {
	if err := z.check(ctx, path); err != nil {
		return err
	}
	if err := z.conn.Delete(path, version); err != nil {
		return mapZKError("delete", path, err)
	}
	return nil
}

func (z *ZKStore) GetACL(ctx context.Context, path string) ([]ACL, *Stat, error) {
	if err := z.check(ctx, path); err != nil {
		return nil, nil, err
	}
	acls, st, err := z.conn.GetACL(path)
	if err != nil {
		return nil, nil, mapZKError("get acl", path, err)
	}
	out := make([]ACL, 0, len(acls))
	for _, a := range acls {
		out = append(out, ACL{Scheme: a.Scheme, ID: a.ID, Perms: Perm(a.Perms)})
	}
	return out, fromZKStat(st), nil
}

// Subscribe arms an exists watch and, when the node is present, a children
// watch. The first of the two to fire is delivered.
func (z *ZKStore) Subscribe(ctx context.Context, path string) (<-chan Event, error) {
	if err := z.check(ctx, path); err != nil {
		return nil, err
	}
	ok, _, existsCh, err := z.conn.ExistsW(path)
	if err != nil {
		return nil, mapZKError("subscribe", path, err)
	}
	var childrenCh <-chan zk.Event
	if ok {
		_, _, childrenCh, err = z.conn.ChildrenW(path)
		switch {
		case errors.Is(err, zk.ErrNoNode):
			// deleted between the two calls; the exists watch reports it
		case err != nil:
			return nil, mapZKError("subscribe", path, err)
		}
	}

	out := make(chan Event, 1)
	go func() {
		defer close(out)
		var ev zk.Event
		select {
		case ev = <-existsCh:
		case ev = <-childrenCh:
		case <-z.done:
			out <- Event{Type: EventNotWatching, Path: path, Err: ErrConnection}
			return
		}
		out <- fromZKEvent(path, ev)
	}()
	return out, nil
}

func (z *ZKStore) Close() error {
	z.closeOnce.Do(func() {
		close(z.done)
		if z.conn != nil {
			z.conn.Close()
		}
	})
	return nil
}

func (z *ZKStore) Connected() bool {
	select {
	case <-z.done:
		return false
	default:
	}
	return z.conn.State() == zk.StateHasSession
}

func (z *ZKStore) SessionID() int64 { return z.conn.SessionID() }

func (z *ZKStore) State() string { return z.conn.State().String() }

func (z *ZKStore) Servers() []string { return append([]string(nil), z.servers...) }

func (z *ZKStore) SessionTimeout() time.Duration { return z.timeout }

func (z *ZKStore) check(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	select {
	case <-z.done:
		return opError("call", path, ErrConnection, fmt.Errorf("store closed"))
	default:
	}
	return ctx.Err()
}

func mapZKError(op, path string, err error) error {
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return opError(op, path, ErrNotFound, err)
	case errors.Is(err, zk.ErrBadVersion),
		errors.Is(err, zk.ErrNodeExists),
		errors.Is(err, zk.ErrNotEmpty):
		return opError(op, path, ErrConflict, err)
	case errors.Is(err, zk.ErrConnectionClosed),
		errors.Is(err, zk.ErrNoServer),
		errors.Is(err, zk.ErrSessionExpired),
		errors.Is(err, zk.ErrSessionMoved),
		errors.Is(err, zk.ErrClosing):
		return opError(op, path, ErrConnection, err)
	default:
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
}

func fromZKStat(st *zk.Stat) *Stat {
	if st == nil {
		return nil
	}
	return &Stat{
		Czxid:          st.Czxid,
		Mzxid:          st.Mzxid,
		Pzxid:          st.Pzxid,
		Ctime:          time.UnixMilli(st.Ctime),
		Mtime:          time.UnixMilli(st.Mtime),
		Version:        st.Version,
		Cversion:       st.Cversion,
		Aversion:       st.Aversion,
		EphemeralOwner: st.EphemeralOwner,
		DataLength:     st.DataLength,
		NumChildren:    st.NumChildren,
	}
}

func fromZKEvent(path string, ev zk.Event) Event {
	out := Event{Path: path, Err: ev.Err}
	if ev.Path != "" {
		out.Path = ev.Path
	}
	switch ev.Type {
	case zk.EventNodeCreated:
		out.Type = EventNodeCreated
	case zk.EventNodeDeleted:
		out.Type = EventNodeDeleted
	case zk.EventNodeDataChanged:
		out.Type = EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		out.Type = EventNodeChildrenChanged
	default:
		out.Type = EventNotWatching
		if out.Err == nil {
			out.Err = ErrConnection
		}
	}
	return out
}
