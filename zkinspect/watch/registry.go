// Package watch keeps self re-arming subscriptions on node paths and fans
// their events out to listeners.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	internal "github.com/ZanzyTHEbar/zk-inspector/zkinspect"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/metrics"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Event is what listeners receive.
type Event struct {
	Path string
	Type store.EventType
	// Info carries the snapshot taken when the trigger re-armed: "exists",
	// "children", and when known "version" and "cversion".
	Info map[string]string
	Time time.Time
}

// Listener receives events for the paths it was registered on. It is called
// from a background goroutine.
type Listener interface {
	ProcessEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) ProcessEvent(ev Event) { f(ev) }

// Subscription is one watched path. It is active until stopped and never
// becomes active again.
type Subscription struct {
	path     string
	stopped  atomic.Bool
	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	events   atomic.Int64

	mu        sync.Mutex
	listeners map[uuid.UUID]Listener
	order     []uuid.UUID
	exists    bool
	children  []string
	stat      *store.Stat
}

func newSubscription(path string) *Subscription {
	return &Subscription{
		path:      path,
		done:      make(chan struct{}),
		listeners: make(map[uuid.UUID]Listener),
	}
}

func (s *Subscription) Path() string { return s.path }

// Active reports whether events are still forwarded.
func (s *Subscription) Active() bool { return !s.stopped.Load() }

// Armed reports whether a trigger is currently pending on the service.
func (s *Subscription) Armed() bool { return s.running.Load() }

// Delivered returns the number of events forwarded so far.
func (s *Subscription) Delivered() int64 { return s.events.Load() }

// Stop deactivates the subscription. Events already in flight are dropped.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.done)
	})
}

// Snapshot returns the state captured at the last arm.
func (s *Subscription) Snapshot() (exists bool, children []string, stat *store.Stat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists, append([]string(nil), s.children...), s.stat
}

func (s *Subscription) setSnapshot(exists bool, children []string, stat *store.Stat) {
	sorted := append([]string(nil), children...)
	sort.Strings(sorted)
	s.mu.Lock()
	s.exists, s.children, s.stat = exists, sorted, stat
	s.mu.Unlock()
}

func (s *Subscription) addListener(id uuid.UUID, l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[id] = l
	s.order = append(s.order, id)
}

// removeListener returns the number of listeners left.
func (s *Subscription) removeListener(id uuid.UUID) (removed bool, left int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[id]; !ok {
		return false, len(s.listeners)
	}
	delete(s.listeners, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, len(s.listeners)
}

// Listeners returns the number of attached listeners.
func (s *Subscription) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Subscription) forward(ev store.Event) {
	if !s.Active() {
		return
	}
	s.mu.Lock()
	targets := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		targets = append(targets, s.listeners[id])
	}
	info := map[string]string{
		"exists":   strconv.FormatBool(s.exists),
		"children": strconv.Itoa(len(s.children)),
	}
	if s.stat != nil {
		info["version"] = strconv.Itoa(int(s.stat.Version))
		info["cversion"] = strconv.Itoa(int(s.stat.Cversion))
	}
	s.mu.Unlock()

	out := Event{Path: s.path, Type: ev.Type, Info: info, Time: time.Now()}
	for _, l := range targets {
		if !s.Active() {
			return
		}
		l.ProcessEvent(out)
	}
	s.events.Add(1)
	metrics.RecordWatchEvent(ev.Type.String())
}

// Registry maps watched paths to their subscriptions.
type Registry struct {
	store store.Store
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu   sync.Mutex
	subs map[string]*Subscription
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.log = logger }
}

// NewRegistry returns an empty registry over s.
func NewRegistry(s store.Store, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		store:  s,
		log:    internal.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("component", "watch").Logger()
	return r
}

// ErrNilListener is returned by AddWatch when no listener is given.
var ErrNilListener = errors.New("watch: nil listener")

// AddWatch attaches l to path, creating and arming a subscription when the
// path is not yet watched. The returned id detaches l via RemoveListener.
func (r *Registry) AddWatch(ctx context.Context, path string, l Listener) (uuid.UUID, error) {
	if l == nil {
		return uuid.Nil, ErrNilListener
	}
	if err := store.ValidatePath(path); err != nil {
		return uuid.Nil, err
	}
	if r.ctx.Err() != nil {
		return uuid.Nil, fmt.Errorf("watch %s: registry closed", path)
	}
	id := uuid.New()

	r.mu.Lock()
	sub, ok := r.subs[path]
	r.mu.Unlock()
	if ok {
		sub.addListener(id, l)
		// a subscription goes dormant after its node is deleted
		if sub.running.CompareAndSwap(false, true) {
			if err := r.start(ctx, sub); err != nil {
				sub.running.Store(false)
				r.log.Warn().Err(err).Str("path", path).Msg("re-arming dormant watch failed")
			}
		}
		return id, nil
	}

	sub = newSubscription(path)
	sub.addListener(id, l)
	sub.running.Store(true)
	if err := r.start(ctx, sub); err != nil {
		return uuid.Nil, fmt.Errorf("watch %s: %w", path, err)
	}

	r.mu.Lock()
	if existing, ok := r.subs[path]; ok {
		r.mu.Unlock()
		sub.Stop()
		existing.addListener(id, l)
		return id, nil
	}
	r.subs[path] = sub
	n := len(r.subs)
	r.mu.Unlock()

	metrics.SetWatchSubscriptions(n)
	r.log.Debug().Str("path", path).Str("listener", id.String()).Msg("watch added")
	return id, nil
}

func (r *Registry) start(ctx context.Context, sub *Subscription) error {
	trigger, err := r.arm(ctx, sub)
	if err != nil {
		return err
	}
	r.wg.Go(func() { r.deliver(sub, trigger) })
	return nil
}

// arm registers a fresh one-shot trigger and then seeds the snapshot. A
// change landing between the two shows up in the snapshot and also fires
// the trigger, so it is never lost.
func (r *Registry) arm(ctx context.Context, sub *Subscription) (<-chan store.Event, error) {
	trigger, err := r.store.Subscribe(ctx, sub.path)
	if err != nil {
		return nil, err
	}
	exists, stat, err := r.store.Exists(ctx, sub.path)
	if err != nil {
		return nil, err
	}
	var children []string
	if exists {
		children, stat, err = r.store.ListChildren(ctx, sub.path)
		switch {
		case store.IsNotFound(err):
			exists, stat = false, nil
		case err != nil:
			return nil, err
		}
	}
	sub.setSnapshot(exists, children, stat)
	return trigger, nil
}

func (r *Registry) deliver(sub *Subscription, trigger <-chan store.Event) {
	defer sub.running.Store(false)
	for {
		select {
		case <-sub.done:
			return
		case <-r.ctx.Done():
			return
		case ev, ok := <-trigger:
			if !ok || !sub.Active() {
				return
			}
			trigger = nil
			switch ev.Type {
			case store.EventNodeDeleted, store.EventNotWatching:
			default:
				next, err := r.arm(r.ctx, sub)
				if err != nil {
					r.log.Warn().Err(err).Str("path", sub.path).Msg("re-arming watch failed")
				} else {
					trigger = next
				}
			}
			sub.forward(ev)
			if trigger == nil {
				r.log.Debug().Str("path", sub.path).Str("event", ev.Type.String()).Msg("watch dormant")
				return
			}
		}
	}
}

// RemoveWatch stops and forgets the subscription on path.
func (r *Registry) RemoveWatch(path string) bool {
	r.mu.Lock()
	sub, ok := r.subs[path]
	delete(r.subs, path)
	n := len(r.subs)
	r.mu.Unlock()
	if !ok {
		return false
	}
	sub.Stop()
	metrics.SetWatchSubscriptions(n)
	r.log.Debug().Str("path", path).Msg("watch removed")
	return true
}

// RemoveListener detaches one listener. The subscription is removed with its
// last listener.
func (r *Registry) RemoveListener(path string, id uuid.UUID) bool {
	r.mu.Lock()
	sub, ok := r.subs[path]
	r.mu.Unlock()
	if !ok {
		return false
	}
	removed, left := sub.removeListener(id)
	if removed && left == 0 {
		r.RemoveWatch(path)
	}
	return removed
}

// Subscription returns the live subscription on path.
func (r *Registry) Subscription(path string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[path]
	return sub, ok
}

// Watched returns every watched path in lexicographic order.
func (r *Registry) Watched() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.subs))
	for p := range r.subs {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// StopAll stops every subscription and empties the registry.
func (r *Registry) StopAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Stop()
	}
	metrics.SetWatchSubscriptions(0)
	if len(subs) > 0 {
		r.log.Debug().Int("count", len(subs)).Msg("all watches stopped")
	}
}

// Close stops everything and waits for delivery goroutines to exit.
func (r *Registry) Close() {
	r.StopAll()
	r.cancel()
	r.wg.Wait()
}
