// Package refresh reconciles the node cache with the coordination service,
// level by level, with bounded parallelism inside each level.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	internal "github.com/ZanzyTHEbar/zk-inspector/zkinspect"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/cache"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/metrics"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/store"

	"github.com/rs/zerolog"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

// Result summarises one Refresh call.
type Result struct {
	Levels    int
	Refreshed int
	Evicted   int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

// Engine fetches child listings and applies them to a NodeCache.
type Engine struct {
	store   store.Store
	cache   *cache.NodeCache
	workers int
	skip    *ignore.GitIgnore
	log     zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the number of concurrent fetches per level.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithSkipPatterns stops recursion into children whose path matches any of
// the gitignore-style patterns. Explicitly requested paths are always fetched.
func WithSkipPatterns(patterns ...string) Option {
	return func(e *Engine) {
		if len(patterns) == 0 {
			e.skip = nil
			return
		}
		e.skip = ignore.CompileIgnoreLines(patterns...)
	}
}

// New returns an engine that reads from s and writes to c.
func New(s store.Store, c *cache.NodeCache, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		cache:   c,
		workers: internal.DefaultRefreshWorkers,
		log:     internal.GetLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "refresh").Logger()
	return e
}

// Workers returns the per-level concurrency bound.
func (e *Engine) Workers() int { return e.workers }

type fetchOutcome struct {
	children []string
	stat     *store.Stat
	err      error
}

// Refresh re-fetches paths and, while depth > 0, their children, down to
// depth levels. See RefreshWithResult.
func (e *Engine) Refresh(ctx context.Context, paths []string, depth int) error {
	_, err := e.RefreshWithResult(ctx, paths, depth)
	return err
}

// RefreshWithResult runs one refresh batch and reports what it did.
//
// A negative depth or an empty path list is a no-op. If every fetch of the
// initiating level fails with a connection error the call returns a single
// error and leaves the cache untouched. Failures in deeper levels are logged
// and leave those entries stale. Once a level is dispatched it runs to
// completion; cancelling ctx only prevents the next level from starting and
// discards the current level's results.
func (e *Engine) RefreshWithResult(ctx context.Context, paths []string, depth int) (res Result, err error) {
	if depth < 0 || len(paths) == 0 {
		return res, nil
	}
	for _, p := range paths {
		if err := store.ValidatePath(p); err != nil {
			return res, fmt.Errorf("refresh: %w", err)
		}
	}
	if sr, ok := e.store.(store.StateReporter); ok && !sr.Connected() {
		return res, fmt.Errorf("refresh %d paths: %w", len(paths), store.ErrConnection)
	}
	if err = ctx.Err(); err != nil {
		return res, err
	}

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		metrics.RecordRefreshBatch(res.Duration)
	}()

	level := dedupe(paths)
	for initiating := true; len(level) > 0 && depth >= 0; initiating = false {
		outcomes := e.fetchLevel(ctx, level)

		if err := ctx.Err(); err != nil {
			e.log.Debug().Int("level", res.Levels).Msg("refresh abandoned, discarding level")
			return res, err
		}
		if initiating {
			if err := unreachable(level, outcomes); err != nil {
				e.log.Warn().Err(err).Int("paths", len(level)).Msg("refresh failed at initiating level")
				return res, err
			}
		}

		level = e.apply(level, outcomes, depth > 0, &res)
		res.Levels++
		depth--
	}

	e.log.Debug().
		Int("levels", res.Levels).
		Int("refreshed", res.Refreshed).
		Int("evicted", res.Evicted).
		Int("failed", res.Failed).
		Msg("refresh complete")
	return res, nil
}

// fetchLevel lists every path of one level concurrently. The store calls do
// not observe ctx cancellation so a dispatched level always finishes.
func (e *Engine) fetchLevel(ctx context.Context, level []string) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(level))
	callCtx := context.WithoutCancel(ctx)

	p := pool.New().WithMaxGoroutines(min(e.workers, len(level))).WithContext(callCtx)
	for i, path := range level {
		p.Go(func(ctx context.Context) error {
			children, stat, err := e.store.ListChildren(ctx, path)
			outcomes[i] = fetchOutcome{children: children, stat: stat, err: err}
			return nil
		})
	}
	_ = p.Wait()
	return outcomes
}

// apply writes one level's outcomes to the cache and returns the next level.
func (e *Engine) apply(level []string, outcomes []fetchOutcome, descend bool, res *Result) []string {
	var next []string
	seen := make(map[string]struct{})
	for i, path := range level {
		o := outcomes[i]
		switch {
		case o.err == nil:
			e.cache.Put(path, o.children, o.stat)
			res.Refreshed++
			metrics.RecordFetch(metrics.OutcomeOK)
			if !descend {
				continue
			}
			for _, child := range o.children {
				cp := store.JoinPath(path, child)
				if e.skip != nil && e.skip.MatchesPath(cp) {
					res.Skipped++
					continue
				}
				if _, dup := seen[cp]; dup {
					continue
				}
				seen[cp] = struct{}{}
				next = append(next, cp)
			}
		case errors.Is(o.err, store.ErrNotFound):
			e.cache.Remove(path)
			res.Evicted++
			metrics.RecordFetch(metrics.OutcomeNotFound)
			e.log.Debug().Str("path", path).Msg("node gone, evicted")
		default:
			res.Failed++
			metrics.RecordFetch(metrics.OutcomeError)
			e.log.Warn().Err(o.err).Str("path", path).Msg("refresh failed, keeping stale entry")
		}
	}
	return next
}

// unreachable returns an error when every initiating fetch failed to reach
// the service.
func unreachable(level []string, outcomes []fetchOutcome) error {
	var combined error
	for i, o := range outcomes {
		if o.err == nil || !errors.Is(o.err, store.ErrConnection) {
			return nil
		}
		combined = multierr.Append(combined, fmt.Errorf("%s: %w", level[i], o.err))
	}
	return fmt.Errorf("refresh %d paths: %w: %v", len(level), store.ErrConnection, combined)
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
