package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	internal "github.com/ZanzyTHEbar/zk-inspector/zkinspect"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/cache"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/config"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/inspector"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/metrics"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/store"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/tree"
	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/watch"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to a config file")
	hosts := pflag.StringSlice("hosts", nil, "Coordination service hosts (host:port)")
	depth := pflag.IntP("depth", "d", -1, "Depth of the tree to print; unloaded nodes are listed on the way (default: refresh.initialDepth)")
	root := pflag.String("root", store.Root, "Path to start from")
	watches := pflag.StringSliceP("watch", "w", nil, "Paths to watch; events are printed until interrupted")
	metricsAddr := pflag.String("metrics", "", "Listen address for the Prometheus endpoint")
	logLevel := pflag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if len(*hosts) > 0 {
		cfg.Connection.Hosts = *hosts
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}
	printDepth := cfg.Refresh.InitialDepth
	if *depth >= 0 {
		printDepth = *depth
	}

	logger := internal.NewLogger(cfg.Log.Level)
	if err := run(cfg, *root, printDepth, *watches, logger); err != nil {
		logger.Error().Err(err).Msg("zkinspect failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, root string, depth int, watched []string, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("hosts", cfg.ConnectString()).Msg("connecting")
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Connection.SessionTimeout)
	zs, err := store.DialZK(dialCtx, cfg.Connection.Hosts, cfg.Connection.SessionTimeout, store.WithZKLogger(logger))
	cancel()
	if err != nil {
		return err
	}

	m := inspector.NewManager(zs, inspector.WithConfig(cfg), inspector.WithLogger(logger))
	if err := m.Connect(ctx); err != nil {
		_ = zs.Close()
		return err
	}
	defer func() {
		if err := m.Disconnect(); err != nil {
			logger.Warn().Err(err).Msg("disconnect failed")
		}
	}()

	for _, f := range m.SessionMeta() {
		logger.Debug().Str(f.Key, f.Value).Msg("session")
	}

	if err := printTree(ctx, os.Stdout, m, root, depth); err != nil {
		return err
	}

	if len(watched) == 0 {
		return nil
	}
	return streamEvents(ctx, m, watched, logger)
}

// printTree writes the subtree under root down to depth levels. A node the
// walk expands that is not cached yet is listed first, the way a tree view
// refreshes on expand.
func printTree(ctx context.Context, w io.Writer, m *inspector.Manager, root string, depth int) error {
	tr, err := m.Tree()
	if err != nil {
		return err
	}
	start, err := tr.NodeAt(root)
	if err != nil {
		return err
	}
	var walkErr error
	tr.Walk(start, depth, func(n tree.Node, level int) bool {
		name := n.Name()
		if n.IsRoot() || level == 0 {
			name = n.Path()
		}
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", level), name)
		if depth >= 0 && level >= depth {
			return true
		}
		if tr.State(n) != cache.StatePopulated {
			if err := m.RefreshSubtree(ctx, n.Path(), 0); err != nil {
				walkErr = multierr.Append(walkErr, err)
				return false
			}
		}
		return true
	})
	return walkErr
}

func streamEvents(ctx context.Context, m *inspector.Manager, paths []string, logger zerolog.Logger) error {
	added := make(chan error, 1)
	listener := watch.ListenerFunc(func(ev watch.Event) {
		fmt.Printf("%s %-20s %s children=%s\n",
			ev.Time.Format(time.RFC3339), ev.Type, ev.Path, ev.Info["children"])
	})
	if err := m.AddWatch(paths, listener, func(err error) { added <- err }); err != nil {
		return err
	}
	select {
	case err := <-added:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return nil
	}

	logger.Info().Strs("paths", paths).Msg("watching; press Ctrl-C to stop")
	<-ctx.Done()
	return nil
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
