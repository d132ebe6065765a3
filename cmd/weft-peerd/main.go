// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Weft-peerd is the weft node daemon. It serves the peer-facing
// synchronization protocol (baselines, diffs, subscriptions,
// permission callbacks) over HTTP, runs the background sync schedule,
// streams sync events over the observe socket, and answers the weft
// CLI's loopback admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftlabs/weft/config"
	"github.com/weftlabs/weft/lib/clock"
	"github.com/weftlabs/weft/peersync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "path to the node config file (default: $WEFT_CONFIG or built-in defaults)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(cfg, clock.Real(), logger)
	if err != nil {
		return fmt.Errorf("assembling node: %w", err)
	}
	defer n.Close()

	logger.Info("weft-peerd starting",
		"node", cfg.Node.ID,
		"listen", cfg.Listen.Address,
		"observe_socket", cfg.Paths.ObserveSocket,
	)
	return n.serve(ctx)
}

// serve runs the listeners and background loops until ctx is
// cancelled, then drains them.
func (n *node) serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", n.cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", n.cfg.Listen.Address, err)
	}

	// A stale socket from an unclean shutdown blocks the bind.
	_ = os.Remove(n.cfg.Paths.ObserveSocket)
	observeListener, err := net.Listen("unix", n.cfg.Paths.ObserveSocket)
	if err != nil {
		listener.Close()
		return fmt.Errorf("listening on %s: %w", n.cfg.Paths.ObserveSocket, err)
	}
	defer os.Remove(n.cfg.Paths.ObserveSocket)

	server := &http.Server{
		Handler:           n.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		n.observe.Serve(groupCtx, observeListener)
		return nil
	})
	group.Go(func() error {
		n.syncLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		n.sweepLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// syncLoop periodically syncs every established peer and retries
// undelivered diffs on inbound subscriptions.
func (n *node) syncLoop(ctx context.Context) {
	interval := n.cfg.Sync.Interval.Std()
	if interval <= 0 {
		n.logger.Info("background sync disabled")
		return
	}
	ticker := n.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		peers, err := n.establishedPeerIDs(ctx)
		if err != nil {
			n.logger.Warn("listing peers for background sync", "error", err)
			continue
		}
		if len(peers) == 0 {
			continue
		}

		outcomes := n.engine.SyncAll(ctx, n.owner, peers, peersync.SyncOptions{}, n.cfg.Sync.MaxConcurrentPeers)
		failed := 0
		for peer, outcome := range outcomes {
			if outcome.Err != nil {
				failed++
				n.logger.Warn("background sync", "peer", peer, "error", outcome.Err)
				continue
			}
			if err := outcome.Result.Err(); err != nil {
				failed++
				n.logger.Warn("background sync soft failures", "peer", peer, "error", err)
			}
			if err := n.engine.FlushPending(ctx, n.owner, peer); err != nil {
				n.logger.Warn("flushing pending diffs", "peer", peer, "error", err)
			}
		}
		n.logger.Debug("background sync round", "peers", len(peers), "failed", failed)
	}
}

// sweepLoop evicts expired attribute rows on the configured cadence.
func (n *node) sweepLoop(ctx context.Context) {
	interval := n.cfg.Store.SweepInterval.Std()
	if interval <= 0 {
		return
	}
	ticker := n.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		swept, err := n.attrs.Sweep(ctx)
		if err != nil {
			n.logger.Warn("sweeping expired attributes", "error", err)
		} else if swept > 0 {
			n.logger.Debug("swept expired attributes", "rows", swept)
		}
	}
}
