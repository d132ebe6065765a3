// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftlabs/weft/lib/clock"
	"github.com/weftlabs/weft/lib/codec"
	"github.com/weftlabs/weft/peersync"
)

// watcherChannelSize is the buffer for each watcher's event channel.
// Must absorb a full sync burst (a baseline plus its diff train)
// without drops; an overflowing watcher gets a resync frame instead of
// backpressure into the engine.
const watcherChannelSize = 256

// historySize bounds the retained event history replayed to new
// watchers as their snapshot.
const historySize = 512

// heartbeatInterval is the time between heartbeat frames. A client
// should consider the connection dead when no frame of any kind
// arrives within twice this interval.
const heartbeatInterval = 30 * time.Second

// watcher is one connected watch stream.
type watcher struct {
	filter  Request
	channel chan Event
	resync  atomic.Bool
	done    <-chan struct{}
}

// Server fans sync events out to watch streams. Register Hook with
// the engine's hook registry and run Serve on a unix listener.
type Server struct {
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.Mutex
	history  []Event
	watchers []*watcher
}

// NewServer creates a server.
func NewServer(clk clock.Clock, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Server{logger: logger, clock: clk}
}

// Hook is the peersync hook: it records the event in history and
// dispatches it to every watcher whose filter matches. Sends are
// non-blocking; a full channel marks the watcher for resync and drops
// the event, and the watcher's own loop repairs the stream from
// history.
func (s *Server) Hook(event peersync.Event) {
	wire := fromSyncEvent(event)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, wire)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}

	// Iterate in reverse so removals don't shift unvisited elements.
	for i := len(s.watchers) - 1; i >= 0; i-- {
		w := s.watchers[i]

		select {
		case <-w.done:
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			continue
		default:
		}

		if !w.filter.matches(wire) {
			continue
		}
		select {
		case w.channel <- wire:
		default:
			w.resync.Store(true)
		}
	}
}

// Serve accepts watch connections until the context is cancelled or
// the listener fails. Each connection gets its own goroutine.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("observe: accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

// serveConn handles one watch stream: read the request, register the
// watcher and copy the history under the lock, then write snapshot and
// live events outside it.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	encoder := codec.NewEncoder(conn)

	var request Request
	if err := codec.NewDecoder(conn).Decode(&request); err != nil {
		encoder.Encode(Frame{Type: FrameError, Message: "invalid request: " + err.Error()})
		return
	}

	done := make(chan struct{})
	w := &watcher{
		filter:  request,
		channel: make(chan Event, watcherChannelSize),
		done:    done,
	}

	s.mu.Lock()
	snapshot := s.snapshotLocked(request)
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	s.logger.Debug("watch stream started",
		"owner_filter", request.Owner,
		"peer_filter", request.Peer,
		"history", len(snapshot),
	)

	defer func() {
		close(done)
		s.mu.Lock()
		for i, existing := range s.watchers {
			if existing == w {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		s.logger.Debug("watch stream ended")
	}()

	if err := writeSnapshot(encoder, snapshot); err != nil {
		s.logger.Debug("watch stream write error during snapshot", "error", err)
		return
	}

	s.eventLoop(ctx, encoder, w)
}

// snapshotLocked copies the filtered history. Caller holds s.mu; the
// copy keeps the write outside the lock.
func (s *Server) snapshotLocked(filter Request) []Event {
	snapshot := make([]Event, 0, len(s.history))
	for _, event := range s.history {
		if filter.matches(event) {
			snapshot = append(snapshot, event)
		}
	}
	return snapshot
}

// writeSnapshot writes the history followed by the caught_up marker.
func writeSnapshot(encoder *codec.Encoder, snapshot []Event) error {
	for i := range snapshot {
		if err := encoder.Encode(Frame{Type: FrameEvent, Event: &snapshot[i]}); err != nil {
			return err
		}
	}
	return encoder.Encode(Frame{Type: FrameCaughtUp})
}

// eventLoop forwards live events, heartbeats, and handles overflow
// recovery: drain the stale buffer, announce the resync, and replay a
// fresh snapshot.
func (s *Server) eventLoop(ctx context.Context, encoder *codec.Encoder, w *watcher) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-w.channel:
			if w.resync.CompareAndSwap(true, false) {
				for len(w.channel) > 0 {
					<-w.channel
				}
				if err := encoder.Encode(Frame{Type: FrameResync}); err != nil {
					s.logger.Debug("watch stream write error", "error", err)
					return
				}
				s.mu.Lock()
				snapshot := s.snapshotLocked(w.filter)
				s.mu.Unlock()
				if err := writeSnapshot(encoder, snapshot); err != nil {
					s.logger.Debug("watch stream write error during resync", "error", err)
					return
				}
				continue
			}

			if err := encoder.Encode(Frame{Type: FrameEvent, Event: &event}); err != nil {
				s.logger.Debug("watch stream write error", "error", err)
				return
			}

		case <-heartbeat.C:
			if err := encoder.Encode(Frame{Type: FrameHeartbeat}); err != nil {
				s.logger.Debug("watch stream heartbeat error", "error", err)
				return
			}
		}
	}
}
