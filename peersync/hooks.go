// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/lib/digest"
	"github.com/weftlabs/weft/lib/ref"
)

// EventType discriminates hook events.
type EventType string

const (
	// EventSubscriptionReceived: a peer registered an inbound
	// subscription to our data.
	EventSubscriptionReceived EventType = "subscription_received"

	// EventSubscriptionEnded: a subscription was terminated, either
	// direction.
	EventSubscriptionEnded EventType = "subscription_ended"

	// EventBaselineApplied: a full baseline replaced the mirror.
	EventBaselineApplied EventType = "baseline_applied"

	// EventDiffApplied: one diff was applied to the mirror.
	EventDiffApplied EventType = "diff_applied"

	// EventResyncTriggered: a sequence gap or invalidation marked a
	// subscription for resync.
	EventResyncTriggered EventType = "resync_triggered"

	// EventPermissionChanged: a permission callback granted or
	// revoked access.
	EventPermissionChanged EventType = "permission_changed"

	// EventPeerRemoved: a trust teardown removed a pair's mirror,
	// subscriptions, and metadata.
	EventPeerRemoved EventType = "peer_removed"
)

// Event is one lifecycle notification dispatched to registered hooks.
// Fields beyond Type/Owner/Peer are populated where they apply.
type Event struct {
	Type         EventType
	Owner        ref.ActorID
	Peer         ref.PeerID
	Subscription ref.SubscriptionID
	Sequence     uint64
	Property     string

	// Digest is the baseline content digest on EventBaselineApplied.
	Digest digest.Digest

	// Granted/Revoked carry the property patterns of an
	// EventPermissionChanged.
	Granted []string
	Revoked []string

	Time time.Time
}

// Hook receives events. Hooks run synchronously on the engine's
// goroutine and must not block; anything slow should hand off to its
// own channel (the observe server does exactly that).
type Hook func(Event)

// Hooks is the best-effort event registry. A panicking hook is logged
// and the remaining hooks still run; hook failures never fail the
// operation that emitted the event.
type Hooks struct {
	mu     sync.RWMutex
	logger *slog.Logger
	hooks  []Hook
}

// NewHooks creates an empty registry.
func NewHooks(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{logger: logger}
}

// Register adds a hook. Hooks cannot be removed; register for the
// process lifetime.
func (h *Hooks) Register(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

// Emit dispatches an event to every registered hook.
func (h *Hooks) Emit(event Event) {
	h.mu.RLock()
	hooks := h.hooks
	h.mu.RUnlock()

	for _, hook := range hooks {
		h.dispatch(hook, event)
	}
}

func (h *Hooks) dispatch(hook Hook, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("event hook panicked",
				"event", string(event.Type),
				"panic", recovered,
			)
		}
	}()
	hook(event)
}
