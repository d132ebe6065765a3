// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/weftlabs/weft/lib/ref"
)

// Operation is the mutation kind carried by one diff.
type Operation string

const (
	// OpPut replaces a property. The blob is the property envelope.
	OpPut Operation = "put"

	// OpUpdate is OpPut under another name; some peer
	// implementations distinguish create from update on the wire.
	OpUpdate Operation = "update"

	// OpDelete removes a property. No blob.
	OpDelete Operation = "delete"

	// OpAdd appends an item to a list property. The blob is the raw
	// item value.
	OpAdd Operation = "add"

	// OpDeleteFromList removes an item from a list property by
	// value. The blob is the raw item value.
	OpDeleteFromList Operation = "delete-from-list"
)

// Valid reports whether the operation is one the protocol defines.
func (op Operation) Valid() bool {
	switch op {
	case OpPut, OpUpdate, OpDelete, OpAdd, OpDeleteFromList:
		return true
	default:
		return false
	}
}

// Diff is one atomic, sequence-numbered change notification. Field
// names are protocol-fixed JSON; the CBOR tags serve the journal.
type Diff struct {
	Seq       uint64          `json:"seq" cbor:"seq"`
	Timestamp time.Time       `json:"timestamp" cbor:"timestamp"`
	Operation Operation       `json:"operation" cbor:"operation"`
	Subtarget string          `json:"subtarget,omitempty" cbor:"subtarget,omitempty"`
	Resource  string          `json:"resource" cbor:"resource"`
	Blob      json.RawMessage `json:"blob,omitempty" cbor:"blob,omitempty"`
}

// applyDiff applies one diff to the mirror. The diff's Resource names
// the property; Subtarget scopes it ("" for top-level properties).
func (e *Engine) applyDiff(ctx context.Context, owner ref.ActorID, peer ref.PeerID, diff Diff) error {
	name := diff.Resource
	if diff.Subtarget != "" {
		name = diff.Subtarget + "/" + diff.Resource
	}

	switch diff.Operation {
	case OpPut, OpUpdate:
		var env envelope
		if err := json.Unmarshal(diff.Blob, &env); err != nil {
			return fmt.Errorf("peersync: diff seq %d: decoding blob for %q: %w", diff.Seq, name, err)
		}
		entry, err := env.entry()
		if err != nil {
			return fmt.Errorf("peersync: diff seq %d for %q: %w", diff.Seq, name, err)
		}
		return e.store.UpsertProperty(ctx, owner, peer, name, entry)

	case OpDelete:
		return e.store.DeleteProperty(ctx, owner, peer, name)

	case OpAdd:
		return e.store.UpsertListItem(ctx, owner, peer, name, diff.Blob)

	case OpDeleteFromList:
		return e.store.DeleteListItem(ctx, owner, peer, name, diff.Blob)

	default:
		return fmt.Errorf("peersync: diff seq %d: unknown operation %q", diff.Seq, diff.Operation)
	}
}

// HandleSubscriptionCallback ingests a pushed diff batch for an
// outbound subscription. This is the callback endpoint's entry point;
// body is the raw JSON payload
// {"subscriptionId", "target", "sequence", "data"}.
//
// Already-applied sequences are idempotent no-ops. A batch starting
// exactly at the expected sequence applies in order and advances the
// subscription. A gap marks the subscription for resync and runs the
// baseline path immediately; if that fetch fails the subscription
// stays in StateResyncRequired and the mirror keeps its previous
// state, retried on the next callback or explicit sync.
func (e *Engine) HandleSubscriptionCallback(ctx context.Context, owner ref.ActorID, peer ref.PeerID, body []byte) error {
	var callback callbackBody
	if err := json.Unmarshal(body, &callback); err != nil {
		return fmt.Errorf("peersync: decoding subscription callback: %w", err)
	}
	id, err := ref.ParseSubscriptionID(callback.SubscriptionID)
	if err != nil {
		return fmt.Errorf("peersync: subscription callback: %w", err)
	}

	unlock := e.lockPair(owner, peer)
	defer unlock()

	sub, err := e.subscriptions.Get(ctx, owner, peer, id)
	if err != nil {
		return err
	}
	if sub.Direction != DirectionOutbound {
		return fmt.Errorf("peersync: callback for %s: %w", id, ErrWrongDirection)
	}

	return e.ingestDiffs(ctx, sub, callback.Sequence, callback.Data)
}

// ingestDiffs runs the diff/sequence state machine for one callback.
// Caller holds the pair lock.
func (e *Engine) ingestDiffs(ctx context.Context, sub Subscription, incomingSeq uint64, diffs []Diff) error {
	// A subscription already marked for resync ignores the batch
	// contents entirely: the mirror is suspect, only a baseline
	// heals it. The callback still serves as the retry trigger.
	if sub.State == StateResyncRequired {
		return e.resyncSubscription(ctx, sub)
	}

	// Normalize: ascending, with anything at or below the applied
	// sequence dropped (at-least-once delivery makes duplicates
	// routine).
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Seq < diffs[j].Seq })
	pending := diffs[:0]
	for _, diff := range diffs {
		if diff.Seq > sub.SequenceNumber {
			pending = append(pending, diff)
		}
	}

	if len(pending) == 0 {
		// Entirely already-applied (or an empty keepalive batch):
		// idempotent no-op, unless the advertised sequence itself
		// reveals we are behind.
		if incomingSeq > sub.SequenceNumber {
			return e.markAndResync(ctx, sub)
		}
		return nil
	}

	// Gap check: the batch must start exactly one past the applied
	// sequence and be internally contiguous. Anything else means a
	// callback was lost; partial application would silently skip the
	// missing diffs, so the whole batch is abandoned for a resync.
	expected := sub.SequenceNumber + 1
	for _, diff := range pending {
		if diff.Seq != expected {
			e.logger.Warn("sequence gap detected, forcing resync",
				"subscription", sub.ID.String(),
				"peer", sub.Peer.String(),
				"expected", expected,
				"got", diff.Seq,
			)
			return e.markAndResync(ctx, sub)
		}
		expected++
	}

	// Apply in order. A mid-batch failure persists the sequence of
	// the last diff that did apply — never past it — and leaves the
	// subscription active: the peer redelivers, the applied prefix
	// deduplicates, and the remainder continues from the failure
	// point.
	for _, diff := range pending {
		if err := e.applyDiff(ctx, sub.Owner, sub.Peer, diff); err != nil {
			if updateErr := e.subscriptions.Update(ctx, sub); updateErr != nil {
				e.logger.Error("persisting partial batch position failed",
					"subscription", sub.ID.String(), "error", updateErr)
			}
			return fmt.Errorf("peersync: applying diff batch to %s: %w", sub.ID, err)
		}
		sub.SequenceNumber = diff.Seq
		e.emit(Event{
			Type:         EventDiffApplied,
			Owner:        sub.Owner,
			Peer:         sub.Peer,
			Subscription: sub.ID,
			Sequence:     diff.Seq,
			Property:     diff.Resource,
		})
	}

	return e.subscriptions.Update(ctx, sub)
}

// markAndResync transitions a subscription to StateResyncRequired,
// persists the transition, then runs the baseline path. The persist
// happens first so a crash between the two still leaves the gap
// recorded.
func (e *Engine) markAndResync(ctx context.Context, sub Subscription) error {
	sub.State = StateResyncRequired
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return err
	}
	e.emit(Event{
		Type:         EventResyncTriggered,
		Owner:        sub.Owner,
		Peer:         sub.Peer,
		Subscription: sub.ID,
	})
	return e.resyncSubscription(ctx, sub)
}
