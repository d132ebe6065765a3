// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/weftlabs/weft/lib/ref"
)

func TestCallbackAppliesDiffsInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.outboundSubscription(t, 0)

	// Deliberately out of order on the wire; ingestion sorts.
	diffs := []Diff{
		addDiff(t, 2, "notes", "n1"),
		putDiff(t, 1, "displayname", "Bob"),
	}
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, callback(t, sub.ID, 2, diffs)); err != nil {
		t.Fatalf("callback: %v", err)
	}

	if got := env.mirrorValue(t, "displayname"); got != "Bob" {
		t.Errorf("displayname = %q, want %q", got, "Bob")
	}
	if got := env.mirrorList(t, "notes"); len(got) != 1 || got[0] != "n1" {
		t.Errorf("notes = %v, want [n1]", got)
	}

	after, err := env.subscriptions.Get(ctx, testOwner, testPeer, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.SequenceNumber != 2 {
		t.Errorf("sequence = %d, want 2", after.SequenceNumber)
	}
	if after.State != StateActive {
		t.Errorf("state = %q, want %q", after.State, StateActive)
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.outboundSubscription(t, 0)
	body := callback(t, sub.ID, 1, []Diff{putDiff(t, 1, "displayname", "Bob")})

	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, body); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// At-least-once delivery: the exact same batch arrives again.
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, body); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if got := env.mirrorValue(t, "displayname"); got != "Bob" {
		t.Errorf("displayname = %q after redelivery", got)
	}
	after, err := env.subscriptions.Get(ctx, testOwner, testPeer, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.SequenceNumber != 1 {
		t.Errorf("sequence = %d after redelivery, want 1", after.SequenceNumber)
	}
	if calls := env.client.totalCalls(); calls != 0 {
		t.Errorf("redelivery made %d network calls, want 0", calls)
	}
}

func TestSequenceGapForcesResync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.outboundSubscription(t, 1)
	if err := env.store.UpsertProperty(ctx, testOwner, testPeer, "stale", Entry{Value: json.RawMessage(`"old"`)}); err != nil {
		t.Fatal(err)
	}

	env.serveBaseline(map[string]any{
		"displayname": map[string]any{"value": "Fresh", "isList": false},
	}, 5)

	// Seq 3 arrives while 2 is expected: the missing diff must never
	// be skipped, so the whole mirror is rebuilt from the baseline.
	gap := callback(t, sub.ID, 3, []Diff{putDiff(t, 3, "displayname", "FromDiff")})
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, gap); err != nil {
		t.Fatalf("gap callback: %v", err)
	}

	if got := env.mirrorValue(t, "displayname"); got != "Fresh" {
		t.Errorf("displayname = %q, want the baseline value", got)
	}
	if _, err := env.store.Value(ctx, testOwner, testPeer, "stale"); !errors.Is(err, ErrNoProperty) {
		t.Errorf("property outside the baseline survived the resync: %v", err)
	}

	after, err := env.subscriptions.Get(ctx, testOwner, testPeer, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State != StateActive || after.SequenceNumber != 5 {
		t.Errorf("after resync: state=%q seq=%d, want active/5", after.State, after.SequenceNumber)
	}
	if calls := env.client.callCount(http.MethodGet, PathProperties); calls != 1 {
		t.Errorf("baseline fetches = %d, want 1", calls)
	}
}

func TestFailedResyncKeepsMirrorAndMark(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.outboundSubscription(t, 1)
	if err := env.store.UpsertProperty(ctx, testOwner, testPeer, "displayname", Entry{Value: json.RawMessage(`"Bob"`)}); err != nil {
		t.Fatal(err)
	}
	env.client.fail(http.MethodGet, PathProperties, errors.New("peer unreachable"))

	gap := callback(t, sub.ID, 3, []Diff{putDiff(t, 3, "displayname", "FromDiff")})
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, gap); err == nil {
		t.Fatal("expected the failed baseline fetch to surface")
	}

	// A failed fetch never wipes the mirror.
	if got := env.mirrorValue(t, "displayname"); got != "Bob" {
		t.Errorf("displayname = %q after failed resync, want %q", got, "Bob")
	}
	// The gap stays recorded so the next callback retries the baseline.
	after, err := env.subscriptions.Get(ctx, testOwner, testPeer, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State != StateResyncRequired {
		t.Errorf("state = %q, want %q", after.State, StateResyncRequired)
	}
	if after.SequenceNumber != 1 {
		t.Errorf("sequence = %d, want the pre-gap 1", after.SequenceNumber)
	}
}

func TestResyncRequiredIgnoresBatchContents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.outboundSubscription(t, 0)
	sub.State = StateResyncRequired
	if err := env.subscriptions.Update(ctx, sub); err != nil {
		t.Fatal(err)
	}

	env.serveBaseline(map[string]any{
		"displayname": map[string]any{"value": "FromBaseline", "isList": false},
	}, 4)

	// The batch is contiguous and would apply cleanly, but a suspect
	// mirror only heals from a baseline.
	body := callback(t, sub.ID, 1, []Diff{putDiff(t, 1, "displayname", "FromDiff")})
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, body); err != nil {
		t.Fatalf("callback: %v", err)
	}

	if got := env.mirrorValue(t, "displayname"); got != "FromBaseline" {
		t.Errorf("displayname = %q, want the baseline value", got)
	}
	after, err := env.subscriptions.Get(ctx, testOwner, testPeer, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State != StateActive || after.SequenceNumber != 4 {
		t.Errorf("after resync: state=%q seq=%d, want active/4", after.State, after.SequenceNumber)
	}
}

func TestPartialBatchPersistsLastApplied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.outboundSubscription(t, 0)

	// Seq 2's blob is not a valid envelope, so application stops there.
	broken := Diff{Seq: 2, Operation: OpPut, Resource: "description", Blob: json.RawMessage(`{"isList": false}`)}
	diffs := []Diff{
		putDiff(t, 1, "displayname", "Bob"),
		broken,
		putDiff(t, 3, "description", "never applied"),
	}
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, callback(t, sub.ID, 3, diffs)); err == nil {
		t.Fatal("expected the malformed diff to surface")
	}

	// Seq 1 applied; the sequence sits there, never past the failure.
	if got := env.mirrorValue(t, "displayname"); got != "Bob" {
		t.Errorf("displayname = %q, want %q", got, "Bob")
	}
	if _, err := env.store.Value(ctx, testOwner, testPeer, "description"); !errors.Is(err, ErrNoProperty) {
		t.Errorf("diff past the failure point was applied: %v", err)
	}
	after, err := env.subscriptions.Get(ctx, testOwner, testPeer, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.SequenceNumber != 1 {
		t.Errorf("sequence = %d, want 1", after.SequenceNumber)
	}
	if after.State != StateActive {
		t.Errorf("state = %q; a mid-batch failure is not a gap", after.State)
	}

	// The peer redelivers from the failure point and the stream heals.
	redelivery := []Diff{
		putDiff(t, 2, "description", "fixed"),
		putDiff(t, 3, "description", "final"),
	}
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, callback(t, sub.ID, 3, redelivery)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := env.mirrorValue(t, "description"); got != "final" {
		t.Errorf("description = %q, want %q", got, "final")
	}
}

func TestEmptyBatchAheadOfSequenceResyncs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.outboundSubscription(t, 1)
	env.serveBaseline(map[string]any{}, 5)

	// An empty batch whose advertised sequence is ahead of ours means
	// callbacks were lost even if this one carries nothing.
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, callback(t, sub.ID, 5, nil)); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if calls := env.client.callCount(http.MethodGet, PathProperties); calls != 1 {
		t.Errorf("baseline fetches = %d, want 1", calls)
	}

	// An empty batch at or behind our sequence is a keepalive.
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, callback(t, sub.ID, 5, nil)); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if calls := env.client.callCount(http.MethodGet, PathProperties); calls != 1 {
		t.Errorf("keepalive triggered another baseline fetch")
	}
}

func TestCallbackRejectsWrongDirection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := Subscription{
		ID:        ref.NewSubscriptionID(),
		Owner:     testOwner,
		Peer:      testPeer,
		Target:    TargetProperties,
		Direction: DirectionInbound,
		State:     StateActive,
	}
	if err := env.subscriptions.Create(ctx, sub); err != nil {
		t.Fatal(err)
	}

	body := callback(t, sub.ID, 1, []Diff{putDiff(t, 1, "displayname", "Bob")})
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, body); !errors.Is(err, ErrWrongDirection) {
		t.Errorf("callback on inbound subscription: %v, want ErrWrongDirection", err)
	}
}

func TestCallbackUnknownSubscription(t *testing.T) {
	env := newTestEnv(t)
	body := callback(t, ref.NewSubscriptionID(), 1, nil)
	if err := env.engine.HandleSubscriptionCallback(context.Background(), testOwner, testPeer, body); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("callback for unknown id: %v, want ErrUnknownSubscription", err)
	}
}

func TestDiffEventsEmitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var events []Event
	env.hooks.Register(func(event Event) { events = append(events, event) })

	sub := env.outboundSubscription(t, 0)
	diffs := []Diff{putDiff(t, 1, "displayname", "Bob")}
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, callback(t, sub.ID, 1, diffs)); err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	event := events[0]
	if event.Type != EventDiffApplied || event.Sequence != 1 || event.Property != "displayname" {
		t.Errorf("unexpected event: %+v", event)
	}
	if event.Subscription != sub.ID {
		t.Errorf("event subscription = %v, want %v", event.Subscription, sub.ID)
	}
	if event.Time.IsZero() {
		t.Error("event time was not stamped")
	}

	// A gap produces a resync-triggered event followed by the baseline
	// event once the fetch succeeds.
	events = events[:0]
	env.serveBaseline(map[string]any{}, 9)
	gap := callback(t, sub.ID, 9, []Diff{putDiff(t, 9, "displayname", "x")})
	if err := env.engine.HandleSubscriptionCallback(ctx, testOwner, testPeer, gap); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events after gap = %d, want 2", len(events))
	}
	if events[0].Type != EventResyncTriggered || events[1].Type != EventBaselineApplied {
		t.Errorf("event order = %v, %v", events[0].Type, events[1].Type)
	}
	if events[1].Sequence != 9 {
		t.Errorf("baseline event sequence = %d, want 9", events[1].Sequence)
	}
}
