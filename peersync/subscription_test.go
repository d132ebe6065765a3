// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestParseDirection(t *testing.T) {
	tests := []struct {
		raw     string
		want    Direction
		wantErr bool
	}{
		{raw: "outbound", want: DirectionOutbound},
		{raw: "inbound", want: DirectionInbound},
		{raw: "sideways", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.raw, func(t *testing.T) {
			got, err := ParseDirection(test.raw)
			if test.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != test.want {
				t.Errorf("got %v, want %v", got, test.want)
			}
			if got.String() != test.raw {
				t.Errorf("String() = %q, want %q", got.String(), test.raw)
			}
		})
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.outboundSubscription(t, 0)

	got, err := env.subscriptions.Get(ctx, testOwner, testPeer, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateActive || got.Direction != DirectionOutbound {
		t.Errorf("unexpected subscription: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt was not stamped")
	}

	got.SequenceNumber = 7
	got.State = StateResyncRequired
	if err := env.subscriptions.Update(ctx, got); err != nil {
		t.Fatal(err)
	}

	updated, err := env.subscriptions.Get(ctx, testOwner, testPeer, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.SequenceNumber != 7 || updated.State != StateResyncRequired {
		t.Errorf("update did not persist: %+v", updated)
	}

	if err := env.subscriptions.Delete(ctx, testOwner, testPeer, sub.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.subscriptions.Get(ctx, testOwner, testPeer, sub.ID); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("deleted subscription: %v, want ErrUnknownSubscription", err)
	}
}

func TestSubscriptionsSurviveRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.outboundSubscription(t, 42)

	// A fresh manager over the same attribute store simulates a
	// restart: the journal must reload the subscription, including
	// its sequence position.
	restarted, err := NewSubscriptionManager(env.attrs, env.clock, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	reloaded, err := restarted.Get(ctx, testOwner, testPeer, sub.ID)
	if err != nil {
		t.Fatalf("reloading from journal: %v", err)
	}
	if reloaded.SequenceNumber != 42 {
		t.Errorf("sequence = %d after restart, want 42", reloaded.SequenceNumber)
	}
	if reloaded.Direction != DirectionOutbound {
		t.Errorf("direction = %v after restart", reloaded.Direction)
	}
}

func TestDeletePairCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.outboundSubscription(t, 0)
	env.outboundSubscription(t, 0)

	removed, err := env.subscriptions.DeletePair(ctx, testOwner, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	subs, err := env.subscriptions.ForPair(ctx, testOwner, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Errorf("%d subscriptions survive pair deletion", len(subs))
	}
}

func TestForPairSortedByCreation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.outboundSubscription(t, 0)
	second := env.outboundSubscription(t, 0)

	subs, err := env.subscriptions.ForPair(ctx, testOwner, testPeer)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Fatalf("len = %d, want 2", len(subs))
	}
	// ULIDs sort by creation time.
	if subs[0].ID != first.ID || subs[1].ID != second.ID {
		t.Errorf("subscriptions out of creation order: %v, %v", subs[0].ID, subs[1].ID)
	}
}

func TestCreateRequiresIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	err := env.subscriptions.Create(context.Background(), Subscription{
		Owner:     testOwner,
		Peer:      testPeer,
		Direction: DirectionOutbound,
	})
	if err == nil {
		t.Fatal("zero subscription ID must be rejected")
	}
}
