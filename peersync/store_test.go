// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestApplyBaselineReplacesMirror(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := map[string]Entry{
		"displayname": {Value: json.RawMessage(`"Bob"`)},
		"stale":       {Value: json.RawMessage(`"old"`)},
	}
	if _, err := env.store.ApplyBaseline(ctx, testOwner, testPeer, first); err != nil {
		t.Fatalf("first baseline: %v", err)
	}

	second := map[string]Entry{
		"displayname": {Value: json.RawMessage(`"Bobby"`)},
	}
	if _, err := env.store.ApplyBaseline(ctx, testOwner, testPeer, second); err != nil {
		t.Fatalf("second baseline: %v", err)
	}

	if got := env.mirrorValue(t, "displayname"); got != "Bobby" {
		t.Errorf("displayname = %q, want %q", got, "Bobby")
	}
	if _, err := env.store.Value(ctx, testOwner, testPeer, "stale"); !errors.Is(err, ErrNoProperty) {
		t.Errorf("stale property survived the replace: %v", err)
	}
}

func TestApplyBaselineRejectsNil(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := map[string]Entry{"displayname": {Value: json.RawMessage(`"Bob"`)}}
	if _, err := env.store.ApplyBaseline(ctx, testOwner, testPeer, seed); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	if _, err := env.store.ApplyBaseline(ctx, testOwner, testPeer, nil); err == nil {
		t.Fatal("nil baseline must be rejected")
	}

	// The prior mirror is untouched.
	if got := env.mirrorValue(t, "displayname"); got != "Bob" {
		t.Errorf("displayname = %q after rejected baseline, want %q", got, "Bob")
	}
}

func TestApplyBaselineEmptyIsAuthoritative(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := map[string]Entry{"displayname": {Value: json.RawMessage(`"Bob"`)}}
	if _, err := env.store.ApplyBaseline(ctx, testOwner, testPeer, seed); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	// A successfully completed fetch with nothing visible clears the
	// mirror: the peer legitimately deleted (or hid) everything.
	if _, err := env.store.ApplyBaseline(ctx, testOwner, testPeer, map[string]Entry{}); err != nil {
		t.Fatalf("empty baseline: %v", err)
	}
	properties, err := env.store.Properties(ctx, testOwner, testPeer)
	if err != nil {
		t.Fatalf("listing mirror: %v", err)
	}
	if len(properties) != 0 {
		t.Errorf("mirror has %d properties after empty baseline, want 0", len(properties))
	}
}

func TestBaselineDigestDeterministic(t *testing.T) {
	properties := map[string]Entry{
		"a": {Value: json.RawMessage(`1`)},
		"b": {IsList: true, Items: []json.RawMessage{json.RawMessage(`2`)}},
	}
	first, err := baselineDigest(properties)
	if err != nil {
		t.Fatal(err)
	}
	second, err := baselineDigest(map[string]Entry{
		"b": {IsList: true, Items: []json.RawMessage{json.RawMessage(`2`)}},
		"a": {Value: json.RawMessage(`1`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("equal property maps must digest equally")
	}

	changed, err := baselineDigest(map[string]Entry{"a": {Value: json.RawMessage(`2`)}})
	if err != nil {
		t.Fatal(err)
	}
	if first == changed {
		t.Error("different property maps must digest differently")
	}
}

func TestListItemOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Appending to an absent property creates the list.
	if err := env.store.UpsertListItem(ctx, testOwner, testPeer, "notes", json.RawMessage(`"n1"`)); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := env.store.UpsertListItem(ctx, testOwner, testPeer, "notes", json.RawMessage(`"n2"`)); err != nil {
		t.Fatalf("second append: %v", err)
	}
	if got := env.mirrorList(t, "notes"); len(got) != 2 || got[0] != "n1" || got[1] != "n2" {
		t.Fatalf("notes = %v, want [n1 n2]", got)
	}

	// Removal is by value and idempotent.
	if err := env.store.DeleteListItem(ctx, testOwner, testPeer, "notes", json.RawMessage(`"n1"`)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := env.store.DeleteListItem(ctx, testOwner, testPeer, "notes", json.RawMessage(`"n1"`)); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if got := env.mirrorList(t, "notes"); len(got) != 1 || got[0] != "n2" {
		t.Fatalf("notes = %v, want [n2]", got)
	}

	// List operations on a simple property are rejected.
	if err := env.store.UpsertProperty(ctx, testOwner, testPeer, "displayname", Entry{Value: json.RawMessage(`"Bob"`)}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.UpsertListItem(ctx, testOwner, testPeer, "displayname", json.RawMessage(`"x"`)); !errors.Is(err, ErrNotList) {
		t.Errorf("append to simple property: %v, want ErrNotList", err)
	}
}

func TestDeleteMatching(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	properties := map[string]Entry{
		"displayname":        {Value: json.RawMessage(`"Bob"`)},
		"contact/email":      {Value: json.RawMessage(`"bob@example.org"`)},
		"contact/home/phone": {Value: json.RawMessage(`"555"`)},
	}
	if _, err := env.store.ApplyBaseline(ctx, testOwner, testPeer, properties); err != nil {
		t.Fatal(err)
	}

	removed, err := env.store.DeleteMatching(ctx, testOwner, testPeer, []string{"contact/**"})
	if err != nil {
		t.Fatalf("delete matching: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if got := env.mirrorValue(t, "displayname"); got != "Bob" {
		t.Errorf("displayname was removed by an unrelated pattern")
	}
}

func TestDeletePropertyIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.DeleteProperty(context.Background(), testOwner, testPeer, "absent"); err != nil {
		t.Errorf("deleting an absent property: %v", err)
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry := Entry{Value: json.RawMessage(`"Alice"`)}
	if err := env.local.Put(ctx, testOwner, "displayname", entry); err != nil {
		t.Fatal(err)
	}
	got, err := env.local.Get(ctx, testOwner, "displayname")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Value) != `"Alice"` {
		t.Errorf("local value = %s", got.Value)
	}

	all, err := env.local.All(ctx, testOwner)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("local properties = %d, want 1", len(all))
	}

	if err := env.local.Delete(ctx, testOwner, "displayname"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.local.Get(ctx, testOwner, "displayname"); !errors.Is(err, ErrNoProperty) {
		t.Errorf("deleted local property: %v, want ErrNoProperty", err)
	}
}
