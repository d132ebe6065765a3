// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseActorID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "alice"},
		{name: "with dots and dashes", input: "actor-7f3a.main"},
		{name: "email-like creator id", input: "alice@example.com"},
		{name: "mixed case", input: "Alice.Smith"},
		{name: "empty", input: "", wantErr: true},
		{name: "contains slash", input: "alice/bob", wantErr: true},
		{name: "contains space", input: "alice smith", wantErr: true},
		{name: "contains colon", input: "alice:9000", wantErr: true},
		{name: "leading dot", input: ".alice", wantErr: true},
		{name: "too long", input: strings.Repeat("a", 129), wantErr: true},
		{name: "max length ok", input: strings.Repeat("a", 128)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			actor, err := ParseActorID(test.input)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseActorID(%q) succeeded, want error", test.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseActorID(%q): %v", test.input, err)
			}
			if actor.String() != test.input {
				t.Errorf("String() = %q, want %q", actor.String(), test.input)
			}
			if actor.IsZero() {
				t.Error("IsZero() = true for parsed actor ID")
			}
		})
	}
}

func TestActorIDZeroValue(t *testing.T) {
	var zero ActorID
	if !zero.IsZero() {
		t.Error("zero ActorID: IsZero() = false")
	}
	defer func() {
		if recover() == nil {
			t.Error("String() on zero ActorID did not panic")
		}
	}()
	_ = zero.String()
}

func TestActorIDJSONRoundTrip(t *testing.T) {
	original := MustParseActorID("alice@example.com")
	encoded, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ActorID
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip: got %v, want %v", decoded, original)
	}
}

func TestActorIDUnmarshalRejectsInvalid(t *testing.T) {
	var actor ActorID
	if err := json.Unmarshal([]byte(`"has space"`), &actor); err == nil {
		t.Error("unmarshal of invalid actor ID succeeded, want error")
	}
}

func TestParsePeerID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "remote-actor-1"},
		{name: "uuid-like", input: "9b2f0c1e4a5d4b6e8f00112233445566"},
		{name: "empty", input: "", wantErr: true},
		{name: "contains slash", input: "a/b", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			peer, err := ParsePeerID(test.input)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParsePeerID(%q) succeeded, want error", test.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePeerID(%q): %v", test.input, err)
			}
			if peer.String() != test.input {
				t.Errorf("String() = %q, want %q", peer.String(), test.input)
			}
		})
	}
}

func TestNewSubscriptionID(t *testing.T) {
	first := NewSubscriptionID()
	second := NewSubscriptionID()

	if first.IsZero() || second.IsZero() {
		t.Fatal("NewSubscriptionID returned zero value")
	}
	if first == second {
		t.Errorf("two generated IDs are equal: %v", first)
	}
	if len(first.String()) != 26 {
		t.Errorf("ULID length = %d, want 26", len(first.String()))
	}

	// Round trip through the parser.
	parsed, err := ParseSubscriptionID(first.String())
	if err != nil {
		t.Fatalf("ParseSubscriptionID(%q): %v", first.String(), err)
	}
	if parsed != first {
		t.Errorf("round trip: got %v, want %v", parsed, first)
	}
}

func TestParseSubscriptionIDRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "not-a-ulid", "0000"} {
		if _, err := ParseSubscriptionID(input); err == nil {
			t.Errorf("ParseSubscriptionID(%q) succeeded, want error", input)
		}
	}
}
