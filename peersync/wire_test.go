// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeEntry(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{
			name:    "simple value",
			payload: `{"value": "X", "isList": false}`,
			want:    `"X"`,
		},
		{
			name:    "object value with non-envelope keys is data",
			payload: `{"value": {"city": "Oslo", "zip": "0150"}, "isList": false}`,
			want:    `{"city": "Oslo", "zip": "0150"}`,
		},
		{
			name: "double-wrapped value unwraps to the datum",
			// A sender that serialized its stored record instead of
			// the record's value. The mirror must hold "X", not the
			// wrapper dict.
			payload: `{"value": {"value": "X"}, "isList": false}`,
			want:    `"X"`,
		},
		{
			name:    "double wrap with explicit isList false",
			payload: `{"value": {"value": "X", "isList": false}, "isList": false}`,
			want:    `"X"`,
		},
		{
			name: "unwrap runs once, not recursively",
			// Triple wrap leaves one wrapper: after the single
			// unwrap the remainder is data.
			payload: `{"value": {"value": {"value": "X"}}, "isList": false}`,
			want:    `{"value": "X"}`,
		},
		{
			name: "value with extra key survives",
			// "value" plus any other key is a legitimate object, not
			// a wrapper.
			payload: `{"value": {"value": "X", "unit": "m"}, "isList": false}`,
			want:    `{"value": "X", "unit": "m"}`,
		},
		{
			name:    "missing value is an error",
			payload: `{"isList": false}`,
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var env envelope
			if err := json.Unmarshal([]byte(test.payload), &env); err != nil {
				t.Fatalf("decoding payload: %v", err)
			}
			entry, err := env.entry()
			if test.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("entry: %v", err)
			}
			if entry.IsList {
				t.Fatal("expected a simple entry")
			}
			if !jsonEqual(t, entry.Value, json.RawMessage(test.want)) {
				t.Errorf("stored value = %s, want %s", entry.Value, test.want)
			}
		})
	}
}

func TestEnvelopeEntryList(t *testing.T) {
	var env envelope
	payload := `{"isList": true, "items": ["n1", "n2"]}`
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	entry, err := env.entry()
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if !entry.IsList {
		t.Fatal("expected a list entry")
	}
	if len(entry.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(entry.Items))
	}
}

func TestEnvelopeEntryEmptyList(t *testing.T) {
	var env envelope
	if err := json.Unmarshal([]byte(`{"isList": true}`), &env); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	entry, err := env.entry()
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.Items == nil {
		t.Fatal("empty list must decode to non-nil items")
	}
}

func TestWireEnvelopeRoundTrip(t *testing.T) {
	entry := Entry{Value: json.RawMessage(`"hello"`)}
	back, err := wireEnvelope(entry).entry()
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if string(back.Value) != `"hello"` {
		t.Errorf("round trip value = %s", back.Value)
	}

	list := Entry{IsList: true, Items: []json.RawMessage{json.RawMessage(`1`)}}
	back, err = wireEnvelope(list).entry()
	if err != nil {
		t.Fatalf("round trip list: %v", err)
	}
	if !back.IsList || len(back.Items) != 1 {
		t.Errorf("round trip list = %+v", back)
	}
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		t.Fatalf("decoding %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		t.Fatalf("decoding %s: %v", b, err)
	}
	aCanonical, _ := json.Marshal(av)
	bCanonical, _ := json.Marshal(bv)
	return string(aCanonical) == string(bCanonical)
}
