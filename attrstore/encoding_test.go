// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package attrstore

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"
)

func TestEncodingString(t *testing.T) {
	tests := []struct {
		encoding Encoding
		want     string
	}{
		{EncodingNone, "none"},
		{EncodingLZ4, "lz4"},
		{EncodingZstd, "zstd"},
		{Encoding(9), "unknown(9)"},
	}

	for _, tt := range tests {
		if got := tt.encoding.String(); got != tt.want {
			t.Errorf("Encoding(%d).String() = %q, want %q", tt.encoding, got, tt.want)
		}
	}
}

func TestParseEncoding(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		encoding, err := ParseEncoding(name)
		if err != nil {
			t.Fatalf("ParseEncoding(%q) failed: %v", name, err)
		}
		if encoding.String() != name {
			t.Errorf("ParseEncoding(%q).String() = %q", name, encoding.String())
		}
	}

	if _, err := ParseEncoding("gzip"); err == nil {
		t.Error("expected error for unknown encoding name")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	// Repetitive JSON-like content compresses well under both codecs.
	value := []byte(strings.Repeat(`{"displayname":"Alice","notes":"hello world"},`, 200))

	for _, encoding := range []Encoding{EncodingLZ4, EncodingZstd} {
		t.Run(encoding.String(), func(t *testing.T) {
			stored, err := encode(value, encoding)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if len(stored) >= len(value) {
				t.Fatalf("compressed size %d not smaller than input %d", len(stored), len(value))
			}

			decoded, err := decode(stored, encoding, len(value))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !bytes.Equal(decoded, value) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestEncodeIncompressible(t *testing.T) {
	// Pseudorandom bytes do not compress. A fixed seed keeps the test
	// deterministic.
	rng := rand.New(rand.NewSource(42))
	value := make([]byte, 4096)
	rng.Read(value)

	for _, encoding := range []Encoding{EncodingLZ4, EncodingZstd} {
		if _, err := encode(value, encoding); err != errIncompressible {
			t.Errorf("%s: expected errIncompressible, got %v", encoding, err)
		}
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	value := []byte(strings.Repeat("weft weft weft ", 300))

	for _, encoding := range []Encoding{EncodingLZ4, EncodingZstd} {
		stored, err := encode(value, encoding)
		if err != nil {
			t.Fatalf("%s: encode failed: %v", encoding, err)
		}
		if _, err := decode(stored, encoding, len(value)+1); err == nil {
			t.Errorf("%s: expected size mismatch error", encoding)
		}
	}
}

func TestEncodeNonePassthrough(t *testing.T) {
	value := []byte("small")
	stored, err := encode(value, EncodingNone)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if &stored[0] != &value[0] {
		t.Error("EncodingNone should return the input without copying")
	}
}
