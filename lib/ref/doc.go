// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated identifier value types for the weft
// federation protocol: actor IDs, peer IDs, and subscription IDs.
//
// All types are immutable values. Construct them through their Parse
// functions, which validate the raw string form; the zero value of
// each type is invalid and detectable with IsZero. Accessors that
// require a valid identifier panic on the zero value so that misuse
// fails loudly at the call site instead of propagating empty strings
// into URLs and storage keys.
package ref
