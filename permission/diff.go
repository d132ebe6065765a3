// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"errors"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Change describes what a permission transition granted and revoked,
// per category, as glob pattern strings. Granted patterns name data
// that became visible and should be fetched; revoked patterns name
// data that is no longer visible and must be deleted from the mirror.
type Change struct {
	Granted map[Category][]string `json:"granted,omitempty"`
	Revoked map[Category][]string `json:"revoked,omitempty"`
}

// IsEmpty reports whether the transition changed nothing.
func (c Change) IsEmpty() bool {
	return len(c.Granted) == 0 && len(c.Revoked) == 0
}

// ErrNotEffective is returned by ComputeChanges when an input set was
// never produced by Merge or DecodeEffective. Comparing an effective
// set against a raw override fabricates revocations for every
// default-granted pattern, and the revocation handler deletes mirrored
// data, so the detector refuses rather than guessing.
var ErrNotEffective = errors.New("permission: change detection requires effective sets on both sides")

// ComputeChanges diffs two effective permission sets and returns the
// patterns granted and revoked by the transition, per category, using
// set semantics on the pattern strings.
//
// A pattern is granted when it enters the include list or leaves the
// exclude list; it is revoked when it leaves the include list or
// enters the exclude list. Exclusions flip polarity because dropping
// an exclusion exposes data just like adding an inclusion does.
//
// Both inputs must be effective sets (defaults merged with override).
// The producer of a permission-update callback performs that merge
// before calling the detector; the detector performs no merging itself
// and returns ErrNotEffective if either side is a zero set.
func ComputeChanges(before, after EffectiveSet) (Change, error) {
	if before.IsZero() || after.IsZero() {
		return Change{}, ErrNotEffective
	}

	change := Change{
		Granted: make(map[Category][]string),
		Revoked: make(map[Category][]string),
	}
	for _, category := range Categories() {
		beforeRules := before.rules[category]
		afterRules := after.rules[category]

		granted := subtractPatterns(afterRules.Include, beforeRules.Include)
		granted = append(granted, subtractPatterns(beforeRules.Exclude, afterRules.Exclude)...)
		if len(granted) > 0 {
			sort.Strings(granted)
			change.Granted[category] = granted
		}

		revoked := subtractPatterns(beforeRules.Include, afterRules.Include)
		revoked = append(revoked, subtractPatterns(afterRules.Exclude, beforeRules.Exclude)...)
		if len(revoked) > 0 {
			sort.Strings(revoked)
			change.Revoked[category] = revoked
		}
	}
	return change, nil
}

// subtractPatterns returns the patterns in a that are not in b.
func subtractPatterns(a, b []string) []string {
	if len(a) == 0 {
		return nil
	}
	if len(b) == 0 {
		return append([]string(nil), a...)
	}
	return mapset.NewThreadUnsafeSet(a...).Difference(mapset.NewThreadUnsafeSet(b...)).ToSlice()
}
