// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"encoding/json"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Rules holds the include and exclude pattern lists for one category.
// A name is permitted when it matches any include pattern and no
// exclude pattern; exclude always wins.
type Rules struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Snapshot is a raw permission document: trust-type defaults, a
// per-peer override, or the payload of a permission callback. A
// Snapshot by itself says nothing about what a peer may access —
// only the merge of defaults and override does.
type Snapshot map[Category]Rules

// Validate rejects snapshots that name unknown categories. Pattern
// strings themselves are not validated here: a malformed glob simply
// never matches.
func (s Snapshot) Validate() error {
	for category := range s {
		if _, err := ParseCategory(string(category)); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveSet is the merge of trust-type defaults with a per-peer
// override. It is the only shape the change detector accepts.
//
// The zero EffectiveSet means "never merged" and is rejected wherever
// an effective set is required. Construct one with [Merge], or restore
// a previously persisted one with [DecodeEffective].
type EffectiveSet struct {
	rules map[Category]Rules
}

// Merge combines trust-type defaults with a per-peer override into an
// effective set. Include and exclude lists are unioned per category,
// deduplicated, and sorted, so two merges of equal inputs compare
// equal pattern-for-pattern. Either snapshot may be nil.
func Merge(defaults, override Snapshot) EffectiveSet {
	rules := make(map[Category]Rules, len(Categories()))

	for _, category := range Categories() {
		defaultRules := defaults[category]
		overrideRules := override[category]

		merged := Rules{
			Include: unionPatterns(defaultRules.Include, overrideRules.Include),
			Exclude: unionPatterns(defaultRules.Exclude, overrideRules.Exclude),
		}
		if len(merged.Include) == 0 && len(merged.Exclude) == 0 {
			continue
		}
		rules[category] = merged
	}

	return EffectiveSet{rules: rules}
}

// unionPatterns merges two pattern lists into a sorted, deduplicated
// slice. Returns nil when both inputs are empty.
func unionPatterns(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := mapset.NewThreadUnsafeSet[string](a...)
	set.Append(b...)
	patterns := set.ToSlice()
	sort.Strings(patterns)
	return patterns
}

// IsZero reports whether the set was never produced by Merge. A zero
// set is a contract violation when passed to the change detector; an
// empty-but-merged set (nothing granted) is not.
func (e EffectiveSet) IsZero() bool {
	return e.rules == nil
}

// Rules returns a copy of the rules for one category. The copy keeps
// callers from mutating the set after construction.
func (e EffectiveSet) Rules(category Category) Rules {
	rules, ok := e.rules[category]
	if !ok {
		return Rules{}
	}
	return Rules{
		Include: append([]string(nil), rules.Include...),
		Exclude: append([]string(nil), rules.Exclude...),
	}
}

// Allows reports whether a name is permitted in a category: it must
// match an include pattern and no exclude pattern.
func (e EffectiveSet) Allows(category Category, name string) bool {
	rules, ok := e.rules[category]
	if !ok {
		return false
	}
	if MatchAnyPattern(rules.Exclude, name) {
		return false
	}
	return MatchAnyPattern(rules.Include, name)
}

// Equal reports whether two effective sets carry identical rules.
// Merge normalizes pattern order, so slice comparison suffices.
func (e EffectiveSet) Equal(other EffectiveSet) bool {
	if len(e.rules) != len(other.rules) {
		return false
	}
	for category, rules := range e.rules {
		otherRules, ok := other.rules[category]
		if !ok {
			return false
		}
		if !equalPatterns(rules.Include, otherRules.Include) {
			return false
		}
		if !equalPatterns(rules.Exclude, otherRules.Exclude) {
			return false
		}
	}
	return true
}

func equalPatterns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Encode serializes the effective set for persistence in the metadata
// cache. The output is only meaningful to [DecodeEffective].
func (e EffectiveSet) Encode() ([]byte, error) {
	if e.IsZero() {
		return nil, fmt.Errorf("permission: encoding zero effective set")
	}
	data, err := json.Marshal(e.rules)
	if err != nil {
		return nil, fmt.Errorf("permission: encoding effective set: %w", err)
	}
	return data, nil
}

// DecodeEffective restores an effective set previously produced by
// Merge and serialized with Encode. It exists for cache persistence
// across restarts, not for decoding wire payloads: a permission
// callback carries defaults and override separately and the receiver
// must Merge them.
func DecodeEffective(data []byte) (EffectiveSet, error) {
	var rules map[Category]Rules
	if err := json.Unmarshal(data, &rules); err != nil {
		return EffectiveSet{}, fmt.Errorf("permission: decoding effective set: %w", err)
	}
	if rules == nil {
		rules = make(map[Category]Rules)
	}
	for category := range rules {
		if _, err := ParseCategory(string(category)); err != nil {
			return EffectiveSet{}, err
		}
	}
	return EffectiveSet{rules: rules}, nil
}
