// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// fuzzyResult is one fzf match: a positive score and the matched rune
// positions. The zero value means no match.
type fuzzyResult struct {
	Score     int
	Positions []int
}

// fzf's algo package requires Init to populate its char-class and
// bonus tables before any matching; without it uppercase input is
// never case-folded.
func init() {
	algo.Init("default")
}

// fuzzyMatch runs fzf's V2 scoring algorithm case-insensitively. The
// slab is an optional scratch allocation reused across calls in hot
// loops; nil allocates per call.
func fuzzyMatch(text string, pattern []rune, slab *util.Slab) fuzzyResult {
	if len(pattern) == 0 {
		return fuzzyResult{}
	}
	chars := util.ToChars([]byte(text))
	result, positions := algo.FuzzyMatchV2(false, true, true, &chars, pattern, true, slab)
	if result.Score <= 0 {
		return fuzzyResult{}
	}
	match := fuzzyResult{Score: result.Score}
	if positions != nil {
		match.Positions = *positions
	}
	return match
}

// newFuzzySlab allocates the scratch slab fzf reuses across matches.
func newFuzzySlab() *util.Slab {
	return util.MakeSlab(100*1024, 2048)
}
