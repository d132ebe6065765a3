// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"sync", "snyc", 2},
		{"watch", "wacth", 2},
		{"peer", "pier", 1},
		{"kitten", "sitting", 3},
	}
	for _, test := range tests {
		t.Run(test.a+"/"+test.b, func(t *testing.T) {
			if got := levenshtein(test.a, test.b); got != test.want {
				t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
			}
		})
	}
}

func TestSuggestCommand(t *testing.T) {
	commands := []*Command{
		{Name: "peer"},
		{Name: "sync"},
		{Name: "watch"},
	}

	tests := []struct {
		unknown string
		want    string
	}{
		{"snyc", "sync"},
		{"wacth", "watch"},
		{"pere", "peer"},
		{"completely-different", ""},
	}
	for _, test := range tests {
		t.Run(test.unknown, func(t *testing.T) {
			if got := suggestCommand(test.unknown, commands); got != test.want {
				t.Errorf("suggestCommand(%q) = %q, want %q", test.unknown, got, test.want)
			}
		})
	}
}

func TestSuggestFlag(t *testing.T) {
	newFlags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flagSet.Bool("force", false, "")
		flagSet.String("config", "", "")
		return flagSet
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"close typo", []string{"--forse"}, "--force"},
		{"typo with value", []string{"--confg=x"}, "--config"},
		{"defined flag skipped", []string{"--force", "--confg"}, "--config"},
		{"nothing close", []string{"--zzzzzzzz"}, ""},
		{"no flags in args", []string{"positional"}, ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := suggestFlag(test.args, newFlags()); got != test.want {
				t.Errorf("suggestFlag(%v) = %q, want %q", test.args, got, test.want)
			}
		})
	}
}
