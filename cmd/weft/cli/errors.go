// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// Kind classifies a command failure for exit-status mapping.
type Kind int

const (
	// Internal is an unexpected failure (I/O, daemon errors).
	Internal Kind = iota
	// Validation means the invocation itself was wrong: bad
	// arguments, malformed IDs. Exits 2, usage-error convention.
	Validation
	// NotFound means the named object does not exist.
	NotFound
)

// Error is a command failure with a kind and an optional hint shown
// to the user below the error message.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
}

func (e *Error) Error() string {
	return e.Message
}

// ExitCode maps the kind to a process exit status.
func (e *Error) ExitCode() int {
	if e.Kind == Validation {
		return 2
	}
	return 1
}

// WithHint attaches a suggestion printed under the error message.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Validationf builds a Validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}
