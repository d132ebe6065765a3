// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peering

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// PeerError represents a structured error response from a peer.
// Callers can use errors.As to extract the structured information:
//
//	var peerErr *peering.PeerError
//	if errors.As(err, &peerErr) {
//	    if peerErr.Code == peering.ErrCodeNotFound { ... }
//	}
type PeerError struct {
	// Code is the protocol error code (e.g., "forbidden", "not_found").
	Code string `json:"code"`
	// Message is the human-readable error description from the peer.
	Message string `json:"message"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard protocol error codes.
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeInternal     = "internal"
	ErrCodeUnavailable  = "unavailable"
)

// IsPeerError checks whether err is a *PeerError with the given code.
func IsPeerError(err error, code string) bool {
	var peerErr *PeerError
	if errors.As(err, &peerErr) {
		return peerErr.Code == code
	}
	return false
}

// codeForStatus maps an HTTP status to a protocol error code, for
// responses whose body is not a decodable protocol error (reverse
// proxies and load balancers emit HTML or plain text).
func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case status == http.StatusForbidden:
		return ErrCodeForbidden
	case status == http.StatusNotFound:
		return ErrCodeNotFound
	case status == http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return ErrCodeUnavailable
	case status >= 500:
		return ErrCodeInternal
	default:
		return ErrCodeUnknownStatus
	}
}

// ErrCodeUnknownStatus marks a non-2xx response that carried no
// decodable protocol error and no recognized status.
const ErrCodeUnknownStatus = "unknown_status"

// retryable reports whether a request should be retried: network-level
// failures (connection refused, reset, DNS), per-attempt timeouts, rate
// limiting, and peer-side 5xx are transient; everything else is
// authoritative. A parent-context deadline also reads as
// DeadlineExceeded here, but the retry loop checks the context before
// each attempt, so it stops rather than retrying.
func retryable(err error) bool {
	var peerErr *PeerError
	if errors.As(err, &peerErr) {
		return peerErr.StatusCode == http.StatusTooManyRequests || peerErr.StatusCode >= 500
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
