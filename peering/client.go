// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weftlabs/weft/lib/netutil"
	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/lib/secret"
)

// SequenceHeader carries the subscription's current sequence number on
// baseline responses. A missing header means the peer has assigned no
// diffs yet (sequence 0).
const SequenceHeader = "X-Weft-Sequence"

// FromHeader and ToHeader identify the requesting pair: From is the
// sending actor (a peer from the receiver's point of view), To is the
// receiving actor. The receiver resolves its trust record for
// (To, From) and verifies the bearer secret against that pair, so the
// same secret never authenticates across pairs.
const (
	FromHeader = "X-Weft-From"
	ToHeader   = "X-Weft-To"
)

const (
	defaultRequestTimeout  = 15 * time.Second
	defaultRetryMaxElapsed = 10 * time.Second
)

// Endpoint is the connection surface of one approved trust
// relationship: where the peer listens, and the bearer secret that
// authenticates this pair.
type Endpoint struct {
	// BaseURL is the peer's advertised HTTP base (e.g.
	// "https://weft.example.net"). Request paths are appended directly.
	BaseURL string
	// Secret is the pairwise bearer secret. The Endpoint borrows it;
	// ownership stays with the directory. Nil means unauthenticated
	// (peers that expose public read endpoints).
	Secret *secret.Buffer
}

// Directory resolves an (owner, peer) pair to the endpoint of its
// approved trust relationship. Trust is pairwise: the same peer may
// hold different secrets with different local actors, so the owning
// actor is part of the key. The trust store implements this; tests use
// a fixed map.
type Directory interface {
	Lookup(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (Endpoint, error)
}

// Config holds configuration for creating a Client.
type Config struct {
	// Directory resolves peers to endpoints. Required.
	Directory Directory
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// RequestTimeout bounds each individual attempt. Zero means 15s.
	RequestTimeout time.Duration
	// RetryMaxElapsed bounds the window in which failed attempts are
	// retried. Zero means 10s.
	RetryMaxElapsed time.Duration
}

// Client performs JSON resource requests against trusted peers. It is
// safe for concurrent use.
type Client struct {
	directory      Directory
	httpClient     *http.Client
	logger         *slog.Logger
	requestTimeout time.Duration
	newBackoff     func() backoff.BackOff
}

// NewClient creates a peer client.
func NewClient(config Config) (*Client, error) {
	if config.Directory == nil {
		return nil, fmt.Errorf("peering: Directory is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	requestTimeout := config.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	retryMaxElapsed := config.RetryMaxElapsed
	if retryMaxElapsed <= 0 {
		retryMaxElapsed = defaultRetryMaxElapsed
	}

	return &Client{
		directory:      config.Directory,
		httpClient:     httpClient,
		logger:         logger,
		requestTimeout: requestTimeout,
		newBackoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(100*time.Millisecond),
				backoff.WithMaxInterval(2*time.Second),
				backoff.WithMaxElapsedTime(retryMaxElapsed),
			)
		},
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call after a network disruption to force
// fresh TCP connections instead of reusing a poisoned pooled one.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Response is a successful (2xx) peer response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Sequence returns the subscription sequence advertised in the
// response's SequenceHeader. A missing header is sequence 0. A
// malformed header is an error; callers log it and fall back to 0,
// which makes the next incoming diff read as a gap and forces a
// resync rather than a silent misorder.
func (r *Response) Sequence() (uint64, error) {
	raw := r.Header.Get(SequenceHeader)
	if raw == "" {
		return 0, nil
	}
	sequence, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("peering: malformed %s header %q: %w", SequenceHeader, raw, err)
	}
	return sequence, nil
}

// GetResource fetches a resource from a trusted peer on behalf of the
// owning actor.
func (c *Client) GetResource(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string) (*Response, error) {
	return c.doResource(ctx, http.MethodGet, owner, peer, path, nil)
}

// PutResource writes a JSON resource on a trusted peer. body is
// JSON-encoded; pass json.RawMessage to send pre-encoded bytes.
func (c *Client) PutResource(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string, body any) (*Response, error) {
	return c.doResource(ctx, http.MethodPut, owner, peer, path, body)
}

// DeleteResource deletes a resource on a trusted peer.
func (c *Client) DeleteResource(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string) (*Response, error) {
	return c.doResource(ctx, http.MethodDelete, owner, peer, path, nil)
}

// PostResource posts a JSON document to a peer endpoint. Used for
// callback delivery (diff notifications, permission updates), which
// creates events rather than replacing resources.
func (c *Client) PostResource(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string, body any) (*Response, error) {
	return c.doResource(ctx, http.MethodPost, owner, peer, path, body)
}

// Result pairs a Response with the error from an async operation.
type Result struct {
	Response *Response
	Err      error
}

// GetResourceAsync runs GetResource on a goroutine and delivers the
// result on the returned channel. The channel is buffered, so an
// abandoned receive never leaks the goroutine.
func (c *Client) GetResourceAsync(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string) <-chan Result {
	results := make(chan Result, 1)
	go func() {
		response, err := c.GetResource(ctx, owner, peer, path)
		results <- Result{Response: response, Err: err}
	}()
	return results
}

// PutResourceAsync runs PutResource on a goroutine; see GetResourceAsync.
func (c *Client) PutResourceAsync(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string, body any) <-chan Result {
	results := make(chan Result, 1)
	go func() {
		response, err := c.PutResource(ctx, owner, peer, path, body)
		results <- Result{Response: response, Err: err}
	}()
	return results
}

// DeleteResourceAsync runs DeleteResource on a goroutine; see GetResourceAsync.
func (c *Client) DeleteResourceAsync(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string) <-chan Result {
	results := make(chan Result, 1)
	go func() {
		response, err := c.DeleteResource(ctx, owner, peer, path)
		results <- Result{Response: response, Err: err}
	}()
	return results
}

// doResource is the single code path behind every resource operation,
// blocking or async: resolve the pair, encode the body once, then run
// attempts under the retry policy.
func (c *Client) doResource(ctx context.Context, method string, owner ref.ActorID, peer ref.PeerID, path string, requestBody any) (*Response, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("peering: zero owner ID")
	}
	if peer.IsZero() {
		return nil, fmt.Errorf("peering: zero peer ID")
	}

	endpoint, err := c.directory.Lookup(ctx, owner, peer)
	if err != nil {
		return nil, fmt.Errorf("peering: resolving peer %s (owner %s): %w", peer, owner, err)
	}

	var encoded []byte
	if requestBody != nil {
		encoded, err = json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("peering: failed to encode request body: %w", err)
		}
	}

	attempt := func() (*Response, error) {
		response, err := c.doRequest(ctx, method, endpoint, owner, peer, path, encoded)
		if err != nil {
			if retryable(err) {
				c.logger.Debug("retrying peer request",
					"peer", peer.String(),
					"method", method,
					"path", path,
					"error", err,
				)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return response, nil
	}

	response, err := backoff.RetryWithData(attempt, backoff.WithContext(c.newBackoff(), ctx))
	if err != nil {
		return nil, fmt.Errorf("peering: %s %s on %s: %w", method, path, peer, err)
	}
	return response, nil
}

// doRequest performs one HTTP attempt. On 2xx it returns the response;
// on any other status it returns a *PeerError. The attempt is bounded
// by the client's per-request timeout independent of the caller's
// context.
func (c *Client) doRequest(ctx context.Context, method string, endpoint Endpoint, owner ref.ActorID, peer ref.PeerID, path string, encoded []byte) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if encoded != nil {
		bodyReader = bytes.NewReader(encoded)
	}

	requestURL := strings.TrimRight(endpoint.BaseURL, "/") + path
	request, err := http.NewRequestWithContext(attemptCtx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if encoded != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set(FromHeader, owner.String())
	request.Header.Set(ToHeader, peer.String())
	if endpoint.Secret != nil {
		request.Header.Set("Authorization", "Bearer "+endpoint.Secret.String())
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return &Response{
			StatusCode: response.StatusCode,
			Header:     response.Header,
			Body:       responseBody,
		}, nil
	}

	// Protocol error responses share one JSON shape. Anything else
	// (proxy HTML, empty bodies) synthesizes a code from the status so
	// retry classification stays uniform.
	peerErr := &PeerError{}
	if jsonErr := json.Unmarshal(responseBody, peerErr); jsonErr != nil || peerErr.Code == "" {
		peerErr.Code = codeForStatus(response.StatusCode)
		peerErr.Message = strings.TrimSpace(truncateBody(responseBody))
	}
	peerErr.StatusCode = response.StatusCode
	return nil, peerErr
}

// truncateBody bounds a raw error body for inclusion in an error
// message.
func truncateBody(body []byte) string {
	const max = 256
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
