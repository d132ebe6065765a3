// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package adminapi defines the loopback administrative API the weft
// daemon serves and the weft CLI consumes. It is operator-facing and
// deliberately separate from the peer-facing protocol surface: admin
// endpoints expose node-internal state (subscription journals, cache
// ages, pending queues) that no peer is ever entitled to see.
package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is wrapped into errors for 404 responses so callers can
// distinguish "no such peer" from transport failures.
var ErrNotFound = errors.New("not found")

// Path prefix for all admin endpoints.
const (
	PathPeers = "/admin/v1/peers"
	PathSync  = "/admin/v1/sync"
)

// SubscriptionStatus is one subscription as reported to the operator.
type SubscriptionStatus struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	State     string `json:"state"`
	Target    string `json:"target"`
	Sequence  uint64 `json:"sequence"`
	// Pending counts assigned-but-undelivered diffs on an inbound
	// subscription.
	Pending int `json:"pending,omitempty"`
}

// PeerSummary is the peer-list row.
type PeerSummary struct {
	Peer          string               `json:"peer"`
	Relationship  string               `json:"relationship"`
	BaseURL       string               `json:"baseUrl,omitempty"`
	Established   bool                 `json:"established"`
	DisplayName   string               `json:"displayName,omitempty"`
	Subscriptions []SubscriptionStatus `json:"subscriptions,omitempty"`
}

// Profile mirrors the peer profile fields.
type Profile struct {
	DisplayName string `json:"displayname,omitempty"`
	Description string `json:"description,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// PropertyInfo is one mirrored property of a peer.
type PropertyInfo struct {
	Name   string `json:"name"`
	IsList bool   `json:"isList,omitempty"`
	Items  int    `json:"items,omitempty"`
}

// Capabilities is the cached capability view of a peer.
type Capabilities struct {
	Methods []string `json:"methods,omitempty"`
	Actions []string `json:"actions,omitempty"`
}

// PeerDetail is the full per-peer view for "weft peer show".
type PeerDetail struct {
	PeerSummary

	Profile      Profile        `json:"profile"`
	Capabilities *Capabilities  `json:"capabilities,omitempty"`
	Granted      []string       `json:"granted,omitempty"`
	Properties   []PropertyInfo `json:"properties,omitempty"`
}

// PeerList is the response of GET PathPeers.
type PeerList struct {
	Peers []PeerSummary `json:"peers"`
}

// SyncRequest asks the daemon to synchronize. An empty Peer means all
// established peers.
type SyncRequest struct {
	Peer  string `json:"peer,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// PeerSyncResult is one peer's outcome of a sync request. Statuses
// are the engine's per-subsystem strings ("ok", "failed",
// "skipped-fresh", "skipped", "fallback").
type PeerSyncResult struct {
	Peer         string   `json:"peer"`
	Baseline     string   `json:"baseline"`
	Profile      string   `json:"profile"`
	Capabilities string   `json:"capabilities"`
	Permissions  string   `json:"permissions"`
	Resynced     []string `json:"resynced,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// Failed reports whether any subsystem failed or the sync could not run.
func (r PeerSyncResult) Failed() bool {
	return len(r.Errors) > 0
}

// SyncReport is the response of POST PathSync.
type SyncReport struct {
	Results []PeerSyncResult `json:"results"`
}

// errorBody is the JSON error shape for non-2xx admin responses.
type errorBody struct {
	Error string `json:"error"`
}

// Client talks to the daemon's admin endpoints over loopback HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an admin client for the daemon at baseURL (e.g.
// "http://127.0.0.1:9338").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// ListPeers fetches the peer summaries for the node's actor.
func (c *Client) ListPeers(ctx context.Context) (PeerList, error) {
	var list PeerList
	err := c.do(ctx, http.MethodGet, PathPeers, nil, &list)
	return list, err
}

// ShowPeer fetches the detailed view of one peer.
func (c *Client) ShowPeer(ctx context.Context, peer string) (PeerDetail, error) {
	var detail PeerDetail
	err := c.do(ctx, http.MethodGet, PathPeers+"/"+peer, nil, &detail)
	return detail, err
}

// Sync triggers a synchronization and returns the per-peer report.
func (c *Client) Sync(ctx context.Context, request SyncRequest) (SyncReport, error) {
	var report SyncReport
	err := c.do(ctx, http.MethodPost, PathSync, request, &report)
	return report, err
}

func (c *Client) do(ctx context.Context, method, path string, requestBody, responseBody any) error {
	var reader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("adminapi: encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("adminapi: building request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("adminapi: %s %s: %w (is weft-peerd running?)", method, path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("adminapi: reading response: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := fmt.Sprintf("HTTP %d", response.StatusCode)
		var failure errorBody
		if json.Unmarshal(body, &failure) == nil && failure.Error != "" {
			message = failure.Error
		}
		if response.StatusCode == http.StatusNotFound {
			return fmt.Errorf("adminapi: %s %s: %s: %w", method, path, message, ErrNotFound)
		}
		return fmt.Errorf("adminapi: %s %s: %s", method, path, message)
	}

	if responseBody != nil {
		if err := json.Unmarshal(body, responseBody); err != nil {
			return fmt.Errorf("adminapi: decoding response: %w", err)
		}
	}
	return nil
}
