// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/weftlabs/weft/cmd/weft-peerd/adminapi"
	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/peersync"
	"github.com/weftlabs/weft/permission"
	"github.com/weftlabs/weft/trust"
)

// mountAdmin registers the loopback operator endpoints.
func (n *node) mountAdmin(mux *http.ServeMux) {
	mux.HandleFunc("GET "+adminapi.PathPeers, loopbackOnly(n.handleAdminPeerList))
	mux.HandleFunc("GET "+adminapi.PathPeers+"/{peer}", loopbackOnly(n.handleAdminPeerShow))
	mux.HandleFunc("POST "+adminapi.PathSync, loopbackOnly(n.handleAdminSync))
}

// subscriptionStatuses converts the journal view of a pair into the
// admin wire shape.
func (n *node) subscriptionStatuses(ctx context.Context, peer ref.PeerID) []adminapi.SubscriptionStatus {
	subs, err := n.subscriptions.ForPair(ctx, n.owner, peer)
	if err != nil {
		n.logger.Warn("listing subscriptions", "peer", peer, "error", err)
		return nil
	}
	statuses := make([]adminapi.SubscriptionStatus, 0, len(subs))
	for _, sub := range subs {
		statuses = append(statuses, adminapi.SubscriptionStatus{
			ID:        sub.ID.String(),
			Direction: sub.Direction.String(),
			State:     string(sub.State),
			Target:    sub.Target,
			Sequence:  sub.SequenceNumber,
			Pending:   len(sub.PendingDiffs),
		})
	}
	return statuses
}

func (n *node) peerSummary(ctx context.Context, record trust.Record) adminapi.PeerSummary {
	summary := adminapi.PeerSummary{
		Peer:          record.Peer.String(),
		Relationship:  record.Relationship,
		BaseURL:       record.BaseURL,
		Established:   record.Established(),
		Subscriptions: n.subscriptionStatuses(ctx, record.Peer),
	}
	if profile, _, ok := n.caches.Profile(n.owner, record.Peer); ok {
		summary.DisplayName = profile.DisplayName
	}
	return summary
}

func (n *node) handleAdminPeerList(w http.ResponseWriter, r *http.Request) {
	records, err := n.trustStore.List(r.Context(), n.owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	list := adminapi.PeerList{Peers: make([]adminapi.PeerSummary, 0, len(records))}
	for _, record := range records {
		list.Peers = append(list.Peers, n.peerSummary(r.Context(), record))
	}
	writeJSON(w, http.StatusOK, list)
}

func (n *node) handleAdminPeerShow(w http.ResponseWriter, r *http.Request) {
	peer, err := ref.ParsePeerID(r.PathValue("peer"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed peer id")
		return
	}
	record, err := n.trustStore.Get(r.Context(), n.owner, peer)
	if err != nil {
		if errors.Is(err, trust.ErrUnknownPeer) {
			writeError(w, http.StatusNotFound, "no trust record for peer")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	detail := adminapi.PeerDetail{PeerSummary: n.peerSummary(r.Context(), record)}

	if profile, _, ok := n.caches.Profile(n.owner, peer); ok {
		detail.Profile = adminapi.Profile{
			DisplayName: profile.DisplayName,
			Description: profile.Description,
			AvatarURL:   profile.AvatarURL,
		}
	}
	if capabilities, _, ok := n.caches.Capabilities(n.owner, peer); ok {
		detail.Capabilities = &adminapi.Capabilities{
			Methods: capabilities.Methods,
			Actions: capabilities.Actions,
		}
	}

	// Granted is what this node's actor allows the peer, not the
	// other way around: it comes from the local trust record.
	source := trust.PermissionSource{Store: n.trustStore, Defaults: n.defaults}
	if effective, err := source.EffectivePermissions(r.Context(), n.owner, peer); err == nil {
		detail.Granted = effective.Rules(permission.CategoryProperties).Include
	}

	properties, err := n.mirror.Properties(r.Context(), n.owner, peer)
	if err != nil {
		n.logger.Warn("listing mirrored properties", "peer", peer, "error", err)
	} else {
		detail.Properties = make([]adminapi.PropertyInfo, 0, len(properties))
		for name, entry := range properties {
			detail.Properties = append(detail.Properties, adminapi.PropertyInfo{
				Name:   name,
				IsList: entry.IsList,
				Items:  len(entry.Items),
			})
		}
		sort.Slice(detail.Properties, func(i, j int) bool {
			return detail.Properties[i].Name < detail.Properties[j].Name
		})
	}

	writeJSON(w, http.StatusOK, detail)
}

// syncResultWire flattens the engine's per-subsystem result.
func syncResultWire(peer ref.PeerID, result peersync.SyncResult, terminal error) adminapi.PeerSyncResult {
	wire := adminapi.PeerSyncResult{
		Peer:         peer.String(),
		Baseline:     string(result.Baseline),
		Profile:      string(result.Profile),
		Capabilities: string(result.Capabilities),
		Permissions:  string(result.Permissions),
	}
	for _, id := range result.Resynced {
		wire.Resynced = append(wire.Resynced, id.String())
	}
	for _, softError := range result.Errors {
		wire.Errors = append(wire.Errors, softError.Error())
	}
	if terminal != nil {
		wire.Errors = append(wire.Errors, terminal.Error())
	}
	return wire
}

func (n *node) handleAdminSync(w http.ResponseWriter, r *http.Request) {
	var request adminapi.SyncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "malformed sync request")
		return
	}
	options := peersync.SyncOptions{ForceRefresh: request.Force}

	var report adminapi.SyncReport
	if request.Peer != "" {
		peer, err := ref.ParsePeerID(request.Peer)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed peer id")
			return
		}
		result, err := n.engine.SyncPeer(r.Context(), n.owner, peer, options)
		report.Results = append(report.Results, syncResultWire(peer, result, err))
		writeJSON(w, http.StatusOK, report)
		return
	}

	peers, err := n.establishedPeerIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	outcomes := n.engine.SyncAll(r.Context(), n.owner, peers, options, n.cfg.Sync.MaxConcurrentPeers)
	for _, peer := range peers {
		outcome := outcomes[peer]
		report.Results = append(report.Results, syncResultWire(peer, outcome.Result, outcome.Err))
	}
	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Peer < report.Results[j].Peer
	})
	writeJSON(w, http.StatusOK, report)
}
