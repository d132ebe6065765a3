// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/peering"
	"github.com/weftlabs/weft/peersync"
	"github.com/weftlabs/weft/permission"
	"github.com/weftlabs/weft/trust"
)

// maxPeerBody bounds peer-supplied request bodies. Callback batches
// are the largest legitimate payload; 16 MiB leaves ample headroom.
const maxPeerBody = 16 << 20

// buildMux mounts the peer-facing protocol endpoints and the loopback
// admin endpoints on one mux. The peer endpoints authenticate with the
// pairwise bearer secret; the admin endpoints only answer loopback.
func (n *node) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Peer-facing protocol surface.
	mux.HandleFunc("GET "+peersync.PathProperties, n.peerHandler(n.handleBaseline))
	mux.HandleFunc("GET "+peersync.PathProperties+"/{name}", n.peerHandler(n.handleProperty))
	mux.HandleFunc("GET "+peersync.PathPropertyNames, n.peerHandler(n.handlePropertyNames))
	mux.HandleFunc("GET "+peersync.PathCapabilities, n.peerHandler(n.handleCapabilities))
	mux.HandleFunc("GET "+peersync.PathProfile, n.peerHandler(n.handleProfile))
	mux.HandleFunc("GET "+peersync.PathPermissions, n.peerHandler(n.handlePermissions))
	mux.HandleFunc("POST "+peersync.PathSubscriptions, n.peerHandler(n.handleSubscribe))
	mux.HandleFunc("DELETE "+peersync.PathSubscriptions+"/{id}", n.peerHandler(n.handleUnsubscribe))
	mux.HandleFunc("POST "+peersync.PathSubscriptionCallback, n.peerHandler(n.handleSubscriptionCallback))
	mux.HandleFunc("POST "+peersync.PathPermissionCallback, n.peerHandler(n.handlePermissionCallback))

	// Operator admin surface.
	n.mountAdmin(mux)

	return mux
}

// peerRequest is an authenticated peer request: the local owner actor
// it addresses and the remote peer it came from.
type peerRequest struct {
	owner ref.ActorID
	peer  ref.PeerID
}

// peerHandler wraps a handler with pair authentication. The caller
// names itself in the From header, the addressed local actor in the To
// header, and proves the pair with the bearer secret from the trust
// record. Header parsing failures and unknown pairs are both 401: the
// response must not reveal which peers this node trusts.
func (n *node) peerHandler(handler func(http.ResponseWriter, *http.Request, peerRequest)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from := r.Header.Get(peering.FromHeader)
		to := r.Header.Get(peering.ToHeader)

		peer, err := ref.ParsePeerID(from)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		owner, err := ref.ParseActorID(to)
		if err != nil || owner != n.owner {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}

		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bearer == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		valid, err := n.trustStore.VerifySecret(r.Context(), owner, peer, []byte(bearer))
		if err != nil || !valid {
			if err != nil && !errors.Is(err, trust.ErrUnknownPeer) && !errors.Is(err, trust.ErrNoSecret) {
				n.logger.Warn("verifying peer secret", "peer", peer, "error", err)
			}
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxPeerBody)
		handler(w, r, peerRequest{owner: owner, peer: peer})
	}
}

func (n *node) handleBaseline(w http.ResponseWriter, r *http.Request, pr peerRequest) {
	properties, sequence, err := n.engine.ServeBaseline(r.Context(), pr.owner, pr.peer)
	if err != nil {
		writePeerError(w, err)
		return
	}
	w.Header().Set(peering.SequenceHeader, strconv.FormatUint(sequence, 10))
	writeJSON(w, http.StatusOK, properties)
}

func (n *node) handleProperty(w http.ResponseWriter, r *http.Request, pr peerRequest) {
	value, err := n.engine.ServeProperty(r.Context(), pr.owner, pr.peer, r.PathValue("name"))
	if err != nil {
		writePeerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (n *node) handlePropertyNames(w http.ResponseWriter, r *http.Request, pr peerRequest) {
	names, err := n.engine.ServePropertyNames(r.Context(), pr.owner, pr.peer)
	if err != nil {
		writePeerError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (n *node) handleCapabilities(w http.ResponseWriter, r *http.Request, pr peerRequest) {
	writeJSON(w, http.StatusOK, n.engine.ServeCapabilities())
}

func (n *node) handleProfile(w http.ResponseWriter, r *http.Request, pr peerRequest) {
	profile, err := n.engine.ServeProfile(r.Context(), pr.owner)
	if err != nil {
		writePeerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handlePermissions serves the defaults and override granted to the
// requesting pair, separately rather than merged, matching the
// permission callback's shape so the peer merges locally either way.
func (n *node) handlePermissions(w http.ResponseWriter, r *http.Request, pr peerRequest) {
	record, err := n.trustStore.Get(r.Context(), pr.owner, pr.peer)
	if err != nil {
		writePeerError(w, err)
		return
	}
	response := struct {
		Defaults permission.Snapshot `json:"defaults"`
		Override permission.Snapshot `json:"override"`
	}{
		Defaults: n.defaults.For(record.Relationship),
		Override: record.Override,
	}
	if response.Defaults == nil {
		response.Defaults = permission.Snapshot{}
	}
	if response.Override == nil {
		response.Override = permission.Snapshot{}
	}
	writeJSON(w, http.StatusOK, response)
}

func (n *node) handleSubscribe(w http.ResponseWriter, r *http.Request, pr peerRequest) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}
	id, err := n.engine.AcceptSubscription(r.Context(), pr.owner, pr.peer, body)
	if err != nil {
		writePeerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"subscriptionId": id.String()})
}

func (n *node) handleUnsubscribe(w http.ResponseWriter, r *http.Request, pr peerRequest) {
	id, err := ref.ParseSubscriptionID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed subscription id")
		return
	}
	if err := n.engine.HandlePeerUnsubscribe(r.Context(), pr.owner, pr.peer, id); err != nil {
		writePeerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (n *node) handleSubscriptionCallback(w http.ResponseWriter, r *http.Request, pr peerRequest) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}
	if err := n.engine.HandleSubscriptionCallback(r.Context(), pr.owner, pr.peer, body); err != nil {
		writePeerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (n *node) handlePermissionCallback(w http.ResponseWriter, r *http.Request, pr peerRequest) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}
	if err := n.engine.HandlePermissionCallback(r.Context(), pr.owner, pr.peer, body); err != nil {
		writePeerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// writePeerError maps engine errors onto protocol status codes.
func writePeerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, peersync.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, peersync.ErrNoProperty),
		errors.Is(err, peersync.ErrUnknownSubscription),
		errors.Is(err, trust.ErrUnknownPeer):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, trust.ErrNotEstablished):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// loopbackOnly rejects requests whose remote address is not loopback.
// The admin surface shares the listener with the peer endpoints, so a
// node deployed with a non-loopback listen address must still keep its
// operator API local.
func loopbackOnly(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		handler(w, r)
	}
}
