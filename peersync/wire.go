// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"encoding/json"
	"fmt"

	"github.com/weftlabs/weft/permission"
)

// Protocol paths. Every peer serves these under its advertised base
// URL; the daemon mounts handlers on the same constants so both sides
// of the pair agree by construction.
const (
	// PathProperties serves the full permission-filtered property map
	// (the baseline). Single properties live under
	// PathProperties + "/{name}".
	PathProperties = "/weft/v1/properties"

	// PathPropertyNames serves the permission-filtered list of
	// property names. A separate path rather than a query parameter on
	// PathProperties, so a property named "names" can never collide
	// with the listing.
	PathPropertyNames = "/weft/v1/property-names"

	// PathCapabilities serves the peer's capability document.
	PathCapabilities = "/weft/v1/capabilities"

	// PathProfile serves the peer's profile (display name,
	// description, avatar).
	PathProfile = "/weft/v1/profile"

	// PathPermissions serves the defaults and override the peer has
	// granted the requesting pair, so the requester can merge them
	// into an effective set locally.
	PathPermissions = "/weft/v1/permissions"

	// PathSubscriptions accepts new subscriptions (POST) and
	// terminates existing ones (DELETE on PathSubscriptions + "/{id}").
	PathSubscriptions = "/weft/v1/subscriptions"

	// PathSubscriptionCallback receives sequence-numbered diff batches
	// for an outbound subscription.
	PathSubscriptionCallback = "/weft/v1/callbacks/subscription"

	// PathPermissionCallback receives permission-update notifications.
	PathPermissionCallback = "/weft/v1/callbacks/permissions"
)

// TargetProperties is the subscription target for the property data
// plane. It is the only target this engine synchronizes; others are
// accepted and journaled for forward compatibility but produce no
// local state.
const TargetProperties = "properties"

// PropertyPath returns the protocol path for one named property.
func PropertyPath(name string) string {
	return PathProperties + "/" + name
}

// SubscriptionPath returns the protocol path for one subscription.
func SubscriptionPath(id string) string {
	return PathSubscriptions + "/" + id
}

// envelope is the transport wrapper around one property value in
// baseline responses and put/update diff blobs:
// {"value": X, "isList": false} or {"items": [...], "isList": true}.
// The wrapper is unwrapped exactly once on receipt; see unwrapValue
// for the double-wrap defect guard.
type envelope struct {
	Value  json.RawMessage   `json:"value,omitempty"`
	IsList bool              `json:"isList"`
	Items  []json.RawMessage `json:"items,omitempty"`
}

// entry converts the wire envelope into the stored entry shape,
// unwrapping the transport level. Malformed envelopes (a missing
// value on a simple property) are errors: the caller treats the whole
// payload as unusable rather than guessing.
func (env envelope) entry() (Entry, error) {
	if env.IsList {
		items := env.Items
		if items == nil {
			items = []json.RawMessage{}
		}
		return Entry{IsList: true, Items: items}, nil
	}
	if len(env.Value) == 0 {
		return Entry{}, fmt.Errorf("peersync: envelope has no value")
	}
	return Entry{Value: unwrapValue(env.Value)}, nil
}

// unwrapValue strips one accidental extra envelope from a simple
// value. A sender that serializes its stored record instead of the
// record's value produces {"value": X} where X was meant — a real
// defect class that, unhandled, mirrors the wrapper dict instead of
// the datum. On the wire every property is envelope-wrapped, so a
// value that is exactly an envelope shape (only "value" and a false
// "isList" key) can only be that defect; an object carrying any other
// key is data and passes through untouched. The unwrap runs once:
// {"value": {"value": X}} yields {"value": X}, which is then data.
func unwrapValue(value json.RawMessage) json.RawMessage {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(value, &probe); err != nil {
		return value
	}
	inner, hasValue := probe["value"]
	if !hasValue || len(inner) == 0 {
		return value
	}
	for key, raw := range probe {
		switch key {
		case "value":
		case "isList":
			var isList bool
			if err := json.Unmarshal(raw, &isList); err != nil || isList {
				return value
			}
		default:
			return value
		}
	}
	return inner
}

// wireEnvelope converts a stored entry back into the wire wrapper for
// serving baselines and single-property fetches.
func wireEnvelope(entry Entry) envelope {
	if entry.IsList {
		items := entry.Items
		if items == nil {
			items = []json.RawMessage{}
		}
		return envelope{IsList: true, Items: items}
	}
	return envelope{Value: entry.Value}
}

// callbackBody is the subscription callback payload. Field names are
// protocol-fixed.
type callbackBody struct {
	SubscriptionID string `json:"subscriptionId"`
	Target         string `json:"target"`
	Sequence       uint64 `json:"sequence"`
	Data           []Diff `json:"data"`
}

// subscribeRequest is the POST body creating a subscription on the
// publishing peer. The subscriber generates the ID so it can record
// the subscription before the network round trip and correlate
// callbacks without a handshake.
type subscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	Target         string `json:"target"`
	Subtarget      string `json:"subtarget,omitempty"`
	Resource       string `json:"resource,omitempty"`
	Granularity    string `json:"granularity,omitempty"`
	CallbackURL    string `json:"callbackUrl"`
}

// permissionCallback is the permission-update notification payload.
// Defaults and override travel separately so the receiver performs
// the merge itself; a pre-merged set on the wire could not be
// distinguished from a raw override.
type permissionCallback struct {
	Type string           `json:"type"`
	Data permissionUpdate `json:"data"`
}

// permissionUpdate carries both halves of a permission grant.
type permissionUpdate struct {
	Defaults permission.Snapshot `json:"defaults"`
	Override permission.Snapshot `json:"override"`
}

// permissionUpdateType is the only recognized permission callback
// type.
const permissionUpdateType = "permission_update"

// profileDocument is the wire shape of a peer profile, served on
// PathProfile and derived locally from synced properties when
// possible.
type profileDocument struct {
	DisplayName string `json:"displayname,omitempty"`
	Description string `json:"description,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
