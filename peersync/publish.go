// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/permission"
)

// ErrForbidden is returned by the serving paths when the pair's
// effective permissions do not cover the requested data.
var ErrForbidden = errors.New("peersync: permission denied")

// AcceptSubscription registers an inbound subscription: a trusted
// peer asked to mirror our data. body is the raw JSON subscribe
// request. The peer must hold an established trust with the owner;
// the permission check per property happens at serve and publish
// time, not here, so later grants take effect without resubscribing.
func (e *Engine) AcceptSubscription(ctx context.Context, owner ref.ActorID, peer ref.PeerID, body []byte) (ref.SubscriptionID, error) {
	var request subscribeRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return ref.SubscriptionID{}, fmt.Errorf("peersync: decoding subscribe request: %w", err)
	}
	id, err := ref.ParseSubscriptionID(request.SubscriptionID)
	if err != nil {
		return ref.SubscriptionID{}, fmt.Errorf("peersync: subscribe request: %w", err)
	}

	// An unestablished pair cannot subscribe. The effective set may
	// still be empty — that is a valid subscription that sees
	// nothing until a grant arrives.
	if _, err := e.trust.EffectivePermissions(ctx, owner, peer); err != nil {
		return ref.SubscriptionID{}, fmt.Errorf("peersync: subscribe from %s: %w", peer, err)
	}

	unlock := e.lockPair(owner, peer)
	defer unlock()

	sub := Subscription{
		ID:          id,
		Owner:       owner,
		Peer:        peer,
		Target:      request.Target,
		Subtarget:   request.Subtarget,
		Resource:    request.Resource,
		Granularity: request.Granularity,
		Direction:   DirectionInbound,
		State:       StateActive,
		CallbackURL: request.CallbackURL,
	}
	if err := e.subscriptions.Create(ctx, sub); err != nil {
		return ref.SubscriptionID{}, err
	}

	e.emit(Event{Type: EventSubscriptionReceived, Owner: owner, Peer: peer, Subscription: id})
	return id, nil
}

// HandlePeerUnsubscribe removes a subscription at the peer's request:
// the peer either unsubscribed from our data (our inbound record) or
// revoked our subscription to theirs (our outbound record). Either
// direction is legal here — the sender terminates the subscription
// they are party to.
func (e *Engine) HandlePeerUnsubscribe(ctx context.Context, owner ref.ActorID, peer ref.PeerID, id ref.SubscriptionID) error {
	unlock := e.lockPair(owner, peer)
	defer unlock()

	sub, err := e.subscriptions.Get(ctx, owner, peer, id)
	if err != nil {
		return err
	}
	if err := e.subscriptions.Delete(ctx, owner, peer, id); err != nil {
		return err
	}
	e.emit(Event{Type: EventSubscriptionEnded, Owner: owner, Peer: peer, Subscription: sub.ID})
	return nil
}

// PublishProperty writes one of the owner's own properties and
// notifies every inbound subscriber the pair's permissions allow to
// see it.
func (e *Engine) PublishProperty(ctx context.Context, owner ref.ActorID, name string, entry Entry) error {
	if err := e.requireLocal(); err != nil {
		return err
	}
	if err := e.local.Put(ctx, owner, name, entry); err != nil {
		return err
	}
	blob, err := json.Marshal(wireEnvelope(entry))
	if err != nil {
		return fmt.Errorf("peersync: encoding published property %q: %w", name, err)
	}
	return e.fanOut(ctx, owner, name, OpPut, blob)
}

// RetractProperty deletes one of the owner's own properties and
// notifies subscribers.
func (e *Engine) RetractProperty(ctx context.Context, owner ref.ActorID, name string) error {
	if err := e.requireLocal(); err != nil {
		return err
	}
	if err := e.local.Delete(ctx, owner, name); err != nil {
		return err
	}
	return e.fanOut(ctx, owner, name, OpDelete, nil)
}

// AppendListItem appends an item to one of the owner's list
// properties, creating the list if absent, and notifies subscribers
// with an add diff.
func (e *Engine) AppendListItem(ctx context.Context, owner ref.ActorID, name string, item json.RawMessage) error {
	if err := e.requireLocal(); err != nil {
		return err
	}

	entry, err := e.local.Get(ctx, owner, name)
	switch {
	case errors.Is(err, ErrNoProperty):
		entry = Entry{IsList: true, Items: []json.RawMessage{}}
	case err != nil:
		return err
	case !entry.IsList:
		return fmt.Errorf("peersync: appending to local %q: %w", name, ErrNotList)
	}
	entry.Items = append(entry.Items, item)
	if err := e.local.Put(ctx, owner, name, entry); err != nil {
		return err
	}
	return e.fanOut(ctx, owner, name, OpAdd, item)
}

// RemoveListItem removes an item (by exact JSON equality) from one of
// the owner's list properties and notifies subscribers with a
// delete-from-list diff.
func (e *Engine) RemoveListItem(ctx context.Context, owner ref.ActorID, name string, item json.RawMessage) error {
	if err := e.requireLocal(); err != nil {
		return err
	}

	entry, err := e.local.Get(ctx, owner, name)
	if errors.Is(err, ErrNoProperty) {
		return nil
	}
	if err != nil {
		return err
	}
	if !entry.IsList {
		return fmt.Errorf("peersync: removing from local %q: %w", name, ErrNotList)
	}

	kept := entry.Items[:0]
	for _, existing := range entry.Items {
		if string(existing) != string(item) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(entry.Items) {
		return nil
	}
	entry.Items = kept
	if err := e.local.Put(ctx, owner, name, entry); err != nil {
		return err
	}
	return e.fanOut(ctx, owner, name, OpDeleteFromList, item)
}

func (e *Engine) requireLocal() error {
	if e.local == nil {
		return fmt.Errorf("peersync: engine has no local property store")
	}
	return nil
}

// fanOut queues a diff on every inbound properties subscription whose
// pair is permitted to see the property, then attempts delivery.
// Delivery failures keep the diff pending for the next attempt;
// sequence numbers are assigned under the pair lock, monotonic per
// subscription, starting at 1.
func (e *Engine) fanOut(ctx context.Context, owner ref.ActorID, name string, op Operation, blob json.RawMessage) error {
	peers, err := e.peers.Peers(ctx, owner)
	if err != nil {
		return fmt.Errorf("peersync: listing peers for publish: %w", err)
	}

	var failures []error
	for _, peer := range peers {
		if err := e.notifyPair(ctx, owner, peer, name, op, blob); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// notifyPair queues and delivers one diff to one pair's inbound
// subscriptions, if any cover the property.
func (e *Engine) notifyPair(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string, op Operation, blob json.RawMessage) error {
	unlock := e.lockPair(owner, peer)
	defer unlock()

	subs, err := e.subscriptions.ForPair(ctx, owner, peer)
	if err != nil {
		return err
	}

	var inbound []Subscription
	for _, sub := range subs {
		if sub.Direction == DirectionInbound && sub.Target == TargetProperties {
			inbound = append(inbound, sub)
		}
	}
	if len(inbound) == 0 {
		return nil
	}

	effective, err := e.trust.EffectivePermissions(ctx, owner, peer)
	if err != nil {
		return fmt.Errorf("peersync: resolving grant for %s: %w", peer, err)
	}
	if !effective.Allows(permission.CategoryProperties, name) {
		return nil
	}

	var failures []error
	for _, sub := range inbound {
		sub.SequenceNumber++
		sub.PendingDiffs = append(sub.PendingDiffs, Diff{
			Seq:       sub.SequenceNumber,
			Timestamp: e.clock.Now(),
			Operation: op,
			Resource:  name,
			Blob:      blob,
		})
		if err := e.subscriptions.Update(ctx, sub); err != nil {
			return err
		}
		if err := e.deliverPending(ctx, sub); err != nil {
			// The diff stays queued; the next publish or flush
			// redelivers. The subscriber deduplicates by seq.
			e.logger.Warn("diff delivery failed, keeping pending",
				"subscription", sub.ID.String(),
				"peer", peer.String(),
				"pending", len(sub.PendingDiffs),
				"error", err,
			)
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// deliverPending posts a subscription's queued diffs to the peer's
// callback endpoint and clears the queue on success. Caller holds the
// pair lock.
func (e *Engine) deliverPending(ctx context.Context, sub Subscription) error {
	if len(sub.PendingDiffs) == 0 {
		return nil
	}

	body := callbackBody{
		SubscriptionID: sub.ID.String(),
		Target:         sub.Target,
		Sequence:       sub.SequenceNumber,
		Data:           sub.PendingDiffs,
	}
	if _, err := e.client.PostResource(ctx, sub.Owner, sub.Peer, PathSubscriptionCallback, body); err != nil {
		return fmt.Errorf("peersync: delivering %d diffs on %s: %w", len(sub.PendingDiffs), sub.ID, err)
	}

	sub.PendingDiffs = nil
	return e.subscriptions.Update(ctx, sub)
}

// FlushPending retries delivery of queued diffs on every inbound
// subscription of the pair. Called by the background ticker so a
// peer outage does not stall diffs until the next publish.
func (e *Engine) FlushPending(ctx context.Context, owner ref.ActorID, peer ref.PeerID) error {
	unlock := e.lockPair(owner, peer)
	defer unlock()

	subs, err := e.subscriptions.ForPair(ctx, owner, peer)
	if err != nil {
		return err
	}
	var failures []error
	for _, sub := range subs {
		if sub.Direction != DirectionInbound || len(sub.PendingDiffs) == 0 {
			continue
		}
		if err := e.deliverPending(ctx, sub); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// ServeBaseline returns the owner's properties visible to the peer,
// envelope-wrapped, plus the pair's current subscription sequence for
// the X-Weft-Sequence response header. The sequence is the highest
// assigned across the pair's inbound properties subscriptions (0 when
// none exists), so a subscriber resetting to it will read the next
// published diff as contiguous.
func (e *Engine) ServeBaseline(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (map[string]json.RawMessage, uint64, error) {
	if err := e.requireLocal(); err != nil {
		return nil, 0, err
	}

	unlock := e.lockPair(owner, peer)
	defer unlock()

	effective, err := e.trust.EffectivePermissions(ctx, owner, peer)
	if err != nil {
		return nil, 0, fmt.Errorf("peersync: resolving grant for %s: %w", peer, err)
	}

	properties, err := e.local.All(ctx, owner)
	if err != nil {
		return nil, 0, err
	}

	visible := make(map[string]json.RawMessage, len(properties))
	for name, entry := range properties {
		if !effective.Allows(permission.CategoryProperties, name) {
			continue
		}
		encoded, err := json.Marshal(wireEnvelope(entry))
		if err != nil {
			return nil, 0, fmt.Errorf("peersync: encoding baseline property %q: %w", name, err)
		}
		visible[name] = encoded
	}

	var sequence uint64
	subs, err := e.subscriptions.ForPair(ctx, owner, peer)
	if err != nil {
		return nil, 0, err
	}
	for _, sub := range subs {
		if sub.Direction == DirectionInbound && sub.Target == TargetProperties && sub.SequenceNumber > sequence {
			sequence = sub.SequenceNumber
		}
	}

	return visible, sequence, nil
}

// ServeProperty returns one of the owner's properties if the pair's
// permissions allow it, envelope-wrapped. Returns ErrForbidden for
// properties outside the grant — indistinguishable on the wire from
// absent, by design — and ErrNoProperty for granted-but-unset names.
func (e *Engine) ServeProperty(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string) (json.RawMessage, error) {
	if err := e.requireLocal(); err != nil {
		return nil, err
	}

	effective, err := e.trust.EffectivePermissions(ctx, owner, peer)
	if err != nil {
		return nil, fmt.Errorf("peersync: resolving grant for %s: %w", peer, err)
	}
	if !effective.Allows(permission.CategoryProperties, name) {
		return nil, fmt.Errorf("peersync: %q for %s: %w", name, peer, ErrForbidden)
	}

	entry, err := e.local.Get(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(wireEnvelope(entry))
	if err != nil {
		return nil, fmt.Errorf("peersync: encoding property %q: %w", name, err)
	}
	return encoded, nil
}

// ServePropertyNames returns the sorted names of the owner's
// properties visible to the peer.
func (e *Engine) ServePropertyNames(ctx context.Context, owner ref.ActorID, peer ref.PeerID) ([]string, error) {
	if err := e.requireLocal(); err != nil {
		return nil, err
	}

	effective, err := e.trust.EffectivePermissions(ctx, owner, peer)
	if err != nil {
		return nil, fmt.Errorf("peersync: resolving grant for %s: %w", peer, err)
	}

	properties, err := e.local.All(ctx, owner)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(properties))
	for name := range properties {
		if effective.Allows(permission.CategoryProperties, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ServeProfile derives the owner's own profile document from local
// properties, for the peer-facing profile endpoint.
func (e *Engine) ServeProfile(ctx context.Context, owner ref.ActorID) (json.RawMessage, error) {
	if err := e.requireLocal(); err != nil {
		return nil, err
	}

	document := profileDocument{}
	if value, ok := e.localString(ctx, owner, e.profileNames.DisplayName); ok {
		document.DisplayName = value
	}
	if value, ok := e.localString(ctx, owner, e.profileNames.Description); ok {
		document.Description = value
	}
	if value, ok := e.localString(ctx, owner, e.profileNames.AvatarURL); ok {
		document.AvatarURL = value
	}

	encoded, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("peersync: encoding profile: %w", err)
	}
	return encoded, nil
}

func (e *Engine) localString(ctx context.Context, owner ref.ActorID, name string) (string, bool) {
	entry, err := e.local.Get(ctx, owner, name)
	if err != nil || entry.IsList {
		return "", false
	}
	var value string
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return "", false
	}
	return value, true
}

// ServeCapabilities returns the capability document this node
// advertises to peers.
func (e *Engine) ServeCapabilities() Capabilities {
	return e.advertised
}
