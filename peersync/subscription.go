// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/weftlabs/weft/attrstore"
	"github.com/weftlabs/weft/lib/clock"
	"github.com/weftlabs/weft/lib/codec"
	"github.com/weftlabs/weft/lib/ref"
)

// Direction distinguishes who subscribed to whom. The two directions
// have disjoint operations: Unsubscribe terminates an outbound
// subscription, RevokePeerSubscription an inbound one, and each
// rejects the other's direction.
type Direction int

const (
	// DirectionOutbound: we subscribed to the peer's data and mirror
	// it locally.
	DirectionOutbound Direction = iota + 1

	// DirectionInbound: the peer subscribed to our data and we
	// publish diffs to them.
	DirectionInbound
)

// ParseDirection parses the wire form ("outbound" or "inbound").
func ParseDirection(raw string) (Direction, error) {
	switch raw {
	case "outbound":
		return DirectionOutbound, nil
	case "inbound":
		return DirectionInbound, nil
	default:
		return 0, fmt.Errorf("peersync: unknown direction %q", raw)
	}
}

// String returns the wire form. Panics on an invalid value.
func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		panic(fmt.Sprintf("peersync: String on invalid Direction %d", int(d)))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(data []byte) error {
	parsed, err := ParseDirection(string(data))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// State is the subscription's position in the diff/sequence state
// machine.
type State string

const (
	// StateActive: diffs apply in order as they arrive.
	StateActive State = "active"

	// StateResyncRequired: a sequence gap or explicit invalidation
	// was detected; the mirror is suspect until a baseline resync
	// succeeds. The subscription stays in this state across failed
	// resync attempts and is retried on the next callback or
	// explicit sync.
	StateResyncRequired State = "resync_required"
)

// Subscription is one actor's registered interest in another actor's
// data (outbound), or a peer's registered interest in ours (inbound).
type Subscription struct {
	ID    ref.SubscriptionID
	Owner ref.ActorID
	Peer  ref.PeerID

	// Target/Subtarget/Resource/Granularity scope the interest.
	// Target is "properties" for the data plane this engine
	// synchronizes.
	Target      string
	Subtarget   string
	Resource    string
	Granularity string

	Direction Direction
	State     State

	// SequenceNumber is the last applied diff sequence for outbound
	// subscriptions, and the last assigned one for inbound.
	// Monotonically non-decreasing in both roles.
	SequenceNumber uint64

	// PendingDiffs are assigned-but-undelivered diffs on an inbound
	// subscription, ordered by Seq. Unused on outbound subscriptions:
	// an out-of-order arrival triggers a resync instead of buffering.
	PendingDiffs []Diff

	// CallbackURL is the subscriber-advertised callback endpoint on
	// an inbound subscription, recorded for diagnostics. Delivery
	// always goes through the pair's trusted endpoint from the trust
	// record, never through an attacker-controllable URL.
	CallbackURL string

	CreatedAt time.Time
}

// subscriptionBucket names the journal bucket for one pair's
// subscriptions.
func subscriptionBucket(peer ref.PeerID) string {
	return "subs:" + peer.String()
}

// subscriptionRecord is the persisted CBOR form of a Subscription.
type subscriptionRecord struct {
	ID             string    `cbor:"id"`
	Owner          string    `cbor:"owner"`
	Peer           string    `cbor:"peer"`
	Target         string    `cbor:"target"`
	Subtarget      string    `cbor:"subtarget,omitempty"`
	Resource       string    `cbor:"resource,omitempty"`
	Granularity    string    `cbor:"granularity,omitempty"`
	Direction      string    `cbor:"direction"`
	State          string    `cbor:"state"`
	SequenceNumber uint64    `cbor:"seq"`
	PendingDiffs   []Diff    `cbor:"pending,omitempty"`
	CallbackURL    string    `cbor:"callback_url,omitempty"`
	CreatedAt      time.Time `cbor:"created_at"`
}

// ErrUnknownSubscription is returned when no subscription exists
// under the requested ID for the pair.
var ErrUnknownSubscription = errors.New("peersync: unknown subscription")

// ErrWrongDirection is returned when a termination operation is
// applied to a subscription of the other direction.
var ErrWrongDirection = errors.New("peersync: operation not valid for this subscription direction")

// SubscriptionManager is the journaled registry of subscriptions,
// keyed by (owner, peer, id). Every mutation persists to the
// attribute store before it is visible, so subscription state —
// including pending inbound diffs — survives restarts.
//
// The manager's mutex guards its in-memory index only. Cross-field
// consistency of a subscription during a sync (sequence advance plus
// mirror write) is the engine's per-pair lock's job.
type SubscriptionManager struct {
	attrs  *attrstore.Store
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	loaded map[pairKey]map[ref.SubscriptionID]Subscription
}

// NewSubscriptionManager creates a subscription manager.
func NewSubscriptionManager(attrs *attrstore.Store, clk clock.Clock, logger *slog.Logger) (*SubscriptionManager, error) {
	if attrs == nil {
		return nil, fmt.Errorf("peersync: subscription manager: attribute store is required")
	}
	if clk == nil {
		return nil, fmt.Errorf("peersync: subscription manager: clock is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		attrs:  attrs,
		clock:  clk,
		logger: logger,
		loaded: make(map[pairKey]map[ref.SubscriptionID]Subscription),
	}, nil
}

// Create persists a new subscription. The CreatedAt stamp is assigned
// here; a value set by the caller is ignored.
func (m *SubscriptionManager) Create(ctx context.Context, sub Subscription) error {
	if sub.ID.IsZero() || sub.Owner.IsZero() || sub.Peer.IsZero() {
		return fmt.Errorf("peersync: subscription is missing an identifier")
	}
	if sub.State == "" {
		sub.State = StateResyncRequired
	}
	sub.CreatedAt = m.clock.Now()

	if err := m.persist(ctx, sub); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.index(sub)
	return nil
}

// Get returns one subscription for the pair, or
// ErrUnknownSubscription.
func (m *SubscriptionManager) Get(ctx context.Context, owner ref.ActorID, peer ref.PeerID, id ref.SubscriptionID) (Subscription, error) {
	subs, err := m.pair(ctx, owner, peer)
	if err != nil {
		return Subscription{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := subs[id]
	if !ok {
		return Subscription{}, fmt.Errorf("peersync: %s for pair (%s, %s): %w", id, owner, peer, ErrUnknownSubscription)
	}
	return sub, nil
}

// ForPair returns every subscription between owner and peer, sorted
// by ID (ULIDs sort by creation time).
func (m *SubscriptionManager) ForPair(ctx context.Context, owner ref.ActorID, peer ref.PeerID) ([]Subscription, error) {
	index, err := m.pair(ctx, owner, peer)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]Subscription, 0, len(index))
	for _, sub := range index {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].ID.String() < subs[j].ID.String()
	})
	return subs, nil
}

// Update persists a mutated subscription (sequence advance, state
// transition, pending queue change). The subscription must exist.
func (m *SubscriptionManager) Update(ctx context.Context, sub Subscription) error {
	if _, err := m.Get(ctx, sub.Owner, sub.Peer, sub.ID); err != nil {
		return err
	}
	if err := m.persist(ctx, sub); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index(sub)
	return nil
}

// Delete removes one subscription. Deleting an absent subscription is
// ErrUnknownSubscription.
func (m *SubscriptionManager) Delete(ctx context.Context, owner ref.ActorID, peer ref.PeerID, id ref.SubscriptionID) error {
	if _, err := m.Get(ctx, owner, peer, id); err != nil {
		return err
	}
	if err := m.attrs.Delete(ctx, owner.String(), subscriptionBucket(peer), id.String()); err != nil {
		return fmt.Errorf("peersync: deleting subscription %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{owner: owner, peer: peer}
	if subs, ok := m.loaded[key]; ok {
		delete(subs, id)
	}
	return nil
}

// DeletePair removes every subscription between owner and peer and
// returns how many were removed. Called on trust teardown
// (cascade delete).
func (m *SubscriptionManager) DeletePair(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (int, error) {
	removed, err := m.attrs.DeleteBucket(ctx, owner.String(), subscriptionBucket(peer))
	if err != nil {
		return 0, fmt.Errorf("peersync: deleting subscriptions for pair (%s, %s): %w", owner, peer, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loaded, pairKey{owner: owner, peer: peer})
	return removed, nil
}

// ForgetOwner drops the in-memory index for every pair of one owner.
// The journal rows go with the owner's bulk attribute delete.
func (m *SubscriptionManager) ForgetOwner(owner ref.ActorID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.loaded {
		if key.owner == owner {
			delete(m.loaded, key)
		}
	}
}

// pair ensures the pair's subscriptions are loaded from the journal
// and returns the live index. The index is loaded at most once per
// pair; later reads hit memory.
func (m *SubscriptionManager) pair(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (map[ref.SubscriptionID]Subscription, error) {
	key := pairKey{owner: owner, peer: peer}

	m.mu.Lock()
	if subs, ok := m.loaded[key]; ok {
		m.mu.Unlock()
		return subs, nil
	}
	m.mu.Unlock()

	// Journal read happens outside the lock; a racing load of the
	// same pair reads identical rows and the second index wins
	// harmlessly.
	raw, err := m.attrs.ListBucket(ctx, owner.String(), subscriptionBucket(peer))
	if err != nil {
		return nil, fmt.Errorf("peersync: loading subscriptions for pair (%s, %s): %w", owner, peer, err)
	}

	subs := make(map[ref.SubscriptionID]Subscription, len(raw))
	for name, encoded := range raw {
		sub, err := decodeSubscription(encoded)
		if err != nil {
			return nil, fmt.Errorf("peersync: journal entry %s: %w", name, err)
		}
		subs[sub.ID] = sub
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded[key] = subs
	return subs, nil
}

// index writes a subscription into the in-memory index. Must be
// called with m.mu held.
func (m *SubscriptionManager) index(sub Subscription) {
	key := pairKey{owner: sub.Owner, peer: sub.Peer}
	subs, ok := m.loaded[key]
	if !ok {
		subs = make(map[ref.SubscriptionID]Subscription)
		m.loaded[key] = subs
	}
	subs[sub.ID] = sub
}

func (m *SubscriptionManager) persist(ctx context.Context, sub Subscription) error {
	record := subscriptionRecord{
		ID:             sub.ID.String(),
		Owner:          sub.Owner.String(),
		Peer:           sub.Peer.String(),
		Target:         sub.Target,
		Subtarget:      sub.Subtarget,
		Resource:       sub.Resource,
		Granularity:    sub.Granularity,
		Direction:      sub.Direction.String(),
		State:          string(sub.State),
		SequenceNumber: sub.SequenceNumber,
		PendingDiffs:   sub.PendingDiffs,
		CallbackURL:    sub.CallbackURL,
		CreatedAt:      sub.CreatedAt,
	}
	encoded, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("peersync: encoding subscription %s: %w", sub.ID, err)
	}
	if err := m.attrs.Put(ctx, sub.Owner.String(), subscriptionBucket(sub.Peer), sub.ID.String(), encoded); err != nil {
		return fmt.Errorf("peersync: persisting subscription %s: %w", sub.ID, err)
	}
	return nil
}

func decodeSubscription(encoded []byte) (Subscription, error) {
	var record subscriptionRecord
	if err := codec.Unmarshal(encoded, &record); err != nil {
		return Subscription{}, fmt.Errorf("decoding: %w", err)
	}

	id, err := ref.ParseSubscriptionID(record.ID)
	if err != nil {
		return Subscription{}, err
	}
	owner, err := ref.ParseActorID(record.Owner)
	if err != nil {
		return Subscription{}, err
	}
	peer, err := ref.ParsePeerID(record.Peer)
	if err != nil {
		return Subscription{}, err
	}
	direction, err := ParseDirection(record.Direction)
	if err != nil {
		return Subscription{}, err
	}
	state := State(record.State)
	if state != StateActive && state != StateResyncRequired {
		return Subscription{}, fmt.Errorf("unknown subscription state %q", record.State)
	}

	return Subscription{
		ID:             id,
		Owner:          owner,
		Peer:           peer,
		Target:         record.Target,
		Subtarget:      record.Subtarget,
		Resource:       record.Resource,
		Granularity:    record.Granularity,
		Direction:      direction,
		State:          state,
		SequenceNumber: record.SequenceNumber,
		PendingDiffs:   record.PendingDiffs,
		CallbackURL:    record.CallbackURL,
		CreatedAt:      record.CreatedAt,
	}, nil
}
