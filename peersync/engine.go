// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftlabs/weft/attrstore"
	"github.com/weftlabs/weft/lib/clock"
	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/peering"
	"github.com/weftlabs/weft/permission"
	"github.com/weftlabs/weft/trust"
)

// ResourceClient is the peer-communication surface the engine
// consumes. *peering.Client implements it; tests substitute an
// httptest-backed client or a stub.
type ResourceClient interface {
	GetResource(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string) (*peering.Response, error)
	PutResource(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string, body any) (*peering.Response, error)
	PostResource(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string, body any) (*peering.Response, error)
	DeleteResource(ctx context.Context, owner ref.ActorID, peer ref.PeerID, path string) (*peering.Response, error)
}

var _ ResourceClient = (*peering.Client)(nil)

// PeerLister enumerates the peers an owner actor has established
// trust with. The trust store provides this; the engine needs it to
// fan publishes out to inbound subscriptions.
type PeerLister interface {
	Peers(ctx context.Context, owner ref.ActorID) ([]ref.PeerID, error)
}

// ProfileAttributeNames maps profile fields to the mirrored property
// names they derive from. Deriving the profile from the mirror after
// a baseline sync costs zero network calls; the dedicated profile
// fetch is the fallback, not the default.
type ProfileAttributeNames struct {
	DisplayName string
	Description string
	AvatarURL   string
}

// DefaultProfileAttributes are the protocol's conventional property
// names for profile fields.
func DefaultProfileAttributes() ProfileAttributeNames {
	return ProfileAttributeNames{
		DisplayName: "displayname",
		Description: "description",
		AvatarURL:   "avatarUrl",
	}
}

// Config holds everything the engine needs. Store, Caches,
// Subscriptions, Client, Trust, Clock, and Logger are required.
type Config struct {
	// Attrs is the backing attribute store, used directly only for
	// owner teardown (bulk delete-by-owner).
	Attrs *attrstore.Store

	// Store is the mirror of trusted peers' properties.
	Store *RemotePeerStore

	// Local holds the owner actors' own published properties.
	// Required when the publisher side (inbound subscriptions) is
	// used; a pure subscriber may leave it nil.
	Local *LocalStore

	// Caches holds the per-pair metadata caches.
	Caches *Caches

	// Subscriptions is the journaled subscription registry.
	Subscriptions *SubscriptionManager

	// Client performs peer resource requests.
	Client ResourceClient

	// Trust supplies the effective permission set an owner has
	// granted a peer; the publisher side filters every served
	// property and every outgoing diff through it.
	Trust trust.Provider

	// Peers enumerates established pairs for publish fan-out.
	// Required when Local is set.
	Peers PeerLister

	// Hooks receives lifecycle events. Optional.
	Hooks *Hooks

	Clock  clock.Clock
	Logger *slog.Logger

	// ProfileAttributes configures profile derivation. Zero fields
	// fall back to DefaultProfileAttributes.
	ProfileAttributes ProfileAttributeNames

	// Staleness bounds; zero values take the package defaults.
	ProfileMaxAge    time.Duration
	CapabilityMaxAge time.Duration
	PermissionMaxAge time.Duration

	// CallbackBaseURL is this node's advertised HTTP base, sent to
	// peers as the callback endpoint when subscribing.
	CallbackBaseURL string

	// Advertised is the capability document served to peers.
	Advertised Capabilities
}

// Engine is the peer subscription and synchronization engine. All
// mutating operations for one (owner, peer) pair serialize on a keyed
// lock, so a baseline resync and an incremental diff can never
// interleave on the same mirror. Operations on different pairs run
// concurrently.
type Engine struct {
	attrs         *attrstore.Store
	store         *RemotePeerStore
	local         *LocalStore
	caches        *Caches
	subscriptions *SubscriptionManager
	client        ResourceClient
	trust         trust.Provider
	peers         PeerLister
	hooks         *Hooks
	clock         clock.Clock
	logger        *slog.Logger

	profileNames     ProfileAttributeNames
	profileMaxAge    time.Duration
	capabilityMaxAge time.Duration
	permissionMaxAge time.Duration
	callbackBaseURL  string
	advertised       Capabilities

	mu    sync.Mutex
	locks map[pairKey]*sync.Mutex
}

// NewEngine creates an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("peersync: engine: Store is required")
	}
	if cfg.Caches == nil {
		return nil, fmt.Errorf("peersync: engine: Caches is required")
	}
	if cfg.Subscriptions == nil {
		return nil, fmt.Errorf("peersync: engine: Subscriptions is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("peersync: engine: Client is required")
	}
	if cfg.Trust == nil {
		return nil, fmt.Errorf("peersync: engine: Trust is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("peersync: engine: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("peersync: engine: Logger is required")
	}
	if cfg.Local != nil && cfg.Peers == nil {
		return nil, fmt.Errorf("peersync: engine: Peers is required when Local is set")
	}

	names := cfg.ProfileAttributes
	defaults := DefaultProfileAttributes()
	if names.DisplayName == "" {
		names.DisplayName = defaults.DisplayName
	}
	if names.Description == "" {
		names.Description = defaults.Description
	}
	if names.AvatarURL == "" {
		names.AvatarURL = defaults.AvatarURL
	}

	profileMaxAge := cfg.ProfileMaxAge
	if profileMaxAge <= 0 {
		profileMaxAge = DefaultProfileMaxAge
	}
	capabilityMaxAge := cfg.CapabilityMaxAge
	if capabilityMaxAge <= 0 {
		capabilityMaxAge = DefaultCapabilityMaxAge
	}
	permissionMaxAge := cfg.PermissionMaxAge
	if permissionMaxAge <= 0 {
		permissionMaxAge = DefaultPermissionMaxAge
	}

	return &Engine{
		attrs:            cfg.Attrs,
		store:            cfg.Store,
		local:            cfg.Local,
		caches:           cfg.Caches,
		subscriptions:    cfg.Subscriptions,
		client:           cfg.Client,
		trust:            cfg.Trust,
		peers:            cfg.Peers,
		hooks:            cfg.Hooks,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		profileNames:     names,
		profileMaxAge:    profileMaxAge,
		capabilityMaxAge: capabilityMaxAge,
		permissionMaxAge: permissionMaxAge,
		callbackBaseURL:  cfg.CallbackBaseURL,
		advertised:       cfg.Advertised,
		locks:            make(map[pairKey]*sync.Mutex),
	}, nil
}

// lockPair acquires the pair's write lock and returns its release
// function. Locks live for the process lifetime; the map is bounded
// by the number of pairs ever touched.
func (e *Engine) lockPair(owner ref.ActorID, peer ref.PeerID) func() {
	key := pairKey{owner: owner, peer: peer}
	e.mu.Lock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// emit dispatches an event with the current timestamp.
func (e *Engine) emit(event Event) {
	if e.hooks == nil {
		return
	}
	event.Time = e.clock.Now()
	e.hooks.Emit(event)
}

// SubscribeToPeer registers an outbound subscription to a peer's data
// and runs the initial baseline sync. The subscription is persisted
// once the peer accepts it; a failed initial sync leaves it in
// StateResyncRequired (retried on the next callback or explicit sync)
// and is reported in the returned error without unwinding the
// subscription.
func (e *Engine) SubscribeToPeer(ctx context.Context, owner ref.ActorID, peer ref.PeerID, target, subtarget, resource, granularity string) (ref.SubscriptionID, error) {
	id := ref.NewSubscriptionID()

	request := subscribeRequest{
		SubscriptionID: id.String(),
		Target:         target,
		Subtarget:      subtarget,
		Resource:       resource,
		Granularity:    granularity,
		CallbackURL:    e.callbackBaseURL + PathSubscriptionCallback,
	}
	if _, err := e.client.PostResource(ctx, owner, peer, PathSubscriptions, request); err != nil {
		return ref.SubscriptionID{}, fmt.Errorf("peersync: registering subscription on %s: %w", peer, err)
	}

	sub := Subscription{
		ID:          id,
		Owner:       owner,
		Peer:        peer,
		Target:      target,
		Subtarget:   subtarget,
		Resource:    resource,
		Granularity: granularity,
		Direction:   DirectionOutbound,
		State:       StateResyncRequired,
	}
	if err := e.subscriptions.Create(ctx, sub); err != nil {
		return ref.SubscriptionID{}, err
	}

	result, err := e.SyncPeer(ctx, owner, peer, SyncOptions{})
	if err != nil {
		return id, fmt.Errorf("peersync: initial sync for %s: %w", id, err)
	}
	if err := result.Err(); err != nil {
		return id, fmt.Errorf("peersync: initial sync for %s: %w", id, err)
	}
	return id, nil
}

// Unsubscribe terminates an outbound subscription: tells the peer to
// stop publishing, then removes the local record. Valid only on
// outbound subscriptions. The remote delete is best-effort — a peer
// that is down cannot hold our teardown hostage; its next callback
// for the dead ID gets ErrUnknownSubscription and it gives up.
func (e *Engine) Unsubscribe(ctx context.Context, owner ref.ActorID, peer ref.PeerID, id ref.SubscriptionID) error {
	return e.terminate(ctx, owner, peer, id, DirectionOutbound)
}

// RevokePeerSubscription terminates an inbound subscription: stops
// publishing to the peer and removes the record. Valid only on
// inbound subscriptions. The peer is notified best-effort.
func (e *Engine) RevokePeerSubscription(ctx context.Context, owner ref.ActorID, peer ref.PeerID, id ref.SubscriptionID) error {
	return e.terminate(ctx, owner, peer, id, DirectionInbound)
}

func (e *Engine) terminate(ctx context.Context, owner ref.ActorID, peer ref.PeerID, id ref.SubscriptionID, want Direction) error {
	unlock := e.lockPair(owner, peer)
	defer unlock()

	sub, err := e.subscriptions.Get(ctx, owner, peer, id)
	if err != nil {
		return err
	}
	if sub.Direction != want {
		return fmt.Errorf("peersync: terminating %s: subscription is %s: %w", id, sub.Direction, ErrWrongDirection)
	}

	if _, err := e.client.DeleteResource(ctx, owner, peer, SubscriptionPath(id.String())); err != nil {
		e.logger.Warn("notifying peer of subscription termination failed",
			"subscription", id.String(),
			"peer", peer.String(),
			"error", err,
		)
	}

	if err := e.subscriptions.Delete(ctx, owner, peer, id); err != nil {
		return err
	}
	e.emit(Event{Type: EventSubscriptionEnded, Owner: owner, Peer: peer, Subscription: id})
	return nil
}

// SyncPeer synchronizes one pair: baselines for subscriptions that
// need them, then profile, capabilities, and permissions with
// staleness control. This is the general-purpose entry point used by
// the callback path, the background ticker, and explicit refresh.
func (e *Engine) SyncPeer(ctx context.Context, owner ref.ActorID, peer ref.PeerID, opts SyncOptions) (SyncResult, error) {
	unlock := e.lockPair(owner, peer)
	defer unlock()
	return e.syncPeerLocked(ctx, owner, peer, opts)
}

// SyncPeerAsync runs SyncPeer on its own goroutine and delivers the
// outcome on the returned buffered channel. It is a thin wrapper:
// both entry points share syncPeerLocked, so their semantics cannot
// drift apart.
func (e *Engine) SyncPeerAsync(ctx context.Context, owner ref.ActorID, peer ref.PeerID, opts SyncOptions) <-chan SyncOutcome {
	outcomes := make(chan SyncOutcome, 1)
	go func() {
		result, err := e.SyncPeer(ctx, owner, peer, opts)
		outcomes <- SyncOutcome{Result: result, Err: err}
	}()
	return outcomes
}

// SyncAll synchronizes every given peer of one owner in parallel,
// collecting per-peer outcomes. Partial failures do not abort the
// batch. concurrency bounds the fan-out; values < 1 mean 4.
func (e *Engine) SyncAll(ctx context.Context, owner ref.ActorID, peers []ref.PeerID, opts SyncOptions, concurrency int) map[ref.PeerID]SyncOutcome {
	if concurrency < 1 {
		concurrency = 4
	}

	var (
		mu       sync.Mutex
		outcomes = make(map[ref.PeerID]SyncOutcome, len(peers))
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, peer := range peers {
		group.Go(func() error {
			result, err := e.SyncPeer(groupCtx, owner, peer, opts)
			mu.Lock()
			outcomes[peer] = SyncOutcome{Result: result, Err: err}
			mu.Unlock()
			return nil
		})
	}
	// Tasks never return errors; Wait only joins them.
	_ = group.Wait()
	return outcomes
}

// syncPeerLocked is the single core sync path behind SyncPeer and
// SyncPeerAsync. Caller holds the pair lock.
func (e *Engine) syncPeerLocked(ctx context.Context, owner ref.ActorID, peer ref.PeerID, opts SyncOptions) (SyncResult, error) {
	result := SyncResult{
		Owner:        owner,
		Peer:         peer,
		Baseline:     StatusSkipped,
		Profile:      StatusSkipped,
		Capabilities: StatusSkipped,
		Permissions:  StatusSkipped,
	}

	subs, err := e.subscriptions.ForPair(ctx, owner, peer)
	if err != nil {
		return result, err
	}

	for _, sub := range subs {
		if sub.Direction != DirectionOutbound || sub.Target != TargetProperties {
			continue
		}
		if sub.State != StateResyncRequired && !opts.ForceRefresh {
			continue
		}
		if err := e.resyncSubscription(ctx, sub); err != nil {
			result.Baseline = StatusFailed
			result.Errors = append(result.Errors, err)
			e.logger.Warn("baseline resync failed",
				"subscription", sub.ID.String(),
				"peer", peer.String(),
				"error", err,
			)
			continue
		}
		if result.Baseline != StatusFailed {
			result.Baseline = StatusOK
		}
		result.Resynced = append(result.Resynced, sub.ID)
	}

	e.refreshProfile(ctx, owner, peer, opts, &result)
	e.refreshCapabilities(ctx, owner, peer, opts, &result)
	e.refreshPermissions(ctx, owner, peer, opts, &result)

	return result, nil
}

// resyncSubscription fetches a full baseline and replaces the mirror.
// On any failure — transport error, non-2xx, undecodable body — the
// mirror and the subscription are untouched: a destructive
// wipe-before-replace on a partial response is the defect class this
// path exists to prevent. Caller holds the pair lock.
func (e *Engine) resyncSubscription(ctx context.Context, sub Subscription) error {
	response, err := e.client.GetResource(ctx, sub.Owner, sub.Peer, PathProperties)
	if err != nil {
		return fmt.Errorf("peersync: baseline fetch for %s: %w", sub.ID, err)
	}

	properties, err := decodeBaseline(response.Body)
	if err != nil {
		return fmt.Errorf("peersync: baseline for %s: %w", sub.ID, err)
	}

	sequence, err := response.Sequence()
	if err != nil {
		// A malformed header degrades to 0: the next diff then reads
		// as a gap and forces another resync instead of misordering.
		e.logger.Warn("malformed sequence header on baseline",
			"subscription", sub.ID.String(), "error", err)
		sequence = 0
	}

	contentDigest, err := e.store.ApplyBaseline(ctx, sub.Owner, sub.Peer, properties)
	if err != nil {
		return err
	}

	sub.SequenceNumber = sequence
	sub.State = StateActive
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return err
	}

	e.emit(Event{
		Type:         EventBaselineApplied,
		Owner:        sub.Owner,
		Peer:         sub.Peer,
		Subscription: sub.ID,
		Sequence:     sequence,
		Digest:       contentDigest,
	})
	return nil
}

// decodeBaseline parses a full-properties response body into store
// entries, unwrapping each envelope. Any malformed entry poisons the
// whole payload: a half-decodable baseline is a partial response, and
// partial responses never replace the mirror.
func decodeBaseline(body []byte) (map[string]Entry, error) {
	var envelopes map[string]envelope
	if err := json.Unmarshal(body, &envelopes); err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}
	properties := make(map[string]Entry, len(envelopes))
	for name, env := range envelopes {
		entry, err := env.entry()
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		properties[name] = entry
	}
	return properties, nil
}

// refreshProfile derives the peer profile from already-mirrored
// properties — zero network calls — and only falls back to the
// dedicated profile fetch when the mirror lacks the display name.
func (e *Engine) refreshProfile(ctx context.Context, owner ref.ActorID, peer ref.PeerID, opts SyncOptions, result *SyncResult) {
	if profile, ok := e.deriveProfile(ctx, owner, peer); ok {
		e.caches.StoreProfile(owner, peer, profile)
		result.Profile = StatusOK
		return
	}

	if _, age, ok := e.caches.Profile(owner, peer); ok && !IsStale(age, e.profileMaxAge) && !opts.ForceRefresh {
		result.Profile = StatusSkippedFresh
		return
	}

	response, err := e.client.GetResource(ctx, owner, peer, PathProfile)
	if err != nil {
		result.Profile = StatusFailed
		result.Errors = append(result.Errors, fmt.Errorf("peersync: profile fetch for %s: %w", peer, err))
		return
	}
	var document profileDocument
	if err := json.Unmarshal(response.Body, &document); err != nil {
		result.Profile = StatusFailed
		result.Errors = append(result.Errors, fmt.Errorf("peersync: decoding profile for %s: %w", peer, err))
		return
	}

	e.caches.StoreProfile(owner, peer, Profile{
		DisplayName: document.DisplayName,
		Description: document.Description,
		AvatarURL:   document.AvatarURL,
	})
	result.Profile = StatusFallback
}

// deriveProfile extracts profile fields from the mirror. Succeeds
// when the display name property is present; description and avatar
// are optional.
func (e *Engine) deriveProfile(ctx context.Context, owner ref.ActorID, peer ref.PeerID) (Profile, bool) {
	displayName, ok := e.mirrorString(ctx, owner, peer, e.profileNames.DisplayName)
	if !ok || displayName == "" {
		return Profile{}, false
	}
	profile := Profile{DisplayName: displayName, Derived: true}
	if description, ok := e.mirrorString(ctx, owner, peer, e.profileNames.Description); ok {
		profile.Description = description
	}
	if avatarURL, ok := e.mirrorString(ctx, owner, peer, e.profileNames.AvatarURL); ok {
		profile.AvatarURL = avatarURL
	}
	return profile, true
}

// mirrorString reads a mirrored simple property as a JSON string.
func (e *Engine) mirrorString(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string) (string, bool) {
	raw, err := e.store.Value(ctx, owner, peer, name)
	if err != nil {
		if !errors.Is(err, ErrNoProperty) {
			e.logger.Warn("reading mirrored profile attribute failed",
				"peer", peer.String(), "property", name, "error", err)
		}
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

// refreshCapabilities refetches the capability document unless the
// cached one is fresh. Capabilities are near-static, so a fresh cache
// entry short-circuits the fetch — except under ForceRefresh, which
// always refetches.
func (e *Engine) refreshCapabilities(ctx context.Context, owner ref.ActorID, peer ref.PeerID, opts SyncOptions, result *SyncResult) {
	if _, age, ok := e.caches.Capabilities(owner, peer); ok && !IsStale(age, e.capabilityMaxAge) && !opts.ForceRefresh {
		result.Capabilities = StatusSkippedFresh
		return
	}

	response, err := e.client.GetResource(ctx, owner, peer, PathCapabilities)
	if err != nil {
		result.Capabilities = StatusFailed
		result.Errors = append(result.Errors, fmt.Errorf("peersync: capability fetch for %s: %w", peer, err))
		return
	}
	var capabilities Capabilities
	if err := json.Unmarshal(response.Body, &capabilities); err != nil {
		result.Capabilities = StatusFailed
		result.Errors = append(result.Errors, fmt.Errorf("peersync: decoding capabilities for %s: %w", peer, err))
		return
	}

	e.caches.StoreCapabilities(owner, peer, capabilities)
	result.Capabilities = StatusOK
}

// refreshPermissions refetches the peer's grant unless it was just
// delivered by a permission callback in this same logical operation,
// or the cached snapshot is fresh. The wire carries defaults and
// override separately; the merge into an effective set happens here,
// on the receiving side, so the cached snapshot is always comparable
// by the change detector.
func (e *Engine) refreshPermissions(ctx context.Context, owner ref.ActorID, peer ref.PeerID, opts SyncOptions, result *SyncResult) {
	if opts.permissionsDelivered {
		result.Permissions = StatusSkipped
		return
	}
	if _, age, ok := e.caches.Permissions(ctx, owner, peer); ok && !IsStale(age, e.permissionMaxAge) && !opts.ForceRefresh {
		result.Permissions = StatusSkippedFresh
		return
	}

	response, err := e.client.GetResource(ctx, owner, peer, PathPermissions)
	if err != nil {
		result.Permissions = StatusFailed
		result.Errors = append(result.Errors, fmt.Errorf("peersync: permission fetch for %s: %w", peer, err))
		return
	}
	var update permissionUpdate
	if err := json.Unmarshal(response.Body, &update); err != nil {
		result.Permissions = StatusFailed
		result.Errors = append(result.Errors, fmt.Errorf("peersync: decoding permissions for %s: %w", peer, err))
		return
	}

	effective := permission.Merge(update.Defaults, update.Override)
	if err := e.caches.StorePermissions(ctx, owner, peer, effective); err != nil {
		result.Permissions = StatusFailed
		result.Errors = append(result.Errors, err)
		return
	}
	result.Permissions = StatusOK
}

// OnPermissionGranted incrementally fetches newly granted properties:
// exact patterns fetch exactly that property, wildcard patterns fetch
// the peer's name listing once and then each match. It never
// refetches capabilities, the full baseline, or the permission set —
// that is the point of the incremental path.
func (e *Engine) OnPermissionGranted(ctx context.Context, owner ref.ActorID, peer ref.PeerID, grantedPatterns []string) error {
	unlock := e.lockPair(owner, peer)
	defer unlock()
	return e.grantLocked(ctx, owner, peer, grantedPatterns)
}

func (e *Engine) grantLocked(ctx context.Context, owner ref.ActorID, peer ref.PeerID, grantedPatterns []string) error {
	var wildcards []string
	var failures []error

	for _, pattern := range grantedPatterns {
		if permission.IsExactPattern(pattern) {
			if err := e.fetchProperty(ctx, owner, peer, pattern); err != nil {
				failures = append(failures, err)
			}
			continue
		}
		wildcards = append(wildcards, pattern)
	}

	if len(wildcards) > 0 {
		names, err := e.fetchPropertyNames(ctx, owner, peer)
		if err != nil {
			failures = append(failures, err)
		} else {
			for _, name := range permission.FilterNames(names, wildcards) {
				if err := e.fetchProperty(ctx, owner, peer, name); err != nil {
					failures = append(failures, err)
				}
			}
		}
	}

	return errors.Join(failures...)
}

// OnPermissionRevoked deletes mirrored properties matching the
// revoked patterns. Callers must pass only patterns confirmed revoked
// by the symmetric change detector — this is the destructive half of
// a permission change, and a spurious pattern here is data loss.
func (e *Engine) OnPermissionRevoked(ctx context.Context, owner ref.ActorID, peer ref.PeerID, revokedPatterns []string) error {
	unlock := e.lockPair(owner, peer)
	defer unlock()
	return e.revokeLocked(ctx, owner, peer, revokedPatterns)
}

func (e *Engine) revokeLocked(ctx context.Context, owner ref.ActorID, peer ref.PeerID, revokedPatterns []string) error {
	removed, err := e.store.DeleteMatching(ctx, owner, peer, revokedPatterns)
	if err != nil {
		return err
	}
	if removed > 0 {
		e.logger.Info("revoked properties removed from mirror",
			"peer", peer.String(), "removed", removed)
	}
	return nil
}

// fetchProperty fetches one named property and upserts it into the
// mirror. A not-found response is tolerated: the grant may cover a
// property the peer has not set yet.
func (e *Engine) fetchProperty(ctx context.Context, owner ref.ActorID, peer ref.PeerID, name string) error {
	response, err := e.client.GetResource(ctx, owner, peer, PropertyPath(name))
	if err != nil {
		if peering.IsPeerError(err, peering.ErrCodeNotFound) {
			return nil
		}
		return fmt.Errorf("peersync: fetching granted property %q from %s: %w", name, peer, err)
	}

	var env envelope
	if err := json.Unmarshal(response.Body, &env); err != nil {
		return fmt.Errorf("peersync: decoding granted property %q from %s: %w", name, peer, err)
	}
	entry, err := env.entry()
	if err != nil {
		return fmt.Errorf("peersync: granted property %q from %s: %w", name, peer, err)
	}
	return e.store.UpsertProperty(ctx, owner, peer, name, entry)
}

// fetchPropertyNames fetches the peer's visible property name
// listing.
func (e *Engine) fetchPropertyNames(ctx context.Context, owner ref.ActorID, peer ref.PeerID) ([]string, error) {
	response, err := e.client.GetResource(ctx, owner, peer, PathPropertyNames)
	if err != nil {
		return nil, fmt.Errorf("peersync: fetching property names from %s: %w", peer, err)
	}
	var names []string
	if err := json.Unmarshal(response.Body, &names); err != nil {
		return nil, fmt.Errorf("peersync: decoding property names from %s: %w", peer, err)
	}
	return names, nil
}

// HandlePermissionCallback ingests a pushed permission update. The
// payload carries the peer's new defaults and override; the merge
// into an effective set happens here so the change detector always
// compares effective against effective — comparing an override-only
// delta against a cached effective set fabricates revocations, and
// revocations delete data.
//
// Revoked property patterns are removed from the mirror, granted ones
// fetched incrementally; neither triggers a baseline, capability, or
// permission refetch.
func (e *Engine) HandlePermissionCallback(ctx context.Context, owner ref.ActorID, peer ref.PeerID, body []byte) error {
	var callback permissionCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		return fmt.Errorf("peersync: decoding permission callback: %w", err)
	}
	if callback.Type != permissionUpdateType {
		return fmt.Errorf("peersync: unknown permission callback type %q", callback.Type)
	}
	if err := callback.Data.Defaults.Validate(); err != nil {
		return fmt.Errorf("peersync: permission callback defaults: %w", err)
	}
	if err := callback.Data.Override.Validate(); err != nil {
		return fmt.Errorf("peersync: permission callback override: %w", err)
	}

	unlock := e.lockPair(owner, peer)
	defer unlock()

	newEffective := permission.Merge(callback.Data.Defaults, callback.Data.Override)

	var granted, revoked []string
	previous, _, havePrevious := e.caches.Permissions(ctx, owner, peer)
	if havePrevious {
		change, err := permission.ComputeChanges(previous, newEffective)
		if err != nil {
			// Contract violation: the cached snapshot was not an
			// effective set. Refuse the destructive path entirely.
			e.logger.Error("permission change detection rejected input",
				"owner", owner.String(), "peer", peer.String(), "error", err)
			return err
		}
		granted = change.Granted[permission.CategoryProperties]
		revoked = change.Revoked[permission.CategoryProperties]
	} else {
		// First snapshot for the pair: nothing can have been
		// revoked, and everything included is newly visible.
		granted = newEffective.Rules(permission.CategoryProperties).Include
	}

	if err := e.caches.StorePermissions(ctx, owner, peer, newEffective); err != nil {
		return err
	}

	if len(revoked) > 0 {
		if err := e.revokeLocked(ctx, owner, peer, revoked); err != nil {
			return err
		}
	}
	if len(granted) > 0 {
		if err := e.grantLocked(ctx, owner, peer, granted); err != nil {
			e.logger.Warn("incremental grant fetch failed",
				"peer", peer.String(), "error", err)
		}
	}

	e.emit(Event{
		Type:    EventPermissionChanged,
		Owner:   owner,
		Peer:    peer,
		Granted: granted,
		Revoked: revoked,
	})
	return nil
}

// TeardownPeer cascade-deletes everything tied to one pair: the
// mirror, all subscriptions, and the metadata caches. Called when the
// owning trust relationship is deleted; the caller deletes the trust
// record itself afterward.
func (e *Engine) TeardownPeer(ctx context.Context, owner ref.ActorID, peer ref.PeerID) error {
	unlock := e.lockPair(owner, peer)
	defer unlock()

	if _, err := e.subscriptions.DeletePair(ctx, owner, peer); err != nil {
		return err
	}
	if err := e.store.DeletePeer(ctx, owner, peer); err != nil {
		return err
	}
	if err := e.caches.PurgePeer(ctx, owner, peer); err != nil {
		return err
	}
	e.emit(Event{Type: EventPeerRemoved, Owner: owner, Peer: peer})
	return nil
}

// TeardownOwner removes every attribute the owner has — mirrors,
// subscriptions, metadata, local properties — and purges the
// in-memory caches. The actor deletion path.
func (e *Engine) TeardownOwner(ctx context.Context, owner ref.ActorID) error {
	if e.attrs == nil {
		return fmt.Errorf("peersync: engine has no attribute store for owner teardown")
	}
	removed, err := e.attrs.DeleteOwner(ctx, owner.String())
	if err != nil {
		return err
	}
	e.caches.PurgeOwner(owner)
	e.subscriptions.ForgetOwner(owner)
	e.logger.Info("owner torn down", "owner", owner.String(), "attributes_removed", removed)
	return nil
}
