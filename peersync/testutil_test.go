// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package peersync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/weftlabs/weft/attrstore"
	"github.com/weftlabs/weft/lib/clock"
	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/peering"
	"github.com/weftlabs/weft/permission"
	"github.com/weftlabs/weft/trust"
)

var (
	testOwner = ref.MustParseActorID("alice.example.net")
	testPeer  = ref.MustParsePeerID("bob.example.org")
)

// stubClient is a scripted ResourceClient. Handlers are keyed by
// "METHOD path"; every call is recorded so tests can assert exactly
// which network requests a code path performed.
type stubClient struct {
	mu       sync.Mutex
	handlers map[string]func(body any) (*peering.Response, error)
	calls    []string
}

func newStubClient() *stubClient {
	return &stubClient{handlers: make(map[string]func(body any) (*peering.Response, error))}
}

// respond registers a fixed JSON response for "METHOD path".
func (c *stubClient) respond(method, path string, status int, body any, header http.Header) {
	encoded, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	c.handle(method, path, func(any) (*peering.Response, error) {
		h := header
		if h == nil {
			h = http.Header{}
		}
		return &peering.Response{StatusCode: status, Header: h, Body: encoded}, nil
	})
}

// fail registers a transport-level failure for "METHOD path".
func (c *stubClient) fail(method, path string, err error) {
	c.handle(method, path, func(any) (*peering.Response, error) { return nil, err })
}

func (c *stubClient) handle(method, path string, handler func(body any) (*peering.Response, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method+" "+path] = handler
}

// callCount returns how many requests hit "METHOD path".
func (c *stubClient) callCount(method, path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, call := range c.calls {
		if call == method+" "+path {
			count++
		}
	}
	return count
}

// totalCalls returns how many requests were made in total.
func (c *stubClient) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *stubClient) do(method string, path string, body any) (*peering.Response, error) {
	c.mu.Lock()
	key := method + " " + path
	c.calls = append(c.calls, key)
	handler, ok := c.handlers[key]
	c.mu.Unlock()
	if !ok {
		return nil, &peering.PeerError{Code: peering.ErrCodeNotFound, StatusCode: http.StatusNotFound, Message: "no stub for " + key}
	}
	return handler(body)
}

func (c *stubClient) GetResource(_ context.Context, _ ref.ActorID, _ ref.PeerID, path string) (*peering.Response, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *stubClient) PutResource(_ context.Context, _ ref.ActorID, _ ref.PeerID, path string, body any) (*peering.Response, error) {
	return c.do(http.MethodPut, path, body)
}

func (c *stubClient) PostResource(_ context.Context, _ ref.ActorID, _ ref.PeerID, path string, body any) (*peering.Response, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *stubClient) DeleteResource(_ context.Context, _ ref.ActorID, _ ref.PeerID, path string) (*peering.Response, error) {
	return c.do(http.MethodDelete, path, nil)
}

// stubTrust grants a fixed effective set to every pair.
type stubTrust struct {
	mu  sync.Mutex
	set permission.EffectiveSet
}

var _ trust.Provider = (*stubTrust)(nil)

func newStubTrust(include ...string) *stubTrust {
	return &stubTrust{set: permission.Merge(permission.Snapshot{
		permission.CategoryProperties: {Include: include},
	}, nil)}
}

func (s *stubTrust) EffectivePermissions(context.Context, ref.ActorID, ref.PeerID) (permission.EffectiveSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set, nil
}

func (s *stubTrust) grant(set permission.EffectiveSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = set
}

// stubPeers lists a fixed peer set for every owner.
type stubPeers struct {
	peers []ref.PeerID
}

func (s *stubPeers) Peers(context.Context, ref.ActorID) ([]ref.PeerID, error) {
	return s.peers, nil
}

// testEnv wires an engine over a real SQLite attribute store in a
// temp directory, a fake clock, and the scripted client.
type testEnv struct {
	attrs         *attrstore.Store
	store         *RemotePeerStore
	local         *LocalStore
	caches        *Caches
	subscriptions *SubscriptionManager
	client        *stubClient
	trust         *stubTrust
	clock         *clock.FakeClock
	hooks         *Hooks
	engine        *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	attrs, err := attrstore.Open(attrstore.Config{
		Path:   filepath.Join(t.TempDir(), "attrs.db"),
		Clock:  fakeClock,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("opening attribute store: %v", err)
	}
	t.Cleanup(func() { attrs.Close() })

	store := NewRemotePeerStore(attrs, logger)
	local := NewLocalStore(attrs)
	caches, err := NewCaches(CachesConfig{Attrs: attrs, Clock: fakeClock, Logger: logger})
	if err != nil {
		t.Fatalf("creating caches: %v", err)
	}
	subscriptions, err := NewSubscriptionManager(attrs, fakeClock, logger)
	if err != nil {
		t.Fatalf("creating subscription manager: %v", err)
	}

	client := newStubClient()
	trustStub := newStubTrust("**")
	hooks := NewHooks(logger)

	engine, err := NewEngine(Config{
		Attrs:           attrs,
		Store:           store,
		Local:           local,
		Caches:          caches,
		Subscriptions:   subscriptions,
		Client:          client,
		Trust:           trustStub,
		Peers:           &stubPeers{peers: []ref.PeerID{testPeer}},
		Hooks:           hooks,
		Clock:           fakeClock,
		Logger:          logger,
		CallbackBaseURL: "https://alice.example.net",
	})
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}

	return &testEnv{
		attrs:         attrs,
		store:         store,
		local:         local,
		caches:        caches,
		subscriptions: subscriptions,
		client:        client,
		trust:         trustStub,
		clock:         fakeClock,
		hooks:         hooks,
		engine:        engine,
	}
}

// outboundSubscription persists an active outbound properties
// subscription at the given applied sequence and returns it.
func (env *testEnv) outboundSubscription(t *testing.T, seq uint64) Subscription {
	t.Helper()
	sub := Subscription{
		ID:        ref.NewSubscriptionID(),
		Owner:     testOwner,
		Peer:      testPeer,
		Target:    TargetProperties,
		Direction: DirectionOutbound,
		State:     StateActive,
	}
	if err := env.subscriptions.Create(context.Background(), sub); err != nil {
		t.Fatalf("creating subscription: %v", err)
	}
	if seq > 0 {
		sub.SequenceNumber = seq
		created, err := env.subscriptions.Get(context.Background(), testOwner, testPeer, sub.ID)
		if err != nil {
			t.Fatalf("reloading subscription: %v", err)
		}
		created.SequenceNumber = seq
		if err := env.subscriptions.Update(context.Background(), created); err != nil {
			t.Fatalf("updating subscription: %v", err)
		}
		return created
	}
	created, err := env.subscriptions.Get(context.Background(), testOwner, testPeer, sub.ID)
	if err != nil {
		t.Fatalf("reloading subscription: %v", err)
	}
	return created
}

// serveBaseline scripts the peer's full-properties endpoint with the
// given envelope map and sequence header.
func (env *testEnv) serveBaseline(properties map[string]any, sequence uint64) {
	header := http.Header{}
	header.Set(peering.SequenceHeader, fmt.Sprintf("%d", sequence))
	env.client.respond(http.MethodGet, PathProperties, http.StatusOK, properties, header)
}

// callback builds a subscription callback body.
func callback(t *testing.T, id ref.SubscriptionID, sequence uint64, diffs []Diff) []byte {
	t.Helper()
	body, err := json.Marshal(callbackBody{
		SubscriptionID: id.String(),
		Target:         TargetProperties,
		Sequence:       sequence,
		Data:           diffs,
	})
	if err != nil {
		t.Fatalf("encoding callback: %v", err)
	}
	return body
}

// putDiff builds a put diff whose blob is an envelope around value.
func putDiff(t *testing.T, seq uint64, name string, value any) Diff {
	t.Helper()
	blob, err := json.Marshal(map[string]any{"value": value, "isList": false})
	if err != nil {
		t.Fatalf("encoding diff blob: %v", err)
	}
	return Diff{Seq: seq, Operation: OpPut, Resource: name, Blob: blob}
}

// addDiff builds an add-to-list diff whose blob is the raw item.
func addDiff(t *testing.T, seq uint64, name string, item any) Diff {
	t.Helper()
	blob, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("encoding diff item: %v", err)
	}
	return Diff{Seq: seq, Operation: OpAdd, Resource: name, Blob: blob}
}

// mirrorValue reads a mirrored simple property and decodes it into a
// string, failing the test on any error.
func (env *testEnv) mirrorValue(t *testing.T, name string) string {
	t.Helper()
	raw, err := env.store.Value(context.Background(), testOwner, testPeer, name)
	if err != nil {
		t.Fatalf("reading mirrored %q: %v", name, err)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("decoding mirrored %q: %v", name, err)
	}
	return value
}

// mirrorList reads a mirrored list property as decoded strings.
func (env *testEnv) mirrorList(t *testing.T, name string) []string {
	t.Helper()
	items, err := env.store.List(context.Background(), testOwner, testPeer, name)
	if err != nil {
		t.Fatalf("reading mirrored list %q: %v", name, err)
	}
	values := make([]string, len(items))
	for i, item := range items {
		if err := json.Unmarshal(item, &values[i]); err != nil {
			t.Fatalf("decoding list item %d of %q: %v", i, name, err)
		}
	}
	return values
}
