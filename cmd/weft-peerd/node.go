// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weftlabs/weft/attrstore"
	"github.com/weftlabs/weft/config"
	"github.com/weftlabs/weft/lib/clock"
	"github.com/weftlabs/weft/lib/ref"
	"github.com/weftlabs/weft/observe"
	"github.com/weftlabs/weft/peering"
	"github.com/weftlabs/weft/peersync"
	"github.com/weftlabs/weft/permission"
	"github.com/weftlabs/weft/trust"
)

// node bundles every long-lived component of the daemon. Construction
// is all-or-nothing: a node that newNode returns is fully wired and
// ready to serve.
type node struct {
	cfg    *config.Config
	owner  ref.ActorID
	logger *slog.Logger
	clock  clock.Clock

	attrs         *attrstore.Store
	vault         *trust.Vault
	trustStore    *trust.Store
	defaults      *permission.Defaults
	client        *peering.Client
	mirror        *peersync.RemotePeerStore
	caches        *peersync.Caches
	subscriptions *peersync.SubscriptionManager
	engine        *peersync.Engine
	observe       *observe.Server
}

// establishedPeers adapts the trust store to the engine's fan-out
// enumeration: only pairs approved on both sides receive publishes.
type establishedPeers struct {
	store *trust.Store
}

func (p establishedPeers) Peers(ctx context.Context, owner ref.ActorID) ([]ref.PeerID, error) {
	records, err := p.store.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	peers := make([]ref.PeerID, 0, len(records))
	for _, record := range records {
		if record.Established() {
			peers = append(peers, record.Peer)
		}
	}
	return peers, nil
}

// advertisedCapabilities is the capability document this node serves
// to peers: the protocol surfaces it implements.
func advertisedCapabilities() peersync.Capabilities {
	return peersync.Capabilities{
		Methods: []string{
			"properties", "property-names", "capabilities",
			"profile", "permissions",
		},
		Actions: []string{"subscribe", "unsubscribe", "callback"},
	}
}

func storeEncoding(name string) (attrstore.Encoding, error) {
	switch name {
	case "", "zstd":
		return attrstore.EncodingZstd, nil
	case "lz4":
		return attrstore.EncodingLZ4, nil
	case "none":
		return attrstore.EncodingNone, nil
	}
	return attrstore.EncodingNone, fmt.Errorf("unknown store compression %q", name)
}

// newNode assembles the daemon from configuration. The returned node
// owns the attribute store and the master key; Close releases both.
func newNode(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*node, error) {
	owner, err := ref.ParseActorID(cfg.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	compression, err := storeEncoding(cfg.Store.Compression)
	if err != nil {
		return nil, err
	}
	attrs, err := attrstore.Open(attrstore.Config{
		Path:                 cfg.Paths.Database,
		PoolSize:             cfg.Store.PoolSize,
		Clock:                clk,
		Logger:               logger,
		Compression:          compression,
		CompressionThreshold: cfg.Store.CompressionThreshold,
	})
	if err != nil {
		return nil, err
	}

	// Everything after the store can fail; close it on the way out.
	n := &node{cfg: cfg, owner: owner, logger: logger, clock: clk, attrs: attrs}
	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	masterKey, err := trust.LoadOrCreateMasterKey(cfg.Paths.NodeKey, cfg.Paths.MasterKey, nil, logger)
	if err != nil {
		return nil, err
	}
	n.vault, err = trust.NewVault(masterKey)
	if err != nil {
		return nil, err
	}
	n.trustStore, err = trust.NewStore(trust.Config{
		Attributes: attrs,
		Vault:      n.vault,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	n.defaults, err = permission.LoadDefaults(cfg.Paths.TrustDefaults)
	if err != nil {
		return nil, err
	}

	n.client, err = peering.NewClient(peering.Config{
		Directory:       n.trustStore,
		Logger:          logger,
		RequestTimeout:  cfg.Peering.RequestTimeout.Std(),
		RetryMaxElapsed: cfg.Peering.RetryMaxElapsed.Std(),
	})
	if err != nil {
		return nil, err
	}

	n.mirror = peersync.NewRemotePeerStore(attrs, logger)
	n.caches, err = peersync.NewCaches(peersync.CachesConfig{
		Attrs:  attrs,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	n.subscriptions, err = peersync.NewSubscriptionManager(attrs, clk, logger)
	if err != nil {
		return nil, err
	}

	hooks := peersync.NewHooks(logger)
	n.observe = observe.NewServer(clk, logger)
	hooks.Register(n.observe.Hook)

	n.engine, err = peersync.NewEngine(peersync.Config{
		Attrs:            attrs,
		Store:            n.mirror,
		Local:            peersync.NewLocalStore(attrs),
		Caches:           n.caches,
		Subscriptions:    n.subscriptions,
		Client:           n.client,
		Trust:            trust.PermissionSource{Store: n.trustStore, Defaults: n.defaults},
		Peers:            establishedPeers{store: n.trustStore},
		Hooks:            hooks,
		Clock:            clk,
		Logger:           logger,
		ProfileMaxAge:    cfg.Sync.ProfileMaxAge.Std(),
		CapabilityMaxAge: cfg.Sync.CapabilityMaxAge.Std(),
		PermissionMaxAge: cfg.Sync.PermissionMaxAge.Std(),
		CallbackBaseURL:  cfg.Listen.AdvertisedURL,
		Advertised:       advertisedCapabilities(),
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return n, nil
}

// establishedPeerIDs lists the peers the node actor can sync with.
func (n *node) establishedPeerIDs(ctx context.Context) ([]ref.PeerID, error) {
	return establishedPeers{store: n.trustStore}.Peers(ctx, n.owner)
}

// Close releases everything newNode acquired, tolerating partial
// construction.
func (n *node) Close() {
	if n.client != nil {
		n.client.CloseIdleConnections()
	}
	if n.trustStore != nil {
		if err := n.trustStore.Close(); err != nil {
			n.logger.Warn("closing trust store", "error", err)
		}
	}
	if n.vault != nil {
		if err := n.vault.Close(); err != nil {
			n.logger.Warn("closing vault", "error", err)
		}
	}
	if n.attrs != nil {
		if err := n.attrs.Close(); err != nil {
			n.logger.Warn("closing attribute store", "error", err)
		}
	}
}
