// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/weftlabs/weft/cmd/weft-peerd/adminapi"
	"github.com/weftlabs/weft/cmd/weft/cli"
	"github.com/weftlabs/weft/config"
	"github.com/weftlabs/weft/lib/version"
)

// rootCommand builds the complete weft CLI command tree.
func rootCommand() *cli.Command {
	return &cli.Command{
		Name: "weft",
		Description: `Weft: peer-to-peer actor federation.

Inspect trusted peers, trigger synchronization, and watch the live
sync event stream of the local weft-peerd daemon.`,
		Subcommands: []*cli.Command{
			peerCommand(),
			syncCommand(),
			watchCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("weft %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "List trusted peers and their subscriptions",
				Command:     "weft peer list",
			},
			{
				Description: "Show one peer's profile and mirrored data",
				Command:     "weft peer show bob.example.org",
			},
			{
				Description: "Force a full refresh of one peer",
				Command:     "weft sync bob.example.org --force",
			},
			{
				Description: "Watch sync events as they happen",
				Command:     "weft watch",
			},
		},
	}
}

// loadConfig resolves the node configuration the same way the daemon
// does: explicit --config flag, then $WEFT_CONFIG, then built-in
// defaults (which point at the default loopback listen address).
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("WEFT_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// adminClient builds the admin API client for the configured daemon.
func adminClient(configPath string) (*adminapi.Client, *config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return adminapi.NewClient("http://" + cfg.Listen.Address), cfg, nil
}
