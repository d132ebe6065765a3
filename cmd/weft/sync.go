// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/weftlabs/weft/cmd/weft-peerd/adminapi"
	"github.com/weftlabs/weft/cmd/weft/cli"
)

func syncCommand() *cli.Command {
	var (
		configPath string
		force      bool
	)
	return &cli.Command{
		Name:    "sync",
		Summary: "Synchronize with peers",
		Description: `Trigger a synchronization round on the daemon.

With a peer argument, syncs that peer alone; without one, syncs every
established peer. Each sync refreshes stale metadata (profile,
capabilities, permissions) and repairs any subscription marked for
resync. --force refreshes everything regardless of staleness,
including subscription baselines.

Exits 1 when any subsystem reported a failure.`,
		Usage: "weft sync [peer] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sync", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "node config file (default: $WEFT_CONFIG)")
			flagSet.BoolVar(&force, "force", false, "bypass staleness checks and refresh everything")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Sync one peer", Command: "weft sync bob.example.org"},
			{Description: "Full refresh of every peer", Command: "weft sync --force"},
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return cli.Validationf("expected at most one peer id, got %d args", len(args))
			}
			request := adminapi.SyncRequest{Force: force}
			if len(args) == 1 {
				request.Peer = args[0]
			}

			client, _, err := adminClient(configPath)
			if err != nil {
				return err
			}
			report, err := client.Sync(context.Background(), request)
			if err != nil {
				return err
			}
			if len(report.Results) == 0 {
				fmt.Println("no established peers to sync")
				return nil
			}

			failed := printSyncReport(report)
			if failed {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// printSyncReport writes the per-peer table and returns whether any
// peer had failures.
func printSyncReport(report adminapi.SyncReport) bool {
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "PEER\tBASELINE\tPROFILE\tCAPABILITIES\tPERMISSIONS\tRESYNCED")
	failed := false
	for _, result := range report.Results {
		if result.Failed() {
			failed = true
		}
		resynced := "-"
		if len(result.Resynced) > 0 {
			resynced = fmt.Sprintf("%d", len(result.Resynced))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			result.Peer, result.Baseline, result.Profile,
			result.Capabilities, result.Permissions, resynced)
	}
	tw.Flush()

	for _, result := range report.Results {
		for _, message := range result.Errors {
			fmt.Fprintf(os.Stderr, "%s: %s\n", result.Peer, strings.TrimSpace(message))
		}
	}
	return failed
}
