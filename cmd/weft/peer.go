// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/weftlabs/weft/cmd/weft-peerd/adminapi"
	"github.com/weftlabs/weft/cmd/weft/cli"
	"github.com/weftlabs/weft/lib/mdterm"
)

// peerCommand returns the "peer" subcommand group.
func peerCommand() *cli.Command {
	return &cli.Command{
		Name:    "peer",
		Summary: "Inspect trusted peers",
		Description: `Inspect the node's trusted peers.

Peers are actors this node has a pairwise trust relationship with.
The list shows relationship state and subscription health; show adds
the mirrored profile, capabilities, and granted permissions.`,
		Subcommands: []*cli.Command{
			peerListCommand(),
			peerShowCommand(),
		},
	}
}

func peerListCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "list",
		Summary: "List trusted peers",
		Usage:   "weft peer list [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "node config file (default: $WEFT_CONFIG)")
			return flagSet
		},
		Run: func(args []string) error {
			client, _, err := adminClient(configPath)
			if err != nil {
				return err
			}
			list, err := client.ListPeers(context.Background())
			if err != nil {
				return err
			}
			if len(list.Peers) == 0 {
				fmt.Println("no trusted peers")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "PEER\tRELATIONSHIP\tSTATE\tSUBSCRIPTIONS\tNAME")
			for _, peer := range list.Peers {
				state := "pending"
				if peer.Established {
					state = "established"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					peer.Peer, peer.Relationship, state,
					subscriptionSummary(peer.Subscriptions), peer.DisplayName)
			}
			return tw.Flush()
		},
	}
}

// subscriptionSummary compresses a peer's subscriptions into one cell,
// e.g. "out/active@42 in/active@7".
func subscriptionSummary(subs []adminapi.SubscriptionStatus) string {
	if len(subs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(subs))
	for _, sub := range subs {
		part := fmt.Sprintf("%s/%s@%d", sub.Direction, sub.State, sub.Sequence)
		if sub.Pending > 0 {
			part += fmt.Sprintf("+%dp", sub.Pending)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

func peerShowCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "show",
		Summary: "Show one peer's profile and mirrored data",
		Usage:   "weft peer show <peer> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "node config file (default: $WEFT_CONFIG)")
			return flagSet
		},
		Examples: []cli.Example{
			{Command: "weft peer show bob.example.org"},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return cli.Validationf("expected exactly one peer id, got %d args", len(args)).
					WithHint("run 'weft peer list' to see trusted peers")
			}
			client, _, err := adminClient(configPath)
			if err != nil {
				return err
			}
			detail, err := client.ShowPeer(context.Background(), args[0])
			if errors.Is(err, adminapi.ErrNotFound) {
				return cli.NotFoundf("peer %q is not a trusted peer", args[0]).
					WithHint("run 'weft peer list' to see trusted peers")
			}
			if err != nil {
				return err
			}
			printPeerDetail(detail)
			return nil
		},
	}
}

// terminalWidth returns the stdout width, or 80 when not a terminal.
func terminalWidth() int {
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		if width > 120 {
			return 120
		}
		return width
	}
	return 80
}

func printPeerDetail(detail adminapi.PeerDetail) {
	styled := term.IsTerminal(int(os.Stdout.Fd()))
	heading := func(text string) string {
		if !styled {
			return text
		}
		return lipgloss.NewStyle().Bold(true).Render(text)
	}

	title := detail.Peer
	if detail.Profile.DisplayName != "" {
		title += " — " + detail.Profile.DisplayName
	}
	fmt.Println(heading(title))

	state := "pending approval"
	if detail.Established {
		state = "established"
	}
	fmt.Printf("  relationship: %s (%s)\n", detail.Relationship, state)
	if detail.BaseURL != "" {
		fmt.Printf("  endpoint:     %s\n", detail.BaseURL)
	}
	if detail.Profile.AvatarURL != "" {
		fmt.Printf("  avatar:       %s\n", detail.Profile.AvatarURL)
	}

	if detail.Profile.Description != "" {
		fmt.Println()
		fmt.Println(heading("About"))
		rendered := mdterm.Render(detail.Profile.Description, mdterm.DefaultTheme(), terminalWidth()-2)
		for _, line := range strings.Split(strings.TrimRight(rendered, "\n"), "\n") {
			fmt.Println("  " + line)
		}
	}

	if len(detail.Subscriptions) > 0 {
		fmt.Println()
		fmt.Println(heading("Subscriptions"))
		tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "  ID\tDIRECTION\tSTATE\tSEQ\tPENDING")
		for _, sub := range detail.Subscriptions {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\n",
				sub.ID, sub.Direction, sub.State, sub.Sequence, sub.Pending)
		}
		tw.Flush()
	}

	if detail.Capabilities != nil {
		fmt.Println()
		fmt.Println(heading("Capabilities"))
		if len(detail.Capabilities.Methods) > 0 {
			fmt.Printf("  methods: %s\n", strings.Join(detail.Capabilities.Methods, ", "))
		}
		if len(detail.Capabilities.Actions) > 0 {
			fmt.Printf("  actions: %s\n", strings.Join(detail.Capabilities.Actions, ", "))
		}
	}

	if len(detail.Granted) > 0 {
		fmt.Println()
		fmt.Println(heading("Granted to this peer"))
		for _, pattern := range detail.Granted {
			fmt.Printf("  %s\n", pattern)
		}
	}

	if len(detail.Properties) > 0 {
		fmt.Println()
		fmt.Println(heading("Mirrored properties"))
		for _, property := range detail.Properties {
			if property.IsList {
				fmt.Printf("  %s (list, %d items)\n", property.Name, property.Items)
			} else {
				fmt.Printf("  %s\n", property.Name)
			}
		}
	}
}
