// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/junegunn/fzf/src/util"
	"github.com/spf13/pflag"

	"github.com/weftlabs/weft/cmd/weft/cli"
	"github.com/weftlabs/weft/observe"
)

// watchEventLimit bounds the in-memory event scrollback.
const watchEventLimit = 2000

func watchCommand() *cli.Command {
	var (
		configPath string
		peerFilter string
	)
	return &cli.Command{
		Name:    "watch",
		Summary: "Watch live sync events",
		Description: `Stream the daemon's sync events in a live terminal view.

Connects to the observe socket and shows baselines, diffs, resyncs,
and permission changes as they happen, newest at the bottom. Press /
to fuzzy-filter events (matching peer, property, or event kind), esc
to clear the filter, q to quit.`,
		Usage: "weft watch [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "node config file (default: $WEFT_CONFIG)")
			flagSet.StringVar(&peerFilter, "peer", "", "only stream events for this peer")
			return flagSet
		},
		Examples: []cli.Example{
			{Command: "weft watch"},
			{Description: "Only one peer's events", Command: "weft watch --peer bob.example.org"},
		},
		Run: func(args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			stream, err := observe.Watch(cfg.Paths.ObserveSocket, observe.Request{Peer: peerFilter})
			if err != nil {
				return err
			}
			defer stream.Close()

			program := tea.NewProgram(newWatchModel(stream), tea.WithAltScreen())
			_, err = program.Run()
			return err
		},
	}
}

// frameMsg delivers one observe frame into the update loop.
type frameMsg observe.Frame

// streamErrMsg reports a broken stream. The daemon going away mid-
// watch is an exit condition, not a panic.
type streamErrMsg struct{ err error }

// readFrame blocks on the stream for the next frame.
func readFrame(stream *observe.Stream) tea.Cmd {
	return func() tea.Msg {
		frame, err := stream.Next()
		if err != nil {
			return streamErrMsg{err: err}
		}
		return frameMsg(frame)
	}
}

var (
	watchTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	watchStatusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	watchKindStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("77"))
	watchResyncStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	watchMatchStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
)

type watchModel struct {
	stream *observe.Stream

	events   []observe.Event
	caughtUp bool
	resyncs  int
	err      error

	filter    textinput.Model
	filtering bool
	slab      *util.Slab

	width  int
	height int
}

func newWatchModel(stream *observe.Stream) watchModel {
	filter := textinput.New()
	filter.Placeholder = "fuzzy filter"
	filter.Prompt = "/"
	filter.CharLimit = 128

	return watchModel{
		stream: stream,
		filter: filter,
		slab:   newFuzzySlab(),
		width:  80,
		height: 24,
	}
}

func (m watchModel) Init() tea.Cmd {
	return readFrame(m.stream)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case frameMsg:
		switch msg.Type {
		case observe.FrameEvent:
			if msg.Event != nil {
				m.events = append(m.events, *msg.Event)
				if len(m.events) > watchEventLimit {
					m.events = m.events[len(m.events)-watchEventLimit:]
				}
			}
		case observe.FrameCaughtUp:
			m.caughtUp = true
		case observe.FrameResync:
			// The server replays its history after a resync; drop the
			// stale view so the replay is not duplicated.
			m.resyncs++
			m.caughtUp = false
			m.events = m.events[:0]
		case observe.FrameError:
			m.err = fmt.Errorf("stream error: %s", msg.Message)
			return m, tea.Quit
		}
		return m, readFrame(m.stream)

	case streamErrMsg:
		m.err = msg.err
		return m, tea.Quit

	case tea.KeyMsg:
		if m.filtering {
			switch msg.String() {
			case "enter":
				m.filtering = false
				m.filter.Blur()
				return m, nil
			case "esc":
				m.filtering = false
				m.filter.Blur()
				m.filter.SetValue("")
				return m, nil
			case "ctrl+c":
				return m, tea.Quit
			}
			var cmd tea.Cmd
			m.filter, cmd = m.filter.Update(msg)
			return m, cmd
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "/":
			m.filtering = true
			return m, m.filter.Focus()
		case "esc":
			m.filter.SetValue("")
			return m, nil
		}
	}
	return m, nil
}

// eventLine formats one event for display. The haystack for fuzzy
// matching is the same string the user sees.
func eventLine(event observe.Event) string {
	var detail string
	switch {
	case event.Property != "":
		detail = event.Property
	case len(event.Granted) > 0 || len(event.Revoked) > 0:
		var parts []string
		if len(event.Granted) > 0 {
			parts = append(parts, "+"+strings.Join(event.Granted, ",+"))
		}
		if len(event.Revoked) > 0 {
			parts = append(parts, "-"+strings.Join(event.Revoked, ",-"))
		}
		detail = strings.Join(parts, " ")
	}
	line := fmt.Sprintf("%s  %-22s %s", event.Time.Format("15:04:05"), event.Kind, event.Peer)
	if event.Sequence > 0 {
		line += fmt.Sprintf(" #%d", event.Sequence)
	}
	if detail != "" {
		line += "  " + detail
	}
	return line
}

// visibleEvents applies the fuzzy filter, newest last.
func (m *watchModel) visibleEvents() []observe.Event {
	query := []rune(m.filter.Value())
	if len(query) == 0 {
		return m.events
	}
	var matched []observe.Event
	for _, event := range m.events {
		if fuzzyMatch(eventLine(event), query, m.slab).Score > 0 {
			matched = append(matched, event)
		}
	}
	return matched
}

func (m watchModel) View() string {
	var b strings.Builder

	title := watchTitleStyle.Render("weft watch")
	status := "connecting"
	if m.caughtUp {
		status = "live"
	}
	if m.resyncs > 0 {
		status += watchResyncStyle.Render(fmt.Sprintf("  resynced ×%d", m.resyncs))
	}
	b.WriteString(title + "  " + watchStatusStyle.Render(status) + "\n")

	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View() + "\n")
	}
	b.WriteString(watchStatusStyle.Render(strings.Repeat("─", max(m.width, 10))) + "\n")

	// Reserve header rows; show the newest events that fit.
	rows := m.height - 4
	if rows < 1 {
		rows = 1
	}
	visible := m.visibleEvents()
	if len(visible) > rows {
		visible = visible[len(visible)-rows:]
	}
	if len(visible) == 0 {
		b.WriteString(watchStatusStyle.Render("waiting for events..."))
		return b.String()
	}

	query := []rune(m.filter.Value())
	for i, event := range visible {
		line := eventLine(event)
		if len(query) > 0 {
			line = highlightMatch(line, query, m.slab)
		} else {
			line = styleKind(line, event)
		}
		b.WriteString(line)
		if i < len(visible)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// styleKind colors the event kind column.
func styleKind(line string, event observe.Event) string {
	return strings.Replace(line, event.Kind, watchKindStyle.Render(event.Kind), 1)
}

// highlightMatch re-runs the match to color the matched runes.
func highlightMatch(line string, query []rune, slab *util.Slab) string {
	result := fuzzyMatch(line, query, slab)
	if len(result.Positions) == 0 {
		return line
	}
	matched := make(map[int]bool, len(result.Positions))
	for _, position := range result.Positions {
		matched[position] = true
	}
	var b strings.Builder
	for index, r := range []rune(line) {
		if matched[index] {
			b.WriteString(watchMatchStyle.Render(string(r)))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
