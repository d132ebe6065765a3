// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"time"

	"github.com/weftlabs/weft/lib/digest"
	"github.com/weftlabs/weft/peersync"
)

// DefaultSocket is where the daemon listens for watch streams.
const DefaultSocket = "/run/weft/observe.sock"

// Frame type constants. A stream is a sequence of CBOR-encoded Frame
// values:
//
//   - "event": one sync event (Event populated)
//   - "caught_up": the history snapshot is complete, live events follow
//   - "heartbeat": connection liveness probe (no payload)
//   - "resync": the watcher's buffer overflowed; a fresh snapshot
//     follows and any locally accumulated view should be discarded
//   - "error": terminal error, the connection closes (Message populated)
const (
	FrameEvent     = "event"
	FrameCaughtUp  = "caught_up"
	FrameHeartbeat = "heartbeat"
	FrameResync    = "resync"
	FrameError     = "error"
)

// Frame is a single CBOR value on a watch stream.
type Frame struct {
	Type    string `cbor:"type"`
	Event   *Event `cbor:"event,omitempty"`
	Message string `cbor:"message,omitempty"`
}

// Event is the wire form of one sync event. Identifiers travel as
// strings so watchers need none of the engine's types to decode them.
type Event struct {
	Kind         string    `cbor:"kind"`
	Owner        string    `cbor:"owner,omitempty"`
	Peer         string    `cbor:"peer,omitempty"`
	Subscription string    `cbor:"subscription,omitempty"`
	Sequence     uint64    `cbor:"sequence,omitempty"`
	Property     string    `cbor:"property,omitempty"`
	Digest       string    `cbor:"digest,omitempty"`
	Granted      []string  `cbor:"granted,omitempty"`
	Revoked      []string  `cbor:"revoked,omitempty"`
	Time         time.Time `cbor:"time"`
}

// Request is the first CBOR value a watcher sends after connecting.
// Empty fields mean no filtering on that dimension.
type Request struct {
	// Owner restricts the stream to one owner actor.
	Owner string `cbor:"owner,omitempty"`

	// Peer restricts the stream to one peer.
	Peer string `cbor:"peer,omitempty"`
}

// matches reports whether an event passes the request's filters.
func (r Request) matches(event Event) bool {
	if r.Owner != "" && event.Owner != r.Owner {
		return false
	}
	if r.Peer != "" && event.Peer != r.Peer {
		return false
	}
	return true
}

// fromSyncEvent flattens an engine event into the wire shape.
func fromSyncEvent(event peersync.Event) Event {
	wire := Event{
		Kind:     string(event.Type),
		Sequence: event.Sequence,
		Property: event.Property,
		Granted:  event.Granted,
		Revoked:  event.Revoked,
		Time:     event.Time,
	}
	if !event.Owner.IsZero() {
		wire.Owner = event.Owner.String()
	}
	if !event.Peer.IsZero() {
		wire.Peer = event.Peer.String()
	}
	if !event.Subscription.IsZero() {
		wire.Subscription = event.Subscription.String()
	}
	if event.Digest != (digest.Digest{}) {
		wire.Digest = digest.Format(event.Digest)
	}
	return wire
}
