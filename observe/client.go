// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"fmt"
	"net"

	"github.com/weftlabs/weft/lib/codec"
)

// Stream is one connected watch stream from the client side.
type Stream struct {
	conn    net.Conn
	decoder *codec.Decoder
}

// Watch connects to the observe socket, sends the request, and
// returns the frame stream. The caller must Close it.
func Watch(socketPath string, request Request) (*Stream, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("observe: dialing %s: %w", socketPath, err)
	}
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("observe: sending watch request: %w", err)
	}
	return &Stream{conn: conn, decoder: codec.NewDecoder(conn)}, nil
}

// Next blocks for the next frame. Heartbeats are filtered out; the
// read itself is the liveness signal the caller needs.
func (s *Stream) Next() (Frame, error) {
	for {
		var frame Frame
		if err := s.decoder.Decode(&frame); err != nil {
			return Frame{}, fmt.Errorf("observe: reading frame: %w", err)
		}
		if frame.Type == FrameHeartbeat {
			continue
		}
		return frame, nil
	}
}

// Close terminates the stream.
func (s *Stream) Close() error {
	return s.conn.Close()
}
