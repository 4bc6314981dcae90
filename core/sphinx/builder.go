// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"errors"
	"fmt"
	"io"

	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/crypto/rand"
	"github.com/mixlink/mixlink/core/sphinx/commands"
)

const paddingMarker = 0x01

var (
	// ErrPayloadTooLarge is returned when a plaintext does not fit in the
	// fixed payload.  Messages are never fragmented.
	ErrPayloadTooLarge = errors.New("sphinx: payload too large")

	// ErrInvalidPath is returned when a path does not have exactly one hop
	// per mix layer plus the gateway, or a hop is unusable.
	ErrInvalidPath = errors.New("sphinx: invalid path")

	errInvalidPadding = errors.New("sphinx: invalid payload padding")
)

// EncodePayload pads msg to the geometry's forward payload length.  The
// padding is a single 0x01 marker followed by 0x00 bytes, so the capacity
// is ForwardPayloadLength-1 bytes.
func (g *Geometry) EncodePayload(msg []byte) ([]byte, error) {
	if len(msg) > g.UserForwardPayloadLength {
		return nil, fmt.Errorf("%w: %d bytes, capacity is %d", ErrPayloadTooLarge, len(msg), g.UserForwardPayloadLength)
	}
	b := make([]byte, g.ForwardPayloadLength)
	copy(b, msg)
	b[len(msg)] = paddingMarker
	return b, nil
}

// DecodePayload strips the padding added by EncodePayload.
func (g *Geometry) DecodePayload(b []byte) ([]byte, error) {
	if len(b) != g.ForwardPayloadLength {
		return nil, fmt.Errorf("%w: length %d", errInvalidPadding, len(b))
	}
	for i := len(b) - 1; i >= 0; i-- {
		switch b[i] {
		case 0x00:
			continue
		case paddingMarker:
			return b[:i], nil
		default:
			return nil, errInvalidPadding
		}
	}
	return nil, errInvalidPadding
}

// BuildPacket builds a Sphinx packet that delivers plaintext to recipient at
// the terminal hop of path.  The terminal hop is given a Recipient command,
// the path is not modified.
func (s *Sphinx) BuildPacket(path []*PathHop, recipient address.Address, plaintext []byte) ([]byte, error) {
	return s.BuildPacketWithEntropy(rand.Reader, path, recipient, plaintext)
}

// BuildPacketWithEntropy is BuildPacket with an explicit entropy source for
// the ephemeral key.
func (s *Sphinx) BuildPacketWithEntropy(r io.Reader, path []*PathHop, recipient address.Address, plaintext []byte) ([]byte, error) {
	payload, err := s.geometry.EncodePayload(plaintext)
	if err != nil {
		return nil, err
	}
	if len(path) != s.geometry.NrHops {
		return nil, fmt.Errorf("%w: %d hops, expected %d", ErrInvalidPath, len(path), s.geometry.NrHops)
	}
	last := path[len(path)-1]
	if last == nil {
		return nil, fmt.Errorf("%w: nil terminal hop", ErrInvalidPath)
	}

	terminal := &PathHop{
		ID:            last.ID,
		NIKEPublicKey: last.NIKEPublicKey,
		Commands:      make([]commands.RoutingCommand, 0, len(last.Commands)+1),
	}
	for _, cmd := range last.Commands {
		if _, ok := cmd.(*commands.Recipient); ok {
			continue
		}
		terminal.Commands = append(terminal.Commands, cmd)
	}
	terminal.Commands = append(terminal.Commands, &commands.Recipient{ID: recipient})

	p := make([]*PathHop, len(path))
	copy(p, path)
	p[len(p)-1] = terminal
	return s.NewPacket(r, p, payload)
}
