// SPDX-FileCopyrightText: Copyright (C) 2022  Yawning Angel, David Stainton, Masala
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"

	"github.com/mixlink/mixlink/core/crypto/rand"
	"github.com/mixlink/mixlink/core/sphinx/commands"
	"github.com/mixlink/mixlink/core/sphinx/constants"
	"github.com/mixlink/mixlink/core/sphinx/internal/crypto"
)

const (
	adLength = 2

	// payloadTagLength is the length of the Sphinx packet payload SPRP tag.
	payloadTagLength = 32

	// paddingOverhead is the number of payload bytes consumed by the
	// padding marker.
	paddingOverhead = 1
)

// Geometry describes the geometry of a Sphinx packet.  A geometry is a
// network-wide constant: every packet built for a given network has the
// same NrHops and therefore the same PacketLength.
type Geometry struct {

	// PacketLength is the length of a packet.
	PacketLength int

	// NrHops is the number of hops, the configured number of mix layers
	// plus the terminal gateway.
	NrHops int

	// HeaderLength is the length of the Sphinx packet header in bytes.
	HeaderLength int

	// RoutingInfoLength is the length of the routing info portion of the header.
	RoutingInfoLength int

	// PerHopRoutingInfoLength is the length of the per hop routing info.
	PerHopRoutingInfoLength int

	// PayloadTagLength is the length of the payload tag.
	PayloadTagLength int

	// ForwardPayloadLength is the size of the payload.
	ForwardPayloadLength int

	// UserForwardPayloadLength is the size of the usable payload, the
	// longest plaintext that BuildPacket accepts.
	UserForwardPayloadLength int

	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength int

	// RecipientIDLength is the recipient identifier length in bytes.
	RecipientIDLength int

	// NextNodeHopLength is the length of the largest routing command
	// that a hop can carry besides its delay.
	NextNodeHopLength int

	// NIKEName is the name of the NIKE scheme used by the mixnet's Sphinx packet.
	NIKEName string
}

// MixLayers returns the number of mix layers the geometry was built for.
func (g *Geometry) MixLayers() int {
	return g.NrHops - 1
}

// Validate returns an error iff the geometry is internally inconsistent.
func (g *Geometry) Validate() error {
	if g.NrHops < 2 {
		return errors.New("sphinx: geometry needs at least one mix layer and a gateway")
	}
	if g.ForwardPayloadLength <= paddingOverhead {
		return errors.New("sphinx: geometry forward payload too small")
	}
	if g.PerHopRoutingInfoLength < commands.NextNodeHopLength+commands.NodeDelayLength {
		return errors.New("sphinx: geometry per hop routing info too small")
	}
	if g.RoutingInfoLength != g.NrHops*g.PerHopRoutingInfoLength {
		return errors.New("sphinx: geometry routing info length mismatch")
	}
	if g.PacketLength != g.HeaderLength+g.PayloadTagLength+g.ForwardPayloadLength {
		return errors.New("sphinx: geometry packet length mismatch")
	}
	return nil
}

func (g *Geometry) String() string {
	var b strings.Builder
	b.WriteString("sphinx_packet_geometry:\n")
	b.WriteString(fmt.Sprintf("packet size: %d\n", g.PacketLength))
	b.WriteString(fmt.Sprintf("number of hops: %d\n", g.NrHops))
	b.WriteString(fmt.Sprintf("header size: %d\n", g.HeaderLength))
	b.WriteString(fmt.Sprintf("forward payload size: %d\n", g.ForwardPayloadLength))
	b.WriteString(fmt.Sprintf("user forward payload size: %d\n", g.UserForwardPayloadLength))
	b.WriteString(fmt.Sprintf("payload tag size: %d\n", g.PayloadTagLength))
	b.WriteString(fmt.Sprintf("routing info size: %d\n", g.RoutingInfoLength))
	return b.String()
}

// Display renders the geometry as TOML, suitable for pasting into a
// configuration file.
func (g *Geometry) Display() string {
	buf := new(bytes.Buffer)
	encoder := toml.NewEncoder(buf)
	err := encoder.Encode(g)
	if err != nil {
		panic(err)
	}
	return buf.String()
}

type geometryFactory struct {
	nike                 nike.Scheme
	nrHops               int
	forwardPayloadLength int
}

func (f *geometryFactory) perHopRoutingInfoLength() int {
	// Derived off the largest routing info block that we expect to
	// encounter, a NextNodeHop + NodeDelay.  The terminal Recipient is
	// shorter.
	return commands.NextNodeHopLength + commands.NodeDelayLength
}

func (f *geometryFactory) routingInfoLength() int {
	return f.perHopRoutingInfoLength() * f.nrHops
}

func (f *geometryFactory) headerLength() int {
	return adLength + f.nike.PublicKeySize() + f.routingInfoLength() + crypto.MACLength
}

func (f *geometryFactory) packetLength() int {
	return f.headerLength() + payloadTagLength + f.forwardPayloadLength
}

// GeometryFromForwardPayloadLength returns the geometry for packets that
// traverse mixLayers mix nodes and a gateway, carrying a forward payload
// of forwardPayloadLength bytes.
func GeometryFromForwardPayloadLength(nike nike.Scheme, forwardPayloadLength, mixLayers int) *Geometry {
	f := &geometryFactory{
		nike:                 nike,
		nrHops:               mixLayers + 1,
		forwardPayloadLength: forwardPayloadLength,
	}
	return &Geometry{
		NrHops:                   f.nrHops,
		HeaderLength:             f.headerLength(),
		PacketLength:             f.packetLength(),
		UserForwardPayloadLength: forwardPayloadLength - paddingOverhead,
		ForwardPayloadLength:     forwardPayloadLength,
		PayloadTagLength:         payloadTagLength,
		RoutingInfoLength:        f.routingInfoLength(),
		PerHopRoutingInfoLength:  f.perHopRoutingInfoLength(),
		NodeIDLength:             constants.NodeIDLength,
		RecipientIDLength:        constants.RecipientIDLength,
		NextNodeHopLength:        commands.NextNodeHopLength,
		NIKEName:                 nike.Name(),
	}
}

// DefaultGeometry returns the X25519 geometry for the default number of
// mix layers and forward payload length.
func DefaultGeometry() *Geometry {
	return GeometryFromForwardPayloadLength(x25519.Scheme(rand.Reader),
		constants.DefaultForwardPayloadLength, constants.DefaultMixLayers)
}
