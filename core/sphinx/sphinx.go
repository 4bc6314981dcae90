// sphinx.go - Sphinx Packet Format.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package sphinx implements the mixlink parameterized Sphinx Packet Format.
package sphinx

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/nike"

	"github.com/mixlink/mixlink/core/sphinx/commands"
	"github.com/mixlink/mixlink/core/sphinx/constants"
	"github.com/mixlink/mixlink/core/sphinx/internal/crypto"
	"github.com/mixlink/mixlink/core/utils"
)

var (
	v0AD = [2]byte{0x00, 0x00}

	errTruncatedPayload = errors.New("sphinx: truncated payload")
	errInvalidTag       = errors.New("sphinx: payload auth failed")
)

// Sphinx is a modular implementation of the Sphinx cryptographic packet
// format that has a pluggable NIKE, non-interactive key exchange.
type Sphinx struct {
	nike     nike.Scheme
	geometry *Geometry
}

// NewSphinx creates a new instance of Sphinx.
func NewSphinx(n nike.Scheme, geometry *Geometry) *Sphinx {
	return &Sphinx{
		nike:     n,
		geometry: geometry,
	}
}

// Geometry returns the Sphinx packet geometry.
func (s *Sphinx) Geometry() *Geometry {
	return s.geometry
}

// NIKE returns the key exchange scheme hop keys must belong to.
func (s *Sphinx) NIKE() nike.Scheme {
	return s.nike
}

// PathHop describes a hop that a Sphinx Packet will traverse, along with
// all of the per-hop Commands (excluding NextNodeHop).
type PathHop struct {
	ID            [constants.NodeIDLength]byte
	NIKEPublicKey nike.PublicKey
	Commands      []commands.RoutingCommand
}

type sprpKey struct {
	key [crypto.SPRPKeyLength]byte
	iv  [crypto.SPRPIVLength]byte
}

func (k *sprpKey) Reset() {
	utils.ExplicitBzero(k.key[:])
	utils.ExplicitBzero(k.iv[:])
}

func (s *Sphinx) commandsToBytes(cmds []commands.RoutingCommand, isTerminal bool) ([]byte, error) {
	b := make([]byte, 0, s.geometry.PerHopRoutingInfoLength)
	for _, v := range cmds {
		// NextNodeHop is generated by the header creation process.
		if _, isNextNodeHop := v.(*commands.NextNodeHop); isNextNodeHop {
			return nil, fmt.Errorf("%w: NextNodeHop supplied by caller", ErrInvalidPath)
		}
		if _, isRecipient := v.(*commands.Recipient); isRecipient && !isTerminal {
			return nil, fmt.Errorf("%w: Recipient on a non-terminal hop", ErrInvalidPath)
		}
		b = v.ToBytes(b)
	}
	if len(b) > s.geometry.PerHopRoutingInfoLength {
		return nil, fmt.Errorf("%w: oversized serialized command block", ErrInvalidPath)
	}
	if !isTerminal && s.geometry.PerHopRoutingInfoLength-len(b) < commands.NextNodeHopLength {
		return nil, fmt.Errorf("%w: insufficient remaining capacity", ErrInvalidPath)
	}

	return b, nil
}

func (s *Sphinx) createHeader(r io.Reader, path []*PathHop) ([]byte, []*sprpKey, error) {
	nrHops := len(path)
	if nrHops != s.geometry.NrHops {
		return nil, nil, fmt.Errorf("%w: %d hops, expected %d", ErrInvalidPath, nrHops, s.geometry.NrHops)
	}
	for i, hop := range path {
		if hop == nil || hop.NIKEPublicKey == nil {
			return nil, nil, fmt.Errorf("%w: hop %d has no key", ErrInvalidPath, i)
		}
		if len(hop.NIKEPublicKey.Bytes()) != s.nike.PublicKeySize() {
			return nil, nil, fmt.Errorf("%w: hop %d key is not a %s key", ErrInvalidPath, i, s.nike.Name())
		}
	}

	// Derive the key material for each hop.
	clientPublicKey, clientPrivateKey, err := s.nike.GenerateKeyPairFromEntropy(r)
	if err != nil {
		return nil, nil, err
	}
	defer clientPrivateKey.Reset()
	defer clientPublicKey.Reset()

	groupElements := make([]nike.PublicKey, nrHops)
	keys := make([]*crypto.PacketKeys, nrHops)

	sharedSecret := s.nike.DeriveSecret(clientPrivateKey, path[0].NIKEPublicKey)
	keys[0] = crypto.KDF(sharedSecret, s.nike)
	defer keys[0].Reset()
	utils.ExplicitBzero(sharedSecret)

	groupElements[0], err = s.nike.UnmarshalBinaryPublicKey(clientPublicKey.Bytes())
	if err != nil {
		return nil, nil, err
	}

	for i := 1; i < nrHops; i++ {
		sharedSecret = s.nike.DeriveSecret(clientPrivateKey, path[i].NIKEPublicKey)
		for j := 0; j < i; j++ {
			pubkey := s.nike.NewEmptyPublicKey()
			if err = pubkey.FromBytes(sharedSecret); err != nil {
				return nil, nil, err
			}
			utils.ExplicitBzero(sharedSecret)
			sharedSecret = s.nike.Blind(pubkey, keys[j].BlindingFactor).Bytes()
		}
		keys[i] = crypto.KDF(sharedSecret, s.nike)
		defer keys[i].Reset()
		utils.ExplicitBzero(sharedSecret)

		if err = clientPublicKey.Blind(keys[i-1].BlindingFactor); err != nil {
			return nil, nil, err
		}
		groupElements[i], err = s.nike.UnmarshalBinaryPublicKey(clientPublicKey.Bytes())
		if err != nil {
			return nil, nil, err
		}
	}

	// Derive the routing_information keystream and encrypted padding for each
	// hop.
	riKeyStream := make([][]byte, nrHops)
	riPadding := make([][]byte, nrHops)

	for i := 0; i < nrHops; i++ {
		keyStream := make([]byte, s.geometry.RoutingInfoLength+s.geometry.PerHopRoutingInfoLength)
		defer utils.ExplicitBzero(keyStream)

		streamCipher := crypto.NewStream(&keys[i].HeaderEncryption, &keys[i].HeaderEncryptionIV)
		streamCipher.KeyStream(keyStream)
		streamCipher.Reset()

		ksLen := len(keyStream) - (i+1)*s.geometry.PerHopRoutingInfoLength
		riKeyStream[i] = keyStream[:ksLen]
		riPadding[i] = keyStream[ksLen:]
		if i > 0 {
			prevPadLen := len(riPadding[i-1])
			xorBytes(riPadding[i][:prevPadLen], riPadding[i][:prevPadLen], riPadding[i-1])
		}
	}

	// Create the routing_information block, from the terminal hop back to
	// the first.
	var mac []byte
	var routingInfo []byte
	zeroBytes := make([]byte, s.geometry.PerHopRoutingInfoLength)
	for i := nrHops - 1; i >= 0; i-- {
		isTerminal := i == nrHops-1

		riFragment, err := s.commandsToBytes(path[i].Commands, isTerminal)
		if err != nil {
			return nil, nil, err
		}
		if !isTerminal {
			nextCmd := &commands.NextNodeHop{}
			copy(nextCmd.ID[:], path[i+1].ID[:])
			copy(nextCmd.MAC[:], mac)
			riFragment = nextCmd.ToBytes(riFragment)
		}
		if padLen := s.geometry.PerHopRoutingInfoLength - len(riFragment); padLen > 0 {
			riFragment = append(riFragment, zeroBytes[:padLen]...)
		}

		routingInfo = append(riFragment, routingInfo...) // Prepend
		xorBytes(routingInfo, routingInfo, riKeyStream[i])

		m := crypto.NewMAC(&keys[i].HeaderMAC)
		defer m.Reset()
		m.Write(v0AD[:])
		m.Write(groupElements[i].Bytes())
		m.Write(routingInfo)
		if i > 0 {
			m.Write(riPadding[i-1])
		}
		mac = m.Sum(nil)
	}

	// Assemble the completed Sphinx Packet Header and Sphinx Packet Payload
	// SPRP key vector.
	hdr := make([]byte, 0, s.geometry.HeaderLength)
	hdr = append(hdr, v0AD[:]...)
	hdr = append(hdr, groupElements[0].Bytes()...)
	hdr = append(hdr, routingInfo...)
	hdr = append(hdr, mac...)

	sprpKeys := make([]*sprpKey, 0, nrHops)
	for i := 0; i < nrHops; i++ {
		v := keys[i]

		// The header encryption IV is reused for the SPRP because the keys
		// *and* more importantly the primitives are different.
		k := new(sprpKey)
		copy(k.key[:], v.PayloadEncryption[:])
		copy(k.iv[:], v.HeaderEncryptionIV[:])
		sprpKeys = append(sprpKeys, k)
	}

	return hdr, sprpKeys, nil
}

// NewPacket creates a forward Sphinx packet with the provided path and
// payload, using the provided entropy source.  The path must have exactly
// Geometry.NrHops hops, and the payload must be exactly
// Geometry.ForwardPayloadLength bytes.
func (s *Sphinx) NewPacket(r io.Reader, path []*PathHop, payload []byte) ([]byte, error) {
	if len(payload) != s.geometry.ForwardPayloadLength {
		return nil, fmt.Errorf("sphinx: invalid payload length: %d, expected %d", len(payload), s.geometry.ForwardPayloadLength)
	}

	hdr, sprpKeys, err := s.createHeader(r, path)
	if err != nil {
		return nil, err
	}
	for _, v := range sprpKeys {
		defer v.Reset()
	}

	// Assemble the packet.
	pkt := make([]byte, 0, len(hdr)+s.geometry.PayloadTagLength+len(payload))
	pkt = append(pkt, hdr...)
	pkt = append(pkt, make([]byte, s.geometry.PayloadTagLength)...)
	pkt = append(pkt, payload...)

	// Encrypt the payload, innermost layer first.
	b := pkt[len(hdr):]
	for i := len(path) - 1; i >= 0; i-- {
		k := sprpKeys[i]
		b = crypto.SPRPEncrypt(&k.key, &k.iv, b)
	}
	copy(pkt[len(hdr):], b)

	return pkt, nil
}

// Unwrap unwraps the provided Sphinx packet pkt in-place, using the provided
// NIKE private key, and returns the payload (if applicable), replay tag, and
// routing info command vector.  A non-nil payload is only returned at the
// terminal hop, otherwise pkt is transformed for forwarding to the hop named
// by the NextNodeHop command.
func (s *Sphinx) Unwrap(privKey nike.PrivateKey, pkt []byte) ([]byte, []byte, []commands.RoutingCommand, error) {
	var (
		geOff      = adLength
		riOff      = geOff + s.nike.PublicKeySize()
		macOff     = riOff + s.geometry.RoutingInfoLength
		payloadOff = macOff + crypto.MACLength
	)

	// Do some basic sanity checking, and validate the AD.
	if len(pkt) != s.geometry.PacketLength {
		return nil, nil, nil, errors.New("sphinx: invalid packet, bad length")
	}
	if subtle.ConstantTimeCompare(v0AD[:], pkt[:adLength]) != 1 {
		return nil, nil, nil, errors.New("sphinx: invalid packet, unknown version")
	}

	// Calculate the hop's shared secret, and replay_tag.
	groupElement, err := s.nike.UnmarshalBinaryPublicKey(pkt[geOff:riOff])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sphinx: failed to unmarshal group element: %s", err)
	}
	sharedSecret := s.nike.DeriveSecret(privKey, groupElement)
	replayTag := crypto.Hash(groupElement.Bytes())

	// Derive the various keys required for packet processing.
	keys := crypto.KDF(sharedSecret, s.nike)
	defer keys.Reset()
	utils.ExplicitBzero(sharedSecret)

	// Validate the Sphinx Packet Header.
	m := crypto.NewMAC(&keys.HeaderMAC)
	defer m.Reset()
	m.Write(pkt[0:macOff])
	mac := m.Sum(nil)

	if subtle.ConstantTimeCompare(pkt[macOff:macOff+crypto.MACLength], mac) != 1 {
		return nil, replayTag[:], nil, errors.New("sphinx: invalid packet, MAC mismatch")
	}

	// Append padding to preserve length invariance, decrypt the (padded)
	// routing_info block, and extract the section for the current hop.
	b := make([]byte, s.geometry.RoutingInfoLength+s.geometry.PerHopRoutingInfoLength)
	copy(b[:s.geometry.RoutingInfoLength], pkt[riOff:riOff+s.geometry.RoutingInfoLength])
	stream := crypto.NewStream(&keys.HeaderEncryption, &keys.HeaderEncryptionIV)
	defer stream.Reset()
	stream.XORKeyStream(b[:], b[:])

	newRoutingInfo := b[s.geometry.PerHopRoutingInfoLength:]
	cmdBuf := b[:s.geometry.PerHopRoutingInfoLength]

	// Parse the per-hop routing commands.
	var nextNode *commands.NextNodeHop
	var recipient *commands.Recipient
	cmds := make([]commands.RoutingCommand, 0, 2) // Usually 2, excluding null.
	for {
		cmd, rest, err := commands.FromBytes(cmdBuf)
		if err != nil {
			return nil, replayTag[:], nil, err
		} else if cmd == nil { // Terminal null command.
			if rest != nil {
				// Bug, should NEVER happen.
				return nil, replayTag[:], nil, errors.New("sphinx: BUG: null cmd had rest")
			}
			break
		}

		switch c := cmd.(type) {
		case *commands.NextNodeHop:
			if nextNode != nil {
				return nil, replayTag[:], nil, errors.New("sphinx: invalid packet, > 1 next_node")
			}
			nextNode = c
		case *commands.Recipient:
			if recipient != nil {
				return nil, replayTag[:], nil, errors.New("sphinx: invalid packet, > 1 recipient")
			}
			recipient = c
		default:
		}

		cmds = append(cmds, cmd)
		cmdBuf = rest
	}
	if nextNode != nil && recipient != nil {
		return nil, replayTag[:], nil, errors.New("sphinx: invalid packet, next_node with recipient")
	}

	// Decrypt the Sphinx Packet Payload.
	payload := crypto.SPRPDecrypt(&keys.PayloadEncryption, &keys.HeaderEncryptionIV, pkt[payloadOff:])

	// Transform the packet for forwarding to the next mix, iff the
	// routing commands vector included a NextNodeHopCommand.
	if nextNode != nil {
		if err = groupElement.Blind(keys.BlindingFactor); err != nil {
			return nil, replayTag[:], nil, err
		}
		copy(pkt[geOff:riOff], groupElement.Bytes())
		copy(pkt[riOff:macOff], newRoutingInfo)
		copy(pkt[macOff:payloadOff], nextNode.MAC[:])
		copy(pkt[payloadOff:], payload)
		return nil, replayTag[:], cmds, nil
	}

	if len(payload) < s.geometry.PayloadTagLength {
		return nil, replayTag[:], nil, errTruncatedPayload
	}
	if !utils.CtIsZero(payload[:s.geometry.PayloadTagLength]) {
		return nil, replayTag[:], nil, errInvalidTag
	}
	return payload[s.geometry.PayloadTagLength:], replayTag[:], cmds, nil
}

func xorBytes(dst, a, b []byte) {
	if len(a) != len(b) || len(a) != len(dst) {
		panic(fmt.Sprintf("sphinx: BUG: xorBytes called with mismatched buffer sizes, got 'len(a)' %d and 'len(b)' %d", len(a), len(b)))
	}

	for i, v := range a {
		dst[i] = v ^ b[i]
	}
}
