// sphinx_test.go - Sphinx Packet Format tests.
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

package sphinx

import (
	"crypto/rand"
	"testing"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/stretchr/testify/require"

	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/sphinx/commands"
	"github.com/mixlink/mixlink/core/sphinx/constants"
)

type nodeParams struct {
	id         [constants.NodeIDLength]byte
	privateKey nike.PrivateKey
	publicKey  nike.PublicKey
}

func newNode(require *require.Assertions, scheme nike.Scheme) *nodeParams {
	n := new(nodeParams)

	_, err := rand.Read(n.id[:])
	require.NoError(err, "newNode(): failed to generate ID")
	n.publicKey, n.privateKey, err = scheme.GenerateKeyPair()
	require.NoError(err, "newNode(): GenerateKeyPair() failed")
	return n
}

// newPathVector returns nrHops nodes and a path through them, where every
// non-terminal hop carries a NodeDelay.
func newPathVector(require *require.Assertions, scheme nike.Scheme, nrHops int) ([]*nodeParams, []*PathHop) {
	const delayBase = 0xdeadbabe

	nodes := make([]*nodeParams, nrHops)
	for i := range nodes {
		nodes[i] = newNode(require, scheme)
	}

	path := make([]*PathHop, nrHops)
	for i := range path {
		path[i] = new(PathHop)
		copy(path[i].ID[:], nodes[i].id[:])
		path[i].NIKEPublicKey = nodes[i].publicKey
		if i < nrHops-1 {
			path[i].Commands = append(path[i].Commands, &commands.NodeDelay{Delay: delayBase * uint32(i+1)})
		}
	}

	return nodes, path
}

func newTestSphinx() *Sphinx {
	scheme := x25519.Scheme(rand.Reader)
	return NewSphinx(scheme, GeometryFromForwardPayloadLength(scheme, constants.DefaultForwardPayloadLength, constants.DefaultMixLayers))
}

func newRecipient(require *require.Assertions) address.Address {
	r, err := address.NewRandom(rand.Reader)
	require.NoError(err)
	return r
}

func TestDefaultGeometry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g := DefaultGeometry()
	require.NoError(g.Validate())
	require.Equal(constants.DefaultMixLayers+1, g.NrHops)
	require.Equal(constants.DefaultMixLayers, g.MixLayers())
	require.Equal(54, g.PerHopRoutingInfoLength)
	require.Equal(2+32+4*54+16, g.HeaderLength)
	require.Equal(g.HeaderLength+32+1024, g.PacketLength)
	require.Equal(1023, g.UserForwardPayloadLength)
	require.Equal("x25519", g.NIKEName)
	require.Contains(g.Display(), "PacketLength = 1322")
	require.Contains(g.String(), "number of hops: 4")
}

func TestGeometryValidate(t *testing.T) {
	t.Parallel()

	g := *DefaultGeometry()
	g.PacketLength++
	require.Error(t, g.Validate())

	g = *DefaultGeometry()
	g.NrHops = 1
	require.Error(t, g.Validate())
}

func TestForwardSphinx(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	const testPayload = "It is the stillest words that bring on the storm.  Thoughts that come on doves' feet guide the world."

	s := newTestSphinx()
	g := s.Geometry()
	nodes, path := newPathVector(require, s.NIKE(), g.NrHops)
	recipient := newRecipient(require)

	pkt, err := s.BuildPacket(path, recipient, []byte(testPayload))
	require.NoError(err, "BuildPacket failed")
	require.Len(pkt, g.PacketLength, "Packet Length")

	// The caller's path must not have been touched.
	require.Empty(path[len(path)-1].Commands)

	for i := range nodes {
		b, tag, cmds, err := s.Unwrap(nodes[i].privateKey, pkt)
		require.NoErrorf(err, "Hop %d: Unwrap failed", i)
		require.Len(tag, 32)

		if i == len(path)-1 {
			require.Equalf(1, len(cmds), "Hop %d: Unexpected number of commands", i)
			r, ok := cmds[0].(*commands.Recipient)
			require.Truef(ok, "Hop %d: cmds[0] is not a Recipient", i)
			require.Equal(recipient[:], r.ID[:])

			msg, err := g.DecodePayload(b)
			require.NoError(err)
			require.Equal(testPayload, string(msg))
		} else {
			require.Equalf(2, len(cmds), "Hop %d: Unexpected number of commands", i)
			require.EqualValuesf(path[i].Commands[0], cmds[0], "Hop %d: delay mismatch", i)

			nextNode, ok := cmds[1].(*commands.NextNodeHop)
			require.Truef(ok, "Hop %d: cmds[1] is not a NextNodeHop", i)
			require.Equalf(path[i+1].ID, nextNode.ID, "Hop %d: NextNodeHop.ID mismatch", i)

			require.Nilf(b, "Hop %d: returned payload", i)
			require.Lenf(pkt, g.PacketLength, "Hop %d: forwarded packet changed size", i)
		}
	}
}

func TestPingScenario(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newTestSphinx()
	nodes, path := newPathVector(require, s.NIKE(), 4)
	recipient := newRecipient(require)

	pkt, err := s.BuildPacket(path, recipient, []byte("ping"))
	require.NoError(err)
	require.Len(pkt, s.Geometry().PacketLength)

	var payload []byte
	for i, n := range nodes {
		b, _, _, err := s.Unwrap(n.privateKey, pkt)
		require.NoErrorf(err, "Hop %d", i)
		payload = b
	}
	msg, err := s.Geometry().DecodePayload(payload)
	require.NoError(err)
	require.Equal([]byte("ping"), msg)
}

func TestPacketSizeInvariant(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newTestSphinx()
	g := s.Geometry()
	_, path := newPathVector(require, s.NIKE(), g.NrHops)
	recipient := newRecipient(require)

	for _, n := range []int{0, 1, 100, g.UserForwardPayloadLength - 1, g.UserForwardPayloadLength} {
		pkt, err := s.BuildPacket(path, recipient, make([]byte, n))
		require.NoErrorf(err, "plaintext of %d bytes", n)
		require.Lenf(pkt, g.PacketLength, "plaintext of %d bytes", n)
	}
}

func TestOversizePayload(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newTestSphinx()
	g := s.Geometry()
	_, path := newPathVector(require, s.NIKE(), g.NrHops)

	pkt, err := s.BuildPacket(path, newRecipient(require), make([]byte, g.UserForwardPayloadLength+1))
	require.ErrorIs(err, ErrPayloadTooLarge)
	require.Nil(pkt)
}

func TestInvalidPath(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newTestSphinx()
	g := s.Geometry()
	recipient := newRecipient(require)

	// Too short and too long.
	for _, n := range []int{0, 1, g.NrHops - 1, g.NrHops + 1} {
		_, path := newPathVector(require, s.NIKE(), n)
		_, err := s.BuildPacket(path, recipient, []byte("ping"))
		require.ErrorIsf(err, ErrInvalidPath, "%d hops", n)
	}

	// Missing key.
	_, path := newPathVector(require, s.NIKE(), g.NrHops)
	path[1].NIKEPublicKey = nil
	_, err := s.BuildPacket(path, recipient, []byte("ping"))
	require.ErrorIs(err, ErrInvalidPath)

	// Caller supplied NextNodeHop.
	_, path = newPathVector(require, s.NIKE(), g.NrHops)
	path[0].Commands = append(path[0].Commands, &commands.NextNodeHop{})
	_, err = s.BuildPacket(path, recipient, []byte("ping"))
	require.ErrorIs(err, ErrInvalidPath)

	// Recipient on a mix hop.
	_, path = newPathVector(require, s.NIKE(), g.NrHops)
	path[0].Commands = append(path[0].Commands, &commands.Recipient{})
	_, err = s.BuildPacket(path, recipient, []byte("ping"))
	require.ErrorIs(err, ErrInvalidPath)
}

func TestUnwrapWrongKey(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := newTestSphinx()
	nodes, path := newPathVector(require, s.NIKE(), s.Geometry().NrHops)
	pkt, err := s.BuildPacket(path, newRecipient(require), []byte("ping"))
	require.NoError(err)

	// The second hop cannot peel the first hop's layer.
	_, _, _, err = s.Unwrap(nodes[1].privateKey, pkt)
	require.Error(err)

	_, _, _, err = s.Unwrap(nodes[0].privateKey, pkt[:len(pkt)-1])
	require.Error(err)
}

func TestPayloadPadding(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g := DefaultGeometry()
	for _, msg := range [][]byte{{}, []byte("a\x00\x00"), []byte{0x01}, make([]byte, g.UserForwardPayloadLength)} {
		b, err := g.EncodePayload(msg)
		require.NoError(err)
		require.Len(b, g.ForwardPayloadLength)
		out, err := g.DecodePayload(b)
		require.NoError(err)
		require.Equal(msg, out)
	}

	_, err := g.DecodePayload(make([]byte, g.ForwardPayloadLength))
	require.Error(err, "all zero payload has no marker")
	_, err = g.DecodePayload([]byte{0x01})
	require.Error(err, "short payload")
}

func BenchmarkBuildPacket(b *testing.B) {
	require := require.New(b)
	s := newTestSphinx()
	_, path := newPathVector(require, s.NIKE(), s.Geometry().NrHops)
	recipient := newRecipient(require)
	msg := make([]byte, 512)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if _, err := s.BuildPacket(path, recipient, msg); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkUnwrap(b *testing.B) {
	require := require.New(b)
	s := newTestSphinx()
	nodes, path := newPathVector(require, s.NIKE(), s.Geometry().NrHops)
	pkt, err := s.BuildPacket(path, newRecipient(require), []byte("ping"))
	require.NoError(err)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		testPacket := make([]byte, len(pkt))
		copy(testPacket, pkt)
		if _, _, _, err := s.Unwrap(nodes[0].privateKey, testPacket); err != nil {
			b.Fatal(err)
		}
	}
}
