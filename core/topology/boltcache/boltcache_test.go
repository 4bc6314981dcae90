// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package boltcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/mixlink/mixlink/core/topology"
)

func newTopology(require *require.Assertions) *topology.NetworkTopology {
	scheme := x25519.Scheme(rand.Reader)
	layers := make([][]*topology.MixNodeDescriptor, 3)
	for i := range layers {
		pub, _, err := scheme.GenerateKeyPair()
		require.NoError(err)
		layers[i] = []*topology.MixNodeDescriptor{{
			ID:          hash.Sum256(pub.Bytes()),
			IdentityKey: pub.Bytes(),
			SphinxKey:   pub,
			Address:     "127.0.0.1:1789",
			Layer:       uint8(i),
		}}
	}
	pub, _, err := scheme.GenerateKeyPair()
	require.NoError(err)
	gw := &topology.GatewayDescriptor{
		ID:             hash.Sum256(pub.Bytes()),
		IdentityKey:    pub.Bytes(),
		SphinxKey:      pub,
		ClientListener: "127.0.0.1:8888",
		MixnetListener: "127.0.0.1:9999",
	}
	return topology.New(layers, []*topology.GatewayDescriptor{gw})
}

func TestCache(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "topology.db")
	c, err := New(f)
	require.NoError(err)

	_, _, err = c.Get()
	require.ErrorIs(err, ErrNoSnapshot)

	topo := newTopology(require)
	now := time.Unix(1700000000, 0)
	require.NoError(c.Put(topo, now))
	require.NoError(c.Close())

	// Reopen and load.
	c, err = New(f)
	require.NoError(err)
	defer c.Close()

	got, fetchedAt, err := c.Get()
	require.NoError(err)
	require.True(now.Equal(fetchedAt))
	require.Equal(topo.String(), got.String())
	require.Equal(topo.Gateways()[0].ID, got.Gateways()[0].ID)
}
