// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	mRand "math/rand"
	"time"

	"github.com/katzenpost/hpqc/nike/x25519"
	hpqcrand "github.com/katzenpost/hpqc/rand"

	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/crypto/rand"
	"github.com/mixlink/mixlink/core/log"
	"github.com/mixlink/mixlink/core/sphinx"
	"github.com/mixlink/mixlink/core/sphinx/constants"
	"github.com/mixlink/mixlink/core/sphinx/path"
	"github.com/mixlink/mixlink/core/topology"
	"github.com/mixlink/mixlink/directory"
	"github.com/mixlink/mixlink/internal/instrument"
)

// ErrNoGatewayAddress is returned when no gateway could be obtained from
// the directory.
var ErrNoGatewayAddress = errors.New("Unable to get Nym gateway address")

// GetInitialGatewayAddress fetches the directory document at directoryURL
// and returns the client listener of the first gateway it lists.  The mix
// layers are not required to be complete.
func GetInitialGatewayAddress(ctx context.Context, directoryURL string) (string, error) {
	logBackend, err := log.New("", "ERROR", true)
	if err != nil {
		return "", err
	}
	dir, err := directory.New(&directory.Config{
		URL:        directoryURL,
		NrLayers:   constants.DefaultMixLayers,
		LogBackend: logBackend,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoGatewayAddress, err)
	}
	gateways, err := dir.FetchGateways(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoGatewayAddress, err)
	}
	if len(gateways) == 0 {
		return "", ErrNoGatewayAddress
	}
	return gateways[0].ClientListener, nil
}

// CreateSphinxPacket selects a random path through topo and wraps message
// for recipient, returning the ID of the first hop and the packet.  Packets
// always use the default geometry, so topo must have exactly
// constants.DefaultMixLayers mix layers.
func CreateSphinxPacket(topo *topology.NetworkTopology, message []byte, recipient address.Address) (*[constants.NodeIDLength]byte, []byte, error) {
	s := sphinx.NewSphinx(x25519.Scheme(hpqcrand.Reader), sphinx.DefaultGeometry())
	p, pkt, err := buildPacket(s, rand.NewMath(), topo, nil,
		&path.Config{MixLayers: constants.DefaultMixLayers}, recipient, message)
	if err != nil {
		return nil, nil, err
	}
	return &p[0].ID, pkt, nil
}

func buildPacket(s *sphinx.Sphinx, rng *mRand.Rand, topo *topology.NetworkTopology, hint *path.Hint, cfg *path.Config, recipient address.Address, message []byte) ([]*sphinx.PathHop, []byte, error) {
	start := time.Now()
	p, err := path.Select(rng, topo, hint, cfg)
	if err != nil {
		return nil, nil, err
	}
	pkt, err := s.BuildPacket(p, recipient, message)
	if err != nil {
		return nil, nil, err
	}
	instrument.PacketBuilt(time.Since(start))
	return p, pkt, nil
}
