// path.go - Path selection routines.
// Copyright (C) 2017, 2018  Yawning Angel.
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

// Package path provides routines for path selection.
package path

import (
	"errors"
	"fmt"
	mRand "math/rand"
	"strings"
	"time"

	"github.com/mixlink/mixlink/core/crypto/rand"
	"github.com/mixlink/mixlink/core/sphinx"
	"github.com/mixlink/mixlink/core/sphinx/commands"
	"github.com/mixlink/mixlink/core/sphinx/constants"
	"github.com/mixlink/mixlink/core/topology"
)

// ErrNoRouteAvailable is returned when the topology lacks a node in a
// required layer or a usable gateway.
var ErrNoRouteAvailable = errors.New("path: no route available")

// Policy is the terminal gateway selection policy.
type Policy int

const (
	// PolicyRandom picks the gateway uniformly at random for every path.
	PolicyRandom Policy = iota

	// PolicyFirst always picks the first listed gateway.
	PolicyFirst
)

// ParsePolicy parses a policy name, "random" or "first".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "random":
		return PolicyRandom, nil
	case "first":
		return PolicyFirst, nil
	default:
		return 0, fmt.Errorf("path: invalid gateway selection policy '%v'", s)
	}
}

func (p Policy) String() string {
	switch p {
	case PolicyRandom:
		return "random"
	case PolicyFirst:
		return "first"
	default:
		return fmt.Sprintf("[unknown policy: %d]", int(p))
	}
}

// Config is the path selection configuration.
type Config struct {
	// Policy selects the terminal gateway when no Hint pins it.
	Policy Policy

	// MixLayers is the number of mix layers every path must traverse.  A
	// topology with a different number of layers can not be routed over.
	// Zero accepts the topology's layer count.
	MixLayers int

	// NodeDelayMean is the mean of the exponentially distributed per-hop
	// delay.  Zero disables delays.
	NodeDelayMean time.Duration

	// NodeDelayMax caps each sampled delay.  Zero leaves it uncapped.
	NodeDelayMax time.Duration
}

// Hint constrains path selection.
type Hint struct {
	// Gateway, if set, is the ID of the gateway the path must terminate
	// at, typically the recipient's gateway.
	Gateway *[constants.NodeIDLength]byte
}

// Select creates a new path suitable for use in creating a Sphinx packet.
// The path has one uniformly chosen node per mix layer, in layer order,
// followed by the terminal gateway.  Non-terminal hops carry a NodeDelay
// command, the terminal hop carries none; sphinx.BuildPacket attaches the
// Recipient.
//
// rng must be safe for concurrent use if paths are selected in parallel,
// see rand.NewMath.
func Select(rng *mRand.Rand, topo *topology.NetworkTopology, hint *Hint, cfg *Config) ([]*sphinx.PathHop, error) {
	if topo == nil {
		return nil, fmt.Errorf("%w: no topology", ErrNoRouteAvailable)
	}
	if cfg == nil {
		cfg = new(Config)
	}
	nrLayers := topo.NrLayers()
	if cfg.MixLayers != 0 && cfg.MixLayers != nrLayers {
		return nil, fmt.Errorf("%w: topology has %d layers, need %d", ErrNoRouteAvailable, nrLayers, cfg.MixLayers)
	}

	path := make([]*sphinx.PathHop, 0, nrLayers+1)
	for l := 0; l < nrLayers; l++ {
		nodes := topo.MixLayer(l)
		if len(nodes) == 0 {
			return nil, fmt.Errorf("%w: layer %v has no nodes", ErrNoRouteAvailable, l)
		}
		desc := nodes[rng.Intn(len(nodes))]
		h := &sphinx.PathHop{
			ID:            desc.ID,
			NIKEPublicKey: desc.SphinxKey,
		}
		if delay := sampleDelay(rng, cfg); delay > 0 {
			h.Commands = append(h.Commands, &commands.NodeDelay{Delay: delay})
		}
		path = append(path, h)
	}

	gw, err := selectGateway(rng, topo, hint, cfg.Policy)
	if err != nil {
		return nil, err
	}
	path = append(path, &sphinx.PathHop{
		ID:            gw.ID,
		NIKEPublicKey: gw.SphinxKey,
	})
	return path, nil
}

func selectGateway(rng *mRand.Rand, topo *topology.NetworkTopology, hint *Hint, policy Policy) (*topology.GatewayDescriptor, error) {
	if hint != nil && hint.Gateway != nil {
		gw, err := topo.GatewayByIdentity(hint.Gateway)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoRouteAvailable, err)
		}
		return gw, nil
	}

	gateways := topo.Gateways()
	if len(gateways) == 0 {
		return nil, fmt.Errorf("%w: no gateways", ErrNoRouteAvailable)
	}
	switch policy {
	case PolicyFirst:
		return gateways[0], nil
	default:
		return gateways[rng.Intn(len(gateways))], nil
	}
}

// sampleDelay returns a delay in milliseconds, or 0 if delays are disabled.
func sampleDelay(rng *mRand.Rand, cfg *Config) uint32 {
	mean := cfg.NodeDelayMean.Milliseconds()
	if mean <= 0 {
		return 0
	}
	delay := uint64(rand.Exp(rng, 1/float64(mean))) + 1
	if maxDelay := uint64(cfg.NodeDelayMax.Milliseconds()); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if delay > uint64(^uint32(0)) {
		delay = uint64(^uint32(0))
	}
	return uint32(delay)
}

// ToString returns a slice of strings representing the "useful" component of
// each PathHop, suitable for debugging.
func ToString(topo *topology.NetworkTopology, p []*sphinx.PathHop) ([]string, error) {
	s := make([]string, 0, len(p))
	for idx, v := range p {
		_, addr, err := topo.NodeByID(&v.ID)
		if err != nil {
			return nil, err
		}

		var delay uint32
		for _, cmd := range v.Commands {
			if delayCmd, ok := cmd.(*commands.NodeDelay); ok {
				delay = delayCmd.Delay
				break
			}
		}
		s = append(s, fmt.Sprintf("Hop[%v] %x '%v' - %d ms", idx, v.ID[:8], addr, delay))
	}
	return s, nil
}
