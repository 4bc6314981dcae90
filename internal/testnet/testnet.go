// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package testnet generates synthetic networks for tests: a directory
// document, the node private keys behind it, and a packet walker that
// processes a Sphinx packet hop by hop the way the mixes would.
package testnet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/mr-tron/base58"

	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/sphinx"
	"github.com/mixlink/mixlink/core/sphinx/commands"
	"github.com/mixlink/mixlink/core/sphinx/constants"
)

// Node is a generated mix or gateway.
type Node struct {
	ID      [constants.NodeIDLength]byte
	Public  nike.PublicKey
	Private nike.PrivateKey
	Address string
}

// Network is a generated network.
type Network struct {
	Mixes    [][]*Node
	Gateways []*Node

	byID map[[constants.NodeIDLength]byte]*Node
}

// New generates a network with nrLayers layers of perLayer mixes, and
// nrGateways gateways whose client listener is clientListener.
func New(nrLayers, perLayer, nrGateways int, clientListener string) (*Network, error) {
	scheme := x25519.Scheme(rand.Reader)
	n := &Network{
		Mixes: make([][]*Node, nrLayers),
		byID:  make(map[[constants.NodeIDLength]byte]*Node),
	}
	gen := func(addr string) (*Node, error) {
		pub, priv, err := scheme.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		node := &Node{
			ID:      hash.Sum256(pub.Bytes()),
			Public:  pub,
			Private: priv,
			Address: addr,
		}
		n.byID[node.ID] = node
		return node, nil
	}
	for l := 0; l < nrLayers; l++ {
		for i := 0; i < perLayer; i++ {
			node, err := gen(fmt.Sprintf("10.0.%d.%d:1789", l+1, i))
			if err != nil {
				return nil, err
			}
			n.Mixes[l] = append(n.Mixes[l], node)
		}
	}
	for i := 0; i < nrGateways; i++ {
		node, err := gen(clientListener)
		if err != nil {
			return nil, err
		}
		n.Gateways = append(n.Gateways, node)
	}
	return n, nil
}

// Document renders the network as a directory topology document.
func (n *Network) Document() []byte {
	type mixNode struct {
		Host     string `json:"host"`
		PubKey   string `json:"pubKey"`
		Layer    int    `json:"layer"`
		Location string `json:"location"`
		Version  string `json:"version"`
	}
	type gatewayNode struct {
		ClientListener string `json:"clientListener"`
		MixnetListener string `json:"mixnetListener"`
		SphinxKey      string `json:"sphinxKey"`
		Location       string `json:"location"`
	}
	var doc struct {
		MixNodes     []mixNode     `json:"mixNodes"`
		GatewayNodes []gatewayNode `json:"gatewayNodes"`
	}
	for l, layer := range n.Mixes {
		for _, m := range layer {
			doc.MixNodes = append(doc.MixNodes, mixNode{
				Host:     m.Address,
				PubKey:   base64.URLEncoding.EncodeToString(m.Public.Bytes()),
				Layer:    l + 1,
				Location: "testnet",
				Version:  "0.1.0",
			})
		}
	}
	for i, g := range n.Gateways {
		doc.GatewayNodes = append(doc.GatewayNodes, gatewayNode{
			ClientListener: g.Address,
			MixnetListener: fmt.Sprintf("10.1.0.%d:1789", i),
			SphinxKey:      base58.Encode(g.Public.Bytes()),
			Location:       "testnet",
		})
	}
	b, err := json.Marshal(&doc)
	if err != nil {
		panic("testnet: failed to serialize document: " + err.Error())
	}
	return b
}

// Walk processes pkt starting at firstHop, following the NextNodeHop
// commands until a node delivers it, returning the recipient and the
// decoded payload.
func (n *Network) Walk(s *sphinx.Sphinx, firstHop *[constants.NodeIDLength]byte, pkt []byte) (address.Address, []byte, error) {
	pkt = append([]byte(nil), pkt...)
	id := *firstHop
	for hops := 0; hops < s.Geometry().NrHops; hops++ {
		node, ok := n.byID[id]
		if !ok {
			return address.Address{}, nil, fmt.Errorf("testnet: unknown node %x", id[:])
		}
		payload, _, cmds, err := s.Unwrap(node.Private, pkt)
		if err != nil {
			return address.Address{}, nil, fmt.Errorf("testnet: hop %d: %w", hops, err)
		}

		var next *commands.NextNodeHop
		var recipient *commands.Recipient
		for _, c := range cmds {
			switch v := c.(type) {
			case *commands.NextNodeHop:
				next = v
			case *commands.Recipient:
				recipient = v
			}
		}
		switch {
		case recipient != nil:
			msg, err := s.Geometry().DecodePayload(payload)
			if err != nil {
				return address.Address{}, nil, err
			}
			return address.Address(recipient.ID), msg, nil
		case next != nil:
			id = next.ID
		default:
			return address.Address{}, nil, fmt.Errorf("testnet: hop %d has no routing command", hops)
		}
	}
	return address.Address{}, nil, errors.New("testnet: packet was never delivered")
}
