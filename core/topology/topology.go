// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package topology provides the mix network topology model.
package topology

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	"github.com/mixlink/mixlink/core/sphinx/constants"
)

const snapshotVersion = "v0"

var (
	// ErrMalformedTopology is returned when a directory document cannot be
	// turned into a usable NetworkTopology.
	ErrMalformedTopology = errors.New("topology: malformed topology")

	ccbor cbor.EncMode

	keyScheme = x25519.Scheme(rand.Reader)
)

// MixNodeDescriptor describes a single mix node.
type MixNodeDescriptor struct {
	// ID is the blake2b-256 digest of the node's identity key.
	ID [constants.NodeIDLength]byte

	// IdentityKey is the node's identity key.  Directories that publish
	// only a sphinx key have it double as the identity.
	IdentityKey []byte

	// SphinxKey is the node's Sphinx packet key.
	SphinxKey nike.PublicKey

	// Address is the node's mixnet listener address.
	Address string

	// Layer is the zero based mix layer the node is assigned to.
	Layer uint8

	Location string
	Version  string
}

func (d *MixNodeDescriptor) clone() *MixNodeDescriptor {
	c := *d
	c.IdentityKey = append([]byte(nil), d.IdentityKey...)
	return &c
}

func (d *MixNodeDescriptor) String() string {
	return fmt.Sprintf("mix %x (layer %d, %s)", d.ID[:8], d.Layer, d.Address)
}

// GatewayDescriptor describes a gateway, the terminal hop of every path and
// the node clients hold sessions with.
type GatewayDescriptor struct {
	ID             [constants.NodeIDLength]byte
	IdentityKey    []byte
	SphinxKey      nike.PublicKey
	ClientListener string
	MixnetListener string
	Location       string
	Version        string
}

func (d *GatewayDescriptor) clone() *GatewayDescriptor {
	c := *d
	c.IdentityKey = append([]byte(nil), d.IdentityKey...)
	return &c
}

func (d *GatewayDescriptor) String() string {
	return fmt.Sprintf("gateway %x (%s)", d.ID[:8], d.ClientListener)
}

// NetworkTopology is an immutable snapshot of the mix nodes, by layer, and
// the gateways.  It is safe for concurrent use.
type NetworkTopology struct {
	layers   [][]*MixNodeDescriptor
	gateways []*GatewayDescriptor
}

// New builds a NetworkTopology directly from descriptors.  Unlike
// LoadTopology it does not require every layer to be populated.
func New(layers [][]*MixNodeDescriptor, gateways []*GatewayDescriptor) *NetworkTopology {
	t := &NetworkTopology{
		layers:   make([][]*MixNodeDescriptor, len(layers)),
		gateways: append([]*GatewayDescriptor(nil), gateways...),
	}
	for i, l := range layers {
		t.layers[i] = append([]*MixNodeDescriptor(nil), l...)
	}
	return t
}

// NrLayers returns the number of mix layers.
func (t *NetworkTopology) NrLayers() int {
	return len(t.layers)
}

// Gateways returns copies of the gateways in directory order.
func (t *NetworkTopology) Gateways() []*GatewayDescriptor {
	gws := make([]*GatewayDescriptor, 0, len(t.gateways))
	for _, g := range t.gateways {
		gws = append(gws, g.clone())
	}
	return gws
}

// MixLayer returns copies of the mix nodes of the zero based layer, or nil
// for a layer that does not exist.
func (t *NetworkTopology) MixLayer(layer int) []*MixNodeDescriptor {
	if layer < 0 || layer >= len(t.layers) {
		return nil
	}
	nodes := make([]*MixNodeDescriptor, 0, len(t.layers[layer]))
	for _, m := range t.layers[layer] {
		nodes = append(nodes, m.clone())
	}
	return nodes
}

// GatewayByIdentity returns the gateway with the given node ID.
func (t *NetworkTopology) GatewayByIdentity(id *[constants.NodeIDLength]byte) (*GatewayDescriptor, error) {
	for _, g := range t.gateways {
		if g.ID == *id {
			return g.clone(), nil
		}
	}
	return nil, fmt.Errorf("topology: gateway %x not found", id[:])
}

// NodeByID returns the sphinx key and address of the mix node or gateway
// with the given node ID.
func (t *NetworkTopology) NodeByID(id *[constants.NodeIDLength]byte) (nike.PublicKey, string, error) {
	for _, l := range t.layers {
		for _, m := range l {
			if m.ID == *id {
				return m.SphinxKey, m.Address, nil
			}
		}
	}
	if g, err := t.GatewayByIdentity(id); err == nil {
		return g.SphinxKey, g.MixnetListener, nil
	}
	return nil, "", fmt.Errorf("topology: node %x not found", id[:])
}

func (t *NetworkTopology) String() string {
	var b strings.Builder
	for i, l := range t.layers {
		fmt.Fprintf(&b, "layer %d:\n", i)
		for _, m := range l {
			fmt.Fprintf(&b, "  %v\n", m)
		}
	}
	b.WriteString("gateways:\n")
	for _, g := range t.gateways {
		fmt.Fprintf(&b, "  %v\n", g)
	}
	return b.String()
}

type mixNodeJSON struct {
	Host        string `json:"host"`
	PubKey      string `json:"pubKey"`
	SphinxKey   string `json:"sphinxKey"`
	IdentityKey string `json:"identityKey"`
	Layer       int    `json:"layer"`
	Location    string `json:"location"`
	Version     string `json:"version"`
}

type gatewayJSON struct {
	ClientListener string `json:"clientListener"`
	MixnetListener string `json:"mixnetListener"`
	PubKey         string `json:"pubKey"`
	SphinxKey      string `json:"sphinxKey"`
	IdentityKey    string `json:"identityKey"`
	Location       string `json:"location"`
	Version        string `json:"version"`
}

type documentJSON struct {
	MixNodes         []mixNodeJSON `json:"mixNodes"`
	GatewayNodes     []gatewayJSON `json:"gatewayNodes"`
	MixProviderNodes []gatewayJSON `json:"mixProviderNodes"`
}

// LoadTopology parses a directory document.  Layers in the document are
// numbered 1 through nrLayers.  Every layer must have at least one node and
// there must be at least one gateway.
func LoadTopology(doc []byte, nrLayers int) (*NetworkTopology, error) {
	if nrLayers <= 0 {
		return nil, fmt.Errorf("%w: invalid layer count %d", ErrMalformedTopology, nrLayers)
	}
	d := new(documentJSON)
	if err := json.Unmarshal(doc, d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTopology, err)
	}

	seen := make(map[[constants.NodeIDLength]byte]bool)
	t := &NetworkTopology{
		layers: make([][]*MixNodeDescriptor, nrLayers),
	}
	for i, n := range d.MixNodes {
		if n.Layer < 1 || n.Layer > nrLayers {
			return nil, fmt.Errorf("%w: mix node %d has layer %d", ErrMalformedTopology, i, n.Layer)
		}
		if n.Host == "" {
			return nil, fmt.Errorf("%w: mix node %d has no host", ErrMalformedTopology, i)
		}
		sphinxKey, idKey, err := parseKeys(n.PubKey, n.SphinxKey, n.IdentityKey)
		if err != nil {
			return nil, fmt.Errorf("%w: mix node %d: %v", ErrMalformedTopology, i, err)
		}
		desc := &MixNodeDescriptor{
			ID:          hash.Sum256(idKey),
			IdentityKey: idKey,
			SphinxKey:   sphinxKey,
			Address:     n.Host,
			Layer:       uint8(n.Layer - 1),
			Location:    n.Location,
			Version:     n.Version,
		}
		if seen[desc.ID] {
			return nil, fmt.Errorf("%w: duplicate node %x", ErrMalformedTopology, desc.ID[:])
		}
		seen[desc.ID] = true
		t.layers[desc.Layer] = append(t.layers[desc.Layer], desc)
	}
	for i, l := range t.layers {
		if len(l) == 0 {
			return nil, fmt.Errorf("%w: layer %d has no nodes", ErrMalformedTopology, i+1)
		}
	}

	gateways, err := loadGateways(d, seen)
	if err != nil {
		return nil, err
	}
	t.gateways = gateways
	return t, nil
}

// LoadGateways parses only the gateways of a directory document, in
// document order.  Mix layers are not validated.
func LoadGateways(doc []byte) ([]*GatewayDescriptor, error) {
	d := new(documentJSON)
	if err := json.Unmarshal(doc, d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTopology, err)
	}
	return loadGateways(d, make(map[[constants.NodeIDLength]byte]bool))
}

func loadGateways(d *documentJSON, seen map[[constants.NodeIDLength]byte]bool) ([]*GatewayDescriptor, error) {
	gateways := d.GatewayNodes
	if len(gateways) == 0 {
		gateways = d.MixProviderNodes
	}
	if len(gateways) == 0 {
		return nil, fmt.Errorf("%w: no gateways", ErrMalformedTopology)
	}
	descs := make([]*GatewayDescriptor, 0, len(gateways))
	for i, g := range gateways {
		if g.ClientListener == "" {
			return nil, fmt.Errorf("%w: gateway %d has no client listener", ErrMalformedTopology, i)
		}
		sphinxKey, idKey, err := parseKeys(g.PubKey, g.SphinxKey, g.IdentityKey)
		if err != nil {
			return nil, fmt.Errorf("%w: gateway %d: %v", ErrMalformedTopology, i, err)
		}
		desc := &GatewayDescriptor{
			ID:             hash.Sum256(idKey),
			IdentityKey:    idKey,
			SphinxKey:      sphinxKey,
			ClientListener: g.ClientListener,
			MixnetListener: g.MixnetListener,
			Location:       g.Location,
			Version:        g.Version,
		}
		if seen[desc.ID] {
			return nil, fmt.Errorf("%w: duplicate node %x", ErrMalformedTopology, desc.ID[:])
		}
		seen[desc.ID] = true
		descs = append(descs, desc)
	}
	return descs, nil
}

// parseKeys resolves a node's keys.  The legacy pubKey field is base64,
// the sphinxKey and identityKey fields are base58.
func parseKeys(pubKey, sphinxKey, identityKey string) (nike.PublicKey, []byte, error) {
	var (
		raw []byte
		err error
	)
	switch {
	case sphinxKey != "":
		raw, err = decodeKey(sphinxKey, true)
	case pubKey != "":
		raw, err = decodeKey(pubKey, false)
	default:
		return nil, nil, errors.New("missing sphinx key")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("sphinx key: %w", err)
	}
	pk, err := keyScheme.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("sphinx key: %w", err)
	}
	if identityKey == "" {
		return pk, raw, nil
	}
	idKey, err := decodeKey(identityKey, true)
	if err != nil {
		return nil, nil, fmt.Errorf("identity key: %w", err)
	}
	return pk, idKey, nil
}

func decodeKey(s string, isBase58 bool) ([]byte, error) {
	size := keyScheme.PublicKeySize()
	if isBase58 {
		if b, err := base58.Decode(s); err == nil && len(b) == size {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == size {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid key encoding '%v'", s)
}

type mixNodeSnapshot struct {
	IdentityKey []byte
	SphinxKey   []byte
	Address     string
	Layer       uint8
	Location    string
	Version     string
}

type gatewaySnapshot struct {
	IdentityKey    []byte
	SphinxKey      []byte
	ClientListener string
	MixnetListener string
	Location       string
	Version        string
}

type snapshot struct {
	Version  string
	Layers   [][]mixNodeSnapshot
	Gateways []gatewaySnapshot
}

// MarshalBinary implements encoding.BinaryMarshaler, serializing the
// topology as canonical CBOR.
func (t *NetworkTopology) MarshalBinary() ([]byte, error) {
	s := &snapshot{
		Version: snapshotVersion,
		Layers:  make([][]mixNodeSnapshot, len(t.layers)),
	}
	for i, l := range t.layers {
		s.Layers[i] = make([]mixNodeSnapshot, 0, len(l))
		for _, m := range l {
			s.Layers[i] = append(s.Layers[i], mixNodeSnapshot{
				IdentityKey: m.IdentityKey,
				SphinxKey:   m.SphinxKey.Bytes(),
				Address:     m.Address,
				Layer:       m.Layer,
				Location:    m.Location,
				Version:     m.Version,
			})
		}
	}
	for _, g := range t.gateways {
		s.Gateways = append(s.Gateways, gatewaySnapshot{
			IdentityKey:    g.IdentityKey,
			SphinxKey:      g.SphinxKey.Bytes(),
			ClientListener: g.ClientListener,
			MixnetListener: g.MixnetListener,
			Location:       g.Location,
			Version:        g.Version,
		})
	}
	return ccbor.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *NetworkTopology) UnmarshalBinary(data []byte) error {
	s := new(snapshot)
	if err := cbor.Unmarshal(data, s); err != nil {
		return err
	}
	if s.Version != snapshotVersion {
		return fmt.Errorf("topology: unsupported snapshot version '%v'", s.Version)
	}
	layers := make([][]*MixNodeDescriptor, len(s.Layers))
	for i, l := range s.Layers {
		for _, m := range l {
			pk, err := keyScheme.UnmarshalBinaryPublicKey(m.SphinxKey)
			if err != nil {
				return err
			}
			layers[i] = append(layers[i], &MixNodeDescriptor{
				ID:          hash.Sum256(m.IdentityKey),
				IdentityKey: m.IdentityKey,
				SphinxKey:   pk,
				Address:     m.Address,
				Layer:       m.Layer,
				Location:    m.Location,
				Version:     m.Version,
			})
		}
	}
	gateways := make([]*GatewayDescriptor, 0, len(s.Gateways))
	for _, g := range s.Gateways {
		pk, err := keyScheme.UnmarshalBinaryPublicKey(g.SphinxKey)
		if err != nil {
			return err
		}
		gateways = append(gateways, &GatewayDescriptor{
			ID:             hash.Sum256(g.IdentityKey),
			IdentityKey:    g.IdentityKey,
			SphinxKey:      pk,
			ClientListener: g.ClientListener,
			MixnetListener: g.MixnetListener,
			Location:       g.Location,
			Version:        g.Version,
		})
	}
	t.layers = layers
	t.gateways = gateways
	return nil
}

func init() {
	var err error
	opts := cbor.CanonicalEncOptions()
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
