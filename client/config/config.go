// SPDX-FileCopyrightText: Copyright (C) 2018-2023  Yawning Angel, David Stainton.
// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the mixlink client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	"github.com/mixlink/mixlink/core/address"
	mrand "github.com/mixlink/mixlink/core/crypto/rand"
	"github.com/mixlink/mixlink/core/sphinx"
	"github.com/mixlink/mixlink/core/sphinx/constants"
	"github.com/mixlink/mixlink/core/sphinx/path"
	"github.com/mixlink/mixlink/directory"
	"github.com/mixlink/mixlink/gateway"
	"github.com/mixlink/mixlink/transport"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultDirectoryTimeout = 30
	defaultRefreshInterval  = 600
	defaultHandshakeTimeout = 30
	defaultTransport        = "ws"
	defaultKeepAlive        = 30

	defaultNodeDelayMaxPercentile = 0.99999
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Directory is the network directory configuration.
type Directory struct {
	// URL is the directory base URL.
	URL string

	// Timeout is the number of seconds a single fetch may take.
	Timeout int

	// RefreshInterval is the number of seconds between topology refreshes.
	RefreshInterval int

	// CacheFile, if set, is where the last good topology is kept so the
	// client can start while the directory is unreachable.
	CacheFile string
}

func (d *Directory) validate() error {
	if d.URL == "" {
		return errors.New("config: Directory: URL is not set")
	}
	if _, err := directory.TopologyURL(d.URL); err != nil {
		return fmt.Errorf("config: Directory: %w", err)
	}
	if d.Timeout < 0 || d.RefreshInterval < 0 {
		return errors.New("config: Directory: negative interval")
	}
	if d.Timeout == 0 {
		d.Timeout = defaultDirectoryTimeout
	}
	if d.RefreshInterval == 0 {
		d.RefreshInterval = defaultRefreshInterval
	}
	return nil
}

// Sphinx is the packet format configuration.  Every client and node of a
// network must agree on it.
type Sphinx struct {
	// MixLayers is the number of mix layers a packet traverses before
	// reaching its gateway.
	MixLayers int

	// ForwardPayloadLength is the padded payload length in bytes.
	ForwardPayloadLength int
}

func (s *Sphinx) validate() error {
	if s.MixLayers == 0 {
		s.MixLayers = constants.DefaultMixLayers
	}
	if s.ForwardPayloadLength == 0 {
		s.ForwardPayloadLength = constants.DefaultForwardPayloadLength
	}
	if s.MixLayers < 1 {
		return fmt.Errorf("config: Sphinx: invalid MixLayers %d", s.MixLayers)
	}
	if s.ForwardPayloadLength < 2 {
		return fmt.Errorf("config: Sphinx: invalid ForwardPayloadLength %d", s.ForwardPayloadLength)
	}
	return s.Geometry().Validate()
}

// Geometry returns the Sphinx geometry described by the section.
func (s *Sphinx) Geometry() *sphinx.Geometry {
	return sphinx.GeometryFromForwardPayloadLength(x25519.Scheme(rand.Reader), s.ForwardPayloadLength, s.MixLayers)
}

// Gateway is the gateway connection configuration.
type Gateway struct {
	// Selection is the gateway selection policy, "random" or "first".
	Selection string

	// Transport is the transport used for gateway addresses without a
	// scheme, "ws", "tcp" or "quic".
	Transport string

	// Address, if set, is used instead of a gateway picked from the
	// topology.
	Address string

	// HandshakeTimeout is the number of seconds dialing, registering and
	// authenticating may take.
	HandshakeTimeout int

	// SendQueueLength bounds the packets queued for the gateway.
	SendQueueLength int

	// KeepAlive is the TCP keep-alive period in seconds.
	KeepAlive int

	policy path.Policy
}

func (g *Gateway) validate() error {
	var err error
	if g.policy, err = path.ParsePolicy(g.Selection); err != nil {
		return fmt.Errorf("config: Gateway: %w", err)
	}
	if g.Transport == "" {
		g.Transport = defaultTransport
	}
	if _, err = transport.ForScheme(g.Transport); err != nil {
		return fmt.Errorf("config: Gateway: %w", err)
	}
	if g.Address != "" {
		if _, _, err = transport.ForAddress(g.Address, g.Transport); err != nil {
			return fmt.Errorf("config: Gateway: %w", err)
		}
	}
	if g.HandshakeTimeout < 0 || g.SendQueueLength < 0 || g.KeepAlive < 0 {
		return errors.New("config: Gateway: negative value")
	}
	if g.HandshakeTimeout == 0 {
		g.HandshakeTimeout = defaultHandshakeTimeout
	}
	if g.SendQueueLength == 0 {
		g.SendQueueLength = gateway.DefaultSendQueueLength
	}
	if g.KeepAlive == 0 {
		g.KeepAlive = defaultKeepAlive
	}
	return nil
}

// Policy returns the parsed gateway selection policy.
func (g *Gateway) Policy() path.Policy {
	return g.policy
}

// Client is the client identity configuration.
type Client struct {
	// Address is the base58 client address.  If it is unset, an ephemeral
	// address is generated at startup.
	Address string
}

// Debug is the debug configuration.
type Debug struct {
	// MetricsAddress, if set, is where Prometheus metrics are served.
	MetricsAddress string

	// NodeDelayMean is the mean per-hop delay in milliseconds requested
	// from the mixes, 0 disables delays.
	NodeDelayMean int

	// NodeDelayMax caps the sampled per-hop delay in milliseconds.  If
	// unset it defaults to the 99.999th percentile of the delay
	// distribution.
	NodeDelayMax int
}

func (d *Debug) validate() error {
	if d.NodeDelayMean < 0 || d.NodeDelayMax < 0 {
		return errors.New("config: Debug: negative node delay")
	}
	if d.NodeDelayMean > 0 && d.NodeDelayMax == 0 {
		d.NodeDelayMax = int(mrand.ExpQuantile(1/float64(d.NodeDelayMean), defaultNodeDelayMaxPercentile)) + 1
	}
	return nil
}

// Config is the top level client configuration.
type Config struct {
	Logging   *Logging
	Directory *Directory
	Sphinx    *Sphinx
	Gateway   *Gateway
	Client    *Client
	Debug     *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Directory == nil {
		return errors.New("config: No Directory block was present")
	}

	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Sphinx == nil {
		c.Sphinx = new(Sphinx)
	}
	if c.Gateway == nil {
		c.Gateway = new(Gateway)
	}
	if c.Client == nil {
		c.Client = new(Client)
	}
	if c.Debug == nil {
		c.Debug = new(Debug)
	}

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Directory.validate(); err != nil {
		return err
	}
	if err := c.Sphinx.validate(); err != nil {
		return err
	}
	if err := c.Gateway.validate(); err != nil {
		return err
	}
	if c.Client.Address != "" {
		if _, err := address.FromString(c.Client.Address); err != nil {
			return fmt.Errorf("config: Client: %w", err)
		}
	}
	return c.Debug.validate()
}

// ClientAddress returns the configured client address, or a fresh random
// one if none is configured.
func (c *Config) ClientAddress() (address.Address, error) {
	if c.Client.Address == "" {
		return address.NewRandom(rand.Reader)
	}
	return address.FromString(c.Client.Address)
}

// PathConfig returns the path selection configuration.
func (c *Config) PathConfig() *path.Config {
	return &path.Config{
		Policy:        c.Gateway.Policy(),
		MixLayers:     c.Sphinx.MixLayers,
		NodeDelayMean: time.Duration(c.Debug.NodeDelayMean) * time.Millisecond,
		NodeDelayMax:  time.Duration(c.Debug.NodeDelayMax) * time.Millisecond,
	}
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
