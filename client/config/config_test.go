// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/sphinx/path"
	"github.com/mixlink/mixlink/gateway"
)

func TestConfig(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := LoadFile("testdata/client.toml")
	require.NoError(err)

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(30, cfg.Directory.Timeout)
	require.Equal(300, cfg.Directory.RefreshInterval)
	require.Equal(path.PolicyFirst, cfg.Gateway.Policy())
	require.Equal("quic", cfg.Gateway.Transport)
	require.Equal(gateway.DefaultSendQueueLength, cfg.Gateway.SendQueueLength)

	geo := cfg.Sphinx.Geometry()
	require.Equal(4, geo.NrHops)
	require.Equal(2048, geo.ForwardPayloadLength)

	addr, err := cfg.ClientAddress()
	require.NoError(err)
	require.Equal(address.Address{}, addr)

	pCfg := cfg.PathConfig()
	require.Equal(3, pCfg.MixLayers)
	require.Equal(50*time.Millisecond, pCfg.NodeDelayMean)
	require.Equal(500*time.Millisecond, pCfg.NodeDelayMax)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Load([]byte(`
[Directory]
  URL = "http://127.0.0.1:8080"
`))
	require.NoError(err)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal(3, cfg.Sphinx.MixLayers)
	require.Equal(1024, cfg.Sphinx.ForwardPayloadLength)
	require.Equal(path.PolicyRandom, cfg.Gateway.Policy())
	require.Equal("ws", cfg.Gateway.Transport)
	require.Equal(600, cfg.Directory.RefreshInterval)

	a, err := cfg.ClientAddress()
	require.NoError(err)
	b, err := cfg.ClientAddress()
	require.NoError(err)
	require.False(a.IsZero())
	require.NotEqual(a, b, "no configured address is ephemeral")

	require.Zero(cfg.PathConfig().NodeDelayMean)
	require.Zero(cfg.PathConfig().NodeDelayMax)

	cfg, err = Load([]byte("[Directory]\n  URL = \"http://127.0.0.1:8080\"\n[Debug]\n  NodeDelayMean = 10\n"))
	require.NoError(err)
	require.Equal(116, cfg.Debug.NodeDelayMax)
}

func TestConfigInvalid(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	for _, doc := range []string{
		``,
		`[Directory]`,
		"[Directory]\nURL = \"directory.example\"",
		"[Directory]\nURL = \"http://d.example\"\n[Logging]\nLevel = \"LOUD\"",
		"[Directory]\nURL = \"http://d.example\"\n[Gateway]\nSelection = \"closest\"",
		"[Directory]\nURL = \"http://d.example\"\n[Gateway]\nTransport = \"carrier-pigeon\"",
		"[Directory]\nURL = \"http://d.example\"\n[Gateway]\nAddress = \"ws://\"",
		"[Directory]\nURL = \"http://d.example\"\n[Sphinx]\nMixLayers = -1",
		"[Directory]\nURL = \"http://d.example\"\n[Client]\nAddress = \"not-base58!\"",
		"[Directory]\nURL = \"http://d.example\"\n[Debug]\nNodeDelayMean = -5",
		"[Directory]\nURL = \"http://d.example\"\nBogus = 1",
	} {
		_, err := Load([]byte(doc))
		require.Error(err, doc)
	}
}
