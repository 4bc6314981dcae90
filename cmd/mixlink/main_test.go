// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/mixlink/mixlink/common"
	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/sphinx"
	"github.com/mixlink/mixlink/internal/testnet"
	"github.com/mixlink/mixlink/transport"
)

func execute(t *testing.T, args ...string) (string, error) {
	cmd := newRootCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// startNetwork runs a gateway and a directory for a generated network and
// returns a client config file pointing at them.
func startNetwork(t *testing.T) (*testnet.Network, *testnet.Gateway, string) {
	require := require.New(t)

	var gw *testnet.Gateway
	gwSrv := httptest.NewServer(transport.WebSocketHandler(func(c transport.Conn) {
		gw.Serve(c)
	}))
	t.Cleanup(gwSrv.Close)

	network, err := testnet.New(3, 2, 1, "ws"+strings.TrimPrefix(gwSrv.URL, "http"))
	require.NoError(err)
	gw = network.NewGateway(sphinx.NewSphinx(x25519.Scheme(rand.Reader), sphinx.DefaultGeometry()))

	doc := network.Document()
	dirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(doc)
	}))
	t.Cleanup(dirSrv.Close)

	cfgFile := filepath.Join(t.TempDir(), "client.toml")
	cfg := fmt.Sprintf("[Logging]\n  Disable = true\n\n[Directory]\n  URL = %q\n  Timeout = 5\n", dirSrv.URL)
	require.NoError(os.WriteFile(cfgFile, []byte(cfg), 0600))
	return network, gw, cfgFile
}

func TestAddressCommand(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	out, err := execute(t, "address")
	require.NoError(err)
	addr, err := address.FromString(strings.TrimSpace(out))
	require.NoError(err)
	require.False(addr.IsZero())

	out, err = execute(t, "address", "--qr")
	require.NoError(err)
	require.Greater(strings.Count(out, "\n"), 10)
}

func TestGeometryCommand(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	out, err := execute(t, "geometry")
	require.NoError(err)
	geo := new(sphinx.Geometry)
	_, err = toml.Decode(out, geo)
	require.NoError(err)
	require.Equal(sphinx.DefaultGeometry().PacketLength, geo.PacketLength)

	out, err = execute(t, "geometry", "--layers", "5", "--payload", "2048")
	require.NoError(err)
	geo = new(sphinx.Geometry)
	_, err = toml.Decode(out, geo)
	require.NoError(err)
	require.Equal(6, geo.NrHops)
	require.Equal(2048, geo.ForwardPayloadLength)

	_, err = execute(t, "geometry", "--layers", "0")
	require.True(common.IsUsageError(err))
	_, err = execute(t, "geometry", "--payload", "nope")
	require.True(common.IsUsageError(err))
}

func TestTopologyCommand(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	network, _, cfgFile := startNetwork(t)
	out, err := execute(t, "topology", "-c", cfgFile)
	require.NoError(err)
	require.Contains(out, network.Gateways[0].Address)

	_, err = execute(t, "topology")
	require.True(common.IsUsageError(err))
	_, err = execute(t, "topology", "-c", filepath.Join(t.TempDir(), "missing.toml"))
	require.True(common.IsUsageError(err))
}

func TestGatewayCommand(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	network, _, cfgFile := startNetwork(t)
	b, err := os.ReadFile(cfgFile)
	require.NoError(err)
	var cfg struct{ Directory struct{ URL string } }
	_, err = toml.Decode(string(b), &cfg)
	require.NoError(err)

	out, err := execute(t, "gateway", "-d", cfg.Directory.URL)
	require.NoError(err)
	require.Equal(network.Gateways[0].Address, strings.TrimSpace(out))
}

func TestSendCommand(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, gw, cfgFile := startNetwork(t)
	recipient, err := address.NewRandom(rand.Reader)
	require.NoError(err)

	out, err := execute(t, "send", "-c", cfgFile, "-r", recipient.String(), "-m", "hello")
	require.NoError(err)
	require.Contains(out, recipient.String())

	select {
	case d := <-gw.Deliveries():
		require.Equal(recipient, d.Recipient)
		require.Equal([]byte("hello"), d.Message)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway saw no delivery")
	}

	_, err = execute(t, "send", "-c", cfgFile, "-r", "not-base58!", "-m", "hello")
	require.True(common.IsUsageError(err))
}

func TestIsUsageError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.False(common.IsUsageError(nil))
	require.False(common.IsUsageError(errors.New("failed to send: connection lost")))
	require.True(common.IsUsageError(common.UsageErrorf("bad %s", "flag")))
	require.True(common.IsUsageError(fmt.Errorf("required flag(s) %q not set", "config")))
}
