// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/mixlink/mixlink/client/config"
	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/sphinx"
	"github.com/mixlink/mixlink/core/sphinx/path"
	"github.com/mixlink/mixlink/core/topology"
	"github.com/mixlink/mixlink/gateway"
	"github.com/mixlink/mixlink/internal/testnet"
	"github.com/mixlink/mixlink/transport"
)

const testTimeout = 10 * time.Second

type testEnv struct {
	network   *testnet.Network
	gateway   *testnet.Gateway
	gwURL     string
	directory *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	require := require.New(t)

	env := new(testEnv)
	gwSrv := httptest.NewServer(transport.WebSocketHandler(func(c transport.Conn) {
		env.gateway.Serve(c)
	}))
	t.Cleanup(gwSrv.Close)
	env.gwURL = "ws" + strings.TrimPrefix(gwSrv.URL, "http")

	var err error
	env.network, err = testnet.New(3, 2, 2, env.gwURL)
	require.NoError(err)
	env.gateway = env.network.NewGateway(sphinx.NewSphinx(x25519.Scheme(rand.Reader), sphinx.DefaultGeometry()))

	doc := env.network.Document()
	env.directory = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(doc)
	}))
	t.Cleanup(env.directory.Close)
	return env
}

func (env *testEnv) config(t *testing.T, extra string) *config.Config {
	cfg, err := config.Load([]byte(fmt.Sprintf(`
[Logging]
  Disable = true

[Directory]
  URL = %q
  Timeout = 5
%s
`, env.directory.URL, extra)))
	require.NoError(t, err)
	return cfg
}

func newStartedClient(t *testing.T, cfg *config.Config) *Client {
	require := require.New(t)

	c, err := New(cfg)
	require.NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(c.Start(ctx))
	t.Cleanup(c.Shutdown)
	return c
}

func receive(t *testing.T, c *Client) []byte {
	select {
	case msg := <-c.Received():
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestGetInitialGatewayAddress(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	env := newTestEnv(t)
	addr, err := GetInitialGatewayAddress(context.Background(), env.directory.URL)
	require.NoError(err)
	require.Equal(env.gwURL, addr)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"mixNodes":[],"gatewayNodes":[]}`))
	}))
	defer empty.Close()
	_, err = GetInitialGatewayAddress(context.Background(), empty.URL)
	require.ErrorIs(err, ErrNoGatewayAddress)
	require.ErrorIs(err, topology.ErrMalformedTopology)

	// Only the gateway list matters, not the mix layers.
	partial, err := testnet.New(1, 1, 2, "ws://gw.example:9000")
	require.NoError(err)
	partialDoc := partial.Document()
	partialSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(partialDoc)
	}))
	defer partialSrv.Close()
	addr, err = GetInitialGatewayAddress(context.Background(), partialSrv.URL)
	require.NoError(err)
	require.Equal(partial.Gateways[0].Address, addr)

	_, err = GetInitialGatewayAddress(context.Background(), "not a url")
	require.ErrorIs(err, ErrNoGatewayAddress)
	require.Equal("Unable to get Nym gateway address", ErrNoGatewayAddress.Error())
}

func TestCreateSphinxPacket(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	network, err := testnet.New(3, 3, 2, "ws://127.0.0.1:9000")
	require.NoError(err)
	topo, err := topology.LoadTopology(network.Document(), 3)
	require.NoError(err)

	recipient, err := address.NewRandom(rand.Reader)
	require.NoError(err)
	firstHop, pkt, err := CreateSphinxPacket(topo, []byte("hello mixnet"), recipient)
	require.NoError(err)

	geo := sphinx.DefaultGeometry()
	require.Len(pkt, geo.PacketLength)
	inFirstLayer := false
	for _, n := range network.Mixes[0] {
		inFirstLayer = inFirstLayer || n.ID == *firstHop
	}
	require.True(inFirstLayer)

	got, msg, err := network.Walk(sphinx.NewSphinx(x25519.Scheme(rand.Reader), geo), firstHop, pkt)
	require.NoError(err)
	require.Equal(recipient, got)
	require.Equal([]byte("hello mixnet"), msg)

	_, _, err = CreateSphinxPacket(topo, make([]byte, geo.UserForwardPayloadLength+1), recipient)
	require.ErrorIs(err, sphinx.ErrPayloadTooLarge)

	_, _, err = CreateSphinxPacket(nil, []byte("x"), recipient)
	require.ErrorIs(err, path.ErrNoRouteAvailable)

	_, _, err = CreateSphinxPacket(topology.New(make([][]*topology.MixNodeDescriptor, 3), nil), []byte("x"), recipient)
	require.ErrorIs(err, path.ErrNoRouteAvailable)

	// The path length is fixed by the network, not by the topology handed in.
	for _, layers := range []int{1, 5} {
		other, err := testnet.New(layers, 2, 1, "ws://127.0.0.1:9000")
		require.NoError(err)
		otherTopo, err := topology.LoadTopology(other.Document(), layers)
		require.NoError(err)
		_, pkt, err := CreateSphinxPacket(otherTopo, []byte("ping"), recipient)
		require.ErrorIs(err, path.ErrNoRouteAvailable, "%d layers", layers)
		require.Nil(pkt)
	}
}

func TestClientLoopback(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	env := newTestEnv(t)
	c := newStartedClient(t, env.config(t, "[Debug]\n  NodeDelayMean = 5\n  NodeDelayMax = 20"))
	require.Equal(3, c.Topology().NrLayers())

	msg := []byte("a message to myself")
	require.NoError(c.Send(context.Background(), c.Address(), msg))
	require.Equal(msg, receive(t, c))

	select {
	case d := <-env.gateway.Deliveries():
		require.Equal(c.Address(), d.Recipient)
		require.Equal(msg, d.Message)
	case <-time.After(testTimeout):
		t.Fatal("gateway saw no delivery")
	}

	// Pinned to a gateway that does not exist.
	var unknown [32]byte
	err := c.SendVia(context.Background(), c.Address(), &unknown, msg)
	require.ErrorIs(err, path.ErrNoRouteAvailable)

	gw := env.network.Gateways[1].ID
	require.NoError(c.SendVia(context.Background(), c.Address(), &gw, []byte("pinned")))
	require.Equal([]byte("pinned"), receive(t, c))

	c.Shutdown()
	_, ok := <-c.Received()
	require.False(ok)
}

func TestClientOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	env := newTestEnv(t)
	c := newStartedClient(t, env.config(t, "[Gateway]\n  Selection = \"first\""))

	for i := 0; i < 10; i++ {
		require.NoError(c.Send(context.Background(), c.Address(), []byte{byte(i)}))
	}
	for i := 0; i < 10; i++ {
		require.Equal([]byte{byte(i)}, receive(t, c))
	}
}

func TestClientReconnects(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	env := newTestEnv(t)
	c := newStartedClient(t, env.config(t, ""))

	c.sessionLock.RLock()
	old := c.session
	c.sessionLock.RUnlock()

	env.gateway.DropClients()
	require.Eventually(func() bool {
		c.sessionLock.RLock()
		defer c.sessionLock.RUnlock()
		return c.session != nil && c.session != old && c.session.State() == gateway.StateActive
	}, testTimeout, 50*time.Millisecond)
	require.Equal(gateway.StateDisconnected, old.State())

	require.NoError(c.Send(context.Background(), c.Address(), []byte("again")))
	require.True(bytes.Equal([]byte("again"), receive(t, c)))
}

func TestClientCachedTopology(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	env := newTestEnv(t)
	cacheFile := filepath.Join(t.TempDir(), "topology.db")
	extra := fmt.Sprintf("  CacheFile = %q", cacheFile)

	c, err := New(env.config(t, extra))
	require.NoError(err)
	require.NoError(c.Start(context.Background()))
	topo := c.Topology()
	c.Shutdown()

	// The directory goes away, the gateway stays.
	cfg := env.config(t, extra)
	env.directory.Close()

	c = newStartedClient(t, cfg)
	require.Equal(topo.String(), c.Topology().String())
	require.NoError(c.Send(context.Background(), c.Address(), []byte("cached")))
	require.Equal([]byte("cached"), receive(t, c))
}

func TestClientStartFailures(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	env := newTestEnv(t)

	// Directory down without a cache.
	cfg := env.config(t, "")
	env.directory.Close()
	c, err := New(cfg)
	require.NoError(err)
	defer c.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.Error(c.Start(ctx))
	require.ErrorIs(c.Send(ctx, c.Address(), []byte("x")), path.ErrNoRouteAvailable)
}

func TestClientGatewayUnreachable(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	env := newTestEnv(t)
	cfg := env.config(t, "[Gateway]\n  Address = \"tcp://127.0.0.1:1\"\n  HandshakeTimeout = 2")
	c, err := New(cfg)
	require.NoError(err)
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.Error(c.Start(ctx))
	require.ErrorIs(c.Send(ctx, c.Address(), []byte("x")), ErrNotConnected)
}
