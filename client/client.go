// client.go - Mixnet client.
// Copyright (C) 2017  David Stainton.
// Copyright (C) 2025  The Mixlink Authors.
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

// Package client provides the mixnet client: it keeps the network topology
// current, holds a session with a gateway, and sends and receives messages
// wrapped in Sphinx packets.
package client

import (
	"context"
	"errors"
	"fmt"
	mRand "math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/nike/x25519"
	hpqcrand "github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/mixlink/mixlink/client/config"
	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/crypto/rand"
	"github.com/mixlink/mixlink/core/log"
	"github.com/mixlink/mixlink/core/retry"
	"github.com/mixlink/mixlink/core/sphinx"
	"github.com/mixlink/mixlink/core/sphinx/constants"
	"github.com/mixlink/mixlink/core/sphinx/path"
	"github.com/mixlink/mixlink/core/topology"
	"github.com/mixlink/mixlink/core/topology/boltcache"
	"github.com/mixlink/mixlink/core/utils"
	"github.com/mixlink/mixlink/core/worker"
	"github.com/mixlink/mixlink/directory"
	"github.com/mixlink/mixlink/gateway"
	"github.com/mixlink/mixlink/internal/instrument"
	"github.com/mixlink/mixlink/transport"
)

const (
	receiveQueueLength = 64
	bootstrapAttempts  = 3
	maxReconnectDelay  = time.Minute
)

// ErrNotConnected is returned by Send while the client has no established
// gateway session.
var ErrNotConnected = errors.New("client: not connected to a gateway")

// Client is a mixnet client.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	addr   address.Address
	sphinx *sphinx.Sphinx
	rng    *mRand.Rand
	dir    *directory.Client
	cache  *boltcache.Cache

	topoLock sync.RWMutex
	topo     *topology.NetworkTopology

	sessionLock sync.RWMutex
	session     *gateway.Session

	recvCh   chan []byte
	haltOnce sync.Once
}

// New creates a new client.  No network activity happens until Start.
func New(cfg *config.Config) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		rng:    rand.NewMath(),
		recvCh: make(chan []byte, receiveQueueLength),
	}
	if err := c.initLogging(); err != nil {
		return nil, err
	}

	var err error
	if c.addr, err = cfg.ClientAddress(); err != nil {
		return nil, err
	}
	c.sphinx = sphinx.NewSphinx(x25519.Scheme(hpqcrand.Reader), cfg.Sphinx.Geometry())
	c.dir, err = directory.New(&directory.Config{
		URL:        cfg.Directory.URL,
		Timeout:    time.Duration(cfg.Directory.Timeout) * time.Second,
		NrLayers:   cfg.Sphinx.MixLayers,
		LogBackend: c.logBackend,
	})
	if err != nil {
		return nil, err
	}
	if f := cfg.Directory.CacheFile; f != "" {
		exists, err := utils.Exists(f)
		if err != nil {
			return nil, fmt.Errorf("client: failed to stat topology cache: %w", err)
		}
		if c.cache, err = boltcache.New(f); err != nil {
			return nil, fmt.Errorf("client: failed to open topology cache: %w", err)
		}
		if exists {
			c.log.Debugf("Loaded topology cache: %v", f)
		} else {
			c.log.Debugf("Created topology cache: %v", f)
		}
	}
	if cfg.Debug.MetricsAddress != "" {
		instrument.StartPrometheusListener(cfg.Debug.MetricsAddress, c.logBackend)
	}

	c.log.Noticef("Client address: %v", c.addr)
	return c, nil
}

func (c *Client) initLogging() error {
	f := c.cfg.Logging.File
	if !c.cfg.Logging.Disable && f != "" {
		if !filepath.IsAbs(f) {
			return errors.New("client: log file path must be absolute path")
		}
	}

	var err error
	c.logBackend, err = log.New(f, c.cfg.Logging.Level, c.cfg.Logging.Disable)
	if err == nil {
		c.log = c.logBackend.GetLogger("client")
	}
	return err
}

// GetBackendLog returns the client's logging backend.
func (c *Client) GetBackendLog() *log.Backend {
	return c.logBackend
}

// Address returns the client's address.
func (c *Client) Address() address.Address {
	return c.addr
}

// Geometry returns the Sphinx geometry of the client's packets.
func (c *Client) Geometry() *sphinx.Geometry {
	return c.sphinx.Geometry()
}

// Topology returns the current topology, nil before Start.
func (c *Client) Topology() *topology.NetworkTopology {
	c.topoLock.RLock()
	defer c.topoLock.RUnlock()
	return c.topo
}

// Received returns the channel of messages delivered to the client.  It is
// closed by Shutdown.
func (c *Client) Received() <-chan []byte {
	return c.recvCh
}

// Start obtains a topology and establishes a gateway session, then keeps
// both current in the background.  If the directory is unreachable, the
// cached topology is used when one is available.
func (c *Client) Start(ctx context.Context) error {
	if err := c.bootstrapTopology(ctx); err != nil {
		return err
	}
	s, lost, err := c.connectWithRetry(ctx, bootstrapAttempts)
	if err != nil {
		return err
	}
	c.setSession(s)

	c.Go(func() {
		c.connectWorker(s, lost)
	})
	c.Go(c.refreshWorker)
	return nil
}

// Send wraps message for recipient and hands it to the gateway, through a
// path terminating at a gateway chosen by the configured policy.
func (c *Client) Send(ctx context.Context, recipient address.Address, message []byte) error {
	return c.SendVia(ctx, recipient, nil, message)
}

// SendVia is like Send, but the path terminates at the gateway with the
// given ID, normally the recipient's gateway.
func (c *Client) SendVia(ctx context.Context, recipient address.Address, gatewayID *[constants.NodeIDLength]byte, message []byte) error {
	topo := c.Topology()
	if topo == nil {
		return path.ErrNoRouteAvailable
	}
	var hint *path.Hint
	if gatewayID != nil {
		hint = &path.Hint{Gateway: gatewayID}
	}
	p, pkt, err := buildPacket(c.sphinx, c.rng, topo, hint, c.cfg.PathConfig(), recipient, message)
	if err != nil {
		return err
	}
	if c.log.IsEnabledFor(logging.DEBUG) {
		if route, err := path.ToString(topo, p); err == nil {
			c.log.Debugf("Route: %v", route)
		}
	}
	firstHop := &p[0].ID

	c.sessionLock.RLock()
	s := c.session
	c.sessionLock.RUnlock()
	if s == nil {
		return ErrNotConnected
	}
	if err = s.Send(ctx, firstHop, pkt); err != nil {
		return err
	}
	instrument.PacketSent()
	return nil
}

// Shutdown closes the gateway session and stops the client.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() {
		c.log.Noticef("Starting graceful shutdown.")
		c.Halt()
		if c.cache != nil {
			if err := c.cache.Close(); err != nil {
				c.log.Warningf("Failed to close topology cache: %v", err)
			}
		}
		close(c.recvCh)
		c.log.Noticef("Shutdown complete.")
	})
}

func (c *Client) bootstrapTopology(ctx context.Context) error {
	topo, err := c.fetchTopology(ctx, bootstrapAttempts)
	if err == nil {
		c.setTopology(topo, true)
		return nil
	}
	if c.cache == nil || ctx.Err() != nil {
		return err
	}

	cached, fetchedAt, cErr := c.cache.Get()
	switch {
	case cErr != nil:
		c.log.Warningf("No usable cached topology: %v", cErr)
		return err
	case cached.NrLayers() != c.cfg.Sphinx.MixLayers:
		c.log.Warningf("Cached topology has %d layers, expected %d.", cached.NrLayers(), c.cfg.Sphinx.MixLayers)
		return err
	}
	c.log.Warningf("Directory unreachable (%v), using topology cached at %v.", err, fetchedAt)
	instrument.TopologyRefresh("cached")
	c.setTopology(cached, false)
	return nil
}

func (c *Client) fetchTopology(ctx context.Context, attempts int) (*topology.NetworkTopology, error) {
	var topo *topology.NetworkTopology
	err := retry.Do(ctx, &retry.Config{
		MaxAttempts: attempts,
		Retryable: func(err error) bool {
			return !errors.Is(err, topology.ErrMalformedTopology)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.log.Warningf("Topology fetch failed (attempt %d), retrying in %v: %v", attempt, delay, err)
		},
	}, func(ctx context.Context) error {
		var err error
		topo, err = c.dir.Fetch(ctx)
		return err
	})
	if err != nil {
		instrument.TopologyRefresh("failed")
		return nil, err
	}
	instrument.TopologyRefresh("ok")
	return topo, nil
}

func (c *Client) setTopology(topo *topology.NetworkTopology, persist bool) {
	c.topoLock.Lock()
	c.topo = topo
	c.topoLock.Unlock()
	c.log.Debugf("Topology: %v", topo)

	if persist && c.cache != nil {
		if err := c.cache.Put(topo, time.Now()); err != nil {
			c.log.Warningf("Failed to cache topology: %v", err)
		}
	}
}

func (c *Client) refreshWorker() {
	ctx, cancel := c.haltContext()
	defer cancel()

	t := time.NewTicker(time.Duration(c.cfg.Directory.RefreshInterval) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-c.HaltCh():
			c.log.Debugf("Terminating topology refresh worker.")
			return
		case <-t.C:
		}

		topo, err := c.fetchTopology(ctx, retry.DefaultMaxAttempts)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warningf("Topology refresh failed, keeping current topology: %v", err)
			}
			continue
		}
		c.setTopology(topo, true)
	}
}

func (c *Client) setSession(s *gateway.Session) {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()
	c.session = s
}

// connectWorker replaces the gateway session whenever it is lost.
func (c *Client) connectWorker(s *gateway.Session, lost <-chan struct{}) {
	ctx, cancel := c.haltContext()
	defer cancel()
	defer func() {
		c.setSession(nil)
		if s != nil {
			s.Close()
		}
	}()

	for {
		select {
		case <-c.HaltCh():
			return
		case <-lost:
		}

		c.log.Warningf("Gateway session %v lost, reconnecting.", s.ID())
		c.setSession(nil)
		s.Close()

		var err error
		if s, lost, err = c.connectWithRetry(ctx, -1); err != nil {
			if ctx.Err() == nil {
				c.log.Errorf("Giving up reconnecting: %v", err)
			}
			return
		}
		c.setSession(s)
	}
}

func (c *Client) connectWithRetry(ctx context.Context, attempts int) (*gateway.Session, <-chan struct{}, error) {
	var (
		s    *gateway.Session
		lost <-chan struct{}
	)
	err := retry.Do(ctx, &retry.Config{
		MaxAttempts: attempts,
		MaxDelay:    maxReconnectDelay,
		Retryable: func(err error) bool {
			return !errors.Is(err, ErrNoGatewayAddress)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.log.Warningf("Gateway connection failed (attempt %d), retrying in %v: %v", attempt, delay, err)
		},
	}, func(ctx context.Context) error {
		var err error
		s, lost, err = c.connect(ctx)
		return err
	})
	return s, lost, err
}

// connect dials a gateway and performs the handshake.  The returned
// channel is closed when the session is lost.
func (c *Client) connect(ctx context.Context) (*gateway.Session, <-chan struct{}, error) {
	gwAddr, err := c.gatewayAddress()
	if err != nil {
		return nil, nil, err
	}
	t, dialAddr, err := transport.ForAddress(gwAddr, c.cfg.Gateway.Transport)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoGatewayAddress, err)
	}
	if tcp, ok := t.(*transport.TCP); ok {
		tcp.KeepAlive = time.Duration(c.cfg.Gateway.KeepAlive) * time.Second
	}

	lost := make(chan struct{})
	var lostOnce sync.Once
	s, err := gateway.NewSession(&gateway.Config{
		Address:         c.addr,
		Transport:       t,
		LogBackend:      c.logBackend,
		SendQueueLength: c.cfg.Gateway.SendQueueLength,
		OnMessage:       c.onMessage,
		OnStateChange: func(st gateway.State) {
			instrument.SessionState(st.String())
			if st == gateway.StateDisconnected {
				lostOnce.Do(func() { close(lost) })
			}
		},
	})
	if err != nil {
		return nil, nil, err
	}

	hCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Gateway.HandshakeTimeout)*time.Second)
	defer cancel()
	if err = s.Open(hCtx, dialAddr); err == nil {
		err = s.Handshake(hCtx)
	}
	if err != nil {
		s.Close()
		instrument.HandshakeFailure(handshakeStage(err))
		return nil, nil, err
	}
	c.log.Noticef("Connected to gateway %v, session %v.", dialAddr, s.ID())
	return s, lost, nil
}

func (c *Client) gatewayAddress() (string, error) {
	if c.cfg.Gateway.Address != "" {
		return c.cfg.Gateway.Address, nil
	}
	gateways := c.Topology().Gateways()
	if len(gateways) == 0 {
		return "", ErrNoGatewayAddress
	}
	gw := gateways[0]
	if c.cfg.Gateway.Policy() == path.PolicyRandom {
		gw = gateways[c.rng.Intn(len(gateways))]
	}
	c.log.Debugf("Selected gateway: %v", gw)
	return gw.ClientListener, nil
}

func (c *Client) onMessage(b []byte) {
	msg, err := c.sphinx.Geometry().DecodePayload(b)
	if err != nil {
		c.log.Warningf("Dropping undecodable payload: %v", err)
		return
	}
	instrument.PacketReceived()
	select {
	case c.recvCh <- msg:
	default:
		c.log.Warningf("Receive queue full, dropping message.")
	}
}

func (c *Client) haltContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func handshakeStage(err error) string {
	switch {
	case errors.Is(err, gateway.ErrConnectionLost):
		return "transport"
	case errors.Is(err, gateway.ErrRegistrationFailed):
		return "register"
	case errors.Is(err, gateway.ErrAuthenticationFailed):
		return "authenticate"
	default:
		return "other"
	}
}
