// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package testnet

import (
	"encoding/hex"
	"sync"

	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/sphinx"
	"github.com/mixlink/mixlink/gateway"
	"github.com/mixlink/mixlink/transport"
)

// Delivery is a packet that made it through the network.
type Delivery struct {
	Recipient address.Address
	Message   []byte
}

// Gateway is a minimal gateway for the network.  It registers and
// authenticates any client, walks every packet it is handed through the
// mixes, and delivers the result to the recipient if it is connected.
type Gateway struct {
	sync.Mutex

	net    *Network
	sphinx *sphinx.Sphinx

	conns      map[transport.Conn]struct{}
	clients    map[address.Address]transport.Conn
	deliveries chan *Delivery
}

// NewGateway creates a gateway for n.
func (n *Network) NewGateway(s *sphinx.Sphinx) *Gateway {
	return &Gateway{
		net:        n,
		sphinx:     s,
		conns:      make(map[transport.Conn]struct{}),
		clients:    make(map[address.Address]transport.Conn),
		deliveries: make(chan *Delivery, 64),
	}
}

// Deliveries returns every packet the gateway processed.
func (g *Gateway) Deliveries() <-chan *Delivery {
	return g.deliveries
}

// Serve runs the gateway side of the session protocol on conn until the
// client goes away.
func (g *Gateway) Serve(conn transport.Conn) {
	var registered address.Address
	g.Lock()
	g.conns[conn] = struct{}{}
	g.Unlock()
	defer func() {
		g.Lock()
		delete(g.conns, conn)
		if g.clients[registered] == conn {
			delete(g.clients, registered)
		}
		g.Unlock()
	}()

	reply := func(m gateway.Message) bool {
		f, err := m.Frame()
		if err != nil {
			return false
		}
		return conn.WriteFrame(f) == nil
	}

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return
		}
		msg, err := gateway.DecodeRequest(f)
		if err != nil {
			if !reply(&gateway.ErrorResponse{Message: err.Error()}) {
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *gateway.Register:
			addr, err := address.FromString(m.Address)
			if err != nil {
				reply(&gateway.RegisterResponse{Status: false})
				return
			}
			registered = addr
			if !reply(&gateway.RegisterResponse{Status: true, Token: tokenFor(addr)}) {
				return
			}
		case *gateway.Authenticate:
			if m.Address != registered.String() || m.Token != tokenFor(registered) {
				reply(&gateway.ErrorResponse{Message: "invalid token"})
				return
			}
			g.Lock()
			g.clients[registered] = conn
			g.Unlock()
			if !reply(&gateway.AuthenticateResponse{Status: true, BandwidthRemaining: 1 << 30}) {
				return
			}
		case *gateway.Send:
			g.forward(m)
		}
	}
}

// DropClients closes every client connection.
func (g *Gateway) DropClients() {
	g.Lock()
	defer g.Unlock()
	for conn := range g.conns {
		conn.Close()
	}
}

func (g *Gateway) forward(m *gateway.Send) {
	recipient, msg, err := g.net.Walk(g.sphinx, &m.NextHop, m.Packet)
	if err != nil {
		return
	}
	select {
	case g.deliveries <- &Delivery{Recipient: recipient, Message: msg}:
	default:
	}

	g.Lock()
	conn, ok := g.clients[recipient]
	g.Unlock()
	if !ok {
		return
	}
	payload, err := g.sphinx.Geometry().EncodePayload(msg)
	if err != nil {
		return
	}
	f, _ := (&gateway.DataFrame{Payload: payload}).Frame()
	conn.WriteFrame(f)
}

func tokenFor(addr address.Address) string {
	return hex.EncodeToString(addr[:8])
}
