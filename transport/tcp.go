// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"net"
	"time"
)

const defaultKeepAlive = 30 * time.Second

// TCP is the length prefixed framing over plain TCP.
type TCP struct {
	// KeepAlive is the TCP keep-alive period, zero selects a default.
	KeepAlive time.Duration
}

// Name implements Transport.
func (t *TCP) Name() string {
	return "tcp"
}

// Dial implements Transport.  address is host:port.
func (t *TCP) Dial(ctx context.Context, address string) (Conn, error) {
	keepAlive := t.KeepAlive
	if keepAlive == 0 {
		keepAlive = defaultKeepAlive
	}
	dialer := net.Dialer{KeepAlive: keepAlive}
	c, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(c, c.RemoteAddr().String()), nil
}

type tcpListener struct {
	l net.Listener
}

// ListenTCP listens for framed TCP connections on address.
func ListenTCP(address string) (Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &tcpListener{l: l}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.l.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.c != nil {
				r.c.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return NewStreamConn(r.c, r.c.RemoteAddr().String()), nil
	}
}

func (l *tcpListener) Addr() string {
	return l.l.Addr().String()
}

func (l *tcpListener) Close() error {
	return l.l.Close()
}
