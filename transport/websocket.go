// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/net/websocket"
)

// WebSocket uses native WebSocket text and binary frames, the transport
// gateways expose to browser clients.
type WebSocket struct {
	// Origin is sent in the opening handshake, it defaults to the
	// target URL with an http(s) scheme.
	Origin string
}

// Name implements Transport.
func (t *WebSocket) Name() string {
	return "ws"
}

// Dial implements Transport.  address is a ws:// or wss:// URL.
func (t *WebSocket) Dial(ctx context.Context, address string) (Conn, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}
	origin := t.Origin
	if origin == "" {
		o := *u
		o.Path = ""
		o.RawQuery = ""
		switch u.Scheme {
		case "wss":
			o.Scheme = "https"
		default:
			o.Scheme = "http"
		}
		origin = o.String()
	}
	cfg, err := websocket.NewConfig(address, origin)
	if err != nil {
		return nil, err
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws, u.Host), nil
}

// frameCodec carries Frames, mapping Kind to the WebSocket opcode.
var frameCodec = websocket.Codec{
	Marshal: func(v any) ([]byte, byte, error) {
		f, ok := v.(*Frame)
		if !ok {
			return nil, 0, fmt.Errorf("transport: can not marshal %T", v)
		}
		switch f.Kind {
		case FrameText:
			return f.Payload, websocket.TextFrame, nil
		case FrameBinary:
			return f.Payload, websocket.BinaryFrame, nil
		default:
			return nil, 0, errInvalidFrameKind
		}
	},
	Unmarshal: func(data []byte, payloadType byte, v any) error {
		f, ok := v.(*Frame)
		if !ok {
			return fmt.Errorf("transport: can not unmarshal into %T", v)
		}
		switch payloadType {
		case websocket.TextFrame:
			f.Kind = FrameText
		case websocket.BinaryFrame:
			f.Kind = FrameBinary
		default:
			return errInvalidFrameKind
		}
		f.Payload = data
		return nil
	},
}

type wsConn struct {
	ws     *websocket.Conn
	remote string

	rMu sync.Mutex
	wMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newWSConn(ws *websocket.Conn, remote string) *wsConn {
	ws.MaxPayloadBytes = MaxFrameLength
	return &wsConn{
		ws:     ws,
		remote: remote,
		closed: make(chan struct{}),
	}
}

func (c *wsConn) ReadFrame() (*Frame, error) {
	c.rMu.Lock()
	defer c.rMu.Unlock()

	f := new(Frame)
	if err := frameCodec.Receive(c.ws, f); err != nil {
		if errors.Is(err, websocket.ErrFrameTooLarge) {
			return nil, ErrFrameTooLarge
		}
		return nil, c.mapErr(err)
	}
	return f, nil
}

func (c *wsConn) WriteFrame(f *Frame) error {
	if len(f.Payload) > MaxFrameLength {
		return ErrFrameTooLarge
	}

	c.wMu.Lock()
	defer c.wMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.mapErr(frameCodec.Send(c.ws, f))
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) mapErr(err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

// WebSocketHandler returns an http.Handler that upgrades requests and
// passes each connection to fn.  The connection is closed when fn returns,
// so fn must not return until it is done with it.
func WebSocketHandler(fn func(Conn)) http.Handler {
	return websocket.Server{
		Handler: func(ws *websocket.Conn) {
			c := newWSConn(ws, ws.Request().RemoteAddr)
			defer c.Close()
			fn(c)
		},
	}
}
