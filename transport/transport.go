// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the ordered, reliable, frame oriented
// connections gateway sessions run over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// MaxFrameLength is the largest frame payload any transport will send or
// accept.
const MaxFrameLength = 1 << 20

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameLength.
	ErrFrameTooLarge = errors.New("transport: frame too large")

	errInvalidFrameKind = errors.New("transport: invalid frame kind")
)

// FrameKind distinguishes textual control frames from binary data frames.
type FrameKind uint8

const (
	// FrameText is a UTF-8 text frame.
	FrameText FrameKind = 1

	// FrameBinary is a binary frame.
	FrameBinary FrameKind = 2
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return fmt.Sprintf("[unknown frame kind: %d]", uint8(k))
	}
}

// Frame is a single message on a connection.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Conn is a framed connection.  ReadFrame and WriteFrame may be called
// concurrently with each other, but not with themselves.
type Conn interface {
	// ReadFrame blocks until the next frame arrives.  It returns io.EOF or
	// ErrClosed once the connection is closed.
	ReadFrame() (*Frame, error)

	// WriteFrame returns after the frame has been handed to the network.
	WriteFrame(*Frame) error

	// RemoteAddr returns the peer's address.
	RemoteAddr() string

	// Close closes the connection, unblocking any pending ReadFrame.
	Close() error
}

// Transport dials framed connections.
type Transport interface {
	// Name returns the URL scheme the transport is registered under.
	Name() string

	// Dial connects to address.  The address format is transport
	// specific, see ForAddress.
	Dial(ctx context.Context, address string) (Conn, error)
}

// Listener accepts framed connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// ForScheme returns the transport registered under the scheme name.
func ForScheme(name string) (Transport, error) {
	switch strings.ToLower(name) {
	case "ws", "wss":
		return &WebSocket{}, nil
	case "tcp":
		return &TCP{}, nil
	case "quic":
		return &QUIC{}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported transport '%v'", name)
	}
}

// ForAddress picks a transport for address, returning it along with the
// address to pass to Dial.  Addresses without a scheme, such as the bare
// host:port client listeners directories publish, use defaultScheme.
func ForAddress(address, defaultScheme string) (Transport, string, error) {
	if !strings.Contains(address, "://") {
		address = defaultScheme + "://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, "", fmt.Errorf("transport: invalid address '%v': %w", address, err)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("transport: address '%v' has no host", address)
	}
	t, err := ForScheme(u.Scheme)
	if err != nil {
		return nil, "", err
	}
	switch t.(type) {
	case *WebSocket:
		return t, u.String(), nil
	default:
		return t, u.Host, nil
	}
}
