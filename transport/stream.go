// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
)

const frameHeaderLength = 1 + 4

// streamConn frames a byte stream as kind(1) || length(4) || payload, with
// the length in network byte order.
type streamConn struct {
	rwc    io.ReadWriteCloser
	remote string

	rMu sync.Mutex
	r   *bufio.Reader

	wMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewStreamConn wraps an ordered, reliable byte stream such as a TCP
// connection, a QUIC stream or one half of a net.Pipe as a Conn.
func NewStreamConn(rwc io.ReadWriteCloser, remoteAddr string) Conn {
	return &streamConn{
		rwc:    rwc,
		remote: remoteAddr,
		r:      bufio.NewReader(rwc),
		closed: make(chan struct{}),
	}
}

func (c *streamConn) ReadFrame() (*Frame, error) {
	c.rMu.Lock()
	defer c.rMu.Unlock()

	var hdr [frameHeaderLength]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, c.mapErr(err)
	}
	kind := FrameKind(hdr[0])
	if kind != FrameText && kind != FrameBinary {
		return nil, errInvalidFrameKind
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}
	f := &Frame{Kind: kind, Payload: make([]byte, n)}
	if _, err := io.ReadFull(c.r, f.Payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, c.mapErr(err)
	}
	return f, nil
}

func (c *streamConn) WriteFrame(f *Frame) error {
	if f.Kind != FrameText && f.Kind != FrameBinary {
		return errInvalidFrameKind
	}
	if len(f.Payload) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	b := make([]byte, frameHeaderLength, frameHeaderLength+len(f.Payload))
	b[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(b[1:], uint32(len(f.Payload)))
	b = append(b, f.Payload...)

	c.wMu.Lock()
	defer c.wMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	_, err := c.rwc.Write(b)
	return c.mapErr(err)
}

func (c *streamConn) RemoteAddr() string {
	return c.remote
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

func (c *streamConn) mapErr(err error) error {
	if err == nil {
		return nil
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}
