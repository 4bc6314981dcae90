// quic.go - QUIC framed transport.
// Copyright (C) 2023  Masala.
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

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// QUIC carries the length prefixed framing over a single bidirectional
// QUIC stream.  Gateways present self-signed certificates, endpoint
// authentication is left to the Sphinx layer.
type QUIC struct {
	// TLSConfig overrides the client TLS configuration.
	TLSConfig *tls.Config

	// Config is the optional quic-go configuration.
	Config *quic.Config
}

// Name implements Transport.
func (t *QUIC) Name() string {
	return "quic"
}

// Dial implements Transport.  address is host:port.
func (t *QUIC) Dial(ctx context.Context, address string) (Conn, error) {
	tlsConf := t.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{http3.NextProtoH3},
		}
	}
	qc, err := quic.DialAddr(ctx, address, tlsConf, t.Config)
	if err != nil {
		return nil, err
	}
	s, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(0, "")
		return nil, err
	}
	return NewStreamConn(&quicStream{conn: qc, stream: s}, qc.RemoteAddr().String()), nil
}

// quicStream wraps a conn and a single stream.
type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
}

func (q *quicStream) Read(b []byte) (int, error) {
	return q.stream.Read(b)
}

func (q *quicStream) Write(b []byte) (int, error) {
	return q.stream.Write(b)
}

// Close closes the stream and the connection carrying it.
func (q *quicStream) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.stream.CancelRead(0)
		err = q.stream.Close()
		if cerr := q.conn.CloseWithError(0, ""); err == nil {
			err = cerr
		}
	})
	return err
}

type quicListener struct {
	l *quic.Listener
}

// ListenQUIC listens for framed QUIC connections on address.  A nil
// tlsConf uses a freshly generated self-signed certificate.
func ListenQUIC(address string, tlsConf *tls.Config) (Listener, error) {
	if tlsConf == nil {
		tlsConf = GenerateTLSConfig()
	}
	l, err := quic.ListenAddr(address, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return &quicListener{l: l}, nil
}

// Accept waits for a connection and its first stream.  The stream is
// only visible once the peer has written to it.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	qc, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	s, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(0, "")
		return nil, err
	}
	return NewStreamConn(&quicStream{conn: qc, stream: s}, qc.RemoteAddr().String()), nil
}

func (l *quicListener) Addr() string {
	return l.l.Addr().String()
}

func (l *quicListener) Close() error {
	return l.l.Close()
}

// GenerateTLSConfig sets up a bare-bones TLS config for the server.
func GenerateTLSConfig() *tls.Config {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		panic(err)
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	// ALPN (NextProtos) is externally visible as part of the QUIC TLS
	// handshake, so pick a common protocol rather than something
	// uniquely fingerprintable.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}
}
