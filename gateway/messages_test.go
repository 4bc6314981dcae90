// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mixlink/mixlink/transport"
)

func TestRequestWireFormat(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f, err := (&Register{Address: "4QkXxy8p"}).Frame()
	require.NoError(err)
	require.Equal(transport.FrameText, f.Kind)
	require.Equal(`{"type":"register","address":"4QkXxy8p"}`, string(f.Payload))

	f, err = (&Authenticate{Address: "4QkXxy8p", Token: "s3cr3t"}).Frame()
	require.NoError(err)
	require.Equal(transport.FrameText, f.Kind)
	require.Equal(`{"type":"authenticate","address":"4QkXxy8p","token":"s3cr3t"}`, string(f.Payload))

	m := &Send{Packet: []byte{0xde, 0xad}}
	m.NextHop[0], m.NextHop[31] = 0x01, 0xff
	f, err = m.Frame()
	require.NoError(err)
	require.Equal(transport.FrameBinary, f.Kind)
	require.Len(f.Payload, 34)
	require.Equal(m.NextHop[:], f.Payload[:32])
	require.Equal([]byte{0xde, 0xad}, f.Payload[32:])
}

func TestDecodeRequest(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	reqs := []Message{
		&Register{Address: "a"},
		&Authenticate{Address: "a", Token: "t"},
		&Send{NextHop: [32]byte{7}, Packet: bytes.Repeat([]byte{1}, 16)},
	}
	for _, r := range reqs {
		f, err := r.Frame()
		require.NoError(err)
		m, err := DecodeRequest(f)
		require.NoError(err)
		require.Equal(r, m)
	}

	_, err := DecodeRequest(&transport.Frame{Kind: transport.FrameBinary, Payload: make([]byte, 31)})
	require.ErrorIs(err, errInvalidMessage)
	_, err = DecodeRequest(&transport.Frame{Kind: transport.FrameText, Payload: []byte(`{"type":"send"}`)})
	require.ErrorIs(err, errInvalidMessage)
	_, err = DecodeRequest(&transport.Frame{Kind: transport.FrameText, Payload: []byte(`nope`)})
	require.ErrorIs(err, errInvalidMessage)
}

func TestDecodeResponse(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	decode := func(s string) (Message, error) {
		return DecodeResponse(&transport.Frame{Kind: transport.FrameText, Payload: []byte(s)})
	}

	m, err := decode(`{"type":"register","status":true,"token":"abc"}`)
	require.NoError(err)
	require.Equal(&RegisterResponse{Status: true, Token: "abc"}, m)

	m, err = decode(`{"type":"register","status":false}`)
	require.NoError(err)
	require.Equal(&RegisterResponse{}, m)

	m, err = decode(`{"type":"authenticate","status":true,"bandwidthRemaining":1048576}`)
	require.NoError(err)
	require.Equal(&AuthenticateResponse{Status: true, BandwidthRemaining: 1048576}, m)

	m, err = decode(`{"type":"send","remainingBandwidth":12}`)
	require.NoError(err)
	require.Equal(&SendResponse{RemainingBandwidth: 12}, m)

	m, err = decode(`{"type":"error","message":"out of bandwidth"}`)
	require.NoError(err)
	require.Equal(&ErrorResponse{Message: "out of bandwidth"}, m)

	_, err = decode(`{"type":"register","token":"abc"}`)
	require.ErrorIs(err, errInvalidMessage, "status is required")
	_, err = decode(`{"type":"selfDescribingBandwidth"}`)
	require.ErrorIs(err, errInvalidMessage)

	m, err = DecodeResponse(&transport.Frame{Kind: transport.FrameBinary, Payload: []byte("hi")})
	require.NoError(err)
	require.Equal(&DataFrame{Payload: []byte("hi")}, m)

	_, err = DecodeResponse(&transport.Frame{Kind: transport.FrameKind(9)})
	require.ErrorIs(err, errInvalidMessage)
}

func TestRejectedError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	err := error(&RejectedError{Err: ErrAuthenticationFailed, Message: "bad token"})
	require.ErrorIs(err, ErrAuthenticationFailed)
	require.Equal("gateway: authentication failed: rejected by gateway: bad token", err.Error())
	require.Equal("gateway: registration failed: rejected by gateway", (&RejectedError{Err: ErrRegistrationFailed}).Error())
}
