// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/mixlink/mixlink/core/sphinx/constants"
	"github.com/mixlink/mixlink/transport"
)

const (
	typeRegister     = "register"
	typeAuthenticate = "authenticate"
	typeSend         = "send"
	typeError        = "error"
)

// Message is a gateway protocol message.  Control messages travel as JSON
// in text frames, Sphinx traffic travels in binary frames.
type Message interface {
	// Frame serializes the message.
	Frame() (*transport.Frame, error)
}

// Register asks the gateway to register the client address.
type Register struct {
	Address string
}

func (m *Register) Frame() (*transport.Frame, error) {
	return textFrame(&struct {
		Type    string `json:"type"`
		Address string `json:"address"`
	}{typeRegister, m.Address})
}

// Authenticate proves possession of a token previously issued to Address.
type Authenticate struct {
	Address string
	Token   string
}

func (m *Authenticate) Frame() (*transport.Frame, error) {
	return textFrame(&struct {
		Type    string `json:"type"`
		Address string `json:"address"`
		Token   string `json:"token"`
	}{typeAuthenticate, m.Address, m.Token})
}

// Send hands a Sphinx packet to the gateway for forwarding to NextHop.
type Send struct {
	NextHop [constants.NodeIDLength]byte
	Packet  []byte
}

func (m *Send) Frame() (*transport.Frame, error) {
	b := make([]byte, 0, constants.NodeIDLength+len(m.Packet))
	b = append(b, m.NextHop[:]...)
	b = append(b, m.Packet...)
	return &transport.Frame{Kind: transport.FrameBinary, Payload: b}, nil
}

// DataFrame is a payload the gateway delivers to the client.
type DataFrame struct {
	Payload []byte
}

func (m *DataFrame) Frame() (*transport.Frame, error) {
	return &transport.Frame{Kind: transport.FrameBinary, Payload: m.Payload}, nil
}

// RegisterResponse acknowledges a Register, issuing a token on success.
type RegisterResponse struct {
	Status bool
	Token  string
}

func (m *RegisterResponse) Frame() (*transport.Frame, error) {
	return textFrame(&struct {
		Type   string `json:"type"`
		Status bool   `json:"status"`
		Token  string `json:"token,omitempty"`
	}{typeRegister, m.Status, m.Token})
}

// AuthenticateResponse acknowledges an Authenticate.  A non-empty Token
// renews the client's token.
type AuthenticateResponse struct {
	Status             bool
	Token              string
	BandwidthRemaining int64
}

func (m *AuthenticateResponse) Frame() (*transport.Frame, error) {
	return textFrame(&struct {
		Type               string `json:"type"`
		Status             bool   `json:"status"`
		Token              string `json:"token,omitempty"`
		BandwidthRemaining int64  `json:"bandwidthRemaining,omitempty"`
	}{typeAuthenticate, m.Status, m.Token, m.BandwidthRemaining})
}

// SendResponse acknowledges forwarded traffic.
type SendResponse struct {
	RemainingBandwidth int64
}

func (m *SendResponse) Frame() (*transport.Frame, error) {
	return textFrame(&struct {
		Type               string `json:"type"`
		RemainingBandwidth int64  `json:"remainingBandwidth"`
	}{typeSend, m.RemainingBandwidth})
}

// ErrorResponse reports a gateway side failure.
type ErrorResponse struct {
	Message string
}

func (m *ErrorResponse) Frame() (*transport.Frame, error) {
	return textFrame(&struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{typeError, m.Message})
}

func textFrame(v any) (*transport.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &transport.Frame{Kind: transport.FrameText, Payload: b}, nil
}

// controlJSON is the union of every control message's fields.
type controlJSON struct {
	Type               string `json:"type"`
	Address            string `json:"address"`
	Token              string `json:"token"`
	Status             *bool  `json:"status"`
	Message            string `json:"message"`
	BandwidthRemaining int64  `json:"bandwidthRemaining"`
	RemainingBandwidth int64  `json:"remainingBandwidth"`
}

func decodeControl(f *transport.Frame) (*controlJSON, error) {
	c := new(controlJSON)
	if err := json.Unmarshal(f.Payload, c); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	return c, nil
}

// DecodeRequest decodes a client to gateway frame.
func DecodeRequest(f *transport.Frame) (Message, error) {
	switch f.Kind {
	case transport.FrameBinary:
		if len(f.Payload) < constants.NodeIDLength {
			return nil, fmt.Errorf("%w: truncated send", errInvalidMessage)
		}
		m := &Send{Packet: f.Payload[constants.NodeIDLength:]}
		copy(m.NextHop[:], f.Payload)
		return m, nil
	case transport.FrameText:
	default:
		return nil, fmt.Errorf("%w: frame kind %v", errInvalidMessage, f.Kind)
	}

	c, err := decodeControl(f)
	if err != nil {
		return nil, err
	}
	switch c.Type {
	case typeRegister:
		return &Register{Address: c.Address}, nil
	case typeAuthenticate:
		return &Authenticate{Address: c.Address, Token: c.Token}, nil
	default:
		return nil, fmt.Errorf("%w: unknown request type '%v'", errInvalidMessage, c.Type)
	}
}

// DecodeResponse decodes a gateway to client frame.
func DecodeResponse(f *transport.Frame) (Message, error) {
	switch f.Kind {
	case transport.FrameBinary:
		return &DataFrame{Payload: f.Payload}, nil
	case transport.FrameText:
	default:
		return nil, fmt.Errorf("%w: frame kind %v", errInvalidMessage, f.Kind)
	}

	c, err := decodeControl(f)
	if err != nil {
		return nil, err
	}
	switch c.Type {
	case typeRegister, typeAuthenticate:
		if c.Status == nil {
			return nil, fmt.Errorf("%w: %v response without status", errInvalidMessage, c.Type)
		}
		if c.Type == typeRegister {
			return &RegisterResponse{Status: *c.Status, Token: c.Token}, nil
		}
		return &AuthenticateResponse{Status: *c.Status, Token: c.Token, BandwidthRemaining: c.BandwidthRemaining}, nil
	case typeSend:
		return &SendResponse{RemainingBandwidth: c.RemainingBandwidth}, nil
	case typeError:
		return &ErrorResponse{Message: c.Message}, nil
	default:
		return nil, fmt.Errorf("%w: unknown response type '%v'", errInvalidMessage, c.Type)
	}
}
