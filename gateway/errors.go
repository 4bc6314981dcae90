// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistrationFailed is returned when the Register exchange fails,
	// either because the gateway rejected it or the transport failed.
	ErrRegistrationFailed = errors.New("gateway: registration failed")

	// ErrAuthenticationFailed is returned when the Authenticate exchange
	// fails.
	ErrAuthenticationFailed = errors.New("gateway: authentication failed")

	// ErrConnectionLost is returned when the transport fails.  Packets
	// queued but not yet written are failed with it.
	ErrConnectionLost = errors.New("gateway: connection lost")

	// ErrInvalidState is returned when an operation is not permitted in
	// the session's current state, such as Send during the handshake.
	ErrInvalidState = errors.New("gateway: invalid session state")

	// ErrSessionClosed is returned by operations on a session that has
	// been torn down.
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrNoNextHop is returned by Send when no first hop is given.
	ErrNoNextHop = errors.New("gateway: no next hop")

	errInvalidMessage = errors.New("gateway: invalid message")
)

// RejectedError is returned when the gateway explicitly rejects a handshake
// step.  It unwraps to ErrRegistrationFailed or ErrAuthenticationFailed.
type RejectedError struct {
	// Err is the handshake stage sentinel.
	Err error

	// Message is the gateway supplied reason, if any.
	Message string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v: rejected by gateway", e.Err)
	}
	return fmt.Sprintf("%v: rejected by gateway: %v", e.Err, e.Message)
}

// Unwrap returns the handshake stage sentinel.
func (e *RejectedError) Unwrap() error {
	return e.Err
}
