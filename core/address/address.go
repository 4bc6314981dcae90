// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package address implements the client and recipient addresses used on the
// gateway wire protocol and inside the final Sphinx routing command.
package address

import (
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58"

	"github.com/mixlink/mixlink/core/sphinx/constants"
)

// Size is the length of an Address in bytes.
const Size = constants.RecipientIDLength

// ErrInvalidAddress is returned when an address fails to decode.
var ErrInvalidAddress = errors.New("address: invalid address")

// Address is a client destination address.  Its text form is base58.
type Address [Size]byte

// String returns the base58 encoding of the address.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	b, err := FromString(string(text))
	if err != nil {
		return err
	}
	*a = b
	return nil
}

// IsZero returns true iff the address is all zero bytes.
func (a Address) IsZero() bool {
	return a == Address{}
}

// FromString decodes a base58 address.
func FromString(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != Size {
		return a, fmt.Errorf("%w: length %d, expected %d", ErrInvalidAddress, len(raw), Size)
	}
	copy(a[:], raw)
	return a, nil
}

// NewRandom returns an address sampled from r.
func NewRandom(r io.Reader) (Address, error) {
	var a Address
	if _, err := io.ReadFull(r, a[:]); err != nil {
		return a, err
	}
	return a, nil
}
