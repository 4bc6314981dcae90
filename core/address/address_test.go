// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package address

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressText(t *testing.T) {
	t.Parallel()

	a, err := NewRandom(bytes.NewReader(bytes.Repeat([]byte{0xa5}, Size)))
	require.NoError(t, err)
	require.False(t, a.IsZero())

	s := a.String()
	b, err := FromString(s)
	require.NoError(t, err)
	require.Equal(t, a, b)

	var c Address
	require.NoError(t, c.UnmarshalText([]byte(s)))
	require.Equal(t, a, c)
}

func TestAddressInvalid(t *testing.T) {
	t.Parallel()

	_, err := FromString("0OIl")
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = FromString("2NEpo7TZRRrLZSi2U")
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = NewRandom(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
}
