// retry_test.go - Tests for retry logic.
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

package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		d0 := Delay(baseDelay, maxDelay, 0, 0)
		require.Equal(100*time.Millisecond, d0)

		d1 := Delay(baseDelay, maxDelay, 0, 1)
		require.Equal(200*time.Millisecond, d1)

		d2 := Delay(baseDelay, maxDelay, 0, 2)
		require.Equal(400*time.Millisecond, d2)

		d3 := Delay(baseDelay, maxDelay, 0, 3)
		require.Equal(800*time.Millisecond, d3)
	})

	t.Run("max delay cap", func(t *testing.T) {
		d10 := Delay(baseDelay, maxDelay, 0, 10)
		require.Equal(maxDelay, d10)
	})

	t.Run("jitter range", func(t *testing.T) {
		jitter := 0.2
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, jitter, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

// netErr implements net.Error.
type netErr struct {
	timeout bool
	msg     string
}

func (e *netErr) Error() string   { return e.msg }
func (e *netErr) Timeout() bool   { return e.timeout }
func (e *netErr) Temporary() bool { return false }

func TestIsTransientError(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		err       error
		transient bool
	}{
		{nil, false},
		{errors.New("dial tcp 127.0.0.1:8080: connect: connection refused"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("i/o timeout"), true},
		{io.EOF, true},
		{fmt.Errorf("gateway: %w", io.ErrUnexpectedEOF), true},
		{&netErr{timeout: true, msg: "operation timed out"}, true},
		{fmt.Errorf("directory: fetch failed: %w", &netErr{timeout: true, msg: "deadline"}), true},
		{&netErr{msg: "permanent failure"}, false},
		{errors.New("invalid certificate"), false},
		{errors.New("authentication failed"), false},
	} {
		require.Equal(t, tc.transient, IsTransientError(tc.err), "%v", tc.err)
	}
}

func TestDo(t *testing.T) {
	require := require.New(t)

	fast := func() *Config {
		return &Config{
			BaseDelay: time.Millisecond,
			MaxDelay:  5 * time.Millisecond,
		}
	}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls, retries int
		cfg := fast()
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			retries++
			require.Equal(retries, attempt)
			require.LessOrEqual(delay, 6*time.Millisecond)
		}
		err := Do(context.Background(), cfg, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(err)
		require.Equal(3, calls)
		require.Equal(2, retries)
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		var calls int
		permanent := errors.New("invalid certificate")
		err := Do(context.Background(), fast(), func(context.Context) error {
			calls++
			return permanent
		})
		require.ErrorIs(err, permanent)
		require.Equal(1, calls)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		var calls int
		cfg := fast()
		cfg.MaxAttempts = 4
		err := Do(context.Background(), cfg, func(context.Context) error {
			calls++
			return io.ErrUnexpectedEOF
		})
		require.ErrorIs(err, io.ErrUnexpectedEOF)
		require.Equal(4, calls)
	})

	t.Run("custom classifier", func(t *testing.T) {
		var calls int
		sentinel := errors.New("try again")
		cfg := fast()
		cfg.MaxAttempts = 2
		cfg.Retryable = func(err error) bool { return errors.Is(err, sentinel) }
		err := Do(context.Background(), cfg, func(context.Context) error {
			calls++
			return sentinel
		})
		require.ErrorIs(err, sentinel)
		require.Equal(2, calls)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := &Config{
			MaxAttempts: -1,
			BaseDelay:   time.Hour,
			MaxDelay:    time.Hour,
			OnRetry: func(int, error, time.Duration) {
				cancel()
			},
		}
		err := Do(ctx, cfg, func(context.Context) error {
			return errors.New("connection reset by peer")
		})
		require.Error(err)
		require.Contains(err.Error(), "connection reset")
	})
}

func TestDefaultConstants(t *testing.T) {
	require := require.New(t)

	require.Equal(10, DefaultMaxAttempts)
	require.Equal(500*time.Millisecond, DefaultBaseDelay)
	require.Equal(10*time.Second, DefaultMaxDelay)
	require.Equal(0.2, DefaultJitter)
}

var _ net.Error = (*netErr)(nil)
