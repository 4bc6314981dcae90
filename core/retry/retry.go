// retry.go - Retry logic with exponential backoff.
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

// Package retry provides retry logic with exponential backoff for the
// network operations of the client, directory fetches and gateway dials.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"time"

	"github.com/mixlink/mixlink/core/crypto/rand"
)

const (
	// DefaultMaxAttempts is the default maximum number of attempts.
	DefaultMaxAttempts = 10

	// DefaultBaseDelay is the default delay before the first retry.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}

	return time.Duration(delay)
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  This includes network timeouts, connection refused, connection
// reset, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"eof",
		"broken pipe",
		"connection closed",
	} {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}

// Config is a retry policy.  Zero fields take the package defaults.
type Config struct {
	// MaxAttempts is the maximum number of calls, negative for unlimited.
	MaxAttempts int

	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	// Retryable decides whether an error is worth another attempt,
	// IsTransientError if nil.
	Retryable func(error) bool

	// OnRetry, if set, is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (cfg *Config) fixup() Config {
	c := *cfg
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Jitter == 0 {
		c.Jitter = DefaultJitter
	}
	if c.Retryable == nil {
		c.Retryable = IsTransientError
	}
	return c
}

// Do calls fn until it succeeds, fails with an error the policy does not
// retry, the attempts are exhausted, or ctx is done.  The last error fn
// returned is returned.
func Do(ctx context.Context, cfg *Config, fn func(context.Context) error) error {
	if cfg == nil {
		cfg = new(Config)
	}
	c := cfg.fixup()

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !c.Retryable(err) {
			return err
		}
		if c.MaxAttempts > 0 && attempt+1 >= c.MaxAttempts {
			return err
		}

		delay := Delay(c.BaseDelay, c.MaxDelay, c.Jitter, attempt)
		if c.OnRetry != nil {
			c.OnRetry(attempt+1, err, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
