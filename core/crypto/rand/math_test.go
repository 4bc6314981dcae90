// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package rand

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministicMath(t *testing.T) {
	t.Parallel()

	var seed [seedSize]byte
	seed[0] = 0x42

	a := NewDeterministicMath(&seed)
	b := NewDeterministicMath(&seed)
	for i := 0; i < 200; i++ {
		// Enough draws to cross several feed forward boundaries.
		require.Equal(t, a.Int63(), b.Int63())
	}
}

func TestNewMathConcurrent(t *testing.T) {
	t.Parallel()

	r := NewMath()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				n := r.Intn(5)
				if n < 0 || n >= 5 {
					panic("Intn out of range")
				}
			}
		}()
	}
	wg.Wait()
}

func TestExp(t *testing.T) {
	t.Parallel()

	r := NewMath()
	const lambda = 0.01
	var sum float64
	const n = 20000
	for i := 0; i < n; i++ {
		v := Exp(r, lambda)
		require.GreaterOrEqual(t, v, 0.0)
		sum += v
	}
	mean := sum / n
	require.InDelta(t, 1/lambda, mean, 10.0)

	require.Panics(t, func() { Exp(r, 0) })
}

func TestExpQuantile(t *testing.T) {
	t.Parallel()

	require.InDelta(t, math.Ln2/0.5, ExpQuantile(0.5, 0.5), 1e-9)
	require.Panics(t, func() { ExpQuantile(0.5, 1.0) })
}
