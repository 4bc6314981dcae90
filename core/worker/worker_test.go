// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	t.Parallel()

	var w Worker
	var stopped atomic.Int32
	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			stopped.Add(1)
		})
	}
	require.False(t, w.IsHalted())

	w.Halt()
	require.True(t, w.IsHalted())
	require.Equal(t, int32(4), stopped.Load())

	// A second Halt must not panic on the closed channel.
	w.Halt()
}

func TestWorkerSignalFromInside(t *testing.T) {
	t.Parallel()

	var w Worker
	w.Go(func() {
		w.Signal()
	})
	<-w.HaltCh()
	w.Wait()
	require.True(t, w.IsHalted())
}
