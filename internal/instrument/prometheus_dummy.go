//go:build noprometheus
// +build noprometheus

// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"time"

	"github.com/mixlink/mixlink/core/log"
)

// StartPrometheusListener does nothing
func StartPrometheusListener(addr string, logBackend *log.Backend) {
	logBackend.GetLogger("instrument").Warningf("Metrics requested on %v but Prometheus support is compiled out.", addr)
}

// PacketBuilt does nothing
func PacketBuilt(d time.Duration) {}

// PacketSent does nothing
func PacketSent() {}

// PacketReceived does nothing
func PacketReceived() {}

// HandshakeFailure does nothing
func HandshakeFailure(stage string) {}

// TopologyRefresh does nothing
func TopologyRefresh(outcome string) {}

// SessionState does nothing
func SessionState(state string) {}
