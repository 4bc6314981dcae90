//go:build !pyroscope
// +build !pyroscope

// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package profiling optionally ships continuous profiles to Pyroscope.  It
// is compiled in only with the pyroscope build tag.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing.
func Start(log *logging.Logger, service string) (func(), error) {
	log.Debugf("Pyroscope is disabled.")
	return func() {}, nil
}
