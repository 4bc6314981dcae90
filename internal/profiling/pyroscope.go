//go:build pyroscope
// +build pyroscope

// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package profiling optionally ships continuous profiles to Pyroscope.  It
// is compiled in only with the pyroscope build tag.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

const defaultAppName = "mixlink"

// Start initializes Pyroscope profiling from the PYROSCOPE_SERVER_ADDRESS,
// PYROSCOPE_APP_NAME and PYROSCOPE_SERVICE_TAG environment variables.  The
// returned function stops profiling.
func Start(log *logging.Logger, service string) (func(), error) {
	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return nil, errors.New("profiling: PYROSCOPE_SERVER_ADDRESS is not set")
	}
	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = defaultAppName
	}
	if tag := os.Getenv("PYROSCOPE_SERVICE_TAG"); tag != "" {
		service = tag
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": service,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Noticef("Pyroscope started at %s, app name: %s, service tag: %s", serverAddress, appName, service)
	return func() {
		if err := p.Stop(); err != nil {
			log.Warningf("Failed to stop Pyroscope: %v", err)
		}
	}, nil
}
