//go:build !noprometheus
// +build !noprometheus

// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports client metrics to Prometheus.  Building with
// the noprometheus tag compiles every metric out.
package instrument

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixlink/mixlink/core/log"
)

var (
	packetsBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixlink_packets_built_total",
			Help: "Number of Sphinx packets built",
		},
	)
	packetBuildDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "mixlink_packet_build_duration_seconds",
			Help: "Time taken to select a path and build a Sphinx packet",
		},
	)
	packetsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixlink_packets_sent_total",
			Help: "Number of Sphinx packets written to the gateway",
		},
	)
	packetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixlink_packets_received_total",
			Help: "Number of payloads delivered by the gateway",
		},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixlink_gateway_handshake_failures_total",
			Help: "Number of failed gateway handshakes by stage",
		},
		[]string{"stage"},
	)
	topologyRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixlink_topology_refreshes_total",
			Help: "Number of topology refreshes by outcome",
		},
		[]string{"outcome"},
	)
	sessionStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixlink_gateway_session_transitions_total",
			Help: "Number of gateway session state transitions by new state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(packetsBuilt)
	prometheus.MustRegister(packetBuildDuration)
	prometheus.MustRegister(packetsSent)
	prometheus.MustRegister(packetsReceived)
	prometheus.MustRegister(handshakeFailures)
	prometheus.MustRegister(topologyRefreshes)
	prometheus.MustRegister(sessionStates)
}

// StartPrometheusListener serves the registered metrics at /metrics on addr.
func StartPrometheusListener(addr string, logBackend *log.Backend) {
	log := logBackend.GetLogger("instrument")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logBackend.GetGoLogger("instrument/http", "WARNING"),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Errorf("Prometheus listener on %v failed: %v", addr, err)
		}
	}()
	log.Noticef("Serving metrics on %v.", addr)
}

// PacketBuilt counts a built packet and observes how long it took.
func PacketBuilt(d time.Duration) {
	packetsBuilt.Inc()
	packetBuildDuration.Observe(d.Seconds())
}

// PacketSent increments the counter for packets written to the gateway.
func PacketSent() {
	packetsSent.Inc()
}

// PacketReceived increments the counter for delivered payloads.
func PacketReceived() {
	packetsReceived.Inc()
}

// HandshakeFailure increments the counter for handshake failures at stage.
func HandshakeFailure(stage string) {
	handshakeFailures.With(prometheus.Labels{"stage": stage}).Inc()
}

// TopologyRefresh increments the counter for topology refreshes.
func TopologyRefresh(outcome string) {
	topologyRefreshes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// SessionState increments the counter for transitions into state.
func SessionState(state string) {
	sessionStates.With(prometheus.Labels{"state": state}).Inc()
}
