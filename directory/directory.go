// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package directory implements a client for the network directory that
// publishes the mix and gateway topology.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/mixlink/mixlink/core/log"
	"github.com/mixlink/mixlink/core/topology"
)

const (
	// TopologyPath is the directory endpoint serving the topology document.
	TopologyPath = "/api/presence/topology"

	// DefaultTimeout is the default bound on a single fetch.
	DefaultTimeout = 30 * time.Second

	maxDocumentSize = 16 << 20
)

// Config is a directory client configuration.
type Config struct {
	// URL is the directory base URL.  If it already carries a path, it is
	// used verbatim as the topology endpoint.
	URL string

	// Timeout bounds a single fetch, DefaultTimeout if zero.
	Timeout time.Duration

	// NrLayers is the number of mix layers topologies must have.
	NrLayers int

	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// HTTPClient, if set, is used instead of a default client.
	HTTPClient *http.Client
}

// Client fetches topologies from a directory.
type Client struct {
	log      *logging.Logger
	http     *http.Client
	endpoint string
	nrLayers int
}

// TopologyURL returns the topology endpoint for a directory URL.
func TopologyURL(directoryURL string) (string, error) {
	u, err := url.Parse(directoryURL)
	if err != nil {
		return "", fmt.Errorf("directory: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("directory: unsupported URL scheme '%v'", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("directory: URL has no host")
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = TopologyPath
	}
	return u.String(), nil
}

// New creates a new directory client.
func New(cfg *Config) (*Client, error) {
	if cfg.LogBackend == nil {
		return nil, errors.New("directory: no LogBackend")
	}
	if cfg.NrLayers <= 0 {
		return nil, fmt.Errorf("directory: invalid NrLayers %d", cfg.NrLayers)
	}
	endpoint, err := TopologyURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		log:      cfg.LogBackend.GetLogger("directory"),
		http:     cfg.HTTPClient,
		endpoint: endpoint,
		nrLayers: cfg.NrLayers,
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	return c, nil
}

// Endpoint returns the URL topologies are fetched from.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Fetch retrieves and parses the current topology.  A response the
// directory did not answer with a usable document fails with
// topology.ErrMalformedTopology.
func (c *Client) Fetch(ctx context.Context) (*topology.NetworkTopology, error) {
	b, err := c.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}
	topo, err := topology.LoadTopology(b, c.nrLayers)
	if err != nil {
		c.log.Warningf("Rejecting topology: %v", err)
		return nil, err
	}
	c.log.Debugf("Fetched topology: %d layers, %d gateways.", topo.NrLayers(), len(topo.Gateways()))
	return topo, nil
}

// FetchGateways retrieves the current document and parses only its
// gateways, ignoring the mix layers.
func (c *Client) FetchGateways(ctx context.Context) ([]*topology.GatewayDescriptor, error) {
	b, err := c.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}
	gateways, err := topology.LoadGateways(b)
	if err != nil {
		c.log.Warningf("Rejecting gateway list: %v", err)
		return nil, err
	}
	return gateways, nil
}

func (c *Client) fetchDocument(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debugf("Fetching topology: %v", c.endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: directory returned %v", topology.ErrMalformedTopology, resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("directory: failed to read response: %w", err)
	}
	if len(b) > maxDocumentSize {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", topology.ErrMalformedTopology, maxDocumentSize)
	}
	return b, nil
}
