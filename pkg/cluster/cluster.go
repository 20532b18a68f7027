// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cluster models upstream endpoints, the clusters that group them,
// and the selection policies used to pick an endpoint for a packet.
package cluster

import (
	"bytes"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/FrankXu7/quilkin/pkg/errors"
)

// DefaultCluster is the name of the cluster used when a config does not name one.
const DefaultCluster = "default"

// Locality is the geographic location of an endpoint.
type Locality struct {
	Region  string `yaml:"region,omitempty"`
	Zone    string `yaml:"zone,omitempty"`
	SubZone string `yaml:"sub_zone,omitempty"`
}

// String returns the locality as region/zone/sub_zone with empty parts omitted.
func (l Locality) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{l.Region, l.Zone, l.SubZone} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// Metadata is the token-value map attached to an endpoint, consulted by
// routing filters.
type Metadata struct {
	Tokens [][]byte
}

// HasToken reports whether the metadata carries the given routing token.
func (m Metadata) HasToken(token []byte) bool {
	for _, t := range m.Tokens {
		if bytes.Equal(t, token) {
			return true
		}
	}
	return false
}

// Endpoint is one reachable upstream socket address plus routing metadata and
// advisory health status.
type Endpoint struct {
	// Address is the upstream socket address (host:port).
	Address string

	// Locality is the endpoint's location, if known.
	Locality Locality

	// Metadata holds routing tokens matched by token-based selection.
	Metadata Metadata

	// Unhealthy marks the endpoint as advisory-unreachable. The zero value is
	// healthy; health updates arrive as new snapshots, never in-place edits.
	Unhealthy bool
}

// Policy is a cluster's endpoint selection policy.
type Policy string

const (
	// PolicyRoundRobin advances a shared cursor across healthy endpoints.
	PolicyRoundRobin Policy = "ROUND_ROBIN"

	// PolicyToken selects the endpoint whose metadata carries the hint token.
	PolicyToken Policy = "TOKEN"

	// PolicyAll is used by filters that fan out to every endpoint rather than
	// pick one; it cannot be resolved to a single endpoint.
	PolicyAll Policy = "ALL"
)

// ParsePolicy parses a policy name. An empty name means round-robin.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToUpper(s)) {
	case "", PolicyRoundRobin:
		return PolicyRoundRobin, nil
	case PolicyToken:
		return PolicyToken, nil
	case PolicyAll:
		return PolicyAll, nil
	default:
		return "", fmt.Errorf("%w: unknown selection policy %q", errors.ErrInvalidConfig, s)
	}
}

// Cluster is a named, immutable set of endpoints sharing a selection policy.
// The round-robin cursor is the only mutable state and advances atomically so
// concurrent resolutions stay off any lock.
type Cluster struct {
	Name      string
	Policy    Policy
	Endpoints []Endpoint

	cursor atomic.Uint64
}

// New creates a cluster. The endpoint slice is owned by the cluster afterwards.
func New(name string, policy Policy, endpoints []Endpoint) *Cluster {
	if policy == "" {
		policy = PolicyRoundRobin
	}
	return &Cluster{
		Name:      name,
		Policy:    policy,
		Endpoints: endpoints,
	}
}

// Next returns the next healthy endpoint under round-robin selection.
func (c *Cluster) Next() (Endpoint, error) {
	n := uint64(len(c.Endpoints))
	if n == 0 {
		return Endpoint{}, fmt.Errorf("cluster %q: %w", c.Name, errors.ErrNoEndpoint)
	}

	// Add returns the incremented value, so subtract one to start the scan at
	// the cursor position itself.
	start := c.cursor.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		ep := c.Endpoints[(start+i)%n]
		if !ep.Unhealthy {
			return ep, nil
		}
	}
	return Endpoint{}, fmt.Errorf("cluster %q: %w", c.Name, errors.ErrNoEndpoint)
}

// ByToken returns the first healthy endpoint whose metadata carries token.
func (c *Cluster) ByToken(token []byte) (Endpoint, error) {
	for _, ep := range c.Endpoints {
		if !ep.Unhealthy && ep.Metadata.HasToken(token) {
			return ep, nil
		}
	}
	return Endpoint{}, fmt.Errorf("cluster %q: %w", c.Name, errors.ErrTokenNotFound)
}

// All returns every healthy endpoint, for fan-out filters.
func (c *Cluster) All() []Endpoint {
	out := make([]Endpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if !ep.Unhealthy {
			out = append(out, ep)
		}
	}
	return out
}
