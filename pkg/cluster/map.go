// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"fmt"
	"net"
	"sort"

	"github.com/FrankXu7/quilkin/pkg/errors"
)

// Map is an immutable snapshot of the active clusters. It is built once per
// config snapshot and shared by every packet-processing worker without
// locking; the per-cluster round-robin cursors are the only mutable state.
type Map struct {
	clusters map[string]*Cluster
	names    []string // sorted, for deterministic iteration
}

// NewMap builds a cluster map and validates it: cluster names must be
// non-empty and unique, and every endpoint address must be a resolvable
// UDP address.
func NewMap(clusters ...*Cluster) (*Map, error) {
	m := &Map{clusters: make(map[string]*Cluster, len(clusters))}

	for _, c := range clusters {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: cluster with empty name", errors.ErrInvalidConfig)
		}
		if _, ok := m.clusters[c.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate cluster %q", errors.ErrInvalidConfig, c.Name)
		}
		for _, ep := range c.Endpoints {
			if _, err := net.ResolveUDPAddr("udp", ep.Address); err != nil {
				return nil, fmt.Errorf("%w: cluster %q endpoint %q: %v",
					errors.ErrInvalidConfig, c.Name, ep.Address, err)
			}
		}
		m.clusters[c.Name] = c
		m.names = append(m.names, c.Name)
	}

	sort.Strings(m.names)
	return m, nil
}

// EmptyMap returns a map with no clusters.
func EmptyMap() *Map {
	return &Map{clusters: map[string]*Cluster{}}
}

// Get returns the named cluster.
func (m *Map) Get(name string) (*Cluster, bool) {
	c, ok := m.clusters[name]
	return c, ok
}

// Names returns the cluster names in sorted order.
func (m *Map) Names() []string {
	return m.names
}

// Len returns the number of clusters.
func (m *Map) Len() int {
	return len(m.clusters)
}

// Endpoints returns every endpoint across all clusters, in sorted cluster order.
func (m *Map) Endpoints() []Endpoint {
	var out []Endpoint
	for _, name := range m.names {
		out = append(out, m.clusters[name].Endpoints...)
	}
	return out
}

// EndpointCount returns the total number of endpoints across all clusters.
func (m *Map) EndpointCount() int {
	n := 0
	for _, c := range m.clusters {
		n += len(c.Endpoints)
	}
	return n
}

// Resolve applies the named cluster's selection policy and returns one
// endpoint. Token selection requires a hint; the ALL policy cannot name a
// single endpoint and always fails here.
func (m *Map) Resolve(name string, token []byte) (Endpoint, error) {
	c, ok := m.clusters[name]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q", errors.ErrClusterNotFound, name)
	}

	switch c.Policy {
	case PolicyToken:
		return c.ByToken(token)
	case PolicyAll:
		return Endpoint{}, fmt.Errorf("cluster %q: %w: ALL policy cannot select a single endpoint",
			name, errors.ErrNoEndpoint)
	default:
		return c.Next()
	}
}

// ResolveToken searches all clusters in sorted name order for an endpoint
// carrying the token.
func (m *Map) ResolveToken(token []byte) (Endpoint, error) {
	for _, name := range m.names {
		if ep, err := m.clusters[name].ByToken(token); err == nil {
			return ep, nil
		}
	}
	return Endpoint{}, errors.ErrTokenNotFound
}

// SingleEndpoint returns the map's only endpoint, if the map holds exactly
// one. Packets with no routed destination fall back to it; anything more
// ambiguous is a drop.
func (m *Map) SingleEndpoint() (Endpoint, bool) {
	var (
		found Endpoint
		count int
	)
	for _, name := range m.names {
		for _, ep := range m.clusters[name].Endpoints {
			count++
			if count > 1 {
				return Endpoint{}, false
			}
			found = ep
		}
	}
	return found, count == 1
}
