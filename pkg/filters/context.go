// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"net"

	"github.com/FrankXu7/quilkin/pkg/cluster"
)

// Context carries one in-flight packet through the chain. It is created per
// received datagram, owned exclusively by the worker processing it, and
// destroyed once the payload is forwarded or dropped. It is never shared
// across workers.
type Context struct {
	// Source is the address the datagram arrived from: the downstream client
	// on the read leg, the upstream endpoint on the write leg.
	Source *net.UDPAddr

	// Payload is the raw datagram body. Filters may replace it.
	Payload []byte

	// Direction is the leg this context is traversing.
	Direction Direction

	// Clusters is the cluster map of the snapshot this packet is being
	// processed under. Routing filters consult it; it is read-only.
	Clusters *cluster.Map

	metadata       map[string]any
	destination    cluster.Endpoint
	hasDestination bool
}

// NewContext creates a packet context for one received datagram.
func NewContext(dir Direction, source *net.UDPAddr, payload []byte, clusters *cluster.Map) *Context {
	return &Context{
		Source:    source,
		Payload:   payload,
		Direction: dir,
		Clusters:  clusters,
	}
}

// SetMetadata stores a typed value in the context's metadata bag, visible to
// filters later in the chain.
func (c *Context) SetMetadata(key string, value any) {
	if c.metadata == nil {
		c.metadata = make(map[string]any, 4)
	}
	c.metadata[key] = value
}

// Metadata returns the value stored under key.
func (c *Context) Metadata(key string) (any, bool) {
	v, ok := c.metadata[key]
	return v, ok
}

// SetDestination records a routing filter's endpoint choice. When multiple
// routing filters run in one chain, the last write wins.
func (c *Context) SetDestination(ep cluster.Endpoint) {
	c.destination = ep
	c.hasDestination = true
}

// Destination returns the chosen endpoint, if any routing filter set one.
func (c *Context) Destination() (cluster.Endpoint, bool) {
	return c.destination, c.hasDestination
}
