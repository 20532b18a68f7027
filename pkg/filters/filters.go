// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import "fmt"

// Direction indicates the direction of packet flow through the chain.
type Direction int

const (
	// Read represents packets flowing from a downstream client toward an
	// upstream endpoint.
	Read Direction = iota

	// Write represents reply packets flowing from an upstream endpoint back
	// toward the downstream client.
	Write
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// Filter is one configured unit in the chain. Implementations are stateless
// across packets except for explicitly-held internal state, which must be safe
// for concurrent access from many workers.
type Filter interface {
	// Name returns the registered name of the filter kind.
	Name() string

	// OnRead transforms a packet flowing toward an upstream endpoint.
	OnRead(pc *Context) error

	// OnWrite transforms a reply packet flowing back toward the client.
	OnWrite(pc *Context) error
}

// Spec is the configuration for a single filter in a chain definition.
type Spec struct {
	Name   string         `yaml:"name" json:"name"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ClusterReferencer is implemented by filters that name clusters in their
// configuration, so a snapshot can be rejected at publish time when a
// reference does not resolve.
type ClusterReferencer interface {
	ReferencedClusters() []string
}

// DropError terminates the chain and discards the packet. A drop is counted
// as telemetry but is not an operational error; UDP's fire-and-forget
// semantics make silent discard the correct policy.
type DropError struct {
	// Reason is the metrics label recorded for the drop.
	Reason string
}

// Error implements the error interface.
func (e *DropError) Error() string {
	return fmt.Sprintf("packet dropped: %s", e.Reason)
}

// Drop returns a DropError with the given reason.
func Drop(reason string) error {
	return &DropError{Reason: reason}
}
