// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package filters implements the packet filter chain: an ordered sequence of
// configured transforms that every datagram traverses in both directions.
//
// A Filter sees packets twice: OnRead for traffic flowing from a downstream
// client toward an upstream endpoint, and OnWrite for replies flowing back.
// The chain runs filters in configured order on the read leg and in reverse
// order on the write leg, so a transform applied on the way in is undone
// symmetrically on the way out (compress/decompress being the canonical pair).
//
// A filter returns nil to pass the packet along, a DropError to discard it
// (counted, never forwarded, no further filters run), or any other error to
// abort the chain as a filter failure. Filters communicate through the packet
// Context's metadata bag; routing filters record their endpoint choice there
// via SetDestination, and when several routing filters run, the last choice
// wins.
//
// Chains are immutable once built. A config update builds a fresh chain from
// its filter specs and swaps it in wholesale; in-flight packets finish on the
// chain they started with. Filters must therefore keep any internal state
// (rate-limit counters, shared database readers) safe for concurrent use.
//
// The set of filter kinds is closed: each is registered by name in this
// package, and new kinds are added by implementing Filter and extending the
// registry, not by subclassing.
package filters
