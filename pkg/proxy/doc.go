// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the non-transparent UDP proxy data plane: the I/O
// loop that reads client datagrams, runs them through the filter chain, and
// forwards them to upstream game-server endpoints.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌──────────┐
//	│ Client  │ ←─UDP─→ │  Proxy  │ ←─UDP─→ │ Endpoint │
//	└─────────┘         └─────────┘         └──────────┘
//	                         │
//	          ┌──────────────┼──────────────┐
//	          ↓              ↓              ↓
//	    ┌──────────┐   ┌──────────┐   ┌──────────┐
//	    │  Config  │   │  Filter  │   │ Session  │
//	    │  Store   │──→│  Chain   │   │   Map    │
//	    └──────────┘   └──────────┘   └──────────┘
//
// # Packet Flow
//
//	1. The read loop receives a datagram from the downstream socket and
//	   queues it to the worker pool.
//	2. A worker fetches the active config snapshot and runs the filter chain
//	   in read order. Any filter may transform the payload, drop the packet,
//	   or choose a destination endpoint.
//	3. The destination comes from the chain's routing choice, or from the
//	   cluster map's single endpoint when no filter chose and exactly one
//	   endpoint exists. Anything more ambiguous drops the packet.
//	4. The session for (client address, endpoint address) is looked up or
//	   created; creation dials a dedicated upstream socket and spawns a
//	   reply reader for the flow.
//	5. The (possibly transformed) payload is written upstream.
//
// Replies read from a session's upstream socket traverse the same chain in
// reverse order and are written to the downstream socket addressed to the
// original client. A reply arriving after the session expired finds no open
// socket and is dropped, never misdirected.
//
// # Concurrency
//
// Workers run in parallel and share only the config store (atomic snapshot
// swap), the session map, and the per-cluster round-robin cursors. No lock is
// held across a blocking operation, and a worker mid-packet on a stale
// snapshot is acceptable: each packet observes exactly one snapshot.
//
// Packets of one flow may be handled by different workers; no ordering is
// guaranteed or assumed, matching UDP itself.
//
// # Failure Policy
//
// Per-packet failures (filter errors, unresolvable destinations, upstream
// write errors) drop the packet, count it, and leave the worker running.
// Only a receive failure on the bound socket itself terminates Listen;
// restarting it is the enclosing process's call.
package proxy
