// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session tracks the proxy's flows: each session binds one downstream
// client address to one chosen upstream endpoint for the duration of activity.
package session

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// Session is one flow: a downstream client address plus the upstream endpoint
// chosen for it. The session owns the upstream socket; replies read from that
// socket are routed back to DownstreamAddr. Sessions store only addresses,
// never handles into the cluster map, so a session outliving a config update
// keeps working against the endpoint it was created with.
type Session struct {
	// ID is a unique identifier for this session.
	ID string

	// DownstreamAddr is the client's UDP address, where replies are sent.
	DownstreamAddr *net.UDPAddr

	// EndpointAddr is the chosen upstream endpoint address.
	EndpointAddr string

	// Upstream is the connected socket to the endpoint. Its ephemeral local
	// port is what makes replies attributable to this flow.
	Upstream *net.UDPConn

	// CreatedAt is when the first packet of the flow arrived.
	CreatedAt time.Time

	lastActivity atomic.Int64 // unix nanos; touched on every packet

	ctx    context.Context
	cancel context.CancelFunc
}

// Touch updates the last-activity timestamp. Called on every packet in either
// direction, so it is a single atomic store rather than a lock.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last packet in either direction.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) lastActivityNanos() int64 {
	return s.lastActivity.Load()
}

// Done is closed when the session is removed; the reply reader exits on it.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close cancels the session and closes its upstream socket.
func (s *Session) Close() error {
	s.cancel()
	if s.Upstream != nil {
		return s.Upstream.Close()
	}
	return nil
}
