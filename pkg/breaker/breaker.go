// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker sheds traffic to upstream endpoints that keep failing
// writes. Endpoint reachability is not probed actively; it is discovered from
// send failures, and the breaker turns a run of failures into a cooling-off
// period during which packets for that endpoint are dropped instead of sent.
package breaker

import (
	"sync"
	"time"
)

// State represents an endpoint breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds breaker configuration, shared by every endpoint's breaker.
type Config struct {
	// MaxFailures is the number of consecutive write failures before the
	// endpoint is shed.
	MaxFailures int

	// ResetTimeout is how long a shed endpoint waits before a trial packet
	// is allowed through.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive successful writes in the
	// trial period before the endpoint is restored.
	SuccessThreshold int
}

func (c *Config) defaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
}

// endpointBreaker is the per-endpoint state machine.
type endpointBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
}

// Group holds one breaker per endpoint address. The zero number of tracked
// endpoints grows on demand and entries are dropped with ResetEndpoint when a
// snapshot no longer names the endpoint.
type Group struct {
	mu       sync.RWMutex
	breakers map[string]*endpointBreaker
	config   Config

	// onOpen, if set, is notified when an endpoint is shed.
	onOpen func(endpoint string)
}

// NewGroup creates a breaker group.
func NewGroup(config Config) *Group {
	config.defaults()
	return &Group{
		breakers: make(map[string]*endpointBreaker),
		config:   config,
	}
}

// OnOpen registers a callback invoked whenever an endpoint's breaker opens.
func (g *Group) OnOpen(fn func(endpoint string)) {
	g.mu.Lock()
	g.onOpen = fn
	g.mu.Unlock()
}

func (g *Group) get(endpoint string) *endpointBreaker {
	g.mu.RLock()
	b, ok := g.breakers[endpoint]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[endpoint]; ok {
		return b
	}
	b = &endpointBreaker{state: StateClosed, lastStateChange: time.Now()}
	g.breakers[endpoint] = b
	return b
}

// Allow reports whether a packet may be sent to the endpoint. An open breaker
// past its reset timeout transitions to half-open and lets one trial through.
func (g *Group) Allow(endpoint string) bool {
	b := g.get(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastStateChange) > g.config.ResetTimeout {
			b.state = StateHalfOpen
			b.successes = 0
			b.lastStateChange = time.Now()
			return true
		}
		return false
	default:
		return true
	}
}

// Record feeds the result of one upstream write into the endpoint's breaker.
func (g *Group) Record(endpoint string, err error) {
	b := g.get(endpoint)

	var opened bool
	b.mu.Lock()
	if err != nil {
		b.failures++
		b.successes = 0
		switch b.state {
		case StateClosed:
			if b.failures >= g.config.MaxFailures {
				b.state = StateOpen
				b.lastStateChange = time.Now()
				opened = true
			}
		case StateHalfOpen:
			// A failed trial sheds the endpoint again immediately.
			b.state = StateOpen
			b.lastStateChange = time.Now()
			opened = true
		}
	} else {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.successes++
			if b.successes >= g.config.SuccessThreshold {
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
				b.lastStateChange = time.Now()
			}
		}
	}
	b.mu.Unlock()

	if opened {
		g.mu.RLock()
		fn := g.onOpen
		g.mu.RUnlock()
		if fn != nil {
			fn(endpoint)
		}
	}
}

// EndpointState returns the breaker state for an endpoint. Unknown endpoints
// are closed.
func (g *Group) EndpointState(endpoint string) State {
	g.mu.RLock()
	b, ok := g.breakers[endpoint]
	g.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ResetEndpoint forgets an endpoint's breaker, e.g. when a new snapshot no
// longer lists it.
func (g *Group) ResetEndpoint(endpoint string) {
	g.mu.Lock()
	delete(g.breakers, endpoint)
	g.mu.Unlock()
}
