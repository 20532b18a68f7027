// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FrankXu7/quilkin/pkg/errors"
	"github.com/FrankXu7/quilkin/pkg/metrics"
)

// ErrShutdownTimeout is returned when session draining exceeds the configured timeout.
var ErrShutdownTimeout = fmt.Errorf("shutdown timeout exceeded")

type key struct {
	downstream string
	endpoint   string
}

// Info is a read-only view of a session for operator introspection.
type Info struct {
	ID           string    `json:"id"`
	Downstream   string    `json:"downstream"`
	Endpoint     string    `json:"endpoint"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Map is the concurrent session table, keyed by (downstream address, endpoint
// address). The map owns every Session record; callers only borrow lookups.
type Map struct {
	mu       sync.RWMutex
	sessions map[key]*Session

	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxSessions int
}

// NewMap creates a session table. maxSessions of 0 means unlimited.
func NewMap(logger *slog.Logger, m *metrics.Metrics, maxSessions int) *Map {
	if logger == nil {
		logger = slog.Default()
	}
	return &Map{
		sessions:    make(map[key]*Session),
		logger:      logger,
		metrics:     m,
		maxSessions: maxSessions,
	}
}

// GetOrCreate returns the session for the (downstream, endpoint) pair,
// creating it on first packet. Creation dials the upstream endpoint. The
// double-checked insert under the write lock guarantees exactly one session
// per key even under concurrent first-packets from the same flow.
func (sm *Map) GetOrCreate(ctx context.Context, downstream *net.UDPAddr, endpoint string) (*Session, bool, error) {
	k := key{downstream: downstream.String(), endpoint: endpoint}

	sm.mu.RLock()
	if sess, ok := sm.sessions[k]; ok {
		sm.mu.RUnlock()
		sess.Touch()
		return sess, false, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sess, ok := sm.sessions[k]; ok {
		sess.Touch()
		return sess, false, nil
	}

	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, false, fmt.Errorf("%w (%d)", errors.ErrSessionLimit, sm.maxSessions)
	}

	endpointAddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, false, fmt.Errorf("resolve endpoint %s: %w", endpoint, err)
	}
	upstream, err := net.DialUDP("udp", nil, endpointAddr)
	if err != nil {
		return nil, false, fmt.Errorf("dial endpoint %s: %w", endpoint, err)
	}

	sessCtx, sessCancel := context.WithCancel(ctx)
	sess := &Session{
		ID:             uuid.NewString(),
		DownstreamAddr: downstream,
		EndpointAddr:   endpoint,
		Upstream:       upstream,
		CreatedAt:      time.Now(),
		ctx:            sessCtx,
		cancel:         sessCancel,
	}
	sess.Touch()
	sm.sessions[k] = sess

	if sm.metrics != nil {
		sm.metrics.SessionsTotal.Inc()
		sm.metrics.SessionsActive.Set(float64(len(sm.sessions)))
	}
	sm.logger.Debug("session created",
		slog.String("session", sess.ID),
		slog.String("downstream", k.downstream),
		slog.String("endpoint", endpoint))

	return sess, true, nil
}

// Get returns the session for the pair, if one exists. The reply path uses it
// to decide whether a late upstream packet still has somewhere to go.
func (sm *Map) Get(downstream, endpoint string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[key{downstream: downstream, endpoint: endpoint}]
	return sess, ok
}

// Remove removes and closes the session, provided the table still maps its
// key to this exact record.
func (sm *Map) Remove(sess *Session) {
	k := key{downstream: sess.DownstreamAddr.String(), endpoint: sess.EndpointAddr}

	sm.mu.Lock()
	if cur, ok := sm.sessions[k]; ok && cur == sess {
		delete(sm.sessions, k)
		if sm.metrics != nil {
			sm.metrics.SessionsActive.Set(float64(len(sm.sessions)))
		}
	}
	sm.mu.Unlock()

	sess.Close()
}

// Sweep periodically evicts sessions idle past the timeout. Run it in a
// background goroutine; it exits when ctx is done.
func (sm *Map) Sweep(ctx context.Context, timeout, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.sweepExpired(timeout)
		}
	}
}

type expiredCandidate struct {
	key      key
	sess     *Session
	observed int64
}

// sweepExpired collects idle sessions, then removes each one only if its
// last-activity timestamp is still the one observed. A session touched
// between the check and the removal survives the sweep.
func (sm *Map) sweepExpired(timeout time.Duration) {
	deadline := time.Now().Add(-timeout).UnixNano()

	var candidates []expiredCandidate
	sm.mu.RLock()
	for k, sess := range sm.sessions {
		if observed := sess.lastActivityNanos(); observed < deadline {
			candidates = append(candidates, expiredCandidate{key: k, sess: sess, observed: observed})
		}
	}
	sm.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}

	removed := 0
	sm.mu.Lock()
	for _, c := range candidates {
		cur, ok := sm.sessions[c.key]
		if !ok || cur != c.sess || cur.lastActivityNanos() != c.observed {
			continue
		}
		delete(sm.sessions, c.key)
		c.sess.Close()
		removed++

		sm.logger.Debug("session expired",
			slog.String("session", c.sess.ID),
			slog.String("downstream", c.key.downstream),
			slog.String("endpoint", c.key.endpoint))
	}
	active := len(sm.sessions)
	sm.mu.Unlock()

	if removed > 0 && sm.metrics != nil {
		sm.metrics.SessionsExpired.Add(float64(removed))
		sm.metrics.SessionsActive.Set(float64(active))
	}
}

// Count returns the number of active sessions.
func (sm *Map) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Snapshot returns a point-in-time view of all sessions for the admin surface.
func (sm *Map) Snapshot() []Info {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	infos := make([]Info, 0, len(sm.sessions))
	for k, sess := range sm.sessions {
		infos = append(infos, Info{
			ID:           sess.ID,
			Downstream:   k.downstream,
			Endpoint:     k.endpoint,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity(),
		})
	}
	return infos
}

// DrainAll waits for sessions to close naturally, forcing closure after the
// timeout.
func (sm *Map) DrainAll(timeout time.Duration) error {
	if sm.Count() == 0 {
		return nil
	}
	sm.logger.Info("draining sessions", slog.Int("count", sm.Count()))

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if sm.Count() == 0 {
			sm.logger.Info("all sessions drained")
			return nil
		}
		if time.Now().After(deadline) {
			sm.logger.Warn("drain timeout exceeded, forcing session closure")
			sm.ForceCloseAll()
			return ErrShutdownTimeout
		}
	}
	return nil
}

// ForceCloseAll closes every session immediately.
func (sm *Map) ForceCloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for k, sess := range sm.sessions {
		sess.Close()
		delete(sm.sessions, k)
	}
	if sm.metrics != nil {
		sm.metrics.SessionsActive.Set(0)
	}
}
