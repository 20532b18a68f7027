// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides liveness and readiness endpoints for the proxy's
// admin surface.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// Checker manages named health checks with a short result cache so probe
// traffic does not hammer the checks themselves.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Health runs all registered checks (serving cached results within the TTL)
// and returns the overall status. Checks run in name order so repeated probes
// report stably.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]Check, 0, len(names))
	overall := StatusHealthy

	for _, name := range names {
		if cached, ok := c.cache[name]; ok && time.Since(cached.LastChecked) < c.ttl {
			checks = append(checks, *cached)
			if cached.Status != StatusHealthy {
				overall = StatusDegraded
			}
			continue
		}

		start := time.Now()
		err := c.checks[name](ctx)

		check := &Check{
			Name:        name,
			LastChecked: time.Now(),
			Duration:    time.Since(start),
		}
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			overall = StatusDegraded
		} else {
			check.Status = StatusHealthy
		}

		c.cache[name] = check
		checks = append(checks, *check)
	}

	return overall, checks
}

// Handler returns a mux serving /live, /ready and /health.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", LivenessHandler())
	mux.HandleFunc("/ready", c.ReadinessHandler())
	mux.HandleFunc("/health", c.HTTPHandler())
	return mux
}

// HTTPHandler returns an HTTP handler reporting all check results. A
// degraded proxy still returns 200: it keeps accepting traffic while a
// non-critical check fails.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe handler. Unlike the health
// endpoint, any failing check makes the proxy not ready.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}
