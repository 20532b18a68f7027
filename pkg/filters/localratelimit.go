// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"fmt"
	"time"

	"github.com/FrankXu7/quilkin/pkg/ratelimit"
)

// LocalRateLimitName is the registered name of the local rate limit filter.
const LocalRateLimitName = "local-rate-limit"

// ReasonRateLimited is the drop reason recorded for over-limit packets.
const ReasonRateLimited = "rate_limited"

type localRateLimitConfig struct {
	MaxPackets int64 `yaml:"max_packets"`
	Period     int64 `yaml:"period"`      // seconds, default 1
	MaxSources int   `yaml:"max_sources"` // bound on tracked addresses
}

// localRateLimit drops packets from a downstream address once it exceeds
// max_packets per period. The per-source buckets are the filter's only
// internal state and are concurrency-safe.
type localRateLimit struct {
	limiter *ratelimit.Limiter
}

func newLocalRateLimit(config map[string]any) (Filter, error) {
	cfg := localRateLimitConfig{Period: 1}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxPackets <= 0 {
		return nil, fmt.Errorf("max_packets must be positive, got %d", cfg.MaxPackets)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("period must be positive, got %d", cfg.Period)
	}

	period := time.Duration(cfg.Period) * time.Second
	return &localRateLimit{
		limiter: ratelimit.NewLimiter(cfg.MaxPackets, cfg.MaxPackets, period, cfg.MaxSources),
	}, nil
}

func (f *localRateLimit) Name() string { return LocalRateLimitName }

func (f *localRateLimit) OnRead(pc *Context) error {
	if !f.limiter.Allow(pc.Source.String()) {
		return Drop(ReasonRateLimited)
	}
	return nil
}

func (f *localRateLimit) OnWrite(pc *Context) error {
	// Replies are paced by the upstream; only downstream ingress is limited.
	return nil
}
