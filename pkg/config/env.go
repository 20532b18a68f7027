// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Bootstrap is the process-level configuration, parsed from the environment.
// It configures the proxy runtime itself; the data-plane snapshot (filters,
// clusters) arrives separately through the store.
type Bootstrap struct {
	// Address is the downstream UDP listen address (host:port).
	Address string `env:"ADDRESS" envDefault:":7777"`

	// To is a static list of endpoint addresses forming the default cluster.
	// Ignored when ConfigFile is set.
	To []string `env:"TO" envSeparator:","`

	// ID names this proxy instance in logs and snapshots.
	ID string `env:"ID"`

	// ConfigFile is a YAML snapshot file watched for changes.
	ConfigFile string `env:"CONFIG_FILE"`

	// ConfigPollInterval is how often the config file is checked for changes.
	ConfigPollInterval time.Duration `env:"CONFIG_POLL_INTERVAL" envDefault:"1s"`

	// SessionTimeout is the idle timeout after which a session is expired.
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"60s"`

	// SweepInterval is how often the idle-expiry sweep runs.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`

	// MaxSessions bounds concurrent sessions; 0 means unlimited.
	MaxSessions int `env:"MAX_SESSIONS" envDefault:"0"`

	// Workers is the packet worker pool size; 0 sizes it to available CPUs.
	Workers int `env:"WORKERS" envDefault:"0"`

	// BufferSize is the datagram read buffer size in bytes.
	BufferSize int `env:"BUFFER_SIZE" envDefault:"8192"`

	// ShutdownTimeout is the maximum time to drain sessions on shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// MetricsAddress serves the Prometheus scrape endpoint.
	MetricsAddress string `env:"METRICS_ADDRESS" envDefault:":9091"`

	// HealthAddress serves liveness and readiness probes.
	HealthAddress string `env:"HEALTH_ADDRESS" envDefault:":8088"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// NewBootstrap parses the bootstrap config from the environment, typically
// with a prefix such as "QUILKIN_".
func NewBootstrap(opts env.Options) (Bootstrap, error) {
	var c Bootstrap
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Bootstrap{}, err
	}
	return c, nil
}
