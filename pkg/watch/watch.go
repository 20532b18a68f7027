// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package watch connects the proxy to an external config source and publishes
// the snapshots it delivers into the config store. The data plane never waits
// on this package: a lost source means the last-published snapshot keeps
// serving while the client reconnects with backoff.
package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/FrankXu7/quilkin/pkg/config"
)

// Backoff bounds for source reconnection, shared by all sources.
const (
	backoffInitialDelay = 500 * time.Millisecond
	backoffMaxDelay     = 30 * time.Second
)

// Source delivers complete, self-consistent snapshot descriptions. The
// channel closes when the source's current connection is exhausted; the
// client then re-establishes it.
type Source interface {
	// Snapshots opens the source and returns a channel of parsed snapshots.
	// The error return reports a failure to open, not a failed parse;
	// malformed updates are handled inside the source or rejected at the
	// store and never tear the channel down.
	Snapshots(ctx context.Context) (<-chan *config.Snapshot, error)
}

// Client consumes snapshots from a source and publishes them to the store.
type Client struct {
	store  *config.Store
	logger *slog.Logger
}

// NewClient creates a config sync client.
func NewClient(store *config.Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: store, logger: logger}
}

// Run consumes the source until ctx is done, publishing every delivered
// snapshot. Rejected snapshots are logged and skipped; the previously active
// snapshot stays in effect. Source failures are retried with exponential
// backoff and never propagate to the data plane.
func (c *Client) Run(ctx context.Context, source Source) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitialDelay
	bo.MaxInterval = backoffMaxDelay
	bo.MaxElapsedTime = 0 // retry forever

	for {
		ch, err := source.Snapshots(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			c.logger.Warn("config source unavailable, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		received, err := c.consume(ctx, ch)
		if err != nil {
			return err
		}
		if received > 0 {
			// The connection delivered something before it ended, so it was
			// healthy; start the reconnect schedule over.
			bo.Reset()
		}

		wait := bo.NextBackOff()
		c.logger.Info("config source stream ended, reconnecting",
			slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) consume(ctx context.Context, ch <-chan *config.Snapshot) (int, error) {
	received := 0
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return received, nil
			}
			received++
			if err := c.store.Publish(snap); err != nil {
				// Rejected at the store boundary; last good config stays.
				c.logger.Error("config update rejected",
					slog.String("error", err.Error()))
			}
		}
	}
}
