// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/FrankXu7/quilkin/pkg/config"
)

// DefaultPollInterval is used when a FileSource is created with a
// non-positive interval.
const DefaultPollInterval = time.Second

// FileSource polls a YAML snapshot file and emits a parsed snapshot whenever
// the file's modification time changes. A file that fails to parse is logged
// and skipped, so a half-written or broken edit never disturbs the active
// config.
type FileSource struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
}

// NewFileSource creates a polling file source for the given path.
func NewFileSource(path string, interval time.Duration, logger *slog.Logger) *FileSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{path: path, interval: interval, logger: logger}
}

// Snapshots starts polling and returns the snapshot channel. The initial
// file contents are emitted immediately; subsequent emissions follow mtime
// changes. The channel closes only when ctx is done, so the client never
// reconnects a file source.
func (f *FileSource) Snapshots(ctx context.Context) (<-chan *config.Snapshot, error) {
	// Fail open only if the file is missing at startup: a proxy pointed at
	// a nonexistent config file is a deployment error worth surfacing.
	if _, err := os.Stat(f.path); err != nil {
		return nil, err
	}

	ch := make(chan *config.Snapshot, 1)
	go f.poll(ctx, ch)
	return ch, nil
}

func (f *FileSource) poll(ctx context.Context, ch chan<- *config.Snapshot) {
	defer close(ch)

	var lastMod time.Time
	emit := func() {
		info, err := os.Stat(f.path)
		if err != nil {
			f.logger.Warn("config file stat failed",
				slog.String("path", f.path),
				slog.String("error", err.Error()))
			return
		}
		if !info.ModTime().After(lastMod) {
			return
		}
		snap, err := config.LoadFile(f.path)
		if err != nil {
			f.logger.Error("config file parse failed, keeping active config",
				slog.String("path", f.path),
				slog.String("error", err.Error()))
			// Do not advance lastMod: a later successful write with the
			// same second-resolution mtime must still be picked up.
			return
		}
		lastMod = info.ModTime()
		select {
		case ch <- snap:
		case <-ctx.Done():
		}
	}

	emit()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit()
		}
	}
}
