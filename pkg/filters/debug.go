// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"log/slog"
)

// DebugName is the registered name of the debug filter.
const DebugName = "debug"

type debugConfig struct {
	ID string `yaml:"id"`
}

// debug logs every packet it sees at Debug level. Useful when developing
// chain configurations; not meant for production traffic volumes.
type debug struct {
	id string
}

func newDebug(config map[string]any) (Filter, error) {
	var cfg debugConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return &debug{id: cfg.ID}, nil
}

func (f *debug) Name() string { return DebugName }

func (f *debug) OnRead(pc *Context) error {
	f.log(pc)
	return nil
}

func (f *debug) OnWrite(pc *Context) error {
	f.log(pc)
	return nil
}

func (f *debug) log(pc *Context) {
	slog.Debug("packet",
		slog.String("id", f.id),
		slog.String("direction", pc.Direction.String()),
		slog.String("source", pc.Source.String()),
		slog.Int("size", len(pc.Payload)))
}
