// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ConcatenateName is the registered name of the concatenate filter.
const ConcatenateName = "concatenate"

type concatenateStrategy int

const (
	concatenateNone concatenateStrategy = iota
	concatenateAppend
	concatenatePrepend
)

type concatenateConfig struct {
	OnRead  string `yaml:"on_read"`  // APPEND, PREPEND or DO_NOTHING
	OnWrite string `yaml:"on_write"` // APPEND, PREPEND or DO_NOTHING
	Bytes   string `yaml:"bytes"`    // base64
}

// concatenate appends or prepends a fixed byte sequence to the payload per
// leg, e.g. to stamp packets with a static routing token on their way to the
// upstream.
type concatenate struct {
	onRead  concatenateStrategy
	onWrite concatenateStrategy
	bytes   []byte
}

func newConcatenate(config map[string]any) (Filter, error) {
	var cfg concatenateConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	onRead, err := parseConcatenateStrategy(cfg.OnRead)
	if err != nil {
		return nil, err
	}
	onWrite, err := parseConcatenateStrategy(cfg.OnWrite)
	if err != nil {
		return nil, err
	}

	b, err := base64.StdEncoding.DecodeString(cfg.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 bytes: %w", err)
	}

	return &concatenate{onRead: onRead, onWrite: onWrite, bytes: b}, nil
}

func parseConcatenateStrategy(s string) (concatenateStrategy, error) {
	switch strings.ToUpper(s) {
	case "", "DO_NOTHING":
		return concatenateNone, nil
	case "APPEND":
		return concatenateAppend, nil
	case "PREPEND":
		return concatenatePrepend, nil
	default:
		return concatenateNone, fmt.Errorf("unknown concatenate strategy %q", s)
	}
}

func (f *concatenate) Name() string { return ConcatenateName }

func (f *concatenate) OnRead(pc *Context) error {
	f.apply(pc, f.onRead)
	return nil
}

func (f *concatenate) OnWrite(pc *Context) error {
	f.apply(pc, f.onWrite)
	return nil
}

func (f *concatenate) apply(pc *Context, strategy concatenateStrategy) {
	switch strategy {
	case concatenateAppend:
		pc.Payload = append(pc.Payload, f.bytes...)
	case concatenatePrepend:
		pc.Payload = append(append([]byte(nil), f.bytes...), pc.Payload...)
	}
}
