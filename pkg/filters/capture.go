// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"fmt"
	"strings"
)

// CaptureName is the registered name of the capture filter.
const CaptureName = "capture"

// MetadataKeyToken is the default metadata key the captured routing token is
// stored under, and the key the token router reads.
const MetadataKeyToken = "quilkin.dev/capture"

type captureConfig struct {
	Mode        string `yaml:"mode"` // prefix or suffix
	Size        int    `yaml:"size"`
	Remove      bool   `yaml:"remove"`
	MetadataKey string `yaml:"metadata_key"`
}

// capture extracts a fixed-size routing token from the payload head or tail
// into the metadata bag, optionally stripping the captured bytes so the
// upstream never sees them.
type capture struct {
	prefix bool
	size   int
	remove bool
	key    string
}

func newCapture(config map[string]any) (Filter, error) {
	cfg := captureConfig{Mode: "suffix", MetadataKey: MetadataKeyToken}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("capture size must be positive, got %d", cfg.Size)
	}

	var prefix bool
	switch strings.ToLower(cfg.Mode) {
	case "prefix":
		prefix = true
	case "suffix":
		prefix = false
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}

	return &capture{
		prefix: prefix,
		size:   cfg.Size,
		remove: cfg.Remove,
		key:    cfg.MetadataKey,
	}, nil
}

func (f *capture) Name() string { return CaptureName }

func (f *capture) OnRead(pc *Context) error {
	if len(pc.Payload) < f.size {
		// Nothing to capture; downstream routing filters decide whether a
		// missing token is fatal.
		return nil
	}

	var token []byte
	if f.prefix {
		token = append([]byte(nil), pc.Payload[:f.size]...)
		if f.remove {
			pc.Payload = pc.Payload[f.size:]
		}
	} else {
		cut := len(pc.Payload) - f.size
		token = append([]byte(nil), pc.Payload[cut:]...)
		if f.remove {
			pc.Payload = pc.Payload[:cut]
		}
	}

	pc.SetMetadata(f.key, token)
	return nil
}

func (f *capture) OnWrite(pc *Context) error {
	return nil
}
