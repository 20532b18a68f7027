// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/snappy"
)

// CompressName is the registered name of the compress filter.
const CompressName = "compress"

type compressAction int

const (
	compressNone compressAction = iota
	compressEncode
	compressDecode
)

type compressConfig struct {
	OnRead  string `yaml:"on_read"`  // COMPRESS, DECOMPRESS or DO_NOTHING
	OnWrite string `yaml:"on_write"` // COMPRESS, DECOMPRESS or DO_NOTHING
}

// compress snappy-compresses or decompresses the payload per leg. A
// server-side proxy typically decompresses on read and compresses on write;
// a client-side proxy does the opposite, so the wire between the two carries
// compressed traffic while both ends see plaintext.
type compress struct {
	onRead  compressAction
	onWrite compressAction
}

func newCompress(config map[string]any) (Filter, error) {
	var cfg compressConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	onRead, err := parseCompressAction(cfg.OnRead)
	if err != nil {
		return nil, err
	}
	onWrite, err := parseCompressAction(cfg.OnWrite)
	if err != nil {
		return nil, err
	}
	return &compress{onRead: onRead, onWrite: onWrite}, nil
}

func parseCompressAction(s string) (compressAction, error) {
	switch strings.ToUpper(s) {
	case "", "DO_NOTHING":
		return compressNone, nil
	case "COMPRESS":
		return compressEncode, nil
	case "DECOMPRESS":
		return compressDecode, nil
	default:
		return compressNone, fmt.Errorf("unknown compress action %q", s)
	}
}

func (f *compress) Name() string { return CompressName }

func (f *compress) OnRead(pc *Context) error {
	return f.apply(pc, f.onRead)
}

func (f *compress) OnWrite(pc *Context) error {
	return f.apply(pc, f.onWrite)
}

func (f *compress) apply(pc *Context, action compressAction) error {
	switch action {
	case compressEncode:
		pc.Payload = snappy.Encode(nil, pc.Payload)
	case compressDecode:
		decoded, err := snappy.Decode(nil, pc.Payload)
		if err != nil {
			return fmt.Errorf("snappy decode: %w", err)
		}
		pc.Payload = decoded
	}
	return nil
}
