// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"fmt"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPName is the registered name of the geo lookup filter.
const GeoIPName = "geoip"

// MetadataKeyCountry is the default metadata key the looked-up country code
// is stored under.
const MetadataKeyCountry = "geoip.country"

// geoReaders caches open MaxMind databases by path. Chain rebuilds on config
// updates reuse the open reader instead of reopening the file, and readers
// stay valid for any stale snapshot a worker is still holding.
var geoReaders sync.Map // string -> *geoip2.Reader

type geoIPConfig struct {
	Database    string `yaml:"database"`
	MetadataKey string `yaml:"metadata_key"`
}

// geoIP annotates the packet metadata with the source address's country code
// from a MaxMind database. Lookup failures pass the packet untouched; geo
// data is advisory, not an admission decision.
type geoIP struct {
	reader *geoip2.Reader
	key    string
}

func newGeoIP(config map[string]any) (Filter, error) {
	cfg := geoIPConfig{MetadataKey: MetadataKeyCountry}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("geoip database path is required")
	}

	if cached, ok := geoReaders.Load(cfg.Database); ok {
		return &geoIP{reader: cached.(*geoip2.Reader), key: cfg.MetadataKey}, nil
	}

	reader, err := geoip2.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %q: %w", cfg.Database, err)
	}
	if cached, loaded := geoReaders.LoadOrStore(cfg.Database, reader); loaded {
		// Lost the race; use the winner.
		reader.Close()
		reader = cached.(*geoip2.Reader)
	}

	return &geoIP{reader: reader, key: cfg.MetadataKey}, nil
}

func (f *geoIP) Name() string { return GeoIPName }

func (f *geoIP) OnRead(pc *Context) error {
	record, err := f.reader.Country(pc.Source.IP)
	if err != nil || record.Country.IsoCode == "" {
		return nil
	}
	pc.SetMetadata(f.key, record.Country.IsoCode)
	return nil
}

func (f *geoIP) OnWrite(pc *Context) error {
	return nil
}
