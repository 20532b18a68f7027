// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/FrankXu7/quilkin/pkg/errors"
)

// Factory constructs a filter instance from its raw chain-definition config.
type Factory func(config map[string]any) (Filter, error)

// registry is the closed set of filter kinds, keyed by registered name.
var registry = map[string]Factory{
	FirewallName:       newFirewall,
	CaptureName:        newCapture,
	TokenRouterName:    newTokenRouter,
	LoadBalancerName:   newLoadBalancer,
	CompressName:       newCompress,
	LocalRateLimitName: newLocalRateLimit,
	GeoIPName:          newGeoIP,
	DebugName:          newDebug,
	ConcatenateName:    newConcatenate,
}

// Registered reports whether a filter kind with the given name exists.
func Registered(name string) bool {
	_, ok := registry[name]
	return ok
}

func build(spec Spec) (Filter, error) {
	factory, ok := registry[spec.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown filter %q", errors.ErrInvalidConfig, spec.Name)
	}
	f, err := factory(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %v", errors.ErrInvalidConfig, spec.Name, err)
	}
	return f, nil
}

// decodeConfig maps a raw config onto a filter's typed config struct by
// round-tripping through YAML, so filter configs share the snapshot file's
// field conventions. Unknown keys are an error: a misspelled or wrong-schema
// filter config must fail the chain build, not silently build a filter with
// zeroed fields.
func decodeConfig(raw map[string]any, out any) error {
	if raw == nil {
		return nil
	}
	b, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(out)
}
