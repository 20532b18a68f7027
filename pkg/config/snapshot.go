// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config holds the versioned data-plane configuration: the snapshot
// model, the atomically-swapped store every packet worker reads, and the YAML
// form snapshots are delivered in.
package config

import (
	"fmt"

	"github.com/FrankXu7/quilkin/pkg/cluster"
	"github.com/FrankXu7/quilkin/pkg/errors"
	"github.com/FrankXu7/quilkin/pkg/filters"
)

// Version is the only supported snapshot schema version.
const Version = "v1alpha1"

// Snapshot is one immutable, internally consistent version of the full
// routing and filter configuration. Exactly one snapshot is active at any
// instant; workers that captured a handle keep processing on that exact
// snapshot until they re-fetch.
type Snapshot struct {
	// ID names the proxy instance the snapshot was built for.
	ID string

	// Generation is the monotonic version number, assigned by the store at
	// publish time.
	Generation uint64

	// FilterSpecs is the chain definition the Chain was (or will be) built from.
	FilterSpecs []filters.Spec

	// Chain is the built filter chain. Publish builds it from FilterSpecs
	// when nil.
	Chain *filters.Chain

	// Clusters is the active cluster map.
	Clusters *cluster.Map
}

// validate checks internal consistency and finishes construction: the chain
// is built from its specs if needed, and every cluster a filter references
// must resolve. A snapshot that fails here is never installed.
func (s *Snapshot) validate() error {
	if s.Clusters == nil {
		return fmt.Errorf("%w: snapshot has no cluster map", errors.ErrInvalidConfig)
	}

	if s.Chain == nil {
		chain, err := filters.BuildChain(s.FilterSpecs)
		if err != nil {
			return err
		}
		s.Chain = chain
	}

	for _, f := range s.Chain.Filters() {
		ref, ok := f.(filters.ClusterReferencer)
		if !ok {
			continue
		}
		for _, name := range ref.ReferencedClusters() {
			if _, ok := s.Clusters.Get(name); !ok {
				return fmt.Errorf("%w: filter %q references unknown cluster %q: %w",
					errors.ErrInvalidConfig, f.Name(), name, errors.ErrClusterNotFound)
			}
		}
	}

	return nil
}
