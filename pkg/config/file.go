// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/FrankXu7/quilkin/pkg/cluster"
	"github.com/FrankXu7/quilkin/pkg/errors"
	"github.com/FrankXu7/quilkin/pkg/filters"
)

// fileConfig is the YAML form a snapshot is delivered in:
//
//	version: v1alpha1
//	id: my-proxy
//	filters:
//	  - name: capture
//	    config:
//	      size: 3
//	clusters:
//	  default:
//	    localities:
//	      - endpoints:
//	          - address: 127.0.0.1:26000
//	            metadata:
//	              tokens: ["MXg3aWp5Ng=="]
type fileConfig struct {
	Version  string                 `yaml:"version"`
	ID       string                 `yaml:"id,omitempty"`
	Filters  []filters.Spec         `yaml:"filters,omitempty"`
	Clusters map[string]fileCluster `yaml:"clusters,omitempty"`
}

type fileCluster struct {
	Policy     string         `yaml:"policy,omitempty"`
	Localities []fileLocality `yaml:"localities"`
}

type fileLocality struct {
	Locality  *cluster.Locality `yaml:"locality,omitempty"`
	Endpoints []fileEndpoint    `yaml:"endpoints"`
}

type fileEndpoint struct {
	Address  string        `yaml:"address"`
	Metadata *fileMetadata `yaml:"metadata,omitempty"`
}

type fileMetadata struct {
	Tokens []string `yaml:"tokens,omitempty"` // base64
}

// Load parses a YAML snapshot description from r. Unknown fields are
// rejected rather than silently ignored. The returned snapshot is fully
// built but not yet validated against a store; Publish does that.
func Load(r io.Reader) (*Snapshot, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var fc fileConfig
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}

	if fc.Version != "" && fc.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %q", errors.ErrInvalidConfig, fc.Version)
	}
	if fc.ID == "" {
		fc.ID = uuid.NewString()
	}

	clusters, err := buildClusters(fc.Clusters)
	if err != nil {
		return nil, err
	}

	chain, err := filters.BuildChain(fc.Filters)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		ID:          fc.ID,
		FilterSpecs: fc.Filters,
		Chain:       chain,
		Clusters:    clusters,
	}, nil
}

// LoadFile parses a YAML snapshot from the file at path.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Static builds a snapshot with no filters and a single default cluster over
// the given endpoint addresses, for proxies configured with a fixed forward
// list instead of a config source.
func Static(id string, addresses []string) (*Snapshot, error) {
	endpoints := make([]cluster.Endpoint, 0, len(addresses))
	for _, addr := range addresses {
		endpoints = append(endpoints, cluster.Endpoint{Address: addr})
	}

	clusters, err := cluster.NewMap(cluster.New(cluster.DefaultCluster, cluster.PolicyRoundRobin, endpoints))
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	return &Snapshot{
		ID:       id,
		Chain:    filters.NewChain(),
		Clusters: clusters,
	}, nil
}

func buildClusters(fcs map[string]fileCluster) (*cluster.Map, error) {
	names := make([]string, 0, len(fcs))
	for name := range fcs {
		names = append(names, name)
	}
	sort.Strings(names)

	built := make([]*cluster.Cluster, 0, len(names))
	for _, name := range names {
		fc := fcs[name]

		policy, err := cluster.ParsePolicy(fc.Policy)
		if err != nil {
			return nil, fmt.Errorf("cluster %q: %w", name, err)
		}

		var endpoints []cluster.Endpoint
		for _, loc := range fc.Localities {
			for _, fe := range loc.Endpoints {
				ep := cluster.Endpoint{Address: fe.Address}
				if loc.Locality != nil {
					ep.Locality = *loc.Locality
				}
				if fe.Metadata != nil {
					for _, tok := range fe.Metadata.Tokens {
						decoded, err := base64.StdEncoding.DecodeString(tok)
						if err != nil {
							return nil, fmt.Errorf("%w: cluster %q endpoint %q: invalid token %q: %v",
								errors.ErrInvalidConfig, name, fe.Address, tok, err)
						}
						ep.Metadata.Tokens = append(ep.Metadata.Tokens, decoded)
					}
				}
				endpoints = append(endpoints, ep)
			}
		}

		built = append(built, cluster.New(name, policy, endpoints))
	}

	return cluster.NewMap(built...)
}
