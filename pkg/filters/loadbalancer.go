// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"github.com/FrankXu7/quilkin/pkg/cluster"
)

// LoadBalancerName is the registered name of the load balancer filter.
const LoadBalancerName = "load-balancer"

// ReasonNoEndpoint is the drop reason recorded when no endpoint resolves.
const ReasonNoEndpoint = "no_endpoint"

type loadBalancerConfig struct {
	Cluster string `yaml:"cluster"`
}

// loadBalancer routes each packet to an endpoint chosen by the target
// cluster's selection policy, typically round-robin.
type loadBalancer struct {
	cluster string
}

func newLoadBalancer(config map[string]any) (Filter, error) {
	cfg := loadBalancerConfig{Cluster: cluster.DefaultCluster}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return &loadBalancer{cluster: cfg.Cluster}, nil
}

func (f *loadBalancer) Name() string { return LoadBalancerName }

// ReferencedClusters lets publish-time validation reject snapshots whose
// chain names a cluster the snapshot does not define.
func (f *loadBalancer) ReferencedClusters() []string {
	return []string{f.cluster}
}

func (f *loadBalancer) OnRead(pc *Context) error {
	ep, err := pc.Clusters.Resolve(f.cluster, nil)
	if err != nil {
		return Drop(ReasonNoEndpoint)
	}
	pc.SetDestination(ep)
	return nil
}

func (f *loadBalancer) OnWrite(pc *Context) error {
	return nil
}
