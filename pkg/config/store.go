// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/FrankXu7/quilkin/pkg/cluster"
	"github.com/FrankXu7/quilkin/pkg/filters"
	"github.com/FrankXu7/quilkin/pkg/metrics"
)

// Store holds the active config snapshot behind an atomic pointer. Publish is
// the only synchronization point: readers never block the writer or each
// other, and no lock is ever held across packet processing.
type Store struct {
	active atomic.Pointer[Snapshot]
	gen    atomic.Uint64

	// pub serializes publishers so snapshots install in generation order.
	// Readers stay lock-free on the atomic pointer.
	pub sync.Mutex

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStore creates a store seeded with an empty snapshot (generation zero, no
// filters, no clusters) so Load never returns nil.
func NewStore(logger *slog.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{logger: logger, metrics: m}
	s.active.Store(&Snapshot{
		Chain:    filters.NewChain(),
		Clusters: cluster.EmptyMap(),
	})
	return s
}

// Load returns a handle to the active snapshot. The handle stays fully
// consistent even if a publish lands while the caller is mid-packet; the
// caller sees the next snapshot on its next Load.
func (s *Store) Load() *Snapshot {
	return s.active.Load()
}

// Generation returns the generation number of the active snapshot.
func (s *Store) Generation() uint64 {
	return s.Load().Generation
}

// Publish validates the snapshot and installs it as the new active snapshot
// in one atomic swap. A snapshot failing validation is rejected and the
// previously active snapshot remains in effect.
func (s *Store) Publish(snap *Snapshot) error {
	if err := snap.validate(); err != nil {
		if s.metrics != nil {
			s.metrics.ConfigUpdates.WithLabelValues(metrics.ResultRejected).Inc()
		}
		s.logger.Error("config snapshot rejected",
			slog.String("error", err.Error()))
		return err
	}

	s.pub.Lock()
	snap.Generation = s.gen.Add(1)
	s.active.Store(snap)
	s.pub.Unlock()

	if s.metrics != nil {
		s.metrics.ConfigUpdates.WithLabelValues(metrics.ResultApplied).Inc()
		s.metrics.ConfigGeneration.Set(float64(snap.Generation))
		s.metrics.ActiveClusters.Set(float64(snap.Clusters.Len()))
		s.metrics.ActiveEndpoints.Set(float64(snap.Clusters.EndpointCount()))
	}

	s.logger.Info("config snapshot applied",
		slog.Uint64("generation", snap.Generation),
		slog.Int("filters", snap.Chain.Len()),
		slog.Int("clusters", snap.Clusters.Len()),
		slog.Int("endpoints", snap.Clusters.EndpointCount()))
	return nil
}
