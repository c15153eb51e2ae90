package main

import (
	"sync"

	"github.com/clusterlb/clusterlb/internal/affinity"
	"github.com/clusterlb/clusterlb/internal/config"
	"github.com/clusterlb/clusterlb/internal/rediscluster"
	"github.com/clusterlb/clusterlb/internal/registry"
)

// statusAdapter implements webapi.StatusSource over whichever live
// registry/affinity/topology a mode wires up, without webapi needing to
// import either mode's packages concretely.
type statusAdapter struct {
	mu   sync.RWMutex
	reg  *registry.Registry
	aff  *affinity.Engine    // nil outside MongoDB mode or when affinity is disabled
	topo *rediscluster.Topology // nil outside Redis mode
}

func newStatusAdapter(cfg *config.Config) *statusAdapter {
	return &statusAdapter{}
}

func (s *statusAdapter) update(cfg *config.Config) {
	// Structural fields (mode, listen addresses) are not hot-reloaded; only
	// the wiring already in place keeps reporting. Nothing to do here yet.
}

func (s *statusAdapter) BackendSnapshot() []registry.Backend {
	s.mu.RLock()
	reg := s.reg
	s.mu.RUnlock()
	if reg == nil {
		return nil
	}
	return reg.All()
}

func (s *statusAdapter) AffinityStats() (enabled bool, totalSessions int, backendDistribution map[string]int) {
	s.mu.RLock()
	aff := s.aff
	s.mu.RUnlock()
	if aff == nil {
		return false, 0, nil
	}
	stats := aff.Stats()
	return true, stats.TotalSessions, stats.BackendDistribution
}

func (s *statusAdapter) SlotCoverage() (applicable bool, assigned, total int, missing []uint16) {
	s.mu.RLock()
	topo := s.topo
	s.mu.RUnlock()
	if topo == nil {
		return false, 0, 0, nil
	}
	cov := topo.Slots().Coverage()
	return true, cov.AssignedSlots, cov.TotalSlots, cov.MissingSlots
}
