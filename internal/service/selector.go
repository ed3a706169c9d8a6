package service

import (
	"fmt"
	"sync"

	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/model"
)

// ReadyChecker answers whether a model currently has a ready inference
// server. Satisfied by ManagerService.
type ReadyChecker interface {
	IsReady(modelID string) bool
}

// Selector picks ready models per tier with a stateful round-robin so
// repeated queries spread across equivalent models deterministically.
type Selector struct {
	registry *RegistryService
	manager  ReadyChecker

	mu       sync.Mutex
	counters map[model.Tier]int
	routing  *RoutingStats
}

// NewSelector creates a selector over the registry and server manager.
func NewSelector(registry *RegistryService, manager ReadyChecker, routing *RoutingStats) *Selector {
	return &Selector{
		registry: registry,
		manager:  manager,
		counters: make(map[model.Tier]int),
		routing:  routing,
	}
}

// ready returns enabled models with a ready server, sorted by id
// (List is already id-sorted, which gives the deterministic tie-break).
func (s *Selector) ready() []*model.Model {
	var out []*model.Model
	for _, m := range s.registry.Enabled() {
		if s.manager.IsReady(m.ID) {
			out = append(out, m)
		}
	}
	return out
}

// Ready exposes the ready pool for the multi-model modes.
func (s *Selector) Ready() []*model.Model {
	return s.ready()
}

// Select chooses one ready model in the requested tier, round-robin
// within the tier. With no model in tier it falls back across the other
// tiers, preferring stronger models for powerful requests and weaker
// ones for fast requests. The fallback is recorded for routing
// analytics.
func (s *Selector) Select(tier model.Tier) (*model.Model, error) {
	pool := s.ready()
	if len(pool) == 0 {
		return nil, domain.ErrNoModelAvailable
	}

	inTier := make([]*model.Model, 0, len(pool))
	for _, m := range pool {
		if m.EffectiveTier() == tier {
			inTier = append(inTier, m)
		}
	}

	if len(inTier) > 0 {
		s.mu.Lock()
		idx := s.counters[tier] % len(inTier)
		s.counters[tier]++
		s.mu.Unlock()
		return inTier[idx], nil
	}

	// Fallback across tiers: powerful requests prefer the strongest
	// available model, fast requests the weakest; balanced takes the
	// nearest in either direction, preferring stronger.
	best := pool[0]
	for _, m := range pool[1:] {
		if tier == model.TierFast {
			if m.EffectiveTier().Rank() < best.EffectiveTier().Rank() {
				best = m
			}
		} else {
			if m.EffectiveTier().Rank() > best.EffectiveTier().Rank() {
				best = m
			}
		}
	}
	if s.routing != nil {
		s.routing.RecordFallback()
	}
	return best, nil
}

// SelectCoder chooses a ready coder model, preferring the requested tier.
func (s *Selector) SelectCoder(tier model.Tier) (*model.Model, error) {
	pool := s.ready()
	coders := pool[:0]
	for _, m := range pool {
		if m.IsCoder {
			coders = append(coders, m)
		}
	}
	if len(coders) == 0 {
		return nil, fmt.Errorf("no coder model: %w", domain.ErrNoModelAvailable)
	}
	for _, m := range coders {
		if m.EffectiveTier() == tier {
			return m, nil
		}
	}
	return coders[0], nil
}

// SelectDistinct picks up to n distinct ready models, one per tier where
// possible (fast, balanced, powerful order), topping up with whatever
// remains. Fewer than n models are returned when the pool is small.
func (s *Selector) SelectDistinct(n int) []*model.Model {
	pool := s.ready()
	picked := make([]*model.Model, 0, n)
	used := make(map[string]bool, n)

	for _, tier := range []model.Tier{model.TierFast, model.TierBalanced, model.TierPowerful} {
		if len(picked) == n {
			break
		}
		for _, m := range pool {
			if m.EffectiveTier() == tier && !used[m.ID] {
				picked = append(picked, m)
				used[m.ID] = true
				break
			}
		}
	}
	for _, m := range pool {
		if len(picked) == n {
			break
		}
		if !used[m.ID] {
			picked = append(picked, m)
			used[m.ID] = true
		}
	}
	return picked
}

// Availability reports ready/total counts per tier for routing analytics.
func (s *Selector) Availability() []TierAvailability {
	ready := make(map[model.Tier]int)
	total := make(map[model.Tier]int)
	for _, m := range s.registry.Enabled() {
		t := m.EffectiveTier()
		total[t]++
		if s.manager.IsReady(m.ID) {
			ready[t]++
		}
	}
	out := make([]TierAvailability, 0, 3)
	for _, t := range []model.Tier{model.TierFast, model.TierBalanced, model.TierPowerful} {
		out = append(out, TierAvailability{Tier: string(t), Available: ready[t], Total: total[t]})
	}
	return out
}
