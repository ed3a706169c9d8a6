package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/allocation"
)

// Allocator defaults.
const (
	AllocationTTL             = time.Hour
	AllocationCleanupInterval = 5 * time.Minute
	utilizationWarnPct        = 80
	previewLen                = 120
)

// StoreAllocationRequest carries the raw prompt components of one query.
type StoreAllocationRequest struct {
	QueryID       string
	ModelID       string
	SystemPrompt  string
	CGRAGContext  string
	UserQuery     string
	ContextWindow int
	Artifacts     []allocation.Artifact
}

// AllocatorService attributes each query's token budget across the
// context window components and retains the records in memory.
type AllocatorService struct {
	mu     sync.Mutex
	allocs map[string]*allocation.Allocation
	count  func(string) int
	ttl    time.Duration
	now    func() time.Time
}

// NewAllocatorService creates an allocator using the given token count
// function; nil selects the BPE counter.
func NewAllocatorService(count func(string) int) *AllocatorService {
	if count == nil {
		count = NewTokenCounter().Count
	}
	return &AllocatorService{
		allocs: make(map[string]*allocation.Allocation),
		count:  count,
		ttl:    AllocationTTL,
		now:    time.Now,
	}
}

// Start launches the background TTL sweep until ctx is cancelled.
func (s *AllocatorService) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(AllocationCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// Store counts tokens per component and records the allocation. The
// response budget is whatever the window has left; over-budget input is
// clamped to zero budget and flagged. Storage never fails a query.
func (s *AllocatorService) Store(req StoreAllocationRequest) *allocation.Allocation {
	system := s.count(req.SystemPrompt)
	cgrag := s.count(req.CGRAGContext)
	user := s.count(req.UserQuery)
	rawUsed := system + cgrag + user

	utilization := 0.0
	if req.ContextWindow > 0 {
		utilization = float64(rawUsed) / float64(req.ContextWindow) * 100
	}

	// The recorded attribution never exceeds the window: anything the
	// window cannot hold is clamped out of the retrieved-context slice
	// first (that is what gets truncated from the prompt), then the
	// system prompt, then the query itself.
	if rawUsed > req.ContextWindow {
		overflow := rawUsed - req.ContextWindow
		for _, slot := range []*int{&cgrag, &system, &user} {
			take := min(*slot, overflow)
			*slot -= take
			overflow -= take
			if overflow == 0 {
				break
			}
		}
	}
	used := system + cgrag + user

	budget := req.ContextWindow - used
	if budget < 0 {
		budget = 0
	}

	warning := ""
	switch {
	case utilization > 100:
		warning = fmt.Sprintf("context overflow: %d tokens exceed the %d-token window", rawUsed, req.ContextWindow)
	case utilization >= utilizationWarnPct:
		warning = fmt.Sprintf("context window %.0f%% utilized before generation", utilization)
	}

	alloc := &allocation.Allocation{
		QueryID:           req.QueryID,
		ModelID:           req.ModelID,
		ContextWindowSize: req.ContextWindow,
		Components: []allocation.Component{
			{Kind: allocation.KindSystemPrompt, TokensUsed: system, TokensAllocated: system, ContentPreview: preview(req.SystemPrompt)},
			{Kind: allocation.KindCGRAGContext, TokensUsed: cgrag, TokensAllocated: cgrag, ContentPreview: preview(req.CGRAGContext)},
			{Kind: allocation.KindUserQuery, TokensUsed: user, TokensAllocated: user, ContentPreview: preview(req.UserQuery)},
			{Kind: allocation.KindResponseBudget, TokensUsed: 0, TokensAllocated: budget},
		},
		CGRAGArtifacts: req.Artifacts,
		TotalUsed:      used,
		Remaining:      budget,
		UtilizationPct: utilization,
		Warning:        warning,
		CreatedAt:      s.now().UTC(),
	}

	s.mu.Lock()
	s.allocs[req.QueryID] = alloc
	s.mu.Unlock()

	if warning != "" {
		slog.Warn("context allocation", "query_id", req.QueryID, "warning", warning)
	}
	return alloc
}

// Get returns the allocation for a query.
func (s *AllocatorService) Get(queryID string) (*allocation.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocs[queryID]
	if !ok {
		return nil, fmt.Errorf("allocation %s: %w", queryID, domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// Stats summarizes retained allocations.
func (s *AllocatorService) Stats() allocation.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := allocation.Stats{Total: len(s.allocs)}
	if stats.Total == 0 {
		return stats
	}
	sum := 0.0
	for _, a := range s.allocs {
		sum += a.UtilizationPct
	}
	stats.AvgUtilization = sum / float64(stats.Total)
	return stats
}

// CountTokens exposes the configured counter to the orchestrator.
func (s *AllocatorService) CountTokens(text string) int {
	return s.count(text)
}

func (s *AllocatorService) cleanup() {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.allocs {
		if a.CreatedAt.Before(cutoff) {
			delete(s.allocs, id)
		}
	}
}

func preview(text string) string {
	if len(text) <= previewLen {
		return text
	}
	return text[:previewLen] + "..."
}
