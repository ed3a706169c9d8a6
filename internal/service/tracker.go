package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/event"
	"github.com/dlorp/synapse-engine/internal/domain/pipeline"
	"github.com/dlorp/synapse-engine/internal/port/broadcast"
)

// Tracker defaults.
const (
	PipelineTTL             = time.Hour
	PipelineCleanupInterval = 5 * time.Minute
)

// trackedPipeline pairs a pipeline with its own lock so concurrent
// queries progress independently.
type trackedPipeline struct {
	mu sync.Mutex
	p  *pipeline.Pipeline
}

// TrackerStats is the wire form of GET /api/pipeline/stats.
type TrackerStats struct {
	Total      int `json:"total"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// TrackerService tracks every in-flight query across the six canonical
// stages and fans stage transitions to the event bus.
type TrackerService struct {
	mu        sync.RWMutex
	pipelines map[string]*trackedPipeline
	hub       broadcast.Broadcaster
	ttl       time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewTrackerService creates a tracker with the default TTL and cleanup
// interval.
func NewTrackerService(hub broadcast.Broadcaster) *TrackerService {
	return &TrackerService{
		pipelines: make(map[string]*trackedPipeline),
		hub:       hub,
		ttl:       PipelineTTL,
		interval:  PipelineCleanupInterval,
		now:       time.Now,
	}
}

// Start launches the background cleanup loop until ctx is cancelled.
func (s *TrackerService) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := s.Cleanup()
				if removed > 0 {
					slog.Debug("pipeline cleanup", "removed", removed)
				}
			}
		}
	}()
}

// CreatePipeline inserts a pipeline with all six stages pending.
func (s *TrackerService) CreatePipeline(queryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[queryID] = &trackedPipeline{p: pipeline.New(queryID, s.now().UTC())}
}

// StartStage transitions the named stage to active. The caller owns the
// pipeline, so double-starting a stage indicates a bug and is rejected.
func (s *TrackerService) StartStage(queryID, name string) error {
	return s.withStage(queryID, name, func(st *pipeline.Stage) error {
		if st.Status != pipeline.StagePending {
			return fmt.Errorf("stage %s is %s, not pending: %w", name, st.Status, domain.ErrConflict)
		}
		now := s.now().UTC()
		st.Status = pipeline.StageActive
		st.StartedAt = &now
		s.emitStage(event.TypePipelineStageStart, queryID, st)
		return nil
	})
}

// CompleteStage transitions active -> completed and records duration.
func (s *TrackerService) CompleteStage(queryID, name string, metadata map[string]json.RawMessage) error {
	return s.withStage(queryID, name, func(st *pipeline.Stage) error {
		if st.Status != pipeline.StageActive {
			return fmt.Errorf("stage %s is %s, not active: %w", name, st.Status, domain.ErrConflict)
		}
		s.finishStage(st, pipeline.StageCompleted)
		st.Metadata = metadata
		s.emitStage(event.TypePipelineStageComplete, queryID, st)
		return nil
	})
}

// FailStage transitions active -> failed.
func (s *TrackerService) FailStage(queryID, name string, cause error) error {
	return s.withStage(queryID, name, func(st *pipeline.Stage) error {
		if st.Status != pipeline.StageActive {
			return fmt.Errorf("stage %s is %s, not active: %w", name, st.Status, domain.ErrConflict)
		}
		s.finishStage(st, pipeline.StageFailed)
		if cause != nil {
			st.Error = cause.Error()
		}
		s.emitStage(event.TypePipelineStageFailed, queryID, st)
		return nil
	})
}

func (s *TrackerService) finishStage(st *pipeline.Stage, status pipeline.StageStatus) {
	now := s.now().UTC()
	st.Status = status
	st.EndedAt = &now
	if st.StartedAt != nil {
		st.DurationMs = float64(now.Sub(*st.StartedAt)) / float64(time.Millisecond)
	}
}

// CompletePipeline sets the overall status and the result fields.
func (s *TrackerService) CompletePipeline(queryID string, result pipeline.Result) error {
	tp, err := s.get(queryID)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	tp.p.Status = pipeline.StatusCompleted
	tp.p.Result = &result
	tp.mu.Unlock()

	s.emit(event.TypePipelineComplete, queryID, event.SeverityInfo,
		event.Meta("queryId", queryID, "modelSelected", result.ModelSelected, "tier", result.Tier))
	return nil
}

// FailPipeline sets the overall status to failed and fails any stage
// still active so the record is never left half-open.
func (s *TrackerService) FailPipeline(queryID string, cause error) error {
	tp, err := s.get(queryID)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	tp.p.Status = pipeline.StatusFailed
	if cause != nil {
		tp.p.Error = cause.Error()
	}
	for i := range tp.p.Stages {
		if tp.p.Stages[i].Status == pipeline.StageActive {
			s.finishStage(&tp.p.Stages[i], pipeline.StageFailed)
			if cause != nil {
				tp.p.Stages[i].Error = cause.Error()
			}
		}
	}
	tp.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.emit(event.TypePipelineFailed, queryID, event.SeverityError,
		event.Meta("queryId", queryID, "error", msg))
	return nil
}

// Get returns a copy of the pipeline.
func (s *TrackerService) Get(queryID string) (*pipeline.Pipeline, error) {
	tp, err := s.get(queryID)
	if err != nil {
		return nil, err
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	cp := *tp.p
	cp.Stages = append([]pipeline.Stage(nil), tp.p.Stages...)
	if tp.p.Result != nil {
		r := *tp.p.Result
		cp.Result = &r
	}
	return &cp, nil
}

// Stats counts pipelines by status.
func (s *TrackerService) Stats() TrackerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := TrackerStats{Total: len(s.pipelines)}
	for _, tp := range s.pipelines {
		tp.mu.Lock()
		switch tp.p.Status {
		case pipeline.StatusProcessing:
			stats.Processing++
		case pipeline.StatusCompleted:
			stats.Completed++
		case pipeline.StatusFailed:
			stats.Failed++
		}
		tp.mu.Unlock()
	}
	return stats
}

// Cleanup removes pipelines older than the TTL that are no longer
// processing. Returns how many were removed.
func (s *TrackerService) Cleanup() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, tp := range s.pipelines {
		tp.mu.Lock()
		expired := tp.p.CreatedAt.Before(cutoff) && tp.p.Status != pipeline.StatusProcessing
		tp.mu.Unlock()
		if expired {
			delete(s.pipelines, id)
			removed++
		}
	}
	return removed
}

func (s *TrackerService) get(queryID string) (*trackedPipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tp, ok := s.pipelines[queryID]
	if !ok {
		return nil, fmt.Errorf("pipeline %s: %w", queryID, domain.ErrNotFound)
	}
	return tp, nil
}

func (s *TrackerService) withStage(queryID, name string, fn func(*pipeline.Stage) error) error {
	tp, err := s.get(queryID)
	if err != nil {
		return err
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	st := tp.p.StageByName(name)
	if st == nil {
		return fmt.Errorf("stage %s: %w", name, domain.ErrNotFound)
	}
	return fn(st)
}

func (s *TrackerService) emitStage(t event.Type, queryID string, st *pipeline.Stage) {
	s.emit(t, queryID, event.SeverityInfo, event.Meta(
		"queryId", queryID,
		"stage", st.Name,
		"status", st.Status,
		"durationMs", st.DurationMs,
	))
}

func (s *TrackerService) emit(t event.Type, queryID string, sev event.Severity, meta map[string]json.RawMessage) {
	if s.hub == nil {
		return
	}
	s.hub.Emit(event.Event{
		Type:     t,
		Message:  fmt.Sprintf("%s %s", t, queryID),
		Severity: sev,
		Metadata: meta,
	})
}
