// Package pipeline defines the six-stage per-query state record.
package pipeline

import (
	"encoding/json"
	"time"
)

// Status is the overall pipeline status.
type Status string

// Pipeline statuses.
const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StageStatus is the status of a single stage.
type StageStatus string

// Stage statuses. Transitions are monotonic: pending -> active ->
// completed|failed, never backwards.
const (
	StagePending   StageStatus = "pending"
	StageActive    StageStatus = "active"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Canonical stage names in execution order.
const (
	StageInput      = "input"
	StageComplexity = "complexity"
	StageCGRAG      = "cgrag"
	StageRouting    = "routing"
	StageGeneration = "generation"
	StageResponse   = "response"
)

// StageNames returns the six canonical stages in order.
func StageNames() []string {
	return []string{StageInput, StageComplexity, StageCGRAG, StageRouting, StageGeneration, StageResponse}
}

// Stage is one step of a pipeline.
type Stage struct {
	Name       string                     `json:"name"`
	Status     StageStatus                `json:"status"`
	StartedAt  *time.Time                 `json:"startedAt,omitempty"`
	EndedAt    *time.Time                 `json:"endedAt,omitempty"`
	DurationMs float64                    `json:"durationMs,omitempty"`
	Metadata   map[string]json.RawMessage `json:"metadata,omitempty"`
	Error      string                     `json:"error,omitempty"`
}

// Result carries the pipeline-level outcome fields set on completion.
type Result struct {
	ModelSelected      string `json:"modelSelected,omitempty"`
	Tier               string `json:"tier,omitempty"`
	CGRAGArtifactCount int    `json:"cgragArtifactCount"`
}

// Pipeline is the state record for one in-flight query.
type Pipeline struct {
	QueryID   string    `json:"queryId"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
	Stages    []Stage   `json:"stages"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// New creates a pipeline with all six stages pending.
func New(queryID string, now time.Time) *Pipeline {
	names := StageNames()
	stages := make([]Stage, len(names))
	for i, n := range names {
		stages[i] = Stage{Name: n, Status: StagePending}
	}
	return &Pipeline{
		QueryID:   queryID,
		CreatedAt: now,
		Status:    StatusProcessing,
		Stages:    stages,
	}
}

// StageByName returns a pointer to the named stage, or nil.
func (p *Pipeline) StageByName(name string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}

// Terminal reports whether the pipeline reached a final status.
func (p *Pipeline) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}
