// Package query defines the request/response types for the query
// orchestration endpoint.
package query

import (
	"fmt"
	"strings"

	"github.com/dlorp/synapse-engine/internal/domain"
)

// Mode selects the processing strategy for a query.
type Mode string

// Processing modes.
const (
	ModeSimple    Mode = "simple"
	ModeTwoStage  Mode = "two-stage"
	ModeCouncil   Mode = "council"
	ModeBenchmark Mode = "benchmark"
)

// ParseMode validates a mode string from the wire.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeSimple:
		return ModeSimple, nil
	case ModeTwoStage:
		return ModeTwoStage, nil
	case ModeCouncil:
		return ModeCouncil, nil
	case ModeBenchmark:
		return ModeBenchmark, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", domain.ErrValidation, s)
	}
}

// Bounds for request knobs.
const (
	MaxTokensMin       = 1
	MaxTokensMax       = 32000
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.7
)

// Request is the body of POST /api/query.
type Request struct {
	Query              string   `json:"query"`
	Mode               Mode     `json:"mode"`
	UseContext         *bool    `json:"useContext,omitempty"` // default true
	MaxTokens          *int     `json:"maxTokens,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	CouncilAdversarial bool     `json:"councilAdversarial,omitempty"`
	BenchmarkSerial    bool     `json:"benchmarkSerial,omitempty"`
}

// Normalize applies defaults and validates bounds. It mutates the request
// in place so the orchestrator sees resolved values only.
func (r *Request) Normalize() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("%w: query must not be empty", domain.ErrValidation)
	}
	if r.Mode == "" {
		r.Mode = ModeSimple
	} else {
		m, err := ParseMode(string(r.Mode))
		if err != nil {
			return err
		}
		r.Mode = m
	}
	if r.UseContext == nil {
		t := true
		r.UseContext = &t
	}
	if r.MaxTokens == nil {
		n := DefaultMaxTokens
		r.MaxTokens = &n
	}
	if *r.MaxTokens < MaxTokensMin || *r.MaxTokens > MaxTokensMax {
		return fmt.Errorf("%w: maxTokens must be in [%d, %d]", domain.ErrValidation, MaxTokensMin, MaxTokensMax)
	}
	if r.Temperature == nil {
		t := DefaultTemperature
		r.Temperature = &t
	}
	if *r.Temperature < 0 || *r.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0.0, 2.0]", domain.ErrValidation)
	}
	return nil
}

// StageResult records one model call inside a multi-stage mode.
type StageResult struct {
	ModelID    string  `json:"modelId"`
	Tier       string  `json:"tier,omitempty"`
	Role       string  `json:"role,omitempty"` // e.g. "pro", "con", "moderator"
	Response   string  `json:"response,omitempty"`
	TimeMs     float64 `json:"timeMs"`
	Tokens     int     `json:"tokens,omitempty"`
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
	FromCache  bool    `json:"fromCache,omitempty"`
	RoundIndex int     `json:"roundIndex,omitempty"`
}

// CouncilParticipant records both rounds for one council member.
type CouncilParticipant struct {
	ModelID string      `json:"modelId"`
	Tier    string      `json:"tier"`
	Round1  StageResult `json:"round1"`
	Round2  StageResult `json:"round2"`
}

// Metadata is returned alongside every response body.
type Metadata struct {
	QueryID          string  `json:"queryId"`
	QueryMode        Mode    `json:"queryMode"`
	ModelID          string  `json:"modelId,omitempty"`
	Tier             string  `json:"tier,omitempty"`
	ComplexityScore  float64 `json:"complexityScore"`
	ComplexityReason string  `json:"complexityReason,omitempty"`
	CGRAGArtifacts   int     `json:"cgragArtifacts"`
	ProcessingTimeMs float64 `json:"processingTimeMs"`
	TokensGenerated  int     `json:"tokensGenerated,omitempty"`
	CacheHit         bool    `json:"cacheHit,omitempty"`
	Degraded         bool    `json:"degraded,omitempty"`

	// two-stage
	Stage1 *StageResult `json:"stage1,omitempty"`
	Stage2 *StageResult `json:"stage2,omitempty"`

	// council
	Participants []CouncilParticipant `json:"participants,omitempty"`
	Synthesis    *StageResult         `json:"synthesis,omitempty"`

	// benchmark
	BenchmarkResults []StageResult `json:"benchmarkResults,omitempty"`
}

// Response is the body of a successful POST /api/query.
type Response struct {
	ResponseText string   `json:"responseText"`
	Metadata     Metadata `json:"metadata"`
}
