package service_test

import (
	"strings"
	"testing"

	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/service"
)

func TestAssessComplexityShortFactual(t *testing.T) {
	a := service.AssessComplexity("What is 2+2?")
	if a.Tier != model.TierFast {
		t.Errorf("tier = %s, want fast", a.Tier)
	}
	if a.Score > 3.5 {
		t.Errorf("score = %v, too high for a trivial query", a.Score)
	}
	if a.Reasoning == "" {
		t.Error("reasoning must not be empty")
	}
}

func TestAssessComplexityReasoningQuery(t *testing.T) {
	q := "Explain and analyze the tradeoffs of event sourcing in a distributed architecture, then evaluate when to prefer it and how to implement it. " +
		strings.Repeat("Consider consistency, replay, and operational cost. ", 16)
	a := service.AssessComplexity(q)
	if a.Tier != model.TierPowerful {
		t.Errorf("tier = %s (score %v), want powerful", a.Tier, a.Score)
	}
}

func TestAssessComplexityBounded(t *testing.T) {
	q := strings.Repeat("explain analyze evaluate optimize debug refactor algorithm step by step plan ", 50)
	a := service.AssessComplexity(q)
	if a.Score < 0 || a.Score > 10 {
		t.Errorf("score %v outside [0, 10]", a.Score)
	}
}

func TestAssessComplexityIsPure(t *testing.T) {
	q := "Implement a function to parse GGUF filenames"
	first := service.AssessComplexity(q)
	second := service.AssessComplexity(q)
	if first != second {
		t.Error("assessment not deterministic")
	}
}
