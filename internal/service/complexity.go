package service

import (
	"strings"

	"github.com/dlorp/synapse-engine/internal/domain/model"
)

// ComplexityAssessment is the outcome of the heuristic query scoring.
type ComplexityAssessment struct {
	Score     float64    `json:"score"` // 0..10
	Tier      model.Tier `json:"tier"`
	Reasoning string     `json:"reasoning"`
	// IsCoding marks queries that should prefer a coder model when one
	// is available.
	IsCoding bool `json:"isCoding"`
}

// Keyword groups that suggest harder queries.
var (
	reasoningKeywords = []string{
		"why", "explain", "prove", "derive", "compare", "tradeoff", "trade-off",
		"analyze", "analyse", "evaluate", "reason", "implication", "architecture",
		"design", "optimize", "optimise", "debug",
	}
	codingKeywords = []string{
		"code", "function", "implement", "refactor", "bug", "compile", "algorithm",
		"class", "struct", "api", "regex", "sql", "script",
	}
	multiStepKeywords = []string{
		"step by step", "step-by-step", "first", "then", "finally", "plan",
		"strategy", "pros and cons",
	}
)

// AssessComplexity is a pure function scoring the query text on a 0-10
// scale and mapping it to a tier: <=3.5 fast, <=7 balanced, else
// powerful.
func AssessComplexity(query string) ComplexityAssessment {
	lower := strings.ToLower(query)
	words := strings.Fields(lower)

	score := 0.0
	var reasons []string

	// Length contributes up to 3 points.
	switch {
	case len(words) > 100:
		score += 3
		reasons = append(reasons, "long query")
	case len(words) > 40:
		score += 2
		reasons = append(reasons, "medium-length query")
	case len(words) > 12:
		score += 1
	}

	if n := countKeywords(lower, reasoningKeywords); n > 0 {
		score += minFloat(float64(n)*1.5, 3)
		reasons = append(reasons, "reasoning terms")
	}
	coding := countKeywords(lower, codingKeywords)
	if coding > 0 {
		score += minFloat(float64(coding)*1.0, 2.5)
		reasons = append(reasons, "code-related terms")
	}
	if n := countKeywords(lower, multiStepKeywords); n > 0 {
		score += minFloat(float64(n)*1.0, 1.5)
		reasons = append(reasons, "multi-step structure")
	}
	if strings.Contains(query, "```") || strings.Contains(lower, ".go") || strings.Contains(lower, ".py") {
		score += 1
		reasons = append(reasons, "embedded code")
	}

	if score > 10 {
		score = 10
	}

	tier := model.TierFast
	switch {
	case score > 7:
		tier = model.TierPowerful
	case score > 3.5:
		tier = model.TierBalanced
	}

	reasoning := "short factual query"
	if len(reasons) > 0 {
		reasoning = strings.Join(reasons, ", ")
	}
	return ComplexityAssessment{Score: score, Tier: tier, Reasoning: reasoning, IsCoding: coding >= 2}
}

func countKeywords(text string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			n++
		}
	}
	return n
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
