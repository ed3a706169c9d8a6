// Package model defines the domain types for discovered inference models
// and the persisted registry document.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlorp/synapse-engine/internal/domain"
)

// Quantization identifies the GGUF quantization of a model file.
type Quantization string

// Known quantization levels, ordered roughly by precision.
const (
	QuantQ2K     Quantization = "q2_k"
	QuantQ3KM    Quantization = "q3_k_m"
	QuantQ4KM    Quantization = "q4_k_m"
	QuantQ5KM    Quantization = "q5_k_m"
	QuantQ6K     Quantization = "q6_k"
	QuantQ80     Quantization = "q8_0"
	QuantF16     Quantization = "f16"
	QuantF32     Quantization = "f32"
	QuantUnknown Quantization = "unknown"
)

// ParseQuantization normalizes a quantization token from a filename or the
// wire. Unknown strings map to QuantUnknown without error; the type has
// no strict text decoder, so decoding JSON accepts any string as is.
func ParseQuantization(s string) Quantization {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "q2_k", "q2k":
		return QuantQ2K
	case "q3_k_m", "q3km":
		return QuantQ3KM
	case "q4_k_m", "q4km":
		return QuantQ4KM
	case "q5_k_m", "q5km":
		return QuantQ5KM
	case "q6_k", "q6k":
		return QuantQ6K
	case "q8_0", "q80":
		return QuantQ80
	case "f16", "fp16":
		return QuantF16
	case "f32", "fp32":
		return QuantF32
	default:
		return QuantUnknown
	}
}

// BitsPerWeight returns the approximate storage cost per parameter,
// used by the VRAM estimator.
func (q Quantization) BitsPerWeight() float64 {
	switch q {
	case QuantQ2K:
		return 2.6
	case QuantQ3KM:
		return 3.9
	case QuantQ4KM:
		return 4.8
	case QuantQ5KM:
		return 5.7
	case QuantQ6K:
		return 6.6
	case QuantQ80:
		return 8.5
	case QuantF16:
		return 16
	case QuantF32:
		return 32
	default:
		return 4.8 // assume a mid-range quant when unknown
	}
}

// IsLowBit reports whether the quantization is in the Q2-Q4 family.
func (q Quantization) IsLowBit() bool {
	switch q {
	case QuantQ2K, QuantQ3KM, QuantQ4KM:
		return true
	default:
		return false
	}
}

// Tier is the capability bucket a model is routed by.
type Tier string

// Capability tiers, weakest first.
const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierPowerful Tier = "powerful"
)

// ParseTier validates a tier string from the wire.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(s)) {
	case TierFast:
		return TierFast, nil
	case TierBalanced:
		return TierBalanced, nil
	case TierPowerful:
		return TierPowerful, nil
	default:
		return "", fmt.Errorf("%w: unknown tier %q", domain.ErrValidation, s)
	}
}

// Rank orders tiers for fallback preference (fast=0 .. powerful=2).
func (t Tier) Rank() int {
	switch t {
	case TierFast:
		return 0
	case TierBalanced:
		return 1
	case TierPowerful:
		return 2
	}
	return 1
}

// Model is a discovered on-disk inference artifact plus its user-visible
// attributes and overrides.
type Model struct {
	ID           string       `json:"id"`
	Path         string       `json:"path"`
	DisplayName  string       `json:"displayName"`
	Family       string       `json:"family"`
	Version      string       `json:"version,omitempty"`
	SizeParams   float64      `json:"sizeParams"` // billions
	Quantization Quantization `json:"quantization"`

	IsThinking bool `json:"isThinking"`
	IsCoder    bool `json:"isCoder"`
	IsInstruct bool `json:"isInstruct"`

	AssignedTier Tier  `json:"assignedTier"`
	TierOverride *Tier `json:"tierOverride,omitempty"`
	// ThinkingOverride, when set, wins over filename detection.
	ThinkingOverride *bool `json:"thinkingOverride,omitempty"`

	Port    int  `json:"port"`
	Enabled bool `json:"enabled"`

	// FileMissing is set on rescan when an enabled model's file vanished.
	FileMissing bool `json:"fileMissing,omitempty"`

	SizeBytes int64 `json:"sizeBytes,omitempty"`
}

// EffectiveTier resolves the tier honoring a user override.
func (m *Model) EffectiveTier() Tier {
	if m.TierOverride != nil {
		return *m.TierOverride
	}
	return m.AssignedTier
}

// Thinking resolves the thinking flag honoring a user override.
func (m *Model) Thinking() bool {
	if m.ThinkingOverride != nil {
		return *m.ThinkingOverride
	}
	return m.IsThinking
}

// PortRange is the inclusive port interval servers bind within.
type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether p lies in the range.
func (r PortRange) Contains(p int) bool {
	return p >= r.Start && p <= r.End
}

// TierThresholds hold the size cutoffs (billions of parameters) used by
// automatic tier assignment.
type TierThresholds struct {
	PowerfulMin float64 `json:"powerfulMin"`
	FastMax     float64 `json:"fastMax"`
}

// Registry is the persisted catalog document.
type Registry struct {
	Models         map[string]*Model `json:"models"`
	ScanPath       string            `json:"scanPath"`
	PortRange      PortRange         `json:"portRange"`
	TierThresholds TierThresholds    `json:"tierThresholds"`
	LastScanAt     time.Time         `json:"lastScanAt"`
	// Warnings carries per-model conditions surfaced to the UI, e.g.
	// an enabled model whose file vanished.
	Warnings []string `json:"warnings,omitempty"`
}

// ServerInfo is the wire view of a running inference server.
type ServerInfo struct {
	ModelID       string    `json:"modelId"`
	PID           int       `json:"pid"`
	Port          int       `json:"port"`
	Ready         bool      `json:"ready"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
}
