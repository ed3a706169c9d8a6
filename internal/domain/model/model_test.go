package model_test

import (
	"errors"
	"testing"

	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/model"
)

func TestParseQuantization(t *testing.T) {
	cases := map[string]model.Quantization{
		"q4_k_m":  model.QuantQ4KM,
		"Q4_K_M":  model.QuantQ4KM,
		"q4km":    model.QuantQ4KM,
		"q8_0":    model.QuantQ80,
		"f16":     model.QuantF16,
		"fp16":    model.QuantF16,
		"mystery": model.QuantUnknown,
	}
	for in, want := range cases {
		if got := model.ParseQuantization(in); got != want {
			t.Errorf("ParseQuantization(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestQuantizationLowBit(t *testing.T) {
	low := []model.Quantization{model.QuantQ2K, model.QuantQ3KM, model.QuantQ4KM}
	for _, q := range low {
		if !q.IsLowBit() {
			t.Errorf("%s should be low-bit", q)
		}
	}
	high := []model.Quantization{model.QuantQ5KM, model.QuantQ6K, model.QuantQ80, model.QuantF16}
	for _, q := range high {
		if q.IsLowBit() {
			t.Errorf("%s should not be low-bit", q)
		}
	}
}

func TestParseTier(t *testing.T) {
	for _, s := range []string{"fast", "balanced", "powerful", "FAST"} {
		if _, err := model.ParseTier(s); err != nil {
			t.Errorf("ParseTier(%q): %v", s, err)
		}
	}
	if _, err := model.ParseTier("hyper"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("ParseTier(hyper) err = %v, want ErrValidation", err)
	}
}

func TestEffectiveTierHonorsOverride(t *testing.T) {
	m := model.Model{AssignedTier: model.TierBalanced}
	if m.EffectiveTier() != model.TierBalanced {
		t.Error("assigned tier not used without override")
	}
	fast := model.TierFast
	m.TierOverride = &fast
	if m.EffectiveTier() != model.TierFast {
		t.Error("override not honored")
	}
}

func TestThinkingOverride(t *testing.T) {
	m := model.Model{IsThinking: true}
	if !m.Thinking() {
		t.Error("detected thinking flag not used")
	}
	off := false
	m.ThinkingOverride = &off
	if m.Thinking() {
		t.Error("override must win over detection")
	}
}

func TestPortRangeContains(t *testing.T) {
	r := model.PortRange{Start: 9000, End: 9010}
	if !r.Contains(9000) || !r.Contains(9010) {
		t.Error("range bounds are inclusive")
	}
	if r.Contains(8999) || r.Contains(9011) {
		t.Error("out-of-range port accepted")
	}
}
