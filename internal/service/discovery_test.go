package service_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/service"
)

// touch creates an empty file under dir, building parents as needed.
func touch(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("gguf"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestRegistry(t *testing.T, scanDir string) *service.RegistryService {
	t.Helper()
	reg, err := service.NewRegistryService(t.TempDir(), scanDir,
		model.PortRange{Start: 9000, End: 9010},
		model.TierThresholds{PowerfulMin: 13, FastMax: 7}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestDiscoveryParsesFilenames(t *testing.T) {
	scan := t.TempDir()
	touch(t, scan, "deepseek-r1-8b-q4_k_m.gguf")
	touch(t, scan, "qwen2.5-14b-instruct-q4_k_m.gguf")
	touch(t, scan, "llama-3b-chat-q3_k_m.gguf")
	touch(t, scan, "mystery_blob.gguf")

	reg := newTestRegistry(t, scan)
	if _, err := reg.Rescan(); err != nil {
		t.Fatalf("Rescan: %v", err)
	}

	models := reg.List()
	if len(models) != 4 {
		t.Fatalf("registered %d models, want 4 (unmatched files register too)", len(models))
	}

	byFamily := map[string]*model.Model{}
	for _, m := range models {
		byFamily[m.Family] = m
	}

	ds, ok := byFamily["deepseek"]
	if !ok {
		t.Fatal("deepseek model not registered")
	}
	if !ds.IsThinking {
		t.Error("r1 token should mark the model thinking")
	}
	if ds.EffectiveTier() != model.TierPowerful {
		t.Errorf("thinking model tier = %s, want powerful", ds.EffectiveTier())
	}
	if ds.SizeParams != 8 {
		t.Errorf("deepseek size = %v, want 8", ds.SizeParams)
	}
	if ds.Quantization != model.QuantQ4KM {
		t.Errorf("deepseek quant = %s, want q4_k_m", ds.Quantization)
	}

	qw, ok := byFamily["qwen2_5"]
	if !ok {
		t.Fatalf("qwen model not registered; families: %v", keysOf(byFamily))
	}
	if !qw.IsInstruct {
		t.Error("instruct token not detected")
	}
	if qw.EffectiveTier() != model.TierPowerful {
		t.Errorf("14b model tier = %s, want powerful (>= 13B)", qw.EffectiveTier())
	}

	ll, ok := byFamily["llama"]
	if !ok {
		t.Fatal("llama model not registered")
	}
	if ll.EffectiveTier() != model.TierFast {
		t.Errorf("3b q3 model tier = %s, want fast", ll.EffectiveTier())
	}

	unknown, ok := byFamily["mystery_blob"]
	if !ok {
		t.Fatal("unmatched filename should still register")
	}
	if unknown.Quantization != model.QuantUnknown {
		t.Errorf("unknown quant = %s", unknown.Quantization)
	}
	if unknown.EffectiveTier() != model.TierBalanced {
		t.Errorf("unparsed model tier = %s, want balanced", unknown.EffectiveTier())
	}
}

func TestDiscoveryPortsAreUniqueAndDeterministic(t *testing.T) {
	scan := t.TempDir()
	touch(t, scan, "alpha-4b-q4_k_m.gguf")
	touch(t, scan, "beta-4b-q4_k_m.gguf")
	touch(t, scan, "gamma-4b-q4_k_m.gguf")

	reg := newTestRegistry(t, scan)
	if _, err := reg.Rescan(); err != nil {
		t.Fatal(err)
	}

	seen := map[int]string{}
	var ports []int
	for _, m := range reg.List() {
		if prev, dup := seen[m.Port]; dup {
			t.Fatalf("port %d assigned to both %s and %s", m.Port, prev, m.ID)
		}
		seen[m.Port] = m.ID
		if m.Port < 9000 || m.Port > 9010 {
			t.Errorf("port %d outside range", m.Port)
		}
		ports = append(ports, m.Port)
	}
	// List is id-sorted and allocation follows id order.
	for i := 1; i < len(ports); i++ {
		if ports[i] <= ports[i-1] {
			t.Errorf("ports not ascending in id order: %v", ports)
		}
	}
}

func TestDiscoveryThinkingTokenIsWholeToken(t *testing.T) {
	scan := t.TempDir()
	touch(t, scan, "carbon1-9b-q4_k_m.gguf") // "r1" inside a word must not count
	reg := newTestRegistry(t, scan)
	if _, err := reg.Rescan(); err != nil {
		t.Fatal(err)
	}
	for _, m := range reg.List() {
		if m.IsThinking {
			t.Errorf("model %s wrongly detected as thinking", m.ID)
		}
	}
}

func keysOf[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
