package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dlorp/synapse-engine/internal/domain/event"
	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/domain/settings"
	"github.com/dlorp/synapse-engine/internal/port/broadcast"
)

// SettingsFileName is the persisted settings document under the data dir.
const SettingsFileName = "runtime_settings.json"

// SettingsService holds the runtime tunables: schema-validated, persisted
// as one JSON document with atomic rewrite, applied in-memory immediately.
type SettingsService struct {
	mu       sync.RWMutex
	cur      settings.Settings
	filePath string
	hub      broadcast.Broadcaster
}

// NewSettingsService loads the settings document from dataDir, or starts
// from defaults when no file exists yet, then overlays seed (the
// config/env bootstrap values) in both cases. The resulting document is
// validated and persisted.
func NewSettingsService(dataDir string, seed func(*settings.Settings), hub broadcast.Broadcaster) (*SettingsService, error) {
	s := &SettingsService{
		filePath: filepath.Join(dataDir, SettingsFileName),
		hub:      hub,
	}

	cur := settings.Defaults()
	data, err := os.ReadFile(s.filePath)
	switch {
	case err == nil:
		if uerr := json.Unmarshal(data, &cur); uerr != nil {
			return nil, fmt.Errorf("parse settings: %w", uerr)
		}
	case os.IsNotExist(err):
		// first boot
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	// Env/config bootstrap values always win so operators can override
	// a persisted document per-deployment.
	if seed != nil {
		seed(&cur)
	}
	if err := cur.Validate(); err != nil {
		return nil, err
	}
	s.cur = cur
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the current settings document by value.
func (s *SettingsService) Get() settings.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update validates and persists a full replacement document. The
// returned list names restart-flagged fields that changed; the new
// values are nonetheless live immediately and apply to the next start.
func (s *SettingsService) Update(next settings.Settings) ([]string, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	restart := settings.RestartRequiredFields(&s.cur, &next)
	s.cur = next
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if s.hub != nil {
		s.hub.Emit(event.Event{
			Type:     event.TypeSettingsUpdated,
			Message:  "runtime settings updated",
			Severity: event.SeverityInfo,
			Metadata: event.Meta("restartRequired", restart),
		})
	}
	return restart, nil
}

// Reset restores the default document.
func (s *SettingsService) Reset() (settings.Settings, error) {
	def := settings.Defaults()
	if _, err := s.Update(def); err != nil {
		return settings.Settings{}, err
	}
	return def, nil
}

// PortRange derives the model port range from the current document.
func (s *SettingsService) PortRange() model.PortRange {
	st := s.Get()
	return model.PortRange{Start: st.PortRangeStart, End: st.PortRangeEnd}
}

// TierThresholds derives the tier cutoffs from the current document.
func (s *SettingsService) TierThresholds() model.TierThresholds {
	st := s.Get()
	return model.TierThresholds{PowerfulMin: st.PowerfulMinParams, FastMax: st.FastMaxParams}
}

// persistLocked writes via temp + rename; callers hold s.mu.
func (s *SettingsService) persistLocked() error {
	data, err := json.MarshalIndent(&s.cur, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return atomicWrite(s.filePath, data)
}

// VRAMModelEstimate is one model's share of the fleet estimate.
type VRAMModelEstimate struct {
	ModelID     string  `json:"modelId"`
	DisplayName string  `json:"displayName"`
	WeightsGB   float64 `json:"weightsGb"`
	KVCacheGB   float64 `json:"kvCacheGb"`
	TotalGB     float64 `json:"totalGb"`
}

// VRAMEstimate is the wire form of GET /api/settings/vram-estimate.
type VRAMEstimate struct {
	Models  []VRAMModelEstimate `json:"models"`
	TotalGB float64             `json:"totalGb"`
}

// EstimateVRAM approximates the memory footprint of the enabled fleet:
// quantized weights plus a ~10% runtime overhead, plus a KV cache term
// proportional to the configured context window.
func EstimateVRAM(models []*model.Model, st settings.Settings) VRAMEstimate {
	const bytesPerGB = 1 << 30
	// KV cache cost per context token, averaged across common
	// architectures at fp16.
	const kvBytesPerToken = 128 * 1024

	var out VRAMEstimate
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		weights := m.SizeParams * 1e9 * m.Quantization.BitsPerWeight() / 8 * 1.10
		kv := float64(st.ContextWindowSize) * kvBytesPerToken

		e := VRAMModelEstimate{
			ModelID:     m.ID,
			DisplayName: m.DisplayName,
			WeightsGB:   weights / bytesPerGB,
			KVCacheGB:   kv / bytesPerGB,
		}
		e.TotalGB = e.WeightsGB + e.KVCacheGB
		out.Models = append(out.Models, e)
		out.TotalGB += e.TotalGB
	}
	return out
}
