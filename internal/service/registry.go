package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/event"
	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/port/broadcast"
)

// RegistryFileName is the persisted registry document under the data dir.
const RegistryFileName = "model_registry.json"

// RegistryService maintains the authoritative catalog of on-disk models
// with user overrides, persisted as a JSON document with atomic rewrite.
type RegistryService struct {
	mu       sync.RWMutex
	reg      model.Registry
	filePath string
	hub      broadcast.Broadcaster
	now      func() time.Time
}

// NewRegistryService creates a registry rooted at dataDir. An existing
// registry file is loaded; otherwise an empty registry with the given
// scan path, port range and thresholds is initialized.
func NewRegistryService(dataDir, scanPath string, portRange model.PortRange, thresholds model.TierThresholds, hub broadcast.Broadcaster) (*RegistryService, error) {
	s := &RegistryService{
		filePath: filepath.Join(dataDir, RegistryFileName),
		hub:      hub,
		now:      time.Now,
		reg: model.Registry{
			Models:         make(map[string]*model.Model),
			ScanPath:       scanPath,
			PortRange:      portRange,
			TierThresholds: thresholds,
		},
	}

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read registry: %w", err)
		}
		return s, nil
	}

	var loaded model.Registry
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if loaded.Models == nil {
		loaded.Models = make(map[string]*model.Model)
	}
	// Bootstrap values from config win over the persisted document so
	// env overrides always take effect.
	if scanPath != "" {
		loaded.ScanPath = scanPath
	}
	if portRange.Start != 0 {
		loaded.PortRange = portRange
	}
	s.reg = loaded
	return s, nil
}

// Registry returns a deep-enough copy of the current document for the
// wire: the map is copied, model values are copied.
func (s *RegistryService) Registry() model.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *RegistryService) snapshotLocked() model.Registry {
	out := s.reg
	out.Models = make(map[string]*model.Model, len(s.reg.Models))
	for id, m := range s.reg.Models {
		cp := *m
		out.Models[id] = &cp
	}
	out.Warnings = append([]string(nil), s.reg.Warnings...)
	return out
}

// Get returns a copy of one model.
func (s *RegistryService) Get(id string) (*model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.reg.Models[id]
	if !ok {
		return nil, fmt.Errorf("model %s: %w", id, domain.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

// List returns all models sorted by id.
func (s *RegistryService) List() []*model.Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Model, 0, len(s.reg.Models))
	for _, m := range s.reg.Models {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByTier returns models whose effective tier matches.
func (s *RegistryService) ListByTier(tier model.Tier) []*model.Model {
	all := s.List()
	out := all[:0]
	for _, m := range all {
		if m.EffectiveTier() == tier {
			out = append(out, m)
		}
	}
	return out
}

// Enabled returns the enabled models sorted by id.
func (s *RegistryService) Enabled() []*model.Model {
	all := s.List()
	out := all[:0]
	for _, m := range all {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Rescan walks the scan path and merges the result onto the existing
// registry: ids present in both preserve tier/thinking overrides, the
// enabled flag and the assigned port. New ids get fresh ports. Ids whose
// files vanished are kept with a warning while enabled, dropped when
// disabled.
func (s *RegistryService) Rescan() (model.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	discovered, err := discoverModels(os.DirFS(s.reg.ScanPath), s.reg.ScanPath, s.reg.TierThresholds)
	if err != nil {
		return model.Registry{}, fmt.Errorf("discover: %w", err)
	}

	merged := make(map[string]*model.Model, len(discovered))
	var warnings []string

	for id, fresh := range discovered {
		if prev, ok := s.reg.Models[id]; ok {
			fresh.TierOverride = prev.TierOverride
			fresh.ThinkingOverride = prev.ThinkingOverride
			fresh.Enabled = prev.Enabled
			fresh.Port = prev.Port
		}
		merged[id] = fresh
	}

	for id, prev := range s.reg.Models {
		if _, ok := merged[id]; ok {
			continue
		}
		if prev.Enabled {
			cp := *prev
			cp.FileMissing = true
			merged[id] = &cp
			warnings = append(warnings, fmt.Sprintf("enabled model %s: file %s no longer exists", id, prev.Path))
		}
	}

	if err := allocatePorts(merged, s.reg.PortRange); err != nil {
		return model.Registry{}, err
	}

	s.reg.Models = merged
	s.reg.Warnings = warnings
	s.reg.LastScanAt = s.now().UTC()

	if err := s.persistLocked(); err != nil {
		return model.Registry{}, err
	}

	slog.Info("registry rescanned", "models", len(merged), "warnings", len(warnings))
	s.emit(event.TypeRegistryRescanned, fmt.Sprintf("registry rescanned: %d models", len(merged)),
		event.Meta("modelCount", len(merged), "warnings", warnings))
	return s.snapshotLocked(), nil
}

// UpdateTier sets or clears the tier override. An empty tier clears it.
func (s *RegistryService) UpdateTier(id string, tier *model.Tier) (*model.Model, error) {
	return s.mutate(id, func(m *model.Model) {
		m.TierOverride = tier
	})
}

// UpdateThinking sets the thinking override. Setting it true without a
// tier override re-tiers the model to powerful, mirroring automatic
// assignment.
func (s *RegistryService) UpdateThinking(id string, thinking bool) (*model.Model, error) {
	return s.mutate(id, func(m *model.Model) {
		m.ThinkingOverride = &thinking
		if thinking && m.TierOverride == nil {
			m.AssignedTier = model.TierPowerful
		}
	})
}

// ToggleEnabled flips the enabled flag. Applying the current value is
// the identity.
func (s *RegistryService) ToggleEnabled(id string, enabled bool) (*model.Model, error) {
	return s.mutate(id, func(m *model.Model) {
		m.Enabled = enabled
	})
}

func (s *RegistryService) mutate(id string, fn func(*model.Model)) (*model.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.reg.Models[id]
	if !ok {
		return nil, fmt.Errorf("model %s: %w", id, domain.ErrNotFound)
	}
	fn(m)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	cp := *m
	return &cp, nil
}

// persistLocked writes the registry document via write-to-temp + rename
// so a crash mid-write cannot corrupt the file. Callers hold s.mu.
func (s *RegistryService) persistLocked() error {
	data, err := json.MarshalIndent(&s.reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return atomicWrite(s.filePath, data)
}

func (s *RegistryService) emit(t event.Type, msg string, meta map[string]json.RawMessage) {
	if s.hub == nil {
		return
	}
	s.hub.Emit(event.Event{Type: t, Message: msg, Severity: event.SeverityInfo, Metadata: meta})
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
