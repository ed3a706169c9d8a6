package service

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/event"
	"github.com/dlorp/synapse-engine/internal/domain/profile"
	"github.com/dlorp/synapse-engine/internal/port/broadcast"
)

// ProfilesDirName is the profile directory under the data dir.
const ProfilesDirName = "profiles"

// ProfileService stores named activation presets as YAML documents, one
// file per profile.
type ProfileService struct {
	dir      string
	registry *RegistryService
	hub      broadcast.Broadcaster
}

// NewProfileService creates the store rooted at dataDir/profiles.
func NewProfileService(dataDir string, registry *RegistryService, hub broadcast.Broadcaster) *ProfileService {
	return &ProfileService{
		dir:      filepath.Join(dataDir, ProfilesDirName),
		registry: registry,
		hub:      hub,
	}
}

// List returns all stored profiles sorted by name. Unreadable or invalid
// files are skipped.
func (s *ProfileService) List() ([]profile.Profile, error) {
	var out []profile.Profile
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		data, rerr := os.ReadFile(filepath.Clean(path))
		if rerr != nil {
			return nil
		}
		var p profile.Profile
		if yerr := yaml.Unmarshal(data, &p); yerr != nil || p.Name == "" {
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk profiles: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one profile by name.
func (s *ProfileService) Get(name string) (*profile.Profile, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || name[0] == '.' {
		return nil, fmt.Errorf("%w: invalid profile name", domain.ErrValidation)
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profile %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read profile %s: %w", name, err)
	}
	var out profile.Profile
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", name, err)
	}
	return &out, nil
}

// Save validates and writes the profile document.
func (s *ProfileService) Save(p *profile.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile %s: %w", p.Name, err)
	}
	return atomicWrite(s.path(p.Name), data)
}

// Delete removes the profile file.
func (s *ProfileService) Delete(name string) error {
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return fmt.Errorf("profile %s: %w", name, domain.ErrNotFound)
	}
	return err
}

// Load applies a profile: exactly the listed model ids become enabled,
// every other model is disabled. Unknown ids in the profile are
// reported, not fatal.
func (s *ProfileService) Load(name string) (*profile.Profile, []string, error) {
	p, err := s.Get(name)
	if err != nil {
		return nil, nil, err
	}

	want := make(map[string]bool, len(p.EnabledModelIDs))
	for _, id := range p.EnabledModelIDs {
		want[id] = true
	}

	var missing []string
	for id := range want {
		if _, gerr := s.registry.Get(id); gerr != nil {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	for _, m := range s.registry.List() {
		if m.Enabled != want[m.ID] {
			if _, terr := s.registry.ToggleEnabled(m.ID, want[m.ID]); terr != nil {
				return nil, missing, terr
			}
		}
	}

	if s.hub != nil {
		s.hub.Emit(event.Event{
			Type:     event.TypeProfileLoaded,
			Message:  fmt.Sprintf("profile %s loaded", name),
			Severity: event.SeverityInfo,
			Metadata: event.Meta("profile", name, "missingModels", missing),
		})
	}
	return p, missing, nil
}

func (s *ProfileService) path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}
