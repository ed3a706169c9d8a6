// Package profile defines named activation presets for the model fleet.
package profile

import (
	"fmt"
	"strings"

	"github.com/dlorp/synapse-engine/internal/domain"
)

// ModeKnobs are the default query knobs a profile applies.
type ModeKnobs struct {
	Mode        string  `yaml:"mode" json:"mode,omitempty"`
	MaxTokens   int     `yaml:"max_tokens" json:"maxTokens,omitempty"`
	Temperature float64 `yaml:"temperature" json:"temperature,omitempty"`
	UseContext  *bool   `yaml:"use_context" json:"useContext,omitempty"`
}

// TierConfig optionally overrides tier thresholds while the profile is active.
type TierConfig struct {
	PowerfulMin float64 `yaml:"powerful_min" json:"powerfulMin,omitempty"`
	FastMax     float64 `yaml:"fast_max" json:"fastMax,omitempty"`
}

// Profile is a named triple of enabled models, tier configuration and
// default mode knobs. Loading a profile sets enabled on exactly the
// listed model ids.
type Profile struct {
	Name            string      `yaml:"name" json:"name"`
	Description     string      `yaml:"description" json:"description,omitempty"`
	EnabledModelIDs []string    `yaml:"enabled_models" json:"enabledModelIds"`
	TierConfig      *TierConfig `yaml:"tier_config" json:"tierConfig,omitempty"`
	DefaultKnobs    *ModeKnobs  `yaml:"defaults" json:"defaults,omitempty"`
}

// Validate checks the profile is storable: a path-safe name and at least
// one model id.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: profile name is required", domain.ErrValidation)
	}
	if len(p.Name) > 128 {
		return fmt.Errorf("%w: profile name too long", domain.ErrValidation)
	}
	if strings.ContainsAny(p.Name, `/\`) || strings.Contains(p.Name, "..") || p.Name[0] == '.' {
		return fmt.Errorf("%w: profile name contains invalid path characters", domain.ErrValidation)
	}
	if len(p.EnabledModelIDs) == 0 {
		return fmt.Errorf("%w: profile must enable at least one model", domain.ErrValidation)
	}
	return nil
}
