package service_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/settings"
	"github.com/dlorp/synapse-engine/internal/service"
)

func TestSettingsDefaultsOnFirstBoot(t *testing.T) {
	dir := t.TempDir()
	svc, err := service.NewSettingsService(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	st := svc.Get()
	if st.CGRAGTokenBudget != 6000 {
		t.Errorf("cgrag budget = %d, want 6000", st.CGRAGTokenBudget)
	}
	if st.CallTimeoutSeconds != 120 {
		t.Errorf("call timeout = %d, want 120", st.CallTimeoutSeconds)
	}

	// The document is persisted immediately.
	if _, err := os.Stat(filepath.Join(dir, service.SettingsFileName)); err != nil {
		t.Errorf("settings file not written: %v", err)
	}
}

func TestSettingsSeedWinsOverDefaults(t *testing.T) {
	svc, err := service.NewSettingsService(t.TempDir(), func(st *settings.Settings) {
		st.ScanPath = "/custom/models"
		st.PortRangeStart = 7000
		st.PortRangeEnd = 7100
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := svc.Get().ScanPath; got != "/custom/models" {
		t.Errorf("scan path = %q", got)
	}
}

func TestSettingsUpdateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	svc, err := service.NewSettingsService(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	next := svc.Get()
	next.DefaultTemperature = 0.3
	next.ScanPath = "/elsewhere"
	restart, err := svc.Update(next)
	if err != nil {
		t.Fatal(err)
	}
	if len(restart) != 1 || restart[0] != "scanPath" {
		t.Errorf("restart-required fields = %v, want [scanPath]", restart)
	}

	// Reload from disk: the document round-trips exactly.
	reloaded, err := service.NewSettingsService(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := json.Marshal(svc.Get())
	b, _ := json.Marshal(reloaded.Get())
	if string(a) != string(b) {
		t.Errorf("round trip mismatch:\n%s\n%s", a, b)
	}
}

func TestSettingsUpdateRejectsInvalid(t *testing.T) {
	svc, err := service.NewSettingsService(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	next := svc.Get()
	next.PortRangeEnd = next.PortRangeStart - 1
	if _, err := svc.Update(next); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}

	// The stored document is untouched after a failed update.
	if svc.Get().PortRangeEnd < svc.Get().PortRangeStart {
		t.Error("invalid document leaked into the store")
	}
}

func TestSettingsReset(t *testing.T) {
	svc, err := service.NewSettingsService(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	next := svc.Get()
	next.DefaultTemperature = 1.9
	if _, err := svc.Update(next); err != nil {
		t.Fatal(err)
	}

	def, err := svc.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if def.DefaultTemperature != settings.Defaults().DefaultTemperature {
		t.Error("reset did not restore defaults")
	}
}

func TestSettingsValidateBounds(t *testing.T) {
	cases := map[string]func(*settings.Settings){
		"empty scan path":      func(s *settings.Settings) { s.ScanPath = "" },
		"inverted port range":  func(s *settings.Settings) { s.PortRangeStart = 9000; s.PortRangeEnd = 8000 },
		"inverted thresholds":  func(s *settings.Settings) { s.PowerfulMinParams = 5; s.FastMaxParams = 7 },
		"temperature range":    func(s *settings.Settings) { s.DefaultTemperature = 3 },
		"zero call timeout":    func(s *settings.Settings) { s.CallTimeoutSeconds = 0 },
		"tiny context window":  func(s *settings.Settings) { s.ContextWindowSize = 100 },
		"negative cache ttl":   func(s *settings.Settings) { s.ResponseCacheTTLSeconds = -1 },
		"zero concurrency cap": func(s *settings.Settings) { s.ConcurrentCallsCap = 0 },
	}
	for name, mutate := range cases {
		st := settings.Defaults()
		mutate(&st)
		if err := st.Validate(); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", name, err)
		}
	}
}

func TestSchemaFlagsRestartFields(t *testing.T) {
	schema := settings.DescribeSchema()
	flagged := map[string]bool{}
	for _, f := range schema.Fields {
		if f.RestartRequired {
			flagged[f.Name] = true
		}
	}
	for _, name := range []string{"scanPath", "inferenceBinaryPath", "bindHost", "portRangeStart", "portRangeEnd"} {
		if !flagged[name] {
			t.Errorf("schema does not flag %s as restart-required", name)
		}
	}
}
