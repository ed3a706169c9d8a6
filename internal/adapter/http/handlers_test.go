package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	synhttp "github.com/dlorp/synapse-engine/internal/adapter/http"
	"github.com/dlorp/synapse-engine/internal/adapter/llamacpp"
	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/service"
)

// stubCaller answers every inference call with a fixed string.
type stubCaller struct{}

func (stubCaller) Call(context.Context, string, string, int, float64) (*llamacpp.CallResult, error) {
	return &llamacpp.CallResult{Text: "stub answer", TokensGenerated: 3}, nil
}

// everythingReady marks all models ready.
type everythingReady struct{}

func (everythingReady) IsReady(string) bool { return true }

func touchFile(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("gguf"), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newTestRouter builds a full router over real services with stub
// inference.
func newTestRouter(t *testing.T) (*chi.Mux, *synhttp.Handlers) {
	t.Helper()
	scan := t.TempDir()
	touchFile(t, scan, "alpha-3b-q4_k_m.gguf")
	touchFile(t, scan, "beta-9b-q5_k_m.gguf")
	touchFile(t, scan, "gamma-30b-q4_k_m.gguf")

	registry, err := service.NewRegistryService(t.TempDir(), scan,
		model.PortRange{Start: 9000, End: 9020},
		model.TierThresholds{PowerfulMin: 13, FastMax: 7}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Rescan(); err != nil {
		t.Fatal(err)
	}
	for _, m := range registry.List() {
		if _, err := registry.ToggleEnabled(m.ID, true); err != nil {
			t.Fatal(err)
		}
	}

	settingsSvc, err := service.NewSettingsService(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tracker := service.NewTrackerService(nil)
	metrics := service.NewMetricsService()
	allocator := service.NewAllocatorService(func(s string) int { return len(strings.Fields(s)) })
	routing := service.NewRoutingStats()
	selector := service.NewSelector(registry, everythingReady{}, routing)
	orch := service.NewOrchestratorService(registry, stubCaller{}, selector, tracker,
		metrics, allocator, nil, settingsSvc, routing, nil)

	h := &synhttp.Handlers{
		Registry:     registry,
		Orchestrator: orch,
		Tracker:      tracker,
		Metrics:      metrics,
		Allocator:    allocator,
		Settings:     settingsSvc,
		Profiles:     service.NewProfileService(t.TempDir(), registry, nil),
		Routing:      routing,
		Selector:     selector,
	}

	r := chi.NewRouter()
	synhttp.MountRoutes(r, h)
	return r, h
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestQueryEndpointHappyPath(t *testing.T) {
	r, h := newTestRouter(t)
	rec := do(t, r, http.MethodPost, "/api/query",
		`{"query":"What is 2+2?","mode":"simple","useContext":false,"maxTokens":128,"temperature":0.2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		ResponseText string `json:"responseText"`
		Metadata     struct {
			QueryID   string `json:"queryId"`
			QueryMode string `json:"queryMode"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ResponseText != "stub answer" {
		t.Errorf("response = %q", resp.ResponseText)
	}
	if resp.Metadata.QueryMode != "simple" {
		t.Errorf("mode = %s", resp.Metadata.QueryMode)
	}

	// The pipeline endpoint serves the same query id.
	rec = do(t, r, http.MethodGet, "/api/pipeline/status/"+resp.Metadata.QueryID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("pipeline status = %d", rec.Code)
	}
	_ = h
}

func TestQueryEndpointValidation(t *testing.T) {
	r, _ := newTestRouter(t)
	cases := map[string]string{
		"empty query":     `{"query":"","mode":"simple"}`,
		"zero max tokens": `{"query":"q","maxTokens":0}`,
		"bad temperature": `{"query":"q","temperature":9.5}`,
		"unknown mode":    `{"query":"q","mode":"sevenfold"}`,
		"malformed json":  `{"query":`,
	}
	for name, body := range cases {
		rec := do(t, r, http.MethodPost, "/api/query", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestPipelineStatusUnknown(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := do(t, r, http.MethodGet, "/api/pipeline/status/no-such-query", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRegistryEndpoints(t *testing.T) {
	r, h := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/api/models/registry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("registry status = %d", rec.Code)
	}
	var reg struct {
		Models map[string]json.RawMessage `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatal(err)
	}
	if len(reg.Models) != 3 {
		t.Errorf("models = %d, want 3", len(reg.Models))
	}

	id := h.Registry.List()[0].ID
	rec = do(t, r, http.MethodPut, "/api/models/"+id+"/tier", `{"tier":"powerful"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("tier update status = %d: %s", rec.Code, rec.Body)
	}
	m, err := h.Registry.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.TierOverride == nil || *m.TierOverride != model.TierPowerful {
		t.Error("tier override not applied")
	}

	rec = do(t, r, http.MethodPut, "/api/models/"+id+"/tier", `{"tier":"colossal"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid tier status = %d, want 400", rec.Code)
	}

	rec = do(t, r, http.MethodPut, "/api/models/ghost/thinking", `{"thinking":true}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown model status = %d, want 404", rec.Code)
	}

	rec = do(t, r, http.MethodGet, "/api/models/tiers/powerful", "")
	if rec.Code != http.StatusOK {
		t.Errorf("tier list status = %d", rec.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	r, h := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/api/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get settings status = %d", rec.Code)
	}

	st := h.Settings.Get()
	st.DefaultTemperature = 0.4
	st.ScanPath = "/new/scan"
	body, _ := json.Marshal(st)
	rec = do(t, r, http.MethodPut, "/api/settings", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("put settings status = %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		RestartRequired []string `json:"restartRequired"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.RestartRequired) != 1 || out.RestartRequired[0] != "scanPath" {
		t.Errorf("restartRequired = %v", out.RestartRequired)
	}

	st.PortRangeEnd = st.PortRangeStart - 1
	body, _ = json.Marshal(st)
	rec = do(t, r, http.MethodPut, "/api/settings", string(body))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid settings status = %d, want 400", rec.Code)
	}

	rec = do(t, r, http.MethodGet, "/api/settings/schema", "")
	if rec.Code != http.StatusOK {
		t.Errorf("schema status = %d", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/api/settings/vram-estimate", "")
	if rec.Code != http.StatusOK {
		t.Errorf("vram estimate status = %d", rec.Code)
	}
}

func TestTimeseriesEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/api/timeseries?metric=response_time&range=1h", "")
	if rec.Code != http.StatusOK {
		t.Errorf("timeseries status = %d", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/api/timeseries?metric=bogus&range=1h", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus metric status = %d, want 400", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/api/timeseries?metric=response_time&range=2y", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus range status = %d, want 400", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/api/timeseries/comparison?metrics=response_time,tokens_per_second&range=6h", "")
	if rec.Code != http.StatusOK {
		t.Errorf("comparison status = %d", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/api/timeseries/comparison?metrics=&range=6h", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty comparison status = %d, want 400", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/api/timeseries/models?metric=response_time&range=24h", "")
	if rec.Code != http.StatusOK {
		t.Errorf("models breakdown status = %d", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/api/metrics/routing", "")
	if rec.Code != http.StatusOK {
		t.Errorf("routing metrics status = %d", rec.Code)
	}
}

func TestContextAllocationEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/api/query", `{"query":"hello world","useContext":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d", rec.Code)
	}
	var resp struct {
		Metadata struct {
			QueryID string `json:"queryId"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	rec = do(t, r, http.MethodGet, "/api/context/allocation/"+resp.Metadata.QueryID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("allocation status = %d", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/api/context/allocation/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown allocation status = %d, want 404", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/api/context/stats", "")
	if rec.Code != http.StatusOK {
		t.Errorf("context stats status = %d", rec.Code)
	}
}

func TestProfileEndpoints(t *testing.T) {
	r, h := newTestRouter(t)
	id := h.Registry.List()[0].ID

	rec := do(t, r, http.MethodPost, "/api/models/profiles",
		`{"name":"minimal","enabledModelIds":["`+id+`"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("save profile status = %d: %s", rec.Code, rec.Body)
	}

	rec = do(t, r, http.MethodGet, "/api/models/profiles", "")
	if rec.Code != http.StatusOK {
		t.Errorf("list profiles status = %d", rec.Code)
	}

	rec = do(t, r, http.MethodPost, "/api/models/profiles/minimal/load", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("load profile status = %d: %s", rec.Code, rec.Body)
	}
	for _, m := range h.Registry.List() {
		if m.Enabled != (m.ID == id) {
			t.Errorf("model %s enabled = %t after profile load", m.ID, m.Enabled)
		}
	}

	rec = do(t, r, http.MethodDelete, "/api/models/profiles/minimal", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete profile status = %d", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/api/models/profiles/minimal", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted profile status = %d, want 404", rec.Code)
	}
}
