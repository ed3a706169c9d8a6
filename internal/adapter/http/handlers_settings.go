package http

import (
	"net/http"

	"github.com/dlorp/synapse-engine/internal/domain/settings"
	"github.com/dlorp/synapse-engine/internal/service"
)

// HandleGetSettings is GET /api/settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Settings.Get())
}

// HandleUpdateSettings is PUT /api/settings: full-document replace.
// The response flags fields that only apply to future server starts.
func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	next, ok := readJSON[settings.Settings](w, r, maxModelBody)
	if !ok {
		return
	}
	restart, err := h.Settings.Update(next)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settings":        h.Settings.Get(),
		"restartRequired": restart,
	})
}

// HandleResetSettings is POST /api/settings/reset.
func (h *Handlers) HandleResetSettings(w http.ResponseWriter, _ *http.Request) {
	def, err := h.Settings.Reset()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// HandleValidateSettings is POST /api/settings/validate: schema check
// without persisting.
func (h *Handlers) HandleValidateSettings(w http.ResponseWriter, r *http.Request) {
	next, ok := readJSON[settings.Settings](w, r, maxModelBody)
	if !ok {
		return
	}
	if err := next.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// HandleImportSettings is POST /api/settings/import: validate and apply
// an exported document.
func (h *Handlers) HandleImportSettings(w http.ResponseWriter, r *http.Request) {
	h.HandleUpdateSettings(w, r)
}

// HandleExportSettings is GET /api/settings/export.
func (h *Handlers) HandleExportSettings(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Disposition", `attachment; filename="runtime_settings.json"`)
	writeJSON(w, http.StatusOK, h.Settings.Get())
}

// HandleSettingsSchema is GET /api/settings/schema.
func (h *Handlers) HandleSettingsSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settings.DescribeSchema())
}

// HandleVRAMEstimate is GET /api/settings/vram-estimate over the enabled
// fleet.
func (h *Handlers) HandleVRAMEstimate(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, service.EstimateVRAM(h.Registry.List(), h.Settings.Get()))
}
