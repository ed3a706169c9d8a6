package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the REST surface on the given chi router. All
// paths are prefixed /api; the WebSocket endpoint is mounted separately
// by the caller.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Query orchestration
		r.Post("/query", h.HandleQuery)

		// Models
		r.Get("/models/registry", h.HandleGetRegistry)
		r.Post("/models/rescan", h.HandleRescan)
		r.Put("/models/{id}/tier", h.HandleUpdateTier)
		r.Put("/models/{id}/thinking", h.HandleUpdateThinking)
		r.Put("/models/{id}/enabled", h.HandleToggleEnabled)
		r.Get("/models/servers", h.HandleListServers)
		r.Post("/models/servers/start-all", h.HandleStartAll)
		r.Post("/models/servers/stop-all", h.HandleStopAll)
		r.Post("/models/servers/{id}/start", h.HandleStartServer)
		r.Post("/models/servers/{id}/stop", h.HandleStopServer)
		r.Get("/models/tiers/{tier}", h.HandleListTier)

		// Profiles
		r.Get("/models/profiles", h.HandleListProfiles)
		r.Post("/models/profiles", h.HandleSaveProfile)
		r.Get("/models/profiles/{name}", h.HandleGetProfile)
		r.Delete("/models/profiles/{name}", h.HandleDeleteProfile)
		r.Post("/models/profiles/{name}/load", h.HandleLoadProfile)

		// Pipeline
		r.Get("/pipeline/status/{queryId}", h.HandlePipelineStatus)
		r.Get("/pipeline/stats", h.HandlePipelineStats)

		// Context allocation
		r.Get("/context/allocation/{queryId}", h.HandleGetAllocation)
		r.Get("/context/stats", h.HandleAllocationStats)

		// Time series
		r.Get("/timeseries", h.HandleTimeseries)
		r.Get("/timeseries/summary", h.HandleTimeseriesSummary)
		r.Get("/timeseries/comparison", h.HandleTimeseriesComparison)
		r.Get("/timeseries/models", h.HandleTimeseriesModels)

		// Routing analytics
		r.Get("/metrics/routing", h.HandleRoutingMetrics)

		// Runtime settings
		r.Get("/settings", h.HandleGetSettings)
		r.Put("/settings", h.HandleUpdateSettings)
		r.Post("/settings/reset", h.HandleResetSettings)
		r.Post("/settings/validate", h.HandleValidateSettings)
		r.Post("/settings/import", h.HandleImportSettings)
		r.Get("/settings/export", h.HandleExportSettings)
		r.Get("/settings/schema", h.HandleSettingsSchema)
		r.Get("/settings/vram-estimate", h.HandleVRAMEstimate)
	})
}
