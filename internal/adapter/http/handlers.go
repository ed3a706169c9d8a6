package http

import (
	"net/http"

	"github.com/dlorp/synapse-engine/internal/domain/query"
	"github.com/dlorp/synapse-engine/internal/service"
)

// maxQueryBody bounds the query request body size.
const maxQueryBody = 1 << 20 // 1 MiB

// Handlers bundles the services the REST surface exposes.
type Handlers struct {
	Registry     *service.RegistryService
	Manager      *service.ManagerService
	Orchestrator *service.OrchestratorService
	Tracker      *service.TrackerService
	Metrics      *service.MetricsService
	Allocator    *service.AllocatorService
	Settings     *service.SettingsService
	Profiles     *service.ProfileService
	Routing      *service.RoutingStats
	Selector     *service.Selector
}

// HandleQuery is POST /api/query: validate, orchestrate, respond. A
// failed query returns the structured error body with the query id so
// the UI can correlate with pipeline state.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[query.Request](w, r, maxQueryBody)
	if !ok {
		return
	}
	if err := req.Normalize(); err != nil {
		writeDomainError(w, err)
		return
	}

	resp, queryID, err := h.Orchestrator.Process(r.Context(), &req)
	if err != nil {
		status := statusForQueryError(err)
		writeJSON(w, status, errorResponse{
			Error:   http.StatusText(status),
			Message: err.Error(),
			QueryID: queryID,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
