package http

import (
	"net/http"

	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/domain/profile"
)

const maxModelBody = 64 << 10 // 64 KiB

// HandleGetRegistry is GET /api/models/registry.
func (h *Handlers) HandleGetRegistry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.Registry())
}

// HandleRescan is POST /api/models/rescan. Overrides, enablement and
// ports survive the merge.
func (h *Handlers) HandleRescan(w http.ResponseWriter, _ *http.Request) {
	reg, err := h.Registry.Rescan()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// HandleUpdateTier is PUT /api/models/{id}/tier. A null tier clears the
// override.
func (h *Handlers) HandleUpdateTier(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Tier *string `json:"tier"`
	}](w, r, maxModelBody)
	if !ok {
		return
	}

	var tier *model.Tier
	if body.Tier != nil && *body.Tier != "" {
		t, err := model.ParseTier(*body.Tier)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		tier = &t
	}

	m, err := h.Registry.UpdateTier(urlParam(r, "id"), tier)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleUpdateThinking is PUT /api/models/{id}/thinking. Setting it true
// without a tier override promotes the model to powerful.
func (h *Handlers) HandleUpdateThinking(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Thinking bool `json:"thinking"`
	}](w, r, maxModelBody)
	if !ok {
		return
	}
	m, err := h.Registry.UpdateThinking(urlParam(r, "id"), body.Thinking)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleToggleEnabled is PUT /api/models/{id}/enabled. Enabling starts
// the server when not running; disabling stops it.
func (h *Handlers) HandleToggleEnabled(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Enabled bool `json:"enabled"`
	}](w, r, maxModelBody)
	if !ok {
		return
	}

	m, err := h.Registry.ToggleEnabled(urlParam(r, "id"), body.Enabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if body.Enabled {
		if _, serr := h.Manager.Start(r.Context(), m); serr != nil {
			// The registry change stands; surface the start failure.
			writeDomainError(w, serr)
			return
		}
	} else {
		if serr := h.Manager.Stop(m.ID); serr != nil {
			writeDomainError(w, serr)
			return
		}
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleListServers is GET /api/models/servers.
func (h *Handlers) HandleListServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": h.Manager.Servers()})
}

// HandleStartServer is POST /api/models/servers/{id}/start. Idempotent:
// an already-running server returns its existing handle.
func (h *Handlers) HandleStartServer(w http.ResponseWriter, r *http.Request) {
	m, err := h.Registry.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	srv, err := h.Manager.Start(r.Context(), m)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"modelId": m.ID,
		"pid":     srv.PID(),
		"port":    srv.Port(),
		"ready":   srv.Ready(),
	})
}

// HandleStopServer is POST /api/models/servers/{id}/stop. Stopping a
// stopped server is a no-op.
func (h *Handlers) HandleStopServer(w http.ResponseWriter, r *http.Request) {
	m, err := h.Registry.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Manager.Stop(m.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modelId": m.ID, "stopped": true})
}

// HandleStartAll is POST /api/models/servers/start-all over the enabled set.
func (h *Handlers) HandleStartAll(w http.ResponseWriter, r *http.Request) {
	results := h.Manager.StartAll(r.Context(), h.Registry.Enabled())
	out := make(map[string]string, len(results))
	for id, err := range results {
		if err != nil {
			out[id] = err.Error()
		} else {
			out[id] = "started"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// HandleStopAll is POST /api/models/servers/stop-all.
func (h *Handlers) HandleStopAll(w http.ResponseWriter, _ *http.Request) {
	h.Manager.StopAll()
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

// HandleListTier is GET /api/models/tiers/{tier}.
func (h *Handlers) HandleListTier(w http.ResponseWriter, r *http.Request) {
	tier, err := model.ParseTier(urlParam(r, "tier"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": h.Registry.ListByTier(tier)})
}

// HandleListProfiles is GET /api/models/profiles.
func (h *Handlers) HandleListProfiles(w http.ResponseWriter, _ *http.Request) {
	profiles, err := h.Profiles.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

// HandleGetProfile is GET /api/models/profiles/{name}.
func (h *Handlers) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.Profiles.Get(urlParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleSaveProfile is POST /api/models/profiles.
func (h *Handlers) HandleSaveProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := readJSON[profile.Profile](w, r, maxModelBody)
	if !ok {
		return
	}
	if err := h.Profiles.Save(&p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// HandleDeleteProfile is DELETE /api/models/profiles/{name}.
func (h *Handlers) HandleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.Profiles.Delete(urlParam(r, "name")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLoadProfile is POST /api/models/profiles/{name}/load: enabled
// becomes exactly the profile's model set.
func (h *Handlers) HandleLoadProfile(w http.ResponseWriter, r *http.Request) {
	p, missing, err := h.Profiles.Load(urlParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": p, "missingModels": missing})
}
