package http

import (
	"net/http"
	"strings"

	"github.com/dlorp/synapse-engine/internal/domain/metric"
	"github.com/dlorp/synapse-engine/internal/service"
)

// HandlePipelineStatus is GET /api/pipeline/status/{queryId}.
func (h *Handlers) HandlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	p, err := h.Tracker.Get(urlParam(r, "queryId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandlePipelineStats is GET /api/pipeline/stats.
func (h *Handlers) HandlePipelineStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Tracker.Stats())
}

// HandleGetAllocation is GET /api/context/allocation/{queryId}.
func (h *Handlers) HandleGetAllocation(w http.ResponseWriter, r *http.Request) {
	a, err := h.Allocator.Get(urlParam(r, "queryId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// HandleAllocationStats is GET /api/context/stats.
func (h *Handlers) HandleAllocationStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Allocator.Stats())
}

// parseMetricQuery extracts the metric type and range query parameters.
func parseMetricQuery(r *http.Request) (metric.Type, metric.Range, error) {
	t, err := metric.ParseType(r.URL.Query().Get("metric"))
	if err != nil {
		return "", "", err
	}
	rngParam := r.URL.Query().Get("range")
	if rngParam == "" {
		rngParam = string(metric.Range1h)
	}
	rng, err := metric.ParseRange(rngParam)
	if err != nil {
		return "", "", err
	}
	return t, rng, nil
}

// HandleTimeseries is GET /api/timeseries?metric=&range=&model=&tier=&mode=.
func (h *Handlers) HandleTimeseries(w http.ResponseWriter, r *http.Request) {
	t, rng, err := parseMetricQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	q := r.URL.Query()
	series := h.Metrics.Query(t, rng, service.Filter{
		ModelID:   q.Get("model"),
		Tier:      q.Get("tier"),
		QueryMode: q.Get("mode"),
	})
	writeJSON(w, http.StatusOK, series)
}

// HandleTimeseriesSummary is GET /api/timeseries/summary?metric=&range=.
func (h *Handlers) HandleTimeseriesSummary(w http.ResponseWriter, r *http.Request) {
	t, rng, err := parseMetricQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metric":  t,
		"range":   rng,
		"summary": h.Metrics.Summary(t, rng, service.Filter{}),
	})
}

// HandleTimeseriesComparison is GET /api/timeseries/comparison?metrics=a,b&range=.
func (h *Handlers) HandleTimeseriesComparison(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("metrics")
	var types []metric.Type
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		t, err := metric.ParseType(s)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		writeError(w, http.StatusBadRequest, "metrics parameter is required")
		return
	}

	rngParam := r.URL.Query().Get("range")
	if rngParam == "" {
		rngParam = string(metric.Range1h)
	}
	rng, err := metric.ParseRange(rngParam)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": types,
		"range":   rng,
		"points":  h.Metrics.Comparison(types, rng),
	})
}

// HandleTimeseriesModels is GET /api/timeseries/models?metric=&range=.
func (h *Handlers) HandleTimeseriesModels(w http.ResponseWriter, r *http.Request) {
	t, rng, err := parseMetricQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metric": t,
		"range":  rng,
		"models": h.Metrics.Breakdown(t, rng),
	})
}

// HandleRoutingMetrics is GET /api/metrics/routing.
func (h *Handlers) HandleRoutingMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Routing.Report(h.Selector.Availability()))
}
