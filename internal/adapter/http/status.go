package http

import (
	"errors"
	"net/http"

	"github.com/dlorp/synapse-engine/internal/domain"
)

// statusForQueryError maps orchestration failures onto the query
// endpoint's status codes: 400 validation, 503 no models, 502 upstream
// inference failures, 500 otherwise.
func statusForQueryError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoModelAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUpstreamTimeout),
		errors.Is(err, domain.ErrUpstream),
		errors.Is(err, domain.ErrNotRunning),
		errors.Is(err, domain.ErrNotReady):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
