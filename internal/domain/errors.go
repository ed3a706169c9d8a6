// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the operation conflicts with current state
// (e.g. a server handle already exists for the model).
var ErrConflict = errors.New("conflict")

// ErrValidation indicates a request failed validation.
var ErrValidation = errors.New("validation error")

// ErrNoModelAvailable indicates no enabled model with a ready server
// could satisfy the selection request.
var ErrNoModelAvailable = errors.New("no model available")

// ErrNotRunning indicates no inference server handle exists for the model.
var ErrNotRunning = errors.New("inference server not running")

// ErrNotReady indicates the inference server exists but has not passed
// its readiness probe yet.
var ErrNotReady = errors.New("inference server not ready")

// ErrStartupTimeout indicates the inference subprocess did not emit its
// readiness line within the configured startup window.
var ErrStartupTimeout = errors.New("inference server startup timeout")

// ErrUpstreamTimeout indicates an inference or retrieval call exceeded
// its per-call timeout.
var ErrUpstreamTimeout = errors.New("upstream timeout")

// ErrUpstream indicates an inference server was unreachable or returned
// a non-2xx response.
var ErrUpstream = errors.New("upstream error")
