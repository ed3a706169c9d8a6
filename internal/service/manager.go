package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dlorp/synapse-engine/internal/adapter/llamacpp"
	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/event"
	"github.com/dlorp/synapse-engine/internal/domain/metric"
	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/domain/settings"
	"github.com/dlorp/synapse-engine/internal/port/broadcast"
)

// serverEntry tracks one subprocess slot. The starting channel closes
// once the spawn attempt finishes, letting concurrent Start calls for
// the same model share a single subprocess.
type serverEntry struct {
	starting chan struct{}
	srv      *llamacpp.Server
	err      error
	stopping bool
}

// ManagerService owns the inference subprocess fleet: one handle per
// model id, idempotent start/stop, readiness tracking and the per-model
// call primitive.
type ManagerService struct {
	mu       sync.Mutex
	servers  map[string]*serverEntry
	client   *llamacpp.Client
	settings func() settings.Settings
	hub      broadcast.Broadcaster
	metrics  *MetricsService
}

// NewManagerService creates a manager. settingsFn is read on every start
// and call so settings updates apply to subsequent operations without a
// restart, except the call client's host, which is taken from BindHost
// once here.
func NewManagerService(settingsFn func() settings.Settings, hub broadcast.Broadcaster, metrics *MetricsService) *ManagerService {
	st := settingsFn()
	return &ManagerService{
		servers:  make(map[string]*serverEntry),
		client:   llamacpp.NewClient(st.BindHost),
		settings: settingsFn,
		hub:      hub,
		metrics:  metrics,
	}
}

// Start launches the inference server for the model, or returns the
// existing handle when one is already running. Concurrent starts for the
// same model share one spawn attempt.
func (m *ManagerService) Start(ctx context.Context, mdl *model.Model) (*llamacpp.Server, error) {
	m.mu.Lock()
	if entry, ok := m.servers[mdl.ID]; ok {
		m.mu.Unlock()
		<-entry.starting
		if entry.err != nil {
			return nil, entry.err
		}
		return entry.srv, nil
	}

	entry := &serverEntry{starting: make(chan struct{})}
	m.servers[mdl.ID] = entry
	m.mu.Unlock()

	st := m.settings()
	m.emit(event.TypeServerStarting, fmt.Sprintf("starting inference server for %s", mdl.ID), event.SeverityInfo,
		event.Meta("modelId", mdl.ID, "port", mdl.Port))

	startedAt := time.Now()
	srv, err := llamacpp.Start(ctx, llamacpp.ProcessConfig{
		BinaryPath: st.InferenceBinaryPath,
		BindHost:   st.BindHost,
		CtxSize:    st.ContextWindowSize,
		MaxStartup: time.Duration(st.MaxStartupSeconds) * time.Second,
	}, mdl.ID, mdl.Path, mdl.Port)

	m.mu.Lock()
	entry.srv = srv
	entry.err = err
	close(entry.starting)
	if err != nil {
		delete(m.servers, mdl.ID)
	}
	m.mu.Unlock()

	if err != nil {
		m.emit(event.TypeServerDied, fmt.Sprintf("inference server for %s failed to start: %v", mdl.ID, err),
			event.SeverityError, event.Meta("modelId", mdl.ID))
		return nil, err
	}

	loadSecs := time.Since(startedAt).Seconds()
	if m.metrics != nil {
		m.metrics.Record(metric.TypeModelLoad, loadSecs, metric.Labels{ModelID: mdl.ID, Tier: string(mdl.EffectiveTier())})
	}
	m.emit(event.TypeServerReady, fmt.Sprintf("inference server for %s ready on port %d", mdl.ID, mdl.Port),
		event.SeverityInfo, event.Meta("modelId", mdl.ID, "port", mdl.Port, "pid", srv.PID(), "loadSeconds", loadSecs))

	go m.watch(mdl.ID, srv)
	return srv, nil
}

// watch removes the handle when the subprocess exits on its own.
func (m *ManagerService) watch(modelID string, srv *llamacpp.Server) {
	<-srv.Done()

	m.mu.Lock()
	entry, ok := m.servers[modelID]
	deliberate := ok && entry.stopping
	if ok && entry.srv == srv {
		delete(m.servers, modelID)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if !ok || deliberate {
		return
	}
	slog.Warn("inference server exited unexpectedly", "model", modelID, "pid", srv.PID())
	m.emit(event.TypeServerDied, fmt.Sprintf("inference server for %s exited unexpectedly", modelID),
		event.SeverityError, event.Meta("modelId", modelID, "pid", srv.PID()))
}

// Stop terminates the model's server: SIGTERM, grace, SIGKILL. The
// handle is always removed. Stopping an already-stopped model is a no-op.
func (m *ManagerService) Stop(modelID string) error {
	m.mu.Lock()
	entry, ok := m.servers[modelID]
	if ok {
		entry.stopping = true
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	<-entry.starting
	if entry.err != nil || entry.srv == nil {
		return nil
	}

	st := m.settings()
	err := entry.srv.Stop(time.Duration(st.GraceSeconds) * time.Second)

	m.mu.Lock()
	delete(m.servers, modelID)
	m.mu.Unlock()

	m.emit(event.TypeServerStopped, fmt.Sprintf("inference server for %s stopped", modelID),
		event.SeverityInfo, event.Meta("modelId", modelID))
	if err != nil {
		return fmt.Errorf("stop %s: %w", modelID, err)
	}
	return nil
}

// StartAll starts servers for the given models, concurrently when the
// settings allow. One model's failure never aborts the others; the
// returned map carries a nil or error outcome per model id.
func (m *ManagerService) StartAll(ctx context.Context, models []*model.Model) map[string]error {
	st := m.settings()
	results := make(map[string]error, len(models))

	if !st.ConcurrentStarts {
		for _, mdl := range models {
			_, err := m.Start(ctx, mdl)
			results[mdl.ID] = err
		}
		return results
	}

	var resMu sync.Mutex
	var g errgroup.Group
	for _, mdl := range models {
		g.Go(func() error {
			_, err := m.Start(ctx, mdl)
			resMu.Lock()
			results[mdl.ID] = err
			resMu.Unlock()
			return nil // outcomes are per-model, never group-fatal
		})
	}
	_ = g.Wait()
	return results
}

// StopAll stops every running server concurrently with grace.
func (m *ManagerService) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Stop(id); err != nil {
				slog.Warn("stop server", "model", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// IsReady reports whether the model has a ready server.
func (m *ManagerService) IsReady(modelID string) bool {
	m.mu.Lock()
	entry, ok := m.servers[modelID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-entry.starting:
	default:
		return false // still starting
	}
	return entry.err == nil && entry.srv != nil && entry.srv.Ready()
}

// Servers returns the current fleet view sorted by model id.
func (m *ManagerService) Servers() []model.ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ServerInfo, 0, len(m.servers))
	now := time.Now().UTC()
	for id, entry := range m.servers {
		select {
		case <-entry.starting:
		default:
			out = append(out, model.ServerInfo{ModelID: id})
			continue
		}
		if entry.err != nil || entry.srv == nil {
			continue
		}
		out = append(out, model.ServerInfo{
			ModelID:       id,
			PID:           entry.srv.PID(),
			Port:          entry.srv.Port(),
			Ready:         entry.srv.Ready(),
			StartedAt:     entry.srv.StartedAt(),
			UptimeSeconds: now.Sub(entry.srv.StartedAt()).Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Call sends the prompt to the model's server. Error taxonomy:
// ErrNotRunning when no handle exists, ErrNotReady before readiness,
// ErrUpstreamTimeout / ErrUpstream from the HTTP call itself.
func (m *ManagerService) Call(ctx context.Context, modelID, prompt string, maxTokens int, temperature float64) (*llamacpp.CallResult, error) {
	m.mu.Lock()
	entry, ok := m.servers[modelID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("model %s: %w", modelID, domain.ErrNotRunning)
	}
	select {
	case <-entry.starting:
	default:
		return nil, fmt.Errorf("model %s: %w", modelID, domain.ErrNotReady)
	}
	if entry.err != nil || entry.srv == nil || !entry.srv.Ready() {
		return nil, fmt.Errorf("model %s: %w", modelID, domain.ErrNotReady)
	}

	st := m.settings()
	return m.client.Call(ctx, entry.srv.Port(), prompt, maxTokens, temperature,
		time.Duration(st.CallTimeoutSeconds)*time.Second)
}

func (m *ManagerService) emit(t event.Type, msg string, sev event.Severity, meta map[string]json.RawMessage) {
	if m.hub == nil {
		return
	}
	m.hub.Emit(event.Event{Type: t, Message: msg, Severity: sev, Metadata: meta})
}
