package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dlorp/synapse-engine/internal/adapter/llamacpp"
	"github.com/dlorp/synapse-engine/internal/adapter/respcache"
	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/allocation"
	"github.com/dlorp/synapse-engine/internal/domain/event"
	"github.com/dlorp/synapse-engine/internal/domain/metric"
	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/domain/pipeline"
	"github.com/dlorp/synapse-engine/internal/domain/query"
	"github.com/dlorp/synapse-engine/internal/logger"
	"github.com/dlorp/synapse-engine/internal/port/retrieval"
)

// stage1MaxTokens caps the draft pass of two-stage mode and the first
// council round.
const stage1MaxTokens = 500

// ModelCaller performs one inference call against a running server.
// Satisfied by ManagerService.
type ModelCaller interface {
	Call(ctx context.Context, modelID, prompt string, maxTokens int, temperature float64) (*llamacpp.CallResult, error)
}

// OrchestratorService is the central state machine: it turns a Request
// into a Response while driving the tracker, event bus, metrics and
// context allocator.
type OrchestratorService struct {
	registry  *RegistryService
	manager   ModelCaller
	selector  *Selector
	tracker   *TrackerService
	metrics   *MetricsService
	allocator *AllocatorService
	retriever retrieval.Retriever
	settings  *SettingsService
	routing   *RoutingStats
	cache     *respcache.Cache
}

// NewOrchestratorService wires the orchestrator. retriever and cache may
// be nil (context retrieval disabled / caching disabled).
func NewOrchestratorService(
	registry *RegistryService,
	manager ModelCaller,
	selector *Selector,
	tracker *TrackerService,
	metrics *MetricsService,
	allocator *AllocatorService,
	retriever retrieval.Retriever,
	settingsSvc *SettingsService,
	routing *RoutingStats,
	cache *respcache.Cache,
) *OrchestratorService {
	return &OrchestratorService{
		registry:  registry,
		manager:   manager,
		selector:  selector,
		tracker:   tracker,
		metrics:   metrics,
		allocator: allocator,
		retriever: retriever,
		settings:  settingsSvc,
		routing:   routing,
		cache:     cache,
	}
}

// queryState carries everything a mode needs while a query flows through
// the pipeline.
type queryState struct {
	id         string
	req        *query.Request
	assessment ComplexityAssessment
	ctxText    string
	artifacts  []allocation.Artifact
	started    time.Time
	meta       query.Metadata
}

// Process runs one query end to end. The request must already be
// normalized. On failure the pipeline is marked failed and the error
// carries a taxonomy sentinel; the query id is always returned so the
// caller can correlate.
func (o *OrchestratorService) Process(ctx context.Context, req *query.Request) (*query.Response, string, error) {
	queryID := uuid.New().String()
	ctx = logger.WithQueryID(ctx, queryID)
	st := o.settings.Get()

	if st.QueryTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(st.QueryTimeoutSeconds)*time.Second)
		defer cancel()
	}

	o.tracker.CreatePipeline(queryID)

	qs := &queryState{
		id:      queryID,
		req:     req,
		started: time.Now(),
		meta: query.Metadata{
			QueryID:   queryID,
			QueryMode: req.Mode,
		},
	}

	resp, err := o.run(ctx, qs)
	if err != nil {
		if cancelErr := ctx.Err(); cancelErr != nil {
			err = fmt.Errorf("cancelled: %w", err)
		}
		_ = o.tracker.FailPipeline(queryID, err)
		slog.Warn("query failed", "query_id", queryID, "mode", req.Mode, "error", err)
		return nil, queryID, err
	}

	_ = o.tracker.CompletePipeline(queryID, pipeline.Result{
		ModelSelected:      resp.Metadata.ModelID,
		Tier:               resp.Metadata.Tier,
		CGRAGArtifactCount: resp.Metadata.CGRAGArtifacts,
	})
	return resp, queryID, nil
}

// run drives the six stages in order.
func (o *OrchestratorService) run(ctx context.Context, qs *queryState) (*query.Response, error) {
	// input
	err := o.stage(qs.id, pipeline.StageInput, func() (map[string]json.RawMessage, error) {
		return stageMeta("queryLength", len(qs.req.Query), "mode", qs.req.Mode), nil
	})
	if err != nil {
		return nil, err
	}

	// complexity
	err = o.stage(qs.id, pipeline.StageComplexity, func() (map[string]json.RawMessage, error) {
		decisionStart := time.Now()
		qs.assessment = AssessComplexity(qs.req.Query)
		decisionMs := float64(time.Since(decisionStart)) / float64(time.Millisecond)

		qs.meta.ComplexityScore = qs.assessment.Score
		qs.meta.ComplexityReason = qs.assessment.Reasoning
		o.metrics.Record(metric.TypeComplexityScore, qs.assessment.Score, metric.Labels{QueryMode: string(qs.req.Mode)})
		if o.routing != nil {
			o.routing.RecordDecision(qs.assessment.Score, string(qs.assessment.Tier), decisionMs)
		}
		return stageMeta("score", qs.assessment.Score, "tier", qs.assessment.Tier, "reasoning", qs.assessment.Reasoning), nil
	})
	if err != nil {
		return nil, err
	}

	// cgrag: completed with empty metadata when context is off; on
	// retrieval failure the query proceeds with empty context.
	err = o.stage(qs.id, pipeline.StageCGRAG, func() (map[string]json.RawMessage, error) {
		if !*qs.req.UseContext || o.retriever == nil {
			return nil, nil
		}
		st := o.settings.Get()
		retrStart := time.Now()
		result, rerr := o.retriever.Retrieve(ctx, qs.req.Query, st.CGRAGTokenBudget)
		retrMs := float64(time.Since(retrStart)) / float64(time.Millisecond)
		o.metrics.Record(metric.TypeCGRAGRetrievalTime, retrMs, metric.Labels{QueryMode: string(qs.req.Mode)})

		if rerr != nil {
			slog.Warn("cgrag retrieval failed, proceeding without context", "query_id", qs.id, "error", rerr)
			return stageMeta("error", rerr.Error(), "artifactsRetrieved", 0), nil
		}

		qs.ctxText = result.ContextText
		qs.artifacts = result.Artifacts
		qs.meta.CGRAGArtifacts = len(result.Artifacts)
		tokens := 0
		for _, a := range result.Artifacts {
			tokens += a.Tokens
		}
		return stageMeta("artifactsRetrieved", len(result.Artifacts), "tokensUsed", tokens, "retrievalTimeMs", retrMs), nil
	})
	if err != nil {
		return nil, err
	}

	// routing + generation + response belong to the mode.
	var resp *query.Response
	switch qs.req.Mode {
	case query.ModeSimple:
		resp, err = o.runSimple(ctx, qs)
	case query.ModeTwoStage:
		resp, err = o.runTwoStage(ctx, qs)
	case query.ModeCouncil:
		resp, err = o.runCouncil(ctx, qs)
	case query.ModeBenchmark:
		resp, err = o.runBenchmark(ctx, qs)
	default:
		err = fmt.Errorf("%w: mode %q", domain.ErrValidation, qs.req.Mode)
	}
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// finishResponse runs the response stage: total time, throughput
// metrics, allocation storage.
func (o *OrchestratorService) finishResponse(qs *queryState, primary *model.Model, text string, tokens int) error {
	return o.stage(qs.id, pipeline.StageResponse, func() (map[string]json.RawMessage, error) {
		totalMs := float64(time.Since(qs.started)) / float64(time.Millisecond)
		qs.meta.ProcessingTimeMs = totalMs

		labels := metric.Labels{QueryMode: string(qs.req.Mode)}
		if primary != nil {
			labels.ModelID = primary.ID
			labels.Tier = string(primary.EffectiveTier())
		}
		o.metrics.Record(metric.TypeResponseTime, totalMs, labels)
		if tokens > 0 && totalMs > 0 {
			o.metrics.Record(metric.TypeTokensPerSecond, float64(tokens)/(totalMs/1000), labels)
		}

		o.storeAllocation(qs, primary)
		return stageMeta("responseLength", len(text), "totalTimeMs", totalMs), nil
	})
}

// storeAllocation records the context attribution; failures never fail
// the query.
func (o *OrchestratorService) storeAllocation(qs *queryState, primary *model.Model) {
	if o.allocator == nil {
		return
	}
	st := o.settings.Get()
	modelID := ""
	if primary != nil {
		modelID = primary.ID
	}
	o.allocator.Store(StoreAllocationRequest{
		QueryID:       qs.id,
		ModelID:       modelID,
		SystemPrompt:  "",
		CGRAGContext:  qs.ctxText,
		UserQuery:     qs.req.Query,
		ContextWindow: st.ContextWindowSize,
		Artifacts:     qs.artifacts,
	})
}

// stage wraps one pipeline stage: start, run, complete or fail.
func (o *OrchestratorService) stage(queryID, name string, fn func() (map[string]json.RawMessage, error)) error {
	if err := o.tracker.StartStage(queryID, name); err != nil {
		return err
	}
	meta, err := fn()
	if err != nil {
		_ = o.tracker.FailStage(queryID, name, err)
		return fmt.Errorf("stage %s: %w", name, err)
	}
	return o.tracker.CompleteStage(queryID, name, meta)
}

// callModelMode performs one inference call and records per-call metrics.
func (o *OrchestratorService) callModelMode(ctx context.Context, m *model.Model, prompt string, maxTokens int, temperature float64, mode string) (query.StageResult, error) {
	start := time.Now()
	result, err := o.manager.Call(ctx, m.ID, prompt, maxTokens, temperature)
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

	sr := query.StageResult{
		ModelID: m.ID,
		Tier:    string(m.EffectiveTier()),
		TimeMs:  elapsedMs,
	}
	if err != nil {
		sr.Error = err.Error()
		return sr, err
	}

	sr.Success = true
	sr.Response = result.Text
	sr.Tokens = result.TokensGenerated

	labels := metric.Labels{ModelID: m.ID, Tier: sr.Tier, QueryMode: mode}
	o.metrics.Record(metric.TypeResponseTime, elapsedMs, labels)
	if result.TokensGenerated > 0 && elapsedMs > 0 {
		o.metrics.Record(metric.TypeTokensPerSecond, float64(result.TokensGenerated)/(elapsedMs/1000), labels)
	}
	return sr, nil
}

// buildPrompt prefixes the retrieved context when present.
func buildPrompt(ctxText, q string) string {
	if ctxText == "" {
		return q
	}
	return ctxText + "\n\n" + q
}

// runSimple picks one model at the assessed tier and generates once,
// consulting the response cache first.
func (o *OrchestratorService) runSimple(ctx context.Context, qs *queryState) (*query.Response, error) {
	var selected *model.Model
	err := o.stage(qs.id, pipeline.StageRouting, func() (map[string]json.RawMessage, error) {
		var m *model.Model
		var serr error
		if qs.assessment.IsCoding {
			// Code-heavy queries prefer a coder model when one is up.
			m, serr = o.selector.SelectCoder(qs.assessment.Tier)
		}
		if m == nil {
			m, serr = o.selector.Select(qs.assessment.Tier)
		}
		if serr != nil {
			return nil, serr
		}
		selected = m
		qs.meta.ModelID = m.ID
		qs.meta.Tier = string(m.EffectiveTier())
		return stageMeta("modelSelected", m.ID, "tier", m.EffectiveTier()), nil
	})
	if err != nil {
		return nil, err
	}

	var text string
	var tokens int
	err = o.stage(qs.id, pipeline.StageGeneration, func() (map[string]json.RawMessage, error) {
		st := o.settings.Get()
		cacheKey := respcache.Key(string(qs.req.Mode), qs.req.Query, *qs.req.MaxTokens, *qs.req.Temperature, *qs.req.UseContext)

		if o.cache != nil && st.ResponseCacheTTLSeconds > 0 {
			if entry, ok := o.cache.Get(cacheKey); ok {
				o.metrics.Record(metric.TypeCacheHitRate, 1, metric.Labels{ModelID: entry.ModelID, QueryMode: string(qs.req.Mode)})
				text = entry.Text
				tokens = entry.TokensGenerated
				qs.meta.ModelID = entry.ModelID
				qs.meta.Tier = entry.Tier
				qs.meta.CacheHit = true
				qs.meta.TokensGenerated = entry.TokensGenerated
				return stageMeta("cacheHit", true, "modelId", entry.ModelID), nil
			}
			o.metrics.Record(metric.TypeCacheHitRate, 0, metric.Labels{ModelID: selected.ID, QueryMode: string(qs.req.Mode)})
		}

		sr, cerr := o.callModelMode(ctx, selected, buildPrompt(qs.ctxText, qs.req.Query), *qs.req.MaxTokens, *qs.req.Temperature, string(qs.req.Mode))
		if cerr != nil {
			return nil, cerr
		}
		text = sr.Response
		tokens = sr.Tokens
		qs.meta.TokensGenerated = sr.Tokens

		if o.cache != nil && st.ResponseCacheTTLSeconds > 0 {
			o.cache.Set(cacheKey, &respcache.Entry{
				Text:            sr.Response,
				ModelID:         selected.ID,
				Tier:            string(selected.EffectiveTier()),
				TokensGenerated: sr.Tokens,
			}, time.Duration(st.ResponseCacheTTLSeconds)*time.Second)
		}
		return stageMeta("modelId", selected.ID, "tokens", sr.Tokens, "timeMs", sr.TimeMs), nil
	})
	if err != nil {
		return nil, err
	}

	if err := o.finishResponse(qs, selected, text, tokens); err != nil {
		return nil, err
	}
	return &query.Response{ResponseText: text, Metadata: qs.meta}, nil
}

// runTwoStage drafts with a balanced model and refines with a powerful
// one. A stage-2 failure degrades to the draft; a stage-1 failure fails
// the query.
func (o *OrchestratorService) runTwoStage(ctx context.Context, qs *queryState) (*query.Response, error) {
	var draft, refiner *model.Model
	err := o.stage(qs.id, pipeline.StageRouting, func() (map[string]json.RawMessage, error) {
		var serr error
		draft, serr = o.selector.Select(model.TierBalanced)
		if serr != nil {
			return nil, serr
		}
		refiner, serr = o.selector.Select(model.TierPowerful)
		if serr != nil {
			return nil, serr
		}
		return stageMeta("stage1Model", draft.ID, "stage2Model", refiner.ID), nil
	})
	if err != nil {
		return nil, err
	}

	var text string
	var tokens int
	err = o.stage(qs.id, pipeline.StageGeneration, func() (map[string]json.RawMessage, error) {
		s1, s1err := o.callModelMode(ctx, draft, buildPrompt(qs.ctxText, qs.req.Query), stage1MaxTokens, *qs.req.Temperature, string(qs.req.Mode))
		qs.meta.Stage1 = &s1
		if s1err != nil {
			return nil, fmt.Errorf("stage 1 (%s): %w", draft.ID, s1err)
		}

		refinePrompt := fmt.Sprintf(
			"Original question:\n%s\n\nDraft answer:\n%s\n\nProvide an improved, comprehensive response to the original question, correcting and expanding the draft as needed.",
			qs.req.Query, s1.Response,
		)
		s2, s2err := o.callModelMode(ctx, refiner, refinePrompt, *qs.req.MaxTokens, *qs.req.Temperature, string(qs.req.Mode))
		qs.meta.Stage2 = &s2
		if s2err != nil {
			// Degrade to the draft rather than failing the query.
			slog.Warn("two-stage refinement failed, returning draft", "query_id", qs.id, "error", s2err)
			qs.meta.Degraded = true
			qs.meta.ModelID = draft.ID
			qs.meta.Tier = string(draft.EffectiveTier())
			text = s1.Response
			tokens = s1.Tokens
		} else {
			qs.meta.ModelID = refiner.ID
			qs.meta.Tier = string(refiner.EffectiveTier())
			text = s2.Response
			tokens = s1.Tokens + s2.Tokens
		}
		qs.meta.TokensGenerated = tokens
		return stageMeta("stage1Ms", s1.TimeMs, "degraded", qs.meta.Degraded), nil
	})
	if err != nil {
		return nil, err
	}

	primary := refiner
	if qs.meta.Degraded {
		primary = draft
	}
	if err := o.finishResponse(qs, primary, text, tokens); err != nil {
		return nil, err
	}
	return &query.Response{ResponseText: text, Metadata: qs.meta}, nil
}

// stageMeta builds a stage metadata map from alternating key/value pairs.
func stageMeta(pairs ...any) map[string]json.RawMessage {
	return event.Meta(pairs...)
}

// IsCancelled reports whether the error chain stems from a client
// disconnect or wall-clock expiry.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
