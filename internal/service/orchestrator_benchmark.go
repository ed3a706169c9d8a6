package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/domain/pipeline"
	"github.com/dlorp/synapse-engine/internal/domain/query"
)

// runBenchmark sends the same prompt through every enabled ready model
// and reports side-by-side results. Individual failures are recorded,
// never fatal; fewer than two ready models is an error.
func (o *OrchestratorService) runBenchmark(ctx context.Context, qs *queryState) (*query.Response, error) {
	var members []*model.Model
	err := o.stage(qs.id, pipeline.StageRouting, func() (map[string]json.RawMessage, error) {
		members = o.selector.Ready()
		if len(members) < 2 {
			return nil, fmt.Errorf("benchmark needs at least 2 ready models, have %d: %w",
				len(members), domain.ErrNoModelAvailable)
		}
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = m.ID
		}
		serial := qs.req.BenchmarkSerial || o.settings.Get().BenchmarkSerial
		return stageMeta("participants", ids, "serial", serial), nil
	})
	if err != nil {
		return nil, err
	}

	var results []query.StageResult
	var totalMs float64
	err = o.stage(qs.id, pipeline.StageGeneration, func() (map[string]json.RawMessage, error) {
		st := o.settings.Get()
		prompt := buildPrompt(qs.ctxText, qs.req.Query)
		maxTokens := *qs.req.MaxTokens
		if maxTokens == query.DefaultMaxTokens && st.BenchmarkMaxTokens > 0 {
			maxTokens = st.BenchmarkMaxTokens
		}
		serial := qs.req.BenchmarkSerial || st.BenchmarkSerial

		start := time.Now()
		if serial {
			results = make([]query.StageResult, len(members))
			for i, m := range members {
				r, _ := o.callModelMode(ctx, m, prompt, maxTokens, *qs.req.Temperature, string(qs.req.Mode))
				results[i] = r
			}
		} else {
			results = o.benchmarkConcurrent(ctx, members, prompt, maxTokens, *qs.req.Temperature, st.ConcurrentCallsCap)
		}
		totalMs = elapsedMs(start)

		succeeded := 0
		for _, r := range results {
			if r.Success {
				succeeded++
			}
		}
		qs.meta.BenchmarkResults = results
		return stageMeta("models", len(members), "succeeded", succeeded, "totalMs", totalMs), nil
	})
	if err != nil {
		return nil, err
	}

	text := benchmarkSummary(members, results, totalMs)
	if err := o.finishResponse(qs, nil, text, 0); err != nil {
		return nil, err
	}
	return &query.Response{ResponseText: text, Metadata: qs.meta}, nil
}

// benchmarkConcurrent fans the prompt out with a bounded semaphore so a
// large fleet does not see unbounded parallel load.
func (o *OrchestratorService) benchmarkConcurrent(ctx context.Context, members []*model.Model, prompt string, maxTokens int, temperature float64, limit int) []query.StageResult {
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	results := make([]query.StageResult, len(members))
	var wg sync.WaitGroup

	for i, m := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = query.StageResult{ModelID: m.ID, Tier: string(m.EffectiveTier()), Error: err.Error()}
				return
			}
			defer sem.Release(1)
			r, _ := o.callModelMode(ctx, m, prompt, maxTokens, temperature, string(query.ModeBenchmark))
			results[i] = r
		}()
	}
	wg.Wait()
	return results
}

// benchmarkSummary renders the human-readable response body; the
// structured per-model array travels in the metadata.
func benchmarkSummary(members []*model.Model, results []query.StageResult, totalMs float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Benchmark across %d models (%.0f ms total):\n", len(members), totalMs)
	for i, r := range results {
		name := members[i].DisplayName
		if name == "" {
			name = members[i].ID
		}
		if r.Success {
			tps := 0.0
			if r.TimeMs > 0 {
				tps = float64(r.Tokens) / (r.TimeMs / 1000)
			}
			fmt.Fprintf(&b, "\n%s: %.0f ms, %d tokens (%.1f tok/s)\n%s\n", name, r.TimeMs, r.Tokens, tps, r.Response)
		} else {
			fmt.Fprintf(&b, "\n%s: failed: %s\n", name, r.Error)
		}
	}
	return b.String()
}
