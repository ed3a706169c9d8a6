package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dlorp/synapse-engine/internal/domain"
	"github.com/dlorp/synapse-engine/internal/domain/model"
	"github.com/dlorp/synapse-engine/internal/domain/pipeline"
	"github.com/dlorp/synapse-engine/internal/domain/query"
)

// Council sizing. The fallback policy is permissive: consensus proceeds
// with two ready models (flagged degraded); below two it is a
// NO_MODEL_AVAILABLE error.
const (
	councilPreferred = 3
	councilMinimum   = 2
)

// runCouncil dispatches to the consensus or adversarial sub-mode.
func (o *OrchestratorService) runCouncil(ctx context.Context, qs *queryState) (*query.Response, error) {
	if qs.req.CouncilAdversarial {
		return o.runAdversarial(ctx, qs)
	}
	return o.runConsensus(ctx, qs)
}

// runConsensus: three models answer independently, cross-review each
// other, and the strongest participant synthesizes.
func (o *OrchestratorService) runConsensus(ctx context.Context, qs *queryState) (*query.Response, error) {
	var members []*model.Model
	err := o.stage(qs.id, pipeline.StageRouting, func() (map[string]json.RawMessage, error) {
		members = o.selector.SelectDistinct(councilPreferred)
		if len(members) < councilMinimum {
			return nil, fmt.Errorf("council needs at least %d ready models, have %d: %w",
				councilMinimum, len(members), domain.ErrNoModelAvailable)
		}
		if len(members) < councilPreferred {
			qs.meta.Degraded = true
		}
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = m.ID
		}
		return stageMeta("participants", ids, "degraded", qs.meta.Degraded), nil
	})
	if err != nil {
		return nil, err
	}

	var text string
	var tokens int
	var primary *model.Model
	err = o.stage(qs.id, pipeline.StageGeneration, func() (map[string]json.RawMessage, error) {
		prompt := buildPrompt(qs.ctxText, qs.req.Query)

		// Round 1: independent answers, concurrent.
		round1 := o.fanOut(ctx, members, func(m *model.Model) (query.StageResult, error) {
			return o.callModelMode(ctx, m, prompt, stage1MaxTokens, *qs.req.Temperature, string(qs.req.Mode))
		})
		succeeded := 0
		for _, r := range round1 {
			if r.Success {
				succeeded++
			}
		}
		if succeeded < councilMinimum {
			return nil, fmt.Errorf("council round 1: only %d of %d calls succeeded: %w",
				succeeded, len(members), domain.ErrUpstream)
		}

		// Round 2: each successful participant refines with the others'
		// answers verbatim; a failed refinement falls back to round 1.
		round2 := o.fanOut(ctx, members, func(m *model.Model) (query.StageResult, error) {
			idx := indexOf(members, m.ID)
			if !round1[idx].Success {
				return round1[idx], fmt.Errorf("skipped: round 1 failed")
			}
			r2, rerr := o.callModelMode(ctx, m, consensusRefinePrompt(qs.req.Query, members, round1, idx),
				stage1MaxTokens, *qs.req.Temperature, string(qs.req.Mode))
			if rerr != nil {
				slog.Warn("council round 2 failed, keeping round 1 answer", "query_id", qs.id, "model", m.ID, "error", rerr)
				fallback := round1[idx]
				fallback.RoundIndex = 2
				return fallback, nil
			}
			r2.RoundIndex = 2
			return r2, nil
		})

		for i, m := range members {
			qs.meta.Participants = append(qs.meta.Participants, query.CouncilParticipant{
				ModelID: m.ID,
				Tier:    string(m.EffectiveTier()),
				Round1:  round1[i],
				Round2:  round2[i],
			})
		}

		// Synthesis by the strongest participant at reduced temperature.
		synthesizer := members[0]
		for _, m := range members[1:] {
			if m.EffectiveTier().Rank() > synthesizer.EffectiveTier().Rank() {
				synthesizer = m
			}
		}
		primary = synthesizer

		synth, serr := o.callModelMode(ctx, synthesizer,
			consensusSynthesisPrompt(qs.req.Query, members, round2),
			*qs.req.MaxTokens, *qs.req.Temperature*0.8, string(qs.req.Mode))
		if serr != nil {
			// Fall back to the longest round-2 answer.
			slog.Warn("council synthesis failed, returning longest refinement", "query_id", qs.id, "error", serr)
			qs.meta.Degraded = true
			best := ""
			for _, r := range round2 {
				if r.Success && len(r.Response) > len(best) {
					best = r.Response
				}
			}
			if best == "" {
				return nil, fmt.Errorf("council produced no usable answer: %w", domain.ErrUpstream)
			}
			text = best
		} else {
			qs.meta.Synthesis = &synth
			text = synth.Response
			tokens = synth.Tokens
		}

		qs.meta.ModelID = synthesizer.ID
		qs.meta.Tier = string(synthesizer.EffectiveTier())
		qs.meta.TokensGenerated = tokens
		return stageMeta("rounds", 2, "synthesizer", synthesizer.ID), nil
	})
	if err != nil {
		return nil, err
	}

	if err := o.finishResponse(qs, primary, text, tokens); err != nil {
		return nil, err
	}
	return &query.Response{ResponseText: text, Metadata: qs.meta}, nil
}

// runAdversarial: two models argue opposite sides across two rounds and
// a moderator produces a balanced summary.
func (o *OrchestratorService) runAdversarial(ctx context.Context, qs *queryState) (*query.Response, error) {
	var pro, con, moderator *model.Model
	err := o.stage(qs.id, pipeline.StageRouting, func() (map[string]json.RawMessage, error) {
		members := o.selector.SelectDistinct(councilPreferred)
		if len(members) < councilMinimum {
			return nil, fmt.Errorf("adversarial council needs 2 ready models, have %d: %w",
				len(members), domain.ErrNoModelAvailable)
		}
		// Prefer balanced for PRO and powerful for CON; SelectDistinct
		// returns weakest-first, so the last two fit naturally.
		pro = members[len(members)-2]
		con = members[len(members)-1]
		moderator = con
		if len(members) >= 3 {
			moderator = members[0]
		}
		return stageMeta("pro", pro.ID, "con", con.ID, "moderator", moderator.ID), nil
	})
	if err != nil {
		return nil, err
	}

	var text string
	var tokens int
	err = o.stage(qs.id, pipeline.StageGeneration, func() (map[string]json.RawMessage, error) {
		topic := buildPrompt(qs.ctxText, qs.req.Query)
		sides := []*model.Model{pro, con}
		stances := []string{"argue FOR the proposition", "argue AGAINST the proposition"}

		round1 := o.fanOut(ctx, sides, func(m *model.Model) (query.StageResult, error) {
			idx := indexOf(sides, m.ID)
			prompt := fmt.Sprintf("Consider the following question:\n%s\n\nTake a position and %s. Make the strongest case you can.", topic, stances[idx])
			r, rerr := o.callModelMode(ctx, m, prompt, stage1MaxTokens, *qs.req.Temperature, string(qs.req.Mode))
			r.Role = []string{"pro", "con"}[idx]
			return r, rerr
		})
		if !round1[0].Success || !round1[1].Success {
			return nil, fmt.Errorf("adversarial round 1 failed: %w", domain.ErrUpstream)
		}

		round2 := o.fanOut(ctx, sides, func(m *model.Model) (query.StageResult, error) {
			idx := indexOf(sides, m.ID)
			other := round1[1-idx]
			prompt := fmt.Sprintf("Question:\n%s\n\nYour earlier argument:\n%s\n\nYour opponent argued:\n%s\n\nRebut your opponent's argument while strengthening your own position.",
				topic, round1[idx].Response, other.Response)
			r, rerr := o.callModelMode(ctx, m, prompt, stage1MaxTokens, *qs.req.Temperature, string(qs.req.Mode))
			r.Role = round1[idx].Role
			r.RoundIndex = 2
			if rerr != nil {
				fallback := round1[idx]
				fallback.RoundIndex = 2
				return fallback, nil
			}
			return r, rerr
		})

		for i, m := range sides {
			qs.meta.Participants = append(qs.meta.Participants, query.CouncilParticipant{
				ModelID: m.ID,
				Tier:    string(m.EffectiveTier()),
				Round1:  round1[i],
				Round2:  round2[i],
			})
		}

		modPrompt := fmt.Sprintf(
			"Question:\n%s\n\nArgument FOR:\n%s\n\nArgument AGAINST:\n%s\n\nAs a neutral moderator, weigh both sides and produce a balanced summary with a reasoned conclusion.",
			topic, round2[0].Response, round2[1].Response)
		synth, serr := o.callModelMode(ctx, moderator, modPrompt, *qs.req.MaxTokens, 0.5, string(qs.req.Mode))
		if serr != nil {
			return nil, fmt.Errorf("moderator synthesis (%s): %w", moderator.ID, serr)
		}
		synth.Role = "moderator"
		qs.meta.Synthesis = &synth
		qs.meta.ModelID = moderator.ID
		qs.meta.Tier = string(moderator.EffectiveTier())
		qs.meta.TokensGenerated = synth.Tokens
		text = synth.Response
		tokens = synth.Tokens
		return stageMeta("rounds", 2, "moderator", moderator.ID), nil
	})
	if err != nil {
		return nil, err
	}

	if err := o.finishResponse(qs, moderator, text, tokens); err != nil {
		return nil, err
	}
	return &query.Response{ResponseText: text, Metadata: qs.meta}, nil
}

// fanOut runs fn for every member concurrently and returns results in
// member order. One member's error never cancels its siblings; errors
// land in the result's Error field via callModelMode.
func (o *OrchestratorService) fanOut(ctx context.Context, members []*model.Model, fn func(*model.Model) (query.StageResult, error)) []query.StageResult {
	results := make([]query.StageResult, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := fn(m)
			if err != nil && r.ModelID == "" {
				r = query.StageResult{ModelID: m.ID, Tier: string(m.EffectiveTier()), Error: err.Error()}
			}
			results[i] = r
		}()
	}
	wg.Wait()
	_ = ctx
	return results
}

func indexOf(members []*model.Model, id string) int {
	for i, m := range members {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func consensusRefinePrompt(q string, members []*model.Model, round1 []query.StageResult, self int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nYour initial answer:\n%s\n\n", q, round1[self].Response)
	b.WriteString("Other council members answered:\n")
	for i, r := range round1 {
		if i == self || !r.Success {
			continue
		}
		fmt.Fprintf(&b, "\n[%s]:\n%s\n", members[i].ID, r.Response)
	}
	b.WriteString("\nRefine your answer in light of the other responses. Keep what is correct, fix what is not.")
	return b.String()
}

func consensusSynthesisPrompt(q string, members []*model.Model, round2 []query.StageResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nCouncil members produced these refined answers:\n", q)
	for i, r := range round2 {
		if !r.Success {
			continue
		}
		fmt.Fprintf(&b, "\n[%s]:\n%s\n", members[i].ID, r.Response)
	}
	b.WriteString("\nSynthesize the council's answers into a single, comprehensive response.")
	return b.String()
}

// elapsedMs is a small helper for benchmark timing.
func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
