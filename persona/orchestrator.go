package persona

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/personaforge/personaforge/core"
	"github.com/personaforge/personaforge/llm"
	"github.com/personaforge/personaforge/scheduler"
	"github.com/personaforge/personaforge/taste"
)

// TasteClient is the slice of the Taste adapter the orchestrator uses.
type TasteClient interface {
	FetchCategory(ctx context.Context, brief *core.Brief, category string, limit int) ([]core.Entity, error)
}

// LLMClient is the slice of the LLM adapter the orchestrator uses.
type LLMClient interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResult, error)
}

// Options configures an Orchestrator.
type Options struct {
	Scheduler *scheduler.Scheduler
	Taste     TasteClient
	LLM       LLMClient
	Clock     core.Clock
	Logger    core.Logger
	// Telemetry spans the enrichment pipeline; nil disables tracing.
	Telemetry core.Telemetry
}

// Orchestrator runs the persona enrichment pipeline: parallel cultural
// category fetches, fallback substitution, prompt composition, generation,
// and validation with one corrective retry.
type Orchestrator struct {
	sched  *scheduler.Scheduler
	taste  TasteClient
	llm    LLMClient
	clock  core.Clock
	logger core.Logger
	tel    core.Telemetry
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Scheduler == nil || opts.Taste == nil || opts.LLM == nil {
		return nil, core.NewError(core.KindInvalidInput, "persona.New",
			errors.New("scheduler, taste client, and llm client are required"))
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}
	return &Orchestrator{
		sched:  opts.Scheduler,
		taste:  opts.Taste,
		llm:    opts.LLM,
		clock:  clock,
		logger: logger,
		tel:    tel,
	}, nil
}

// Generate produces the personas requested by the brief. Personas after the
// first are generated sequentially with the configured inter-request delay
// between them.
func (o *Orchestrator) Generate(ctx context.Context, brief *core.Brief) ([]*core.PersonaResult, error) {
	if err := brief.Validate(); err != nil {
		return nil, err
	}

	count := brief.EffectiveCount()
	ctx, span := o.tel.StartSpan(ctx, "persona.generate")
	defer span.End()
	span.SetAttribute("persona.count", count)

	results := make([]*core.PersonaResult, 0, count)
	cfg := o.sched.Config()

	for i := 0; i < count; i++ {
		if i > 0 {
			if err := o.clock.Sleep(ctx, cfg.Enrichment.MinInterRequestDelay.Std()); err != nil {
				return results, core.NewError(core.KindCancelled, "persona.Generate", err)
			}
		}
		result, err := o.generateOne(ctx, brief, cfg)
		if err != nil {
			span.RecordError(err)
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (o *Orchestrator) generateOne(ctx context.Context, brief *core.Brief, cfg *core.Config) (*core.PersonaResult, error) {
	ctx, span := o.tel.StartSpan(ctx, "persona.enrich")
	defer span.End()

	totalStart := o.clock.Now()

	tasteStart := o.clock.Now()
	insights, err := o.fetchInsights(ctx, brief, cfg)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	tasteLatency := o.clock.Now().Sub(tasteStart)

	// Pace the provider transition so enrichment never fires back-to-back
	// calls across providers.
	if delay := cfg.Enrichment.MinInterRequestDelay.Std(); delay > 0 {
		if err := o.clock.Sleep(ctx, delay); err != nil {
			return nil, core.NewError(core.KindCancelled, "persona.generateOne", err)
		}
	}

	llmStart := o.clock.Now()
	draft, attempts, err := o.generateDraft(ctx, brief, insights, cfg)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	llmLatency := o.clock.Now().Sub(llmStart)
	span.SetAttribute("llm.attempts", attempts)
	span.SetAttribute("persona.confidence", draft.Confidence)

	meta := &core.GenerationMetadata{
		TasteLatency: tasteLatency,
		LLMLatency:   llmLatency,
		TotalLatency: o.clock.Now().Sub(totalStart),
		Confidence:   draft.Confidence,
		AttemptsLLM:  attempts,
		GeneratedAt:  o.clock.Now(),
	}
	for _, cat := range taste.Categories {
		if insights.Fallback[cat] {
			meta.FallbacksUsed = append(meta.FallbacksUsed, cat)
		} else if len(insights.Categories[cat]) > 0 {
			meta.SourcesUsed = append(meta.SourcesUsed, cat)
		}
	}

	o.logger.Info("Persona generated", map[string]interface{}{
		"operation":      "persona_generated",
		"llm_attempts":   attempts,
		"fallbacks_used": len(meta.FallbacksUsed),
		"total_ms":       meta.TotalLatency.Milliseconds(),
	})

	return &core.PersonaResult{Draft: draft, Insights: insights, Metadata: meta}, nil
}

// fetchInsights runs all category fetches in parallel through the scheduler.
// With fallback allowed, a failed category degrades to brief-derived
// low-confidence entities; otherwise the first failure aborts the whole
// fetch.
func (o *Orchestrator) fetchInsights(ctx context.Context, brief *core.Brief, cfg *core.Config) (*core.CulturalInsights, error) {
	limit := cfg.Enrichment.CategoryCap
	timeout := cfg.Taste.Timeout.Std()

	type catResult struct {
		entities []core.Entity
		err      error
	}
	results := make([]catResult, len(taste.Categories))

	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range taste.Categories {
		i, cat := i, cat
		g.Go(func() error {
			key, err := taste.InsightsKey(brief, cat)
			if err != nil {
				return err
			}
			v, err := o.sched.Execute(gctx, scheduler.ExecuteOptions{
				Provider:  taste.Provider,
				Endpoint:  taste.EndpointInsights,
				Type:      taste.RequestTypeInsights,
				Key:       key,
				Codec:     taste.EntityCodec{},
				Batchable: true,
				Timeout:   timeout,
			}, func(pctx context.Context) (interface{}, error) {
				return o.taste.FetchCategory(pctx, brief, cat, limit)
			})
			if err != nil {
				if !cfg.FallbackAllowed || core.IsCancellation(err) {
					return err
				}
				results[i] = catResult{err: err}
				return nil
			}
			entities, _ := v.([]core.Entity)
			results[i] = catResult{entities: entities}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	insights := core.NewCulturalInsights()
	for i, cat := range taste.Categories {
		res := results[i]
		if res.err != nil || len(res.entities) == 0 {
			if res.err != nil {
				o.logger.Warn("Category fetch degraded to fallback", map[string]interface{}{
					"operation":  "persona_fallback",
					"category":   cat,
					"error":      res.err.Error(),
					"error_kind": core.Kind(res.err).String(),
				})
			}
			insights.Categories[cat] = fallbackEntities(brief, cat, limit)
			insights.Fallback[cat] = true
			continue
		}
		insights.Categories[cat] = dedupeEntities(res.entities, limit)
	}
	return insights, nil
}

// generateDraft runs the completion and validation, with at most one
// corrective retry for malformed or below-threshold output. The corrective
// retry is the orchestrator's own budget, separate from the scheduler's
// transient-failure retries.
func (o *Orchestrator) generateDraft(ctx context.Context, brief *core.Brief, insights *core.CulturalInsights, cfg *core.Config) (*core.PersonaDraft, int, error) {
	correction := ""
	var lastErr error

	for attempt := 1; attempt <= 2; attempt++ {
		prompt := BuildPrompt(brief, insights, correction)
		v, err := o.sched.Execute(ctx, scheduler.ExecuteOptions{
			Provider: llm.Provider,
			Endpoint: llm.EndpointCompletions,
			Type:     llm.RequestTypeCompletion,
			Timeout:  cfg.LLM.Timeout.Std(),
		}, func(pctx context.Context) (interface{}, error) {
			return o.llm.Complete(pctx, prompt)
		})
		if err != nil {
			return nil, attempt, err
		}
		completion := v.(*llm.CompletionResult)

		draft, err := llm.ParseDraft(completion.Content)
		if err != nil {
			lastErr = err
			if attempt == 1 {
				correction = "the previous response was not a valid persona JSON object; respond with only the JSON object"
				continue
			}
			return nil, attempt, err
		}

		if err := ValidateDraft(draft, brief, cfg.Enrichment.ValidationThreshold); err != nil {
			lastErr = err
			if attempt == 1 {
				var ce *core.CoordinatorError
				correction = "the previous persona was incomplete"
				if errors.As(err, &ce) && ce.Hint != "" {
					correction = fmt.Sprintf("the previous persona was incomplete (%s); fill every field", ce.Hint)
				}
				continue
			}
			return nil, attempt, err
		}
		return draft, attempt, nil
	}
	return nil, 2, lastErr
}

// fallbackEntities synthesizes low-confidence entities from the brief itself
// so downstream prompt composition always has material per category.
// Fallback confidence never exceeds 0.5.
func fallbackEntities(brief *core.Brief, category string, limit int) []core.Entity {
	confidence := 0.5
	var out []core.Entity
	for i, interest := range brief.Interests {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, core.Entity{
			ID:         fmt.Sprintf("fallback:%s:%d", category, i),
			Name:       interest,
			Tags:       []string{"fallback", category},
			Confidence: confidence,
		})
		if confidence > 0.2 {
			confidence -= 0.05
		}
	}
	return out
}

// dedupeEntities drops duplicate IDs, keeping first (highest confidence)
// occurrence, and caps the list.
func dedupeEntities(entities []core.Entity, limit int) []core.Entity {
	seen := make(map[string]bool, len(entities))
	out := make([]core.Entity, 0, len(entities))
	for _, e := range entities {
		if e.ID != "" && seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
