// Package router implements the model router.
//
// The router maps a complexity assessment to a model tier (economy,
// standard, premium), estimates cost, and executes provider calls with
// bounded concurrency. A forced tier from the classifier always wins; an
// explicit override from a caller is honored and logged distinctly so the
// learning loop can tell the two apart.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mailsense/mailsense/triage-core/internal/config"
	"github.com/mailsense/mailsense/triage-core/pkg/contracts"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Tier thresholds on the (bias-adjusted) composite score.
const (
	economyCeiling  = 3.0
	standardCeiling = 7.0
)

// tokenOverheadPerAnalyzer covers the prompt scaffolding each analyzer adds
// around the shared message body.
const tokenOverheadPerAnalyzer = 350

// Cost per 1K tokens (USD) by tier. Deterministic defaults; the real
// per-model price lives with the provider, this is the routing estimate.
var tierCostPer1K = map[models.ModelTier]float64{
	models.TierEconomy:  0.0002,
	models.TierStandard: 0.0015,
	models.TierPremium:  0.009,
}

// ModelRouter selects tiers and executes provider calls.
type ModelRouter struct {
	bindings map[models.ModelTier]config.TierBinding
	bias     contracts.BiasSource

	// sem bounds in-flight provider calls across all workers: providers
	// are a rate-limited external resource, fan-out must apply
	// backpressure rather than grow without bound.
	sem *semaphore.Weighted

	drvMu   sync.RWMutex
	drivers map[string]contracts.ProviderDriver
}

// New creates a ModelRouter with the built-in provider drivers registered.
func New(cfg config.RouterConfig, bias contracts.BiasSource) *ModelRouter {
	maxCalls := cfg.MaxConcurrentCalls
	if maxCalls <= 0 {
		maxCalls = 8
	}
	mr := &ModelRouter{
		bindings: map[models.ModelTier]config.TierBinding{
			models.TierEconomy:  cfg.Economy,
			models.TierStandard: cfg.Standard,
			models.TierPremium:  cfg.Premium,
		},
		bias:    bias,
		sem:     semaphore.NewWeighted(maxCalls),
		drivers: make(map[string]contracts.ProviderDriver),
	}
	mr.RegisterDriver(newOpenAIDriver())
	mr.RegisterDriver(newAnthropicDriver())
	mr.RegisterDriver(newOllamaDriver())
	return mr
}

// RegisterDriver adds or replaces a provider driver for its kind.
func (mr *ModelRouter) RegisterDriver(d contracts.ProviderDriver) {
	mr.drvMu.Lock()
	defer mr.drvMu.Unlock()
	mr.drivers[d.Kind()] = d
}

// ListDrivers returns the registered driver kinds.
func (mr *ModelRouter) ListDrivers() []string {
	mr.drvMu.RLock()
	defer mr.drvMu.RUnlock()
	kinds := make([]string, 0, len(mr.drivers))
	for k := range mr.drivers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Select maps an assessment to a routing decision. Precedence: explicit
// override > forced tier > bias-adjusted composite thresholds. The decision
// is immutable once created; callers persist it in the attempt record.
func (mr *ModelRouter) Select(assessment models.ComplexityAssessment, override models.ModelTier, inputLen, numAnalyzers int) models.RoutingDecision {
	decision := models.RoutingDecision{
		ID:        uuid.NewString(),
		Source:    models.RouteAlgorithmic,
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case override != "":
		decision.Tier = override
		decision.Source = models.RouteOverride
		decision.Reasoning = append(decision.Reasoning,
			fmt.Sprintf("explicit tier override: %s", override))

	case assessment.ForcedTier != "":
		decision.Tier = assessment.ForcedTier
		decision.Source = models.RouteForced
		decision.Reasoning = append(decision.Reasoning,
			"external-system integration detected, forcing premium tier")
		for _, s := range assessment.Signals {
			decision.Reasoning = append(decision.Reasoning, "signal: "+s)
		}

	default:
		adjusted := assessment.CompositeScore
		if mr.bias != nil {
			if b := mr.bias.Bias(models.BandFor(assessment.CompositeScore)); b != 0 {
				adjusted += b
				decision.BiasApplied = b
				decision.Reasoning = append(decision.Reasoning,
					fmt.Sprintf("learned bias %+.2f applied to composite %.2f", b, assessment.CompositeScore))
			}
		}
		decision.Tier = tierFor(adjusted)
		decision.Reasoning = append(decision.Reasoning,
			fmt.Sprintf("composite score %.2f selects %s tier", adjusted, decision.Tier))
	}

	decision.EstimatedTokens = estimateTokens(inputLen, numAnalyzers)
	decision.EstimatedCost = EstimateCost(decision.Tier, decision.EstimatedTokens)
	return decision
}

func tierFor(composite float64) models.ModelTier {
	switch {
	case composite <= economyCeiling:
		return models.TierEconomy
	case composite <= standardCeiling:
		return models.TierStandard
	default:
		return models.TierPremium
	}
}

// estimateTokens derives the attempt's token budget from the input length
// plus fixed overhead per analyzer that will consume the decision.
func estimateTokens(inputLen, numAnalyzers int) int64 {
	if numAnalyzers < 1 {
		numAnalyzers = 1
	}
	inputTokens := int64(inputLen / 4)
	return int64(numAnalyzers) * (inputTokens + tokenOverheadPerAnalyzer)
}

// EstimateCost is the deterministic (tier, tokens) → USD estimate.
func EstimateCost(tier models.ModelTier, tokens int64) float64 {
	return float64(tokens) / 1000 * tierCostPer1K[tier]
}

// Generate executes one provider call at the given tier, applying
// backpressure. On a transient provider failure it demotes one tier and
// retries once; a second failure (or any permanent failure) is returned to
// the caller. The router never escalates cost to mask a transient error.
func (mr *ModelRouter) Generate(ctx context.Context, tier models.ModelTier, prompt string, maxTokens int) (*models.GenerateResponse, error) {
	if err := mr.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire provider slot: %w", err)
	}
	defer mr.sem.Release(1)

	resp, err := mr.callTier(ctx, tier, prompt, maxTokens)
	if err == nil {
		return resp, nil
	}

	if perr, ok := err.(*models.ProviderError); ok && perr.Transient {
		demoted := tier.Demote()
		if demoted != tier {
			log.Warn().
				Str("tier", string(tier)).
				Str("demoted", string(demoted)).
				Err(err).
				Msg("Transient provider failure, demoting one tier and retrying")
			return mr.callTier(ctx, demoted, prompt, maxTokens)
		}
		// Already at the floor: one plain retry.
		log.Warn().Str("tier", string(tier)).Err(err).Msg("Transient provider failure at floor tier, retrying once")
		return mr.callTier(ctx, tier, prompt, maxTokens)
	}

	return nil, err
}

func (mr *ModelRouter) callTier(ctx context.Context, tier models.ModelTier, prompt string, maxTokens int) (*models.GenerateResponse, error) {
	binding, ok := mr.bindings[tier]
	if !ok || binding.Kind == "" {
		return nil, fmt.Errorf("no provider binding for tier %s", tier)
	}

	mr.drvMu.RLock()
	driver := mr.drivers[binding.Kind]
	mr.drvMu.RUnlock()
	if driver == nil {
		return nil, fmt.Errorf("no driver registered for provider kind %s", binding.Kind)
	}

	start := time.Now()
	resp, err := driver.Generate(ctx, &models.ProviderBinding{
		Kind:     binding.Kind,
		Model:    binding.Model,
		Endpoint: binding.Endpoint,
		APIKey:   binding.APIKey,
	}, &models.GenerateRequest{
		Prompt:    prompt,
		Tier:      tier,
		Model:     binding.Model,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// Binding exposes the tier → model binding for reporting.
func (mr *ModelRouter) Binding(tier models.ModelTier) config.TierBinding {
	return mr.bindings[tier]
}
