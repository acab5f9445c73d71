package router

import (
	"context"
	"sync"
	"testing"

	"github.com/mailsense/mailsense/triage-core/internal/config"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

func testConfig() config.RouterConfig {
	return config.RouterConfig{
		MaxConcurrentCalls: 4,
		Economy:            config.TierBinding{Kind: "fake", Model: "eco-model"},
		Standard:           config.TierBinding{Kind: "fake", Model: "std-model"},
		Premium:            config.TierBinding{Kind: "fake", Model: "prem-model"},
	}
}

// fakeDriver scripts per-model responses and records calls.
type fakeDriver struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error // model → error to return
}

func (d *fakeDriver) Kind() string { return "fake" }

func (d *fakeDriver) Generate(ctx context.Context, binding *models.ProviderBinding, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req.Model)
	err := d.fail[req.Model]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &models.GenerateResponse{Text: "ok from " + req.Model, TokensUsed: 10, Model: req.Model, Provider: "fake"}, nil
}

func (d *fakeDriver) callLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.calls...)
}

type fixedBias struct{ values map[models.ComplexityBand]float64 }

func (b fixedBias) Bias(band models.ComplexityBand) float64 { return b.values[band] }

func TestSelectCompositeThresholds(t *testing.T) {
	mr := New(testConfig(), nil)

	cases := []struct {
		composite float64
		want      models.ModelTier
	}{
		{0, models.TierEconomy},
		{3.0, models.TierEconomy},
		{3.01, models.TierStandard},
		{5.5, models.TierStandard},
		{7.0, models.TierStandard},
		{7.01, models.TierPremium},
		{10, models.TierPremium},
	}
	for _, tc := range cases {
		d := mr.Select(models.ComplexityAssessment{CompositeScore: tc.composite}, "", 100, 5)
		if d.Tier != tc.want {
			t.Errorf("composite %.2f: tier = %s, want %s", tc.composite, d.Tier, tc.want)
		}
		if d.Source != models.RouteAlgorithmic {
			t.Errorf("composite %.2f: source = %s, want algorithmic", tc.composite, d.Source)
		}
	}
}

func TestSelectForcedTierWins(t *testing.T) {
	mr := New(testConfig(), nil)

	// A trivially simple message with a forced tier still goes premium.
	d := mr.Select(models.ComplexityAssessment{
		CompositeScore: 0.5,
		ForcedTier:     models.TierPremium,
		Signals:        []string{"external-system:stock"},
	}, "", 50, 5)

	if d.Tier != models.TierPremium {
		t.Fatalf("tier = %s, want premium", d.Tier)
	}
	if d.Source != models.RouteForced {
		t.Errorf("source = %s, want forced", d.Source)
	}
	if len(d.Reasoning) == 0 {
		t.Error("forced routing produced no reasoning")
	}
}

func TestSelectOverrideBeatsForced(t *testing.T) {
	mr := New(testConfig(), nil)

	d := mr.Select(models.ComplexityAssessment{
		CompositeScore: 9.0,
		ForcedTier:     models.TierPremium,
	}, models.TierEconomy, 50, 5)

	if d.Tier != models.TierEconomy {
		t.Fatalf("tier = %s, want overridden economy", d.Tier)
	}
	if d.Source != models.RouteOverride {
		t.Errorf("source = %s, want override (logged distinctly)", d.Source)
	}
}

func TestSelectAppliesLearnedBias(t *testing.T) {
	bias := fixedBias{values: map[models.ComplexityBand]float64{models.BandLow: 1.5}}
	mr := New(testConfig(), bias)

	// Composite 2.0 alone is economy; +1.5 bias crosses into standard.
	d := mr.Select(models.ComplexityAssessment{CompositeScore: 2.0}, "", 50, 5)
	if d.Tier != models.TierStandard {
		t.Fatalf("tier = %s, want standard after bias", d.Tier)
	}
	if d.BiasApplied != 1.5 {
		t.Errorf("BiasApplied = %f, want 1.5", d.BiasApplied)
	}

	// Bias never touches forced routing.
	f := mr.Select(models.ComplexityAssessment{CompositeScore: 2.0, ForcedTier: models.TierPremium}, "", 50, 5)
	if f.BiasApplied != 0 {
		t.Errorf("bias applied to forced route: %f", f.BiasApplied)
	}
}

func TestEstimateCostMonotonic(t *testing.T) {
	tokens := estimateTokens(4000, 5)
	if tokens <= 0 {
		t.Fatalf("estimated tokens = %d", tokens)
	}
	eco := EstimateCost(models.TierEconomy, tokens)
	std := EstimateCost(models.TierStandard, tokens)
	prem := EstimateCost(models.TierPremium, tokens)
	if !(eco < std && std < prem) {
		t.Errorf("costs not monotonic: eco=%f std=%f prem=%f", eco, std, prem)
	}
}

func TestGenerateDemotesOnTransientFailure(t *testing.T) {
	drv := &fakeDriver{fail: map[string]error{
		"prem-model": &models.ProviderError{Provider: "fake", Status: 503, Message: "overloaded", Transient: true},
	}}
	mr := New(testConfig(), nil)
	mr.RegisterDriver(drv)

	resp, err := mr.Generate(context.Background(), models.TierPremium, "hi", 64)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Model != "std-model" {
		t.Errorf("response model = %s, want std-model after demotion", resp.Model)
	}
	calls := drv.callLog()
	if len(calls) != 2 || calls[0] != "prem-model" || calls[1] != "std-model" {
		t.Errorf("call sequence = %v, want [prem-model std-model]", calls)
	}
}

func TestGenerateDoesNotRetryPermanentFailure(t *testing.T) {
	drv := &fakeDriver{fail: map[string]error{
		"prem-model": &models.ProviderError{Provider: "fake", Status: 401, Message: "bad key", Transient: false},
	}}
	mr := New(testConfig(), nil)
	mr.RegisterDriver(drv)

	if _, err := mr.Generate(context.Background(), models.TierPremium, "hi", 64); err == nil {
		t.Fatal("expected permanent failure to surface")
	}
	if calls := drv.callLog(); len(calls) != 1 {
		t.Errorf("permanent failure retried: calls = %v", calls)
	}
}

func TestGenerateSingleDemotionOnly(t *testing.T) {
	transient := &models.ProviderError{Provider: "fake", Status: 503, Message: "down", Transient: true}
	drv := &fakeDriver{fail: map[string]error{
		"prem-model": transient,
		"std-model":  transient,
	}}
	mr := New(testConfig(), nil)
	mr.RegisterDriver(drv)

	if _, err := mr.Generate(context.Background(), models.TierPremium, "hi", 64); err == nil {
		t.Fatal("expected failure after single demotion")
	}
	// One demotion, never a second: premium then standard, no economy call.
	calls := drv.callLog()
	if len(calls) != 2 || calls[1] != "std-model" {
		t.Errorf("call sequence = %v, want exactly [prem-model std-model]", calls)
	}
}
