package learner

import (
	"context"
	"testing"
	"time"

	"github.com/mailsense/mailsense/triage-core/internal/config"
	"github.com/mailsense/mailsense/triage-core/internal/store"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

func testConfig() config.LearnerConfig {
	return config.LearnerConfig{
		QueueSize:         16,
		OverrideThreshold: 0.3,
		BiasStep:          0.5,
		MaxBias:           2.0,
	}
}

func overriddenRec(band models.ComplexityBand) models.FeedbackRecord {
	return models.FeedbackRecord{
		ItemID:     "item",
		Band:       band,
		Tier:       models.TierStandard,
		Kinds:      []models.AnalyzerKind{models.AnalyzerSupport},
		Confidence: 0.5,
		Overridden: true,
		Approved:   false,
	}
}

func approvedRec(band models.ComplexityBand) models.FeedbackRecord {
	return models.FeedbackRecord{
		ItemID:     "item",
		Band:       band,
		Tier:       models.TierStandard,
		Kinds:      []models.AnalyzerKind{models.AnalyzerSupport},
		Confidence: 0.8,
		Approved:   true,
	}
}

func TestBiasNeedsMinimumSamples(t *testing.T) {
	l := New(testConfig(), nil)

	for i := 0; i < minSamples-1; i++ {
		l.apply(overriddenRec(models.BandMid))
	}
	if b := l.Bias(models.BandMid); b != 0 {
		t.Fatalf("bias moved on %d samples: %f", minSamples-1, b)
	}

	l.apply(overriddenRec(models.BandMid))
	if b := l.Bias(models.BandMid); b != 0.5 {
		t.Fatalf("bias after %d overrides = %f, want one step", minSamples, b)
	}
}

func TestBiasCapsAtMax(t *testing.T) {
	l := New(testConfig(), nil)

	for i := 0; i < 20; i++ {
		l.apply(overriddenRec(models.BandHigh))
	}
	if b := l.Bias(models.BandHigh); b != 2.0 {
		t.Fatalf("bias = %f, want capped at 2.0", b)
	}
}

func TestBiasDecaysToZeroWhenBandBehaves(t *testing.T) {
	l := New(testConfig(), nil)

	for i := 0; i < 8; i++ {
		l.apply(overriddenRec(models.BandMid))
	}
	if b := l.Bias(models.BandMid); b != 2.0 {
		t.Fatalf("setup bias = %f, want 2.0", b)
	}

	// Flood with approvals until the override rate drops well under half
	// the threshold; the bias must walk back to neutral, never negative.
	for i := 0; i < 100; i++ {
		l.apply(approvedRec(models.BandMid))
	}
	if b := l.Bias(models.BandMid); b != 0 {
		t.Fatalf("bias after sustained approvals = %f, want 0", b)
	}
}

func TestBiasIsolatedPerBand(t *testing.T) {
	l := New(testConfig(), nil)

	for i := 0; i < 6; i++ {
		l.apply(overriddenRec(models.BandLow))
	}
	if l.Bias(models.BandLow) == 0 {
		t.Error("low band bias did not move")
	}
	if b := l.Bias(models.BandHigh); b != 0 {
		t.Errorf("high band bias = %f, want untouched", b)
	}
}

func TestStatsAggregation(t *testing.T) {
	l := New(testConfig(), nil)

	l.apply(models.FeedbackRecord{
		Band: models.BandMid, Tier: models.TierPremium,
		Kinds:      []models.AnalyzerKind{models.AnalyzerSales, models.AnalyzerDispute},
		Confidence: 0.6, Approved: true,
	})
	l.apply(models.FeedbackRecord{
		Band: models.BandMid, Tier: models.TierPremium,
		Kinds:      []models.AnalyzerKind{models.AnalyzerSales},
		Confidence: 0.8, Overridden: true,
	})

	var sales *models.PerformanceStat
	for _, s := range l.Stats() {
		if s.Kind == models.AnalyzerSales && s.Tier == models.TierPremium {
			stat := s
			sales = &stat
		}
	}
	if sales == nil {
		t.Fatal("sales/premium stat missing")
	}
	if sales.Total != 2 || sales.Successes != 1 || sales.Overrides != 1 {
		t.Errorf("sales stat = %+v", sales)
	}
	if sales.AvgConfidence != 0.7 {
		t.Errorf("avg confidence = %f, want 0.7", sales.AvgConfidence)
	}
}

func TestRecordNeverBlocksWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	l := New(cfg, nil) // drain never started

	for i := 0; i < 10; i++ {
		l.Record(overriddenRec(models.BandMid))
	}
	if n := len(l.queue); n != 2 {
		t.Errorf("queued = %d, want 2 with the rest dropped", n)
	}
}

func TestDrainAppliesQueuedRecords(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(testConfig(), s)

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)

	for i := 0; i < 6; i++ {
		l.Record(overriddenRec(models.BandMid))
	}

	deadline := time.Now().Add(2 * time.Second)
	for l.Bias(models.BandMid) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("drain never applied queued records")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	l.Wait()

	// Bias survived to the store for the next process.
	biases, err := s.ListBiases(context.Background())
	if err != nil {
		t.Fatalf("ListBiases: %v", err)
	}
	if biases[models.BandMid] == 0 {
		t.Error("bias not persisted")
	}
}

func TestStartLoadsPersistedState(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveBias(ctx, models.BandHigh, 1.5); err != nil {
		t.Fatalf("SaveBias: %v", err)
	}
	if err := s.UpsertPerformanceStat(ctx, &models.PerformanceStat{
		Kind: models.AnalyzerDispute, Tier: models.TierPremium,
		Total: 10, Successes: 7, Overrides: 2, AvgConfidence: 0.65,
	}); err != nil {
		t.Fatalf("UpsertPerformanceStat: %v", err)
	}

	l := New(testConfig(), s)
	runCtx, cancel := context.WithCancel(ctx)
	l.Start(runCtx)
	defer func() {
		cancel()
		l.Wait()
	}()

	if b := l.Bias(models.BandHigh); b != 1.5 {
		t.Errorf("loaded bias = %f, want 1.5", b)
	}
	stats := l.Stats()
	if len(stats) != 1 || stats[0].Total != 10 || stats[0].AvgConfidence != 0.65 {
		t.Errorf("loaded stats = %+v", stats)
	}
}
