package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// scriptedGen returns a canned response per analyzer kind, inferred from
// the prompt's specialization line.
type scriptedGen struct {
	responses map[models.AnalyzerKind]string
	delays    map[models.AnalyzerKind]time.Duration
	errs      map[models.AnalyzerKind]error
}

func (g *scriptedGen) Generate(ctx context.Context, tier models.ModelTier, prompt string, maxTokens int) (*models.GenerateResponse, error) {
	var kind models.AnalyzerKind
	for _, k := range []models.AnalyzerKind{
		models.AnalyzerSales, models.AnalyzerSupport, models.AnalyzerDispute,
		models.AnalyzerRelationship, models.AnalyzerOpportunity,
	} {
		if strings.Contains(prompt, "specialized in "+string(k)) {
			kind = k
			break
		}
	}
	if d := g.delays[kind]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := g.errs[kind]; err != nil {
		return nil, err
	}
	return &models.GenerateResponse{Text: g.responses[kind], TokensUsed: 5}, nil
}

func testInput() *Input {
	return &Input{
		Item: &models.QueueItem{
			ID:      "item-1",
			OrgID:   "default",
			Subject: "Is SKU-100 in stock?",
			Body:    "Hi, do you have the SKU-100 in stock? Need it this week.",
		},
		Assessment: models.ComplexityAssessment{CompositeScore: 5},
		Tier:       models.TierStandard,
	}
}

func TestRunFanOutAllAnalyzersVote(t *testing.T) {
	gen := &scriptedGen{responses: map[models.AnalyzerKind]string{
		models.AnalyzerSales:        `{"category":"sales","urgency":"medium","confidence":0.4,"stage":"prospecting"}`,
		models.AnalyzerSupport:      `{"category":"support","urgency":"high","confidence":0.9,"topic":"product-inquiry","sku":"SKU-100","needs_live_data":true}`,
		models.AnalyzerDispute:      `{"category":"general","urgency":"low","confidence":0.2}`,
		models.AnalyzerRelationship: `{"category":"relationship","urgency":"low","confidence":0.6,"warmth":0.5}`,
		models.AnalyzerOpportunity:  `{"category":"general","urgency":"low","confidence":0.3}`,
	}}
	o := New(gen, time.Second, 100*time.Millisecond)

	result := o.Run(context.Background(), testInput())
	if len(result.Analyses) != 5 {
		t.Fatalf("voting analyses = %d, want 5", len(result.Analyses))
	}
	if len(result.Summaries) != 5 {
		t.Fatalf("summaries = %d, want 5", len(result.Summaries))
	}

	byKind := map[models.AnalyzerKind]models.AgentAnalysis{}
	for _, a := range result.Analyses {
		byKind[a.Kind] = a
	}
	sup := byKind[models.AnalyzerSupport]
	if sup.Verdict.Category != models.CategorySupport {
		t.Errorf("support analyzer category = %s", sup.Verdict.Category)
	}
	if sup.Verdict.Support == nil || sup.Verdict.Support.SKU != "SKU-100" {
		t.Errorf("support verdict = %+v, want SKU-100", sup.Verdict.Support)
	}
	if !sup.Verdict.Support.NeedsLiveData {
		t.Error("needs_live_data lost in parsing")
	}
}

func TestAnalyzerCount(t *testing.T) {
	if n := New(&scriptedGen{}, time.Second, time.Second).AnalyzerCount(); n != 5 {
		t.Errorf("standard analyzer count = %d, want 5", n)
	}
	o := NewWithAnalyzers([]Analyzer{
		&llmAnalyzer{kind: models.AnalyzerSupport},
		&llmAnalyzer{kind: models.AnalyzerSales},
	}, time.Second, time.Second)
	if n := o.AnalyzerCount(); n != 2 {
		t.Errorf("custom analyzer count = %d, want 2", n)
	}
}

func TestRunExcludesTimedOutAnalyzer(t *testing.T) {
	gen := &scriptedGen{
		responses: map[models.AnalyzerKind]string{
			models.AnalyzerSales:        `{"category":"sales","confidence":0.5}`,
			models.AnalyzerSupport:      `{"category":"support","confidence":0.8}`,
			models.AnalyzerDispute:      `{"category":"general","confidence":0.2}`,
			models.AnalyzerRelationship: `{"category":"relationship","confidence":0.6,"warmth":0.5}`,
			models.AnalyzerOpportunity:  `{"category":"general","confidence":0.3}`,
		},
		delays: map[models.AnalyzerKind]time.Duration{
			models.AnalyzerDispute: 500 * time.Millisecond,
		},
	}
	o := New(gen, 50*time.Millisecond, 10*time.Millisecond)

	result := o.Run(context.Background(), testInput())
	if len(result.Analyses) != 4 {
		t.Fatalf("voting analyses = %d, want 4 (dispute excluded)", len(result.Analyses))
	}

	var disputeSummary *models.AnalysisSummary
	for i := range result.Summaries {
		if result.Summaries[i].Kind == models.AnalyzerDispute {
			disputeSummary = &result.Summaries[i]
		}
	}
	if disputeSummary == nil {
		t.Fatal("timed-out analyzer missing from summaries")
	}
	if !disputeSummary.TimedOut {
		t.Error("timed-out analyzer not marked TimedOut")
	}
}

func TestRunRecordsAnalyzerErrors(t *testing.T) {
	boom := errors.New("provider exploded")
	gen := &scriptedGen{
		responses: map[models.AnalyzerKind]string{},
		errs: map[models.AnalyzerKind]error{
			models.AnalyzerSales:        boom,
			models.AnalyzerSupport:      boom,
			models.AnalyzerDispute:      boom,
			models.AnalyzerRelationship: boom,
			models.AnalyzerOpportunity:  boom,
		},
	}
	o := New(gen, time.Second, 10*time.Millisecond)

	result := o.Run(context.Background(), testInput())
	if len(result.Analyses) != 0 {
		t.Fatalf("voting analyses = %d, want 0", len(result.Analyses))
	}
	if len(result.Errors) != 5 {
		t.Fatalf("errors = %d, want 5", len(result.Errors))
	}
}

func TestPeerConsultAdjustsConfidence(t *testing.T) {
	base := map[models.AnalyzerKind]string{
		models.AnalyzerSales:       `{"category":"sales","confidence":0.5,"stage":"negotiating"}`,
		models.AnalyzerSupport:     `{"category":"general","confidence":0.2}`,
		models.AnalyzerDispute:     `{"category":"general","confidence":0.2}`,
		models.AnalyzerOpportunity: `{"category":"general","confidence":0.3}`,
	}

	run := func(warmth float64) float64 {
		responses := map[models.AnalyzerKind]string{}
		for k, v := range base {
			responses[k] = v
		}
		responses[models.AnalyzerRelationship] = fmt.Sprintf(
			`{"category":"relationship","confidence":0.9,"warmth":%.1f}`, warmth)

		o := New(&scriptedGen{responses: responses}, time.Second, 200*time.Millisecond)
		result := o.Run(context.Background(), testInput())
		for _, a := range result.Analyses {
			if a.Kind == models.AnalyzerSales {
				return a.Confidence
			}
		}
		t.Fatal("sales analysis missing")
		return 0
	}

	cold := run(0.1)
	warm := run(0.9)
	if warm <= cold {
		t.Errorf("warm sender did not raise sales confidence: warm=%f cold=%f", warm, cold)
	}
}

func TestPeerExchangeSingleHop(t *testing.T) {
	px := NewPeerExchange(50 * time.Millisecond)

	// Consult before publish waits, then receives.
	done := make(chan PeerView, 1)
	go func() {
		view, ok := px.Consult(context.Background(), models.AnalyzerRelationship)
		if !ok {
			t.Error("consult missed a published view")
		}
		done <- view
	}()

	time.Sleep(5 * time.Millisecond)
	px.Publish(PeerView{
		Kind:       models.AnalyzerRelationship,
		Verdict:    models.Verdict{Category: models.CategoryRelationship, Relationship: &models.RelationshipVerdict{Warmth: 0.8}},
		Confidence: 0.9,
	})

	view := <-done
	if view.Verdict.Relationship == nil || view.Verdict.Relationship.Warmth != 0.8 {
		t.Errorf("consulted view = %+v", view)
	}

	// A peer that never publishes times out cleanly.
	if _, ok := px.Consult(context.Background(), models.AnalyzerDispute); ok {
		t.Error("consult returned a view nobody published")
	}

	// Second publish for the same kind is ignored.
	px.Publish(PeerView{Kind: models.AnalyzerRelationship, Confidence: 0.1})
	view, ok := px.Consult(context.Background(), models.AnalyzerRelationship)
	if !ok || view.Confidence != 0.9 {
		t.Errorf("preliminary view overwritten: %+v", view)
	}
}

func TestParseVerdictFallback(t *testing.T) {
	v, conf := parseVerdict("I could not produce JSON but this looks like a chargeback dispute")
	if v.Category != models.CategoryDispute {
		t.Errorf("fallback category = %s, want dispute", v.Category)
	}
	if conf >= 0.5 {
		t.Errorf("fallback confidence = %f, want low", conf)
	}

	v, conf = parseVerdict("complete gibberish with no signals at all")
	if v.Category != models.CategoryGeneral {
		t.Errorf("noise category = %s, want general", v.Category)
	}
	if conf != 0.2 {
		t.Errorf("noise confidence = %f", conf)
	}

	// JSON embedded in prose still parses.
	v, conf = parseVerdict("Sure! Here is my analysis:\n{\"category\":\"sales\",\"urgency\":\"high\",\"confidence\":0.75,\"stage\":\"closing\"}\nHope that helps.")
	if v.Category != models.CategorySales || v.Sales == nil || v.Sales.Stage != "closing" {
		t.Errorf("embedded JSON verdict = %+v", v)
	}
	if conf != 0.75 {
		t.Errorf("confidence = %f, want 0.75", conf)
	}
}
