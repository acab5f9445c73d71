package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

const analyzerMaxTokens = 512

// llmAnalyzer is the shared implementation behind the five standard
// analyzers: one model call, JSON verdict parsing with a keyword
// fallback, and an optional single peer consult.
type llmAnalyzer struct {
	kind     models.AnalyzerKind
	focus    string
	consults []models.AnalyzerKind
	gen      Generator
}

func standardAnalyzers(gen Generator) []Analyzer {
	return []Analyzer{
		&llmAnalyzer{
			kind: models.AnalyzerSales,
			focus: "Assess purchase intent: is the sender trying to buy, asking for " +
				"a quote, or negotiating? Estimate deal stage and size.",
			consults: []models.AnalyzerKind{models.AnalyzerRelationship},
			gen:      gen,
		},
		&llmAnalyzer{
			kind: models.AnalyzerSupport,
			focus: "Assess whether this is a product or service inquiry. Identify " +
				"the topic, any product SKU mentioned, and whether answering " +
				"requires live data such as stock levels or order status.",
			gen: gen,
		},
		&llmAnalyzer{
			kind: models.AnalyzerDispute,
			focus: "Assess whether the sender is disputing a charge, complaining, " +
				"or threatening escalation. Estimate the disputed amount.",
			consults: []models.AnalyzerKind{models.AnalyzerRelationship},
			gen:      gen,
		},
		&llmAnalyzer{
			kind: models.AnalyzerRelationship,
			focus: "Assess the sender's relationship warmth toward us on a 0 to 1 " +
				"scale based on tone, history cues, and familiarity.",
			gen: gen,
		},
		&llmAnalyzer{
			kind: models.AnalyzerOpportunity,
			focus: "Look for upsell or cross-sell signals: interest in adjacent " +
				"products, expansion hints, or budget mentions.",
			consults: []models.AnalyzerKind{models.AnalyzerRelationship},
			gen:      gen,
		},
	}
}

func (a *llmAnalyzer) Kind() models.AnalyzerKind { return a.kind }

func (a *llmAnalyzer) Analyze(ctx context.Context, in *Input, peers *PeerExchange) (*models.AgentAnalysis, error) {
	prompt := a.buildPrompt(in)

	resp, err := a.gen.Generate(ctx, in.Tier, prompt, analyzerMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("%s analyzer: %w", a.kind, err)
	}

	verdict, confidence := parseVerdict(resp.Text)

	// Publish before consulting so consults never chain through us.
	peers.Publish(PeerView{Kind: a.kind, Verdict: verdict, Confidence: confidence})

	for _, peer := range a.consults {
		view, ok := peers.Consult(ctx, peer)
		if !ok {
			continue
		}
		confidence = a.applyPeerView(verdict, confidence, view)
	}

	return &models.AgentAnalysis{
		Kind:       a.kind,
		Verdict:    verdict,
		Confidence: clamp01(confidence),
		Summary:    firstLine(resp.Text),
		TokensUsed: resp.TokensUsed,
	}, nil
}

// applyPeerView nudges confidence using a peer's preliminary verdict.
// Warmth from the relationship analyzer is the main cross-signal: a warm
// sender makes sales and opportunity reads more plausible, a cold one
// makes a dispute read more plausible.
func (a *llmAnalyzer) applyPeerView(verdict models.Verdict, confidence float64, view PeerView) float64 {
	rel := view.Verdict.Relationship
	if rel == nil || view.Confidence < 0.4 {
		return confidence
	}
	switch a.kind {
	case models.AnalyzerSales, models.AnalyzerOpportunity:
		if rel.Warmth >= 0.7 && verdict.Category != models.CategoryGeneral {
			return confidence + 0.1
		}
	case models.AnalyzerDispute:
		if rel.Warmth <= 0.3 && verdict.Category == models.CategoryDispute {
			return confidence + 0.1
		}
	}
	return confidence
}

func (a *llmAnalyzer) buildPrompt(in *Input) string {
	var b strings.Builder
	b.WriteString("You are an email triage analyzer specialized in ")
	b.WriteString(string(a.kind))
	b.WriteString(" assessment.\n\n")
	b.WriteString(a.focus)
	b.WriteString("\n\nRespond with a single JSON object:\n")
	b.WriteString(`{"category": "support|sales|dispute|relationship|opportunity|general", ` +
		`"urgency": "low|medium|high", "confidence": 0.0, "action": "...", ` +
		`"escalate": false, "topic": "...", "sku": "...", "needs_live_data": false, ` +
		`"stage": "...", "deal_size_usd": 0, "amount_usd": 0, "reason": "...", ` +
		`"warmth": 0.0, "signal": "..."}`)
	b.WriteString("\nOmit fields that do not apply.\n\n")
	if in.Item.Subject != "" {
		b.WriteString("Subject: ")
		b.WriteString(in.Item.Subject)
		b.WriteString("\n")
	}
	if in.Item.Sender != "" {
		b.WriteString("From: ")
		b.WriteString(in.Item.Sender)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(in.Item.Body)
	return b.String()
}

// ── Verdict Parsing ─────────────────────────────────────────

// rawVerdict is the flat JSON shape analyzers are prompted to emit.
type rawVerdict struct {
	Category   string  `json:"category"`
	Urgency    string  `json:"urgency"`
	Confidence float64 `json:"confidence"`
	Action     string  `json:"action"`
	Escalate   bool    `json:"escalate"`

	Topic         string  `json:"topic"`
	SKU           string  `json:"sku"`
	NeedsLiveData bool    `json:"needs_live_data"`
	Stage         string  `json:"stage"`
	DealSizeUSD   float64 `json:"deal_size_usd"`
	AmountUSD     float64 `json:"amount_usd"`
	Reason        string  `json:"reason"`
	Warmth        float64 `json:"warmth"`
	Signal        string  `json:"signal"`
}

// parseVerdict extracts a verdict from model output. It looks for the
// first JSON object in the text; if none parses, it falls back to a
// low-confidence keyword read so a malformed response still casts a
// weak vote instead of failing the analyzer.
func parseVerdict(content string) (models.Verdict, float64) {
	if raw, ok := extractJSON(content); ok {
		var rv rawVerdict
		if err := json.Unmarshal([]byte(raw), &rv); err == nil && rv.Category != "" {
			return buildVerdict(rv), clamp01(rv.Confidence)
		}
	}
	return fallbackVerdict(content)
}

func buildVerdict(rv rawVerdict) models.Verdict {
	v := models.Verdict{
		Category: models.VerdictCategory(rv.Category),
		Urgency:  parseUrgency(rv.Urgency),
		Action:   rv.Action,
		Escalate: rv.Escalate,
	}
	switch v.Category {
	case models.CategorySupport:
		v.Support = &models.SupportVerdict{
			Topic:         rv.Topic,
			SKU:           rv.SKU,
			NeedsLiveData: rv.NeedsLiveData,
		}
	case models.CategorySales:
		v.Sales = &models.SalesVerdict{Stage: rv.Stage, DealSizeUSD: rv.DealSizeUSD}
	case models.CategoryDispute:
		v.Dispute = &models.DisputeVerdict{AmountUSD: rv.AmountUSD, Reason: rv.Reason}
	case models.CategoryRelationship:
		v.Relationship = &models.RelationshipVerdict{Warmth: clamp01(rv.Warmth)}
	case models.CategoryOpportunity:
		v.Opportunity = &models.OpportunityVerdict{Signal: rv.Signal}
	case models.CategoryGeneral:
		// no variant
	default:
		v.Category = models.CategoryGeneral
	}
	return v
}

// extractJSON returns the first balanced {...} block in the text.
func extractJSON(content string) (string, bool) {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return content[start : i+1], true
			}
		}
	}
	return "", false
}

// fallbackVerdict keyword-scans the raw output when JSON parsing fails.
func fallbackVerdict(content string) (models.Verdict, float64) {
	lower := strings.ToLower(content)

	type hint struct {
		words    []string
		category models.VerdictCategory
	}
	hints := []hint{
		{[]string{"chargeback", "dispute", "refund", "unauthorized charge"}, models.CategoryDispute},
		{[]string{"quote", "pricing", "purchase", "buy "}, models.CategorySales},
		{[]string{"how do i", "does it support", "in stock", "availability"}, models.CategorySupport},
	}
	for _, h := range hints {
		for _, w := range h.words {
			if strings.Contains(lower, w) {
				v := models.Verdict{Category: h.category, Urgency: models.UrgencyMedium}
				switch h.category {
				case models.CategoryDispute:
					v.Dispute = &models.DisputeVerdict{}
				case models.CategorySales:
					v.Sales = &models.SalesVerdict{}
				case models.CategorySupport:
					v.Support = &models.SupportVerdict{}
				}
				return v, 0.3
			}
		}
	}

	return models.Verdict{Category: models.CategoryGeneral, Urgency: models.UrgencyLow}, 0.2
}

func parseUrgency(s string) models.Urgency {
	switch models.Urgency(s) {
	case models.UrgencyLow, models.UrgencyMedium, models.UrgencyHigh:
		return models.Urgency(s)
	default:
		return models.UrgencyMedium
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
