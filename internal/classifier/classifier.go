// Package classifier scores inbound message complexity. Three signals are
// combined with fixed weights: pattern matching against canonical example
// phrases (0.40), linguistic shape (0.35), and conversation context (0.25).
//
// A separate forced-escalation pass looks for indicators that the answer
// requires an external authoritative system (inventory, order status, live
// pricing, account balances). Those messages are routed to the premium tier
// unconditionally: a weaker model's fabrication risk is unacceptable when
// the reply must be accurate rather than merely plausible.
package classifier

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mailsense/mailsense/triage-core/pkg/models"
	"github.com/rs/zerolog/log"
)

// Weights for the composite score. Fixed; not configurable.
const (
	weightPattern    = 0.40
	weightLinguistic = 0.35
	weightContext    = 0.25
)

// Canonical example phrases per complexity tier. The pattern score scales
// with the tier of the best match.
var (
	simplePatterns = []string{
		"thank you", "thanks", "received", "confirm receipt", "got it",
		"unsubscribe", "please remove me", "what are your hours",
		"where are you located",
	}
	standardPatterns = []string{
		"how do i", "can you help", "not working", "issue with",
		"problem with", "when will", "how long", "what is the difference",
		"can i change", "update my",
	}
	complexPatterns = []string{
		"integration", "migrate", "contract terms", "legal", "compliance",
		"escalate", "refund and", "multiple issues", "chargeback",
		"as discussed with", "follow up on our call", "custom configuration",
	}
)

// Built-in technical vocabulary; orgs extend it via PreferenceSnapshot.
var technicalVocab = []string{
	"api", "sso", "webhook", "oauth", "sla", "latency", "deployment",
	"invoice", "proration", "tls", "dns", "sdk",
}

// Indicators that a correct answer needs an external authoritative system.
var externalSystemIndicators = []string{
	"stock", "inventory", "in stock", "availability",
	"order status", "where is my order", "tracking number", "shipment",
	"price", "pricing", "quote",
	"account balance", "balance", "outstanding amount",
}

var (
	sentenceSplit = regexp.MustCompile(`[.!?]+\s+`)
	connectiveRe  = regexp.MustCompile(`\b(and|or|but|if|unless|however|either|whether|because|depending)\b`)
	skuRe         = regexp.MustCompile(`\b[A-Z]{2,}[-_]?\d{2,}\b`)
)

// Classifier scores message complexity. Score is a pure function of its
// inputs; all per-org state arrives through the PreferenceSnapshot.
type Classifier struct{}

// New creates a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Score assesses the text against canonical patterns, linguistic shape, and
// conversation context. Malformed input is treated as lowest complexity and
// logged; it never blocks the attempt.
func (c *Classifier) Score(text string, recent []models.ConversationTurn, prefs *models.PreferenceSnapshot) models.ComplexityAssessment {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || !utf8.ValidString(trimmed) {
		if trimmed != "" {
			log.Warn().Msg("Classifier received malformed input, scoring as lowest complexity")
		}
		// Empty or near-empty text: lowest composite, never force-escalated.
		return models.ComplexityAssessment{Signals: []string{"empty-input"}}
	}

	lower := strings.ToLower(trimmed)

	assessment := models.ComplexityAssessment{
		PatternScore:    c.patternScore(lower),
		LinguisticScore: c.linguisticScore(trimmed, lower, prefs),
		ContextScore:    c.contextScore(recent),
	}
	assessment.CompositeScore = clamp10(
		weightPattern*assessment.PatternScore +
			weightLinguistic*assessment.LinguisticScore +
			weightContext*assessment.ContextScore)

	if signal := c.externalSystemSignal(lower, prefs); signal != "" {
		assessment.ForcedTier = models.TierPremium
		assessment.Signals = append(assessment.Signals, signal)
	}

	return assessment
}

// patternScore matches against the three canonical tiers; the best-matching
// tier sets the base and additional matches nudge it upward.
func (c *Classifier) patternScore(lower string) float64 {
	base, matches := 0.0, 0
	if n := countMatches(lower, complexPatterns); n > 0 {
		base, matches = 8.0, n
	} else if n := countMatches(lower, standardPatterns); n > 0 {
		base, matches = 5.0, n
	} else if n := countMatches(lower, simplePatterns); n > 0 {
		base, matches = 1.5, n
	} else {
		// No canonical match: middle-of-the-road default.
		return 4.0
	}
	return clamp10(base + 0.5*float64(matches-1))
}

// linguisticScore reflects length, sentence count, technical vocabulary,
// and logical connectives.
func (c *Classifier) linguisticScore(text, lower string, prefs *models.PreferenceSnapshot) float64 {
	tokens := len(strings.Fields(text))
	sentences := len(sentenceSplit.Split(text, -1))
	connectives := len(connectiveRe.FindAllString(lower, -1))

	vocab := technicalVocab
	if prefs != nil {
		vocab = append(append([]string{}, technicalVocab...), lowerAll(prefs.DomainVocabulary)...)
	}
	vocabHits := countMatches(lower, vocab)

	score := 0.0
	switch {
	case tokens > 200:
		score += 4.0
	case tokens > 80:
		score += 3.0
	case tokens > 30:
		score += 2.0
	case tokens > 10:
		score += 1.0
	}
	if sentences > 5 {
		score += 1.5
	} else if sentences > 2 {
		score += 0.75
	}
	score += math.Min(3.0, float64(vocabHits)*1.0)
	score += math.Min(2.0, float64(connectives)*0.5)

	return clamp10(score)
}

// contextScore smooths complexity across a conversation: a simple follow-up
// to a complex thread inherits some of that complexity.
func (c *Classifier) contextScore(recent []models.ConversationTurn) float64 {
	if len(recent) == 0 {
		return 0
	}
	var sum, max float64
	for _, turn := range recent {
		sum += turn.Composite
		if turn.Composite > max {
			max = turn.Composite
		}
	}
	avg := sum / float64(len(recent))
	// Max-weighted so one complex prior turn keeps the thread sticky.
	return clamp10(0.6*max + 0.4*avg)
}

// externalSystemSignal returns the matched indicator, or "".
func (c *Classifier) externalSystemSignal(lower string, prefs *models.PreferenceSnapshot) string {
	indicators := externalSystemIndicators
	if prefs != nil {
		indicators = append(append([]string{}, externalSystemIndicators...), lowerAll(prefs.EscalationKeywords)...)
	}
	for _, ind := range indicators {
		if ind != "" && strings.Contains(lower, ind) {
			return "external-system:" + ind
		}
	}
	// A bare SKU reference implies a live catalog lookup.
	if skuRe.MatchString(strings.ToUpper(lower)) {
		return "external-system:sku-reference"
	}
	return ""
}

func countMatches(lower string, patterns []string) int {
	n := 0
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, p) {
			n++
		}
	}
	return n
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}

func clamp10(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
