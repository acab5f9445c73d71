// Package consensus folds the analyzers' verdicts into one decision.
//
// Votes are grouped by verdict key and weighted by confidence. The
// winning group's share of total confidence is the support level; below
// the review threshold the item goes to a human. The whole computation
// is a pure function of the analysis list, so replaying an attempt's
// analyses always reproduces its decision.
package consensus

import (
	"fmt"
	"sort"

	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// ReviewThreshold is the minimum support level for an automatic decision.
// A support level strictly below this flags the item for human review.
const ReviewThreshold = 0.66

// Decide computes the consensus decision for one attempt's analyses.
// Analyses with zero confidence still count toward the denominator; an
// empty list yields an ambiguous decision that requires review.
func Decide(analyses []models.AgentAnalysis) models.ConsensusDecision {
	if len(analyses) == 0 {
		return models.ConsensusDecision{
			FinalVerdict:        models.Verdict{Category: models.CategoryGeneral, Urgency: models.UrgencyLow},
			RequiresHumanReview: true,
			Reasons:             []string{"no analyzer produced a verdict"},
		}
	}

	type group struct {
		key        string
		weight     float64
		privileged bool
		best       *models.AgentAnalysis
	}

	groups := make(map[string]*group)
	var total float64
	hardEscalate := false

	for i := range analyses {
		a := &analyses[i]
		total += a.Confidence
		if a.Verdict.Escalate {
			hardEscalate = true
		}

		key := a.Verdict.Key()
		g, ok := groups[key]
		if !ok {
			g = &group{key: key}
			groups[key] = g
		}
		g.weight += a.Confidence
		if a.Kind.EscalationPrivilege() {
			g.privileged = true
		}
		if g.best == nil || a.Confidence > g.best.Confidence {
			g.best = a
		}
	}

	// Deterministic winner: heaviest group; ties go first to the group
	// backed by an escalation-privileged analyzer, then to the
	// lexicographically smallest key.
	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		if a.privileged != b.privileged {
			return a.privileged
		}
		return a.key < b.key
	})
	winner := ordered[0]

	supportLevel := 0.0
	if total > 0 {
		supportLevel = winner.weight / total
	}

	decision := models.ConsensusDecision{
		SupportLevel: supportLevel,
		FinalVerdict: winner.best.Verdict,
	}
	decision.Reasons = append(decision.Reasons,
		fmt.Sprintf("%d of %d analyzers support %q (weight %.2f of %.2f)",
			countKey(analyses, winner.key), len(analyses), winner.key, winner.weight, total))

	if supportLevel < ReviewThreshold {
		decision.RequiresHumanReview = true
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("support level %.2f below review threshold %.2f", supportLevel, ReviewThreshold))
	}
	if hardEscalate {
		decision.RequiresHumanReview = true
		decision.Reasons = append(decision.Reasons, "an analyzer flagged hard escalation")
	}

	return decision
}

func countKey(analyses []models.AgentAnalysis, key string) int {
	n := 0
	for i := range analyses {
		if analyses[i].Verdict.Key() == key {
			n++
		}
	}
	return n
}
