// Package orchestrator fans an email out to the specialized analyzers in
// parallel and collects their verdicts for consensus.
//
// Each analyzer gets its own timeout; one that misses it is excluded from
// the vote (recorded as timed out in the attempt history) rather than
// failing the attempt. Analyzers may consult one peer's preliminary
// verdict through the exchange; a preliminary is published before any
// consult happens, so consults never chain.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// Generator is the slice of the model router the analyzers need.
type Generator interface {
	Generate(ctx context.Context, tier models.ModelTier, prompt string, maxTokens int) (*models.GenerateResponse, error)
}

// Input is everything an analyzer sees for one attempt.
type Input struct {
	Item       *models.QueueItem
	Assessment models.ComplexityAssessment
	Tier       models.ModelTier
	Prefs      *models.PreferenceSnapshot
}

// PeerView is a peer analyzer's preliminary position.
type PeerView struct {
	Kind       models.AnalyzerKind
	Verdict    models.Verdict
	Confidence float64
}

// Analyzer is one specialized reasoning unit.
type Analyzer interface {
	Kind() models.AnalyzerKind
	Analyze(ctx context.Context, in *Input, peers *PeerExchange) (*models.AgentAnalysis, error)
}

// ── Peer Exchange ───────────────────────────────────────────

// PeerExchange lets analyzers read each other's preliminary verdicts.
// Publish happens exactly once per analyzer, before that analyzer
// consults anyone, which bounds consultation to a single hop.
type PeerExchange struct {
	mu      sync.Mutex
	views   map[models.AnalyzerKind]PeerView
	waiters map[models.AnalyzerKind][]chan PeerView
	wait    time.Duration
}

func NewPeerExchange(wait time.Duration) *PeerExchange {
	return &PeerExchange{
		views:   make(map[models.AnalyzerKind]PeerView),
		waiters: make(map[models.AnalyzerKind][]chan PeerView),
		wait:    wait,
	}
}

// Publish records an analyzer's preliminary position and wakes any
// consulting peers. Later publishes for the same kind are ignored.
func (px *PeerExchange) Publish(view PeerView) {
	px.mu.Lock()
	defer px.mu.Unlock()
	if _, ok := px.views[view.Kind]; ok {
		return
	}
	px.views[view.Kind] = view
	for _, ch := range px.waiters[view.Kind] {
		ch <- view
	}
	delete(px.waiters, view.Kind)
}

// Consult returns the named peer's preliminary verdict, waiting up to the
// exchange's bound for it to arrive. The second return is false when the
// peer never published in time.
func (px *PeerExchange) Consult(ctx context.Context, kind models.AnalyzerKind) (PeerView, bool) {
	px.mu.Lock()
	if view, ok := px.views[kind]; ok {
		px.mu.Unlock()
		return view, true
	}
	ch := make(chan PeerView, 1)
	px.waiters[kind] = append(px.waiters[kind], ch)
	px.mu.Unlock()

	timer := time.NewTimer(px.wait)
	defer timer.Stop()

	select {
	case view := <-ch:
		return view, true
	case <-timer.C:
		return PeerView{}, false
	case <-ctx.Done():
		return PeerView{}, false
	}
}

// ── Orchestrator ────────────────────────────────────────────

type Orchestrator struct {
	analyzers       []Analyzer
	analyzerTimeout time.Duration
	peerWait        time.Duration
}

// New builds an orchestrator with the standard five analyzers.
func New(gen Generator, analyzerTimeout, peerWait time.Duration) *Orchestrator {
	return &Orchestrator{
		analyzers:       standardAnalyzers(gen),
		analyzerTimeout: analyzerTimeout,
		peerWait:        peerWait,
	}
}

// NewWithAnalyzers builds an orchestrator over an explicit analyzer set.
func NewWithAnalyzers(analyzers []Analyzer, analyzerTimeout, peerWait time.Duration) *Orchestrator {
	return &Orchestrator{
		analyzers:       analyzers,
		analyzerTimeout: analyzerTimeout,
		peerWait:        peerWait,
	}
}

// AnalyzerCount reports how many analyzers run per attempt. The router
// scales its token estimate by it.
func (o *Orchestrator) AnalyzerCount() int {
	return len(o.analyzers)
}

// Result is the fan-out outcome: the analyses that will vote, audit
// summaries for every analyzer including excluded ones, and the errors
// of analyzers that failed outright.
type Result struct {
	Analyses  []models.AgentAnalysis
	Summaries []models.AnalysisSummary
	Errors    []error
}

// Run executes every analyzer concurrently and waits for all of them to
// finish or time out. Analyzer order in the result follows registration
// order so downstream consensus sees a stable input.
func (o *Orchestrator) Run(ctx context.Context, in *Input) *Result {
	exchange := NewPeerExchange(o.peerWait)

	type slot struct {
		analysis *models.AgentAnalysis
		timedOut bool
		err      error
	}
	slots := make([]slot, len(o.analyzers))

	var wg sync.WaitGroup
	for i, a := range o.analyzers {
		wg.Add(1)
		go func(i int, a Analyzer) {
			defer wg.Done()

			actx, cancel := context.WithTimeout(ctx, o.analyzerTimeout)
			defer cancel()

			start := time.Now()
			analysis, err := a.Analyze(actx, in, exchange)
			switch {
			case err != nil && actx.Err() == context.DeadlineExceeded:
				slots[i] = slot{timedOut: true}
				log.Warn().
					Str("analyzer", string(a.Kind())).
					Str("item_id", in.Item.ID).
					Dur("elapsed", time.Since(start)).
					Msg("Analyzer timed out, excluded from vote")
			case err != nil:
				slots[i] = slot{err: err}
				log.Warn().
					Err(err).
					Str("analyzer", string(a.Kind())).
					Str("item_id", in.Item.ID).
					Msg("Analyzer failed, excluded from vote")
			default:
				analysis.LatencyMs = time.Since(start).Milliseconds()
				slots[i] = slot{analysis: analysis}
			}
		}(i, a)
	}
	wg.Wait()

	result := &Result{}
	for i, s := range slots {
		kind := o.analyzers[i].Kind()
		if s.analysis != nil {
			result.Analyses = append(result.Analyses, *s.analysis)
			result.Summaries = append(result.Summaries, s.analysis.Summarize())
			continue
		}
		result.Summaries = append(result.Summaries, models.AnalysisSummary{
			Kind:     kind,
			TimedOut: s.timedOut,
		})
		if s.err != nil {
			result.Errors = append(result.Errors, s.err)
		}
	}

	log.Debug().
		Str("item_id", in.Item.ID).
		Int("voting", len(result.Analyses)).
		Int("total", len(o.analyzers)).
		Msg("Analyzer fan-out complete")

	return result
}
