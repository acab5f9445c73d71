// Package worker runs the triage pipeline: a fixed pool of workers claims
// queue items under lease, scores them, routes them to a model tier, fans
// them out to the analyzers, and records the consensus outcome.
//
// Every attempt ends in exactly one of three transitions: completed,
// requires_review, or a failure that either backs the item off for
// another attempt or parks it as failed once attempts run out.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mailsense/mailsense/triage-core/internal/classifier"
	"github.com/mailsense/mailsense/triage-core/internal/config"
	"github.com/mailsense/mailsense/triage-core/internal/consensus"
	"github.com/mailsense/mailsense/triage-core/internal/notify"
	"github.com/mailsense/mailsense/triage-core/internal/orchestrator"
	"github.com/mailsense/mailsense/triage-core/internal/router"
	"github.com/mailsense/mailsense/triage-core/internal/store"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// retryBase is the backoff unit for failed attempts: attempt n waits
// retryBase << n before the item becomes claimable again.
const (
	retryBase = 30 * time.Second
	retryCap  = 10 * time.Minute
)

// FeedbackSink receives per-attempt outcome observations.
type FeedbackSink interface {
	Record(rec models.FeedbackRecord)
}

// Pool is a fixed-size set of workers draining the queue.
type Pool struct {
	cfg        config.Config
	store      store.Store
	classifier *classifier.Classifier
	router     *router.ModelRouter
	orch       *orchestrator.Orchestrator
	notifier   *notify.Service
	feedback   FeedbackSink

	prefMu    sync.Mutex
	prefCache map[string]prefEntry

	wg sync.WaitGroup
}

type prefEntry struct {
	snap      *models.PreferenceSnapshot
	fetchedAt time.Time
}

func NewPool(cfg config.Config, s store.Store, cl *classifier.Classifier, rt *router.ModelRouter, orch *orchestrator.Orchestrator, notifier *notify.Service, feedback FeedbackSink) *Pool {
	return &Pool{
		cfg:        cfg,
		store:      s,
		classifier: cl,
		router:     rt,
		orch:       orch,
		notifier:   notifier,
		feedback:   feedback,
		prefCache:  make(map[string]prefEntry),
	}
}

// Start launches the worker goroutines. They run until ctx is cancelled;
// Wait blocks until all of them have drained their current item.
func (p *Pool) Start(ctx context.Context) {
	size := p.cfg.Worker.PoolSize
	if size <= 0 {
		size = 1
	}
	for i := 0; i < size; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
	log.Info().Int("pool_size", size).Msg("Worker pool started")
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// run is one worker's claim loop. Polling backs off exponentially while
// the queue is empty and resets after each successful claim.
func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()

	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = p.cfg.Worker.PollInterval
	poll.MaxInterval = 10 * p.cfg.Worker.PollInterval
	poll.MaxElapsedTime = 0 // poll forever
	poll.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		item, err := p.store.ClaimNext(ctx, workerID, p.cfg.Worker.LeaseDuration)
		if err != nil {
			log.Warn().Err(err).Str("worker", workerID).Msg("Claim failed")
		}
		if item == nil {
			select {
			case <-time.After(poll.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}
		poll.Reset()

		p.process(ctx, workerID, item)
	}
}

// process runs one attempt end to end. The attempt gets its own timeout,
// well inside the lease so a slow attempt fails cleanly before the lease
// lapses and another worker can claim the item.
func (p *Pool) process(ctx context.Context, workerID string, item *models.QueueItem) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.Worker.AttemptTimeout)
	defer cancel()

	attemptID := uuid.NewString()
	started := time.Now().UTC()

	log.Info().
		Str("worker", workerID).
		Str("item_id", item.ID).
		Str("attempt_id", attemptID).
		Int("attempt", item.Attempts+1).
		Str("priority", string(item.Priority)).
		Msg("Attempt started")

	prefs := p.preferences(actx, item.OrgID)
	turns := p.conversationContext(actx, item)

	text := item.Subject + "\n" + item.Body
	assessment := p.classifier.Score(text, turns, prefs)

	decision := p.router.Select(assessment, "", len(item.Body), p.orch.AnalyzerCount())
	decision.ItemID = item.ID
	decision.AttemptID = attemptID

	rec := &models.AttemptRecord{
		ID:         attemptID,
		ItemID:     item.ID,
		Number:     item.Attempts + 1,
		Assessment: assessment,
		Routing:    decision,
		StartedAt:  started,
	}

	result := p.orch.Run(actx, &orchestrator.Input{
		Item:       item,
		Assessment: assessment,
		Tier:       decision.Tier,
		Prefs:      prefs,
	})
	rec.Analyses = result.Summaries
	for _, a := range result.Analyses {
		rec.Routing.TokensUsed += a.TokensUsed
	}

	// Zero completed analyses means the attempt itself failed, whether
	// the analyzers errored or all timed out; back off and retry rather
	// than sending a vacuous decision to review.
	if len(result.Analyses) == 0 {
		cause := errors.New("no analyzer completed within its timeout")
		if len(result.Errors) > 0 {
			cause = result.Errors[0]
		}
		p.failAttempt(ctx, workerID, item, rec, cause)
		return
	}

	cd := consensus.Decide(result.Analyses)
	rec.Consensus = &cd
	rec.FinishedAt = time.Now().UTC()

	if err := p.store.AppendAttempt(ctx, rec); err != nil {
		p.failAttempt(ctx, workerID, item, rec, fmt.Errorf("persist attempt: %w", err))
		return
	}

	if cd.RequiresHumanReview {
		dueAt := time.Now().UTC().Add(p.cfg.Review.SLAWindow)
		if err := p.store.FlagForReview(ctx, item.ID, workerID, "", dueAt); err != nil {
			log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to flag item for review")
			return
		}
		log.Info().
			Str("item_id", item.ID).
			Float64("support_level", cd.SupportLevel).
			Strs("reasons", cd.Reasons).
			Msg("Attempt flagged for human review")
		p.dispatch(notify.EventReviewRequired, item, attemptID, map[string]interface{}{
			"support_level": cd.SupportLevel,
			"reasons":       cd.Reasons,
			"due_at":        dueAt,
		})
		return
	}

	if err := p.store.Release(ctx, item.ID, workerID, models.StatusCompleted); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to release completed item")
		return
	}

	log.Info().
		Str("item_id", item.ID).
		Str("category", string(cd.FinalVerdict.Category)).
		Float64("support_level", cd.SupportLevel).
		Dur("elapsed", time.Since(started)).
		Msg("Attempt completed")

	p.dispatch(notify.EventAttemptCompleted, item, attemptID, map[string]interface{}{
		"category":      cd.FinalVerdict.Category,
		"urgency":       cd.FinalVerdict.Urgency,
		"support_level": cd.SupportLevel,
	})

	// Automatic completions teach the learner too: an undisputed decision
	// counts as an approval for the band it was routed in.
	if p.feedback != nil {
		fb := models.FeedbackRecord{
			ItemID:     item.ID,
			AttemptID:  attemptID,
			Band:       models.BandFor(assessment.CompositeScore),
			Tier:       decision.Tier,
			Confidence: cd.SupportLevel,
			Approved:   true,
			RecordedAt: time.Now().UTC(),
		}
		for _, s := range rec.Analyses {
			if !s.TimedOut {
				fb.Kinds = append(fb.Kinds, s.Kind)
			}
		}
		p.feedback.Record(fb)
	}
}

// failAttempt records the failed attempt and either backs the item off
// for a retry or, at the attempt cap, parks it as failed.
func (p *Pool) failAttempt(ctx context.Context, workerID string, item *models.QueueItem, rec *models.AttemptRecord, cause error) {
	rec.Error = cause.Error()
	rec.FinishedAt = time.Now().UTC()
	if err := p.store.AppendAttempt(ctx, rec); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to persist failed attempt")
	}

	delay := retryDelay(item.Attempts)
	updated, err := p.store.MarkFailed(ctx, item.ID, workerID, cause.Error(), p.cfg.Worker.MaxAttempts, delay)
	if err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to mark attempt failed")
		return
	}

	if updated.Status == models.StatusFailed {
		log.Error().
			Str("item_id", item.ID).
			Int("attempts", updated.Attempts).
			Str("cause", cause.Error()).
			Msg("Item failed permanently, attempts exhausted")
		p.dispatch(notify.EventAttemptFailed, item, rec.ID, map[string]interface{}{
			"attempts": updated.Attempts,
			"cause":    cause.Error(),
			"terminal": true,
		})
		return
	}

	log.Warn().
		Str("item_id", item.ID).
		Int("attempts", updated.Attempts).
		Dur("retry_in", delay).
		Str("cause", cause.Error()).
		Msg("Attempt failed, item backed off for retry")
}

// retryDelay doubles per prior attempt, capped.
func retryDelay(attempts int) time.Duration {
	d := retryBase << attempts
	if d > retryCap || d <= 0 {
		return retryCap
	}
	return d
}

// dispatch sends a notification without holding up the pipeline.
func (p *Pool) dispatch(eventType notify.EventType, item *models.QueueItem, attemptID string, payload map[string]interface{}) {
	if p.notifier == nil {
		return
	}
	event := notify.NewEvent(eventType, item.OrgID, item.ID, attemptID, payload)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.notifier.DispatchAll(ctx, event)
	}()
}

// preferences returns the org's preference snapshot, refreshed on the
// configured cadence. A missing row is cached as nil so absent prefs do
// not hammer the store.
func (p *Pool) preferences(ctx context.Context, orgID string) *models.PreferenceSnapshot {
	p.prefMu.Lock()
	entry, ok := p.prefCache[orgID]
	p.prefMu.Unlock()
	if ok && time.Since(entry.fetchedAt) < p.cfg.Worker.PrefRefresh {
		return entry.snap
	}

	snap, err := p.store.GetPreferences(ctx, orgID)
	if err != nil {
		if _, notFound := err.(*store.ErrNotFound); !notFound {
			log.Warn().Err(err).Str("org_id", orgID).Msg("Failed to load org preferences")
			if ok {
				return entry.snap // stale beats nothing
			}
		}
		snap = nil
	}

	p.prefMu.Lock()
	p.prefCache[orgID] = prefEntry{snap: snap, fetchedAt: time.Now()}
	p.prefMu.Unlock()
	return snap
}

// conversationContext gathers prior composite scores for the context
// score: earlier attempts of this item plus, for a corrective pass, the
// original item's attempts.
func (p *Pool) conversationContext(ctx context.Context, item *models.QueueItem) []models.ConversationTurn {
	var turns []models.ConversationTurn

	appendAttempts := func(itemID string) {
		attempts, err := p.store.ListAttempts(ctx, itemID)
		if err != nil {
			return
		}
		for _, a := range attempts {
			turns = append(turns, models.ConversationTurn{
				Composite: a.Assessment.CompositeScore,
				At:        a.StartedAt,
			})
		}
	}

	if item.OriginalItemID != "" {
		appendAttempts(item.OriginalItemID)
	}
	appendAttempts(item.ID)
	return turns
}
