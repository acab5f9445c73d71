// Package review implements the human review workflow: listing flagged
// items, resolving them, and corrective re-enqueueing after a rejection.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mailsense/mailsense/triage-core/internal/store"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// FeedbackSink receives outcome observations. Record must never block;
// the learner drops observations under pressure rather than stalling a
// reviewer's request.
type FeedbackSink interface {
	Record(rec models.FeedbackRecord)
}

// Workflow drives the review lifecycle against the store.
type Workflow struct {
	store    store.Store
	feedback FeedbackSink
}

func New(s store.Store, feedback FeedbackSink) *Workflow {
	return &Workflow{store: s, feedback: feedback}
}

// List returns items awaiting review, oldest due first. Past-due items
// are included and marked by their DueAt; nothing is auto-escalated.
func (w *Workflow) List(ctx context.Context, filter models.ReviewFilter) ([]models.QueueItem, error) {
	return w.store.ListRequiringReview(ctx, filter)
}

// Resolve applies a reviewer's decision: approve confirms the consensus
// verdict, reject invalidates it. An override verdict on approval counts
// as a correction for the learning loop. The resulting feedback record is
// derived from the item's most recent attempt.
func (w *Workflow) Resolve(ctx context.Context, decision *models.ReviewDecision) (*models.QueueItem, error) {
	if decision.ItemID == "" || decision.ReviewerID == "" {
		return nil, fmt.Errorf("review decision requires item_id and reviewer_id")
	}
	if decision.ResolvedAt.IsZero() {
		decision.ResolvedAt = time.Now().UTC()
	}

	item, err := w.store.ResolveReview(ctx, decision)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("item_id", item.ID).
		Str("reviewer", decision.ReviewerID).
		Bool("approved", decision.Approve).
		Bool("overridden", decision.OverrideVerdict != nil).
		Msg("Review resolved")

	if w.feedback != nil {
		if rec, ok := w.buildFeedback(ctx, item, decision); ok {
			w.feedback.Record(rec)
		}
	}

	return item, nil
}

// buildFeedback turns a resolution into a learner observation using the
// item's latest attempt. Missing history is not an error; the resolution
// simply teaches nothing.
func (w *Workflow) buildFeedback(ctx context.Context, item *models.QueueItem, decision *models.ReviewDecision) (models.FeedbackRecord, bool) {
	attempts, err := w.store.ListAttempts(ctx, item.ID)
	if err != nil || len(attempts) == 0 {
		return models.FeedbackRecord{}, false
	}
	last := attempts[len(attempts)-1]

	rec := models.FeedbackRecord{
		ItemID:     item.ID,
		AttemptID:  last.ID,
		Band:       models.BandFor(last.Assessment.CompositeScore),
		Tier:       last.Routing.Tier,
		Overridden: decision.OverrideVerdict != nil || !decision.Approve,
		Approved:   decision.Approve,
		RecordedAt: decision.ResolvedAt,
	}
	for _, s := range last.Analyses {
		if !s.TimedOut {
			rec.Kinds = append(rec.Kinds, s.Kind)
		}
	}
	if last.Consensus != nil {
		rec.Confidence = last.Consensus.SupportLevel
	}
	return rec, true
}

// Reenqueue creates a fresh queue item for a rejected one so the message
// is triaged again, linked back through OriginalItemID. The new item gets
// at least High priority since a human already judged the first pass
// wrong.
func (w *Workflow) Reenqueue(ctx context.Context, itemID string) (*models.QueueItem, error) {
	orig, err := w.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if orig.Status != models.StatusRejected {
		return nil, &store.ErrInvalidTransition{From: orig.Status, To: models.StatusPending}
	}

	priority := orig.Priority
	if priority.Rank() < models.PriorityHigh.Rank() {
		priority = models.PriorityHigh
	}

	now := time.Now().UTC()
	item := &models.QueueItem{
		ID: uuid.New().String(),
		// A distinct source id keeps the one-item-per-message invariant
		// intact while preserving traceability to the original.
		SourceMessageID: orig.SourceMessageID + "#corrective-" + uuid.New().String()[:8],
		OrgID:           orig.OrgID,
		Subject:         orig.Subject,
		Body:            orig.Body,
		Sender:          orig.Sender,
		Priority:        priority,
		Status:          models.StatusPending,
		OriginalItemID:  orig.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := w.store.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("corrective reenqueue: %w", err)
	}

	log.Info().
		Str("item_id", item.ID).
		Str("original_item_id", orig.ID).
		Str("priority", string(item.Priority)).
		Msg("Rejected item re-enqueued for corrective pass")

	return item, nil
}
