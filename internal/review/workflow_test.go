package review

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mailsense/mailsense/triage-core/internal/store"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

type captureSink struct {
	records []models.FeedbackRecord
}

func (c *captureSink) Record(rec models.FeedbackRecord) {
	c.records = append(c.records, rec)
}

// flaggedItem enqueues an item, claims it, appends one attempt, and
// flags it for review, returning the item id.
func flaggedItem(t *testing.T, s *store.MemoryStore) string {
	t.Helper()
	ctx := context.Background()

	item := &models.QueueItem{
		ID:              "item-review",
		SourceMessageID: "msg-review",
		OrgID:           "default",
		Subject:         "Dispute over invoice 4411",
		Body:            "This charge is wrong and I want it reversed.",
		Priority:        models.PriorityMedium,
		Status:          models.StatusPending,
	}
	if err := s.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := s.ClaimNext(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	rec := &models.AttemptRecord{
		ID:     "attempt-1",
		ItemID: claimed.ID,
		Number: 1,
		Assessment: models.ComplexityAssessment{CompositeScore: 5.2},
		Routing:    models.RoutingDecision{Tier: models.TierStandard},
		Analyses: []models.AnalysisSummary{
			{Kind: models.AnalyzerDispute, Confidence: 0.5},
			{Kind: models.AnalyzerSupport, TimedOut: true},
		},
		Consensus: &models.ConsensusDecision{
			SupportLevel:        0.55,
			RequiresHumanReview: true,
		},
	}
	if err := s.AppendAttempt(ctx, rec); err != nil {
		t.Fatalf("AppendAttempt: %v", err)
	}
	if err := s.FlagForReview(ctx, claimed.ID, "w1", "", time.Now().Add(4*time.Hour)); err != nil {
		t.Fatalf("FlagForReview: %v", err)
	}
	return claimed.ID
}

func TestResolveApproveEmitsFeedback(t *testing.T) {
	s := store.NewMemoryStore()
	sink := &captureSink{}
	w := New(s, sink)
	itemID := flaggedItem(t, s)

	item, err := w.Resolve(context.Background(), &models.ReviewDecision{
		ItemID:     itemID,
		ReviewerID: "alice",
		Approve:    true,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if item.Status != models.StatusApproved {
		t.Errorf("status = %s, want approved", item.Status)
	}

	if len(sink.records) != 1 {
		t.Fatalf("feedback records = %d, want 1", len(sink.records))
	}
	rec := sink.records[0]
	if rec.Overridden {
		t.Error("plain approval marked overridden")
	}
	if !rec.Approved {
		t.Error("approval not recorded")
	}
	if rec.Band != models.BandMid {
		t.Errorf("band = %s, want mid", rec.Band)
	}
	if rec.Tier != models.TierStandard {
		t.Errorf("tier = %s", rec.Tier)
	}
	if rec.Confidence != 0.55 {
		t.Errorf("confidence = %f, want support level 0.55", rec.Confidence)
	}
	// Timed-out analyzers did not vote and teach nothing.
	if len(rec.Kinds) != 1 || rec.Kinds[0] != models.AnalyzerDispute {
		t.Errorf("kinds = %v, want [dispute]", rec.Kinds)
	}
}

func TestResolveApproveWithOverrideCountsAsCorrection(t *testing.T) {
	s := store.NewMemoryStore()
	sink := &captureSink{}
	w := New(s, sink)
	itemID := flaggedItem(t, s)

	_, err := w.Resolve(context.Background(), &models.ReviewDecision{
		ItemID:     itemID,
		ReviewerID: "alice",
		Approve:    true,
		OverrideVerdict: &models.Verdict{
			Category: models.CategorySupport,
			Urgency:  models.UrgencyHigh,
			Support:  &models.SupportVerdict{Topic: "billing"},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(sink.records) != 1 || !sink.records[0].Overridden {
		t.Errorf("override approval should record a correction: %+v", sink.records)
	}
}

func TestResolveRejectThenReenqueue(t *testing.T) {
	s := store.NewMemoryStore()
	sink := &captureSink{}
	w := New(s, sink)
	itemID := flaggedItem(t, s)
	ctx := context.Background()

	item, err := w.Resolve(ctx, &models.ReviewDecision{
		ItemID:     itemID,
		ReviewerID: "bob",
		Approve:    false,
		Comments:   "misclassified, this is a dispute",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if item.Status != models.StatusRejected {
		t.Fatalf("status = %s, want rejected", item.Status)
	}
	if len(sink.records) != 1 || !sink.records[0].Overridden || sink.records[0].Approved {
		t.Errorf("rejection feedback = %+v", sink.records)
	}

	corrective, err := w.Reenqueue(ctx, itemID)
	if err != nil {
		t.Fatalf("Reenqueue: %v", err)
	}
	if corrective.ID == itemID {
		t.Error("corrective item reused the original id")
	}
	if corrective.OriginalItemID != itemID {
		t.Errorf("OriginalItemID = %q, want %q", corrective.OriginalItemID, itemID)
	}
	if corrective.Priority != models.PriorityHigh {
		t.Errorf("priority = %s, want bumped to high", corrective.Priority)
	}
	if corrective.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", corrective.Status)
	}
	if !strings.HasPrefix(corrective.SourceMessageID, "msg-review#corrective-") {
		t.Errorf("SourceMessageID = %q, want corrective suffix on original", corrective.SourceMessageID)
	}

	// The corrective item is claimable like any other pending item.
	claimed, err := s.ClaimNext(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext after reenqueue: %v", err)
	}
	if claimed.ID != corrective.ID {
		t.Errorf("claimed %s, want corrective item %s", claimed.ID, corrective.ID)
	}
}

func TestReenqueuePreservesHigherPriority(t *testing.T) {
	s := store.NewMemoryStore()
	w := New(s, nil)
	ctx := context.Background()

	item := &models.QueueItem{
		ID:              "item-urgent",
		SourceMessageID: "msg-urgent",
		OrgID:           "default",
		Subject:         "Chargeback filed",
		Body:            "My bank has been notified.",
		Priority:        models.PriorityUrgent,
		Status:          models.StatusPending,
	}
	if err := s.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.FlagForReview(ctx, item.ID, "w1", "", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("FlagForReview: %v", err)
	}
	if _, err := w.Resolve(ctx, &models.ReviewDecision{ItemID: item.ID, ReviewerID: "bob", Approve: false}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	corrective, err := w.Reenqueue(ctx, item.ID)
	if err != nil {
		t.Fatalf("Reenqueue: %v", err)
	}
	if corrective.Priority != models.PriorityUrgent {
		t.Errorf("priority = %s, urgent must not be lowered", corrective.Priority)
	}
}

func TestReenqueueRequiresRejectedStatus(t *testing.T) {
	s := store.NewMemoryStore()
	w := New(s, nil)
	itemID := flaggedItem(t, s)

	if _, err := w.Reenqueue(context.Background(), itemID); err == nil {
		t.Fatal("Reenqueue of a requires_review item succeeded")
	}
}

func TestResolveValidation(t *testing.T) {
	s := store.NewMemoryStore()
	w := New(s, nil)

	if _, err := w.Resolve(context.Background(), &models.ReviewDecision{ItemID: "x"}); err == nil {
		t.Error("missing reviewer accepted")
	}
	if _, err := w.Resolve(context.Background(), &models.ReviewDecision{ReviewerID: "alice"}); err == nil {
		t.Error("missing item id accepted")
	}
}
