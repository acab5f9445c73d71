package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

func newItem(id, msgID string, priority models.Priority, createdAt time.Time) *models.QueueItem {
	return &models.QueueItem{
		ID:              id,
		SourceMessageID: msgID,
		OrgID:           "default",
		Body:            "hello",
		Priority:        priority,
		Status:          models.StatusPending,
		CreatedAt:       createdAt,
	}
}

func TestEnqueueDuplicateMessage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Enqueue(ctx, newItem("a", "msg-1", models.PriorityMedium, time.Now())); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	err := s.Enqueue(ctx, newItem("b", "msg-1", models.PriorityMedium, time.Now()))
	if err == nil {
		t.Fatal("expected duplicate error, got nil")
	}
	if _, ok := err.(*ErrDuplicateMessage); !ok {
		t.Fatalf("expected ErrDuplicateMessage, got %T", err)
	}
}

func TestClaimNextPriorityOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	// Enqueued out of order on purpose.
	items := []*models.QueueItem{
		newItem("low", "m1", models.PriorityLow, base),
		newItem("urgent", "m2", models.PriorityUrgent, base.Add(3*time.Second)),
		newItem("high-late", "m3", models.PriorityHigh, base.Add(2*time.Second)),
		newItem("high-early", "m4", models.PriorityHigh, base.Add(time.Second)),
	}
	for _, it := range items {
		if err := s.Enqueue(ctx, it); err != nil {
			t.Fatalf("enqueue %s: %v", it.ID, err)
		}
	}

	want := []string{"urgent", "high-early", "high-late", "low"}
	for _, expected := range want {
		got, err := s.ClaimNext(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got == nil {
			t.Fatalf("expected item %s, got nothing", expected)
		}
		if got.ID != expected {
			t.Errorf("claim order: got %s, want %s", got.ID, expected)
		}
	}

	got, err := s.ClaimNext(ctx, "w1", time.Minute)
	if err != nil || got != nil {
		t.Fatalf("expected empty queue, got item=%v err=%v", got, err)
	}
}

func TestClaimNextAtMostOneOwner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Enqueue(ctx, newItem("only", "m1", models.PriorityMedium, time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	claims := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			item, err := s.ClaimNext(ctx, "worker", time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if item != nil {
				claims <- item.ID
			}
		}(i)
	}
	wg.Wait()
	close(claims)

	var winners []string
	for id := range claims {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", len(winners))
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })

	if err := s.Enqueue(ctx, newItem("it", "m1", models.PriorityMedium, now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := s.ClaimNext(ctx, "crashed-worker", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first claim: item=%v err=%v", first, err)
	}

	// Lease still live: not claimable by anyone else.
	if got, _ := s.ClaimNext(ctx, "w2", time.Minute); got != nil {
		t.Fatalf("claimed item with live lease: %s", got.ID)
	}

	// Advance past the lease.
	now = now.Add(2 * time.Minute)
	second, err := s.ClaimNext(ctx, "w2", time.Minute)
	if err != nil || second == nil {
		t.Fatalf("reclaim after lease expiry: item=%v err=%v", second, err)
	}
	if second.ClaimedBy != "w2" {
		t.Errorf("ClaimedBy = %s, want w2", second.ClaimedBy)
	}

	// Original worker no longer owns it.
	if err := s.Release(ctx, "it", "crashed-worker", models.StatusCompleted); err == nil {
		t.Error("stale worker release succeeded, want error")
	}

	// Nor may it fail the item out from under the new owner.
	if _, err := s.MarkFailed(ctx, "it", "crashed-worker", "late failure", 3, time.Minute); err == nil {
		t.Error("stale worker MarkFailed succeeded, want error")
	}
	got, err := s.GetItem(ctx, "it")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != models.StatusProcessing || got.ClaimedBy != "w2" {
		t.Errorf("item = status %s claimed_by %q, want w2's live lease intact", got.Status, got.ClaimedBy)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 after rejected stale failure", got.Attempts)
	}
}

func TestMarkFailedBackoffThenTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	s.SetClock(func() time.Time { return now })

	if err := s.Enqueue(ctx, newItem("it", "m1", models.PriorityMedium, now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		item, err := s.ClaimNext(ctx, "w1", time.Minute)
		if err != nil || item == nil {
			t.Fatalf("attempt %d claim: item=%v err=%v", attempt, item, err)
		}
		updated, err := s.MarkFailed(ctx, "it", "w1", "provider down", maxAttempts, 30*time.Second)
		if err != nil {
			t.Fatalf("attempt %d mark failed: %v", attempt, err)
		}
		if updated.Attempts != attempt {
			t.Errorf("attempts = %d, want %d", updated.Attempts, attempt)
		}

		if attempt < maxAttempts {
			if updated.Status != models.StatusPending {
				t.Fatalf("attempt %d status = %s, want pending", attempt, updated.Status)
			}
			if updated.NotBefore == nil {
				t.Fatal("NotBefore not set after failure")
			}
			// Backoff in effect: not claimable until NotBefore passes.
			if got, _ := s.ClaimNext(ctx, "w1", time.Minute); got != nil {
				t.Fatalf("claimed item during backoff window")
			}
			now = now.Add(time.Minute)
		} else {
			if updated.Status != models.StatusFailed {
				t.Fatalf("final status = %s, want failed", updated.Status)
			}
			if updated.LastError != "provider down" {
				t.Errorf("LastError = %q", updated.LastError)
			}
		}
	}

	// Terminal: never claimable again.
	now = now.Add(time.Hour)
	if got, _ := s.ClaimNext(ctx, "w1", time.Minute); got != nil {
		t.Fatal("claimed a failed item")
	}
}

func TestReviewLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Enqueue(ctx, newItem("it", "m1", models.PriorityMedium, time.Now())); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	dueAt := time.Now().Add(24 * time.Hour)
	if err := s.FlagForReview(ctx, "it", "w1", "alice", dueAt); err != nil {
		t.Fatalf("flag for review: %v", err)
	}

	listed, err := s.ListRequiringReview(ctx, models.ReviewFilter{OrgID: "default"})
	if err != nil {
		t.Fatalf("list review: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "it" {
		t.Fatalf("review list = %v", listed)
	}
	if listed[0].AssignedReviewer != "alice" {
		t.Errorf("reviewer = %s", listed[0].AssignedReviewer)
	}

	// PastDue filter excludes items whose deadline has not lapsed.
	pastDue, _ := s.ListRequiringReview(ctx, models.ReviewFilter{PastDue: true})
	if len(pastDue) != 0 {
		t.Errorf("past_due list should be empty, got %d", len(pastDue))
	}

	item, err := s.ResolveReview(ctx, &models.ReviewDecision{
		ItemID:     "it",
		ReviewerID: "alice",
		Approve:    false,
		Comments:   "wrong category",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if item.Status != models.StatusRejected {
		t.Errorf("status = %s, want rejected", item.Status)
	}
	// Review fields belong to the requires_review state only; the
	// decision row keeps the audit trail.
	if item.AssignedReviewer != "" || item.DueAt != nil {
		t.Errorf("review fields survived resolve: reviewer %q due %v", item.AssignedReviewer, item.DueAt)
	}

	// Resolving twice is an invalid transition.
	if _, err := s.ResolveReview(ctx, &models.ReviewDecision{ItemID: "it", ReviewerID: "alice", Approve: true}); err == nil {
		t.Error("double resolve succeeded, want error")
	}

	decision, err := s.GetReviewDecision(ctx, "it")
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if decision.Comments != "wrong category" {
		t.Errorf("decision comments = %q", decision.Comments)
	}
}

func TestPurgeAttemptsBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour)

	terminal := newItem("done", "m1", models.PriorityMedium, old)
	terminal.Status = models.StatusCompleted
	live := newItem("live", "m2", models.PriorityMedium, old)
	for _, it := range []*models.QueueItem{terminal, live} {
		if err := s.Enqueue(ctx, it); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// Enqueue resets status to pending only when empty; completed stays.
	for _, itemID := range []string{"done", "live"} {
		if err := s.AppendAttempt(ctx, &models.AttemptRecord{ID: itemID + "-a1", ItemID: itemID, Number: 1, FinishedAt: old}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	purged, err := s.PurgeAttemptsBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1 (only terminal items purge)", purged)
	}
	remaining, _ := s.ListAttempts(ctx, "live")
	if len(remaining) != 1 {
		t.Errorf("live item lost its history")
	}
}
