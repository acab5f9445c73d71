// Package store provides the storage interface and implementations for the
// triage core. The in-memory store backs local development and tests; the
// PostgreSQL store backs production.
package store

import (
	"context"
	"time"

	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// Store is the primary storage interface. All pipeline code depends on this
// interface, making it easy to swap between in-memory (tests) and
// PostgreSQL (production) implementations.
type Store interface {
	QueueStore
	AttemptStore
	ChannelStore
	PreferenceStore
	FeedbackStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Queue Store ─────────────────────────────────────────────

// QueueStore is the durable work queue. The lease handed out by ClaimNext
// is the only mutual-exclusion primitive in the system.
type QueueStore interface {
	// Enqueue persists a new queue item. Enqueueing a second item for the
	// same source message returns ErrDuplicateMessage.
	Enqueue(ctx context.Context, item *models.QueueItem) error

	GetItem(ctx context.Context, id string) (*models.QueueItem, error)

	// ClaimNext atomically claims the highest-priority eligible item:
	// pending items past their backoff delay, or processing items whose
	// lease has expired (crashed worker). Returns (nil, nil) when nothing
	// is claimable.
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.QueueItem, error)

	// Release finishes an attempt, clearing the lease and setting the
	// outcome status. Only the lease holder may release.
	Release(ctx context.Context, itemID, workerID string, outcome models.QueueStatus) error

	// MarkFailed records a failed attempt: increments the attempt counter,
	// and either reverts the item to pending with the given backoff delay
	// or, once maxAttempts is reached, parks it as failed (terminal).
	MarkFailed(ctx context.Context, itemID, workerID, cause string, maxAttempts int, delay time.Duration) (*models.QueueItem, error)

	// FlagForReview transitions the item to requires_review with a due
	// date and recorded reviewer assignment, clearing the lease.
	FlagForReview(ctx context.Context, itemID, workerID, reviewer string, dueAt time.Time) error

	// ListRequiringReview returns items awaiting human review, oldest due
	// first. Past-due items are included (surfaced, never auto-escalated).
	ListRequiringReview(ctx context.Context, filter models.ReviewFilter) ([]models.QueueItem, error)

	// ResolveReview transitions a requires_review item to approved or
	// rejected and records the decision.
	ResolveReview(ctx context.Context, decision *models.ReviewDecision) (*models.QueueItem, error)

	// ListByStatus returns items with the given status, newest first.
	// Operators use this to inspect failed items.
	ListByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error)

	// GetReviewDecision returns the latest recorded decision for an item.
	GetReviewDecision(ctx context.Context, itemID string) (*models.ReviewDecision, error)
}

// ── Attempt Store ───────────────────────────────────────────

// AttemptStore is the append-only attempt history: one row per attempt
// holding the routing decision, compact analysis summaries, and the
// consensus decision.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, rec *models.AttemptRecord) error
	ListAttempts(ctx context.Context, itemID string) ([]models.AttemptRecord, error)
	GetAttempt(ctx context.Context, id string) (*models.AttemptRecord, error)

	// PurgeAttemptsBefore deletes attempts of terminal items finished
	// before the cutoff. Returns the number purged.
	PurgeAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ── Notification Channel Store ──────────────────────────────

type ChannelStore interface {
	ListChannels(ctx context.Context, orgID string) ([]models.NotificationChannel, error)
	CreateChannel(ctx context.Context, channel *models.NotificationChannel) error
	DeleteChannel(ctx context.Context, orgID, name string) error
}

// ── Preference Store ────────────────────────────────────────

// PreferenceStore persists per-org classification preferences. The worker
// refreshes its snapshot on a cadence; the classifier itself never reads
// the store.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, orgID string) (*models.PreferenceSnapshot, error)
	UpsertPreferences(ctx context.Context, snap *models.PreferenceSnapshot) error
}

// ── Feedback Store ──────────────────────────────────────────

// FeedbackStore persists the learner's aggregates so routing bias survives
// restarts. Writes here are best-effort; failures never block processing.
type FeedbackStore interface {
	UpsertPerformanceStat(ctx context.Context, stat *models.PerformanceStat) error
	ListPerformanceStats(ctx context.Context) ([]models.PerformanceStat, error)
	SaveBias(ctx context.Context, band models.ComplexityBand, value float64) error
	ListBiases(ctx context.Context) (map[models.ComplexityBand]float64, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrDuplicateMessage is returned when a source message already has a
// queue item. Exactly one QueueItem exists per message.
type ErrDuplicateMessage struct {
	SourceMessageID string
}

func (e *ErrDuplicateMessage) Error() string {
	return "queue item already exists for message " + e.SourceMessageID
}

// ErrInvalidTransition is returned when a status change violates the
// item lifecycle (e.g. resolving an item that is not in review).
type ErrInvalidTransition struct {
	From models.QueueStatus
	To   models.QueueStatus
}

func (e *ErrInvalidTransition) Error() string {
	return "invalid status transition: " + string(e.From) + " → " + string(e.To)
}
