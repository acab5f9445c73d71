// Package ingest turns inbound messages into queue items. The API is one
// source; the maildrop poller in maildrop.go is another. All sources
// funnel through Service.Submit so dedup and defaults live in one place.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mailsense/mailsense/triage-core/internal/store"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// Message is an inbound email as a source sees it. Priority is an
// advisory hint; unknown values fall back to medium.
type Message struct {
	SourceMessageID string `json:"source_message_id"`
	OrgID           string `json:"org_id"`
	Subject         string `json:"subject"`
	Body            string `json:"body"`
	Sender          string `json:"sender"`
	Priority        string `json:"priority,omitempty"`
}

// Service validates and enqueues inbound messages.
type Service struct {
	store store.QueueStore
}

func NewService(s store.QueueStore) *Service {
	return &Service{store: s}
}

// Submit enqueues one message. Submitting the same source message twice
// returns the existing duplicate error from the store; callers treat it
// as success for idempotent delivery.
func (s *Service) Submit(ctx context.Context, msg *Message) (*models.QueueItem, error) {
	if strings.TrimSpace(msg.Body) == "" && strings.TrimSpace(msg.Subject) == "" {
		return nil, fmt.Errorf("message has no subject or body")
	}
	if msg.OrgID == "" {
		return nil, fmt.Errorf("message missing org_id")
	}
	if msg.SourceMessageID == "" {
		// No upstream id; synthesize one so retries of this call are at
		// least distinguishable, even if not deduplicated.
		msg.SourceMessageID = "generated-" + uuid.NewString()
	}

	now := time.Now().UTC()
	item := &models.QueueItem{
		ID:              uuid.NewString(),
		SourceMessageID: msg.SourceMessageID,
		OrgID:           msg.OrgID,
		Subject:         msg.Subject,
		Body:            msg.Body,
		Sender:          msg.Sender,
		Priority:        models.ParsePriority(msg.Priority),
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	log.Info().
		Str("item_id", item.ID).
		Str("org_id", item.OrgID).
		Str("priority", string(item.Priority)).
		Str("sender", item.Sender).
		Msg("Message enqueued")

	return item, nil
}
