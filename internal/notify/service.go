// Package notify dispatches triage lifecycle events to registered
// notification channels. Dispatch is fire and forget: a failed or slow
// channel is logged and skipped, never blocking the pipeline that
// produced the event.
//
// The built-in driver posts events to webhook URLs with optional
// HMAC-SHA256 signing; additional drivers register via RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/mailsense/mailsense/triage-core/internal/store"
	"github.com/mailsense/mailsense/triage-core/pkg/contracts"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened to a queue item.
type EventType string

const (
	EventAttemptCompleted EventType = "attempt_completed"
	EventReviewRequired   EventType = "review_required"
	EventAttemptFailed    EventType = "attempt_failed"
)

// Event is the notification payload delivered to channels.
type Event = contracts.NotificationEvent

// NewEvent creates an Event with the given type and fields.
func NewEvent(eventType EventType, orgID, itemID, attemptID string, payload map[string]interface{}) Event {
	return Event{
		Type:      string(eventType),
		ItemID:    itemID,
		AttemptID: attemptID,
		OrgID:     orgID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ── Service ──────────────────────────────────────────────────

// Service fans events out to an org's registered channels.
type Service struct {
	store   store.ChannelStore
	client  *http.Client
	drivers map[models.ChannelKind]contracts.ChannelDriver
	drvMu   sync.RWMutex
}

// NewService creates a notification service with the built-in webhook driver.
func NewService(s store.ChannelStore) *Service {
	svc := &Service{
		store: s,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		drivers: make(map[models.ChannelKind]contracts.ChannelDriver),
	}
	svc.RegisterDriver(&WebhookChannelDriver{
		client: svc.client,
	})
	return svc
}

// RegisterDriver adds or replaces a channel driver for the given kind.
func (s *Service) RegisterDriver(driver contracts.ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", string(driver.Kind())).Msg("Registered notification channel driver")
}

// GetDriver returns the driver for a given channel kind, or nil.
func (s *Service) GetDriver(kind models.ChannelKind) contracts.ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// DispatchToChannel sends one event through one channel.
func (s *Service) DispatchToChannel(ctx context.Context, channel *models.NotificationChannel, event Event) error {
	if !channel.Active {
		return fmt.Errorf("channel %s is inactive", channel.Name)
	}
	if !channelSubscribes(channel, event.Type) {
		return fmt.Errorf("channel %s does not subscribe to %s events", channel.Name, event.Type)
	}
	driver := s.GetDriver(channel.Kind)
	if driver == nil {
		return fmt.Errorf("no driver registered for channel kind %s", channel.Kind)
	}
	if err := driver.Send(ctx, channel, event); err != nil {
		return err
	}
	log.Info().
		Str("channel", channel.Name).
		Str("kind", string(channel.Kind)).
		Str("event", event.Type).
		Str("item_id", event.ItemID).
		Msg("Channel notification dispatched")
	return nil
}

// DispatchAll sends an event to every matching channel of the event's
// org, concurrently. Channel failures are logged, not returned; callers
// never wait on delivery outcomes.
func (s *Service) DispatchAll(ctx context.Context, event Event) {
	channels, err := s.store.ListChannels(ctx, event.OrgID)
	if err != nil {
		log.Warn().Err(err).Str("org_id", event.OrgID).Msg("Failed to list notification channels")
		return
	}

	var wg sync.WaitGroup
	for i := range channels {
		ch := channels[i]
		if !ch.Active || !channelSubscribes(&ch, event.Type) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.DispatchToChannel(ctx, &ch, event); err != nil {
				log.Warn().
					Err(err).
					Str("channel", ch.Name).
					Str("event", event.Type).
					Msg("Channel notification failed")
			}
		}()
	}
	wg.Wait()
}

func channelSubscribes(ch *models.NotificationChannel, eventType string) bool {
	if len(ch.Events) == 0 {
		return true // empty means "all events"
	}
	for _, e := range ch.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// ── Webhook Channel Driver ───────────────────────────────────

// WebhookChannelDriver posts events as JSON to a webhook URL with
// optional HMAC-SHA256 signing. This is the default driver.
type WebhookChannelDriver struct {
	client *http.Client
}

// Kind returns ChannelWebhook.
func (d *WebhookChannelDriver) Kind() models.ChannelKind {
	return models.ChannelWebhook
}

// Send posts the event to the channel's URL, retrying transient failures
// with exponential backoff. The request body is rebuilt per attempt.
func (d *WebhookChannelDriver) Send(ctx context.Context, channel *models.NotificationChannel, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	signature := ""
	if channel.Secret != "" {
		mac := hmac.New(sha256.New, []byte(channel.Secret))
		mac.Write(body)
		signature = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Mailsense-Webhook/1.0")
		req.Header.Set("X-Mailsense-Event", event.Type)
		req.Header.Set("X-Mailsense-Org", event.OrgID)
		if signature != "" {
			req.Header.Set("X-Mailsense-Signature", signature)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, channel.URL)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	return nil
}
