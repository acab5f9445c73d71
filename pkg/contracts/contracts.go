// Package contracts defines the externally implementable interfaces of the
// triage core. Concrete defaults ship in internal/; deployments can register
// their own notification channel drivers or model provider drivers without
// touching the pipeline code.
package contracts

import (
	"context"
	"time"

	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// ── Notification Events ─────────────────────────────────────

// NotificationEvent is the outbound payload dispatched when an attempt
// finishes, fails, or is flagged for review. Delivery is fire-and-forget:
// a failed dispatch never rolls back queue state.
type NotificationEvent struct {
	Type      string                 `json:"type"` // attempt_completed, review_required, attempt_failed
	ItemID    string                 `json:"item_id"`
	AttemptID string                 `json:"attempt_id,omitempty"`
	OrgID     string                 `json:"org_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChannelDriver delivers notification events to one channel kind
// (webhook, Slack, ...). The webhook driver ships in internal/notify;
// others register via Service.RegisterDriver.
type ChannelDriver interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, channel *models.NotificationChannel, event NotificationEvent) error
}

// ── Model Providers ─────────────────────────────────────────

// ProviderDriver invokes one model provider kind. Drivers must return
// *models.ProviderError for provider-side failures so the router can tell
// transient from permanent ones.
type ProviderDriver interface {
	Kind() string
	Generate(ctx context.Context, binding *models.ProviderBinding, req *models.GenerateRequest) (*models.GenerateResponse, error)
}

// ── Learning Signal ─────────────────────────────────────────

// BiasSource supplies the learned composite-score adjustment for a
// complexity band. The router adds it before tier thresholding so learned
// and algorithmic signals blend rather than one replacing the other.
type BiasSource interface {
	Bias(band models.ComplexityBand) float64
}
