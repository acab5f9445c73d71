package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mailsense/mailsense/triage-core/internal/store"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

func webhookChannel(orgID, url, secret string, events ...string) *models.NotificationChannel {
	return &models.NotificationChannel{
		Name:   "test-hook",
		OrgID:  orgID,
		Kind:   models.ChannelWebhook,
		URL:    url,
		Secret: secret,
		Events: events,
		Active: true,
	}
}

func TestChannelSubscribes(t *testing.T) {
	cases := []struct {
		events []string
		event  string
		want   bool
	}{
		{nil, "attempt_completed", true},
		{[]string{"*"}, "attempt_failed", true},
		{[]string{"review_required"}, "review_required", true},
		{[]string{"review_required"}, "attempt_completed", false},
	}
	for _, tc := range cases {
		ch := &models.NotificationChannel{Events: tc.events}
		if got := channelSubscribes(ch, tc.event); got != tc.want {
			t.Errorf("channelSubscribes(%v, %s) = %v, want %v", tc.events, tc.event, got, tc.want)
		}
	}
}

func TestWebhookDeliverySignsPayload(t *testing.T) {
	const secret = "hook-secret"
	var gotSig, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Mailsense-Signature")
		gotEvent = r.Header.Get("X-Mailsense-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(store.NewMemoryStore())
	event := NewEvent(EventReviewRequired, "default", "item-1", "attempt-1", map[string]interface{}{
		"support_level": 0.5,
	})
	ch := webhookChannel("default", srv.URL, secret)

	if err := svc.DispatchToChannel(context.Background(), ch, event); err != nil {
		t.Fatalf("DispatchToChannel: %v", err)
	}
	if gotEvent != "review_required" {
		t.Errorf("event header = %q", gotEvent)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestWebhookRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(store.NewMemoryStore())
	ch := webhookChannel("default", srv.URL, "")
	event := NewEvent(EventAttemptCompleted, "default", "item-1", "attempt-1", nil)

	if err := svc.DispatchToChannel(context.Background(), ch, event); err != nil {
		t.Fatalf("delivery failed despite eventual success: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 2 retries then success", n)
	}
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	svc := NewService(store.NewMemoryStore())
	ch := webhookChannel("default", srv.URL, "")
	event := NewEvent(EventAttemptFailed, "default", "item-1", "attempt-1", nil)

	if err := svc.DispatchToChannel(context.Background(), ch, event); err == nil {
		t.Fatal("403 delivery reported success")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want exactly 1 for a permanent failure", n)
	}
}

func TestDispatchAllSkipsInactiveAndUnsubscribed(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	ctx := context.Background()

	active := webhookChannel("default", srv.URL, "")
	active.Name = "active"
	inactive := webhookChannel("default", srv.URL, "")
	inactive.Name = "inactive"
	inactive.Active = false
	other := webhookChannel("default", srv.URL, "", "attempt_failed")
	other.Name = "failures-only"
	for _, ch := range []*models.NotificationChannel{active, inactive, other} {
		if err := s.CreateChannel(ctx, ch); err != nil {
			t.Fatalf("CreateChannel(%s): %v", ch.Name, err)
		}
	}

	svc := NewService(s)
	svc.DispatchAll(ctx, NewEvent(EventAttemptCompleted, "default", "item-1", "attempt-1", nil))

	// DispatchAll waits for its channel goroutines, so hits is settled.
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("deliveries = %d, want only the active subscribed channel", n)
	}
}
