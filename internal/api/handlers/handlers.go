// Package handlers implements the HTTP handlers for the triage core. All
// handlers go through the Store interface, so the same code serves the
// in-memory store in tests and PostgreSQL in production.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mailsense/mailsense/triage-core/internal/api/middleware"
	"github.com/mailsense/mailsense/triage-core/internal/ingest"
	"github.com/mailsense/mailsense/triage-core/internal/review"
	"github.com/mailsense/mailsense/triage-core/internal/router"
	"github.com/mailsense/mailsense/triage-core/internal/store"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// LearnerView is the read surface of the learning loop the API exposes.
type LearnerView interface {
	Stats() []models.PerformanceStat
	Bias(band models.ComplexityBand) float64
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Store   store.Store
	Router  *router.ModelRouter
	Ingest  *ingest.Service
	Review  *review.Workflow
	Learner LearnerView
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, mr *router.ModelRouter, ing *ingest.Service, rev *review.Workflow, learner LearnerView) *Handlers {
	return &Handlers{
		Store:   s,
		Router:  mr,
		Ingest:  ing,
		Review:  rev,
		Learner: learner,
	}
}

// ── Queue Handlers ───────────────────────────────────────────

// SubmitMessage enqueues an inbound email for triage. Submitting a
// message that is already queued returns 409 with the existing conflict.
func (h *Handlers) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	var msg ingest.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg.OrgID == "" {
		msg.OrgID = middleware.GetOrg(r.Context())
	}

	item, err := h.Ingest.Submit(r.Context(), &msg)
	if err != nil {
		if _, ok := err.(*store.ErrDuplicateMessage); ok {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Store.GetItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// ListQueue returns items by status, newest first. Operators use
// status=failed to inspect permanently failed items.
func (h *Handlers) ListQueue(w http.ResponseWriter, r *http.Request) {
	status := models.QueueStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusPending
	}
	items, err := h.Store.ListByStatus(r.Context(), status, parseLimit(r, 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

// ListAttempts returns an item's full attempt history, oldest first.
func (h *Handlers) ListAttempts(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if _, err := h.Store.GetItem(r.Context(), itemID); err != nil {
		respondStoreError(w, err)
		return
	}
	attempts, err := h.Store.ListAttempts(r.Context(), itemID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []models.AttemptRecord{}
	}
	respondJSON(w, http.StatusOK, attempts)
}

// ReenqueueItem creates a corrective item for a rejected one.
func (h *Handlers) ReenqueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Review.Reenqueue(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		if _, ok := err.(*store.ErrInvalidTransition); ok {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

// ── Review Handlers ──────────────────────────────────────────

func (h *Handlers) ListReview(w http.ResponseWriter, r *http.Request) {
	filter := models.ReviewFilter{
		OrgID:    middleware.GetOrg(r.Context()),
		Reviewer: r.URL.Query().Get("reviewer"),
		PastDue:  r.URL.Query().Get("past_due") == "true",
		Limit:    parseLimit(r, 100),
	}
	items, err := h.Review.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

// ResolveReview applies a reviewer's decision to a flagged item.
func (h *Handlers) ResolveReview(w http.ResponseWriter, r *http.Request) {
	var decision models.ReviewDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	decision.ItemID = chi.URLParam(r, "itemID")

	item, err := h.Review.Resolve(r.Context(), &decision)
	if err != nil {
		if _, ok := err.(*store.ErrInvalidTransition); ok {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (h *Handlers) GetReviewDecision(w http.ResponseWriter, r *http.Request) {
	decision, err := h.Store.GetReviewDecision(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

// ── Learner Handlers ─────────────────────────────────────────

// LearnerStats exposes the learning loop's aggregates: per-analyzer
// performance and the current per-band routing bias.
func (h *Handlers) LearnerStats(w http.ResponseWriter, r *http.Request) {
	stats := h.Learner.Stats()
	if stats == nil {
		stats = []models.PerformanceStat{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"stats": stats,
		"biases": map[string]float64{
			string(models.BandLow):  h.Learner.Bias(models.BandLow),
			string(models.BandMid):  h.Learner.Bias(models.BandMid),
			string(models.BandHigh): h.Learner.Bias(models.BandHigh),
		},
	})
}

// ── Channel Handlers ─────────────────────────────────────────

func (h *Handlers) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.Store.ListChannels(r.Context(), middleware.GetOrg(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if channels == nil {
		channels = []models.NotificationChannel{}
	}
	// Never echo webhook secrets back.
	for i := range channels {
		channels[i].Secret = ""
	}
	respondJSON(w, http.StatusOK, channels)
}

func (h *Handlers) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var ch models.NotificationChannel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if ch.Name == "" {
		ch.Name = uuid.NewString()
	}
	if ch.Kind == "" {
		ch.Kind = models.ChannelWebhook
	}
	ch.OrgID = middleware.GetOrg(r.Context())
	ch.Active = true
	ch.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateChannel(r.Context(), &ch); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("channel", ch.Name).Str("org_id", ch.OrgID).Msg("Notification channel registered")
	ch.Secret = ""
	respondJSON(w, http.StatusCreated, ch)
}

func (h *Handlers) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	err := h.Store.DeleteChannel(r.Context(), middleware.GetOrg(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Preference Handlers ──────────────────────────────────────

func (h *Handlers) GetPreferences(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Store.GetPreferences(r.Context(), middleware.GetOrg(r.Context()))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var snap models.PreferenceSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	snap.OrgID = middleware.GetOrg(r.Context())
	snap.TakenAt = time.Now().UTC()

	if err := h.Store.UpsertPreferences(r.Context(), &snap); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// ── Router Handlers ──────────────────────────────────────────

// ListDrivers reports the registered provider drivers and tier bindings.
func (h *Handlers) ListDrivers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"drivers": h.Router.ListDrivers(),
		"tiers": map[string]string{
			string(models.TierEconomy):  h.Router.Binding(models.TierEconomy).Model,
			string(models.TierStandard): h.Router.Binding(models.TierStandard).Model,
			string(models.TierPremium):  h.Router.Binding(models.TierPremium).Model,
		},
	})
}

// ── Helpers ──────────────────────────────────────────────────

func parseLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func respondStoreError(w http.ResponseWriter, err error) {
	if _, ok := err.(*store.ErrNotFound); ok {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
