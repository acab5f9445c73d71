// Package store — in-memory Store implementation.
// Used for local development and tests; production uses PostgreSQL.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// MemoryStore implements Store with in-memory maps guarded by one mutex.
// ClaimNext holds the mutex for the whole select-and-stamp, which gives the
// same at-most-one-owner guarantee the PostgreSQL store gets from
// FOR UPDATE SKIP LOCKED.
type MemoryStore struct {
	mu        sync.Mutex
	items     map[string]*models.QueueItem      // key: id
	byMessage map[string]string                 // source_message_id → item id
	attempts  map[string][]*models.AttemptRecord // key: item id, append-only
	channels  map[string]*models.NotificationChannel // key: org:name
	prefs     map[string]*models.PreferenceSnapshot  // key: org id
	stats     map[string]*models.PerformanceStat     // key: kind:tier
	biases    map[models.ComplexityBand]float64
	reviews   map[string]*models.ReviewDecision // key: item id, latest decision

	// now is swappable so lease-expiry tests don't have to sleep.
	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:     make(map[string]*models.QueueItem),
		byMessage: make(map[string]string),
		attempts:  make(map[string][]*models.AttemptRecord),
		channels:  make(map[string]*models.NotificationChannel),
		prefs:     make(map[string]*models.PreferenceSnapshot),
		stats:     make(map[string]*models.PerformanceStat),
		biases:    make(map[models.ComplexityBand]float64),
		reviews:   make(map[string]*models.ReviewDecision),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Test-only.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

// ── Queue Store ─────────────────────────────────────────────

func (m *MemoryStore) Enqueue(ctx context.Context, item *models.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.SourceMessageID != "" {
		if _, ok := m.byMessage[item.SourceMessageID]; ok {
			return &ErrDuplicateMessage{SourceMessageID: item.SourceMessageID}
		}
	}

	cp := *item
	if cp.Status == "" {
		cp.Status = models.StatusPending
	}
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	m.items[cp.ID] = &cp
	if cp.SourceMessageID != "" {
		m.byMessage[cp.SourceMessageID] = cp.ID
	}
	*item = cp
	return nil
}

func (m *MemoryStore) GetItem(ctx context.Context, id string) (*models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "queue item", Key: id}
	}
	cp := *item
	return &cp, nil
}

func (m *MemoryStore) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var candidates []*models.QueueItem
	for _, it := range m.items {
		if claimable(it, now) {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	it := candidates[0]
	expiry := now.Add(lease)
	it.Status = models.StatusProcessing
	it.ClaimedBy = workerID
	it.LeaseExpiresAt = &expiry
	it.NotBefore = nil
	it.UpdatedAt = now

	cp := *it
	return &cp, nil
}

// claimable: pending items past their backoff delay, or processing items
// whose lease has expired (the sole crashed-worker recovery path).
func claimable(it *models.QueueItem, now time.Time) bool {
	switch it.Status {
	case models.StatusPending:
		return it.NotBefore == nil || !now.Before(*it.NotBefore)
	case models.StatusProcessing:
		return it.LeaseExpiresAt != nil && now.After(*it.LeaseExpiresAt)
	}
	return false
}

func (m *MemoryStore) Release(ctx context.Context, itemID, workerID string, outcome models.QueueStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID]
	if !ok {
		return &ErrNotFound{Entity: "queue item", Key: itemID}
	}
	if it.Status != models.StatusProcessing || it.ClaimedBy != workerID {
		return &ErrInvalidTransition{From: it.Status, To: outcome}
	}

	it.Status = outcome
	it.ClaimedBy = ""
	it.LeaseExpiresAt = nil
	it.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, itemID, workerID, cause string, maxAttempts int, delay time.Duration) (*models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID]
	if !ok {
		return nil, &ErrNotFound{Entity: "queue item", Key: itemID}
	}
	// A stale worker whose item was reclaimed must not touch the new
	// owner's lease. Mirrors the claimed_by predicate in postgres.go.
	if it.ClaimedBy != "" && it.ClaimedBy != workerID {
		return nil, &ErrNotFound{Entity: "queue item", Key: itemID}
	}

	now := m.now()
	it.Attempts++
	it.LastError = cause
	it.ClaimedBy = ""
	it.LeaseExpiresAt = nil
	it.UpdatedAt = now

	if it.Attempts >= maxAttempts {
		it.Status = models.StatusFailed
		it.NotBefore = nil
	} else {
		it.Status = models.StatusPending
		nb := now.Add(delay)
		it.NotBefore = &nb
	}

	cp := *it
	return &cp, nil
}

func (m *MemoryStore) FlagForReview(ctx context.Context, itemID, workerID, reviewer string, dueAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID]
	if !ok {
		return &ErrNotFound{Entity: "queue item", Key: itemID}
	}
	if it.Status != models.StatusProcessing || it.ClaimedBy != workerID {
		return &ErrInvalidTransition{From: it.Status, To: models.StatusRequiresReview}
	}

	it.Status = models.StatusRequiresReview
	it.ClaimedBy = ""
	it.LeaseExpiresAt = nil
	it.AssignedReviewer = reviewer
	it.DueAt = &dueAt
	it.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListRequiringReview(ctx context.Context, filter models.ReviewFilter) ([]models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []models.QueueItem
	for _, it := range m.items {
		if it.Status != models.StatusRequiresReview {
			continue
		}
		if filter.OrgID != "" && it.OrgID != filter.OrgID {
			continue
		}
		if filter.Reviewer != "" && it.AssignedReviewer != filter.Reviewer {
			continue
		}
		if filter.PastDue && (it.DueAt == nil || now.Before(*it.DueAt)) {
			continue
		}
		out = append(out, *it)
	}

	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].DueAt, out[j].DueAt
		if di != nil && dj != nil && !di.Equal(*dj) {
			return di.Before(*dj)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ResolveReview(ctx context.Context, decision *models.ReviewDecision) (*models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[decision.ItemID]
	if !ok {
		return nil, &ErrNotFound{Entity: "queue item", Key: decision.ItemID}
	}
	if it.Status != models.StatusRequiresReview {
		to := models.StatusApproved
		if !decision.Approve {
			to = models.StatusRejected
		}
		return nil, &ErrInvalidTransition{From: it.Status, To: to}
	}

	if decision.Approve {
		it.Status = models.StatusApproved
	} else {
		it.Status = models.StatusRejected
	}
	it.AssignedReviewer = ""
	it.DueAt = nil
	it.UpdatedAt = m.now()

	d := *decision
	if d.ResolvedAt.IsZero() {
		d.ResolvedAt = it.UpdatedAt
	}
	m.reviews[it.ID] = &d

	cp := *it
	return &cp, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.QueueItem
	for _, it := range m.items {
		if it.Status == status {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Attempt Store ───────────────────────────────────────────

func (m *MemoryStore) AppendAttempt(ctx context.Context, rec *models.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.attempts[rec.ItemID] = append(m.attempts[rec.ItemID], &cp)
	return nil
}

func (m *MemoryStore) ListAttempts(ctx context.Context, itemID string) ([]models.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.attempts[itemID]
	out := make([]models.AttemptRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, *r)
	}
	return out, nil
}

func (m *MemoryStore) GetAttempt(ctx context.Context, id string) (*models.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, recs := range m.attempts {
		for _, r := range recs {
			if r.ID == id {
				cp := *r
				return &cp, nil
			}
		}
	}
	return nil, &ErrNotFound{Entity: "attempt", Key: id}
}

func (m *MemoryStore) PurgeAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for itemID, recs := range m.attempts {
		it, ok := m.items[itemID]
		if !ok || !it.Status.Terminal() {
			continue
		}
		var kept []*models.AttemptRecord
		for _, r := range recs {
			if r.FinishedAt.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(m.attempts, itemID)
		} else {
			m.attempts[itemID] = kept
		}
	}
	return purged, nil
}

// ── Channel Store ───────────────────────────────────────────

func (m *MemoryStore) ListChannels(ctx context.Context, orgID string) ([]models.NotificationChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.NotificationChannel
	for _, ch := range m.channels {
		if ch.OrgID == orgID {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateChannel(ctx context.Context, channel *models.NotificationChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *channel
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.channels[cp.OrgID+":"+cp.Name] = &cp
	return nil
}

func (m *MemoryStore) DeleteChannel(ctx context.Context, orgID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := orgID + ":" + name
	if _, ok := m.channels[key]; !ok {
		return &ErrNotFound{Entity: "channel", Key: key}
	}
	delete(m.channels, key)
	return nil
}

// ── Preference Store ────────────────────────────────────────

func (m *MemoryStore) GetPreferences(ctx context.Context, orgID string) (*models.PreferenceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.prefs[orgID]
	if !ok {
		return nil, &ErrNotFound{Entity: "preferences", Key: orgID}
	}
	cp := *snap
	return &cp, nil
}

func (m *MemoryStore) UpsertPreferences(ctx context.Context, snap *models.PreferenceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *snap
	cp.TakenAt = m.now()
	m.prefs[cp.OrgID] = &cp
	return nil
}

// ── Feedback Store ──────────────────────────────────────────

func (m *MemoryStore) UpsertPerformanceStat(ctx context.Context, stat *models.PerformanceStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *stat
	m.stats[string(stat.Kind)+":"+string(stat.Tier)] = &cp
	return nil
}

func (m *MemoryStore) ListPerformanceStats(ctx context.Context) ([]models.PerformanceStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.PerformanceStat, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Tier < out[j].Tier
	})
	return out, nil
}

func (m *MemoryStore) SaveBias(ctx context.Context, band models.ComplexityBand, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.biases[band] = value
	return nil
}

func (m *MemoryStore) ListBiases(ctx context.Context) (map[models.ComplexityBand]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[models.ComplexityBand]float64, len(m.biases))
	for k, v := range m.biases {
		out[k] = v
	}
	return out, nil
}

// GetReviewDecision returns the latest review decision for an item.
func (m *MemoryStore) GetReviewDecision(ctx context.Context, itemID string) (*models.ReviewDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.reviews[itemID]
	if !ok {
		return nil, &ErrNotFound{Entity: "review decision", Key: itemID}
	}
	cp := *d
	return &cp, nil
}
