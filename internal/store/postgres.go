// Package store — PostgreSQL Store implementation on pgx/v5.
//
// One row per queue item, one append-only row per attempt. The claim query
// uses FOR UPDATE SKIP LOCKED so concurrent workers never double-claim, and
// the (status, priority_rank, created_at) index keeps it cheap.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS queue_items (
			id                TEXT PRIMARY KEY,
			source_message_id TEXT NOT NULL DEFAULT '',
			org_id            TEXT NOT NULL DEFAULT '',
			subject           TEXT NOT NULL DEFAULT '',
			body              TEXT NOT NULL DEFAULT '',
			sender            TEXT NOT NULL DEFAULT '',
			priority          TEXT NOT NULL DEFAULT 'medium',
			priority_rank     SMALLINT NOT NULL DEFAULT 2,
			status            TEXT NOT NULL DEFAULT 'pending',
			attempts          INT NOT NULL DEFAULT 0,
			last_error        TEXT NOT NULL DEFAULT '',
			claimed_by        TEXT NOT NULL DEFAULT '',
			lease_expires_at  TIMESTAMPTZ,
			not_before        TIMESTAMPTZ,
			assigned_reviewer TEXT NOT NULL DEFAULT '',
			due_at            TIMESTAMPTZ,
			original_item_id  TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_message
			ON queue_items (source_message_id) WHERE source_message_id <> '';
		CREATE INDEX IF NOT EXISTS idx_queue_items_claim
			ON queue_items (status, priority_rank DESC, created_at ASC);
		CREATE INDEX IF NOT EXISTS idx_queue_items_due
			ON queue_items (due_at) WHERE status = 'requires_review';

		CREATE TABLE IF NOT EXISTS attempts (
			id          TEXT PRIMARY KEY,
			item_id     TEXT NOT NULL REFERENCES queue_items(id),
			number      INT NOT NULL,
			record      JSONB NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_item ON attempts (item_id, number);

		CREATE TABLE IF NOT EXISTS review_decisions (
			item_id     TEXT PRIMARY KEY REFERENCES queue_items(id),
			decision    JSONB NOT NULL,
			resolved_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS notification_channels (
			org_id     TEXT NOT NULL,
			name       TEXT NOT NULL,
			channel    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (org_id, name)
		);

		CREATE TABLE IF NOT EXISTS org_preferences (
			org_id   TEXT PRIMARY KEY,
			snapshot JSONB NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS performance_stats (
			kind TEXT NOT NULL,
			tier TEXT NOT NULL,
			stat JSONB NOT NULL,
			PRIMARY KEY (kind, tier)
		);

		CREATE TABLE IF NOT EXISTS routing_biases (
			band  TEXT PRIMARY KEY,
			value DOUBLE PRECISION NOT NULL
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Queue Store ─────────────────────────────────────────────

const itemColumns = `id, source_message_id, org_id, subject, body, sender,
	priority, status, attempts, last_error, claimed_by, lease_expires_at,
	not_before, assigned_reviewer, due_at, original_item_id, created_at, updated_at`

func scanItem(row pgx.Row) (*models.QueueItem, error) {
	var it models.QueueItem
	var lastError, claimedBy, reviewer string
	err := row.Scan(
		&it.ID, &it.SourceMessageID, &it.OrgID, &it.Subject, &it.Body, &it.Sender,
		&it.Priority, &it.Status, &it.Attempts, &lastError, &claimedBy,
		&it.LeaseExpiresAt, &it.NotBefore, &reviewer, &it.DueAt,
		&it.OriginalItemID, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.LastError = lastError
	it.ClaimedBy = claimedBy
	it.AssignedReviewer = reviewer
	return &it, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, item *models.QueueItem) error {
	if item.Status == "" {
		item.Status = models.StatusPending
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	if item.SourceMessageID != "" {
		var existing string
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM queue_items WHERE source_message_id = $1`,
			item.SourceMessageID).Scan(&existing)
		if err == nil {
			return &ErrDuplicateMessage{SourceMessageID: item.SourceMessageID}
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("enqueue lookup: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_items (id, source_message_id, org_id, subject, body, sender,
			priority, priority_rank, status, attempts, last_error, claimed_by,
			assigned_reviewer, original_item_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		item.ID, item.SourceMessageID, item.OrgID, item.Subject, item.Body, item.Sender,
		item.Priority, item.Priority.Rank(), item.Status, item.Attempts, item.LastError,
		item.ClaimedBy, item.AssignedReviewer, item.OriginalItemID,
		item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*models.QueueItem, error) {
	it, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "queue item", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.QueueItem, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM queue_items
			WHERE (status = 'pending' AND (not_before IS NULL OR not_before <= NOW()))
			   OR (status = 'processing' AND lease_expires_at <= NOW())
			ORDER BY priority_rank DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_items q
		SET status = 'processing', claimed_by = $1,
			lease_expires_at = NOW() + $2, not_before = NULL, updated_at = NOW()
		FROM next WHERE q.id = next.id
		RETURNING `+itemColumns,
		workerID, lease))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return it, nil
}

func (s *PostgresStore) Release(ctx context.Context, itemID, workerID string, outcome models.QueueStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $3, claimed_by = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2`,
		itemID, workerID, outcome)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrInvalidTransition{From: models.StatusProcessing, To: outcome}
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, itemID, workerID, cause string, maxAttempts int, delay time.Duration) (*models.QueueItem, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `
		UPDATE queue_items
		SET attempts = attempts + 1,
			last_error = $3,
			claimed_by = '',
			lease_expires_at = NULL,
			status = CASE WHEN attempts + 1 >= $4 THEN 'failed' ELSE 'pending' END,
			not_before = CASE WHEN attempts + 1 >= $4 THEN NULL ELSE NOW() + $5 END,
			updated_at = NOW()
		WHERE id = $1 AND (claimed_by = $2 OR claimed_by = '')
		RETURNING `+itemColumns,
		itemID, workerID, cause, maxAttempts, delay))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "queue item", Key: itemID}
	}
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return it, nil
}

func (s *PostgresStore) FlagForReview(ctx context.Context, itemID, workerID, reviewer string, dueAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'requires_review', claimed_by = '', lease_expires_at = NULL,
			assigned_reviewer = $3, due_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2`,
		itemID, workerID, reviewer, dueAt)
	if err != nil {
		return fmt.Errorf("flag for review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrInvalidTransition{From: models.StatusProcessing, To: models.StatusRequiresReview}
	}
	return nil
}

func (s *PostgresStore) ListRequiringReview(ctx context.Context, filter models.ReviewFilter) ([]models.QueueItem, error) {
	q := `SELECT ` + itemColumns + ` FROM queue_items WHERE status = 'requires_review'`
	args := []interface{}{}
	argn := 1
	if filter.OrgID != "" {
		q += fmt.Sprintf(" AND org_id = $%d", argn)
		args = append(args, filter.OrgID)
		argn++
	}
	if filter.Reviewer != "" {
		q += fmt.Sprintf(" AND assigned_reviewer = $%d", argn)
		args = append(args, filter.Reviewer)
		argn++
	}
	if filter.PastDue {
		q += " AND due_at IS NOT NULL AND due_at < NOW()"
	}
	q += " ORDER BY due_at ASC NULLS LAST, created_at ASC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", argn)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list requiring review: %w", err)
	}
	defer rows.Close()

	var out []models.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveReview(ctx context.Context, decision *models.ReviewDecision) (*models.QueueItem, error) {
	status := models.StatusApproved
	if !decision.Approve {
		status = models.StatusRejected
	}
	if decision.ResolvedAt.IsZero() {
		decision.ResolvedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve review begin: %w", err)
	}
	defer tx.Rollback(ctx)

	it, err := scanItem(tx.QueryRow(ctx, `
		UPDATE queue_items
		SET status = $2, assigned_reviewer = '', due_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'requires_review'
		RETURNING `+itemColumns,
		decision.ItemID, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrInvalidTransition{From: models.StatusRequiresReview, To: status}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve review: %w", err)
	}

	raw, err := json.Marshal(decision)
	if err != nil {
		return nil, fmt.Errorf("marshal review decision: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO review_decisions (item_id, decision, resolved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (item_id) DO UPDATE SET decision = $2, resolved_at = $3`,
		decision.ItemID, raw, decision.ResolvedAt)
	if err != nil {
		return nil, fmt.Errorf("save review decision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("resolve review commit: %w", err)
	}
	return it, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE status = $1
		 ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()

	var out []models.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetReviewDecision(ctx context.Context, itemID string) (*models.ReviewDecision, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT decision FROM review_decisions WHERE item_id = $1`, itemID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "review decision", Key: itemID}
	}
	if err != nil {
		return nil, fmt.Errorf("get review decision: %w", err)
	}
	var d models.ReviewDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("unmarshal review decision: %w", err)
	}
	return &d, nil
}

// ── Attempt Store ───────────────────────────────────────────

func (s *PostgresStore) AppendAttempt(ctx context.Context, rec *models.AttemptRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO attempts (id, item_id, number, record, finished_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.ItemID, rec.Number, raw, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, itemID string) ([]models.AttemptRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM attempts WHERE item_id = $1 ORDER BY number ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []models.AttemptRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		var rec models.AttemptRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal attempt: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*models.AttemptRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM attempts WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "attempt", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	var rec models.AttemptRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal attempt: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) PurgeAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM attempts a
		USING queue_items q
		WHERE a.item_id = q.id
		  AND a.finished_at < $1
		  AND q.status IN ('approved', 'rejected', 'completed', 'failed')`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Channel Store ───────────────────────────────────────────

func (s *PostgresStore) ListChannels(ctx context.Context, orgID string) ([]models.NotificationChannel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT channel FROM notification_channels WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationChannel
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		var ch models.NotificationChannel
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, fmt.Errorf("unmarshal channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateChannel(ctx context.Context, channel *models.NotificationChannel) error {
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(channel)
	if err != nil {
		return fmt.Errorf("marshal channel: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notification_channels (org_id, name, channel, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, name) DO UPDATE SET channel = $3`,
		channel.OrgID, channel.Name, raw, channel.CreatedAt)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, orgID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM notification_channels WHERE org_id = $1 AND name = $2`, orgID, name)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "channel", Key: orgID + ":" + name}
	}
	return nil
}

// ── Preference Store ────────────────────────────────────────

func (s *PostgresStore) GetPreferences(ctx context.Context, orgID string) (*models.PreferenceSnapshot, error) {
	var raw []byte
	var takenAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot, taken_at FROM org_preferences WHERE org_id = $1`, orgID).
		Scan(&raw, &takenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "preferences", Key: orgID}
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	var snap models.PreferenceSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	snap.TakenAt = takenAt
	return &snap, nil
}

func (s *PostgresStore) UpsertPreferences(ctx context.Context, snap *models.PreferenceSnapshot) error {
	snap.TakenAt = time.Now().UTC()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO org_preferences (org_id, snapshot, taken_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id) DO UPDATE SET snapshot = $2, taken_at = $3`,
		snap.OrgID, raw, snap.TakenAt)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}

// ── Feedback Store ──────────────────────────────────────────

func (s *PostgresStore) UpsertPerformanceStat(ctx context.Context, stat *models.PerformanceStat) error {
	raw, err := json.Marshal(stat)
	if err != nil {
		return fmt.Errorf("marshal stat: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO performance_stats (kind, tier, stat)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind, tier) DO UPDATE SET stat = $3`,
		stat.Kind, stat.Tier, raw)
	if err != nil {
		return fmt.Errorf("upsert stat: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPerformanceStats(ctx context.Context) ([]models.PerformanceStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stat FROM performance_stats ORDER BY kind, tier`)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()

	var out []models.PerformanceStat
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		var st models.PerformanceStat
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("unmarshal stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveBias(ctx context.Context, band models.ComplexityBand, value float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO routing_biases (band, value) VALUES ($1, $2)
		ON CONFLICT (band) DO UPDATE SET value = $2`,
		band, value)
	if err != nil {
		return fmt.Errorf("save bias: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBiases(ctx context.Context) (map[models.ComplexityBand]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT band, value FROM routing_biases`)
	if err != nil {
		return nil, fmt.Errorf("list biases: %w", err)
	}
	defer rows.Close()

	out := make(map[models.ComplexityBand]float64)
	for rows.Next() {
		var band models.ComplexityBand
		var value float64
		if err := rows.Scan(&band, &value); err != nil {
			return nil, fmt.Errorf("scan bias: %w", err)
		}
		out[band] = value
	}
	return out, rows.Err()
}
