package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const scheduleColumns = `id, account_id, content_id, content_variant_id, planned_at, status,
	idempotency_key, priority, attempt_count, max_attempts, next_attempt_at, posted_at,
	external_post_id, last_error, created_at, updated_at`

func scanSchedule(row pgx.Row) (Schedule, error) {
	var sc Schedule
	err := row.Scan(
		&sc.ID, &sc.AccountID, &sc.ContentID, &sc.ContentVariantID, &sc.PlannedAt, &sc.Status,
		&sc.IdempotencyKey, &sc.Priority, &sc.AttemptCount, &sc.MaxAttempts, &sc.NextAttemptAt, &sc.PostedAt,
		&sc.ExternalPostID, &sc.LastError, &sc.CreatedAt, &sc.UpdatedAt,
	)
	return sc, err
}

// SelectDueSchedules claims and returns up to limit schedules that are due:
// PENDING with plannedAt <= now, or FAILED with nextAttemptAt <= now. Ordered
// by priority then plannedAt. The claim is a single UPDATE ... RETURNING
// statement: FOR UPDATE SKIP LOCKED picks disjoint rows when cycles overlap,
// and the enclosing UPDATE moves each picked row to PROCESSING in the same
// statement, so the claim is durable the instant the statement commits —
// not released when the SELECT's own implicit transaction ends. A second
// overlapping invocation's WHERE clause only ever matches PENDING/FAILED
// rows, so it can't re-select a row this one already claimed, even after
// this statement's row locks are gone. This is the row-level advisory lock
// at selection time the design calls for in place of a distributed lock.
func (s *Store) SelectDueSchedules(ctx context.Context, now time.Time, limit int) ([]DueSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE schedules
			SET status = $5, updated_at = now()
			WHERE id IN (
				SELECT id FROM schedules
				WHERE (status = $1 AND planned_at <= $3) OR (status = $2 AND next_attempt_at <= $3)
				ORDER BY priority ASC, planned_at ASC
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+scheduleColumns+`
		)
		SELECT `+scheduleColumns+` FROM claimed ORDER BY priority ASC, planned_at ASC
	`, SchedulePending, ScheduleFailed, now, limit, ScheduleProcessing)
	if err != nil {
		return nil, fmt.Errorf("selecting due schedules: %w", err)
	}

	var schedules []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning due schedule: %w", err)
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating due schedules: %w", err)
	}
	rows.Close()

	out := make([]DueSchedule, 0, len(schedules))
	for _, sc := range schedules {
		account, err := s.GetAccount(ctx, sc.AccountID)
		if err != nil {
			return nil, fmt.Errorf("loading account for schedule %s: %w", sc.ID, err)
		}
		content, err := s.GetContent(ctx, sc.ContentID)
		if err != nil {
			return nil, fmt.Errorf("loading content for schedule %s: %w", sc.ID, err)
		}
		variant, err := s.GetVariantByID(ctx, sc.ContentVariantID)
		if err != nil {
			return nil, fmt.Errorf("loading variant for schedule %s: %w", sc.ID, err)
		}
		out = append(out, DueSchedule{Schedule: sc, Account: account, Content: content, Variant: variant})
	}
	return out, nil
}

// InsertScheduleParams holds parameters for creating a schedule.
type InsertScheduleParams struct {
	AccountID        uuid.UUID
	ContentID        uuid.UUID
	ContentVariantID uuid.UUID
	PlannedAt        time.Time
	IdempotencyKey   string
	Priority         int
	MaxAttempts      int
}

// InsertSchedule inserts a schedule within tx. A duplicate idempotency key
// conflict is silently skipped (ok=false, err=nil) rather than surfaced as an
// error — this is how re-dispatch with identical parameters becomes a no-op.
func (s *Store) InsertSchedule(ctx context.Context, tx pgx.Tx, p InsertScheduleParams) (sc Schedule, ok bool, err error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO schedules
			(account_id, content_id, content_variant_id, planned_at, idempotency_key, priority, max_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+scheduleColumns,
		p.AccountID, p.ContentID, p.ContentVariantID, p.PlannedAt, p.IdempotencyKey, p.Priority, p.MaxAttempts,
	)

	sc, err = scanSchedule(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Schedule{}, false, nil
		}
		return Schedule{}, false, fmt.Errorf("inserting schedule: %w", err)
	}
	return sc, true, nil
}

// RescheduleForPacing pushes a schedule back to PENDING at a later plannedAt
// without touching the attempt counter, per the min-interval pacing check.
func (s *Store) RescheduleForPacing(ctx context.Context, id uuid.UUID, plannedAt time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET status = $2, planned_at = $3, next_attempt_at = NULL, last_error = $4, updated_at = now()
		WHERE id = $1
	`, id, SchedulePending, plannedAt, reason)
	if err != nil {
		return fmt.Errorf("rescheduling for pacing: %w", err)
	}
	return nil
}

// BlockSchedule marks a schedule BLOCKED with a diagnostic message and no retry.
func (s *Store) BlockSchedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE schedules
		SET status = $2, next_attempt_at = NULL, last_error = $3, updated_at = now()
		WHERE id = $1
	`, id, ScheduleBlocked, reason)
	if err != nil {
		return fmt.Errorf("blocking schedule: %w", err)
	}
	return nil
}

// MarkSchedulePosted settles a schedule as POSTED within tx.
func (s *Store) MarkSchedulePosted(ctx context.Context, tx pgx.Tx, id uuid.UUID, postedAt time.Time, externalPostID string, attemptCount int) error {
	_, err := tx.Exec(ctx, `
		UPDATE schedules
		SET status = $2, posted_at = $3, external_post_id = $4, attempt_count = $5,
		    last_error = NULL, next_attempt_at = NULL, updated_at = now()
		WHERE id = $1
	`, id, SchedulePosted, postedAt, externalPostID, attemptCount)
	if err != nil {
		return fmt.Errorf("marking schedule posted: %w", err)
	}
	return nil
}

// SettleFailedSchedule settles a failure outcome (retryable or terminal)
// within tx, per the publish-attempt failure-mapping rules.
func (s *Store) SettleFailedSchedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, attemptCount int, nextAttemptAt *time.Time, lastError string) error {
	_, err := tx.Exec(ctx, `
		UPDATE schedules
		SET status = $2, attempt_count = $3, next_attempt_at = $4, last_error = $5, updated_at = now()
		WHERE id = $1
	`, id, status, attemptCount, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("settling failed schedule: %w", err)
	}
	return nil
}

// ListSchedules returns schedules ordered by plannedAt descending, for the
// read-only admin surface.
func (s *Store) ListSchedules(ctx context.Context, limit, offset int) ([]Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY planned_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedule rows: %w", err)
	}
	return out, nil
}

// CountSchedules returns the total number of schedules, for paginating ListSchedules.
func (s *Store) CountSchedules(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM schedules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting schedules: %w", err)
	}
	return n, nil
}
