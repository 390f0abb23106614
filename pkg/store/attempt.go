package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertPublishAttemptParams holds parameters for one append-only attempt row.
type InsertPublishAttemptParams struct {
	ScheduleID   uuid.UUID
	AccountID    uuid.UUID
	AttemptNo    int
	Status       string
	RequestedAt  time.Time
	FinishedAt   *time.Time
	HTTPStatus   *int
	ErrorCode    *string
	ErrorMessage *string
	RateLimit    RateLimit
}

// InsertPublishAttempt appends a publish attempt record within tx.
func (s *Store) InsertPublishAttempt(ctx context.Context, tx pgx.Tx, p InsertPublishAttemptParams) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO publish_attempts
			(schedule_id, account_id, attempt_no, status, requested_at, finished_at,
			 http_status, error_code, error_message, rate_limit_limit, rate_limit_remaining, rate_limit_reset_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		p.ScheduleID, p.AccountID, p.AttemptNo, p.Status, p.RequestedAt, p.FinishedAt,
		p.HTTPStatus, p.ErrorCode, p.ErrorMessage, p.RateLimit.Limit, p.RateLimit.Remaining, p.RateLimit.ResetAt,
	)
	if err != nil {
		return fmt.Errorf("inserting publish attempt: %w", err)
	}
	return nil
}
