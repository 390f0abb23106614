package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertRateLimitSnapshot appends an observed rate-limit snapshot within tx.
func (s *Store) InsertRateLimitSnapshot(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, endpoint string, rl RateLimit) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rate_limit_snapshots (account_id, endpoint, limit_value, remaining, reset_at)
		VALUES ($1,$2,$3,$4,$5)
	`, accountID, endpoint, rl.Limit, rl.Remaining, rl.ResetAt)
	if err != nil {
		return fmt.Errorf("inserting rate limit snapshot: %w", err)
	}
	return nil
}

// InsertZeroPostMetric inserts a zero-initialized metric row for a POSTED
// schedule within tx.
func (s *Store) InsertZeroPostMetric(ctx context.Context, tx pgx.Tx, scheduleID, accountID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO post_metrics (schedule_id, account_id) VALUES ($1, $2)
	`, scheduleID, accountID)
	if err != nil {
		return fmt.Errorf("inserting post metric: %w", err)
	}
	return nil
}
