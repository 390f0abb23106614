package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertActivityLogParams holds parameters for one append-only log entry.
type InsertActivityLogParams struct {
	Level      string
	Event      string
	Message    string
	Meta       json.RawMessage
	AccountID  *uuid.UUID
	ScheduleID *uuid.UUID
}

// InsertActivityLog appends an activity log entry within tx.
func (s *Store) InsertActivityLog(ctx context.Context, tx pgx.Tx, p InsertActivityLogParams) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO activity_log (level, event, message, meta, account_id, schedule_id)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, p.Level, p.Event, p.Message, p.Meta, p.AccountID, p.ScheduleID)
	if err != nil {
		return fmt.Errorf("inserting activity log entry: %w", err)
	}
	return nil
}

// InsertActivityLogDirect appends an activity log entry outside of any
// transaction, used by the async activity log writer.
func (s *Store) InsertActivityLogDirect(ctx context.Context, p InsertActivityLogParams) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_log (level, event, message, meta, account_id, schedule_id)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, p.Level, p.Event, p.Message, p.Meta, p.AccountID, p.ScheduleID)
	if err != nil {
		return fmt.Errorf("inserting activity log entry: %w", err)
	}
	return nil
}

const activityLogColumns = `id, level, event, message, meta, account_id, schedule_id, created_at`

func scanActivityLog(row pgx.Row) (ActivityLogEntry, error) {
	var e ActivityLogEntry
	err := row.Scan(&e.ID, &e.Level, &e.Event, &e.Message, &e.Meta, &e.AccountID, &e.ScheduleID, &e.CreatedAt)
	return e, err
}

// ListActivityLog returns recent activity log entries, most recent first.
func (s *Store) ListActivityLog(ctx context.Context, limit, offset int) ([]ActivityLogEntry, error) {
	query := `SELECT ` + activityLogColumns + ` FROM activity_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing activity log: %w", err)
	}
	defer rows.Close()

	var out []ActivityLogEntry
	for rows.Next() {
		e, err := scanActivityLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning activity log row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity log rows: %w", err)
	}
	return out, nil
}

// CountActivityLog returns the total number of activity log entries, for
// paginating ListActivityLog.
func (s *Store) CountActivityLog(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM activity_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting activity log entries: %w", err)
	}
	return n, nil
}
