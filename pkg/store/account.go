package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, x_user_id, username, display_name, language, purpose,
	access_token_enc, refresh_token_enc, token_expires_at, status, health_message,
	min_interval_minutes, daily_post_limit, monthly_post_limit, last_posted_at,
	proxy_enabled, proxy_protocol, proxy_host, proxy_port, proxy_username, proxy_password_enc,
	created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.XUserID, &a.Username, &a.DisplayName, &a.Language, &a.Purpose,
		&a.AccessTokenEnc, &a.RefreshTokenEnc, &a.TokenExpiresAt, &a.Status, &a.HealthMessage,
		&a.MinIntervalMinutes, &a.DailyPostLimit, &a.MonthlyPostLimit, &a.LastPostedAt,
		&a.ProxyEnabled, &a.ProxyProtocol, &a.ProxyHost, &a.ProxyPort, &a.ProxyUsername, &a.ProxyPasswordEnc,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func scanAccountRows(rows pgx.Rows) ([]Account, error) {
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating account rows: %w", err)
	}
	return out, nil
}

// GetAccount returns a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(s.pool.QueryRow(ctx, query, id))
}

// GetAccountsByIDs returns accounts matching any of the given IDs, deduplicated.
func (s *Store) GetAccountsByIDs(ctx context.Context, ids []uuid.UUID) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ANY($1)`
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("listing accounts by id: %w", err)
	}
	return scanAccountRows(rows)
}

// ListAccounts returns all accounts, most recently created first.
func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return scanAccountRows(rows)
}

// CountAccounts returns the total number of accounts, for paginating ListAccounts.
func (s *Store) CountAccounts(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting accounts: %w", err)
	}
	return n, nil
}

// AccountTags holds an account paired with its lowercase tag names, used by
// the dispatch planner's rule-based account selection.
type AccountTags struct {
	Account Account
	Tags    []string
}

// ListAccountsWithTags returns every account together with its tag names.
func (s *Store) ListAccountsWithTags(ctx context.Context) ([]AccountTags, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	accounts, err := scanAccountRows(rows)
	if err != nil {
		return nil, err
	}

	tagRows, err := s.pool.Query(ctx, `
		SELECT at.account_id, t.name
		FROM account_tags at
		JOIN tags t ON t.id = at.tag_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing account tags: %w", err)
	}
	defer tagRows.Close()

	tagsByAccount := make(map[uuid.UUID][]string)
	for tagRows.Next() {
		var accountID uuid.UUID
		var name string
		if err := tagRows.Scan(&accountID, &name); err != nil {
			return nil, fmt.Errorf("scanning account tag row: %w", err)
		}
		tagsByAccount[accountID] = append(tagsByAccount[accountID], strings.ToLower(strings.TrimSpace(name)))
	}
	if err := tagRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating account tag rows: %w", err)
	}

	out := make([]AccountTags, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountTags{Account: a, Tags: tagsByAccount[a.ID]})
	}
	return out, nil
}

// CreateAccountParams holds parameters for creating an account (used by seed mode).
type CreateAccountParams struct {
	XUserID            string
	Username           string
	DisplayName        string
	Language           *string
	Purpose            *string
	AccessTokenEnc     string
	RefreshTokenEnc    *string
	TokenExpiresAt     *time.Time
	MinIntervalMinutes int
	DailyPostLimit     int
	MonthlyPostLimit   int
}

// CreateAccount inserts a new account and returns the created row.
func (s *Store) CreateAccount(ctx context.Context, p CreateAccountParams) (Account, error) {
	query := `INSERT INTO accounts
		(x_user_id, username, display_name, language, purpose, access_token_enc, refresh_token_enc,
		 token_expires_at, min_interval_minutes, daily_post_limit, monthly_post_limit)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING ` + accountColumns

	row := s.pool.QueryRow(ctx, query,
		p.XUserID, p.Username, p.DisplayName, p.Language, p.Purpose,
		p.AccessTokenEnc, p.RefreshTokenEnc, p.TokenExpiresAt,
		p.MinIntervalMinutes, p.DailyPostLimit, p.MonthlyPostLimit,
	)
	return scanAccount(row)
}

// TagAccount associates an account with a tag name, creating the tag if needed.
func (s *Store) TagAccount(ctx context.Context, accountID uuid.UUID, tagName string) error {
	var tagID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tags (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, tagName).Scan(&tagID)
	if err != nil {
		return fmt.Errorf("upserting tag: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO account_tags (account_id, tag_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, accountID, tagID)
	if err != nil {
		return fmt.Errorf("tagging account: %w", err)
	}
	return nil
}

// UpdateAccountStatus updates an account's status and health message within
// an ongoing settlement transaction.
func (s *Store) UpdateAccountStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, healthMessage *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET status = $2, health_message = $3, updated_at = now() WHERE id = $1
	`, id, status, healthMessage)
	if err != nil {
		return fmt.Errorf("updating account status: %w", err)
	}
	return nil
}

// MarkAccountPosted updates account state after a successful publish.
func (s *Store) MarkAccountPosted(ctx context.Context, tx pgx.Tx, id uuid.UUID, postedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts
		SET status = $2, health_message = NULL, last_posted_at = $3, updated_at = now()
		WHERE id = $1
	`, id, AccountActive, postedAt)
	if err != nil {
		return fmt.Errorf("marking account posted: %w", err)
	}
	return nil
}

// UpdateAccountTokens atomically replaces an account's encrypted token
// material after a successful OAuth refresh.
func (s *Store) UpdateAccountTokens(ctx context.Context, tx pgx.Tx, id uuid.UUID, accessTokenEnc string, refreshTokenEnc *string, tokenExpiresAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts
		SET access_token_enc = $2,
		    refresh_token_enc = COALESCE($3, refresh_token_enc),
		    token_expires_at = $4,
		    status = $5,
		    health_message = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id, accessTokenEnc, refreshTokenEnc, tokenExpiresAt, AccountActive)
	if err != nil {
		return fmt.Errorf("updating account tokens: %w", err)
	}
	return nil
}

// CountAccountPostedSince counts POSTED schedules for an account since a
// given instant, used by the risk engine's quota checks.
func (s *Store) CountAccountPostedSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM schedules
		WHERE account_id = $1 AND status = $2 AND posted_at >= $3
	`, accountID, SchedulePosted, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting posted schedules: %w", err)
	}
	return n, nil
}
