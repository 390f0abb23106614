// Package publisher drains due schedules, enforces the risk envelope,
// refreshes OAuth tokens, calls the Platform, and settles each outcome
// atomically. This is the heart of the fleet publisher.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/socialpub/internal/activitylog"
	"github.com/wisbric/socialpub/internal/telemetry"
	"github.com/wisbric/socialpub/pkg/platformclient"
	"github.com/wisbric/socialpub/pkg/risk"
	"github.com/wisbric/socialpub/pkg/store"
)

const (
	recentCorpusWindow = 72 * time.Hour
	recentCorpusLimit  = 250

	publishEndpoint = "POST /2/tweets"
)

var backoff = []time.Duration{2 * time.Minute, 10 * time.Minute, 30 * time.Minute}

// RetryAt computes the next attempt instant for a retryable failure: the
// back-off floor for attempt n, or the Platform's advertised rate-limit
// reset, whichever is later.
func RetryAt(now time.Time, n int, resetAt *time.Time) time.Time {
	idx := n - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(backoff)-1 {
		idx = len(backoff) - 1
	}
	floor := now.Add(backoff[idx])
	if resetAt != nil && resetAt.After(floor) {
		return *resetAt
	}
	return floor
}

// Summary tallies the outcome of one RunCycle invocation.
type Summary struct {
	Scanned     int `json:"scanned"`
	Attempted   int `json:"attempted"`
	Posted      int `json:"posted"`
	Failed      int `json:"failed"`
	Blocked     int `json:"blocked"`
	Rescheduled int `json:"rescheduled"`
}

// Store is the subset of *store.Store the cycle needs. Defined here, rather
// than depended on concretely, so the state machine can be exercised against
// a fake in tests without a live database.
type Store interface {
	SelectDueSchedules(ctx context.Context, now time.Time, limit int) ([]store.DueSchedule, error)
	RecentPostedBodies(ctx context.Context, since time.Time, limit int) ([]string, error)
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	BlockSchedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error
	UpdateAccountStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, healthMessage *string) error
	InsertPublishAttempt(ctx context.Context, tx pgx.Tx, p store.InsertPublishAttemptParams) error
	MarkSchedulePosted(ctx context.Context, tx pgx.Tx, id uuid.UUID, postedAt time.Time, externalPostID string, attemptCount int) error
	MarkAccountPosted(ctx context.Context, tx pgx.Tx, id uuid.UUID, postedAt time.Time) error
	InsertRateLimitSnapshot(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, endpoint string, rl store.RateLimit) error
	InsertZeroPostMetric(ctx context.Context, tx pgx.Tx, scheduleID, accountID uuid.UUID) error
	SettleFailedSchedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, attemptCount int, nextAttemptAt *time.Time, lastError string) error
	UpdateAccountTokens(ctx context.Context, tx pgx.Tx, id uuid.UUID, accessTokenEnc string, refreshTokenEnc *string, tokenExpiresAt time.Time) error
	RescheduleForPacing(ctx context.Context, id uuid.UUID, plannedAt time.Time, reason string) error
}

// Platform is the subset of *platformclient.Client the cycle needs.
type Platform interface {
	Publish(ctx context.Context, accessToken, text string, proxy *platformclient.ProxyConfig) (platformclient.PublishResult, error)
	RefreshToken(ctx context.Context, refreshToken string, proxy *platformclient.ProxyConfig) (platformclient.RefreshResult, error)
}

// Sealer is the subset of *credential.Sealer the cycle needs.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// ActivityLogger accepts activity log entries without blocking the cycle —
// satisfied by *activitylog.Writer.
type ActivityLogger interface {
	Log(entry activitylog.Entry)
}

// Cycle drains due schedules and settles each one. A Cycle is safe for
// sequential reuse across invocations; it holds no per-run state between calls.
type Cycle struct {
	st       Store
	sealer   Sealer
	platform Platform
	risk     *risk.Engine
	activity ActivityLogger
	logger   *slog.Logger
}

// New creates a Cycle.
func New(st Store, sealer Sealer, platform Platform, riskEngine *risk.Engine, activity ActivityLogger, logger *slog.Logger) *Cycle {
	return &Cycle{st: st, sealer: sealer, platform: platform, risk: riskEngine, activity: activity, logger: logger}
}

// RunCycle selects up to limit due schedules and processes them sequentially:
// one at most per account per cycle, against a shared sliding corpus of
// recently published bodies for the similarity guard.
func (c *Cycle) RunCycle(ctx context.Context, limit int) (Summary, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	start := time.Now()
	defer func() {
		telemetry.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	now := time.Now()

	due, err := c.st.SelectDueSchedules(ctx, now, limit)
	if err != nil {
		return Summary{}, fmt.Errorf("publisher: selecting due schedules: %w", err)
	}

	corpus, err := c.st.RecentPostedBodies(ctx, now.Add(-recentCorpusWindow), recentCorpusLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("publisher: loading recent corpus: %w", err)
	}

	summary := Summary{Scanned: len(due)}
	seenAccounts := make(map[string]bool, len(due))

	for _, ds := range due {
		if seenAccounts[ds.Account.ID.String()] {
			continue
		}
		seenAccounts[ds.Account.ID.String()] = true
		summary.Attempted++

		outcome := c.processOne(ctx, ds, &corpus, time.Now())
		switch outcome {
		case outcomePosted:
			summary.Posted++
		case outcomeFailed:
			summary.Failed++
		case outcomeBlocked:
			summary.Blocked++
		case outcomeRescheduled:
			summary.Rescheduled++
		}
	}

	return summary, nil
}

type outcome int

const (
	outcomePosted outcome = iota
	outcomeFailed
	outcomeBlocked
	outcomeRescheduled
)

// processOne runs the per-schedule state machine: proxy resolve, token
// availability, the risk gate, and the publish/settle step. Every branch
// settles the schedule before returning; nothing here propagates an error
// above the schedule boundary.
func (c *Cycle) processOne(ctx context.Context, ds store.DueSchedule, corpus *[]string, now time.Time) outcome {
	proxy, err := c.resolveProxy(ds.Account)
	if err != nil {
		c.blockNoAccountChange(ctx, ds, err.Error())
		return outcomeBlocked
	}

	accessToken, refreshedAccount, err := c.ensureToken(ctx, ds.Account, proxy, now)
	if err != nil {
		c.blockTokenExpired(ctx, ds, err.Error())
		return outcomeBlocked
	}
	ds.Account = refreshedAccount

	decision, err := c.risk.Evaluate(ctx, toRiskAccount(ds.Account), ds.Variant.Body, *corpus, now)
	if err != nil {
		c.blockNoAccountChange(ctx, ds, fmt.Sprintf("risk evaluation failed: %v", err))
		return outcomeBlocked
	}

	switch decision.Outcome {
	case risk.Rescheduled:
		c.reschedule(ctx, ds, decision)
		return outcomeRescheduled
	case risk.Blocked:
		c.blockWithAttempt(ctx, ds, decision.Reason)
		return outcomeBlocked
	}

	result, err := c.platform.Publish(ctx, accessToken, ds.Variant.Body, proxy)
	if err != nil {
		// Transport-level failure (no HTTP status at all): treated as a
		// generic retryable platform failure, same as a 5xx response.
		result = platformclient.PublishResult{ErrorMessage: fmt.Sprintf("publish request failed: %v", err)}
	}

	if result.Success {
		c.settlePosted(ctx, ds, result, now, corpus)
		return outcomePosted
	}

	return c.settleFailed(ctx, ds, result, now)
}

// reschedule pushes a schedule back to PENDING for pacing; no attempt row,
// no attempt-counter increment.
func (c *Cycle) reschedule(ctx context.Context, ds store.DueSchedule, decision risk.Decision) {
	if err := c.st.RescheduleForPacing(ctx, ds.Schedule.ID, decision.RescheduledAt, decision.Reason); err != nil {
		c.logger.Error("publisher: rescheduling for pacing failed", "schedule_id", ds.Schedule.ID, "error", err)
		return
	}
	telemetry.SchedulesRescheduledTotal.Inc()
	c.logActivity(ctx, store.LevelInfo, "schedule_rescheduled", decision.Reason, &ds.Account.ID, &ds.Schedule.ID)
}

// blockNoAccountChange settles a terminal BLOCKED outcome with no attempt
// row and no account status change — used for proxy configuration failures
// and risk-evaluation errors, neither of which reflect on token health.
func (c *Cycle) blockNoAccountChange(ctx context.Context, ds store.DueSchedule, reason string) {
	err := c.st.WithTx(ctx, func(tx pgx.Tx) error {
		return c.st.BlockSchedule(ctx, tx, ds.Schedule.ID, reason)
	})
	if err != nil {
		c.logger.Error("publisher: settling blocked schedule failed", "schedule_id", ds.Schedule.ID, "error", err)
		return
	}
	telemetry.PostsBlockedTotal.WithLabelValues("proxy").Inc()
	c.logActivity(ctx, store.LevelError, "schedule_blocked", reason, &ds.Account.ID, &ds.Schedule.ID)
}

// blockTokenExpired settles a terminal BLOCKED outcome for a credential
// failure — a stored token that cannot be opened, no refresh token, a
// failed/panicking refresh, or refreshed tokens that cannot be sealed or
// saved — demoting the account to TOKEN_EXPIRED.
func (c *Cycle) blockTokenExpired(ctx context.Context, ds store.DueSchedule, reason string) {
	err := c.st.WithTx(ctx, func(tx pgx.Tx) error {
		if err := c.st.BlockSchedule(ctx, tx, ds.Schedule.ID, reason); err != nil {
			return err
		}
		return c.st.UpdateAccountStatus(ctx, tx, ds.Account.ID, store.AccountTokenExpired, &reason)
	})
	if err != nil {
		c.logger.Error("publisher: settling blocked schedule failed", "schedule_id", ds.Schedule.ID, "error", err)
		return
	}
	telemetry.PostsBlockedTotal.WithLabelValues("credential").Inc()
	c.logActivity(ctx, store.LevelError, "schedule_blocked", reason, &ds.Account.ID, &ds.Schedule.ID)
}

// blockWithAttempt settles a policy-block BLOCKED outcome (quota or
// similarity): schedule BLOCKED, a BLOCKED attempt row, account left alone.
func (c *Cycle) blockWithAttempt(ctx context.Context, ds store.DueSchedule, reason string) {
	n := ds.Schedule.AttemptCount + 1
	now := time.Now()

	err := c.st.WithTx(ctx, func(tx pgx.Tx) error {
		if err := c.st.BlockSchedule(ctx, tx, ds.Schedule.ID, reason); err != nil {
			return err
		}
		return c.st.InsertPublishAttempt(ctx, tx, store.InsertPublishAttemptParams{
			ScheduleID:   ds.Schedule.ID,
			AccountID:    ds.Account.ID,
			AttemptNo:    n,
			Status:       store.AttemptBlocked,
			RequestedAt:  now,
			FinishedAt:   &now,
			ErrorMessage: &reason,
		})
	})
	if err != nil {
		c.logger.Error("publisher: settling policy block failed", "schedule_id", ds.Schedule.ID, "error", err)
		return
	}
	telemetry.PostsBlockedTotal.WithLabelValues("policy").Inc()
	c.logActivity(ctx, store.LevelError, "schedule_blocked", reason, &ds.Account.ID, &ds.Schedule.ID)
}

// settlePosted atomically records a successful publish and prepends the
// published body to the cycle's shared recent-corpus slice.
func (c *Cycle) settlePosted(ctx context.Context, ds store.DueSchedule, result platformclient.PublishResult, now time.Time, corpus *[]string) {
	n := ds.Schedule.AttemptCount + 1
	status := result.HTTPStatus

	err := c.st.WithTx(ctx, func(tx pgx.Tx) error {
		if err := c.st.MarkSchedulePosted(ctx, tx, ds.Schedule.ID, now, result.PostID, n); err != nil {
			return err
		}
		if err := c.st.MarkAccountPosted(ctx, tx, ds.Account.ID, now); err != nil {
			return err
		}
		if err := c.st.InsertPublishAttempt(ctx, tx, store.InsertPublishAttemptParams{
			ScheduleID:  ds.Schedule.ID,
			AccountID:   ds.Account.ID,
			AttemptNo:   n,
			Status:      store.AttemptSuccess,
			RequestedAt: now,
			FinishedAt:  &now,
			HTTPStatus:  &status,
			RateLimit:   store.RateLimit(result.RateLimit),
		}); err != nil {
			return err
		}
		if err := c.st.InsertRateLimitSnapshot(ctx, tx, ds.Account.ID, publishEndpoint, store.RateLimit(result.RateLimit)); err != nil {
			return err
		}
		return c.st.InsertZeroPostMetric(ctx, tx, ds.Schedule.ID, ds.Account.ID)
	})
	if err != nil {
		c.logger.Error("publisher: settling posted schedule failed", "schedule_id", ds.Schedule.ID, "error", err)
		return
	}

	telemetry.PostsPublishedTotal.Inc()
	if result.RateLimit.Remaining != nil {
		telemetry.RateLimitRemaining.WithLabelValues(ds.Account.ID.String(), publishEndpoint).Set(float64(*result.RateLimit.Remaining))
	}
	c.logActivity(ctx, store.LevelInfo, "schedule_posted", fmt.Sprintf("posted as %s", result.PostID), &ds.Account.ID, &ds.Schedule.ID)

	*corpus = append([]string{ds.Variant.Body}, *corpus...)
	if len(*corpus) > recentCorpusLimit {
		*corpus = (*corpus)[:recentCorpusLimit]
	}
}

// settleFailed applies the failure-mapping rules: terminal vs retryable,
// the account-status demotion table, and the RetryAt back-off.
func (c *Cycle) settleFailed(ctx context.Context, ds store.DueSchedule, result platformclient.PublishResult, now time.Time) outcome {
	n := ds.Schedule.AttemptCount + 1
	status := result.HTTPStatus

	forceBlock := status == 401 || status == 403
	canRetry := !forceBlock && n < ds.Schedule.MaxAttempts

	scheduleStatus := store.ScheduleFailed
	if !canRetry {
		scheduleStatus = store.ScheduleBlocked
	}

	var nextAttemptAt *time.Time
	if canRetry {
		at := RetryAt(now, n, result.RateLimit.ResetAt)
		nextAttemptAt = &at
	}

	accountStatus := ds.Account.Status
	var healthMessage *string
	switch status {
	case 429:
		accountStatus = store.AccountRateLimited
	case 401:
		accountStatus = store.AccountTokenExpired
	case 403:
		accountStatus = store.AccountSuspended
	}
	if accountStatus != ds.Account.Status {
		msg := result.ErrorMessage
		healthMessage = &msg
	}

	errCode := result.ErrorCode
	errMsg := result.ErrorMessage

	err := c.st.WithTx(ctx, func(tx pgx.Tx) error {
		if err := c.st.SettleFailedSchedule(ctx, tx, ds.Schedule.ID, scheduleStatus, n, nextAttemptAt, result.ErrorMessage); err != nil {
			return err
		}
		if accountStatus != ds.Account.Status {
			if err := c.st.UpdateAccountStatus(ctx, tx, ds.Account.ID, accountStatus, healthMessage); err != nil {
				return err
			}
		}
		if err := c.st.InsertPublishAttempt(ctx, tx, store.InsertPublishAttemptParams{
			ScheduleID:   ds.Schedule.ID,
			AccountID:    ds.Account.ID,
			AttemptNo:    n,
			Status:       store.AttemptFail,
			RequestedAt:  now,
			FinishedAt:   &now,
			HTTPStatus:   &status,
			ErrorCode:    &errCode,
			ErrorMessage: &errMsg,
			RateLimit:    store.RateLimit(result.RateLimit),
		}); err != nil {
			return err
		}
		return c.st.InsertRateLimitSnapshot(ctx, tx, ds.Account.ID, publishEndpoint, store.RateLimit(result.RateLimit))
	})
	if err != nil {
		c.logger.Error("publisher: settling failed schedule failed", "schedule_id", ds.Schedule.ID, "error", err)
		return outcomeFailed
	}

	if result.RateLimit.Remaining != nil {
		telemetry.RateLimitRemaining.WithLabelValues(ds.Account.ID.String(), publishEndpoint).Set(float64(*result.RateLimit.Remaining))
	}

	reasonLabel := fmt.Sprintf("http_%d", status)
	if canRetry {
		telemetry.PostsFailedTotal.WithLabelValues(reasonLabel).Inc()
		c.logActivity(ctx, store.LevelWarn, "schedule_retry_scheduled", errMsg, &ds.Account.ID, &ds.Schedule.ID)
		return outcomeFailed
	}

	telemetry.PostsBlockedTotal.WithLabelValues(reasonLabel).Inc()
	c.logActivity(ctx, store.LevelError, "schedule_blocked", errMsg, &ds.Account.ID, &ds.Schedule.ID)
	return outcomeBlocked
}

// resolveProxy builds the Platform client's proxy configuration for an
// account, opening the sealed proxy password if one is set.
func (c *Cycle) resolveProxy(account store.Account) (*platformclient.ProxyConfig, error) {
	if !account.ProxyEnabled {
		return nil, nil
	}
	if account.ProxyProtocol == nil || account.ProxyHost == nil || account.ProxyPort == nil {
		return nil, errors.New("proxy enabled but protocol, host, or port is missing")
	}

	var password string
	if account.ProxyPasswordEnc != nil {
		opened, err := c.sealer.Open(*account.ProxyPasswordEnc)
		if err != nil {
			return nil, fmt.Errorf("opening proxy password: %w", err)
		}
		password = opened
	}

	var username string
	if account.ProxyUsername != nil {
		username = *account.ProxyUsername
	}

	return &platformclient.ProxyConfig{
		Protocol: *account.ProxyProtocol,
		Host:     *account.ProxyHost,
		Port:     *account.ProxyPort,
		Username: username,
		Password: password,
	}, nil
}

// ensureToken returns a usable plaintext access token for account, refreshing
// it through proxy first if it has expired. On a successful refresh it
// persists the new tokens in their own transaction and returns the account
// as it now reads, so the risk gate sees the refreshed status.
func (c *Cycle) ensureToken(ctx context.Context, account store.Account, proxy *platformclient.ProxyConfig, now time.Time) (string, store.Account, error) {
	if account.TokenExpiresAt == nil || account.TokenExpiresAt.After(now) {
		token, err := c.sealer.Open(account.AccessTokenEnc)
		if err != nil {
			return "", account, fmt.Errorf("opening access token: %w", err)
		}
		return token, account, nil
	}

	if account.RefreshTokenEnc == nil {
		return "", account, errors.New("access token expired and no refresh token is available")
	}

	refreshToken, err := c.sealer.Open(*account.RefreshTokenEnc)
	if err != nil {
		return "", account, fmt.Errorf("opening refresh token: %w", err)
	}

	result, err := c.refreshSafely(ctx, refreshToken, proxy)
	if err != nil || !result.Success {
		return "", account, errors.New("token refresh failed")
	}

	sealedAccess, err := c.sealer.Seal(result.AccessToken)
	if err != nil {
		return "", account, fmt.Errorf("sealing refreshed access token: %w", err)
	}

	var sealedRefresh *string
	if result.RefreshToken != "" {
		s, err := c.sealer.Seal(result.RefreshToken)
		if err != nil {
			return "", account, fmt.Errorf("sealing refreshed refresh token: %w", err)
		}
		sealedRefresh = &s
	}

	if err := c.st.WithTx(ctx, func(tx pgx.Tx) error {
		return c.st.UpdateAccountTokens(ctx, tx, account.ID, sealedAccess, sealedRefresh, result.ExpiresAt)
	}); err != nil {
		return "", account, fmt.Errorf("persisting refreshed tokens: %w", err)
	}

	account.Status = store.AccountActive
	account.HealthMessage = nil
	account.AccessTokenEnc = sealedAccess
	account.TokenExpiresAt = &result.ExpiresAt

	return result.AccessToken, account, nil
}

// refreshSafely calls RefreshToken and converts any panic into an error —
// a misbehaving platform client must never take down the cycle.
func (c *Cycle) refreshSafely(ctx context.Context, refreshToken string, proxy *platformclient.ProxyConfig) (result platformclient.RefreshResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during token refresh: %v", p)
		}
	}()
	return c.platform.RefreshToken(ctx, refreshToken, proxy)
}

func toRiskAccount(a store.Account) risk.Account {
	return risk.Account{
		ID:                 a.ID,
		LastPostedAt:       a.LastPostedAt,
		MinIntervalMinutes: a.MinIntervalMinutes,
		DailyPostLimit:     a.DailyPostLimit,
		MonthlyPostLimit:   a.MonthlyPostLimit,
	}
}

// logActivity appends an activity log entry outside of the settlement
// transaction, via the async writer so a slow insert never stalls the cycle.
func (c *Cycle) logActivity(_ context.Context, level, event, message string, accountID, scheduleID *uuid.UUID) {
	c.activity.Log(activitylog.Entry{
		Level:      level,
		Event:      event,
		Message:    message,
		AccountID:  accountID,
		ScheduleID: scheduleID,
	})
}
