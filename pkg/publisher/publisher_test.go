package publisher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/socialpub/internal/activitylog"
	"github.com/wisbric/socialpub/pkg/platformclient"
	"github.com/wisbric/socialpub/pkg/risk"
	"github.com/wisbric/socialpub/pkg/store"
)

// fakeStore is an in-memory stand-in for *store.Store, keyed by schedule ID
// and account ID, sufficient to exercise the publisher cycle's state machine
// without a live database.
type fakeStore struct {
	mu sync.Mutex

	due       []store.DueSchedule
	corpus    []string
	schedules map[uuid.UUID]*store.Schedule
	accounts  map[uuid.UUID]*store.Account
	attempts  []store.InsertPublishAttemptParams
	snapshots []store.RateLimit
	metrics   int
	rescheds  int
}

func newFakeStore(due []store.DueSchedule) *fakeStore {
	fs := &fakeStore{
		due:       due,
		schedules: make(map[uuid.UUID]*store.Schedule),
		accounts:  make(map[uuid.UUID]*store.Account),
	}
	for _, ds := range due {
		sc := ds.Schedule
		ac := ds.Account
		fs.schedules[sc.ID] = &sc
		fs.accounts[ac.ID] = &ac
	}
	return fs
}

func (f *fakeStore) SelectDueSchedules(ctx context.Context, now time.Time, limit int) ([]store.DueSchedule, error) {
	return f.due, nil
}

func (f *fakeStore) RecentPostedBodies(ctx context.Context, since time.Time, limit int) ([]string, error) {
	return append([]string{}, f.corpus...), nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(nil)
}

func (f *fakeStore) BlockSchedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error {
	sc := f.schedules[id]
	sc.Status = store.ScheduleBlocked
	sc.LastError = &reason
	return nil
}

func (f *fakeStore) UpdateAccountStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, healthMessage *string) error {
	a := f.accounts[id]
	a.Status = status
	a.HealthMessage = healthMessage
	return nil
}

func (f *fakeStore) InsertPublishAttempt(ctx context.Context, tx pgx.Tx, p store.InsertPublishAttemptParams) error {
	f.attempts = append(f.attempts, p)
	return nil
}

func (f *fakeStore) MarkSchedulePosted(ctx context.Context, tx pgx.Tx, id uuid.UUID, postedAt time.Time, externalPostID string, attemptCount int) error {
	sc := f.schedules[id]
	sc.Status = store.SchedulePosted
	sc.PostedAt = &postedAt
	sc.ExternalPostID = &externalPostID
	sc.AttemptCount = attemptCount
	sc.LastError = nil
	sc.NextAttemptAt = nil
	return nil
}

func (f *fakeStore) MarkAccountPosted(ctx context.Context, tx pgx.Tx, id uuid.UUID, postedAt time.Time) error {
	a := f.accounts[id]
	a.Status = store.AccountActive
	a.HealthMessage = nil
	a.LastPostedAt = &postedAt
	return nil
}

func (f *fakeStore) InsertRateLimitSnapshot(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, endpoint string, rl store.RateLimit) error {
	f.snapshots = append(f.snapshots, rl)
	return nil
}

func (f *fakeStore) InsertZeroPostMetric(ctx context.Context, tx pgx.Tx, scheduleID, accountID uuid.UUID) error {
	f.metrics++
	return nil
}

func (f *fakeStore) SettleFailedSchedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, attemptCount int, nextAttemptAt *time.Time, lastError string) error {
	sc := f.schedules[id]
	sc.Status = status
	sc.AttemptCount = attemptCount
	sc.NextAttemptAt = nextAttemptAt
	sc.LastError = &lastError
	return nil
}

func (f *fakeStore) UpdateAccountTokens(ctx context.Context, tx pgx.Tx, id uuid.UUID, accessTokenEnc string, refreshTokenEnc *string, tokenExpiresAt time.Time) error {
	a := f.accounts[id]
	a.AccessTokenEnc = accessTokenEnc
	if refreshTokenEnc != nil {
		a.RefreshTokenEnc = refreshTokenEnc
	}
	a.TokenExpiresAt = &tokenExpiresAt
	a.Status = store.AccountActive
	a.HealthMessage = nil
	return nil
}

func (f *fakeStore) RescheduleForPacing(ctx context.Context, id uuid.UUID, plannedAt time.Time, reason string) error {
	sc := f.schedules[id]
	sc.Status = store.SchedulePending
	sc.PlannedAt = plannedAt
	sc.NextAttemptAt = nil
	sc.LastError = &reason
	f.rescheds++
	return nil
}

// fakeActivityLogger records activity log entries synchronously, standing in
// for *activitylog.Writer's async buffering.
type fakeActivityLogger struct {
	mu      sync.Mutex
	entries []activitylog.Entry
}

func (f *fakeActivityLogger) Log(entry activitylog.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

// fakePlatform stubs Publish/RefreshToken with scripted responses.
type fakePlatform struct {
	publishResult platformclient.PublishResult
	publishErr    error
	refreshResult platformclient.RefreshResult
	refreshErr    error
}

func (f *fakePlatform) Publish(ctx context.Context, accessToken, text string, proxy *platformclient.ProxyConfig) (platformclient.PublishResult, error) {
	return f.publishResult, f.publishErr
}

func (f *fakePlatform) RefreshToken(ctx context.Context, refreshToken string, proxy *platformclient.ProxyConfig) (platformclient.RefreshResult, error) {
	return f.refreshResult, f.refreshErr
}

// plaintextSealer is a pass-through Sealer for tests, avoiding a dependency
// on the real AES-GCM implementation's randomness.
type plaintextSealer struct{}

func (plaintextSealer) Seal(plaintext string) (string, error) { return "sealed:" + plaintext, nil }
func (plaintextSealer) Open(sealed string) (string, error) {
	if len(sealed) > 7 && sealed[:7] == "sealed:" {
		return sealed[7:], nil
	}
	return sealed, nil
}

type fakeCounter struct{ counts map[uuid.UUID]int }

func (f fakeCounter) CountAccountPostedSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	return f.counts[accountID], nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func baseAccount() store.Account {
	return store.Account{
		ID:                 uuid.New(),
		Username:           "alice",
		AccessTokenEnc:     "sealed:access-token",
		Status:             store.AccountActive,
		MinIntervalMinutes: 15,
		DailyPostLimit:     10,
		MonthlyPostLimit:   100,
	}
}

func baseDueSchedule(account store.Account) store.DueSchedule {
	return store.DueSchedule{
		Schedule: store.Schedule{
			ID:          uuid.New(),
			AccountID:   account.ID,
			MaxAttempts: 3,
			PlannedAt:   time.Now().Add(-time.Minute),
		},
		Account: account,
		Content: store.Content{ID: uuid.New(), Body: "Ship it."},
		Variant: store.ContentVariant{ID: uuid.New(), Body: "Ship it."},
	}
}

func newTestCycle(fs *fakeStore, pf *fakePlatform) *Cycle {
	engine := risk.NewEngine(fakeCounter{counts: map[uuid.UUID]int{}}, time.UTC)
	return New(fs, plaintextSealer{}, pf, engine, &fakeActivityLogger{}, testLogger())
}

func TestRunCycleHappyPath(t *testing.T) {
	account := baseAccount()
	ds := baseDueSchedule(account)
	fs := newFakeStore([]store.DueSchedule{ds})

	resetAt := time.Now().Add(15 * time.Minute)
	pf := &fakePlatform{publishResult: platformclient.PublishResult{
		Success:    true,
		PostID:     "p1",
		HTTPStatus: 200,
		RateLimit:  platformclient.RateLimit{Limit: intPtr(300), Remaining: intPtr(298), ResetAt: &resetAt},
	}}

	c := newTestCycle(fs, pf)
	summary, err := c.RunCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Attempted: 1, Posted: 1}, summary)

	sc := fs.schedules[ds.Schedule.ID]
	assert.Equal(t, store.SchedulePosted, sc.Status)
	require.NotNil(t, sc.ExternalPostID)
	assert.Equal(t, "p1", *sc.ExternalPostID)
	assert.NotNil(t, fs.accounts[account.ID].LastPostedAt)
	assert.Equal(t, 1, fs.metrics)
	require.Len(t, fs.attempts, 1)
	assert.Equal(t, store.AttemptSuccess, fs.attempts[0].Status)
}

func TestRunCycleRateLimited(t *testing.T) {
	account := baseAccount()
	ds := baseDueSchedule(account)
	fs := newFakeStore([]store.DueSchedule{ds})

	resetAt := time.Now().Add(5 * time.Minute)
	pf := &fakePlatform{publishResult: platformclient.PublishResult{
		Success:      false,
		HTTPStatus:   429,
		ErrorMessage: "rate limited",
		RateLimit:    platformclient.RateLimit{ResetAt: &resetAt},
	}}

	c := newTestCycle(fs, pf)
	summary, err := c.RunCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	sc := fs.schedules[ds.Schedule.ID]
	assert.Equal(t, store.ScheduleFailed, sc.Status)
	assert.Equal(t, 1, sc.AttemptCount)
	require.NotNil(t, sc.NextAttemptAt)
	assert.True(t, sc.NextAttemptAt.Equal(resetAt), "nextAttemptAt = %v, want max(now+2m, resetAt) = %v", sc.NextAttemptAt, resetAt)
	assert.Equal(t, store.AccountRateLimited, fs.accounts[account.ID].Status)
}

func TestRunCycleSuspension(t *testing.T) {
	account := baseAccount()
	ds := baseDueSchedule(account)
	fs := newFakeStore([]store.DueSchedule{ds})

	pf := &fakePlatform{publishResult: platformclient.PublishResult{
		Success:      false,
		HTTPStatus:   403,
		ErrorMessage: "account suspended",
	}}

	c := newTestCycle(fs, pf)
	summary, err := c.RunCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Blocked)

	sc := fs.schedules[ds.Schedule.ID]
	assert.Equal(t, store.ScheduleBlocked, sc.Status)

	acct := fs.accounts[account.ID]
	assert.Equal(t, store.AccountSuspended, acct.Status)
	require.NotNil(t, acct.HealthMessage)
	assert.Equal(t, "account suspended", *acct.HealthMessage)
}

func TestRunCycleTokenExpiryAndRefresh(t *testing.T) {
	account := baseAccount()
	account.TokenExpiresAt = timePtr(time.Now().Add(-time.Second))
	account.RefreshTokenEnc = strPtr("sealed:refresh-token")
	ds := baseDueSchedule(account)
	fs := newFakeStore([]store.DueSchedule{ds})

	pf := &fakePlatform{
		refreshResult: platformclient.RefreshResult{
			Success:     true,
			AccessToken: "new",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
		publishResult: platformclient.PublishResult{Success: true, PostID: "p2", HTTPStatus: 200},
	}

	c := newTestCycle(fs, pf)
	summary, err := c.RunCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Posted)

	acct := fs.accounts[account.ID]
	assert.Equal(t, "sealed:new", acct.AccessTokenEnc)
	assert.Equal(t, store.AccountActive, acct.Status)
}

func TestRunCycleQuotaBlock(t *testing.T) {
	account := baseAccount()
	account.DailyPostLimit = 50
	ds := baseDueSchedule(account)
	fs := newFakeStore([]store.DueSchedule{ds})

	pf := &fakePlatform{}
	engine := risk.NewEngine(fakeCounter{counts: map[uuid.UUID]int{account.ID: 50}}, time.UTC)
	c := New(fs, plaintextSealer{}, pf, engine, &fakeActivityLogger{}, testLogger())

	summary, err := c.RunCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Blocked)

	sc := fs.schedules[ds.Schedule.ID]
	require.NotNil(t, sc.LastError)
	assert.Equal(t, "Daily quota reached (50).", *sc.LastError)
	require.Len(t, fs.attempts, 1)
	assert.Equal(t, store.AttemptBlocked, fs.attempts[0].Status)
}

func TestRunCyclePacingReschedule(t *testing.T) {
	account := baseAccount()
	account.LastPostedAt = timePtr(time.Now().Add(-5 * time.Minute))
	account.MinIntervalMinutes = 20
	ds := baseDueSchedule(account)
	fs := newFakeStore([]store.DueSchedule{ds})

	c := newTestCycle(fs, &fakePlatform{})
	summary, err := c.RunCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rescheduled)

	sc := fs.schedules[ds.Schedule.ID]
	assert.Equal(t, store.SchedulePending, sc.Status)
	want := account.LastPostedAt.Add(20 * time.Minute)
	assert.True(t, sc.PlannedAt.Equal(want), "plannedAt = %v, want %v", sc.PlannedAt, want)
	assert.Empty(t, fs.attempts)
}

func TestRunCycleSimilarityBlock(t *testing.T) {
	account := baseAccount()
	ds := baseDueSchedule(account)
	ds.Variant.Body = "focus on Clarity first!"
	fs := newFakeStore([]store.DueSchedule{ds})
	fs.corpus = []string{"Focus on clarity first."}

	c := newTestCycle(fs, &fakePlatform{})
	summary, err := c.RunCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Blocked)

	sc := fs.schedules[ds.Schedule.ID]
	require.NotNil(t, sc.LastError)
	assert.Equal(t, "Content too similar to recent published posts.", *sc.LastError)
}

func TestRunCycleFairness(t *testing.T) {
	accountA := baseAccount()
	accountB := baseAccount()

	dsA1 := baseDueSchedule(accountA)
	dsA2 := baseDueSchedule(accountA)
	dsB := baseDueSchedule(accountB)

	fs := newFakeStore([]store.DueSchedule{dsA1, dsA2, dsB})
	pf := &fakePlatform{publishResult: platformclient.PublishResult{Success: true, PostID: "p", HTTPStatus: 200}}

	c := newTestCycle(fs, pf)
	summary, err := c.RunCycle(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 2, summary.Attempted)
}

func TestRetryAt(t *testing.T) {
	now := time.Now()

	t.Run("backoff floor wins when reset is earlier", func(t *testing.T) {
		resetAt := now.Add(time.Minute)
		got := RetryAt(now, 1, &resetAt)
		assert.True(t, got.Equal(now.Add(2*time.Minute)))
	})

	t.Run("reset wins when later than floor", func(t *testing.T) {
		resetAt := now.Add(5 * time.Minute)
		got := RetryAt(now, 1, &resetAt)
		assert.True(t, got.Equal(resetAt))
	})

	t.Run("attempt number clamps at the top of the backoff table", func(t *testing.T) {
		got := RetryAt(now, 99, nil)
		assert.True(t, got.Equal(now.Add(30*time.Minute)))
	})

	t.Run("no reset falls back to the backoff floor", func(t *testing.T) {
		got := RetryAt(now, 2, nil)
		assert.True(t, got.Equal(now.Add(10*time.Minute)))
	})
}

func intPtr(n int) *int              { return &n }
func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }
