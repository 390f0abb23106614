package risk

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeCounter struct {
	counts map[uuid.UUID]int
}

func (f *fakeCounter) CountAccountPostedSince(_ context.Context, accountID uuid.UUID, _ time.Time) (int, error) {
	return f.counts[accountID], nil
}

func TestEvaluatePacingReschedules(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	lastPosted := now.Add(-5 * time.Minute)
	account := Account{ID: uuid.New(), LastPostedAt: &lastPosted, MinIntervalMinutes: 20, DailyPostLimit: 10, MonthlyPostLimit: 100}

	engine := NewEngine(&fakeCounter{}, time.UTC)
	d, err := engine.Evaluate(context.Background(), account, "hello", nil, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Outcome != Rescheduled {
		t.Fatalf("Outcome = %v, want Rescheduled", d.Outcome)
	}
	want := lastPosted.Add(20 * time.Minute)
	if !d.RescheduledAt.Equal(want) {
		t.Errorf("RescheduledAt = %v, want %v", d.RescheduledAt, want)
	}
}

func TestEvaluateDailyQuotaBlocks(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	account := Account{ID: uuid.New(), DailyPostLimit: 50, MonthlyPostLimit: 500}

	engine := NewEngine(&fakeCounter{counts: map[uuid.UUID]int{account.ID: 50}}, time.UTC)
	d, err := engine.Evaluate(context.Background(), account, "hello", nil, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Outcome != Blocked || d.Reason != "Daily quota reached (50)." {
		t.Errorf("Evaluate() = %+v, want blocked daily quota", d)
	}
}

func TestEvaluateSimilarityBlocks(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	account := Account{ID: uuid.New(), DailyPostLimit: 50, MonthlyPostLimit: 500}
	corpus := []string{"Focus on clarity first."}

	engine := NewEngine(&fakeCounter{}, time.UTC)
	d, err := engine.Evaluate(context.Background(), account, "focus on Clarity first!", corpus, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Outcome != Blocked || d.Reason != "Content too similar to recent published posts." {
		t.Errorf("Evaluate() = %+v, want blocked similarity", d)
	}
}

func TestEvaluateProceeds(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	account := Account{ID: uuid.New(), DailyPostLimit: 50, MonthlyPostLimit: 500}

	engine := NewEngine(&fakeCounter{}, time.UTC)
	d, err := engine.Evaluate(context.Background(), account, "a completely fresh announcement", nil, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Outcome != Proceed {
		t.Errorf("Evaluate() = %+v, want Proceed", d)
	}
}

func TestStartOfDayAndMonth(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 23, 59, 0, 0, loc)

	day := startOfDay(now, loc)
	if day.Hour() != 0 || day.Day() != 31 {
		t.Errorf("startOfDay() = %v, want midnight on the 31st", day)
	}

	month := startOfMonth(now, loc)
	if month.Day() != 1 || month.Month() != time.July {
		t.Errorf("startOfMonth() = %v, want July 1st", month)
	}
}
