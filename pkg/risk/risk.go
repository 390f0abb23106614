// Package risk implements the publisher's risk envelope: minimum-interval
// pacing, daily/monthly quotas, and content-similarity guards, evaluated in
// that order before any schedule reaches the Platform.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/socialpub/pkg/similarity"
)

// Outcome is the result of evaluating the risk envelope for one schedule.
type Outcome int

const (
	// Proceed means the schedule may be published now.
	Proceed Outcome = iota
	// Rescheduled means the schedule was pushed back to PENDING for pacing.
	Rescheduled
	// Blocked means the schedule was permanently blocked for this attempt.
	Blocked
)

// Decision is the outcome of one risk evaluation.
type Decision struct {
	Outcome       Outcome
	RescheduledAt time.Time // set when Outcome == Rescheduled
	Reason        string    // set when Outcome != Proceed
}

// PostCounter counts an account's POSTED schedules since a given instant.
// Satisfied by *store.Store.
type PostCounter interface {
	CountAccountPostedSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error)
}

// Account holds the subset of account fields the risk engine needs.
type Account struct {
	ID                 uuid.UUID
	LastPostedAt       *time.Time
	MinIntervalMinutes int
	DailyPostLimit     int
	MonthlyPostLimit   int
}

// Engine evaluates the risk envelope against a configured timezone.
type Engine struct {
	counter  PostCounter
	location *time.Location
}

// NewEngine creates a risk Engine. location governs the day/month boundaries
// used by the quota checks — deliberately explicit and consistent across
// reads and writes per the deployment's QUOTA_TIMEZONE setting.
func NewEngine(counter PostCounter, location *time.Location) *Engine {
	return &Engine{counter: counter, location: location}
}

// Evaluate runs the four-step risk gate in order: pacing, daily quota,
// monthly quota, similarity. variantBody is the candidate post text; corpus
// is the cycle's sliding window of recently published bodies.
func (e *Engine) Evaluate(ctx context.Context, account Account, variantBody string, corpus []string, now time.Time) (Decision, error) {
	if d, ok := e.checkPacing(account, now); ok {
		return d, nil
	}

	dailyCount, err := e.counter.CountAccountPostedSince(ctx, account.ID, startOfDay(now, e.location))
	if err != nil {
		return Decision{}, fmt.Errorf("risk: counting daily posts: %w", err)
	}
	if dailyCount >= account.DailyPostLimit {
		return Decision{
			Outcome: Blocked,
			Reason:  fmt.Sprintf("Daily quota reached (%d).", account.DailyPostLimit),
		}, nil
	}

	monthlyCount, err := e.counter.CountAccountPostedSince(ctx, account.ID, startOfMonth(now, e.location))
	if err != nil {
		return Decision{}, fmt.Errorf("risk: counting monthly posts: %w", err)
	}
	if monthlyCount >= account.MonthlyPostLimit {
		return Decision{
			Outcome: Blocked,
			Reason:  fmt.Sprintf("Monthly quota reached (%d).", account.MonthlyPostLimit),
		}, nil
	}

	if similarity.TooSimilar(variantBody, corpus, similarity.Threshold) {
		return Decision{
			Outcome: Blocked,
			Reason:  "Content too similar to recent published posts.",
		}, nil
	}

	return Decision{Outcome: Proceed}, nil
}

// checkPacing implements the min-interval check. ok is false when pacing
// allows the schedule through unchanged.
func (e *Engine) checkPacing(account Account, now time.Time) (Decision, bool) {
	if account.LastPostedAt == nil {
		return Decision{}, false
	}

	readyAt := account.LastPostedAt.Add(time.Duration(account.MinIntervalMinutes) * time.Minute)
	if !readyAt.After(now) {
		return Decision{}, false
	}

	return Decision{
		Outcome:       Rescheduled,
		RescheduledAt: readyAt,
		Reason:        fmt.Sprintf("Minimum posting interval not reached; next attempt at %s.", readyAt.Format(time.RFC3339)),
	}, true
}

// startOfDay returns midnight of t's calendar day in loc.
func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// startOfMonth returns midnight on the first of t's calendar month in loc.
func startOfMonth(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, loc)
}
