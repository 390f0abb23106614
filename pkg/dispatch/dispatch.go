// Package dispatch materializes Schedule rows from one piece of content and
// a set of target accounts: it selects accounts, assures per-account
// variants, and inserts idempotent, staggered schedules.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/socialpub/internal/telemetry"
	"github.com/wisbric/socialpub/pkg/similarity"
	"github.com/wisbric/socialpub/pkg/store"
)

// Selection modes.
const (
	ModeManual = "manual"
	ModeRule   = "rule"
)

const defaultMaxAttempts = 3

// Params describes one dispatch request: one content item fanned out to a
// set of accounts.
type Params struct {
	ContentID      uuid.UUID
	Mode           string // ModeManual or ModeRule; ModeRule is the default
	AccountIDs     []uuid.UUID
	ScheduleAt     time.Time // default now
	StaggerMinutes int       // [0,120]
	Priority       int       // [1,1000]
}

// Result summarizes the outcome of a dispatch run.
type Result struct {
	Created []store.Schedule
	Skipped int // duplicate idempotency-key conflicts, silently no-op'd
}

// Planner materializes schedules for dispatch requests.
type Planner struct {
	st *store.Store
}

// NewPlanner creates a Planner.
func NewPlanner(st *store.Store) *Planner {
	return &Planner{st: st}
}

// Dispatch selects target accounts, assures a variant for each, and inserts
// staggered, idempotent schedules — all within a single transaction that
// also records an activity log entry.
func (p *Planner) Dispatch(ctx context.Context, params Params) (Result, error) {
	content, err := p.st.GetContent(ctx, params.ContentID)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: loading content: %w", err)
	}

	accounts, err := p.selectAccounts(ctx, params, content)
	if err != nil {
		return Result{}, err
	}
	if len(accounts) == 0 {
		return Result{}, fmt.Errorf("dispatch: no target accounts matched selection mode %q", modeOrDefault(params.Mode))
	}

	scheduleAt := params.ScheduleAt
	if scheduleAt.IsZero() {
		scheduleAt = time.Now()
	}

	var result Result
	err = p.st.WithTx(ctx, func(tx pgx.Tx) error {
		for i, account := range accounts {
			variant, err := p.assureVariant(ctx, tx, content, account, i)
			if err != nil {
				return err
			}

			plannedAt := scheduleAt.Add(time.Duration(i) * time.Duration(params.StaggerMinutes) * time.Minute)
			idempotencyKey := fmt.Sprintf("%s:%s:%s", content.ID, account.ID, plannedAt.UTC().Format(time.RFC3339))

			sc, ok, err := p.st.InsertSchedule(ctx, tx, store.InsertScheduleParams{
				AccountID:        account.ID,
				ContentID:        content.ID,
				ContentVariantID: variant.ID,
				PlannedAt:        plannedAt,
				IdempotencyKey:   idempotencyKey,
				Priority:         params.Priority,
				MaxAttempts:      defaultMaxAttempts,
			})
			if err != nil {
				return err
			}
			if !ok {
				result.Skipped++
				continue
			}
			result.Created = append(result.Created, sc)
		}

		meta, _ := json.Marshal(map[string]any{
			"mode":            modeOrDefault(params.Mode),
			"stagger_minutes": params.StaggerMinutes,
			"priority":        params.Priority,
		})
		return p.st.InsertActivityLog(ctx, tx, store.InsertActivityLogParams{
			Level:     store.LevelInfo,
			Event:     "dispatch_planned",
			Message:   fmt.Sprintf("dispatched content %s to %d account(s)", content.ID, len(accounts)),
			Meta:      meta,
			AccountID: nil,
		})
	})
	if err != nil {
		return Result{}, err
	}

	telemetry.DispatchCreatedTotal.Add(float64(len(result.Created)))
	return result, nil
}

func modeOrDefault(mode string) string {
	if mode == "" {
		return ModeRule
	}
	return mode
}

// selectAccounts resolves the target account list for manual or rule mode.
func (p *Planner) selectAccounts(ctx context.Context, params Params, content store.Content) ([]store.Account, error) {
	if modeOrDefault(params.Mode) == ModeManual {
		ids := dedupeUUIDs(params.AccountIDs)
		if len(ids) == 0 {
			return nil, fmt.Errorf("dispatch: manual mode requires at least one account id")
		}
		return p.st.GetAccountsByIDs(ctx, ids)
	}

	withTags, err := p.st.ListAccountsWithTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: listing accounts: %w", err)
	}

	topic := normalizeMatch(derefString(content.Topic))
	language := normalizeMatch(derefString(content.Language))

	var out []store.Account
	for _, at := range withTags {
		if matchesRule(at, topic, language) {
			out = append(out, at.Account)
		}
	}
	return out, nil
}

func matchesRule(at store.AccountTags, topic, language string) bool {
	if topic != "" {
		for _, tag := range at.Tags {
			if tag == topic {
				return true
			}
		}
	}
	if language != "" && normalizeMatch(derefString(at.Account.Language)) == language {
		return true
	}
	return false
}

func normalizeMatch(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func dedupeUUIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// assureVariant returns the existing variant for (content, account) or
// generates and stores a new one.
func (p *Planner) assureVariant(ctx context.Context, tx pgx.Tx, content store.Content, account store.Account, index int) (store.ContentVariant, error) {
	existing, ok, err := p.st.GetVariantTx(ctx, tx, content.ID, account.ID)
	if err != nil {
		return store.ContentVariant{}, fmt.Errorf("dispatch: loading variant: %w", err)
	}
	if ok {
		return existing, nil
	}

	body := generateVariantBody(content, account, index)
	key := similarity.Fingerprint(body)

	variant, err := p.st.CreateVariantTx(ctx, tx, content.ID, account.ID, body, key)
	if err != nil {
		return store.ContentVariant{}, fmt.Errorf("dispatch: creating variant: %w", err)
	}
	return variant, nil
}
