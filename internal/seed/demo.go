// Package seed provisions demo data for local development, meant to be run
// against MOCK_X_API=1 so the publisher cycle has something to drain
// without reaching the real Platform.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/socialpub/pkg/credential"
	"github.com/wisbric/socialpub/pkg/dispatch"
	"github.com/wisbric/socialpub/pkg/store"
)

// Run provisions a handful of demo accounts, tags, and content, then
// dispatches each content item to its matching accounts so the worker has
// due schedules to process right away.
func Run(ctx context.Context, pool *pgxpool.Pool, sealer *credential.Sealer, logger *slog.Logger) error {
	st := store.NewStore(pool)
	planner := dispatch.NewPlanner(st)

	sealedAccess, err := sealer.Seal("demo-access-token")
	if err != nil {
		return fmt.Errorf("seed: sealing demo access token: %w", err)
	}

	type accountSpec struct {
		xUserID, username, displayName, language, purpose string
		tags                                               []string
	}
	specs := []accountSpec{
		{"1001", "gopher_daily", "Gopher Daily", "en", "engineering updates", []string{"golang", "infra"}},
		{"1002", "rustacean_hq", "Rustacean HQ", "en", "engineering updates", []string{"rust", "infra"}},
		{"1003", "shipin_zh", "上线日报", "zh-CN", "release notes", []string{"golang"}},
	}

	accounts := make([]store.Account, 0, len(specs))
	for _, s := range specs {
		account, err := st.CreateAccount(ctx, store.CreateAccountParams{
			XUserID:            s.xUserID,
			Username:           s.username,
			DisplayName:        s.displayName,
			Language:           &s.language,
			Purpose:            &s.purpose,
			AccessTokenEnc:     sealedAccess,
			MinIntervalMinutes: 15,
			DailyPostLimit:     10,
			MonthlyPostLimit:   200,
		})
		if err != nil {
			return fmt.Errorf("seed: creating account %s: %w", s.username, err)
		}
		for _, tag := range s.tags {
			if err := st.TagAccount(ctx, account.ID, tag); err != nil {
				return fmt.Errorf("seed: tagging account %s: %w", s.username, err)
			}
		}
		accounts = append(accounts, account)
	}
	logger.Info("seed: created demo accounts", "count", len(accounts))

	golang := "golang"
	english := "en"
	content, err := st.CreateContent(ctx, store.CreateContentParams{
		Title:    "v2.4 release notes",
		Body:     "We shipped v2.4 today: faster cold starts, a smaller binary, and a fixed race in the scheduler.",
		Topic:    &golang,
		Language: &english,
		Status:   store.ContentApproved,
	})
	if err != nil {
		return fmt.Errorf("seed: creating content: %w", err)
	}

	result, err := planner.Dispatch(ctx, dispatch.Params{
		ContentID:      content.ID,
		Mode:           dispatch.ModeRule,
		ScheduleAt:     time.Now().Add(-time.Minute),
		StaggerMinutes: 0,
		Priority:       100,
	})
	if err != nil {
		return fmt.Errorf("seed: dispatching demo content: %w", err)
	}
	logger.Info("seed: dispatched demo content", "created", len(result.Created), "skipped", result.Skipped)

	return nil
}
