package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/socialpub/internal/activitylog"
	"github.com/wisbric/socialpub/internal/adminapi"
	"github.com/wisbric/socialpub/internal/config"
	"github.com/wisbric/socialpub/internal/cronapi"
	"github.com/wisbric/socialpub/internal/httpserver"
	"github.com/wisbric/socialpub/internal/platform"
	"github.com/wisbric/socialpub/internal/seed"
	"github.com/wisbric/socialpub/internal/telemetry"
	"github.com/wisbric/socialpub/pkg/credential"
	"github.com/wisbric/socialpub/pkg/platformclient"
	"github.com/wisbric/socialpub/pkg/publisher"
	"github.com/wisbric/socialpub/pkg/risk"
	"github.com/wisbric/socialpub/pkg/store"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api, worker, or seed).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting socialpub",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	sealer, err := newSealer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating credential sealer: %w", err)
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, sealer)
	case "worker":
		return runWorker(ctx, cfg, logger, db, sealer)
	case "seed":
		return seed.Run(ctx, db, sealer, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// newSealer builds the credential Sealer from TOKEN_ENCRYPTION_KEY, falling
// back to a randomly generated dev key (with a logged warning; the key is not
// logged and is never usable across restarts) when it is unset.
func newSealer(cfg *config.Config, logger *slog.Logger) (*credential.Sealer, error) {
	secret := cfg.TokenEncryptionKey
	if secret == "" {
		secret = credential.GenerateDevKey()
		logger.Warn("credential: TOKEN_ENCRYPTION_KEY not set, using an auto-generated dev key (do not use in production)")
	}
	return credential.NewSealer(secret, logger)
}

func quotaLocation(cfg *config.Config, logger *slog.Logger) *time.Location {
	if cfg.QuotaTimezone == "" || cfg.QuotaTimezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(cfg.QuotaTimezone)
	if err != nil {
		logger.Warn("risk: invalid QUOTA_TIMEZONE, falling back to Local", "timezone", cfg.QuotaTimezone, "error", err)
		return time.Local
	}
	return loc
}

func newCycle(cfg *config.Config, logger *slog.Logger, st *store.Store, sealer *credential.Sealer, activityWriter *activitylog.Writer) *publisher.Cycle {
	platformClient := platformclient.New(platformclient.Config{
		ClientID:     cfg.AuthTwitterID,
		ClientSecret: cfg.AuthTwitterSecret,
		Mock:         cfg.MockXAPI,
	})
	engine := risk.NewEngine(st, quotaLocation(cfg, logger))

	return publisher.New(st, sealer, platformClient, engine, activityWriter, logger)
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, sealer *credential.Sealer) error {
	st := store.NewStore(db)

	activityWriter := activitylog.NewWriter(st, logger)
	activityWriter.Start(ctx)
	defer activityWriter.Close()

	cycle := newCycle(cfg, logger, st, sealer, activityWriter)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	cronHandler := cronapi.NewHandler(cycle, logger)
	srv.Router.Route("/cron", func(r chi.Router) {
		r.Use(httpserver.RequireCronSecret(cfg.CronSecret))
		r.Mount("/", cronHandler.Routes())
	})

	adminHandler := adminapi.NewHandler(st, logger)
	srv.Router.Mount("/accounts", adminHandler.AccountsRoutes())
	srv.Router.Mount("/schedules", adminHandler.SchedulesRoutes())

	activityHandler := activitylog.NewHandler(st, logger)
	srv.Router.Mount("/activity-log", activityHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, sealer *credential.Sealer) error {
	interval, err := time.ParseDuration(cfg.CycleInterval)
	if err != nil {
		return fmt.Errorf("parsing cycle interval %q: %w", cfg.CycleInterval, err)
	}

	st := store.NewStore(db)

	activityWriter := activitylog.NewWriter(st, logger)
	activityWriter.Start(ctx)
	defer activityWriter.Close()

	cycle := newCycle(cfg, logger, st, sealer, activityWriter)

	logger.Info("worker started", "cycle_interval", interval, "cycle_limit", cfg.CycleLimit)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runOnce := func() {
		summary, err := cycle.RunCycle(ctx, cfg.CycleLimit)
		if err != nil {
			logger.Error("publisher cycle failed", "error", err)
			return
		}
		logger.Info("publisher cycle complete",
			"scanned", summary.Scanned,
			"attempted", summary.Attempted,
			"posted", summary.Posted,
			"failed", summary.Failed,
			"blocked", summary.Blocked,
			"rescheduled", summary.Rescheduled,
		)
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return nil
		case <-ticker.C:
			runOnce()
		}
	}
}
