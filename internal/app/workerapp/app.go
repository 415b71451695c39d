package workerapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/coursehub/entitlements/internal/config"
	"github.com/coursehub/entitlements/internal/jobs/expiration"
	pgrepo "github.com/coursehub/entitlements/internal/repo/postgres"
	"github.com/coursehub/entitlements/migrations"
)

// App runs the daily plan expiration reconciler.
type App struct {
	logger    *zap.Logger
	postgres  *pgxpool.Pool
	job       *expiration.Job
	scheduler *expiration.Scheduler
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, errors.New("logger is nil")
	}

	pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pgrepo.Migrate(ctx, pool, migrations.FS, log); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	location, err := time.LoadLocation(cfg.Entitlements.Timezone)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("load reconciler timezone: %w", err)
	}
	hour, minute, err := config.ParseClock(cfg.Reconciler.RunAt)
	if err != nil {
		pool.Close()
		return nil, err
	}

	jobLog := log.With(zap.String("job", "plan_expiration"))
	job := expiration.New(pgrepo.NewPlanRepo(pool), cfg.Reconciler.Parallelism, jobLog)
	scheduler, err := expiration.NewScheduler(job, hour, minute, location, cfg.Reconciler.RunTimeout, jobLog)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &App{
		logger:    log,
		postgres:  pool,
		job:       job,
		scheduler: scheduler,
	}, nil
}

// Run blocks until ctx is cancelled. A cancelled context is a clean stop.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("plan expiration worker started")
	err := a.scheduler.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce performs a single reconciliation pass and returns its report.
func (a *App) RunOnce(ctx context.Context) (expiration.Report, error) {
	return a.job.Run(ctx)
}

func (a *App) Close() {
	if a.postgres != nil {
		a.postgres.Close()
	}
}
