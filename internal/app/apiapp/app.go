package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coursehub/entitlements/internal/config"
	"github.com/coursehub/entitlements/internal/domain/model"
	pgrepo "github.com/coursehub/entitlements/internal/repo/postgres"
	redrepo "github.com/coursehub/entitlements/internal/repo/redis"
	authsvc "github.com/coursehub/entitlements/internal/services/auth"
	killswitchsvc "github.com/coursehub/entitlements/internal/services/killswitch"
	planssvc "github.com/coursehub/entitlements/internal/services/plans"
	quotasvc "github.com/coursehub/entitlements/internal/services/quota"
	ratesvc "github.com/coursehub/entitlements/internal/services/rate"
	usagesvc "github.com/coursehub/entitlements/internal/services/usage"
	"github.com/coursehub/entitlements/internal/transport/http/handlers"
	"github.com/coursehub/entitlements/migrations"
)

const memoryRateSweepEvery = time.Minute

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	postgres   *pgxpool.Pool
	redis      *goredis.Client
	usage      *usagesvc.Recorder
	memoryRate *ratesvc.MemoryStore
	httpRouter http.Handler
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)

	var pool *pgxpool.Pool
	if p, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN); err != nil {
		log.Warn("postgres init failed, continuing in degraded mode", zap.Error(err))
	} else {
		pool = p
		if err := pgrepo.Migrate(ctx, pool, migrations.FS, log); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	planRepo := pgrepo.NewPlanRepo(pool)
	auditRepo := pgrepo.NewAuditRepo(pool)
	killSwitchRepo := pgrepo.NewKillSwitchRepo(pool)
	usageRepo := pgrepo.NewUsageRepo(pool)

	ledger, err := newLedger(cfg, pool, redisClient)
	if err != nil {
		closeClients(pool, redisClient)
		return nil, err
	}
	rateStore, memoryRate, err := newRateStore(cfg, redisClient)
	if err != nil {
		closeClients(pool, redisClient)
		return nil, err
	}

	jwtManager := authsvc.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL)
	authService := authsvc.NewService(jwtManager, cfg.Auth.AdminRoles)

	killSwitchService := killswitchsvc.NewService(killSwitchRepo, authService, killSwitchDefaults(cfg.Entitlements.Defaults))
	planService := planssvc.NewService(planRepo, authService)

	usageRecorder := usagesvc.NewRecorder(usageRepo, usagesvc.Config{
		BufferSize: cfg.Usage.BufferSize,
	}, log.With(zap.String("worker", "usage")))
	usageRecorder.Start()

	rateLimiter := ratesvc.NewLimiter(rateStore, ratesvc.Config{
		Window: cfg.Rate.Window,
		Max:    cfg.Rate.Max,
	}, log)

	quotaService, err := quotasvc.NewService(quotasvc.Dependencies{
		Plans:        planRepo,
		KillSwitches: killSwitchService,
		Ledger:       ledger,
		RateLimiter:  rateLimiter,
		Usage:        usageRecorder,
	}, quotasvc.Config{
		Timezone:           cfg.Entitlements.Timezone,
		StoreTimeout:       cfg.Entitlements.StoreTimeout,
		CASMaxAttempts:     cfg.Entitlements.CASMaxAttempts,
		BreakerFailures:    cfg.Entitlements.Breaker.ConsecutiveFailures,
		BreakerOpenTimeout: cfg.Entitlements.Breaker.OpenTimeout,
	}, log)
	if err != nil {
		usageRecorder.Close()
		if memoryRate != nil {
			_ = memoryRate.Close()
		}
		closeClients(pool, redisClient)
		return nil, fmt.Errorf("create quota service: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	var pinger handlers.Pinger
	if pool != nil {
		pinger = pool
	}

	RegisterRoutes(r, Dependencies{
		AuthService:       authService,
		PlanService:       planService,
		KillSwitchService: killSwitchService,
		QuotaService:      quotaService,
		AuditReader:       auditRepo,
		Postgres:          pinger,
		Logger:            log,
	})

	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		postgres:   pool,
		redis:      redisClient,
		usage:      usageRecorder,
		memoryRate: memoryRate,
		httpRouter: r,
	}, nil
}

func newLedger(cfg config.Config, pool *pgxpool.Pool, redisClient *goredis.Client) (quotasvc.Ledger, error) {
	switch cfg.Entitlements.LedgerBackend {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis ledger backend requires redis.addr")
		}
		return redrepo.NewQuotaLedgerRepo(redisClient), nil
	default:
		return pgrepo.NewQuotaRepo(pool, cfg.Entitlements.Timezone), nil
	}
}

func newRateStore(cfg config.Config, redisClient *goredis.Client) (ratesvc.WindowStore, *ratesvc.MemoryStore, error) {
	switch cfg.Rate.Backend {
	case "redis":
		if redisClient == nil {
			return nil, nil, errors.New("redis rate backend requires redis.addr")
		}
		return redrepo.NewRateRepo(redisClient), nil, nil
	default:
		store := ratesvc.NewMemoryStore(memoryRateSweepEvery)
		return store, store, nil
	}
}

func killSwitchDefaults(d config.KillSwitchDefaults) model.KillSwitches {
	return model.KillSwitches{
		AIEnabled:           d.AIEnabled,
		PaidFeaturesEnabled: d.PaidFeaturesEnabled,
		MonetizationVisible: d.MonetizationVisible,
		AIQuotas: model.AIQuotas{
			Free:      d.AIQuotas.Free,
			Supporter: d.AIQuotas.Supporter,
			Pro:       d.AIQuotas.Pro,
		},
	}
}

func closeClients(pool *pgxpool.Pool, redisClient *goredis.Client) {
	if pool != nil {
		pool.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

func (a *App) Run() error {
	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	// Drain pending usage events before the pool goes away.
	a.usage.Close()
	if a.memoryRate != nil {
		_ = a.memoryRate.Close()
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}
