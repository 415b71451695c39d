package quota

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
	"github.com/coursehub/entitlements/internal/domain/rules"
	"github.com/coursehub/entitlements/internal/infra/telemetry"
)

const (
	defaultStoreTimeout   = 3 * time.Second
	defaultCASMaxAttempts = 25
	defaultBaseBackoff    = 2 * time.Millisecond
	defaultMaxBackoff     = 50 * time.Millisecond
)

var (
	ErrValidation = errors.New("validation error")
	// ErrStoreUnavailable means a backing store failed or timed out. The
	// request was not allowed and may be retried.
	ErrStoreUnavailable = errors.New("entitlement store unavailable")
	// ErrContention means the ledger entry kept changing underneath every
	// attempt. Nothing was consumed; the request may be retried.
	ErrContention = errors.New("quota ledger contention")

	errStoreTimeout = errors.New("entitlement store timeout")
	errCallerGone   = errors.New("caller went away")
)

type PlanReader interface {
	GetPlan(ctx context.Context, userID string) (model.Plan, bool, error)
}

type KillSwitchReader interface {
	Get(ctx context.Context) (model.KillSwitches, error)
}

type Ledger interface {
	Get(ctx context.Context, userID, dayKey string) (model.QuotaEntry, bool, error)
	TryConsume(ctx context.Context, userID, dayKey string, limit int, tier enums.PlanTier) (model.QuotaEntry, bool, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, userID string) (int64, bool, error)
}

type UsageRecorder interface {
	Record(event model.UsageEvent)
}

type Config struct {
	Timezone           string
	StoreTimeout       time.Duration
	CASMaxAttempts     int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

type Dependencies struct {
	Plans        PlanReader
	KillSwitches KillSwitchReader
	Ledger       Ledger
	RateLimiter  RateLimiter
	Usage        UsageRecorder
}

type ConsumeRequest struct {
	UserID      string
	Action      enums.UsageAction
	PromptChars int
}

type Decision struct {
	Allow         bool
	Remaining     int
	Reason        enums.DenyReason
	Tier          enums.PlanTier
	Limit         int
	ResetAt       time.Time
	RetryAfterSec int64
}

type Status struct {
	Plan          model.Plan
	EffectiveTier enums.PlanTier
	DayKey        string
	Limit         int
	Used          int
	Remaining     int
	ResetAt       time.Time
	// Blocked is the reason the next request would be denied before
	// reaching the ledger, if any.
	Blocked enums.DenyReason
}

type Service struct {
	plans        PlanReader
	killSwitches KillSwitchReader
	ledger       Ledger
	rateLimiter  RateLimiter
	usage        UsageRecorder
	cfg          Config
	location     *time.Location
	breaker      *gobreaker.CircuitBreaker[struct{}]
	logger       *zap.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error

	tracer    trace.Tracer
	decisions metric.Int64Counter
	conflicts metric.Int64Counter
	duration  metric.Float64Histogram
}

func NewService(deps Dependencies, cfg Config, logger *zap.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load quota timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.CASMaxAttempts <= 0 {
		cfg.CASMaxAttempts = defaultCASMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "entitlement-store",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, model.ErrQuotaConflict) || errors.Is(err, errCallerGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	meter := telemetry.Meter("coursehub/entitlements/quota")
	decisions, _ := meter.Int64Counter("entitlements.ai.decisions",
		metric.WithDescription("AI entitlement decisions by outcome"))
	conflicts, _ := meter.Int64Counter("entitlements.ai.ledger_conflicts",
		metric.WithDescription("Quota ledger compare-and-set conflicts"))
	duration, _ := meter.Float64Histogram("entitlements.ai.decision.duration",
		metric.WithDescription("Decision latency"),
		metric.WithUnit("ms"))

	return &Service{
		plans:        deps.Plans,
		killSwitches: deps.KillSwitches,
		ledger:       deps.Ledger,
		rateLimiter:  deps.RateLimiter,
		usage:        deps.Usage,
		cfg:          cfg,
		location:     loc,
		breaker:      breaker,
		logger:       logger,
		now:          time.Now,
		sleep:        sleepContext,
		tracer:       telemetry.Tracer("coursehub/entitlements/quota"),
		decisions:    decisions,
		conflicts:    conflicts,
		duration:     duration,
	}, nil
}

// CheckAndConsume decides whether userID may make one more AI request and,
// if so, reserves one unit of today's quota. A store failure never yields an
// allow.
func (s *Service) CheckAndConsume(ctx context.Context, req ConsumeRequest) (Decision, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return Decision{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if req.PromptChars < 0 {
		return Decision{}, fmt.Errorf("%w: prompt size must be >= 0", ErrValidation)
	}
	if req.Action == "" {
		req.Action = enums.UsageActionAIRequest
	}
	if s.plans == nil || s.killSwitches == nil || s.ledger == nil {
		return Decision{}, fmt.Errorf("%w: quota service is not configured", ErrStoreUnavailable)
	}

	ctx, span := s.tracer.Start(ctx, "quota.CheckAndConsume",
		trace.WithAttributes(attribute.String("user.id", req.UserID)))
	defer span.End()

	ctx, cancel := context.WithTimeoutCause(ctx, s.cfg.StoreTimeout, errStoreTimeout)
	defer cancel()

	started := s.now()
	decision, quota, err := s.decide(ctx, req, started)
	latency := s.now().Sub(started)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("ai entitlement decision failed", zap.String("user_id", req.UserID), zap.Error(err))
		return Decision{}, err
	}

	outcome := "allow"
	if !decision.Allow {
		outcome = string(decision.Reason)
		s.logger.Debug("ai request denied",
			zap.String("user_id", req.UserID),
			zap.String("reason", string(decision.Reason)),
		)
	}
	span.SetAttributes(attribute.String("decision.outcome", outcome))
	if s.decisions != nil {
		s.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if s.duration != nil {
		s.duration.Record(ctx, float64(latency)/float64(time.Millisecond))
	}

	if s.usage != nil {
		s.usage.Record(model.UsageEvent{
			UserID:         req.UserID,
			Action:         req.Action,
			TierAtTime:     decision.Tier,
			EffectiveQuota: quota,
			PromptChars:    req.PromptChars,
			Allowed:        decision.Allow,
			Reason:         decision.Reason,
			Remaining:      decision.Remaining,
			Latency:        latency,
			OccurredAt:     started.UTC(),
		})
	}

	return decision, nil
}

func (s *Service) decide(ctx context.Context, req ConsumeRequest, now time.Time) (Decision, int, error) {
	ks, err := s.loadKillSwitches(ctx)
	if err != nil {
		return Decision{}, 0, err
	}

	decision := Decision{ResetAt: rules.NextResetAt(now, s.location)}
	if reason, blocked := killSwitchReason(ks); blocked {
		decision.Reason = reason
		return decision, 0, nil
	}

	plan, err := s.loadPlan(ctx, req.UserID)
	if err != nil {
		return Decision{}, 0, err
	}

	tier := rules.EffectiveTier(plan, now)
	decision.Tier = tier
	if plan.AIBanned {
		decision.Reason = enums.DenyReasonAIBanned
		return decision, 0, nil
	}

	quota := rules.EffectiveQuota(plan, tier, ks.AIQuotas)
	decision.Limit = max(quota, 0)
	if quota <= 0 {
		decision.Reason = enums.DenyReasonNoAIAccess
		return decision, quota, nil
	}

	if s.rateLimiter != nil {
		retryAfter, allowed, err := s.rateLimiter.Allow(ctx, req.UserID)
		if err == nil && !allowed {
			decision.Reason = enums.DenyReasonRateLimited
			decision.RetryAfterSec = retryAfter
			return decision, quota, nil
		}
	}

	entry, consumed, err := s.consume(ctx, req.UserID, rules.DayKey(now, s.location), quota, tier)
	if err != nil {
		return Decision{}, quota, err
	}
	decision.Limit = entry.Limit
	if !consumed {
		decision.Reason = enums.DenyReasonQuotaExceeded
		decision.Remaining = 0
		return decision, quota, nil
	}

	decision.Allow = true
	decision.Remaining = entry.Remaining()
	return decision, quota, nil
}

func (s *Service) consume(ctx context.Context, userID, dayKey string, limit int, tier enums.PlanTier) (model.QuotaEntry, bool, error) {
	for attempt := 0; attempt < s.cfg.CASMaxAttempts; attempt++ {
		var (
			entry    model.QuotaEntry
			consumed bool
		)
		err := s.guard(ctx, "consume quota", func(ctx context.Context) error {
			var err error
			entry, consumed, err = s.ledger.TryConsume(ctx, userID, dayKey, limit, tier)
			return err
		})
		if err == nil {
			return entry, consumed, nil
		}
		if !errors.Is(err, model.ErrQuotaConflict) {
			return model.QuotaEntry{}, false, err
		}

		if s.conflicts != nil {
			s.conflicts.Add(ctx, 1)
		}
		if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
			return model.QuotaEntry{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return model.QuotaEntry{}, false, ErrContention
}

// Status reports today's usage without consuming anything.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Status{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if s.plans == nil || s.killSwitches == nil || s.ledger == nil {
		return Status{}, fmt.Errorf("%w: quota service is not configured", ErrStoreUnavailable)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, s.cfg.StoreTimeout, errStoreTimeout)
	defer cancel()

	now := s.now()
	ks, plan, err := s.loadState(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	tier := rules.EffectiveTier(plan, now)
	quota := max(rules.EffectiveQuota(plan, tier, ks.AIQuotas), 0)
	status := Status{
		Plan:          plan,
		EffectiveTier: tier,
		DayKey:        rules.DayKey(now, s.location),
		Limit:         quota,
		Remaining:     quota,
		ResetAt:       rules.NextResetAt(now, s.location),
	}

	var (
		entry model.QuotaEntry
		found bool
	)
	if err := s.guard(ctx, "get quota", func(ctx context.Context) error {
		var err error
		entry, found, err = s.ledger.Get(ctx, userID, status.DayKey)
		return err
	}); err != nil {
		return Status{}, err
	}
	if found {
		status.Limit = entry.Limit
		status.Used = entry.Count
		status.Remaining = entry.Remaining()
	}

	switch reason, blocked := killSwitchReason(ks); {
	case blocked:
		status.Blocked = reason
	case plan.AIBanned:
		status.Blocked = enums.DenyReasonAIBanned
	case quota <= 0:
		status.Blocked = enums.DenyReasonNoAIAccess
	case found && entry.Remaining() == 0:
		status.Blocked = enums.DenyReasonQuotaExceeded
	}

	return status, nil
}

func (s *Service) loadState(ctx context.Context, userID string) (model.KillSwitches, model.Plan, error) {
	ks, err := s.loadKillSwitches(ctx)
	if err != nil {
		return model.KillSwitches{}, model.Plan{}, err
	}
	plan, err := s.loadPlan(ctx, userID)
	if err != nil {
		return model.KillSwitches{}, model.Plan{}, err
	}
	return ks, plan, nil
}

func (s *Service) loadKillSwitches(ctx context.Context) (model.KillSwitches, error) {
	var ks model.KillSwitches
	err := s.guard(ctx, "get kill switches", func(ctx context.Context) error {
		var err error
		ks, err = s.killSwitches.Get(ctx)
		return err
	})
	return ks, err
}

func (s *Service) loadPlan(ctx context.Context, userID string) (model.Plan, error) {
	var plan model.Plan
	err := s.guard(ctx, "get plan", func(ctx context.Context) error {
		var err error
		plan, _, err = s.plans.GetPlan(ctx, userID)
		return err
	})
	return plan, err
}

// guard runs a store call through the breaker. Every failure except a ledger
// conflict is reported as ErrStoreUnavailable. Failures caused by the caller
// cancelling or by the caller's own deadline do not count against the breaker.
func (s *Service) guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && callerGone(ctx) {
			return struct{}{}, fmt.Errorf("%w: %w", errCallerGone, err)
		}
		return struct{}{}, err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrQuotaConflict) {
		return err
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func (s *Service) backoff(attempt int) time.Duration {
	ceiling := s.cfg.BaseBackoff << min(attempt, 16)
	if ceiling <= 0 || ceiling > s.cfg.MaxBackoff {
		ceiling = s.cfg.MaxBackoff
	}
	return s.cfg.BaseBackoff/2 + rand.N(ceiling)
}

// callerGone reports whether ctx ended for a reason other than the store
// timeout set by this service.
func callerGone(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	return !errors.Is(context.Cause(ctx), errStoreTimeout)
}

func killSwitchReason(ks model.KillSwitches) (enums.DenyReason, bool) {
	if !ks.AIEnabled {
		return enums.DenyReasonAIDisabled, true
	}
	if !ks.PaidFeaturesEnabled {
		return enums.DenyReasonPaidFeaturesDisabled, true
	}
	return "", false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
