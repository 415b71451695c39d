package expiration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
	"github.com/coursehub/entitlements/internal/domain/rules"
	"github.com/coursehub/entitlements/internal/infra/telemetry"
	pgrepo "github.com/coursehub/entitlements/internal/repo/postgres"
)

const (
	AutoExpiredReason  = "Auto-expired"
	defaultParallelism = 4
)

type PlanStore interface {
	ListExpiredActive(ctx context.Context, now time.Time) ([]string, error)
	Mutate(ctx context.Context, userID string, fn pgrepo.PlanMutator) (model.Plan, error)
}

// Report summarizes one reconciliation pass. Skipped counts plans that no
// longer qualified once locked, typically because an admin re-granted them.
type Report struct {
	Matched int
	Expired int
	Skipped int
	Failed  int
}

// Job moves plans whose expiry has passed to free/expired.
type Job struct {
	store       PlanStore
	parallelism int
	now         func() time.Time
	newID       func() string
	logger      *zap.Logger
	runs        metric.Int64Counter
}

func New(store PlanStore, parallelism int, logger *zap.Logger) *Job {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	runs, _ := telemetry.Meter("coursehub/entitlements/expiration").Int64Counter("entitlements.plans.expired",
		metric.WithDescription("Plans moved to expired by the reconciler"))

	return &Job{
		store:       store,
		parallelism: parallelism,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		logger:      logger,
		runs:        runs,
	}
}

// Run expires every plan that is still active past its expiry. A failure on
// one plan is counted and logged; only a failing query aborts the run.
func (j *Job) Run(ctx context.Context) (Report, error) {
	if j.store == nil {
		return Report{}, fmt.Errorf("plan store is nil")
	}

	now := j.now().UTC()
	userIDs, err := j.store.ListExpiredActive(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("list expired plans: %w", err)
	}

	report := Report{Matched: len(userIDs)}
	if len(userIDs) == 0 {
		j.logger.Info("plan expiration completed", zap.Int("matched", 0))
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.parallelism)
	for _, userID := range userIDs {
		g.Go(func() error {
			expired, err := j.expireOne(gctx, userID, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				j.logger.Warn("expire plan failed", zap.String("user_id", userID), zap.Error(err))
			case expired:
				report.Expired++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	if j.runs != nil && report.Expired > 0 {
		j.runs.Add(ctx, int64(report.Expired), metric.WithAttributes(attribute.String("job", "expiration")))
	}
	j.logger.Info("plan expiration completed",
		zap.Int("matched", report.Matched),
		zap.Int("expired", report.Expired),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (j *Job) expireOne(ctx context.Context, userID string, now time.Time) (bool, error) {
	actor := model.SystemActor()
	_, err := j.store.Mutate(ctx, userID, func(current model.Plan, found bool) (pgrepo.PlanChange, error) {
		if !found || !rules.IsExpired(current, now) {
			return pgrepo.PlanChange{}, pgrepo.ErrSkipMutation
		}

		next := current
		next.Tier = enums.PlanTierFree
		next.Status = enums.PlanStatusExpired
		next.UpdatedAt = now
		next.UpdatedBy = actor.UserID
		next.Reason = AutoExpiredReason

		payload, err := json.Marshal(map[string]any{
			"from_tier":  current.Tier,
			"expires_at": current.ExpiresAt,
		})
		if err != nil {
			return pgrepo.PlanChange{}, fmt.Errorf("marshal expiration payload: %w", err)
		}

		return pgrepo.PlanChange{
			Plan: next,
			History: &model.PlanHistoryEntry{
				ID:         j.newID(),
				UserID:     userID,
				FromTier:   current.Tier,
				ToTier:     next.Tier,
				FromStatus: current.Status,
				ToStatus:   next.Status,
				ActorID:    actor.UserID,
				ActorName:  actor.Name(),
				Source:     current.Source,
				Reason:     AutoExpiredReason,
				CreatedAt:  now,
			},
			Audit: model.Audit{
				ID:           j.newID(),
				ActorID:      actor.UserID,
				ActorName:    actor.Name(),
				Action:       enums.AuditActionPlanExpired,
				TargetUserID: userID,
				Payload:      payload,
				CreatedAt:    now,
			},
		}, nil
	})
	if err != nil {
		if errors.Is(err, pgrepo.ErrSkipMutation) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
