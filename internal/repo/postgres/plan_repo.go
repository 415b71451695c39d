package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
)

// ErrSkipMutation is returned by a PlanMutator to abort a mutation without
// writing anything. Mutate passes it through unchanged.
var ErrSkipMutation = errors.New("plan mutation skipped")

// PlanChange is everything a single plan mutation writes atomically.
// History is nil for changes that do not move tier or status.
type PlanChange struct {
	Plan    model.Plan
	History *model.PlanHistoryEntry
	Audit   model.Audit
}

// PlanMutator derives the change from the locked current record. found is
// false when the user has no plan yet; current is then the default plan.
type PlanMutator func(current model.Plan, found bool) (PlanChange, error)

type PlanRepo struct {
	pool *pgxpool.Pool
}

func NewPlanRepo(pool *pgxpool.Pool) *PlanRepo {
	return &PlanRepo{pool: pool}
}

const selectPlanColumns = `
SELECT
	user_id,
	tier,
	status,
	expires_at,
	source,
	started_at,
	updated_at,
	updated_by,
	reason,
	ai_banned,
	bonus_tokens,
	quota_override
FROM plans
`

func (r *PlanRepo) GetPlan(ctx context.Context, userID string) (model.Plan, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return model.Plan{}, false, fmt.Errorf("invalid user id")
	}
	if r.pool == nil {
		return model.Plan{}, false, errors.New("postgres pool is nil")
	}

	plan, err := scanPlan(r.pool.QueryRow(ctx, selectPlanColumns+`WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DefaultPlan(userID), false, nil
		}
		return model.Plan{}, false, fmt.Errorf("get plan: %w", err)
	}
	return plan, true, nil
}

// Mutate locks the user's plan row, lets fn compute the change and writes the
// plan, the profile summary, the history entry and the audit entry in one
// transaction.
func (r *PlanRepo) Mutate(ctx context.Context, userID string, fn PlanMutator) (model.Plan, error) {
	if strings.TrimSpace(userID) == "" {
		return model.Plan{}, fmt.Errorf("invalid user id")
	}
	if fn == nil {
		return model.Plan{}, fmt.Errorf("plan mutator is required")
	}

	var stored model.Plan
	err := WithTx(ctx, r.pool, func(txCtx context.Context, tx pgx.Tx) error {
		current, err := scanPlan(tx.QueryRow(txCtx, selectPlanColumns+`WHERE user_id = $1 FOR UPDATE`, userID))
		found := true
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("lock plan: %w", err)
			}
			current = model.DefaultPlan(userID)
			found = false
		}

		change, err := fn(current, found)
		if err != nil {
			return err
		}
		change.Plan.UserID = userID

		batch := &pgx.Batch{}
		queueUpsertPlan(batch, change.Plan)
		queueUpsertProfileSummary(batch, change.Plan.UserID, change.Plan.Summary())
		if change.History != nil {
			queueInsertHistory(batch, *change.History)
		}
		queueInsertAudit(batch, change.Audit)

		results := tx.SendBatch(txCtx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("write plan change item #%d: %w", i, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("close plan change batch: %w", err)
		}

		stored = change.Plan
		return nil
	})
	if err != nil {
		return model.Plan{}, err
	}
	return stored, nil
}

func (r *PlanRepo) ListHistory(ctx context.Context, userID string, limit int) ([]model.PlanHistoryEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("invalid user id")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if r.pool == nil {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
SELECT
	id::text,
	user_id,
	from_tier,
	to_tier,
	from_status,
	to_status,
	actor_id,
	actor_name,
	source,
	reason,
	created_at
FROM plan_history
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list plan history: %w", err)
	}
	defer rows.Close()

	entries := make([]model.PlanHistoryEntry, 0, limit)
	for rows.Next() {
		var (
			entry                                  model.PlanHistoryEntry
			fromTier, toTier, fromStatus, toStatus string
			source                                 string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&fromTier,
			&toTier,
			&fromStatus,
			&toStatus,
			&entry.ActorID,
			&entry.ActorName,
			&source,
			&entry.Reason,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan plan history: %w", err)
		}
		entry.FromTier = enums.PlanTier(fromTier)
		entry.ToTier = enums.PlanTier(toTier)
		entry.FromStatus = enums.PlanStatus(fromStatus)
		entry.ToStatus = enums.PlanStatus(toStatus)
		entry.Source = enums.PlanSource(source)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan history: %w", err)
	}

	return entries, nil
}

// ListExpiredActive returns ids of plans still marked active whose expiry is
// before now.
func (r *PlanRepo) ListExpiredActive(ctx context.Context, now time.Time) ([]string, error) {
	if r.pool == nil {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
SELECT user_id
FROM plans
WHERE status = 'active'
	AND expires_at IS NOT NULL
	AND expires_at < $1
ORDER BY expires_at ASC
`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query expired active plans: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired plan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired plans: %w", err)
	}

	return ids, nil
}

func scanPlan(row pgx.Row) (model.Plan, error) {
	var (
		plan                 model.Plan
		tier, status, source string
	)
	if err := row.Scan(
		&plan.UserID,
		&tier,
		&status,
		&plan.ExpiresAt,
		&source,
		&plan.StartedAt,
		&plan.UpdatedAt,
		&plan.UpdatedBy,
		&plan.Reason,
		&plan.AIBanned,
		&plan.BonusTokens,
		&plan.QuotaOverride,
	); err != nil {
		return model.Plan{}, err
	}
	plan.Tier = enums.PlanTier(tier)
	plan.Status = enums.PlanStatus(status)
	plan.Source = enums.PlanSource(source)
	return plan, nil
}

func queueUpsertPlan(batch *pgx.Batch, plan model.Plan) {
	batch.Queue(`
INSERT INTO plans (
	user_id,
	tier,
	status,
	expires_at,
	source,
	started_at,
	updated_at,
	updated_by,
	reason,
	ai_banned,
	bonus_tokens,
	quota_override
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (user_id) DO UPDATE SET
	tier = EXCLUDED.tier,
	status = EXCLUDED.status,
	expires_at = EXCLUDED.expires_at,
	source = EXCLUDED.source,
	started_at = EXCLUDED.started_at,
	updated_at = EXCLUDED.updated_at,
	updated_by = EXCLUDED.updated_by,
	reason = EXCLUDED.reason,
	ai_banned = EXCLUDED.ai_banned,
	bonus_tokens = EXCLUDED.bonus_tokens,
	quota_override = EXCLUDED.quota_override
`,
		plan.UserID,
		string(plan.Tier),
		string(plan.Status),
		utcPtr(plan.ExpiresAt),
		string(plan.Source),
		plan.StartedAt.UTC(),
		plan.UpdatedAt.UTC(),
		plan.UpdatedBy,
		plan.Reason,
		plan.AIBanned,
		plan.BonusTokens,
		plan.QuotaOverride,
	)
}

func queueUpsertProfileSummary(batch *pgx.Batch, userID string, summary model.PlanSummary) {
	batch.Queue(`
INSERT INTO user_profiles (
	user_id,
	plan_tier,
	plan_status,
	plan_expires_at,
	plan_updated_at
) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE SET
	plan_tier = EXCLUDED.plan_tier,
	plan_status = EXCLUDED.plan_status,
	plan_expires_at = EXCLUDED.plan_expires_at,
	plan_updated_at = EXCLUDED.plan_updated_at
`, userID, string(summary.Tier), string(summary.Status), utcPtr(summary.ExpiresAt), summary.UpdatedAt.UTC())
}

func queueInsertHistory(batch *pgx.Batch, entry model.PlanHistoryEntry) {
	batch.Queue(`
INSERT INTO plan_history (
	id,
	user_id,
	from_tier,
	to_tier,
	from_status,
	to_status,
	actor_id,
	actor_name,
	source,
	reason,
	created_at
) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`,
		entry.ID,
		entry.UserID,
		string(entry.FromTier),
		string(entry.ToTier),
		string(entry.FromStatus),
		string(entry.ToStatus),
		entry.ActorID,
		entry.ActorName,
		string(entry.Source),
		entry.Reason,
		entry.CreatedAt.UTC(),
	)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
