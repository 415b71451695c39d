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

// QuotaRepo stores the AI usage ledger in ai_usage_daily. Every write is a
// compare-and-set on the row version.
type QuotaRepo struct {
	pool     *pgxpool.Pool
	timezone string
}

func NewQuotaRepo(pool *pgxpool.Pool, timezone string) *QuotaRepo {
	if strings.TrimSpace(timezone) == "" {
		timezone = "UTC"
	}
	return &QuotaRepo{pool: pool, timezone: timezone}
}

func (r *QuotaRepo) Get(ctx context.Context, userID, dayKey string) (model.QuotaEntry, bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(dayKey) == "" {
		return model.QuotaEntry{}, false, fmt.Errorf("invalid quota lookup payload")
	}
	if r.pool == nil {
		return model.QuotaEntry{}, false, errors.New("postgres pool is nil")
	}

	entry, err := scanQuotaEntry(r.pool.QueryRow(ctx, `
SELECT user_id, to_char(day_key, 'YYYY-MM-DD'), used, limit_snapshot, tier_at_time, updated_at, version
FROM ai_usage_daily
WHERE user_id = $1 AND day_key = $2::date
`, userID, dayKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QuotaEntry{}, false, nil
		}
		return model.QuotaEntry{}, false, fmt.Errorf("get ai usage entry: %w", err)
	}
	return entry, true, nil
}

// TryConsume makes one attempt to reserve a unit. It returns consumed=false
// with a nil error when the stored limit is already reached, and
// model.ErrQuotaConflict when another writer won the race.
func (r *QuotaRepo) TryConsume(ctx context.Context, userID, dayKey string, limit int, tier enums.PlanTier) (model.QuotaEntry, bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(dayKey) == "" || limit <= 0 {
		return model.QuotaEntry{}, false, fmt.Errorf("invalid quota consume payload")
	}

	current, found, err := r.Get(ctx, userID, dayKey)
	if err != nil {
		return model.QuotaEntry{}, false, err
	}

	now := time.Now().UTC()
	if !found {
		entry, err := scanQuotaEntry(r.pool.QueryRow(ctx, `
INSERT INTO ai_usage_daily (
	user_id,
	day_key,
	tz_name,
	used,
	limit_snapshot,
	tier_at_time,
	version,
	updated_at
) VALUES ($1, $2::date, $3, 1, $4, $5, 1, $6)
ON CONFLICT (user_id, day_key) DO NOTHING
RETURNING user_id, to_char(day_key, 'YYYY-MM-DD'), used, limit_snapshot, tier_at_time, updated_at, version
`, userID, dayKey, r.timezone, limit, string(tier), now))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.QuotaEntry{}, false, model.ErrQuotaConflict
			}
			return model.QuotaEntry{}, false, fmt.Errorf("create ai usage entry: %w", err)
		}
		return entry, true, nil
	}

	if current.Count >= current.Limit {
		return current, false, nil
	}

	entry, err := scanQuotaEntry(r.pool.QueryRow(ctx, `
UPDATE ai_usage_daily
SET
	used = used + 1,
	version = version + 1,
	updated_at = $4
WHERE user_id = $1
	AND day_key = $2::date
	AND version = $3
RETURNING user_id, to_char(day_key, 'YYYY-MM-DD'), used, limit_snapshot, tier_at_time, updated_at, version
`, userID, dayKey, current.Version, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QuotaEntry{}, false, model.ErrQuotaConflict
		}
		return model.QuotaEntry{}, false, fmt.Errorf("increment ai usage entry: %w", err)
	}
	return entry, true, nil
}

func scanQuotaEntry(row pgx.Row) (model.QuotaEntry, error) {
	var (
		entry model.QuotaEntry
		tier  string
	)
	if err := row.Scan(
		&entry.UserID,
		&entry.DayKey,
		&entry.Count,
		&entry.Limit,
		&tier,
		&entry.UpdatedAt,
		&entry.Version,
	); err != nil {
		return model.QuotaEntry{}, err
	}
	entry.TierAtTime = enums.PlanTier(tier)
	return entry, nil
}
