package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coursehub/entitlements/internal/domain/model"
)

type UsageRepo struct {
	pool *pgxpool.Pool
}

func NewUsageRepo(pool *pgxpool.Pool) *UsageRepo {
	return &UsageRepo{pool: pool}
}

func (r *UsageRepo) InsertBatch(ctx context.Context, events []model.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	if r.pool == nil {
		return nil
	}

	const query = `
INSERT INTO ai_usage_events (
	user_id,
	action,
	tier_at_time,
	effective_quota,
	prompt_chars,
	allowed,
	reason,
	remaining,
	latency_ms,
	occurred_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

	batch := &pgx.Batch{}
	for _, event := range events {
		occurredAt := event.OccurredAt.UTC()
		if occurredAt.IsZero() {
			occurredAt = time.Now().UTC()
		}
		batch.Queue(query,
			event.UserID,
			string(event.Action),
			string(event.TierAtTime),
			event.EffectiveQuota,
			event.PromptChars,
			event.Allowed,
			string(event.Reason),
			event.Remaining,
			float64(event.Latency)/float64(time.Millisecond),
			occurredAt,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < len(events); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert usage event batch item #%d: %w", i, err)
		}
	}

	return nil
}
