package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coursehub/entitlements/internal/domain/model"
)

const globalKillSwitchID = "global"

type KillSwitchRepo struct {
	pool *pgxpool.Pool
}

func NewKillSwitchRepo(pool *pgxpool.Pool) *KillSwitchRepo {
	return &KillSwitchRepo{pool: pool}
}

// Get returns the stored record. found is false when no admin has saved one.
func (r *KillSwitchRepo) Get(ctx context.Context) (model.KillSwitches, bool, error) {
	if r.pool == nil {
		return model.KillSwitches{}, false, errors.New("postgres pool is nil")
	}

	var ks model.KillSwitches
	err := r.pool.QueryRow(ctx, `
SELECT
	ai_enabled,
	paid_features_enabled,
	monetization_visible,
	quota_free,
	quota_supporter,
	quota_pro,
	version,
	updated_at,
	updated_by
FROM kill_switches
WHERE id = $1
`, globalKillSwitchID).Scan(
		&ks.AIEnabled,
		&ks.PaidFeaturesEnabled,
		&ks.MonetizationVisible,
		&ks.AIQuotas.Free,
		&ks.AIQuotas.Supporter,
		&ks.AIQuotas.Pro,
		&ks.Version,
		&ks.UpdatedAt,
		&ks.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KillSwitches{}, false, nil
		}
		return model.KillSwitches{}, false, fmt.Errorf("get kill switches: %w", err)
	}

	return ks, true, nil
}

// Save replaces the whole record, bumps its version and records the audit
// entry in the same transaction.
func (r *KillSwitchRepo) Save(ctx context.Context, ks model.KillSwitches, audit model.Audit) (model.KillSwitches, error) {
	err := WithTx(ctx, r.pool, func(txCtx context.Context, tx pgx.Tx) error {
		if err := tx.QueryRow(txCtx, `
INSERT INTO kill_switches (
	id,
	ai_enabled,
	paid_features_enabled,
	monetization_visible,
	quota_free,
	quota_supporter,
	quota_pro,
	version,
	updated_at,
	updated_by
) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	ai_enabled = EXCLUDED.ai_enabled,
	paid_features_enabled = EXCLUDED.paid_features_enabled,
	monetization_visible = EXCLUDED.monetization_visible,
	quota_free = EXCLUDED.quota_free,
	quota_supporter = EXCLUDED.quota_supporter,
	quota_pro = EXCLUDED.quota_pro,
	version = kill_switches.version + 1,
	updated_at = EXCLUDED.updated_at,
	updated_by = EXCLUDED.updated_by
RETURNING version
`,
			globalKillSwitchID,
			ks.AIEnabled,
			ks.PaidFeaturesEnabled,
			ks.MonetizationVisible,
			ks.AIQuotas.Free,
			ks.AIQuotas.Supporter,
			ks.AIQuotas.Pro,
			ks.UpdatedAt.UTC(),
			ks.UpdatedBy,
		).Scan(&ks.Version); err != nil {
			return fmt.Errorf("upsert kill switches: %w", err)
		}

		batch := &pgx.Batch{}
		queueInsertAudit(batch, audit)
		if err := tx.SendBatch(txCtx, batch).Close(); err != nil {
			return fmt.Errorf("insert kill switch audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.KillSwitches{}, err
	}
	return ks, nil
}
