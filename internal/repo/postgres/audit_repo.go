package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

type AuditFilter struct {
	TargetUserID string
	Action       enums.AuditAction
	Limit        int
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) ListRecent(ctx context.Context, filter AuditFilter) ([]model.Audit, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if r.pool == nil {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
SELECT
	id::text,
	actor_id,
	actor_name,
	action,
	target_user_id,
	payload,
	created_at
FROM audit_log
WHERE ($1::text = '' OR target_user_id = $1)
	AND ($2::text = '' OR action = $2)
ORDER BY created_at DESC
LIMIT $3
`, strings.TrimSpace(filter.TargetUserID), string(filter.Action), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	items := make([]model.Audit, 0, filter.Limit)
	for rows.Next() {
		var (
			item    model.Audit
			action  string
			payload []byte
		)
		if err := rows.Scan(
			&item.ID,
			&item.ActorID,
			&item.ActorName,
			&action,
			&item.TargetUserID,
			&payload,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		item.Action = enums.AuditAction(action)
		item.Payload = payload
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}

	return items, nil
}

func queueInsertAudit(batch *pgx.Batch, audit model.Audit) {
	payload := string(audit.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	createdAt := audit.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	batch.Queue(`
INSERT INTO audit_log (
	id,
	actor_id,
	actor_name,
	action,
	target_user_id,
	payload,
	created_at
) VALUES ($1::uuid, $2, $3, $4, $5, $6::jsonb, $7)
`, audit.ID, audit.ActorID, audit.ActorName, string(audit.Action), audit.TargetUserID, payload, createdAt)
}
