package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
)

const (
	quotaPrefix   = "quota:ai:"
	quotaEntryTTL = 8 * 24 * time.Hour
)

// QuotaLedgerRepo is the Redis variant of the AI usage ledger. One hash per
// (user, day); writes are optimistic WATCH/MULTI transactions.
type QuotaLedgerRepo struct {
	client *goredis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewQuotaLedgerRepo(client *goredis.Client) *QuotaLedgerRepo {
	return &QuotaLedgerRepo{
		client: client,
		ttl:    quotaEntryTTL,
		now:    time.Now,
	}
}

func (r *QuotaLedgerRepo) Get(ctx context.Context, userID, dayKey string) (model.QuotaEntry, bool, error) {
	if r.client == nil {
		return model.QuotaEntry{}, false, fmt.Errorf("redis client is nil")
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(dayKey) == "" {
		return model.QuotaEntry{}, false, fmt.Errorf("invalid quota lookup payload")
	}

	values, err := r.client.HGetAll(ctx, quotaKey(userID, dayKey)).Result()
	if err != nil {
		return model.QuotaEntry{}, false, fmt.Errorf("get quota entry: %w", err)
	}
	if len(values) == 0 {
		return model.QuotaEntry{}, false, nil
	}
	entry, err := decodeQuotaEntry(userID, dayKey, values)
	if err != nil {
		return model.QuotaEntry{}, false, err
	}
	return entry, true, nil
}

// TryConsume makes one attempt to reserve a unit. A concurrent write to the
// same key aborts the transaction and surfaces as model.ErrQuotaConflict.
func (r *QuotaLedgerRepo) TryConsume(ctx context.Context, userID, dayKey string, limit int, tier enums.PlanTier) (model.QuotaEntry, bool, error) {
	if r.client == nil {
		return model.QuotaEntry{}, false, fmt.Errorf("redis client is nil")
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(dayKey) == "" || limit <= 0 {
		return model.QuotaEntry{}, false, fmt.Errorf("invalid quota consume payload")
	}

	key := quotaKey(userID, dayKey)
	var (
		result   model.QuotaEntry
		consumed bool
	)

	err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
		values, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read quota entry: %w", err)
		}

		next := model.QuotaEntry{
			UserID:     userID,
			DayKey:     dayKey,
			Limit:      limit,
			TierAtTime: tier,
		}
		if len(values) > 0 {
			current, err := decodeQuotaEntry(userID, dayKey, values)
			if err != nil {
				return err
			}
			if current.Count >= current.Limit {
				result = current
				consumed = false
				return nil
			}
			next = current
		}
		next.Count++
		next.Version++
		next.UpdatedAt = r.now().UTC()

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"used", next.Count,
				"limit", next.Limit,
				"tier", string(next.TierAtTime),
				"version", next.Version,
				"updated_at", next.UpdatedAt.Format(time.RFC3339Nano),
			)
			pipe.Expire(ctx, key, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		consumed = true
		return nil
	}, key)
	if err != nil {
		if errors.Is(err, goredis.TxFailedErr) {
			return model.QuotaEntry{}, false, model.ErrQuotaConflict
		}
		return model.QuotaEntry{}, false, fmt.Errorf("consume quota entry: %w", err)
	}

	return result, consumed, nil
}

func quotaKey(userID, dayKey string) string {
	return quotaPrefix + userID + ":" + dayKey
}

func decodeQuotaEntry(userID, dayKey string, values map[string]string) (model.QuotaEntry, error) {
	used, err := strconv.Atoi(values["used"])
	if err != nil {
		return model.QuotaEntry{}, fmt.Errorf("decode quota used: %w", err)
	}
	limit, err := strconv.Atoi(values["limit"])
	if err != nil {
		return model.QuotaEntry{}, fmt.Errorf("decode quota limit: %w", err)
	}
	version, err := strconv.ParseInt(values["version"], 10, 64)
	if err != nil {
		return model.QuotaEntry{}, fmt.Errorf("decode quota version: %w", err)
	}

	entry := model.QuotaEntry{
		UserID:     userID,
		DayKey:     dayKey,
		Count:      used,
		Limit:      limit,
		TierAtTime: enums.PlanTier(values["tier"]),
		Version:    version,
	}
	if raw := values["updated_at"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.UpdatedAt = ts
		}
	}
	return entry, nil
}
