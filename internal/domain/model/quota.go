package model

import (
	"errors"
	"time"

	"github.com/coursehub/entitlements/internal/domain/enums"
)

// ErrQuotaConflict reports that a ledger entry changed between read and write.
// Callers retry the whole attempt.
var ErrQuotaConflict = errors.New("quota entry changed concurrently")

// QuotaEntry is the per-user, per-day AI usage counter.
type QuotaEntry struct {
	UserID     string         `json:"user_id"`
	DayKey     string         `json:"day_key"`
	Count      int            `json:"count"`
	Limit      int            `json:"limit"`
	TierAtTime enums.PlanTier `json:"tier_at_time"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Version    int64          `json:"version"`
}

func (e QuotaEntry) Remaining() int {
	left := e.Limit - e.Count
	if left < 0 {
		return 0
	}
	return left
}
