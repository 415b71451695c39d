package rules

import (
	"time"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
)

func DayKey(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}

func NextResetAt(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return next.UTC()
}

// EffectiveTier is the tier honored at now. It never trusts an active status
// once expiresAt has passed, even if the expiration sweep has not run yet.
func EffectiveTier(plan model.Plan, now time.Time) enums.PlanTier {
	switch plan.Status {
	case enums.PlanStatusRevoked, enums.PlanStatusExpired:
		return enums.PlanTierFree
	}
	if plan.ExpiresAt != nil && !plan.ExpiresAt.After(now) {
		return enums.PlanTierFree
	}
	if _, ok := enums.ParsePlanTier(string(plan.Tier)); !ok {
		return enums.PlanTierFree
	}
	return plan.Tier
}

func EffectiveQuota(plan model.Plan, tier enums.PlanTier, quotas model.AIQuotas) int {
	base := quotas.ForTier(tier)
	if plan.QuotaOverride != nil {
		base = *plan.QuotaOverride
	}
	bonus := plan.BonusTokens
	if bonus < 0 {
		bonus = 0
	}
	return base + bonus
}

func IsExpired(plan model.Plan, now time.Time) bool {
	return plan.Status == enums.PlanStatusActive && plan.ExpiresAt != nil && plan.ExpiresAt.Before(now)
}
