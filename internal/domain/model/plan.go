package model

import (
	"time"

	"github.com/coursehub/entitlements/internal/domain/enums"
)

type Plan struct {
	UserID        string           `json:"user_id"`
	Tier          enums.PlanTier   `json:"tier"`
	Status        enums.PlanStatus `json:"status"`
	ExpiresAt     *time.Time       `json:"expires_at"`
	Source        enums.PlanSource `json:"source"`
	StartedAt     time.Time        `json:"started_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	UpdatedBy     string           `json:"updated_by"`
	Reason        string           `json:"reason"`
	AIBanned      bool             `json:"ai_banned"`
	BonusTokens   int              `json:"bonus_tokens"`
	QuotaOverride *int             `json:"quota_override"`
}

// DefaultPlan is what a user without a stored plan record is treated as.
func DefaultPlan(userID string) Plan {
	return Plan{
		UserID: userID,
		Tier:   enums.PlanTierFree,
		Status: enums.PlanStatusActive,
		Source: enums.PlanSourceAdminGrant,
	}
}

type PlanSummary struct {
	Tier      enums.PlanTier   `json:"tier"`
	Status    enums.PlanStatus `json:"status"`
	ExpiresAt *time.Time       `json:"expires_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (p Plan) Summary() PlanSummary {
	return PlanSummary{
		Tier:      p.Tier,
		Status:    p.Status,
		ExpiresAt: p.ExpiresAt,
		UpdatedAt: p.UpdatedAt,
	}
}
