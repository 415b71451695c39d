package model

import (
	"time"

	"github.com/coursehub/entitlements/internal/domain/enums"
)

type AIQuotas struct {
	Free      int `json:"free"`
	Supporter int `json:"supporter"`
	Pro       int `json:"pro"`
}

func (q AIQuotas) ForTier(tier enums.PlanTier) int {
	switch tier {
	case enums.PlanTierPro:
		return q.Pro
	case enums.PlanTierSupporter:
		return q.Supporter
	default:
		return q.Free
	}
}

type KillSwitches struct {
	AIEnabled           bool      `json:"ai_enabled"`
	PaidFeaturesEnabled bool      `json:"paid_features_enabled"`
	MonetizationVisible bool      `json:"monetization_visible"`
	AIQuotas            AIQuotas  `json:"ai_quotas"`
	Version             int64     `json:"version"`
	UpdatedAt           time.Time `json:"updated_at"`
	UpdatedBy           string    `json:"updated_by"`
}
