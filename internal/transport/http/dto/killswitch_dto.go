package dto

import "time"

type AIQuotasPayload struct {
	Free      int `json:"free"`
	Supporter int `json:"supporter"`
	Pro       int `json:"pro"`
}

type KillSwitchesRequest struct {
	AIEnabled           *bool           `json:"ai_enabled"`
	PaidFeaturesEnabled *bool           `json:"paid_features_enabled"`
	MonetizationVisible *bool           `json:"monetization_visible"`
	AIQuotas            AIQuotasPayload `json:"ai_quotas"`
}

type KillSwitchesResponse struct {
	AIEnabled           bool            `json:"ai_enabled"`
	PaidFeaturesEnabled bool            `json:"paid_features_enabled"`
	MonetizationVisible bool            `json:"monetization_visible"`
	AIQuotas            AIQuotasPayload `json:"ai_quotas"`
	Version             int64           `json:"version"`
	UpdatedAt           *time.Time      `json:"updated_at"`
	UpdatedBy           string          `json:"updated_by,omitempty"`
}
