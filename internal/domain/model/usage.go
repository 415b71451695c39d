package model

import (
	"time"

	"github.com/coursehub/entitlements/internal/domain/enums"
)

type UsageEvent struct {
	UserID         string            `json:"user_id"`
	Action         enums.UsageAction `json:"action"`
	TierAtTime     enums.PlanTier    `json:"tier_at_time"`
	EffectiveQuota int               `json:"effective_quota"`
	PromptChars    int               `json:"prompt_chars"`
	Allowed        bool              `json:"allowed"`
	Reason         enums.DenyReason  `json:"reason,omitempty"`
	Remaining      int               `json:"remaining"`
	Latency        time.Duration     `json:"latency"`
	OccurredAt     time.Time         `json:"occurred_at"`
}
