package dto

import "time"

type SetPlanRequest struct {
	UserID       string     `json:"user_id"`
	Tier         string     `json:"tier"`
	Status       string     `json:"status,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	DurationDays *int       `json:"duration_days,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Source       string     `json:"source,omitempty"`
}

type RevokePlanRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type AIOverridesRequest struct {
	UserID        string      `json:"user_id"`
	BonusTokens   *int        `json:"bonus_tokens,omitempty"`
	AIBanned      *bool       `json:"ai_banned,omitempty"`
	QuotaOverride OptionalInt `json:"quota_override"`
}

type PlanResponse struct {
	UserID        string     `json:"user_id"`
	Tier          string     `json:"tier"`
	Status        string     `json:"status"`
	ExpiresAt     *time.Time `json:"expires_at"`
	Source        string     `json:"source"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	UpdatedBy     string     `json:"updated_by"`
	Reason        string     `json:"reason"`
	AIBanned      bool       `json:"ai_banned"`
	BonusTokens   int        `json:"bonus_tokens"`
	QuotaOverride *int       `json:"quota_override"`
}

type PlanHistoryResponse struct {
	ID         string    `json:"id"`
	FromTier   string    `json:"from_tier"`
	ToTier     string    `json:"to_tier"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorID    string    `json:"actor_id"`
	ActorName  string    `json:"actor_name"`
	Source     string    `json:"source"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

type PlanDetailsResponse struct {
	Plan          PlanResponse          `json:"plan"`
	Stored        bool                  `json:"stored"`
	EffectiveTier string                `json:"effective_tier"`
	History       []PlanHistoryResponse `json:"history"`
}
