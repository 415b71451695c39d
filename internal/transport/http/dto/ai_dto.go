package dto

import "time"

type AIConsumeRequest struct {
	PromptChars int `json:"prompt_chars"`
}

type AIDecisionResponse struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	Tier      string    `json:"tier"`
	ResetAt   time.Time `json:"reset_at"`
}

type AIQuotaResponse struct {
	Tier          string     `json:"tier"`
	PlanStatus    string     `json:"plan_status"`
	PlanExpiresAt *time.Time `json:"plan_expires_at"`
	DayKey        string     `json:"day_key"`
	Limit         int        `json:"limit"`
	Used          int        `json:"used"`
	Remaining     int        `json:"remaining"`
	ResetAt       time.Time  `json:"reset_at"`
	Blocked       string     `json:"blocked,omitempty"`
}
