package model

import (
	"time"

	"github.com/coursehub/entitlements/internal/domain/enums"
)

type PlanHistoryEntry struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	FromTier   enums.PlanTier   `json:"from_tier"`
	ToTier     enums.PlanTier   `json:"to_tier"`
	FromStatus enums.PlanStatus `json:"from_status"`
	ToStatus   enums.PlanStatus `json:"to_status"`
	ActorID    string           `json:"actor_id"`
	ActorName  string           `json:"actor_name"`
	Source     enums.PlanSource `json:"source"`
	Reason     string           `json:"reason"`
	CreatedAt  time.Time        `json:"created_at"`
}
