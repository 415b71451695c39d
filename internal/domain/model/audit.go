package model

import (
	"encoding/json"
	"time"

	"github.com/coursehub/entitlements/internal/domain/enums"
)

type Audit struct {
	ID           string            `json:"id"`
	ActorID      string            `json:"actor_id"`
	ActorName    string            `json:"actor_name"`
	Action       enums.AuditAction `json:"action"`
	TargetUserID string            `json:"target_user_id"`
	Payload      json.RawMessage   `json:"payload"`
	CreatedAt    time.Time         `json:"created_at"`
}
