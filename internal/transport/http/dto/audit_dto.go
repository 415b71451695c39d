package dto

import (
	"encoding/json"
	"time"
)

type AuditEntryResponse struct {
	ID           string          `json:"id"`
	ActorID      string          `json:"actor_id"`
	ActorName    string          `json:"actor_name"`
	Action       string          `json:"action"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

type AuditListResponse struct {
	Items []AuditEntryResponse `json:"items"`
}
