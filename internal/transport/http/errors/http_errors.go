package errors

import (
	"encoding/json"
	"net/http"
	"time"
)

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// DenialError is the body of a denied entitlement decision.
type DenialError struct {
	Code          string     `json:"code"`
	Message       string     `json:"message"`
	Remaining     int        `json:"remaining"`
	Limit         int        `json:"limit"`
	ResetAt       *time.Time `json:"reset_at,omitempty"`
	RetryAfterSec int64      `json:"retry_after_sec,omitempty"`
}

func Write(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
