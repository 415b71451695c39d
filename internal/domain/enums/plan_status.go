package enums

import "strings"

type PlanStatus string

const (
	PlanStatusActive  PlanStatus = "active"
	PlanStatusRevoked PlanStatus = "revoked"
	PlanStatusExpired PlanStatus = "expired"
)

func ParsePlanStatus(raw string) (PlanStatus, bool) {
	status := PlanStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case PlanStatusActive, PlanStatusRevoked, PlanStatusExpired:
		return status, true
	default:
		return "", false
	}
}
