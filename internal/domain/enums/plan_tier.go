package enums

import "strings"

type PlanTier string

const (
	PlanTierFree      PlanTier = "free"
	PlanTierSupporter PlanTier = "supporter"
	PlanTierPro       PlanTier = "pro"
)

func ParsePlanTier(raw string) (PlanTier, bool) {
	tier := PlanTier(strings.ToLower(strings.TrimSpace(raw)))
	switch tier {
	case PlanTierFree, PlanTierSupporter, PlanTierPro:
		return tier, true
	default:
		return "", false
	}
}
