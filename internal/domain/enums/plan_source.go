package enums

import "strings"

type PlanSource string

const (
	PlanSourceAdminGrant PlanSource = "admin_grant"
	PlanSourceDonation   PlanSource = "donation"
	PlanSourcePromo      PlanSource = "promo"
	PlanSourceMigration  PlanSource = "migration"
)

func ParsePlanSource(raw string) (PlanSource, bool) {
	source := PlanSource(strings.ToLower(strings.TrimSpace(raw)))
	switch source {
	case PlanSourceAdminGrant, PlanSourceDonation, PlanSourcePromo, PlanSourceMigration:
		return source, true
	default:
		return "", false
	}
}
