package enums

type AuditAction string

const (
	AuditActionPlanSet           AuditAction = "PLAN_SET"
	AuditActionPlanRevoked       AuditAction = "PLAN_REVOKED"
	AuditActionPlanExpired       AuditAction = "PLAN_EXPIRED"
	AuditActionAIOverridesSet    AuditAction = "AI_OVERRIDES_SET"
	AuditActionKillSwitchUpdated AuditAction = "KILL_SWITCH_UPDATED"
)
