package enums

type DenyReason string

const (
	DenyReasonAIDisabled           DenyReason = "AI_DISABLED"
	DenyReasonPaidFeaturesDisabled DenyReason = "PAID_FEATURES_DISABLED"
	DenyReasonAIBanned             DenyReason = "AI_BANNED"
	DenyReasonNoAIAccess           DenyReason = "NO_AI_ACCESS"
	DenyReasonQuotaExceeded        DenyReason = "QUOTA_EXCEEDED"
	DenyReasonRateLimited          DenyReason = "RATE_LIMITED"
)
