package enums

type UsageAction string

const (
	UsageActionAIRequest UsageAction = "ai_request"
)
