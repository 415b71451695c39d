package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/coursehub/entitlements/internal/domain/enums"
	quotasvc "github.com/coursehub/entitlements/internal/services/quota"
	"github.com/coursehub/entitlements/internal/transport/http/dto"
	httperrors "github.com/coursehub/entitlements/internal/transport/http/errors"
)

type QuotaService interface {
	CheckAndConsume(ctx context.Context, req quotasvc.ConsumeRequest) (quotasvc.Decision, error)
	Status(ctx context.Context, userID string) (quotasvc.Status, error)
}

type AIHandler struct {
	service QuotaService
}

func NewAIHandler(service QuotaService) *AIHandler {
	return &AIHandler{service: service}
}

// Consume reserves one AI request for the caller. The chat handler calls it
// right before invoking the model.
func (h *AIHandler) Consume(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req dto.AIConsumeRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	decision, err := h.service.CheckAndConsume(r.Context(), quotasvc.ConsumeRequest{
		UserID:      identity.UserID,
		Action:      enums.UsageActionAIRequest,
		PromptChars: req.PromptChars,
	})
	if err != nil {
		writeQuotaError(w, err)
		return
	}

	if !decision.Allow {
		writeDenial(w, decision)
		return
	}

	httperrors.Write(w, http.StatusOK, dto.AIDecisionResponse{
		Allowed:   true,
		Remaining: decision.Remaining,
		Limit:     decision.Limit,
		Tier:      string(decision.Tier),
		ResetAt:   decision.ResetAt.UTC(),
	})
}

func (h *AIHandler) Quota(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), identity.UserID)
	if err != nil {
		writeQuotaError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, dto.AIQuotaResponse{
		Tier:          string(status.EffectiveTier),
		PlanStatus:    string(status.Plan.Status),
		PlanExpiresAt: status.Plan.ExpiresAt,
		DayKey:        status.DayKey,
		Limit:         status.Limit,
		Used:          status.Used,
		Remaining:     status.Remaining,
		ResetAt:       status.ResetAt.UTC(),
		Blocked:       string(status.Blocked),
	})
}

func writeQuotaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quotasvc.ErrValidation):
		writeBadRequest(w, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, quotasvc.ErrContention):
		httperrors.Write(w, http.StatusServiceUnavailable, httperrors.APIError{
			Code:      "QUOTA_CONTENTION",
			Message:   "too many concurrent requests, retry",
			Retryable: true,
		})
	default:
		writeUnavailable(w, "entitlement check unavailable")
	}
}

func writeDenial(w http.ResponseWriter, decision quotasvc.Decision) {
	status, message := denialStatus(decision.Reason)
	body := httperrors.DenialError{
		Code:          string(decision.Reason),
		Message:       message,
		Remaining:     decision.Remaining,
		Limit:         decision.Limit,
		RetryAfterSec: decision.RetryAfterSec,
	}
	if decision.Reason == enums.DenyReasonQuotaExceeded {
		resetAt := decision.ResetAt.UTC()
		body.ResetAt = &resetAt
	}
	if decision.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSec, 10))
	}
	httperrors.Write(w, status, body)
}

func denialStatus(reason enums.DenyReason) (int, string) {
	switch reason {
	case enums.DenyReasonAIDisabled:
		return http.StatusForbidden, "AI features are temporarily disabled"
	case enums.DenyReasonPaidFeaturesDisabled:
		return http.StatusForbidden, "paid features are temporarily disabled"
	case enums.DenyReasonAIBanned:
		return http.StatusForbidden, "AI access has been suspended for this account"
	case enums.DenyReasonNoAIAccess:
		return http.StatusForbidden, "current plan does not include AI access"
	case enums.DenyReasonQuotaExceeded:
		return http.StatusTooManyRequests, "daily AI quota exhausted"
	case enums.DenyReasonRateLimited:
		return http.StatusTooManyRequests, "too many requests, slow down"
	default:
		return http.StatusForbidden, "request denied"
	}
}
