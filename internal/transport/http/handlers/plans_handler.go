package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coursehub/entitlements/internal/domain/model"
	planssvc "github.com/coursehub/entitlements/internal/services/plans"
	"github.com/coursehub/entitlements/internal/transport/http/dto"
	httperrors "github.com/coursehub/entitlements/internal/transport/http/errors"
)

type PlanService interface {
	SetPlan(ctx context.Context, actor model.Actor, in planssvc.SetPlanInput) (model.Plan, error)
	RevokePlan(ctx context.Context, actor model.Actor, userID, reason string) (model.Plan, error)
	SetAIOverrides(ctx context.Context, actor model.Actor, in planssvc.OverridesInput) (model.Plan, error)
	GetPlan(ctx context.Context, actor model.Actor, userID string, historyLimit int) (planssvc.PlanView, error)
}

type PlansHandler struct {
	service PlanService
}

func NewPlansHandler(service PlanService) *PlansHandler {
	return &PlansHandler{service: service}
}

func (h *PlansHandler) Set(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req dto.SetPlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	plan, err := h.service.SetPlan(r.Context(), identity.Actor(), planssvc.SetPlanInput{
		UserID:       req.UserID,
		Tier:         req.Tier,
		Status:       req.Status,
		ExpiresAt:    req.ExpiresAt,
		DurationDays: req.DurationDays,
		Reason:       req.Reason,
		Source:       req.Source,
	})
	if err != nil {
		writePlanError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, mapPlan(plan))
}

func (h *PlansHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req dto.RevokePlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	plan, err := h.service.RevokePlan(r.Context(), identity.Actor(), req.UserID, req.Reason)
	if err != nil {
		writePlanError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, mapPlan(plan))
}

func (h *PlansHandler) Overrides(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req dto.AIOverridesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	plan, err := h.service.SetAIOverrides(r.Context(), identity.Actor(), planssvc.OverridesInput{
		UserID:      req.UserID,
		BonusTokens: req.BonusTokens,
		AIBanned:    req.AIBanned,
		QuotaOverride: planssvc.QuotaOverrideChange{
			Set:   req.QuotaOverride.Set,
			Value: req.QuotaOverride.Value,
		},
	})
	if err != nil {
		writePlanError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, mapPlan(plan))
}

func (h *PlansHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("history_limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeBadRequest(w, "VALIDATION_ERROR", "invalid history_limit")
			return
		}
		limit = parsed
	}

	view, err := h.service.GetPlan(r.Context(), identity.Actor(), chi.URLParam(r, "user_id"), limit)
	if err != nil {
		writePlanError(w, err)
		return
	}

	history := make([]dto.PlanHistoryResponse, 0, len(view.History))
	for _, entry := range view.History {
		history = append(history, dto.PlanHistoryResponse{
			ID:         entry.ID,
			FromTier:   string(entry.FromTier),
			ToTier:     string(entry.ToTier),
			FromStatus: string(entry.FromStatus),
			ToStatus:   string(entry.ToStatus),
			ActorID:    entry.ActorID,
			ActorName:  entry.ActorName,
			Source:     string(entry.Source),
			Reason:     entry.Reason,
			CreatedAt:  entry.CreatedAt,
		})
	}

	httperrors.Write(w, http.StatusOK, dto.PlanDetailsResponse{
		Plan:          mapPlan(view.Plan),
		Stored:        view.Stored,
		EffectiveTier: string(view.EffectiveTier),
		History:       history,
	})
}

func writePlanError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, planssvc.ErrPermission):
		writeForbidden(w, "FORBIDDEN", "admin role required")
	case errors.Is(err, planssvc.ErrValidation):
		writeBadRequest(w, "VALIDATION_ERROR", err.Error())
	default:
		writeUnavailable(w, "failed to update plan")
	}
}

func mapPlan(plan model.Plan) dto.PlanResponse {
	return dto.PlanResponse{
		UserID:        plan.UserID,
		Tier:          string(plan.Tier),
		Status:        string(plan.Status),
		ExpiresAt:     plan.ExpiresAt,
		Source:        string(plan.Source),
		StartedAt:     plan.StartedAt,
		UpdatedAt:     plan.UpdatedAt,
		UpdatedBy:     plan.UpdatedBy,
		Reason:        plan.Reason,
		AIBanned:      plan.AIBanned,
		BonusTokens:   plan.BonusTokens,
		QuotaOverride: plan.QuotaOverride,
	}
}
