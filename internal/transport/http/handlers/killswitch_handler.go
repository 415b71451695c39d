package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/coursehub/entitlements/internal/domain/model"
	killswitchsvc "github.com/coursehub/entitlements/internal/services/killswitch"
	"github.com/coursehub/entitlements/internal/transport/http/dto"
	httperrors "github.com/coursehub/entitlements/internal/transport/http/errors"
)

type KillSwitchService interface {
	Get(ctx context.Context) (model.KillSwitches, error)
	Update(ctx context.Context, actor model.Actor, in killswitchsvc.UpdateInput) (model.KillSwitches, error)
}

type KillSwitchHandler struct {
	service KillSwitchService
}

func NewKillSwitchHandler(service KillSwitchService) *KillSwitchHandler {
	return &KillSwitchHandler{service: service}
}

func (h *KillSwitchHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}

	ks, err := h.service.Get(r.Context())
	if err != nil {
		writeUnavailable(w, "failed to load kill switches")
		return
	}

	httperrors.Write(w, http.StatusOK, mapKillSwitches(ks))
}

func (h *KillSwitchHandler) Put(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req dto.KillSwitchesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if req.AIEnabled == nil || req.PaidFeaturesEnabled == nil || req.MonetizationVisible == nil {
		writeBadRequest(w, "VALIDATION_ERROR", "ai_enabled, paid_features_enabled and monetization_visible are required")
		return
	}

	in := killswitchsvc.UpdateInput{
		AIEnabled:           *req.AIEnabled,
		PaidFeaturesEnabled: *req.PaidFeaturesEnabled,
		MonetizationVisible: *req.MonetizationVisible,
	}
	in.AIQuotas.Free = req.AIQuotas.Free
	in.AIQuotas.Supporter = req.AIQuotas.Supporter
	in.AIQuotas.Pro = req.AIQuotas.Pro

	ks, err := h.service.Update(r.Context(), identity.Actor(), in)
	if err != nil {
		switch {
		case errors.Is(err, killswitchsvc.ErrPermission):
			writeForbidden(w, "FORBIDDEN", "admin role required")
		case errors.Is(err, killswitchsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", err.Error())
		default:
			writeUnavailable(w, "failed to update kill switches")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, mapKillSwitches(ks))
}

func mapKillSwitches(ks model.KillSwitches) dto.KillSwitchesResponse {
	resp := dto.KillSwitchesResponse{
		AIEnabled:           ks.AIEnabled,
		PaidFeaturesEnabled: ks.PaidFeaturesEnabled,
		MonetizationVisible: ks.MonetizationVisible,
		AIQuotas: dto.AIQuotasPayload{
			Free:      ks.AIQuotas.Free,
			Supporter: ks.AIQuotas.Supporter,
			Pro:       ks.AIQuotas.Pro,
		},
		Version:   ks.Version,
		UpdatedBy: ks.UpdatedBy,
	}
	if !ks.UpdatedAt.IsZero() {
		updatedAt := ks.UpdatedAt.UTC()
		resp.UpdatedAt = &updatedAt
	}
	return resp
}
