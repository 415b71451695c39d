package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
	pgrepo "github.com/coursehub/entitlements/internal/repo/postgres"
	"github.com/coursehub/entitlements/internal/transport/http/dto"
	httperrors "github.com/coursehub/entitlements/internal/transport/http/errors"
)

type AuditReader interface {
	ListRecent(ctx context.Context, filter pgrepo.AuditFilter) ([]model.Audit, error)
}

type AuditHandler struct {
	reader AuditReader
}

func NewAuditHandler(reader AuditReader) *AuditHandler {
	return &AuditHandler{reader: reader}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	if h.reader == nil {
		writeInternal(w, "AUDIT_UNAVAILABLE", "audit log is unavailable")
		return
	}

	query := r.URL.Query()
	filter := pgrepo.AuditFilter{
		TargetUserID: strings.TrimSpace(query.Get("user_id")),
		Action:       enums.AuditAction(strings.ToUpper(strings.TrimSpace(query.Get("action")))),
		Limit:        100,
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			writeBadRequest(w, "VALIDATION_ERROR", "invalid limit")
			return
		}
		filter.Limit = limit
	}

	items, err := h.reader.ListRecent(r.Context(), filter)
	if err != nil {
		writeUnavailable(w, "failed to load audit log")
		return
	}

	resp := dto.AuditListResponse{Items: make([]dto.AuditEntryResponse, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, dto.AuditEntryResponse{
			ID:           item.ID,
			ActorID:      item.ActorID,
			ActorName:    item.ActorName,
			Action:       string(item.Action),
			TargetUserID: item.TargetUserID,
			Payload:      item.Payload,
			CreatedAt:    item.CreatedAt,
		})
	}

	httperrors.Write(w, http.StatusOK, resp)
}
