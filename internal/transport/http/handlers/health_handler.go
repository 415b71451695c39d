package handlers

import (
	"context"
	"net/http"
	"time"

	httperrors "github.com/coursehub/entitlements/internal/transport/http/errors"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	postgres Pinger
}

func NewHealthHandler(postgres Pinger) *HealthHandler {
	return &HealthHandler{postgres: postgres}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.postgres == nil {
		httperrors.Write(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "postgres": "not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.postgres.Ping(ctx); err != nil {
		httperrors.Write(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "postgres": "unreachable"})
		return
	}

	httperrors.Write(w, http.StatusOK, map[string]any{"ok": true})
}
