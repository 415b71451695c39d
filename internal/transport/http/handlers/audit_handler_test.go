package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
	pgrepo "github.com/coursehub/entitlements/internal/repo/postgres"
)

type auditReaderStub struct {
	filter pgrepo.AuditFilter
	items  []model.Audit
}

func (s *auditReaderStub) ListRecent(_ context.Context, filter pgrepo.AuditFilter) ([]model.Audit, error) {
	s.filter = filter
	return s.items, nil
}

func TestAuditListParsesFilter(t *testing.T) {
	stub := &auditReaderStub{items: []model.Audit{{
		ID:           "a-1",
		ActorID:      "admin-1",
		Action:       enums.AuditActionPlanSet,
		TargetUserID: "u-7",
		Payload:      json.RawMessage(`{"to":{"tier":"pro"}}`),
	}}}
	h := NewAuditHandler(stub)

	req := withAdminIdentity(httptest.NewRequest(http.MethodGet, "/v1/admin/audit?user_id=u-7&action=plan_set&limit=10", nil))
	rec := httptest.NewRecorder()
	h.List(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}
	if stub.filter.TargetUserID != "u-7" || stub.filter.Action != enums.AuditActionPlanSet || stub.filter.Limit != 10 {
		t.Fatalf("unexpected filter: %+v", stub.filter)
	}

	var payload struct {
		Items []struct {
			Action  string          `json:"action"`
			Payload json.RawMessage `json:"payload"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].Action != "PLAN_SET" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestAuditListRejectsBadLimit(t *testing.T) {
	h := NewAuditHandler(&auditReaderStub{})
	req := withAdminIdentity(httptest.NewRequest(http.MethodGet, "/v1/admin/audit?limit=0", nil))
	rec := httptest.NewRecorder()
	h.List(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}
