package plans

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
	pgrepo "github.com/coursehub/entitlements/internal/repo/postgres"
)

var testNow = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

func newTestService(store *memoryStore) *Service {
	svc := NewService(store, roleSet{"ADMIN": true})
	svc.now = func() time.Time { return testNow }
	ids := 0
	svc.newID = func() string {
		ids++
		return "id-" + string(rune('a'+ids))
	}
	return svc
}

func admin() model.Actor {
	return model.Actor{UserID: "admin-1", DisplayName: "Root", Role: "ADMIN"}
}

func TestSetPlanWritesPlanHistoryAndAudit(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	days := 30

	plan, err := svc.SetPlan(context.Background(), admin(), SetPlanInput{
		UserID:       "u1",
		Tier:         "pro",
		DurationDays: &days,
		Reason:       "donation received",
		Source:       "donation",
	})
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}

	if plan.Tier != enums.PlanTierPro || plan.Status != enums.PlanStatusActive || plan.Source != enums.PlanSourceDonation {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.ExpiresAt == nil || !plan.ExpiresAt.Equal(testNow.AddDate(0, 0, 30)) {
		t.Fatalf("expected expiry in 30 days, got %v", plan.ExpiresAt)
	}
	if !plan.StartedAt.Equal(testNow) || plan.UpdatedBy != "admin-1" {
		t.Fatalf("unexpected bookkeeping fields: %+v", plan)
	}

	if len(store.changes) != 1 {
		t.Fatalf("expected one atomic change, got %d", len(store.changes))
	}
	change := store.changes[0]
	if change.History == nil {
		t.Fatalf("expected history entry")
	}
	if change.History.FromTier != enums.PlanTierFree || change.History.ToTier != enums.PlanTierPro {
		t.Fatalf("unexpected history tiers: %+v", change.History)
	}
	if change.History.ActorName != "Root" || change.History.Reason != "donation received" {
		t.Fatalf("unexpected history actor/reason: %+v", change.History)
	}
	if change.Audit.Action != enums.AuditActionPlanSet || change.Audit.TargetUserID != "u1" {
		t.Fatalf("unexpected audit: %+v", change.Audit)
	}
}

func TestSetPlanPreservesStartedAtForSameActiveTier(t *testing.T) {
	store := newMemoryStore()
	started := testNow.AddDate(0, -2, 0)
	store.plans["u1"] = model.Plan{
		UserID:    "u1",
		Tier:      enums.PlanTierSupporter,
		Status:    enums.PlanStatusActive,
		Source:    enums.PlanSourceDonation,
		StartedAt: started,
		AIBanned:  true,
	}
	svc := newTestService(store)

	plan, err := svc.SetPlan(context.Background(), admin(), SetPlanInput{UserID: "u1", Tier: "supporter"})
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}
	if !plan.StartedAt.Equal(started) {
		t.Fatalf("expected startedAt to be preserved, got %v", plan.StartedAt)
	}
	if !plan.AIBanned {
		t.Fatalf("expected overrides to be carried over")
	}
	if plan.ExpiresAt != nil {
		t.Fatalf("expected lifetime plan")
	}

	plan, err = svc.SetPlan(context.Background(), admin(), SetPlanInput{UserID: "u1", Tier: "pro"})
	if err != nil {
		t.Fatalf("upgrade plan: %v", err)
	}
	if !plan.StartedAt.Equal(testNow) {
		t.Fatalf("expected startedAt reset on tier change, got %v", plan.StartedAt)
	}
}

func TestSetPlanValidation(t *testing.T) {
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	days := 3

	cases := []struct {
		name string
		in   SetPlanInput
	}{
		{name: "missing user", in: SetPlanInput{Tier: "pro"}},
		{name: "unknown tier", in: SetPlanInput{UserID: "u1", Tier: "gold"}},
		{name: "unknown status", in: SetPlanInput{UserID: "u1", Tier: "pro", Status: "paused"}},
		{name: "unknown source", in: SetPlanInput{UserID: "u1", Tier: "pro", Source: "system"}},
		{name: "active in the past", in: SetPlanInput{UserID: "u1", Tier: "pro", ExpiresAt: &past}},
		{name: "both expiry forms", in: SetPlanInput{UserID: "u1", Tier: "pro", ExpiresAt: &future, DurationDays: &days}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemoryStore()
			svc := newTestService(store)

			_, err := svc.SetPlan(context.Background(), admin(), tc.in)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if len(store.changes) != 0 {
				t.Fatalf("expected no writes on invalid input")
			}
		})
	}
}

func TestMutationsRequireAdminRole(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	user := model.Actor{UserID: "u9", Role: "USER"}
	banned := true

	if _, err := svc.SetPlan(context.Background(), user, SetPlanInput{UserID: "u1", Tier: "pro"}); !errors.Is(err, ErrPermission) {
		t.Fatalf("set plan: expected ErrPermission, got %v", err)
	}
	if _, err := svc.RevokePlan(context.Background(), user, "u1", ""); !errors.Is(err, ErrPermission) {
		t.Fatalf("revoke: expected ErrPermission, got %v", err)
	}
	if _, err := svc.SetAIOverrides(context.Background(), user, OverridesInput{UserID: "u1", AIBanned: &banned}); !errors.Is(err, ErrPermission) {
		t.Fatalf("overrides: expected ErrPermission, got %v", err)
	}
	if len(store.changes) != 0 {
		t.Fatalf("expected no writes for non-admin actor")
	}
}

func TestRevokePlanDefaultsReasonAndClearsExpiry(t *testing.T) {
	store := newMemoryStore()
	expires := testNow.AddDate(0, 1, 0)
	store.plans["u1"] = model.Plan{
		UserID:    "u1",
		Tier:      enums.PlanTierPro,
		Status:    enums.PlanStatusActive,
		ExpiresAt: &expires,
		StartedAt: testNow.AddDate(0, -1, 0),
	}
	svc := newTestService(store)

	plan, err := svc.RevokePlan(context.Background(), admin(), "u1", "")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if plan.Tier != enums.PlanTierFree || plan.Status != enums.PlanStatusRevoked || plan.ExpiresAt != nil {
		t.Fatalf("unexpected revoked plan: %+v", plan)
	}
	if plan.Reason != DefaultRevokeReason {
		t.Fatalf("expected default reason, got %q", plan.Reason)
	}

	change := store.changes[0]
	if change.History.FromTier != enums.PlanTierPro || change.History.ToStatus != enums.PlanStatusRevoked {
		t.Fatalf("unexpected history: %+v", change.History)
	}
	if change.Audit.Action != enums.AuditActionPlanRevoked {
		t.Fatalf("expected PLAN_REVOKED audit, got %q", change.Audit.Action)
	}
}

func TestSetAIOverridesCreatesFreePlanWithoutHistory(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	bonus := 5
	override := 40

	plan, err := svc.SetAIOverrides(context.Background(), admin(), OverridesInput{
		UserID:        "u2",
		BonusTokens:   &bonus,
		QuotaOverride: QuotaOverrideChange{Set: true, Value: &override},
	})
	if err != nil {
		t.Fatalf("set overrides: %v", err)
	}
	if plan.Tier != enums.PlanTierFree || plan.Status != enums.PlanStatusActive {
		t.Fatalf("expected free/active plan, got %+v", plan)
	}
	if plan.BonusTokens != 5 || plan.QuotaOverride == nil || *plan.QuotaOverride != 40 {
		t.Fatalf("unexpected overrides: %+v", plan)
	}

	change := store.changes[0]
	if change.History != nil {
		t.Fatalf("overrides must not write history")
	}
	if change.Audit.Action != enums.AuditActionAIOverridesSet {
		t.Fatalf("unexpected audit action %q", change.Audit.Action)
	}
	var payload map[string]any
	if err := json.Unmarshal(change.Audit.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["created_plan"] != true {
		t.Fatalf("expected created_plan in payload, got %v", payload)
	}
}

func TestSetAIOverridesClearsQuotaOverride(t *testing.T) {
	store := newMemoryStore()
	override := 10
	store.plans["u1"] = model.Plan{
		UserID:        "u1",
		Tier:          enums.PlanTierSupporter,
		Status:        enums.PlanStatusActive,
		BonusTokens:   3,
		QuotaOverride: &override,
	}
	svc := newTestService(store)

	plan, err := svc.SetAIOverrides(context.Background(), admin(), OverridesInput{
		UserID:        "u1",
		QuotaOverride: QuotaOverrideChange{Set: true},
	})
	if err != nil {
		t.Fatalf("clear override: %v", err)
	}
	if plan.QuotaOverride != nil {
		t.Fatalf("expected quota override cleared")
	}
	if plan.BonusTokens != 3 || plan.Tier != enums.PlanTierSupporter {
		t.Fatalf("expected other fields untouched, got %+v", plan)
	}
}

func TestSetAIOverridesValidation(t *testing.T) {
	svc := newTestService(newMemoryStore())
	negative := -1

	cases := []OverridesInput{
		{UserID: "u1"},
		{UserID: "u1", BonusTokens: &negative},
		{UserID: "u1", QuotaOverride: QuotaOverrideChange{Set: true, Value: &negative}},
		{UserID: " ", BonusTokens: new(int)},
	}
	for i, in := range cases {
		if _, err := svc.SetAIOverrides(context.Background(), admin(), in); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestGetPlanReportsEffectiveTier(t *testing.T) {
	store := newMemoryStore()
	expired := testNow.Add(-time.Minute)
	store.plans["u1"] = model.Plan{
		UserID:    "u1",
		Tier:      enums.PlanTierPro,
		Status:    enums.PlanStatusActive,
		ExpiresAt: &expired,
	}
	svc := newTestService(store)

	view, err := svc.GetPlan(context.Background(), admin(), "u1", 10)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if !view.Stored || view.Plan.Tier != enums.PlanTierPro {
		t.Fatalf("unexpected stored plan: %+v", view)
	}
	if view.EffectiveTier != enums.PlanTierFree {
		t.Fatalf("expected lapsed plan to be effectively free, got %q", view.EffectiveTier)
	}

	view, err = svc.GetPlan(context.Background(), admin(), "nobody", 10)
	if err != nil {
		t.Fatalf("get missing plan: %v", err)
	}
	if view.Stored || view.EffectiveTier != enums.PlanTierFree {
		t.Fatalf("expected default free plan, got %+v", view)
	}
}

func TestMutationStoreFailureIsReturned(t *testing.T) {
	store := newMemoryStore()
	store.mutateErr = errors.New("tx aborted")
	svc := newTestService(store)

	if _, err := svc.SetPlan(context.Background(), admin(), SetPlanInput{UserID: "u1", Tier: "pro"}); err == nil {
		t.Fatalf("expected store error")
	}
	if _, ok := store.plans["u1"]; ok {
		t.Fatalf("expected nothing persisted on failure")
	}
}

type roleSet map[string]bool

func (r roleSet) IsAdmin(role string) bool { return r[role] }

type memoryStore struct {
	plans     map[string]model.Plan
	history   map[string][]model.PlanHistoryEntry
	changes   []pgrepo.PlanChange
	mutateErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		plans:   make(map[string]model.Plan),
		history: make(map[string][]model.PlanHistoryEntry),
	}
}

func (s *memoryStore) GetPlan(_ context.Context, userID string) (model.Plan, bool, error) {
	plan, ok := s.plans[userID]
	if !ok {
		return model.DefaultPlan(userID), false, nil
	}
	return plan, true, nil
}

func (s *memoryStore) Mutate(_ context.Context, userID string, fn pgrepo.PlanMutator) (model.Plan, error) {
	if s.mutateErr != nil {
		return model.Plan{}, s.mutateErr
	}
	current, found := s.plans[userID]
	if !found {
		current = model.DefaultPlan(userID)
	}
	change, err := fn(current, found)
	if err != nil {
		return model.Plan{}, err
	}
	change.Plan.UserID = userID
	s.plans[userID] = change.Plan
	if change.History != nil {
		s.history[userID] = append(s.history[userID], *change.History)
	}
	s.changes = append(s.changes, change)
	return change.Plan, nil
}

func (s *memoryStore) ListHistory(_ context.Context, userID string, _ int) ([]model.PlanHistoryEntry, error) {
	return s.history[userID], nil
}
