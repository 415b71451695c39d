package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
	redrepo "github.com/coursehub/entitlements/internal/repo/redis"
)

var testNow = time.Date(2026, 10, 15, 14, 30, 0, 0, time.UTC)

func defaultSwitches() model.KillSwitches {
	return model.KillSwitches{
		AIEnabled:           true,
		PaidFeaturesEnabled: true,
		AIQuotas:            model.AIQuotas{Free: 0, Supporter: 20, Pro: 120},
	}
}

type fixture struct {
	svc      *Service
	plans    *planStub
	switches *killSwitchStub
	ledger   *memoryLedger
	limiter  *limiterStub
	usage    *usageStub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		plans:    &planStub{plans: map[string]model.Plan{}},
		switches: &killSwitchStub{ks: defaultSwitches()},
		ledger:   newMemoryLedger(),
		limiter:  &limiterStub{allow: true},
		usage:    &usageStub{},
	}
	svc, err := NewService(Dependencies{
		Plans:        f.plans,
		KillSwitches: f.switches,
		Ledger:       f.ledger,
		RateLimiter:  f.limiter,
		Usage:        f.usage,
	}, Config{Timezone: "UTC", CASMaxAttempts: 5}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.now = func() time.Time { return testNow }
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	f.svc = svc
	return f
}

func (f *fixture) setPlan(plan model.Plan) {
	f.plans.plans[plan.UserID] = plan
}

func consume(t *testing.T, svc *Service, userID string) Decision {
	t.Helper()
	decision, err := svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: userID, PromptChars: 42})
	if err != nil {
		t.Fatalf("check and consume: %v", err)
	}
	return decision
}

func TestProUserGets120RequestsPerDay(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierPro, Status: enums.PlanStatusActive})

	for i := 1; i <= 120; i++ {
		decision := consume(t, f.svc, "u1")
		if !decision.Allow {
			t.Fatalf("call %d: expected allow, got %+v", i, decision)
		}
		if decision.Remaining != 120-i {
			t.Fatalf("call %d: expected remaining %d, got %d", i, 120-i, decision.Remaining)
		}
		if decision.Tier != enums.PlanTierPro || decision.Limit != 120 {
			t.Fatalf("call %d: unexpected tier/limit %+v", i, decision)
		}
	}

	decision := consume(t, f.svc, "u1")
	if decision.Allow || decision.Reason != enums.DenyReasonQuotaExceeded || decision.Remaining != 0 {
		t.Fatalf("call 121: expected QUOTA_EXCEEDED with remaining 0, got %+v", decision)
	}
	if !decision.ResetAt.Equal(time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reset time %v", decision.ResetAt)
	}
	if got := f.ledger.count("u1", "2026-10-15"); got != 120 {
		t.Fatalf("expected ledger count 120, got %d", got)
	}
}

func TestMidDayOverrideKeepsSnapshotLimit(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierSupporter, Status: enums.PlanStatusActive})

	for i := 0; i < 3; i++ {
		consume(t, f.svc, "u1")
	}

	override := 500
	plan := f.plans.plans["u1"]
	plan.QuotaOverride = &override
	f.setPlan(plan)

	decision := consume(t, f.svc, "u1")
	if !decision.Allow || decision.Limit != 20 || decision.Remaining != 16 {
		t.Fatalf("expected today's snapshot limit of 20 to hold, got %+v", decision)
	}
}

func TestBonusTokensAndOverrideFormEffectiveQuota(t *testing.T) {
	f := newFixture(t)
	override := 3
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierPro, Status: enums.PlanStatusActive, QuotaOverride: &override, BonusTokens: 2})

	decision := consume(t, f.svc, "u1")
	if !decision.Allow || decision.Limit != 5 || decision.Remaining != 4 {
		t.Fatalf("expected override+bonus limit of 5, got %+v", decision)
	}
}

func TestBannedUserIsDeniedWithoutConsumption(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierPro, Status: enums.PlanStatusActive, AIBanned: true})

	decision := consume(t, f.svc, "u1")
	if decision.Allow || decision.Reason != enums.DenyReasonAIBanned {
		t.Fatalf("expected AI_BANNED, got %+v", decision)
	}
	if f.ledger.calls != 0 || f.limiter.calls != 0 {
		t.Fatalf("ban must short-circuit before limiter and ledger")
	}
}

func TestExpiredPlanFallsBackToFree(t *testing.T) {
	f := newFixture(t)
	past := testNow.Add(-time.Minute)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierPro, Status: enums.PlanStatusActive, ExpiresAt: &past})

	decision := consume(t, f.svc, "u1")
	if decision.Allow || decision.Reason != enums.DenyReasonNoAIAccess || decision.Tier != enums.PlanTierFree {
		t.Fatalf("expected lapsed pro plan to be treated as free, got %+v", decision)
	}

	f.switches.ks.AIQuotas.Free = 2
	decision = consume(t, f.svc, "u1")
	if !decision.Allow || decision.Limit != 2 || decision.Tier != enums.PlanTierFree {
		t.Fatalf("expected free quota to apply, got %+v", decision)
	}
}

func TestRevokedAndMissingPlansAreFree(t *testing.T) {
	f := newFixture(t)
	f.switches.ks.AIQuotas.Free = 1
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierPro, Status: enums.PlanStatusRevoked})

	if decision := consume(t, f.svc, "u1"); decision.Tier != enums.PlanTierFree || decision.Limit != 1 {
		t.Fatalf("expected revoked plan to be free, got %+v", decision)
	}
	if decision := consume(t, f.svc, "nobody"); decision.Tier != enums.PlanTierFree || !decision.Allow {
		t.Fatalf("expected missing plan to be free, got %+v", decision)
	}
}

func TestKillSwitchesTakePrecedence(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierPro, Status: enums.PlanStatusActive, AIBanned: true})

	f.switches.ks.AIEnabled = false
	f.switches.ks.PaidFeaturesEnabled = false
	decision := consume(t, f.svc, "u1")
	if decision.Reason != enums.DenyReasonAIDisabled {
		t.Fatalf("expected AI_DISABLED first, got %+v", decision)
	}

	f.switches.ks.AIEnabled = true
	decision = consume(t, f.svc, "u1")
	if decision.Reason != enums.DenyReasonPaidFeaturesDisabled {
		t.Fatalf("expected PAID_FEATURES_DISABLED, got %+v", decision)
	}
	if f.ledger.calls != 0 {
		t.Fatalf("kill switch denials must not touch the ledger")
	}
}

func TestKillSwitchDeniesWithoutReadingPlan(t *testing.T) {
	f := newFixture(t)
	f.switches.ks.AIEnabled = false
	f.plans.err = errors.New("plan store down")

	decision, err := f.svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("expected AI_DISABLED denial, got error %v", err)
	}
	if decision.Allow || decision.Reason != enums.DenyReasonAIDisabled {
		t.Fatalf("expected AI_DISABLED, got %+v", decision)
	}
}

func TestRateLimitedBeforeLedger(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierSupporter, Status: enums.PlanStatusActive})
	f.limiter.allow = false
	f.limiter.retryAfter = 12

	decision := consume(t, f.svc, "u1")
	if decision.Allow || decision.Reason != enums.DenyReasonRateLimited || decision.RetryAfterSec != 12 {
		t.Fatalf("expected RATE_LIMITED, got %+v", decision)
	}
	if f.ledger.calls != 0 {
		t.Fatalf("rate limited request must not consume quota")
	}
}

func TestRateLimiterErrorFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierSupporter, Status: enums.PlanStatusActive})
	f.limiter.err = errors.New("limiter down")

	if decision := consume(t, f.svc, "u1"); !decision.Allow {
		t.Fatalf("expected limiter failure to fail open, got %+v", decision)
	}
}

func TestStoreFailuresFailClosed(t *testing.T) {
	cases := []struct {
		name string
		fail func(f *fixture)
	}{
		{name: "kill switches", fail: func(f *fixture) { f.switches.err = errors.New("db down") }},
		{name: "plan", fail: func(f *fixture) { f.plans.err = errors.New("db down") }},
		{name: "ledger", fail: func(f *fixture) { f.ledger.err = errors.New("db down") }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierPro, Status: enums.PlanStatusActive})
			tc.fail(f)

			decision, err := f.svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: "u1"})
			if !errors.Is(err, ErrStoreUnavailable) {
				t.Fatalf("expected ErrStoreUnavailable, got %v", err)
			}
			if decision.Allow {
				t.Fatalf("store failure must never allow")
			}
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	f.switches.err = errors.New("db down")

	for i := 0; i < 5; i++ {
		if _, err := f.svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: "u1"}); !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("attempt %d: expected ErrStoreUnavailable, got %v", i, err)
		}
	}
	callsBefore := f.switches.calls

	if _, err := f.svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: "u1"}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable while open, got %v", err)
	}
	if f.switches.calls != callsBefore {
		t.Fatalf("expected open breaker to skip the store")
	}
}

func TestCancelledCallersDoNotOpenBreaker(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u2", Tier: enums.PlanTierPro, Status: enums.PlanStatusActive})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		if _, err := f.svc.CheckAndConsume(cancelled, ConsumeRequest{UserID: "u1"}); err == nil {
			t.Fatalf("attempt %d: expected error for cancelled request", i)
		}
	}

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Hour))
	defer cancelExpired()
	for i := 0; i < 10; i++ {
		if _, err := f.svc.CheckAndConsume(expired, ConsumeRequest{UserID: "u1"}); err == nil {
			t.Fatalf("attempt %d: expected error for expired request", i)
		}
	}

	decision, err := f.svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: "u2"})
	if err != nil {
		t.Fatalf("expected other users to be served, got %v", err)
	}
	if !decision.Allow {
		t.Fatalf("expected allow, got %+v", decision)
	}
}

func TestStoreTimeoutCountsAgainstBreaker(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.StoreTimeout = time.Nanosecond
	f.switches.block = true

	for i := 0; i < 5; i++ {
		if _, err := f.svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: "u1"}); !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("attempt %d: expected ErrStoreUnavailable, got %v", i, err)
		}
	}
	callsBefore := f.switches.calls

	if _, err := f.svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: "u1"}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable while open, got %v", err)
	}
	if f.switches.calls != callsBefore {
		t.Fatalf("expected store timeouts to open the breaker")
	}
}

func TestPersistentConflictsReturnContention(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierPro, Status: enums.PlanStatusActive})
	f.ledger.alwaysConflict = true

	_, err := f.svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: "u1"})
	if !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	if f.ledger.calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", f.ledger.calls)
	}
}

func TestConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierPro, Status: enums.PlanStatusActive})
	f.ledger.conflictsLeft = 2

	decision := consume(t, f.svc, "u1")
	if !decision.Allow || decision.Remaining != 119 {
		t.Fatalf("expected allow after retries, got %+v", decision)
	}
	if f.ledger.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.ledger.calls)
	}
}

func TestEveryDecisionIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierSupporter, Status: enums.PlanStatusActive, AIBanned: true})

	consume(t, f.svc, "u1")
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierSupporter, Status: enums.PlanStatusActive})
	consume(t, f.svc, "u1")

	if len(f.usage.events) != 2 {
		t.Fatalf("expected 2 usage events, got %d", len(f.usage.events))
	}
	denied, allowed := f.usage.events[0], f.usage.events[1]
	if denied.Allowed || denied.Reason != enums.DenyReasonAIBanned {
		t.Fatalf("unexpected deny event: %+v", denied)
	}
	if !allowed.Allowed || allowed.EffectiveQuota != 20 || allowed.Remaining != 19 || allowed.PromptChars != 42 {
		t.Fatalf("unexpected allow event: %+v", allowed)
	}
	if allowed.Action != enums.UsageActionAIRequest {
		t.Fatalf("expected default action, got %q", allowed.Action)
	}
}

func TestStatusDoesNotConsume(t *testing.T) {
	f := newFixture(t)
	f.setPlan(model.Plan{UserID: "u1", Tier: enums.PlanTierSupporter, Status: enums.PlanStatusActive})

	status, err := f.svc.Status(context.Background(), "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Limit != 20 || status.Used != 0 || status.Remaining != 20 || status.Blocked != "" {
		t.Fatalf("unexpected initial status: %+v", status)
	}

	consume(t, f.svc, "u1")
	status, err = f.svc.Status(context.Background(), "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Used != 1 || status.Remaining != 19 || status.DayKey != "2026-10-15" {
		t.Fatalf("unexpected status after consume: %+v", status)
	}
	if got := f.ledger.count("u1", "2026-10-15"); got != 1 {
		t.Fatalf("status must not consume, ledger count %d", got)
	}

	f.switches.ks.AIEnabled = false
	status, _ = f.svc.Status(context.Background(), "u1")
	if status.Blocked != enums.DenyReasonAIDisabled {
		t.Fatalf("expected blocked AI_DISABLED, got %q", status.Blocked)
	}
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: " "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := f.svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: "u1", PromptChars: -1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestConcurrentRequestsNeverExceedDailyLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	plans := &planStub{plans: map[string]model.Plan{
		"u1": {UserID: "u1", Tier: enums.PlanTierSupporter, Status: enums.PlanStatusActive},
	}}
	svc, err := NewService(Dependencies{
		Plans:        plans,
		KillSwitches: &killSwitchStub{ks: defaultSwitches()},
		Ledger:       redrepo.NewQuotaLedgerRepo(client),
	}, Config{Timezone: "UTC", CASMaxAttempts: 1000, StoreTimeout: 10 * time.Second}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	const requests = 60
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		denied  int
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := svc.CheckAndConsume(context.Background(), ConsumeRequest{UserID: "u1"})
			if err != nil {
				t.Errorf("check and consume: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if decision.Allow {
				allowed++
			} else if decision.Reason == enums.DenyReasonQuotaExceeded {
				denied++
			}
		}()
	}
	wg.Wait()

	if allowed != 20 || denied != requests-20 {
		t.Fatalf("expected exactly 20 allowed and %d denied, got %d/%d", requests-20, allowed, denied)
	}
}

type planStub struct {
	mu    sync.Mutex
	plans map[string]model.Plan
	err   error
}

func (s *planStub) GetPlan(_ context.Context, userID string) (model.Plan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.Plan{}, false, s.err
	}
	plan, ok := s.plans[userID]
	if !ok {
		return model.DefaultPlan(userID), false, nil
	}
	return plan, true, nil
}

type killSwitchStub struct {
	mu    sync.Mutex
	ks    model.KillSwitches
	err   error
	block bool
	calls int
}

func (s *killSwitchStub) Get(ctx context.Context) (model.KillSwitches, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.block {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return model.KillSwitches{}, err
	}
	if s.err != nil {
		return model.KillSwitches{}, s.err
	}
	return s.ks, nil
}

type limiterStub struct {
	allow      bool
	retryAfter int64
	err        error
	calls      int
}

func (s *limiterStub) Allow(context.Context, string) (int64, bool, error) {
	s.calls++
	if s.err != nil {
		return 0, false, s.err
	}
	return s.retryAfter, s.allow, nil
}

type usageStub struct {
	events []model.UsageEvent
}

func (s *usageStub) Record(event model.UsageEvent) {
	s.events = append(s.events, event)
}

type memoryLedger struct {
	entries        map[string]model.QuotaEntry
	err            error
	alwaysConflict bool
	conflictsLeft  int
	calls          int
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{entries: make(map[string]model.QuotaEntry)}
}

func (l *memoryLedger) count(userID, dayKey string) int {
	return l.entries[userID+"|"+dayKey].Count
}

func (l *memoryLedger) Get(_ context.Context, userID, dayKey string) (model.QuotaEntry, bool, error) {
	if l.err != nil {
		return model.QuotaEntry{}, false, l.err
	}
	entry, ok := l.entries[userID+"|"+dayKey]
	return entry, ok, nil
}

func (l *memoryLedger) TryConsume(_ context.Context, userID, dayKey string, limit int, tier enums.PlanTier) (model.QuotaEntry, bool, error) {
	l.calls++
	if l.err != nil {
		return model.QuotaEntry{}, false, l.err
	}
	if l.alwaysConflict {
		return model.QuotaEntry{}, false, model.ErrQuotaConflict
	}
	if l.conflictsLeft > 0 {
		l.conflictsLeft--
		return model.QuotaEntry{}, false, model.ErrQuotaConflict
	}

	key := userID + "|" + dayKey
	entry, ok := l.entries[key]
	if !ok {
		entry = model.QuotaEntry{UserID: userID, DayKey: dayKey, Limit: limit, TierAtTime: tier}
	} else if entry.Count >= entry.Limit {
		return entry, false, nil
	}
	entry.Count++
	entry.Version++
	l.entries[key] = entry
	return entry, true, nil
}
