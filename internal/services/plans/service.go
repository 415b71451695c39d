package plans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/coursehub/entitlements/internal/domain/enums"
	"github.com/coursehub/entitlements/internal/domain/model"
	"github.com/coursehub/entitlements/internal/domain/rules"
	pgrepo "github.com/coursehub/entitlements/internal/repo/postgres"
)

const (
	DefaultRevokeReason = "Plan revoked by admin"
	defaultHistoryLimit = 50
)

var (
	ErrValidation = errors.New("validation error")
	ErrPermission = errors.New("permission denied")
)

type Store interface {
	GetPlan(ctx context.Context, userID string) (model.Plan, bool, error)
	Mutate(ctx context.Context, userID string, fn pgrepo.PlanMutator) (model.Plan, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]model.PlanHistoryEntry, error)
}

type AdminPolicy interface {
	IsAdmin(role string) bool
}

type SetPlanInput struct {
	UserID       string     `validate:"required,max=128"`
	Tier         string     `validate:"required"`
	Status       string     `validate:"omitempty"`
	ExpiresAt    *time.Time `validate:"omitempty"`
	DurationDays *int       `validate:"omitempty,gte=1,lte=3650"`
	Reason       string     `validate:"max=500"`
	Source       string     `validate:"omitempty"`
}

// QuotaOverrideChange distinguishes "leave as is" (Set=false) from
// "clear" (Set=true, Value=nil) and "set" (Set=true, Value!=nil).
type QuotaOverrideChange struct {
	Set   bool
	Value *int
}

type OverridesInput struct {
	UserID        string `validate:"required,max=128"`
	BonusTokens   *int   `validate:"omitempty,gte=0"`
	AIBanned      *bool
	QuotaOverride QuotaOverrideChange
}

type PlanView struct {
	Plan          model.Plan
	Stored        bool
	EffectiveTier enums.PlanTier
	History       []model.PlanHistoryEntry
}

type Service struct {
	store    Store
	admins   AdminPolicy
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

func NewService(store Store, admins AdminPolicy) *Service {
	return &Service{
		store:    store,
		admins:   admins,
		validate: validator.New(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

func (s *Service) SetPlan(ctx context.Context, actor model.Actor, in SetPlanInput) (model.Plan, error) {
	if err := s.authorize(actor); err != nil {
		return model.Plan{}, err
	}

	now := s.now().UTC()
	target, err := s.normalizeSetPlan(in, now)
	if err != nil {
		return model.Plan{}, err
	}

	action := enums.AuditActionPlanSet
	if target.Status == enums.PlanStatusRevoked {
		action = enums.AuditActionPlanRevoked
	}
	return s.applyTransition(ctx, actor, target, action, now)
}

// RevokePlan moves the user back to free with status revoked and no expiry.
func (s *Service) RevokePlan(ctx context.Context, actor model.Actor, userID, reason string) (model.Plan, error) {
	if err := s.authorize(actor); err != nil {
		return model.Plan{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return model.Plan{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultRevokeReason
	}

	now := s.now().UTC()
	return s.applyTransition(ctx, actor, model.Plan{
		UserID: userID,
		Tier:   enums.PlanTierFree,
		Status: enums.PlanStatusRevoked,
		Source: enums.PlanSourceAdminGrant,
		Reason: strings.TrimSpace(reason),
	}, enums.AuditActionPlanRevoked, now)
}

func (s *Service) SetAIOverrides(ctx context.Context, actor model.Actor, in OverridesInput) (model.Plan, error) {
	if err := s.authorize(actor); err != nil {
		return model.Plan{}, err
	}
	in.UserID = strings.TrimSpace(in.UserID)
	if err := s.validate.Struct(in); err != nil {
		return model.Plan{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.QuotaOverride.Set && in.QuotaOverride.Value != nil && *in.QuotaOverride.Value < 0 {
		return model.Plan{}, fmt.Errorf("%w: quota override must be >= 0", ErrValidation)
	}
	if in.BonusTokens == nil && in.AIBanned == nil && !in.QuotaOverride.Set {
		return model.Plan{}, fmt.Errorf("%w: no overrides given", ErrValidation)
	}
	if s.store == nil {
		return model.Plan{}, fmt.Errorf("plan store is nil")
	}

	now := s.now().UTC()
	return s.store.Mutate(ctx, in.UserID, func(current model.Plan, found bool) (pgrepo.PlanChange, error) {
		next := current
		if !found {
			next = model.DefaultPlan(in.UserID)
			next.StartedAt = now
			next.Reason = "Created by AI override"
		}

		changes := map[string]any{}
		if in.BonusTokens != nil {
			next.BonusTokens = *in.BonusTokens
			changes["bonus_tokens"] = *in.BonusTokens
		}
		if in.AIBanned != nil {
			next.AIBanned = *in.AIBanned
			changes["ai_banned"] = *in.AIBanned
		}
		if in.QuotaOverride.Set {
			next.QuotaOverride = copyInt(in.QuotaOverride.Value)
			changes["quota_override"] = in.QuotaOverride.Value
		}
		next.UpdatedAt = now
		next.UpdatedBy = actor.UserID

		audit, err := s.audit(actor, enums.AuditActionAIOverridesSet, in.UserID, now, map[string]any{
			"changes":      changes,
			"created_plan": !found,
		})
		if err != nil {
			return pgrepo.PlanChange{}, err
		}
		return pgrepo.PlanChange{Plan: next, Audit: audit}, nil
	})
}

// GetPlan returns the stored plan (or the free default), the tier the
// decision path would honor right now, and recent history.
func (s *Service) GetPlan(ctx context.Context, actor model.Actor, userID string, historyLimit int) (PlanView, error) {
	if err := s.authorize(actor); err != nil {
		return PlanView{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PlanView{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if s.store == nil {
		return PlanView{}, fmt.Errorf("plan store is nil")
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	plan, found, err := s.store.GetPlan(ctx, userID)
	if err != nil {
		return PlanView{}, err
	}
	history, err := s.store.ListHistory(ctx, userID, historyLimit)
	if err != nil {
		return PlanView{}, err
	}

	return PlanView{
		Plan:          plan,
		Stored:        found,
		EffectiveTier: rules.EffectiveTier(plan, s.now().UTC()),
		History:       history,
	}, nil
}

func (s *Service) applyTransition(ctx context.Context, actor model.Actor, target model.Plan, action enums.AuditAction, now time.Time) (model.Plan, error) {
	if s.store == nil {
		return model.Plan{}, fmt.Errorf("plan store is nil")
	}

	return s.store.Mutate(ctx, target.UserID, func(current model.Plan, found bool) (pgrepo.PlanChange, error) {
		next := current
		next.UserID = target.UserID
		next.Tier = target.Tier
		next.Status = target.Status
		next.ExpiresAt = target.ExpiresAt
		next.Source = target.Source
		next.Reason = target.Reason
		next.UpdatedAt = now
		next.UpdatedBy = actor.UserID

		next.StartedAt = now
		if found && current.Status == enums.PlanStatusActive && current.Tier == target.Tier && !current.StartedAt.IsZero() {
			next.StartedAt = current.StartedAt
		}

		history := &model.PlanHistoryEntry{
			ID:         s.newID(),
			UserID:     target.UserID,
			FromTier:   current.Tier,
			ToTier:     next.Tier,
			FromStatus: current.Status,
			ToStatus:   next.Status,
			ActorID:    actor.UserID,
			ActorName:  actor.Name(),
			Source:     next.Source,
			Reason:     next.Reason,
			CreatedAt:  now,
		}

		audit, err := s.audit(actor, action, target.UserID, now, map[string]any{
			"from_tier":   current.Tier,
			"from_status": current.Status,
			"tier":        next.Tier,
			"status":      next.Status,
			"expires_at":  next.ExpiresAt,
			"source":      next.Source,
			"reason":      next.Reason,
		})
		if err != nil {
			return pgrepo.PlanChange{}, err
		}

		return pgrepo.PlanChange{Plan: next, History: history, Audit: audit}, nil
	})
}

func (s *Service) normalizeSetPlan(in SetPlanInput, now time.Time) (model.Plan, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	if err := s.validate.Struct(in); err != nil {
		return model.Plan{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	tier, ok := enums.ParsePlanTier(in.Tier)
	if !ok {
		return model.Plan{}, fmt.Errorf("%w: unknown tier %q", ErrValidation, in.Tier)
	}

	status := enums.PlanStatusActive
	if strings.TrimSpace(in.Status) != "" {
		if status, ok = enums.ParsePlanStatus(in.Status); !ok {
			return model.Plan{}, fmt.Errorf("%w: unknown status %q", ErrValidation, in.Status)
		}
	}

	source := enums.PlanSourceAdminGrant
	if strings.TrimSpace(in.Source) != "" {
		if source, ok = enums.ParsePlanSource(in.Source); !ok {
			return model.Plan{}, fmt.Errorf("%w: unknown source %q", ErrValidation, in.Source)
		}
	}

	if in.ExpiresAt != nil && in.DurationDays != nil {
		return model.Plan{}, fmt.Errorf("%w: expires_at and duration_days are mutually exclusive", ErrValidation)
	}

	var expiresAt *time.Time
	switch {
	case in.ExpiresAt != nil:
		v := in.ExpiresAt.UTC()
		expiresAt = &v
	case in.DurationDays != nil:
		v := now.AddDate(0, 0, *in.DurationDays)
		expiresAt = &v
	}
	if status == enums.PlanStatusActive && expiresAt != nil && !expiresAt.After(now) {
		return model.Plan{}, fmt.Errorf("%w: active plan must expire in the future", ErrValidation)
	}

	return model.Plan{
		UserID:    in.UserID,
		Tier:      tier,
		Status:    status,
		ExpiresAt: expiresAt,
		Source:    source,
		Reason:    strings.TrimSpace(in.Reason),
	}, nil
}

func (s *Service) authorize(actor model.Actor) error {
	if s.admins == nil || !s.admins.IsAdmin(actor.Role) {
		return ErrPermission
	}
	if strings.TrimSpace(actor.UserID) == "" {
		return ErrPermission
	}
	return nil
}

func (s *Service) audit(actor model.Actor, action enums.AuditAction, targetUserID string, now time.Time, payload map[string]any) (model.Audit, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Audit{}, fmt.Errorf("marshal audit payload: %w", err)
	}
	return model.Audit{
		ID:           s.newID(),
		ActorID:      actor.UserID,
		ActorName:    actor.Name(),
		Action:       action,
		TargetUserID: targetUserID,
		Payload:      raw,
		CreatedAt:    now,
	}, nil
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
