package killswitch

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
)

var (
	ErrValidation = errors.New("validation error")
	ErrPermission = errors.New("permission denied")
)

type Store interface {
	Get(ctx context.Context) (model.KillSwitches, bool, error)
	Save(ctx context.Context, ks model.KillSwitches, audit model.Audit) (model.KillSwitches, error)
}

type AdminPolicy interface {
	IsAdmin(role string) bool
}

type UpdateInput struct {
	AIEnabled           bool `json:"ai_enabled"`
	PaidFeaturesEnabled bool `json:"paid_features_enabled"`
	MonetizationVisible bool `json:"monetization_visible"`
	AIQuotas            struct {
		Free      int `json:"free" validate:"gte=0"`
		Supporter int `json:"supporter" validate:"gte=0"`
		Pro       int `json:"pro" validate:"gte=0"`
	} `json:"ai_quotas"`
}

// Service is the kill switch registry. Reads always hit the store so a
// flipped switch applies to the very next decision.
type Service struct {
	store    Store
	admins   AdminPolicy
	defaults model.KillSwitches
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

func NewService(store Store, admins AdminPolicy, defaults model.KillSwitches) *Service {
	return &Service{
		store:    store,
		admins:   admins,
		defaults: defaults,
		validate: validator.New(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Get returns the stored switches, or the configured defaults when none
// have been saved yet.
func (s *Service) Get(ctx context.Context) (model.KillSwitches, error) {
	if s.store == nil {
		return model.KillSwitches{}, fmt.Errorf("kill switch store is nil")
	}

	ks, found, err := s.store.Get(ctx)
	if err != nil {
		return model.KillSwitches{}, err
	}
	if !found {
		return s.defaults, nil
	}
	return ks, nil
}

func (s *Service) Update(ctx context.Context, actor model.Actor, in UpdateInput) (model.KillSwitches, error) {
	if s.admins == nil || !s.admins.IsAdmin(actor.Role) {
		return model.KillSwitches{}, ErrPermission
	}
	if strings.TrimSpace(actor.UserID) == "" {
		return model.KillSwitches{}, fmt.Errorf("%w: actor id is required", ErrValidation)
	}
	if err := s.validate.Struct(in); err != nil {
		return model.KillSwitches{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if s.store == nil {
		return model.KillSwitches{}, fmt.Errorf("kill switch store is nil")
	}

	now := s.now().UTC()
	next := model.KillSwitches{
		AIEnabled:           in.AIEnabled,
		PaidFeaturesEnabled: in.PaidFeaturesEnabled,
		MonetizationVisible: in.MonetizationVisible,
		AIQuotas: model.AIQuotas{
			Free:      in.AIQuotas.Free,
			Supporter: in.AIQuotas.Supporter,
			Pro:       in.AIQuotas.Pro,
		},
		UpdatedAt: now,
		UpdatedBy: actor.UserID,
	}

	payload, err := json.Marshal(next)
	if err != nil {
		return model.KillSwitches{}, fmt.Errorf("marshal kill switch audit payload: %w", err)
	}

	return s.store.Save(ctx, next, model.Audit{
		ID:        s.newID(),
		ActorID:   actor.UserID,
		ActorName: actor.Name(),
		Action:    enums.AuditActionKillSwitchUpdated,
		Payload:   payload,
		CreatedAt: now,
	})
}
