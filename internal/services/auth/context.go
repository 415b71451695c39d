package auth

import (
	"context"

	"github.com/coursehub/entitlements/internal/domain/model"
)

type identityContextKey string

const identityKey identityContextKey = "auth_identity"

type Identity struct {
	UserID string
	Name   string
	Role   string
}

func (i Identity) Actor() model.Actor {
	return model.Actor{
		UserID:      i.UserID,
		DisplayName: i.Name,
		Role:        i.Role,
	}
}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}
