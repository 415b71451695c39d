package auth

import (
	"context"
	"strings"
)

type Service struct {
	jwt        *JWTManager
	adminRoles map[string]struct{}
}

func NewService(jwtManager *JWTManager, adminRoles []string) *Service {
	roles := make(map[string]struct{}, len(adminRoles))
	for _, role := range adminRoles {
		role = strings.ToUpper(strings.TrimSpace(role))
		if role != "" {
			roles[role] = struct{}{}
		}
	}
	return &Service{
		jwt:        jwtManager,
		adminRoles: roles,
	}
}

func (s *Service) ValidateAccessToken(_ context.Context, accessToken string) (AccessClaims, error) {
	if s.jwt == nil {
		return AccessClaims{}, ErrUnauthorized
	}
	return s.jwt.ParseAccessToken(accessToken)
}

// IsAdmin reports whether role is one of the configured admin roles.
func (s *Service) IsAdmin(role string) bool {
	_, ok := s.adminRoles[strings.ToUpper(strings.TrimSpace(role))]
	return ok
}
