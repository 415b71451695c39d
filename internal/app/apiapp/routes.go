package apiapp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	authsvc "github.com/coursehub/entitlements/internal/services/auth"
	"github.com/coursehub/entitlements/internal/transport/http/handlers"
)

type Dependencies struct {
	AuthService       *authsvc.Service
	PlanService       handlers.PlanService
	KillSwitchService handlers.KillSwitchService
	QuotaService      handlers.QuotaService
	AuditReader       handlers.AuditReader
	Postgres          handlers.Pinger
	Logger            *zap.Logger
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler(deps.Postgres)
	aiHandler := handlers.NewAIHandler(deps.QuotaService)
	plansHandler := handlers.NewPlansHandler(deps.PlanService)
	killSwitchHandler := handlers.NewKillSwitchHandler(deps.KillSwitchService)
	auditHandler := handlers.NewAuditHandler(deps.AuditReader)

	authMW := AuthMiddleware(deps.AuthService, deps.Logger)
	adminMW := RequireAdmin(deps.AuthService)

	r.Get("/healthz", healthHandler.Healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMW)
			r.Post("/ai/consume", aiHandler.Consume)
			r.Get("/ai/quota", aiHandler.Quota)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(authMW, adminMW)
			r.Post("/plans/set", plansHandler.Set)
			r.Post("/plans/revoke", plansHandler.Revoke)
			r.Post("/plans/overrides", plansHandler.Overrides)
			r.Get("/plans/{user_id}", plansHandler.Get)
			r.Get("/killswitches", killSwitchHandler.Get)
			r.Put("/killswitches", killSwitchHandler.Put)
			r.Get("/audit", auditHandler.List)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w)
	})
}
