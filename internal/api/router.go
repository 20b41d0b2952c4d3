package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/care-scheduling/internal/redis"
	"github.com/hackgods/care-scheduling/internal/scheduling"
)

type RouterConfig struct {
	Service      *scheduling.Service
	Dependencies []Dependency
	Idempotency  redisclient.IdempotencyStore
	Logger       zerolog.Logger

	// RateLimitRPS <= 0 disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware)

	// Health endpoints stay outside rate limiting
	health := NewHealthHandler(cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))
		}
		r.Use(IdempotencyMiddleware(cfg.Idempotency))

		svc := cfg.Service

		r.Route("/providers/{id}", func(r chi.Router) {
			r.Put("/", upsertProviderHandler(svc))
			r.Get("/slots", listSlotsHandler(svc))
			r.Post("/slots/block", blockSlotHandler(svc))
			r.Post("/slots/unblock", unblockSlotHandler(svc))
			r.Post("/slots/bulk", materializeSlotsHandler(svc))
			r.Get("/availability", listAvailabilityHandler(svc))
			r.Put("/availability", setAvailabilityHandler(svc))
			r.Get("/stats", statsHandler(svc))
		})

		r.Post("/appointments", createAppointmentHandler(svc))
		r.Get("/appointments", listAppointmentsHandler(svc))
		r.Post("/appointments/check", checkConflictsHandler(svc))
		r.Get("/appointments/{id}", getAppointmentHandler(svc))
		r.Patch("/appointments/{id}/status", updateStatusHandler(svc))
		r.Post("/appointments/{id}/reschedule", rescheduleHandler(svc))
		r.Post("/appointments/{id}/cancel", cancelHandler(svc))
		r.Post("/appointments/{id}/complete", completeHandler(svc))
		r.Post("/appointments/{id}/rating", rateHandler(svc))
	})

	return r
}
