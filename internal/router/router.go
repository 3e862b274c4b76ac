package router

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/blackboxhq/blackbox/internal/config"
	"github.com/blackboxhq/blackbox/internal/handler"
	"github.com/blackboxhq/blackbox/internal/middleware"
	"github.com/blackboxhq/blackbox/internal/service"
)

// New builds the HTTP router. captureSvc may be nil in tests that only
// exercise the admin API; the capture middleware is skipped then.
// resolveUser is the host-supplied user resolution strategy and may be nil.
func New(cfg *config.Config, database *sql.DB, captureSvc *service.CaptureService, resolveUser middleware.UserResolver, log zerolog.Logger) http.Handler {
	incidentSvc := service.NewIncidentService(database, cfg.DBDriver)

	healthH := handler.NewHealthHandler("0.3.0")
	incidentH := handler.NewIncidentHandler(incidentSvc)

	requireAdmin := middleware.AdminAuth(cfg.AdminToken)

	r := chi.NewRouter()
	r.Use(middleware.CORS)
	r.Use(middleware.RequestID)
	if captureSvc != nil {
		r.Use(middleware.Capture(captureSvc, cfg, resolveUser))
	}
	if cfg.ActivityLogEnabled {
		activitySvc := service.NewActivityService(database, cfg.DBDriver)
		r.Use(middleware.Activity(activitySvc, resolveUser, log))
	}

	// Public
	r.Get("/v1/health", healthH.Health)
	r.Get("/v1/version", healthH.Version)

	// Admin: incident browsing and triage
	r.Group(func(r chi.Router) {
		r.Use(requireAdmin)

		r.Get("/v1/incidents", incidentH.List)
		r.Get("/v1/incidents/{incident_id}", incidentH.Get)
		r.Patch("/v1/incidents/{incident_id}", incidentH.Update)
		r.Get("/v1/incidents/{incident_id}/curl", incidentH.Curl)
	})

	return r
}
