package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/service"
)

// NewRouter builds the full HTTP surface over svc.
func NewRouter(svc *service.AdmissionService) http.Handler {
	h := NewAdmissionHandler(svc)
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Logger)                  // structured access log
	r.Use(CORS)                    // browser clients poll from other origins

	r.Get("/health", HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/{id}", h.GetSession)
		r.Post("/{id}/eligibility", h.SubmitEligibility)
		r.Get("/{id}/eligibility", h.CheckEligibility)
		r.Post("/{id}/application", h.SubmitApplication)
		r.Get("/{id}/application", h.CheckSubmissionStatus)
		r.Post("/{id}/waitlist", h.AddToWaitlist)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.GetQueueState)
		r.Post("/open", h.OpenQueue)
		r.Post("/close", h.CloseQueue)
		r.Put("/capacity", h.SetCapacity)
	})

	r.Get("/countdown", h.GetCountdown)
	r.Put("/countdown", h.UpdateCountdown)
	r.Post("/selection", h.RunSelection)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/applications", h.ListApplications)
		r.Get("/waitlist", h.ListWaitlist)
		r.Get("/sessions/count", h.CountSessions)
		r.Get("/stats", h.Stats)
	})

	return r
}
