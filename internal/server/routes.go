package server

import (
	"github.com/go-chi/chi/v5"

	"github.com/porticohq/portico/internal/server/handlers"
)

func (s *Server) registerRoutes(r chi.Router) {
	h := handlers.New(s.deps.Provider, s.deps.Sagas, s.deps.Webhooks, s.deps.Health, s.deps.StartRefresh)

	r.Route("/api", func(r chi.Router) {
		// Health
		r.Get("/health", h.Health)

		// Sagas
		r.Post("/sagas", h.StartSaga)
		r.Get("/sagas/{sagaID}", h.GetSaga)
		r.Get("/sagas/{sagaID}/events", h.GetSagaEvents)
		r.Post("/sagas/{sagaID}/cancel", h.CancelSaga)
		r.Post("/sagas/{sagaID}/resume", h.ResumeSaga)

		// Portals
		r.Post("/portals/{portalID}/refresh", h.RefreshPortal)

		// Webhooks
		r.Post("/webhooks", h.RegisterWebhook)
		r.Get("/webhooks/{webhookID}", h.GetWebhook)
		r.Post("/webhooks/{webhookID}/deliveries", h.EnqueueDelivery)
		r.Get("/deliveries/{deliveryID}", h.GetDelivery)

		// Integrations
		r.Get("/integrations/{integrationID}/health", h.GetIntegrationHealth)
		r.Get("/integrations/{integrationID}/checks", h.ListIntegrationChecks)
		r.Post("/integrations/{integrationID}/health/ack", h.AcknowledgeSchemaChange)

		// Alerts
		r.Get("/alerts", h.ListAlerts)
	})
}
