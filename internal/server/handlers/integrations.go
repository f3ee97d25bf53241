package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/porticohq/portico/pkg/types"
)

// GetIntegrationHealth returns the circuit state for a data source.
// Integrations that have never been checked read as HEALTHY.
func (h *Handlers) GetIntegrationHealth(w http.ResponseWriter, r *http.Request) {
	integrationID := chi.URLParam(r, "integrationID")
	state, err := h.health.Get(r.Context(), integrationID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to get health", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListIntegrationChecks returns recent health-check history, newest first.
func (h *Handlers) ListIntegrationChecks(w http.ResponseWriter, r *http.Request) {
	integrationID := chi.URLParam(r, "integrationID")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = v
	}

	checks, err := h.provider.ListHealthChecks(r.Context(), integrationID, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list checks", err)
		return
	}
	if checks == nil {
		checks = []types.HealthCheck{}
	}
	writeJSON(w, http.StatusOK, checks)
}

// AcknowledgeSchemaChange clears a SCHEMA_CHANGED circuit after an operator
// has adopted the new schema.
func (h *Handlers) AcknowledgeSchemaChange(w http.ResponseWriter, r *http.Request) {
	integrationID := chi.URLParam(r, "integrationID")
	if err := h.health.AcknowledgeSchemaChange(r.Context(), integrationID); err != nil {
		h.writeError(w, http.StatusConflict, "failed to acknowledge schema change", err)
		return
	}

	state, err := h.health.Get(r.Context(), integrationID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to get health", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListAlerts returns persisted alerts, optionally filtered by subject.
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = v
	}

	var (
		alerts []types.Alert
		err    error
	)
	if subject := r.URL.Query().Get("subject"); subject != "" {
		alerts, err = h.provider.ListAlerts(r.Context(), subject, limit)
	} else {
		alerts, err = h.provider.ListAllAlerts(r.Context(), limit)
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []types.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}
