package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// StartSaga launches a new saga instance.
func (h *Handlers) StartSaga(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type    string          `json:"type"`
		Context json.RawMessage `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return
	}
	if body.Type == "" {
		h.writeError(w, http.StatusBadRequest, "type is required", nil)
		return
	}

	state, err := h.sagas.Start(r.Context(), body.Type, body.Context)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to start saga", err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

// GetSaga returns a saga's current state.
func (h *Handlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")
	state, err := h.sagas.Status(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "saga not found", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to get saga", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetSagaEvents returns a saga's event stream from an optional cursor.
func (h *Handlers) GetSagaEvents(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")

	var fromVersion int64
	if from := r.URL.Query().Get("from"); from != "" {
		v, err := strconv.ParseInt(from, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "from must be a non-negative integer", err)
			return
		}
		fromVersion = v
	}

	events, err := h.sagas.Events(r.Context(), sagaID, fromVersion)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list events", err)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// CancelSaga cancels a running saga, compensating completed steps.
func (h *Handlers) CancelSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")
	if err := h.sagas.Cancel(r.Context(), sagaID); err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "saga not found", nil)
			return
		}
		h.writeError(w, http.StatusConflict, "saga is not running", err)
		return
	}

	state, err := h.sagas.Status(r.Context(), sagaID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to get saga", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ResumeSaga replays a saga's events and continues from the first
// incomplete step.
func (h *Handlers) ResumeSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")
	state, err := h.sagas.Resume(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "saga not found", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to resume saga", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// RefreshPortal launches the cache-refresh saga for a portal.
func (h *Handlers) RefreshPortal(w http.ResponseWriter, r *http.Request) {
	portalID := chi.URLParam(r, "portalID")
	state, err := h.refresh(r.Context(), portalID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to start refresh", err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}
