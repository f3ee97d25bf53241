package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// RegisterWebhook registers an outbound webhook endpoint.
func (h *Handlers) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL               string `json:"url"`
		Secret            string `json:"secret"`
		MaxRetries        *int   `json:"maxRetries,omitempty"`
		RetryDelaySeconds *int   `json:"retryDelaySeconds,omitempty"`
		TimeoutSeconds    *int   `json:"timeoutSeconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return
	}

	wh := types.WebhookEndpoint{
		URL:    body.URL,
		Secret: body.Secret,
	}
	if body.MaxRetries != nil {
		wh.MaxRetries = *body.MaxRetries
	}
	if body.RetryDelaySeconds != nil {
		wh.RetryDelaySeconds = *body.RetryDelaySeconds
	}
	if body.TimeoutSeconds != nil {
		wh.TimeoutSeconds = *body.TimeoutSeconds
	}

	registered, err := h.webhooks.RegisterEndpoint(r.Context(), wh)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid webhook", err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

// GetWebhook returns a registered endpoint. The secret stays server-side.
func (h *Handlers) GetWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhookID")
	wh, err := h.provider.GetWebhook(r.Context(), webhookID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "webhook not found", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to get webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

// EnqueueDelivery queues a payload for delivery to an endpoint.
func (h *Handlers) EnqueueDelivery(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhookID")

	var body struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return
	}
	if body.Event == "" {
		h.writeError(w, http.StatusBadRequest, "event is required", nil)
		return
	}

	d, err := h.webhooks.Enqueue(r.Context(), webhookID, body.Event, body.Payload)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "webhook not found", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to enqueue delivery", err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

// GetDelivery returns one delivery's state and attempt history counters.
func (h *Handlers) GetDelivery(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "deliveryID")
	d, err := h.webhooks.Delivery(r.Context(), deliveryID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "delivery not found", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to get delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
