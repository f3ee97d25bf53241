// Package handlers implements HTTP request handlers for the Portico API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/porticohq/portico/internal/health"
	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/internal/saga"
	"github.com/porticohq/portico/internal/webhook"
	"github.com/porticohq/portico/pkg/types"
)

// RefreshFunc launches the cache-refresh saga for a portal.
type RefreshFunc func(ctx context.Context, portalID string) (*types.SagaState, error)

// Handlers contains all HTTP handler dependencies.
type Handlers struct {
	provider provider.Provider
	sagas    *saga.Orchestrator
	webhooks *webhook.Engine
	health   *health.Monitor
	refresh  RefreshFunc
	logger   *slog.Logger
}

// New creates a new Handlers instance.
func New(prov provider.Provider, sagas *saga.Orchestrator, webhooks *webhook.Engine, monitor *health.Monitor, refresh RefreshFunc) *Handlers {
	return &Handlers{
		provider: prov,
		sagas:    sagas,
		webhooks: webhooks,
		health:   monitor,
		refresh:  refresh,
		logger:   slog.Default(),
	}
}

// SetLogger overrides the default logger.
func (h *Handlers) SetLogger(l *slog.Logger) {
	if l != nil {
		h.logger = l
	}
}

// writeError logs the internal error and returns a sanitized JSON error to the client.
func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil {
		h.logger.Error(msg, "error", err, "status", status)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
