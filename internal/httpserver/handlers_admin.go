package httpserver

import (
	"net/http"
	"time"

	apierrors "github.com/credibill/server/internal/errors"
	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/pkg/responders"
)

// health reports liveness and basic build/runtime information.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	responders.JSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      now.Sub(serverStartTime).String(),
		"timestamp":   now.UTC(),
		"backend":     h.cfg.Storage.Backend,
		"routePrefix": h.cfg.Server.RoutePrefix,
	})
}

// triggerReconcile runs one reconciliation sweep synchronously and reports
// the summary. The scheduled loop calls the same code path.
func (h *handlers) triggerReconcile(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	summary, err := h.billing.Reconcile(r.Context())
	if err != nil {
		log.Error().
			Err(err).
			Msg("admin.reconcile_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStoreError, "reconciliation sweep failed")
		return
	}

	responders.JSON(w, http.StatusOK, summary)
}

// triggerCleanup runs one duplicate-transaction cleanup pass synchronously.
func (h *handlers) triggerCleanup(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	summary, err := h.billing.Cleanup(r.Context())
	if err != nil {
		log.Error().
			Err(err).
			Msg("admin.cleanup_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStoreError, "cleanup pass failed")
		return
	}

	responders.JSON(w, http.StatusOK, summary)
}
