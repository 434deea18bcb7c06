package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/torobias/torobias/internal/domain/bias"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/gateway"
)

const maxOverrideTTL = 72 * time.Hour

// SetOverride pins the composite level until expiry.
func (h *Handlers) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "", "malformed override: "+err.Error())
		return
	}
	if req.Reason == "" {
		h.writeError(w, r, http.StatusUnprocessableEntity, factor.ReasonConfigInvalid, "override requires a reason")
		return
	}
	if req.TTLMinutes <= 0 || time.Duration(req.TTLMinutes)*time.Minute > maxOverrideTTL {
		h.writeError(w, r, http.StatusUnprocessableEntity, factor.ReasonConfigInvalid,
			"ttl_minutes must be positive and at most 72h")
		return
	}

	o := bias.Override{
		Level:     req.Level,
		Reason:    req.Reason,
		ExpiresAt: h.clock().Add(time.Duration(req.TTLMinutes) * time.Minute),
	}
	if err := h.Override.SetOverride(r.Context(), o); err != nil {
		if reason, ok := factor.ReasonOf(err); ok {
			h.writeError(w, r, rejectStatus(reason), reason, err.Error())
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ClearOverride removes the manual override and lets the engine recompute.
func (h *Handlers) ClearOverride(w http.ResponseWriter, r *http.Request) {
	if err := h.Override.ClearOverride(r.Context()); err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetBreaker disengages all triggers manually.
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if err := h.Breaker.Reset(r.Context()); err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Breaker.Snapshot())
}

// DismissSignal retires an active signal without recording an outcome.
func (h *Handlers) DismissSignal(w http.ResponseWriter, r *http.Request) {
	signalID := mux.Vars(r)["signal_id"]
	if err := h.Signals.Dismiss(r.Context(), signalID); err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, "", "no such signal")
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
