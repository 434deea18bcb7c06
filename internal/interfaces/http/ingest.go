package http

import (
	"encoding/json"
	"net/http"

	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/signal"
	"github.com/torobias/torobias/internal/engine"
)

// IngestFactor accepts one factor submission. The producer identity comes
// from the auth layer, never from the request body.
func (h *Handlers) IngestFactor(w http.ResponseWriter, r *http.Request) {
	var sub engine.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "", "malformed submission: "+err.Error())
		return
	}
	sub.Producer = producerFrom(r.Context())
	if sub.Source == "" {
		sub.Source = factor.SourceWebhook
	}

	reading, err := h.Ingest.Ingest(r.Context(), sub)
	if err != nil {
		if reason, ok := factor.ReasonOf(err); ok {
			h.writeError(w, r, rejectStatus(reason), reason, err.Error())
			return
		}
		h.writeError(w, r, http.StatusInternalServerError, "", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, IngestAccepted{
		FactorID:        reading.FactorID,
		Score:           reading.Score,
		ObservedAt:      reading.ObservedAt,
		TimestampSource: reading.Metadata.TimestampSource,
	})
}

// IngestTrigger applies one circuit breaker trigger.
func (h *Handlers) IngestTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Trigger == "" {
		h.writeError(w, r, http.StatusBadRequest, "", "trigger is required")
		return
	}
	if err := h.Breaker.Apply(r.Context(), req.Trigger); err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, factor.ReasonGatewayUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.Breaker.Snapshot())
}

// IngestSignal scores and stores one signal candidate. Replays of the same
// candidate return the stored signal.
func (h *Handlers) IngestSignal(w http.ResponseWriter, r *http.Request) {
	var c signal.Candidate
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "", "malformed candidate: "+err.Error())
		return
	}
	if err := c.Validate(); err != nil {
		h.writeError(w, r, http.StatusUnprocessableEntity, factor.RejectOutOfRange, err.Error())
		return
	}

	sig, err := h.Signals.Submit(r.Context(), c)
	if err != nil {
		if reason, ok := factor.ReasonOf(err); ok {
			h.writeError(w, r, rejectStatus(reason), reason, err.Error())
			return
		}
		h.writeError(w, r, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}
