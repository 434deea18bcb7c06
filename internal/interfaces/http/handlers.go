package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/torobias/torobias/internal/domain/bias"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/signal"
	"github.com/torobias/torobias/internal/engine"
	"github.com/torobias/torobias/internal/gateway"
)

// FactorIngestor is the ingest slice of the engine.
type FactorIngestor interface {
	Ingest(ctx context.Context, sub engine.Submission) (factor.Reading, error)
}

// BreakerControl exposes the circuit breaker surface.
type BreakerControl interface {
	Apply(ctx context.Context, trigger string) error
	Reset(ctx context.Context) error
	Snapshot() gateway.BreakerSnapshot
	Caps() *bias.Caps
}

// SignalControl exposes the signal surface.
type SignalControl interface {
	Submit(ctx context.Context, c signal.Candidate) (signal.Signal, error)
	Dismiss(ctx context.Context, signalID string) error
}

// OverrideControl exposes the manual bias override surface.
type OverrideControl interface {
	SetOverride(ctx context.Context, o bias.Override) error
	ClearOverride(ctx context.Context) error
}

// Pinger is a health-checkable backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers bundles every endpoint's dependencies.
type Handlers struct {
	Ingest   FactorIngestor
	Breaker  BreakerControl
	Signals  SignalControl
	Override OverrideControl

	Bias     gateway.BiasRepo
	Readings gateway.ReadingsRepo
	Active   gateway.SignalsRepo
	Outcomes gateway.OutcomesRepo
	KV       gateway.KV

	CacheHealth Pinger
	StoreHealth Pinger

	now func() time.Time
}

func (h *Handlers) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now().UTC()
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, reason factor.RejectReason, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Reason:    reason,
		Message:   message,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: h.clock(),
	})
}

// rejectStatus maps the taxonomy onto HTTP status codes.
func rejectStatus(reason factor.RejectReason) int {
	switch reason {
	case factor.RejectUnknownFactor:
		return http.StatusNotFound
	case factor.RejectOwnershipViolation:
		return http.StatusForbidden
	case factor.RejectOutOfRange, factor.ReasonConfigInvalid:
		return http.StatusUnprocessableEntity
	case factor.ReasonDuplicateSignalID:
		return http.StatusConflict
	case factor.ReasonGatewayUnavailable, factor.ReasonBreakerStateLost:
		return http.StatusServiceUnavailable
	case factor.ReasonProviderTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// NotFound handles unknown routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "", "no such endpoint")
}
