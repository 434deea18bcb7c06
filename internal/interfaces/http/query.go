package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/torobias/torobias/internal/domain/bias"
	"github.com/torobias/torobias/internal/gateway"
)

const defaultHistoryLimit = 100

// Composite serves the latest composite bias, cache first with record store
// fallback.
func (h *Handlers) Composite(w http.ResponseWriter, r *http.Request) {
	if payload, err := h.KV.Get(r.Context(), gateway.KeyBiasCompositeLatest); err == nil {
		var res bias.Result
		if json.Unmarshal(payload, &res) == nil {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}

	res, err := h.Bias.Latest(r.Context())
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, "", "no composite computed yet")
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CompositeHistory serves persisted composite snapshots in a time range.
func (h *Handlers) CompositeHistory(w http.ResponseWriter, r *http.Request) {
	tr, limit, err := rangeParams(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	rows, err := h.Bias.History(r.Context(), tr, limit)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// FactorHistory serves one factor's reading history.
func (h *Handlers) FactorHistory(w http.ResponseWriter, r *http.Request) {
	factorID := mux.Vars(r)["factor_id"]
	tr, limit, err := rangeParams(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "", err.Error())
		return
	}
	rows, err := h.Readings.History(r.Context(), factorID, tr, limit)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ActiveSignals lists ACTIVE signals, optionally filtered by symbol.
func (h *Handlers) ActiveSignals(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", defaultHistoryLimit)
	rows, err := h.Active.ListActive(r.Context(), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// BreakerStatus reports current triggers and the caps they impose.
func (h *Handlers) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.Breaker.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		gateway.BreakerSnapshot
		Engaged bool       `json:"engaged"`
		Caps    *bias.Caps `json:"caps,omitempty"`
	}{
		BreakerSnapshot: snap,
		Engaged:         len(snap.ActiveTriggers) > 0,
		Caps:            h.Breaker.Caps(),
	})
}

// HitRates serves outcome aggregates grouped by (signal type, zone).
func (h *Handlers) HitRates(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "", "since must be RFC3339")
			return
		}
		since = t
	}
	rows, err := h.Outcomes.HitRates(r.Context(), since)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Health pings each backend. Any failure reports degraded with a 503 and
// the per-component detail.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	status := "healthy"
	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(r.Context()); err != nil {
			components[name] = err.Error()
			status = "degraded"
			return
		}
		components[name] = "ok"
	}
	check("cache", h.CacheHealth)
	check("record_store", h.StoreHealth)

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:     status,
		Components: components,
		Timestamp:  h.clock(),
	})
}

func rangeParams(r *http.Request) (gateway.TimeRange, int, error) {
	var tr gateway.TimeRange
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, 0, errors.New("from must be RFC3339")
		}
		tr.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, 0, errors.New("to must be RFC3339")
		}
		tr.To = t
	}
	if tr.To.IsZero() {
		tr.To = time.Now().UTC()
	}
	return tr, intParam(r, "limit", defaultHistoryLimit), nil
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
