package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/broadcast"
	"github.com/torobias/torobias/internal/domain/bias"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/signal"
	"github.com/torobias/torobias/internal/gateway"
	"github.com/torobias/torobias/internal/metrics"
)

// flowCacheEntry is the cached unusual-options-flow note for a symbol.
type flowCacheEntry struct {
	Note     string `json:"note"`
	Conflict bool   `json:"conflict"`
}

// SignalService scores raw candidates into enriched signals: zone
// classification, setup geometry, priority, confluence against the symbol's
// other live signals, then durable persist and broadcast.
type SignalService struct {
	signals gateway.SignalsRepo
	kv      gateway.KV
	hub     *broadcast.Hub
	caps    CapsSource
	scorer  *signal.Scorer

	// sectorOf maps a symbol to its sector ETF for the sector wind check.
	sectorOf map[string]string
	now      func() time.Time
}

// NewSignalService wires the signal scoring path.
func NewSignalService(signals gateway.SignalsRepo, kv gateway.KV, hub *broadcast.Hub, caps CapsSource, sectorOf map[string]string) *SignalService {
	return &SignalService{
		signals:  signals,
		kv:       kv,
		hub:      hub,
		caps:     caps,
		scorer:   signal.NewScorer(),
		sectorOf: sectorOf,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit scores, persists, and broadcasts one candidate. Replays of the same
// candidate (same deterministic id) return the already-stored signal without
// re-publishing.
func (s *SignalService) Submit(ctx context.Context, c signal.Candidate) (signal.Signal, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	env := s.environment(ctx, c)
	sig, err := s.scorer.Score(c, env)
	if err != nil {
		return signal.Signal{}, err
	}

	// Cache the symbol's zone so the next submission sees it as the prior
	// for upgrade/downgrade context.
	if err := s.kv.Put(ctx, gateway.CTAZoneKey(c.Symbol), []byte(sig.Zone), gateway.TTLCTAZone); err != nil {
		log.Warn().Err(err).Str("symbol", c.Symbol).Msg("zone cache write failed")
	}

	// Confluence runs against the symbol's other live signals. A repo
	// failure here degrades to solo scoring rather than rejecting.
	peers, err := s.signals.ListActive(ctx, c.Symbol, 20)
	if err != nil {
		metrics.GatewayErrors.WithLabelValues("signals.list").Inc()
		log.Warn().Err(err).Str("symbol", c.Symbol).Msg("confluence peers unavailable")
	}
	s.mergeConfluence(&sig, peers)

	if err := s.signals.Insert(ctx, sig); err != nil {
		if reason, ok := factor.ReasonOf(err); ok && reason == factor.ReasonDuplicateSignalID {
			log.Info().Str("signal_id", sig.SignalID).Msg("duplicate signal; returning stored copy")
			if stored, getErr := s.signals.Get(ctx, sig.SignalID); getErr == nil {
				return *stored, nil
			}
			return sig, nil
		}
		metrics.GatewayErrors.WithLabelValues("signals.insert").Inc()
		return signal.Signal{}, factor.Reject(factor.ReasonGatewayUnavailable,
			"failed to persist signal %s: %v", sig.SignalID, err)
	}

	metrics.SignalsScored.WithLabelValues(string(sig.Type), string(sig.Zone)).Inc()
	log.Info().
		Str("signal_id", sig.SignalID).
		Str("symbol", sig.Symbol).
		Str("type", string(sig.Type)).
		Str("zone", string(sig.Zone)).
		Int("priority", sig.Priority).
		Str("confidence", string(sig.Confidence)).
		Msg("signal scored")

	if payload, err := json.Marshal(sig); err == nil {
		if _, err := s.hub.Publish(ctx, broadcast.TopicSignalsNew, payload); err != nil {
			log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("signal broadcast failed")
		}
	}
	return sig, nil
}

// environment assembles the scoring context from cache reads. Every lookup
// is optional: a miss leaves the corresponding Has* flag false and scoring
// degrades accordingly.
func (s *SignalService) environment(ctx context.Context, c signal.Candidate) signal.Environment {
	env := signal.Environment{Caps: s.caps.Caps()}

	if payload, err := s.kv.Get(ctx, gateway.KeyBiasCompositeLatest); err == nil {
		var res bias.Result
		if json.Unmarshal(payload, &res) == nil {
			env.BiasLevel = res.Level
			env.HasBiasLevel = true
		}
	}

	if sector, ok := s.sectorOf[c.Symbol]; ok {
		env.SectorSymbol = sector
		if zone, err := s.kv.Get(ctx, gateway.CTAZoneKey(sector)); err == nil && len(zone) > 0 {
			env.SectorZone = signal.Zone(zone)
			env.HasSectorZone = true
		}
	}

	if zone, err := s.kv.Get(ctx, gateway.CTAZoneKey(c.Symbol)); err == nil && len(zone) > 0 {
		env.PriorZone = signal.Zone(zone)
		env.HasPriorZone = true
	}

	if payload, err := s.kv.Get(ctx, gateway.FlowKey(c.Symbol)); err == nil {
		var flow flowCacheEntry
		if json.Unmarshal(payload, &flow) == nil {
			env.FlowNote = flow.Note
			env.FlowConflict = flow.Conflict
			env.HasFlow = true
		}
	}
	return env
}

func (s *SignalService) mergeConfluence(sig *signal.Signal, peers []signal.Signal) {
	group := []*signal.Signal{sig}
	for i := range peers {
		if peers[i].SignalID == sig.SignalID {
			continue
		}
		group = append(group, &peers[i])
	}
	signal.MergeConfluence(group)
}

// Dismiss marks a signal inactive; it no longer participates in confluence.
func (s *SignalService) Dismiss(ctx context.Context, signalID string) error {
	if err := s.signals.UpdateStatus(ctx, signalID, signal.StatusDismissed); err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return err
		}
		return factor.Reject(factor.ReasonGatewayUnavailable,
			"failed to dismiss signal %s: %v", signalID, err)
	}
	return nil
}
