package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/broadcast"
	"github.com/torobias/torobias/internal/domain/bias"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/gateway"
	"github.com/torobias/torobias/internal/metrics"
)

// velocityLookback is how old a prior reading must be to feed the velocity
// detector.
const velocityLookback = 24 * time.Hour

// persistRetries bounds recompute persistence attempts before giving up on
// the pass (the next recompute retries naturally).
const persistRetries = 3

// CapsSource provides the live circuit-breaker constraints.
type CapsSource interface {
	Caps() *bias.Caps
}

// Recomputer is the single-writer recompute actor. All composite
// recomputations run on one goroutine; bursts of requests coalesce into one
// pending pass via an atomic flag, so the mailbox never backs up.
type Recomputer struct {
	registry *factor.Registry
	readings gateway.ReadingsRepo
	biasRepo gateway.BiasRepo
	kv       gateway.KV
	hub      *broadcast.Hub
	caps     CapsSource
	engine   *bias.Engine

	mailbox chan struct{}
	pending atomic.Bool
	now     func() time.Time
}

// NewRecomputer wires the recompute actor. Run must be started for requests
// to be served.
func NewRecomputer(registry *factor.Registry, readings gateway.ReadingsRepo, biasRepo gateway.BiasRepo, kv gateway.KV, hub *broadcast.Hub, caps CapsSource) *Recomputer {
	return &Recomputer{
		registry: registry,
		readings: readings,
		biasRepo: biasRepo,
		kv:       kv,
		hub:      hub,
		caps:     caps,
		engine:   bias.NewEngine(),
		mailbox:  make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Request asks for a recompute. If one is already pending the request merges
// into it; the eventual pass reads the latest state of every factor, so
// nothing is lost by coalescing.
func (r *Recomputer) Request() {
	if r.pending.CompareAndSwap(false, true) {
		r.mailbox <- struct{}{}
		return
	}
	metrics.RecomputesCoalesced.Inc()
}

// Run serves the mailbox until ctx is done. It is the only goroutine that
// computes or persists composite results.
func (r *Recomputer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.mailbox:
			// Clear the flag before computing so a request arriving
			// mid-pass schedules a fresh pass instead of merging
			// into this one.
			r.pending.Store(false)
			r.recomputeOnce(ctx)
		}
	}
}

// SetOverride installs a manual bias override and schedules a recompute.
func (r *Recomputer) SetOverride(ctx context.Context, o bias.Override) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	ttl := o.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return errors.New("override already expired")
	}
	if err := r.kv.Put(ctx, gateway.KeyBiasOverride, payload, ttl); err != nil {
		return err
	}
	r.Request()
	return nil
}

// ClearOverride removes any manual override and schedules a recompute.
func (r *Recomputer) ClearOverride(ctx context.Context) error {
	if err := r.kv.Del(ctx, gateway.KeyBiasOverride); err != nil {
		return err
	}
	r.Request()
	return nil
}

func (r *Recomputer) loadOverride(ctx context.Context) *bias.Override {
	payload, err := r.kv.Get(ctx, gateway.KeyBiasOverride)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			log.Warn().Err(err).Msg("override read failed; computing without it")
		}
		return nil
	}
	var o bias.Override
	if err := json.Unmarshal(payload, &o); err != nil {
		log.Error().Err(err).Msg("corrupt override payload; ignoring")
		return nil
	}
	return &o
}

func (r *Recomputer) recomputeOnce(ctx context.Context) {
	now := r.now()
	inputs := r.gather(ctx, now)
	override := r.loadOverride(ctx)

	res := r.engine.Compute(inputs, override, r.caps.Caps(), now)
	if res.OverrideCleared {
		// Self-defeating override: the composite crossed two bands
		// against it. Drop it durably so it stays cleared.
		if err := r.kv.Del(ctx, gateway.KeyBiasOverride); err != nil {
			log.Warn().Err(err).Msg("failed to clear defeated override")
		}
		log.Info().Str("level", string(res.Level)).Msg("override auto-cleared")
	}

	metrics.CompositeRecomputes.Inc()
	metrics.CompositeScore.Set(res.CompositeScore)
	metrics.StaleFactors.Set(float64(len(res.StaleFactors)))

	if !r.persist(ctx, res) {
		// Without a durable record the result must not be announced:
		// subscribers could act on a snapshot that a restart forgets. The
		// anomaly topic still surfaces the divergence.
		log.Error().Msg("composite persist failed; skipping broadcast")
		publishAnomaly(ctx, r.hub, Anomaly{
			Kind:   AnomalyPersistFailed,
			Detail: "composite result not persisted; previous composite remains authoritative",
			At:     now,
		})
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal composite result")
		return
	}
	if err := r.kv.Put(ctx, gateway.KeyBiasCompositeLatest, payload, gateway.TTLBiasComposite); err != nil {
		log.Warn().Err(err).Msg("composite cache write failed")
	}
	if _, err := r.hub.Publish(ctx, broadcast.TopicBiasUpdates, payload); err != nil {
		log.Error().Err(err).Msg("composite broadcast failed")
	}

	log.Info().
		Float64("score", res.CompositeScore).
		Str("level", string(res.Level)).
		Str("confidence", string(res.Confidence)).
		Int("active", len(res.ActiveFactors)).
		Int("stale", len(res.StaleFactors)).
		Float64("velocity", res.VelocityMultiplier).
		Msg("composite recomputed")
}

// gather assembles the input set: the latest reading for every registered
// factor (cache first, record store on a miss) plus the ≥24h-old prior for
// velocity detection.
func (r *Recomputer) gather(ctx context.Context, now time.Time) []bias.FactorInput {
	inputs := make([]bias.FactorInput, 0, r.registry.Len())
	for _, id := range r.registry.IDs() {
		meta, _ := r.registry.Lookup(id)
		input := bias.FactorInput{
			ID:            id,
			NominalWeight: meta.Weight,
			Staleness:     meta.StalenessBudget.Std(),
		}

		reading, err := r.latestReading(ctx, id)
		if err != nil {
			if !errors.Is(err, gateway.ErrNotFound) {
				log.Warn().Err(err).Str("factor_id", id).Msg("latest reading unavailable")
			}
			inputs = append(inputs, input)
			continue
		}

		input.HasReading = true
		input.Score = reading.Score
		input.ObservedAt = reading.FreshnessAnchor()
		input.Unverifiable = reading.Unverifiable()

		cutoff := reading.FreshnessAnchor().Add(-velocityLookback)
		if prior, err := r.readings.LatestBefore(ctx, id, cutoff); err == nil {
			input.PriorScore = prior.Score
			input.HasPriorScore = true
		} else if !errors.Is(err, gateway.ErrNotFound) {
			log.Warn().Err(err).Str("factor_id", id).Msg("velocity prior unavailable")
		}
		inputs = append(inputs, input)
	}
	return inputs
}

func (r *Recomputer) latestReading(ctx context.Context, id string) (*factor.Reading, error) {
	payload, err := r.kv.Get(ctx, gateway.FactorLatestKey(id))
	if err == nil {
		var reading factor.Reading
		if err := json.Unmarshal(payload, &reading); err == nil {
			return &reading, nil
		}
		log.Warn().Str("factor_id", id).Msg("corrupt cached reading; falling back to record store")
	}
	return r.readings.Latest(ctx, id)
}

func (r *Recomputer) persist(ctx context.Context, res bias.Result) bool {
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= persistRetries; attempt++ {
		err := r.biasRepo.Insert(ctx, res)
		if err == nil {
			return true
		}
		metrics.GatewayErrors.WithLabelValues("bias.insert").Inc()
		log.Warn().Err(err).Int("attempt", attempt).Msg("composite persist attempt failed")
		if attempt == persistRetries {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return false
}
