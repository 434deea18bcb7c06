package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/broadcast"
	"github.com/torobias/torobias/internal/domain/bias"
	"github.com/torobias/torobias/internal/domain/breaker"
	"github.com/torobias/torobias/internal/gateway"
	"github.com/torobias/torobias/internal/metrics"
)

// MarketCalendar answers session-open questions; the breaker's auto-reset
// waits for the first market open at least 24h after engagement.
type MarketCalendar interface {
	NextOpenAfter(t time.Time) time.Time
}

// BreakerEvent is the broadcast payload for breaker transitions.
type BreakerEvent struct {
	Action         string    `json:"action"` // ENGAGED, RESET, AUTO_RESET
	Trigger        string    `json:"trigger,omitempty"`
	ActiveTriggers []string  `json:"active_triggers"`
	Caps           *bias.Caps `json:"caps,omitempty"`
	At             time.Time `json:"at"`
}

// BreakerService owns the live circuit breaker state: applies triggers,
// persists every transition, and drives a recompute so caps take effect
// immediately.
type BreakerService struct {
	mu    sync.Mutex
	state *breaker.State

	repo     gateway.BreakerRepo
	hub      *broadcast.Hub
	calendar MarketCalendar
	now      func() time.Time

	// set after construction to break the wiring cycle with the actor
	recompute *Recomputer
}

// NewBreakerService builds the service with default rules and empty state.
func NewBreakerService(repo gateway.BreakerRepo, hub *broadcast.Hub, calendar MarketCalendar) *BreakerService {
	return &BreakerService{
		state:    breaker.NewState(breaker.DefaultRules),
		repo:     repo,
		hub:      hub,
		calendar: calendar,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// BindRecomputer attaches the recompute actor. The breaker and the actor
// reference each other (caps one way, recompute requests the other), so one
// side binds late.
func (b *BreakerService) BindRecomputer(r *Recomputer) { b.recompute = r }

// Restore loads persisted state on startup. A missing row means the breaker
// was disengaged; any other failure degrades to no caps, loudly.
func (b *BreakerService) Restore(ctx context.Context) error {
	snap, err := b.repo.Load(ctx)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil
		}
		// Caps may be erroneously absent until an operator intervenes;
		// subscribers get told, not just the log.
		log.Error().Err(err).Msg("breaker state restore failed; starting without caps")
		publishAnomaly(ctx, b.hub, Anomaly{
			Kind:   AnomalyBreakerStateLost,
			Detail: err.Error(),
			At:     b.now(),
		})
		return err
	}

	triggers := make([]breaker.Trigger, 0, len(snap.ActiveTriggers))
	for _, t := range snap.ActiveTriggers {
		triggers = append(triggers, breaker.Trigger(t))
	}

	b.mu.Lock()
	b.state = breaker.Restore(breaker.DefaultRules, triggers, snap.EngagedAt)
	active := len(b.state.ActiveTriggers)
	b.mu.Unlock()

	metrics.BreakerTriggersActive.Set(float64(active))
	log.Info().Int("active_triggers", active).Msg("breaker state restored")
	return nil
}

// Caps returns the current composite constraints, nil when disengaged.
func (b *BreakerService) Caps() *bias.Caps {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Caps()
}

// Snapshot returns the current triggers and engagement time.
func (b *BreakerService) Snapshot() gateway.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *BreakerService) snapshotLocked() gateway.BreakerSnapshot {
	triggers := make([]string, 0, len(b.state.ActiveTriggers))
	for _, t := range b.state.ActiveTriggers {
		triggers = append(triggers, string(t))
	}
	return gateway.BreakerSnapshot{
		ActiveTriggers: triggers,
		EngagedAt:      b.state.EngagedAt,
		UpdatedAt:      b.now(),
	}
}

// Apply processes one trigger event. Unknown triggers and idempotent
// re-applies are no-ops. Transitions persist before they broadcast.
func (b *BreakerService) Apply(ctx context.Context, trigger string) error {
	b.mu.Lock()
	changed := b.state.Apply(breaker.Trigger(trigger), b.now())
	snap := b.snapshotLocked()
	caps := b.state.Caps()
	b.mu.Unlock()

	if !changed {
		log.Debug().Str("trigger", trigger).Msg("breaker trigger was a no-op")
		return nil
	}

	action := "ENGAGED"
	if len(snap.ActiveTriggers) == 0 {
		action = "RESET"
	}
	return b.commit(ctx, BreakerEvent{
		Action:         action,
		Trigger:        trigger,
		ActiveTriggers: snap.ActiveTriggers,
		Caps:           caps,
		At:             snap.UpdatedAt,
	}, snap)
}

// Reset disengages the breaker manually (admin command).
func (b *BreakerService) Reset(ctx context.Context) error {
	return b.reset(ctx, "RESET")
}

// CheckAutoReset disengages the breaker once the first market open at least
// 24h after engagement has passed. The scheduler calls it periodically.
func (b *BreakerService) CheckAutoReset(ctx context.Context) error {
	b.mu.Lock()
	due := b.state.AutoResetDue(b.now(), b.calendar.NextOpenAfter)
	b.mu.Unlock()
	if !due {
		return nil
	}
	return b.reset(ctx, "AUTO_RESET")
}

func (b *BreakerService) reset(ctx context.Context, action string) error {
	b.mu.Lock()
	changed := b.state.Reset()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if !changed {
		return nil
	}
	return b.commit(ctx, BreakerEvent{
		Action:         action,
		ActiveTriggers: snap.ActiveTriggers,
		At:             snap.UpdatedAt,
	}, snap)
}

func (b *BreakerService) commit(ctx context.Context, ev BreakerEvent, snap gateway.BreakerSnapshot) error {
	var persistErr error
	if len(snap.ActiveTriggers) == 0 {
		persistErr = b.repo.Clear(ctx)
	} else {
		persistErr = b.repo.Save(ctx, snap)
	}
	if persistErr != nil {
		// The transition is not durable, so it must not be announced: a
		// restart would contradict what subscribers saw. The in-memory caps
		// still apply and the recompute sees them.
		metrics.GatewayErrors.WithLabelValues("breaker.save").Inc()
		log.Error().Err(persistErr).Msg("breaker state persist failed; skipping broadcast")
		if b.recompute != nil {
			b.recompute.Request()
		}
		return persistErr
	}

	metrics.BreakerTriggersActive.Set(float64(len(snap.ActiveTriggers)))
	log.Warn().
		Str("action", ev.Action).
		Str("trigger", ev.Trigger).
		Strs("active_triggers", ev.ActiveTriggers).
		Msg("circuit breaker transition")

	if payload, err := json.Marshal(ev); err == nil {
		if _, err := b.hub.Publish(ctx, broadcast.TopicBreakerEvents, payload); err != nil {
			log.Error().Err(err).Msg("breaker broadcast failed")
		}
	}

	if b.recompute != nil {
		b.recompute.Request()
	}
	return nil
}
