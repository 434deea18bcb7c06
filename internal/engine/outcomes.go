package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/broadcast"
	"github.com/torobias/torobias/internal/domain/outcome"
	"github.com/torobias/torobias/internal/domain/signal"
	"github.com/torobias/torobias/internal/gateway"
	"github.com/torobias/torobias/internal/metrics"
)

// BarSource supplies daily price history, oldest bar first.
type BarSource interface {
	DailyBars(ctx context.Context, symbol string, days int) ([]outcome.Bar, error)
}

const (
	defaultReplayBatch = 200
	// replayLookbackPad fetches a few bars before signal creation so the
	// replay always sees the full window even across market holidays.
	replayLookbackPad = 5
)

// OutcomeEvent is the broadcast payload for a resolved signal.
type OutcomeEvent struct {
	SignalID      string          `json:"signal_id"`
	Symbol        string          `json:"symbol"`
	Outcome       outcome.Outcome `json:"outcome"`
	OutcomePrice  float64         `json:"outcome_price,omitempty"`
	ReachedT1     bool            `json:"reached_t1"`
	DaysToOutcome int             `json:"days_to_outcome"`
	MFE           float64         `json:"max_favorable_excursion"`
	MAE           float64         `json:"max_adverse_excursion"`
	At            time.Time       `json:"at"`
}

// OutcomeService resolves pending signal outcomes against post-signal price
// history. The scheduler runs it nightly after the close.
type OutcomeService struct {
	outcomes gateway.OutcomesRepo
	bars     BarSource
	hub      *broadcast.Hub
	replayer *outcome.Replayer
	batch    int
	since    time.Time
	now      func() time.Time
}

// NewOutcomeService wires the replay job.
func NewOutcomeService(outcomes gateway.OutcomesRepo, bars BarSource, hub *broadcast.Hub, replayer *outcome.Replayer) *OutcomeService {
	return &OutcomeService{
		outcomes: outcomes,
		bars:     bars,
		hub:      hub,
		replayer: replayer,
		batch:    defaultReplayBatch,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetSince restricts replay to signals created at or after t. The admin
// replay command uses it to rescore a window without touching older signals.
func (s *OutcomeService) SetSince(t time.Time) { s.since = t }

// ReplayPending scores one batch of pending signals. A failure on one signal
// does not block the rest; the first error is returned after all attempts so
// the job run is still reported as failed.
func (s *OutcomeService) ReplayPending(ctx context.Context) error {
	pending, err := s.outcomes.PendingSignals(ctx, s.batch)
	if err != nil {
		metrics.GatewayErrors.WithLabelValues("outcomes.pending").Inc()
		return err
	}
	if len(pending) == 0 {
		log.Debug().Msg("no pending outcomes to replay")
		return nil
	}

	now := s.now()
	var firstErr error
	resolved := 0
	for _, sig := range pending {
		if !s.since.IsZero() && sig.CreatedAt.Before(s.since) {
			continue
		}
		days := int(now.Sub(sig.CreatedAt).Hours()/24) + replayLookbackPad
		bars, err := s.bars.DailyBars(ctx, sig.Symbol, days)
		if err != nil {
			log.Warn().Err(err).Str("signal_id", sig.SignalID).Str("symbol", sig.Symbol).
				Msg("bar fetch failed; outcome stays pending")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		res := s.replayer.Replay(sig, bars, now)
		if !res.Outcome.Terminal() {
			continue
		}

		if err := s.outcomes.Update(ctx, sig.SignalID, res); err != nil {
			metrics.GatewayErrors.WithLabelValues("outcomes.update").Inc()
			log.Error().Err(err).Str("signal_id", sig.SignalID).
				Msg("outcome persist failed; will retry next run")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		resolved++
		metrics.OutcomesRecorded.WithLabelValues(string(res.Outcome)).Inc()
		s.publish(ctx, sig, res)
		log.Info().
			Str("signal_id", sig.SignalID).
			Str("symbol", sig.Symbol).
			Str("outcome", string(res.Outcome)).
			Int("days_to_outcome", res.DaysToOutcome).
			Bool("reached_t1", res.ReachedT1).
			Msg("signal outcome recorded")
	}

	log.Info().Int("pending", len(pending)).Int("resolved", resolved).
		Msg("outcome replay pass complete")
	return firstErr
}

// publish announces a resolved outcome. The row is already durable, so a
// failed broadcast only logs; the journal replays it for late subscribers.
func (s *OutcomeService) publish(ctx context.Context, sig signal.Signal, res outcome.Result) {
	payload, err := json.Marshal(OutcomeEvent{
		SignalID:      sig.SignalID,
		Symbol:        sig.Symbol,
		Outcome:       res.Outcome,
		OutcomePrice:  res.OutcomePrice,
		ReachedT1:     res.ReachedT1,
		DaysToOutcome: res.DaysToOutcome,
		MFE:           res.MFE,
		MAE:           res.MAE,
		At:            res.OutcomeAt,
	})
	if err != nil {
		log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("failed to marshal outcome event")
		return
	}
	if _, err := s.hub.Publish(ctx, broadcast.TopicSignalOutcomes, payload); err != nil {
		log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("outcome broadcast failed")
	}
}
