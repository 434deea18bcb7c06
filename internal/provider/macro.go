package provider

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/engine"
)

// Quote is the provider's quote payload.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Ingestor is the slice of the engine the pullers need.
type Ingestor interface {
	Ingest(ctx context.Context, sub engine.Submission) (factor.Reading, error)
}

// MacroPuller derives the macro factor readings (VIX level, VIX term
// structure, dollar index) from provider quotes and submits them through the
// normal ingest path, so pulled data faces the same gates as webhooks.
type MacroPuller struct {
	client   *Client
	ingestor Ingestor
	producer string
}

// NewMacroPuller wires the macro pull job.
func NewMacroPuller(client *Client, ingestor Ingestor) *MacroPuller {
	return &MacroPuller{client: client, ingestor: ingestor, producer: "macro_bot"}
}

// Pull is the regular-hours market pull: every price-derived factor. Partial
// failure is tolerated: each factor submits independently and the first error
// is returned after all attempts.
func (p *MacroPuller) Pull(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.pullVolatility(ctx, record)

	dxy, dxySrc, err := p.quote(ctx, "DXY")
	record(err)
	if err == nil {
		record(p.submit(ctx, dxyReading(dxy, dxySrc)))
	}

	return firstErr
}

// PullVIX refreshes only the volatility factors. VIX futures trade through
// the extended sessions while the dollar index feed does not, so this runs
// on its own pre and post market cadence.
func (p *MacroPuller) PullVIX(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.pullVolatility(ctx, record)
	return firstErr
}

func (p *MacroPuller) pullVolatility(ctx context.Context, record func(error)) {
	vix, vixSrc, err := p.quote(ctx, "^VIX")
	record(err)
	if err == nil {
		record(p.submit(ctx, vixLevelReading(vix, vixSrc)))
	}

	vix3m, vix3mSrc, err := p.quote(ctx, "^VIX3M")
	record(err)
	if err == nil && vix != nil {
		src := vixSrc
		if vix3mSrc == factor.SourceFallbackCache {
			src = factor.SourceFallbackCache
		}
		record(p.submit(ctx, termStructureReading(vix, vix3m, src)))
	}
}

func (p *MacroPuller) quote(ctx context.Context, symbol string) (*Quote, factor.Source, error) {
	var q Quote
	src, err := p.client.GetJSON(ctx, "/quote", map[string]string{"symbol": symbol}, &q)
	if err != nil {
		return nil, "", err
	}
	if q.Price <= 0 {
		return nil, "", fmt.Errorf("provider %s: empty quote for %s", p.client.Name(), symbol)
	}
	return &q, src, nil
}

func (p *MacroPuller) submit(ctx context.Context, sub engine.Submission) error {
	sub.Producer = p.producer
	if _, err := p.ingestor.Ingest(ctx, sub); err != nil {
		log.Warn().Err(err).Str("factor_id", sub.FactorID).Msg("macro pull submission rejected")
		return err
	}
	return nil
}

// vixLevelReading maps the spot VIX onto [-1, 1]: calm is mildly bullish,
// panic strongly bearish.
func vixLevelReading(q *Quote, src factor.Source) engine.Submission {
	var score float64
	var label string
	switch {
	case q.Price < 15:
		score, label = 0.4, "CALM"
	case q.Price < 20:
		score, label = 0.1, "NORMAL"
	case q.Price < 28:
		score, label = -0.4, "ELEVATED"
	case q.Price < 36:
		score, label = -0.7, "HIGH"
	default:
		score, label = -1.0, "EXTREME"
	}
	return engine.Submission{
		FactorID:    "vix_level",
		Score:       score,
		SignalLabel: label,
		Detail:      fmt.Sprintf("VIX %.2f", q.Price),
		Source:      src,
		ObservedAt:  observedAt(q),
		Raw:         map[string]interface{}{"vix": q.Price},
	}
}

// termStructureReading scores the VIX3M/VIX ratio: contango (ratio above 1)
// is the healthy state, backwardation signals stress.
func termStructureReading(vix, vix3m *Quote, src factor.Source) engine.Submission {
	ratio := vix3m.Price / vix.Price
	var score float64
	var label string
	switch {
	case ratio >= 1.10:
		score, label = 0.6, "STEEP_CONTANGO"
	case ratio >= 1.02:
		score, label = 0.3, "CONTANGO"
	case ratio >= 0.98:
		score, label = 0.0, "FLAT"
	case ratio >= 0.90:
		score, label = -0.5, "BACKWARDATION"
	default:
		score, label = -0.9, "DEEP_BACKWARDATION"
	}
	observed := observedAt(vix)
	if o3 := observedAt(vix3m); o3 != nil && (observed == nil || o3.Before(*observed)) {
		observed = o3 // the older leg bounds the pair's freshness
	}
	return engine.Submission{
		FactorID:    "vix_term_structure",
		Score:       score,
		SignalLabel: label,
		Detail:      fmt.Sprintf("VIX3M/VIX %.3f", ratio),
		Source:      src,
		ObservedAt:  observed,
		Raw:         map[string]interface{}{"vix": vix.Price, "vix3m": vix3m.Price, "ratio": ratio},
	}
}

// dxyReading scores the dollar index: a strengthening dollar is a risk-asset
// headwind.
func dxyReading(q *Quote, src factor.Source) engine.Submission {
	score := clamp(-(q.Price-100)/15, -1, 1)
	label := "NEUTRAL"
	switch {
	case score >= 0.3:
		label = "WEAK_DOLLAR"
	case score <= -0.3:
		label = "STRONG_DOLLAR"
	}
	return engine.Submission{
		FactorID:    "dxy_level",
		Score:       roundScore(score),
		SignalLabel: label,
		Detail:      fmt.Sprintf("DXY %.2f", q.Price),
		Source:      src,
		ObservedAt:  observedAt(q),
		Raw:         map[string]interface{}{"dxy": q.Price},
	}
}

func observedAt(q *Quote) *time.Time {
	if q.Timestamp.IsZero() {
		return nil
	}
	ts := q.Timestamp.UTC()
	return &ts
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundScore(v float64) float64 {
	return math.Round(v*1000) / 1000
}
