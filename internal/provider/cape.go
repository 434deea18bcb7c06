package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/engine"
)

// CapeStats is the provider's valuation payload. Excess CAPE yield is the
// cyclically adjusted earnings yield minus the 10y real rate.
type CapeStats struct {
	CapeRatio       float64   `json:"cape_ratio"`
	ExcessCapeYield float64   `json:"excess_cape_yield"`
	RealRate        float64   `json:"real_rate"`
	AsOf            time.Time `json:"as_of"`
}

// CapePuller refreshes the slow-moving valuation factor from the provider.
// Like the macro pulls, readings go through the normal ingest path.
type CapePuller struct {
	client   *Client
	ingestor Ingestor
	producer string
}

// NewCapePuller wires the CAPE pull job.
func NewCapePuller(client *Client, ingestor Ingestor) *CapePuller {
	return &CapePuller{client: client, ingestor: ingestor, producer: "valuation_bot"}
}

// Pull fetches the valuation stats and submits the excess CAPE reading.
func (p *CapePuller) Pull(ctx context.Context) error {
	var stats CapeStats
	src, err := p.client.GetJSON(ctx, "/valuation/cape", nil, &stats)
	if err != nil {
		return err
	}
	if stats.CapeRatio <= 0 {
		return fmt.Errorf("provider %s: empty cape payload", p.client.Name())
	}

	sub := capeReading(&stats, src)
	sub.Producer = p.producer
	if _, err := p.ingestor.Ingest(ctx, sub); err != nil {
		log.Warn().Err(err).Str("factor_id", sub.FactorID).Msg("cape pull submission rejected")
		return err
	}
	return nil
}

// capeReading bands the excess CAPE yield: equities cheap relative to real
// rates is supportive, a negative excess yield is a drag.
func capeReading(stats *CapeStats, src factor.Source) engine.Submission {
	var score float64
	var label string
	switch y := stats.ExcessCapeYield; {
	case y >= 4.0:
		score, label = 0.6, "CHEAP"
	case y >= 2.0:
		score, label = 0.3, "SUPPORTIVE"
	case y >= 1.0:
		score, label = 0.0, "FAIR"
	case y >= 0:
		score, label = -0.3, "RICH"
	default:
		score, label = -0.7, "EXPENSIVE"
	}

	var observed *time.Time
	if !stats.AsOf.IsZero() {
		ts := stats.AsOf.UTC()
		observed = &ts
	}
	return engine.Submission{
		FactorID:    "excess_cape",
		Score:       score,
		SignalLabel: label,
		Detail:      fmt.Sprintf("excess CAPE yield %.2f%%", stats.ExcessCapeYield),
		Source:      src,
		ObservedAt:  observed,
		Raw: map[string]interface{}{
			"cape_ratio":        stats.CapeRatio,
			"excess_cape_yield": stats.ExcessCapeYield,
			"real_rate":         stats.RealRate,
		},
	}
}
