package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/domain/outcome"
	"github.com/torobias/torobias/internal/gateway"
)

// priceKeyVersion bumps when the cached bar format changes.
const priceKeyVersion = 1

// BarFetcher retrieves daily OHLC history for the outcome replayer, with a
// short read-through cache so replaying many signals on one symbol hits the
// provider once.
type BarFetcher struct {
	client *Client
	kv     gateway.KV
}

// NewBarFetcher wires the price history path.
func NewBarFetcher(client *Client, kv gateway.KV) *BarFetcher {
	return &BarFetcher{client: client, kv: kv}
}

// DailyBars returns up to days of daily bars for symbol, oldest first.
func (f *BarFetcher) DailyBars(ctx context.Context, symbol string, days int) ([]outcome.Bar, error) {
	key := gateway.PriceKey(priceKeyVersion, symbol, days, true)
	if payload, err := f.kv.Get(ctx, key); err == nil {
		var bars []outcome.Bar
		if json.Unmarshal(payload, &bars) == nil {
			return bars, nil
		}
		log.Warn().Str("symbol", symbol).Msg("corrupt cached bars; refetching")
	}

	var bars []outcome.Bar
	if _, err := f.client.GetJSON(ctx, "/bars", map[string]string{
		"symbol":   symbol,
		"days":     strconv.Itoa(days),
		"adjusted": "true",
	}, &bars); err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("provider %s: no bars for %s", f.client.Name(), symbol)
	}

	// Providers disagree on ordering; the replayer needs oldest first.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	if payload, err := json.Marshal(bars); err == nil {
		if err := f.kv.Put(ctx, key, payload, gateway.TTLPrice); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("bar cache write failed")
		}
	}
	return bars, nil
}

// Staleness reports how old the newest bar is; the replay job logs it.
func Staleness(bars []outcome.Bar, now time.Time) time.Duration {
	if len(bars) == 0 {
		return 0
	}
	return now.Sub(bars[len(bars)-1].Date)
}
