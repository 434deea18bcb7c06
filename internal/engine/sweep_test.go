package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torobias/torobias/internal/broadcast"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/outcome"
	"github.com/torobias/torobias/internal/gateway"
)

func cacheReading(t *testing.T, kv gateway.KV, r factor.Reading) {
	t.Helper()
	payload, err := json.Marshal(r)
	require.NoError(t, err)
	require.NoError(t, kv.Put(context.Background(), gateway.FactorLatestKey(r.FactorID), payload, time.Hour))
}

func TestSweepEvictsInvalidEntries(t *testing.T) {
	kv, hub := testInfra(t)
	reg := testRegistry(t)
	ctx := context.Background()

	now := time.Now().UTC()
	cacheReading(t, kv, factor.Reading{FactorID: "vix_level", Score: -0.4, ObservedAt: now,
		Raw: map[string]interface{}{"vix": 24.3}})
	cacheReading(t, kv, factor.Reading{FactorID: "dxy_level", Score: 3.5, ObservedAt: now}) // score out of range
	cacheReading(t, kv, factor.Reading{FactorID: "flow_sentiment", Score: 0.2, ObservedAt: now,
		Raw: map[string]interface{}{"vix": 500.0}}) // no bounds for this factor, kept
	require.NoError(t, kv.Put(ctx, gateway.FactorLatestKey("retired_factor"), []byte("{}"), time.Hour))
	require.NoError(t, kv.Put(ctx, gateway.FactorLatestKey("vix_corrupt"), []byte("not json"), time.Hour))

	anomalies := hub.Subscribe(broadcast.TopicAnomalies, 8)

	evicted, err := Sweep(ctx, kv, reg, hub)
	require.NoError(t, err)
	// dxy_level (range), retired_factor (unregistered), vix_corrupt
	// (unregistered id parses as "vix_corrupt").
	assert.Equal(t, 3, evicted)

	_, err = kv.Get(ctx, gateway.FactorLatestKey("vix_level"))
	assert.NoError(t, err, "valid entry survives")
	_, err = kv.Get(ctx, gateway.FactorLatestKey("flow_sentiment"))
	assert.NoError(t, err, "bounds only apply to fields the factor declares")
	_, err = kv.Get(ctx, gateway.FactorLatestKey("dxy_level"))
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	events := drain(anomalies, 300*time.Millisecond)
	assert.Len(t, events, 3)
	for _, ev := range events {
		var a Anomaly
		require.NoError(t, json.Unmarshal(ev.Payload, &a))
		assert.Equal(t, AnomalyCacheEvicted, a.Kind)
	}
}

func TestSweepEvictsBoundsViolations(t *testing.T) {
	kv, hub := testInfra(t)
	ctx := context.Background()

	cacheReading(t, kv, factor.Reading{FactorID: "vix_level", Score: -0.4,
		ObservedAt: time.Now().UTC(), Raw: map[string]interface{}{"vix": 240.0}})

	evicted, err := Sweep(ctx, kv, testRegistry(t), hub)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	_, err = kv.Get(ctx, gateway.FactorLatestKey("vix_level"))
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestSweepEvictsBrokenPriceEntries(t *testing.T) {
	kv, hub := testInfra(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	good, err := json.Marshal([]outcome.Bar{
		{Date: day, Open: 100, High: 102, Low: 99, Close: 101},
	})
	require.NoError(t, err)
	inverted, err := json.Marshal([]outcome.Bar{
		{Date: day, Open: 100, High: 98, Low: 99, Close: 98.5},
	})
	require.NoError(t, err)

	require.NoError(t, kv.Put(ctx, gateway.PriceKey(1, "NVDA", 30, true), good, time.Hour))
	require.NoError(t, kv.Put(ctx, gateway.PriceKey(1, "AMD", 30, true), inverted, time.Hour))
	require.NoError(t, kv.Put(ctx, gateway.PriceKey(1, "TSLA", 30, true), []byte("not json"), time.Hour))
	require.NoError(t, kv.Put(ctx, gateway.PriceKey(1, "SPY", 30, true), []byte("[]"), time.Hour))

	anomalies := hub.Subscribe(broadcast.TopicAnomalies, 8)

	evicted, err := Sweep(ctx, kv, testRegistry(t), hub)
	require.NoError(t, err)
	assert.Equal(t, 3, evicted)

	_, err = kv.Get(ctx, gateway.PriceKey(1, "NVDA", 30, true))
	assert.NoError(t, err, "consistent bar window survives")
	_, err = kv.Get(ctx, gateway.PriceKey(1, "AMD", 30, true))
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	_, err = kv.Get(ctx, gateway.PriceKey(1, "TSLA", 30, true))
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	_, err = kv.Get(ctx, gateway.PriceKey(1, "SPY", 30, true))
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	events := drain(anomalies, 300*time.Millisecond)
	require.Len(t, events, 3)
	for _, ev := range events {
		var a Anomaly
		require.NoError(t, json.Unmarshal(ev.Payload, &a))
		assert.Equal(t, AnomalyCacheEvicted, a.Kind)
	}
}

func TestSweepEmptyCache(t *testing.T) {
	kv, hub := testInfra(t)
	evicted, err := Sweep(context.Background(), kv, testRegistry(t), hub)
	require.NoError(t, err)
	assert.Zero(t, evicted)
}
