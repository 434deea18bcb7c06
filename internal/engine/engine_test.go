package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/torobias/torobias/internal/broadcast"
	"github.com/torobias/torobias/internal/domain/bias"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/signal"
	"github.com/torobias/torobias/internal/gateway"
	gwredis "github.com/torobias/torobias/internal/gateway/redis"
)

// Shared fixtures for the engine tests: a miniredis-backed cache and hub
// plus in-memory repo fakes.

const registryYAML = `
factors:
  - id: vix_level
    weight: 0.25
    staleness_budget: 26h
    owner: macro_bot
    sanity_bounds:
      vix: {min: 9, max: 90}
  - id: dxy_level
    weight: 0.15
    staleness_budget: 26h
    owner: macro_bot
  - id: flow_sentiment
    weight: 0.20
    staleness_budget: 8h
    owner: options_bot
`

func testRegistry(t *testing.T) *factor.Registry {
	t.Helper()
	reg, err := factor.ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)
	return reg
}

func testInfra(t *testing.T) (*gwredis.KV, *broadcast.Hub) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	kv := gwredis.NewKV(client)
	hub := broadcast.NewHub(gwredis.NewAppendLog(client, 1000))
	t.Cleanup(hub.Close)
	return kv, hub
}

// fakeReadings is an in-memory gateway.ReadingsRepo.
type fakeReadings struct {
	mu         sync.Mutex
	byFactor   map[string][]factor.Reading
	failInsert bool
}

func newFakeReadings() *fakeReadings {
	return &fakeReadings{byFactor: map[string][]factor.Reading{}}
}

func (f *fakeReadings) Insert(_ context.Context, r factor.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return &gateway.Unavailable{Op: "readings.insert", Err: context.DeadlineExceeded}
	}
	f.byFactor[r.FactorID] = append(f.byFactor[r.FactorID], r)
	return nil
}

func (f *fakeReadings) sorted(factorID string) []factor.Reading {
	rs := append([]factor.Reading(nil), f.byFactor[factorID]...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].ObservedAt.Before(rs[j].ObservedAt) })
	return rs
}

func (f *fakeReadings) Latest(_ context.Context, factorID string) (*factor.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := f.sorted(factorID)
	if len(rs) == 0 {
		return nil, gateway.ErrNotFound
	}
	r := rs[len(rs)-1]
	return &r, nil
}

func (f *fakeReadings) LatestBefore(_ context.Context, factorID string, cutoff time.Time) (*factor.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := f.sorted(factorID)
	for i := len(rs) - 1; i >= 0; i-- {
		if !rs[i].ObservedAt.After(cutoff) {
			r := rs[i]
			return &r, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeReadings) History(_ context.Context, factorID string, _ gateway.TimeRange, _ int) ([]factor.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(factorID), nil
}

// fakeBias is an in-memory gateway.BiasRepo with optional injected failures.
type fakeBias struct {
	mu       sync.Mutex
	results  []bias.Result
	failures int
}

func (f *fakeBias) Insert(_ context.Context, res bias.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return &gateway.Unavailable{Op: "bias.insert", Err: context.DeadlineExceeded}
	}
	f.results = append(f.results, res)
	return nil
}

func (f *fakeBias) Latest(_ context.Context) (*bias.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return nil, gateway.ErrNotFound
	}
	r := f.results[len(f.results)-1]
	return &r, nil
}

func (f *fakeBias) History(_ context.Context, _ gateway.TimeRange, _ int) ([]bias.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bias.Result(nil), f.results...), nil
}

func (f *fakeBias) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

// fakeBreakerRepo is an in-memory gateway.BreakerRepo with optional injected
// failures.
type fakeBreakerRepo struct {
	mu       sync.Mutex
	snap     *gateway.BreakerSnapshot
	failSave bool
	failLoad bool
}

func (f *fakeBreakerRepo) Save(_ context.Context, snap gateway.BreakerSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return &gateway.Unavailable{Op: "breaker.save", Err: context.DeadlineExceeded}
	}
	f.snap = &snap
	return nil
}

func (f *fakeBreakerRepo) Load(_ context.Context) (*gateway.BreakerSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoad {
		return nil, &gateway.Unavailable{Op: "breaker.load", Err: context.DeadlineExceeded}
	}
	if f.snap == nil {
		return nil, gateway.ErrNotFound
	}
	snap := *f.snap
	return &snap, nil
}

func (f *fakeBreakerRepo) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = nil
	return nil
}

// fakeSignals is an in-memory gateway.SignalsRepo.
type fakeSignals struct {
	mu      sync.Mutex
	signals map[string]signal.Signal
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{signals: map[string]signal.Signal{}}
}

func (f *fakeSignals) Insert(_ context.Context, sig signal.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.signals[sig.SignalID]; ok {
		return factor.Reject(factor.ReasonDuplicateSignalID, "signal %s already recorded", sig.SignalID)
	}
	f.signals[sig.SignalID] = sig
	return nil
}

func (f *fakeSignals) Get(_ context.Context, signalID string) (*signal.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig, ok := f.signals[signalID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return &sig, nil
}

func (f *fakeSignals) ListActive(_ context.Context, symbol string, _ int) ([]signal.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signal.Signal
	for _, sig := range f.signals {
		if sig.Status == signal.StatusActive && (symbol == "" || sig.Symbol == symbol) {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out, nil
}

func (f *fakeSignals) UpdateStatus(_ context.Context, signalID string, status signal.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig, ok := f.signals[signalID]
	if !ok {
		return gateway.ErrNotFound
	}
	sig.Status = status
	f.signals[signalID] = sig
	return nil
}

// noCaps is a CapsSource that never constrains.
type noCaps struct{}

func (noCaps) Caps() *bias.Caps { return nil }

// fixedCalendar answers NextOpenAfter with a constant offset.
type fixedCalendar struct{ next time.Time }

func (c fixedCalendar) NextOpenAfter(time.Time) time.Time { return c.next }

func drain(sub *broadcast.Subscriber, timeout time.Duration) []broadcast.Event {
	var out []broadcast.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(timeout):
			return out
		}
	}
}
