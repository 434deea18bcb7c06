package factor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryYAML = `
factors:
  - id: credit_spreads
    weight: 0.18
    staleness_budget: 26h
    owner: scheduled-pull
  - id: vix_term
    weight: 0.16
    staleness_budget: 2h
    owner: scheduled-pull
    sanity_bounds:
      "^VIX": {min: 9, max: 90}
      "^VIX3M": {min: 9, max: 60}
  - id: dollar_smile
    weight: 0.08
    staleness_budget: 26h
    owner: scheduled-pull
    sanity_bounds:
      "DXY": {min: 80, max: 120}
`

func TestParseRegistry(t *testing.T) {
	reg, err := ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)

	assert.Equal(t, 3, reg.Len())
	assert.Equal(t, []string{"credit_spreads", "dollar_smile", "vix_term"}, reg.IDs())

	m, ok := reg.Lookup("vix_term")
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, m.StalenessBudget.Std())
	assert.Equal(t, "scheduled-pull", reg.Owner("vix_term"))

	b, ok := reg.BoundsFor("vix_term", "^VIX")
	require.True(t, ok)
	assert.True(t, b.Contains(18.5))
	assert.False(t, b.Contains(95))
	assert.False(t, b.Contains(8.2))

	_, ok = reg.BoundsFor("credit_spreads", "^VIX")
	assert.False(t, ok)
}

func TestAllBounds(t *testing.T) {
	reg, err := ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)

	all := reg.AllBounds()
	assert.Len(t, all, 3)
	assert.Equal(t, Bounds{Min: 80, Max: 120}, all["DXY"])
}

func TestRegistryValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty", "factors: []"},
		{"missing id", "factors:\n  - weight: 0.1\n    staleness_budget: 1h\n    owner: p"},
		{"duplicate id", `
factors:
  - {id: a, weight: 0.1, staleness_budget: 1h, owner: p}
  - {id: a, weight: 0.2, staleness_budget: 1h, owner: p}`},
		{"negative weight", "factors:\n  - {id: a, weight: -0.1, staleness_budget: 1h, owner: p}"},
		{"no staleness", "factors:\n  - {id: a, weight: 0.1, owner: p}"},
		{"no owner", "factors:\n  - {id: a, weight: 0.1, staleness_budget: 1h}"},
		{"inverted bounds", `
factors:
  - id: a
    weight: 0.1
    staleness_budget: 1h
    owner: p
    sanity_bounds:
      "SPY": {min: 100, max: 50}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(c.yaml))
			require.Error(t, err)
			reason, ok := ReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, ReasonConfigInvalid, reason)
		})
	}
}

func TestReadingFreshnessAnchor(t *testing.T) {
	observed := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	ingested := observed.Add(45 * time.Minute)

	verified := Reading{
		FactorID:   "vix_term",
		ObservedAt: observed,
		IngestedAt: ingested,
		Metadata:   Metadata{TimestampSource: TimestampSourceEvent},
	}
	assert.Equal(t, observed, verified.FreshnessAnchor())
	assert.False(t, verified.Unverifiable())

	masked := Reading{
		FactorID:   "vix_term",
		IngestedAt: ingested,
		Metadata:   Metadata{TimestampSource: TimestampSourceIngestionFallback},
	}
	assert.Equal(t, ingested, masked.FreshnessAnchor())
	assert.True(t, masked.Unverifiable())
}
