package factor

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Bounds is a per-symbol sanity window for raw prices feeding a factor.
// Readings derived from prices outside the window are rejected outright.
type Bounds struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v sits inside the window.
func (b Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Duration lets staleness budgets be written as "26h" / "90m" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Meta is the registry entry for one factor. The owner is the only producer
// allowed to write the factor; staleness is measured against event time.
type Meta struct {
	ID              string            `yaml:"id"`
	Weight          float64           `yaml:"weight"`
	StalenessBudget Duration          `yaml:"staleness_budget"`
	Owner           string            `yaml:"owner"`
	SanityBounds    map[string]Bounds `yaml:"sanity_bounds,omitempty"`
	Description     string            `yaml:"description,omitempty"`
}

// registryFile is the on-disk schema.
type registryFile struct {
	Factors []Meta `yaml:"factors"`
}

// Registry is the static factor configuration consumed at boot. Hot reload
// is not supported; changes require a restart.
type Registry struct {
	byID  map[string]Meta
	order []string
}

// LoadRegistry reads and validates a factor registry YAML file. Any schema
// violation is fatal at boot (CONFIG_INVALID).
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Reject(ReasonConfigInvalid, "read registry: %v", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a registry from raw YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, Reject(ReasonConfigInvalid, "parse registry: %v", err)
	}

	if len(file.Factors) == 0 {
		return nil, Reject(ReasonConfigInvalid, "registry declares no factors")
	}

	reg := &Registry{byID: make(map[string]Meta, len(file.Factors))}
	for _, m := range file.Factors {
		if m.ID == "" {
			return nil, Reject(ReasonConfigInvalid, "factor with empty id")
		}
		if _, dup := reg.byID[m.ID]; dup {
			return nil, Reject(ReasonConfigInvalid, "duplicate factor id %q", m.ID)
		}
		if m.Weight < 0 {
			return nil, Reject(ReasonConfigInvalid, "factor %q has negative weight %v", m.ID, m.Weight)
		}
		if m.StalenessBudget.Std() <= 0 {
			return nil, Reject(ReasonConfigInvalid, "factor %q has non-positive staleness budget", m.ID)
		}
		if m.Owner == "" {
			return nil, Reject(ReasonConfigInvalid, "factor %q has no owner", m.ID)
		}
		for sym, b := range m.SanityBounds {
			if b.Min >= b.Max {
				return nil, Reject(ReasonConfigInvalid, "factor %q bounds for %q: min %v >= max %v", m.ID, sym, b.Min, b.Max)
			}
		}
		reg.byID[m.ID] = m
		reg.order = append(reg.order, m.ID)
	}
	sort.Strings(reg.order)
	return reg, nil
}

// Lookup returns the meta for a factor id.
func (r *Registry) Lookup(id string) (Meta, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// Owner returns the sole writer for a factor, or "" if unknown.
func (r *Registry) Owner(id string) string {
	return r.byID[id].Owner
}

// IDs returns all enabled factor ids in stable order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the enabled factor count.
func (r *Registry) Len() int {
	return len(r.byID)
}

// BoundsFor returns the sanity window governing a raw price symbol for a
// factor, if one is configured.
func (r *Registry) BoundsFor(id, symbol string) (Bounds, bool) {
	m, ok := r.byID[id]
	if !ok {
		return Bounds{}, false
	}
	b, ok := m.SanityBounds[symbol]
	return b, ok
}

// AllBounds flattens every configured sanity window keyed by price symbol.
// The startup cache sweep uses it to re-validate persisted entries.
func (r *Registry) AllBounds() map[string]Bounds {
	out := map[string]Bounds{}
	for _, id := range r.order {
		for sym, b := range r.byID[id].SanityBounds {
			out[sym] = b
		}
	}
	return out
}

// String summarizes the registry for boot logging.
func (r *Registry) String() string {
	return fmt.Sprintf("registry{factors=%d}", len(r.byID))
}
