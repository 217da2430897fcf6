// Package costmodel maps model names to energy factors. The table is
// external configuration: the policy engine consumes it as an opaque lookup
// with a mandatory default fallback.
package costmodel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultKey is the fallback row used for unknown models.
const DefaultKey = "default"

// Table maps model name to kWh consumed per 100k tokens.
type Table struct {
	factors map[string]float64
}

// tableFile is the on-disk YAML shape:
//
//	factors:
//	  gpt-4o: 0.4
//	  claude-sonnet: 0.3
//	  default: 0.5
type tableFile struct {
	Factors map[string]float64 `yaml:"factors"`
}

// New builds a table from an in-memory factor map. A "default" row is
// required.
func New(factors map[string]float64) (*Table, error) {
	if _, ok := factors[DefaultKey]; !ok {
		return nil, fmt.Errorf("costmodel: missing %q factor", DefaultKey)
	}
	cp := make(map[string]float64, len(factors))
	for k, v := range factors {
		if v <= 0 {
			return nil, fmt.Errorf("costmodel: factor for %q must be positive, got %v", k, v)
		}
		cp[k] = v
	}
	return &Table{factors: cp}, nil
}

// LoadFile reads the YAML factor table from disk.
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("costmodel: read: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("costmodel: parse: %w", err)
	}
	return New(f.Factors)
}

// Factor returns the kWh-per-100k-tokens factor for a model, falling back to
// the default row for unknown models.
func (t *Table) Factor(model string) float64 {
	if f, ok := t.factors[model]; ok {
		return f
	}
	return t.factors[DefaultKey]
}

// EstimateKWh returns (tokens / 100_000) * factor(model).
func (t *Table) EstimateKWh(model string, tokens int) float64 {
	return float64(tokens) / 100_000 * t.Factor(model)
}
