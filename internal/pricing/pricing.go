// Package pricing maps model identifiers to per-token prices.
//
// The table is consulted once per model when a controller is built; the
// controller keeps the price and never looks it up again.
package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Price is the USD cost of a single prompt (input) and completion (output) token.
type Price struct {
	InputCostPerToken  float64 `yaml:"input_cost_per_token" json:"input_cost_per_token"`
	OutputCostPerToken float64 `yaml:"output_cost_per_token" json:"output_cost_per_token"`
}

// Cost returns the USD cost of a call with the given token usage.
func (p Price) Cost(promptTokens, completionTokens int64) float64 {
	var cost float64
	if promptTokens > 0 {
		cost += float64(promptTokens) * p.InputCostPerToken
	}
	if completionTokens > 0 {
		cost += float64(completionTokens) * p.OutputCostPerToken
	}
	return cost
}

func (p Price) InputPerMillion() float64  { return p.InputCostPerToken * 1_000_000 }
func (p Price) OutputPerMillion() float64 { return p.OutputCostPerToken * 1_000_000 }

// Lookuper resolves a model to its price. ok is false for unknown models.
type Lookuper interface {
	Lookup(model string) (Price, bool)
}

// Table is an immutable price table keyed by model identifier.
type Table struct {
	models map[string]Price
}

func New(models map[string]Price) *Table {
	m := make(map[string]Price, len(models))
	for k, v := range models {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		m[k] = v
	}
	return &Table{models: m}
}

// Lookup tries an exact match first, then the longest configured prefix
// ("gpt-4o" matches "gpt-4o-2024-08-06").
func (t *Table) Lookup(model string) (Price, bool) {
	if t == nil {
		return Price{}, false
	}
	if p, ok := t.models[model]; ok {
		return p, true
	}
	best := ""
	for pattern := range t.models {
		if strings.HasPrefix(model, pattern) && len(pattern) > len(best) {
			best = pattern
		}
	}
	if best == "" {
		return Price{}, false
	}
	return t.models[best], true
}

// Merge returns a new table with other's entries layered over t's.
func (t *Table) Merge(other *Table) *Table {
	m := make(map[string]Price, t.Len()+other.Len())
	if t != nil {
		for k, v := range t.models {
			m[k] = v
		}
	}
	if other != nil {
		for k, v := range other.models {
			m[k] = v
		}
	}
	return &Table{models: m}
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.models)
}

type fileFormat struct {
	Models map[string]Price `yaml:"models"`
}

// LoadFile reads a YAML price table:
//
//	models:
//	  gpt-4o-mini:
//	    input_cost_per_token: 0.00000015
//	    output_cost_per_token: 0.0000006
func LoadFile(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse price table %s: %w", path, err)
	}
	for name, p := range f.Models {
		if p.InputCostPerToken < 0 || p.OutputCostPerToken < 0 {
			return nil, fmt.Errorf("price table %s: negative price for model %q", path, name)
		}
	}
	return New(f.Models), nil
}
