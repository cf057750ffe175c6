package usage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelPrice holds per-category unit prices in USD per million tokens.
type ModelPrice struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheWrite float64 `yaml:"cache_write"`
	CacheRead  float64 `yaml:"cache_read"`
}

// Table maps model identifiers to prices. Unknown models fall back to the
// default price.
type Table struct {
	Models  map[string]ModelPrice `yaml:"models"`
	Default ModelPrice            `yaml:"default"`
}

// Price returns the price for a model, falling back to the table default.
func (t Table) Price(model string) ModelPrice {
	if p, ok := t.Models[model]; ok {
		return p
	}
	return t.Default
}

// DefaultTable is the built-in pricing table used when no pricing file is
// configured.
func DefaultTable() Table {
	return Table{
		Models: map[string]ModelPrice{
			"claude-opus-4-1":   {Input: 15.0, Output: 75.0, CacheWrite: 18.75, CacheRead: 1.50},
			"claude-sonnet-4-5": {Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
			"claude-haiku-4-5":  {Input: 1.0, Output: 5.0, CacheWrite: 1.25, CacheRead: 0.10},
		},
		Default: ModelPrice{Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
	}
}

// LoadTable reads a pricing table from a YAML file.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read pricing file: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse pricing file: %w", err)
	}
	if t.Models == nil {
		t.Models = make(map[string]ModelPrice)
	}
	return t, nil
}
