// Package catalog holds the semantic description of the sales warehouse:
// tables, join paths, named metrics, known entities and data notes.
package catalog

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed semantic_schema.yaml
var defaultSchema []byte

// Column is a typed column of a table.
type Column struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Table describes one warehouse table.
type Table struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Columns     []Column `yaml:"columns"`
}

// Join is a supported join path between two qualified columns.
type Join struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Entities are the values the scope gate and the prompts treat as known.
type Entities struct {
	Products         []string `yaml:"products"`
	TherapeuticAreas []string `yaml:"therapeutic_areas"`
	Regions          []string `yaml:"regions"`
}

// Catalog is the parsed semantic schema. It is immutable after loading.
type Catalog struct {
	Tables        []Table           `yaml:"tables"`
	Joins         []Join            `yaml:"joins"`
	Metrics       map[string]string `yaml:"metrics"`
	KnownEntities Entities          `yaml:"known_entities"`
	DataNotes     []string          `yaml:"data_notes"`

	summary string
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the embedded catalog, parsing it on first use.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = Parse(defaultSchema)
	})
	return defaultCatalog, defaultErr
}

// Parse decodes a semantic schema document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse semantic schema: %w", err)
	}
	if len(c.Tables) == 0 {
		return nil, fmt.Errorf("semantic schema has no tables")
	}
	c.summary = c.render()
	return &c, nil
}

// Summary returns the prompt-ready text form of the catalog.
func (c *Catalog) Summary() string {
	return c.summary
}

// TableNames returns the names of all tables in declaration order.
func (c *Catalog) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		names = append(names, t.Name)
	}
	return names
}

func (c *Catalog) render() string {
	var sb strings.Builder
	for _, t := range c.Tables {
		cols := make([]string, 0, len(t.Columns))
		for _, col := range t.Columns {
			cols = append(cols, fmt.Sprintf("%s (%s)", col.Name, col.Type))
		}
		fmt.Fprintf(&sb, "• %s: %s\n  Columns: %s\n", t.Name, t.Description, strings.Join(cols, ", "))
	}

	if len(c.Joins) > 0 {
		joins := make([]string, 0, len(c.Joins))
		for _, j := range c.Joins {
			joins = append(joins, j.From+" → "+j.To)
		}
		fmt.Fprintf(&sb, "\nJoins: %s\n", strings.Join(joins, "; "))
	}

	if len(c.Metrics) > 0 {
		keys := make([]string, 0, len(c.Metrics))
		for k := range c.Metrics {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		metrics := make([]string, 0, len(keys))
		for _, k := range keys {
			metrics = append(metrics, k+": "+c.Metrics[k])
		}
		fmt.Fprintf(&sb, "\nMetrics: %s\n", strings.Join(metrics, "; "))
	}

	e := c.KnownEntities
	if len(e.Products) > 0 {
		fmt.Fprintf(&sb, "\nKnown products: %s\n", strings.Join(e.Products, ", "))
	}
	if len(e.TherapeuticAreas) > 0 {
		fmt.Fprintf(&sb, "Therapeutic areas: %s\n", strings.Join(e.TherapeuticAreas, ", "))
	}
	if len(e.Regions) > 0 {
		fmt.Fprintf(&sb, "Regions: %s\n", strings.Join(e.Regions, ", "))
	}

	if len(c.DataNotes) > 0 {
		sb.WriteString("\nData notes:\n")
		for _, n := range c.DataNotes {
			fmt.Fprintf(&sb, "  - %s\n", n)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
