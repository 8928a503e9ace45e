package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultGroupInterval is used for groups that omit an interval.
const DefaultGroupInterval = 5 * time.Minute

// Plan describes which providers exist and which collector groups run against them.
type Plan struct {
	Providers []ProviderPlan `yaml:"providers"`
	Groups    []GroupPlan    `yaml:"groups"`
}

// ProviderPlan configures one external provider.
type ProviderPlan struct {
	Headers     map[string]string `yaml:"headers"`
	Budget      *int              `yaml:"budget"`
	Name        string            `yaml:"name"`
	BaseURL     string            `yaml:"base_url"`
	MinInterval time.Duration     `yaml:"min_interval"`
}

// GroupPlan is a named set of collectors sharing a schedule.
type GroupPlan struct {
	Name       string          `yaml:"name"`
	Collectors []CollectorPlan `yaml:"collectors"`
	Interval   time.Duration   `yaml:"interval"`
}

// CollectorPlan configures one generic JSON collector.
type CollectorPlan struct {
	Params       map[string]string `yaml:"params"`
	Fields       map[string]string `yaml:"fields"`
	Static       map[string]any    `yaml:"static"`
	Budget       *int              `yaml:"budget"`
	Name         string            `yaml:"name"`
	Provider     string            `yaml:"provider"`
	Endpoint     string            `yaml:"endpoint"`
	Method       string            `yaml:"method"`
	ItemParam    string            `yaml:"item_param"`
	RecordsPath  string            `yaml:"records_path"`
	Table        string            `yaml:"table"`
	CursorParam  string            `yaml:"cursor_param"`
	CursorField  string            `yaml:"cursor_field"`
	Fallbacks    []string          `yaml:"fallbacks"`
	Items        []string          `yaml:"items"`
	ConflictKeys []string          `yaml:"conflict_keys"`
}

// LoadPlan reads, defaults and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes a YAML plan document.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	plan.applyDefaults()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Plan) applyDefaults() {
	for i := range p.Groups {
		if p.Groups[i].Interval <= 0 {
			p.Groups[i].Interval = DefaultGroupInterval
		}
		for j := range p.Groups[i].Collectors {
			c := &p.Groups[i].Collectors[j]
			if c.Method == "" {
				c.Method = "GET"
			}
		}
	}
}

// Validate checks names, references and required collector fields.
func (p *Plan) Validate() error {
	var errs []error

	providers := make(map[string]bool, len(p.Providers))
	for _, prov := range p.Providers {
		if prov.Name == "" {
			errs = append(errs, errors.New("provider with empty name"))
			continue
		}
		if providers[prov.Name] {
			errs = append(errs, fmt.Errorf("duplicate provider %q", prov.Name))
		}
		providers[prov.Name] = true
	}

	groups := make(map[string]bool, len(p.Groups))
	collectors := make(map[string]bool)
	for _, g := range p.Groups {
		if g.Name == "" {
			errs = append(errs, errors.New("group with empty name"))
			continue
		}
		if groups[g.Name] {
			errs = append(errs, fmt.Errorf("duplicate group %q", g.Name))
		}
		groups[g.Name] = true

		for _, c := range g.Collectors {
			where := fmt.Sprintf("group %q collector %q", g.Name, c.Name)
			if c.Name == "" {
				errs = append(errs, fmt.Errorf("group %q has a collector with empty name", g.Name))
				continue
			}
			if collectors[c.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate collector name", where))
			}
			collectors[c.Name] = true

			if !providers[c.Provider] {
				errs = append(errs, fmt.Errorf("%s: unknown provider %q", where, c.Provider))
			}
			for _, fb := range c.Fallbacks {
				if !providers[fb] {
					errs = append(errs, fmt.Errorf("%s: unknown fallback provider %q", where, fb))
				}
			}
			if c.Table == "" {
				errs = append(errs, fmt.Errorf("%s: table is required", where))
			}
			if len(c.ConflictKeys) == 0 {
				errs = append(errs, fmt.Errorf("%s: conflict_keys is required", where))
			}
			if len(c.Items) > 0 && c.ItemParam == "" {
				errs = append(errs, fmt.Errorf("%s: item_param is required when items are listed", where))
			}
		}
	}

	return errors.Join(errs...)
}

// Provider returns the named provider definition.
func (p *Plan) Provider(name string) (ProviderPlan, bool) {
	for _, prov := range p.Providers {
		if prov.Name == name {
			return prov, true
		}
	}
	return ProviderPlan{}, false
}

// ProviderIntervals returns the per-provider minimum request intervals that are set.
func (p *Plan) ProviderIntervals() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, prov := range p.Providers {
		if prov.MinInterval > 0 {
			out[prov.Name] = prov.MinInterval
		}
	}
	return out
}

// BudgetFor resolves a collector's budget: its own value, else its primary
// provider's, else -1 for unlimited.
func (p *Plan) BudgetFor(c CollectorPlan) int {
	if c.Budget != nil {
		return *c.Budget
	}
	if prov, ok := p.Provider(c.Provider); ok && prov.Budget != nil {
		return *prov.Budget
	}
	return -1
}
