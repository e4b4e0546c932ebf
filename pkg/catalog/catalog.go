// Package catalog loads the read-only playbook catalog and validates
// remediation parameters against each playbook's declared bounds.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/tiers"
)

// File is the on-disk catalog layout.
type File struct {
	// Requires is a semver constraint on the orchestrator version.
	Requires  string                         `yaml:"requires"`
	Playbooks []contracts.PlaybookDefinition `yaml:"playbooks"`
}

type entry struct {
	def     contracts.PlaybookDefinition
	version *semver.Version
	schema  *jsonschema.Schema
}

// Catalog is an immutable set of compiled playbook definitions.
type Catalog struct {
	entries map[string]*entry
}

// Load reads a YAML catalog from path.
func Load(path, orchestratorVersion string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, orchestratorVersion)
}

// Parse decodes a YAML catalog and checks its version constraint.
func Parse(data []byte, orchestratorVersion string) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if f.Requires != "" {
		c, err := semver.NewConstraint(f.Requires)
		if err != nil {
			return nil, fmt.Errorf("catalog requires %q: %w", f.Requires, err)
		}
		v, err := semver.NewVersion(orchestratorVersion)
		if err != nil {
			return nil, fmt.Errorf("orchestrator version %q: %w", orchestratorVersion, err)
		}
		if ok, errs := c.Validate(v); !ok {
			return nil, fmt.Errorf("catalog requires %s, running %s: %v", f.Requires, v, errs)
		}
	}
	return New(f.Playbooks...)
}

// New compiles defs. When an id appears more than once the highest
// version wins.
func New(defs ...contracts.PlaybookDefinition) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]*entry, len(defs))}
	for i := range defs {
		e, err := compile(defs[i])
		if err != nil {
			return nil, err
		}
		if prev, ok := c.entries[e.def.ID]; ok {
			if !e.version.GreaterThan(prev.version) {
				continue
			}
		}
		c.entries[e.def.ID] = e
	}
	return c, nil
}

func compile(def contracts.PlaybookDefinition) (*entry, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("playbook without id")
	}
	if def.Action == "" {
		return nil, fmt.Errorf("playbook %s: action is required", def.ID)
	}
	if def.Version == "" {
		def.Version = "0.0.0"
	}
	v, err := semver.NewVersion(def.Version)
	if err != nil {
		return nil, fmt.Errorf("playbook %s: version %q: %w", def.ID, def.Version, err)
	}
	if _, ok := map[contracts.RiskLevel]bool{
		contracts.RiskLow: true, contracts.RiskMedium: true, contracts.RiskHigh: true, contracts.RiskCritical: true,
	}[def.RiskLevel]; !ok {
		return nil, fmt.Errorf("playbook %s: unknown risk level %q", def.ID, def.RiskLevel)
	}
	if tiers.Get(tiers.TierID(def.RequiredAutonomyTier)) == nil {
		return nil, fmt.Errorf("playbook %s: unknown autonomy tier %q", def.ID, def.RequiredAutonomyTier)
	}
	if def.Timeout < 0 {
		return nil, fmt.Errorf("playbook %s: negative timeout", def.ID)
	}
	schema, err := compileSchema(def.ID, def.ParameterSchema)
	if err != nil {
		return nil, err
	}
	return &entry{def: def, version: v, schema: schema}, nil
}

// Get returns a copy of the definition for id.
func (c *Catalog) Get(id string) (*contracts.PlaybookDefinition, bool) {
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	def := e.def
	return &def, true
}

// List returns every definition sorted by id.
func (c *Catalog) List() []*contracts.PlaybookDefinition {
	out := make([]*contracts.PlaybookDefinition, 0, len(c.entries))
	for _, e := range c.entries {
		def := e.def
		out = append(out, &def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of playbooks.
func (c *Catalog) Len() int {
	return len(c.entries)
}
