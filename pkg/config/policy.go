package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/governance"
	"github.com/Mindburn-Labs/selfheal/pkg/tiers"
)

// Policy is the governance policy file. Omitted fields keep the
// environment's values.
type Policy struct {
	AutonomyCeiling   string        `yaml:"autonomy_ceiling"`
	MaxAutoRisk       string        `yaml:"max_auto_risk"`
	MinConfidence     *float64      `yaml:"min_confidence"`
	MinSuccessRate    *float64      `yaml:"min_success_rate"`
	MinSamples        *int          `yaml:"min_samples"`
	ImpactBypassBelow string        `yaml:"impact_bypass_below"`
	ChangeWindow      *WindowPolicy `yaml:"change_window"`
	Webhooks          []Webhook     `yaml:"webhooks"`
}

// WindowPolicy describes the weekly change window.
type WindowPolicy struct {
	Timezone string   `yaml:"timezone"`
	Days     []string `yaml:"days"`
	Start    string   `yaml:"start"`
	End      string   `yaml:"end"`
}

// Webhook registers an HTTP action. The bearer token is read from the
// environment variable TokenEnv so the file holds no secrets.
type Webhook struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"`
}

// Token resolves the webhook's bearer token.
func (w Webhook) Token() string {
	if w.TokenEnv == "" {
		return ""
	}
	return os.Getenv(w.TokenEnv)
}

// LoadPolicy reads a policy file. Unknown keys are rejected.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	seen := make(map[string]bool, len(p.Webhooks))
	for _, w := range p.Webhooks {
		if w.Name == "" || w.URL == "" {
			return nil, fmt.Errorf("policy: webhook needs name and url")
		}
		if seen[w.Name] {
			return nil, fmt.Errorf("policy: duplicate webhook %q", w.Name)
		}
		seen[w.Name] = true
	}
	return &p, nil
}

// Governance builds the gate policy from the environment, overlaid by p
// when p is non-nil.
func (c *Config) Governance(p *Policy) (governance.Config, error) {
	gc := governance.DefaultConfig()
	gc.SuppressionWindow = c.SuppressionWindow
	gc.ApprovalTTL = c.ApprovalTTL
	if p == nil {
		return gc, nil
	}

	if p.AutonomyCeiling != "" {
		t, err := tiers.Parse(p.AutonomyCeiling)
		if err != nil {
			return gc, fmt.Errorf("policy: %w", err)
		}
		gc.Ceiling = t
	}
	if p.MaxAutoRisk != "" {
		r := contracts.RiskLevel(p.MaxAutoRisk)
		switch r {
		case contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh, contracts.RiskCritical:
			gc.MaxAutoRisk = r
		default:
			return gc, fmt.Errorf("policy: unknown risk level %q", p.MaxAutoRisk)
		}
	}
	if p.ImpactBypassBelow != "" {
		l := contracts.ImpactLevel(p.ImpactBypassBelow)
		switch l {
		case contracts.ImpactNone, contracts.ImpactLow, contracts.ImpactMedium, contracts.ImpactHigh, contracts.ImpactCritical:
			gc.ImpactBypassBelow = l
		default:
			return gc, fmt.Errorf("policy: unknown impact level %q", p.ImpactBypassBelow)
		}
	}
	if p.MinConfidence != nil {
		if *p.MinConfidence < 0 || *p.MinConfidence > 1 {
			return gc, fmt.Errorf("policy: min_confidence must be within [0,1]")
		}
		gc.MinConfidence = *p.MinConfidence
	}
	if p.MinSuccessRate != nil {
		if *p.MinSuccessRate < 0 || *p.MinSuccessRate > 1 {
			return gc, fmt.Errorf("policy: min_success_rate must be within [0,1]")
		}
		gc.MinSuccessRate = *p.MinSuccessRate
	}
	if p.MinSamples != nil {
		gc.MinSamples = *p.MinSamples
	}
	if w := p.ChangeWindow; w != nil {
		cw, err := governance.ParseChangeWindow(w.Timezone, w.Days, w.Start, w.End)
		if err != nil {
			return gc, fmt.Errorf("policy: change_window: %w", err)
		}
		gc.ChangeWindow = cw
	}
	return gc, nil
}
