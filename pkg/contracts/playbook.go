package contracts

import "time"

// RiskLevel grades how dangerous a playbook is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank orders risk levels; unknown values rank as critical.
func (r RiskLevel) Rank() int {
	if v, ok := riskRank[r]; ok {
		return v
	}
	return riskRank[RiskCritical]
}

// ParamType is the declared type of a playbook parameter.
type ParamType string

const (
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamString  ParamType = "string"
	ParamBoolean ParamType = "boolean"
)

// ParameterSpec declares one parameter of a playbook.
type ParameterSpec struct {
	Type     ParamType `json:"type" yaml:"type"`
	Min      *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Required bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Enum     []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default  any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// PlaybookDefinition is a read-only catalog record.
type PlaybookDefinition struct {
	ID                   string                   `json:"id" yaml:"id"`
	Version              string                   `json:"version" yaml:"version"`
	Description          string                   `json:"description,omitempty" yaml:"description,omitempty"`
	RiskLevel            RiskLevel                `json:"risk_level" yaml:"risk_level"`
	RequiredAutonomyTier string                   `json:"required_autonomy_tier" yaml:"required_autonomy_tier"`
	ParameterSchema      map[string]ParameterSpec `json:"parameter_schema" yaml:"parameter_schema"`
	ApplicableServices   []string                 `json:"applicable_services" yaml:"applicable_services"`
	RequiresChangeWindow bool                     `json:"requires_change_window" yaml:"requires_change_window"`

	// Action names the registered remediation action; Rollback names the
	// action that undoes it, if any.
	Action   string `json:"action" yaml:"action"`
	Rollback string `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	// Verify is a CEL expression over the re-sampled metrics that must hold
	// for the remediation to count as successful.
	Verify  string        `json:"verify,omitempty" yaml:"verify,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// AppliesTo reports whether the playbook may target service.
func (d *PlaybookDefinition) AppliesTo(service string) bool {
	if len(d.ApplicableServices) == 0 {
		return true
	}
	for _, s := range d.ApplicableServices {
		if s == "*" || s == service {
			return true
		}
	}
	return false
}

// HasRollback reports whether a rollback action is defined.
func (d *PlaybookDefinition) HasRollback() bool {
	return d.Rollback != ""
}
