package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
)

// Params are parameters that passed validation against a playbook's
// schema, with defaults applied. They can only be obtained from
// Catalog.ValidateParams.
type Params struct {
	values map[string]any
}

// Values returns a copy of the validated parameters.
func (p Params) Values() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Get returns one parameter.
func (p Params) Get(name string) (any, bool) {
	v, ok := p.values[name]
	return v, ok
}

// Violation is one broken parameter rule.
type Violation struct {
	Parameter string `json:"parameter,omitempty"`
	Rule      string `json:"rule"`
	Message   string `json:"message"`
}

// ParamError lists every violation found for a parameter set. It unwraps
// to a parameter_bounds PolicyViolation.
type ParamError struct {
	PlaybookID string
	Violations []Violation
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("playbook %s: %s", e.PlaybookID, e.detail())
}

func (e *ParamError) Unwrap() error {
	return &contracts.PolicyViolation{Policy: contracts.PolicyParameterBounds, Detail: e.detail()}
}

func (e *ParamError) detail() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		if v.Parameter != "" {
			parts[i] = fmt.Sprintf("%s: %s: %s", v.Parameter, v.Rule, v.Message)
		} else {
			parts[i] = fmt.Sprintf("%s: %s", v.Rule, v.Message)
		}
	}
	return strings.Join(parts, "; ")
}

// ValidateParams checks raw against the schema of playbook id. Optional
// parameters absent from raw take their declared default.
func (c *Catalog) ValidateParams(id string, raw map[string]any) (Params, error) {
	e, ok := c.entries[id]
	if !ok {
		return Params{}, fmt.Errorf("playbook %s: %w", id, contracts.ErrNotFound)
	}

	merged := make(map[string]any, len(raw)+len(e.def.ParameterSchema))
	for name, spec := range e.def.ParameterSchema {
		if !spec.Required && spec.Default != nil {
			merged[name] = spec.Default
		}
	}
	for k, v := range raw {
		merged[k] = v
	}

	doc, err := normalize(merged)
	if err != nil {
		return Params{}, &ParamError{PlaybookID: id, Violations: []Violation{{Rule: "encoding", Message: err.Error()}}}
	}
	if err := e.schema.Validate(doc); err != nil {
		return Params{}, &ParamError{PlaybookID: id, Violations: violations(err)}
	}

	values := make(map[string]any, len(doc))
	for k, v := range doc {
		values[k] = coerce(e.def.ParameterSchema[k].Type, v)
	}
	return Params{values: values}, nil
}

// normalize round-trips through JSON so that every number is a json.Number
// and every nested value has a JSON-native Go type.
func normalize(in map[string]any) (map[string]any, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func coerce(t contracts.ParamType, v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if t == contracts.ParamInteger {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func compileSchema(id string, params map[string]contracts.ParameterSpec) (*jsonschema.Schema, error) {
	props := make(map[string]any, len(params))
	required := make([]string, 0)
	for name, spec := range params {
		p := map[string]any{}
		switch spec.Type {
		case contracts.ParamInteger, contracts.ParamNumber:
			p["type"] = string(spec.Type)
			if spec.Min != nil {
				p["minimum"] = *spec.Min
			}
			if spec.Max != nil {
				p["maximum"] = *spec.Max
			}
			if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
				return nil, fmt.Errorf("playbook %s: parameter %s: min %v exceeds max %v", id, name, *spec.Min, *spec.Max)
			}
		case contracts.ParamString:
			p["type"] = "string"
			if len(spec.Enum) > 0 {
				p["enum"] = spec.Enum
			}
		case contracts.ParamBoolean:
			p["type"] = "boolean"
		default:
			return nil, fmt.Errorf("playbook %s: parameter %s: unknown type %q", id, name, spec.Type)
		}
		props[name] = p
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("playbook %s: encode schema: %w", id, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://selfheal.schemas.local/playbooks/%s.schema.json", id)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("playbook %s: schema load failed: %w", id, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("playbook %s: schema compile failed: %w", id, err)
	}
	return compiled, nil
}

// violations flattens a jsonschema error tree into its leaves.
func violations(err error) []Violation {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Violation{{Rule: "schema", Message: err.Error()}}
	}
	var out []Violation
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			out = append(out, Violation{
				Parameter: strings.TrimPrefix(v.InstanceLocation, "/"),
				Rule:      rule(v.KeywordLocation),
				Message:   v.Message,
			})
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Parameter != out[j].Parameter {
			return out[i].Parameter < out[j].Parameter
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}

func rule(keywordLocation string) string {
	i := strings.LastIndex(keywordLocation, "/")
	if i < 0 {
		return "schema"
	}
	switch kw := keywordLocation[i+1:]; kw {
	case "additionalProperties":
		return "unknown"
	case "required", "type", "minimum", "maximum", "enum":
		return kw
	default:
		return "schema"
	}
}
