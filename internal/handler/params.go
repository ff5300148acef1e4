package handler

import (
	"fmt"

	"mnemo/internal/types"
)

// Params is the decoded parameter object of one tool call.
type Params map[string]interface{}

// Str returns a string parameter, empty when absent.
func (p Params) Str(key string) string {
	v, _ := p[key].(string)
	return v
}

// Int returns an integer parameter. JSON numbers decode as float64.
func (p Params) Int(key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Float returns a float parameter, zero when absent.
func (p Params) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Bool returns a boolean parameter, false when absent.
func (p Params) Bool(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// StrSlice returns a string-array parameter.
func (p Params) StrSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Items returns an array-of-objects parameter, for bulk actions.
func (p Params) Items(key string) []Params {
	switch v := p[key].(type) {
	case []Params:
		return v
	case []map[string]interface{}:
		out := make([]Params, 0, len(v))
		for _, item := range v {
			out = append(out, Params(item))
		}
		return out
	case []interface{}:
		out := make([]Params, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, Params(m))
			}
		}
		return out
	}
	return nil
}

// Has reports whether the key was supplied at all, so updates can tell an
// explicit empty value from an omitted field.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Scope builds and validates the scope reference from scopeType/scopeId.
func (p Params) Scope() (types.ScopeRef, error) {
	scope := types.ScopeRef{Type: types.ScopeType(p.Str("scopeType")), ID: p.Str("scopeId")}
	if scope.Type == "" {
		return scope, types.NewValidationError("scopeType", "is required")
	}
	if err := scope.Validate(); err != nil {
		return scope, err
	}
	return scope, nil
}

// scopeAncestors collects the ancestor scope ids an inherited name lookup can
// walk through. Levels without an id in the request are skipped by the chain.
func scopeAncestors(p Params) map[types.ScopeType]string {
	ids := make(map[types.ScopeType]string)
	if v := p.Str("orgId"); v != "" {
		ids[types.ScopeOrg] = v
	}
	if v := p.Str("projectId"); v != "" {
		ids[types.ScopeProject] = v
	}
	if v := p.Str("agentId"); v != "" {
		ids[types.ScopeAgent] = v
	}
	return ids
}

// StringFields flattens the string-valued parameters for the validation
// rule engine.
func (p Params) StringFields() map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		switch s := v.(type) {
		case string:
			out[k] = s
		case float64:
			out[k] = fmt.Sprintf("%v", s)
		}
	}
	return out
}
