// Package validation provides pure-data field checks and ingestion of
// validation rules from guidelines. User-supplied regex rules pass through a
// ReDoS shape guard before compiling.
package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Timestamp fields must fall inside this range.
const (
	minYear = 1970
	maxYear = 2100
)

// RulePrefix marks guidelines the validation service ingests.
const RulePrefix = "validation:"

// Required rejects empty or whitespace-only values.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return types.NewValidationError(field, "is required")
	}
	return nil
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) error {
	if len(value) > max {
		return types.NewValidationError(field, fmt.Sprintf("exceeds maximum length of %d", max))
	}
	return nil
}

// dateLayouts are the accepted ISO-8601 forms, most specific first.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// CheckDate enforces ISO-8601 parsing and the supported year range.
func CheckDate(field, value string) error {
	var parsed time.Time
	var err error
	for _, layout := range dateLayouts {
		parsed, err = time.Parse(layout, value)
		if err == nil {
			break
		}
	}
	if err != nil {
		return types.NewValidationError(field, "must be an ISO-8601 timestamp")
	}
	if year := parsed.Year(); year < minYear || year > maxYear {
		return types.NewValidationError(field,
			fmt.Sprintf("year %d outside supported range [%d, %d]", parsed.Year(), minYear, maxYear))
	}
	return nil
}

// CheckJSON rejects values that are not well-formed JSON.
func CheckJSON(field, value string) error {
	if !json.Valid([]byte(value)) {
		return types.NewValidationError(field, "must be valid JSON")
	}
	return nil
}

// Rule is one ingested validation rule.
type Rule struct {
	Field   string `json:"field"`
	Check   string `json:"check"` // required | max_length | pattern | date | json
	Max     int    `json:"max,omitempty"`
	Pattern string `json:"pattern,omitempty"`

	compiled *regexp.Regexp
	source   string // guideline name the rule came from
}

// Service applies built-in checks plus rules ingested from validation:*
// guidelines. Safe for concurrent use.
type Service struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewService() *Service {
	return &Service{}
}

// IngestGuideline parses one guideline into rules. Only names under the
// validation: prefix are accepted; content is a JSON rule or rule array.
// Pattern rules run through the ReDoS guard here, at ingestion time.
func (s *Service) IngestGuideline(name, content string) error {
	if !strings.HasPrefix(name, RulePrefix) {
		return fmt.Errorf("guideline %q is not a validation rule", name)
	}

	var rules []Rule
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &rules); err != nil {
			return types.NewValidationError("content", fmt.Sprintf("invalid rule list: %v", err))
		}
	} else {
		var one Rule
		if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
			return types.NewValidationError("content", fmt.Sprintf("invalid rule: %v", err))
		}
		rules = []Rule{one}
	}

	for i := range rules {
		r := &rules[i]
		r.source = name
		if r.Field == "" {
			return types.NewValidationError("field", "rule is missing a field name")
		}
		switch r.Check {
		case "required", "date", "json":
		case "max_length":
			if r.Max <= 0 {
				return types.NewValidationError("max", "max_length rule requires a positive max")
			}
		case "pattern":
			re, err := SafeCompile(r.Pattern)
			if err != nil {
				return types.NewValidationError("pattern", err.Error())
			}
			r.compiled = re
		default:
			return types.NewValidationError("check", fmt.Sprintf("unknown check %q", r.Check))
		}
	}

	s.mu.Lock()
	// Re-ingesting a guideline replaces its earlier rules.
	kept := s.rules[:0]
	for _, r := range s.rules {
		if r.source != name {
			kept = append(kept, r)
		}
	}
	s.rules = append(kept, rules...)
	s.mu.Unlock()

	logging.Get(logging.CategoryHandler).Info("Ingested %d validation rules from %s", len(rules), name)
	return nil
}

// Forget drops the rules a guideline contributed.
func (s *Service) Forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rules[:0]
	for _, r := range s.rules {
		if r.source != name {
			kept = append(kept, r)
		}
	}
	s.rules = kept
}

// Rules snapshots the ingested rule set.
func (s *Service) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Apply runs every ingested rule against the fields and returns the first
// violation. Fields absent from the map only trip required rules.
func (s *Service) Apply(fields map[string]string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		value, present := fields[r.Field]
		switch r.Check {
		case "required":
			if err := Required(r.Field, value); err != nil {
				return err
			}
		case "max_length":
			if present {
				if err := MaxLength(r.Field, value, r.Max); err != nil {
					return err
				}
			}
		case "date":
			if present && value != "" {
				if err := CheckDate(r.Field, value); err != nil {
					return err
				}
			}
		case "json":
			if present && value != "" {
				if err := CheckJSON(r.Field, value); err != nil {
					return err
				}
			}
		case "pattern":
			if present && value != "" && !r.compiled.MatchString(value) {
				return types.NewValidationError(r.Field, "does not match the required pattern")
			}
		}
	}
	return nil
}
