// Package template loads, validates, and hot-reloads the YAML policy
// templates that role assignments are resolved from. Templates are
// immutable once parsed; reloads swap whole snapshots so in-flight
// decisions never observe a half-updated policy.
package template

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentleash/agentleash/internal/chaos"
	"github.com/agentleash/agentleash/internal/inputfilter"
	"github.com/agentleash/agentleash/internal/rules"
	"github.com/agentleash/agentleash/internal/spend"
)

// Template is one named, versioned policy document.
type Template struct {
	Name        string        `yaml:"name" json:"name"`
	Version     int           `yaml:"version,omitempty" json:"version"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	When        string        `yaml:"when,omitempty" json:"when,omitempty"`
	InputFilter string        `yaml:"input_filter,omitempty" json:"input_filter,omitempty"`
	Allow       []string      `yaml:"allow,omitempty" json:"allow,omitempty"`
	Ask         []string      `yaml:"ask,omitempty" json:"ask,omitempty"`
	Block       []string      `yaml:"block,omitempty" json:"block,omitempty"`
	Limits      *spend.Limits `yaml:"limits,omitempty" json:"limits,omitempty"`
	Chaos       *chaos.Config `yaml:"chaos,omitempty" json:"chaos,omitempty"`

	// Guard is the compiled When expression, nil when When is empty.
	Guard *Guard `yaml:"-" json:"-"`
}

// knownKeys are the recognized top-level template keys. Anything else is
// flagged as a warning so typos do not silently drop policy.
var knownKeys = map[string]bool{
	"name":         true,
	"version":      true,
	"description":  true,
	"when":         true,
	"input_filter": true,
	"allow":        true,
	"ask":          true,
	"block":        true,
	"limits":       true,
	"chaos":        true,
}

// ValidationResult is the outcome of validating one template document.
// Errors make the document unusable; warnings flag suspicious but legal
// constructs.
type ValidationResult struct {
	Valid    bool      `json:"valid"`
	Errors   []string  `json:"errors,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	Parsed   *Template `json:"parsed,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate parses src and checks every field. The returned result carries
// the parsed template only when the document is valid.
func Validate(src []byte) *ValidationResult {
	res := &ValidationResult{}

	var raw map[string]any
	if err := yaml.Unmarshal(src, &raw); err != nil {
		res.errorf("invalid YAML: %v", err)
		return res
	}
	if raw == nil {
		res.errorf("template is empty")
		return res
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !knownKeys[k] {
			res.warnf("unknown key %q ignored", k)
		}
	}

	var t Template
	if err := yaml.Unmarshal(src, &t); err != nil {
		res.errorf("invalid template structure: %v", err)
		return res
	}

	if strings.TrimSpace(t.Name) == "" {
		res.errorf("name is required")
	}
	if t.Version < 0 {
		res.errorf("version must be a positive integer, got %d", t.Version)
	}
	if t.Version == 0 {
		t.Version = 1
	}

	validateRules(res, "allow", t.Allow)
	validateRules(res, "ask", t.Ask)
	validateRules(res, "block", t.Block)
	warnShadowedAllows(res, t.Allow, t.Ask, t.Block)

	if t.InputFilter != "" && !inputfilter.ValidLevel(t.InputFilter) {
		res.errorf("unknown input_filter level %q", t.InputFilter)
	}
	if t.Limits != nil {
		if err := t.Limits.Validate(); err != nil {
			res.errorf("limits: %v", err)
		}
	}
	if t.Chaos != nil {
		if err := t.Chaos.Validate(); err != nil {
			res.errorf("chaos: %v", err)
		}
	}

	if t.When != "" {
		guard, err := CompileGuard(t.When)
		if err != nil {
			res.errorf("when: %v", err)
		} else {
			t.Guard = guard
		}
	}

	if len(t.Allow)+len(t.Ask)+len(t.Block) == 0 && t.Limits.Empty() && t.Chaos == nil {
		res.warnf("template has no rules or limits; agents bound to it are allowed everything")
	}

	res.Valid = len(res.Errors) == 0
	if res.Valid {
		res.Parsed = &t
	}
	return res
}

// Parse is Validate for callers that only need the template or a single
// error.
func Parse(src []byte) (*Template, error) {
	res := Validate(src)
	if !res.Valid {
		return nil, fmt.Errorf("invalid template: %s", strings.Join(res.Errors, "; "))
	}
	return res.Parsed, nil
}

// Serialize renders the template back to YAML. Validate(Serialize(t)) holds
// for any template that parsed cleanly.
func Serialize(t *Template) ([]byte, error) {
	return yaml.Marshal(t)
}

func validateRules(res *ValidationResult, list string, entries []string) {
	seen := make(map[string]bool, len(entries))
	for i, raw := range entries {
		if _, err := rules.Parse(raw); err != nil {
			res.errorf("%s[%d]: %v", list, i, err)
			continue
		}
		if seen[raw] {
			res.warnf("%s[%d]: duplicate rule %q", list, i, raw)
		}
		seen[raw] = true
	}
}

// warnShadowedAllows flags allow rules that are textually repeated in a
// higher-precedence list, where they can never fire.
func warnShadowedAllows(res *ValidationResult, allow, ask, block []string) {
	higher := make(map[string]string, len(ask)+len(block))
	for _, r := range ask {
		higher[r] = "ask"
	}
	for _, r := range block {
		higher[r] = "block"
	}
	for _, r := range allow {
		if list, ok := higher[r]; ok {
			res.warnf("allow rule %q is shadowed by the same rule in %s", r, list)
		}
	}
}
