// Package role binds agents to templates and resolves the merged,
// per-agent policy the decision engine evaluates. Resolution happens when a
// role is applied, when a bound template hot-reloads, and at startup from
// persisted assignments; decisions always read an immutable snapshot.
package role

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentleash/agentleash/internal/chaos"
	"github.com/agentleash/agentleash/internal/inputfilter"
	"github.com/agentleash/agentleash/internal/journal"
	"github.com/agentleash/agentleash/internal/rules"
	"github.com/agentleash/agentleash/internal/spend"
	"github.com/agentleash/agentleash/internal/store"
	"github.com/agentleash/agentleash/internal/template"
)

// ErrUnknownTemplate is returned when a role names a template that is not
// loaded.
var ErrUnknownTemplate = errors.New("unknown template")

// Rule provenance.
const (
	SourceTemplate = "template"
	SourceOverride = "override"
)

// RuleEntry is one rule of a resolved policy plus where it came from.
type RuleEntry struct {
	Rule   string `json:"rule"`
	Source string `json:"source"`
}

// Overrides are the per-agent additions submitted alongside a template
// name. Rule lists extend the template's; scalar fields replace them.
type Overrides struct {
	Allow       []string      `json:"allow,omitempty"`
	Ask         []string      `json:"ask,omitempty"`
	Block       []string      `json:"block,omitempty"`
	Limits      *spend.Limits `json:"limits,omitempty"`
	Chaos       *chaos.Config `json:"chaos,omitempty"`
	InputFilter string        `json:"input_filter,omitempty"`
}

// Empty reports whether nothing is overridden.
func (o *Overrides) Empty() bool {
	return o == nil || (len(o.Allow) == 0 && len(o.Ask) == 0 && len(o.Block) == 0 &&
		o.Limits == nil && o.Chaos == nil && o.InputFilter == "")
}

// ResolvedPolicy is the effective policy for one agent. It is immutable
// once built; re-resolution swaps in a fresh value.
type ResolvedPolicy struct {
	Agent       string        `json:"agent"`
	Template    string        `json:"template,omitempty"`
	Version     int           `json:"template_version,omitempty"`
	Allow       []RuleEntry   `json:"allow"`
	Ask         []RuleEntry   `json:"ask"`
	Block       []RuleEntry   `json:"block"`
	Limits      *spend.Limits `json:"limits,omitempty"`
	Chaos       *chaos.Config `json:"chaos,omitempty"`
	InputFilter string        `json:"input_filter,omitempty"`
	When        string        `json:"when,omitempty"`
	ResolvedAt  time.Time     `json:"resolved_at"`

	// Guard is the compiled When expression from the template.
	Guard *template.Guard `json:"-"`
}

// Resolver owns the agent -> policy table.
type Resolver struct {
	mu          sync.RWMutex
	policies    map[string]*ResolvedPolicy
	assignments map[string]*store.RoleAssignment
	templates   *template.Store
	st          store.Store
	jnl         *journal.Journal
	injector    *chaos.Injector
	logger      *slog.Logger
	now         func() time.Time
}

// NewResolver creates a Resolver and hooks template hot-reloads so agents
// bound to an edited template pick up the new version without a re-apply.
func NewResolver(templates *template.Store, st store.Store, jnl *journal.Journal, injector *chaos.Injector, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		policies:    make(map[string]*ResolvedPolicy),
		assignments: make(map[string]*store.RoleAssignment),
		templates:   templates,
		st:          st,
		jnl:         jnl,
		injector:    injector,
		logger:      logger.With("component", "role.Resolver"),
		now:         time.Now,
	}
	templates.OnReload(r.rebind)
	return r
}

// Restore re-resolves every persisted assignment. Call once at startup,
// after the template store has loaded.
func (r *Resolver) Restore() error {
	assignments, err := r.st.ListRoles()
	if err != nil {
		return fmt.Errorf("failed to load role assignments: %w", err)
	}

	for _, a := range assignments {
		ov, err := decodeOverrides(a.Overrides)
		if err != nil {
			r.logger.Warn("skipping role with unreadable overrides", "agent", a.Agent, "error", err)
			continue
		}
		policy := r.resolve(a.Agent, a.Template, ov, a.AppliedAt)

		r.mu.Lock()
		r.policies[a.Agent] = policy
		r.assignments[a.Agent] = a
		r.mu.Unlock()
	}
	if len(assignments) > 0 {
		r.logger.Info("restored role assignments", "count", len(assignments))
	}
	return nil
}

// Apply binds agent to templateName with overrides, persists the binding,
// journals the resolved policy, and restarts the agent's chaos stream.
func (r *Resolver) Apply(agent, templateName string, ov *Overrides) (*ResolvedPolicy, error) {
	if agent == "" {
		return nil, fmt.Errorf("agent is required")
	}
	if templateName != "" {
		if _, ok := r.templates.Get(templateName); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateName)
		}
	} else if ov.Empty() {
		return nil, fmt.Errorf("either a template or overrides are required")
	}
	if err := validateOverrides(ov); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	policy := r.resolve(agent, templateName, ov, now)

	assignment := &store.RoleAssignment{
		Agent:     agent,
		Template:  templateName,
		AppliedAt: now,
	}
	if !ov.Empty() {
		raw, err := json.Marshal(ov)
		if err != nil {
			return nil, fmt.Errorf("failed to encode overrides: %w", err)
		}
		assignment.Overrides = raw
	}
	if err := r.st.PutRole(assignment); err != nil {
		return nil, fmt.Errorf("failed to persist role: %w", err)
	}

	r.mu.Lock()
	r.policies[agent] = policy
	r.assignments[agent] = assignment
	r.mu.Unlock()

	r.journalApplied(policy)
	if r.injector != nil {
		r.injector.Reseed(agent)
	}
	r.logger.Info("role applied", "agent", agent, "template", templateName,
		"allow", len(policy.Allow), "ask", len(policy.Ask), "block", len(policy.Block))
	return policy, nil
}

// Get returns the agent's resolved policy.
func (r *Resolver) Get(agent string) (*ResolvedPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[agent]
	return p, ok
}

// List returns every resolved policy sorted by agent.
func (r *Resolver) List() []*ResolvedPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ResolvedPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// rebind re-resolves agents bound to templates whose content changed. Runs
// on the template watcher's goroutine after each reload.
func (r *Resolver) rebind(changed []string) {
	changedSet := make(map[string]bool, len(changed))
	for _, name := range changed {
		changedSet[name] = true
	}

	r.mu.Lock()
	var stale []*store.RoleAssignment
	for agent, p := range r.policies {
		if p.Template != "" && changedSet[p.Template] {
			stale = append(stale, r.assignments[agent])
		}
	}
	r.mu.Unlock()

	for _, a := range stale {
		if a == nil {
			continue
		}
		ov, err := decodeOverrides(a.Overrides)
		if err != nil {
			continue
		}
		policy := r.resolve(a.Agent, a.Template, ov, r.now().UTC())

		r.mu.Lock()
		r.policies[a.Agent] = policy
		r.mu.Unlock()

		r.journalApplied(policy)
		r.logger.Info("role re-resolved after template reload",
			"agent", a.Agent, "template", a.Template)
	}
}

// resolve merges a template with overrides. Template rules come first and
// overrides extend them (first occurrence of a rule wins, so provenance
// stays with the template). A missing template degrades to overrides-only
// with a warning rather than failing startup.
func (r *Resolver) resolve(agent, templateName string, ov *Overrides, at time.Time) *ResolvedPolicy {
	var tmpl *template.Template
	if templateName != "" {
		t, ok := r.templates.Get(templateName)
		if !ok {
			r.logger.Warn("template not loaded; resolving overrides only",
				"agent", agent, "template", templateName)
		}
		tmpl = t
	}

	p := &ResolvedPolicy{
		Agent:      agent,
		Template:   templateName,
		ResolvedAt: at,
	}
	var tmplAllow, tmplAsk, tmplBlock []string
	if tmpl != nil {
		p.Version = tmpl.Version
		p.When = tmpl.When
		p.Guard = tmpl.Guard
		p.Limits = tmpl.Limits
		p.Chaos = tmpl.Chaos
		p.InputFilter = tmpl.InputFilter
		tmplAllow, tmplAsk, tmplBlock = tmpl.Allow, tmpl.Ask, tmpl.Block
	}
	if ov != nil {
		if ov.Limits != nil {
			p.Limits = ov.Limits
		}
		if ov.Chaos != nil {
			p.Chaos = ov.Chaos
		}
		if ov.InputFilter != "" {
			p.InputFilter = ov.InputFilter
		}
	}
	p.Allow = mergeRules(tmplAllow, overrideList(ov, rules.VerdictAllow))
	p.Ask = mergeRules(tmplAsk, overrideList(ov, rules.VerdictAsk))
	p.Block = mergeRules(tmplBlock, overrideList(ov, rules.VerdictBlock))
	return p
}

func (r *Resolver) journalApplied(p *ResolvedPolicy) {
	if r.jnl == nil {
		return
	}
	if _, err := r.jnl.Append(journal.KindRoleApplied, p.Agent, p); err != nil {
		r.logger.Error("failed to journal role application", "agent", p.Agent, "error", err)
	}
}

func mergeRules(tmplRules, ovRules []string) []RuleEntry {
	out := make([]RuleEntry, 0, len(tmplRules)+len(ovRules))
	seen := make(map[string]bool, len(tmplRules)+len(ovRules))
	for _, raw := range tmplRules {
		if seen[raw] {
			continue
		}
		seen[raw] = true
		out = append(out, RuleEntry{Rule: raw, Source: SourceTemplate})
	}
	for _, raw := range ovRules {
		if seen[raw] {
			continue
		}
		seen[raw] = true
		out = append(out, RuleEntry{Rule: raw, Source: SourceOverride})
	}
	return out
}

func overrideList(ov *Overrides, verdict string) []string {
	if ov == nil {
		return nil
	}
	switch verdict {
	case rules.VerdictAllow:
		return ov.Allow
	case rules.VerdictAsk:
		return ov.Ask
	case rules.VerdictBlock:
		return ov.Block
	}
	return nil
}

func validateOverrides(ov *Overrides) error {
	if ov == nil {
		return nil
	}
	for list, entries := range map[string][]string{
		"allow": ov.Allow,
		"ask":   ov.Ask,
		"block": ov.Block,
	} {
		for i, raw := range entries {
			if _, err := rules.Parse(raw); err != nil {
				return fmt.Errorf("overrides.%s[%d]: %w", list, i, err)
			}
		}
	}
	if ov.Limits != nil {
		if err := ov.Limits.Validate(); err != nil {
			return fmt.Errorf("overrides.limits: %w", err)
		}
	}
	if ov.Chaos != nil {
		if err := ov.Chaos.Validate(); err != nil {
			return fmt.Errorf("overrides.chaos: %w", err)
		}
	}
	if ov.InputFilter != "" && !inputfilter.ValidLevel(ov.InputFilter) {
		return fmt.Errorf("overrides.input_filter: unknown level %q", ov.InputFilter)
	}
	return nil
}

func decodeOverrides(raw json.RawMessage) (*Overrides, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ov Overrides
	if err := json.Unmarshal(raw, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}
