// Package decision runs events through the governance pipeline: input
// filter, capability tokens, policy rules, spend caps, then chaos. Every
// decided event is appended to the journal before the verdict is returned,
// so callers never see an outcome the audit trail does not.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentleash/agentleash/internal/chaos"
	"github.com/agentleash/agentleash/internal/consent"
	"github.com/agentleash/agentleash/internal/inputfilter"
	"github.com/agentleash/agentleash/internal/journal"
	"github.com/agentleash/agentleash/internal/metrics"
	"github.com/agentleash/agentleash/internal/role"
	"github.com/agentleash/agentleash/internal/rules"
	"github.com/agentleash/agentleash/internal/spend"
	"github.com/agentleash/agentleash/internal/store"
	"github.com/agentleash/agentleash/internal/token"
)

// ErrInvalid marks malformed events. The API layer reports these as 400s.
var ErrInvalid = errors.New("invalid event")

// Decision sources beyond rule provenance; template and override come from
// the resolved policy entry that matched.
const (
	SourceToken       = "token"
	SourceLimit       = "limit"
	SourceChaos       = "chaos"
	SourceInputFilter = "input_filter"
	SourceOverload    = "overload"
	SourceInline      = "inline"
	SourceDefault     = "default"
)

// ChaosInfo reports chaos stage involvement in a decision.
type ChaosInfo struct {
	Injected bool  `json:"injected"`
	DelayMs  int64 `json:"delay_ms,omitempty"`
}

// PolicyMatch explains which mechanism produced the verdict.
type PolicyMatch struct {
	Status  string              `json:"status"`
	Rule    string              `json:"rule,omitempty"`
	Source  string              `json:"source,omitempty"`
	ByToken bool                `json:"byToken,omitempty"`
	Limit   *spend.CapHit       `json:"limit,omitempty"`
	Chaos   *ChaosInfo          `json:"chaos,omitempty"`
	Filter  *inputfilter.Result `json:"filter,omitempty"`
}

// Decision is the verdict returned to the caller. Policy is nil when the
// event fell through to the default allow.
type Decision struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	Policy     *PolicyMatch `json:"policy,omitempty"`
	Message    string       `json:"message,omitempty"`
	DurationMs int64        `json:"duration_ms"`
}

// Deps are the collaborators the engine drives. Metrics may be nil.
type Deps struct {
	Roles   *role.Resolver
	Tokens  *token.Store
	Ledger  *spend.Ledger
	Chaos   *chaos.Injector
	Consent *consent.Broker
	Journal *journal.Journal
	Metrics *metrics.Metrics
}

// Engine decides events. Safe for concurrent use.
type Engine struct {
	roles   *role.Resolver
	tokens  *token.Store
	ledger  *spend.Ledger
	chaos   *chaos.Injector
	consent *consent.Broker
	jnl     *journal.Journal
	metrics *metrics.Metrics
	logger  *slog.Logger

	sleep func(context.Context, time.Duration)
	now   func() time.Time

	mu     sync.Mutex
	lastTs int64
}

func NewEngine(d Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		roles:   d.Roles,
		tokens:  d.Tokens,
		ledger:  d.Ledger,
		chaos:   d.Chaos,
		consent: d.Consent,
		jnl:     d.Journal,
		metrics: d.Metrics,
		logger:  logger.With("component", "decision.Engine"),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// Decide runs the full pipeline over one event. The verdict is journaled
// before it is returned; a journal failure fails the decision.
func (e *Engine) Decide(ctx context.Context, ev *Event) (*Decision, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	e.stamp(ev)

	policy, _ := e.roles.Get(ev.Agent)
	dec := &Decision{ID: ev.ID, Status: rules.VerdictAllow}

	// Input filter first: sanitized text replaces the original so nothing
	// downstream, journal included, sees raw PII.
	if policy != nil && policy.InputFilter != "" {
		res := e.screen(ev, policy.InputFilter)
		if !res.Allowed {
			dec.Status = rules.VerdictBlock
			dec.Policy = &PolicyMatch{Status: rules.VerdictBlock, Source: SourceInputFilter, Filter: res}
			dec.Message = "input rejected: " + strings.Join(res.Classifications, ", ")
			return e.finalize(start, ev, dec)
		}
	}

	// A live token scoped to the intent short-circuits the rule lists.
	if ev.Token != "" && e.tokens.Authorize(ev.Token, ev.Intent) {
		dec.Policy = &PolicyMatch{Status: rules.VerdictAllow, Source: SourceToken, ByToken: true}
	} else {
		match := e.match(policy, ev.Agent, ev.Intent, ev.Target)
		dec.Status = match.Status
		if match.Source != "" {
			dec.Policy = match
		}
	}

	switch dec.Status {
	case rules.VerdictBlock:
		dec.Message = fmt.Sprintf("blocked by %s rule %s", dec.Policy.Source, dec.Policy.Rule)
		return e.finalize(start, ev, dec)
	case rules.VerdictAsk:
		if err := e.consent.Park(ev.ID, ev.Agent, time.Time{}); err != nil {
			if errors.Is(err, consent.ErrOverloaded) {
				dec.Status = rules.VerdictBlock
				dec.Policy = &PolicyMatch{Status: rules.VerdictBlock, Source: SourceOverload}
				dec.Message = "too many pending approvals for agent"
				return e.finalize(start, ev, dec)
			}
			return nil, err
		}
		dec.Message = "approval required"
		return e.finalize(start, ev, dec)
	}

	// Spend caps gate every allow that carries a cost.
	if ev.CostUSD > 0 {
		var limits *spend.Limits
		if policy != nil {
			limits = policy.Limits
		}
		if hit := e.ledger.CheckAndRecord(ev.Agent, ev.Intent, ev.CostUSD, limits); hit != nil {
			dec.Status = rules.VerdictBlock
			dec.Policy = &PolicyMatch{Status: rules.VerdictBlock, Source: SourceLimit, Limit: hit}
			dec.Message = fmt.Sprintf("%s %s cap of $%.2f reached: $%.2f spent",
				hit.Category, hit.Timeframe, hit.Value, hit.Spent)
			return e.finalize(start, ev, dec)
		}
	}

	// Chaos runs last so an injected failure never masks a real verdict.
	var chaosCfg *chaos.Config
	if policy != nil {
		chaosCfg = policy.Chaos
	}
	injected, delay := e.chaos.MaybeInject(ev.Agent, chaosCfg, ev.Intent)
	if delay > 0 {
		e.sleep(ctx, delay)
	}
	if injected {
		if e.metrics != nil {
			e.metrics.ChaosInjections.Inc()
		}
		dec.Status = rules.VerdictBlock
		dec.Policy = &PolicyMatch{
			Status: rules.VerdictBlock,
			Source: SourceChaos,
			Chaos:  &ChaosInfo{Injected: true, DelayMs: delay.Milliseconds()},
		}
		dec.Message = "synthetic failure injected"
		return e.finalize(start, ev, dec)
	}
	if delay > 0 {
		if dec.Policy == nil {
			dec.Policy = &PolicyMatch{Status: dec.Status}
		}
		dec.Policy.Chaos = &ChaosInfo{DelayMs: delay.Milliseconds()}
	}
	return e.finalize(start, ev, dec)
}

// Record journals an event as reported, with no evaluation. Used for
// post-hoc activity feeds.
func (e *Engine) Record(ev *Event) (*store.Record, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	e.stamp(ev)
	rec, err := e.jnl.Append(journal.KindEvent, ev.Agent, ev.auditMap())
	if err != nil {
		return nil, fmt.Errorf("journal append: %w", err)
	}
	return rec, nil
}

// InlinePolicy is an ad-hoc rule set for dry runs.
type InlinePolicy struct {
	Allow []string `json:"allow,omitempty"`
	Ask   []string `json:"ask,omitempty"`
	Block []string `json:"block,omitempty"`
}

// TestRequest is a dry-run probe. When Policy is set it is evaluated instead
// of the agent's bound role.
type TestRequest struct {
	Agent  string        `json:"agent,omitempty"`
	Intent string        `json:"intent"`
	Target string        `json:"target,omitempty"`
	Policy *InlinePolicy `json:"policy,omitempty"`
}

// TestResult mirrors the rule stage of a decision.
type TestResult struct {
	Status string `json:"status"`
	Rule   string `json:"rule,omitempty"`
	Source string `json:"source,omitempty"`
}

// Test evaluates the rule stage only. Nothing is journaled, parked, spent,
// or injected.
func (e *Engine) Test(req TestRequest) (*TestResult, error) {
	if strings.TrimSpace(req.Intent) == "" {
		return nil, fmt.Errorf("%w: intent is required", ErrInvalid)
	}
	var policy *role.ResolvedPolicy
	if req.Policy != nil {
		p, err := req.Policy.resolved()
		if err != nil {
			return nil, err
		}
		policy = p
	} else if req.Agent != "" {
		policy, _ = e.roles.Get(req.Agent)
	}
	match := e.match(policy, req.Agent, req.Intent, req.Target)
	return &TestResult{Status: match.Status, Rule: match.Rule, Source: match.Source}, nil
}

func (p *InlinePolicy) resolved() (*role.ResolvedPolicy, error) {
	entries := func(list []string, field string) ([]role.RuleEntry, error) {
		out := make([]role.RuleEntry, 0, len(list))
		for i, raw := range list {
			if _, err := rules.Parse(raw); err != nil {
				return nil, fmt.Errorf("%w: policy.%s[%d]: %v", ErrInvalid, field, i, err)
			}
			out = append(out, role.RuleEntry{Rule: raw, Source: SourceInline})
		}
		return out, nil
	}
	allow, err := entries(p.Allow, "allow")
	if err != nil {
		return nil, err
	}
	ask, err := entries(p.Ask, "ask")
	if err != nil {
		return nil, err
	}
	block, err := entries(p.Block, "block")
	if err != nil {
		return nil, err
	}
	return &role.ResolvedPolicy{Allow: allow, Ask: ask, Block: block}, nil
}

// match walks block, ask, then allow; the first matching rule wins and an
// unmatched intent falls through to allow. A false guard suspends the
// template's rules but never the overrides.
func (e *Engine) match(policy *role.ResolvedPolicy, agent, intent, target string) *PolicyMatch {
	if policy == nil {
		return &PolicyMatch{Status: rules.VerdictAllow}
	}
	templateApplies := true
	if policy.Guard != nil {
		ok, err := policy.Guard.Evaluate(agent, intent, target)
		if err != nil {
			e.logger.Warn("guard evaluation failed, template rules stay active",
				"agent", agent, "template", policy.Template, "error", err)
		} else {
			templateApplies = ok
		}
	}
	lists := []struct {
		verdict string
		entries []role.RuleEntry
	}{
		{rules.VerdictBlock, policy.Block},
		{rules.VerdictAsk, policy.Ask},
		{rules.VerdictAllow, policy.Allow},
	}
	for _, l := range lists {
		for _, entry := range l.entries {
			if !templateApplies && entry.Source == role.SourceTemplate {
				continue
			}
			if sig, ok := rules.Match(entry.Rule, intent, target); ok {
				return &PolicyMatch{Status: l.verdict, Rule: sig, Source: entry.Source}
			}
		}
	}
	return &PolicyMatch{Status: rules.VerdictAllow}
}

// screen scans the target plus every metadata string leaf at the given
// level and writes the sanitized forms back into the event.
func (e *Engine) screen(ev *Event, level string) *inputfilter.Result {
	texts := []string{ev.Target}
	setters := []func(string){func(s string) { ev.Target = s }}
	collectStrings(ev.Metadata, &texts, &setters)
	sanitized, res := inputfilter.ScanAll(texts, level)
	for i, set := range setters {
		set(sanitized[i])
	}
	return &res
}

// collectStrings gathers each string leaf of a decoded JSON value together
// with a setter that writes the sanitized replacement back in place.
func collectStrings(node any, texts *[]string, setters *[]func(string)) {
	switch val := node.(type) {
	case map[string]any:
		for k, v := range val {
			if s, ok := v.(string); ok {
				key, m := k, val
				*texts = append(*texts, s)
				*setters = append(*setters, func(ns string) { m[key] = ns })
				continue
			}
			collectStrings(v, texts, setters)
		}
	case []any:
		for i, v := range val {
			if s, ok := v.(string); ok {
				idx, arr := i, val
				*texts = append(*texts, s)
				*setters = append(*setters, func(ns string) { arr[idx] = ns })
				continue
			}
			collectStrings(v, texts, setters)
		}
	}
}

// finalize journals the decided event, then records metrics. The journal
// write is the commit point: on failure the caller gets an error, not a
// verdict.
func (e *Engine) finalize(start time.Time, ev *Event, dec *Decision) (*Decision, error) {
	dec.DurationMs = time.Since(start).Milliseconds()

	payload := ev.auditMap()
	payload["status"] = dec.Status
	if dec.Policy != nil {
		payload["policy"] = dec.Policy
	}
	if dec.Message != "" {
		payload["message"] = dec.Message
	}
	payload["duration_ms"] = dec.DurationMs

	if _, err := e.jnl.Append(journal.KindEvent, ev.Agent, payload); err != nil {
		return nil, fmt.Errorf("journal append: %w", err)
	}

	if e.metrics != nil {
		e.metrics.Decisions.WithLabelValues(dec.Status, sourceLabel(dec)).Inc()
		e.metrics.DecideDuration.Observe(time.Since(start).Seconds())
	}
	e.logger.Debug("decision",
		"id", dec.ID,
		"agent", ev.Agent,
		"intent", ev.Intent,
		"status", dec.Status,
		"source", sourceLabel(dec),
		"duration_ms", dec.DurationMs)
	return dec, nil
}

// stamp fills the id and timestamp. Daemon-assigned timestamps are strictly
// monotonic so same-millisecond events keep their order; client-supplied
// timestamps pass through untouched.
func (e *Engine) stamp(ev *Event) {
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.Ts > 0 {
		return
	}
	e.mu.Lock()
	ts := e.now().UnixMilli()
	if ts <= e.lastTs {
		ts = e.lastTs + 1
	}
	e.lastTs = ts
	e.mu.Unlock()
	ev.Ts = ts
}

func (ev *Event) validate() error {
	if ev == nil {
		return fmt.Errorf("%w: empty body", ErrInvalid)
	}
	if strings.TrimSpace(ev.Agent) == "" {
		return fmt.Errorf("%w: agent is required", ErrInvalid)
	}
	if strings.TrimSpace(ev.Intent) == "" {
		return fmt.Errorf("%w: intent is required", ErrInvalid)
	}
	if ev.CostUSD < 0 {
		return fmt.Errorf("%w: costUsd must not be negative", ErrInvalid)
	}
	return nil
}

func sourceLabel(dec *Decision) string {
	if dec.Policy == nil || dec.Policy.Source == "" {
		return SourceDefault
	}
	return dec.Policy.Source
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
