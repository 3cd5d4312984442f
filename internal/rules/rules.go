// Package rules implements the glob grammar shared by policy rule lists and
// token scopes. A rule has the form `intent_glob[:target_glob]` where `*`
// matches any run of characters (including none) and patterns are anchored
// at both ends. A rule without a target half matches on intent alone.
package rules

import (
	"fmt"
	"strings"
)

// Verdicts produced by rule evaluation. Block beats ask, ask beats allow.
const (
	VerdictAllow = "allow"
	VerdictAsk   = "ask"
	VerdictBlock = "block"
)

// Rule is a parsed policy rule. Raw is the original string; it doubles as
// the match signature reported back to callers for audit.
type Rule struct {
	Raw        string `json:"raw"`
	IntentGlob string `json:"intent_glob"`
	TargetGlob string `json:"target_glob,omitempty"`
	HasTarget  bool   `json:"has_target"`
}

// Parse splits a rule string into its intent and target globs. The first
// colon separates the halves; targets may themselves contain colons.
func Parse(raw string) (Rule, error) {
	if raw == "" {
		return Rule{}, fmt.Errorf("empty rule")
	}
	intentGlob, targetGlob, hasTarget := strings.Cut(raw, ":")
	if intentGlob == "" {
		return Rule{}, fmt.Errorf("rule %q has no intent pattern", raw)
	}
	return Rule{
		Raw:        raw,
		IntentGlob: intentGlob,
		TargetGlob: targetGlob,
		HasTarget:  hasTarget,
	}, nil
}

// Match reports whether the rule matches the given intent and target.
// An empty intent never matches.
func (r Rule) Match(intent, target string) bool {
	if intent == "" {
		return false
	}
	if !globMatch(r.IntentGlob, intent) {
		return false
	}
	if !r.HasTarget {
		return true
	}
	return globMatch(r.TargetGlob, target)
}

// Match parses and evaluates a rule in one step. The returned signature is
// the rule string itself, echoed back for audit regardless of the outcome.
func Match(rule, intent, target string) (signature string, matched bool) {
	r, err := Parse(rule)
	if err != nil {
		return rule, false
	}
	return r.Raw, r.Match(intent, target)
}

// MatchIntent evaluates a bare intent glob (a token scope) against an
// intent. Targets play no part in scope checks.
func MatchIntent(glob, intent string) bool {
	if intent == "" {
		return false
	}
	return globMatch(glob, intent)
}

// globMatch matches s against pattern where `*` spans any run of characters.
// The pattern is anchored: it must cover s entirely.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}

	segments := strings.Split(pattern, "*")

	// Leading literal must anchor the start.
	if first := segments[0]; first != "" {
		if !strings.HasPrefix(s, first) {
			return false
		}
		s = s[len(first):]
	}

	// Trailing literal must anchor the end.
	last := segments[len(segments)-1]
	if last != "" {
		if !strings.HasSuffix(s, last) || len(s) < len(last) {
			return false
		}
		s = s[:len(s)-len(last)]
	}

	// Middle literals must appear in order in what remains.
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(s, seg)
		if idx < 0 {
			return false
		}
		s = s[idx+len(seg):]
	}

	return true
}
