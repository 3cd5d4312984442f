package token

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentleash/agentleash/internal/rules"
)

// knownIntents is the scope taxonomy served by GET /scopes. A scope on an
// issued token must cover at least one known intent; globs that match
// nothing here are almost always typos and are rejected at issue time.
var knownIntents = map[string]string{
	"llm.chat":       "Chat completion against a configured LLM provider",
	"llm.complete":   "Raw text completion",
	"llm.embed":      "Embedding generation",
	"email.send":     "Send email on behalf of the operator",
	"email.read":     "Read mailbox contents",
	"slack.post":     "Post a Slack message",
	"slack.read":     "Read Slack channels",
	"calendar.read":  "Read calendar entries",
	"calendar.write": "Create or modify calendar entries",
	"file.read":      "Read a local file",
	"file.write":     "Create or modify a local file",
	"file.delete":    "Delete a local file",
	"http.request":   "Make an outbound HTTP request",
	"db.query":       "Run a read-only database query",
	"db.write":       "Run a mutating database statement",
	"shell.exec":     "Execute a shell command",
	"payment.charge": "Charge a payment method",
	"sms.send":       "Send an SMS",
	"agent.spawn":    "Spawn a sub-agent",
	"search.web":     "Run a web search",
}

// Scopes returns a copy of the scope taxonomy.
func Scopes() map[string]string {
	out := make(map[string]string, len(knownIntents))
	for k, v := range knownIntents {
		out[k] = v
	}
	return out
}

// ScopeIDs returns the taxonomy keys, sorted.
func ScopeIDs() []string {
	out := make([]string, 0, len(knownIntents))
	for k := range knownIntents {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidateScope checks that scope is an intent glob covering at least one
// known intent. Scopes never carry targets; a token constrains what kind of
// action may run, not where.
func ValidateScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return fmt.Errorf("scope must not be empty")
	}
	if strings.Contains(scope, ":") {
		return fmt.Errorf("scope %q must not contain a target", scope)
	}
	for intent := range knownIntents {
		if rules.MatchIntent(scope, intent) {
			return nil
		}
	}
	return fmt.Errorf("unknown scope %q", scope)
}
