package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/agentleash/agentleash/internal/journal"
	"github.com/agentleash/agentleash/internal/role"
	"github.com/agentleash/agentleash/internal/spend"
	"github.com/agentleash/agentleash/internal/store"
	"github.com/agentleash/agentleash/internal/template"
	"github.com/agentleash/agentleash/internal/token"
)

// --- Tokens ---

func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	var req token.IssueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	tok, err := s.tokens.Issue(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The only response that ever carries the secret.
	writeJSON(w, map[string]any{"ok": true, "token": tok})
}

func (s *Server) handleTokenIntrospect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	writeJSON(w, s.tokens.Introspect(req.Token))
}

// tokenLifecycle adapts a pause/resume/revoke operation into a handler. The
// secret rides the body so it never lands in a URL or access log.
func (s *Server) tokenLifecycle(op func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}
		err := op(req.Token)
		switch {
		case errors.Is(err, token.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown token")
		case errors.Is(err, token.ErrRevoked):
			writeError(w, http.StatusConflict, "token is revoked")
		case err != nil:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSON(w, map[string]bool{"ok": true})
		}
	}
}

func (s *Server) handleTokenList(w http.ResponseWriter, r *http.Request) {
	tokens := s.tokens.List()
	summaries := make([]*store.TokenSummary, 0, len(tokens))
	for _, t := range tokens {
		summaries = append(summaries, t.Summary())
	}
	writeJSON(w, map[string]any{"tokens": summaries})
}

func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"scopes": token.Scopes()})
}

// --- Templates and roles ---

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates := s.templates.List()
	if templates == nil {
		templates = []*template.Template{}
	}
	writeJSON(w, map[string]any{"templates": templates})
}

func (s *Server) handleTemplateValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		YAML string `json:"yaml"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	writeJSON(w, template.Validate([]byte(req.YAML)))
}

func (s *Server) handleRoleApply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string          `json:"agentId"`
		Template  string          `json:"template,omitempty"`
		Overrides *role.Overrides `json:"overrides,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	policy, err := s.roles.Apply(req.AgentID, req.Template, req.Overrides)
	switch {
	case errors.Is(err, role.ErrUnknownTemplate):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, map[string]any{"ok": true, "policy": policy})
	}
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	roles := s.roles.List()
	if roles == nil {
		roles = []*role.ResolvedPolicy{}
	}
	writeJSON(w, map[string]any{"roles": roles})
}

func (s *Server) handleRoleGet(w http.ResponseWriter, r *http.Request) {
	policy, ok := s.roles.Get(r.PathValue("agentId"))
	if !ok {
		writeError(w, http.StatusNotFound, "no role bound for agent")
		return
	}
	writeJSON(w, policy)
}

// --- Webhooks ---

// webhookView is a webhook with its secret reduced to a boolean.
type webhookView struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Signed bool   `json:"signed"`
}

func (s *Server) webhookViews() []webhookView {
	hooks := s.webhooks.List()
	views := make([]webhookView, 0, len(hooks))
	for _, h := range hooks {
		views = append(views, webhookView{ID: h.ID, URL: h.URL, Signed: h.Secret != ""})
	}
	return views
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"webhooks": s.webhookViews()})
}

func (s *Server) handleWebhookAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Secret string `json:"secret,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if _, err := s.webhooks.Add(req.URL, req.Secret); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]any{"ok": true, "webhooks": s.webhookViews()})
}

func (s *Server) handleWebhookRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	err := s.webhooks.Remove(req.URL)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no webhook registered for url")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, map[string]any{"ok": true, "webhooks": s.webhookViews()})
	}
}

// --- Timeline ---

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	records, err := s.jnl.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	records = filterRecords(records, r.URL.Query().Get("kind"), r.URL.Query().Get("agent"))
	writeJSON(w, map[string]any{"events": records, "cursor": s.jnl.Cursor()})
}

func (s *Server) handleTimelineReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromTs int64 `json:"fromTs"`
		ToTs   int64 `json:"toTs"`
		Limit  int   `json:"limit,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 1000
	}
	records, err := s.jnl.Range(req.FromTs, req.ToTs, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*store.Record{}
	}
	writeJSON(w, map[string]any{"events": records})
}

func (s *Server) handleTimelineNDJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.jnl.Export(w, journal.FormatNDJSON); err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		s.logger.Error("timeline export failed", "format", "ndjson", "error", err)
	}
}

func (s *Server) handleTimelineExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = journal.FormatNDJSON
	}
	contentTypes := map[string]string{
		journal.FormatNDJSON:   "application/x-ndjson",
		journal.FormatJSON:     "application/json",
		journal.FormatCSV:      "text/csv",
		journal.FormatMarkdown: "text/markdown",
	}
	ct, ok := contentTypes[format]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown export format: "+format)
		return
	}
	w.Header().Set("Content-Type", ct)
	if err := s.jnl.Export(w, format); err != nil {
		s.logger.Error("timeline export failed", "format", format, "error", err)
	}
}

func (s *Server) handleTimelineVerify(w http.ResponseWriter, r *http.Request) {
	ok, cursor, err := s.jnl.Verify()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"ok": ok, "cursor": cursor})
}

func filterRecords(records []*store.Record, kind, agent string) []*store.Record {
	if kind == "" && agent == "" {
		if records == nil {
			return []*store.Record{}
		}
		return records
	}
	out := make([]*store.Record, 0, len(records))
	for _, rec := range records {
		if kind != "" && rec.Kind != kind {
			continue
		}
		if agent != "" && rec.Agent != agent {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// --- Introspection views ---

// handleMetricsLLM reports per-agent spend against configured caps. Agents
// appear if they have recorded spend or a bound role with limits.
func (s *Server) handleMetricsLLM(w http.ResponseWriter, r *http.Request) {
	type agentSpend struct {
		Agent         string        `json:"agent"`
		DailyUSD      float64       `json:"dailyUsd"`
		MonthlyUSD    float64       `json:"monthlyUsd"`
		LLMDailyUSD   float64       `json:"llmDailyUsd"`
		LLMMonthlyUSD float64       `json:"llmMonthlyUsd"`
		Limits        *spend.Limits `json:"limits,omitempty"`
	}

	seen := make(map[string]bool)
	summary := []agentSpend{}
	add := func(agent string) {
		if seen[agent] {
			return
		}
		seen[agent] = true
		totals := s.ledger.Totals(agent)
		row := agentSpend{
			Agent:         agent,
			DailyUSD:      totals.TotalDaily,
			MonthlyUSD:    totals.TotalMonthly,
			LLMDailyUSD:   totals.LLMDaily,
			LLMMonthlyUSD: totals.LLMMonthly,
		}
		if policy, ok := s.roles.Get(agent); ok {
			row.Limits = policy.Limits
		}
		summary = append(summary, row)
	}
	for _, agent := range s.ledger.Agents() {
		add(agent)
	}
	for _, policy := range s.roles.List() {
		if policy.Limits != nil {
			add(policy.Agent)
		}
	}
	sort.Slice(summary, func(i, j int) bool { return summary[i].Agent < summary[j].Agent })

	writeJSON(w, map[string]any{"summary": summary})
}

func (s *Server) handleMetricsChaos(w http.ResponseWriter, r *http.Request) {
	stats := s.injector.Stats()
	withChaos := 0
	for _, policy := range s.roles.List() {
		if policy.Chaos != nil && policy.Chaos.Enabled {
			withChaos++
		}
	}
	rate := 0.0
	if stats.Draws > 0 {
		rate = float64(stats.Injects) / float64(stats.Draws)
	}
	writeJSON(w, map[string]any{
		"stats":              stats,
		"agentsWithChaos":    withChaos,
		"chaosInjectionRate": rate,
	})
}
