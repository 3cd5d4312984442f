package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agentleash/agentleash/internal/consent"
	"github.com/agentleash/agentleash/internal/decision"
	"github.com/agentleash/agentleash/internal/inputfilter"
	"github.com/agentleash/agentleash/internal/rules"
	"github.com/agentleash/agentleash/internal/store"
	"github.com/agentleash/agentleash/internal/token"
)

// defaultAwaitWindow is how long POST /await blocks when the caller sends no
// X-Timeout-Sec header.
const defaultAwaitWindow = 30 * time.Second

// handleDecide runs one intent through the decision pipeline. Unlike every
// other route it accepts either an operator API key or a live capability
// token in the event body, so tokened agents need no extra credential.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var ev decision.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		return
	}
	if !s.authorized(r) && !(ev.Token != "" && s.tokens.Introspect(ev.Token).Active) {
		writeError(w, http.StatusUnauthorized, "missing or invalid API key")
		return
	}

	dec, err := s.engine.Decide(r.Context(), &ev)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, dec)
}

// handleOperatorDecide settles a pending ask. An allow may carry scopes, in
// which case a capability token is minted for the asking agent and returned
// to both the operator and any waiting /await callers.
func (s *Server) handleOperatorDecide(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Verdict     string   `json:"verdict"`
		Scopes      []string `json:"scopes,omitempty"`
		DurationSec int      `json:"durationSec,omitempty"`
		Message     string   `json:"message,omitempty"`
		DecidedBy   string   `json:"decidedBy,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Verdict != rules.VerdictAllow && req.Verdict != rules.VerdictBlock {
		writeError(w, http.StatusBadRequest, "verdict must be allow or block")
		return
	}

	info, ok := s.broker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown ask id")
		return
	}

	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = "operator"
	}
	verdict := consent.Verdict{Status: req.Verdict, Message: req.Message, DecidedBy: decidedBy}
	if req.Verdict == rules.VerdictAllow && len(req.Scopes) > 0 {
		duration := req.DurationSec
		if duration <= 0 {
			duration = 900
		}
		tok, err := s.tokens.Issue(token.IssueRequest{
			Agent:       info.Agent,
			Scopes:      req.Scopes,
			DurationSec: duration,
			Reason:      "granted with consent " + id,
			CreatedBy:   decidedBy,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, "cannot issue granted token: "+err.Error())
			return
		}
		verdict.Token = tok
	}

	settled, err := s.broker.Decide(id, verdict)
	switch {
	case errors.Is(err, consent.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown ask id")
	case errors.Is(err, consent.ErrDecided):
		// Lost the race against a timeout or another operator; a token
		// minted above must not outlive the verdict it came with.
		if verdict.Token != nil {
			_ = s.tokens.Revoke(verdict.Token.Token)
		}
		writeError(w, http.StatusConflict, "ask already decided: "+settled.Status)
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, struct {
			OK      bool         `json:"ok"`
			Status  string       `json:"status"`
			Message string       `json:"message,omitempty"`
			Token   *store.Token `json:"token,omitempty"`
		}{true, settled.Status, settled.Message, settled.Token})
	}
}

// handleAwait long-polls a pending ask. The window defaults to 30s and an
// X-Timeout-Sec header may stretch it up to the consent ceiling; when the
// window lapses before a verdict the ask stays pending and the caller is
// told so with a 200.
func (s *Server) handleAwait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	window := defaultAwaitWindow
	if raw := r.Header.Get("X-Timeout-Sec"); raw != "" {
		sec, err := strconv.Atoi(raw)
		if err != nil || sec <= 0 {
			writeError(w, http.StatusBadRequest, "X-Timeout-Sec must be a positive integer")
			return
		}
		window = time.Duration(sec) * time.Second
	}
	if ceiling := s.cfg.Consent.DefaultTimeout; window > ceiling {
		window = ceiling
	}

	// The poll may outlast the server write timeout; push the deadline out
	// for this response only.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(window + 5*time.Second))

	ctx, cancel := context.WithTimeout(r.Context(), window)
	defer cancel()

	verdict, err := s.broker.Wait(ctx, id)
	switch {
	case errors.Is(err, consent.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown ask id")
	case err != nil:
		writeJSON(w, map[string]string{"status": "pending"})
	default:
		writeJSON(w, verdict)
	}
}

func (s *Server) handleListAsks(w http.ResponseWriter, r *http.Request) {
	asks := s.broker.List()
	if asks == nil {
		asks = []consent.Info{}
	}
	writeJSON(w, map[string]any{"asks": asks, "pending": s.broker.Pending()})
}

// handleRecordEvent journals an event without deciding it. Agents use this
// for observations that need an audit trail but no verdict.
func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev decision.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		return
	}
	rec, err := s.engine.Record(&ev)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "id": ev.ID, "cursor": rec.Cursor})
}

// handlePolicyTest dry-runs a rule match without journaling, spend, chaos,
// or consent side effects.
func (s *Server) handlePolicyTest(w http.ResponseWriter, r *http.Request) {
	var req decision.TestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	res, err := s.engine.Test(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := struct {
		OK        bool   `json:"ok"`
		Status    string `json:"status"`
		Rule      string `json:"rule,omitempty"`
		Source    string `json:"source,omitempty"`
		Signature string `json:"signature,omitempty"`
		Message   string `json:"message"`
	}{OK: true, Status: res.Status, Rule: res.Rule, Source: res.Source}
	if res.Rule != "" {
		resp.Signature = res.Rule
		resp.Message = fmt.Sprintf("matched %s rule %s", res.Source, res.Rule)
	} else {
		resp.Message = "no rule matched; default allow"
	}
	writeJSON(w, resp)
}

// handleInputFilterTest scans a snippet at a chosen filter level, with no
// agent or journal entry involved.
func (s *Server) handleInputFilterTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Policy  string `json:"policy,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Policy == "" {
		req.Policy = inputfilter.LevelBalanced
	}
	if !inputfilter.ValidLevel(req.Policy) {
		writeError(w, http.StatusBadRequest, "unknown filter policy: "+req.Policy)
		return
	}

	res := inputfilter.Scan(req.Content, req.Policy)
	writeJSON(w, struct {
		OK     bool   `json:"ok"`
		Policy string `json:"policy"`
		inputfilter.Result
	}{true, req.Policy, res})
}
