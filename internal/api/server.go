// Package api is the daemon's HTTP and WebSocket surface. Handlers
// translate wire requests into engine, broker, store, and journal calls.
// Domain verdicts ride 200 responses; transport, auth, and validation
// failures use HTTP status codes with an {"error": ...} body.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentleash/agentleash/internal/bus"
	"github.com/agentleash/agentleash/internal/chaos"
	"github.com/agentleash/agentleash/internal/config"
	"github.com/agentleash/agentleash/internal/consent"
	"github.com/agentleash/agentleash/internal/decision"
	"github.com/agentleash/agentleash/internal/journal"
	"github.com/agentleash/agentleash/internal/role"
	"github.com/agentleash/agentleash/internal/spend"
	"github.com/agentleash/agentleash/internal/template"
	"github.com/agentleash/agentleash/internal/token"
)

// maxBodyBytes caps request bodies; anything larger is rejected with 413.
const maxBodyBytes = 1 << 20

// Deps are the collaborators the server exposes over the wire.
type Deps struct {
	Config    *config.Config
	Engine    *decision.Engine
	Journal   *journal.Journal
	Tokens    *token.Store
	Templates *template.Store
	Roles     *role.Resolver
	Broker    *consent.Broker
	Ledger    *spend.Ledger
	Injector  *chaos.Injector
	Bus       *bus.Bus
	Webhooks  *bus.Dispatcher

	// Gatherer backs GET /metrics; nil means the process default.
	Gatherer prometheus.Gatherer
	Version  string
}

// Server is the governance daemon's API server.
type Server struct {
	cfg       *config.Config
	engine    *decision.Engine
	jnl       *journal.Journal
	tokens    *token.Store
	templates *template.Store
	roles     *role.Resolver
	broker    *consent.Broker
	ledger    *spend.Ledger
	injector  *chaos.Injector
	bus       *bus.Bus
	webhooks  *bus.Dispatcher
	gatherer  prometheus.Gatherer
	version   string

	mux        *http.ServeMux
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates the API server around its collaborators.
func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:       d.Config,
		engine:    d.Engine,
		jnl:       d.Journal,
		tokens:    d.Tokens,
		templates: d.Templates,
		roles:     d.Roles,
		broker:    d.Broker,
		ledger:    d.Ledger,
		injector:  d.Injector,
		bus:       d.Bus,
		webhooks:  d.Webhooks,
		gatherer:  gatherer,
		version:   d.Version,
		mux:       http.NewServeMux(),
		upgrader:  newUpgrader(d.Config.Server.CORS),
		logger:    logger.With("component", "api.Server"),
		startedAt: time.Now(),
	}
	if len(s.cfg.Server.APIKeys) == 0 {
		s.logger.Warn("no API keys configured, authentication is disabled")
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Decision path. /decide authenticates itself: a live capability token
	// in the event body stands in for an API key.
	s.mux.HandleFunc("POST /decide", s.handleDecide)
	s.mux.HandleFunc("POST /decide/{id}", s.requireAuth(s.handleOperatorDecide))
	s.mux.HandleFunc("POST /await/{id}", s.requireAuth(s.handleAwait))
	s.mux.HandleFunc("GET /asks", s.requireAuth(s.handleListAsks))
	s.mux.HandleFunc("POST /events", s.requireAuth(s.handleRecordEvent))
	s.mux.HandleFunc("POST /policy/test", s.requireAuth(s.handlePolicyTest))
	s.mux.HandleFunc("POST /input-filter/test", s.requireAuth(s.handleInputFilterTest))

	// Timeline
	s.mux.HandleFunc("GET /timeline", s.requireAuth(s.handleTimeline))
	s.mux.HandleFunc("POST /timeline/replay", s.requireAuth(s.handleTimelineReplay))
	s.mux.HandleFunc("GET /timeline.ndjson", s.requireAuth(s.handleTimelineNDJSON))
	s.mux.HandleFunc("GET /timeline/export", s.requireAuth(s.handleTimelineExport))
	s.mux.HandleFunc("GET /timeline/verify", s.requireAuth(s.handleTimelineVerify))

	// Tokens. Lifecycle operations take the secret in the body so it never
	// lands in access logs.
	s.mux.HandleFunc("POST /tokens/issue", s.requireAuth(s.handleTokenIssue))
	s.mux.HandleFunc("POST /tokens/introspect", s.requireAuth(s.handleTokenIntrospect))
	s.mux.HandleFunc("POST /tokens/pause", s.requireAuth(s.tokenLifecycle(s.tokens.Pause)))
	s.mux.HandleFunc("POST /tokens/resume", s.requireAuth(s.tokenLifecycle(s.tokens.Resume)))
	s.mux.HandleFunc("POST /tokens/revoke", s.requireAuth(s.tokenLifecycle(s.tokens.Revoke)))
	s.mux.HandleFunc("GET /tokens/list", s.requireAuth(s.handleTokenList))
	s.mux.HandleFunc("GET /scopes", s.requireAuth(s.handleScopes))

	// Templates and roles
	s.mux.HandleFunc("GET /templates", s.requireAuth(s.handleTemplates))
	s.mux.HandleFunc("POST /templates/validate", s.requireAuth(s.handleTemplateValidate))
	s.mux.HandleFunc("POST /roles/apply", s.requireAuth(s.handleRoleApply))
	s.mux.HandleFunc("GET /roles", s.requireAuth(s.handleRoles))
	s.mux.HandleFunc("GET /roles/{agentId}", s.requireAuth(s.handleRoleGet))

	// Webhooks
	s.mux.HandleFunc("GET /webhooks", s.requireAuth(s.handleWebhookList))
	s.mux.HandleFunc("POST /webhooks", s.requireAuth(s.handleWebhookAdd))
	s.mux.HandleFunc("DELETE /webhooks", s.requireAuth(s.handleWebhookRemove))

	// Introspection
	s.mux.HandleFunc("GET /metrics/llm", s.requireAuth(s.handleMetricsLLM))
	s.mux.HandleFunc("GET /metrics/chaos", s.requireAuth(s.handleMetricsChaos))

	// Live feed
	s.mux.HandleFunc("GET /ws", s.requireAuth(s.handleWebSocket))

	// System — health and Prometheus scrapes are always public
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// requireAuth wraps a handler with API-key authentication. If no keys are
// configured, the handler is returned unwrapped with no overhead.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if len(s.cfg.Server.APIKeys) == 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next(w, r)
	}
}

// authorized accepts "Authorization: Bearer <key>" or "x-api-key: <key>".
func (s *Server) authorized(r *http.Request) bool {
	if len(s.cfg.Server.APIKeys) == 0 {
		return true
	}
	key := r.Header.Get("x-api-key")
	if key == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			key = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if key == "" {
		return false
	}
	for _, want := range s.cfg.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(want), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// Handler returns the HTTP handler, CORS-wrapped when enabled.
func (s *Server) Handler() http.Handler {
	if s.cfg.Server.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address and blocks until the
// listener fails or the server is shut down.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("api listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and disconnects live-feed clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bus.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds permissive CORS headers for local dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, X-Timeout-Sec")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime_sec": int64(time.Since(s.startedAt).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v, answering the request itself
// on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		}
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}

// writeEngineError maps engine failures: malformed events are the caller's
// fault, anything else means the journal could not commit the decision.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, decision.ErrInvalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("decision not committed", "error", err)
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("journal unavailable: %v", err))
}
