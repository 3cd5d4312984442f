// Package token manages capability tokens: opaque secrets an agent can
// present to bypass policy for the scopes they carry. Tokens move through
// active, paused, and revoked states; revocation is terminal.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentleash/agentleash/internal/journal"
	"github.com/agentleash/agentleash/internal/rules"
	"github.com/agentleash/agentleash/internal/store"
)

// Token states.
const (
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusRevoked = "revoked"
)

var (
	// ErrNotFound is returned by lifecycle operations on unknown tokens.
	ErrNotFound = errors.New("token not found")

	// ErrRevoked is returned when a lifecycle operation would resurrect a
	// revoked token.
	ErrRevoked = errors.New("token revoked")
)

// IssueRequest is the input to Issue. Field names follow the wire format.
type IssueRequest struct {
	Agent          string   `json:"agent"`
	Scopes         []string `json:"scopes"`
	DurationSec    int      `json:"durationSec"`
	Reason         string   `json:"reason,omitempty"`
	CreatedBy      string   `json:"createdBy,omitempty"`
	CustomerID     string   `json:"customerId,omitempty"`
	SubscriptionID string   `json:"subscriptionId,omitempty"`
}

// Introspection is the answer to "is this token good right now". Inactive
// tokens answer with Active=false and nothing else: callers must not be
// able to distinguish expired, paused, revoked, and never-issued.
type Introspection struct {
	Active    bool       `json:"active"`
	Agent     string     `json:"agent,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	Status    string     `json:"status,omitempty"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// tokenEvent is the journal payload for token lifecycle transitions. The
// secret never reaches the journal.
type tokenEvent struct {
	Op    string              `json:"op"`
	Token *store.TokenSummary `json:"token"`
}

// Store holds all issued tokens in memory and writes every change through
// to the persistence layer.
type Store struct {
	mu      sync.RWMutex
	tokens  map[string]*store.Token
	st      store.Store
	journal *journal.Journal
	maxTTL  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Store and reloads persisted tokens.
func New(st store.Store, jnl *journal.Journal, maxTTL time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	s := &Store{
		tokens:  make(map[string]*store.Token),
		st:      st,
		journal: jnl,
		maxTTL:  maxTTL,
		logger:  logger.With("component", "token.Store"),
		now:     time.Now,
	}

	persisted, err := st.ListTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	for _, t := range persisted {
		s.tokens[t.Token] = t
	}
	return s, nil
}

// Issue mints a new active token. The secret is 32 bytes of crypto/rand,
// hex encoded; it is returned exactly once here and summarized everywhere
// else.
func (s *Store) Issue(req IssueRequest) (*store.Token, error) {
	if req.Agent == "" {
		return nil, fmt.Errorf("agent is required")
	}
	if len(req.Scopes) == 0 {
		return nil, fmt.Errorf("at least one scope is required")
	}
	for _, scope := range req.Scopes {
		if err := ValidateScope(scope); err != nil {
			return nil, err
		}
	}
	dur := time.Duration(req.DurationSec) * time.Second
	if dur <= 0 {
		return nil, fmt.Errorf("durationSec must be positive")
	}
	if dur > s.maxTTL {
		return nil, fmt.Errorf("durationSec exceeds maximum of %d", int(s.maxTTL.Seconds()))
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := s.now().UTC()
	t := &store.Token{
		Token:          secret,
		Agent:          req.Agent,
		Scopes:         append([]string(nil), req.Scopes...),
		IssuedAt:       now,
		ExpiresAt:      now.Add(dur),
		Status:         StatusActive,
		Reason:         req.Reason,
		CreatedBy:      req.CreatedBy,
		CustomerID:     req.CustomerID,
		SubscriptionID: req.SubscriptionID,
	}

	if err := s.st.PutToken(t); err != nil {
		return nil, fmt.Errorf("failed to persist token: %w", err)
	}

	cp := *t
	s.mu.Lock()
	s.tokens[secret] = t
	s.mu.Unlock()

	s.record("issued", &cp)
	s.logger.Info("token issued", "agent", cp.Agent, "scopes", cp.Scopes, "expires_at", cp.ExpiresAt)
	return &cp, nil
}

// Introspect answers whether the token is usable right now.
func (s *Store) Introspect(tokenStr string) Introspection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tokens[tokenStr]
	if t == nil || !s.usable(t) {
		return Introspection{Active: false}
	}
	issued, expires := t.IssuedAt, t.ExpiresAt
	return Introspection{
		Active:    true,
		Agent:     t.Agent,
		Scopes:    append([]string(nil), t.Scopes...),
		Status:    t.Status,
		IssuedAt:  &issued,
		ExpiresAt: &expires,
	}
}

// Authorize reports whether the token is usable and one of its scopes
// covers intent.
func (s *Store) Authorize(tokenStr, intent string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tokens[tokenStr]
	if t == nil || !s.usable(t) {
		return false
	}
	for _, scope := range t.Scopes {
		if rules.MatchIntent(scope, intent) {
			return true
		}
	}
	return false
}

// Pause suspends a token. Pausing a paused token is a no-op; pausing a
// revoked token is an error.
func (s *Store) Pause(tokenStr string) error {
	return s.transition(tokenStr, "paused", StatusPaused)
}

// Resume reactivates a paused token. Resuming an active token is a no-op;
// revoked tokens stay revoked.
func (s *Store) Resume(tokenStr string) error {
	return s.transition(tokenStr, "resumed", StatusActive)
}

// Revoke permanently kills a token. Idempotent.
func (s *Store) Revoke(tokenStr string) error {
	s.mu.Lock()
	t := s.tokens[tokenStr]
	if t == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if t.Status == StatusRevoked {
		s.mu.Unlock()
		return nil
	}
	cp := *t
	cp.Status = StatusRevoked
	if err := s.st.PutToken(&cp); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to persist revocation: %w", err)
	}
	t.Status = StatusRevoked
	s.mu.Unlock()

	s.record("revoked", &cp)
	s.logger.Info("token revoked", "agent", cp.Agent)
	return nil
}

// List returns copies of every token, newest first. Copies keep callers off
// the live structs that lifecycle transitions mutate.
func (s *Store) List() []*store.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// transition persists the new status before touching the in-memory token,
// so a failed write leaves memory on the status the store still holds.
func (s *Store) transition(tokenStr, op, to string) error {
	s.mu.Lock()
	t := s.tokens[tokenStr]
	if t == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if t.Status == StatusRevoked {
		s.mu.Unlock()
		return ErrRevoked
	}
	if t.Status == to {
		s.mu.Unlock()
		return nil
	}
	cp := *t
	cp.Status = to
	if err := s.st.PutToken(&cp); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to persist token status: %w", err)
	}
	t.Status = to
	s.mu.Unlock()

	s.record(op, &cp)
	s.logger.Info("token "+op, "agent", cp.Agent)
	return nil
}

// usable means active and unexpired. Expiry is clock-based, not swept, so
// an expired token and a never-issued one look identical from outside.
func (s *Store) usable(t *store.Token) bool {
	return t.Status == StatusActive && s.now().Before(t.ExpiresAt)
}

// record journals a lifecycle transition. Journal trouble is logged, not
// fatal: the store already holds the authoritative state.
func (s *Store) record(op string, t *store.Token) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Append(journal.KindToken, t.Agent, tokenEvent{Op: op, Token: t.Summary()}); err != nil {
		s.logger.Error("failed to journal token event", "op", op, "error", err)
	}
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
