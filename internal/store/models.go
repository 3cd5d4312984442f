package store

import (
	"encoding/json"
	"time"
)

// Record is one entry in the append-only journal. Payload is carried
// verbatim; unknown fields submitted by clients survive the round trip.
type Record struct {
	Cursor   uint64          `json:"cursor"`
	Ts       int64           `json:"ts"` // milliseconds since epoch
	Kind     string          `json:"kind"`
	Agent    string          `json:"agent,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// Token is a capability token. The Token field is the opaque secret the
// agent presents; everything else is bookkeeping around it.
type Token struct {
	Token          string    `json:"token"`
	Agent          string    `json:"agent"`
	Scopes         []string  `json:"scopes"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Status         string    `json:"status"` // active, paused, revoked
	Reason         string    `json:"reason,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CustomerID     string    `json:"customer_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
}

// TokenSummary is the audit-safe view of a token: the secret is reduced to
// a short prefix so journal exports never leak a usable credential.
type TokenSummary struct {
	Prefix    string    `json:"prefix"`
	Agent     string    `json:"agent"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

// Summary returns the audit-safe view of t.
func (t *Token) Summary() *TokenSummary {
	prefix := t.Token
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &TokenSummary{
		Prefix:    prefix,
		Agent:     t.Agent,
		Scopes:    t.Scopes,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
		Status:    t.Status,
	}
}

// RoleAssignment binds an agent to a template plus raw overrides. The
// resolved policy is recomputed from these at startup, not persisted.
type RoleAssignment struct {
	Agent     string          `json:"agent"`
	Template  string          `json:"template"`
	Overrides json.RawMessage `json:"overrides,omitempty"`
	AppliedAt time.Time       `json:"applied_at"`
}

// Webhook is a configured fan-out target.
type Webhook struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// SpendBucket is the persisted accumulator for one (agent, category,
// window) triple. WindowStart is milliseconds since epoch.
type SpendBucket struct {
	Agent       string  `json:"agent"`
	Category    string  `json:"category"` // llm, total
	Window      string  `json:"window"`   // daily, monthly
	WindowStart int64   `json:"window_start"`
	Spent       float64 `json:"spent"`
}
