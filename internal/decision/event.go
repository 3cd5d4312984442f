package decision

import (
	"encoding/json"

	"github.com/oklog/ulid/v2"
)

// Event is one action an agent wants to take (or, for post-hoc records,
// already took). Unknown JSON fields are kept in Extra and passed through
// to the journal verbatim.
type Event struct {
	ID       string         `json:"id,omitempty"`
	Ts       int64          `json:"ts,omitempty"` // milliseconds since epoch
	Agent    string         `json:"agent"`
	Intent   string         `json:"intent"`
	Target   string         `json:"target,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Token    string         `json:"token,omitempty"`
	CostUSD  float64        `json:"costUsd,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// eventFields are the recognized wire keys; everything else lands in Extra.
var eventFields = []string{"id", "ts", "agent", "intent", "target", "metadata", "token", "costUsd"}

func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	for _, k := range eventFields {
		delete(extra, k)
	}
	if len(extra) > 0 {
		a.Extra = extra
	}
	*e = Event(a)
	return nil
}

// auditMap renders the event for the journal. The raw token never leaves
// the daemon; its presence is reduced to a boolean.
func (e *Event) auditMap() map[string]any {
	m := map[string]any{
		"id":     e.ID,
		"ts":     e.Ts,
		"agent":  e.Agent,
		"intent": e.Intent,
	}
	if e.Target != "" {
		m["target"] = e.Target
	}
	if e.Metadata != nil {
		m["metadata"] = e.Metadata
	}
	if e.CostUSD != 0 {
		m["costUsd"] = e.CostUSD
	}
	if e.Token != "" {
		m["token_presented"] = true
	}
	for k, v := range e.Extra {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return m
}

func newEventID() string {
	return ulid.Make().String()
}
