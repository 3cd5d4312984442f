// Package consent parks ask verdicts until a human decides them. Each
// pending ask is a ticket: agents long-poll Wait, operators call Decide,
// and a sweeper finalizes tickets whose deadline passes as block/timeout.
package consent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentleash/agentleash/internal/journal"
	"github.com/agentleash/agentleash/internal/metrics"
	"github.com/agentleash/agentleash/internal/rules"
	"github.com/agentleash/agentleash/internal/store"
)

var (
	// ErrOverloaded means the agent already has the maximum number of
	// pending asks. The decision engine turns this into a block.
	ErrOverloaded = errors.New("too many pending asks for agent")

	// ErrNotFound is returned for event ids that were never parked.
	ErrNotFound = errors.New("no such pending ask")

	// ErrDecided is returned when a second verdict conflicts with the one
	// already settled.
	ErrDecided = errors.New("ask already decided")
)

// Ticket states.
const (
	statePending = "pending"
	stateDecided = "decided"
	stateExpired = "expired"
)

// How long settled tickets stay addressable for idempotent re-decides and
// late waiters before the sweeper drops them.
const (
	retention     = 10 * time.Minute
	sweepInterval = time.Second
)

// Verdict is the human (or timeout) answer to an ask.
type Verdict struct {
	Status    string       `json:"status"` // allow or block
	Message   string       `json:"message,omitempty"`
	DecidedBy string       `json:"decided_by,omitempty"` // operator or timeout
	Token     *store.Token `json:"token,omitempty"`      // capability granted alongside an allow
}

// decisionEvent is the journal payload written when a ticket settles.
type decisionEvent struct {
	EventID   string              `json:"event_id"`
	Agent     string              `json:"agent"`
	Status    string              `json:"status"`
	Message   string              `json:"message,omitempty"`
	DecidedBy string              `json:"decided_by,omitempty"`
	Token     *store.TokenSummary `json:"token,omitempty"`
}

// ticket is one parked ask. done is closed exactly once, after verdict is
// set, so any number of waiters observe the same answer.
type ticket struct {
	eventID   string
	agent     string
	created   time.Time
	deadline  time.Time
	done      chan struct{}
	verdict   Verdict
	state     string
	settledAt time.Time
}

// Info is the externally visible slice of a ticket.
type Info struct {
	EventID  string    `json:"event_id"`
	Agent    string    `json:"agent"`
	Created  time.Time `json:"created"`
	Deadline time.Time `json:"deadline"`
	State    string    `json:"state"`
}

// Broker owns all consent tickets.
type Broker struct {
	mu         sync.Mutex
	tickets    map[string]*ticket
	pendingPer map[string]int
	maxPending int
	defaultTTL time.Duration
	jnl        *journal.Journal
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewBroker creates a Broker. Run Start to enable deadline enforcement.
func NewBroker(jnl *journal.Journal, m *metrics.Metrics, defaultTTL time.Duration, maxPending int, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = 2 * time.Minute
	}
	if maxPending <= 0 {
		maxPending = 64
	}
	return &Broker{
		tickets:    make(map[string]*ticket),
		pendingPer: make(map[string]int),
		maxPending: maxPending,
		defaultTTL: defaultTTL,
		jnl:        jnl,
		metrics:    m,
		logger:     logger.With("component", "consent.Broker"),
		now:        time.Now,
	}
}

// Park registers a pending ask for eventID. Parking the same id twice is a
// no-op; parking past the per-agent bound fails with ErrOverloaded. A zero
// deadline means now plus the broker's default TTL.
func (b *Broker) Park(eventID, agent string, deadline time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tickets[eventID]; exists {
		return nil
	}
	if b.pendingPer[agent] >= b.maxPending {
		return ErrOverloaded
	}

	now := b.now()
	if deadline.IsZero() {
		deadline = now.Add(b.defaultTTL)
	}
	b.tickets[eventID] = &ticket{
		eventID:  eventID,
		agent:    agent,
		created:  now,
		deadline: deadline,
		done:     make(chan struct{}),
		state:    statePending,
	}
	b.pendingPer[agent]++
	if b.metrics != nil {
		b.metrics.PendingAsks.Inc()
	}
	b.logger.Info("ask parked", "event_id", eventID, "agent", agent, "deadline", deadline)
	return nil
}

// Wait blocks until the ticket settles or ctx ends. Cancelling a wait never
// decides the ticket; other waiters keep waiting.
func (b *Broker) Wait(ctx context.Context, eventID string) (Verdict, error) {
	b.mu.Lock()
	t := b.tickets[eventID]
	b.mu.Unlock()

	if t == nil {
		return Verdict{}, ErrNotFound
	}
	select {
	case <-t.done:
		return t.verdict, nil
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	}
}

// Decide settles a pending ticket. The first verdict wins: repeating it is
// a no-op that returns the settled verdict, while a conflicting verdict
// returns the settled one plus ErrDecided.
func (b *Broker) Decide(eventID string, v Verdict) (Verdict, error) {
	if v.Status != rules.VerdictAllow && v.Status != rules.VerdictBlock {
		return Verdict{}, errors.New("verdict must be allow or block")
	}

	b.mu.Lock()
	t := b.tickets[eventID]
	if t == nil {
		b.mu.Unlock()
		return Verdict{}, ErrNotFound
	}
	if t.state != statePending {
		settled := t.verdict
		b.mu.Unlock()
		if settled.Status == v.Status {
			return settled, nil
		}
		return settled, ErrDecided
	}
	if v.DecidedBy == "" {
		v.DecidedBy = "operator"
	}
	b.settleLocked(t, v)
	b.mu.Unlock()

	b.journalDecision(t)
	b.logger.Info("ask decided",
		"event_id", eventID, "agent", t.agent, "status", v.Status, "decided_by", v.DecidedBy)
	return v, nil
}

// Get returns ticket metadata, pending or settled.
func (b *Broker) Get(eventID string) (Info, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.tickets[eventID]
	if t == nil {
		return Info{}, false
	}
	return Info{
		EventID:  t.eventID,
		Agent:    t.agent,
		Created:  t.created,
		Deadline: t.deadline,
		State:    t.state,
	}, true
}

// Pending returns the number of unsettled tickets.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, count := range b.pendingPer {
		n += count
	}
	return n
}

// List returns every live ticket, pending first, then by creation time.
func (b *Broker) List() []Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Info, 0, len(b.tickets))
	for _, t := range b.tickets {
		out = append(out, Info{
			EventID:  t.eventID,
			Agent:    t.agent,
			Created:  t.created,
			Deadline: t.deadline,
			State:    t.state,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].State == statePending, out[j].State == statePending
		if pi != pj {
			return pi
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Start runs the deadline sweeper until ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweep()
			}
		}
	}()
}

// sweep finalizes pending tickets past their deadline and prunes settled
// tickets past retention.
func (b *Broker) sweep() {
	now := b.now()

	b.mu.Lock()
	var expired []*ticket
	for id, t := range b.tickets {
		switch t.state {
		case statePending:
			if !now.Before(t.deadline) {
				b.settleLocked(t, Verdict{
					Status:    rules.VerdictBlock,
					Message:   "timeout: no verdict before deadline",
					DecidedBy: "timeout",
				})
				t.state = stateExpired
				expired = append(expired, t)
			}
		default:
			if now.Sub(t.settledAt) > retention {
				delete(b.tickets, id)
			}
		}
	}
	b.mu.Unlock()

	for _, t := range expired {
		b.journalDecision(t)
		b.logger.Info("ask expired", "event_id", t.eventID, "agent", t.agent)
	}
}

// settleLocked stores the verdict and wakes every waiter. Callers hold b.mu
// and guarantee the ticket is pending.
func (b *Broker) settleLocked(t *ticket, v Verdict) {
	t.verdict = v
	t.state = stateDecided
	t.settledAt = b.now()
	b.pendingPer[t.agent]--
	if b.pendingPer[t.agent] <= 0 {
		delete(b.pendingPer, t.agent)
	}
	if b.metrics != nil {
		b.metrics.PendingAsks.Dec()
	}
	close(t.done)
}

func (b *Broker) journalDecision(t *ticket) {
	if b.jnl == nil {
		return
	}
	ev := decisionEvent{
		EventID:   t.eventID,
		Agent:     t.agent,
		Status:    t.verdict.Status,
		Message:   t.verdict.Message,
		DecidedBy: t.verdict.DecidedBy,
	}
	if t.verdict.Token != nil {
		ev.Token = t.verdict.Token.Summary()
	}
	if _, err := b.jnl.Append(journal.KindDecision, t.agent, ev); err != nil {
		b.logger.Error("failed to journal decision", "event_id", t.eventID, "error", err)
	}
}
