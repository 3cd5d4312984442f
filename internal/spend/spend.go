// Package spend enforces per-agent USD caps over UTC calendar windows. The
// ledger is the daemon's authoritative accumulator; buckets are written
// through to the store so totals survive restarts within a window.
package spend

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentleash/agentleash/internal/store"
)

// Spend categories and windows. The llm category only accumulates for
// intents under the llm. prefix; total accumulates every declared cost.
const (
	CategoryLLM   = "llm"
	CategoryTotal = "total"

	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

// llmPrefix marks intents that count against llm caps.
const llmPrefix = "llm."

// Limits is the optional spend-limit table of a resolved policy. Nil
// pointers mean no cap for that bucket.
type Limits struct {
	LLMDailyUSD   *float64 `yaml:"llm_daily_usd,omitempty" json:"llm_daily_usd,omitempty"`
	LLMMonthlyUSD *float64 `yaml:"llm_monthly_usd,omitempty" json:"llm_monthly_usd,omitempty"`
	AIDailyUSD    *float64 `yaml:"ai_daily_usd,omitempty" json:"ai_daily_usd,omitempty"`
	AIMonthlyUSD  *float64 `yaml:"ai_monthly_usd,omitempty" json:"ai_monthly_usd,omitempty"`
}

// Validate reports configuration errors.
func (l *Limits) Validate() error {
	for name, cap := range map[string]*float64{
		"llm_daily_usd":   l.LLMDailyUSD,
		"llm_monthly_usd": l.LLMMonthlyUSD,
		"ai_daily_usd":    l.AIDailyUSD,
		"ai_monthly_usd":  l.AIMonthlyUSD,
	} {
		if cap != nil && *cap < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, *cap)
		}
	}
	return nil
}

// Empty reports whether no cap is configured.
func (l *Limits) Empty() bool {
	return l == nil || (l.LLMDailyUSD == nil && l.LLMMonthlyUSD == nil &&
		l.AIDailyUSD == nil && l.AIMonthlyUSD == nil)
}

// CapHit identifies the first cap an event's cost would overrun. Spent is
// the accumulated total before the rejected event; nothing is recorded for
// a rejected event.
type CapHit struct {
	Timeframe string  `json:"timeframe"` // daily or monthly
	Category  string  `json:"category"`  // llm or total
	Value     float64 `json:"value"`
	Spent     float64 `json:"spent"`
	Remaining float64 `json:"remaining"`
}

// Totals is the current accumulation for one agent across all buckets.
type Totals struct {
	LLMDaily     float64 `json:"llm_daily"`
	LLMMonthly   float64 `json:"llm_monthly"`
	TotalDaily   float64 `json:"total_daily"`
	TotalMonthly float64 `json:"total_monthly"`
}

// bucket is one (category, window) accumulator. windowStart identifies the
// UTC calendar window the total belongs to.
type bucket struct {
	windowStart time.Time
	spent       float64
}

// agentLedger serializes all spend checks for a single agent.
type agentLedger struct {
	mu      sync.Mutex
	buckets map[string]*bucket // category|window
}

// Ledger tracks spend per agent. Check-and-record is atomic per agent, so
// two concurrent costed events can never both slip under the same cap.
type Ledger struct {
	mu     sync.RWMutex
	agents map[string]*agentLedger
	st     store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger and reloads persisted buckets. Stale windows are
// rolled over lazily on first access, not at load time.
func New(st store.Store, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		agents: make(map[string]*agentLedger),
		st:     st,
		logger: logger.With("component", "spend.Ledger"),
		now:    time.Now,
	}

	persisted, err := st.ListSpend()
	if err != nil {
		return nil, fmt.Errorf("failed to load spend buckets: %w", err)
	}
	for _, b := range persisted {
		al := l.agentFor(b.Agent)
		al.buckets[b.Category+"|"+b.Window] = &bucket{
			windowStart: time.UnixMilli(b.WindowStart).UTC(),
			spent:       b.Spent,
		}
	}
	return l, nil
}

// CheckAndRecord admits or rejects one costed event. Caps are evaluated in
// a fixed order (llm daily, llm monthly, total daily, total monthly) and
// the first cap the cost would overrun is returned without recording
// anything. On admit every applicable bucket is incremented and written
// through. Events with no positive cost are admitted untouched.
func (l *Ledger) CheckAndRecord(agent, intent string, cost float64, limits *Limits) *CapHit {
	if cost <= 0 {
		return nil
	}

	al := l.agentFor(agent)
	al.mu.Lock()
	defer al.mu.Unlock()

	now := l.now().UTC()
	isLLM := strings.HasPrefix(intent, llmPrefix)

	type check struct {
		cap      *float64
		category string
		window   string
	}
	var checks []check
	if limits != nil {
		if isLLM {
			checks = append(checks,
				check{limits.LLMDailyUSD, CategoryLLM, WindowDaily},
				check{limits.LLMMonthlyUSD, CategoryLLM, WindowMonthly},
			)
		}
		checks = append(checks,
			check{limits.AIDailyUSD, CategoryTotal, WindowDaily},
			check{limits.AIMonthlyUSD, CategoryTotal, WindowMonthly},
		)
	}
	for _, c := range checks {
		if c.cap == nil {
			continue
		}
		b := al.get(c.category, c.window, now)
		if b.spent+cost > *c.cap {
			remaining := *c.cap - b.spent
			if remaining < 0 {
				remaining = 0
			}
			return &CapHit{
				Timeframe: c.window,
				Category:  c.category,
				Value:     *c.cap,
				Spent:     b.spent,
				Remaining: remaining,
			}
		}
	}

	// Admitted: every applicable bucket accumulates, capped or not, so the
	// metrics endpoints can report spend for agents without limits.
	targets := []struct{ category, window string }{
		{CategoryTotal, WindowDaily},
		{CategoryTotal, WindowMonthly},
	}
	if isLLM {
		targets = append(targets,
			struct{ category, window string }{CategoryLLM, WindowDaily},
			struct{ category, window string }{CategoryLLM, WindowMonthly},
		)
	}
	for _, tgt := range targets {
		b := al.get(tgt.category, tgt.window, now)
		b.spent += cost
		l.persist(agent, tgt.category, tgt.window, b)
	}
	return nil
}

// Totals returns the agent's current accumulation with windows rolled to
// the present.
func (l *Ledger) Totals(agent string) Totals {
	al := l.agentFor(agent)
	al.mu.Lock()
	defer al.mu.Unlock()

	now := l.now().UTC()
	return Totals{
		LLMDaily:     al.get(CategoryLLM, WindowDaily, now).spent,
		LLMMonthly:   al.get(CategoryLLM, WindowMonthly, now).spent,
		TotalDaily:   al.get(CategoryTotal, WindowDaily, now).spent,
		TotalMonthly: al.get(CategoryTotal, WindowMonthly, now).spent,
	}
}

// Agents returns every agent with ledger state, sorted.
func (l *Ledger) Agents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.agents))
	for agent := range l.agents {
		out = append(out, agent)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) agentFor(agent string) *agentLedger {
	l.mu.RLock()
	al := l.agents[agent]
	l.mu.RUnlock()
	if al != nil {
		return al
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if al = l.agents[agent]; al == nil {
		al = &agentLedger{buckets: make(map[string]*bucket)}
		l.agents[agent] = al
	}
	return al
}

// get returns the named bucket, creating it or resetting it when the UTC
// calendar window has moved on. Callers hold the agent mutex.
func (al *agentLedger) get(category, window string, now time.Time) *bucket {
	want := dayStart(now)
	if window == WindowMonthly {
		want = monthStart(now)
	}

	key := category + "|" + window
	b := al.buckets[key]
	if b == nil {
		b = &bucket{windowStart: want}
		al.buckets[key] = b
		return b
	}
	if !b.windowStart.Equal(want) {
		b.windowStart = want
		b.spent = 0
	}
	return b
}

// persist writes one bucket through to the store. Failures are logged, not
// fatal: in-memory state stays authoritative for the running daemon.
func (l *Ledger) persist(agent, category, window string, b *bucket) {
	err := l.st.PutSpend(&store.SpendBucket{
		Agent:       agent,
		Category:    category,
		Window:      window,
		WindowStart: b.windowStart.UnixMilli(),
		Spent:       b.spent,
	})
	if err != nil {
		l.logger.Warn("failed to persist spend bucket",
			"agent", agent, "category", category, "window", window, "error", err)
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
