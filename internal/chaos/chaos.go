// Package chaos injects synthetic failures into otherwise-allowed
// decisions so operators can rehearse agent behavior under denial without
// touching real policy. Injection is driven per agent by the chaos block of
// the agent's resolved policy; seeded streams replay bit-identically.
package chaos

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Config controls failure injection for one agent. It is parsed from the
// chaos block of a template or a role override.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// BlockRate is the probability in [0, 1] that a targeted allow is
	// converted into a synthetic block.
	BlockRate float64 `yaml:"block_rate" json:"block_rate"`

	// Seed pins the RNG stream. Nil means nondeterministic injection.
	Seed *int64 `yaml:"seed,omitempty" json:"seed,omitempty"`

	// TargetIntents restricts injection to the listed intents (exact
	// match). Empty means every intent is a candidate.
	TargetIntents []string `yaml:"target_intents,omitempty" json:"target_intents,omitempty"`

	// ExemptIntents are never injected, even when targeted.
	ExemptIntents []string `yaml:"exempt_intents,omitempty" json:"exempt_intents,omitempty"`

	// DelayMs stalls every decision for the agent while chaos is enabled,
	// whether or not a block is injected.
	DelayMs int `yaml:"delay_ms,omitempty" json:"delay_ms,omitempty"`
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if c.BlockRate < 0 || c.BlockRate > 1 {
		return fmt.Errorf("block_rate must be within [0, 1], got %v", c.BlockRate)
	}
	if c.DelayMs < 0 {
		return fmt.Errorf("delay_ms must not be negative, got %d", c.DelayMs)
	}
	return nil
}

// stream holds the RNG state for one agent. Draws only advance when the
// intent survives target/exempt filtering, so identical intent sequences
// consume identical randomness.
type stream struct {
	seeded  bool
	seed    int64
	rng     *rand.Rand
	draws   uint64
	injects uint64
}

// AgentStats is the per-agent slice of injector counters.
type AgentStats struct {
	Draws   uint64 `json:"draws"`
	Injects uint64 `json:"injects"`
	Seeded  bool   `json:"seeded"`
}

// Stats is a snapshot of injector activity since startup.
type Stats struct {
	Draws   uint64                `json:"draws"`
	Injects uint64                `json:"injects"`
	Agents  map[string]AgentStats `json:"agents,omitempty"`
}

// Injector owns one RNG stream per agent and answers the single question
// the decision engine asks: should this allow become a block, and how long
// should the decision stall.
type Injector struct {
	mu      sync.Mutex
	streams map[string]*stream
	logger  *slog.Logger
}

// New creates an Injector with no streams. Streams are created lazily on
// first use and restart whenever the agent's seed changes or Reseed is
// called.
func New(logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		streams: make(map[string]*stream),
		logger:  logger.With("component", "chaos.Injector"),
	}
}

// MaybeInject reports whether the event should be synthetically blocked and
// how long the decision should stall. The delay applies to every decision
// for the agent while chaos is enabled; the block only when the intent is
// targeted, not exempt, and the agent's stream draws below the block rate.
func (i *Injector) MaybeInject(agent string, cfg *Config, intent string) (bool, time.Duration) {
	if cfg == nil || !cfg.Enabled {
		return false, 0
	}
	delay := time.Duration(cfg.DelayMs) * time.Millisecond

	for _, exempt := range cfg.ExemptIntents {
		if intent == exempt {
			return false, delay
		}
	}
	if len(cfg.TargetIntents) > 0 {
		targeted := false
		for _, t := range cfg.TargetIntents {
			if intent == t {
				targeted = true
				break
			}
		}
		if !targeted {
			return false, delay
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	st := i.streamFor(agent, cfg)
	st.draws++
	inject := st.rng.Float64() < cfg.BlockRate
	if inject {
		st.injects++
		i.logger.Debug("injected synthetic block", "agent", agent, "intent", intent)
	}
	return inject, delay
}

// streamFor returns the agent's stream, creating or restarting it when the
// seeding mode or seed value no longer matches the config. Callers hold i.mu.
func (i *Injector) streamFor(agent string, cfg *Config) *stream {
	st := i.streams[agent]
	wantSeeded := cfg.Seed != nil
	if st != nil && st.seeded == wantSeeded && (!wantSeeded || st.seed == *cfg.Seed) {
		return st
	}

	st = &stream{seeded: wantSeeded}
	if wantSeeded {
		st.seed = *cfg.Seed
		st.rng = rand.New(rand.NewSource(st.seed))
	} else {
		st.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	i.streams[agent] = st
	return st
}

// Reseed drops the agent's stream so the next decision restarts it from the
// policy's seed. Called when a role is applied.
func (i *Injector) Reseed(agent string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.streams, agent)
}

// Stats returns a snapshot of draw and inject counters.
func (i *Injector) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := Stats{}
	if len(i.streams) > 0 {
		out.Agents = make(map[string]AgentStats, len(i.streams))
	}
	for agent, st := range i.streams {
		out.Draws += st.draws
		out.Injects += st.injects
		out.Agents[agent] = AgentStats{Draws: st.draws, Injects: st.injects, Seeded: st.seeded}
	}
	return out
}
