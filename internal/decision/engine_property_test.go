//go:build property
// +build property

// Package decision_test contains property-based tests for verdict precedence.
package decision_test

import (
	"log/slog"
	"os"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentleash/agentleash/internal/decision"
)

func propLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestBlockBeatsAskBeatsAllow verifies rule precedence for any membership
// combination.
// Property: block wins whenever a block rule matches; ask wins over allow;
// no matching rule falls through to allow
func TestBlockBeatsAskBeatsAllow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	engine := decision.NewEngine(decision.Deps{}, propLogger())

	properties.Property("the strictest matching list wins", prop.ForAll(
		func(intent string, inBlock, inAsk, inAllow bool) bool {
			policy := &decision.InlinePolicy{}
			if inBlock {
				policy.Block = []string{intent}
			}
			if inAsk {
				policy.Ask = []string{intent}
			}
			if inAllow {
				policy.Allow = []string{intent}
			}

			want := "allow"
			switch {
			case inBlock:
				want = "block"
			case inAsk:
				want = "ask"
			}

			res, err := engine.Test(decision.TestRequest{
				Agent:  "agent",
				Intent: intent,
				Policy: policy,
			})
			if err != nil {
				return false
			}
			return res.Status == want
		},
		gen.Identifier(),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestWildcardPrecedenceHoldsAcrossLists verifies precedence with globs.
// Property: a broad ask glob never outranks a narrow block rule, and vice
// versa the block glob wins over an exact allow
func TestWildcardPrecedenceHoldsAcrossLists(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	engine := decision.NewEngine(decision.Deps{}, propLogger())

	properties.Property("globs obey the same precedence as literals", prop.ForAll(
		func(head, tail string) bool {
			intent := head + "." + tail
			res, err := engine.Test(decision.TestRequest{
				Agent:  "agent",
				Intent: intent,
				Policy: &decision.InlinePolicy{
					Allow: []string{intent},
					Ask:   []string{head + ".*"},
					Block: []string{head + "." + tail},
				},
			})
			if err != nil || res.Status != "block" {
				return false
			}

			res, err = engine.Test(decision.TestRequest{
				Agent:  "agent",
				Intent: intent,
				Policy: &decision.InlinePolicy{
					Allow: []string{intent},
					Ask:   []string{head + ".*"},
				},
			})
			if err != nil || res.Status != "ask" {
				return false
			}

			res, err = engine.Test(decision.TestRequest{
				Agent:  "agent",
				Intent: intent,
				Policy: &decision.InlinePolicy{
					Allow: []string{intent},
				},
			})
			return err == nil && res.Status == "allow"
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
