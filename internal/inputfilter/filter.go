// Package inputfilter screens event text for injection attempts, PII, and
// sensitive data before the policy engine acts on it. Detection is purely
// pattern-based: the same text at the same level always produces the same
// result, so decisions stay reproducible.
package inputfilter

import (
	"fmt"
	"sort"
)

// Filter levels, from least to most aggressive. Each level is a fixed set of
// detector categories.
const (
	LevelPermissive = "permissive" // injection detectors only
	LevelBalanced   = "balanced"   // injection + PII
	LevelStrict     = "strict"     // injection + PII + sensitive; injection blocks
)

// ValidLevel reports whether level names a known filter level.
func ValidLevel(level string) bool {
	switch level {
	case LevelPermissive, LevelBalanced, LevelStrict:
		return true
	}
	return false
}

// Redaction records one replaced span. Offset and Length index into the
// original text, not the sanitized output. Category is the detector name
// ("email", "ssn") and labels the placeholder written into Sanitized.
type Redaction struct {
	Pattern  string `json:"pattern"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	Category string `json:"category"`
}

// Result is the outcome of a Scan.
type Result struct {
	Allowed         bool        `json:"allowed"`
	Sanitized       string      `json:"sanitized"`
	Classifications []string    `json:"classifications,omitempty"`
	Redactions      []Redaction `json:"redactions,omitempty"`
	Warnings        []string    `json:"warnings,omitempty"`
}

// match is an internal detector hit before overlap resolution.
type match struct {
	pattern string
	class   string
	start   int
	end     int
}

// Scan checks text against the detectors enabled at the given level.
//
// Injection findings produce warnings at every level but set Allowed=false
// only at strict. PII and sensitive matches are replaced in Sanitized with a
// placeholder naming the detector, e.g. "[REDACTED:email]"; replacement runs
// right to left so earlier offsets stay valid. An unrecognized level scans
// as strict.
func Scan(text, level string) Result {
	res := Result{Allowed: true, Sanitized: text}
	if text == "" {
		return res
	}

	detectors := injectionPatterns
	switch level {
	case LevelPermissive:
	case LevelBalanced:
		detectors = append(append([]compiledPattern{}, detectors...), piiPatterns...)
	default: // strict, plus anything unrecognized
		level = LevelStrict
		detectors = append(append([]compiledPattern{}, detectors...), piiPatterns...)
		detectors = append(detectors, sensitivePatterns...)
	}

	var (
		injections []match
		redactable []match
		classes    = map[string]bool{}
	)
	for _, p := range detectors {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if p.verify != nil && !p.verify(text[loc[0]:loc[1]]) {
				continue
			}
			m := match{pattern: p.name, class: p.class, start: loc[0], end: loc[1]}
			classes[p.class] = true
			if p.class == ClassInjection {
				injections = append(injections, m)
			} else {
				redactable = append(redactable, m)
			}
		}
	}

	for _, m := range injections {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("injection pattern %s at offset %d", m.pattern, m.start))
	}
	if len(injections) > 0 && level == LevelStrict {
		res.Allowed = false
	}

	// Overlapping detectors (e.g. a card number inside a longer digit run)
	// are resolved deterministically: earliest start wins, longest match
	// breaks ties, then pattern name.
	sort.Slice(redactable, func(i, j int) bool {
		a, b := redactable[i], redactable[j]
		if a.start != b.start {
			return a.start < b.start
		}
		if a.end != b.end {
			return a.end > b.end
		}
		return a.pattern < b.pattern
	})
	kept := redactable[:0]
	lastEnd := -1
	for _, m := range redactable {
		if m.start < lastEnd {
			continue
		}
		kept = append(kept, m)
		lastEnd = m.end
	}

	sanitized := text
	for i := len(kept) - 1; i >= 0; i-- {
		m := kept[i]
		sanitized = sanitized[:m.start] + "[REDACTED:" + m.pattern + "]" + sanitized[m.end:]
		res.Redactions = append(res.Redactions, Redaction{
			Pattern:  m.pattern,
			Offset:   m.start,
			Length:   m.end - m.start,
			Category: m.pattern,
		})
	}
	// Redactions were collected right to left; report them in text order.
	for i, j := 0, len(res.Redactions)-1; i < j; i, j = i+1, j-1 {
		res.Redactions[i], res.Redactions[j] = res.Redactions[j], res.Redactions[i]
	}
	res.Sanitized = sanitized

	for _, c := range []string{ClassInjection, ClassPII, ClassSensitive} {
		if classes[c] {
			res.Classifications = append(res.Classifications, c)
		}
	}
	return res
}

// ScanAll runs Scan over several strings and folds the verdicts: Allowed is
// the conjunction, warnings and classifications are unioned. Sanitized values
// come back per input; the folded Result carries no offsets since they would
// be ambiguous across inputs. Used by the decision engine for metadata leaves
// plus the target.
func ScanAll(texts []string, level string) ([]string, Result) {
	folded := Result{Allowed: true}
	sanitized := make([]string, len(texts))
	seen := map[string]bool{}
	for i, t := range texts {
		r := Scan(t, level)
		sanitized[i] = r.Sanitized
		if !r.Allowed {
			folded.Allowed = false
		}
		folded.Warnings = append(folded.Warnings, r.Warnings...)
		for _, c := range r.Classifications {
			if !seen[c] {
				seen[c] = true
				folded.Classifications = append(folded.Classifications, c)
			}
		}
	}
	sort.Strings(folded.Classifications)
	return sanitized, folded
}
