package inputfilter

import "regexp"

// compiledPattern is one detector: a named regular expression bound to a
// detector class, with an optional verify hook for matches that need more
// than pattern shape (e.g. Luhn checks on card numbers). The name doubles as
// the redaction category, so placeholders read like "[REDACTED:email]".
type compiledPattern struct {
	name   string
	class  string
	re     *regexp.Regexp
	verify func(match string) bool
}

// Detector classes. A scan level is a fixed set of classes, and
// Classifications reports the classes that fired.
const (
	ClassInjection = "injection"
	ClassPII       = "pii"
	ClassSensitive = "sensitive"
)

// Patterns are compiled once at package init so Scan stays allocation-light
// and deterministic. The tables are deliberately conservative: a miss is a
// warning lost, a false positive mangles caller data.
var (
	injectionPatterns = []compiledPattern{
		{
			name:  "instruction_override",
			class: ClassInjection,
			re:    regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget)\s+(?:all\s+)?(?:previous|prior|above|your|system)\s+(?:instructions|prompts|rules|training)\b`),
		},
		{
			name:  "sql_injection",
			class: ClassInjection,
			re:    regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table|insert\s+into|delete\s+from|select\s+.{1,64}\s+from)\b|'\s*or\s+'?\d+'?\s*=\s*'?\d+`),
		},
		{
			name:  "script_tag",
			class: ClassInjection,
			re:    regexp.MustCompile(`(?i)<\s*/?\s*script\b`),
		},
		{
			name:  "shell_metachar",
			class: ClassInjection,
			re:    regexp.MustCompile("\x60[^\x60]+\x60|\\$\\([^)]+\\)|(?:;|&&|\\|\\|)\\s*(?:rm|curl|wget|sh|bash|nc|chmod|mkfifo)\\b"),
		},
		{
			name:  "path_traversal",
			class: ClassInjection,
			re:    regexp.MustCompile(`\.\.[/\\]`),
		},
	}

	piiPatterns = []compiledPattern{
		{
			name:  "email",
			class: ClassPII,
			re:    regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		},
		{
			// Separators are required so that long digit runs (card numbers,
			// SSNs) never partially match as phone numbers.
			name:  "phone",
			class: ClassPII,
			re:    regexp.MustCompile(`(?:\+?1[-.\s])?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`),
		},
		{
			name:  "ipv4",
			class: ClassPII,
			re:    regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
		},
	}

	sensitivePatterns = []compiledPattern{
		{
			name:  "ssn",
			class: ClassSensitive,
			re:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		},
		{
			name:   "credit_card",
			class:  ClassSensitive,
			re:     regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`),
			verify: luhnValid,
		},
		{
			name:  "health_keyword",
			class: ClassSensitive,
			re:    regexp.MustCompile(`(?i)\b(diagnosis|prescription|medical\s+record|patient\s+id|blood\s+type|icd-10)\b`),
		},
		{
			name:  "financial_keyword",
			class: ClassSensitive,
			re:    regexp.MustCompile(`(?i)\b(routing\s+number|account\s+number|bank\s+account|iban|swift\s+code|wire\s+transfer)\b`),
		},
		{
			name:  "legal_keyword",
			class: ClassSensitive,
			re:    regexp.MustCompile(`(?i)\b(attorney[-\s]client|subpoena|settlement\s+agreement|non[-\s]disclosure\s+agreement|litigation\s+hold)\b`),
		},
	}
)

// luhnValid strips separators and runs the Luhn checksum over the digits.
// Card numbers are 13-19 digits; anything outside that range fails.
func luhnValid(match string) bool {
	digits := make([]int, 0, len(match))
	for _, c := range match {
		if c >= '0' && c <= '9' {
			digits = append(digits, int(c-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
