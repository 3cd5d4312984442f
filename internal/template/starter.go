package template

// StarterTemplates returns the template files that the init command writes
// into a fresh template directory, keyed by file name.
func StarterTemplates() map[string]string {
	return map[string]string{
		"default.yaml":    starterDefault,
		"restricted.yaml": starterRestricted,
	}
}

const starterDefault = `# Balanced starter policy. Reads run freely, outbound messages wait for a
# human, destructive operations never run.
name: default
version: 1
description: Reads are free, outbound needs a human, destructive operations are blocked.
input_filter: balanced

# Uncomment to scope this template to a naming convention:
# when: 'agent.startsWith("bot-")'

allow:
  - "llm.*"
  - "file.read:*"
  - "calendar.read"

ask:
  - "email.send:*"
  - "slack.post:*"
  - "file.write:*"

block:
  - "file.delete:*"
  - "shell.exec:*"
  - "payment.charge:*"

limits:
  llm_daily_usd: 5.00
  ai_daily_usd: 10.00
`

const starterRestricted = `# Tight leash for untrusted agents: every action waits for a human unless
# it is blocked outright. Block beats ask, ask beats allow, so an allow
# list would be decorative here.
name: restricted
version: 1
description: Everything asks for consent; destructive operations are blocked outright.
input_filter: strict

ask:
  - "*"

block:
  - "shell.exec:*"
  - "file.delete:*"
  - "payment.charge:*"

limits:
  llm_daily_usd: 1.00
  ai_monthly_usd: 20.00

chaos:
  enabled: false
  block_rate: 0.1
  seed: 42
`
