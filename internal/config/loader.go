package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader loads and holds the active configuration. Get returns the current
// snapshot; Reload re-reads the file loaded last.
type Loader struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewLoader creates a loader primed with defaults so Get works before Load.
// AGENTLEASH_* environment overrides apply even when no file is ever loaded.
func NewLoader() *Loader {
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	cfg.Normalize()
	return &Loader{cfg: cfg}
}

// Load reads, substitutes environment variables in, and parses a YAML config
// file, then applies AGENTLEASH_* environment overrides.
func (l *Loader) Load(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.path = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the previously loaded file.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config file loaded")
	}

	cfg, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Get returns the current config snapshot. Callers must not mutate it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded config file, or "" before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.Normalize()
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references in raw
// config text before YAML parsing.
func substituteEnvVars(text string) string {
	return envVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return def
	})
}

// applyEnvOverrides lets a handful of AGENTLEASH_* variables win over file
// values, so container deployments need no config file edits.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTLEASH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTLEASH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTLEASH_API_KEY"); v != "" {
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				cfg.Server.APIKeys = append(cfg.Server.APIKeys, key)
			}
		}
	}
	if v := os.Getenv("AGENTLEASH_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
}

const defaultConfigTemplate = `# AgentLeash daemon configuration.
# Values shown are the defaults; uncomment to change.

server:
  host: 127.0.0.1
  port: 3434
  log_level: info
  # API keys accepted via "Authorization: Bearer <key>" or "x-api-key".
  # An empty list disables authentication (local development only).
  api_keys: []
  cors: false

data_dir: ./data

storage:
  # "sqlite" (durable, default) or "memory" (tests only, nothing survives
  # a restart).
  driver: sqlite
  # path: ./data/agentleash.db

templates:
  # dir: ./data/templates
  watch: true
  debounce: 200ms

consent:
  # How long an ask ticket waits for a human verdict before it is finalized
  # as block/timeout.
  default_timeout: 2m
  max_pending_per_agent: 64

tokens:
  max_duration: 24h

bus:
  queue_size: 256
  webhook_retries: 5
  webhook_window: 60s
  webhook_rate_per_sec: 10
`

// GenerateDefault writes a commented starter config file.
func GenerateDefault(path string) error {
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
