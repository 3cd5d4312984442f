package config

import (
	"path/filepath"
	"time"
)

// Config is the top-level AgentLeash configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Templates TemplatesConfig `yaml:"templates"`
	Consent   ConsentConfig   `yaml:"consent"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Bus       BusConfig       `yaml:"bus"`
	DataDir   string          `yaml:"data_dir"`
}

type ServerConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	APIKeys  []string `yaml:"api_keys"` // empty list disables API-key auth
	LogLevel string   `yaml:"log_level"`
	CORS     bool     `yaml:"cors"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

type TemplatesConfig struct {
	Dir      string        `yaml:"dir"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

type ConsentConfig struct {
	// DefaultTimeout is the ceiling for how long an ask ticket waits for a
	// human verdict before it is finalized as block/timeout.
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	MaxPendingPerAgent int           `yaml:"max_pending_per_agent"`
}

type TokensConfig struct {
	// MaxDuration caps the durationSec accepted by token issuance.
	MaxDuration time.Duration `yaml:"max_duration"`
}

type BusConfig struct {
	QueueSize         int           `yaml:"queue_size"` // per-subscription outbound buffer
	WebhookRetries    int           `yaml:"webhook_retries"`
	WebhookWindow     time.Duration `yaml:"webhook_window"`
	WebhookRatePerSec float64       `yaml:"webhook_rate_per_sec"`
	WebhookQueueSize  int           `yaml:"webhook_queue_size"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     3434,
			LogLevel: "info",
			CORS:     false,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Templates: TemplatesConfig{
			Watch:    true,
			Debounce: 200 * time.Millisecond,
		},
		Consent: ConsentConfig{
			DefaultTimeout:     2 * time.Minute,
			MaxPendingPerAgent: 64,
		},
		Tokens: TokensConfig{
			MaxDuration: 24 * time.Hour,
		},
		Bus: BusConfig{
			QueueSize:         256,
			WebhookRetries:    5,
			WebhookWindow:     60 * time.Second,
			WebhookRatePerSec: 10,
			WebhookQueueSize:  1024,
		},
		DataDir: "./data",
	}
}

// Normalize fills paths that derive from the data directory when they were
// not set explicitly.
func (c *Config) Normalize() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Storage.Path == "" && c.Storage.Driver != "memory" {
		c.Storage.Path = filepath.Join(c.DataDir, "agentleash.db")
	}
	if c.Templates.Dir == "" {
		c.Templates.Dir = filepath.Join(c.DataDir, "templates")
	}
	if c.Consent.DefaultTimeout <= 0 {
		c.Consent.DefaultTimeout = 2 * time.Minute
	}
	if c.Consent.MaxPendingPerAgent <= 0 {
		c.Consent.MaxPendingPerAgent = 64
	}
	if c.Tokens.MaxDuration <= 0 {
		c.Tokens.MaxDuration = 24 * time.Hour
	}
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = 256
	}
	if c.Bus.WebhookQueueSize <= 0 {
		c.Bus.WebhookQueueSize = 1024
	}
}
