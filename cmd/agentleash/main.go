package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agentleash/agentleash/internal/api"
	"github.com/agentleash/agentleash/internal/bus"
	"github.com/agentleash/agentleash/internal/chaos"
	"github.com/agentleash/agentleash/internal/config"
	"github.com/agentleash/agentleash/internal/consent"
	"github.com/agentleash/agentleash/internal/decision"
	"github.com/agentleash/agentleash/internal/journal"
	"github.com/agentleash/agentleash/internal/metrics"
	"github.com/agentleash/agentleash/internal/role"
	"github.com/agentleash/agentleash/internal/spend"
	"github.com/agentleash/agentleash/internal/store"
	"github.com/agentleash/agentleash/internal/template"
	"github.com/agentleash/agentleash/internal/token"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Exit codes beyond the generic 1: config problems are 2, storage problems 3.
const (
	exitConfig  = 2
	exitStorage = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentleash",
		Short: "Local governance daemon for AI agents",
		Long:  "AgentLeash — every agent action asks first.\nA local daemon that answers allow/ask/block for agent intents, with consent, capability tokens, spend caps, and a tamper-evident journal.",
	}

	var configFile string
	var port int
	var dataDir string
	var devMode bool

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the AgentLeash daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, dataDir, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: agentleash.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 3434)")
	startCmd.Flags().StringVar(&dataDir, "data-dir", "", "Override data directory (default: ./data)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Generate starter config, data directory, and example templates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(dir)
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a daemon is running and its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "Daemon port (default: 3434)")

	// ─── validate ───
	validateCmd := &cobra.Command{
		Use:   "validate [template-file]",
		Short: "Validate a policy template file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(args[0])
		},
	}

	// ─── doctor ───
	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, data directory, templates, and port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(port, configFile)
		},
	}
	doctorCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	doctorCmd.Flags().IntVarP(&port, "port", "p", 0, "Daemon port (default: 3434)")

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("AgentLeash %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, validateCmd, doctorCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		code := 1
		var xe *exitError
		if errors.As(err, &xe) {
			code = xe.code
		}
		os.Exit(code)
	}
}

func runStart(configFile string, portOverride int, dataDirOverride string, devMode bool) error {
	// .env is optional bootstrap for AGENTLEASH_* variables.
	_ = godotenv.Load()

	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return &exitError{exitConfig, fmt.Errorf("load config: %w", err)}
		}
	}
	cfg := loader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if dataDirOverride != "" {
		cfg.DataDir = dataDirOverride
		cfg.Storage.Path = ""
		cfg.Templates.Dir = ""
		cfg.Normalize()
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logger := newLogger(cfg.Server.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return &exitError{exitStorage, fmt.Errorf("create data dir: %w", err)}
	}
	if err := os.MkdirAll(cfg.Templates.Dir, 0o755); err != nil {
		return &exitError{exitConfig, fmt.Errorf("create templates dir: %w", err)}
	}

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return &exitError{exitStorage, fmt.Errorf("open store: %w", err)}
	}
	defer func() { _ = st.Close() }()
	if err := st.Initialize(); err != nil {
		return &exitError{exitStorage, fmt.Errorf("initialize store: %w", err)}
	}

	jnl, err := journal.New(st, cfg.DataDir, logger)
	if err != nil {
		return &exitError{exitStorage, fmt.Errorf("open journal: %w", err)}
	}
	defer func() { _ = jnl.Close() }()

	templates := template.NewStore(cfg.Templates.Dir, cfg.Templates.Debounce, logger)
	if err := templates.Load(); err != nil {
		return &exitError{exitConfig, fmt.Errorf("load templates: %w", err)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Templates.Watch {
		if err := templates.Watch(ctx); err != nil {
			logger.Warn("template hot-reload disabled", "error", err)
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	injector := chaos.New(logger)

	ledger, err := spend.New(st, logger)
	if err != nil {
		return &exitError{exitStorage, fmt.Errorf("restore spend ledger: %w", err)}
	}
	tokens, err := token.New(st, jnl, cfg.Tokens.MaxDuration, logger)
	if err != nil {
		return &exitError{exitStorage, fmt.Errorf("restore tokens: %w", err)}
	}
	roles := role.NewResolver(templates, st, jnl, injector, logger)
	if err := roles.Restore(); err != nil {
		return &exitError{exitStorage, fmt.Errorf("restore roles: %w", err)}
	}

	broker := consent.NewBroker(jnl, m, cfg.Consent.DefaultTimeout, cfg.Consent.MaxPendingPerAgent, logger)
	broker.Start(ctx)

	feed := bus.New(cfg.Bus.QueueSize, m, logger)
	dispatcher := bus.NewDispatcher(st, bus.Options{
		QueueSize:  cfg.Bus.WebhookQueueSize,
		Retries:    cfg.Bus.WebhookRetries,
		Window:     cfg.Bus.WebhookWindow,
		RatePerSec: cfg.Bus.WebhookRatePerSec,
	}, m, logger)
	defer dispatcher.Close()
	if err := dispatcher.Restore(); err != nil {
		logger.Warn("webhook restore failed", "error", err)
	}

	// Every committed journal record fans out to live subscribers and
	// registered webhooks.
	jnl.SetNotify(func(rec *store.Record) {
		feed.Publish(rec)
		dispatcher.Deliver(rec)
	})

	engine := decision.NewEngine(decision.Deps{
		Roles:   roles,
		Tokens:  tokens,
		Ledger:  ledger,
		Chaos:   injector,
		Consent: broker,
		Journal: jnl,
		Metrics: m,
	}, logger)

	srv := api.NewServer(api.Deps{
		Config:    cfg,
		Engine:    engine,
		Journal:   jnl,
		Tokens:    tokens,
		Templates: templates,
		Roles:     roles,
		Broker:    broker,
		Ledger:    ledger,
		Injector:  injector,
		Bus:       feed,
		Webhooks:  dispatcher,
		Version:   version,
	}, logger)

	printBanner(cfg, len(templates.List()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return &exitError{exitConfig, fmt.Errorf("http server: %w", err)}
	}
	return nil
}

func printBanner(cfg *config.Config, templateCount int) {
	authMode := "api keys"
	if len(cfg.Server.APIKeys) == 0 {
		authMode = "DISABLED (set server.api_keys or AGENTLEASH_API_KEY)"
	}

	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║           AgentLeash " + version + "                  ║")
	fmt.Println("  ║     Every agent action asks first.        ║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → API:       http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  → Live feed: ws://%s:%d/ws\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  → Metrics:   http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  → Storage:   %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  → Templates: %s (%d loaded)\n", cfg.Templates.Dir, templateCount)
	fmt.Printf("  → Auth:      %s\n", authMode)
	fmt.Println()
	fmt.Printf("  Try: curl -X POST http://%s:%d/decide \\\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println("         -H 'Content-Type: application/json' \\")
	fmt.Println("         -d '{\"agent\":\"demo\",\"intent\":\"llm.chat\"}'")
	fmt.Println()
}

// ─── init ───

func runInit(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "agentleash.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  ✓ Generated %s\n", configPath)
	}

	templatesDir := filepath.Join(dir, "data", "templates")
	if err := os.MkdirAll(templatesDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", templatesDir, err)
	}
	fmt.Printf("  ✓ Created %s/\n", filepath.Join(dir, "data"))

	for name, content := range template.StarterTemplates() {
		path := filepath.Join(templatesDir, name)
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("  ⚠ %s already exists (skipping)\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
		fmt.Printf("  ✓ Created %s\n", path)
	}

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    agentleash start                      # Start the daemon")
	fmt.Println("    agentleash validate <template.yaml>   # Check a policy template")
	fmt.Println("    agentleash status                     # Check a running daemon")
	return nil
}

// ─── status ───

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", p))
	if err != nil {
		fmt.Printf("AgentLeash is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var health struct {
		Status    string `json:"status"`
		Version   string `json:"version"`
		UptimeSec int64  `json:"uptime_sec"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	fmt.Println("AgentLeash Status")
	fmt.Println("─────────────────")
	fmt.Printf("  %-10s %s\n", "Status:", health.Status)
	fmt.Printf("  %-10s %s\n", "Version:", health.Version)
	fmt.Printf("  %-10s %s\n", "Uptime:", (time.Duration(health.UptimeSec) * time.Second).String())
	fmt.Printf("  %-10s %d\n", "Port:", p)
	return nil
}

// ─── validate ───

func runValidate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	result := template.Validate(data)
	for _, e := range result.Errors {
		fmt.Printf("  ✗ %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Printf("  ⚠ %s\n", w)
	}
	if !result.Valid {
		return fmt.Errorf("%s is not a valid template", path)
	}

	t := result.Parsed
	fmt.Printf("  ✓ %s valid (template %q, %d allow / %d ask / %d block)\n",
		path, t.Name, len(t.Allow), len(t.Ask), len(t.Block))
	return nil
}

// ─── doctor ───

func runDoctor(port int, configFile string) error {
	fmt.Println("AgentLeash Doctor")
	fmt.Println("─────────────────")

	// Config
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	loader := config.NewLoader()
	if path == "" {
		fmt.Println("⚠ No config file found (defaults will be used)")
	} else if err := loader.Load(path); err != nil {
		fmt.Printf("✗ Config file %s does not parse: %s\n", path, err)
	} else {
		fmt.Printf("✓ Config file valid: %s\n", path)
	}
	cfg := loader.Get()

	// Data dir writability
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Printf("✗ Data dir %s not creatable: %s\n", cfg.DataDir, err)
	} else {
		probe := filepath.Join(cfg.DataDir, ".doctor-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			fmt.Printf("✗ Data dir %s not writable: %s\n", cfg.DataDir, err)
		} else {
			_ = os.Remove(probe)
			fmt.Printf("✓ Data dir writable: %s\n", cfg.DataDir)
		}
	}

	// Templates
	entries, err := os.ReadDir(cfg.Templates.Dir)
	if err != nil {
		fmt.Printf("⚠ Templates dir %s not readable (run 'agentleash init')\n", cfg.Templates.Dir)
	} else {
		bad := 0
		total := 0
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			total++
			data, err := os.ReadFile(filepath.Join(cfg.Templates.Dir, name))
			if err != nil {
				fmt.Printf("✗ Template %s: %s\n", name, err)
				bad++
				continue
			}
			if result := template.Validate(data); !result.Valid {
				fmt.Printf("✗ Template %s: %s\n", name, strings.Join(result.Errors, "; "))
				bad++
			}
		}
		if bad == 0 {
			fmt.Printf("✓ Templates valid: %d in %s\n", total, cfg.Templates.Dir)
		}
	}

	// Port: either a daemon answers, or the port is free to bind.
	p := resolvePort(port)
	if p == 3434 && cfg.Server.Port != 0 {
		p = cfg.Server.Port
	}
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", p))
	if err == nil {
		_ = resp.Body.Close()
		fmt.Printf("✓ Daemon running on port %d\n", p)
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		fmt.Printf("✗ Port %d is taken by something that is not AgentLeash\n", p)
		return nil
	}
	_ = ln.Close()
	fmt.Printf("✓ Port %d available (daemon not running)\n", p)
	return nil
}

// ─── helpers ───

func findConfigFile() string {
	candidates := []string{
		"agentleash.yaml",
		"agentleash.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "agentleash", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 3434
	}
	return port
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
